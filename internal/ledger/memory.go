package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/rcourtman/handwrite/internal/clock"
	herrors "github.com/rcourtman/handwrite/internal/errors"
)

// MemoryLedger keeps entitlements in process memory. A single mutex guards
// every read-modify-write, so Consume is atomic per code.
type MemoryLedger struct {
	mu      sync.Mutex
	clock   clock.Clock
	records map[string]*Record
	byOrder map[string]string
	usage   []Usage
	newCode func() (string, error)
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger(clk clock.Clock) *MemoryLedger {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryLedger{
		clock:   clk,
		records: make(map[string]*Record),
		byOrder: make(map[string]string),
	}
}

func (l *MemoryLedger) Issue(ctx context.Context, req IssueRequest) (*Record, error) {
	if err := validateIssue(req); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if req.OrderRef != "" {
		if code, ok := l.byOrder[req.OrderRef]; ok {
			return l.records[code].Clone(), nil
		}
	}

	candidates := newCodeCandidates(req, l.newCode)
	for {
		code, err := candidates.next()
		if err != nil {
			return nil, err
		}
		if _, taken := l.records[code]; taken {
			continue
		}
		rec := newRecord(req, code, l.clock.Now())
		l.records[code] = rec
		if rec.OrderRef != "" {
			l.byOrder[rec.OrderRef] = code
		}
		return rec.Clone(), nil
	}
}

func (l *MemoryLedger) Verify(ctx context.Context, code string) (*Record, error) {
	if err := validateCode("verify", code); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[code]
	if !ok {
		return nil, herrors.NotFound("verify", code)
	}
	now := l.clock.Now()
	if needsExpiry(rec, now) {
		rec.Status = StatusExpired
		rec.UpdatedAt = now
	}
	return rec.Clone(), nil
}

func (l *MemoryLedger) Consume(ctx context.Context, code string, units int) (*Record, error) {
	if err := validateCode("consume", code); err != nil {
		return nil, err
	}
	if err := validateUnits(units); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[code]
	if !ok {
		return nil, herrors.NotFound("consume", code)
	}
	now := l.clock.Now()
	if needsExpiry(rec, now) {
		rec.Status = StatusExpired
		rec.UpdatedAt = now
	}
	if err := checkConsumable(rec, units, now); err != nil {
		return nil, err
	}

	if rec.Mode == ModeQuantity {
		rec.RemainingUnits -= units
		if rec.RemainingUnits == 0 {
			rec.Status = StatusExhausted
		}
		rec.UpdatedAt = now
	}
	return rec.Clone(), nil
}

func (l *MemoryLedger) AdjustRemaining(ctx context.Context, code string, value int) (*Record, error) {
	if err := validateCode("adjust", code); err != nil {
		return nil, err
	}
	if value < 0 {
		return nil, herrors.Validation("adjust", "remaining units must not be negative, got %d", value)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[code]
	if !ok {
		return nil, herrors.NotFound("adjust", code)
	}
	if rec.Status == StatusDeleted {
		return nil, errInactive("adjust", code)
	}
	now := l.clock.Now()
	rec.RemainingUnits = value
	rec.Status = statusAfterAdjust(rec, value, now)
	rec.UpdatedAt = now
	return rec.Clone(), nil
}

func (l *MemoryLedger) Delete(ctx context.Context, code string) error {
	if err := validateCode("delete", code); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[code]
	if !ok {
		return herrors.NotFound("delete", code)
	}
	rec.Status = StatusDeleted
	rec.UpdatedAt = l.clock.Now()
	return nil
}

func (l *MemoryLedger) List(ctx context.Context, filter Filter) ([]*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	out := make([]*Record, 0, len(l.records))
	for _, rec := range l.records {
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if filter.OrdersOnly && rec.OrderRef == "" {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Code < out[j].Code
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *MemoryLedger) FindByOrder(ctx context.Context, orderRef string) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	code, ok := l.byOrder[orderRef]
	if !ok {
		return nil, nil
	}
	return l.records[code].Clone(), nil
}

func (l *MemoryLedger) RecordUsage(ctx context.Context, u Usage) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if u.CreatedAt.IsZero() {
		u.CreatedAt = l.clock.Now()
	}
	l.usage = append(l.usage, u)
	return nil
}

func (l *MemoryLedger) ListUsage(ctx context.Context, code string, limit int) ([]Usage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit <= 0 {
		limit = defaultUsageLimit
	}
	var out []Usage
	for i := len(l.usage) - 1; i >= 0 && len(out) < limit; i-- {
		if code == "" || l.usage[i].Code == code {
			out = append(out, l.usage[i])
		}
	}
	return out, nil
}

func (l *MemoryLedger) Ping(ctx context.Context) error { return nil }

func (l *MemoryLedger) Close() error { return nil }
