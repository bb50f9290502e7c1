package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/rcourtman/handwrite/internal/clock"
	herrors "github.com/rcourtman/handwrite/internal/errors"
	"github.com/rcourtman/handwrite/internal/hwmetrics"
)

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendMySQL    = "mysql"
	BackendPostgres = "postgres"
)

// Options selects and configures a ledger backend.
type Options struct {
	Backend string
	DSN     string // mysql and postgres
	Dir     string // sqlite
	Clock   clock.Clock
}

// Open creates the configured backend wrapped with metrics.
func Open(ctx context.Context, opts Options) (Ledger, error) {
	var (
		l   Ledger
		err error
	)
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case BackendMemory:
		l = NewMemoryLedger(opts.Clock)
	case BackendSQLite, "":
		l, err = NewSQLiteLedger(opts.Dir, opts.Clock)
	case BackendMySQL:
		l, err = NewMySQLLedger(opts.DSN, opts.Clock)
	case BackendPostgres, "postgresql":
		l, err = NewPostgresLedger(ctx, opts.DSN, opts.Clock)
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", opts.Backend)
	}
	if err != nil {
		return nil, err
	}
	return WithMetrics(l), nil
}

type instrumented struct {
	Ledger
}

// WithMetrics records every mutating and verifying call in hwmetrics.
func WithMetrics(l Ledger) Ledger {
	if _, ok := l.(*instrumented); ok {
		return l
	}
	return &instrumented{Ledger: l}
}

func observe(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(herrors.TypeOf(err))
	}
	hwmetrics.LedgerOperations.WithLabelValues(op, outcome).Inc()
}

func (m *instrumented) Issue(ctx context.Context, req IssueRequest) (*Record, error) {
	rec, err := m.Ledger.Issue(ctx, req)
	observe("issue", err)
	return rec, err
}

func (m *instrumented) Verify(ctx context.Context, code string) (*Record, error) {
	rec, err := m.Ledger.Verify(ctx, code)
	observe("verify", err)
	return rec, err
}

func (m *instrumented) Consume(ctx context.Context, code string, units int) (*Record, error) {
	rec, err := m.Ledger.Consume(ctx, code, units)
	observe("consume", err)
	if err == nil && rec.Mode == ModeQuantity {
		hwmetrics.UnitsConsumed.Add(float64(units))
	}
	return rec, err
}

func (m *instrumented) AdjustRemaining(ctx context.Context, code string, value int) (*Record, error) {
	rec, err := m.Ledger.AdjustRemaining(ctx, code, value)
	observe("adjust", err)
	return rec, err
}

func (m *instrumented) Delete(ctx context.Context, code string) error {
	err := m.Ledger.Delete(ctx, code)
	observe("delete", err)
	return err
}
