package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rcourtman/handwrite/internal/clock"
	herrors "github.com/rcourtman/handwrite/internal/errors"
)

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS entitlements (
		code            TEXT PRIMARY KEY,
		mode            TEXT NOT NULL,
		total_units     INTEGER NOT NULL,
		remaining_units INTEGER NOT NULL CHECK (remaining_units >= 0),
		expires_at      BIGINT,
		status          TEXT NOT NULL DEFAULT 'active',
		order_ref       TEXT UNIQUE,
		package_id      INTEGER NOT NULL DEFAULT 0,
		created_at      BIGINT NOT NULL,
		updated_at      BIGINT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_entitlements_status ON entitlements(status);
	CREATE TABLE IF NOT EXISTS usage_log (
		id         BIGSERIAL PRIMARY KEY,
		code       TEXT NOT NULL,
		action     TEXT NOT NULL,
		char_count INTEGER NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_log_code ON usage_log(code);
`

// PostgresLedger is a pgx pool backed ledger. Consume is a single
// conditional UPDATE ... RETURNING.
type PostgresLedger struct {
	pool    *pgxpool.Pool
	clock   clock.Clock
	newCode func() (string, error)
}

// NewPostgresLedger connects to dsn and ensures the schema exists.
func NewPostgresLedger(ctx context.Context, dsn string, clk clock.Clock) (*PostgresLedger, error) {
	if clk == nil {
		clk = clock.New()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres ledger: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init ledger schema: %w", err)
	}
	return &PostgresLedger{pool: pool, clock: clk}, nil
}

func (l *PostgresLedger) Ping(ctx context.Context) error {
	return l.pool.Ping(ctx)
}

func (l *PostgresLedger) Close() error {
	if l != nil && l.pool != nil {
		l.pool.Close()
	}
	return nil
}

func (l *PostgresLedger) Issue(ctx context.Context, req IssueRequest) (*Record, error) {
	if err := validateIssue(req); err != nil {
		return nil, err
	}
	if req.OrderRef != "" {
		existing, err := l.FindByOrder(ctx, req.OrderRef)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	candidates := newCodeCandidates(req, l.newCode)
	for {
		code, err := candidates.next()
		if err != nil {
			return nil, err
		}
		rec := newRecord(req, code, l.clock.Now())

		// ON CONFLICT DO NOTHING covers both the code and the order_ref
		// unique constraints; zero rows means one of them was taken.
		tag, err := l.pool.Exec(ctx, `INSERT INTO entitlements (`+recordColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT DO NOTHING`,
			rec.Code, string(rec.Mode), rec.TotalUnits, rec.RemainingUnits,
			nullableTimeUnix(rec.ExpiresAt), string(rec.Status), nullableString(rec.OrderRef),
			rec.PackageID, rec.CreatedAt.Unix(), rec.UpdatedAt.Unix(),
		)
		if err != nil {
			return nil, herrors.WrapStorageError("issue", code, err)
		}
		if tag.RowsAffected() == 1 {
			return rec, nil
		}
		if rec.OrderRef != "" {
			existing, err := l.FindByOrder(ctx, rec.OrderRef)
			if err != nil {
				return nil, err
			}
			if existing != nil {
				return existing, nil
			}
		}
	}
}

func (l *PostgresLedger) get(ctx context.Context, op, code string) (*Record, error) {
	row := l.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM entitlements WHERE code = $1`, code)
	rec, err := scanPgRecord(row)
	if err != nil {
		return nil, herrors.WrapStorageError(op, code, err)
	}
	return rec, nil
}

// expire flips an active subscription to expired. If another caller changed
// the status first, rec is refreshed to the stored state instead.
func (l *PostgresLedger) expire(ctx context.Context, op string, rec *Record, now time.Time) error {
	tag, err := l.pool.Exec(ctx, `UPDATE entitlements SET status = 'expired', updated_at = $1
		WHERE code = $2 AND status = 'active'`, now.Unix(), rec.Code)
	if err != nil {
		return herrors.WrapStorageError(op, rec.Code, err)
	}
	if tag.RowsAffected() == 0 {
		current, err := l.get(ctx, op, rec.Code)
		if err != nil {
			return err
		}
		if current == nil {
			return herrors.NotFound(op, rec.Code)
		}
		*rec = *current
		return nil
	}
	rec.Status = StatusExpired
	rec.UpdatedAt = now.Truncate(time.Second)
	return nil
}

func (l *PostgresLedger) Verify(ctx context.Context, code string) (*Record, error) {
	if err := validateCode("verify", code); err != nil {
		return nil, err
	}
	rec, err := l.get(ctx, "verify", code)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, herrors.NotFound("verify", code)
	}
	now := l.clock.Now()
	if needsExpiry(rec, now) {
		if err := l.expire(ctx, "verify", rec, now); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func (l *PostgresLedger) Consume(ctx context.Context, code string, units int) (*Record, error) {
	if err := validateCode("consume", code); err != nil {
		return nil, err
	}
	if err := validateUnits(units); err != nil {
		return nil, err
	}
	now := l.clock.Now()

	row := l.pool.QueryRow(ctx, `UPDATE entitlements SET
			remaining_units = remaining_units - $1,
			status = CASE WHEN remaining_units = $1 THEN 'exhausted' ELSE 'active' END,
			updated_at = $2
		WHERE code = $3 AND mode = 'quantity' AND status = 'active' AND remaining_units >= $1
		RETURNING `+recordColumns, units, now.Unix(), code)
	rec, err := scanPgRecord(row)
	if err != nil {
		return nil, herrors.WrapStorageError("consume", code, err)
	}
	if rec != nil {
		return rec, nil
	}

	// Nothing was drawn: classify why.
	rec, err = l.get(ctx, "consume", code)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, herrors.NotFound("consume", code)
	}
	if needsExpiry(rec, now) {
		if err := l.expire(ctx, "consume", rec, now); err != nil {
			return nil, err
		}
	}
	if err := checkConsumable(rec, units, now); err != nil {
		return nil, err
	}
	if rec.Mode == ModeSubscription {
		return rec, nil
	}
	return nil, errInsufficient("consume", code)
}

func (l *PostgresLedger) AdjustRemaining(ctx context.Context, code string, value int) (*Record, error) {
	if err := validateCode("adjust", code); err != nil {
		return nil, err
	}
	if value < 0 {
		return nil, herrors.Validation("adjust", "remaining units must not be negative, got %d", value)
	}
	rec, err := l.get(ctx, "adjust", code)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, herrors.NotFound("adjust", code)
	}
	if rec.Status == StatusDeleted {
		return nil, errInactive("adjust", code)
	}

	now := l.clock.Now()
	status := statusAfterAdjust(rec, value, now)
	row := l.pool.QueryRow(ctx, `UPDATE entitlements SET remaining_units = $1, status = $2, updated_at = $3
		WHERE code = $4 AND status <> 'deleted'
		RETURNING `+recordColumns, value, string(status), now.Unix(), code)
	updated, err := scanPgRecord(row)
	if err != nil {
		return nil, herrors.WrapStorageError("adjust", code, err)
	}
	if updated == nil {
		return nil, errInactive("adjust", code)
	}
	return updated, nil
}

func (l *PostgresLedger) Delete(ctx context.Context, code string) error {
	if err := validateCode("delete", code); err != nil {
		return err
	}
	tag, err := l.pool.Exec(ctx, `UPDATE entitlements SET status = 'deleted', updated_at = $1 WHERE code = $2`,
		l.clock.Now().Unix(), code)
	if err != nil {
		return herrors.WrapStorageError("delete", code, err)
	}
	if tag.RowsAffected() == 0 {
		return herrors.NotFound("delete", code)
	}
	return nil
}

func (l *PostgresLedger) List(ctx context.Context, filter Filter) ([]*Record, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	var where []string
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.OrdersOnly {
		where = append(where, "order_ref IS NOT NULL")
	}
	query := `SELECT ` + recordColumns + ` FROM entitlements`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC, code ASC LIMIT $%d`, len(args))

	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, herrors.WrapStorageError("list", "", err)
	}
	defer rows.Close()

	out := []*Record{}
	for rows.Next() {
		rec, err := scanPgRecord(rows)
		if err != nil {
			return nil, herrors.WrapStorageError("list", "", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, herrors.WrapStorageError("list", "", err)
	}
	return out, nil
}

func (l *PostgresLedger) FindByOrder(ctx context.Context, orderRef string) (*Record, error) {
	if orderRef == "" {
		return nil, nil
	}
	row := l.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM entitlements WHERE order_ref = $1`, orderRef)
	rec, err := scanPgRecord(row)
	if err != nil {
		return nil, herrors.WrapStorageError("find_by_order", orderRef, err)
	}
	return rec, nil
}

func (l *PostgresLedger) RecordUsage(ctx context.Context, u Usage) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = l.clock.Now()
	}
	_, err := l.pool.Exec(ctx, `INSERT INTO usage_log (code, action, char_count, created_at) VALUES ($1, $2, $3, $4)`,
		u.Code, u.Action, u.CharCount, u.CreatedAt.Unix())
	if err != nil {
		return herrors.WrapStorageError("record_usage", u.Code, err)
	}
	return nil
}

func (l *PostgresLedger) ListUsage(ctx context.Context, code string, limit int) ([]Usage, error) {
	if limit <= 0 {
		limit = defaultUsageLimit
	}
	query := `SELECT code, action, char_count, created_at FROM usage_log`
	args := []any{}
	if code != "" {
		args = append(args, code)
		query += ` WHERE code = $1`
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY id DESC LIMIT $%d`, len(args))

	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, herrors.WrapStorageError("list_usage", code, err)
	}
	defer rows.Close()

	var out []Usage
	for rows.Next() {
		var u Usage
		var createdAt int64
		if err := rows.Scan(&u.Code, &u.Action, &u.CharCount, &createdAt); err != nil {
			return nil, herrors.WrapStorageError("list_usage", code, err)
		}
		u.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, u)
	}
	return out, rows.Err()
}

func scanPgRecord(row pgx.Row) (*Record, error) {
	var r Record
	var mode, status string
	var expiresAt *int64
	var orderRef *string
	var createdAt, updatedAt int64

	err := row.Scan(
		&r.Code, &mode, &r.TotalUnits, &r.RemainingUnits, &expiresAt, &status,
		&orderRef, &r.PackageID, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan entitlement: %w", err)
	}

	r.Mode = Mode(mode)
	r.Status = Status(status)
	if orderRef != nil {
		r.OrderRef = *orderRef
	}
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	r.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if expiresAt != nil {
		ts := time.Unix(*expiresAt, 0).UTC()
		r.ExpiresAt = &ts
	}
	return &r, nil
}
