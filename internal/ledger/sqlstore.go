package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/rcourtman/handwrite/internal/clock"
	herrors "github.com/rcourtman/handwrite/internal/errors"
)

// Dialect selects the SQL flavour of a SQLLedger.
type Dialect string

const (
	DialectSQLite Dialect = "sqlite"
	DialectMySQL  Dialect = "mysql"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS entitlements (
		code            TEXT PRIMARY KEY,
		mode            TEXT NOT NULL,
		total_units     INTEGER NOT NULL,
		remaining_units INTEGER NOT NULL CHECK (remaining_units >= 0),
		expires_at      INTEGER,
		status          TEXT NOT NULL DEFAULT 'active',
		order_ref       TEXT UNIQUE,
		package_id      INTEGER NOT NULL DEFAULT 0,
		created_at      INTEGER NOT NULL,
		updated_at      INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_entitlements_status ON entitlements(status)`,
	`CREATE TABLE IF NOT EXISTS usage_log (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		code       TEXT NOT NULL,
		action     TEXT NOT NULL,
		char_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_log_code ON usage_log(code)`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS entitlements (
		code            VARCHAR(6) PRIMARY KEY,
		mode            VARCHAR(16) NOT NULL,
		total_units     INT NOT NULL,
		remaining_units INT NOT NULL CHECK (remaining_units >= 0),
		expires_at      BIGINT NULL,
		status          VARCHAR(16) NOT NULL DEFAULT 'active',
		order_ref       VARCHAR(64) NULL UNIQUE,
		package_id      INT NOT NULL DEFAULT 0,
		created_at      BIGINT NOT NULL,
		updated_at      BIGINT NOT NULL,
		INDEX idx_entitlements_status (status)
	) DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS usage_log (
		id         BIGINT AUTO_INCREMENT PRIMARY KEY,
		code       VARCHAR(6) NOT NULL,
		action     VARCHAR(32) NOT NULL,
		char_count INT NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		INDEX idx_usage_log_code (code)
	) DEFAULT CHARSET=utf8mb4`,
}

const recordColumns = `code, mode, total_units, remaining_units, expires_at, status,
	order_ref, package_id, created_at, updated_at`

// Both dialects evaluate the status CASE against the pre-update remaining
// value: SQLite always does, MySQL assigns left to right.
const consumeQuantitySQL = `UPDATE entitlements SET
		status = CASE WHEN remaining_units = ? THEN 'exhausted' ELSE 'active' END,
		remaining_units = remaining_units - ?,
		updated_at = ?
	WHERE code = ? AND mode = 'quantity' AND status = 'active' AND remaining_units >= ?`

// SQLLedger is a database/sql backed ledger for SQLite and MySQL.
type SQLLedger struct {
	db      *sql.DB
	dialect Dialect
	clock   clock.Clock
	newCode func() (string, error)
}

// NewSQLiteLedger opens (or creates) the ledger database in dir.
func NewSQLiteLedger(dir string, clk clock.Clock) (*SQLLedger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}

	dbPath := filepath.Join(dir, "ledger.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return newSQLLedger(db, DialectSQLite, clk)
}

// NewMySQLLedger connects to a MySQL ledger database.
func NewMySQLLedger(dsn string, clk clock.Clock) (*SQLLedger, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	// Report matched rather than changed rows so idempotent updates are
	// not mistaken for missing records.
	cfg.ClientFoundRows = true

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("create mysql connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(16)
	db.SetConnMaxLifetime(5 * time.Minute)

	return newSQLLedger(db, DialectMySQL, clk)
}

func newSQLLedger(db *sql.DB, dialect Dialect, clk clock.Clock) (*SQLLedger, error) {
	if clk == nil {
		clk = clock.New()
	}
	l := &SQLLedger{db: db, dialect: dialect, clock: clk}
	if err := l.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *SQLLedger) initSchema() error {
	schema := sqliteSchema
	if l.dialect == DialectMySQL {
		schema = mysqlSchema
	}
	for _, stmt := range schema {
		if _, err := l.db.Exec(stmt); err != nil {
			return fmt.Errorf("init ledger schema: %w", err)
		}
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (l *SQLLedger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (l *SQLLedger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *SQLLedger) Issue(ctx context.Context, req IssueRequest) (*Record, error) {
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
		taken, err := l.exists(ctx, code)
		if err != nil {
			return nil, err
		}
		if taken {
			continue
		}

		rec := newRecord(req, code, l.clock.Now())
		insertErr := l.insert(ctx, rec)
		if insertErr == nil {
			return rec, nil
		}

		// Lost a race: either the order was issued concurrently or the code
		// was taken between the check and the insert.
		if rec.OrderRef != "" {
			if existing, err := l.FindByOrder(ctx, rec.OrderRef); err == nil && existing != nil {
				return existing, nil
			}
		}
		if taken, err := l.exists(ctx, code); err == nil && taken {
			continue
		}
		return nil, herrors.WrapStorageError("issue", code, insertErr)
	}
}

func (l *SQLLedger) insert(ctx context.Context, rec *Record) error {
	_, err := l.db.ExecContext(ctx, `INSERT INTO entitlements (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Code, string(rec.Mode), rec.TotalUnits, rec.RemainingUnits,
		nullableTimeUnix(rec.ExpiresAt), string(rec.Status), nullableString(rec.OrderRef),
		rec.PackageID, rec.CreatedAt.Unix(), rec.UpdatedAt.Unix(),
	)
	return err
}

func (l *SQLLedger) exists(ctx context.Context, code string) (bool, error) {
	var one int
	err := l.db.QueryRowContext(ctx, `SELECT 1 FROM entitlements WHERE code = ?`, code).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, herrors.WrapStorageError("issue", code, err)
	}
	return true, nil
}

func (l *SQLLedger) get(ctx context.Context, op, code string) (*Record, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM entitlements WHERE code = ?`, code)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, herrors.WrapStorageError(op, code, err)
	}
	return rec, nil
}

// expire flips an active subscription to expired. If another caller changed
// the status first, rec is refreshed to the stored state instead.
func (l *SQLLedger) expire(ctx context.Context, op string, rec *Record, now time.Time) error {
	res, err := l.db.ExecContext(ctx, `UPDATE entitlements SET status = 'expired', updated_at = ?
		WHERE code = ? AND status = 'active'`, now.Unix(), rec.Code)
	if err != nil {
		return herrors.WrapStorageError(op, rec.Code, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
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

func (l *SQLLedger) Verify(ctx context.Context, code string) (*Record, error) {
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

func (l *SQLLedger) Consume(ctx context.Context, code string, units int) (*Record, error) {
	if err := validateCode("consume", code); err != nil {
		return nil, err
	}
	if err := validateUnits(units); err != nil {
		return nil, err
	}

	rec, err := l.get(ctx, "consume", code)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, herrors.NotFound("consume", code)
	}
	now := l.clock.Now()

	if rec.Mode == ModeSubscription {
		if needsExpiry(rec, now) {
			if err := l.expire(ctx, "consume", rec, now); err != nil {
				return nil, err
			}
		}
		if err := checkConsumable(rec, units, now); err != nil {
			return nil, err
		}
		return rec, nil
	}

	res, err := l.db.ExecContext(ctx, consumeQuantitySQL, units, units, now.Unix(), code, units)
	if err != nil {
		return nil, herrors.WrapStorageError("consume", code, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, herrors.WrapStorageError("consume", code, err)
	}

	rec, err = l.get(ctx, "consume", code)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, herrors.NotFound("consume", code)
	}
	if affected == 0 {
		if err := checkConsumable(rec, units, now); err != nil {
			return nil, err
		}
		return nil, errInsufficient("consume", code)
	}
	return rec, nil
}

func (l *SQLLedger) AdjustRemaining(ctx context.Context, code string, value int) (*Record, error) {
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
	res, err := l.db.ExecContext(ctx, `UPDATE entitlements SET remaining_units = ?, status = ?, updated_at = ?
		WHERE code = ? AND status <> 'deleted'`, value, string(status), now.Unix(), code)
	if err != nil {
		return nil, herrors.WrapStorageError("adjust", code, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, errInactive("adjust", code)
	}
	rec.RemainingUnits = value
	rec.Status = status
	rec.UpdatedAt = now.Truncate(time.Second)
	return rec, nil
}

func (l *SQLLedger) Delete(ctx context.Context, code string) error {
	if err := validateCode("delete", code); err != nil {
		return err
	}
	res, err := l.db.ExecContext(ctx, `UPDATE entitlements SET status = 'deleted', updated_at = ? WHERE code = ?`,
		l.clock.Now().Unix(), code)
	if err != nil {
		return herrors.WrapStorageError("delete", code, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return herrors.NotFound("delete", code)
	}
	return nil
}

func (l *SQLLedger) List(ctx context.Context, filter Filter) ([]*Record, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.OrdersOnly {
		where = append(where, "order_ref IS NOT NULL")
	}
	query := `SELECT ` + recordColumns + ` FROM entitlements`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, code ASC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, herrors.WrapStorageError("list", "", err)
	}
	defer rows.Close()

	out := []*Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
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

func (l *SQLLedger) FindByOrder(ctx context.Context, orderRef string) (*Record, error) {
	if orderRef == "" {
		return nil, nil
	}
	row := l.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM entitlements WHERE order_ref = ?`, orderRef)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, herrors.WrapStorageError("find_by_order", orderRef, err)
	}
	return rec, nil
}

func (l *SQLLedger) RecordUsage(ctx context.Context, u Usage) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = l.clock.Now()
	}
	_, err := l.db.ExecContext(ctx, `INSERT INTO usage_log (code, action, char_count, created_at) VALUES (?, ?, ?, ?)`,
		u.Code, u.Action, u.CharCount, u.CreatedAt.Unix())
	if err != nil {
		return herrors.WrapStorageError("record_usage", u.Code, err)
	}
	return nil
}

func (l *SQLLedger) ListUsage(ctx context.Context, code string, limit int) ([]Usage, error) {
	if limit <= 0 {
		limit = defaultUsageLimit
	}
	query := `SELECT code, action, char_count, created_at FROM usage_log`
	var args []any
	if code != "" {
		query += ` WHERE code = ?`
		args = append(args, code)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
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

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var r Record
	var mode, status string
	var expiresAt sql.NullInt64
	var orderRef sql.NullString
	var createdAt, updatedAt int64

	err := s.Scan(
		&r.Code, &mode, &r.TotalUnits, &r.RemainingUnits, &expiresAt, &status,
		&orderRef, &r.PackageID, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan entitlement: %w", err)
	}

	r.Mode = Mode(mode)
	r.Status = Status(status)
	r.OrderRef = orderRef.String
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	r.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if expiresAt.Valid {
		ts := time.Unix(expiresAt.Int64, 0).UTC()
		r.ExpiresAt = &ts
	}
	return &r, nil
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
