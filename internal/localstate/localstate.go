// Package localstate provides a SQLite-backed breaker store and idempotency
// store for single-host deployments.
//
// Every read-modify-write runs inside BEGIN IMMEDIATE, which takes the
// database write lock up front, so worker processes sharing one database file
// serialize on it. busy_timeout makes contenders wait instead of failing.
package localstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS breaker_states (
	target           TEXT PRIMARY KEY,
	state            TEXT NOT NULL,
	failure_count    INTEGER NOT NULL DEFAULT 0,
	opened_at        INTEGER,
	cooldown_until   INTEGER,
	cooldown_ms      INTEGER NOT NULL DEFAULT 0,
	trial_started_at INTEGER,
	updated_at       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS idempotency_records (
	tenant_id   TEXT NOT NULL,
	key         TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	status      TEXT NOT NULL,
	result      BLOB,
	expires_at  INTEGER NOT NULL,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, key)
);

CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_records (expires_at);
`

// DB is a SQLite database holding breaker and idempotency state.
type DB struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a DB.
type Option func(*DB)

// WithClock overrides the wall clock used for record timestamps and expiry.
func WithClock(now func() time.Time) Option {
	return func(d *DB) { d.now = now }
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string, logger *slog.Logger, opts ...Option) (*DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("localstate: open %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("localstate: apply schema: %w", err)
	}
	d := &DB{db: db, logger: logger, now: time.Now}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// immediate runs fn on a single connection inside BEGIN IMMEDIATE.
func (d *DB) immediate(ctx context.Context, fn func(conn *sql.Conn) error) (err error) {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err == nil {
			return
		}
		if _, rbErr := conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK"); rbErr != nil {
			d.logger.Warn("localstate: rollback", "error", rbErr)
		}
	}()

	if err := fn(conn); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func toNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
