package localstate

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agenticverz/agenticverz/internal/breaker"
	"github.com/agenticverz/agenticverz/internal/model"
)

// BreakerStore satisfies breaker.Store.
type BreakerStore struct {
	d *DB
}

// Breakers returns the breaker store backed by d.
func (d *DB) Breakers() *BreakerStore {
	return &BreakerStore{d: d}
}

const breakerColumns = `target, state, failure_count, opened_at, cooldown_until, cooldown_ms, trial_started_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *BreakerStore) Get(ctx context.Context, target string) (model.BreakerState, error) {
	st, err := scanBreaker(s.d.db.QueryRowContext(ctx,
		`SELECT `+breakerColumns+` FROM breaker_states WHERE target = ?`, target))
	if isNoRows(err) {
		return breaker.Closed(target), nil
	}
	if err != nil {
		return model.BreakerState{}, fmt.Errorf("localstate: get breaker %s: %w", target, err)
	}
	return st, nil
}

func (s *BreakerStore) Update(ctx context.Context, target string, fn breaker.UpdateFunc) (model.BreakerState, error) {
	var (
		result model.BreakerState
		fnErr  error
	)
	err := s.d.immediate(ctx, func(conn *sql.Conn) error {
		st, err := scanBreaker(conn.QueryRowContext(ctx,
			`SELECT `+breakerColumns+` FROM breaker_states WHERE target = ?`, target))
		if isNoRows(err) {
			st = breaker.Closed(target)
		} else if err != nil {
			return fmt.Errorf("read row: %w", err)
		}

		changed, err := fn(&st)
		result = st
		if err != nil {
			fnErr = err
			return err
		}
		if !changed {
			return nil
		}
		if st.UpdatedAt.IsZero() {
			st.UpdatedAt = s.d.now().UTC()
		}
		result = st
		_, err = conn.ExecContext(ctx,
			`INSERT INTO breaker_states (`+breakerColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(target) DO UPDATE SET
			     state = excluded.state,
			     failure_count = excluded.failure_count,
			     opened_at = excluded.opened_at,
			     cooldown_until = excluded.cooldown_until,
			     cooldown_ms = excluded.cooldown_ms,
			     trial_started_at = excluded.trial_started_at,
			     updated_at = excluded.updated_at`,
			target, string(st.State), st.FailureCount, toNanos(st.OpenedAt), toNanos(st.CooldownUntil),
			st.Cooldown.Milliseconds(), toNanos(st.TrialStartedAt), st.UpdatedAt.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("write row: %w", err)
		}
		return nil
	})
	if fnErr != nil {
		return result, fnErr
	}
	if err != nil {
		return model.BreakerState{}, fmt.Errorf("localstate: update breaker %s: %w", target, err)
	}
	return result, nil
}

func (s *BreakerStore) Reset(ctx context.Context, target string) error {
	if _, err := s.d.db.ExecContext(ctx, `DELETE FROM breaker_states WHERE target = ?`, target); err != nil {
		return fmt.Errorf("localstate: reset breaker %s: %w", target, err)
	}
	return nil
}

func (s *BreakerStore) List(ctx context.Context) ([]model.BreakerState, error) {
	rows, err := s.d.db.QueryContext(ctx, `SELECT `+breakerColumns+` FROM breaker_states ORDER BY target`)
	if err != nil {
		return nil, fmt.Errorf("localstate: list breakers: %w", err)
	}
	defer rows.Close()

	var out []model.BreakerState
	for rows.Next() {
		st, err := scanBreaker(rows)
		if err != nil {
			return nil, fmt.Errorf("localstate: scan breaker: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func scanBreaker(row rowScanner) (model.BreakerState, error) {
	var (
		st                      model.BreakerState
		state                   string
		opened, cooldownUntil   sql.NullInt64
		trialStarted            sql.NullInt64
		cooldownMS, updatedNano int64
	)
	if err := row.Scan(&st.Target, &state, &st.FailureCount, &opened, &cooldownUntil,
		&cooldownMS, &trialStarted, &updatedNano); err != nil {
		return model.BreakerState{}, err
	}
	st.State = model.CircuitState(state)
	st.OpenedAt = fromNanos(opened)
	st.CooldownUntil = fromNanos(cooldownUntil)
	st.TrialStartedAt = fromNanos(trialStarted)
	st.Cooldown = time.Duration(cooldownMS) * time.Millisecond
	st.UpdatedAt = time.Unix(0, updatedNano).UTC()
	return st, nil
}
