package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/agenticverz/agenticverz/internal/breaker"
	"github.com/agenticverz/agenticverz/internal/model"
)

// BreakerStore persists circuit breaker state in breaker_states. It satisfies
// breaker.Store.
type BreakerStore struct {
	db *DB
}

// Breakers returns the breaker store backed by db.
func (db *DB) Breakers() *BreakerStore {
	return &BreakerStore{db: db}
}

const breakerColumns = `target, state, failure_count, opened_at, cooldown_until, cooldown_ms, trial_started_at, updated_at`

func (s *BreakerStore) Get(ctx context.Context, target string) (model.BreakerState, error) {
	st, err := scanBreaker(s.db.pool.QueryRow(ctx,
		`SELECT `+breakerColumns+` FROM breaker_states WHERE target = $1`, target))
	if errors.Is(err, pgx.ErrNoRows) {
		return breaker.Closed(target), nil
	}
	if err != nil {
		return model.BreakerState{}, fmt.Errorf("storage: get breaker %s: %w", target, err)
	}
	return st, nil
}

// Update locks the target's row for the duration of fn. A row is created
// first if none exists so that concurrent first updates also serialize.
func (s *BreakerStore) Update(ctx context.Context, target string, fn breaker.UpdateFunc) (model.BreakerState, error) {
	var (
		result model.BreakerState
		fnErr  error
	)
	err := s.db.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO breaker_states (target, state, updated_at)
			 VALUES ($1, 'CLOSED', now())
			 ON CONFLICT (target) DO NOTHING`, target,
		); err != nil {
			return fmt.Errorf("ensure row: %w", err)
		}
		st, err := scanBreaker(tx.QueryRow(ctx,
			`SELECT `+breakerColumns+` FROM breaker_states WHERE target = $1 FOR UPDATE`, target))
		if err != nil {
			return fmt.Errorf("lock row: %w", err)
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
			st.UpdatedAt = time.Now().UTC()
		}
		result = st
		_, err = tx.Exec(ctx,
			`UPDATE breaker_states
			 SET state = $2, failure_count = $3, opened_at = $4, cooldown_until = $5,
			     cooldown_ms = $6, trial_started_at = $7, updated_at = $8
			 WHERE target = $1`,
			target, string(st.State), st.FailureCount, st.OpenedAt, st.CooldownUntil,
			st.Cooldown.Milliseconds(), st.TrialStartedAt, st.UpdatedAt,
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
		return model.BreakerState{}, fmt.Errorf("storage: update breaker %s: %w", target, err)
	}
	return result, nil
}

func (s *BreakerStore) Reset(ctx context.Context, target string) error {
	if _, err := s.db.pool.Exec(ctx, `DELETE FROM breaker_states WHERE target = $1`, target); err != nil {
		return fmt.Errorf("storage: reset breaker %s: %w", target, err)
	}
	return nil
}

func (s *BreakerStore) List(ctx context.Context) ([]model.BreakerState, error) {
	rows, err := s.db.pool.Query(ctx, `SELECT `+breakerColumns+` FROM breaker_states ORDER BY target`)
	if err != nil {
		return nil, fmt.Errorf("storage: list breakers: %w", err)
	}
	defer rows.Close()

	var out []model.BreakerState
	for rows.Next() {
		st, err := scanBreaker(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan breaker: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func scanBreaker(row pgx.Row) (model.BreakerState, error) {
	var (
		st         model.BreakerState
		state      string
		cooldownMS int64
	)
	if err := row.Scan(&st.Target, &state, &st.FailureCount, &st.OpenedAt, &st.CooldownUntil,
		&cooldownMS, &st.TrialStartedAt, &st.UpdatedAt); err != nil {
		return model.BreakerState{}, err
	}
	st.State = model.CircuitState(state)
	st.Cooldown = time.Duration(cooldownMS) * time.Millisecond
	return st, nil
}
