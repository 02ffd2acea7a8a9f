// Package breaker implements a persisted per-target circuit breaker.
//
// CLOSED passes calls through and counts consecutive failures. Reaching the
// failure threshold opens the circuit for a cooldown. Once the cooldown has
// elapsed the next Allow moves the circuit to HALF_OPEN and admits exactly one
// trial call: success closes it, failure reopens it with the cooldown doubled
// (capped at MaxCooldown).
//
// All transitions go through Store.Update, so replicas sharing a persistent
// store observe one consistent state per target.
package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/agenticverz/agenticverz/internal/failure"
	"github.com/agenticverz/agenticverz/internal/model"
)

// Config holds breaker thresholds.
type Config struct {
	FailureThreshold int
	Cooldown         time.Duration
	MaxCooldown      time.Duration
}

// DefaultConfig returns a threshold of 5 failures and a 60s cooldown capped at 1h.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, Cooldown: 60 * time.Second, MaxCooldown: time.Hour}
}

// Breaker applies the state machine to targets held in a Store.
type Breaker struct {
	store       Store
	cfg         Config
	logger      *slog.Logger
	now         func() time.Time
	transitions metric.Int64Counter
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the wall clock. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithTransitionCounter records every state change on c.
func WithTransitionCounter(c metric.Int64Counter) Option {
	return func(b *Breaker) { b.transitions = c }
}

// New creates a Breaker. Zero config fields fall back to DefaultConfig.
func New(store Store, cfg Config, logger *slog.Logger, opts ...Option) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.MaxCooldown < cfg.Cooldown {
		cfg.MaxCooldown = max(def.MaxCooldown, cfg.Cooldown)
	}
	b := &Breaker{store: store, cfg: cfg, logger: logger, now: time.Now}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Allow reports whether a call to target may proceed. A rejection is a
// *failure.Error with code CIRCUIT_OPEN carrying the remaining cooldown.
// Other errors come from the store.
func (b *Breaker) Allow(ctx context.Context, target string) error {
	_, err := b.Admit(ctx, target)
	return err
}

// Admit is Allow that also reports whether the call was admitted as the
// HALF_OPEN trial. A caller holding the trial must end it with
// RecordSuccess, RecordFailure or Release.
func (b *Breaker) Admit(ctx context.Context, target string) (trial bool, err error) {
	now := b.now()
	var from model.CircuitState
	st, err := b.store.Update(ctx, target, func(st *model.BreakerState) (bool, error) {
		from = st.State
		trial = false
		switch st.State {
		case model.CircuitOpen:
			if st.CooldownUntil != nil && now.Before(*st.CooldownUntil) {
				return false, failure.CircuitOpen(target, st.CooldownUntil.Sub(now))
			}
			st.State = model.CircuitHalfOpen
			st.CooldownUntil = nil
			st.TrialStartedAt = &now
			st.UpdatedAt = now
			trial = true
			return true, nil
		case model.CircuitHalfOpen:
			// A trial that never reported back is abandoned after one cooldown.
			cooldown := b.currentCooldown(st)
			if st.TrialStartedAt != nil && now.Sub(*st.TrialStartedAt) < cooldown {
				return false, failure.CircuitOpen(target, cooldown-now.Sub(*st.TrialStartedAt))
			}
			st.TrialStartedAt = &now
			st.UpdatedAt = now
			trial = true
			return true, nil
		default:
			return false, nil
		}
	})
	if err != nil {
		if failure.HasCode(err, failure.CodeCircuitOpen) {
			return false, err
		}
		return false, fmt.Errorf("breaker: allow %s: %w", target, err)
	}
	b.observe(ctx, target, from, st.State)
	return trial, nil
}

// Release hands back a HALF_OPEN trial that ended without reaching the
// target, so the next call is admitted as the trial instead.
func (b *Breaker) Release(ctx context.Context, target string) error {
	_, err := b.store.Update(ctx, target, func(st *model.BreakerState) (bool, error) {
		if st.State != model.CircuitHalfOpen || st.TrialStartedAt == nil {
			return false, nil
		}
		st.TrialStartedAt = nil
		st.UpdatedAt = b.now()
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("breaker: release %s: %w", target, err)
	}
	return nil
}

// RecordSuccess closes a HALF_OPEN circuit and clears the failure count of a
// CLOSED one. Successes reported while OPEN are stragglers and are ignored.
func (b *Breaker) RecordSuccess(ctx context.Context, target string) error {
	now := b.now()
	var from model.CircuitState
	st, err := b.store.Update(ctx, target, func(st *model.BreakerState) (bool, error) {
		from = st.State
		switch st.State {
		case model.CircuitHalfOpen:
			*st = Closed(target)
			st.UpdatedAt = now
			return true, nil
		case model.CircuitOpen:
			return false, nil
		default:
			if st.FailureCount == 0 {
				return false, nil
			}
			st.FailureCount = 0
			st.UpdatedAt = now
			return true, nil
		}
	})
	if err != nil {
		return fmt.Errorf("breaker: record success %s: %w", target, err)
	}
	b.observe(ctx, target, from, st.State)
	return nil
}

// RecordFailure counts a failure against target, opening the circuit when the
// threshold is reached or the HALF_OPEN trial failed.
func (b *Breaker) RecordFailure(ctx context.Context, target string) error {
	now := b.now()
	var from model.CircuitState
	st, err := b.store.Update(ctx, target, func(st *model.BreakerState) (bool, error) {
		from = st.State
		st.FailureCount++
		st.UpdatedAt = now
		switch st.State {
		case model.CircuitHalfOpen:
			b.open(st, now, min(2*b.currentCooldown(st), b.cfg.MaxCooldown))
		case model.CircuitOpen:
			// Straggler from before the circuit opened; keep the cooldown.
		default:
			st.State = model.CircuitClosed
			if st.FailureCount >= b.cfg.FailureThreshold {
				b.open(st, now, b.cfg.Cooldown)
			}
		}
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("breaker: record failure %s: %w", target, err)
	}
	b.observe(ctx, target, from, st.State)
	return nil
}

// State returns the current persisted state of target.
func (b *Breaker) State(ctx context.Context, target string) (model.BreakerState, error) {
	st, err := b.store.Get(ctx, target)
	if err != nil {
		return st, fmt.Errorf("breaker: get %s: %w", target, err)
	}
	return st, nil
}

// List returns all persisted breaker states.
func (b *Breaker) List(ctx context.Context) ([]model.BreakerState, error) {
	states, err := b.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("breaker: list: %w", err)
	}
	return states, nil
}

// Reset manually closes target.
func (b *Breaker) Reset(ctx context.Context, target string) error {
	if err := b.store.Reset(ctx, target); err != nil {
		return fmt.Errorf("breaker: reset %s: %w", target, err)
	}
	b.logger.Info("breaker: reset", "target", target)
	return nil
}

func (b *Breaker) open(st *model.BreakerState, now time.Time, cooldown time.Duration) {
	until := now.Add(cooldown)
	st.State = model.CircuitOpen
	st.OpenedAt = &now
	st.CooldownUntil = &until
	st.Cooldown = cooldown
	st.TrialStartedAt = nil
}

func (b *Breaker) currentCooldown(st *model.BreakerState) time.Duration {
	if st.Cooldown > 0 {
		return st.Cooldown
	}
	return b.cfg.Cooldown
}

func (b *Breaker) observe(ctx context.Context, target string, from, to model.CircuitState) {
	if from == "" {
		from = model.CircuitClosed
	}
	if from == to {
		return
	}
	b.logger.Info("breaker: transition", "target", target, "from", from, "to", to)
	if b.transitions != nil {
		b.transitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("target", target),
			attribute.String("to", string(to)),
		))
	}
}
