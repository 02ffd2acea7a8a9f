// Package idempotency deduplicates logically identical requests scoped by
// (tenant, key).
//
// A request is identified by its key and fingerprinted by its payload. Reusing
// a key with the same payload returns the cached result of the completed
// request; reusing it with a different payload is a conflict and is never
// silently overwritten. Records expire after a TTL and then behave as fresh.
package idempotency

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/agenticverz/agenticverz/internal/failure"
	"github.com/agenticverz/agenticverz/internal/model"
)

// Outcome classifies a Check.
type Outcome int

const (
	// Fresh means the caller now owns the key and must call Complete or Fail.
	Fresh Outcome = iota
	// Duplicate means a completed result with a matching fingerprint exists.
	Duplicate
	// Conflict means the key was used with a different payload.
	Conflict
	// InProgress means another caller still holds the key.
	InProgress
)

func (o Outcome) String() string {
	switch o {
	case Fresh:
		return "fresh"
	case Duplicate:
		return "duplicate"
	case Conflict:
		return "conflict"
	case InProgress:
		return "in_progress"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Decision is the result of Check.
type Decision struct {
	Outcome     Outcome
	Fingerprint string
	// Result holds the cached output for Duplicate.
	Result json.RawMessage
}

// DefaultTTL is how long a record is honored.
const DefaultTTL = 24 * time.Hour

// Fingerprint returns the blake3 hex digest of payload's JSON encoding.
// encoding/json sorts map keys, so equal maps fingerprint equally.
func Fingerprint(payload any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("idempotency: fingerprint: %w", err)
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Checker applies idempotency semantics on top of a Store.
type Checker struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger

	// wait bounds how long Check polls a key held by another caller.
	wait time.Duration
	poll time.Duration
}

// Option configures a Checker.
type Option func(*Checker)

// WithInProgressWait sets how long Check waits for another holder of the key
// to finish, and the polling interval.
func WithInProgressWait(wait, poll time.Duration) Option {
	return func(c *Checker) {
		c.wait = wait
		if poll > 0 {
			c.poll = poll
		}
	}
}

// NewChecker creates a Checker. A non-positive ttl selects DefaultTTL.
func NewChecker(store Store, ttl time.Duration, logger *slog.Logger, opts ...Option) *Checker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Checker{store: store, ttl: ttl, logger: logger, wait: 5 * time.Second, poll: 50 * time.Millisecond}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Check claims (tenant, key) for payload. Conflict and InProgress are also
// returned as *failure.Error values; any other error comes from the store and
// callers may proceed without deduplication.
func (c *Checker) Check(ctx context.Context, tenantID uuid.UUID, key string, payload any) (Decision, error) {
	fp, err := Fingerprint(payload)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{Fingerprint: fp}

	deadline := time.Now().Add(c.wait)
	for {
		rec, created, err := c.store.Begin(ctx, tenantID, key, fp, c.ttl)
		if err != nil {
			return d, fmt.Errorf("idempotency: begin %s: %w", key, err)
		}
		if created {
			d.Outcome = Fresh
			return d, nil
		}
		if rec.Fingerprint != fp {
			d.Outcome = Conflict
			return d, failure.IdempotencyConflict(key)
		}
		if rec.Status == model.IdempotencyCompleted {
			d.Outcome = Duplicate
			d.Result = rec.Result
			return d, nil
		}

		// Held by another caller. A failed record with our fingerprint is
		// reclaimed by the next Begin.
		if rec.Status == model.IdempotencyInProgress && !time.Now().Before(deadline) {
			d.Outcome = InProgress
			return d, failure.IdempotencyInProgress(key, c.poll)
		}
		select {
		case <-ctx.Done():
			return d, ctx.Err()
		case <-time.After(c.poll):
		}
	}
}

// Lookup returns the cached result of a completed record for (tenant, key).
func (c *Checker) Lookup(ctx context.Context, tenantID uuid.UUID, key string) (json.RawMessage, bool, error) {
	rec, found, err := c.store.Get(ctx, tenantID, key)
	if err != nil {
		return nil, false, fmt.Errorf("idempotency: get %s: %w", key, err)
	}
	if !found || rec.Status != model.IdempotencyCompleted {
		return nil, false, nil
	}
	return rec.Result, true, nil
}

// MarkCompleted finalizes key with result.
func (c *Checker) MarkCompleted(ctx context.Context, tenantID uuid.UUID, key string, result any) error {
	b, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("idempotency: marshal result %s: %w", key, err)
	}
	if err := c.store.Complete(ctx, tenantID, key, b); err != nil {
		return fmt.Errorf("idempotency: complete %s: %w", key, err)
	}
	return nil
}

// MarkFailed finalizes key as failed so a retry with the same payload may
// claim it again.
func (c *Checker) MarkFailed(ctx context.Context, tenantID uuid.UUID, key string) error {
	if err := c.store.Fail(ctx, tenantID, key); err != nil {
		return fmt.Errorf("idempotency: fail %s: %w", key, err)
	}
	return nil
}

// Purge deletes expired records.
func (c *Checker) Purge(ctx context.Context) (int64, error) {
	n, err := c.store.PurgeExpired(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("idempotency: purge: %w", err)
	}
	if n > 0 {
		c.logger.Info("idempotency: purged expired records", "count", n)
	}
	return n, nil
}
