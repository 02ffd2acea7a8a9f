package idempotency

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenticverz/agenticverz/internal/failure"
)

func newTestChecker(store Store, opts ...Option) *Checker {
	return NewChecker(store, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
}

func TestFingerprint_KeyOrderIndependent(t *testing.T) {
	a, err := Fingerprint(map[string]any{"x": 1, "y": []any{"a", "b"}})
	require.NoError(t, err)
	b, err := Fingerprint(map[string]any{"y": []any{"a", "b"}, "x": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	c, err := Fingerprint(map[string]any{"x": 2, "y": []any{"a", "b"}})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestCheck_FreshThenDuplicate(t *testing.T) {
	c := newTestChecker(NewMemoryStore())
	ctx := context.Background()
	tenant := uuid.New()
	payload := map[string]any{"url": "https://example.com"}

	d, err := c.Check(ctx, tenant, "k1", payload)
	require.NoError(t, err)
	assert.Equal(t, Fresh, d.Outcome)

	require.NoError(t, c.MarkCompleted(ctx, tenant, "k1", map[string]any{"status": 200}))

	d, err = c.Check(ctx, tenant, "k1", payload)
	require.NoError(t, err)
	assert.Equal(t, Duplicate, d.Outcome)
	assert.JSONEq(t, `{"status":200}`, string(d.Result))
}

func TestCheck_ConflictOnDifferentPayload(t *testing.T) {
	c := newTestChecker(NewMemoryStore())
	ctx := context.Background()
	tenant := uuid.New()

	_, err := c.Check(ctx, tenant, "k1", map[string]any{"a": 1})
	require.NoError(t, err)
	require.NoError(t, c.MarkCompleted(ctx, tenant, "k1", "ok"))

	d, err := c.Check(ctx, tenant, "k1", map[string]any{"a": 2})
	require.Error(t, err)
	assert.Equal(t, Conflict, d.Outcome)
	assert.True(t, failure.HasCode(err, failure.CodeIdempotencyConflict))
	assert.False(t, failure.IsRetryable(err))
}

func TestCheck_TenantScoped(t *testing.T) {
	c := newTestChecker(NewMemoryStore())
	ctx := context.Background()

	_, err := c.Check(ctx, uuid.New(), "shared", map[string]any{"a": 1})
	require.NoError(t, err)

	d, err := c.Check(ctx, uuid.New(), "shared", map[string]any{"a": 2})
	require.NoError(t, err)
	assert.Equal(t, Fresh, d.Outcome)
}

func TestCheck_FailedRecordIsReclaimed(t *testing.T) {
	c := newTestChecker(NewMemoryStore())
	ctx := context.Background()
	tenant := uuid.New()
	payload := map[string]any{"a": 1}

	_, err := c.Check(ctx, tenant, "k1", payload)
	require.NoError(t, err)
	require.NoError(t, c.MarkFailed(ctx, tenant, "k1"))

	d, err := c.Check(ctx, tenant, "k1", payload)
	require.NoError(t, err)
	assert.Equal(t, Fresh, d.Outcome)
}

func TestCheck_ExpiredRecordIsFresh(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	c := newTestChecker(store)
	ctx := context.Background()
	tenant := uuid.New()

	_, err := c.Check(ctx, tenant, "k1", map[string]any{"a": 1})
	require.NoError(t, err)
	require.NoError(t, c.MarkCompleted(ctx, tenant, "k1", "ok"))

	now = now.Add(2 * time.Hour)
	d, err := c.Check(ctx, tenant, "k1", map[string]any{"a": 2})
	require.NoError(t, err, "expired keys behave as fresh even with a new payload")
	assert.Equal(t, Fresh, d.Outcome)
}

func TestCheck_InProgressTimesOut(t *testing.T) {
	c := newTestChecker(NewMemoryStore(), WithInProgressWait(30*time.Millisecond, 5*time.Millisecond))
	ctx := context.Background()
	tenant := uuid.New()

	_, err := c.Check(ctx, tenant, "k1", "p")
	require.NoError(t, err)

	d, err := c.Check(ctx, tenant, "k1", "p")
	require.Error(t, err)
	assert.Equal(t, InProgress, d.Outcome)
	assert.True(t, failure.HasCode(err, failure.CodeIdempotencyInProgress))
	assert.True(t, failure.IsRetryable(err))
}

func TestCheck_ConcurrentDuplicatesExecuteOnce(t *testing.T) {
	c := newTestChecker(NewMemoryStore(), WithInProgressWait(2*time.Second, 5*time.Millisecond))
	ctx := context.Background()
	tenant := uuid.New()
	payload := map[string]any{"q": "same"}

	var (
		mu         sync.Mutex
		executions int
		results    []string
	)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := c.Check(ctx, tenant, "k1", payload)
			if !assert.NoError(t, err) {
				return
			}
			out := d.Result
			if d.Outcome == Fresh {
				mu.Lock()
				executions++
				mu.Unlock()
				time.Sleep(20 * time.Millisecond)
				out, _ = json.Marshal("result")
				assert.NoError(t, c.MarkCompleted(ctx, tenant, "k1", "result"))
			}
			mu.Lock()
			results = append(results, string(out))
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, executions)
	require.Len(t, results, 2)
	assert.Equal(t, results[0], results[1])
}

func TestLookup(t *testing.T) {
	c := newTestChecker(NewMemoryStore())
	ctx := context.Background()
	tenant := uuid.New()

	_, ok, err := c.Lookup(ctx, tenant, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.Check(ctx, tenant, "k1", "p")
	require.NoError(t, err)
	_, ok, err = c.Lookup(ctx, tenant, "k1")
	require.NoError(t, err)
	assert.False(t, ok, "in-progress records have no result")

	require.NoError(t, c.MarkCompleted(ctx, tenant, "k1", map[string]any{"v": 1}))
	res, ok, err := c.Lookup(ctx, tenant, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"v":1}`, string(res))
}

func TestMemoryStore_PurgeExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	tenant := uuid.New()

	_, _, err := store.Begin(ctx, tenant, "short", "fp", time.Millisecond)
	require.NoError(t, err)
	_, _, err = store.Begin(ctx, tenant, "long", "fp", time.Hour)
	require.NoError(t, err)

	n, err := store.PurgeExpired(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, found, err := store.Get(ctx, tenant, "long")
	require.NoError(t, err)
	assert.True(t, found)
}
