package storage_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenticverz/agenticverz/internal/breaker"
	"github.com/agenticverz/agenticverz/internal/budget"
	"github.com/agenticverz/agenticverz/internal/failure"
	"github.com/agenticverz/agenticverz/internal/model"
	"github.com/agenticverz/agenticverz/internal/runner"
	"github.com/agenticverz/agenticverz/internal/storage"
	"github.com/agenticverz/agenticverz/internal/testutil"
	"github.com/agenticverz/agenticverz/migrations"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	ctx := context.Background()
	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()
	testDB.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

func enqueue(t *testing.T, tenant uuid.UUID) model.Run {
	t.Helper()
	run, err := testDB.CreateRun(context.Background(), model.CreateRunRequest{
		TenantID: tenant,
		AgentID:  "agent-" + uuid.NewString()[:8],
		Goal:     "summarize",
		Plan: model.Plan{Steps: []model.PlanStep{
			{ID: "s1", Skill: "echo", Params: map[string]any{"text": "hi"}},
		}},
		MaxAttempts: 2,
	})
	require.NoError(t, err)
	return run
}

func claim(t *testing.T, id uuid.UUID, owner string) model.Run {
	t.Helper()
	run, ok, err := testDB.ClaimRun(context.Background(), id, owner)
	require.NoError(t, err)
	require.True(t, ok, "claim should succeed")
	return run
}

func TestRunMigrations_Idempotent(t *testing.T) {
	require.NoError(t, testDB.RunMigrations(context.Background(), migrations.FS))
}

func TestCreateRun_RoundTrip(t *testing.T) {
	ctx := context.Background()
	run := enqueue(t, uuid.New())

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusQueued, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, 2, got.MaxAttempts)
	require.Len(t, got.Plan.Steps, 1)
	assert.Equal(t, "echo", got.Plan.Steps[0].Skill)
	assert.Empty(t, got.ToolCalls)

	_, err = testDB.GetRun(ctx, uuid.New())
	assert.ErrorIs(t, err, runner.ErrNotFound)
}

func TestClaimRun_SecondClaimLoses(t *testing.T) {
	run := enqueue(t, uuid.New())

	claimed := claim(t, run.ID, "owner-a")
	assert.Equal(t, model.RunStatusRunning, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)
	require.NotNil(t, claimed.ClaimedBy)
	assert.Equal(t, "owner-a", *claimed.ClaimedBy)

	_, ok, err := testDB.ClaimRun(context.Background(), run.ID, "owner-b")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClaimRun_ConcurrentClaimsOneWinner(t *testing.T) {
	run := enqueue(t, uuid.New())

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := testDB.ClaimRun(context.Background(), run.ID, fmt.Sprintf("owner-%d", i))
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestPollRunnable_RespectsBackoffGate(t *testing.T) {
	ctx := context.Background()
	run := enqueue(t, uuid.New())
	claimed := claim(t, run.ID, "owner")

	next := time.Now().Add(time.Hour)
	claimed.Status = model.RunStatusRetry
	claimed.NextAttemptAt = &next
	require.NoError(t, testDB.FinishAttempt(ctx, claimed, model.TraceRecord{RunID: run.ID}, nil))

	runs, err := testDB.PollRunnable(ctx, 1000)
	require.NoError(t, err)
	for _, r := range runs {
		assert.NotEqual(t, run.ID, r.ID, "run gated by next_attempt_at must not be polled")
	}
	_, ok, err := testDB.ClaimRun(ctx, run.ID, "owner")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFinishAttempt_SucceededWritesTraceAndProvenance(t *testing.T) {
	ctx := context.Background()
	run := enqueue(t, uuid.New())
	claimed := claim(t, run.ID, "owner")

	now := time.Now().UTC().Truncate(time.Microsecond)
	claimed.Status = model.RunStatusSucceeded
	claimed.CompletedAt = &now
	claimed.ToolCalls = []model.ToolCall{{StepID: "s1", Skill: "echo", Cost: 3, Output: map[string]any{"text": "hi"}}}
	trace := model.TraceRecord{
		RunID:    run.ID,
		Seed:     7,
		RootHash: "abc",
		Steps: []model.TraceStep{{
			Index: 0, Skill: "echo", Params: map[string]any{"text": "hi"}, Status: model.StepSucceeded, Hash: "h0",
		}},
	}
	prov := &model.Provenance{
		ID: uuid.New(), RunID: run.ID, TenantID: run.TenantID, AgentID: run.AgentID,
		Plan: run.Plan, ToolCalls: claimed.ToolCalls, TotalCost: 3, RootHash: "abc", CreatedAt: now,
	}
	require.NoError(t, testDB.FinishAttempt(ctx, claimed, trace, prov))

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSucceeded, got.Status)
	assert.Nil(t, got.ClaimedBy)
	require.Len(t, got.ToolCalls, 1)
	assert.Equal(t, int64(3), got.ToolCalls[0].Cost)

	tr, err := testDB.LatestTrace(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), tr.Seed)
	assert.Equal(t, "abc", tr.RootHash)
	require.Len(t, tr.Steps, 1)
	assert.Equal(t, model.StepSucceeded, tr.Steps[0].Status)

	p, err := testDB.GetProvenance(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, prov.ID, p.ID)
	assert.Equal(t, int64(3), p.TotalCost)
	assert.Equal(t, "abc", p.RootHash)
}

func TestFinishAttempt_FencedByClaim(t *testing.T) {
	ctx := context.Background()
	run := enqueue(t, uuid.New())
	claimed := claim(t, run.ID, "owner-a")

	stale := claimed
	other := "owner-b"
	stale.ClaimedBy = &other
	stale.Status = model.RunStatusSucceeded

	err := testDB.FinishAttempt(ctx, stale, model.TraceRecord{RunID: run.ID}, nil)
	var te *runner.TransitionError
	require.ErrorAs(t, err, &te)

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, got.Status)
}

func TestFinishAttempt_KeepsFirstError(t *testing.T) {
	ctx := context.Background()
	run := enqueue(t, uuid.New())

	first := &model.RunError{Code: "SKILL_EXECUTION", Category: "transient", Message: "first"}
	claimed := claim(t, run.ID, "owner")
	claimed.Status = model.RunStatusRetry
	claimed.FirstError = first
	claimed.LastError = first
	require.NoError(t, testDB.FinishAttempt(ctx, claimed, model.TraceRecord{RunID: run.ID}, nil))

	second := &model.RunError{Code: "SKILL_EXECUTION", Category: "transient", Message: "second"}
	claimed = claim(t, run.ID, "owner")
	assert.Equal(t, 2, claimed.Attempts)
	now := time.Now()
	claimed.Status = model.RunStatusFailed
	claimed.FirstError = second
	claimed.LastError = second
	claimed.CompletedAt = &now
	require.NoError(t, testDB.FinishAttempt(ctx, claimed, model.TraceRecord{RunID: run.ID}, nil))

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FirstError)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "first", got.FirstError.Message)
	assert.Equal(t, "second", got.LastError.Message)
	assert.Equal(t, model.RunStatusFailed, got.Status)
}

func TestLatestTrace_NotFound(t *testing.T) {
	_, err := testDB.LatestTrace(context.Background(), uuid.New())
	assert.ErrorIs(t, err, runner.ErrNotFound)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRequeueStale(t *testing.T) {
	ctx := context.Background()
	retryable := enqueue(t, uuid.New())
	claim(t, retryable.ID, "crashed")

	exhausted := enqueue(t, uuid.New())
	claimed := claim(t, exhausted.ID, "crashed")
	claimed.Status = model.RunStatusRetry
	claimed.StepRetries = map[int]int{0: 1}
	claimed.FirstError = failure.SkillExecution("echo", errors.New("boom")).RunError(nil)
	claimed.LastError = claimed.FirstError
	require.NoError(t, testDB.FinishAttempt(ctx, claimed, model.TraceRecord{RunID: exhausted.ID}, nil))
	claim(t, exhausted.ID, "crashed")

	_, err := testDB.Pool().Exec(ctx,
		`UPDATE runs SET started_at = now() - interval '1 hour' WHERE id = ANY($1)`,
		[]uuid.UUID{retryable.ID, exhausted.ID})
	require.NoError(t, err)

	n, err := testDB.RequeueStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(2))

	got, err := testDB.GetRun(ctx, retryable.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRetry, got.Status)
	assert.Nil(t, got.ClaimedBy)
	require.NotNil(t, got.FirstError)
	assert.Equal(t, string(failure.CodeClaimExpired), got.FirstError.Code)
	require.NotNil(t, got.LastError)
	assert.Equal(t, string(failure.CodeClaimExpired), got.LastError.Code)

	got, err = testDB.GetRun(ctx, exhausted.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	assert.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.FirstError)
	assert.Equal(t, string(failure.CodeSkillExecution), got.FirstError.Code)
	require.NotNil(t, got.LastError)
	assert.Equal(t, string(failure.CodeClaimExpired), got.LastError.Code)
	assert.Equal(t, string(failure.CategoryTransient), got.LastError.Category)
	assert.Equal(t, map[int]int{0: 1}, got.StepRetries)
}

func TestBreakerStore_GetUnknownIsClosed(t *testing.T) {
	st, err := testDB.Breakers().Get(context.Background(), "never-seen-"+uuid.NewString())
	require.NoError(t, err)
	assert.Equal(t, model.CircuitClosed, st.State)
	assert.Nil(t, st.CooldownUntil)
}

func TestBreakerStore_OpenPersistsCooldown(t *testing.T) {
	ctx := context.Background()
	target := "llm-" + uuid.NewString()
	b := breaker.New(testDB.Breakers(), breaker.Config{FailureThreshold: 2, Cooldown: time.Minute}, testutil.TestLogger())

	require.NoError(t, b.RecordFailure(ctx, target))
	require.NoError(t, b.RecordFailure(ctx, target))

	st, err := testDB.Breakers().Get(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, model.CircuitOpen, st.State)
	require.NotNil(t, st.CooldownUntil)
	assert.Equal(t, time.Minute, st.Cooldown)

	err = b.Allow(ctx, target)
	assert.True(t, failure.HasCode(err, failure.CodeCircuitOpen))

	require.NoError(t, testDB.Breakers().Reset(ctx, target))
	st, err = testDB.Breakers().Get(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, model.CircuitClosed, st.State)
}

func TestBreakerStore_ConcurrentAllowAdmitsOneTrial(t *testing.T) {
	ctx := context.Background()
	target := "flaky-" + uuid.NewString()
	cooldown := 500 * time.Millisecond
	b := breaker.New(testDB.Breakers(), breaker.Config{FailureThreshold: 1, Cooldown: cooldown}, testutil.TestLogger())

	require.NoError(t, b.RecordFailure(ctx, target))
	time.Sleep(cooldown + 100*time.Millisecond)

	var (
		wg       sync.WaitGroup
		admitted atomic.Int32
	)
	for range 25 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := b.Allow(ctx, target)
			if err == nil {
				admitted.Add(1)
				return
			}
			assert.True(t, failure.HasCode(err, failure.CodeCircuitOpen), "unexpected error: %v", err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), admitted.Load())

	st, err := testDB.Breakers().Get(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, model.CircuitHalfOpen, st.State)
}

func TestBreakerStore_List(t *testing.T) {
	ctx := context.Background()
	target := "listed-" + uuid.NewString()
	_, err := testDB.Breakers().Update(ctx, target, func(st *model.BreakerState) (bool, error) {
		st.FailureCount = 1
		return true, nil
	})
	require.NoError(t, err)

	all, err := testDB.Breakers().List(ctx)
	require.NoError(t, err)
	var found bool
	for _, st := range all {
		if st.Target == target {
			found = true
			assert.Equal(t, 1, st.FailureCount)
		}
	}
	assert.True(t, found)
}

func TestBreakerStore_UpdateFuncErrorRollsBack(t *testing.T) {
	ctx := context.Background()
	target := "rollback-" + uuid.NewString()
	boom := errors.New("boom")

	_, err := testDB.Breakers().Update(ctx, target, func(st *model.BreakerState) (bool, error) {
		st.FailureCount = 99
		return true, boom
	})
	assert.ErrorIs(t, err, boom)

	st, err := testDB.Breakers().Get(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, 0, st.FailureCount)
}

func TestIdempotencyStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store := testDB.Idempotency()
	tenant := uuid.New()
	key := "req-" + uuid.NewString()

	rec, created, err := store.Begin(ctx, tenant, key, "fp1", time.Hour)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.IdempotencyInProgress, rec.Status)

	rec, created, err = store.Begin(ctx, tenant, key, "fp1", time.Hour)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, model.IdempotencyInProgress, rec.Status)

	require.NoError(t, store.Complete(ctx, tenant, key, json.RawMessage(`{"ok":true}`)))
	rec, found, err := store.Get(ctx, tenant, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.IdempotencyCompleted, rec.Status)
	assert.JSONEq(t, `{"ok":true}`, string(rec.Result))

	// A different payload never takes over a completed record.
	rec, created, err = store.Begin(ctx, tenant, key, "fp2", time.Hour)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "fp1", rec.Fingerprint)

	// Other tenants have their own key space.
	_, created, err = store.Begin(ctx, uuid.New(), key, "fp2", time.Hour)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestIdempotencyStore_FailedRecordIsTakenOverBySamePayload(t *testing.T) {
	ctx := context.Background()
	store := testDB.Idempotency()
	tenant := uuid.New()
	key := "req-" + uuid.NewString()

	_, _, err := store.Begin(ctx, tenant, key, "fp", time.Hour)
	require.NoError(t, err)
	require.NoError(t, store.Fail(ctx, tenant, key))

	_, created, err := store.Begin(ctx, tenant, key, "other", time.Hour)
	require.NoError(t, err)
	assert.False(t, created)

	rec, created, err := store.Begin(ctx, tenant, key, "fp", time.Hour)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.IdempotencyInProgress, rec.Status)
	assert.Nil(t, rec.Result)
}

func TestIdempotencyStore_ExpiredAndPurge(t *testing.T) {
	ctx := context.Background()
	store := testDB.Idempotency()
	tenant := uuid.New()
	key := "req-" + uuid.NewString()

	_, _, err := store.Begin(ctx, tenant, key, "fp", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	_, found, err := store.Get(ctx, tenant, key)
	require.NoError(t, err)
	assert.False(t, found, "expired record must be invisible")

	// Expired records are taken over even with a new payload.
	_, created, err := store.Begin(ctx, tenant, key, "new", time.Millisecond)
	require.NoError(t, err)
	assert.True(t, created)
	time.Sleep(20 * time.Millisecond)

	n, err := store.PurgeExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))
}

func TestIdempotencyStore_ConcurrentBeginCreatesOnce(t *testing.T) {
	ctx := context.Background()
	store := testDB.Idempotency()
	tenant := uuid.New()
	key := "req-" + uuid.NewString()

	var (
		wg      sync.WaitGroup
		created atomic.Int32
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.Begin(ctx, tenant, key, "fp", time.Hour)
			assert.NoError(t, err)
			if ok {
				created.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), created.Load())
}

func costAt(tenant uuid.UUID, agent string, cost int64, at time.Time) model.CostRecord {
	return model.CostRecord{TenantID: tenant, AgentID: agent, Skill: "llm_invoke", Cost: cost, RecordedAt: at}
}

func TestLedger_ConcurrentCommitsNeverOvershoot(t *testing.T) {
	ctx := context.Background()
	ledger := testDB.Ledger()
	tenant := uuid.New()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	quota := model.BudgetQuota{Daily: 10000}

	seed := costAt(tenant, "agent", 9950, at)
	require.NoError(t, ledger.Commit(ctx, seed, budget.Windows(seed, quota)))

	var (
		wg       sync.WaitGroup
		ok       atomic.Int32
		rejected atomic.Int32
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := costAt(tenant, "agent", 40, at)
			err := ledger.Commit(ctx, rec, budget.Windows(rec, quota))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, budget.ErrInsufficientBudget):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(49), rejected.Load())

	spent, err := ledger.Spent(ctx, tenant, []string{"day:2026-03-01"})
	require.NoError(t, err)
	assert.Equal(t, int64(9990), spent["day:2026-03-01"])

	a, err := ledger.Agent(ctx, tenant, "agent")
	require.NoError(t, err)
	assert.Equal(t, int64(9990), a.Spent)
}

func TestLedger_FreshCounterAboveLimitIsRejected(t *testing.T) {
	ctx := context.Background()
	ledger := testDB.Ledger()
	tenant := uuid.New()
	rec := costAt(tenant, "agent", 500, time.Now())

	err := ledger.Commit(ctx, rec, budget.Windows(rec, model.BudgetQuota{Hourly: 100}))
	var le *budget.LimitError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, budget.TierHourly, le.Tier)
	assert.Equal(t, int64(0), le.Current)

	a, err := ledger.Agent(ctx, tenant, "agent")
	require.NoError(t, err)
	assert.Equal(t, int64(0), a.Spent, "rejected commit must not charge anything")
}

func TestLedger_AgentLifetimeLimit(t *testing.T) {
	ctx := context.Background()
	ledger := testDB.Ledger()
	tenant := uuid.New()
	require.NoError(t, ledger.SetAgentLimit(ctx, tenant, "capped", 100))

	first := costAt(tenant, "capped", 80, time.Now())
	require.NoError(t, ledger.Commit(ctx, first, budget.Windows(first, model.BudgetQuota{})))

	second := costAt(tenant, "capped", 30, time.Now())
	err := ledger.Commit(ctx, second, budget.Windows(second, model.BudgetQuota{}))
	var le *budget.LimitError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, budget.TierLifetime, le.Tier)
	assert.Equal(t, int64(80), le.Current)

	require.NoError(t, ledger.SetPaused(ctx, tenant, "capped", true))
	a, err := ledger.Agent(ctx, tenant, "capped")
	require.NoError(t, err)
	assert.True(t, a.Paused)
	assert.Equal(t, int64(100), a.Limit)
	assert.Equal(t, int64(80), a.Spent)
}

func TestLedger_QuotaRoundTrip(t *testing.T) {
	ctx := context.Background()
	ledger := testDB.Ledger()
	tenant := uuid.New()

	_, found, err := ledger.Quota(ctx, tenant)
	require.NoError(t, err)
	assert.False(t, found)

	q := model.BudgetQuota{TenantID: tenant, PerRequest: 10, Daily: 1000, WarnThreshold: 0.8, HardEnforce: true}
	require.NoError(t, ledger.SetQuota(ctx, q))
	got, found, err := ledger.Quota(ctx, tenant)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, q, got)
}

func TestLedger_RecomputeCounters(t *testing.T) {
	ctx := context.Background()
	ledger := testDB.Ledger()
	tenant := uuid.New()
	at := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)

	for _, c := range []int64{5, 7, 11} {
		rec := costAt(tenant, "recompute", c, at)
		require.NoError(t, ledger.Commit(ctx, rec, budget.Windows(rec, model.BudgetQuota{})))
	}

	_, err := testDB.Pool().Exec(ctx,
		`UPDATE spend_counters SET spent = 999 WHERE tenant_id = $1`, tenant)
	require.NoError(t, err)
	_, err = testDB.Pool().Exec(ctx,
		`UPDATE agent_budgets SET spent = 999 WHERE tenant_id = $1`, tenant)
	require.NoError(t, err)

	require.NoError(t, ledger.RecomputeCounters(ctx))

	spent, err := ledger.Spent(ctx, tenant, []string{"day:2026-04-02", "hour:2026-04-02T09"})
	require.NoError(t, err)
	assert.Equal(t, int64(23), spent["day:2026-04-02"])
	assert.Equal(t, int64(23), spent["hour:2026-04-02T09"])

	a, err := ledger.Agent(ctx, tenant, "recompute")
	require.NoError(t, err)
	assert.Equal(t, int64(23), a.Spent)
}

func TestAudit_AppendOnly(t *testing.T) {
	ctx := context.Background()
	action := "test.audit." + uuid.NewString()[:8]
	require.NoError(t, testDB.Audit(ctx, action, "tester", map[string]any{"n": 1}))

	entries, err := testDB.ListAudit(ctx, 20)
	require.NoError(t, err)
	var found *storage.SystemAuditEntry
	for i := range entries {
		if entries[i].Action == action {
			found = &entries[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, "tester", found.Actor)
	assert.EqualValues(t, 1, found.Details["n"])

	_, err = testDB.Pool().Exec(ctx, `UPDATE system_audit_log SET actor = 'x' WHERE id = $1`, found.ID)
	assert.Error(t, err)
	_, err = testDB.Pool().Exec(ctx, `DELETE FROM system_audit_log WHERE id = $1`, found.ID)
	assert.Error(t, err)
}

func TestPublish_DeliversPoolEvent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, testDB.Listen(ctx, storage.ChannelPool))
	require.NoError(t, testDB.Publish(ctx, "pool.started", map[string]any{"owner": "w1"}))

	channel, payload, err := testDB.WaitForNotification(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.ChannelPool, channel)

	var ev storage.PoolEvent
	require.NoError(t, json.Unmarshal([]byte(payload), &ev))
	assert.Equal(t, "pool.started", ev.Event)
	assert.Equal(t, "w1", ev.Data["owner"])
	assert.False(t, ev.At.IsZero())
}
