package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenticverz/agenticverz/internal/breaker"
	"github.com/agenticverz/agenticverz/internal/budget"
	"github.com/agenticverz/agenticverz/internal/config"
	"github.com/agenticverz/agenticverz/internal/failure"
	"github.com/agenticverz/agenticverz/internal/gate"
	"github.com/agenticverz/agenticverz/internal/golden"
	"github.com/agenticverz/agenticverz/internal/idempotency"
	"github.com/agenticverz/agenticverz/internal/integrity"
	"github.com/agenticverz/agenticverz/internal/model"
	"github.com/agenticverz/agenticverz/internal/skill"
)

type env struct {
	runner   *Runner
	store    *MemoryStore
	recorder *golden.Recorder
	calls    atomic.Int32
	failed   atomic.Bool
	clock    time.Time
}

func newEnv(t *testing.T, quota model.BudgetQuota, costs map[string]int64) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := &env{store: NewMemoryStore(), clock: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	e.store.now = func() time.Time { return e.clock }

	reg := skill.NewRegistry()
	counted := func(fn skill.Func) skill.Factory {
		return func() (skill.Skill, error) {
			return skill.Func(func(ctx context.Context, p map[string]any) (map[string]any, error) {
				e.calls.Add(1)
				return fn(ctx, p)
			}), nil
		}
	}
	require.NoError(t, reg.Register(skill.Definition{Name: "echo", New: counted(func(_ context.Context, p map[string]any) (map[string]any, error) {
		return map[string]any{"echo": p["text"]}, nil
	})}))
	for _, name := range []string{"skill_a", "skill_b"} {
		require.NoError(t, reg.Register(skill.Definition{Name: name, New: counted(func(context.Context, map[string]any) (map[string]any, error) {
			return map[string]any{"ok": true}, nil
		})}))
	}
	require.NoError(t, reg.Register(skill.Definition{Name: "flaky", New: counted(func(context.Context, map[string]any) (map[string]any, error) {
		return nil, errors.New("upstream timeout")
	})}))
	require.NoError(t, reg.Register(skill.Definition{Name: "flaky_once", New: counted(func(context.Context, map[string]any) (map[string]any, error) {
		if e.failed.CompareAndSwap(false, true) {
			return nil, errors.New("upstream timeout")
		}
		return map[string]any{"ok": true}, nil
	})}))

	idem := idempotency.NewChecker(idempotency.NewMemoryStore(), time.Hour, logger)
	targets, err := skill.NewTargetResolver(nil)
	require.NoError(t, err)
	g := gate.New(gate.Deps{
		Registry:    reg,
		Estimator:   budget.NewEstimator(budget.CostTable{Skills: costs}, 1),
		Budget:      budget.NewEnforcer(budget.NewMemoryLedger(), quota, logger),
		Breaker:     breaker.New(breaker.NewMemoryStore(), breaker.Config{FailureThreshold: 100}, logger),
		Idempotency: idem,
		Targets:     targets,
	}, config.ValidationWarn, logger)

	e.recorder, err = golden.NewRecorder(golden.Config{Dir: t.TempDir(), Secret: "s"}, logger, nil)
	require.NoError(t, err)

	e.runner = New(e.store, g, idem, e.recorder, Config{MaxAttempts: 3, BackoffBase: time.Second, BackoffMax: time.Minute}, logger, nil)
	e.runner.now = func() time.Time { return e.clock }
	return e
}

func (e *env) enqueue(t *testing.T, plan model.Plan, parent *uuid.UUID) model.Run {
	t.Helper()
	run, err := e.store.CreateRun(context.Background(), model.CreateRunRequest{
		TenantID:    uuid.MustParse("00000000-0000-0000-0000-000000000001"),
		AgentID:     "agent-1",
		Goal:        "test",
		Plan:        plan,
		MaxAttempts: 3,
		ParentRunID: parent,
	})
	require.NoError(t, err)
	return run
}

// attempt claims and runs id once.
func (e *env) attempt(t *testing.T, id uuid.UUID) model.Run {
	t.Helper()
	ctx := context.Background()
	claimed, ok, err := e.store.ClaimRun(ctx, id, "test-owner")
	require.NoError(t, err)
	require.True(t, ok, "run should be claimable")
	run, err := e.runner.Run(ctx, claimed)
	require.NoError(t, err)
	return run
}

func echoPlan(texts ...string) model.Plan {
	p := model.Plan{Seed: 42}
	for i, txt := range texts {
		p.Steps = append(p.Steps, model.PlanStep{ID: string(rune('a' + i)), Skill: "echo", Params: map[string]any{"text": txt}})
	}
	return p
}

func TestRun_Succeeds(t *testing.T) {
	e := newEnv(t, model.BudgetQuota{HardEnforce: true}, map[string]int64{"echo": 2})
	run := e.enqueue(t, echoPlan("one", "two"), nil)

	got := e.attempt(t, run.ID)
	assert.Equal(t, model.RunStatusSucceeded, got.Status)
	require.Len(t, got.ToolCalls, 2)
	assert.Equal(t, "two", got.ToolCalls[1].Output["echo"])
	assert.NotNil(t, got.CompletedAt)

	stored, err := e.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSucceeded, stored.Status)
	assert.Nil(t, stored.ClaimedBy)

	tr, err := e.store.LatestTrace(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, tr.Steps, 2)
	assert.True(t, integrity.Verify(tr))

	prov, ok := e.store.Provenance(run.ID)
	require.True(t, ok)
	assert.Equal(t, int64(4), prov.TotalCost)
	assert.Equal(t, tr.RootHash, prov.RootHash)

	require.NoError(t, e.recorder.Signer().Verify(e.recorder.Path(run.ID)))
	events, err := golden.Load(e.recorder.Path(run.ID))
	require.NoError(t, err)
	assert.Len(t, events, 4)
}

func TestRun_SamePlanSameRootHash(t *testing.T) {
	e := newEnv(t, model.BudgetQuota{}, nil)
	a := e.attempt(t, e.enqueue(t, echoPlan("x", "y"), nil).ID)
	b := e.attempt(t, e.enqueue(t, echoPlan("x", "y"), nil).ID)
	require.Equal(t, model.RunStatusSucceeded, a.Status)

	ta, err := e.store.LatestTrace(context.Background(), a.ID)
	require.NoError(t, err)
	tb, err := e.store.LatestTrace(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, ta.RootHash, tb.RootHash)
}

func TestRun_TransientFailureRetriesWithIncreasingBackoff(t *testing.T) {
	e := newEnv(t, model.BudgetQuota{}, nil)
	run := e.enqueue(t, model.Plan{Steps: []model.PlanStep{{ID: "s", Skill: "flaky"}}}, nil)

	var delays []time.Duration
	var got model.Run
	for i := 0; i < 3; i++ {
		got = e.attempt(t, run.ID)
		if got.Status == model.RunStatusRetry {
			require.NotNil(t, got.NextAttemptAt)
			delays = append(delays, got.NextAttemptAt.Sub(e.clock))
			// Not yet due.
			_, ok, err := e.store.ClaimRun(context.Background(), run.ID, "other")
			require.NoError(t, err)
			assert.False(t, ok)
			e.clock = *got.NextAttemptAt
		}
	}

	assert.Equal(t, model.RunStatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, int32(3), e.calls.Load())
	require.Len(t, delays, 2)
	assert.Greater(t, delays[1], delays[0])
	require.NotNil(t, got.FirstError)
	assert.Equal(t, string(failure.CodeSkillExecution), got.FirstError.Code)
	require.NotNil(t, got.FirstError.StepIndex)
	assert.Equal(t, 0, *got.FirstError.StepIndex)

	tr, err := e.store.LatestTrace(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, tr.Steps[0].RetryCount)
}

func TestRun_BudgetExceededFailsWithoutRetry(t *testing.T) {
	e := newEnv(t, model.BudgetQuota{Daily: 8, HardEnforce: true}, map[string]int64{"skill_a": 5, "skill_b": 5})
	run := e.enqueue(t, model.Plan{Steps: []model.PlanStep{
		{ID: "a", Skill: "skill_a"},
		{ID: "b", Skill: "skill_b"},
	}}, nil)

	got := e.attempt(t, run.ID)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.LastError)
	assert.Equal(t, string(failure.CodeBudgetExceeded), got.LastError.Code)
	assert.Equal(t, string(failure.CategoryResource), got.LastError.Category)
	require.NotNil(t, got.LastError.StepIndex)
	assert.Equal(t, 1, *got.LastError.StepIndex)
	assert.Equal(t, int32(1), e.calls.Load())
	assert.Nil(t, got.NextAttemptAt)
}

func TestRun_InvalidPlan(t *testing.T) {
	e := newEnv(t, model.BudgetQuota{}, nil)
	got := e.attempt(t, e.enqueue(t, model.Plan{}, nil).ID)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	assert.Equal(t, string(failure.CodeInvalidPlan), got.LastError.Code)
}

func TestRun_ReplayCheckDetectsAlteredParam(t *testing.T) {
	e := newEnv(t, model.BudgetQuota{}, nil)
	parent := e.attempt(t, e.enqueue(t, echoPlan("x", "y"), nil).ID)
	require.Equal(t, model.RunStatusSucceeded, parent.Status)

	plan := echoPlan("x", "altered")
	plan.Replay = true
	for i := range plan.Steps {
		plan.Steps[i].ReplayBehavior = model.ReplayCheck
	}
	got := e.attempt(t, e.enqueue(t, plan, &parent.ID).ID)

	assert.Equal(t, model.RunStatusFailed, got.Status)
	assert.Equal(t, string(failure.CodeReplayMismatch), got.LastError.Code)
	require.NotNil(t, got.LastError.StepIndex)
	assert.Equal(t, 1, *got.LastError.StepIndex)
}

func TestRun_ReplayCheckIdenticalPasses(t *testing.T) {
	e := newEnv(t, model.BudgetQuota{}, nil)
	parent := e.attempt(t, e.enqueue(t, echoPlan("x", "y"), nil).ID)

	plan := echoPlan("x", "y")
	plan.Replay = true
	plan.Steps[0].ReplayBehavior = model.ReplayCheck
	got := e.attempt(t, e.enqueue(t, plan, &parent.ID).ID)
	assert.Equal(t, model.RunStatusSucceeded, got.Status)
}

func TestRun_ReplaySkipReusesStoredResult(t *testing.T) {
	e := newEnv(t, model.BudgetQuota{}, nil)
	plan := echoPlan("x")
	plan.Steps[0].IdempotencyKey = "step-key"
	parent := e.attempt(t, e.enqueue(t, plan, nil).ID)
	require.Equal(t, model.RunStatusSucceeded, parent.Status)
	require.Equal(t, int32(1), e.calls.Load())

	child := plan
	child.Replay = true
	child.Steps = []model.PlanStep{plan.Steps[0]}
	child.Steps[0].ReplayBehavior = model.ReplaySkip
	got := e.attempt(t, e.enqueue(t, child, &parent.ID).ID)

	assert.Equal(t, model.RunStatusSucceeded, got.Status)
	assert.Equal(t, int32(1), e.calls.Load(), "skip must not invoke the skill")
	require.Len(t, got.ToolCalls, 1)
	assert.True(t, got.ToolCalls[0].Skipped)
	assert.Equal(t, "x", got.ToolCalls[0].Output["echo"])
}

func TestRun_ReplayCheckExecutesKeyedStep(t *testing.T) {
	e := newEnv(t, model.BudgetQuota{}, nil)
	plan := echoPlan("x")
	plan.Steps[0].IdempotencyKey = "k"
	parent := e.attempt(t, e.enqueue(t, plan, nil).ID)
	require.Equal(t, model.RunStatusSucceeded, parent.Status)

	child := plan
	child.Replay = true
	child.Steps = []model.PlanStep{plan.Steps[0]}
	child.Steps[0].ReplayBehavior = model.ReplayCheck
	got := e.attempt(t, e.enqueue(t, child, &parent.ID).ID)

	require.Equal(t, model.RunStatusSucceeded, got.Status, "last error: %+v", got.LastError)
	assert.Equal(t, int32(2), e.calls.Load(), "check must run the skill again")
	require.Len(t, got.ToolCalls, 1)
	assert.False(t, got.ToolCalls[0].Duplicate)
	assert.Equal(t, "x", got.ToolCalls[0].Output["echo"])
}

func TestRun_ReplayCheckSurvivesRetryOfLaterStep(t *testing.T) {
	e := newEnv(t, model.BudgetQuota{}, nil)
	parent := e.attempt(t, e.enqueue(t, echoPlan("x"), nil).ID)
	require.Equal(t, model.RunStatusSucceeded, parent.Status)

	child := echoPlan("x")
	child.Replay = true
	child.Steps[0].ReplayBehavior = model.ReplayCheck
	child.Steps = append(child.Steps, model.PlanStep{ID: "b", Skill: "flaky_once"})
	run := e.enqueue(t, child, &parent.ID)

	got := e.attempt(t, run.ID)
	require.Equal(t, model.RunStatusRetry, got.Status)
	assert.Equal(t, map[int]int{1: 1}, got.StepRetries)
	e.clock = *got.NextAttemptAt

	got = e.attempt(t, run.ID)
	require.Equal(t, model.RunStatusSucceeded, got.Status, "last error: %+v", got.LastError)
	assert.Equal(t, 2, got.Attempts)

	tr, err := e.store.LatestTrace(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, tr.Steps, 2)
	assert.Equal(t, 0, tr.Steps[0].RetryCount)
	assert.Equal(t, 1, tr.Steps[1].RetryCount)
}

func TestRun_ReplayWithoutParentTrace(t *testing.T) {
	e := newEnv(t, model.BudgetQuota{}, nil)
	plan := echoPlan("x")
	plan.Replay = true
	missing := uuid.New()
	got := e.attempt(t, e.enqueue(t, plan, &missing).ID)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	assert.Equal(t, string(failure.CodeInvalidPlan), got.LastError.Code)
}

func TestBackoff(t *testing.T) {
	r := &Runner{cfg: Config{BackoffBase: time.Second, BackoffMax: 10 * time.Second}}
	assert.Equal(t, time.Second, r.Backoff(1))
	assert.Equal(t, 2*time.Second, r.Backoff(2))
	assert.Equal(t, 4*time.Second, r.Backoff(3))
	assert.Equal(t, 8*time.Second, r.Backoff(4))
	assert.Equal(t, 10*time.Second, r.Backoff(5))
	assert.Equal(t, 10*time.Second, r.Backoff(60))
}
