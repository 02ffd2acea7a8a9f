package replay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenticverz/agenticverz/internal/failure"
	"github.com/agenticverz/agenticverz/internal/idempotency"
	"github.com/agenticverz/agenticverz/internal/integrity"
	"github.com/agenticverz/agenticverz/internal/model"
)

func trace(steps ...model.TraceStep) model.TraceRecord {
	rec := model.TraceRecord{Seed: 7, Steps: steps}
	if err := integrity.Seal(&rec); err != nil {
		panic(err)
	}
	return rec
}

func step(i int, skill string, params map[string]any) model.TraceStep {
	return model.TraceStep{Index: i, Skill: skill, Params: params, Status: model.StepSucceeded}
}

func TestCompareTraces_Identical(t *testing.T) {
	a := trace(step(0, "echo", map[string]any{"x": 1}), step(1, "http_fetch", map[string]any{"url": "u"}))
	b := trace(step(0, "echo", map[string]any{"x": 1}), step(1, "http_fetch", map[string]any{"url": "u"}))
	b.Steps[1].DurationMS = 999

	assert.Nil(t, CompareTraces(a, b))
	assert.Equal(t, a.RootHash, b.RootHash)
}

func TestCompareTraces_ReportsFirstDivergence(t *testing.T) {
	a := trace(step(0, "echo", map[string]any{"x": 1}), step(1, "echo", map[string]any{"x": 2}), step(2, "echo", nil))
	b := trace(step(0, "echo", map[string]any{"x": 1}), step(1, "echo", map[string]any{"x": 3}), step(2, "other", nil))

	m := CompareTraces(a, b)
	require.NotNil(t, m)
	assert.Equal(t, 1, m.StepIndex)
	assert.Contains(t, m.Reason, "params differ")
	assert.Contains(t, m.Reason, "x: 2 -> 3")
	assert.Equal(t, a.Steps[1].Hash, m.Expected)
	assert.Equal(t, b.Steps[1].Hash, m.Actual)
}

func TestCompareTraces_Reasons(t *testing.T) {
	base := step(0, "echo", nil)
	tests := map[string]struct {
		mutate func(*model.TraceStep)
		want   string
	}{
		"skill":  {func(s *model.TraceStep) { s.Skill = "other" }, "skill differs"},
		"status": {func(s *model.TraceStep) { s.Status = model.StepFailed }, "status differs"},
		"retry":  {func(s *model.TraceStep) { s.RetryCount = 2 }, "retry count differs"},
		"added":  {func(s *model.TraceStep) { s.Params = map[string]any{"k": 1} }, "+k"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			other := base
			tt.mutate(&other)
			m := CompareTraces(trace(base), trace(other))
			require.NotNil(t, m)
			assert.Contains(t, m.Reason, tt.want)
		})
	}
}

func TestCompareTraces_LengthDiffers(t *testing.T) {
	m := CompareTraces(trace(step(0, "echo", nil), step(1, "echo", nil)), trace(step(0, "echo", nil)))
	require.NotNil(t, m)
	assert.Equal(t, 1, m.StepIndex)
	assert.Contains(t, m.Reason, "step count")
}

func TestEnforcerCheck(t *testing.T) {
	original := trace(step(0, "echo", map[string]any{"x": 1}))
	e := NewEnforcer(original, nil, uuid.New())

	assert.NoError(t, e.Check(model.ReplayCheck, step(0, "echo", map[string]any{"x": 1})))
	assert.NoError(t, e.Check(model.ReplayExecute, step(0, "echo", map[string]any{"x": 2})), "execute never compares")

	err := e.Check(model.ReplayCheck, step(0, "echo", map[string]any{"x": 2}))
	require.Error(t, err)
	var me *MismatchError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, 0, me.StepIndex)
	assert.Equal(t, original.Steps[0].Hash, me.Expected)
	assert.True(t, failure.HasCode(err, failure.CodeReplayMismatch))
	assert.False(t, failure.IsRetryable(err))

	err = e.Check(model.ReplayCheck, step(5, "echo", nil))
	require.True(t, errors.As(err, &me))
	assert.Equal(t, "no recorded step", me.Reason)
}

func TestEnforcerSkip(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	idem := idempotency.NewChecker(idempotency.NewMemoryStore(), time.Hour, logger)
	tenant := uuid.New()
	ctx := context.Background()

	_, err := idem.Check(ctx, tenant, "k1", "payload")
	require.NoError(t, err)
	require.NoError(t, idem.MarkCompleted(ctx, tenant, "k1", map[string]any{"cached": true}))

	e := NewEnforcer(model.TraceRecord{}, idem, tenant)

	out, ok, err := e.Skip(ctx, model.PlanStep{ID: "s", IdempotencyKey: "k1", ReplayBehavior: model.ReplaySkip})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, true, out["cached"])

	_, ok, err = e.Skip(ctx, model.PlanStep{ID: "s", IdempotencyKey: "k1", ReplayBehavior: model.ReplayExecute})
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = e.Skip(ctx, model.PlanStep{ID: "s", IdempotencyKey: "missing", ReplayBehavior: model.ReplaySkip})
	require.NoError(t, err)
	assert.False(t, ok, "no record means the step executes")
}
