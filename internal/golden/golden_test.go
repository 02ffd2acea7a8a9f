package golden

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenticverz/agenticverz/internal/model"
)

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	r, err := NewRecorder(Config{Dir: t.TempDir(), Secret: "test-secret", RetryDelay: time.Millisecond},
		slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	require.NoError(t, err)
	return r
}

func recordRun(r *Recorder, runID uuid.UUID, durations int64) {
	ctx := context.Background()
	r.RunStart(ctx, runID, RunStart{AgentID: "a", Goal: "g", Attempt: 1, Plan: model.Plan{Seed: 1}})
	r.Step(ctx, runID, model.TraceStep{Index: 0, Skill: "echo", Status: model.StepSucceeded, DurationMS: durations, StartedAt: time.Now()})
	r.RunEnd(ctx, runID, RunEnd{Status: model.RunStatusSucceeded, Attempt: 1, RootHash: "abc", DurationMS: durations})
}

func TestRecorder_WritesAndSigns(t *testing.T) {
	r := newTestRecorder(t)
	runID := uuid.New()
	recordRun(r, runID, 10)

	path := r.Path(runID)
	assert.Equal(t, runID.String()+".steps.jsonl", filepath.Base(path))

	events, err := Load(path)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, model.GoldenRunStart, events[0].EventType)
	assert.Equal(t, model.GoldenStep, events[1].EventType)
	assert.Equal(t, model.GoldenRunEnd, events[2].EventType)
	assert.Equal(t, runID, events[2].RunID)

	require.NoError(t, r.Signer().Verify(path))
	_, err = os.Stat(path + ".sig.tmp")
	assert.True(t, os.IsNotExist(err), "temp signature must be renamed away")
}

func TestVerify_DetectsSingleByteFlip(t *testing.T) {
	r := newTestRecorder(t)
	runID := uuid.New()
	recordRun(r, runID, 10)
	path := r.Path(runID)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)/2] ^= 0x01
	require.NoError(t, os.WriteFile(path, data, 0o600))

	assert.ErrorIs(t, r.Signer().Verify(path), ErrBadSignature)
}

func TestVerify_ResignAfterAppend(t *testing.T) {
	r := newTestRecorder(t)
	runID := uuid.New()
	recordRun(r, runID, 10)
	path := r.Path(runID)

	r.Step(context.Background(), runID, model.TraceStep{Index: 1, Skill: "echo"})
	assert.ErrorIs(t, r.Signer().Verify(path), ErrBadSignature, "append invalidates the old signature")

	require.NoError(t, r.Signer().Sign(path))
	assert.NoError(t, r.Signer().Verify(path))
}

func TestVerify_WrongSecret(t *testing.T) {
	r := newTestRecorder(t)
	runID := uuid.New()
	recordRun(r, runID, 10)

	other, err := NewSigner("other-secret")
	require.NoError(t, err)
	assert.ErrorIs(t, other.Verify(r.Path(runID)), ErrBadSignature)
}

func TestVerify_MalformedSignature(t *testing.T) {
	r := newTestRecorder(t)
	runID := uuid.New()
	recordRun(r, runID, 10)
	require.NoError(t, os.WriteFile(r.Path(runID)+".sig", []byte("not-hex"), 0o600))
	assert.ErrorIs(t, r.Signer().Verify(r.Path(runID)), ErrBadSignature)
}

func TestNewRecorder_Disabled(t *testing.T) {
	r, err := NewRecorder(Config{}, slog.Default(), nil)
	require.NoError(t, err)
	assert.Nil(t, r)
	// A nil recorder accepts events without effect.
	r.RunStart(context.Background(), uuid.New(), RunStart{})
	r.RunEnd(context.Background(), uuid.New(), RunEnd{})
}

func TestNewSigner_EmptySecret(t *testing.T) {
	_, err := NewSigner("")
	assert.Error(t, err)
}

func TestRecorder_WriteFailureDoesNotPanic(t *testing.T) {
	r := newTestRecorder(t)
	r.dir = filepath.Join(r.dir, "missing", "nested")
	runID := uuid.New()
	recordRun(r, runID, 1)
	_, err := os.Stat(r.Path(runID))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestDiff_IgnoresVolatileFields(t *testing.T) {
	r := newTestRecorder(t)
	a, b := uuid.New(), uuid.New()
	recordRun(r, a, 10)
	time.Sleep(2 * time.Millisecond)
	recordRun(r, b, 9999)

	diffs, err := DiffFiles(r.Path(a), r.Path(b))
	require.NoError(t, err)
	assert.Empty(t, diffs)
}

func TestDiff_ReportsChangedEvent(t *testing.T) {
	r := newTestRecorder(t)
	a, b := uuid.New(), uuid.New()
	recordRun(r, a, 10)
	ctx := context.Background()
	r.RunStart(ctx, b, RunStart{AgentID: "a", Goal: "g", Attempt: 1, Plan: model.Plan{Seed: 1}})
	r.Step(ctx, b, model.TraceStep{Index: 0, Skill: "other", Status: model.StepSucceeded})

	diffs, err := DiffFiles(r.Path(a), r.Path(b))
	require.NoError(t, err)
	require.Len(t, diffs, 2)
	assert.Equal(t, 1, diffs[0].Event)
	assert.Contains(t, diffs[0].Actual, `"skill":"other"`)
	assert.Equal(t, 2, diffs[1].Event)
	assert.Empty(t, diffs[1].Actual)
}

func TestStripVolatile(t *testing.T) {
	ev := model.GoldenEvent{
		EventType: model.GoldenStep,
		RunID:     uuid.New(),
		Timestamp: time.Now(),
		Data:      []byte(`{"skill":"echo","duration_ms":5,"nested":{"started_at":"x","keep":1}}`),
	}
	got, err := StripVolatile(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event_type":"step","data":{"skill":"echo","nested":{"keep":1}}}`, got)
}
