// Package replay compares run traces and enforces per-step replay behavior
// when a run re-executes a previously recorded one.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/agenticverz/agenticverz/internal/failure"
	"github.com/agenticverz/agenticverz/internal/idempotency"
	"github.com/agenticverz/agenticverz/internal/integrity"
	"github.com/agenticverz/agenticverz/internal/model"
)

// Mismatch is the first point at which two traces diverge.
type Mismatch struct {
	StepIndex int
	Expected  string
	Actual    string
	Reason    string
}

// MismatchError reports a replayed step whose determinism hash differs from
// its recording. It unwraps to a REPLAY_MISMATCH failure.
type MismatchError struct {
	Mismatch
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("replay mismatch at step %d: %s (expected %s, got %s)",
		e.StepIndex, e.Reason, short(e.Expected), short(e.Actual))
}

func (e *MismatchError) Unwrap() error {
	return failure.ReplayMismatch(fmt.Sprintf("step %d: %s", e.StepIndex, e.Reason))
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// CompareTraces walks both traces pairwise and returns the first step whose
// hash differs, or nil when the traces are equivalent. Step hashes are
// recomputed, so stored hashes need not be present.
func CompareTraces(original, replayed model.TraceRecord) *Mismatch {
	n := min(len(original.Steps), len(replayed.Steps))
	for i := 0; i < n; i++ {
		a, b := original.Steps[i], replayed.Steps[i]
		ha, _ := integrity.StepHash(a)
		hb, _ := integrity.StepHash(b)
		if ha != hb {
			return &Mismatch{StepIndex: i, Expected: ha, Actual: hb, Reason: explain(a, b)}
		}
	}
	if len(original.Steps) != len(replayed.Steps) {
		return &Mismatch{
			StepIndex: n,
			Reason:    fmt.Sprintf("step count differs: %d recorded, %d replayed", len(original.Steps), len(replayed.Steps)),
		}
	}
	return nil
}

// explain names the hashed field that differs between two steps.
func explain(a, b model.TraceStep) string {
	switch {
	case a.Index != b.Index:
		return fmt.Sprintf("index differs: %d vs %d", a.Index, b.Index)
	case a.Skill != b.Skill:
		return fmt.Sprintf("skill differs: %q vs %q", a.Skill, b.Skill)
	case a.Status != b.Status:
		return fmt.Sprintf("status differs: %s vs %s", a.Status, b.Status)
	case a.RetryCount != b.RetryCount:
		return fmt.Sprintf("retry count differs: %d vs %d", a.RetryCount, b.RetryCount)
	case a.OutcomeCategory != b.OutcomeCategory || a.OutcomeCode != b.OutcomeCode:
		return fmt.Sprintf("outcome differs: %s/%s vs %s/%s", a.OutcomeCategory, a.OutcomeCode, b.OutcomeCategory, b.OutcomeCode)
	}
	if diff := paramDiff(a.Params, b.Params); diff != "" {
		return "params differ: " + diff
	}
	return "hash differs"
}

func paramDiff(a, b map[string]any) string {
	keys := map[string]struct{}{}
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	var diffs []string
	for _, k := range sorted {
		va, okA := a[k]
		vb, okB := b[k]
		switch {
		case !okA:
			diffs = append(diffs, "+"+k)
		case !okB:
			diffs = append(diffs, "-"+k)
		default:
			ja, _ := json.Marshal(va)
			jb, _ := json.Marshal(vb)
			if string(ja) != string(jb) {
				diffs = append(diffs, fmt.Sprintf("%s: %s -> %s", k, ja, jb))
			}
		}
	}
	return strings.Join(diffs, ", ")
}

// Enforcer applies the replay behavior of each step against a recorded trace.
type Enforcer struct {
	recorded map[int]model.TraceStep
	idem     *idempotency.Checker
	tenantID uuid.UUID
}

// NewEnforcer creates an Enforcer for a re-execution of original.
func NewEnforcer(original model.TraceRecord, idem *idempotency.Checker, tenantID uuid.UUID) *Enforcer {
	rec := make(map[int]model.TraceStep, len(original.Steps))
	for _, s := range original.Steps {
		rec[s.Index] = s
	}
	return &Enforcer{recorded: rec, idem: idem, tenantID: tenantID}
}

// Skip returns the stored output of a step with behavior skip. ok is false
// when the step is not skippable or no completed record exists, in which case
// the step executes normally.
func (e *Enforcer) Skip(ctx context.Context, step model.PlanStep) (map[string]any, bool, error) {
	if step.ReplayBehavior != model.ReplaySkip || step.IdempotencyKey == "" || e.idem == nil {
		return nil, false, nil
	}
	raw, found, err := e.idem.Lookup(ctx, e.tenantID, step.IdempotencyKey)
	if err != nil || !found {
		return nil, false, err
	}
	var out map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, false, fmt.Errorf("replay: decode stored output for step %s: %w", step.ID, err)
		}
	}
	return out, true, nil
}

// Check verifies a freshly executed step against its recording. Steps whose
// behavior is not check always pass.
func (e *Enforcer) Check(behavior model.ReplayBehavior, step model.TraceStep) error {
	if behavior != model.ReplayCheck {
		return nil
	}
	actual, err := integrity.StepHash(step)
	if err != nil {
		return err
	}
	want, ok := e.recorded[step.Index]
	if !ok {
		return &MismatchError{Mismatch{StepIndex: step.Index, Actual: actual, Reason: "no recorded step"}}
	}
	expected := want.Hash
	if expected == "" {
		expected, _ = integrity.StepHash(want)
	}
	if expected != actual {
		return &MismatchError{Mismatch{StepIndex: step.Index, Expected: expected, Actual: actual, Reason: explain(want, step)}}
	}
	return nil
}
