package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/agenticverz/agenticverz/internal/failure"
	"github.com/agenticverz/agenticverz/internal/model"
	"github.com/agenticverz/agenticverz/internal/runner"
)

// Channels used with LISTEN/NOTIFY.
const (
	// ChannelRuns carries the ID of every newly enqueued run.
	ChannelRuns = "agenticverz_runs"
	// ChannelPool carries worker pool lifecycle events.
	ChannelPool = "agenticverz_pool"
)

const runColumns = `id, tenant_id, agent_id, goal, status, attempts, max_attempts,
	idempotency_key, parent_run_id, priority, next_attempt_at, plan, tool_calls,
	first_error, last_error, step_retries, claimed_by, created_at, started_at, completed_at, updated_at`

// CreateRun enqueues a run and notifies listening pools.
func (db *DB) CreateRun(ctx context.Context, req model.CreateRunRequest) (model.Run, error) {
	now := time.Now().UTC()
	run := model.Run{
		ID:             uuid.New(),
		TenantID:       req.TenantID,
		AgentID:        req.AgentID,
		Goal:           req.Goal,
		Status:         model.RunStatusQueued,
		MaxAttempts:    req.MaxAttempts,
		IdempotencyKey: req.IdempotencyKey,
		ParentRunID:    req.ParentRunID,
		Priority:       req.Priority,
		Plan:           req.Plan,
		ToolCalls:      []model.ToolCall{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if run.MaxAttempts <= 0 {
		run.MaxAttempts = 3
	}
	plan, err := json.Marshal(run.Plan)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: marshal plan: %w", err)
	}

	err = db.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO runs (id, tenant_id, agent_id, goal, status, max_attempts,
			     idempotency_key, parent_run_id, priority, plan, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11, $11)`,
			run.ID, run.TenantID, run.AgentID, run.Goal, string(run.Status), run.MaxAttempts,
			run.IdempotencyKey, run.ParentRunID, run.Priority, plan, now,
		); err != nil {
			return err
		}
		// Delivered on commit.
		_, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, ChannelRuns, run.ID.String())
		return err
	})
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: create run: %w", err)
	}
	return run, nil
}

// GetRun returns a run by ID.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Run{}, ErrNotFound
	}
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// PollRunnable returns up to limit queued or retry runs whose backoff gate has
// passed, oldest first.
func (db *DB) PollRunnable(ctx context.Context, limit int) ([]model.Run, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+`
		 FROM runs
		 WHERE status IN ('queued', 'retry')
		   AND (next_attempt_at IS NULL OR next_attempt_at <= now())
		 ORDER BY created_at ASC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: poll runnable: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ClaimRun moves a run to running for owner if, and only if, it is still
// queued or retry and due. claimed is false when another replica won.
func (db *DB) ClaimRun(ctx context.Context, id uuid.UUID, owner string) (model.Run, bool, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`UPDATE runs
		 SET status = 'running',
		     attempts = attempts + 1,
		     started_at = now(),
		     claimed_by = $2,
		     updated_at = now()
		 WHERE id = $1
		   AND status IN ('queued', 'retry')
		   AND (next_attempt_at IS NULL OR next_attempt_at <= now())
		 RETURNING `+runColumns, id, owner))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Run{}, false, nil
	}
	if err != nil {
		return model.Run{}, false, fmt.Errorf("storage: claim run %s: %w", id, err)
	}
	return run, true, nil
}

// FinishAttempt records the outcome of a claimed attempt: the run row, the
// attempt's trace and, for succeeded runs, the provenance record, in one
// transaction. The update only applies while the run is still running under
// the claim carried by run.ClaimedBy.
func (db *DB) FinishAttempt(ctx context.Context, run model.Run, trace model.TraceRecord, prov *model.Provenance) error {
	toolCalls, err := json.Marshal(nonNil(run.ToolCalls))
	if err != nil {
		return fmt.Errorf("storage: marshal tool calls: %w", err)
	}
	firstErr, err := marshalNullable(run.FirstError)
	if err != nil {
		return fmt.Errorf("storage: marshal first error: %w", err)
	}
	lastErr, err := marshalNullable(run.LastError)
	if err != nil {
		return fmt.Errorf("storage: marshal last error: %w", err)
	}
	stepRetries := []byte(`{}`)
	if len(run.StepRetries) > 0 {
		if stepRetries, err = json.Marshal(run.StepRetries); err != nil {
			return fmt.Errorf("storage: marshal step retries: %w", err)
		}
	}
	steps, err := json.Marshal(nonNil(trace.Steps))
	if err != nil {
		return fmt.Errorf("storage: marshal trace steps: %w", err)
	}

	err = db.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE runs
			 SET status = $2,
			     tool_calls = $3::jsonb,
			     first_error = COALESCE(first_error, $4::jsonb),
			     last_error = $5::jsonb,
			     step_retries = $9::jsonb,
			     next_attempt_at = $6,
			     completed_at = $7,
			     claimed_by = NULL,
			     updated_at = now()
			 WHERE id = $1 AND status = 'running' AND claimed_by IS NOT DISTINCT FROM $8`,
			run.ID, string(run.Status), toolCalls, firstErr, lastErr,
			run.NextAttemptAt, run.CompletedAt, run.ClaimedBy, stepRetries,
		)
		if err != nil {
			return fmt.Errorf("update run: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return &runner.TransitionError{From: model.RunStatusRunning, To: run.Status}
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO run_traces (run_id, attempt, seed, steps, root_hash, updated_at)
			 VALUES ($1, $2, $3, $4::jsonb, $5, now())
			 ON CONFLICT (run_id) DO UPDATE
			 SET attempt = EXCLUDED.attempt, seed = EXCLUDED.seed, steps = EXCLUDED.steps,
			     root_hash = EXCLUDED.root_hash, updated_at = now()`,
			run.ID, run.Attempts, trace.Seed, steps, trace.RootHash,
		); err != nil {
			return fmt.Errorf("upsert trace: %w", err)
		}

		if prov != nil {
			if err := insertProvenance(ctx, tx, *prov); err != nil {
				return fmt.Errorf("insert provenance: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storage: finish attempt %s: %w", run.ID, err)
	}
	return nil
}

func insertProvenance(ctx context.Context, tx pgx.Tx, p model.Provenance) error {
	plan, err := json.Marshal(p.Plan)
	if err != nil {
		return err
	}
	calls, err := json.Marshal(nonNil(p.ToolCalls))
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO provenance (id, run_id, tenant_id, agent_id, plan, tool_calls,
		     total_cost, duration_ms, root_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7, $8, $9, $10)
		 ON CONFLICT (run_id) DO NOTHING`,
		p.ID, p.RunID, p.TenantID, p.AgentID, plan, calls,
		p.TotalCost, p.DurationMS, p.RootHash, p.CreatedAt,
	)
	return err
}

// LatestTrace returns the trace of the most recent attempt of runID.
func (db *DB) LatestTrace(ctx context.Context, runID uuid.UUID) (model.TraceRecord, error) {
	tr := model.TraceRecord{RunID: runID}
	var steps []byte
	err := db.pool.QueryRow(ctx,
		`SELECT seed, steps, root_hash FROM run_traces WHERE run_id = $1`, runID,
	).Scan(&tr.Seed, &steps, &tr.RootHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.TraceRecord{}, ErrNotFound
	}
	if err != nil {
		return model.TraceRecord{}, fmt.Errorf("storage: get trace: %w", err)
	}
	if err := json.Unmarshal(steps, &tr.Steps); err != nil {
		return model.TraceRecord{}, fmt.Errorf("storage: decode trace steps: %w", err)
	}
	return tr, nil
}

// GetProvenance returns the provenance record of a succeeded run.
func (db *DB) GetProvenance(ctx context.Context, runID uuid.UUID) (model.Provenance, error) {
	var (
		p           model.Provenance
		plan, calls []byte
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, run_id, tenant_id, agent_id, plan, tool_calls, total_cost, duration_ms, root_hash, created_at
		 FROM provenance WHERE run_id = $1`, runID,
	).Scan(&p.ID, &p.RunID, &p.TenantID, &p.AgentID, &plan, &calls,
		&p.TotalCost, &p.DurationMS, &p.RootHash, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Provenance{}, ErrNotFound
	}
	if err != nil {
		return model.Provenance{}, fmt.Errorf("storage: get provenance: %w", err)
	}
	if err := json.Unmarshal(plan, &p.Plan); err != nil {
		return model.Provenance{}, fmt.Errorf("storage: decode provenance plan: %w", err)
	}
	if err := json.Unmarshal(calls, &p.ToolCalls); err != nil {
		return model.Provenance{}, fmt.Errorf("storage: decode provenance tool calls: %w", err)
	}
	return p, nil
}

// RequeueStale returns running runs whose claim is older than olderThan to
// retry, so a crashed worker's runs are picked up again. The attempt that was
// in flight still counts and is recorded as a CLAIM_EXPIRED error.
func (db *DB) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	runErr, err := json.Marshal(failure.ClaimExpired().RunError(nil))
	if err != nil {
		return 0, fmt.Errorf("storage: marshal claim error: %w", err)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs
		 SET status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'retry' END,
		     completed_at = CASE WHEN attempts >= max_attempts THEN now() END,
		     first_error = COALESCE(first_error, $2::jsonb),
		     last_error = $2::jsonb,
		     next_attempt_at = NULL,
		     claimed_by = NULL,
		     updated_at = now()
		 WHERE status = 'running'
		   AND started_at < now() - ($1 * interval '1 microsecond')`,
		olderThan.Microseconds(), runErr,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: requeue stale runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanRun(row pgx.Row) (model.Run, error) {
	var (
		r                     model.Run
		status                string
		plan, calls           []byte
		firstError, lastError []byte
		stepRetries           []byte
	)
	if err := row.Scan(
		&r.ID, &r.TenantID, &r.AgentID, &r.Goal, &status, &r.Attempts, &r.MaxAttempts,
		&r.IdempotencyKey, &r.ParentRunID, &r.Priority, &r.NextAttemptAt, &plan, &calls,
		&firstError, &lastError, &stepRetries, &r.ClaimedBy, &r.CreatedAt, &r.StartedAt, &r.CompletedAt, &r.UpdatedAt,
	); err != nil {
		return model.Run{}, err
	}
	r.Status = model.RunStatus(status)
	if err := json.Unmarshal(plan, &r.Plan); err != nil {
		return model.Run{}, fmt.Errorf("decode plan: %w", err)
	}
	if err := json.Unmarshal(calls, &r.ToolCalls); err != nil {
		return model.Run{}, fmt.Errorf("decode tool calls: %w", err)
	}
	if len(firstError) > 0 {
		r.FirstError = new(model.RunError)
		if err := json.Unmarshal(firstError, r.FirstError); err != nil {
			return model.Run{}, fmt.Errorf("decode first error: %w", err)
		}
	}
	if len(lastError) > 0 {
		r.LastError = new(model.RunError)
		if err := json.Unmarshal(lastError, r.LastError); err != nil {
			return model.Run{}, fmt.Errorf("decode last error: %w", err)
		}
	}
	if err := json.Unmarshal(stepRetries, &r.StepRetries); err != nil {
		return model.Run{}, fmt.Errorf("decode step retries: %w", err)
	}
	return r, nil
}

func marshalNullable(v *model.RunError) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
