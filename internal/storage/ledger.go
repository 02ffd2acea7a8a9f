package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/agenticverz/agenticverz/internal/budget"
	"github.com/agenticverz/agenticverz/internal/model"
)

// Ledger stores cost records, spend counters, agent budgets and tenant quotas.
// It satisfies budget.Ledger.
type Ledger struct {
	db *DB
}

// Ledger returns the budget ledger backed by db.
func (db *DB) Ledger() *Ledger {
	return &Ledger{db: db}
}

func (l *Ledger) Spent(ctx context.Context, tenantID uuid.UUID, keys []string) (map[string]int64, error) {
	out := make(map[string]int64, len(keys))
	for _, k := range keys {
		out[k] = 0
	}
	rows, err := l.db.pool.Query(ctx,
		`SELECT key, spent FROM spend_counters WHERE tenant_id = $1 AND key = ANY($2)`,
		tenantID, keys,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: read spend counters: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			k     string
			spent int64
		)
		if err := rows.Scan(&k, &spent); err != nil {
			return nil, fmt.Errorf("storage: scan spend counter: %w", err)
		}
		out[k] = spent
	}
	return out, rows.Err()
}

func (l *Ledger) Agent(ctx context.Context, tenantID uuid.UUID, agentID string) (model.AgentBudget, error) {
	a := model.AgentBudget{TenantID: tenantID, AgentID: agentID}
	err := l.db.pool.QueryRow(ctx,
		`SELECT limit_amount, spent, paused, updated_at
		 FROM agent_budgets WHERE tenant_id = $1 AND agent_id = $2`,
		tenantID, agentID,
	).Scan(&a.Limit, &a.Spent, &a.Paused, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return a, nil
	}
	if err != nil {
		return model.AgentBudget{}, fmt.Errorf("storage: get agent budget: %w", err)
	}
	return a, nil
}

// Commit adds rec.Cost to each window and to the agent's lifetime spend, then
// appends rec, in one transaction. Each counter is bumped by a conditional
// upsert that holds the row lock, so concurrent commits can never push a
// counter past its limit. Windows are visited in a fixed order, which keeps
// lock acquisition consistent across transactions.
func (l *Ledger) Commit(ctx context.Context, rec model.CostRecord, windows []budget.Window) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}

	err := l.db.inTx(ctx, func(tx pgx.Tx) error {
		for _, w := range windows {
			var spent int64
			err := tx.QueryRow(ctx,
				`INSERT INTO spend_counters (tenant_id, key, spent, updated_at)
				 VALUES ($1, $2, $3, now())
				 ON CONFLICT (tenant_id, key) DO UPDATE
				 SET spent = spend_counters.spent + EXCLUDED.spent, updated_at = now()
				 WHERE $4::bigint = 0 OR spend_counters.spent + EXCLUDED.spent <= $4::bigint
				 RETURNING spent`,
				rec.TenantID, w.Key, rec.Cost, w.Limit,
			).Scan(&spent)
			if errors.Is(err, pgx.ErrNoRows) {
				var current int64
				if err := tx.QueryRow(ctx,
					`SELECT spent FROM spend_counters WHERE tenant_id = $1 AND key = $2`,
					rec.TenantID, w.Key,
				).Scan(&current); err != nil {
					return fmt.Errorf("read counter %s: %w", w.Key, err)
				}
				return &budget.LimitError{Tier: w.Tier, Limit: w.Limit, Current: current, Cost: rec.Cost}
			}
			if err != nil {
				return fmt.Errorf("bump counter %s: %w", w.Key, err)
			}
			// A fresh row skips the conflict guard.
			if w.Limit > 0 && spent > w.Limit {
				return &budget.LimitError{Tier: w.Tier, Limit: w.Limit, Current: spent - rec.Cost, Cost: rec.Cost}
			}
		}

		var spent int64
		err := tx.QueryRow(ctx,
			`INSERT INTO agent_budgets (tenant_id, agent_id, spent, updated_at)
			 VALUES ($1, $2, $3, now())
			 ON CONFLICT (tenant_id, agent_id) DO UPDATE
			 SET spent = agent_budgets.spent + EXCLUDED.spent, updated_at = now()
			 WHERE agent_budgets.limit_amount = 0
			    OR agent_budgets.spent + EXCLUDED.spent <= agent_budgets.limit_amount
			 RETURNING spent`,
			rec.TenantID, rec.AgentID, rec.Cost,
		).Scan(&spent)
		if errors.Is(err, pgx.ErrNoRows) {
			var limit, current int64
			if err := tx.QueryRow(ctx,
				`SELECT limit_amount, spent FROM agent_budgets WHERE tenant_id = $1 AND agent_id = $2`,
				rec.TenantID, rec.AgentID,
			).Scan(&limit, &current); err != nil {
				return fmt.Errorf("read agent budget: %w", err)
			}
			return &budget.LimitError{Tier: budget.TierLifetime, Limit: limit, Current: current, Cost: rec.Cost}
		}
		if err != nil {
			return fmt.Errorf("bump agent spend: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO cost_records (id, tenant_id, agent_id, workflow, skill, model, cost, tokens, recorded_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			rec.ID, rec.TenantID, rec.AgentID, rec.Workflow, rec.Skill, rec.Model,
			rec.Cost, rec.Tokens, rec.RecordedAt,
		)
		if err != nil {
			return fmt.Errorf("insert cost record: %w", err)
		}
		return nil
	})
	var limitErr *budget.LimitError
	if errors.As(err, &limitErr) {
		return limitErr
	}
	if err != nil {
		return fmt.Errorf("storage: commit cost: %w", err)
	}
	return nil
}

func (l *Ledger) Quota(ctx context.Context, tenantID uuid.UUID) (model.BudgetQuota, bool, error) {
	q := model.BudgetQuota{TenantID: tenantID}
	err := l.db.pool.QueryRow(ctx,
		`SELECT per_request, per_model, per_workflow, hourly, daily, warn_threshold, hard_enforce, auto_pause
		 FROM budget_quotas WHERE tenant_id = $1`, tenantID,
	).Scan(&q.PerRequest, &q.PerModel, &q.PerWorkflow, &q.Hourly, &q.Daily,
		&q.WarnThreshold, &q.HardEnforce, &q.AutoPause)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.BudgetQuota{}, false, nil
	}
	if err != nil {
		return model.BudgetQuota{}, false, fmt.Errorf("storage: get quota: %w", err)
	}
	return q, true, nil
}

// SetQuota installs or replaces a tenant's quota override.
func (l *Ledger) SetQuota(ctx context.Context, q model.BudgetQuota) error {
	_, err := l.db.pool.Exec(ctx,
		`INSERT INTO budget_quotas (tenant_id, per_request, per_model, per_workflow, hourly, daily,
		     warn_threshold, hard_enforce, auto_pause, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		 ON CONFLICT (tenant_id) DO UPDATE
		 SET per_request = EXCLUDED.per_request, per_model = EXCLUDED.per_model,
		     per_workflow = EXCLUDED.per_workflow, hourly = EXCLUDED.hourly, daily = EXCLUDED.daily,
		     warn_threshold = EXCLUDED.warn_threshold, hard_enforce = EXCLUDED.hard_enforce,
		     auto_pause = EXCLUDED.auto_pause, updated_at = now()`,
		q.TenantID, q.PerRequest, q.PerModel, q.PerWorkflow, q.Hourly, q.Daily,
		q.WarnThreshold, q.HardEnforce, q.AutoPause,
	)
	if err != nil {
		return fmt.Errorf("storage: set quota: %w", err)
	}
	return nil
}

func (l *Ledger) SetAgentLimit(ctx context.Context, tenantID uuid.UUID, agentID string, limit int64) error {
	_, err := l.db.pool.Exec(ctx,
		`INSERT INTO agent_budgets (tenant_id, agent_id, limit_amount, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (tenant_id, agent_id) DO UPDATE
		 SET limit_amount = EXCLUDED.limit_amount, updated_at = now()`,
		tenantID, agentID, limit,
	)
	if err != nil {
		return fmt.Errorf("storage: set agent limit: %w", err)
	}
	return nil
}

func (l *Ledger) SetPaused(ctx context.Context, tenantID uuid.UUID, agentID string, paused bool) error {
	_, err := l.db.pool.Exec(ctx,
		`INSERT INTO agent_budgets (tenant_id, agent_id, paused, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (tenant_id, agent_id) DO UPDATE
		 SET paused = EXCLUDED.paused, updated_at = now()`,
		tenantID, agentID, paused,
	)
	if err != nil {
		return fmt.Errorf("storage: set agent paused: %w", err)
	}
	return nil
}

// RecomputeCounters rebuilds spend_counters and agent spend from cost_records.
// Commits block for the duration; the counter table is locked before the cost
// log, in the same order Commit touches them.
func (l *Ledger) RecomputeCounters(ctx context.Context) error {
	err := l.db.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`LOCK TABLE spend_counters, agent_budgets, cost_records IN EXCLUSIVE MODE`); err != nil {
			return fmt.Errorf("lock tables: %w", err)
		}

		rows, err := tx.Query(ctx,
			`SELECT tenant_id, agent_id, workflow, skill, model, cost, recorded_at FROM cost_records`)
		if err != nil {
			return fmt.Errorf("read cost records: %w", err)
		}
		type counterKey struct {
			tenant uuid.UUID
			key    string
		}
		counters := make(map[counterKey]int64)
		for rows.Next() {
			var rec model.CostRecord
			if err := rows.Scan(&rec.TenantID, &rec.AgentID, &rec.Workflow, &rec.Skill,
				&rec.Model, &rec.Cost, &rec.RecordedAt); err != nil {
				rows.Close()
				return fmt.Errorf("scan cost record: %w", err)
			}
			for _, w := range budget.Windows(rec, model.BudgetQuota{}) {
				counters[counterKey{rec.TenantID, w.Key}] += rec.Cost
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("read cost records: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM spend_counters`); err != nil {
			return fmt.Errorf("clear counters: %w", err)
		}
		src := make([][]any, 0, len(counters))
		now := time.Now().UTC()
		for k, v := range counters {
			src = append(src, []any{k.tenant, k.key, v, now})
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"spend_counters"},
			[]string{"tenant_id", "key", "spent", "updated_at"},
			pgx.CopyFromRows(src),
		); err != nil {
			return fmt.Errorf("copy counters: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE agent_budgets a
			 SET spent = COALESCE((SELECT SUM(c.cost) FROM cost_records c
			                       WHERE c.tenant_id = a.tenant_id AND c.agent_id = a.agent_id), 0),
			     updated_at = now()`); err != nil {
			return fmt.Errorf("recompute agent spend: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO agent_budgets (tenant_id, agent_id, spent, updated_at)
			 SELECT tenant_id, agent_id, SUM(cost), now() FROM cost_records GROUP BY tenant_id, agent_id
			 ON CONFLICT (tenant_id, agent_id) DO NOTHING`); err != nil {
			return fmt.Errorf("insert missing agent budgets: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storage: recompute counters: %w", err)
	}
	return nil
}
