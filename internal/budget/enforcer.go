// Package budget enforces multi-tier spend ceilings.
//
// Check runs before a skill is invoked and compares accumulated spend plus the
// estimated cost against each ceiling in order: per-request, per-model,
// per-workflow, hourly, daily, then the agent's lifetime budget. The first
// breach wins. Commit records the realized cost after a successful call; the
// Ledger applies it to every counter atomically and refuses it outright if any
// counter would overshoot, so concurrent callers can never drive spend past a
// ceiling.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agenticverz/agenticverz/internal/failure"
	"github.com/agenticverz/agenticverz/internal/model"
)

// Decision is the outcome of a pre-check.
type Decision string

const (
	Allowed Decision = "allowed"
	Warning Decision = "warning"
	// Exceeded and TooExpensive are rejections.
	Exceeded     Decision = "budget_exceeded"
	TooExpensive Decision = "request_too_expensive"
)

// Request describes one prospective skill call.
type Request struct {
	TenantID uuid.UUID
	AgentID  string
	// Workflow scopes the cumulative per-workflow ceiling, normally the run ID.
	Workflow string
	Skill    string
	Model    string
	Estimate int64
}

// Result is the outcome of Check.
type Result struct {
	Decision Decision
	// Tier is the ceiling that warned or rejected.
	Tier    Tier
	Message string
}

// Enforcer applies quotas against a Ledger.
type Enforcer struct {
	ledger   Ledger
	defaults model.BudgetQuota
	logger   *slog.Logger
	now      func() time.Time
}

// NewEnforcer creates an Enforcer. defaults apply to tenants without a quota row.
func NewEnforcer(ledger Ledger, defaults model.BudgetQuota, logger *slog.Logger) *Enforcer {
	return &Enforcer{ledger: ledger, defaults: defaults, logger: logger, now: time.Now}
}

// Ledger returns the underlying ledger.
func (e *Enforcer) Ledger() Ledger { return e.ledger }

func (e *Enforcer) quota(ctx context.Context, tenantID uuid.UUID) (model.BudgetQuota, error) {
	q, ok, err := e.ledger.Quota(ctx, tenantID)
	if err != nil {
		return model.BudgetQuota{}, fmt.Errorf("budget: load quota: %w", err)
	}
	if !ok {
		return e.defaults, nil
	}
	return q, nil
}

// Check evaluates req against every ceiling. Rejections are returned as
// *failure.Error values alongside a Result describing them.
func (e *Enforcer) Check(ctx context.Context, req Request) (Result, error) {
	q, err := e.quota(ctx, req.TenantID)
	if err != nil {
		return Result{}, err
	}
	agent, err := e.ledger.Agent(ctx, req.TenantID, req.AgentID)
	if err != nil {
		return Result{}, fmt.Errorf("budget: load agent: %w", err)
	}
	if agent.Paused {
		return Result{Decision: Exceeded, Tier: TierDaily, Message: "agent paused"}, failure.AgentPaused(req.AgentID)
	}

	res := Result{Decision: Allowed}
	warn := func(t Tier, msg string) {
		if res.Decision == Allowed {
			res = Result{Decision: Warning, Tier: t, Message: msg}
		}
	}

	if q.PerRequest > 0 && req.Estimate > q.PerRequest {
		if q.HardEnforce {
			return Result{Decision: TooExpensive, Tier: TierPerRequest}, failure.RequestTooExpensive(q.PerRequest, req.Estimate)
		}
		warn(TierPerRequest, fmt.Sprintf("estimate %d exceeds per-request ceiling %d", req.Estimate, q.PerRequest))
	}

	windows := Windows(e.record(req, req.Estimate), q)
	keys := make([]string, len(windows))
	for i, w := range windows {
		keys[i] = w.Key
	}
	spent, err := e.ledger.Spent(ctx, req.TenantID, keys)
	if err != nil {
		return Result{}, fmt.Errorf("budget: load spend: %w", err)
	}

	type ceiling struct {
		tier    Tier
		limit   int64
		current int64
	}
	ceilings := make([]ceiling, 0, len(windows)+1)
	for _, w := range windows {
		ceilings = append(ceilings, ceiling{w.Tier, w.Limit, spent[w.Key]})
	}
	ceilings = append(ceilings, ceiling{TierLifetime, agent.Limit, agent.Spent})

	for _, c := range ceilings {
		if c.limit <= 0 {
			continue
		}
		projected := c.current + req.Estimate
		if projected > c.limit {
			// The agent's own lifetime budget is always hard.
			if q.HardEnforce || c.tier == TierLifetime {
				if c.tier == TierDaily && q.AutoPause {
					e.pause(ctx, req)
				}
				return Result{Decision: Exceeded, Tier: c.tier},
					failure.BudgetExceeded(string(c.tier), c.limit, c.current, req.Estimate)
			}
			warn(c.tier, fmt.Sprintf("%s ceiling %d would be exceeded", c.tier, c.limit))
			continue
		}
		if q.WarnThreshold > 0 && float64(projected) >= q.WarnThreshold*float64(c.limit) {
			warn(c.tier, fmt.Sprintf("%s spend at %d of %d", c.tier, projected, c.limit))
		}
	}

	if res.Decision == Warning {
		e.logger.Warn("budget: threshold reached",
			"agent_id", req.AgentID, "tier", res.Tier, "message", res.Message)
	}
	return res, nil
}

// Commit records the realized cost of a successful call. If a concurrent
// commit consumed the remaining headroom nothing is recorded and a
// BUDGET_EXCEEDED failure is returned.
func (e *Enforcer) Commit(ctx context.Context, req Request, cost, tokens int64) error {
	q, err := e.quota(ctx, req.TenantID)
	if err != nil {
		return err
	}
	if !q.HardEnforce {
		q.PerModel, q.PerWorkflow, q.Hourly, q.Daily = 0, 0, 0, 0
	}
	rec := e.record(req, cost)
	rec.Tokens = tokens
	err = e.ledger.Commit(ctx, rec, Windows(rec, q))

	var le *LimitError
	if errors.As(err, &le) {
		if le.Tier == TierDaily && q.AutoPause {
			e.pause(ctx, req)
		}
		return failure.BudgetExceeded(string(le.Tier), le.Limit, le.Current, le.Cost)
	}
	if err != nil {
		return fmt.Errorf("budget: commit: %w", err)
	}
	return nil
}

// Resume clears the paused flag of an agent.
func (e *Enforcer) Resume(ctx context.Context, tenantID uuid.UUID, agentID string) error {
	if err := e.ledger.SetPaused(ctx, tenantID, agentID, false); err != nil {
		return fmt.Errorf("budget: resume %s: %w", agentID, err)
	}
	e.logger.Info("budget: agent resumed", "agent_id", agentID)
	return nil
}

func (e *Enforcer) pause(ctx context.Context, req Request) {
	if err := e.ledger.SetPaused(ctx, req.TenantID, req.AgentID, true); err != nil {
		e.logger.Error("budget: auto-pause failed", "agent_id", req.AgentID, "error", err)
		return
	}
	e.logger.Warn("budget: agent auto-paused after daily breach", "agent_id", req.AgentID)
}

func (e *Enforcer) record(req Request, cost int64) model.CostRecord {
	return model.CostRecord{
		ID:         uuid.New(),
		TenantID:   req.TenantID,
		AgentID:    req.AgentID,
		Workflow:   req.Workflow,
		Skill:      req.Skill,
		Model:      req.Model,
		Cost:       cost,
		RecordedAt: e.now(),
	}
}
