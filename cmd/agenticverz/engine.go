package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/agenticverz/agenticverz/internal/breaker"
	"github.com/agenticverz/agenticverz/internal/budget"
	"github.com/agenticverz/agenticverz/internal/config"
	"github.com/agenticverz/agenticverz/internal/gate"
	"github.com/agenticverz/agenticverz/internal/golden"
	"github.com/agenticverz/agenticverz/internal/idempotency"
	"github.com/agenticverz/agenticverz/internal/localstate"
	"github.com/agenticverz/agenticverz/internal/model"
	"github.com/agenticverz/agenticverz/internal/runner"
	"github.com/agenticverz/agenticverz/internal/skill"
	"github.com/agenticverz/agenticverz/internal/skill/builtin"
	"github.com/agenticverz/agenticverz/internal/storage"
	"github.com/agenticverz/agenticverz/internal/telemetry"
	"github.com/agenticverz/agenticverz/migrations"
)

// engine holds the wired components shared by the subcommands.
type engine struct {
	cfg    config.Config
	logger *slog.Logger

	db    *storage.DB // nil unless Postgres is needed
	local *localstate.DB

	metrics   *telemetry.EngineMetrics
	breaker   *breaker.Breaker
	idem      *idempotency.Checker
	estimator *budget.Estimator
	enforcer  *budget.Enforcer
	gate      *gate.Gate
	recorder  *golden.Recorder
}

type engineOptions struct {
	// database forces a Postgres connection even when no state lives there.
	database bool
	// listen opens the dedicated LISTEN/NOTIFY connection.
	listen bool
}

func openEngine(ctx context.Context, cfg config.Config, logger *slog.Logger, opts engineOptions) (_ *engine, err error) {
	e := &engine{cfg: cfg, logger: logger, metrics: telemetry.NewEngineMetrics()}
	defer func() {
		if err != nil {
			e.Close(context.WithoutCancel(ctx))
		}
	}()

	if opts.database || cfg.StateBackend == config.BackendPostgres {
		notifyDSN := ""
		if opts.listen {
			notifyDSN = cfg.DatabaseURL
		}
		e.db, err = storage.New(ctx, cfg.DatabaseURL, notifyDSN, logger)
		if err != nil {
			return nil, err
		}
		if err := e.db.RunMigrations(ctx, migrations.FS); err != nil {
			return nil, err
		}
	}

	var (
		breakerStore breaker.Store
		idemStore    idempotency.Store
	)
	switch cfg.StateBackend {
	case config.BackendPostgres:
		breakerStore, idemStore = e.db.Breakers(), e.db.Idempotency()
	case config.BackendSQLite:
		e.local, err = localstate.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		breakerStore, idemStore = e.local.Breakers(), e.local.Idempotency()
	default:
		breakerStore, idemStore = breaker.NewMemoryStore(), idempotency.NewMemoryStore()
	}
	logger.Info("state backend selected", "backend", cfg.StateBackend)

	var ledger budget.Ledger = budget.NewMemoryLedger()
	if e.db != nil {
		ledger = e.db.Ledger()
	}

	e.breaker = breaker.New(breakerStore, breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		Cooldown:         cfg.BreakerCooldown,
		MaxCooldown:      cfg.BreakerMaxCooldown,
	}, logger, breaker.WithTransitionCounter(e.metrics.BreakerTransitions))

	e.idem = idempotency.NewChecker(idemStore, cfg.IdempotencyTTL, logger)

	e.enforcer = budget.NewEnforcer(ledger, model.BudgetQuota{
		PerRequest:    cfg.BudgetPerRequest,
		PerModel:      cfg.BudgetPerModel,
		PerWorkflow:   cfg.BudgetPerWorkflow,
		Hourly:        cfg.BudgetHourly,
		Daily:         cfg.BudgetDaily,
		WarnThreshold: cfg.BudgetWarnThreshold,
		HardEnforce:   cfg.BudgetHardEnforce,
		AutoPause:     cfg.BudgetAutoPause,
	}, logger)

	if cfg.CostTablePath != "" {
		e.estimator, err = budget.LoadEstimator(cfg.CostTablePath, cfg.DefaultSkillCost)
		if err != nil {
			return nil, err
		}
	} else {
		e.estimator = budget.NewEstimator(budget.CostTable{}, cfg.DefaultSkillCost)
	}

	registry := skill.NewRegistry()
	if err := builtin.Register(registry, nil); err != nil {
		return nil, fmt.Errorf("register builtin skills: %w", err)
	}
	targets, err := skill.NewTargetResolver(cfg.SkillTargets)
	if err != nil {
		return nil, err
	}

	e.gate = gate.New(gate.Deps{
		Registry:    registry,
		Estimator:   e.estimator,
		Budget:      e.enforcer,
		Breaker:     e.breaker,
		Idempotency: e.idem,
		Targets:     targets,
		Metrics:     e.metrics,
	}, cfg.ValidationMode, logger)

	e.recorder, err = golden.NewRecorder(golden.Config{
		Dir:    cfg.GoldenDir,
		Secret: cfg.GoldenSecret,
	}, logger, e.metrics.GoldenWriteFailures)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// runner builds a Runner persisting to store.
func (e *engine) runner(store runner.Store) *runner.Runner {
	return runner.New(store, e.gate, e.idem, e.recorder, runner.Config{
		MaxAttempts: e.cfg.MaxAttempts,
		BackoffBase: e.cfg.BackoffBase,
		BackoffMax:  e.cfg.BackoffMax,
	}, e.logger, e.metrics)
}

// watchCostTable hot-reloads the cost table until ctx is cancelled.
func (e *engine) watchCostTable(ctx context.Context) {
	if e.cfg.CostTablePath == "" {
		return
	}
	if err := e.estimator.Watch(ctx, e.cfg.CostTablePath, e.logger); err != nil {
		e.logger.Warn("cost table watch disabled", "error", err)
	}
}

func (e *engine) Close(ctx context.Context) {
	if e.local != nil {
		if err := e.local.Close(); err != nil {
			e.logger.Warn("close local state", "error", err)
		}
	}
	if e.db != nil {
		e.db.Close(ctx)
	}
}
