package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/agenticverz/agenticverz/internal/maintenance"
	"github.com/agenticverz/agenticverz/internal/pool"
	"github.com/agenticverz/agenticverz/internal/storage"
	"github.com/agenticverz/agenticverz/internal/telemetry"
)

var (
	drainTimeout  time.Duration
	staleAfter    time.Duration
	noMaintenance bool
)

func init() {
	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Poll the run queue and execute runs until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runWorker,
	}
	workerCmd.Flags().DurationVar(&drainTimeout, "drain-timeout", 30*time.Second, "how long shutdown waits for in-flight runs")
	workerCmd.Flags().DurationVar(&staleAfter, "stale-after", 15*time.Minute, "requeue running runs whose claim is older than this")
	workerCmd.Flags().BoolVar(&noMaintenance, "no-maintenance", false, "do not run housekeeping jobs in this process")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	slog.Info("agenticverz worker starting", "version", version,
		"concurrency", cfg.WorkerConcurrency, "state_backend", cfg.StateBackend)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	e, err := openEngine(ctx, cfg, logger, engineOptions{database: true, listen: true})
	if err != nil {
		return err
	}
	defer e.Close(context.Background())

	e.watchCostTable(ctx)

	p := pool.New(e.db, e.runner(e.db), pool.Config{
		PollInterval: cfg.PollInterval,
		Concurrency:  cfg.WorkerConcurrency,
		BatchSize:    cfg.BatchSize,
		RunTimeout:   cfg.RunTimeout,
	}, logger, pool.WithPublisher(e.db), pool.WithAuditor(e.db))
	p.Start(ctx)

	go listenForRuns(ctx, e.db, p, logger)

	var sched *maintenance.Scheduler
	if !noMaintenance {
		sched, err = maintenance.New(cfg.MaintenanceSchedule, logger,
			maintenance.PurgeIdempotency(e.idem),
			maintenance.RecomputeCounters(e.enforcer.Ledger()),
			maintenance.RequeueStale(e.db, staleAfter, logger),
		)
		if err != nil {
			return err
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
	}

	<-ctx.Done()
	slog.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	var errs []error
	if sched != nil {
		errs = append(errs, sched.Stop(shutdownCtx))
	}
	stats, err := p.Drain(shutdownCtx)
	errs = append(errs, err)
	slog.Info("agenticverz worker stopped",
		"dispatched", stats.Dispatched, "succeeded", stats.Succeeded,
		"failed", stats.Failed, "retried", stats.Retried, "errors", stats.Errors)
	return errors.Join(errs...)
}

// listenForRuns wakes the pool whenever a run is enqueued. Polling still
// covers missed notifications, so errors only delay dispatch.
func listenForRuns(ctx context.Context, db *storage.DB, p *pool.Pool, logger *slog.Logger) {
	for ctx.Err() == nil {
		if err := db.Listen(ctx, storage.ChannelRuns); err != nil {
			logger.Warn("run notifications unavailable, polling only", "error", err)
			return
		}
		for {
			channel, _, err := db.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("run notification wait failed", "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				break
			}
			if channel == storage.ChannelRuns {
				p.Wake()
			}
		}
	}
}
