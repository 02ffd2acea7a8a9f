// Package maintenance schedules the engine's housekeeping jobs: purging
// expired idempotency records, rebuilding budget spend counters from the cost
// log, and returning runs abandoned by crashed workers to the queue.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agenticverz/agenticverz/internal/budget"
	"github.com/agenticverz/agenticverz/internal/idempotency"
)

// DefaultSchedule runs every job every ten minutes.
const DefaultSchedule = "@every 10m"

// Job is one housekeeping task.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Scheduler runs a fixed set of jobs on a cron schedule. A tick that fires
// while the previous one is still running is skipped.
type Scheduler struct {
	cron   *cron.Cron
	spec   string
	jobs   []Job
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New validates spec and creates a stopped Scheduler. An empty spec selects
// DefaultSchedule.
func New(spec string, logger *slog.Logger, jobs ...Job) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	if _, err := parser.Parse(spec); err != nil {
		return nil, fmt.Errorf("maintenance: parse schedule %q: %w", spec, err)
	}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cronLogger{logger}), cron.SkipIfStillRunning(cronLogger{logger})),
		cron.WithLogger(cronLogger{logger}),
	)
	return &Scheduler{cron: c, spec: spec, jobs: jobs, logger: logger}, nil
}

// Start begins running jobs on the schedule. Jobs receive a context derived
// from ctx that is cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	if _, err := s.cron.AddFunc(s.spec, func() { _ = s.RunOnce(s.ctx) }); err != nil {
		s.cancel()
		return fmt.Errorf("maintenance: schedule jobs: %w", err)
	}
	s.cron.Start()
	s.logger.Info("maintenance: scheduler started", "schedule", s.spec, "jobs", len(s.jobs))
	return nil
}

// Stop cancels running jobs and waits for them to return, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("maintenance: scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("maintenance: stop: %w", ctx.Err())
	}
}

// RunOnce runs every job in order. A failing job does not stop the others;
// their errors are joined.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var errs []error
	for _, j := range s.jobs {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		start := time.Now()
		if err := j.Run(ctx); err != nil {
			s.logger.Error("maintenance: job failed", "job", j.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", j.Name, err))
			continue
		}
		s.logger.Debug("maintenance: job done", "job", j.Name, "duration_ms", time.Since(start).Milliseconds())
	}
	return errors.Join(errs...)
}

// PurgeIdempotency deletes expired idempotency records.
func PurgeIdempotency(c *idempotency.Checker) Job {
	return Job{Name: "idempotency_purge", Run: func(ctx context.Context) error {
		_, err := c.Purge(ctx)
		return err
	}}
}

// RecomputeCounters rebuilds spend counters and agent spend from the cost log.
func RecomputeCounters(l budget.Ledger) Job {
	return Job{Name: "budget_recompute", Run: l.RecomputeCounters}
}

// StaleRequeuer returns runs stuck in running back to the queue.
type StaleRequeuer interface {
	RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// RequeueStale requeues runs whose claim is older than olderThan.
func RequeueStale(r StaleRequeuer, olderThan time.Duration, logger *slog.Logger) Job {
	return Job{Name: "requeue_stale", Run: func(ctx context.Context) error {
		n, err := r.RequeueStale(ctx, olderThan)
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Warn("maintenance: requeued stale runs", "count", n, "older_than", olderThan.String())
		}
		return nil
	}}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("maintenance: cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("maintenance: cron: "+msg, append(keysAndValues, "error", err)...)
}
