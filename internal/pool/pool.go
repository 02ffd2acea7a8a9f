// Package pool discovers runnable runs and dispatches them to a bounded set of
// workers.
//
// One poll loop per Pool selects due runs (queued or retry, oldest first),
// claims each with a conditional update carrying the pool's owner token and
// hands it to the runner. A run already in flight in this process is never
// submitted twice. Drain stops polling and waits for in-flight runs.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/agenticverz/agenticverz/internal/model"
	"github.com/agenticverz/agenticverz/internal/telemetry"
)

// Lifecycle event names sent to the Publisher.
const (
	EventStarted = "pool.started"
	EventStopped = "pool.stopped"
)

// Queue is the run queue the pool polls.
type Queue interface {
	PollRunnable(ctx context.Context, limit int) ([]model.Run, error)
	// ClaimRun marks a run running for owner only if it is still dispatchable
	// and due. claimed is false when another replica won the race.
	ClaimRun(ctx context.Context, id uuid.UUID, owner string) (model.Run, bool, error)
}

// Executor runs one claimed attempt of a run.
type Executor interface {
	Run(ctx context.Context, run model.Run) (model.Run, error)
}

// Publisher delivers lifecycle events to external listeners.
type Publisher interface {
	Publish(ctx context.Context, event string, payload map[string]any) error
}

// Auditor writes immutable system audit records.
type Auditor interface {
	Audit(ctx context.Context, action, actor string, details map[string]any) error
}

// Config controls polling and concurrency.
type Config struct {
	PollInterval time.Duration
	Concurrency  int
	BatchSize    int
	// RunTimeout bounds each run's context when positive.
	RunTimeout time.Duration
}

// Stats counts what the pool did over its lifetime.
type Stats struct {
	Dispatched int64 `json:"dispatched"`
	Succeeded  int64 `json:"succeeded"`
	Failed     int64 `json:"failed"`
	Retried    int64 `json:"retried"`
	Errors     int64 `json:"errors"`
	LostClaims int64 `json:"lost_claims"`
}

// Option configures a Pool.
type Option func(*Pool)

// WithPublisher sets the lifecycle event publisher.
func WithPublisher(p Publisher) Option {
	return func(pl *Pool) { pl.publisher = p }
}

// WithAuditor sets the audit sink for startup and shutdown records.
func WithAuditor(a Auditor) Option {
	return func(pl *Pool) { pl.auditor = a }
}

// Pool polls the run queue and dispatches runs to workers.
type Pool struct {
	queue     Queue
	exec      Executor
	cfg       Config
	logger    *slog.Logger
	publisher Publisher
	auditor   Auditor
	owner     string
	sem       *semaphore.Weighted

	mu       sync.Mutex
	inFlight map[uuid.UUID]struct{}
	wg       sync.WaitGroup

	started    atomic.Bool
	cancelLoop context.CancelFunc
	loopDone   chan struct{}
	wake       chan struct{}

	dispatched, succeeded, failed, retried, errs, lost atomic.Int64
}

// New creates a Pool. Zero config fields fall back to defaults.
func New(queue Queue, exec Executor, cfg Config, logger *slog.Logger, opts ...Option) *Pool {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	p := &Pool{
		queue:    queue,
		exec:     exec,
		cfg:      cfg,
		logger:   logger,
		owner:    ulid.Make().String(),
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		inFlight: make(map[uuid.UUID]struct{}),
		loopDone: make(chan struct{}),
		wake:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Owner returns the token this pool writes into claimed runs.
func (p *Pool) Owner() string { return p.owner }

// InFlight returns the number of runs currently executing in this process.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inFlight)
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Dispatched: p.dispatched.Load(),
		Succeeded:  p.succeeded.Load(),
		Failed:     p.failed.Load(),
		Retried:    p.retried.Load(),
		Errors:     p.errs.Load(),
		LostClaims: p.lost.Load(),
	}
}

// Wake triggers a poll without waiting for the next tick.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Start begins the poll loop. It is safe to call only once; subsequent calls
// are no-ops and log a warning.
func (p *Pool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		p.logger.Warn("pool: Start called more than once, ignoring")
		return
	}
	p.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancelLoop = cancel

	details := map[string]any{
		"owner":         p.owner,
		"concurrency":   p.cfg.Concurrency,
		"batch_size":    p.cfg.BatchSize,
		"poll_interval": p.cfg.PollInterval.String(),
	}
	p.emit(ctx, EventStarted, details)
	p.logger.Info("pool: started", "owner", p.owner, "concurrency", p.cfg.Concurrency, "batch_size", p.cfg.BatchSize)

	go p.pollLoop(loopCtx)
}

// Drain stops polling and blocks until every in-flight run has finished or ctx
// expires. In-flight runs are not cancelled. It returns the lifetime counts.
func (p *Pool) Drain(ctx context.Context) (Stats, error) {
	if !p.started.Load() {
		return p.Stats(), nil
	}
	p.cancelLoop()
	<-p.loopDone

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("pool: drain: %d runs still in flight: %w", p.InFlight(), ctx.Err())
	}

	stats := p.Stats()
	details := map[string]any{
		"owner":       p.owner,
		"dispatched":  stats.Dispatched,
		"succeeded":   stats.Succeeded,
		"failed":      stats.Failed,
		"retried":     stats.Retried,
		"errors":      stats.Errors,
		"lost_claims": stats.LostClaims,
		"clean":       err == nil,
	}
	p.emit(context.WithoutCancel(ctx), EventStopped, details)
	if err != nil {
		p.logger.Warn("pool: drain timed out", "owner", p.owner, "in_flight", p.InFlight())
	} else {
		p.logger.Info("pool: stopped", "owner", p.owner, "dispatched", stats.Dispatched,
			"succeeded", stats.Succeeded, "failed", stats.Failed, "retried", stats.Retried)
	}
	return stats, err
}

func (p *Pool) pollLoop(ctx context.Context) {
	defer close(p.loopDone)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	// Poll once immediately so a fresh worker doesn't idle a full interval.
	p.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		case <-p.wake:
			p.poll(ctx)
		}
	}
}

// poll dispatches up to one batch of due runs, never more than the free
// worker slots.
func (p *Pool) poll(ctx context.Context) {
	free := p.cfg.Concurrency - p.InFlight()
	if free <= 0 {
		return
	}
	limit := min(p.cfg.BatchSize, free)

	runs, err := p.queue.PollRunnable(ctx, limit)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.logger.Error("pool: poll runnable", "error", err)
		}
		return
	}

	for _, run := range runs {
		if ctx.Err() != nil {
			return
		}
		if !p.track(run.ID) {
			continue
		}
		if !p.sem.TryAcquire(1) {
			p.untrack(run.ID)
			return
		}

		claimed, ok, err := p.queue.ClaimRun(ctx, run.ID, p.owner)
		if err != nil || !ok {
			p.sem.Release(1)
			p.untrack(run.ID)
			if err != nil {
				p.errs.Add(1)
				p.logger.Error("pool: claim run", "run_id", run.ID, "error", err)
			} else {
				p.lost.Add(1)
				p.logger.Debug("pool: claim lost", "run_id", run.ID)
			}
			continue
		}

		p.dispatched.Add(1)
		p.wg.Add(1)
		go p.work(ctx, claimed)
	}
}

func (p *Pool) work(ctx context.Context, run model.Run) {
	defer p.wg.Done()
	defer p.untrack(run.ID)
	defer p.sem.Release(1)

	// Shutdown stops polling but lets claimed runs finish.
	runCtx := context.WithoutCancel(ctx)
	if p.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, p.cfg.RunTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			p.errs.Add(1)
			p.logger.Error("pool: run panicked", "run_id", run.ID, "panic", r)
		}
	}()

	result, err := p.exec.Run(runCtx, run)
	if err != nil {
		p.errs.Add(1)
		p.logger.Error("pool: run attempt not persisted", "run_id", run.ID, "attempt", run.Attempts, "error", err)
		return
	}
	switch result.Status {
	case model.RunStatusSucceeded:
		p.succeeded.Add(1)
	case model.RunStatusFailed:
		p.failed.Add(1)
	case model.RunStatusRetry:
		p.retried.Add(1)
	}
}

// track adds id to the in-flight set. It returns false if id is already there.
func (p *Pool) track(id uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inFlight[id]; ok {
		return false
	}
	p.inFlight[id] = struct{}{}
	return true
}

func (p *Pool) untrack(id uuid.UUID) {
	p.mu.Lock()
	delete(p.inFlight, id)
	p.mu.Unlock()
}

// emit publishes a lifecycle event and writes the matching audit record.
// Failures are logged; they never stop the pool.
func (p *Pool) emit(ctx context.Context, event string, details map[string]any) {
	if p.publisher != nil {
		if err := p.publisher.Publish(ctx, event, details); err != nil {
			p.logger.Warn("pool: publish lifecycle event", "event", event, "error", err)
		}
	}
	if p.auditor != nil {
		if err := p.auditor.Audit(ctx, event, "pool:"+p.owner, details); err != nil {
			p.logger.Warn("pool: write audit record", "event", event, "error", err)
		}
	}
}

// registerMetrics registers the observable in-flight gauge.
func (p *Pool) registerMetrics() {
	meter := telemetry.Meter("agenticverz/pool")
	_, _ = meter.Int64ObservableGauge("agenticverz.pool.in_flight",
		metric.WithDescription("Runs currently executing in this worker pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(p.InFlight()))
			return nil
		}),
	)
}
