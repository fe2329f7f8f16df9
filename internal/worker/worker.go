// Package worker implements the single-process dispatch loop: claim a
// batch, run handlers concurrently with bounded parallelism, commit
// per-row outcomes (spec.md §4.4).
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"outbox-dispatcher/internal/event"
	"outbox-dispatcher/internal/handler"
)

// Batch is the subset of repository.ClaimedBatch the worker depends on.
// Declaring it here (rather than importing the concrete type) lets tests
// substitute an in-memory fake and keeps the worker ignorant of SQL.
type Batch interface {
	Events() []event.Event
	MarkSuccess(ctx context.Context, eventID int64) error
	MarkRetryOrDead(ctx context.Context, eventID int64, maxAttempts int, backoff time.Duration) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Repo is the subset of repository.Repository the worker depends on.
type Repo interface {
	EnsureConnected(ctx context.Context) error
	ClaimDue(ctx context.Context, batchSize int) (Batch, error)
}

const (
	DefaultBatchSize   = 100
	DefaultMaxAttempts = 5
	DefaultMaxParallel = 10
	DefaultPollInterval = time.Second
	DefaultRetryBackoff = 30 * time.Second
)

// Config tunes one Worker instance. Zero values fall back to the defaults
// above (spec.md §4.4, §6.2).
type Config struct {
	Name         string
	BatchSize    int
	MaxAttempts  int
	MaxParallel  int
	PollInterval time.Duration
	RetryBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = DefaultMaxParallel
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	return c
}

// Worker owns one Repository (one DB connection), one bounded pool of
// handler executors, one registry, one stop signal (spec.md §4.4).
type Worker struct {
	cfg      Config
	repo     Repo
	registry *handler.Registry
	logger   *zap.Logger
	metrics  *Metrics

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// New constructs a Worker. metrics may be nil, in which case DefaultMetrics
// is used (mirrors this codebase's own NewProcessor/NewProcessorWithMetrics
// split).
func New(cfg Config, repo Repo, registry *handler.Registry, logger *zap.Logger, metrics *Metrics) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = DefaultMetrics
	}
	return &Worker{
		cfg:      cfg.withDefaults(),
		repo:     repo,
		registry: registry,
		logger:   logger.Named(cfg.Name),
		metrics:  metrics,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Run blocks, polling on cfg.PollInterval, until ctx is cancelled or Stop
// is called. A stop mid-iteration waits for the in-flight batch's tasks to
// complete, commits outcomes, then exits cleanly — no new claims are issued
// after the signal (spec.md §4.4 step 1, "Stop semantics").
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker starting",
		zap.Int("batch_size", w.cfg.BatchSize),
		zap.Int("max_parallel", w.cfg.MaxParallel),
		zap.Duration("poll_interval", w.cfg.PollInterval))
	defer close(w.doneCh)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping on context cancellation")
			return
		case <-w.stopCh:
			w.logger.Info("worker stopping on stop signal")
			return
		case <-ticker.C:
			if err := w.pollOnce(ctx); err != nil {
				w.logger.Error("poll cycle failed", zap.Error(err))
			}
		}
	}
}

// Stop signals Run to exit at the next loop boundary and waits for it.
func (w *Worker) Stop() {
	w.once.Do(func() { close(w.stopCh) })
	<-w.doneCh
}

// pollOnce executes one iteration of spec.md §4.4's main loop steps 2-8.
func (w *Worker) pollOnce(ctx context.Context) error {
	if err := w.repo.EnsureConnected(ctx); err != nil {
		return err
	}

	start := time.Now()
	batch, err := w.repo.ClaimDue(ctx, w.cfg.BatchSize)
	if err != nil {
		return err
	}

	events := batch.Events()
	if len(events) == 0 {
		return batch.Rollback(ctx)
	}

	w.metrics.BatchSize.Observe(float64(len(events)))

	outcomes := w.executeConcurrently(ctx, events)

	for _, o := range outcomes {
		if o.err == nil {
			if err := batch.MarkSuccess(ctx, o.event.ID); err != nil {
				_ = batch.Rollback(ctx)
				return err
			}
			w.metrics.ProcessedTotal.Inc()
			continue
		}

		w.logger.Warn("handler failed",
			zap.Int64("event_id", o.event.ID),
			zap.String("event_type", o.event.EventType),
			zap.Error(o.err))
		if err := batch.MarkRetryOrDead(ctx, o.event.ID, w.cfg.MaxAttempts, w.cfg.RetryBackoff); err != nil {
			_ = batch.Rollback(ctx)
			return err
		}
		w.metrics.FailedTotal.Inc()
	}

	if err := batch.Commit(ctx); err != nil {
		return err
	}

	w.metrics.PollDuration.Observe(time.Since(start).Seconds())
	w.logger.Info("batch processed", zap.Int("count", len(events)), zap.Duration("duration", time.Since(start)))
	return nil
}

type outcome struct {
	event event.Event
	err   error
}

// executeConcurrently runs the resolved handler for every claimed event
// with at most cfg.MaxParallel in flight at once, and waits for all of
// them before returning (spec.md §4.4 steps 5-6). A missing handler is
// folded into the same failure path as a handler error (spec.md §4.3).
func (w *Worker) executeConcurrently(ctx context.Context, events []event.Event) []outcome {
	outcomes := make([]outcome, len(events))

	sem := make(chan struct{}, w.cfg.MaxParallel)
	var wg sync.WaitGroup

	for i, ev := range events {
		wg.Add(1)
		go func(idx int, ev event.Event) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			outcomes[idx] = outcome{event: ev, err: w.invoke(ctx, ev)}
		}(i, ev)
	}

	wg.Wait()
	return outcomes
}

func (w *Worker) invoke(ctx context.Context, ev event.Event) error {
	h, err := w.registry.Resolve(ev.EventType)
	var notFound *handler.ErrHandlerNotFound
	if errors.As(err, &notFound) {
		return err
	}
	if err != nil {
		return err
	}
	return h(ctx, ev.Payload)
}
