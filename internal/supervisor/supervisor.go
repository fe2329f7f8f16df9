// Package supervisor spawns and manages the fixed pool of worker instances
// that make up one dispatcher deployment. spec.md §4.5 describes these as N
// independent OS processes; this implementation runs each instance as its
// own goroutine with its own pooled database connection, the in-process
// substitute recorded as an Open Question resolution in DESIGN.md.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"outbox-dispatcher/internal/handler"
	"outbox-dispatcher/internal/repository"
	"outbox-dispatcher/internal/worker"
)

// Instance is one supervised worker and the repository connection it owns
// exclusively — instances never share a pool (spec.md §4.5).
type Instance struct {
	Name   string
	Worker *worker.Worker
	Repo   *repository.Repository
}

// Config controls how many instances are spawned and whether a crashed
// instance is restarted.
type Config struct {
	Count          int
	WorkerConfig   worker.Config
	RestartOnPanic bool
	RestartBackoff time.Duration
	MaxRestarts    int
}

const (
	DefaultCount          = 1
	DefaultRestartBackoff = time.Second
	DefaultMaxRestarts    = 5
)

func (c Config) withDefaults() Config {
	if c.Count <= 0 {
		c.Count = DefaultCount
	}
	if c.RestartBackoff <= 0 {
		c.RestartBackoff = DefaultRestartBackoff
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = DefaultMaxRestarts
	}
	return c
}

// Supervisor owns Config.Count worker instances, each backed by its own
// Repository built from repoCfg, and the signal handling that turns
// SIGINT/SIGTERM into a coordinated graceful shutdown (spec.md §4.5).
type Supervisor struct {
	cfg       Config
	repoCfg   repository.Config
	registry  *handler.Registry
	logger    *zap.Logger
	metrics   *worker.Metrics
	instances []*Instance
	mu        sync.Mutex
}

// New constructs a Supervisor. Repository connections are opened lazily by
// Run, not here, so construction never fails on a transient DB outage.
func New(cfg Config, repoCfg repository.Config, registry *handler.Registry, logger *zap.Logger, metrics *worker.Metrics) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		cfg:      cfg.withDefaults(),
		repoCfg:  repoCfg,
		registry: registry,
		logger:   logger,
		metrics:  metrics,
	}
}

// Run opens one Repository per configured instance, starts every worker,
// and blocks until ctx is cancelled or a SIGINT/SIGTERM is received. On
// return, every instance has stopped cleanly and every Repository is
// closed.
func (s *Supervisor) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := s.spawn(ctx); err != nil {
		return err
	}
	defer s.closeAll()

	var wg sync.WaitGroup
	for _, inst := range s.instances {
		wg.Add(1)
		go func(inst *Instance) {
			defer wg.Done()
			s.runInstance(ctx, inst)
		}(inst)
	}

	s.logger.Info("supervisor running", zap.Int("instance_count", len(s.instances)))

	select {
	case <-ctx.Done():
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	}

	cancel()
	for _, inst := range s.instances {
		inst.Worker.Stop()
	}
	wg.Wait()

	s.logger.Info("supervisor shutdown complete")
	return nil
}

// runInstance runs one worker to completion, optionally restarting it with
// capped backoff if it exits while ctx is still live (spec.md §9 open
// question: worker restart policy). A worker only returns while ctx.Done()
// is open if it panicked and was recovered, since Run otherwise blocks
// until ctx is cancelled.
func (s *Supervisor) runInstance(ctx context.Context, inst *Instance) {
	restarts := 0
	for {
		s.runOnce(ctx, inst)

		if ctx.Err() != nil {
			return
		}
		if !s.cfg.RestartOnPanic || restarts >= s.cfg.MaxRestarts {
			s.logger.Error("worker exited and will not be restarted",
				zap.String("instance", inst.Name), zap.Int("restarts", restarts))
			return
		}

		restarts++
		backoff := s.cfg.RestartBackoff * time.Duration(1<<uint(restarts-1))
		s.logger.Warn("restarting worker after unexpected exit",
			zap.String("instance", inst.Name), zap.Int("attempt", restarts), zap.Duration("backoff", backoff))

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context, inst *Instance) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("worker panicked", zap.String("instance", inst.Name), zap.Any("recover", r))
		}
	}()
	inst.Worker.Run(ctx)
}

// spawn opens one Repository and builds one Worker per configured count.
func (s *Supervisor) spawn(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pid := os.Getpid()
	for i := 0; i < s.cfg.Count; i++ {
		name := fmt.Sprintf("worker-%d-%d", i, pid)

		repo, err := repository.New(ctx, s.repoCfg, s.logger.Named(name))
		if err != nil {
			s.closeAllLocked()
			return fmt.Errorf("supervisor: start instance %s: %w", name, err)
		}

		workerCfg := s.cfg.WorkerConfig
		workerCfg.Name = name

		w := worker.New(workerCfg, repositoryAdapter{repo}, s.registry, s.logger, s.metrics)
		s.instances = append(s.instances, &Instance{Name: name, Worker: w, Repo: repo})
	}
	return nil
}

func (s *Supervisor) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeAllLocked()
}

func (s *Supervisor) closeAllLocked() {
	for _, inst := range s.instances {
		inst.Repo.Close()
	}
}

// repositoryAdapter narrows *repository.Repository's ClaimDue return type
// (the concrete *repository.ClaimedBatch) to the worker.Batch interface,
// since Go does not let ClaimDue satisfy worker.Repo with a covariant
// return type directly.
type repositoryAdapter struct {
	*repository.Repository
}

func (a repositoryAdapter) ClaimDue(ctx context.Context, batchSize int) (worker.Batch, error) {
	return a.Repository.ClaimDue(ctx, batchSize)
}
