// Package scheduler drains the job queue with a bounded worker pool. Workers
// poll on an interval and can be woken early by Kick; trigger requests run
// their own bounded synchronous drain so callers get per-job outcomes back.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"crate/internal/config"
	"crate/internal/download"
	"crate/internal/logging"
	"crate/internal/queue"
)

// Processor executes one claimed job to a terminal state.
type Processor interface {
	Process(ctx context.Context, job *queue.Job) download.Outcome
}

// Scheduler owns the worker pool that drains queued jobs.
type Scheduler struct {
	cfg       *config.Config
	store     *queue.Store
	processor Processor
	logger    *slog.Logger

	pollInterval time.Duration
	workers      int
	wake         chan struct{}

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	lastErr error
}

// New constructs a scheduler over the store and processor.
func New(cfg *config.Config, store *queue.Store, processor Processor, logger *slog.Logger) *Scheduler {
	workers := cfg.Workflow.Workers
	if workers < 1 {
		workers = 1
	}
	poll := time.Duration(cfg.Workflow.QueuePollInterval) * time.Second
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &Scheduler{
		cfg:          cfg,
		store:        store,
		processor:    processor,
		logger:       logging.NewComponentLogger(logger, "scheduler"),
		pollInterval: poll,
		workers:      workers,
		wake:         make(chan struct{}, 1),
	}
}

// Start launches the worker pool. It returns an error if already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.wg.Add(s.workers)
	for i := 0; i < s.workers; i++ {
		go s.runWorker(runCtx, i)
	}
	s.logger.Info("scheduler started", logging.Int("workers", s.workers))
	return nil
}

// Stop cancels the workers and waits for in-flight jobs to reach a terminal
// state.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Running reports whether the worker pool is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// LastError returns the most recent claim failure, if any.
func (s *Scheduler) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Kick wakes an idle worker ahead of its next poll tick. Safe to call from
// any goroutine; redundant kicks coalesce.
func (s *Scheduler) Kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) runWorker(ctx context.Context, id int) {
	defer s.wg.Done()
	logger := s.logger.With(logging.Int("worker", id))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := s.store.ClaimNext(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.recordError(err)
			logger.Warn("claim failed", logging.Error(err))
			s.waitForWork(ctx)
			continue
		}
		if job == nil {
			s.waitForWork(ctx)
			continue
		}

		s.process(ctx, job)
	}
}

// waitForWork blocks until the poll interval elapses, a kick arrives, or the
// scheduler shuts down.
func (s *Scheduler) waitForWork(ctx context.Context) {
	timer := time.NewTimer(s.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-s.wake:
	case <-timer.C:
	}
}

func (s *Scheduler) process(ctx context.Context, job *queue.Job) download.Outcome {
	correlationID := uuid.NewString()
	jobCtx := logging.WithFields(ctx,
		logging.String(logging.FieldCorrelationID, correlationID),
	)
	return s.processor.Process(jobCtx, job)
}

// RunBounded claims and processes up to max jobs synchronously, returning the
// outcome of each. It shares the atomic claim with the worker pool, so jobs
// never run twice even when both drain at once. A zero queue yields an empty
// slice, not an error.
func (s *Scheduler) RunBounded(ctx context.Context, max int) ([]download.Outcome, error) {
	if max < 1 {
		return nil, errors.New("bounded run requires a positive job limit")
	}
	outcomes := make([]download.Outcome, 0, max)
	for len(outcomes) < max {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		job, err := s.store.ClaimNext(ctx)
		if err != nil {
			return outcomes, err
		}
		if job == nil {
			break
		}
		outcomes = append(outcomes, s.process(ctx, job))
	}
	return outcomes, nil
}

func (s *Scheduler) recordError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}
