// Package daemon binds the scheduler, the integrity sweeps, the watchlist
// poller, and the HTTP API into a single lifecycle with flock-based locking
// to prevent multiple instances from sharing one database.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"crate/internal/config"
	"crate/internal/logging"
	"crate/internal/queue"
	"crate/internal/reconcile"
	"crate/internal/scheduler"
	"crate/internal/server"
	"crate/internal/watchlist"
)

// Daemon coordinates crate's background services.
type Daemon struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *queue.Store
	sched      *scheduler.Scheduler
	reconciler *reconcile.Reconciler
	poller     *watchlist.Poller
	api        *server.Server

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a daemon. The poller may be nil when watchlist polling is
// disabled.
func New(cfg *config.Config, store *queue.Store, sched *scheduler.Scheduler, reconciler *reconcile.Reconciler, poller *watchlist.Poller, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || store == nil || sched == nil || reconciler == nil {
		return nil, errors.New("daemon requires config, store, scheduler, and reconciler")
	}
	lockPath := filepath.Join(cfg.Paths.LogDir, "crated.lock")
	return &Daemon{
		cfg:        cfg,
		logger:     logging.NewComponentLogger(logger, "daemon"),
		store:      store,
		sched:      sched,
		reconciler: reconciler,
		poller:     poller,
		lockPath:   lockPath,
		lock:       flock.New(lockPath),
	}, nil
}

// AttachAPI registers the HTTP server started and stopped with the daemon.
// The server is constructed after the daemon because it reports the daemon's
// status.
func (d *Daemon) AttachAPI(srv *server.Server) {
	d.api = srv
}

// Start acquires the instance lock and launches every service.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another crate daemon instance is already running")
	}

	// Processing rows left by a previous run have no owning worker; fail them
	// before workers start so they surface as retryable instead of wedged.
	if reset, err := d.store.ResetStuckProcessing(ctx); err != nil {
		d.releaseLock()
		return fmt.Errorf("reset stuck jobs: %w", err)
	} else if reset > 0 {
		d.logger.Warn("failed jobs stranded in processing by a previous run",
			logging.Int64("reset", reset))
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if err := d.sched.Start(runCtx); err != nil {
		d.releaseLock()
		cancel()
		return fmt.Errorf("start scheduler: %w", err)
	}
	if d.poller != nil {
		if err := d.poller.Start(runCtx); err != nil {
			d.sched.Stop()
			d.releaseLock()
			cancel()
			return fmt.Errorf("start watchlist poller: %w", err)
		}
	}
	if d.api != nil {
		if err := d.api.Start(runCtx); err != nil {
			if d.poller != nil {
				d.poller.Stop()
			}
			d.sched.Stop()
			d.releaseLock()
			cancel()
			return fmt.Errorf("start api server: %w", err)
		}
	}

	d.wg.Add(1)
	go d.runMaintenance(runCtx)

	d.running.Store(true)
	d.logger.Info("crate daemon started", logging.String("lock", d.lockPath))
	return nil
}

// Stop winds down every service and releases the instance lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if d.api != nil {
		d.api.Stop()
	}
	if d.poller != nil {
		d.poller.Stop()
	}
	d.sched.Stop()
	d.wg.Wait()
	d.releaseLock()
	d.running.Store(false)
	d.logger.Info("crate daemon stopped")
}

// Close stops the daemon and closes the shared database.
func (d *Daemon) Close() error {
	d.Stop()
	return d.store.Close()
}

// Status implements server.StatusProvider.
func (d *Daemon) Status(ctx context.Context) server.Status {
	status := server.Status{
		Running:          d.running.Load(),
		PID:              os.Getpid(),
		DatabasePath:     d.store.Path(),
		LockFilePath:     d.lockPath,
		Workers:          d.cfg.Workflow.Workers,
		SchedulerRunning: d.sched.Running(),
	}
	if err := d.sched.LastError(); err != nil {
		status.LastError = err.Error()
	}
	if counts, err := d.store.CountsByState(ctx); err == nil {
		status.Counts = counts
	}
	return status
}

// runMaintenance owns the periodic integrity sweep and terminal-job
// retention. Both are disabled individually by their config intervals.
func (d *Daemon) runMaintenance(ctx context.Context) {
	defer d.wg.Done()

	reconcileEvery := time.Duration(d.cfg.Workflow.ReconcileInterval) * time.Second
	var reconcileTick <-chan time.Time
	if reconcileEvery > 0 {
		ticker := time.NewTicker(reconcileEvery)
		defer ticker.Stop()
		reconcileTick = ticker.C
	}

	retention := time.NewTicker(12 * time.Hour)
	defer retention.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reconcileTick:
			if _, err := d.reconciler.Heal(ctx); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Warn("scheduled integrity sweep failed", logging.Error(err))
			}
		case <-retention.C:
			cutoff := time.Now().AddDate(0, 0, -d.cfg.Workflow.JobRetentionDays)
			removed, err := d.store.ClearTerminal(ctx, cutoff)
			if err != nil {
				d.logger.Warn("terminal job cleanup failed", logging.Error(err))
				continue
			}
			if removed > 0 {
				d.logger.Info("cleared old terminal jobs", logging.Int64("removed", removed))
			}
		}
	}
}

func (d *Daemon) releaseLock() {
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
}
