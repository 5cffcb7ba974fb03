// Package worker drains the ingest queue in the background.
//
// A Worker holds a file lock so only one instance processes a queue
// database, runs a fixed number of claim loops and a maintenance loop that
// purges finished jobs, and stops cleanly when its context is cancelled.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/obd2ingest/internal/core"
	"github.com/JonMunkholm/obd2ingest/internal/logging"
	"github.com/JonMunkholm/obd2ingest/internal/queue"
)

// ErrLocked means another worker already holds the lock file.
var ErrLocked = errors.New("another worker is already running")

// JobStore is the part of queue.Store the worker drives.
type JobStore interface {
	Claim(ctx context.Context) (*queue.Job, error)
	Complete(ctx context.Context, id int64, tripID string) error
	Fail(ctx context.Context, id int64, tripID string, cause error) error
	Requeue(ctx context.Context, id int64) error
	ResetStale(ctx context.Context) (int64, error)
	Purge(ctx context.Context, retention time.Duration) ([]*queue.Job, error)
}

// Ingester runs one file through the pipeline. *core.Service implements it.
type Ingester interface {
	Ingest(ctx context.Context, src core.Source, progress core.ProgressFunc) (*core.ParseResult, error)
}

// Config controls a Worker. Zero values fall back to defaults.
type Config struct {
	Workers             int
	PollInterval        time.Duration
	Retention           time.Duration
	MaintenanceInterval time.Duration
	LockPath            string
}

// Stats counts what a worker has done since it started.
type Stats struct {
	Running   bool  `json:"running"`
	Workers   int   `json:"workers"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Requeued  int64 `json:"requeued"`
	Purged    int64 `json:"purged"`
}

// Worker claims queued jobs and ingests them.
type Worker struct {
	jobs     JobStore
	ingester Ingester
	cfg      Config
	lock     *flock.Flock

	running   atomic.Bool
	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	requeued  atomic.Int64
	purged    atomic.Int64
}

// New creates a Worker.
func New(jobs JobStore, ingester Ingester, cfg Config) *Worker {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = time.Hour
	}
	if cfg.LockPath == "" {
		cfg.LockPath = "obd2-worker.lock"
	}
	return &Worker{
		jobs:     jobs,
		ingester: ingester,
		cfg:      cfg,
		lock:     flock.New(cfg.LockPath),
	}
}

// Run processes jobs until ctx is cancelled. It returns ErrLocked if
// another worker owns the lock file, and nil on a clean shutdown.
func (w *Worker) Run(ctx context.Context) error {
	if dir := filepath.Dir(w.cfg.LockPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create lock dir: %w", err)
		}
	}
	ok, err := w.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w (%s)", ErrLocked, w.cfg.LockPath)
	}
	defer func() {
		if err := w.lock.Unlock(); err != nil {
			logging.FromContext(ctx).Warn("failed to release worker lock", "error", err)
		}
	}()

	log := logging.FromContext(ctx)

	// Nothing can be running while we hold the lock, so anything marked
	// running was left behind by a crash.
	if n, err := w.jobs.ResetStale(ctx); err != nil {
		return err
	} else if n > 0 {
		log.Warn("reset stale jobs", "count", n)
	}

	w.running.Store(true)
	defer w.running.Store(false)
	log.Info("worker started", "workers", w.cfg.Workers, "lock", w.cfg.LockPath)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Workers; i++ {
		g.Go(func() error {
			w.loop(gctx)
			return nil
		})
	}
	g.Go(func() error {
		w.maintain(gctx)
		return nil
	})

	err = g.Wait()
	log.Info("worker stopped")
	return err
}

// Stats returns a snapshot of the worker counters.
func (w *Worker) Stats() Stats {
	return Stats{
		Running:   w.running.Load(),
		Workers:   w.cfg.Workers,
		Active:    w.active.Load(),
		Completed: w.completed.Load(),
		Failed:    w.failed.Load(),
		Requeued:  w.requeued.Load(),
		Purged:    w.purged.Load(),
	}
}
