package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/obd2ingest/internal/core"
	"github.com/JonMunkholm/obd2ingest/internal/logging"
	"github.com/JonMunkholm/obd2ingest/internal/queue"
)

// loop claims and processes jobs until ctx ends, sleeping for the poll
// interval whenever the queue is empty or the store errors.
func (w *Worker) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := w.jobs.Claim(ctx)
		if err != nil && ctx.Err() == nil {
			logging.FromContext(ctx).Error("claim failed", "error", err)
		}
		if job == nil {
			if !sleep(ctx, w.cfg.PollInterval) {
				return
			}
			continue
		}

		if !w.process(ctx, job) {
			// Ingest slots were busy; back off before claiming again.
			if !sleep(ctx, w.cfg.PollInterval) {
				return
			}
		}
	}
}

// process runs one claimed job. It reports false when the job was handed
// back to the queue untouched.
func (w *Worker) process(ctx context.Context, job *queue.Job) bool {
	ctx = logging.WithJob(ctx, job.ID)
	log := logging.WithFields(ctx, "file", job.FileName, "attempt", job.Attempts)

	w.active.Add(1)
	defer w.active.Add(-1)

	started := time.Now()
	log.Info("job started")

	// The spool file is removed here rather than by the parser, on every
	// terminal outcome. Only a requeued job keeps it.
	src := core.Source{Path: job.Path, Name: job.FileName, Checksum: job.Checksum}
	res, err := w.ingester.Ingest(ctx, src, nil)

	// Use a fresh context for bookkeeping: ctx may already be cancelled.
	bg := context.WithoutCancel(ctx)

	switch {
	case errors.Is(err, core.ErrTooManyIngests):
		if rqErr := w.jobs.Requeue(bg, job.ID); rqErr != nil {
			log.Error("requeue failed", "error", rqErr)
		}
		w.requeued.Add(1)
		log.Debug("ingest slots busy, job requeued")
		return false

	case err != nil && ctx.Err() != nil:
		tripID := failedTrip(res, err)
		if fErr := w.jobs.Fail(bg, job.ID, tripID, fmt.Errorf("interrupted by shutdown: %w", err)); fErr != nil {
			log.Error("failed to record job interruption", "error", fErr)
		}
		w.failed.Add(1)
		log.Warn("job interrupted by shutdown", "error", err, "trip_id", tripID)

	case err != nil:
		tripID := failedTrip(res, err)
		if fErr := w.jobs.Fail(bg, job.ID, tripID, err); fErr != nil {
			log.Error("failed to record job failure", "error", fErr)
		}
		w.failed.Add(1)
		log.Error("job failed", "error", err, "trip_id", tripID,
			"duration_ms", time.Since(started).Milliseconds())

	default:
		if cErr := w.jobs.Complete(bg, job.ID, res.TripID.String()); cErr != nil {
			log.Error("failed to record job completion", "error", cErr)
		}
		w.completed.Add(1)
		log.Info("job completed",
			"trip_id", res.TripID,
			"rows", res.TotalRows,
			"points", res.PointsWritten,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	}

	removeSpool(ctx, job.Path)
	return true
}

// failedTrip returns the trip a failed ingest created, if any.
func failedTrip(res *core.ParseResult, err error) string {
	if res != nil && res.TripID != uuid.Nil {
		return res.TripID.String()
	}
	var loadErr *core.LoadError
	if errors.As(err, &loadErr) && loadErr.TripID != uuid.Nil {
		return loadErr.TripID.String()
	}
	return ""
}

// maintain purges old jobs once at start and then on every interval.
func (w *Worker) maintain(ctx context.Context) {
	w.runMaintenance(ctx)

	ticker := time.NewTicker(w.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runMaintenance(ctx)
		}
	}
}

func (w *Worker) runMaintenance(ctx context.Context) {
	log := logging.FromContext(ctx)
	start := time.Now()

	purged, err := w.jobs.Purge(ctx, w.cfg.Retention)
	if err != nil {
		if ctx.Err() == nil {
			log.Error("purge failed", "error", err)
		}
		return
	}
	for _, job := range purged {
		removeSpool(ctx, job.Path)
	}
	w.purged.Add(int64(len(purged)))

	if len(purged) > 0 {
		log.Info("purged finished jobs",
			"count", len(purged),
			"retention", w.cfg.Retention.String(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

func removeSpool(ctx context.Context, path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.FromContext(ctx).Warn("failed to remove spool file", "path", path, "error", err)
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
