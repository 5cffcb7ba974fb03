package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/obd2ingest/internal/logging"
)

// resultRetention is how long a finished run stays queryable.
const resultRetention = 5 * time.Minute

// ErrIngestNotFound is returned for an unknown or expired run ID.
var ErrIngestNotFound = errors.New("ingest not found")

// ErrAlreadyIngested is returned when a file's checksum matches a stored trip.
var ErrAlreadyIngested = errors.New("file was already ingested")

// Service runs ingest pipelines, bounded by a Limiter. Each run owns its
// own parser state; the Parser itself is shared.
type Service struct {
	parser  *Parser
	limiter *Limiter
	timeout time.Duration

	mu   sync.RWMutex
	runs map[string]*activeIngest
}

type activeIngest struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	progress  IngestProgress
	result    *ParseResult
	err       error
	listeners []chan IngestProgress
}

// NewService creates a Service. timeout bounds each pipeline run; zero or
// less leaves runs bounded only by the caller's context.
func NewService(parser *Parser, limiter *Limiter, timeout time.Duration) *Service {
	if limiter == nil {
		limiter = NewLimiter(0, 0)
	}
	return &Service{
		parser:  parser,
		limiter: limiter,
		timeout: timeout,
		runs:    make(map[string]*activeIngest),
	}
}

// Ingest runs one pipeline synchronously. It returns ErrTooManyIngests if
// no slot frees up in time. A temporary source is removed on every path.
func (s *Service) Ingest(ctx context.Context, src Source, progress ProgressFunc) (*ParseResult, error) {
	if err := s.limiter.Acquire(ctx); err != nil {
		removeTemporary(ctx, src)
		return nil, err
	}
	defer s.limiter.Release()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.parser.ParseFile(ctx, src, progress)
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// StartIngest begins an asynchronous ingest and returns its run ID. Use
// SubscribeProgress for updates and Result for the outcome.
//
// The run outlives ctx: only ctx's values are kept. Cancel stops it.
func (s *Service) StartIngest(ctx context.Context, src Source) (string, error) {
	if err := s.limiter.Acquire(ctx); err != nil {
		removeTemporary(ctx, src)
		return "", err
	}

	runID := uuid.NewString()
	runCtx, cancel := s.withTimeout(context.WithoutCancel(ctx))

	run := &activeIngest{
		id:     runID,
		cancel: cancel,
		done:   make(chan struct{}),
		progress: IngestProgress{
			RunID:    runID,
			FileName: src.Name,
			Phase:    PhaseStarting,
		},
	}

	s.mu.Lock()
	s.runs[runID] = run
	s.mu.Unlock()

	go func() {
		defer s.limiter.Release()
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				logging.FromContext(runCtx).Error("panic in ingest", "run_id", runID, "panic", r)
				run.finish(nil, fmt.Errorf("internal error: %v", r))
				s.cleanup(runID, resultRetention)
			}
		}()

		res, err := s.parser.ParseFile(runCtx, src, run.update)
		run.finish(res, err)
		s.cleanup(runID, resultRetention)
	}()

	return runID, nil
}

// SubscribeProgress returns a channel of progress updates. It receives the
// current state immediately and is closed when the run ends. Slow readers
// miss intermediate updates, never the close.
func (s *Service) SubscribeProgress(runID string) (<-chan IngestProgress, error) {
	run, err := s.lookup(runID)
	if err != nil {
		return nil, err
	}

	ch := make(chan IngestProgress, 10)

	run.mu.Lock()
	defer run.mu.Unlock()
	ch <- run.progress
	select {
	case <-run.done:
		close(ch)
	default:
		run.listeners = append(run.listeners, ch)
	}
	return ch, nil
}

// Progress returns the current progress without blocking.
func (s *Service) Progress(runID string) (IngestProgress, error) {
	run, err := s.lookup(runID)
	if err != nil {
		return IngestProgress{}, err
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.progress, nil
}

// Cancel stops an in-progress run. The trip moves to error.
func (s *Service) Cancel(runID string) error {
	run, err := s.lookup(runID)
	if err != nil {
		return err
	}
	run.cancel()
	return nil
}

// Result blocks until the run finishes or ctx ends.
func (s *Service) Result(ctx context.Context, runID string) (*ParseResult, error) {
	run, err := s.lookup(runID)
	if err != nil {
		return nil, err
	}
	select {
	case <-run.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.result, run.err
}

// WaitForIngests blocks until no pipeline is running.
func (s *Service) WaitForIngests(ctx context.Context) error {
	return s.limiter.WaitForDrain(ctx)
}

// LimiterStatus reports pipeline slot usage.
func (s *Service) LimiterStatus() LimiterStatus {
	return s.limiter.Status()
}

func (s *Service) lookup(runID string) (*activeIngest, error) {
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIngestNotFound, runID)
	}
	return run, nil
}

// cleanup forgets a finished run after a delay.
func (s *Service) cleanup(runID string, delay time.Duration) {
	time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.runs, runID)
		s.mu.Unlock()
	})
}

// update records progress and fans it out to listeners.
func (run *activeIngest) update(p IngestProgress) {
	run.mu.Lock()
	defer run.mu.Unlock()

	p.RunID = run.id
	run.progress = p
	run.broadcast()
}

func (run *activeIngest) finish(res *ParseResult, err error) {
	run.mu.Lock()
	defer run.mu.Unlock()

	select {
	case <-run.done:
		return
	default:
	}

	run.result, run.err = res, err
	if res != nil {
		run.progress.TripID = res.TripID
		run.progress.Rows = res.TotalRows
		run.progress.Skipped = res.SkippedRows
		run.progress.PointsWritten = res.PointsWritten
	}
	switch {
	case err == nil:
		run.progress.Phase = PhaseComplete
	case errors.Is(err, context.Canceled):
		run.progress.Phase = PhaseCancelled
		run.progress.Error = err.Error()
	default:
		run.progress.Phase = PhaseFailed
		run.progress.Error = err.Error()
	}
	run.broadcast()

	for _, ch := range run.listeners {
		close(ch)
	}
	run.listeners = nil
	close(run.done)
}

// broadcast must be called with run.mu held.
func (run *activeIngest) broadcast() {
	for _, ch := range run.listeners {
		select {
		case ch <- run.progress:
		default:
		}
	}
}

func removeTemporary(ctx context.Context, src Source) {
	if !src.Temporary {
		return
	}
	if err := os.Remove(src.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.FromContext(ctx).Warn("failed to remove source file", "path", src.Path, "error", err)
	}
}
