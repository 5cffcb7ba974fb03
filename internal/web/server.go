// Package web provides the ops HTTP server: health probes, queue and
// pipeline status, and uploads into the ingest queue.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/obd2ingest/internal/catalog"
	"github.com/JonMunkholm/obd2ingest/internal/core"
	"github.com/JonMunkholm/obd2ingest/internal/logging"
	"github.com/JonMunkholm/obd2ingest/internal/queue"
	"github.com/JonMunkholm/obd2ingest/internal/web/middleware"
	"github.com/JonMunkholm/obd2ingest/internal/worker"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// JobQueue is the part of queue.Store the server uses.
type JobQueue interface {
	Pinger
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*queue.Job, error)
	Get(ctx context.Context, id int64) (*queue.Job, error)
	List(ctx context.Context, limit int, statuses ...queue.Status) ([]*queue.Job, error)
	Counts(ctx context.Context) (map[queue.Status]int, error)
}

// Ingester runs direct, non-queued ingests. *core.Service implements it.
type Ingester interface {
	StartIngest(ctx context.Context, src core.Source) (string, error)
	SubscribeProgress(runID string) (<-chan core.IngestProgress, error)
	Result(ctx context.Context, runID string) (*core.ParseResult, error)
	Cancel(runID string) error
	LimiterStatus() core.LimiterStatus
}

// Deps are the components the server reports on. DB and Ingest are nil
// when no database is configured; their routes then answer 503.
type Deps struct {
	DB       Pinger
	Queue    JobQueue
	Ingest   Ingester
	Catalog  *catalog.Catalog
	Worker   func() worker.Stats
	SpoolDir string
}

// Options configures the HTTP layer.
type Options struct {
	TrustedProxies []string
	MaxUploadSize  int64
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RateLimit      int // requests per minute per client, 0 disables
}

// Server is the ops HTTP server.
type Server struct {
	deps    Deps
	opts    Options
	started time.Time
	router  *chi.Mux
}

// NewServer creates a Server.
func NewServer(deps Deps, opts Options) *Server {
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = 256 << 20
	}
	s := &Server{
		deps:    deps,
		opts:    opts,
		started: time.Now(),
		router:  chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(chimw.RequestID)
	s.router.Use(middleware.TrustedRealIP(s.opts.TrustedProxies))
	s.router.Use(middleware.Logger)
	s.router.Use(chimw.Recoverer)
	s.router.Use(securityHeaders)
	if s.opts.RateLimit > 0 {
		s.router.Use(newRateLimiter(s.opts.RateLimit, time.Minute).middleware)
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/readyz", s.handleReady)
	s.router.Get("/status", s.handleStatus)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/catalog", s.handleCatalog)

		r.Post("/uploads", s.handleUpload)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{jobID}", s.handleGetJob)

		r.Post("/ingest", s.handleStartIngest)
		r.Get("/ingest/{runID}/progress", s.handleIngestProgress)
		r.Get("/ingest/{runID}/result", s.handleIngestResult)
		r.Post("/ingest/{runID}/cancel", s.handleCancelIngest)
	})
}

// Serve listens on addr until ctx ends, then shuts down gracefully within
// shutdownTimeout. It returns nil after a clean shutdown.
func (s *Server) Serve(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  s.opts.IdleTimeout,
		BaseContext:  func(_ net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	errCh := make(chan error, 1)
	go func() {
		logging.FromContext(ctx).Info("ops server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logging.FromContext(ctx).Info("ops server stopped")
	return nil
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// securityHeaders adds security headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// rateLimiter implements a fixed-window limit per client IP.
type rateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     int
	window   time.Duration
}

type visitor struct {
	tokens    int
	lastReset time.Time
}

func newRateLimiter(rate int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		window:   window,
	}
}

// allow consumes a token for ip. Stale visitors are dropped on the way so
// the map does not need a sweeper goroutine.
func (rl *rateLimiter) allow(ip string, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if len(rl.visitors) > 1024 {
		for k, v := range rl.visitors {
			if now.Sub(v.lastReset) > rl.window*2 {
				delete(rl.visitors, k)
			}
		}
	}

	v, exists := rl.visitors[ip]
	if !exists || now.Sub(v.lastReset) > rl.window {
		rl.visitors[ip] = &visitor{tokens: rl.rate - 1, lastReset: now}
		return true
	}
	if v.tokens <= 0 {
		return false
	}
	v.tokens--
	return true
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// RemoteAddr was already rewritten by TrustedRealIP.
		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
		if !rl.allow(ip, time.Now()) {
			w.Header().Set("Retry-After", "60")
			writeError(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeJSON encodes v as JSON with the given status.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(r.Context()).Warn("json encode error", "error", err)
	}
}
