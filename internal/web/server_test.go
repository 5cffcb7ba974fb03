package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/obd2ingest/internal/catalog"
	"github.com/JonMunkholm/obd2ingest/internal/core"
	"github.com/JonMunkholm/obd2ingest/internal/queue"
	"github.com/JonMunkholm/obd2ingest/internal/worker"
)

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

// fakeQueue keeps jobs in memory and rejects a repeated checksum.
type fakeQueue struct {
	mu   sync.Mutex
	jobs []*queue.Job
	err  error
}

func (q *fakeQueue) Ping(context.Context) error { return q.err }

func (q *fakeQueue) Enqueue(_ context.Context, req queue.EnqueueRequest) (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.jobs {
		if j.Checksum == req.Checksum {
			return nil, queue.ErrAlreadyQueued
		}
	}
	job := &queue.Job{
		ID:        int64(len(q.jobs) + 1),
		Path:      req.Path,
		FileName:  req.FileName,
		Checksum:  req.Checksum,
		Status:    queue.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	q.jobs = append(q.jobs, job)
	return job, nil
}

func (q *fakeQueue) Get(_ context.Context, id int64) (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.jobs {
		if j.ID == id {
			return j, nil
		}
	}
	return nil, queue.ErrNotFound
}

func (q *fakeQueue) List(_ context.Context, limit int, statuses ...queue.Status) ([]*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*queue.Job
	for _, j := range q.jobs {
		if len(statuses) > 0 && !containsStatus(statuses, j.Status) {
			continue
		}
		out = append(out, j)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func containsStatus(list []queue.Status, s queue.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (q *fakeQueue) Counts(context.Context) (map[queue.Status]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := map[queue.Status]int{}
	for _, s := range queue.AllStatuses {
		counts[s] = 0
	}
	for _, j := range q.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

// stubIngester never finishes a run.
type stubIngester struct {
	startErr error
}

func (s *stubIngester) StartIngest(_ context.Context, src core.Source) (string, error) {
	if src.Temporary {
		os.Remove(src.Path)
	}
	if s.startErr != nil {
		return "", s.startErr
	}
	return "run-1", nil
}

func (s *stubIngester) SubscribeProgress(runID string) (<-chan core.IngestProgress, error) {
	if runID != "run-1" {
		return nil, core.ErrIngestNotFound
	}
	ch := make(chan core.IngestProgress, 2)
	ch <- core.IngestProgress{RunID: runID, Phase: core.PhaseReading}
	close(ch)
	return ch, nil
}

func (s *stubIngester) Result(ctx context.Context, runID string) (*core.ParseResult, error) {
	if runID != "run-1" {
		return nil, core.ErrIngestNotFound
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *stubIngester) Cancel(runID string) error {
	if runID != "run-1" {
		return core.ErrIngestNotFound
	}
	return nil
}

func (s *stubIngester) LimiterStatus() core.LimiterStatus {
	return core.LimiterStatus{Active: 1, Available: 1, MaxConcurrent: 2}
}

func newTestServer(t *testing.T, deps Deps, opts Options) *Server {
	t.Helper()
	if deps.SpoolDir == "" {
		deps.SpoolDir = t.TempDir()
	}
	return NewServer(deps, opts)
}

func do(t *testing.T, s *Server, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func uploadRequest(t *testing.T, target, filename string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

const sampleCSV = "Device Time,Engine RPM(rpm)\n2024-03-01 10:00:00,800\n"

func TestHealthz(t *testing.T) {
	s := newTestServer(t, Deps{}, Options{})
	rec := do(t, s, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get("Content-Type"))
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name   string
		deps   Deps
		status int
		checks map[string]string
	}{
		{
			name:   "nothing configured",
			deps:   Deps{},
			status: http.StatusOK,
			checks: map[string]string{"database": "disabled", "queue": "disabled"},
		},
		{
			name:   "all up",
			deps:   Deps{DB: fakePinger{}, Queue: &fakeQueue{}},
			status: http.StatusOK,
			checks: map[string]string{"database": "up", "queue": "up"},
		},
		{
			name:   "database down",
			deps:   Deps{DB: fakePinger{err: errors.New("connection refused")}, Queue: &fakeQueue{}},
			status: http.StatusServiceUnavailable,
			checks: map[string]string{"database": "down: connection refused", "queue": "up"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, tt.deps, Options{})
			rec := do(t, s, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			assert.Equal(t, tt.status, rec.Code)
			body := decode[struct {
				Ready  bool              `json:"ready"`
				Checks map[string]string `json:"checks"`
			}](t, rec)
			assert.Equal(t, tt.status == http.StatusOK, body.Ready)
			assert.Equal(t, tt.checks, body.Checks)
		})
	}
}

func TestStatus(t *testing.T) {
	cat := catalog.MustDefault()
	q := &fakeQueue{}
	_, err := q.Enqueue(context.Background(), queue.EnqueueRequest{Path: "/tmp/a.csv", FileName: "a.csv", Checksum: "a"})
	require.NoError(t, err)

	s := newTestServer(t, Deps{
		DB:      fakePinger{},
		Queue:   q,
		Ingest:  &stubIngester{},
		Catalog: cat,
		Worker:  func() worker.Stats { return worker.Stats{Running: true, Workers: 2, Completed: 5} },
	}, Options{})

	rec := do(t, s, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[statusResponse](t, rec)
	assert.Equal(t, "up", body.Database)
	assert.Equal(t, 1, body.Queue[queue.StatusPending])
	assert.Equal(t, 0, body.Queue[queue.StatusFailed])
	require.NotNil(t, body.Limiter)
	assert.Equal(t, 2, body.Limiter.MaxConcurrent)
	require.NotNil(t, body.Worker)
	assert.Equal(t, int64(5), body.Worker.Completed)
	assert.Equal(t, cat.Len(), body.Catalog["columns"])
	assert.Equal(t, cat.VariantCount(), body.Catalog["variants"])
}

func TestCatalog_FilterByCategory(t *testing.T) {
	cat := catalog.MustDefault()
	s := newTestServer(t, Deps{Catalog: cat}, Options{})

	rec := do(t, s, httptest.NewRequest(http.MethodGet, "/api/catalog?category=lambda", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	cols := decode[[]columnResponse](t, rec)
	assert.Len(t, cols, len(cat.ByCategory(catalog.CategoryLambda)))
	for _, c := range cols {
		assert.Equal(t, "lambda", c.Category)
		assert.NotEmpty(t, c.Variants)
	}
}

func TestCatalog_NotLoaded(t *testing.T) {
	s := newTestServer(t, Deps{}, Options{})
	rec := do(t, s, httptest.NewRequest(http.MethodGet, "/api/catalog", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestUpload(t *testing.T) {
	q := &fakeQueue{}
	spool := t.TempDir()
	s := newTestServer(t, Deps{Queue: q, SpoolDir: spool}, Options{})

	rec := do(t, s, uploadRequest(t, "/api/uploads", "trackLog.csv", []byte(sampleCSV)))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	job := decode[jobResponse](t, rec)
	assert.Equal(t, int64(1), job.ID)
	assert.Equal(t, "trackLog.csv", job.FileName)
	assert.Equal(t, queue.StatusPending, job.Status)
	assert.Len(t, job.Checksum, 64)
	require.Len(t, q.jobs, 1)
	assert.FileExists(t, q.jobs[0].Path)

	// Same content again is a duplicate and leaves no extra spool file.
	rec = do(t, s, uploadRequest(t, "/api/uploads", "copy.csv", []byte(sampleCSV)))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ING008", decode[ErrorResponse](t, rec).Code)

	entries, err := os.ReadDir(spool)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestUpload_Rejects(t *testing.T) {
	t.Run("bad extension", func(t *testing.T) {
		s := newTestServer(t, Deps{Queue: &fakeQueue{}}, Options{})
		rec := do(t, s, uploadRequest(t, "/api/uploads", "notes.txt", []byte("hello")))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("no file field", func(t *testing.T) {
		s := newTestServer(t, Deps{Queue: &fakeQueue{}}, Options{})
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		require.NoError(t, mw.WriteField("force", "true"))
		require.NoError(t, mw.Close())
		req := httptest.NewRequest(http.MethodPost, "/api/uploads", &body)
		req.Header.Set("Content-Type", mw.FormDataContentType())

		rec := do(t, s, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("too large", func(t *testing.T) {
		s := newTestServer(t, Deps{Queue: &fakeQueue{}}, Options{MaxUploadSize: 64})
		rec := do(t, s, uploadRequest(t, "/api/uploads", "big.csv", bytes.Repeat([]byte("1,2\n"), 100)))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.Equal(t, "FILE003", decode[ErrorResponse](t, rec).Code)
	})

	t.Run("no queue", func(t *testing.T) {
		s := newTestServer(t, Deps{}, Options{})
		rec := do(t, s, uploadRequest(t, "/api/uploads", "a.csv", []byte(sampleCSV)))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestJobs(t *testing.T) {
	q := &fakeQueue{}
	ctx := context.Background()
	for i := range 3 {
		_, err := q.Enqueue(ctx, queue.EnqueueRequest{Path: "/x", FileName: fmt.Sprintf("%d.csv", i), Checksum: fmt.Sprint(i)})
		require.NoError(t, err)
	}
	q.jobs[2].Status = queue.StatusFailed
	s := newTestServer(t, Deps{Queue: q}, Options{})

	rec := do(t, s, httptest.NewRequest(http.MethodGet, "/api/jobs?status=failed", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	jobs := decode[[]jobResponse](t, rec)
	require.Len(t, jobs, 1)
	assert.Equal(t, int64(3), jobs[0].ID)

	rec = do(t, s, httptest.NewRequest(http.MethodGet, "/api/jobs?limit=2", nil))
	assert.Len(t, decode[[]jobResponse](t, rec), 2)

	rec = do(t, s, httptest.NewRequest(http.MethodGet, "/api/jobs/2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1.csv", decode[jobResponse](t, rec).FileName)

	rec = do(t, s, httptest.NewRequest(http.MethodGet, "/api/jobs/99", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, httptest.NewRequest(http.MethodGet, "/api/jobs/abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngest(t *testing.T) {
	spool := t.TempDir()
	s := newTestServer(t, Deps{Ingest: &stubIngester{}, SpoolDir: spool}, Options{})

	rec := do(t, s, uploadRequest(t, "/api/ingest", "trackLog.csv", []byte(sampleCSV)))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "run-1", decode[map[string]string](t, rec)["run_id"])

	entries, err := os.ReadDir(spool)
	require.NoError(t, err)
	assert.Empty(t, entries, "temporary upload is handed to the ingester")

	rec = do(t, s, httptest.NewRequest(http.MethodGet, "/api/ingest/run-1/result", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "running", decode[map[string]string](t, rec)["status"])

	rec = do(t, s, httptest.NewRequest(http.MethodGet, "/api/ingest/nope/result", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, httptest.NewRequest(http.MethodPost, "/api/ingest/run-1/cancel", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIngest_Busy(t *testing.T) {
	s := newTestServer(t, Deps{Ingest: &stubIngester{startErr: core.ErrTooManyIngests}}, Options{})
	rec := do(t, s, uploadRequest(t, "/api/ingest", "trackLog.csv", []byte(sampleCSV)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestIngestProgress_Stream(t *testing.T) {
	s := newTestServer(t, Deps{Ingest: &stubIngester{}}, Options{})
	rec := do(t, s, httptest.NewRequest(http.MethodGet, "/api/ingest/run-1/progress", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "event: progress")
	assert.Contains(t, body, `"Phase":"reading"`)
	assert.Contains(t, body, "event: complete")
}

func TestRateLimiter(t *testing.T) {
	rl := newRateLimiter(2, time.Minute)
	now := time.Now()

	assert.True(t, rl.allow("10.0.0.1", now))
	assert.True(t, rl.allow("10.0.0.1", now))
	assert.False(t, rl.allow("10.0.0.1", now))
	assert.True(t, rl.allow("10.0.0.2", now), "limits are per client")
	assert.True(t, rl.allow("10.0.0.1", now.Add(61*time.Second)), "window resets")
}

func TestRateLimiter_Middleware(t *testing.T) {
	s := newTestServer(t, Deps{}, Options{RateLimit: 1})

	assert.Equal(t, http.StatusOK, do(t, s, httptest.NewRequest(http.MethodGet, "/healthz", nil)).Code)
	rec := do(t, s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{queue.ErrAlreadyQueued, http.StatusConflict},
		{fmt.Errorf("enqueue: %w", queue.ErrAlreadyIngested), http.StatusConflict},
		{queue.ErrNotFound, http.StatusNotFound},
		{core.ErrIngestNotFound, http.StatusNotFound},
		{core.ErrTooManyIngests, http.StatusServiceUnavailable},
		{&core.HeaderError{}, http.StatusUnprocessableEntity},
		{core.ErrNoCSVInArchive, http.StatusUnprocessableEntity},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestParseLimit(t *testing.T) {
	for raw, want := range map[string]int{"": 50, "0": 50, "-3": 50, "abc": 50, "20": 20, "9999": 500} {
		r := httptest.NewRequest(http.MethodGet, "/api/jobs?limit="+raw, nil)
		assert.Equal(t, want, parseLimit(r), "limit=%q", raw)
	}
}
