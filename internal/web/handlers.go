package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/obd2ingest/internal/core"
	"github.com/JonMunkholm/obd2ingest/internal/queue"
	"github.com/JonMunkholm/obd2ingest/internal/worker"
)

const probeTimeout = 2 * time.Second

// handleHealth reports liveness only.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady pings every configured backing store.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	checks := map[string]string{}
	ready := true
	probe := func(name string, p Pinger) {
		if p == nil {
			checks[name] = "disabled"
			return
		}
		if err := p.Ping(ctx); err != nil {
			checks[name] = "down: " + err.Error()
			ready = false
			return
		}
		checks[name] = "up"
	}
	probe("database", s.deps.DB)
	probe("queue", s.deps.Queue)

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, map[string]any{"ready": ready, "checks": checks})
}

type statusResponse struct {
	Uptime   string               `json:"uptime"`
	Limiter  *core.LimiterStatus  `json:"limiter,omitempty"`
	Queue    map[queue.Status]int `json:"queue,omitempty"`
	Worker   *worker.Stats        `json:"worker,omitempty"`
	Catalog  map[string]int       `json:"catalog,omitempty"`
	Database string               `json:"database"`
}

// handleStatus summarizes pipeline, queue and catalog state.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	resp := statusResponse{
		Uptime:   time.Since(s.started).Round(time.Second).String(),
		Database: "disabled",
	}
	if s.deps.Ingest != nil {
		st := s.deps.Ingest.LimiterStatus()
		resp.Limiter = &st
	}
	if s.deps.Queue != nil {
		counts, err := s.deps.Queue.Counts(ctx)
		if err != nil {
			respondError(w, r, err, http.StatusInternalServerError)
			return
		}
		resp.Queue = counts
	}
	if s.deps.Worker != nil {
		st := s.deps.Worker()
		resp.Worker = &st
	}
	if s.deps.Catalog != nil {
		resp.Catalog = map[string]int{
			"columns":  s.deps.Catalog.Len(),
			"variants": s.deps.Catalog.VariantCount(),
		}
	}
	if s.deps.DB != nil {
		resp.Database = "up"
		if err := s.deps.DB.Ping(ctx); err != nil {
			resp.Database = "down"
		}
	}
	writeJSON(w, r, http.StatusOK, resp)
}

type columnResponse struct {
	Name     string   `json:"name"`
	Category string   `json:"category"`
	Unit     string   `json:"unit,omitempty"`
	Active   bool     `json:"active"`
	Variants []string `json:"variants"`
}

// handleCatalog lists canonical columns and their header variants.
func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	if s.deps.Catalog == nil {
		writeError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "catalog not loaded")
		return
	}
	category := r.URL.Query().Get("category")

	cols := make([]columnResponse, 0, s.deps.Catalog.Len())
	for _, c := range s.deps.Catalog.Columns() {
		if category != "" && string(c.Category) != category {
			continue
		}
		variants := make([]string, 0, len(c.Variants))
		for _, v := range c.Variants {
			variants = append(variants, v.Name)
		}
		cols = append(cols, columnResponse{
			Name:     c.Name,
			Category: string(c.Category),
			Unit:     c.Unit,
			Active:   c.Active,
			Variants: variants,
		})
	}
	writeJSON(w, r, http.StatusOK, cols)
}

// receiveFile copies the multipart "file" field into the spool directory.
// It writes the error response itself and reports false on failure.
func (s *Server) receiveFile(w http.ResponseWriter, r *http.Request) (path, name string, ok bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "FILE003",
				fmt.Sprintf("file too large: limit is %d bytes", tooBig.Limit))
			return "", "", false
		}
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid multipart form")
		return "", "", false
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "no file provided")
		return "", "", false
	}
	defer file.Close()

	name = filepath.Base(header.Filename)
	ext := strings.ToLower(filepath.Ext(name))
	if ext != ".csv" && ext != ".zip" {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "only .csv and .zip files are accepted")
		return "", "", false
	}

	if err := os.MkdirAll(s.deps.SpoolDir, 0o755); err != nil {
		respondError(w, r, err, http.StatusInternalServerError)
		return "", "", false
	}
	out, err := os.CreateTemp(s.deps.SpoolDir, "upload-*"+ext)
	if err != nil {
		respondError(w, r, err, http.StatusInternalServerError)
		return "", "", false
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		os.Remove(out.Name())
		respondError(w, r, err, http.StatusInternalServerError)
		return "", "", false
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		respondError(w, r, err, http.StatusInternalServerError)
		return "", "", false
	}
	return out.Name(), name, true
}

type jobResponse struct {
	ID         int64        `json:"id"`
	FileName   string       `json:"file_name"`
	Checksum   string       `json:"checksum"`
	Status     queue.Status `json:"status"`
	Attempts   int          `json:"attempts"`
	TripID     string       `json:"trip_id,omitempty"`
	Error      string       `json:"error,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	StartedAt  *time.Time   `json:"started_at,omitempty"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
}

func toJobResponse(j *queue.Job) jobResponse {
	return jobResponse{
		ID:         j.ID,
		FileName:   j.FileName,
		Checksum:   j.Checksum,
		Status:     j.Status,
		Attempts:   j.Attempts,
		TripID:     j.TripID,
		Error:      j.ErrorMessage,
		CreatedAt:  j.CreatedAt,
		StartedAt:  j.StartedAt,
		FinishedAt: j.FinishedAt,
	}
}

// handleUpload spools an uploaded log and queues it for the worker.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		writeError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "queue not configured")
		return
	}
	path, name, ok := s.receiveFile(w, r)
	if !ok {
		return
	}

	sum, err := core.FileChecksum(path)
	if err != nil {
		os.Remove(path)
		respondError(w, r, err, http.StatusInternalServerError)
		return
	}

	force, _ := strconv.ParseBool(r.FormValue("force"))
	job, err := s.deps.Queue.Enqueue(r.Context(), queue.EnqueueRequest{
		Path:     path,
		FileName: name,
		Checksum: sum,
		Force:    force,
	})
	if err != nil {
		os.Remove(path)
		respondError(w, r, err, 0)
		return
	}
	writeJSON(w, r, http.StatusAccepted, toJobResponse(job))
}

// handleListJobs lists recent jobs, optionally filtered by ?status=a,b.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		writeError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "queue not configured")
		return
	}
	var statuses []queue.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			statuses = append(statuses, queue.Status(strings.TrimSpace(part)))
		}
	}

	jobs, err := s.deps.Queue.List(r.Context(), parseLimit(r), statuses...)
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobResponse(j))
	}
	writeJSON(w, r, http.StatusOK, out)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		writeError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "queue not configured")
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "jobID"), 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid job ID")
		return
	}
	job, err := s.deps.Queue.Get(r.Context(), id)
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	writeJSON(w, r, http.StatusOK, toJobResponse(job))
}

// handleStartIngest runs an uploaded file immediately instead of queueing
// it. Progress is streamed from /api/ingest/{runID}/progress.
func (s *Server) handleStartIngest(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ingest == nil {
		writeError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "database not configured")
		return
	}
	path, name, ok := s.receiveFile(w, r)
	if !ok {
		return
	}

	// StartIngest removes the temporary file on every path.
	runID, err := s.deps.Ingest.StartIngest(r.Context(), core.Source{Path: path, Name: name, Temporary: true})
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]string{"run_id": runID})
}

// handleIngestProgress streams progress as Server-Sent Events. The event ID
// is the byte percentage, so a reconnecting client that sends
// Last-Event-ID skips updates it already has.
func (s *Server) handleIngestProgress(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ingest == nil {
		writeError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "database not configured")
		return
	}
	lastEventID := -1
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			lastEventID = n
		}
	}

	progressCh, err := s.deps.Ingest.SubscribeProgress(chi.URLParam(r, "runID"))
	if err != nil {
		respondError(w, r, err, 0)
		return
	}

	// Streams outlive the server write timeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	for {
		select {
		case progress, ok := <-progressCh:
			if !ok {
				fmt.Fprint(w, "event: complete\ndata: {}\n\n")
				_ = rc.Flush()
				return
			}
			pct := progress.Percent()
			if pct <= lastEventID && progress.Phase != core.PhaseComplete {
				continue
			}
			data, _ := json.Marshal(progress)
			fmt.Fprintf(w, "id: %d\nevent: progress\ndata: %s\n\n", pct, data)
			_ = rc.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// handleIngestResult returns the outcome of a run. It answers 202 with the
// current progress while the run is active unless ?wait=true.
func (s *Server) handleIngestResult(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ingest == nil {
		writeError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "database not configured")
		return
	}
	runID := chi.URLParam(r, "runID")
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))

	ctx := r.Context()
	if !wait {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
	}

	res, err := s.deps.Ingest.Result(ctx, runID)
	if err != nil && !wait && errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil {
		writeJSON(w, r, http.StatusAccepted, map[string]string{"run_id": runID, "status": "running"})
		return
	}
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

func (s *Server) handleCancelIngest(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ingest == nil {
		writeError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "database not configured")
		return
	}
	if err := s.deps.Ingest.Cancel(chi.URLParam(r, "runID")); err != nil {
		respondError(w, r, err, 0)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "cancelled"})
}

// parseLimit reads ?limit, defaulting to 50 and capping at 500.
func parseLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n < 1 {
		return 50
	}
	if n > 500 {
		return 500
	}
	return n
}
