package queue

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped whenever schema.sql changes. The queue holds only
// in-flight work, so a mismatch asks the operator to delete the file.
const schemaVersion = 1

var (
	// ErrSchemaMismatch indicates the database was created by another version.
	ErrSchemaMismatch = errors.New("schema version mismatch")
	// ErrAlreadyQueued is returned when the same file is pending or running.
	ErrAlreadyQueued = errors.New("file is already queued")
	// ErrAlreadyIngested is returned when the same file finished successfully
	// and the request did not force a re-ingest.
	ErrAlreadyIngested = errors.New("file was already ingested")
	// ErrNotFound is returned for unknown job IDs.
	ErrNotFound = errors.New("job not found")
)

// Store persists ingest jobs in SQLite.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open creates or opens the queue database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create queue dir: %w", err)
		}
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	s := &Store{db: db, path: path, now: time.Now}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	if tableExists == 0 {
		return s.createSchema(ctx)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d (delete %s)",
			ErrSchemaMismatch, version, schemaVersion, s.path)
	}
	return nil
}

func (s *Store) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

const jobColumns = `id, path, file_name, checksum, status, attempts, trip_id, error_message,
	created_at, updated_at, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j                 Job
		tripID, errMsg    sql.NullString
		created, updated  string
		started, finished sql.NullString
	)
	if err := row.Scan(&j.ID, &j.Path, &j.FileName, &j.Checksum, &j.Status, &j.Attempts,
		&tripID, &errMsg, &created, &updated, &started, &finished); err != nil {
		return nil, err
	}
	j.TripID = tripID.String
	j.ErrorMessage = errMsg.String
	j.CreatedAt = parseTime(created)
	j.UpdatedAt = parseTime(updated)
	j.StartedAt = parseNullTime(started)
	j.FinishedAt = parseNullTime(finished)
	return &j, nil
}

// Enqueue adds a pending job. A file whose checksum is pending or running is
// always refused; one that already finished successfully is refused unless
// req.Force is set.
func (s *Store) Enqueue(ctx context.Context, req EnqueueRequest) (*Job, error) {
	if req.Path == "" || req.Checksum == "" {
		return nil, errors.New("enqueue: path and checksum are required")
	}
	if req.FileName == "" {
		req.FileName = filepath.Base(req.Path)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin enqueue: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT status FROM jobs WHERE checksum = ? AND status != ?`, req.Checksum, StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("check duplicates: %w", err)
	}
	var active, done bool
	for rows.Next() {
		var st Status
		if err := rows.Scan(&st); err != nil {
			rows.Close()
			return nil, fmt.Errorf("check duplicates: %w", err)
		}
		switch st {
		case StatusPending, StatusRunning:
			active = true
		case StatusDone:
			done = true
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("check duplicates: %w", err)
	}
	if active {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyQueued, req.FileName)
	}
	if done && !req.Force {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyIngested, req.FileName)
	}

	ts := formatTime(s.now())
	res, err := tx.ExecContext(ctx,
		`INSERT INTO jobs (path, file_name, checksum, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		req.Path, req.FileName, req.Checksum, StatusPending, ts, ts,
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit enqueue: %w", err)
	}
	return s.Get(ctx, id)
}

// Get fetches a job by ID.
func (s *Store) Get(ctx context.Context, id int64) (*Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Claim marks the oldest pending job running and returns it. It returns
// nil when the queue is empty. The update is a single statement, so two
// workers never claim the same job.
func (s *Store) Claim(ctx context.Context) (*Job, error) {
	ts := formatTime(s.now())
	job, err := scanJob(s.db.QueryRowContext(ctx,
		`UPDATE jobs
		 SET status = ?, attempts = attempts + 1, started_at = ?, updated_at = ?, error_message = NULL
		 WHERE id = (SELECT id FROM jobs WHERE status = ? ORDER BY id LIMIT 1)
		 RETURNING `+jobColumns,
		StatusRunning, ts, ts, StatusPending,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// Complete marks a running job done.
func (s *Store) Complete(ctx context.Context, id int64, tripID string) error {
	return s.finish(ctx, id, StatusDone, tripID, "")
}

// Fail marks a running job failed. The trip ID is kept when the parser got
// far enough to create one.
func (s *Store) Fail(ctx context.Context, id int64, tripID string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return s.finish(ctx, id, StatusFailed, tripID, msg)
}

func (s *Store) finish(ctx context.Context, id int64, status Status, tripID, msg string) error {
	ts := formatTime(s.now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, trip_id = COALESCE(?, trip_id), error_message = ?,
		        finished_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		status, nullableString(tripID), nullableString(msg), ts, ts, id, StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("mark job %s: %w", status, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d is not running", ErrNotFound, id)
	}
	return nil
}

// Retry moves a failed job back to pending. The worker removed the job's
// spool file when it failed, so path must point at a fresh spooled copy.
func (s *Store) Retry(ctx context.Context, id int64, path string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, path = ?, finished_at = NULL, updated_at = ? WHERE id = ? AND status = ?`,
		StatusPending, path, formatTime(s.now()), id, StatusFailed,
	)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d is not failed", ErrNotFound, id)
	}
	return nil
}

// Requeue returns a running job to pending without counting it as a
// failure, for jobs the worker could not start.
func (s *Store) Requeue(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, attempts = MAX(attempts - 1, 0), started_at = NULL, updated_at = ?
		 WHERE id = ? AND status = ?`,
		StatusPending, formatTime(s.now()), id, StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d is not running", ErrNotFound, id)
	}
	return nil
}

// ResetStale returns running jobs to pending. It is called at worker
// start, when no job can legitimately be running.
func (s *Store) ResetStale(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, started_at = NULL, updated_at = ? WHERE status = ?`,
		StatusPending, formatTime(s.now()), StatusRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("reset stale jobs: %w", err)
	}
	return res.RowsAffected()
}

// List returns the most recent jobs, optionally restricted to statuses.
func (s *Store) List(ctx context.Context, limit int, statuses ...Status) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := make([]any, 0, len(statuses)+1)
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Counts returns the number of jobs per status. Every status is present.
func (s *Store) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int, len(AllStatuses))
	for _, st := range AllStatuses {
		counts[st] = 0
	}
	for rows.Next() {
		var (
			st Status
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// Purge deletes finished jobs older than retention and returns them so the
// caller can clean up anything they still reference.
func (s *Store) Purge(ctx context.Context, retention time.Duration) ([]*Job, error) {
	cutoff := formatTime(s.now().Add(-retention))
	rows, err := s.db.QueryContext(ctx,
		`DELETE FROM jobs WHERE status IN (?, ?) AND finished_at < ? RETURNING `+jobColumns,
		StatusDone, StatusFailed, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("purge jobs: %w", err)
	}
	defer rows.Close()

	var purged []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan purged job: %w", err)
		}
		purged = append(purged, job)
	}
	return purged, rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}
