package queue

import (
	"database/sql"
	"time"
)

// Status represents the lifecycle of a queued ingest job.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{StatusPending, StatusRunning, StatusDone, StatusFailed}

// Job is one file waiting for, or finished with, ingestion.
type Job struct {
	ID           int64
	Path         string // Spooled copy of the upload; removed when the job finishes
	FileName     string
	Checksum     string
	Status       Status
	Attempts     int
	TripID       string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// Finished reports whether the job reached a terminal status.
func (j Job) Finished() bool {
	return j.Status == StatusDone || j.Status == StatusFailed
}

// EnqueueRequest describes a file to queue.
type EnqueueRequest struct {
	Path     string
	FileName string
	Checksum string
	Force    bool // Queue even when the same checksum already ingested
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
