package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TripStatus is the lifecycle state of an ingested trip.
type TripStatus string

const (
	TripPending    TripStatus = "pending"
	TripProcessing TripStatus = "processing"
	TripParsed     TripStatus = "parsed"
	TripAnalyzed   TripStatus = "analyzed"
	TripError      TripStatus = "error"
)

// tripTransitions lists the legal next states. Error is reachable from any
// non-terminal state.
var tripTransitions = map[TripStatus][]TripStatus{
	TripPending:    {TripProcessing, TripError},
	TripProcessing: {TripParsed, TripError},
	TripParsed:     {TripAnalyzed, TripError},
}

// CanTransition reports whether a trip may move from s to next.
func (s TripStatus) CanTransition(next TripStatus) bool {
	for _, allowed := range tripTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s TripStatus) Terminal() bool {
	return len(tripTransitions[s]) == 0
}

// Trip is a single ingested log file and its derived summary.
type Trip struct {
	ID                 uuid.UUID
	Status             TripStatus
	FileName           string
	Checksum           string
	SessionDate        *time.Time
	DurationSeconds    int64
	DataPointsCount    int64
	CatalystEfficiency *float64
	AvgFuelTrimST      *float64
	AvgFuelTrimLT      *float64
	AnalysisResults    json.RawMessage
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// TripInfo is what the parser knows about a trip when it creates the shell.
type TripInfo struct {
	FileName string
	Checksum string
}

// TripMetadata is the summary written back onto a trip. Nil fields are left
// unchanged by the sink.
type TripMetadata struct {
	SessionDate        *time.Time
	DurationSeconds    *int64
	DataPointsCount    *int64
	CatalystEfficiency *float64
	AvgFuelTrimST      *float64
	AvgFuelTrimLT      *float64
	AnalysisResults    json.RawMessage
}

// DataPoint is one (timestamp, pid, value) sample. A nil Value records that
// the column was present but the cell was unusable.
type DataPoint struct {
	TripID    uuid.UUID
	Timestamp time.Time
	PID       string
	Value     *float64
	Unit      *string
}

// BulkLoader persists data points in batches. The slice is reused after
// WriteBatch returns, so implementations must not retain it.
type BulkLoader interface {
	WriteBatch(ctx context.Context, tripID uuid.UUID, points []DataPoint) (int, error)
}

// TripSink owns trip records. The parser only ever holds the returned ID.
type TripSink interface {
	Create(ctx context.Context, info TripInfo) (uuid.UUID, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status TripStatus) error
	UpdateMetadata(ctx context.Context, id uuid.UUID, meta TripMetadata) error
}

// IngestPhase indicates the current stage of an ingest.
type IngestPhase string

const (
	PhaseStarting   IngestPhase = "starting"
	PhaseExtracting IngestPhase = "extracting"
	PhaseReading    IngestPhase = "reading"
	PhaseAnalyzing  IngestPhase = "analyzing"
	PhaseComplete   IngestPhase = "complete"
	PhaseFailed     IngestPhase = "failed"
	PhaseCancelled  IngestPhase = "cancelled"
)

// IngestProgress represents the current state of an ingest.
type IngestProgress struct {
	RunID         string
	TripID        uuid.UUID
	FileName      string
	Phase         IngestPhase
	Rows          int
	Skipped       int
	PointsWritten int
	BytesRead     int64
	BytesTotal    int64
	Error         string // non-empty if Phase is PhaseFailed
}

// Percent returns byte-based progress (0-100), or 0 when the size is unknown.
func (p IngestProgress) Percent() int {
	if p.BytesTotal <= 0 {
		return 0
	}
	pct := int((p.BytesRead * 100) / p.BytesTotal)
	if pct > 100 {
		return 100
	}
	return pct
}

// ProgressFunc is called periodically while rows are streamed.
type ProgressFunc func(IngestProgress)

// ParseResult summarizes one parsed file.
type ParseResult struct {
	TripID        uuid.UUID     `json:"trip_id"`
	FileName      string        `json:"file_name"`
	Checksum      string        `json:"checksum,omitempty"`
	Status        TripStatus    `json:"status"`
	TotalRows     int           `json:"total_rows"`
	SkippedRows   int           `json:"skipped_rows"`
	PointsWritten int           `json:"points_written"`
	Duration      time.Duration `json:"duration"`
	SessionStart  *time.Time    `json:"session_start,omitempty"`
	SessionEnd    *time.Time    `json:"session_end,omitempty"`
	Analysis      *Analysis     `json:"analysis,omitempty"`
}
