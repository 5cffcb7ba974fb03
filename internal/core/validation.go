package core

// validation.go checks a header row before any trip state is created and
// defines the typed errors the pipeline returns.

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/JonMunkholm/obd2ingest/internal/mapper"
)

// MinHeaderColumns is the smallest header row accepted.
const MinHeaderColumns = 3

// Timestamp columns; at least one must be mapped.
const (
	ColumnTimestampDevice = "timestamp_device"
	ColumnTimestampGPS    = "timestamp_gps"
)

const (
	msgTooFewColumns = "Invalid CSV headers (minimum 3 columns required)"
	msgNoTimestamp   = "No timestamp column found (timestamp_device or timestamp_gps required)"
)

// ErrMissingHeader is returned when a stream has no header row.
var ErrMissingHeader = errors.New("invalid csv: missing header row")

// HeaderValidation is the outcome of checking a header row.
type HeaderValidation struct {
	Valid             bool     `json:"valid"`
	Errors            []string `json:"errors"`
	TotalColumns      int      `json:"total_columns"`
	RecognizedColumns int      `json:"recognized_columns"`
}

// ValidateHeaders reports every problem with a mapped header row.
func ValidateHeaders(res mapper.Result) HeaderValidation {
	v := HeaderValidation{
		Errors:            []string{},
		TotalColumns:      len(res.Headers),
		RecognizedColumns: len(res.Mapped),
	}
	if len(res.Headers) < MinHeaderColumns {
		v.Errors = append(v.Errors, msgTooFewColumns)
	}
	if !res.Has(ColumnTimestampDevice) && !res.Has(ColumnTimestampGPS) {
		v.Errors = append(v.Errors, msgNoTimestamp)
	}
	v.Valid = len(v.Errors) == 0
	return v
}

// Err returns a *HeaderError when the header is unusable, or nil.
func (v HeaderValidation) Err() error {
	if v.Valid {
		return nil
	}
	return &HeaderError{Problems: v.Errors, TotalColumns: v.TotalColumns}
}

// HeaderError reports a header row the pipeline cannot process. No trip is
// created when it is returned.
type HeaderError struct {
	Problems     []string
	TotalColumns int
}

func (e *HeaderError) Error() string {
	return "invalid csv header: " + strings.Join(e.Problems, "; ")
}

// LoadError wraps a failed batch write. Earlier batches of the trip remain
// persisted.
type LoadError struct {
	TripID uuid.UUID
	Batch  int
	Points int
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("batch load failed (trip %s, batch %d, %d points): %v", e.TripID, e.Batch, e.Points, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// TransitionError is returned when a status change is not allowed.
type TransitionError struct {
	From, To TripStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid trip transition: %s -> %s", e.From, e.To)
}
