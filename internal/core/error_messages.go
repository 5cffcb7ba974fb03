package core

// error_messages.go maps pipeline errors to short, coded messages for the
// CLI, the queue's job records and the ops server.
//
// # Error Codes Reference
//
// # Catalog Errors (CAT001-CAT099)
//
//	CAT001 - Catalog invalid: A column definition is inconsistent
//	         Action: Fix the catalog file and reload
//	         Patterns: "catalog:"
//
//	CAT002 - Catalog unavailable: Column mappings could not be loaded
//	         Action: Check CATALOG_SOURCE and the catalog tables
//	         Patterns: "load mappings"
//
// # Validation Errors (VAL001-VAL099)
//
//	VAL001 - No timestamp: The log has no Device Time or GPS Time column
//	         Patterns: "no timestamp column"
//
//	VAL002 - Too few columns: The header has fewer than 3 columns
//	         Patterns: "minimum 3 columns"
//
//	VAL003 - Missing header: The file is empty or starts with a blank line
//	         Patterns: "missing header row"
//
//	VAL004 - Invalid CSV: The file could not be read as CSV
//	         Patterns: "invalid csv"
//
// # Load Errors (LOAD001-LOAD099)
//
//	LOAD001 - Batch write failed: Data points could not be stored
//	          Patterns: "batch load failed"
//
// # File Errors (FILE001-FILE099)
//
//	FILE001 - No CSV in archive      Patterns: "no csv file found"
//	FILE002 - Unsafe archive entry   Patterns: "escapes extraction directory"
//	FILE003 - File too large         Patterns: "file too large"
//	FILE004 - Unreadable archive     Patterns: "open zip archive"
//	FILE005 - File not found         Patterns: "no such file"
//
// # Ingest Errors (ING001-ING099)
//
//	ING001 - Ingest cancelled        Patterns: "ingest cancelled"
//	ING002 - System busy             Patterns: "too many concurrent ingests"
//	ING003 - Unknown run             Patterns: "ingest not found"
//	ING004 - Invalid transition      Patterns: "invalid trip transition"
//	ING005 - Request cancelled       Patterns: "context canceled"
//	ING006 - Request timeout         Patterns: "context deadline exceeded"
//	ING007 - Already ingested        Patterns: "already ingested"
//	ING008 - Already queued          Patterns: "already queued"
//	ING009 - Unknown trip or job     Patterns: "trip not found", "job not found"
//
// # Database Errors (DB001-DB099)
//
//	DB001 - Duplicate key            Patterns: "duplicate key"
//	DB002 - Foreign key              Patterns: "foreign key"
//	DB003 - Connection refused       Patterns: "connection refused"
//	DB004 - Connection reset         Patterns: "connection reset"
//	DB005 - Timeout                  Patterns: "timeout"
//	DB006 - Deadlock                 Patterns: "deadlock"
//
// # Default Error (ERR000)
//
// Fallback when no pattern matches. Check the logs for the original error.
//
// # Pattern Matching
//
// Patterns are matched case-insensitively with strings.Contains against the
// full wrapped error text. The first match wins, so specific patterns come
// before general ones: a failed batch caused by a refused connection is
// LOAD001, not DB003.

import (
	"fmt"
	"strings"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string `json:"message"` // What happened
	Action  string `json:"action"`  // What to do about it
	Code    string `json:"code"`    // Reference code
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

var errorPatterns = []errorPattern{
	// Catalog
	{"catalog:", UserMessage{"Column catalog is inconsistent", "Fix the catalog definition and reload", "CAT001"}},
	{"load mappings", UserMessage{"Column mappings could not be loaded", "Check CATALOG_SOURCE and the catalog tables", "CAT002"}},

	// Input format
	{"no timestamp column", UserMessage{"The log has no timestamp column", "Export with Device Time or GPS Time enabled", "VAL001"}},
	{"minimum 3 columns", UserMessage{"The log has too few columns", "Check that the file is a full Torque Pro export", "VAL002"}},
	{"missing header row", UserMessage{"The file has no header row", "Upload a CSV that starts with column names", "VAL003"}},
	{"invalid csv", UserMessage{"The file is not a valid CSV", "Ensure the file is comma-separated", "VAL004"}},

	// Batch writes
	{"batch load failed", UserMessage{"Data points could not be stored", "Retry the ingest; earlier batches were kept", "LOAD001"}},

	// Files
	{"no csv file found", UserMessage{"The archive holds no CSV log", "Zip the trackLog CSV and try again", "FILE001"}},
	{"escapes extraction directory", UserMessage{"The archive contains an unsafe path", "Re-create the archive from the original export", "FILE002"}},
	{"file too large", UserMessage{"The file exceeds the size limit", "Split the log into smaller files", "FILE003"}},
	{"open zip archive", UserMessage{"The archive could not be read", "Check that the file is a valid ZIP", "FILE004"}},
	{"no such file", UserMessage{"The file was not found", "Check the path and try again", "FILE005"}},

	// Ingest lifecycle
	{"ingest cancelled", UserMessage{"Ingest was cancelled", "Start a new ingest when ready", "ING001"}},
	{"too many concurrent ingests", UserMessage{"System is busy processing other logs", "Please wait a moment and try again", "ING002"}},
	{"ingest not found", UserMessage{"Ingest run not found", "The run may have expired; check the trip status instead", "ING003"}},
	{"invalid trip transition", UserMessage{"Trip is not in a state that allows this step", "Re-ingest the file", "ING004"}},
	{"context canceled", UserMessage{"Request was cancelled", "Please try again", "ING005"}},
	{"context deadline exceeded", UserMessage{"Request timed out", "Try a smaller file or raise INGEST_TIMEOUT", "ING006"}},
	{"already ingested", UserMessage{"This file was already ingested", "Use --force to ingest it again", "ING007"}},
	{"already queued", UserMessage{"This file is already waiting in the queue", "Wait for the queued job to finish", "ING008"}},
	{"trip not found", UserMessage{"Trip not found", "List trips to find a valid ID", "ING009"}},
	{"job not found", UserMessage{"Queue job not found", "List jobs to find a valid ID", "ING009"}},

	// Database
	{"duplicate key", UserMessage{"A record with this ID already exists", "Check for a previous ingest of this file", "DB001"}},
	{"foreign key", UserMessage{"Referenced trip does not exist", "Make sure the trip was not deleted during ingest", "DB002"}},
	{"connection refused", UserMessage{"Unable to connect to database", "Please try again in a few moments", "DB003"}},
	{"connection reset", UserMessage{"Database connection was interrupted", "Please try again", "DB004"}},
	{"timeout", UserMessage{"Operation timed out", "Please try again later", "DB005"}},
	{"deadlock", UserMessage{"Database was busy with conflicting operations", "Please try again", "DB006"}},
}

var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or check the logs",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-facing message. Unknown
// errors map to ERR000.
//
// Example:
//
//	msg := MapError(&HeaderError{Problems: []string{"No timestamp column found"}})
//	// msg.Code == "VAL001"
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}
	return defaultMessage
}

// FormatUserError renders "Message (Code: XXX). Action".
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err matches a known pattern.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}

// UserError pairs a technical error with its user-facing message.
type UserError struct {
	Technical error
	User      UserMessage
}

func (e *UserError) Error() string {
	return e.User.Message
}

func (e *UserError) Unwrap() error {
	return e.Technical
}

// NewUserError maps err; it returns nil for a nil err.
func NewUserError(err error) *UserError {
	if err == nil {
		return nil
	}
	return &UserError{
		Technical: err,
		User:      MapError(err),
	}
}
