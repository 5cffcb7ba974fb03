package web

// errors.go turns pipeline and queue errors into JSON responses.
//
// The technical error is logged with the request ID; the client gets the
// coded message from core.MapError so it can be looked up in the error
// code reference.

import (
	"context"
	"errors"
	"net/http"

	"github.com/JonMunkholm/obd2ingest/internal/core"
	"github.com/JonMunkholm/obd2ingest/internal/logging"
	"github.com/JonMunkholm/obd2ingest/internal/queue"
)

// ErrorResponse is the JSON body of every error. Code is machine readable;
// Message and Action are meant for people.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

// statusFor picks the HTTP status for err.
func statusFor(err error) int {
	var headerErr *core.HeaderError
	switch {
	case errors.Is(err, queue.ErrAlreadyQueued), errors.Is(err, queue.ErrAlreadyIngested):
		return http.StatusConflict
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, core.ErrIngestNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrTooManyIngests):
		return http.StatusServiceUnavailable
	case errors.As(err, &headerErr), errors.Is(err, core.ErrMissingHeader), errors.Is(err, core.ErrNoCSVInArchive):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// respondError logs err and writes its mapped message. A zero status is
// derived from the error.
func respondError(w http.ResponseWriter, r *http.Request, err error, status int) {
	if status == 0 {
		status = statusFor(err)
	}
	msg := core.MapError(err)

	log := logging.FromContext(r.Context())
	attrs := []any{
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
		"code", msg.Code,
	}
	if status >= http.StatusInternalServerError {
		log.Error("request error", attrs...)
	} else {
		log.Warn("request error", attrs...)
	}

	writeJSON(w, r, status, ErrorResponse{
		Error:   msg.Message,
		Message: msg.Message,
		Action:  msg.Action,
		Code:    msg.Code,
	})
}

// writeError writes a request-level error that has no underlying cause,
// such as a missing parameter.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, r, status, ErrorResponse{Error: message, Message: message, Code: code})
}
