package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/basket/datakiln/internal/billing"
	"github.com/basket/datakiln/internal/lifecycle"
	"github.com/basket/datakiln/internal/persistence"
	"github.com/basket/datakiln/internal/shared"
)

// apiError is the uniform error envelope returned by every endpoint.
type apiError struct {
	Detail    string         `json:"detail"`
	ErrorCode string         `json:"error_code"`
	Context   map[string]any `json:"context,omitempty"`
}

// statusForCode maps stable error codes to HTTP statuses. Codes that
// only ever appear inside a task record (AGENT_ERROR, PROCESSING_TIMEOUT)
// are never returned as API rejections and are absent here.
var statusForCode = map[string]int{
	lifecycle.CodeTaskNotFound:        http.StatusNotFound,
	lifecycle.CodeTaskUnauthorized:    http.StatusForbidden,
	lifecycle.CodeInvalidToolID:       http.StatusBadRequest,
	lifecycle.CodeInvalidParameters:   http.StatusBadRequest,
	lifecycle.CodeFilesNotFound:       http.StatusBadRequest,
	lifecycle.CodeUploadExpired:       http.StatusBadRequest,
	lifecycle.CodeTaskAlreadyRunning:  http.StatusBadRequest,
	lifecycle.CodeTaskNotCancellable:  http.StatusBadRequest,
	lifecycle.CodeTaskNotReady:        http.StatusBadRequest,
	lifecycle.CodeTaskExpired:         http.StatusBadRequest,
	lifecycle.CodeInsufficientCredits: http.StatusPaymentRequired,
	lifecycle.CodeInternalError:       http.StatusInternalServerError,
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code, detail string, context map[string]any) {
	status, ok := statusForCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, apiError{Detail: detail, ErrorCode: code, Context: context})
}

// writeCancelError reports a cancel that lost a state race under
// TASK_NOT_CANCELLABLE instead of the generic conflict code; every
// other failure falls through to the standard mapping.
func (s *Server) writeCancelError(w http.ResponseWriter, r *http.Request, err error) {
	var conflict *lifecycle.ConflictError
	if errors.As(err, &conflict) {
		writeError(w, lifecycle.CodeTaskNotCancellable, "task state changed before the cancel landed", map[string]any{
			"status": string(conflict.Current),
		})
		return
	}
	s.writeStoreError(w, r, err)
}

// writeStoreError translates store and ledger failures into envelopes.
// Unrecognized errors become INTERNAL_ERROR with the detail redacted;
// the full error goes to the log, keyed by trace ID.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	var conflict *lifecycle.ConflictError
	var illegal *lifecycle.IllegalError
	switch {
	case errors.Is(err, persistence.ErrTaskNotFound):
		writeError(w, lifecycle.CodeTaskNotFound, "task not found", nil)
	case errors.Is(err, billing.ErrInsufficientCredits):
		writeError(w, lifecycle.CodeInsufficientCredits, "insufficient credits", nil)
	case errors.As(err, &conflict):
		writeError(w, lifecycle.CodeTaskAlreadyRunning, "task is not in a state that allows this operation", map[string]any{
			"status": string(conflict.Current),
		})
	case errors.As(err, &illegal):
		writeError(w, lifecycle.CodeTaskNotReady, "operation not valid for the task's current state", map[string]any{
			"from": string(illegal.From),
			"to":   string(illegal.To),
		})
	default:
		s.logger.Error("request failed",
			slog.String("trace_id", shared.TraceID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		writeError(w, lifecycle.CodeInternalError, "internal error", nil)
	}
}
