// Package lifecycle defines the task state machine: the canonical status
// set, the legal transition table, and the terminal timestamp mapping.
// Enforcement happens in the persistence store's atomic check-and-set;
// this package is the single source of truth for what is legal.
package lifecycle

import "fmt"

type Status string

const (
	StatusCreated      Status = "CREATED"
	StatusUploading    Status = "UPLOADING"
	StatusUploadFailed Status = "UPLOAD_FAILED"
	StatusQueued       Status = "QUEUED"
	StatusProcessing   Status = "PROCESSING"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
	StatusCancelled    Status = "CANCELLED"
	StatusExpired      Status = "EXPIRED"
)

// Error codes carried on terminal-but-not-completed tasks and API rejections.
const (
	CodeAgentError           = "AGENT_ERROR"
	CodeProcessingTimeout    = "PROCESSING_TIMEOUT"
	CodeInternalError        = "INTERNAL_ERROR"
	CodeFilesNotFound        = "FILES_NOT_FOUND"
	CodeUploadExpired        = "UPLOAD_URLS_EXPIRED"
	CodeTaskExpired          = "TASK_EXPIRED"
	CodeInsufficientCredits  = "BILLING_INSUFFICIENT_CREDITS"
	CodeTaskAlreadyRunning   = "TASK_ALREADY_PROCESSING"
	CodeTaskNotCancellable   = "TASK_NOT_CANCELLABLE"
	CodeTaskNotFound         = "TASK_NOT_FOUND"
	CodeTaskUnauthorized     = "TASK_UNAUTHORIZED"
	CodeInvalidToolID        = "INVALID_TOOL_ID"
	CodeInvalidParameters    = "INVALID_PARAMETERS"
	CodeTaskNotReady         = "TASK_NOT_READY"
)

// All enumerates every status, in lifecycle order. Used for the schema
// CHECK constraint and validation.
var All = []Status{
	StatusCreated,
	StatusUploading,
	StatusUploadFailed,
	StatusQueued,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
	StatusExpired,
}

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusCreated: {
		StatusUploading: {},
		StatusExpired:   {},
		StatusCancelled: {},
	},
	StatusUploading: {
		StatusQueued:       {},
		StatusUploadFailed: {},
		StatusExpired:      {},
		StatusCancelled:    {},
	},
	StatusUploadFailed: {
		StatusUploading: {}, // retry with fresh grants
		StatusExpired:   {},
		StatusCancelled: {},
	},
	StatusQueued: {
		StatusProcessing: {},
		StatusExpired:    {},
		StatusCancelled:  {},
	},
	StatusProcessing: {
		StatusCompleted: {},
		StatusFailed:    {},
		StatusCancelled: {},
	},
}

// terminalColumns maps each terminal status to the timestamp column stamped
// when the task enters it. Exactly one of these is ever set per task.
var terminalColumns = map[Status]string{
	StatusCompleted: "completed_at",
	StatusFailed:    "failed_at",
	StatusCancelled: "cancelled_at",
	StatusExpired:   "expired_at",
}

// Valid reports whether s names a known status.
func Valid(s Status) bool {
	for _, known := range All {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether s has no outgoing transitions.
func Terminal(s Status) bool {
	_, ok := terminalColumns[s]
	return ok
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// TerminalColumn returns the timestamp column stamped on entering a
// terminal status, or "" for non-terminal statuses.
func TerminalColumn(s Status) string {
	return terminalColumns[s]
}

// ConflictError is returned when a requested transition does not match the
// task's current persisted state. The record is left untouched.
type ConflictError struct {
	TaskID  string
	Current Status
	From    Status
	To      Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("task %s: transition %s -> %s rejected, current status %s",
		e.TaskID, e.From, e.To, e.Current)
}

// IllegalError is returned when the requested edge is not in the
// transition table at all, regardless of the task's current state.
type IllegalError struct {
	From Status
	To   Status
}

func (e *IllegalError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}
