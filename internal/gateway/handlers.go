package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"time"

	"log/slog"

	"github.com/basket/datakiln/internal/audit"
	"github.com/basket/datakiln/internal/billing"
	"github.com/basket/datakiln/internal/lifecycle"
	"github.com/basket/datakiln/internal/persistence"
	"github.com/basket/datakiln/internal/runner"
	"github.com/basket/datakiln/internal/shared"
)

type createTaskRequest struct {
	ToolID string          `json:"tool_id"`
	Params json.RawMessage `json:"params,omitempty"`
}

type progressDetail struct {
	CurrentStage    string `json:"current_stage"`
	CurrentAgent    string `json:"current_agent,omitempty"`
	AgentsTotal     int    `json:"agents_total"`
	AgentsCompleted int    `json:"agents_completed"`
}

type taskStatusResponse struct {
	*persistence.Task
	ProgressDetail     progressDetail `json:"progress_detail"`
	DownloadsAvailable bool           `json:"downloads_available"`
}

type downloadEntry struct {
	DownloadID string    `json:"download_id"`
	Filename   string    `json:"filename"`
	Type       string    `json:"type"`
	MimeType   string    `json:"mime_type"`
	SizeBytes  int64     `json:"size_bytes"`
	URL        string    `json:"url"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// loadOwnedTask fetches a task and enforces owner scoping. A task
// belonging to someone else is reported as forbidden, not hidden;
// task IDs are unguessable UUIDs so existence is not a secret.
func (s *Server) loadOwnedTask(w http.ResponseWriter, r *http.Request, taskID string) (*persistence.Task, bool) {
	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return nil, false
	}
	if task.OwnerID != OwnerFromContext(r.Context()) {
		audit.Record("deny", "task.access", "owner mismatch", taskID)
		writeError(w, lifecycle.CodeTaskUnauthorized, "task belongs to another owner", nil)
		return nil, false
	}
	return task, true
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())

	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, lifecycle.CodeInvalidParameters, "invalid request body: "+err.Error(), nil)
		return
	}
	tool, ok := s.cfg.Tool(req.ToolID)
	if !ok {
		writeError(w, lifecycle.CodeInvalidToolID, fmt.Sprintf("unknown tool %q", req.ToolID), map[string]any{
			"tool_id": req.ToolID,
		})
		return
	}
	if err := s.validator.Validate(tool.ID, tool.ParamsSchema, req.Params); err != nil {
		writeError(w, lifecycle.CodeInvalidParameters, "parameters failed validation", map[string]any{
			"error": err.Error(),
		})
		return
	}

	if err := s.ledger.EnsureOwner(r.Context(), owner, s.cfg.InitialCredits); err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	task, err := s.store.CreateTask(r.Context(), owner, tool.ID, req.Params, len(tool.Agents))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.logger.Info("task created",
		slog.String("task_id", task.ID),
		slog.String("owner_id", owner),
		slog.String("tool_id", tool.ID),
		slog.String("trace_id", shared.TraceID(r.Context())))
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())

	var status lifecycle.Status
	if v := r.URL.Query().Get("status"); v != "" {
		status = lifecycle.Status(v)
		if !lifecycle.Valid(status) {
			writeError(w, lifecycle.CodeInvalidParameters, fmt.Sprintf("unknown status %q", v), nil)
			return
		}
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	tasks, err := s.store.ListTasks(r.Context(), owner, status, limit, offset)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

// handleRequestUploads issues signed upload grants for all of the
// tool's input roles. Requesting again while UPLOADING or after
// UPLOAD_FAILED reissues fresh grants; expiry is per grant, not per
// task, so a slow client can always ask for new ones.
func (s *Server) handleRequestUploads(w http.ResponseWriter, r *http.Request, taskID string) {
	task, ok := s.loadOwnedTask(w, r, taskID)
	if !ok {
		return
	}
	tool, ok := s.cfg.Tool(task.ToolID)
	if !ok {
		writeError(w, lifecycle.CodeInvalidToolID, fmt.Sprintf("tool %q is no longer configured", task.ToolID), nil)
		return
	}

	switch task.Status {
	case lifecycle.StatusCreated:
		if _, err := s.store.Transition(r.Context(), task.ID, lifecycle.StatusCreated, lifecycle.StatusUploading, persistence.TransitionUpdate{
			EventType: "task.uploads_requested",
		}); err != nil {
			s.writeStoreError(w, r, err)
			return
		}
	case lifecycle.StatusUploading:
		// Re-grant without a transition.
	case lifecycle.StatusUploadFailed:
		if _, err := s.store.Transition(r.Context(), task.ID, lifecycle.StatusUploadFailed, lifecycle.StatusUploading, persistence.TransitionUpdate{
			EventType: "task.uploads_requested",
		}); err != nil {
			s.writeStoreError(w, r, err)
			return
		}
	default:
		writeError(w, lifecycle.CodeTaskNotReady, "upload grants are only available before processing starts", map[string]any{
			"status": string(task.Status),
		})
		return
	}

	grants := s.gw.IssueUploadGrants(task.ID, tool.InputRoles)
	if s.metrics != nil {
		s.metrics.GrantsIssued.Add(r.Context(), int64(len(grants)))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":            task.ID,
		"status":             lifecycle.StatusUploading,
		"grants":             grants,
		"expires_in_seconds": int(s.gw.UploadTTL().Seconds()),
	})
}

// handleTriggerProcessing verifies staged inputs, charges the owner,
// and hands the task to the runner. Charging happens at most once per
// task, so a trigger retried after a declined payment does not double
// bill, and a duplicate trigger loses the QUEUED→PROCESSING race
// instead of starting a second run.
func (s *Server) handleTriggerProcessing(w http.ResponseWriter, r *http.Request, taskID string) {
	ctx := r.Context()
	task, ok := s.loadOwnedTask(w, r, taskID)
	if !ok {
		return
	}
	tool, ok := s.cfg.Tool(task.ToolID)
	if !ok {
		writeError(w, lifecycle.CodeInvalidToolID, fmt.Sprintf("tool %q is no longer configured", task.ToolID), nil)
		return
	}

	switch task.Status {
	case lifecycle.StatusUploading:
		missing, err := s.gw.MissingInputs(task.ID, tool.InputRoles)
		if err != nil {
			s.writeStoreError(w, r, err)
			return
		}
		if len(missing) > 0 {
			if _, err := s.store.Transition(ctx, task.ID, lifecycle.StatusUploading, lifecycle.StatusUploadFailed, persistence.TransitionUpdate{
				ErrorCode:    lifecycle.CodeFilesNotFound,
				ErrorMessage: fmt.Sprintf("%d required input(s) not staged", len(missing)),
				EventType:    "task.upload_failed",
			}); err != nil {
				s.writeStoreError(w, r, err)
				return
			}
			writeError(w, lifecycle.CodeFilesNotFound, "required inputs are not staged", map[string]any{
				"missing_roles": missing,
			})
			return
		}
		updated, err := s.store.Transition(ctx, task.ID, lifecycle.StatusUploading, lifecycle.StatusQueued, persistence.TransitionUpdate{
			EventType: "task.queued",
		})
		if err != nil {
			s.writeStoreError(w, r, err)
			return
		}
		task = updated
	case lifecycle.StatusQueued:
		// Retry after a billing rejection; fall through to the debit.
	case lifecycle.StatusProcessing:
		writeError(w, lifecycle.CodeTaskAlreadyRunning, "task is already processing", nil)
		return
	case lifecycle.StatusUploadFailed:
		writeError(w, lifecycle.CodeFilesNotFound, "required inputs are missing; request new upload grants and stage them first", nil)
		return
	case lifecycle.StatusCreated:
		writeError(w, lifecycle.CodeTaskNotReady, "request upload grants and stage inputs before triggering", nil)
		return
	case lifecycle.StatusExpired:
		writeError(w, lifecycle.CodeTaskExpired, "task expired before processing was triggered", nil)
		return
	default:
		writeError(w, lifecycle.CodeTaskNotReady, "task is already terminal", map[string]any{
			"status": string(task.Status),
		})
		return
	}

	if err := s.ledger.DebitOnce(ctx, task.OwnerID, task.ID, tool.Cost); err != nil {
		if errors.Is(err, billing.ErrInsufficientCredits) || errors.Is(err, billing.ErrUnknownOwner) {
			if s.metrics != nil {
				s.metrics.BillingDenials.Add(ctx, 1)
			}
			audit.Record("deny", "billing.debit", "insufficient credits", task.ID)
			writeError(w, lifecycle.CodeInsufficientCredits, "not enough credits for this tool", map[string]any{
				"required": tool.Cost,
			})
			return
		}
		s.writeStoreError(w, r, err)
		return
	}

	started := runner.ProgressQueued
	processing, err := s.store.Transition(ctx, task.ID, lifecycle.StatusQueued, lifecycle.StatusProcessing, persistence.TransitionUpdate{
		Progress:  &started,
		EventType: "task.processing",
	})
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	s.runner.Launch(processing, tool)
	s.logger.Info("processing triggered",
		slog.String("task_id", task.ID),
		slog.String("tool_id", tool.ID),
		slog.Int64("cost", tool.Cost),
		slog.String("trace_id", shared.TraceID(ctx)))
	writeJSON(w, http.StatusAccepted, processing)
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request, taskID string) {
	task, ok := s.loadOwnedTask(w, r, taskID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, taskStatusResponse{
		Task: task,
		ProgressDetail: progressDetail{
			CurrentStage:    stageFor(task),
			CurrentAgent:    task.CurrentAgent,
			AgentsTotal:     task.AgentsTotal,
			AgentsCompleted: task.AgentsCompleted,
		},
		DownloadsAvailable: task.Status == lifecycle.StatusCompleted && !task.OutputsCleaned,
	})
}

func stageFor(task *persistence.Task) string {
	switch task.Status {
	case lifecycle.StatusCreated:
		return "awaiting_uploads"
	case lifecycle.StatusUploading, lifecycle.StatusUploadFailed:
		return "uploading"
	case lifecycle.StatusQueued:
		return "queued"
	case lifecycle.StatusProcessing:
		return "processing"
	default:
		return "done"
	}
}

func (s *Server) handleListDownloads(w http.ResponseWriter, r *http.Request, taskID string) {
	task, ok := s.loadOwnedTask(w, r, taskID)
	if !ok {
		return
	}
	if task.Status != lifecycle.StatusCompleted {
		writeError(w, lifecycle.CodeTaskNotReady, "downloads are only available for completed tasks", map[string]any{
			"status": string(task.Status),
		})
		return
	}
	if task.OutputsCleaned {
		writeError(w, lifecycle.CodeTaskExpired, "outputs were reclaimed after the retention window", nil)
		return
	}

	grants, err := s.gw.IssueDownloadGrants(task.ID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if s.metrics != nil {
		s.metrics.GrantsIssued.Add(r.Context(), int64(len(grants)))
	}
	downloads := make([]downloadEntry, 0, len(grants))
	for _, g := range grants {
		name := path.Base(g.Key)
		downloads = append(downloads, downloadEntry{
			DownloadID: task.ID + "/" + name,
			Filename:   name,
			Type:       "output",
			MimeType:   mimeFor(name),
			SizeBytes:  g.SizeBytes,
			URL:        g.URL,
			ExpiresAt:  g.ExpiresAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"downloads": downloads})
}

func mimeFor(name string) string {
	switch path.Ext(name) {
	case ".json":
		return "application/json"
	case ".csv":
		return "text/csv"
	case ".txt":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

// handleCancelTask cancels immediately in any pre-processing state.
// A PROCESSING task only gets a cancel flag; the runner honors it at
// the next agent boundary, so the response is 202 and the client
// keeps polling until CANCELLED lands.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request, taskID string) {
	task, ok := s.loadOwnedTask(w, r, taskID)
	if !ok {
		return
	}

	switch task.Status {
	case lifecycle.StatusCreated, lifecycle.StatusUploading, lifecycle.StatusUploadFailed, lifecycle.StatusQueued:
		cancelled, err := s.store.Transition(r.Context(), task.ID, task.Status, lifecycle.StatusCancelled, persistence.TransitionUpdate{
			EventType: "task.cancelled",
		})
		if err != nil {
			s.writeCancelError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, cancelled)
	case lifecycle.StatusProcessing:
		flagged, err := s.store.RequestCancel(r.Context(), task.ID)
		if err != nil {
			s.writeStoreError(w, r, err)
			return
		}
		if !flagged {
			// The run finished while the request was in flight.
			writeError(w, lifecycle.CodeTaskNotCancellable, "task reached a terminal state before the cancel landed", nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"task_id":          task.ID,
			"status":           task.Status,
			"cancel_requested": true,
		})
	default:
		writeError(w, lifecycle.CodeTaskNotCancellable, "terminal tasks cannot be cancelled", map[string]any{
			"status": string(task.Status),
		})
	}
}

// handleDeleteTask removes the task record and its staged objects in
// any state. A run already in flight discovers the deletion at its
// next checkpoint and stops.
func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request, taskID string) {
	task, ok := s.loadOwnedTask(w, r, taskID)
	if !ok {
		return
	}

	deleted, err := s.gw.DeleteAll(task.ID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if err := s.store.DeleteTask(r.Context(), task.ID); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	audit.Record("allow", "task.delete", "owner requested deletion", task.ID)
	s.logger.Info("task deleted",
		slog.String("task_id", task.ID),
		slog.String("owner_id", task.OwnerID),
		slog.Int("files_deleted", deleted),
		slog.String("trace_id", shared.TraceID(r.Context())))
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":       task.ID,
		"files_deleted": deleted,
	})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request, taskID string) {
	task, ok := s.loadOwnedTask(w, r, taskID)
	if !ok {
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	events, err := s.store.ListTaskEvents(r.Context(), task.ID, limit)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	owner := OwnerFromContext(r.Context())
	if err := s.ledger.EnsureOwner(r.Context(), owner, s.cfg.InitialCredits); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	balance, err := s.ledger.Balance(r.Context(), owner)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	history, err := s.ledger.History(r.Context(), owner, 20)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"owner_id": owner,
		"balance":  balance,
		"history":  history,
	})
}
