package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/basket/datakiln/internal/bus"
	"github.com/basket/datakiln/internal/lifecycle"
	"github.com/basket/datakiln/internal/shared"
)

var ErrTaskNotFound = errors.New("task not found")

type Task struct {
	ID              string           `json:"id"`
	OwnerID         string           `json:"owner_id"`
	ToolID          string           `json:"tool_id"`
	Params          json.RawMessage  `json:"params,omitempty"`
	Status          lifecycle.Status `json:"status"`
	Progress        int              `json:"progress"`
	CurrentAgent    string           `json:"current_agent,omitempty"`
	AgentsTotal     int              `json:"agents_total"`
	AgentsCompleted int              `json:"agents_completed"`
	ErrorCode       string           `json:"error_code,omitempty"`
	ErrorMessage    string           `json:"error_message,omitempty"`
	CancelRequested bool             `json:"cancel_requested"`
	InputsCleaned   bool             `json:"-"`
	OutputsCleaned  bool             `json:"-"`
	ResultKey       string           `json:"-"`

	CreatedAt           time.Time  `json:"created_at"`
	UploadStartedAt     *time.Time `json:"upload_started_at,omitempty"`
	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	FailedAt            *time.Time `json:"failed_at,omitempty"`
	CancelledAt         *time.Time `json:"cancelled_at,omitempty"`
	ExpiredAt           *time.Time `json:"expired_at,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// TerminalAt returns the timestamp at which the task entered its
// terminal state, or nil if it is still live.
func (t *Task) TerminalAt() *time.Time {
	switch t.Status {
	case lifecycle.StatusCompleted:
		return t.CompletedAt
	case lifecycle.StatusFailed:
		return t.FailedAt
	case lifecycle.StatusCancelled:
		return t.CancelledAt
	case lifecycle.StatusExpired:
		return t.ExpiredAt
	}
	return nil
}

type TaskEvent struct {
	EventID   int64            `json:"event_id"`
	TaskID    string           `json:"task_id"`
	TraceID   string           `json:"trace_id,omitempty"`
	EventType string           `json:"event_type"`
	StateFrom lifecycle.Status `json:"state_from,omitempty"`
	StateTo   lifecycle.Status `json:"state_to"`
	Payload   string           `json:"payload"`
	CreatedAt time.Time        `json:"created_at"`
}

const taskColumns = `id, owner_id, tool_id, params, status, progress, current_agent,
	agents_total, agents_completed, COALESCE(error_code, ''), COALESCE(error_message, ''),
	cancel_requested, inputs_cleaned, outputs_cleaned, COALESCE(result_key, ''),
	created_at, upload_started_at, processing_started_at,
	completed_at, failed_at, cancelled_at, expired_at, updated_at`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var params string
	var uploadStarted, processingStarted, completed, failed, cancelled, expired sql.NullTime
	if err := scanFn(
		&task.ID,
		&task.OwnerID,
		&task.ToolID,
		&params,
		&task.Status,
		&task.Progress,
		&task.CurrentAgent,
		&task.AgentsTotal,
		&task.AgentsCompleted,
		&task.ErrorCode,
		&task.ErrorMessage,
		&task.CancelRequested,
		&task.InputsCleaned,
		&task.OutputsCleaned,
		&task.ResultKey,
		&task.CreatedAt,
		&uploadStarted,
		&processingStarted,
		&completed,
		&failed,
		&cancelled,
		&expired,
		&task.UpdatedAt,
	); err != nil {
		return err
	}
	if params != "" {
		task.Params = json.RawMessage(params)
	}
	task.UploadStartedAt = nullableTime(uploadStarted)
	task.ProcessingStartedAt = nullableTime(processingStarted)
	task.CompletedAt = nullableTime(completed)
	task.FailedAt = nullableTime(failed)
	task.CancelledAt = nullableTime(cancelled)
	task.ExpiredAt = nullableTime(expired)
	return nil
}

func collectTasks(rows *sql.Rows) ([]Task, error) {
	defer rows.Close()
	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

func nullableTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// CreateTask inserts a new task in CREATED state and records the birth event.
func (s *Store) CreateTask(ctx context.Context, ownerID, toolID string, params json.RawMessage, agentsTotal int) (*Task, error) {
	taskID := uuid.NewString()
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, owner_id, tool_id, params, status, agents_total, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, taskID, ownerID, toolID, string(params), lifecycle.StatusCreated, agentsTotal); err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		if err := s.appendTaskEventTx(ctx, tx, taskID, "", lifecycle.StatusCreated, "task.created", fmt.Sprintf(`{"tool_id":%q}`, toolID)); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, taskID)
}

// GetTask returns the task with the given id, or ErrTaskNotFound.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID)
	var task Task
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("select task: %w", err)
	}
	return &task, nil
}

// ListTasks returns the owner's tasks, newest first. An empty status
// matches all states.
func (s *Store) ListTasks(ctx context.Context, ownerID string, status lifecycle.Status, limit, offset int) ([]Task, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var rows *sql.Rows
	var err error
	if status != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+taskColumns+` FROM tasks
			WHERE owner_id = ? AND status = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ? OFFSET ?;
		`, ownerID, status, limit, offset)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+taskColumns+` FROM tasks
			WHERE owner_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ? OFFSET ?;
		`, ownerID, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID string, from, to lifecycle.Status, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	traceID := shared.TraceID(ctx)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, trace_id, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, NULLIF(?, '-'), ?, NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP);
	`, taskID, traceID, eventType, string(from), string(to), payload)
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

// TransitionUpdate carries the optional column writes that ride along
// with a status change.
type TransitionUpdate struct {
	ErrorCode    string
	ErrorMessage string
	ResultKey    string
	Progress     *int
	EventType    string
	EventPayload string
}

// Transition atomically moves a task from one status to another. The
// update only applies when the stored status still equals from; a
// concurrent change surfaces as *lifecycle.ConflictError. Edges not in
// the transition table surface as *lifecycle.IllegalError.
func (s *Store) Transition(ctx context.Context, taskID string, from, to lifecycle.Status, upd TransitionUpdate) (*Task, error) {
	if !lifecycle.CanTransition(from, to) {
		return nil, &lifecycle.IllegalError{From: from, To: to}
	}

	eventType := upd.EventType
	if eventType == "" {
		eventType = "task.transition"
	}

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current lifecycle.Status
		if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, taskID).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrTaskNotFound
			}
			return fmt.Errorf("select task for transition: %w", err)
		}
		if current != from {
			return &lifecycle.ConflictError{TaskID: taskID, Current: current, From: from, To: to}
		}

		set := `status = ?, updated_at = CURRENT_TIMESTAMP`
		args := []any{to}
		if upd.ErrorCode != "" {
			set += `, error_code = ?, error_message = ?`
			args = append(args, upd.ErrorCode, upd.ErrorMessage)
		}
		if upd.ResultKey != "" {
			set += `, result_key = ?`
			args = append(args, upd.ResultKey)
		}
		if upd.Progress != nil {
			set += `, progress = ?`
			args = append(args, *upd.Progress)
		}
		switch to {
		case lifecycle.StatusUploading:
			set += `, upload_started_at = COALESCE(upload_started_at, CURRENT_TIMESTAMP)`
		case lifecycle.StatusProcessing:
			set += `, processing_started_at = CURRENT_TIMESTAMP`
		}
		// Terminal states stamp their dedicated timestamp column. The
		// column name comes from a fixed map, never from input.
		if col := lifecycle.TerminalColumn(to); col != "" {
			set += fmt.Sprintf(`, %s = CURRENT_TIMESTAMP`, col)
		}
		args = append(args, taskID, from)

		res, err := tx.ExecContext(ctx, `UPDATE tasks SET `+set+` WHERE id = ? AND status = ?;`, args...)
		if err != nil {
			return fmt.Errorf("update task transition: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("transition rows affected: %w", err)
		}
		if affected != 1 {
			return &lifecycle.ConflictError{TaskID: taskID, Current: current, From: from, To: to}
		}
		if err := s.appendTaskEventTx(ctx, tx, taskID, from, to, eventType, upd.EventPayload); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.Transitions.Add(ctx, 1)
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskStateChanged, bus.StateChangedEvent{
			TaskID:    task.ID,
			OwnerID:   task.OwnerID,
			OldStatus: string(from),
			NewStatus: string(to),
		})
		switch to {
		case lifecycle.StatusCompleted:
			s.bus.Publish(bus.TopicTaskCompleted, bus.StateChangedEvent{TaskID: task.ID, OwnerID: task.OwnerID, OldStatus: string(from), NewStatus: string(to)})
		case lifecycle.StatusFailed:
			s.bus.Publish(bus.TopicTaskFailed, bus.StateChangedEvent{TaskID: task.ID, OwnerID: task.OwnerID, OldStatus: string(from), NewStatus: string(to)})
		case lifecycle.StatusCancelled:
			s.bus.Publish(bus.TopicTaskCancelled, bus.StateChangedEvent{TaskID: task.ID, OwnerID: task.OwnerID, OldStatus: string(from), NewStatus: string(to)})
		case lifecycle.StatusExpired:
			s.bus.Publish(bus.TopicTaskExpired, bus.StateChangedEvent{TaskID: task.ID, OwnerID: task.OwnerID, OldStatus: string(from), NewStatus: string(to)})
		}
	}
	return task, nil
}

// UpdateProgress advances a PROCESSING task's progress. Writes are
// monotonic: a stale lower value never overwrites a newer higher one.
// Returns false when the task is no longer PROCESSING or the value
// would move progress backwards.
func (s *Store) UpdateProgress(ctx context.Context, taskID string, progress int, currentAgent string, agentsCompleted int) (bool, error) {
	var applied bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET progress = ?, current_agent = ?, agents_completed = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ? AND progress <= ?;
		`, progress, currentAgent, agentsCompleted, taskID, lifecycle.StatusProcessing, progress)
		if err != nil {
			return fmt.Errorf("update progress: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("progress rows affected: %w", err)
		}
		applied = affected == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	if applied && s.bus != nil {
		s.bus.Publish(bus.TopicTaskProgress, bus.ProgressEvent{
			TaskID:       taskID,
			Progress:     progress,
			CurrentAgent: currentAgent,
		})
	}
	return applied, nil
}

// MarkRunStarted re-stamps processing_started_at once the run actually
// holds an execution slot, so the processing deadline measures
// execution time, not time spent queued behind other runs.
func (s *Store) MarkRunStarted(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET processing_started_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, taskID, lifecycle.StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark run started: %w", err)
	}
	return nil
}

// RequestCancel flags a PROCESSING task for cooperative cancellation.
// Returns false when the task is not currently PROCESSING.
func (s *Store) RequestCancel(ctx context.Context, taskID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET cancel_requested = 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, taskID, lifecycle.StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("request cancel: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// CancelRequested reports whether a cancel flag is set on the task.
func (s *Store) CancelRequested(ctx context.Context, taskID string) (bool, error) {
	var flagged bool
	if err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM tasks WHERE id = ?;`, taskID).Scan(&flagged); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrTaskNotFound
		}
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return flagged, nil
}

// DeleteTask removes a task row and its events. The blob prefix is the
// caller's responsibility.
func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM task_events WHERE task_id = ?;`, taskID); err != nil {
			return fmt.Errorf("delete task events: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, taskID)
		if err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrTaskNotFound
		}
		return tx.Commit()
	})
}

// ListTaskEvents returns the audit trail for a task in insertion order.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string, limit int) ([]TaskEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, COALESCE(trace_id, ''), event_type, COALESCE(state_from, ''), state_to, payload_json, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		var stateFrom string
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.TraceID, &ev.EventType, &stateFrom, &ev.StateTo, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		ev.StateFrom = lifecycle.Status(stateFrom)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task event rows: %w", err)
	}
	return out, nil
}
