// Package runner executes task pipelines. Each run happens on a
// detached goroutine bounded by a slot semaphore; progress and state
// move exclusively through the store's check-and-set transitions, so a
// concurrent cancel or delete is always observed, never raced.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/datakiln/internal/agents"
	"github.com/basket/datakiln/internal/config"
	"github.com/basket/datakiln/internal/lifecycle"
	"github.com/basket/datakiln/internal/otel"
	"github.com/basket/datakiln/internal/persistence"
	"github.com/basket/datakiln/internal/shared"
	"github.com/basket/datakiln/internal/staging"
)

const (
	// ProgressQueued is the progress stamped when a task enters
	// PROCESSING and its run waits for a slot.
	ProgressQueued = 15
	// Progress interpolates linearly between these bounds while the
	// pipeline executes. 100 is reserved for COMPLETED.
	progressFloor   = 20
	progressCeiling = 95
)

// agentProgress returns the progress value reported before agent
// index of total starts.
func agentProgress(index, total int) int {
	if total <= 0 {
		return progressFloor
	}
	span := progressCeiling - progressFloor
	return progressFloor + index*span/total
}

type Runner struct {
	store    *persistence.Store
	gw       *staging.Gateway
	registry *agents.Registry
	logger   *slog.Logger
	metrics  *otel.Metrics // may be nil

	agentTimeout time.Duration
	slots        chan struct{}
	wg           sync.WaitGroup
}

func New(store *persistence.Store, gw *staging.Gateway, registry *agents.Registry, logger *slog.Logger, metrics *otel.Metrics, cfg config.RunnerConfig) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	slots := cfg.Slots
	if slots <= 0 {
		slots = 4
	}
	return &Runner{
		store:        store,
		gw:           gw,
		registry:     registry,
		logger:       logger,
		metrics:      metrics,
		agentTimeout: time.Duration(cfg.AgentTimeoutSeconds) * time.Second,
		slots:        make(chan struct{}, slots),
	}
}

// Launch starts the pipeline for a task already transitioned to
// PROCESSING. It returns immediately; the run proceeds on its own
// goroutine once a slot frees up.
func (r *Runner) Launch(task *persistence.Task, tool config.ToolConfig) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx := shared.WithTaskID(shared.WithTraceID(context.Background(), shared.NewTraceID()), task.ID)

		r.slots <- struct{}{}
		defer func() { <-r.slots }()

		// Time spent waiting for a slot must not count against the
		// processing deadline; restart the clock now that the run holds one.
		if err := r.store.MarkRunStarted(ctx, task.ID); err != nil {
			r.logger.Warn("re-stamping run start failed", "task_id", task.ID, "error", err)
		}

		if r.metrics != nil {
			r.metrics.ActiveRuns.Add(ctx, 1)
			defer r.metrics.ActiveRuns.Add(ctx, -1)
		}
		start := time.Now()
		r.execute(ctx, task, tool)
		if r.metrics != nil {
			r.metrics.TaskDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()
}

// Drain blocks until in-flight runs finish or the context expires.
func (r *Runner) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) execute(ctx context.Context, task *persistence.Task, tool config.ToolConfig) {
	logger := r.logger.With("task_id", task.ID, "tool_id", tool.ID, "trace_id", shared.TraceID(ctx))

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("pipeline panicked", "panic", fmt.Sprint(rec))
			r.fail(ctx, task.ID, lifecycle.CodeAgentError, fmt.Sprintf("agent panicked: %v", rec))
		}
	}()

	// A cancel may have landed while the run waited for a slot.
	if r.cancelledOrGone(ctx, task.ID, logger) {
		return
	}

	pipeline, err := r.registry.Resolve(tool.Agents)
	if err != nil {
		logger.Error("pipeline resolution failed", "error", err)
		r.fail(ctx, task.ID, lifecycle.CodeInternalError, err.Error())
		return
	}

	payload, err := r.loadPayload(task, tool)
	if err != nil {
		logger.Error("loading staged inputs failed", "error", err)
		r.fail(ctx, task.ID, lifecycle.CodeInternalError, fmt.Sprintf("load inputs: %v", err))
		return
	}

	total := len(pipeline)
	for i, agent := range pipeline {
		if r.cancelledOrGone(ctx, task.ID, logger) {
			return
		}

		progress := agentProgress(i, total)
		if _, err := r.store.UpdateProgress(ctx, task.ID, progress, agent.Name(), i); err != nil {
			logger.Warn("progress update failed", "agent", agent.Name(), "error", err)
		}

		agentCtx := ctx
		var cancel context.CancelFunc
		if r.agentTimeout > 0 {
			agentCtx, cancel = context.WithTimeout(ctx, r.agentTimeout)
		}
		agentStart := time.Now()
		err := agent.Run(agentCtx, payload)
		if cancel != nil {
			cancel()
		}
		if r.metrics != nil {
			r.metrics.AgentDuration.Record(ctx, time.Since(agentStart).Seconds())
		}
		if err != nil {
			logger.Error("agent failed", "agent", agent.Name(), "error", err)
			// Whatever earlier agents accumulated stays inspectable.
			if key, perr := r.stagePartial(task.ID, payload); perr != nil {
				logger.Warn("staging partial results failed", "error", perr)
			} else if key != "" {
				logger.Info("partial results staged", "key", key)
			}
			r.fail(ctx, task.ID, lifecycle.CodeAgentError, fmt.Sprintf("agent %s: %v", agent.Name(), err))
			return
		}
		logger.Debug("agent finished", "agent", agent.Name(), "elapsed", time.Since(agentStart).String())
	}

	if r.cancelledOrGone(ctx, task.ID, logger) {
		return
	}

	resultKey, err := r.stageResult(task.ID, payload)
	if err != nil {
		logger.Error("staging result failed", "error", err)
		r.fail(ctx, task.ID, lifecycle.CodeInternalError, fmt.Sprintf("stage result: %v", err))
		return
	}

	final := 100
	_, err = r.store.Transition(ctx, task.ID, lifecycle.StatusProcessing, lifecycle.StatusCompleted, persistence.TransitionUpdate{
		ResultKey: resultKey,
		Progress:  &final,
		EventType: "task.completed",
	})
	if err != nil {
		// A cancel or sweeper timeout won the race; their terminal
		// state stands.
		r.logTransitionLoss(logger, "complete", err)
		return
	}
	logger.Info("pipeline completed", "agents", total, "result_key", resultKey)
}

// cancelledOrGone honors a pending cancel flag between agents. Returns
// true when the run must stop: the task was cancelled, deleted, or
// force-transitioned elsewhere.
func (r *Runner) cancelledOrGone(ctx context.Context, taskID string, logger *slog.Logger) bool {
	flagged, err := r.store.CancelRequested(ctx, taskID)
	if err != nil {
		if errors.Is(err, persistence.ErrTaskNotFound) {
			logger.Info("task deleted mid-run, stopping")
			return true
		}
		logger.Warn("cancel flag check failed", "error", err)
		return false
	}
	if !flagged {
		return false
	}

	_, err = r.store.Transition(ctx, taskID, lifecycle.StatusProcessing, lifecycle.StatusCancelled, persistence.TransitionUpdate{
		EventType: "task.cancelled",
	})
	if err != nil {
		r.logTransitionLoss(logger, "cancel", err)
		return true
	}
	logger.Info("pipeline cancelled between agents")
	return true
}

func (r *Runner) fail(ctx context.Context, taskID, code, message string) {
	_, err := r.store.Transition(ctx, taskID, lifecycle.StatusProcessing, lifecycle.StatusFailed, persistence.TransitionUpdate{
		ErrorCode:    code,
		ErrorMessage: message,
		EventType:    "task.failed",
	})
	if err != nil {
		r.logTransitionLoss(r.logger.With("task_id", taskID), "fail", err)
	}
}

func (r *Runner) logTransitionLoss(logger *slog.Logger, action string, err error) {
	var conflict *lifecycle.ConflictError
	switch {
	case errors.Is(err, persistence.ErrTaskNotFound):
		logger.Info("task deleted before terminal transition", "action", action)
	case errors.As(err, &conflict):
		logger.Info("terminal transition lost race", "action", action, "current", string(conflict.Current))
	default:
		logger.Error("terminal transition failed", "action", action, "error", err)
	}
}

func (r *Runner) loadPayload(task *persistence.Task, tool config.ToolConfig) (*agents.Payload, error) {
	params := map[string]any{}
	if len(task.Params) > 0 {
		if err := json.Unmarshal(task.Params, &params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}

	inputs := make(map[string][]byte, len(tool.InputRoles))
	for _, role := range tool.InputRoles {
		rc, _, err := r.gw.ReadInput(task.ID, role)
		if err != nil {
			return nil, fmt.Errorf("read input %s: %w", role, err)
		}
		data, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read input %s: %w", role, err)
		}
		inputs[role] = data
	}

	return &agents.Payload{
		TaskID: task.ID,
		Params: params,
		Inputs: inputs,
		Doc:    map[string]any{},
	}, nil
}

// stagePartial writes the document state accumulated before an agent
// error so a failed run still leaves something to diagnose. Returns an
// empty key when no agent produced anything yet.
func (r *Runner) stagePartial(taskID string, payload *agents.Payload) (string, error) {
	if len(payload.Doc) == 0 {
		return "", nil
	}
	data, err := json.MarshalIndent(payload.Doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode partial results: %w", err)
	}
	return r.gw.WriteOutput(taskID, "partial.json", bytes.NewReader(data))
}

func (r *Runner) stageResult(taskID string, payload *agents.Payload) (string, error) {
	report, ok := payload.Doc["report"]
	if !ok {
		report = payload.Doc
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	return r.gw.WriteOutput(taskID, "report.json", bytes.NewReader(data))
}
