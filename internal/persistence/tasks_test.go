package persistence_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/basket/datakiln/internal/lifecycle"
	"github.com/basket/datakiln/internal/persistence"
)

func createTestTask(t *testing.T, store *persistence.Store, owner string) *persistence.Task {
	t.Helper()
	task, err := store.CreateTask(context.Background(), owner, "doc-summarize", json.RawMessage(`{"max_sentences":5}`), 3)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

// advanceTo walks a freshly created task along legal edges until it
// reaches the wanted status.
func advanceTo(t *testing.T, store *persistence.Store, taskID string, want lifecycle.Status) {
	t.Helper()
	ctx := context.Background()
	path := []lifecycle.Status{
		lifecycle.StatusCreated,
		lifecycle.StatusUploading,
		lifecycle.StatusQueued,
		lifecycle.StatusProcessing,
	}
	for i := 0; i+1 < len(path); i++ {
		if path[i] == want {
			return
		}
		if _, err := store.Transition(ctx, taskID, path[i], path[i+1], persistence.TransitionUpdate{}); err != nil {
			t.Fatalf("advance %s -> %s: %v", path[i], path[i+1], err)
		}
		if path[i+1] == want {
			return
		}
	}
	t.Fatalf("cannot advance to %s", want)
}

func TestCreateAndGetTask(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	task := createTestTask(t, store, "alice")
	if task.Status != lifecycle.StatusCreated {
		t.Errorf("status = %s, want CREATED", task.Status)
	}
	if task.OwnerID != "alice" || task.ToolID != "doc-summarize" {
		t.Errorf("unexpected owner/tool: %s/%s", task.OwnerID, task.ToolID)
	}
	if task.AgentsTotal != 3 {
		t.Errorf("agents_total = %d, want 3", task.AgentsTotal)
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.ID != task.ID {
		t.Errorf("got id %s, want %s", got.ID, task.ID)
	}

	events, err := store.ListTaskEvents(ctx, task.ID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].EventType != "task.created" {
		t.Errorf("expected single task.created event, got %+v", events)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	store, _ := openTestStore(t)
	if _, err := store.GetTask(context.Background(), "no-such-id"); !errors.Is(err, persistence.ErrTaskNotFound) {
		t.Fatalf("err = %v, want ErrTaskNotFound", err)
	}
}

func TestTransitionCheckAndSet(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task := createTestTask(t, store, "alice")

	got, err := store.Transition(ctx, task.ID, lifecycle.StatusCreated, lifecycle.StatusUploading, persistence.TransitionUpdate{})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if got.Status != lifecycle.StatusUploading {
		t.Errorf("status = %s, want UPLOADING", got.Status)
	}
	if got.UploadStartedAt == nil {
		t.Error("upload_started_at not stamped")
	}

	// Stale from-state: the stored status moved on.
	_, err = store.Transition(ctx, task.ID, lifecycle.StatusCreated, lifecycle.StatusUploading, persistence.TransitionUpdate{})
	var conflict *lifecycle.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want ConflictError", err)
	}
	if conflict.Current != lifecycle.StatusUploading {
		t.Errorf("conflict.Current = %s, want UPLOADING", conflict.Current)
	}

	// Edge not in the transition table.
	_, err = store.Transition(ctx, task.ID, lifecycle.StatusUploading, lifecycle.StatusCompleted, persistence.TransitionUpdate{})
	var illegal *lifecycle.IllegalError
	if !errors.As(err, &illegal) {
		t.Fatalf("err = %v, want IllegalError", err)
	}
}

func TestTransitionStampsTerminalTimestamp(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task := createTestTask(t, store, "alice")
	advanceTo(t, store, task.ID, lifecycle.StatusProcessing)

	got, err := store.Transition(ctx, task.ID, lifecycle.StatusProcessing, lifecycle.StatusFailed, persistence.TransitionUpdate{
		ErrorCode:    lifecycle.CodeAgentError,
		ErrorMessage: "agent summarize failed",
	})
	if err != nil {
		t.Fatalf("transition to FAILED: %v", err)
	}
	if got.FailedAt == nil {
		t.Error("failed_at not stamped")
	}
	if got.ErrorCode != lifecycle.CodeAgentError {
		t.Errorf("error_code = %q", got.ErrorCode)
	}
	if got.ErrorMessage != "agent summarize failed" {
		t.Errorf("error_message = %q", got.ErrorMessage)
	}
}

func TestTransitionRecordsEventTrail(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task := createTestTask(t, store, "alice")
	advanceTo(t, store, task.ID, lifecycle.StatusQueued)

	events, err := store.ListTaskEvents(ctx, task.ID, 50)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	// task.created + CREATED->UPLOADING + UPLOADING->QUEUED.
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	last := events[2]
	if last.StateFrom != lifecycle.StatusUploading || last.StateTo != lifecycle.StatusQueued {
		t.Errorf("last event edge = %s -> %s", last.StateFrom, last.StateTo)
	}
}

func TestConcurrentTransitionSingleWinner(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task := createTestTask(t, store, "alice")
	advanceTo(t, store, task.ID, lifecycle.StatusQueued)

	const racers = 8
	var wg sync.WaitGroup
	wins := make(chan struct{}, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Transition(ctx, task.ID, lifecycle.StatusQueued, lifecycle.StatusProcessing, persistence.TransitionUpdate{})
			if err == nil {
				wins <- struct{}{}
				return
			}
			var conflict *lifecycle.ConflictError
			if !errors.As(err, &conflict) {
				t.Errorf("racer got unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners int
	for range wins {
		winners++
	}
	if winners != 1 {
		t.Fatalf("got %d winners, want exactly 1", winners)
	}
}

func TestUpdateProgressMonotonic(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task := createTestTask(t, store, "alice")
	advanceTo(t, store, task.ID, lifecycle.StatusProcessing)

	ok, err := store.UpdateProgress(ctx, task.ID, 45, "summarize", 1)
	if err != nil || !ok {
		t.Fatalf("progress 45: ok=%v err=%v", ok, err)
	}

	// A stale lower write must not go backwards.
	ok, err = store.UpdateProgress(ctx, task.ID, 20, "extract-text", 0)
	if err != nil {
		t.Fatalf("progress 20: %v", err)
	}
	if ok {
		t.Error("stale lower progress write was applied")
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Progress != 45 || got.CurrentAgent != "summarize" {
		t.Errorf("progress = %d agent = %q, want 45/summarize", got.Progress, got.CurrentAgent)
	}
}

func TestUpdateProgressRequiresProcessing(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task := createTestTask(t, store, "alice")

	ok, err := store.UpdateProgress(ctx, task.ID, 50, "summarize", 1)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("progress applied to non-PROCESSING task")
	}
}

func TestRequestCancelOnlyProcessing(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task := createTestTask(t, store, "alice")

	ok, err := store.RequestCancel(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("cancel flag set on CREATED task")
	}

	advanceTo(t, store, task.ID, lifecycle.StatusProcessing)
	ok, err = store.RequestCancel(ctx, task.ID)
	if err != nil || !ok {
		t.Fatalf("cancel PROCESSING: ok=%v err=%v", ok, err)
	}

	flagged, err := store.CancelRequested(ctx, task.ID)
	if err != nil || !flagged {
		t.Fatalf("cancel flag: flagged=%v err=%v", flagged, err)
	}
}

func TestListTasksOwnerScopedAndFiltered(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	a1 := createTestTask(t, store, "alice")
	a2 := createTestTask(t, store, "alice")
	_ = createTestTask(t, store, "bob")
	advanceTo(t, store, a2.ID, lifecycle.StatusUploading)

	all, err := store.ListTasks(ctx, "alice", "", 50, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("alice tasks = %d, want 2", len(all))
	}

	created, err := store.ListTasks(ctx, "alice", lifecycle.StatusCreated, 50, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 1 || created[0].ID != a1.ID {
		t.Errorf("CREATED filter returned %d tasks", len(created))
	}

	page, err := store.ListTasks(ctx, "alice", "", 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 {
		t.Errorf("page of 1 offset 1 returned %d tasks", len(page))
	}
}

func TestDeleteTaskRemovesEvents(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task := createTestTask(t, store, "alice")
	advanceTo(t, store, task.ID, lifecycle.StatusUploading)

	if err := store.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetTask(ctx, task.ID); !errors.Is(err, persistence.ErrTaskNotFound) {
		t.Errorf("get after delete: %v", err)
	}

	var count int
	if err := store.DB().QueryRow(`SELECT COUNT(1) FROM task_events WHERE task_id = ?;`, task.ID).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("%d orphan events remain", count)
	}

	if err := store.DeleteTask(ctx, task.ID); !errors.Is(err, persistence.ErrTaskNotFound) {
		t.Errorf("second delete: %v", err)
	}
}
