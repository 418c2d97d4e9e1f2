package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/datakiln/internal/lifecycle"
	"github.com/basket/datakiln/internal/persistence"
)

func backdate(t *testing.T, store *persistence.Store, taskID, column, offset string) {
	t.Helper()
	q := "UPDATE tasks SET " + column + " = datetime('now', ?) WHERE id = ?;"
	if _, err := store.DB().Exec(q, offset, taskID); err != nil {
		t.Fatalf("backdate %s: %v", column, err)
	}
}

func TestStaleTasksFindsAbandonedUploads(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	stale := createTestTask(t, store, "alice")
	advanceTo(t, store, stale.ID, lifecycle.StatusUploading)
	backdate(t, store, stale.ID, "upload_started_at", "-20 minutes")

	fresh := createTestTask(t, store, "alice")
	advanceTo(t, store, fresh.ID, lifecycle.StatusUploading)

	done := createTestTask(t, store, "alice")
	advanceTo(t, store, done.ID, lifecycle.StatusQueued)
	backdate(t, store, done.ID, "created_at", "-20 minutes")

	got, err := store.StaleTasks(ctx, time.Now().Add(-15*time.Minute), 100)
	if err != nil {
		t.Fatalf("stale tasks: %v", err)
	}
	if len(got) != 1 || got[0].ID != stale.ID {
		t.Fatalf("got %d stale tasks, want only %s", len(got), stale.ID)
	}
}

func TestStaleTasksClockStartsWithUpload(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	// Created long ago, but the upload window opened a minute ago: the
	// task still has nearly its full window left.
	lateStarter := createTestTask(t, store, "alice")
	advanceTo(t, store, lateStarter.ID, lifecycle.StatusUploading)
	backdate(t, store, lateStarter.ID, "created_at", "-20 minutes")
	backdate(t, store, lateStarter.ID, "upload_started_at", "-1 minutes")

	// Never asked for grants, so created_at is the only clock it has.
	neverStarted := createTestTask(t, store, "alice")
	backdate(t, store, neverStarted.ID, "created_at", "-20 minutes")

	got, err := store.StaleTasks(ctx, time.Now().Add(-15*time.Minute), 100)
	if err != nil {
		t.Fatalf("stale tasks: %v", err)
	}
	if len(got) != 1 || got[0].ID != neverStarted.ID {
		t.Fatalf("got %d stale tasks %v, want only %s", len(got), got, neverStarted.ID)
	}
}

func TestStuckProcessingFindsOverdueRuns(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	stuck := createTestTask(t, store, "alice")
	advanceTo(t, store, stuck.ID, lifecycle.StatusProcessing)
	backdate(t, store, stuck.ID, "processing_started_at", "-45 minutes")

	running := createTestTask(t, store, "alice")
	advanceTo(t, store, running.ID, lifecycle.StatusProcessing)

	got, err := store.StuckProcessing(ctx, time.Now().Add(-30*time.Minute), 100)
	if err != nil {
		t.Fatalf("stuck processing: %v", err)
	}
	if len(got) != 1 || got[0].ID != stuck.ID {
		t.Fatalf("got %d stuck tasks, want only %s", len(got), stuck.ID)
	}
}

func TestCleanupCandidates(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	old := createTestTask(t, store, "alice")
	advanceTo(t, store, old.ID, lifecycle.StatusProcessing)
	if _, err := store.Transition(ctx, old.ID, lifecycle.StatusProcessing, lifecycle.StatusCompleted, persistence.TransitionUpdate{}); err != nil {
		t.Fatal(err)
	}
	backdate(t, store, old.ID, "completed_at", "-40 days")

	recent := createTestTask(t, store, "alice")
	advanceTo(t, store, recent.ID, lifecycle.StatusProcessing)
	if _, err := store.Transition(ctx, recent.ID, lifecycle.StatusProcessing, lifecycle.StatusCompleted, persistence.TransitionUpdate{}); err != nil {
		t.Fatal(err)
	}

	inputs, err := store.InputCleanupCandidates(ctx, time.Now().Add(-7*24*time.Hour), 100)
	if err != nil {
		t.Fatalf("input candidates: %v", err)
	}
	if len(inputs) != 1 || inputs[0].ID != old.ID {
		t.Fatalf("input candidates = %d, want only %s", len(inputs), old.ID)
	}

	outputs, err := store.OutputCleanupCandidates(ctx, time.Now().Add(-30*24*time.Hour), 100)
	if err != nil {
		t.Fatalf("output candidates: %v", err)
	}
	if len(outputs) != 1 || outputs[0].ID != old.ID {
		t.Fatalf("output candidates = %d, want only %s", len(outputs), old.ID)
	}

	if err := store.MarkInputsCleaned(ctx, old.ID); err != nil {
		t.Fatal(err)
	}
	inputs, err = store.InputCleanupCandidates(ctx, time.Now().Add(-7*24*time.Hour), 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(inputs) != 0 {
		t.Errorf("cleaned task still listed as candidate")
	}
}

func TestFailedCleanupCandidatesOwnWindow(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	failed := createTestTask(t, store, "alice")
	advanceTo(t, store, failed.ID, lifecycle.StatusProcessing)
	if _, err := store.Transition(ctx, failed.ID, lifecycle.StatusProcessing, lifecycle.StatusFailed, persistence.TransitionUpdate{}); err != nil {
		t.Fatal(err)
	}
	backdate(t, store, failed.ID, "failed_at", "-8 days")

	// Completed tasks belong to the input/output clocks, never this one.
	completed := createTestTask(t, store, "alice")
	advanceTo(t, store, completed.ID, lifecycle.StatusProcessing)
	if _, err := store.Transition(ctx, completed.ID, lifecycle.StatusProcessing, lifecycle.StatusCompleted, persistence.TransitionUpdate{}); err != nil {
		t.Fatal(err)
	}
	backdate(t, store, completed.ID, "completed_at", "-8 days")

	got, err := store.FailedCleanupCandidates(ctx, time.Now().Add(-7*24*time.Hour), 100)
	if err != nil {
		t.Fatalf("failed candidates: %v", err)
	}
	if len(got) != 1 || got[0].ID != failed.ID {
		t.Fatalf("failed candidates = %d, want only %s", len(got), failed.ID)
	}

	if err := store.MarkInputsCleaned(ctx, failed.ID); err != nil {
		t.Fatal(err)
	}
	got, err = store.FailedCleanupCandidates(ctx, time.Now().Add(-7*24*time.Hour), 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("cleaned task still listed as candidate")
	}
}

func TestMarkRunStartedResetsProcessingClock(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	task := createTestTask(t, store, "alice")
	advanceTo(t, store, task.ID, lifecycle.StatusProcessing)
	backdate(t, store, task.ID, "processing_started_at", "-45 minutes")

	if err := store.MarkRunStarted(ctx, task.ID); err != nil {
		t.Fatalf("mark run started: %v", err)
	}

	stuck, err := store.StuckProcessing(ctx, time.Now().Add(-30*time.Minute), 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(stuck) != 0 {
		t.Errorf("re-stamped run still counted as stuck: %v", stuck)
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ProcessingStartedAt == nil || time.Since(*got.ProcessingStartedAt) > time.Minute {
		t.Errorf("processing_started_at not re-stamped: %v", got.ProcessingStartedAt)
	}
}

func TestRecoverInterrupted(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	orphan := createTestTask(t, store, "alice")
	advanceTo(t, store, orphan.ID, lifecycle.StatusProcessing)

	idle := createTestTask(t, store, "alice")
	advanceTo(t, store, idle.ID, lifecycle.StatusQueued)

	n, err := store.RecoverInterrupted(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered %d tasks, want 1", n)
	}

	got, err := store.GetTask(ctx, orphan.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != lifecycle.StatusFailed {
		t.Errorf("status = %s, want FAILED", got.Status)
	}
	if got.ErrorCode != lifecycle.CodeInternalError {
		t.Errorf("error_code = %q", got.ErrorCode)
	}

	untouched, err := store.GetTask(ctx, idle.ID)
	if err != nil {
		t.Fatal(err)
	}
	if untouched.Status != lifecycle.StatusQueued {
		t.Errorf("idle task moved to %s", untouched.Status)
	}
}

func TestCountByStatus(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	createTestTask(t, store, "alice")
	createTestTask(t, store, "alice")
	q := createTestTask(t, store, "bob")
	advanceTo(t, store, q.ID, lifecycle.StatusQueued)

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[lifecycle.StatusCreated] != 2 || counts[lifecycle.StatusQueued] != 1 {
		t.Errorf("counts = %v", counts)
	}
}
