package lifecycle_test

import (
	"testing"

	"github.com/basket/datakiln/internal/lifecycle"
)

func TestTerminalStatesHaveNoOutgoingEdges(t *testing.T) {
	terminals := []lifecycle.Status{
		lifecycle.StatusCompleted,
		lifecycle.StatusFailed,
		lifecycle.StatusCancelled,
		lifecycle.StatusExpired,
	}
	for _, from := range terminals {
		if !lifecycle.Terminal(from) {
			t.Errorf("%s should be terminal", from)
		}
		for _, to := range lifecycle.All {
			if lifecycle.CanTransition(from, to) {
				t.Errorf("terminal %s must not transition to %s", from, to)
			}
		}
	}
}

func TestLegalEdges(t *testing.T) {
	cases := []struct {
		from, to lifecycle.Status
		want     bool
	}{
		{lifecycle.StatusCreated, lifecycle.StatusUploading, true},
		{lifecycle.StatusCreated, lifecycle.StatusExpired, true},
		{lifecycle.StatusCreated, lifecycle.StatusProcessing, false},
		{lifecycle.StatusUploading, lifecycle.StatusQueued, true},
		{lifecycle.StatusUploading, lifecycle.StatusUploadFailed, true},
		{lifecycle.StatusUploading, lifecycle.StatusExpired, true},
		{lifecycle.StatusUploadFailed, lifecycle.StatusUploading, true},
		{lifecycle.StatusUploadFailed, lifecycle.StatusQueued, false},
		{lifecycle.StatusQueued, lifecycle.StatusProcessing, true},
		{lifecycle.StatusQueued, lifecycle.StatusCompleted, false},
		{lifecycle.StatusProcessing, lifecycle.StatusCompleted, true},
		{lifecycle.StatusProcessing, lifecycle.StatusFailed, true},
		{lifecycle.StatusProcessing, lifecycle.StatusCancelled, true},
		{lifecycle.StatusProcessing, lifecycle.StatusQueued, false},
		{lifecycle.StatusCompleted, lifecycle.StatusFailed, false},
	}
	for _, tc := range cases {
		if got := lifecycle.CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTerminalColumnMapping(t *testing.T) {
	want := map[lifecycle.Status]string{
		lifecycle.StatusCompleted: "completed_at",
		lifecycle.StatusFailed:    "failed_at",
		lifecycle.StatusCancelled: "cancelled_at",
		lifecycle.StatusExpired:   "expired_at",
	}
	for s, col := range want {
		if got := lifecycle.TerminalColumn(s); got != col {
			t.Errorf("TerminalColumn(%s) = %q, want %q", s, got, col)
		}
	}
	if got := lifecycle.TerminalColumn(lifecycle.StatusQueued); got != "" {
		t.Errorf("TerminalColumn(QUEUED) = %q, want empty", got)
	}
}

func TestValid(t *testing.T) {
	for _, s := range lifecycle.All {
		if !lifecycle.Valid(s) {
			t.Errorf("Valid(%s) = false", s)
		}
	}
	if lifecycle.Valid("RUNNING") {
		t.Error("Valid(RUNNING) should be false")
	}
}
