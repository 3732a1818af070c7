package tasktracker

import (
	"testing"

	"github.com/Totoro-Yes/VerManager/internal/task"
)

func TestTrackAssignUntrack(t *testing.T) {
	tr := New()
	tk := task.New("t-1", "svc", "1.0", nil)
	tr.Track(tk)

	if !tr.IsTracked("t-1") {
		t.Fatal("expected t-1 to be tracked")
	}
	if tr.WhichWorker("t-1") != "" {
		t.Error("expected unassigned task to have no worker")
	}

	tr.AssignWorker("t-1", "w-1")
	if tr.WhichWorker("t-1") != "w-1" {
		t.Errorf("WhichWorker = %q, want w-1", tr.WhichWorker("t-1"))
	}

	tr.Untrack("t-1")
	if tr.IsTracked("t-1") {
		t.Error("expected t-1 to be untracked")
	}
}

func TestOnWorker(t *testing.T) {
	tr := New()
	tr.Track(task.New("t-1", "svc", "1.0", nil))
	tr.Track(task.New("t-2", "svc", "1.0", nil))
	tr.Track(task.New("t-3", "svc", "1.0", nil))
	tr.AssignWorker("t-1", "w-1")
	tr.AssignWorker("t-2", "w-1")
	tr.AssignWorker("t-3", "w-2")

	onW1 := tr.OnWorker("w-1")
	if len(onW1) != 2 {
		t.Errorf("OnWorker(w-1) len = %d, want 2", len(onW1))
	}
}
