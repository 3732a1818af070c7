package workerunit

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Totoro-Yes/VerManager/internal/task"
)

func TestPostProcUnitMergesOnceAllFragmentsArrive(t *testing.T) {
	runner := &fakeRunner{exitCode: 0}
	notifier := &recordingNotifier{}
	postDir := t.TempDir()

	unit := NewPostProcUnit(postDir, func(workDir string, out io.Writer) Runner { return runner }, notifier, discardSink{})

	if err := unit.Begin(PostAssignment{TaskID: "post-1", Fragments: []string{"linux", "darwin"}, Cmds: []string{"merge"}}); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if !unit.Pending("post-1") {
		t.Fatal("expected post-1 to be pending")
	}

	ctx := context.Background()
	if err := unit.ReceiveFragment(ctx, "post-1", "linux", []byte("linux-bytes")); err != nil {
		t.Fatalf("ReceiveFragment: %v", err)
	}
	if unit.State() != StateOverload {
		t.Errorf("state after one fragment = %v, want OVERLOAD", unit.State())
	}

	if err := unit.ReceiveFragment(ctx, "post-1", "darwin", []byte("darwin-bytes")); err != nil {
		t.Fatalf("ReceiveFragment: %v", err)
	}

	waitFor(t, time.Second, func() bool { return notifier.last() == task.StateFinished })

	if data, err := os.ReadFile(filepath.Join(postDir, "post-1", "linux")); err != nil || string(data) != "linux-bytes" {
		t.Errorf("linux fragment = %q, %v", data, err)
	}
	if len(runner.cmds) != 1 || runner.cmds[0] != "merge" {
		t.Errorf("merge cmds = %v", runner.cmds)
	}
}

func TestPostProcUnitUnknownFragmentFails(t *testing.T) {
	unit := NewPostProcUnit(t.TempDir(), func(workDir string, out io.Writer) Runner { return &fakeRunner{} }, &recordingNotifier{}, discardSink{})

	if err := unit.ReceiveFragment(context.Background(), "missing", "frag", []byte("x")); err == nil {
		t.Fatal("expected error for unknown post task")
	}
}

func TestPostProcUnitReportsFailureOnMergeError(t *testing.T) {
	runner := &fakeRunner{exitCode: 1}
	notifier := &recordingNotifier{}
	unit := NewPostProcUnit(t.TempDir(), func(workDir string, out io.Writer) Runner { return runner }, notifier, discardSink{})

	if err := unit.Begin(PostAssignment{TaskID: "post-2", Fragments: []string{"only"}, Cmds: []string{"merge"}}); err != nil {
		t.Fatal(err)
	}
	if err := unit.ReceiveFragment(context.Background(), "post-2", "only", []byte("bytes")); err != nil {
		t.Fatal(err)
	}

	waitFor(t, time.Second, func() bool { return notifier.last() == task.StateFailure })
	if unit.Pending("post-2") {
		t.Error("expected post-2 to be cleared after merge")
	}
}
