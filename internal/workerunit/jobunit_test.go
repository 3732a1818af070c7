package workerunit

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/Totoro-Yes/VerManager/internal/task"
)

type fakeSyncer struct {
	workDir string
	err     error
}

func (f *fakeSyncer) Sync(ctx context.Context, repoURL, projectName, revision string, out func(string)) (string, error) {
	if out != nil {
		out("synced\n")
	}
	return f.workDir, f.err
}

type fakeRunner struct {
	exitCode int
	err      error
	cmds     []string
}

func (f *fakeRunner) RunAll(ctx context.Context, cmds []string) (int, error) {
	f.cmds = cmds
	return f.exitCode, f.err
}

type recordingNotifier struct {
	mu     sync.Mutex
	states []task.State
}

func (r *recordingNotifier) NotifyTaskState(taskID, parent string, state task.State) {
	r.mu.Lock()
	r.states = append(r.states, state)
	r.mu.Unlock()
}

func (r *recordingNotifier) last() task.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return task.StatePrepare
	}
	return r.states[len(r.states)-1]
}

type discardSink struct{}

func (discardSink) SendLog(taskID, message string) {}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestJobProcUnitRunsAndReportsFinished(t *testing.T) {
	runner := &fakeRunner{exitCode: 0}
	notifier := &recordingNotifier{}
	unit := NewJobProcUnit("git://repo", "proj", &fakeSyncer{workDir: "/tmp/proj"},
		func(workDir string, out io.Writer) Runner { return runner }, notifier, discardSink{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go unit.Run(ctx)

	if err := unit.Enqueue(Assignment{TaskID: "9_main", SN: "abc123", Cmds: []string{"make"}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, time.Second, func() bool { return notifier.last() == task.StateFinished })
	if len(runner.cmds) != 1 || runner.cmds[0] != "make" {
		t.Errorf("cmds = %v", runner.cmds)
	}
	waitFor(t, time.Second, func() bool { return unit.State() == StateReady })
}

func TestJobProcUnitReportsFailureOnNonzeroExit(t *testing.T) {
	runner := &fakeRunner{exitCode: 1}
	notifier := &recordingNotifier{}
	unit := NewJobProcUnit("git://repo", "proj", &fakeSyncer{workDir: "/tmp/proj"},
		func(workDir string, out io.Writer) Runner { return runner }, notifier, discardSink{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go unit.Run(ctx)

	if err := unit.Enqueue(Assignment{TaskID: "9_main", SN: "abc123"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, time.Second, func() bool { return notifier.last() == task.StateFailure })
}

func TestJobProcUnitGoesDirtyOnSyncFailure(t *testing.T) {
	notifier := &recordingNotifier{}
	unit := NewJobProcUnit("git://repo", "proj", &fakeSyncer{err: errors.New("checkout failed")},
		func(workDir string, out io.Writer) Runner { return &fakeRunner{} }, notifier, discardSink{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go unit.Run(ctx)

	if err := unit.Enqueue(Assignment{TaskID: "9_main", SN: "abc123"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, time.Second, func() bool { return notifier.last() == task.StateFailure })
	waitFor(t, time.Second, func() bool { return unit.State() == StateDirty })

	if err := unit.Enqueue(Assignment{TaskID: "other"}); !errors.Is(err, ErrUnitUnavailable) {
		t.Errorf("Enqueue on dirty unit = %v, want ErrUnitUnavailable", err)
	}

	unit.Reset()
	if unit.State() != StateReady {
		t.Errorf("state after Reset = %v, want READY", unit.State())
	}
}

func TestJobProcUnitQueueFull(t *testing.T) {
	block := make(chan struct{})
	runner := &fakeRunner{exitCode: 0}
	notifier := &recordingNotifier{}
	unit := NewJobProcUnit("git://repo", "proj", &fakeSyncer{workDir: "/tmp/proj"},
		func(workDir string, out io.Writer) Runner { return runner }, notifier, discardSink{})

	// Fill the queue directly without running the consumer, so Enqueue
	// past capacity observes ErrQueueFull deterministically.
	for i := 0; i < queueDepth; i++ {
		unit.queue <- Assignment{TaskID: "filler"}
	}
	close(block)

	if err := unit.Enqueue(Assignment{TaskID: "overflow"}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Enqueue past capacity = %v, want ErrQueueFull", err)
	}
}

func TestJobProcUnitCancelQueued(t *testing.T) {
	notifier := &recordingNotifier{}
	unit := NewJobProcUnit("git://repo", "proj", &fakeSyncer{workDir: "/tmp"},
		func(workDir string, out io.Writer) Runner { return &fakeRunner{} }, notifier, discardSink{})

	if err := unit.Enqueue(Assignment{TaskID: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := unit.Enqueue(Assignment{TaskID: "b"}); err != nil {
		t.Fatal(err)
	}

	if err := unit.Cancel("a"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := unit.Cancel("missing"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Cancel(missing) = %v, want ErrNotRunning", err)
	}

	remaining := <-unit.queue
	if remaining.TaskID != "b" {
		t.Errorf("remaining queued task = %q, want b", remaining.TaskID)
	}
}
