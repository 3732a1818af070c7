package workerunit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Totoro-Yes/VerManager/internal/task"
)

// PostAssignment is one Merge task handed to a PostProcUnit: the set of
// fragment ids it must collect before merging runs.
type PostAssignment struct {
	TaskID    string
	Fragments []string
	Cmds      []string
}

// postJob tracks one in-flight Merge's fragment collection.
type postJob struct {
	assignment PostAssignment
	remaining  map[string]bool
	dir        string
}

// PostProcUnit collects a BuildSet's fragments under PostDir, one
// subdirectory per Merge task id, and runs the Merge recipe once every
// fragment it expects has arrived.
type PostProcUnit struct {
	base

	postDir     string
	newExecutor ExecutorFactory
	notify      StateNotifier
	logs        LogSink

	mu   sync.Mutex
	jobs map[string]*postJob
}

// NewPostProcUnit builds a PostProcUnit rooted at postDir.
func NewPostProcUnit(postDir string, newExecutor ExecutorFactory, notify StateNotifier, logs LogSink) *PostProcUnit {
	u := &PostProcUnit{
		postDir:     postDir,
		newExecutor: newExecutor,
		notify:      notify,
		logs:        logs,
		jobs:        make(map[string]*postJob),
	}
	u.setState(StateReady)
	return u
}

// Begin registers a() as awaiting its fragments, creating its working
// directory.
func (u *PostProcUnit) Begin(a PostAssignment) error {
	dir := filepath.Join(u.postDir, a.TaskID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create post dir: %w", err)
	}

	remaining := make(map[string]bool, len(a.Fragments))
	for _, f := range a.Fragments {
		remaining[f] = true
	}

	u.mu.Lock()
	u.jobs[a.TaskID] = &postJob{assignment: a, remaining: remaining, dir: dir}
	u.mu.Unlock()

	u.setState(StateOverload)
	return nil
}

// ReceiveFragment records one fragment's bytes under postID's working
// directory. Once every expected fragment has arrived it launches the
// Merge run in a new goroutine.
func (u *PostProcUnit) ReceiveFragment(ctx context.Context, postID, fragID string, data []byte) error {
	u.mu.Lock()
	job, ok := u.jobs[postID]
	if !ok {
		u.mu.Unlock()
		return fmt.Errorf("workerunit: unknown post task %q", postID)
	}
	path := filepath.Join(job.dir, fragID)
	u.mu.Unlock()

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write fragment %q: %w", fragID, err)
	}

	u.mu.Lock()
	delete(job.remaining, fragID)
	done := len(job.remaining) == 0
	u.mu.Unlock()

	if done {
		go u.runMerge(ctx, postID, job)
	}
	return nil
}

func (u *PostProcUnit) runMerge(ctx context.Context, postID string, job *postJob) {
	streamer := newSinkWriter(postID, u.logs)
	runner := u.newExecutor(job.dir, streamer)

	exitCode, err := runner.RunAll(ctx, job.assignment.Cmds)

	u.mu.Lock()
	delete(u.jobs, postID)
	u.mu.Unlock()

	if err != nil || exitCode != 0 {
		u.setState(StateReady)
		u.notify.NotifyTaskState(postID, "", task.StateFailure)
		return
	}

	u.setState(StateReady)
	u.notify.NotifyTaskState(postID, "", task.StateFinished)
}

// Pending reports whether postID is currently awaiting fragments or
// running its merge.
func (u *PostProcUnit) Pending(postID string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.jobs[postID]
	return ok
}
