package workerunit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/Totoro-Yes/VerManager/internal/task"
)

// queueDepth matches the original's fixed-size asyncio.Queue(4096) per
// ProcUnit; a worker process is never expected to need more than one
// Single task queued per slot in practice, but the cap is kept generous.
const queueDepth = 4096

// ErrQueueFull is returned by Enqueue when a unit's backlog is full.
var ErrQueueFull = errors.New("workerunit: job queue full")

// ErrUnitUnavailable is returned by Enqueue when the unit isn't accepting
// new work (STOP, DENY or DIRTY).
var ErrUnitUnavailable = errors.New("workerunit: unit not accepting work")

// ErrNotRunning is returned by Cancel when no task matching the id is
// either queued or in flight.
var ErrNotRunning = errors.New("workerunit: task not found")

// Assignment is one Single task handed to a JobProcUnit.
type Assignment struct {
	TaskID string
	Parent string
	SN     string // revision to check out
	Cmds   []string
}

// Syncer ensures a project's working copy is checked out at a revision
// before a job's commands run. internal/worker's RepoSync satisfies this.
type Syncer interface {
	Sync(ctx context.Context, repoURL, projectName, revision string, out func(string)) (string, error)
}

// Runner executes a recipe's command list from a working directory.
// internal/worker's Executor satisfies this via RunAll.
type Runner interface {
	RunAll(ctx context.Context, cmds []string) (int, error)
}

// ExecutorFactory builds a Runner bound to a working directory and
// combined-output writer, one per job (the original rebuilt its
// CommandExecutor per job too).
type ExecutorFactory func(workDir string, out io.Writer) Runner

// StateNotifier reports a task's state transitions back to the master.
type StateNotifier interface {
	NotifyTaskState(taskID, parent string, state task.State)
}

// LogSink ships a task's combined output to the master as it runs.
type LogSink interface {
	SendLog(taskID, message string)
}

// JobProcUnit runs Single tasks one at a time: repo sync at the job's
// revision, then the recipe's command list, reporting state transitions
// and streaming output as it goes.
type JobProcUnit struct {
	base

	repoURL     string
	projectName string
	syncer      Syncer
	newExecutor ExecutorFactory
	notify      StateNotifier
	logs        LogSink

	queue chan Assignment

	mu            sync.Mutex
	current       string // task id in flight, "" if idle
	currentParent string
	cancels       map[string]context.CancelFunc
}

// NewJobProcUnit builds a JobProcUnit for one project. syncer and
// newExecutor are the worker's RepoSync/Executor, injected so this
// package never imports internal/worker (it is imported BY internal/worker).
func NewJobProcUnit(repoURL, projectName string, syncer Syncer, newExecutor ExecutorFactory, notify StateNotifier, logs LogSink) *JobProcUnit {
	u := &JobProcUnit{
		repoURL:     repoURL,
		projectName: projectName,
		syncer:      syncer,
		newExecutor: newExecutor,
		notify:      notify,
		logs:        logs,
		queue:       make(chan Assignment, queueDepth),
		cancels:     make(map[string]context.CancelFunc),
	}
	u.setState(StateReady)
	return u
}

// Enqueue accepts a new Single task for this unit, or reports why it
// can't right now.
func (u *JobProcUnit) Enqueue(a Assignment) error {
	switch u.State() {
	case StateDeny, StateDirty, StateStop:
		return ErrUnitUnavailable
	}
	select {
	case u.queue <- a:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run drains the queue, one job at a time, until ctx is cancelled.
func (u *JobProcUnit) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			u.setState(StateStop)
			return
		case a := <-u.queue:
			u.runOne(ctx, a)
		}
	}
}

// CurrentTask returns the id and parent job id of the task in flight on
// this unit, if any.
func (u *JobProcUnit) CurrentTask() (taskID, parent string, ok bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.current == "" {
		return "", "", false
	}
	return u.current, u.currentParent, true
}

// Cancel stops a queued or in-flight task by id. Returns ErrNotRunning if
// neither matched.
func (u *JobProcUnit) Cancel(taskID string) error {
	u.mu.Lock()
	if cancel, ok := u.cancels[taskID]; ok {
		delete(u.cancels, taskID)
		u.mu.Unlock()
		cancel()
		return nil
	}
	u.mu.Unlock()

	// Not in flight; drain and re-queue everything except taskID.
	var kept []Assignment
	found := false
	for {
		select {
		case a := <-u.queue:
			if a.TaskID == taskID {
				found = true
				continue
			}
			kept = append(kept, a)
		default:
			for _, a := range kept {
				u.queue <- a
			}
			if !found {
				return ErrNotRunning
			}
			return nil
		}
	}
}

func (u *JobProcUnit) runOne(ctx context.Context, a Assignment) {
	jobCtx, cancel := context.WithCancel(ctx)
	u.mu.Lock()
	u.current = a.TaskID
	u.currentParent = a.Parent
	u.cancels[a.TaskID] = cancel
	u.mu.Unlock()
	defer func() {
		u.mu.Lock()
		u.current = ""
		u.currentParent = ""
		delete(u.cancels, a.TaskID)
		u.mu.Unlock()
		cancel()
	}()

	u.setState(StateOverload)
	u.notify.NotifyTaskState(a.TaskID, a.Parent, task.StateInProc)

	workDir, err := u.syncer.Sync(jobCtx, u.repoURL, u.projectName, a.SN, func(line string) {
		u.logs.SendLog(a.TaskID, line)
	})
	if err != nil {
		u.setState(StateDirty)
		u.notify.NotifyTaskState(a.TaskID, a.Parent, task.StateFailure)
		u.logs.SendLog(a.TaskID, fmt.Sprintf("sync failed: %v\n", err))
		return
	}

	streamer := newSinkWriter(a.TaskID, u.logs)
	runner := u.newExecutor(workDir, streamer)
	exitCode, err := runner.RunAll(jobCtx, a.Cmds)
	if err != nil {
		u.setState(StateExcep)
		u.notify.NotifyTaskState(a.TaskID, a.Parent, task.StateFailure)
		u.logs.SendLog(a.TaskID, fmt.Sprintf("run failed: %v\n", err))
		return
	}

	if exitCode != 0 {
		u.setState(StateReady)
		u.notify.NotifyTaskState(a.TaskID, a.Parent, task.StateFailure)
		return
	}

	u.setState(StateReady)
	u.notify.NotifyTaskState(a.TaskID, a.Parent, task.StateFinished)
}

// sinkWriter adapts a LogSink to io.Writer for direct use as a Runner's
// combined output stream.
type sinkWriter struct {
	taskID string
	logs   LogSink
}

func newSinkWriter(taskID string, logs LogSink) *sinkWriter {
	return &sinkWriter{taskID: taskID, logs: logs}
}

func (w *sinkWriter) Write(p []byte) (int, error) {
	w.logs.SendLog(w.taskID, string(p))
	return len(p), nil
}
