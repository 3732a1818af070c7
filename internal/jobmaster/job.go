// Package jobmaster binds an incoming Job to a recipe, expands it into one
// or more Tasks, dispatches them, and maintains the Job's own state as its
// tasks complete.
package jobmaster

import (
	"sync"

	"github.com/Totoro-Yes/VerManager/internal/task"
)

// JobState is a Job's own lifecycle, distinct from its tasks' States.
type JobState int

const (
	JobPending JobState = iota
	JobInProcessing
	JobDone
)

func (s JobState) String() string {
	switch s {
	case JobPending:
		return "PENDING"
	case JobInProcessing:
		return "IN_PROCESSING"
	case JobDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Job is one submitted unit of work: a command id naming a recipe in the
// Book, descriptive Info (sn/vsn and whatever else the recipe's macros
// need), and the Tasks it was bound to.
type Job struct {
	ID       string
	CmdID    string
	Info     map[string]string
	UniqueID int64
	State    JobState
	Result   string

	// TerminalIdent names the task whose resultPath is the job's own
	// result: a BuildSet's Post task (keyed by ID), or a plain Build's
	// lone task (keyed by its Build ident). Set during bind.
	TerminalIdent string

	mu    sync.Mutex
	tasks map[string]*task.Task // keyed by short ident (Build.Ident, or ID for a Post task)
}

// NewJob creates a Job in JobPending with no bound tasks.
func NewJob(id, cmdID string, info map[string]string) *Job {
	if info == nil {
		info = map[string]string{}
	}
	return &Job{
		ID:    id,
		CmdID: cmdID,
		Info:  info,
		State: JobPending,
		tasks: make(map[string]*task.Task),
	}
}

// IsValid mirrors the original's is_valid: a non-empty id and command id,
// and no zero-length task ident.
func (j *Job) IsValid() bool {
	if j.ID == "" || j.CmdID == "" {
		return false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	for ident := range j.tasks {
		if ident == "" {
			return false
		}
	}
	return true
}

// AddTask binds a task under ident, refusing to overwrite an existing one.
func (j *Job) AddTask(ident string, t *task.Task) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, exists := j.tasks[ident]; exists {
		return
	}
	j.tasks[ident] = t
}

// Task returns the task bound under ident, or nil.
func (j *Job) Task(ident string) *task.Task {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.tasks[ident]
}

// Tasks returns every task bound to the job.
func (j *Job) Tasks() []*task.Task {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]*task.Task, 0, len(j.tasks))
	for _, t := range j.tasks {
		out = append(out, t)
	}
	return out
}

// NumTasks returns how many tasks are bound.
func (j *Job) NumTasks() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.tasks)
}

// IsFinished reports whether every bound task has reached StateFinished.
func (j *Job) IsFinished() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, t := range j.tasks {
		if t.State() != task.StateFinished {
			return false
		}
	}
	return true
}
