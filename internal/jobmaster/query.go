package jobmaster

import (
	"github.com/Totoro-Yes/VerManager/internal/task"
)

// the default read chunk for a buffered task-output query.
const taskQueryChunk = 64 * 1024

// TaskOutcome is one task's terminal state, the read-side counterpart
// of a persisted TaskHistory row.
type TaskOutcome struct {
	TaskName string
	State    string
}

// HistoryEntry mirrors a terminated job's JobHistory/TaskHistory rows.
type HistoryEntry struct {
	UniqueID int64
	JobID    string
	FilePath string
	Tasks    []TaskOutcome
}

// HistoryReader is the read side of job history, kept as a jobmaster
// interface (rather than importing internal/storage directly) since
// internal/storage already imports jobmaster for its write side.
type HistoryReader interface {
	ListJobHistory() ([]HistoryEntry, error)
}

// ArtifactReader is the subset of internal/pdb.DB the "task" query needs
// to serve a client's buffered-output read. *pdb.DB satisfies this
// without either package importing the other.
type ArtifactReader interface {
	IsExists(key string) bool
	IsOpen(key string) bool
	Open(key string) error
	Read(key string, length int, pos int64) ([]byte, error)
}

// TaskSnapshot names one bound task and its live state.
type TaskSnapshot struct {
	TaskID string
	State  string
}

// JobSnapshot is one in-flight job as reported by the "processing" query.
type JobSnapshot struct {
	UniqueID int64
	JobID    string
	Tasks    []TaskSnapshot
}

// FileResult names a finished job's landed artifact, the "files" query.
type FileResult struct {
	UniqueID int64
	JobID    string
	FilePath string
}

// QueryService answers the query-by-key surface ("processing | history |
// files | task") an external proxy serves client queries through. It
// never touches the network itself; Master owns dispatch and state.
type QueryService struct {
	master    *Master
	historyR  HistoryReader
	artifacts ArtifactReader
}

// NewQueryService builds a QueryService over a live Master plus the
// read-side collaborators for history and buffered task output. Either
// collaborator may be nil, in which case that query returns empty.
func NewQueryService(master *Master, historyR HistoryReader, artifacts ArtifactReader) *QueryService {
	return &QueryService{master: master, historyR: historyR, artifacts: artifacts}
}

// Processing answers "processing": a snapshot of every job still in flight.
func (q *QueryService) Processing() []JobSnapshot {
	q.master.mu.Lock()
	jobs := make([]*Job, 0, len(q.master.jobs))
	for _, j := range q.master.jobs {
		jobs = append(jobs, j)
	}
	q.master.mu.Unlock()

	out := make([]JobSnapshot, 0, len(jobs))
	for _, j := range jobs {
		var tasks []TaskSnapshot
		for _, t := range j.Tasks() {
			tasks = append(tasks, TaskSnapshot{TaskID: trimTaskPrefix(t.ID), State: t.State().String()})
		}
		out = append(out, JobSnapshot{UniqueID: j.UniqueID, JobID: j.ID, Tasks: tasks})
	}
	return out
}

// History answers "history": every terminated job's recorded outcome.
func (q *QueryService) History() ([]HistoryEntry, error) {
	if q.historyR == nil {
		return nil, nil
	}
	return q.historyR.ListJobHistory()
}

// Files answers "files": the landed artifact path of every finished job.
func (q *QueryService) Files() ([]FileResult, error) {
	entries, err := q.History()
	if err != nil {
		return nil, err
	}
	out := make([]FileResult, 0, len(entries))
	for _, e := range entries {
		if e.FilePath == "" {
			continue
		}
		out = append(out, FileResult{UniqueID: e.UniqueID, JobID: e.JobID, FilePath: e.FilePath})
	}
	return out, nil
}

// Task answers "task": a chunk of a single task's buffered output
// starting at pos, plus whether the task has finished. isFin is looked up
// only among the Master's in-flight jobs: once the owning job has ended
// and left that table, isFin is false.
func (q *QueryService) Task(uid, tid string, pos int64) (data []byte, isFin bool, err error) {
	if q.artifacts == nil {
		return nil, false, nil
	}
	key := uid + "_" + tid
	if !q.artifacts.IsExists(key) {
		return nil, false, nil
	}
	if !q.artifacts.IsOpen(key) {
		if err := q.artifacts.Open(key); err != nil {
			return nil, false, err
		}
	}
	data, err = q.artifacts.Read(key, taskQueryChunk, pos)
	if err != nil {
		return nil, false, err
	}

	if job := q.master.Job(uid); job != nil {
		if t := job.Task(tid); t != nil {
			isFin = t.State() == task.StateFinished
		}
	}
	return data, isFin, nil
}
