package jobmaster

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Totoro-Yes/VerManager/internal/protocol"
	"github.com/Totoro-Yes/VerManager/internal/recipe"
	"github.com/Totoro-Yes/VerManager/internal/task"
)

// ErrCommandNotFound means job.CmdID names no recipe in the Book, the
// analog of the original's Job_Command_Not_Found.
var ErrCommandNotFound = errors.New("jobmaster: job command not found")

// ErrBindFailed means the job's Info is missing "sn" or "vsn", the analog
// of Job_Bind_Failed.
var ErrBindFailed = errors.New("jobmaster: job missing sn/vsn, cannot bind")

// ErrInvalidJob means Job.IsValid() failed.
var ErrInvalidJob = errors.New("jobmaster: invalid job")

// ErrDuplicateBind means this exact (cmd id, sn, vsn) triple is already
// bound to a job still in flight.
var ErrDuplicateBind = errors.New("jobmaster: sn/vsn already bound for this command")

// Dispatching is the subset of *dispatcher.Dispatcher the job master
// drives tasks through.
type Dispatching interface {
	Dispatch(t *task.Task)
	Cancel(taskID string)
}

// IDAllocator hands out unique job ids. InMemoryAllocator is the default;
// a storage-backed allocator can persist the counter across restarts.
type IDAllocator interface {
	NextJobID() (int64, error)
}

// InMemoryAllocator is a process-local, non-persistent IDAllocator.
type InMemoryAllocator struct {
	next int64
}

// NextJobID returns the next id, starting at 1.
func (a *InMemoryAllocator) NextJobID() (int64, error) {
	return atomic.AddInt64(&a.next, 1), nil
}

// HistoryRecorder persists a submitted job and, once it terminates, its
// outcome. Implemented by internal/storage; nil is a valid no-op choice
// for callers that don't need persistence.
type HistoryRecorder interface {
	RecordJob(job *Job) error
	RecordJobHistory(job *Job) error
}

// Master binds submitted Jobs to recipes in its Book, dispatches their
// tasks, and maintains each Job's state as task Responses arrive.
type Master struct {
	book       recipe.Book
	dispatcher Dispatching
	allocator  IDAllocator
	history    HistoryRecorder
	notifier   ClientNotifier
	versions   *VersionControl
	resultDir  string
	log        *slog.Logger

	mu   sync.Mutex
	jobs map[string]*Job // keyed by strconv.FormatInt(UniqueID, 10)
}

// New creates a Master. dispatcher may be set after construction via
// SetDispatcher if it needs a reference back to the Master first (its
// NotifyFunc is typically Master.HandleTaskState).
func New(book recipe.Book, allocator IDAllocator, history HistoryRecorder, log *slog.Logger) *Master {
	if allocator == nil {
		allocator = &InMemoryAllocator{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Master{
		book:      book,
		allocator: allocator,
		history:   history,
		versions:  NewVersionControl(),
		log:       log,
		jobs:      make(map[string]*Job),
	}
}

// SetDispatcher wires the dispatcher after construction, breaking the
// construction cycle where the dispatcher's NotifyFunc is a Master method.
func (m *Master) SetDispatcher(d Dispatching) {
	m.dispatcher = d
}

// SetNotifier wires the sink every client-visible job message is
// published through. A nil notifier (the default) makes publishing a
// no-op, which keeps Master usable standalone in tests.
func (m *Master) SetNotifier(n ClientNotifier) {
	m.notifier = n
}

// SetResultDir sets the root directory finished artifacts are landed
// under; job.Result is reported relative to it once a terminal task's
// artifact has a home. Empty (the default) reports the recipe's raw
// relative output path instead.
func (m *Master) SetResultDir(dir string) {
	m.resultDir = dir
}

// SubmitJob binds job to its named recipe, generates its tasks, and
// dispatches them. It mirrors the original's do_job/_do_job/bind pipeline.
func (m *Master) SubmitJob(job *Job) error {
	uid, err := m.allocator.NextJobID()
	if err != nil {
		return fmt.Errorf("allocate job id: %w", err)
	}
	job.UniqueID = uid

	if err := m.bind(job); err != nil {
		m.publishJobFail(job)
		return err
	}
	if !job.IsValid() {
		m.publishJobFail(job)
		return ErrInvalidJob
	}

	m.mu.Lock()
	m.jobs[strconv.FormatInt(uid, 10)] = job
	m.mu.Unlock()

	if m.history != nil {
		if err := m.history.RecordJob(job); err != nil {
			m.log.Warn("record job failed", "job_id", job.ID, "error", err)
		}
	}

	for _, t := range job.Tasks() {
		m.dispatcher.Dispatch(t)
	}
	job.State = JobInProcessing
	m.publishJobInfo(job)

	m.log.Info("job dispatched", "job_id", job.ID, "unique_id", uid, "tasks", job.NumTasks())
	return nil
}

// bind looks up job.CmdID in the Book and expands it into job.Tasks, per
// whether the recipe is a BuildSet (Builds+Merge) or a plain Build.
func (m *Master) bind(job *Job) error {
	r, ok := m.book[job.CmdID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCommandNotFound, job.CmdID)
	}

	sn, hasSN := job.Info["sn"]
	vsn, hasVSN := job.Info["vsn"]
	if !hasSN || !hasVSN {
		return ErrBindFailed
	}

	if !m.versions.TryBind(job.CmdID, sn, vsn) {
		return fmt.Errorf("%w: %s/%s", ErrDuplicateBind, sn, vsn)
	}

	if r.IsBuildSet() {
		m.bindBuildSet(job, r, sn, vsn)
	} else {
		m.bindBuild(job, r.Build, sn, vsn)
	}
	return nil
}

func (m *Master) bindBuildSet(job *Job, r recipe.Recipe, sn, vsn string) {
	specs := recipe.Specs{"version": vsn}
	var fragmentIDs []string

	for _, b := range r.Builds {
		cmds := expandAll(b.Cmds, specs)
		out := normalizePath(recipe.Expand(b.Out, specs))

		tid := taskID(job.UniqueID, b.Ident)
		t := task.New(tid, sn, vsn, map[string]string{
			"cmds":       strings.Join(cmds, "\n"),
			"resultPath": out,
			"needPost":   "true",
		})
		t.Kind = task.KindSingle
		t.SetJobID(job.ID)

		job.AddTask(b.Ident, t)
		fragmentIDs = append(fragmentIDs, tid)
	}

	mergeCmds := expandAll(r.Merge.Cmds, specs)
	mergeOut := normalizePath(recipe.Expand(r.Merge.Out, specs))

	postID := task.PostIdent(strconv.FormatInt(job.UniqueID, 10), job.ID)
	pt := task.New(postID, "", vsn, map[string]string{
		"cmds":       strings.Join(mergeCmds, "\n"),
		"resultPath": mergeOut,
		"fragments":  strings.Join(fragmentIDs, "\n"),
	})
	pt.Kind = task.KindPost
	pt.SetJobID(job.ID)

	job.AddTask(job.ID, pt)
	job.TerminalIdent = job.ID
}

func (m *Master) bindBuild(job *Job, b recipe.Build, sn, vsn string) {
	specs := recipe.Specs{"version": vsn}
	cmds := expandAll(b.Cmds, specs)
	out := normalizePath(recipe.Expand(b.Out, specs))

	tid := taskID(job.UniqueID, b.Ident)
	t := task.New(tid, sn, vsn, map[string]string{
		"cmds":       strings.Join(cmds, "\n"),
		"resultPath": out,
	})
	t.Kind = task.KindSingle
	t.SetJobID(job.ID)

	job.AddTask(b.Ident, t)
	job.TerminalIdent = b.Ident
}

func taskID(uniqueID int64, ident string) string {
	return strconv.FormatInt(uniqueID, 10) + "_" + ident
}

func expandAll(cmds []string, specs recipe.Specs) []string {
	out := make([]string, len(cmds))
	for i, c := range cmds {
		out[i] = normalizePath(recipe.Expand(c, specs))
	}
	return out
}

// normalizePath mirrors command_path_format_transform: commands and
// output paths always use "/" regardless of how a recipe author wrote
// them, since workers run on POSIX build hosts.
func normalizePath(s string) string {
	return strings.ReplaceAll(s, "\\", "/")
}

// CancelJob cancels every task of a job known by its unique id string.
func (m *Master) CancelJob(uniqueID string) {
	m.mu.Lock()
	job, ok := m.jobs[uniqueID]
	m.mu.Unlock()
	if !ok {
		return
	}
	for _, t := range job.Tasks() {
		m.dispatcher.Cancel(t.ID)
	}
}

// Job returns the tracked job for a unique id string, or nil.
func (m *Master) Job(uniqueID string) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[uniqueID]
}

// HandleTaskState is the dispatcher NotifyFunc: it is called on every
// state change of a task, publishes it as a JobStateChange, and maintains
// the owning job's lifecycle (finish once every task is done, or fail and
// cancel the rest).
func (m *Master) HandleTaskState(taskID string, state task.State) {
	uid, _, ok := strings.Cut(taskID, "_")
	if !ok {
		return
	}

	m.mu.Lock()
	job, exists := m.jobs[uid]
	m.mu.Unlock()
	if !exists {
		return
	}

	m.publishJobStateChange(uid, job, taskID, state)

	switch state {
	case task.StateFinished:
		if pt := job.Task(job.TerminalIdent); pt != nil && pt.State() == task.StateFinished {
			job.Result = m.landedPath(uid, pt.Extra["resultPath"])
		}
		if job.IsFinished() && job.Result != "" {
			m.terminate(uid, job, true)
		}
	case task.StateFailure:
		m.CancelJob(uid)
		m.terminate(uid, job, false)
	}
}

// landedPath reports relOut relative to the configured result directory,
// since the artifact handler copies finished artifacts there by the time
// the owning task is reported FINISHED. With no result directory
// configured it falls back to the recipe's raw relative output.
func (m *Master) landedPath(uid, relOut string) string {
	if m.resultDir == "" {
		return relOut
	}
	return filepath.Join(m.resultDir, uid, filepath.Base(relOut))
}

func (m *Master) terminate(uid string, job *Job, success bool) {
	job.State = JobDone
	if !success {
		m.versions.Forget(job.CmdID, job.Info["sn"], job.Info["vsn"])
	}
	if m.history != nil {
		if err := m.history.RecordJobHistory(job); err != nil {
			m.log.Warn("record job history failed", "job_id", job.ID, "error", err)
		}
	}

	m.mu.Lock()
	delete(m.jobs, uid)
	m.mu.Unlock()

	if success {
		m.publish(protocol.TypeJobFin, protocol.JobFinHeader{UniqueID: uid, JobID: job.ID}, struct{}{})
		m.publish(protocol.TypeJobNewResult, struct{}{}, protocol.JobNewResultContent{
			UniqueID: uid, JobID: job.ID, FilePath: job.Result,
		})
	} else {
		m.publish(protocol.TypeJobFail, protocol.JobFailHeader{UniqueID: uid, JobID: job.ID}, struct{}{})
	}

	m.log.Info("job terminated", "job_id", job.ID, "unique_id", uid, "success", success)
}

// publish encodes and forwards a client message through the configured
// notifier; it is a no-op with none set.
func (m *Master) publish(msgType string, header, content any) {
	if m.notifier == nil {
		return
	}
	raw, err := protocol.Encode(msgType, header, content)
	if err != nil {
		m.log.Warn("encode client message failed", "type", msgType, "error", err)
		return
	}
	msg, err := protocol.Decode(raw)
	if err != nil {
		m.log.Warn("decode client message failed", "type", msgType, "error", err)
		return
	}
	m.notifier.Publish(msg)
}

func (m *Master) publishJobInfo(job *Job) {
	var tasks []protocol.JobInfoTask
	for _, t := range job.Tasks() {
		tasks = append(tasks, protocol.JobInfoTask{TaskID: trimTaskPrefix(t.ID), State: t.State().String()})
	}
	m.publish(protocol.TypeJobInfo,
		protocol.JobInfoHeader{UniqueID: strconv.FormatInt(job.UniqueID, 10), JobID: job.ID},
		protocol.JobInfoContent{Tasks: tasks})
}

func (m *Master) publishJobFail(job *Job) {
	m.publish(protocol.TypeJobFail,
		protocol.JobFailHeader{UniqueID: strconv.FormatInt(job.UniqueID, 10), JobID: job.ID},
		struct{}{})
}

func (m *Master) publishJobStateChange(uid string, job *Job, taskID string, state task.State) {
	m.publish(protocol.TypeJobStateChange,
		protocol.JobStateChangeHeader{UniqueID: uid, JobID: job.ID, TaskID: trimTaskPrefix(taskID)},
		protocol.JobStateChangeContent{State: state.String()})
}

// trimTaskPrefix strips a task id's leading "<uid>_", mirroring the
// original's task_prefix_trim.
func trimTaskPrefix(taskID string) string {
	_, ident, ok := strings.Cut(taskID, "_")
	if !ok {
		return taskID
	}
	return ident
}
