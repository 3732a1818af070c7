// Package dispatcher implements the priority wait-area and dispatch loop
// that hands tasks to workers: SingleTask by fewest-in-proc selection,
// PostTask to the unique MERGER worker, with redispatch on worker loss.
package dispatcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Totoro-Yes/VerManager/internal/protocol"
	"github.com/Totoro-Yes/VerManager/internal/registry"
	"github.com/Totoro-Yes/VerManager/internal/task"
	"github.com/Totoro-Yes/VerManager/internal/tasktracker"
)

// Priority classes, matching the original's WaitAreaSpec exactly: lower
// number is scanned first, so PostTask jumps ahead of SingleTask.
const (
	priorityPost   = 0
	prioritySingle = 1

	queueCapacity = 128
)

// Sender delivers an encoded frame to a worker by ident. The dispatcher
// does not open connections itself — internal/session owns the socket and
// registers itself here.
type Sender interface {
	SendToWorker(ident string, msg protocol.Message) error
}

// NotifyFunc is invoked on every task state change the dispatcher accepts
// or makes itself (PREPARE on redispatch, FAILURE for a lost PostTask), so
// the job master can advance the owning job's state machine.
type NotifyFunc func(taskID string, state task.State)

// waitArea is the two-class priority queue: Post (pri 0) ahead of Single
// (pri 1), FIFO within each class.
type waitArea struct {
	mu     sync.Mutex
	post   []*task.Task
	single []*task.Task
}

func (a *waitArea) enqueue(t *task.Task) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch t.Kind {
	case task.KindPost:
		if len(a.post) >= queueCapacity {
			return false
		}
		a.post = append(a.post, t)
	default:
		if len(a.single) >= queueCapacity {
			return false
		}
		a.single = append(a.single, t)
	}
	return true
}

// peek returns the head of the highest-priority non-empty queue without
// removing it.
func (a *waitArea) peek() *task.Task {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.post) > 0 {
		return a.post[0]
	}
	if len(a.single) > 0 {
		return a.single[0]
	}
	return nil
}

func (a *waitArea) dequeue() *task.Task {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.post) > 0 {
		t := a.post[0]
		a.post = a.post[1:]
		return t
	}
	if len(a.single) > 0 {
		t := a.single[0]
		a.single = a.single[1:]
		return t
	}
	return nil
}

func (a *waitArea) all() []*task.Task {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*task.Task, 0, len(a.post)+len(a.single))
	out = append(out, a.post...)
	out = append(out, a.single...)
	return out
}

// Dispatcher owns the wait-area and drives the 1s dispatch loop.
type Dispatcher struct {
	area     waitArea
	tracker  *tasktracker.Tracker
	workers  *registry.Room
	sender   Sender
	notify   NotifyFunc
	log      *slog.Logger
	dispatch sync.Mutex // guards the "choose worker then mark busy" critical section

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Dispatcher. sender delivers frames to workers; notify is
// called for every accepted state report and for each redispatch.
func New(tracker *tasktracker.Tracker, workers *registry.Room, sender Sender, notify NotifyFunc, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		tracker: tracker,
		workers: workers,
		sender:  sender,
		notify:  notify,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the dispatch loop goroutine.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.dispatchLoop()
}

// Stop halts the dispatch loop.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) dispatchLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.drainOne()
		}
	}
}

// drainOne pops and dispatches at most one queued task per tick, matching
// the original's one-sleep-per-iteration cadence.
func (d *Dispatcher) drainOne() {
	t := d.peekTrimUntracked()
	if t == nil {
		return
	}

	d.dispatch.Lock()
	defer d.dispatch.Unlock()

	current := d.area.dequeue()
	if current == nil {
		return
	}
	if ok := d.tryAssign(current); !ok {
		d.area.enqueue(current)
	}
}

// peekTrimUntracked drops queue entries whose task was untracked (e.g.
// cancelled) before dispatch, then returns the next live candidate.
func (d *Dispatcher) peekTrimUntracked() *task.Task {
	for {
		t := d.area.peek()
		if t == nil {
			return nil
		}
		if !d.tracker.IsTracked(t.ID) {
			d.area.dequeue()
			continue
		}
		return t
	}
}

// Dispatch submits a new task. If it is already tracked, this is a
// duplicate submission and is a no-op; no reference count is kept for
// it here or anywhere else.
// Otherwise the task starts tracked and an immediate assignment attempt
// is made before falling back to the wait-area.
func (d *Dispatcher) Dispatch(t *task.Task) {
	if d.tracker.IsTracked(t.ID) {
		return
	}
	d.tracker.Track(t)

	d.dispatch.Lock()
	ok := d.tryAssign(t)
	d.dispatch.Unlock()

	if !ok {
		d.area.enqueue(t)
	}
}

// tryAssign selects a worker for t per its kind and sends the assignment.
// The caller must hold d.dispatch.
func (d *Dispatcher) tryAssign(t *task.Task) bool {
	var w *registry.Worker
	switch t.Kind {
	case task.KindPost:
		w = d.workers.UniqueMerger()
	default:
		w = d.workers.FewestInProc()
	}
	if w == nil {
		d.log.Debug("dispatch deferred: no available worker", "task_id", t.ID, "kind", t.Kind)
		return false
	}

	msg, err := d.buildAssignMessage(t)
	if err != nil {
		d.log.Error("build assignment message failed", "task_id", t.ID, "error", err)
		return false
	}

	// Mark the worker busy and track the assignment before the send
	// completes, so a concurrent tick can't over-dispatch to the same
	// worker while this send is in flight.
	d.workers.AdjustProc(w.Ident, 1)
	d.tracker.AssignWorker(t.ID, w.Ident)

	if err := d.sender.SendToWorker(w.Ident, msg); err != nil {
		d.log.Warn("send assignment failed, rolling back", "task_id", t.ID, "worker", w.Ident, "error", err)
		d.workers.AdjustProc(w.Ident, -1)
		d.tracker.AssignWorker(t.ID, "")
		return false
	}

	if err := t.Transition(task.StateInProc); err != nil {
		d.log.Error("task transition to IN_PROC rejected", "task_id", t.ID, "error", err)
	}

	d.log.Info("task dispatched", "task_id", t.ID, "worker", w.Ident, "kind", t.Kind)
	return true
}

func (d *Dispatcher) buildAssignMessage(t *task.Task) (protocol.Message, error) {
	var raw []byte
	var err error
	if t.Kind == task.KindPost {
		header := protocol.PostHeader{Ident: t.ID, Version: t.VSN, Output: t.Extra["resultPath"]}
		content := protocol.PostContent{Cmds: splitCmds(t.Extra["cmds"]), Fragments: splitCmds(t.Extra["fragments"])}
		raw, err = protocol.Encode(protocol.TypePost, header, content)
	} else {
		header := protocol.NewTaskHeader{Tid: t.ID, Parent: t.JobID(), NeedPost: t.Extra["needPost"] == "true"}
		content := protocol.NewTaskContent{
			SN:  t.SN,
			VSN: t.VSN,
			Extra: protocol.NewTaskExtra{
				Cmds:       splitCmds(t.Extra["cmds"]),
				ResultPath: t.Extra["resultPath"],
			},
		}
		raw, err = protocol.Encode(protocol.TypeNewTask, header, content)
	}
	if err != nil {
		return protocol.Message{}, err
	}
	return protocol.Decode(raw)
}

func splitCmds(s string) []string {
	if s == "" {
		return nil
	}
	// Commands are stored newline-joined in the task's Extra map; see
	// internal/jobmaster for where that join happens.
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// Redispatch returns a task to PREPARE and attempts to reassign it. Used
// both for explicit retries and for SingleTask recovery on worker loss.
func (d *Dispatcher) Redispatch(t *task.Task) bool {
	if err := t.Transition(task.StatePrepare); err != nil {
		d.tracker.Untrack(t.ID)
		return false
	}
	d.tracker.AssignWorker(t.ID, "")

	if d.notify != nil {
		d.notify(t.ID, task.StatePrepare)
	}

	d.dispatch.Lock()
	ok := d.tryAssign(t)
	d.dispatch.Unlock()

	if !ok {
		d.area.enqueue(t)
	}
	return true
}

// Cancel fails a tracked task immediately: asks its worker to cancel it
// if online, marks it FAILURE, and stops tracking it.
func (d *Dispatcher) Cancel(taskID string) {
	t := d.tracker.Get(taskID)
	if t == nil {
		return
	}

	workerIdent := d.tracker.WhichWorker(taskID)
	if workerIdent != "" {
		if w := d.workers.Get(workerIdent); w != nil && w.Status() == registry.Online {
			raw, err := protocol.Encode(protocol.TypeCancel, protocol.CancelHeader{TaskId: taskID}, struct{}{})
			if err == nil {
				if msg, derr := protocol.Decode(raw); derr == nil {
					_ = d.sender.SendToWorker(workerIdent, msg)
				}
			}
		}
	}

	_ = t.Transition(task.StateFailure)
	d.tracker.Untrack(taskID)
	d.log.Info("task cancelled", "task_id", taskID)
}

// WorkerLostRedispatch handles a worker leaving ONLINE: its in-proc
// SingleTasks are redispatched; any in-proc PostTask can't be
// redispatched (there is only ever one MERGER), so the job master is
// notified of its failure instead.
func (d *Dispatcher) WorkerLostRedispatch(workerIdent string) {
	taskIDs := d.tracker.OnWorker(workerIdent)
	for _, id := range taskIDs {
		d.tracker.AssignWorker(id, "")
	}

	for _, id := range taskIDs {
		t := d.tracker.Get(id)
		if t == nil {
			continue
		}
		if t.Kind == task.KindPost {
			if d.notify != nil {
				d.notify(id, task.StateFailure)
			}
			continue
		}
		d.Redispatch(t)
	}
}

// ReportState is invoked by the router's Response handler when a worker
// reports a task's new state. Terminal states stop tracking the task and
// notify the job master.
func (d *Dispatcher) ReportState(taskID string, newState task.State) {
	t := d.tracker.Get(taskID)
	if t == nil {
		return
	}
	if err := t.Transition(newState); err != nil {
		d.log.Warn("rejected state report", "task_id", taskID, "state", newState, "error", err)
		return
	}

	if newState == task.StateFinished || newState == task.StateFailure {
		if workerIdent := d.tracker.WhichWorker(taskID); workerIdent != "" {
			d.workers.AdjustProc(workerIdent, -1)
		}
		d.tracker.Untrack(taskID)
	}

	if d.notify != nil {
		d.notify(taskID, newState)
	}
}

// QueuedTasks returns every task still waiting in the wait-area.
func (d *Dispatcher) QueuedTasks() []*task.Task {
	return d.area.all()
}
