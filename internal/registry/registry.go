// Package registry implements the WorkerRoom: the lifecycle of worker
// connections (ONLINE/WAITING/OFFLINE/PENDING), grace-period handling for
// transient disconnects, and worker-selection queries used by the
// dispatcher.
package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/Totoro-Yes/VerManager/internal/protocol"
)

// Status is a worker's lifecycle state in the room.
type Status int

const (
	// Pending: Property frame received, ident not yet confirmed back.
	Pending Status = iota
	// Online: worker is connected and heartbeating normally.
	Online
	// Waiting: worker's connection dropped; within the grace period, a
	// reconnect with the same ident reclaims this record instead of
	// creating a new one. Its in-flight tasks are not held during this
	// window: the session hands them back for redispatch as it marks the
	// worker WAITING.
	Waiting
	// Offline: grace period elapsed without a reconnect. The record stays
	// in the room as OFFLINE; no redispatch happens at this transition.
	Offline
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Online:
		return "ONLINE"
	case Waiting:
		return "WAITING"
	case Offline:
		return "OFFLINE"
	default:
		return "UNKNOWN"
	}
}

// DefaultWaitingInterval is the grace period before a WAITING worker is
// marked OFFLINE, matching the original's WAITING_INTERVAL class constant
// and its configs.getConfig('WaitingInterval') default.
const DefaultWaitingInterval = 300 * time.Second

// Worker is one entry in the room: a worker's identity, capacity, and
// connection bookkeeping. Send is the channel the owning session drains to
// write frames to the worker; it is closed when the worker is removed.
type Worker struct {
	Ident string
	Role  string // protocol.RoleNormal or protocol.RoleMerger
	Max   int    // MAX_TASK_CAN_PROC
	Proc  int    // tasks currently in-proc on this worker

	status       Status
	lastContact  time.Time
	waitingSince time.Time

	Send chan []byte
}

// AvailableSlots returns how many more Single tasks this worker can
// accept.
func (w *Worker) AvailableSlots() int {
	if w.Max <= w.Proc {
		return 0
	}
	return w.Max - w.Proc
}

// Status returns the worker's current lifecycle status.
func (w *Worker) Status() Status { return w.status }

// StatusChangeFunc is invoked whenever a worker's status changes.
type StatusChangeFunc func(ident string, from, to Status)

// Room tracks every worker known to the master.
type Room struct {
	mu       sync.RWMutex
	workers  map[string]*Worker
	waitFor  time.Duration
	onChange StatusChangeFunc
	log      *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Room with the given grace period (0 uses
// DefaultWaitingInterval).
func New(waitingInterval time.Duration, onChange StatusChangeFunc, log *slog.Logger) *Room {
	if waitingInterval <= 0 {
		waitingInterval = DefaultWaitingInterval
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Room{
		workers:  make(map[string]*Worker),
		waitFor:  waitingInterval,
		onChange: onChange,
		log:      log,
		stopCh:   make(chan struct{}),
	}
	r.wg.Add(1)
	go r.sweepLoop()
	return r
}

// Stop halts the background grace-period sweep.
func (r *Room) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Room) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweepWaiting()
		}
	}
}

func (r *Room) sweepWaiting() {
	r.mu.Lock()
	var toOffline []*Worker
	now := time.Now()
	for _, w := range r.workers {
		if w.status == Waiting && now.Sub(w.waitingSince) >= r.waitFor {
			w.status = Offline
			toOffline = append(toOffline, w)
		}
	}
	callback := r.onChange
	r.mu.Unlock()

	for _, w := range toOffline {
		r.log.Info("worker grace period expired", "ident", w.Ident)
		if callback != nil {
			callback(w.Ident, Waiting, Offline)
		}
	}
}

// Accept reclaims an existing WAITING or OFFLINE record for the same
// ident, marking it ONLINE and returning true (the session answers with
// ACCEPT). Otherwise it registers a fresh record directly as ONLINE
// (reported as PENDING -> ONLINE) and returns false (ACCEPT_RST); an
// ONLINE worker with the same ident is replaced by the fresh record,
// since a worker process is never knowingly double-connected.
func (r *Room) Accept(ident, role string, max int) (*Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.workers[ident]; ok && (w.status == Waiting || w.status == Offline) {
		from := w.status
		w.status = Online
		w.Role = role
		w.Max = max
		w.lastContact = time.Now()
		w.Send = make(chan []byte, 64)
		callback := r.onChange
		r.mu.Unlock()
		if callback != nil {
			callback(ident, from, Online)
		}
		r.mu.Lock()
		return w, true // reclaimed
	}

	w := &Worker{
		Ident:       ident,
		Role:        role,
		Max:         max,
		status:      Online,
		lastContact: time.Now(),
		Send:        make(chan []byte, 64),
	}
	r.workers[ident] = w
	callback := r.onChange
	r.mu.Unlock()
	if callback != nil {
		callback(ident, Pending, Online)
	}
	r.mu.Lock()
	return w, false // fresh
}

// MarkWaiting transitions a worker from ONLINE to WAITING when its
// session drops, starting the grace-period clock.
func (r *Room) MarkWaiting(ident string) {
	r.mu.Lock()
	w, ok := r.workers[ident]
	if !ok || w.status != Online {
		r.mu.Unlock()
		return
	}
	w.status = Waiting
	w.waitingSince = time.Now()
	callback := r.onChange
	r.mu.Unlock()

	if callback != nil {
		callback(ident, Online, Waiting)
	}
}

// Remove deletes a worker record outright (used when a worker is
// explicitly killed/drained rather than merely disconnected).
func (r *Room) Remove(ident string) {
	r.mu.Lock()
	w, ok := r.workers[ident]
	if ok {
		delete(r.workers, ident)
		if w.Send != nil {
			close(w.Send)
		}
	}
	r.mu.Unlock()
	if ok {
		r.log.Info("worker removed", "ident", ident)
	}
}

// Get returns a worker by ident, or nil.
func (r *Room) Get(ident string) *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.workers[ident]
}

// Touch refreshes a worker's last-contact time on a received heartbeat.
func (r *Room) Touch(ident string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[ident]; ok {
		w.lastContact = time.Now()
	}
}

// SetProc updates the number of in-proc tasks a worker is running.
func (r *Room) SetProc(ident string, proc int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[ident]; ok {
		w.Proc = proc
	}
}

// AdjustProc adds delta (positive or negative) to a worker's in-proc
// count.
func (r *Room) AdjustProc(ident string, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[ident]; ok {
		w.Proc += delta
		if w.Proc < 0 {
			w.Proc = 0
		}
	}
}

// List returns every worker currently known, regardless of status.
func (r *Room) List() []*Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	return out
}

// FewestInProc selects the ONLINE worker of role NORMAL with spare
// capacity that has the fewest in-proc tasks — the Single-task
// worker-selection strategy. Ties go to the lexically smallest ident.
// Returns nil if none qualify.
func (r *Room) FewestInProc() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Worker
	for _, w := range r.workers {
		if w.status != Online || w.Role != protocol.RoleNormal {
			continue
		}
		if w.AvailableSlots() <= 0 {
			continue
		}
		if best == nil || w.Proc < best.Proc || (w.Proc == best.Proc && w.Ident < best.Ident) {
			best = w
		}
	}
	return best
}

// UniqueMerger selects the single ONLINE worker of role MERGER — the
// Post-task worker-selection strategy. Returns nil if none is online.
func (r *Room) UniqueMerger() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, w := range r.workers {
		if w.status == Online && w.Role == protocol.RoleMerger {
			return w
		}
	}
	return nil
}
