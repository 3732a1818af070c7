// Package task implements the Task/SingleTask/PostTask domain model and
// its state machine.
package task

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// State is one of the four task lifecycle states.
type State int

const (
	// StatePrepare: task has not been dispatched to any worker.
	StatePrepare State = iota
	// StateInProc: task was dispatched to a worker.
	StateInProc
	// StateFinished: task is done and its result has been received.
	StateFinished
	// StateFailure: task is failure; terminal.
	StateFailure
)

func (s State) String() string {
	switch s {
	case StatePrepare:
		return "PREPARE"
	case StateInProc:
		return "IN_PROC"
	case StateFinished:
		return "FIN"
	case StateFailure:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

// stateTopology names the states reachable (including self-loops) from
// each state. A transition outside this set is rejected.
var stateTopology = map[State][]State{
	StatePrepare:  {StatePrepare, StateInProc, StateFailure},
	StateInProc:   {StateInProc, StatePrepare, StateFinished, StateFailure},
	StateFinished: {StatePrepare, StateFinished, StateFailure},
	StateFailure:  {StateFailure},
}

// ErrInvalidTransition is returned when a state change is not in the
// topology for the task's current state. The task's state is left
// unchanged.
var ErrInvalidTransition = errors.New("task: invalid state transition")

// Limits mirror the wire format's fixed-width fields (see
// internal/protocol's binary frame header) and the original's
// restriction constants.
const (
	MaxTaskIDLen  = 128 // protocol.fieldTaskLen
	MaxVersionLen = 64
	MaxRevision   = 64
)

// Kind distinguishes a plain Task from a SingleTask (bound to a Build) or
// PostTask (bound to a Merge across a BuildSet's fragments).
type Kind int

const (
	KindPlain Kind = iota
	KindSingle
	KindPost
)

// Task is the base unit tracked by the dispatcher and tasktracker. SN is
// the source revision to check out, VSN the version being built.
type Task struct {
	ID    string
	Kind  Kind
	SN    string
	VSN   string
	Extra map[string]string

	state      State
	data       string
	jobID      string // weak back-reference to the owning Job, by id
	refs       int
	lastAccess time.Time
}

// New creates a task in StatePrepare with refs=1.
func New(id, sn, vsn string, extra map[string]string) *Task {
	if extra == nil {
		extra = map[string]string{}
	}
	return &Task{
		ID:         id,
		Kind:       KindPlain,
		SN:         sn,
		VSN:        vsn,
		Extra:      extra,
		state:      StatePrepare,
		refs:       1,
		lastAccess: time.Now(),
	}
}

// State returns the task's current state.
func (t *Task) State() State { return t.state }

// JobID returns the id of the owning Job, or "" if unbound.
func (t *Task) JobID() string { return t.jobID }

// SetJobID binds the task to a Job by id (weak reference, per design note:
// a back-pointer via id rather than a pointer cycle).
func (t *Task) SetJobID(id string) { t.jobID = id }

// Data returns the result payload recorded once the task finishes.
func (t *Task) Data() string { return t.data }

// SetData records the task's result payload.
func (t *Task) SetData(d string) { t.data = d }

// Touch refreshes the last-access timestamp.
func (t *Task) Touch() { t.lastAccess = time.Now() }

// LastAccess returns the last-touched timestamp.
func (t *Task) LastAccess() time.Time { return t.lastAccess }

// Transition attempts to move the task to newState. On an invalid
// transition it returns ErrInvalidTransition and leaves the state
// unchanged — transitions are never silently accepted or partially
// applied.
func (t *Task) Transition(newState State) error {
	allowed := stateTopology[t.state]
	for _, s := range allowed {
		if s == newState {
			t.state = newState
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.state, newState)
}

// IsValid checks the id/vsn/sn length and no-spaces constraints the
// original enforces before binding a task to a recipe.
func (t *Task) IsValid() bool {
	if len(t.ID) > MaxTaskIDLen {
		return false
	}
	if len(t.VSN) > MaxVersionLen {
		return false
	}
	if len(t.SN) > MaxRevision {
		return false
	}
	if strings.ContainsRune(t.ID+t.VSN+t.SN, ' ') {
		return false
	}
	return true
}

// PostIdent derives a Post task's id from its BuildSet's unique id, per
// spec's "Post task id is <unique>_<jobid>" rule (the Python original used
// a different suffix convention; this repo follows the spec's rule).
func PostIdent(uniqueID, jobID string) string {
	return uniqueID + "_" + jobID
}

// WireCode returns the protocol.RespState* code for s, the inverse of
// StateFromWireCode, used by a worker reporting a Response.
func (s State) WireCode() string {
	switch s {
	case StatePrepare:
		return "0"
	case StateInProc:
		return "1"
	case StateFinished:
		return "2"
	case StateFailure:
		return "3"
	default:
		return "0"
	}
}

// StateFromWireCode maps a protocol.RespState* code to its State, the
// inverse of how a worker's Response.Content.State is produced.
func StateFromWireCode(code string) (State, bool) {
	switch code {
	case "0":
		return StatePrepare, true
	case "1":
		return StateInProc, true
	case "2":
		return StateFinished, true
	case "3":
		return StateFailure, true
	default:
		return StatePrepare, false
	}
}
