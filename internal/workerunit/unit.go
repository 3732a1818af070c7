// Package workerunit implements a worker's job execution slots: a
// JobProcUnit runs one Single task's repo-sync-then-build pipeline and a
// PostProcUnit collects a BuildSet's fragments and runs its Merge step,
// both built on the six-state ProcUnit lifecycle the original worker used.
package workerunit

import "sync"

// State is a processing unit's lifecycle state.
type State int

const (
	// StateStop: stopped; a JobProcUnit enters it when its Run loop ends.
	StateStop State = iota
	// StateReady: idle, able to accept a new job.
	StateReady
	// StateOverload: busy with a job, can't accept another right now.
	StateOverload
	// StateDeny: refusing new work (draining before shutdown).
	StateDeny
	// StateExcep: the last job ended in an unexpected error.
	StateExcep
	// StateDirty: cleanup of the working copy failed; needs a
	// maintainer-driven reset before it can accept work again.
	StateDirty
)

func (s State) String() string {
	switch s {
	case StateStop:
		return "STOP"
	case StateReady:
		return "READY"
	case StateOverload:
		return "OVERLOAD"
	case StateDeny:
		return "DENY"
	case StateExcep:
		return "EXCEP"
	case StateDirty:
		return "DIRTY"
	default:
		return "UNKNOWN"
	}
}

// base holds the state machine shared by JobProcUnit and PostProcUnit.
type base struct {
	mu    sync.Mutex
	state State
}

// State returns the unit's current lifecycle state.
func (b *base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *base) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// Reset clears an EXCEP/DIRTY unit back to READY, the maintainer's
// recovery action after it inspects (and if needed cleans) the unit.
func (b *base) Reset() {
	b.setState(StateReady)
}
