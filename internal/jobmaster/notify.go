package jobmaster

import (
	"sync"

	"github.com/Totoro-Yes/VerManager/internal/protocol"
)

// ClientNotifier is the sink SubmitJob and HandleTaskState publish every
// client-visible job message through — JobInfo, JobStateChange, JobFin,
// JobFail, JobNewResult. An external proxy subscribes to forward these to
// connected clients; Master itself knows nothing about that transport.
type ClientNotifier interface {
	Publish(msg protocol.Message)
}

// Broadcaster is a minimal pub/sub ClientNotifier: any number of
// subscriber channels, fed non-blockingly so a slow or absent reader
// never stalls job processing.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan protocol.Message]struct{}
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subscribers: make(map[chan protocol.Message]struct{})}
}

// Subscribe registers a new listener and returns its channel plus an
// unsubscribe func that must be called when the listener is done.
func (b *Broadcaster) Subscribe() (<-chan protocol.Message, func()) {
	ch := make(chan protocol.Message, 32)

	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[ch]; ok {
			delete(b.subscribers, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, unsubscribe
}

// Publish implements ClientNotifier: fan msg out to every subscriber,
// dropping it for any whose buffer is full.
func (b *Broadcaster) Publish(msg protocol.Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- msg:
		default:
		}
	}
}

// VersionControl rejects a second bind of the same (cmd id, sn, vsn)
// triple while the first is still in flight, the idempotence guard the
// "Bind(job) + bind(job) is an error on the second call" property
// requires. A failed job's reservation is released so it can be retried.
type VersionControl struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewVersionControl creates an empty VersionControl.
func NewVersionControl() *VersionControl {
	return &VersionControl{seen: make(map[string]struct{})}
}

// TryBind reserves (cmdID, sn, vsn) and reports whether the reservation
// succeeded; false means this exact triple is already bound.
func (v *VersionControl) TryBind(cmdID, sn, vsn string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	key := versionKey(cmdID, sn, vsn)
	if _, exists := v.seen[key]; exists {
		return false
	}
	v.seen[key] = struct{}{}
	return true
}

// Forget releases a reservation, allowing (cmdID, sn, vsn) to be bound
// again. Called once a job with that triple terminates in failure.
func (v *VersionControl) Forget(cmdID, sn, vsn string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.seen, versionKey(cmdID, sn, vsn))
}

func versionKey(cmdID, sn, vsn string) string {
	return cmdID + "\x00" + sn + "\x00" + vsn
}
