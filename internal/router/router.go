// Package router dispatches decoded protocol messages to per-type
// handlers, the worker->master counterpart of the session's frame loop.
package router

import (
	"log/slog"
	"sync"

	"github.com/Totoro-Yes/VerManager/internal/protocol"
)

// HandlerFunc processes one message from a named worker.
type HandlerFunc func(ident string, msg protocol.Message)

// Router is a type-keyed table of message handlers. A zero Router is not
// usable; construct with New.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	log      *slog.Logger
}

// New creates an empty Router.
func New(log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{handlers: make(map[string]HandlerFunc), log: log}
}

// Handle registers fn for msgType, replacing any existing registration.
func (r *Router) Handle(msgType string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[msgType] = fn
}

// Dispatch looks up and invokes the handler for msg.Type. An unregistered
// type is logged and dropped, matching the original's default-case
// behavior for unrecognized messages.
func (r *Router) Dispatch(ident string, msg protocol.Message) {
	r.mu.RLock()
	fn, ok := r.handlers[msg.Type]
	r.mu.RUnlock()

	if !ok {
		r.log.Warn("unhandled message type", "worker", ident, "type", msg.Type)
		return
	}
	fn(ident, msg)
}

// AsSessionHandler adapts Dispatch to session.Handler's signature without
// importing the session package (which would create a cycle).
func (r *Router) AsSessionHandler() func(ident string, msg protocol.Message) {
	return r.Dispatch
}
