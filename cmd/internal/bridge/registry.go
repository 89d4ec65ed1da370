// Package bridge is the event-bridge core: the session registry, the bus
// listener, the command dispatcher, and the websocket gateway that ties live
// sessions to the telemetry/control message bus.
package bridge

import (
	"log/slog"
	"sync"
)

// Registry holds the set of live sessions keyed by identity and fans events
// out to them.
//
// Concurrency guarantees:
// - Register/Unregister are safe under concurrent Broadcast.
// - Broadcast never blocks (drops the session under backpressure).
// - Broadcast is panic-safe because Session.Send is never closed by the server.
type Registry struct {
	log     *slog.Logger
	metrics *Metrics

	mu       sync.RWMutex
	sessions map[string]map[string]*Session // identity -> session id -> session
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log *slog.Logger, metrics *Metrics) *Registry {
	return &Registry{
		log:      log,
		metrics:  metrics,
		sessions: make(map[string]map[string]*Session),
	}
}

// Register adds a session under its identity's session set. There is no upper
// bound on sessions per identity; the transport's resource limits govern.
func (r *Registry) Register(s *Session) {
	if r == nil || s == nil || s.ID == "" {
		return
	}

	r.mu.Lock()
	set, ok := r.sessions[s.Identity]
	if !ok {
		set = make(map[string]*Session)
		r.sessions[s.Identity] = set
	}
	set[s.ID] = s
	total := len(set)
	r.mu.Unlock()

	r.metrics.Sessions.Inc()
	r.log.Info("registry.session.register", "identity", s.Identity, "session_id", s.ID, "identity_sessions", total)
}

// Unregister removes a session and signals its shutdown. Removing an absent
// session is a no-op, not an error.
func (r *Registry) Unregister(s *Session) {
	if r == nil || s == nil || s.ID == "" {
		return
	}

	r.mu.Lock()
	set, ok := r.sessions[s.Identity]
	removed := false
	if ok {
		if _, present := set[s.ID]; present {
			delete(set, s.ID)
			removed = true
		}
		if len(set) == 0 {
			delete(r.sessions, s.Identity)
		}
	}
	r.mu.Unlock()

	// Signal shutdown after removal so a concurrent broadcaster never sends
	// to a session that is mid-teardown.
	s.Close()

	if removed {
		r.metrics.Sessions.Dec()
		r.log.Info("registry.session.unregister", "identity", s.Identity, "session_id", s.ID)
	}
}

// Broadcast fans a frame out to one identity's sessions, or to every session
// when identity is empty.
//
// Send is best-effort: a session whose queue is full or which is shutting
// down is logged and dropped from the registry; delivery to the remaining
// sessions always proceeds.
func (r *Registry) Broadcast(f Frame, identity string) {
	if r == nil {
		return
	}

	r.mu.RLock()
	var targets []*Session
	if identity != "" {
		for _, s := range r.sessions[identity] {
			targets = append(targets, s)
		}
	} else {
		for _, set := range r.sessions {
			for _, s := range set {
				targets = append(targets, s)
			}
		}
	}
	r.mu.RUnlock()

	var dead []*Session
	for _, s := range targets {
		if !r.trySend(s, f) {
			dead = append(dead, s)
		}
	}

	for _, s := range dead {
		r.log.Info("registry.send.fail", "identity", s.Identity, "session_id", s.ID)
		r.metrics.BroadcastDropped.Inc()
		r.Unregister(s)
	}
}

func (r *Registry) trySend(s *Session, f Frame) bool {
	select {
	case <-s.Done():
		return false
	default:
	}

	select {
	case s.Send <- f:
		r.metrics.BroadcastSent.Inc()
		return true
	default:
		// Full queue: drop the session rather than block the fan-out.
		return false
	}
}
