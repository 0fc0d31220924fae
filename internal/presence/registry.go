// Package presence is gochat's in-memory presence registry (spec §4.3):
// user_id -> (connection_id -> sender_handle, kick_channel), guarded by one
// mutex, never authoritative and never holding a DB lock.
package presence

import "sync"

// KickSignal is delivered on a connection's kick channel exactly once, the
// moment another login for the same user displaces it (spec §4.1, §4.3).
type KickSignal struct{}

// Handle is what the registry hands back to a freshly registered
// connection: a kick channel to poll alongside socket reads (spec §4.1
// "The kick channel is polled in parallel with socket reads").
type Handle struct {
	ConnectionID string
	Kick         <-chan KickSignal
}

// Sender is the narrow interface the router needs to deliver a frame to one
// live connection (spec §4.4 step 6/7). Implementations must not block
// indefinitely; the real-time connection handler's outbound channel or
// websocket writer satisfies this.
type Sender interface {
	Send(frame []byte) error
}

type entry struct {
	senders map[string]Sender              // connection_id -> outbound sender
	kicks   map[string]chan<- KickSignal    // connection_id -> kick signaller
}

// Registry is the process-wide presence map (spec §9 "Global mutable
// state... Model as two explicit handles passed by reference into every
// task at spawn time — not ambient singletons"). Callers obtain one
// instance at boot and pass it explicitly; it is never a package-level
// singleton here.
type Registry struct {
	mu      sync.Mutex
	byUser  map[string]*entry
}

// New creates an empty registry. Cold start always yields empty presence
// (spec §4.3 "must be tolerant of the process restarting").
func New() *Registry {
	return &Registry{byUser: make(map[string]*entry)}
}

// Register inserts a fresh connection entry for userID and returns a Handle
// carrying a one-shot kick channel the connection must poll (spec §4.3
// "register(user_id) -> receiver"). sender may be nil for a connection that
// only needs kick-on-relogin tracking and is never a router delivery target
// (spec §4.3: only the real-time channel's handles are stored for
// delivery) — Senders skips nil entries.
func (r *Registry) Register(userID, connectionID string, sender Sender) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byUser[userID]
	if !ok {
		e = &entry{senders: make(map[string]Sender), kicks: make(map[string]chan<- KickSignal)}
		r.byUser[userID] = e
	}

	kickCh := make(chan KickSignal, 1)
	e.senders[connectionID] = sender
	e.kicks[connectionID] = kickCh

	return Handle{ConnectionID: connectionID, Kick: kickCh}
}

// KickAll signals every live connection of userID exactly once and removes
// them from the registry, returning how many were kicked for audit (spec
// §4.3 "kick_all(user_id) -> usize"). No I/O is performed under the lock:
// the kick channels are buffered, so the send never blocks.
func (r *Registry) KickAll(userID string) int {
	return r.KickAllExcept(userID, "")
}

// KickAllExcept signals and removes every live connection of userID other
// than exceptConnID (spec §4.2 "tears down other active connections of the
// same user" — the connection issuing a logout is not one of them).
// Passing an empty exceptConnID, which no real connection id ever is,
// kicks every connection; KickAll is this case.
func (r *Registry) KickAllExcept(userID, exceptConnID string) int {
	r.mu.Lock()
	e, ok := r.byUser[userID]
	if !ok {
		r.mu.Unlock()
		return 0
	}

	kicks := make(map[string]chan<- KickSignal, len(e.kicks))
	for connID, kickCh := range e.kicks {
		if connID == exceptConnID {
			continue
		}
		kicks[connID] = kickCh
	}
	for connID := range kicks {
		delete(e.senders, connID)
		delete(e.kicks, connID)
	}
	if len(e.senders) == 0 {
		delete(r.byUser, userID)
	}
	r.mu.Unlock()

	for _, kickCh := range kicks {
		select {
		case kickCh <- KickSignal{}:
		default:
			// already signalled or the connection is gone; either is fine.
		}
	}
	return len(kicks)
}

// UnregisterOne removes a single connection handle, used on normal
// disconnect (spec §4.3 "unregister_one(user_id, connection_id)"). It
// returns the user's remaining live-connection count so the caller can
// decide whether to clear the online flag (spec §4.1).
func (r *Registry) UnregisterOne(userID, connectionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byUser[userID]
	if !ok {
		return 0
	}
	delete(e.senders, connectionID)
	delete(e.kicks, connectionID)
	if len(e.senders) == 0 {
		delete(r.byUser, userID)
		return 0
	}
	return len(e.senders)
}

// Count reports how many live connections userID currently has (spec §4.3
// "count(user_id) -> usize").
func (r *Registry) Count(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byUser[userID]
	if !ok {
		return 0
	}
	return len(e.senders)
}

// Senders returns a snapshot of userID's live deliverable senders, cloned
// out under the lock so the caller can deliver without holding it (spec §5
// "under the lock no I/O is performed — sender handles are cloned out,
// then the lock is released, then delivery occurs"). Connections registered
// with a nil Sender (command-stream connections, kick-only) are skipped.
func (r *Registry) Senders(userID string) []Sender {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byUser[userID]
	if !ok {
		return nil
	}
	out := make([]Sender, 0, len(e.senders))
	for _, s := range e.senders {
		if s == nil {
			continue
		}
		out = append(out, s)
	}
	return out
}
