package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/probelab/testbridge/internal/logger"
	"github.com/probelab/testbridge/internal/metrics"
	"github.com/probelab/testbridge/internal/protocol"
)

// StateCallback is invoked with the fresh state on every handshake.
type StateCallback func(state protocol.TestState)

// subscriber is one slot in the ordered notification list. When it belongs
// to a waiter the waiter pointer is set so close-time purges can find it.
type subscriber struct {
	id int64
	fn StateCallback
	w  *waiter
}

// Registry maps each test identity to exactly one live connection. All
// mutation goes through its methods; the maps are never exposed.
type Registry struct {
	mu       sync.Mutex
	entries  map[Identity]*entry
	subs     []*subscriber
	nextSub  int64
	recorder Recorder
	closed   bool
}

// New creates an empty registry. recorder may be nil.
func New(recorder Recorder) *Registry {
	return &Registry{
		entries:  make(map[Identity]*entry),
		recorder: recorder,
	}
}

// RegisterReady handles a ready handshake: it issues a fresh session id,
// stores the connection keyed by the state's identity (overwriting any prior
// entry for the same identity; the old transport's own close event handles
// its cleanup), acknowledges with a connected message, and then notifies
// every registered state callback in registration order. The ack is sent
// before callbacks fire so a slow callback cannot block the handshake.
func (r *Registry) RegisterReady(t Transport, state protocol.TestState) (string, error) {
	id := IdentityOf(state)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrClosed
	}
	sessionID := uuid.New().String()
	state.SessionID = sessionID

	if prev, ok := r.entries[id]; ok {
		logger.Info("Replacing connection for %s (old session %s)", id, prev.sessionID)
	}
	r.entries[id] = &entry{
		transport:   t,
		identity:    id,
		sessionID:   sessionID,
		state:       state,
		connectedAt: time.Now(),
		executes:    make(map[string]chan protocol.TestState),
	}
	subs := make([]*subscriber, len(r.subs))
	copy(subs, r.subs)
	r.mu.Unlock()

	if err := t.Send(protocol.NewConnected(sessionID)); err != nil {
		logger.Error("Failed to send connected ack to %s: %v", id, err)
	}

	metrics.RecordConnect()
	if r.recorder != nil {
		r.recorder.RecordConnect(id, sessionID, time.Now())
	}
	logger.Info("Test connected: %s (session %s)", id, sessionID)

	r.notify(subs, state)
	return sessionID, nil
}

// notify fans the new state out to subscribers in registration order. A
// panicking subscriber must not prevent later subscribers from running.
func (r *Registry) notify(subs []*subscriber, state protocol.TestState) {
	for _, s := range subs {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("State callback panicked: %v", rec)
				}
			}()
			s.fn(state)
		}()
	}
}

// OnStateUpdate registers a durable callback invoked on every handshake,
// regardless of identity. The returned function deregisters it.
func (r *Registry) OnStateUpdate(fn StateCallback) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.addSubscriberLocked(fn, nil)
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.removeSubscriberLocked(id)
	}
}

func (r *Registry) addSubscriberLocked(fn StateCallback, w *waiter) int64 {
	r.nextSub++
	r.subs = append(r.subs, &subscriber{id: r.nextSub, fn: fn, w: w})
	return r.nextSub
}

func (r *Registry) removeSubscriberLocked(id int64) {
	for i, s := range r.subs {
		if s.id == id {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			return
		}
	}
}

// RecordExecuted replaces the stored state of the connection owning the
// given transport and resolves the pending execute request matching token.
// Tokens with no pending resolver (already timed out) are silently ignored.
func (r *Registry) RecordExecuted(t Transport, token string, state protocol.TestState) {
	r.mu.Lock()
	e := r.entryByTransportLocked(t)
	if e == nil {
		r.mu.Unlock()
		logger.Error("Executed message from unknown transport (token %s)", token)
		return
	}
	// Executed states keep the session id issued at handshake.
	state.SessionID = e.sessionID
	e.state = state
	ch, pending := e.executes[token]
	if pending {
		delete(e.executes, token)
	}
	r.mu.Unlock()

	if pending {
		ch <- state
	} else {
		logger.Info("Ignoring executed reply for unmatched token %s (session %s)", token, e.sessionID)
	}
}

// entryByTransportLocked finds the entry currently owning a transport.
// Caller holds r.mu.
func (r *Registry) entryByTransportLocked(t Transport) *entry {
	for _, e := range r.entries {
		if e.transport == t {
			return e
		}
	}
	return nil
}

// CurrentState returns the stored snapshot for the given identity, or, when
// id is nil, the snapshot of the most recently connected test. This is a
// pure read and never suspends; ok is false when nothing is connected.
func (r *Registry) CurrentState(id *Identity) (protocol.TestState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id != nil {
		e, ok := r.entries[*id]
		if !ok {
			return protocol.TestState{}, false
		}
		return e.state, true
	}

	var newest *entry
	for _, e := range r.entries {
		if newest == nil || e.connectedAt.After(newest.connectedAt) {
			newest = e
		}
	}
	if newest == nil {
		return protocol.TestState{}, false
	}
	return newest.state, true
}

// SendContinue asks the identified test process to keep its connection
// open. Returns false, not an error, when the identity is not connected.
func (r *Registry) SendContinue(id Identity) bool {
	return r.fireAndForget(id, protocol.NewContinue())
}

// SendClose releases the test process's blocking wait. The connection entry
// is not removed here; removal happens when the transport reports closed,
// which keeps close idempotent and tolerant of a remote end that never
// acknowledges.
func (r *Registry) SendClose(id Identity) bool {
	return r.fireAndForget(id, protocol.NewClose())
}

// SendError delivers a fatal notice to the test process.
func (r *Registry) SendError(id Identity, message string) bool {
	return r.fireAndForget(id, protocol.NewError(message))
}

func (r *Registry) fireAndForget(id Identity, msg *protocol.Message) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	if err := e.transport.Send(msg); err != nil {
		logger.Error("Failed to send %s to %s: %v", msg.Type, id, err)
	}
	return true
}

// ListActive returns one row per live connection.
func (r *Registry) ListActive() []ActiveInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]ActiveInfo, 0, len(r.entries))
	for _, e := range r.entries {
		infos = append(infos, ActiveInfo{
			Identity:    e.identity,
			SessionID:   e.sessionID,
			ConnectedAt: e.connectedAt,
		})
	}
	return infos
}

// TransportClosed removes the connection entry owned by t and purges every
// callback and pending waiter attributable to its identity, so nothing
// dangles into a future unrelated connection. If the identity's registry
// slot was already replaced by a newer connection, only the stale
// transport's bookkeeping is dropped.
func (r *Registry) TransportClosed(t Transport) {
	r.mu.Lock()
	e := r.entryByTransportLocked(t)
	if e == nil {
		r.mu.Unlock()
		return
	}
	delete(r.entries, e.identity)

	// Bound waiters resolved against this connection: done, drop them.
	for _, w := range e.bound {
		w.state = waiterDone
	}
	e.bound = nil

	// Pending waiters still in the global list for this identity would
	// otherwise fire against a future unrelated connection.
	kept := r.subs[:0]
	for _, s := range r.subs {
		if s.w != nil && s.w.state == waiterPending && s.w.identity == e.identity {
			s.w.state = waiterDone
			metrics.WaitersPending.Dec()
			continue
		}
		kept = append(kept, s)
	}
	r.subs = kept
	connectedAt := e.connectedAt
	sessionID := e.sessionID
	r.mu.Unlock()

	metrics.RecordDisconnect(time.Since(connectedAt).Seconds())
	if r.recorder != nil {
		r.recorder.RecordDisconnect(sessionID, time.Now())
	}
	logger.Info("Test disconnected: %s (session %s)", e.identity, sessionID)
}

// Close shuts the registry down: every transport is closed and all
// bookkeeping is released. Suspended callers are left to their timeouts.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	entries := r.entries
	r.entries = make(map[Identity]*entry)
	r.subs = nil
	r.mu.Unlock()

	for _, e := range entries {
		_ = e.transport.Close()
	}
	logger.Info("Registry closed (%d connections dropped)", len(entries))
}
