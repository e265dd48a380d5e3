package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/probelab/testbridge/internal/metrics"
	"github.com/probelab/testbridge/internal/protocol"
)

// waiterState is the explicit ownership tag for a waiter. A waiter is
// reachable from exactly one place at a time: the global subscriber list
// while pending, or a connection's bound set after it matched. Membership is
// never inferred from which list happens to contain it.
type waiterState int

const (
	waiterPending waiterState = iota
	waiterBound
	waiterDone
)

// waiter is a one-shot predicate-bearing subscriber. It is provisionally
// attached to an identity before that identity has connected.
type waiter struct {
	identity  Identity
	predicate func(protocol.TestState) bool
	ch        chan protocol.TestState
	state     waiterState
	subID     int64
}

// WaitForReady resolves with the identity's state as soon as it is
// connected. If it already is, the call returns synchronously; otherwise it
// suspends until a matching handshake or the timeout, whichever first. On
// timeout the waiter unregisters itself and leaves no bookkeeping behind.
func (r *Registry) WaitForReady(ctx context.Context, id Identity, timeout time.Duration) (protocol.TestState, error) {
	return r.wait(ctx, id, timeout, func(state protocol.TestState) bool {
		return IdentityOf(state) == id
	}, nil)
}

// WaitForNewSession is WaitForReady with a stricter predicate: the matching
// handshake must carry a session id different from currentSession. This
// detects the next run of the same test after an edit triggers a rerun; a
// plain ready match would spuriously resolve on the stale run's own
// trailing updates.
func (r *Registry) WaitForNewSession(ctx context.Context, id Identity, currentSession string, timeout time.Duration) (protocol.TestState, error) {
	predicate := func(state protocol.TestState) bool {
		return IdentityOf(state) == id && state.SessionID != currentSession
	}
	already := func(e *entry) bool { return e.sessionID != currentSession }
	return r.wait(ctx, id, timeout, predicate, already)
}

// wait implements both waiter flavors. already decides whether an existing
// connection satisfies the wait synchronously; nil means any connection
// does.
func (r *Registry) wait(ctx context.Context, id Identity, timeout time.Duration, predicate func(protocol.TestState) bool, already func(*entry) bool) (protocol.TestState, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return protocol.TestState{}, ErrClosed
	}
	if e, ok := r.entries[id]; ok && (already == nil || already(e)) {
		state := e.state
		r.mu.Unlock()
		return state, nil
	}

	w := &waiter{
		identity:  id,
		predicate: predicate,
		ch:        make(chan protocol.TestState, 1),
		state:     waiterPending,
	}
	w.subID = r.addSubscriberLocked(r.waiterCallback(w), w)
	metrics.WaitersPending.Inc()
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case state := <-w.ch:
		return state, nil
	case <-timer.C:
		if state, resolved := r.abandonWaiter(w); resolved {
			return state, nil
		}
		return protocol.TestState{}, fmt.Errorf("%w: %s not ready within %v", ErrTimeout, id, timeout)
	case <-ctx.Done():
		if state, resolved := r.abandonWaiter(w); resolved {
			return state, nil
		}
		return protocol.TestState{}, ctx.Err()
	}
}

// waiterCallback adapts a waiter into a state-update subscriber. On match
// the waiter moves from the global list to the new connection's bound set
// before the result is delivered, so close-time purging finds it there.
func (r *Registry) waiterCallback(w *waiter) StateCallback {
	return func(state protocol.TestState) {
		r.mu.Lock()
		if w.state != waiterPending || !w.predicate(state) {
			r.mu.Unlock()
			return
		}
		r.removeSubscriberLocked(w.subID)
		w.state = waiterBound
		metrics.WaitersPending.Dec()
		if e, ok := r.entries[w.identity]; ok {
			e.bound = append(e.bound, w)
		}
		r.mu.Unlock()

		w.ch <- state
	}
}

// abandonWaiter unregisters a waiter whose caller gave up. If the waiter
// raced with a match and already resolved, the matched state is returned so
// the caller can use it instead of reporting a timeout.
func (r *Registry) abandonWaiter(w *waiter) (protocol.TestState, bool) {
	r.mu.Lock()
	switch w.state {
	case waiterPending:
		r.removeSubscriberLocked(w.subID)
		w.state = waiterDone
		metrics.WaitersPending.Dec()
		r.mu.Unlock()
		return protocol.TestState{}, false
	case waiterBound:
		w.state = waiterDone
		r.mu.Unlock()
		return <-w.ch, true
	default:
		r.mu.Unlock()
		return protocol.TestState{}, false
	}
}
