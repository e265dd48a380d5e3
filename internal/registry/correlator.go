package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/probelab/testbridge/internal/logger"
	"github.com/probelab/testbridge/internal/metrics"
	"github.com/probelab/testbridge/internal/protocol"
)

// SendExecute asks the identified test process to run code and suspends the
// caller until the executed reply matching this request's token arrives, or
// the timeout elapses. Replies carrying other tokens never resolve this
// call. Issuing a second execute before the first resolves is allowed; each
// token is resolved independently by its own matching reply.
func (r *Registry) SendExecute(ctx context.Context, id Identity, code string, timeout time.Duration) (protocol.TestState, error) {
	start := time.Now()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return protocol.TestState{}, ErrClosed
	}
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return protocol.TestState{}, fmt.Errorf("%w: %s", ErrNotConnected, id)
	}
	token := uuid.New().String()
	ch := make(chan protocol.TestState, 1)
	e.executes[token] = ch
	t := e.transport
	sessionID := e.sessionID
	r.mu.Unlock()

	if err := t.Send(protocol.NewExecute(token, code)); err != nil {
		r.purgeExecute(e, token)
		metrics.RecordExecute("send_failed", time.Since(start).Seconds())
		return protocol.TestState{}, fmt.Errorf("failed to send execute to %s: %w", id, err)
	}
	logger.Info("Execute sent to %s (token %s, %d bytes)", id, token, len(code))

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case state := <-ch:
		d := time.Since(start)
		metrics.RecordExecute("ok", d.Seconds())
		if r.recorder != nil {
			r.recorder.RecordExecute(sessionID, token, "ok", d)
		}
		return state, nil
	case <-timer.C:
		r.purgeExecute(e, token)
		d := time.Since(start)
		metrics.RecordExecute("timeout", d.Seconds())
		if r.recorder != nil {
			r.recorder.RecordExecute(sessionID, token, "timeout", d)
		}
		return protocol.TestState{}, fmt.Errorf("%w: no executed reply for %s within %v", ErrTimeout, id, timeout)
	case <-ctx.Done():
		r.purgeExecute(e, token)
		metrics.RecordExecute("canceled", time.Since(start).Seconds())
		return protocol.TestState{}, ctx.Err()
	}
}

// purgeExecute drops a pending resolver so a late reply is ignored rather
// than delivered to a caller that already gave up.
func (r *Registry) purgeExecute(e *entry, token string) {
	r.mu.Lock()
	delete(e.executes, token)
	r.mu.Unlock()
}
