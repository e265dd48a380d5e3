package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/probelab/testbridge/internal/protocol"
)

// fakeTransport records everything sent through it and exposes a channel so
// tests can react to sends without polling.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []*protocol.Message
	sendErr error
	closed  bool
	sends   chan *protocol.Message
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sends: make(chan *protocol.Message, 16)}
}

func (f *fakeTransport) Send(msg *protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	f.sends <- msg
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) sentMessages() []*protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*protocol.Message, len(f.sent))
	copy(out, f.sent)
	return out
}

func readyState(file, name string) protocol.TestState {
	return protocol.TestState{
		TestFile: file,
		TestName: name,
		DOM:      "<div/>",
	}
}

func TestRegisterReadyIssuesSessionAndAcks(t *testing.T) {
	reg := New(nil)
	tr := newFakeTransport()

	sessionID, err := reg.RegisterReady(tr, readyState("login_test.go", "TestLogin"))
	if err != nil {
		t.Fatalf("RegisterReady() error = %v", err)
	}
	if sessionID == "" {
		t.Fatal("expected non-empty session id")
	}

	sent := tr.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("expected 1 message sent, got %d", len(sent))
	}
	if sent[0].Type != protocol.TypeConnected {
		t.Errorf("first message type = %s, want connected", sent[0].Type)
	}
	if sent[0].SessionID != sessionID {
		t.Errorf("ack session = %q, want %q", sent[0].SessionID, sessionID)
	}

	active := reg.ListActive()
	if len(active) != 1 {
		t.Fatalf("ListActive() = %d rows, want 1", len(active))
	}
	if active[0].SessionID != sessionID {
		t.Errorf("active session = %q, want %q", active[0].SessionID, sessionID)
	}
}

func TestRegisterReadyAcksBeforeCallbacks(t *testing.T) {
	reg := New(nil)
	tr := newFakeTransport()

	acked := false
	unsub := reg.OnStateUpdate(func(state protocol.TestState) {
		// The connected ack must already be on the wire when callbacks run.
		sent := tr.sentMessages()
		acked = len(sent) > 0 && sent[0].Type == protocol.TypeConnected
	})
	defer unsub()

	if _, err := reg.RegisterReady(tr, readyState("a_test.go", "TestA")); err != nil {
		t.Fatalf("RegisterReady() error = %v", err)
	}
	if !acked {
		t.Error("state callback ran before the connected ack was sent")
	}
}

func TestNotifyOrderAndPanicIsolation(t *testing.T) {
	reg := New(nil)
	tr := newFakeTransport()

	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		unsub := reg.OnStateUpdate(func(state protocol.TestState) {
			order = append(order, name)
			if name == "second" {
				panic("subscriber blew up")
			}
		})
		defer unsub()
	}

	if _, err := reg.RegisterReady(tr, readyState("a_test.go", "TestA")); err != nil {
		t.Fatalf("RegisterReady() error = %v", err)
	}

	// All three ran, in registration order, despite the middle panic.
	if len(order) != 3 {
		t.Fatalf("got %d callback runs, want 3: %v", len(order), order)
	}
	for i, want := range []string{"first", "second", "third"} {
		if order[i] != want {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want)
		}
	}
}

func TestRegisterReadyReplacesSameIdentity(t *testing.T) {
	reg := New(nil)
	old := newFakeTransport()
	fresh := newFakeTransport()

	oldSession, err := reg.RegisterReady(old, readyState("a_test.go", "TestA"))
	if err != nil {
		t.Fatalf("RegisterReady(old) error = %v", err)
	}
	newSession, err := reg.RegisterReady(fresh, readyState("a_test.go", "TestA"))
	if err != nil {
		t.Fatalf("RegisterReady(fresh) error = %v", err)
	}
	if newSession == oldSession {
		t.Fatal("expected a fresh session id on reconnect")
	}

	// The slot now belongs to the new connection.
	state, ok := reg.CurrentState(&Identity{TestFile: "a_test.go", TestName: "TestA"})
	if !ok {
		t.Fatal("expected a current state")
	}
	if state.SessionID != newSession {
		t.Errorf("current session = %q, want %q", state.SessionID, newSession)
	}

	// The stale transport's close event must not evict the new connection.
	reg.TransportClosed(old)
	if active := reg.ListActive(); len(active) != 1 || active[0].SessionID != newSession {
		t.Errorf("stale close disturbed the replacement entry: %+v", active)
	}
}

func TestCurrentStateNewestWins(t *testing.T) {
	reg := New(nil)

	if _, ok := reg.CurrentState(nil); ok {
		t.Fatal("expected no state on empty registry")
	}

	if _, err := reg.RegisterReady(newFakeTransport(), readyState("a_test.go", "TestA")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond) // connectedAt must differ
	bSession, err := reg.RegisterReady(newFakeTransport(), readyState("b_test.go", "TestB"))
	if err != nil {
		t.Fatal(err)
	}

	state, ok := reg.CurrentState(nil)
	if !ok {
		t.Fatal("expected a state")
	}
	if state.SessionID != bSession {
		t.Errorf("newest state session = %q, want %q", state.SessionID, bSession)
	}
}

func TestSendExecuteResolvesMatchingTokenOnly(t *testing.T) {
	reg := New(nil)
	tr := newFakeTransport()
	id := Identity{TestFile: "a_test.go", TestName: "TestA"}

	if _, err := reg.RegisterReady(tr, readyState(id.TestFile, id.TestName)); err != nil {
		t.Fatal(err)
	}
	<-tr.sends // connected ack

	go func() {
		msg := <-tr.sends
		if msg.Type != protocol.TypeExecute {
			return
		}
		// A reply carrying a different token must not resolve the call.
		stale := readyState(id.TestFile, id.TestName)
		stale.Rendered = "stale"
		reg.RecordExecuted(tr, "some-other-token", stale)

		result := readyState(id.TestFile, id.TestName)
		result.Rendered = "fresh"
		reg.RecordExecuted(tr, msg.ExecuteID, result)
	}()

	state, err := reg.SendExecute(context.Background(), id, "click()", time.Second)
	if err != nil {
		t.Fatalf("SendExecute() error = %v", err)
	}
	if state.Rendered != "fresh" {
		t.Errorf("resolved with %q, want the matching-token reply", state.Rendered)
	}
	if state.SessionID == "" {
		t.Error("resolved state lost its session id")
	}
}

func TestSendExecuteTimeoutThenLateReplyIgnored(t *testing.T) {
	reg := New(nil)
	tr := newFakeTransport()
	id := Identity{TestFile: "a_test.go", TestName: "TestA"}

	if _, err := reg.RegisterReady(tr, readyState(id.TestFile, id.TestName)); err != nil {
		t.Fatal(err)
	}
	<-tr.sends // connected ack

	_, err := reg.SendExecute(context.Background(), id, "hang()", 20*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("SendExecute() error = %v, want ErrTimeout", err)
	}

	// The late reply updates the stored state but resolves nothing.
	msg := <-tr.sends
	late := readyState(id.TestFile, id.TestName)
	late.Rendered = "late"
	reg.RecordExecuted(tr, msg.ExecuteID, late)

	state, ok := reg.CurrentState(&id)
	if !ok || state.Rendered != "late" {
		t.Errorf("stored state = %+v, want the late reply recorded", state)
	}
}

func TestSendExecuteNotConnected(t *testing.T) {
	reg := New(nil)
	id := Identity{TestFile: "missing_test.go", TestName: "TestGone"}

	_, err := reg.SendExecute(context.Background(), id, "noop()", time.Second)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendExecute() error = %v, want ErrNotConnected", err)
	}
}

func TestSendExecuteContextCanceled(t *testing.T) {
	reg := New(nil)
	tr := newFakeTransport()
	id := Identity{TestFile: "a_test.go", TestName: "TestA"}

	if _, err := reg.RegisterReady(tr, readyState(id.TestFile, id.TestName)); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := reg.SendExecute(ctx, id, "noop()", time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("SendExecute() error = %v, want context.Canceled", err)
	}
}

func TestWaitForReadyAlreadyConnected(t *testing.T) {
	reg := New(nil)
	id := Identity{TestFile: "a_test.go", TestName: "TestA"}
	if _, err := reg.RegisterReady(newFakeTransport(), readyState(id.TestFile, id.TestName)); err != nil {
		t.Fatal(err)
	}

	state, err := reg.WaitForReady(context.Background(), id, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForReady() error = %v", err)
	}
	if IdentityOf(state) != id {
		t.Errorf("resolved identity = %v, want %v", IdentityOf(state), id)
	}
}

func TestWaitForReadyResolvesOnHandshake(t *testing.T) {
	reg := New(nil)
	id := Identity{TestFile: "a_test.go", TestName: "TestA"}

	type result struct {
		state protocol.TestState
		err   error
	}
	done := make(chan result, 1)
	go func() {
		state, err := reg.WaitForReady(context.Background(), id, time.Second)
		done <- result{state, err}
	}()

	// Give the waiter time to register before the handshake arrives.
	time.Sleep(20 * time.Millisecond)

	// A handshake for a different identity must not resolve it.
	if _, err := reg.RegisterReady(newFakeTransport(), readyState("other_test.go", "TestOther")); err != nil {
		t.Fatal(err)
	}
	select {
	case r := <-done:
		t.Fatalf("waiter resolved on wrong identity: %+v, %v", r.state, r.err)
	case <-time.After(30 * time.Millisecond):
	}

	session, err := reg.RegisterReady(newFakeTransport(), readyState(id.TestFile, id.TestName))
	if err != nil {
		t.Fatal(err)
	}
	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("WaitForReady() error = %v", r.err)
		}
		if r.state.SessionID != session {
			t.Errorf("resolved session = %q, want %q", r.state.SessionID, session)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never resolved")
	}
}

func TestWaitForNewSessionIgnoresCurrentSession(t *testing.T) {
	reg := New(nil)
	id := Identity{TestFile: "a_test.go", TestName: "TestA"}

	session, err := reg.RegisterReady(newFakeTransport(), readyState(id.TestFile, id.TestName))
	if err != nil {
		t.Fatal(err)
	}

	// The existing connection carries the excluded session, so the wait
	// must suspend and time out rather than resolve synchronously.
	_, err = reg.WaitForNewSession(context.Background(), id, session, 30*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("WaitForNewSession() error = %v, want ErrTimeout", err)
	}

	type result struct {
		state protocol.TestState
		err   error
	}
	done := make(chan result, 1)
	go func() {
		state, err := reg.WaitForNewSession(context.Background(), id, session, time.Second)
		done <- result{state, err}
	}()
	time.Sleep(20 * time.Millisecond)

	fresh, err := reg.RegisterReady(newFakeTransport(), readyState(id.TestFile, id.TestName))
	if err != nil {
		t.Fatal(err)
	}
	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("WaitForNewSession() error = %v", r.err)
		}
		if r.state.SessionID != fresh {
			t.Errorf("resolved session = %q, want fresh session %q", r.state.SessionID, fresh)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never resolved on reconnect")
	}
}

func TestTransportClosedPurgesPendingWaiters(t *testing.T) {
	reg := New(nil)
	tr := newFakeTransport()
	id := Identity{TestFile: "a_test.go", TestName: "TestA"}

	session, err := reg.RegisterReady(tr, readyState(id.TestFile, id.TestName))
	if err != nil {
		t.Fatal(err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := reg.WaitForNewSession(context.Background(), id, session, 200*time.Millisecond)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	reg.TransportClosed(tr)
	if active := reg.ListActive(); len(active) != 0 {
		t.Fatalf("ListActive() after close = %+v, want empty", active)
	}

	// A later reconnect must not resolve the purged waiter.
	if _, err := reg.RegisterReady(newFakeTransport(), readyState(id.TestFile, id.TestName)); err != nil {
		t.Fatal(err)
	}
	if err := <-errCh; !errors.Is(err, ErrTimeout) {
		t.Errorf("purged waiter error = %v, want ErrTimeout", err)
	}
}

func TestFireAndForgetSends(t *testing.T) {
	reg := New(nil)
	id := Identity{TestFile: "a_test.go", TestName: "TestA"}

	if reg.SendContinue(id) || reg.SendClose(id) || reg.SendError(id, "boom") {
		t.Fatal("sends to an absent identity must report false")
	}

	tr := newFakeTransport()
	if _, err := reg.RegisterReady(tr, readyState(id.TestFile, id.TestName)); err != nil {
		t.Fatal(err)
	}
	if !reg.SendClose(id) {
		t.Fatal("SendClose() = false for a live connection")
	}
	sent := tr.sentMessages()
	if got := sent[len(sent)-1].Type; got != protocol.TypeClose {
		t.Errorf("last message type = %s, want close", got)
	}

	// The entry survives until the transport actually closes.
	if len(reg.ListActive()) != 1 {
		t.Error("SendClose must not evict the connection entry")
	}
}

func TestCloseShutsEverythingDown(t *testing.T) {
	reg := New(nil)
	tr := newFakeTransport()
	id := Identity{TestFile: "a_test.go", TestName: "TestA"}
	if _, err := reg.RegisterReady(tr, readyState(id.TestFile, id.TestName)); err != nil {
		t.Fatal(err)
	}

	reg.Close()
	reg.Close() // idempotent

	tr.mu.Lock()
	closed := tr.closed
	tr.mu.Unlock()
	if !closed {
		t.Error("expected the transport to be closed")
	}

	if _, err := reg.RegisterReady(newFakeTransport(), readyState("b_test.go", "TestB")); !errors.Is(err, ErrClosed) {
		t.Errorf("RegisterReady() after Close error = %v, want ErrClosed", err)
	}
	if _, err := reg.SendExecute(context.Background(), id, "noop()", time.Second); !errors.Is(err, ErrClosed) {
		t.Errorf("SendExecute() after Close error = %v, want ErrClosed", err)
	}
	if _, err := reg.WaitForReady(context.Background(), id, time.Second); !errors.Is(err, ErrClosed) {
		t.Errorf("WaitForReady() after Close error = %v, want ErrClosed", err)
	}
}

func TestListActiveOneEntryPerIdentity(t *testing.T) {
	reg := New(nil)

	if _, err := reg.RegisterReady(newFakeTransport(), readyState("a_test.go", "TestA")); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.RegisterReady(newFakeTransport(), readyState("b_test.go", "TestB")); err != nil {
		t.Fatal(err)
	}
	// A duplicate identity replaces its slot rather than adding a row.
	if _, err := reg.RegisterReady(newFakeTransport(), readyState("a_test.go", "TestA")); err != nil {
		t.Fatal(err)
	}

	active := reg.ListActive()
	if len(active) != 2 {
		t.Fatalf("ListActive() = %d rows, want 2", len(active))
	}
	seen := map[Identity]bool{}
	for _, info := range active {
		if seen[info.Identity] {
			t.Errorf("duplicate identity %v in ListActive", info.Identity)
		}
		seen[info.Identity] = true
	}
}

func TestIdentityString(t *testing.T) {
	id := Identity{TestFile: "login_test.go", TestName: "TestLogin"}
	if got := id.String(); got != "login_test.go#TestLogin" {
		t.Errorf("String() = %q", got)
	}
}
