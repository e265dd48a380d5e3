// Package registry tracks live test-process connections, correlates remote
// code-execution requests to their replies, and resolves readiness waiters.
package registry

import (
	"errors"
	"fmt"
	"time"

	"github.com/probelab/testbridge/internal/protocol"
)

var (
	// ErrNotConnected is returned when an operation targets an identity
	// with no live connection.
	ErrNotConnected = errors.New("test not connected")
	// ErrTimeout is returned when a suspending operation's deadline
	// elapses before a matching reply or connection arrives.
	ErrTimeout = errors.New("timed out")
	// ErrClosed is returned after the registry has been shut down.
	ErrClosed = errors.New("registry closed")
)

// Identity is the compound key identifying one logical test: the pair is
// assumed unique among concurrently live sessions, but the same pair may
// reconnect later under a new session id.
type Identity struct {
	TestFile string `json:"testFile"`
	TestName string `json:"testName"`
}

func (id Identity) String() string {
	return fmt.Sprintf("%s#%s", id.TestFile, id.TestName)
}

// IdentityOf derives the registry key from a state snapshot.
func IdentityOf(state protocol.TestState) Identity {
	return Identity{TestFile: state.TestFile, TestName: state.TestName}
}

// Transport is the write side of one test-process connection. The registry
// never reads from it; inbound messages arrive through RegisterReady,
// RecordExecuted and TransportClosed, driven by the listener's read loop.
type Transport interface {
	Send(msg *protocol.Message) error
	Close() error
}

// ActiveInfo is one row of ListActive.
type ActiveInfo struct {
	Identity    Identity  `json:"identity"`
	SessionID   string    `json:"session"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// Recorder observes session lifecycle for persistence. All methods are
// called outside the registry lock and must not block for long.
type Recorder interface {
	RecordConnect(id Identity, sessionID string, at time.Time)
	RecordDisconnect(sessionID string, at time.Time)
	RecordExecute(sessionID, token, status string, duration time.Duration)
}

// entry owns everything bound to one connection lifetime. It is created on
// ready, has its state replaced on every executed message, and is destroyed
// when the transport reports closed.
type entry struct {
	transport   Transport
	identity    Identity
	sessionID   string
	state       protocol.TestState
	connectedAt time.Time
	// bound holds waiters that resolved against this connection and are
	// kept for purge bookkeeping when the transport closes.
	bound []*waiter
	// executes maps execute token -> pending resolver. An entry is removed
	// on resolution or timeout, whichever comes first.
	executes map[string]chan protocol.TestState
}
