package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/probelab/testbridge/internal/logger"
	"github.com/probelab/testbridge/internal/protocol"
	"github.com/probelab/testbridge/internal/registry"
)

// maxFrameSize bounds one wire frame. DOM snapshots can be large, so this
// is well above typical message sizes.
const maxFrameSize = 16 * 1024 * 1024

// Listener accepts test-process connections and runs one read loop per
// connection until the process disconnects.
type Listener struct {
	reg     *registry.Registry
	network string
	address string
	ln      net.Listener
	wg      sync.WaitGroup
}

// NewListener creates a listener for the given network ("unix" or "tcp")
// and address. A stale unix socket file left by a previous run is removed.
func NewListener(reg *registry.Registry, network, address string) (*Listener, error) {
	if network == "unix" {
		if err := os.Remove(address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove stale socket %s: %w", address, err)
		}
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s %s: %w", network, address, err)
	}
	return &Listener{reg: reg, network: network, address: address, ln: ln}, nil
}

// Addr returns the bound address, useful when listening on port 0.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Serve runs the accept loop until the context is cancelled or the
// listener is closed.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = l.ln.Close()
	}()

	logger.Info("Bridge transport listening on %s %s", l.network, l.address)
	for {
		c, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handleConn(c)
		}()
	}
}

// Close stops accepting and waits for in-flight connection handlers.
func (l *Listener) Close() error {
	err := l.ln.Close()
	l.wg.Wait()
	if l.network == "unix" {
		_ = os.Remove(l.address)
	}
	return err
}

// handleConn reads newline-delimited JSON frames and dispatches them to
// the registry. A malformed frame is logged and skipped; the connection
// stays open. EOF or a read error reports the transport closed.
func (l *Listener) handleConn(netConn net.Conn) {
	conn := NewConn(netConn)
	logger.Info("Test process connected from %s", conn.RemoteAddr())

	scanner := bufio.NewScanner(netConn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	for scanner.Scan() {
		frame := scanner.Bytes()
		if len(frame) == 0 {
			continue
		}
		msg, err := protocol.Decode(frame)
		if err != nil {
			logger.Error("Dropping malformed frame from %s: %v", conn.RemoteAddr(), err)
			continue
		}
		if err := msg.Validate(); err != nil {
			logger.Error("Dropping invalid %s message from %s: %v", msg.Type, conn.RemoteAddr(), err)
			continue
		}
		l.dispatch(conn, msg)
	}
	if err := scanner.Err(); err != nil {
		logger.Error("Read error from %s: %v", conn.RemoteAddr(), err)
	}

	l.reg.TransportClosed(conn)
	_ = conn.Close()
}

func (l *Listener) dispatch(conn *Conn, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeReady:
		if _, err := l.reg.RegisterReady(conn, *msg.State); err != nil {
			logger.Error("Failed to register %s: %v", conn.RemoteAddr(), err)
		}
	case protocol.TypeExecuted:
		l.reg.RecordExecuted(conn, msg.ExecuteID, *msg.State)
	default:
		// continue/execute/close/error flow broker -> process only.
		logger.Error("Unexpected %s message from %s", msg.Type, conn.RemoteAddr())
	}
}
