// Package transport accepts test-process connections and feeds their
// messages into the registry.
package transport

import (
	"encoding/json"
	"net"
	"sync"

	"github.com/probelab/testbridge/internal/protocol"
)

// Conn is the write side of one accepted connection. Writes are serialized
// behind a mutex so concurrent sends never interleave frames.
type Conn struct {
	c  net.Conn
	mu sync.Mutex
}

// NewConn wraps an accepted network connection.
func NewConn(c net.Conn) *Conn {
	return &Conn{c: c}
}

// Send writes one newline-terminated JSON frame.
func (c *Conn) Send(msg *protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.c.Write(data)
	return err
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.c.Close()
}

// RemoteAddr reports the peer address for logging.
func (c *Conn) RemoteAddr() string {
	return c.c.RemoteAddr().String()
}
