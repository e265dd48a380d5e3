// Package protocol defines the message vocabulary exchanged between the
// broker and the test processes it bridges. Messages are JSON objects,
// one per line, over a persistent socket.
package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType identifies a control message on the wire
type MessageType string

const (
	// TypeReady is sent by the test process at handshake; it carries the
	// initial state snapshot.
	TypeReady MessageType = "ready"
	// TypeConnected acknowledges a ready message with the issued session id.
	TypeConnected MessageType = "connected"
	// TypeContinue tells the process to keep its connection open.
	TypeContinue MessageType = "continue"
	// TypeExecute asks the process to run code and reply when done.
	TypeExecute MessageType = "execute"
	// TypeExecuted carries the result state of an execute request.
	TypeExecuted MessageType = "executed"
	// TypeClose releases the process's blocking wait; the process then
	// closes the transport.
	TypeClose MessageType = "close"
	// TypeError is a fatal notice; the process should abort its wait.
	TypeError MessageType = "error"
)

// Message is the wire envelope. Only the fields relevant to a given type
// are populated.
type Message struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId,omitempty"` // connected
	ExecuteID string      `json:"executeId,omitempty"` // execute, executed
	Code      string      `json:"code,omitempty"`      // execute
	Error     string      `json:"message,omitempty"`   // error
	State     *TestState  `json:"state,omitempty"`     // ready, executed
}

// NewConnected builds the handshake acknowledgement.
func NewConnected(sessionID string) *Message {
	return &Message{Type: TypeConnected, SessionID: sessionID}
}

// NewContinue builds a keep-open notice.
func NewContinue() *Message {
	return &Message{Type: TypeContinue}
}

// NewExecute builds a code-execution request carrying its correlation token.
func NewExecute(executeID, code string) *Message {
	return &Message{Type: TypeExecute, ExecuteID: executeID, Code: code}
}

// NewClose builds the wait-release notice.
func NewClose() *Message {
	return &Message{Type: TypeClose}
}

// NewError builds a fatal notice.
func NewError(message string) *Message {
	return &Message{Type: TypeError, Error: message}
}

// Decode parses one wire frame. A frame that is not valid JSON or has no
// type is a malformed message; callers log it and keep the connection open.
func Decode(frame []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("malformed message: missing type")
	}
	return &msg, nil
}

// Validate checks that the payload required by the message type is present.
func (m *Message) Validate() error {
	switch m.Type {
	case TypeReady:
		if m.State == nil {
			return fmt.Errorf("ready message missing state")
		}
		if m.State.TestFile == "" || m.State.TestName == "" {
			return fmt.Errorf("ready message missing test identity")
		}
	case TypeExecuted:
		if m.ExecuteID == "" {
			return fmt.Errorf("executed message missing executeId")
		}
		if m.State == nil {
			return fmt.Errorf("executed message missing state")
		}
	case TypeExecute:
		if m.ExecuteID == "" || m.Code == "" {
			return fmt.Errorf("execute message missing executeId or code")
		}
	}
	return nil
}
