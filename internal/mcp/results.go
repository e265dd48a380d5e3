package mcp

import (
	"github.com/probelab/testbridge/internal/metrics"
	"github.com/probelab/testbridge/internal/protocol"
)

// StateResult is the shared shape of tool results that carry a snapshot.
// Failures from the registry or editor are reported through Success/Error;
// nothing the core raises crosses the tool boundary as a protocol fault.
type StateResult struct {
	Success   bool                `json:"success"`
	Connected bool                `json:"connected"`
	Error     string              `json:"error,omitempty"`
	State     *protocol.TestState `json:"state,omitempty"`
}

// okState records a successful call and wraps the snapshot.
func okState(tool string, state protocol.TestState) StateResult {
	metrics.RecordToolCall(tool, "ok")
	return StateResult{Success: true, Connected: true, State: &state}
}

// notConnected is the normal, non-error answer when nothing matches: a
// caller polling before any test has connected just sees connected=false.
func notConnected(tool string) StateResult {
	metrics.RecordToolCall(tool, "ok")
	return StateResult{Success: true, Connected: false}
}

// failState records a failed call. The reason is surfaced verbatim as the
// failure string.
func failState(tool string, err error) StateResult {
	metrics.RecordToolCall(tool, "error")
	return StateResult{Success: false, Error: err.Error()}
}
