package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/probelab/testbridge/internal/editor"
	"github.com/probelab/testbridge/internal/history"
	"github.com/probelab/testbridge/internal/logger"
	"github.com/probelab/testbridge/internal/metrics"
	"github.com/probelab/testbridge/internal/protocol"
	"github.com/probelab/testbridge/internal/registry"
)

// identityFromParams resolves the optional (test_file, test_name) pair.
// Both empty means "the most recently connected test"; giving only one is
// a caller mistake.
func identityFromParams(file, name string) (*registry.Identity, error) {
	if file == "" && name == "" {
		return nil, nil
	}
	if file == "" || name == "" {
		return nil, fmt.Errorf("test_file and test_name must be provided together")
	}
	return &registry.Identity{TestFile: file, TestName: name}, nil
}

// TestStateParams selects which test's state to read.
type TestStateParams struct {
	TestFile string `json:"test_file,omitempty"`
	TestName string `json:"test_name,omitempty"`
}

// handleTestState is a pure read: a caller polling before any test has
// connected receives connected=false, never an error.
func (s *Server) handleTestState(ctx context.Context, req *mcp.CallToolRequest, params TestStateParams) (*mcp.CallToolResult, any, error) {
	id, err := identityFromParams(params.TestFile, params.TestName)
	if err != nil {
		return nil, failState("test_state", err), nil
	}
	state, ok := s.reg.CurrentState(id)
	if !ok {
		return nil, notConnected("test_state"), nil
	}
	return nil, okState("test_state", state), nil
}

// ExecuteStepParams carries one remote code-execution request.
type ExecuteStepParams struct {
	Code           string `json:"code"`
	TestFile       string `json:"test_file,omitempty"`
	TestName       string `json:"test_name,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

func (s *Server) handleExecuteStep(ctx context.Context, req *mcp.CallToolRequest, params ExecuteStepParams) (*mcp.CallToolResult, any, error) {
	if params.Code == "" {
		return nil, failState("execute_step", fmt.Errorf("code is required")), nil
	}
	id, err := identityFromParams(params.TestFile, params.TestName)
	if err != nil {
		return nil, failState("execute_step", err), nil
	}
	if id == nil {
		state, ok := s.reg.CurrentState(nil)
		if !ok {
			return nil, failState("execute_step", registry.ErrNotConnected), nil
		}
		derived := registry.IdentityOf(state)
		id = &derived
	}

	timeout := s.executeTimeout
	if params.TimeoutSeconds > 0 {
		timeout = time.Duration(params.TimeoutSeconds) * time.Second
	}

	state, err := s.reg.SendExecute(ctx, *id, params.Code, timeout)
	if err != nil {
		return nil, failState("execute_step", err), nil
	}
	return nil, okState("execute_step", state), nil
}

// WaitForTestParams describes a readiness wait.
type WaitForTestParams struct {
	TestFile       string `json:"test_file"`
	TestName       string `json:"test_name"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	// DifferentFromSession, when set, requires the matching connection to
	// carry a session id other than this one. Use it to wait for the next
	// run of a test after an edit triggers a rerun.
	DifferentFromSession string `json:"different_from_session,omitempty"`
}

func (s *Server) handleWaitForTest(ctx context.Context, req *mcp.CallToolRequest, params WaitForTestParams) (*mcp.CallToolResult, any, error) {
	if params.TestFile == "" || params.TestName == "" {
		return nil, failState("wait_for_test", fmt.Errorf("test_file and test_name are required")), nil
	}
	id := registry.Identity{TestFile: params.TestFile, TestName: params.TestName}

	timeout := s.waitTimeout
	if params.TimeoutSeconds > 0 {
		timeout = time.Duration(params.TimeoutSeconds) * time.Second
	}

	var err error
	var state protocol.TestState
	if params.DifferentFromSession != "" {
		state, err = s.reg.WaitForNewSession(ctx, id, params.DifferentFromSession, timeout)
	} else {
		state, err = s.reg.WaitForReady(ctx, id, timeout)
	}
	if err != nil {
		return nil, failState("wait_for_test", err), nil
	}
	return nil, okState("wait_for_test", state), nil
}

// FinalizeTestParams controls finalization of a test file.
type FinalizeTestParams struct {
	TestFile      string `json:"test_file"`
	RemoveMarkers bool   `json:"remove_markers,omitempty"`
}

// FinalizeResult reports what finalization did.
type FinalizeResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	// Closed counts the live connections for this file that were sent a
	// close message.
	Closed int `json:"closed"`
}

// handleFinalizeTest strips the injected call and optionally the marker
// sentinels, then releases every live session of the file. It is
// idempotent: a file already finalized succeeds as a no-op.
func (s *Server) handleFinalizeTest(ctx context.Context, req *mcp.CallToolRequest, params FinalizeTestParams) (*mcp.CallToolResult, any, error) {
	const tool = "finalize_test"
	if params.TestFile == "" {
		metrics.RecordToolCall(tool, "error")
		return nil, FinalizeResult{Error: "test_file is required"}, nil
	}

	if _, err := s.editor.Backup(params.TestFile); err != nil {
		metrics.RecordToolCall(tool, "error")
		return nil, FinalizeResult{Error: err.Error()}, nil
	}

	if err := s.editor.RemoveCallSite(params.TestFile); err != nil {
		s.rollback(params.TestFile)
		metrics.RecordToolCall(tool, "error")
		return nil, FinalizeResult{Error: err.Error()}, nil
	}
	if params.RemoveMarkers {
		if err := s.editor.StripMarkers(params.TestFile); err != nil {
			s.rollback(params.TestFile)
			metrics.RecordToolCall(tool, "error")
			return nil, FinalizeResult{Error: err.Error()}, nil
		}
	}
	s.editor.DiscardBackup(params.TestFile)

	// Sessions report the file path as their process saw it; match on the
	// normalized form so spelling differences do not leave sessions open.
	want := editor.NormalizePath(params.TestFile)
	closed := 0
	for _, info := range s.reg.ListActive() {
		if editor.NormalizePath(info.Identity.TestFile) == want && s.reg.SendClose(info.Identity) {
			closed++
		}
	}

	metrics.RecordToolCall(tool, "ok")
	return nil, FinalizeResult{Success: true, Closed: closed}, nil
}

// rollback restores the pre-finalize file content. Restore failures are
// logged only; the caller is already reporting the original error.
func (s *Server) rollback(path string) {
	if err := s.editor.Restore(path); err != nil {
		logger.Error("Rollback of %s failed: %v", path, err)
	}
}

// ListActiveParams has no fields; the tool takes no arguments.
type ListActiveParams struct{}

// ListActiveResult enumerates live connections.
type ListActiveResult struct {
	Success bool                  `json:"success"`
	Active  []registry.ActiveInfo `json:"active"`
}

func (s *Server) handleListActive(ctx context.Context, req *mcp.CallToolRequest, params ListActiveParams) (*mcp.CallToolResult, any, error) {
	metrics.RecordToolCall("list_active", "ok")
	return nil, ListActiveResult{Success: true, Active: s.reg.ListActive()}, nil
}

// GeneratedCodeParams selects the file to scan for injected regions.
type GeneratedCodeParams struct {
	TestFile string `json:"test_file"`
}

// GeneratedRegion is one injected region in file order.
type GeneratedRegion struct {
	StepID string `json:"step_id,omitempty"`
	Code   string `json:"code"`
}

// GeneratedCodeResult lists the marker-region bodies of a file.
type GeneratedCodeResult struct {
	Success bool              `json:"success"`
	Error   string            `json:"error,omitempty"`
	Regions []GeneratedRegion `json:"regions"`
}

func (s *Server) handleGeneratedCode(ctx context.Context, req *mcp.CallToolRequest, params GeneratedCodeParams) (*mcp.CallToolResult, any, error) {
	const tool = "generated_code"
	if params.TestFile == "" {
		metrics.RecordToolCall(tool, "error")
		return nil, GeneratedCodeResult{Error: "test_file is required"}, nil
	}
	regions, err := s.editor.ScanRegions(params.TestFile)
	if err != nil {
		metrics.RecordToolCall(tool, "error")
		return nil, GeneratedCodeResult{Error: err.Error()}, nil
	}
	result := GeneratedCodeResult{Success: true, Regions: make([]GeneratedRegion, 0, len(regions))}
	for _, r := range regions {
		result.Regions = append(result.Regions, GeneratedRegion{StepID: r.StepID, Code: r.Body})
	}
	metrics.RecordToolCall(tool, "ok")
	return nil, result, nil
}

// TestHistoryParams bounds how many past sessions to return.
type TestHistoryParams struct {
	Limit int `json:"limit,omitempty"`
}

// TestHistoryResult lists past sessions, newest first.
type TestHistoryResult struct {
	Success  bool                       `json:"success"`
	Error    string                     `json:"error,omitempty"`
	Sessions []history.ConnectionRecord `json:"sessions"`
}

func (s *Server) handleTestHistory(ctx context.Context, req *mcp.CallToolRequest, params TestHistoryParams) (*mcp.CallToolResult, any, error) {
	const tool = "test_history"
	if s.history == nil {
		metrics.RecordToolCall(tool, "error")
		return nil, TestHistoryResult{Error: "history is disabled"}, nil
	}
	records, err := s.history.RecentConnections(params.Limit)
	if err != nil {
		metrics.RecordToolCall(tool, "error")
		return nil, TestHistoryResult{Error: err.Error()}, nil
	}
	metrics.RecordToolCall(tool, "ok")
	return nil, TestHistoryResult{Success: true, Sessions: records}, nil
}
