package mcp

import (
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func stringProp(desc string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Description: desc}
}

func intProp(desc string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "integer", Description: desc}
}

func boolProp(desc string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "boolean", Description: desc}
}

func objectSchema(props map[string]*jsonschema.Schema, required ...string) *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:       "object",
		Properties: props,
		Required:   required,
	}
}

// registerTools wires every tool onto the MCP server.
func (s *Server) registerTools() {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "test_state",
		Description: "Read the current snapshot of a connected test: DOM, rendered output, logs, and errors. Omit test_file/test_name to read the most recently connected test. Returns connected=false when nothing matches.",
		InputSchema: objectSchema(map[string]*jsonschema.Schema{
			"test_file": stringProp("Path of the test file (paired with test_name)"),
			"test_name": stringProp("Name of the test within the file"),
		}),
	}, s.handleTestState)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "execute_step",
		Description: "Execute a code fragment inside a suspended test and return the refreshed snapshot. Omit test_file/test_name to target the most recently connected test.",
		InputSchema: objectSchema(map[string]*jsonschema.Schema{
			"code":            stringProp("Code fragment to execute in the test's context"),
			"test_file":       stringProp("Path of the test file (paired with test_name)"),
			"test_name":       stringProp("Name of the test within the file"),
			"timeout_seconds": intProp("Seconds to wait for the result before giving up"),
		}, "code"),
	}, s.handleExecuteStep)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "wait_for_test",
		Description: "Block until the named test connects, then return its snapshot. Resolves immediately if it is already connected. Set different_from_session to wait for a rerun instead of the current connection.",
		InputSchema: objectSchema(map[string]*jsonschema.Schema{
			"test_file":              stringProp("Path of the test file"),
			"test_name":              stringProp("Name of the test within the file"),
			"timeout_seconds":        intProp("Seconds to wait before giving up"),
			"different_from_session": stringProp("Session id the matching connection must differ from"),
		}, "test_file", "test_name"),
	}, s.handleWaitForTest)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "finalize_test",
		Description: "Finalize a test file: remove the bridge call site, optionally strip the generated-code markers, and release every live connection for the file. Safe to call on an already-finalized file.",
		InputSchema: objectSchema(map[string]*jsonschema.Schema{
			"test_file":      stringProp("Path of the test file to finalize"),
			"remove_markers": boolProp("Also strip the generated-code marker comments"),
		}, "test_file"),
	}, s.handleFinalizeTest)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "list_active",
		Description: "List every currently connected test with its session id and connection time.",
		InputSchema: objectSchema(map[string]*jsonschema.Schema{}),
	}, s.handleListActive)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "generated_code",
		Description: "List the generated-code regions present in a test file, in file order.",
		InputSchema: objectSchema(map[string]*jsonschema.Schema{
			"test_file": stringProp("Path of the test file to scan"),
		}, "test_file"),
	}, s.handleGeneratedCode)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "test_history",
		Description: "List past test sessions recorded by the broker, newest first.",
		InputSchema: objectSchema(map[string]*jsonschema.Schema{
			"limit": intProp("Maximum number of sessions to return (default 50)"),
		}),
	}, s.handleTestHistory)
}
