package protocol

// LogEntry is one captured console line from the test process.
type LogEntry struct {
	Level   string `json:"level,omitempty"`
	Message string `json:"message"`
	// TimestampMs is milliseconds since epoch as reported by the process.
	TimestampMs int64 `json:"timestamp,omitempty"`
}

// Capability describes one operation the test process advertises as
// available to generated code (a helper, fixture, or page object).
type Capability struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Signature   string `json:"signature,omitempty"`
	Description string `json:"description,omitempty"`
}

// TestState is the snapshot a test process reports at handshake and after
// each executed step. It is an immutable value: the registry replaces the
// stored snapshot wholesale on every update and never mutates one in place.
type TestState struct {
	TestFile     string       `json:"testFile"`
	TestName     string       `json:"testName"`
	DOM          string       `json:"dom,omitempty"`
	Rendered     string       `json:"rendered,omitempty"`
	Logs         []LogEntry   `json:"logs,omitempty"`
	Errors       []string     `json:"errors,omitempty"`
	SessionID    string       `json:"session,omitempty"`
	Capabilities []Capability `json:"capabilities,omitempty"`
}
