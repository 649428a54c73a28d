// Package protocol defines the messages exchanged between the controller and
// the agent and the line-delimited JSON channel that carries them.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Message types.
const (
	TypeShell  = "shell"
	TypeResult = "result"
)

// Result statuses.
const (
	StatusOK     = "OK"
	StatusFailed = "Failed"
)

// Message is a single protocol message. Data holds the command string for
// shell messages and an optional structured payload for results.
type Message struct {
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data,omitempty"`
	Status string          `json:"status,omitempty"`
	Output string          `json:"output,omitempty"`
	Echo   string          `json:"echo,omitempty"`
}

// Reason explains why a file was flagged.
type Reason string

const (
	ReasonFilename Reason = "filename_match"
	ReasonContent  Reason = "content_match"
)

// Finding documents a single classification result as it travels on the wire.
type Finding struct {
	Path        string `json:"path"`
	Reason      Reason `json:"reason"`
	Detail      string `json:"detail"`
	FileContent string `json:"file_content,omitempty"`
}

// ScanResult is the data payload of a successful scan result.
type ScanResult struct {
	ScanPath      string    `json:"scan_path"`
	FindingsCount int       `json:"findings_count"`
	Findings      []Finding `json:"findings"`
}

// NewShell builds a shell message carrying command.
func NewShell(command string) Message {
	data, _ := json.Marshal(command)
	return Message{Type: TypeShell, Data: data}
}

// NewResult builds a result message.
func NewResult(status, output string) Message {
	return Message{Type: TypeResult, Status: status, Output: output}
}

// OK builds a successful result.
func OK(output string) Message { return NewResult(StatusOK, output) }

// Failed builds a failed result with a human-readable output.
func Failed(output string) Message { return NewResult(StatusFailed, output) }

// FailedEcho builds a failed result echoing the command that failed.
func FailedEcho(command string) Message {
	return Message{Type: TypeResult, Status: StatusFailed, Echo: command}
}

// WithData returns a copy of m carrying v as its data payload.
func (m Message) WithData(v any) (Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return m, fmt.Errorf("encode message data: %w", err)
	}
	m.Data = data
	return m, nil
}

// Command returns the command string of a shell message. A missing or
// non-string data field yields "".
func (m Message) Command() string {
	if len(m.Data) == 0 {
		return ""
	}
	var cmd string
	if err := json.Unmarshal(m.Data, &cmd); err != nil {
		return ""
	}
	return cmd
}

// ScanResult decodes the data payload as a scan result. ok is false when the
// message carries no findings payload.
func (m Message) ScanResult() (ScanResult, bool) {
	if len(m.Data) == 0 || m.Data[0] != '{' {
		return ScanResult{}, false
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(m.Data, &probe); err != nil {
		return ScanResult{}, false
	}
	if _, ok := probe["findings"]; !ok {
		return ScanResult{}, false
	}

	var res ScanResult
	if err := json.Unmarshal(m.Data, &res); err != nil {
		return ScanResult{}, false
	}
	return res, true
}
