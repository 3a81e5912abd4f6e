// Package mcp supervises tool-provider subprocesses speaking the Model
// Context Protocol: line-delimited JSON-RPC 2.0 over stdio. One Provider owns
// one subprocess; the Supervisor owns all providers and routes tool calls.
package mcp

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ProtocolVersion is the MCP protocol revision sent in the initialize
// handshake.
const ProtocolVersion = "2024-11-05"

// Client identity advertised to every provider.
const (
	clientName    = "conductor"
	clientVersion = "1.0.0"
)

// State describes where a provider is in its lifecycle.
type State string

const (
	StateSpawning    State = "spawning"
	StateHandshaking State = "handshaking"
	StateReady       State = "ready"
	StateDraining    State = "draining"
	StateExited      State = "exited"
)

// LaunchSpec describes how to spawn one provider subprocess.
type LaunchSpec struct {
	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args" json:"args,omitempty"`
	Env     map[string]string `yaml:"env" json:"env,omitempty"`
	WorkDir string            `yaml:"workdir" json:"workdir,omitempty"`
}

// Validate rejects launch specs that could smuggle shell control or path
// traversal into the subprocess command line.
func (s LaunchSpec) Validate() error {
	if s.Command == "" {
		return fmt.Errorf("command is required")
	}
	if strings.Contains(filepath.Clean(s.Command), "..") {
		return fmt.Errorf("command contains path traversal: %q", s.Command)
	}
	for i, arg := range s.Args {
		if containsShellMetachars(arg) {
			return fmt.Errorf("arg[%d] contains shell metacharacters: %q", i, arg)
		}
	}
	return nil
}

// containsShellMetachars flags argument content that suggests command
// chaining. Spaces and quotes are common in legitimate args and stay allowed.
func containsShellMetachars(s string) bool {
	patterns := []string{"$(", "${", "`", "&&", "||", ";", "|", ">", "<", "\n", "\r"}
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// Options carries the supervisor-wide timeouts and handshake policy.
type Options struct {
	// InitializeTimeout bounds the initialize handshake. On expiry the
	// provider is forced ready with a warning unless StrictHandshake is set.
	InitializeTimeout time.Duration

	// ToolCallTimeout is the per-call awaiter deadline.
	ToolCallTimeout time.Duration

	// ShutdownGrace is how long a subprocess gets between the termination
	// signal and a force kill.
	ShutdownGrace time.Duration

	// StrictHandshake inverts the force-ready policy: a handshake timeout
	// fails the provider instead of forcing it ready.
	StrictHandshake bool
}

// withDefaults fills unset options with the wire-facing defaults.
func (o Options) withDefaults() Options {
	if o.InitializeTimeout <= 0 {
		o.InitializeTimeout = 20 * time.Second
	}
	if o.ToolCallTimeout <= 0 {
		o.ToolCallTimeout = 60 * time.Second
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 3 * time.Second
	}
	return o
}

// Envelope is the JSON-RPC 2.0 wire envelope. Requests carry ID+Method,
// notifications carry Method only, replies carry ID plus Result or Error.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// numericID converts a wire id back to the int64 the provider allocated.
// JSON numbers decode as float64; some servers echo ids as strings.
func numericID(id any) (int64, bool) {
	switch v := id.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		var n int64
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n, true
		}
	}
	return 0, false
}

// ToolSpec is one tool as advertised by a provider over tools/list.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// listToolsResult is the tools/list reply payload.
type listToolsResult struct {
	Tools []ToolSpec `json:"tools"`
}

// initializeResult is the initialize reply payload.
type initializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      serverInfo `json:"serverInfo"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// callToolParams is the tools/call request payload.
type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// CallResult is the provider's reply to tools/call.
type CallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ContentBlock is one piece of tool output.
type ContentBlock struct {
	Type     string `json:"type"` // text | image | resource
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Text concatenates the text blocks of a result, falling back to the JSON
// form when a result carries no text at all.
func (r *CallResult) TextContent() string {
	var parts []string
	for _, block := range r.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	if len(parts) == 0 && len(r.Content) > 0 {
		raw, err := json.Marshal(r.Content)
		if err == nil {
			return string(raw)
		}
	}
	return strings.Join(parts, "\n")
}
