// Package driver defines the contract with the underlying LLM engine. A
// QueryDriver consumes a prompt plus options and produces a lazy, finite
// stream of typed messages. The supervisor core never talks to an engine
// directly; everything goes through this interface.
package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed wraps every record-level parse failure so callers can tell a
// bad record apart from a transport error.
var ErrMalformed = errors.New("malformed driver record")

// PermissionMode controls how the engine handles tool permission prompts.
type PermissionMode string

const (
	PermissionDefault     PermissionMode = "default"
	PermissionAcceptEdits PermissionMode = "acceptEdits"
	PermissionBypass      PermissionMode = "bypassPermissions"
	PermissionPlan        PermissionMode = "plan"
	PermissionDelegate    PermissionMode = "delegate"
	PermissionDontAsk     PermissionMode = "dontAsk"
)

// MCPServer describes one injected tool server: either a network URL form or
// a local process form.
type MCPServer struct {
	// Type is "http" for the URL form; empty for the process form.
	Type string `json:"type,omitempty" yaml:"type,omitempty"`

	// URL is the endpoint for http servers.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// Command and Args launch a local process server.
	Command string   `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`

	// Env is extra environment for process servers.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// SystemPrompt is either a plain string or a preset with an optional append.
type SystemPrompt struct {
	// Text is the literal system prompt. Mutually exclusive with Preset.
	Text string `yaml:"text,omitempty"`

	// Preset names an engine-defined preset (e.g. "claude_code").
	Preset string `yaml:"preset,omitempty"`

	// Append is extra text appended to the preset.
	Append string `yaml:"append,omitempty"`
}

// IsZero reports whether no system prompt was configured.
func (p SystemPrompt) IsZero() bool {
	return p.Text == "" && p.Preset == "" && p.Append == ""
}

// Options is the full engine option surface the core passes through.
type Options struct {
	AllowedTools   []string
	DeniedTools    []string
	PermissionMode PermissionMode
	SystemPrompt   SystemPrompt
	SettingSources []string
	MCPServers     map[string]MCPServer
	Resume         string
	ForkSession    bool
	MaxTurns       int
	Cwd            string
	Model          string
}

// Message types the core understands. Any other type is stored verbatim and
// ignored semantically.
const (
	TypeSystem       = "system"
	TypeAssistant    = "assistant"
	TypeUser         = "user"
	TypeStreamEvent  = "stream_event"
	TypeToolProgress = "tool_progress"
	TypeAuthStatus   = "auth_status"
	TypeResult       = "result"
	TypeError        = "error"

	SubtypeInit   = "init"
	SubtypeStatus = "status"
)

// ContentBlock is one element of an assistant or user message's content
// array.
type ContentBlock struct {
	Type string `json:"type"` // text, tool_use, tool_result

	// Text payload (type "text").
	Text string `json:"text,omitempty"`

	// Tool use payload (type "tool_use").
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// Tool result payload (type "tool_result").
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// MessageBody nests the content array the way the engine's wire format does.
type MessageBody struct {
	Content []ContentBlock `json:"content"`
}

// Message is one typed record from the engine stream. Raw always holds the
// engine's original line so unknown types can be stored verbatim.
type Message struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// Message carries the content array for assistant/user records.
	Message *MessageBody `json:"message,omitempty"`

	// Status carries the named status for system/status records.
	Status string `json:"status,omitempty"`

	// Result fields (type "result").
	DurationMS   int64           `json:"duration_ms,omitempty"`
	NumTurns     int             `json:"num_turns,omitempty"`
	TotalCostUSD float64         `json:"total_cost_usd,omitempty"`
	Usage        json.RawMessage `json:"usage,omitempty"`
	IsError      bool            `json:"is_error,omitempty"`
	Result       string          `json:"result,omitempty"`

	// Error field (type "error").
	Error string `json:"error,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// ParseMessage decodes one wire line into a Message, preserving the raw
// bytes. A record without a type field is rejected as malformed.
func ParseMessage(line []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	msg.Raw = append(msg.Raw, line...)
	return &msg, nil
}

// Stream is a lazy sequence of messages. Next returns io.EOF at the end of
// the stream. Close releases engine resources; it is safe to call more than
// once.
type Stream interface {
	Next() (*Message, error)
	Close() error
}

// QueryDriver executes a prompt against the engine and returns its message
// stream. Implementations must honor ctx cancellation at the next message
// boundary.
type QueryDriver interface {
	Query(ctx context.Context, prompt string, opts Options) (Stream, error)
}
