package driver

import (
	"errors"
	"testing"
)

func TestParseMessage(t *testing.T) {
	line := []byte(`{"type":"assistant","session_id":"s1","message":{"content":[{"type":"text","text":"hello"},{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls"}}]}}`)

	msg, err := ParseMessage(line)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if msg.Type != TypeAssistant || msg.SessionID != "s1" {
		t.Errorf("header: type=%q session=%q", msg.Type, msg.SessionID)
	}
	if msg.Message == nil || len(msg.Message.Content) != 2 {
		t.Fatalf("content: %+v", msg.Message)
	}
	if msg.Message.Content[0].Text != "hello" {
		t.Errorf("text block: %+v", msg.Message.Content[0])
	}
	if msg.Message.Content[1].Name != "Bash" {
		t.Errorf("tool_use block: %+v", msg.Message.Content[1])
	}
	if string(msg.Raw) != string(line) {
		t.Error("raw line not preserved")
	}
}

func TestParseMessageResult(t *testing.T) {
	line := []byte(`{"type":"result","subtype":"success","is_error":false,"duration_ms":1234,"num_turns":3,"total_cost_usd":0.05,"result":"done"}`)

	msg, err := ParseMessage(line)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if msg.Type != TypeResult || msg.IsError || msg.DurationMS != 1234 || msg.Result != "done" {
		t.Errorf("result fields: %+v", msg)
	}
}

func TestParseMessageMalformed(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"not json", "claude: command crashed"},
		{"truncated", `{"type":"assist`},
		{"missing type", `{"session_id":"s1"}`},
		{"empty object", `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMessage([]byte(tt.line))
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("ParseMessage(%q) = %v, want ErrMalformed", tt.line, err)
			}
		})
	}
}

func TestParseMessageUnknownTypePreserved(t *testing.T) {
	line := []byte(`{"type":"telemetry","whatever":true}`)

	msg, err := ParseMessage(line)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if msg.Type != "telemetry" {
		t.Errorf("type = %q", msg.Type)
	}
	if string(msg.Raw) != string(line) {
		t.Error("raw line not preserved for unknown type")
	}
}

func TestSystemPromptIsZero(t *testing.T) {
	if !(SystemPrompt{}).IsZero() {
		t.Error("empty prompt should be zero")
	}
	if (SystemPrompt{Text: "x"}).IsZero() {
		t.Error("text prompt should not be zero")
	}
	if (SystemPrompt{Preset: "claude_code"}).IsZero() {
		t.Error("preset prompt should not be zero")
	}
}
