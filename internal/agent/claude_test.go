package agent

import (
	"testing"
)

func TestBuildArgsSessionLifecycle(t *testing.T) {
	a, err := NewClaudeAdapter(Config{Type: "claude", WorkDir: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("NewClaudeAdapter() failed: %v", err)
	}

	first := a.buildArgs(Message{Content: "do the thing"}, false)
	if !containsPair(first, "--session-id", a.SessionID()) {
		t.Errorf("First call args = %v, want --session-id %s", first, a.SessionID())
	}
	if containsFlag(first, "--resume") {
		t.Error("First call should not resume")
	}

	resume := a.buildArgs(Message{Content: "continue"}, true)
	if !containsPair(resume, "--resume", a.SessionID()) {
		t.Errorf("Resume args = %v, want --resume %s", resume, a.SessionID())
	}
	if containsFlag(resume, "--session-id") {
		t.Error("Resumed call should not open a new session")
	}
}

func TestBuildArgsOptionalFlags(t *testing.T) {
	a, err := NewClaudeAdapter(Config{
		Type:         "claude",
		WorkDir:      t.TempDir(),
		Model:        "sonnet",
		SystemPrompt: "be terse",
	}, nil)
	if err != nil {
		t.Fatalf("NewClaudeAdapter() failed: %v", err)
	}

	args := a.buildArgs(Message{Content: "x"}, false)
	if !containsPair(args, "--model", "sonnet") {
		t.Errorf("Args = %v, want --model sonnet", args)
	}
	if !containsPair(args, "--system-prompt", "be terse") {
		t.Errorf("Args = %v, want --system-prompt", args)
	}
	if !containsPair(args, "--output-format", "json") {
		t.Errorf("Args = %v, want --output-format json", args)
	}
}

func TestParseClaudeResponse(t *testing.T) {
	data := []byte(`{
		"session_id": "sess-1",
		"result": {
			"content": [
				{"type": "text", "text": "hello "},
				{"type": "tool_use", "text": "ignored"},
				{"type": "text", "text": "world"}
			]
		}
	}`)

	resp, err := parseClaudeResponse(data)
	if err != nil {
		t.Fatalf("parseClaudeResponse() failed: %v", err)
	}
	if resp.Content != "hello world" {
		t.Errorf("Content = %q, want concatenated text blocks", resp.Content)
	}
	if resp.SessionID != "sess-1" {
		t.Errorf("SessionID = %q", resp.SessionID)
	}
}

func TestParseClaudeResponseInvalid(t *testing.T) {
	if _, err := parseClaudeResponse([]byte("not json")); err == nil {
		t.Error("parseClaudeResponse() should fail on invalid JSON")
	}
}

func TestNewUnknownAgentType(t *testing.T) {
	if _, err := New(Config{Type: "mystery"}, nil); err == nil {
		t.Error("New() should reject an unknown agent type")
	}
}

func TestDistinctSessionsPerAdapter(t *testing.T) {
	a, err := NewClaudeAdapter(Config{WorkDir: t.TempDir()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewClaudeAdapter(Config{WorkDir: t.TempDir()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if a.SessionID() == b.SessionID() {
		t.Error("Adapters should not share session IDs")
	}
}

func containsPair(args []string, flag, value string) bool {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag && args[i+1] == value {
			return true
		}
	}
	return false
}

func containsFlag(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}
