package gate

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aristath/waverunner/internal/agent"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		maxLines int
		want     string
	}{
		{"short output untouched", "a\nb", 5, "a\nb"},
		{"exact bound untouched", "a\nb\nc", 3, "a\nb\nc"},
		{"long output truncated", "a\nb\nc\nd", 2, "a\nb\n[... truncated]"},
		{"zero bound yields empty", "a\nb", 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Truncate(tt.output, tt.maxLines); got != tt.want {
				t.Errorf("Truncate() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestTestGateNoMarker verifies the absence of a recognized runner marker is
// a soft pass with a warning.
func TestTestGateNoMarker(t *testing.T) {
	g := NewTestGate()
	res := g.Run(context.Background(), t.TempDir(), time.Second)
	if !res.Passed {
		t.Error("Gate should soft-pass without a runner marker")
	}
	if res.Warning == "" {
		t.Error("Soft pass should carry a warning")
	}
}

func TestDetectRunner(t *testing.T) {
	tests := []struct {
		marker string
		want   string
	}{
		{"go.mod", "go"},
		{"package.json", "npm"},
		{"Cargo.toml", "cargo"},
		{"pyproject.toml", "pytest"},
		{"Makefile", "make"},
	}

	for _, tt := range tests {
		t.Run(tt.marker, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, dir, tt.marker, "")
			cmd := detectRunner(dir)
			if cmd == nil || cmd[0] != tt.want {
				t.Errorf("detectRunner() = %v, want command %q", cmd, tt.want)
			}
		})
	}
}

// specAgent answers spec-gate queries with a fixed response.
type specAgent struct {
	reply   string
	prompts []string
}

func (a *specAgent) Send(ctx context.Context, msg agent.Message) (agent.Response, error) {
	a.prompts = append(a.prompts, msg.Content)
	return agent.Response{Content: a.reply}, nil
}

func (a *specAgent) Close() error      { return nil }
func (a *specAgent) SessionID() string { return "spec-session" }

func TestSpecGate(t *testing.T) {
	tests := []struct {
		name   string
		reply  string
		passed bool
	}{
		{"exact token passes", "GATE: PASS", true},
		{"token within prose passes", "Everything checks out.\nGATE: PASS\n", true},
		{"lowercase token passes", "gate: pass", true},
		{"missing token fails", "The error path is not covered.", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &specAgent{reply: tt.reply}
			g := NewSpecGate(a, "implement the thing")
			res := g.Run(context.Background(), t.TempDir(), time.Second)
			if res.Passed != tt.passed {
				t.Errorf("Passed = %v, want %v (reply %q)", res.Passed, tt.passed, tt.reply)
			}
		})
	}
}

// TestSpecGatePromptContainsSpec verifies the query carries the task
// specification body.
func TestSpecGatePromptContainsSpec(t *testing.T) {
	a := &specAgent{reply: "GATE: PASS"}
	g := NewSpecGate(a, "the user model must validate emails")
	g.Run(context.Background(), t.TempDir(), time.Second)

	if len(a.prompts) != 1 || !strings.Contains(a.prompts[0], "validate emails") {
		t.Error("Spec gate prompt should include the task specification")
	}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
