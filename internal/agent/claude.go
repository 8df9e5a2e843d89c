package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
)

// ClaudeAdapter implements Agent for the Claude Code CLI.
type ClaudeAdapter struct {
	command      string
	sessionID    string
	workDir      string
	model        string
	systemPrompt string
	started      bool
	procMgr      *ProcessManager
}

// claudeResponse is the JSON shape the CLI prints with --output-format json.
type claudeResponse struct {
	SessionID string `json:"session_id"`
	Result    struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"result"`
}

// NewClaudeAdapter creates a Claude Code adapter. A missing SessionID gets a
// fresh UUID; a missing WorkDir defaults to the current directory.
func NewClaudeAdapter(cfg Config, procMgr *ProcessManager) (*ClaudeAdapter, error) {
	sessionID := cfg.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	workDir := cfg.WorkDir
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving working directory: %w", err)
		}
	}

	command := cfg.Command
	if command == "" {
		command = "claude"
	}

	return &ClaudeAdapter{
		command:      command,
		sessionID:    sessionID,
		workDir:      workDir,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		procMgr:      procMgr,
	}, nil
}

// Send invokes the CLI once. The first call opens the session with
// --session-id; later calls resume it so iteration context carries over.
func (a *ClaudeAdapter) Send(ctx context.Context, msg Message) (Response, error) {
	args := a.buildArgs(msg, a.started)

	cmd := newCommand(ctx, a.command, args...)
	cmd.Dir = a.workDir

	stdout, stderr, err := executeCommand(ctx, cmd, a.procMgr)
	if err != nil {
		return Response{Error: fmt.Sprintf("claude command failed: %v", err)}, err
	}

	resp, err := parseClaudeResponse(stdout)
	if err != nil {
		return Response{
			Error: fmt.Sprintf("parsing claude response: %v (stderr: %s)", err, string(stderr)),
		}, err
	}

	a.started = true
	return resp, nil
}

// Close is a no-op: the adapter is subprocess-per-invocation.
func (a *ClaudeAdapter) Close() error { return nil }

// SessionID returns the conversation identifier.
func (a *ClaudeAdapter) SessionID() string { return a.sessionID }

func (a *ClaudeAdapter) buildArgs(msg Message, isResume bool) []string {
	args := []string{"-p", msg.Content, "--output-format", "json"}

	if isResume {
		args = append(args, "--resume", a.sessionID)
	} else {
		args = append(args, "--session-id", a.sessionID)
	}
	if a.model != "" {
		args = append(args, "--model", a.model)
	}
	if a.systemPrompt != "" {
		args = append(args, "--system-prompt", a.systemPrompt)
	}
	return args
}

func parseClaudeResponse(data []byte) (Response, error) {
	var cr claudeResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return Response{}, fmt.Errorf("unmarshaling JSON: %w", err)
	}

	var content string
	for _, item := range cr.Result.Content {
		if item.Type == "text" {
			content += item.Text
		}
	}

	return Response{Content: content, SessionID: cr.SessionID}, nil
}
