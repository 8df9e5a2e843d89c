// Package agent adapts external code-generation CLIs behind a narrow
// capability interface: send a prompt, get a textual answer, with the
// generated work applied to the workspace as a side effect.
package agent

import (
	"context"
	"fmt"
)

// Agent is the generation-agent capability consumed by the retry loop.
type Agent interface {
	// Send sends a message and returns the response. Failures are reported
	// through the error return, never by panicking into the caller.
	Send(ctx context.Context, msg Message) (Response, error)

	// Close terminates any agent subprocess state.
	Close() error

	// SessionID returns the conversation identifier for this agent instance.
	SessionID() string
}

// New creates an agent from configuration, switching on cfg.Type.
func New(cfg Config, pm *ProcessManager) (Agent, error) {
	switch cfg.Type {
	case "claude":
		return NewClaudeAdapter(cfg, pm)
	default:
		return nil, fmt.Errorf("unknown agent type: %s", cfg.Type)
	}
}
