package agent

// Message is a prompt sent to the generation agent.
type Message struct {
	Content string
	Role    string // "user" or "system"
}

// Response is what the agent returned. Generated work is applied directly to
// the workspace by the agent process; Content is the free-text answer.
type Response struct {
	Content   string
	SessionID string
	Error     string
}

// Config defines how to reach a generation agent.
type Config struct {
	Type         string // "claude" is the only production adapter
	Command      string // Binary name override (defaults to the type name)
	WorkDir      string // Workspace the agent operates in
	SessionID    string
	Model        string
	SystemPrompt string
}
