package gate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/waverunner/internal/agent"
)

// PassToken is the marker the spec gate looks for in the agent's answer.
const PassToken = "GATE: PASS"

// SpecGate asks the generation agent whether the current workspace state
// satisfies the task's specification, expecting PassToken in the answer.
type SpecGate struct {
	agent agent.Agent
	spec  string // The task's specification body
}

// NewSpecGate creates a spec-compliance gate bound to one task's agent and
// specification.
func NewSpecGate(a agent.Agent, spec string) *SpecGate {
	return &SpecGate{agent: a, spec: spec}
}

// Name identifies the gate in retry state and reports.
func (g *SpecGate) Name() string { return "spec-compliance" }

// Run queries the agent. An agent transport failure is a failed gate, kept
// inside the iteration loop like any other gate failure.
func (g *SpecGate) Run(ctx context.Context, dir string, timeout time.Duration) Result {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	prompt := fmt.Sprintf(`Review the current state of the working directory against this task specification:

%s

Does the implementation satisfy the specification? Answer with exactly %q if it does. Otherwise list what is missing or wrong.`, g.spec, PassToken)

	resp, err := g.agent.Send(runCtx, agent.Message{Content: prompt, Role: "user"})
	if err != nil {
		return Result{
			Gate:   g.Name(),
			Passed: false,
			Output: fmt.Sprintf("spec gate query failed: %v", err),
		}
	}

	passed := strings.Contains(strings.ToUpper(resp.Content), PassToken)
	return Result{Gate: g.Name(), Passed: passed, Output: resp.Content}
}
