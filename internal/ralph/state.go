// Package ralph drives one task to completion inside its workspace: an
// iterative generate-verify-evaluate loop with stuck detection, persisted
// per-iteration state and an advisory lock.
package ralph

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	stateDirName  = ".waverunner"
	stateFileName = "state.json"
	lockFileName  = "ralph.lock"
)

// Attempt is one entry in the append-only iteration log.
type Attempt struct {
	Iteration       int    `json:"iteration"`
	Gate            string `json:"gate"`
	Hash            string `json:"hash"`
	ShiftedStrategy bool   `json:"shifted_strategy"`
}

// State is the persisted retry state for one task workspace. It is owned
// exclusively by that task's retry loop, written after every iteration's
// evaluation step, and removed on completion.
type State struct {
	TaskID          int       `json:"task_id"`
	Iteration       int       `json:"iteration"`
	MaxIterations   int       `json:"max_iterations"`
	LastGate        string    `json:"last_gate,omitempty"`
	LastFailureHash string    `json:"last_failure_hash,omitempty"`
	LastFailure     string    `json:"last_failure,omitempty"` // Truncated failing-gate output, for resumed prompts
	StuckCount      int       `json:"stuck_count"`
	StrategyShifts  int       `json:"strategy_shifts"`
	Attempts        []Attempt `json:"attempts"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// NewState creates the initial state for a task.
func NewState(taskID, maxIterations int) *State {
	return &State{
		TaskID:        taskID,
		Iteration:     1,
		MaxIterations: maxIterations,
	}
}

// ObserveFailure records a failing gate and failure hash for the current
// iteration. The stuck counter increments when the hash repeats the previous
// iteration's and resets to zero otherwise. shifted marks an attempt whose
// prompt carried the strategy-shift directive; the shift counter itself is
// incremented at detection time by the loop.
func (s *State) ObserveFailure(gateName, hash string, shifted bool) {
	if hash != "" && hash == s.LastFailureHash {
		s.StuckCount++
	} else {
		s.StuckCount = 0
	}
	s.LastGate = gateName
	s.LastFailureHash = hash
	s.Attempts = append(s.Attempts, Attempt{
		Iteration:       s.Iteration,
		Gate:            gateName,
		Hash:            hash,
		ShiftedStrategy: shifted,
	})
}

func statePath(dir string) string {
	return filepath.Join(dir, stateDirName, stateFileName)
}

// Save writes the state beneath the workspace directory. Written atomically
// via rename so a restart never reads a torn record.
func (s *State) Save(dir string) error {
	s.UpdatedAt = time.Now().UTC()

	path := statePath(dir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing state: %w", err)
	}
	return nil
}

// LoadState reads persisted state from a workspace directory. A missing file
// returns (nil, nil): no prior run to resume.
func LoadState(dir string) (*State, error) {
	data, err := os.ReadFile(statePath(dir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state: %w", err)
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding state: %w", err)
	}
	return &s, nil
}

// ClearState removes the persisted state file. Missing files are fine.
func ClearState(dir string) error {
	err := os.Remove(statePath(dir))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing state: %w", err)
	}
	return nil
}

// FailureHash computes the failure signature: a short hex hash over the
// first maxLines lines of gate output. Exact hashing of truncated text is
// the specified stuck-detection mechanism.
func FailureHash(output string, maxLines int) string {
	lines := strings.Split(output, "\n")
	if len(lines) > maxLines {
		lines = lines[:maxLines]
	}
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return fmt.Sprintf("%x", sum)[:12]
}
