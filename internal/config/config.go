// Package config loads run configuration from defaults, an optional config
// file and environment variables. Precedence: CLI flags (applied by the
// caller) > environment > file > defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AgentConfig selects and tunes the generation agent.
type AgentConfig struct {
	Type         string `mapstructure:"type"`
	Command      string `mapstructure:"command"`
	Model        string `mapstructure:"model"`
	SystemPrompt string `mapstructure:"system_prompt"`
}

// RalphConfig tunes the retry loop.
type RalphConfig struct {
	MaxIterations   int           `mapstructure:"max_iterations"`
	StuckThreshold  int           `mapstructure:"stuck_threshold"`
	TruncateLines   int           `mapstructure:"truncate_lines"`
	AttemptTimeout  time.Duration `mapstructure:"attempt_timeout"`
	SpecGateEnabled bool          `mapstructure:"spec_gate_enabled"`
}

// RunConfig tunes the orchestrating runner.
type RunConfig struct {
	MaxConcurrent   int    `mapstructure:"max_concurrent"`
	MergeRetries    int    `mapstructure:"merge_retries"`
	BaseBranch      string `mapstructure:"base_branch"`
	WorktreeDir     string `mapstructure:"worktree_dir"`
	StateDB         string `mapstructure:"state_db"`
	DetectOverlaps  bool   `mapstructure:"detect_overlaps"`
	NonInteractive  bool   `mapstructure:"non_interactive"`
}

// Config is the top-level configuration.
type Config struct {
	Agent AgentConfig `mapstructure:"agent"`
	Ralph RalphConfig `mapstructure:"ralph"`
	Run   RunConfig   `mapstructure:"run"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Type:    "claude",
			Command: "claude",
			Model:   "sonnet",
		},
		Ralph: RalphConfig{
			MaxIterations:   5,
			StuckThreshold:  3,
			TruncateLines:   20,
			AttemptTimeout:  10 * time.Minute,
			SpecGateEnabled: true,
		},
		Run: RunConfig{
			MaxConcurrent:  4,
			MergeRetries:   2,
			BaseBranch:     "main",
			WorktreeDir:    ".worktrees",
			StateDB:        filepath.Join(".waverunner", "run.db"),
			DetectOverlaps: true,
		},
	}
}

// Load reads configuration for a repository. A missing config file is not an
// error; malformed content is. Environment variables use the WAVERUNNER_
// prefix (e.g. WAVERUNNER_RUN_MAX_CONCURRENT).
func Load(repoPath string) (*Config, error) {
	def := Default()

	v := viper.New()
	v.SetEnvPrefix("WAVERUNNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal only walks keys viper already knows about, so every key
	// must be registered as a default or env-only overrides are invisible.
	v.SetDefault("agent.type", def.Agent.Type)
	v.SetDefault("agent.command", def.Agent.Command)
	v.SetDefault("agent.model", def.Agent.Model)
	v.SetDefault("agent.system_prompt", def.Agent.SystemPrompt)
	v.SetDefault("ralph.max_iterations", def.Ralph.MaxIterations)
	v.SetDefault("ralph.stuck_threshold", def.Ralph.StuckThreshold)
	v.SetDefault("ralph.truncate_lines", def.Ralph.TruncateLines)
	v.SetDefault("ralph.attempt_timeout", def.Ralph.AttemptTimeout)
	v.SetDefault("ralph.spec_gate_enabled", def.Ralph.SpecGateEnabled)
	v.SetDefault("run.max_concurrent", def.Run.MaxConcurrent)
	v.SetDefault("run.merge_retries", def.Run.MergeRetries)
	v.SetDefault("run.base_branch", def.Run.BaseBranch)
	v.SetDefault("run.worktree_dir", def.Run.WorktreeDir)
	v.SetDefault("run.state_db", def.Run.StateDB)
	v.SetDefault("run.detect_overlaps", def.Run.DetectOverlaps)
	v.SetDefault("run.non_interactive", def.Run.NonInteractive)

	configPath := filepath.Join(repoPath, ".waverunner", "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", configPath, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		// Environment values arrive as strings; coerce them into the
		// typed fields.
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

// applyDefaults backfills zero values left by partial config files.
func applyDefaults(cfg *Config) {
	def := Default()

	if cfg.Agent.Type == "" {
		cfg.Agent.Type = def.Agent.Type
	}
	if cfg.Agent.Command == "" {
		cfg.Agent.Command = def.Agent.Command
	}
	if cfg.Agent.Model == "" {
		cfg.Agent.Model = def.Agent.Model
	}
	if cfg.Ralph.MaxIterations <= 0 {
		cfg.Ralph.MaxIterations = def.Ralph.MaxIterations
	}
	if cfg.Ralph.StuckThreshold <= 0 {
		cfg.Ralph.StuckThreshold = def.Ralph.StuckThreshold
	}
	if cfg.Ralph.TruncateLines <= 0 {
		cfg.Ralph.TruncateLines = def.Ralph.TruncateLines
	}
	if cfg.Ralph.AttemptTimeout <= 0 {
		cfg.Ralph.AttemptTimeout = def.Ralph.AttemptTimeout
	}
	if cfg.Run.MaxConcurrent <= 0 {
		cfg.Run.MaxConcurrent = def.Run.MaxConcurrent
	}
	if cfg.Run.MergeRetries < 0 {
		cfg.Run.MergeRetries = def.Run.MergeRetries
	}
	if cfg.Run.BaseBranch == "" {
		cfg.Run.BaseBranch = def.Run.BaseBranch
	}
	if cfg.Run.WorktreeDir == "" {
		cfg.Run.WorktreeDir = def.Run.WorktreeDir
	}
	if cfg.Run.StateDB == "" {
		cfg.Run.StateDB = def.Run.StateDB
	}
}
