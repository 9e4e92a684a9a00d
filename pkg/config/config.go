// Package config loads an instance's config.toml.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"llmc/pkg/protocol"

	"github.com/pelletier/go-toml/v2"
)

// Duration is a time.Duration written as a Go duration string ("90s", "5m").
type Duration time.Duration

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Config represents config.toml.
type Config struct {
	Repo     RepoConfig     `toml:"repo"`
	Workers  WorkersConfig  `toml:"workers"`
	Tasks    TasksConfig    `toml:"tasks"`
	Accept   AcceptConfig   `toml:"accept"`
	Daemon   DaemonConfig   `toml:"daemon"`
	Overseer OverseerConfig `toml:"overseer"`
	Logging  LoggingConfig  `toml:"logging"`
}

// RepoConfig locates the source repository workers integrate into.
type RepoConfig struct {
	Path       string `toml:"path"`
	BaseBranch string `toml:"base_branch,omitempty"`
}

// WorkersConfig governs the worker fleet.
type WorkersConfig struct {
	ClaimLimit         int      `toml:"claim_limit"`
	PatrolInterval     Duration `toml:"patrol_interval,omitempty"`
	AgentCommand       string   `toml:"agent_command,omitempty"`
	MaxSessionRestarts int      `toml:"max_session_restarts,omitempty"`
}

// TasksConfig names the external commands around a task's life.
type TasksConfig struct {
	TaskPoolCommand   string `toml:"task_pool_command"`
	PostAcceptCommand string `toml:"post_accept_command,omitempty"`
}

// AcceptConfig shapes the dirty-repository backoff.
type AcceptConfig struct {
	BackoffBase Duration `toml:"backoff_base,omitempty"`
	BackoffMax  Duration `toml:"backoff_max,omitempty"`
}

// DaemonConfig tunes the daemon process.
type DaemonConfig struct {
	HeartbeatInterval Duration `toml:"heartbeat_interval,omitempty"`
	ShutdownGrace     Duration `toml:"shutdown_grace,omitempty"`
}

// Escalation policies once max_remediation_attempts is reached.
const (
	EscalationStop  = "stop"
	EscalationRetry = "retry"
)

// OverseerConfig tunes health checking and remediation.
type OverseerConfig struct {
	CheckInterval          Duration `toml:"check_interval,omitempty"`
	HeartbeatTimeout       Duration `toml:"heartbeat_timeout,omitempty"`
	RegistrationTimeout    Duration `toml:"registration_timeout,omitempty"`
	StartupTimeout         Duration `toml:"startup_timeout,omitempty"`
	StallTimeout           Duration `toml:"stall_timeout,omitempty"` // 0 disables stall detection
	RemediationTimeout     Duration `toml:"remediation_timeout,omitempty"`
	RestartCooldown        Duration `toml:"restart_cooldown,omitempty"`
	MaxRemediationAttempts int      `toml:"max_remediation_attempts,omitempty"` // 0 = unlimited
	Escalation             string   `toml:"escalation,omitempty"`
	RemediationPrompt      string   `toml:"remediation_prompt,omitempty"`
}

// LoggingConfig selects the log level.
type LoggingConfig struct {
	Level string `toml:"level,omitempty"`
}

// Default returns a config with every optional field filled in.
func Default() Config {
	return Config{}.WithDefaults()
}

// WithDefaults returns a copy with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	out := c
	if out.Repo.BaseBranch == "" {
		out.Repo.BaseBranch = "master"
	}
	if out.Workers.ClaimLimit == 0 {
		out.Workers.ClaimLimit = 1
	}
	if out.Workers.PatrolInterval == 0 {
		out.Workers.PatrolInterval = Duration(30 * time.Second)
	}
	if out.Workers.AgentCommand == "" {
		out.Workers.AgentCommand = "claude --dangerously-skip-permissions"
	}
	if out.Workers.MaxSessionRestarts == 0 {
		out.Workers.MaxSessionRestarts = 2
	}
	if out.Accept.BackoffBase == 0 {
		out.Accept.BackoffBase = Duration(60 * time.Second)
	}
	if out.Accept.BackoffMax == 0 {
		out.Accept.BackoffMax = Duration(240 * time.Second)
	}
	if out.Daemon.HeartbeatInterval == 0 {
		out.Daemon.HeartbeatInterval = Duration(5 * time.Second)
	}
	if out.Daemon.ShutdownGrace == 0 {
		out.Daemon.ShutdownGrace = Duration(30 * time.Second)
	}
	o := &out.Overseer
	if o.CheckInterval == 0 {
		o.CheckInterval = Duration(5 * time.Second)
	}
	if o.HeartbeatTimeout == 0 {
		o.HeartbeatTimeout = Duration(30 * time.Second)
	}
	if o.RegistrationTimeout == 0 {
		o.RegistrationTimeout = Duration(60 * time.Second)
	}
	if o.StartupTimeout == 0 {
		o.StartupTimeout = Duration(60 * time.Second)
	}
	if o.RemediationTimeout == 0 {
		o.RemediationTimeout = Duration(30 * time.Minute)
	}
	if o.RestartCooldown == 0 {
		o.RestartCooldown = Duration(5 * time.Minute)
	}
	if o.Escalation == "" {
		o.Escalation = EscalationStop
	}
	if out.Logging.Level == "" {
		out.Logging.Level = "info"
	}
	return out
}

// Validate reports structural faults as *protocol.ConfigurationError.
func (c Config) Validate() error {
	if c.Repo.Path == "" {
		return &protocol.ConfigurationError{Field: "repo.path", Reason: "must be set"}
	}
	if !filepath.IsAbs(c.Repo.Path) {
		return &protocol.ConfigurationError{Field: "repo.path", Reason: "must be absolute"}
	}
	if c.Workers.ClaimLimit < 1 {
		return &protocol.ConfigurationError{Field: "workers.claim_limit", Reason: "must be at least 1"}
	}
	if strings.TrimSpace(c.Tasks.TaskPoolCommand) == "" {
		return &protocol.ConfigurationError{Field: "tasks.task_pool_command", Reason: "must be set"}
	}
	if c.Accept.BackoffMax < c.Accept.BackoffBase {
		return &protocol.ConfigurationError{Field: "accept.backoff_max", Reason: "must not be below backoff_base"}
	}
	if c.Overseer.MaxRemediationAttempts < 0 {
		return &protocol.ConfigurationError{Field: "overseer.max_remediation_attempts", Reason: "must not be negative"}
	}
	switch c.Overseer.Escalation {
	case EscalationStop, EscalationRetry:
	default:
		return &protocol.ConfigurationError{
			Field:  "overseer.escalation",
			Reason: fmt.Sprintf("unknown policy %q (want %q or %q)", c.Overseer.Escalation, EscalationStop, EscalationRetry),
		}
	}
	return nil
}

// Load reads path, applies defaults and validates.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path derived from instance root
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, &protocol.ConfigurationError{Reason: fmt.Sprintf("%s not found; run 'llmc init'", path)}
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, &protocol.ConfigurationError{Reason: fmt.Sprintf("parse %s: %v", path, err)}
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes cfg to path as TOML.
func Save(path string, cfg Config) error {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetIndentTables(true)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
