// Package instance resolves the isolated operating root of an llmc instance
// and every path and name derived from it. Multiple instances coexist on one
// host as long as their roots differ.
package instance

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"llmc/pkg/protocol"
)

// Instance holds the resolved paths of one instance.
type Instance struct {
	Root                  string
	SocketPath            string // daemon hook socket
	RemediationSocketPath string // overseer remediation socket
	StatePath             string
	LockPath              string
	RegistrationPath      string // daemon registration and heartbeat
	DaemonPIDPath         string
	DaemonLockPath        string // held by the running daemon
	OverseerPIDPath       string
	OverseerLockPath      string
	EventsDBPath          string
	ConfigPath            string
	LogsDir               string
	WorktreesDir          string
	SessionPrefix         string
}

// Resolve returns the instance selected by LLMC_ROOT, or ~/llmc.
// LLMC_SESSION_PREFIX overrides the derived tmux session prefix.
func Resolve() (*Instance, error) {
	root, err := resolveRoot()
	if err != nil {
		return nil, err
	}
	inst := New(root)
	if v := os.Getenv(protocol.EnvSessionPrefix); v != "" {
		inst.SessionPrefix = v
	}
	return inst, nil
}

// New derives all paths for root. The result is deterministic in root.
func New(root string) *Instance {
	root = filepath.Clean(root)
	return &Instance{
		Root:                  root,
		SocketPath:            filepath.Join(root, "llmc.sock"),
		RemediationSocketPath: filepath.Join(root, "llmc-remediation.sock"),
		StatePath:             filepath.Join(root, "state.json"),
		LockPath:              filepath.Join(root, "state.lock"),
		RegistrationPath:      filepath.Join(root, "daemon.json"),
		DaemonPIDPath:         filepath.Join(root, "daemon.pid"),
		DaemonLockPath:        filepath.Join(root, "daemon.lock"),
		OverseerPIDPath:       filepath.Join(root, "overseer.pid"),
		OverseerLockPath:      filepath.Join(root, "overseer.lock"),
		EventsDBPath:          filepath.Join(root, "events.db"),
		ConfigPath:            filepath.Join(root, "config.toml"),
		LogsDir:               filepath.Join(root, protocol.LogsDir),
		WorktreesDir:          filepath.Join(root, protocol.WorktreesDir),
		SessionPrefix:         sessionPrefix(root),
	}
}

// SessionName returns the terminal session name of worker.
func (i *Instance) SessionName(worker string) protocol.TerminalSessionName {
	return protocol.SessionName(i.SessionPrefix, worker)
}

// OverseerSession returns the terminal session used for remediation.
func (i *Instance) OverseerSession() protocol.TerminalSessionName {
	return protocol.SessionName(i.SessionPrefix, protocol.OverseerSessionSuffix)
}

// WorktreePath returns the git worktree directory of worker.
func (i *Instance) WorktreePath(worker string) string {
	return filepath.Join(i.WorktreesDir, worker)
}

// DaemonLogPath is the daemon's JSON log.
func (i *Instance) DaemonLogPath() string { return filepath.Join(i.LogsDir, "daemon.log") }

// OverseerLogPath is the overseer's JSON log.
func (i *Instance) OverseerLogPath() string { return filepath.Join(i.LogsDir, "overseer.log") }

// OverseerSettingsPath holds the hook settings of the remediation agent.
func (i *Instance) OverseerSettingsPath() string { return filepath.Join(i.Root, "overseer-settings.json") }

// ManualInterventionPattern matches files a remediation agent leaves to stop
// the overseer.
func (i *Instance) ManualInterventionPattern() string {
	return filepath.Join(i.Root, "manual_intervention_needed_*.txt")
}

// Bootstrap creates the root, logs and worktrees directories (0o700).
func (i *Instance) Bootstrap() error {
	for _, dir := range []string{i.Root, i.LogsDir, i.WorktreesDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func resolveRoot() (string, error) {
	if v := os.Getenv(protocol.EnvRoot); v != "" {
		abs, err := filepath.Abs(v)
		if err != nil {
			return "", fmt.Errorf("resolve %s: %w", protocol.EnvRoot, err)
		}
		return abs, nil
	}
	return defaultRoot()
}

func defaultRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, protocol.DefaultRootDir), nil
}

// sessionPrefix keeps the short prefix for the default root and hashes any
// other root into the prefix so instances never share tmux sessions.
func sessionPrefix(root string) string {
	if def, err := defaultRoot(); err == nil && filepath.Clean(def) == root {
		return protocol.DefaultSessionPrefix
	}
	sum := sha256.Sum256([]byte(root))
	return protocol.DefaultSessionPrefix + hex.EncodeToString(sum[:4]) + "-"
}
