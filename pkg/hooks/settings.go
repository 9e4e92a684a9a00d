package hooks

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// AgentSettingsFile is written into each worker worktree so the agent reports
// its lifecycle through `llmc hook`.
const AgentSettingsFile = ".claude/settings.local.json"

type hookCommand struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Timeout int    `json:"timeout"`
}

type hookMatcher struct {
	Hooks []hookCommand `json:"hooks"`
}

// WriteAgentSettings installs SessionStart, Stop and SessionEnd hooks in
// worktree that invoke binary with LLMC_ROOT set to root.
func WriteAgentSettings(worktree, binary, root string) error {
	return WriteSettingsFile(filepath.Join(worktree, AgentSettingsFile), binary, root)
}

// WriteSettingsFile writes the hook settings to path. The overseer passes such
// a file to its agent with --settings so the repository stays untouched.
func WriteSettingsFile(path, binary, root string) error {
	cmd := func(event string) []hookMatcher {
		return []hookMatcher{{Hooks: []hookCommand{{
			Type:    "command",
			Command: fmt.Sprintf("LLMC_ROOT=%s %s hook %s", shellQuote(root), shellQuote(binary), event),
			Timeout: 5,
		}}}}
	}
	settings := map[string]any{
		"hooks": map[string][]hookMatcher{
			"SessionStart": cmd("session-start"),
			"Stop":         cmd("stop"),
			"SessionEnd":   cmd("session-end"),
		},
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal agent settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil { //nolint:gosec // read by the agent
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
