package protocol

// Directory, file and environment names used throughout llmc.
const (
	// DefaultRootDir is the instance root under the user's home when LLMC_ROOT is unset.
	DefaultRootDir = "llmc"

	// WorktreesDir holds one git worktree per worker, under the instance root.
	WorktreesDir = ".worktrees"

	// LogsDir holds daemon, overseer and remediation logs.
	LogsDir = "logs"

	// BranchPrefix is the git branch prefix for worker worktrees.
	BranchPrefix = "llmc/"

	// DefaultSessionPrefix is the tmux session prefix of the default instance.
	DefaultSessionPrefix = "llmc-"

	// OverseerSessionSuffix names the overseer's remediation session within an instance.
	OverseerSessionSuffix = "overseer"
)

// Environment variables.
const (
	EnvRoot            = "LLMC_ROOT"
	EnvSessionPrefix   = "LLMC_SESSION_PREFIX"
	EnvTerminalSession = "LLMC_TERMINAL_SESSION"
	EnvHookSocket      = "LLMC_HOOK_SOCKET"
)

// SessionEndClear is the SessionEnd reason the agent reports when /clear
// replaces its session; a new SessionStart follows on the same terminal.
const SessionEndClear = "clear"
