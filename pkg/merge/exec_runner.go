package merge

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"time"
)

// gitEnv keeps git non-interactive and its messages in English for
// parseConflictFiles.
var gitEnv = []string{ //nolint:gochecknoglobals // fixed environment overrides
	"LC_ALL=C",
	"GIT_TERMINAL_PROMPT=0",
	"GIT_EDITOR=true",
	"GIT_MERGE_AUTOEDIT=no",
}

// ExecGitRunner implements GitRunner with the git binary.
type ExecGitRunner struct {
	// Env is added to the environment of every command.
	Env []string
}

// Run executes git with args in dir. A cancelled ctx kills git and waits at
// most a second for its output pipes to close.
func (r *ExecGitRunner) Run(ctx context.Context, dir string, args ...string) (stdout, stderr string, err error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(append(os.Environ(), gitEnv...), r.Env...)
	cmd.WaitDelay = time.Second

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err = cmd.Run()
	return outBuf.String(), errBuf.String(), err
}
