package merge

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Worktrees creates and removes worker worktrees of the source repository.
type Worktrees struct {
	git        GitRunner
	repoRoot   string
	baseBranch string
}

// NewWorktrees returns a worktree manager for the checkout at repoRoot.
func NewWorktrees(git GitRunner, repoRoot, baseBranch string) *Worktrees {
	return &Worktrees{git: git, repoRoot: repoRoot, baseBranch: baseBranch}
}

// Create adds a worktree at path on branch, creating the branch from the base
// branch when it does not exist yet.
func (w *Worktrees) Create(ctx context.Context, path, branch string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("worktree path %s already exists", path)
	}
	if _, _, err := w.git.Run(ctx, w.repoRoot, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch); err == nil {
		if _, stderr, err := w.git.Run(ctx, w.repoRoot, "worktree", "add", path, branch); err != nil {
			return fmt.Errorf("worktree add %s: %w: %s", path, err, strings.TrimSpace(stderr))
		}
		return nil
	}
	if _, stderr, err := w.git.Run(ctx, w.repoRoot, "worktree", "add", path, "-b", branch, w.baseBranch); err != nil {
		return fmt.Errorf("worktree add %s: %w: %s", path, err, strings.TrimSpace(stderr))
	}
	return nil
}

// Remove deletes the worktree and its branch.
func (w *Worktrees) Remove(ctx context.Context, path, branch string) error {
	if _, stderr, err := w.git.Run(ctx, w.repoRoot, "worktree", "remove", "--force", path); err != nil {
		return fmt.Errorf("worktree remove %s: %w: %s", path, err, strings.TrimSpace(stderr))
	}
	if branch != "" {
		_, _, _ = w.git.Run(ctx, w.repoRoot, "branch", "-D", branch)
	}
	return nil
}

// Prune drops git's bookkeeping for worktrees whose directories are gone.
func (w *Worktrees) Prune(ctx context.Context) {
	_, _, _ = w.git.Run(ctx, w.repoRoot, "worktree", "prune")
}
