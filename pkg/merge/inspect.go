package merge

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Inspector answers read-only questions about the repository and worktrees.
type Inspector struct {
	git        GitRunner
	repoRoot   string
	baseBranch string
	ignore     []string
}

// NewInspector returns an Inspector for the primary checkout at repoRoot.
// Worktree paths in ignore never count as uncommitted work.
func NewInspector(git GitRunner, repoRoot, baseBranch string, ignore ...string) *Inspector {
	return &Inspector{git: git, repoRoot: repoRoot, baseBranch: baseBranch, ignore: ignore}
}

// HasWork reports whether the worktree holds commits ahead of the base branch
// or uncommitted changes.
func (i *Inspector) HasWork(ctx context.Context, worktree string) (bool, error) {
	if has, err := i.HasCommits(ctx, worktree); err != nil || has {
		return has, err
	}
	return i.Uncommitted(ctx, worktree)
}

// HasCommits reports whether the worktree's HEAD is ahead of the base branch.
func (i *Inspector) HasCommits(ctx context.Context, worktree string) (bool, error) {
	n, err := commitsAhead(ctx, i.git, worktree, i.baseBranch, "HEAD")
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Uncommitted reports whether the worktree has staged, unstaged or untracked
// changes outside the ignored paths.
func (i *Inspector) Uncommitted(ctx context.Context, worktree string) (bool, error) {
	paths, err := pendingChanges(ctx, i.git, worktree, i.ignore)
	if err != nil {
		return false, err
	}
	return len(paths) > 0, nil
}

// Clean reports whether the primary checkout can take a fast-forward merge:
// it is on the base branch and has no staged, unstaged or untracked changes.
// When it cannot, detail says why.
func (i *Inspector) Clean(ctx context.Context) (clean bool, detail string, err error) {
	branch, _, err := i.git.Run(ctx, i.repoRoot, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return false, "", fmt.Errorf("rev-parse --abbrev-ref HEAD in %s: %w", i.repoRoot, err)
	}
	if b := strings.TrimSpace(branch); b != i.baseBranch {
		return false, fmt.Sprintf("source repository is on %q, not %q", b, i.baseBranch), nil
	}

	out, _, err := i.git.Run(ctx, i.repoRoot, "status", "--porcelain")
	if err != nil {
		return false, "", fmt.Errorf("git status in %s: %w", i.repoRoot, err)
	}
	if s := strings.TrimSpace(out); s != "" {
		lines := strings.Split(s, "\n")
		return false, fmt.Sprintf("%d uncommitted path(s) in source repository, first: %s", len(lines), strings.TrimSpace(lines[0])), nil
	}
	return true, "", nil
}

// Status returns `git status --short` of the primary checkout for reports.
func (i *Inspector) Status(ctx context.Context) string {
	out, _, err := i.git.Run(ctx, i.repoRoot, "status", "--short", "--branch")
	if err != nil {
		return "git status failed: " + err.Error()
	}
	return strings.TrimSpace(out)
}

func commitsAhead(ctx context.Context, git GitRunner, dir, base, ref string) (int, error) {
	out, _, err := git.Run(ctx, dir, "rev-list", "--count", base+".."+ref)
	if err != nil {
		return 0, fmt.Errorf("rev-list --count %s..%s in %s: %w", base, ref, dir, err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("parse rev-list count %q: %w", out, err)
	}
	return n, nil
}

// pendingChanges lists the paths `git status --porcelain` reports in dir,
// leaving out ignore. Untracked directories are expanded so an ignored file
// inside one does not hide or stand in for its siblings.
func pendingChanges(ctx context.Context, git GitRunner, dir string, ignore []string) ([]string, error) {
	out, _, err := git.Run(ctx, dir, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return nil, fmt.Errorf("git status in %s: %w", dir, err)
	}
	var paths []string
	for line := range strings.Lines(out) {
		line = strings.TrimRight(line, "\r\n")
		if len(line) < 4 {
			continue
		}
		path := line[3:]
		if _, to, ok := strings.Cut(path, " -> "); ok {
			path = to
		}
		path = strings.Trim(path, `"`)
		if slices.Contains(ignore, path) {
			continue
		}
		paths = append(paths, path)
	}
	return paths, nil
}
