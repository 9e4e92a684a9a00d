// Package merge integrates a worker's branch into the source repository. The
// Coordinator serializes rebase + fast-forward merges so only one acceptance
// touches the repository at a time; Inspector answers the read-only questions
// acceptance and reconciliation ask of git.
package merge

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// GitRunner abstracts git command execution for testability.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (stdout string, stderr string, err error)
}

// Opts holds parameters for a single merge operation.
type Opts struct {
	RepoRoot   string // primary checkout, on BaseBranch
	BaseBranch string
	Branch     string // worker branch, e.g. "llmc/w1"
	Worktree   string // worker worktree, on Branch
	Worker     string // for error context
}

// Result is the outcome of a merge that did not fail.
type Result struct {
	CommitSHA string
	NoChanges bool // nothing beyond BaseBranch, committed or not
}

// ConflictError is returned when the rebase hits conflicts. The rebase has
// been aborted; the worktree is back where it started, apart from changes
// Merge committed for the worker.
type ConflictError struct {
	Files  []string
	Worker string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("rebase conflict for worker %s: conflicting files: %s",
		e.Worker, strings.Join(e.Files, ", "))
}

// Coordinator serializes merge operations behind a mutex.
type Coordinator struct {
	mu     sync.Mutex
	git    GitRunner
	ignore []string

	abortMu        sync.Mutex
	activeWorktree string // non-empty while a merge is in progress
}

// NewCoordinator creates a Coordinator with the given GitRunner. Worktree
// paths in ignore are never committed on a worker's behalf.
func NewCoordinator(git GitRunner, ignore ...string) *Coordinator {
	return &Coordinator{git: git, ignore: ignore}
}

// Merge lands the worker branch on the base branch:
//  1. git rev-list --count <base>..<branch>
//  2. git status --porcelain (in the worktree); uncommitted changes are
//     folded into the worker's last commit, or into a new one when the branch
//     has none; no commits and no changes means no changes
//  3. git rebase <base> (in the worktree); on failure abort, and return
//     *ConflictError when git reported conflicts
//  4. git merge --ff-only <branch> (in the primary checkout)
//  5. git rev-parse HEAD
//
// The worktree is kept: workers reuse it for their next task.
func (c *Coordinator) Merge(ctx context.Context, opts Opts) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.setActive(opts.Worktree)
	defer c.setActive("")

	ahead, err := commitsAhead(ctx, c.git, opts.Worktree, opts.BaseBranch, opts.Branch)
	if err != nil {
		return nil, err
	}
	committed, err := c.commitPending(ctx, opts, ahead > 0)
	if err != nil {
		return nil, err
	}
	if ahead == 0 && !committed {
		return &Result{NoChanges: true}, nil
	}

	stdout, stderr, err := c.git.Run(ctx, opts.Worktree, "rebase", opts.BaseBranch)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("merge cancelled: %w", ctx.Err())
		}
		_, _, _ = c.git.Run(ctx, opts.Worktree, "rebase", "--abort")
		if files := parseConflictFiles(stdout + stderr); len(files) > 0 {
			return nil, &ConflictError{Files: files, Worker: opts.Worker}
		}
		return nil, fmt.Errorf("rebase %s onto %s failed: %w: %s",
			opts.Branch, opts.BaseBranch, err, strings.TrimSpace(stderr))
	}

	if _, stderr, err := c.git.Run(ctx, opts.RepoRoot, "merge", "--ff-only", opts.Branch); err != nil {
		return nil, fmt.Errorf("ff-only merge of %s failed (base may have moved; retry): %w: %s",
			opts.Branch, err, strings.TrimSpace(stderr))
	}

	stdout, _, err = c.git.Run(ctx, opts.RepoRoot, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("rev-parse HEAD failed: %w", err)
	}
	return &Result{CommitSHA: strings.TrimSpace(stdout)}, nil
}

// commitPending commits the worktree's uncommitted changes, amending the
// branch's last commit when amend is set. It reports whether it committed.
func (c *Coordinator) commitPending(ctx context.Context, opts Opts, amend bool) (bool, error) {
	paths, err := pendingChanges(ctx, c.git, opts.Worktree, c.ignore)
	if err != nil {
		return false, err
	}
	if len(paths) == 0 {
		return false, nil
	}

	add := []string{"add", "-A", "--", "."}
	for _, p := range c.ignore {
		add = append(add, ":(exclude)"+p)
	}
	if _, stderr, err := c.git.Run(ctx, opts.Worktree, add...); err != nil {
		return false, fmt.Errorf("stage changes of worker %s: %w: %s", opts.Worker, err, strings.TrimSpace(stderr))
	}

	commit := []string{"commit", "--no-verify", "-m", "Uncommitted changes from worker " + opts.Worker}
	if amend {
		commit = []string{"commit", "--no-verify", "--amend", "--no-edit"}
	}
	if _, stderr, err := c.git.Run(ctx, opts.Worktree, commit...); err != nil {
		return false, fmt.Errorf("commit changes of worker %s: %w: %s", opts.Worker, err, strings.TrimSpace(stderr))
	}
	return true, nil
}

func (c *Coordinator) setActive(wt string) {
	c.abortMu.Lock()
	defer c.abortMu.Unlock()
	c.activeWorktree = wt
}

// Abort runs best-effort 'git rebase --abort' on any in-progress merge worktree.
// Safe to call concurrently with Merge; it uses a fresh context since the
// caller's is typically cancelled at shutdown.
func (c *Coordinator) Abort() {
	c.abortMu.Lock()
	wt := c.activeWorktree
	c.abortMu.Unlock()

	if wt == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, _ = c.git.Run(ctx, wt, "rebase", "--abort")
}

// conflictPattern matches git's CONFLICT output lines.
// Examples:
//
//	CONFLICT (content): Merge conflict in src/main.go
//	CONFLICT (add/add): Merge conflict in new_file.go
var conflictPattern = regexp.MustCompile(`CONFLICT \([^)]+\): Merge conflict in (.+)`)

// parseConflictFiles extracts file paths from git rebase output.
func parseConflictFiles(stderr string) []string {
	matches := conflictPattern.FindAllStringSubmatch(stderr, -1)
	if len(matches) == 0 {
		return nil
	}
	files := make([]string, 0, len(matches))
	for _, m := range matches {
		files = append(files, strings.TrimSpace(m[1]))
	}
	return files
}
