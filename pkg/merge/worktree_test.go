package merge //nolint:testpackage // internal test needs access to unexported types

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestWorktrees_CreateNewBranch(t *testing.T) {
	mock := &mockGitRunner{
		results: []mockResult{
			{Err: errors.New("exit status 1")}, // rev-parse --verify: branch missing
			{},                                 // worktree add -b
		},
	}
	path := filepath.Join(t.TempDir(), "w1")

	if err := NewWorktrees(mock, "/repo", "master").Create(context.Background(), path, "llmc/w1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	calls := mock.getCalls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %+v", calls)
	}
	assertArgs(t, calls[1], "/repo", "worktree", "add", path, "-b", "llmc/w1", "master")
}

func TestWorktrees_CreateExistingBranch(t *testing.T) {
	mock := &mockGitRunner{results: []mockResult{{Stdout: "abc\n"}, {}}}
	path := filepath.Join(t.TempDir(), "w1")

	if err := NewWorktrees(mock, "/repo", "master").Create(context.Background(), path, "llmc/w1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	assertArgs(t, mock.getCalls()[1], "/repo", "worktree", "add", path, "llmc/w1")
}

func TestWorktrees_CreateRefusesExistingPath(t *testing.T) {
	path := t.TempDir()
	mock := &mockGitRunner{}
	if err := NewWorktrees(mock, "/repo", "master").Create(context.Background(), path, "llmc/w1"); err == nil {
		t.Fatal("expected error for existing path")
	}
	if len(mock.getCalls()) != 0 {
		t.Error("git must not run when the path exists")
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("existing path touched: %v", err)
	}
}

func TestWorktrees_Remove(t *testing.T) {
	mock := &mockGitRunner{}
	if err := NewWorktrees(mock, "/repo", "master").Remove(context.Background(), "/repo/.worktrees/w1", "llmc/w1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	calls := mock.getCalls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %+v", calls)
	}
	assertArgs(t, calls[0], "/repo", "worktree", "remove", "--force", "/repo/.worktrees/w1")
	assertArgs(t, calls[1], "/repo", "branch", "-D", "llmc/w1")
}
