package tasksource

import (
	"context"
	"errors"
	"os/exec"
	"testing"

	"llmc/pkg/protocol"
)

type mockRunner struct {
	calls int
	out   []byte
	err   error
}

func (m *mockRunner) Run(_ context.Context, _ string, _ ...string) ([]byte, error) {
	m.calls++
	return m.out, m.err
}

func TestNext_ClaimLimitExceededIsFatalConfigurationError(t *testing.T) {
	runner := &mockRunner{out: []byte("do things")}
	src := New("next-task", runner)

	_, err := src.Next(context.Background(), 2, 2)
	var cfgErr *protocol.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if errors.Is(err, ErrNoTask) {
		t.Fatal("claim limit violation must not look like an empty pool")
	}
	if runner.calls != 0 {
		t.Fatalf("task command must not run beyond the claim limit, ran %d times", runner.calls)
	}
}

func TestNext_EmptyOutputIsNoTask(t *testing.T) {
	src := New("next-task", &mockRunner{out: []byte("  \n")})
	if _, err := src.Next(context.Background(), 0, 2); !errors.Is(err, ErrNoTask) {
		t.Fatalf("expected ErrNoTask, got %v", err)
	}
}

func TestNext_PlainTextBecomesPrompt(t *testing.T) {
	src := New("next-task", &mockRunner{out: []byte("Fix the flaky parser test\n")})
	task, err := src.Next(context.Background(), 0, 1)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if task.Prompt != "Fix the flaky parser test" {
		t.Errorf("prompt = %q", task.Prompt)
	}
	if task.ID == "" {
		t.Error("plain-text task needs a generated id")
	}
}

func TestNext_StructuredOutput(t *testing.T) {
	for name, out := range map[string]string{
		"yaml": "id: T-7\ntitle: parser\nprompt: Fix the parser.\n",
		"json": `{"id":"T-7","title":"parser","prompt":"Fix the parser."}`,
	} {
		t.Run(name, func(t *testing.T) {
			task, err := New("next-task", &mockRunner{out: []byte(out)}).Next(context.Background(), 1, 2)
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			if task.ID != "T-7" || task.Title != "parser" || task.Prompt != "Fix the parser." {
				t.Errorf("task = %+v", task)
			}
		})
	}
}

func TestNext_CommandFailureIsTaskCommandError(t *testing.T) {
	src := New("next-task", &mockRunner{err: errors.New("sh: next-task: not found")})
	_, err := src.Next(context.Background(), 0, 1)
	var cmdErr *protocol.TaskCommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected TaskCommandError, got %v", err)
	}
	if cmdErr.Command != "next-task" {
		t.Errorf("command = %q", cmdErr.Command)
	}
}

func TestExecCommandRunner_ExitCode(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	src := New("echo oops >&2; exit 3", &ExecCommandRunner{Dir: t.TempDir()})
	_, err := src.Next(context.Background(), 0, 1)
	var cmdErr *protocol.TaskCommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected TaskCommandError, got %v", err)
	}
	if cmdErr.ExitCode != 3 || cmdErr.Stderr != "oops" {
		t.Errorf("got exit %d stderr %q", cmdErr.ExitCode, cmdErr.Stderr)
	}
}
