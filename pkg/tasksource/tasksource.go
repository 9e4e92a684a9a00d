// Package tasksource obtains work for idle workers from the configured task
// pool command.
package tasksource

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"llmc/pkg/protocol"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ErrNoTask means the task pool currently has nothing to hand out.
var ErrNoTask = errors.New("no task available")

// Task is one unit of work for a worker.
type Task struct {
	ID     string `yaml:"id" json:"id"`
	Title  string `yaml:"title,omitempty" json:"title,omitempty"`
	Prompt string `yaml:"prompt" json:"prompt"`
}

// Source runs the task pool command through a shell.
type Source struct {
	command string
	runner  CommandRunner
}

// New returns a Source for command, executed with runner.
func New(command string, runner CommandRunner) *Source {
	return &Source{command: command, runner: runner}
}

// Next asks for one task. claimsInUse is the number of outstanding claims;
// asking at or beyond claimLimit is a *protocol.ConfigurationError and the
// command is not run. A failing command yields *protocol.TaskCommandError.
// Both are fatal to the caller's patrol.
func (s *Source) Next(ctx context.Context, claimsInUse, claimLimit int) (Task, error) {
	if claimLimit < 1 {
		return Task{}, &protocol.ConfigurationError{Field: "workers.claim_limit", Reason: "must be at least 1"}
	}
	if claimsInUse >= claimLimit {
		return Task{}, &protocol.ConfigurationError{
			Field:  "workers.claim_limit",
			Reason: fmt.Sprintf("task requested with %d of %d claims in use", claimsInUse, claimLimit),
		}
	}

	out, err := s.runner.Run(ctx, "sh", "-c", s.command)
	if err != nil {
		if ctx.Err() != nil {
			return Task{}, ctx.Err()
		}
		return Task{}, commandError(s.command, err)
	}
	return parseTask(out)
}

func commandError(command string, err error) error {
	e := &protocol.TaskCommandError{Command: command, ExitCode: -1, Stderr: err.Error()}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		e.ExitCode = exitErr.ExitCode()
		e.Stderr = strings.TrimSpace(string(exitErr.Stderr))
	}
	return e
}

// parseTask accepts either a YAML or JSON mapping with id and prompt, or free
// text which becomes the prompt of a task with a generated id.
func parseTask(out []byte) (Task, error) {
	text := strings.TrimSpace(string(out))
	if text == "" {
		return Task{}, ErrNoTask
	}

	var t Task
	if err := yaml.Unmarshal([]byte(text), &t); err == nil && t.ID != "" && t.Prompt != "" {
		return t, nil
	}
	return Task{ID: uuid.NewString(), Prompt: text}, nil
}
