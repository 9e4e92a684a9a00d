package protocol

import "fmt"

// WorkerState is the lifecycle state of a worker.
type WorkerState string

// Worker state constants.
const (
	WorkerIdle        WorkerState = "idle"
	WorkerAssigned    WorkerState = "assigned"
	WorkerWorking     WorkerState = "working"
	WorkerNeedsReview WorkerState = "needs_review"
	WorkerAccepting   WorkerState = "accepting"
	WorkerBlocked     WorkerState = "blocked"
	WorkerError       WorkerState = "error"
)

// Valid reports whether s is a known worker state.
func (s WorkerState) Valid() bool {
	switch s {
	case WorkerIdle, WorkerAssigned, WorkerWorking, WorkerNeedsReview,
		WorkerAccepting, WorkerBlocked, WorkerError:
		return true
	}
	return false
}

// OverseerState is the overseer's supervision state.
type OverseerState string

// Overseer state constants.
const (
	OverseerRunning     OverseerState = "running"
	OverseerRemediating OverseerState = "remediating"
)

// FormatTaskPrompt wraps a task prompt with the workspace preamble sent to a
// worker's agent session.
func FormatTaskPrompt(worktree, repoRoot, prompt string) string {
	return fmt.Sprintf("You are working in: %s\n"+
		"Repository root: %s\n\n"+
		"Follow the conventions of the repository. When the task is complete, "+
		"create a single commit with your changes. Do NOT push.\n\n%s",
		worktree, repoRoot, prompt)
}
