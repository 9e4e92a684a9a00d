package protocol

import (
	"fmt"
	"time"
)

// TransientIPCError is a malformed or partial hook message, or a single
// failed accept. The connection is dropped; no worker is affected.
type TransientIPCError struct {
	Reason string
	Err    error
}

func (e *TransientIPCError) Error() string {
	if e.Err == nil {
		return "ipc: " + e.Reason
	}
	return fmt.Sprintf("ipc: %s: %v", e.Reason, e.Err)
}

func (e *TransientIPCError) Unwrap() error { return e.Err }

// SessionIdentityMismatchError is an event for which no worker is awaiting
// the mapping. The event is dropped rather than applied elsewhere.
type SessionIdentityMismatchError struct {
	Kind           EventKind
	AgentSessionID string
	Session        string
	Reason         string
}

func (e *SessionIdentityMismatchError) Error() string {
	return fmt.Sprintf("%s event for agent session %s (terminal %q) dropped: %s",
		e.Kind, e.AgentSessionID, e.Session, e.Reason)
}

// DirtyRepositoryError means the repository is not clean enough to accept a
// worker's output. The worker is blocked under backoff.
type DirtyRepositoryError struct {
	Worker  string
	Detail  string
	Attempt int
	RetryAt time.Time
}

func (e *DirtyRepositoryError) Error() string {
	return fmt.Sprintf("repository dirty, worker %s blocked (attempt %d, retry at %s): %s",
		e.Worker, e.Attempt, e.RetryAt.Format(time.RFC3339), e.Detail)
}

// ConfigurationError is a structural misconfiguration, such as requesting a
// task beyond the claim limit. It halts the owning process.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// TaskCommandError is a failed run of the task pool command.
type TaskCommandError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *TaskCommandError) Error() string {
	return fmt.Sprintf("task pool command %q exited %d: %s", e.Command, e.ExitCode, e.Stderr)
}

// StateCorruptionError means the persisted state file cannot be decoded. It is
// fatal to the daemon and never silently reset.
type StateCorruptionError struct {
	Path string
	Err  error
}

func (e *StateCorruptionError) Error() string {
	return fmt.Sprintf("state file %s is corrupt: %v", e.Path, e.Err)
}

func (e *StateCorruptionError) Unwrap() error { return e.Err }

// DaemonUnresponsiveError describes a failed daemon health check.
type DaemonUnresponsiveError struct {
	Status string
}

func (e *DaemonUnresponsiveError) Error() string {
	return "daemon unresponsive: " + e.Status
}

// RemediationFailureError is a remediation attempt that finished without the
// daemon becoming healthy, or that could not run at all.
type RemediationFailureError struct {
	Attempt int
	Reason  string
}

func (e *RemediationFailureError) Error() string {
	return fmt.Sprintf("remediation attempt %d failed: %s", e.Attempt, e.Reason)
}

// InvalidTransitionError is a worker state change not permitted by the
// state machine.
type InvalidTransitionError struct {
	Worker  string
	From    WorkerState
	Trigger string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for worker %s: %s on %s", e.Worker, e.Trigger, e.From)
}
