// Package state persists an instance's worker records, task claims and
// overseer registration in a single JSON file.
//
// Every mutation goes through Store.WithLock: an in-process mutex plus an
// advisory file lock serialize writers across the daemon, the overseer and
// CLI commands; the file is replaced atomically so readers never observe a
// partial write.
package state

import (
	"time"

	"llmc/pkg/protocol"
)

// BackoffState gates retried acceptance after a dirty repository.
type BackoffState struct {
	Attempt        int       `json:"attempt"`
	NextEligibleAt time.Time `json:"next_eligible_at"`
	Reason         string    `json:"reason,omitempty"`
}

// Active reports whether acceptance is still deferred at now.
func (b *BackoffState) Active(now time.Time) bool {
	return b != nil && now.Before(b.NextEligibleAt)
}

// WorkerRecord is one worker's persisted state.
type WorkerRecord struct {
	Name         string                       `json:"name"`
	Session      protocol.TerminalSessionName `json:"session"`
	Worktree     string                       `json:"worktree"`
	Branch       string                       `json:"branch"`
	State        protocol.WorkerState         `json:"state"`
	AgentSession protocol.AgentSessionID      `json:"agent_session"`
	BoundBy      string                       `json:"bound_by,omitempty"` // daemon instance id that bound AgentSession
	TaskID       string                       `json:"task_id,omitempty"`
	TaskPrompt   string                       `json:"task_prompt,omitempty"`
	LastEventAt  time.Time                    `json:"last_event_at"`
	Backoff      *BackoffState                `json:"backoff,omitempty"`
	ErrorReason  string                       `json:"error_reason,omitempty"`
	CrashCount   int                          `json:"crash_count,omitempty"`
	CreatedAt    time.Time                    `json:"created_at"`
}

// TaskClaim is one outstanding task held by a worker.
type TaskClaim struct {
	ID        string    `json:"id"`
	Worker    string    `json:"worker"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// OverseerRegistration is written by the overseer and refreshed on every
// health check.
type OverseerRegistration struct {
	PID                 int                    `json:"pid"`
	StartedAt           time.Time              `json:"started_at"`
	HeartbeatAt         time.Time              `json:"heartbeat_at"`
	State               protocol.OverseerState `json:"state"`
	RemediationAttempts int                    `json:"remediation_attempts"`
	LastFailure         string                 `json:"last_failure,omitempty"`
	LastRemediationAt   time.Time              `json:"last_remediation_at,omitzero"`
}

// Stale reports whether the registration has not been refreshed within timeout.
func (r *OverseerRegistration) Stale(now time.Time, timeout time.Duration) bool {
	return r == nil || now.Sub(r.HeartbeatAt) > timeout
}

// State is the content of the state file.
type State struct {
	Workers     []*WorkerRecord       `json:"workers"`
	Claims      []TaskClaim           `json:"claims"`
	Overseer    *OverseerRegistration `json:"overseer,omitempty"`
	ConfigFault string                `json:"config_fault,omitempty"`
}

// Worker returns the named worker, or nil.
func (s *State) Worker(name string) *WorkerRecord {
	for _, w := range s.Workers {
		if w.Name == name {
			return w
		}
	}
	return nil
}

// WorkerBySession returns the worker addressed by session, or nil.
func (s *State) WorkerBySession(session string) *WorkerRecord {
	for _, w := range s.Workers {
		if w.Session.String() == session {
			return w
		}
	}
	return nil
}

// WorkerByAgent returns the worker currently bound to id, or nil.
func (s *State) WorkerByAgent(id protocol.AgentSessionID) *WorkerRecord {
	if id.IsZero() {
		return nil
	}
	for _, w := range s.Workers {
		if w.AgentSession.Equal(id) {
			return w
		}
	}
	return nil
}

// ClaimsInUse returns the number of outstanding task claims.
func (s *State) ClaimsInUse() int { return len(s.Claims) }

// ReleaseClaim drops the claim held by worker, if any.
func (s *State) ReleaseClaim(worker string) {
	kept := s.Claims[:0]
	for _, c := range s.Claims {
		if c.Worker != worker {
			kept = append(kept, c)
		}
	}
	s.Claims = kept
}

// WorkersIn returns the names of workers in st, in record order.
func (s *State) WorkersIn(st protocol.WorkerState) []string {
	var names []string
	for _, w := range s.Workers {
		if w.State == st {
			names = append(names, w.Name)
		}
	}
	return names
}
