package registry

import (
	"fmt"
	"time"

	"llmc/pkg/protocol"
	"llmc/pkg/state"
)

// Transition records one applied state change.
type Transition struct {
	Worker  string
	From    protocol.WorkerState
	To      protocol.WorkerState
	Trigger Trigger
}

// Registry applies state machine transitions to worker records. InstanceID
// identifies the running daemon; bindings it creates are live, any others
// predate a restart.
type Registry struct {
	InstanceID string
}

// New returns a registry for the daemon instance id.
func New(instanceID string) *Registry {
	return &Registry{InstanceID: instanceID}
}

func (r *Registry) apply(w *state.WorkerRecord, trigger Trigger, hasWork bool, now time.Time) (Transition, error) {
	to, ok := Next(w.State, trigger, hasWork)
	if !ok {
		return Transition{}, &protocol.InvalidTransitionError{Worker: w.Name, From: w.State, Trigger: string(trigger)}
	}
	t := Transition{Worker: w.Name, From: w.State, To: to, Trigger: trigger}
	w.State = to
	w.LastEventAt = now
	return t, nil
}

func lookup(st *state.State, name string) (*state.WorkerRecord, error) {
	w := st.Worker(name)
	if w == nil {
		return nil, fmt.Errorf("worker %q not found", name)
	}
	return w, nil
}

// AddWorker registers a new idle worker.
func (r *Registry) AddWorker(st *state.State, name string, session protocol.TerminalSessionName, worktree, branch string, now time.Time) (*state.WorkerRecord, error) {
	if err := protocol.ValidateWorkerName(name); err != nil {
		return nil, err
	}
	if st.Worker(name) != nil {
		return nil, fmt.Errorf("worker %q already exists", name)
	}
	if st.WorkerBySession(session.String()) != nil {
		return nil, fmt.Errorf("terminal session %s already in use", session)
	}
	w := &state.WorkerRecord{
		Name:        name,
		Session:     session,
		Worktree:    worktree,
		Branch:      branch,
		State:       protocol.WorkerIdle,
		CreatedAt:   now,
		LastEventAt: now,
	}
	st.Workers = append(st.Workers, w)
	return w, nil
}

// RemoveWorker deletes a worker and releases its claim.
func (r *Registry) RemoveWorker(st *state.State, name string) error {
	for i, w := range st.Workers {
		if w.Name == name {
			st.Workers = append(st.Workers[:i], st.Workers[i+1:]...)
			st.ReleaseClaim(name)
			return nil
		}
	}
	return fmt.Errorf("worker %q not found", name)
}

// Assign hands taskID to an idle worker and records the claim. Assigning at
// or beyond claimLimit is a configuration error.
func (r *Registry) Assign(st *state.State, name, taskID, prompt string, claimLimit int, now time.Time) (Transition, error) {
	w, err := lookup(st, name)
	if err != nil {
		return Transition{}, err
	}
	if st.ClaimsInUse() >= claimLimit {
		return Transition{}, &protocol.ConfigurationError{
			Field:  "workers.claim_limit",
			Reason: fmt.Sprintf("assigning %s to %s would exceed %d claims", taskID, name, claimLimit),
		}
	}
	t, err := r.apply(w, TriggerAssign, false, now)
	if err != nil {
		return Transition{}, err
	}
	w.TaskID = taskID
	w.TaskPrompt = prompt
	w.AgentSession = protocol.AgentSessionID{}
	w.BoundBy = ""
	st.Claims = append(st.Claims, state.TaskClaim{ID: taskID, Worker: name, ClaimedAt: now})
	return t, nil
}

// ApplyEvent applies one hook event. hasWork reports whether the worktree of
// the worker bound to the event's agent session holds commits or uncommitted
// changes, checked by the caller before taking the lock; it only matters for
// Stop.
//
// SessionStart is the only event that creates an agent session mapping, and
// only for an assigned worker on the session the event names. Events nobody
// is waiting for yield *protocol.SessionIdentityMismatchError.
func (r *Registry) ApplyEvent(st *state.State, ev protocol.Event, hasWork bool, now time.Time) (Transition, error) {
	switch ev.Kind {
	case protocol.EventSessionStart:
		return r.bind(st, ev, now)
	case protocol.EventStop:
		w := st.WorkerByAgent(ev.AgentSessionID)
		if w == nil {
			return Transition{}, mismatch(ev, "no worker bound to this agent session")
		}
		t, err := r.apply(w, TriggerStop, hasWork, now)
		if err != nil {
			return Transition{}, err
		}
		if t.To == protocol.WorkerIdle {
			r.releaseTask(st, w)
		}
		return t, nil
	case protocol.EventSessionEnd:
		w := st.WorkerByAgent(ev.AgentSessionID)
		if w == nil {
			return Transition{}, mismatch(ev, "no worker bound to this agent session")
		}
		w.AgentSession = protocol.AgentSessionID{}
		w.BoundBy = ""
		w.LastEventAt = now
		return Transition{Worker: w.Name, From: w.State, To: w.State}, nil
	default:
		return Transition{}, mismatch(ev, "unknown event kind")
	}
}

func (r *Registry) bind(st *state.State, ev protocol.Event, now time.Time) (Transition, error) {
	w := st.WorkerBySession(ev.Session)
	if w == nil {
		return Transition{}, mismatch(ev, "no worker on this terminal session")
	}
	if w.State != protocol.WorkerAssigned {
		return Transition{}, mismatch(ev, fmt.Sprintf("worker %s is %s, not awaiting a session", w.Name, w.State))
	}
	if other := st.WorkerByAgent(ev.AgentSessionID); other != nil && other != w {
		return Transition{}, mismatch(ev, fmt.Sprintf("agent session already bound to %s", other.Name))
	}
	t, err := r.apply(w, TriggerSessionStart, false, now)
	if err != nil {
		return Transition{}, err
	}
	w.AgentSession = ev.AgentSessionID
	w.BoundBy = r.InstanceID
	return t, nil
}

func mismatch(ev protocol.Event, reason string) error {
	return &protocol.SessionIdentityMismatchError{
		Kind:           ev.Kind,
		AgentSessionID: ev.AgentSessionID.String(),
		Session:        ev.Session,
		Reason:         reason,
	}
}

// releaseTask clears the worker's task, binding and claim.
func (r *Registry) releaseTask(st *state.State, w *state.WorkerRecord) {
	st.ReleaseClaim(w.Name)
	w.TaskID = ""
	w.TaskPrompt = ""
	w.AgentSession = protocol.AgentSessionID{}
	w.BoundBy = ""
}

// BeginAccept moves a reviewed worker into acceptance.
func (r *Registry) BeginAccept(st *state.State, name string, now time.Time) (Transition, error) {
	w, err := lookup(st, name)
	if err != nil {
		return Transition{}, err
	}
	return r.apply(w, TriggerAcceptBegin, false, now)
}

// CompleteAccept returns an accepting worker to idle, clearing its backoff
// and releasing its claim.
func (r *Registry) CompleteAccept(st *state.State, name string, now time.Time) (Transition, error) {
	w, err := lookup(st, name)
	if err != nil {
		return Transition{}, err
	}
	t, err := r.apply(w, TriggerAcceptDone, false, now)
	if err != nil {
		return Transition{}, err
	}
	w.Backoff = nil
	w.CrashCount = 0
	r.releaseTask(st, w)
	return t, nil
}

// Block parks a worker whose acceptance found the repository dirty.
func (r *Registry) Block(st *state.State, name string, backoff state.BackoffState, now time.Time) (Transition, error) {
	w, err := lookup(st, name)
	if err != nil {
		return Transition{}, err
	}
	t, err := r.apply(w, TriggerRepoDirty, false, now)
	if err != nil {
		return Transition{}, err
	}
	w.Backoff = &backoff
	return t, nil
}

// Unblock returns a blocked worker to review once its backoff has expired.
func (r *Registry) Unblock(st *state.State, name string, now time.Time) (Transition, error) {
	w, err := lookup(st, name)
	if err != nil {
		return Transition{}, err
	}
	if w.Backoff.Active(now) {
		return Transition{}, fmt.Errorf("worker %s backoff active until %s", name, w.Backoff.NextEligibleAt.Format(time.RFC3339))
	}
	return r.apply(w, TriggerBackoffExpired, false, now)
}

// BindingLive reports whether w's agent session was bound by this daemon.
func (r *Registry) BindingLive(w *state.WorkerRecord) bool {
	return !w.AgentSession.IsZero() && w.BoundBy == r.InstanceID
}

// Reconcile moves a worker whose workspace holds committed or uncommitted
// work, but which has no live binding, to review. It reports false when nothing needs to change.
func (r *Registry) Reconcile(st *state.State, name string, hasWork bool, now time.Time) (Transition, bool, error) {
	w, err := lookup(st, name)
	if err != nil {
		return Transition{}, false, err
	}
	switch w.State {
	case protocol.WorkerIdle, protocol.WorkerWorking:
		if !hasWork || r.BindingLive(w) {
			return Transition{}, false, nil
		}
	case protocol.WorkerAccepting:
		// no acceptance survives a restart
	default:
		return Transition{}, false, nil
	}
	t, err := r.apply(w, TriggerReconcile, hasWork, now)
	if err != nil {
		return Transition{}, false, err
	}
	return t, true, nil
}

// Fail moves a worker to error. Only Reset leaves it.
func (r *Registry) Fail(st *state.State, name, reason string, now time.Time) (Transition, error) {
	w, err := lookup(st, name)
	if err != nil {
		return Transition{}, err
	}
	t, err := r.apply(w, TriggerFault, false, now)
	if err != nil {
		return Transition{}, err
	}
	w.ErrorReason = reason
	return t, nil
}

// Reset is the operator's way out of error: the worker returns to idle with
// its task, binding, claim and backoff cleared.
func (r *Registry) Reset(st *state.State, name string, now time.Time) (Transition, error) {
	w, err := lookup(st, name)
	if err != nil {
		return Transition{}, err
	}
	t, err := r.apply(w, TriggerReset, false, now)
	if err != nil {
		return Transition{}, err
	}
	w.ErrorReason = ""
	w.Backoff = nil
	w.CrashCount = 0
	r.releaseTask(st, w)
	return t, nil
}

// Observer is told about transitions after they have been persisted.
type Observer func(Transition)

// Notify calls o with t when o is set and t changed state.
func (o Observer) Notify(t Transition) {
	if o != nil && t.Worker != "" {
		o(t)
	}
}
