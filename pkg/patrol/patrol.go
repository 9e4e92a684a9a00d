// Package patrol is the daemon's periodic reconciliation loop: it keeps
// worker sessions alive, recovers work a restart orphaned, releases expired
// backoff, runs acceptance and hands tasks to idle workers.
package patrol

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"llmc/pkg/accept"
	"llmc/pkg/protocol"
	"llmc/pkg/registry"
	"llmc/pkg/state"
	"llmc/pkg/tasksource"
)

// TaskSource hands out tasks.
type TaskSource interface {
	Next(ctx context.Context, claimsInUse, claimLimit int) (tasksource.Task, error)
}

// Terminal drives worker tmux sessions.
type Terminal interface {
	Send(name protocol.TerminalSessionName, text string) error
	WaitForPrompt(name protocol.TerminalSessionName) error
	HasSession(name protocol.TerminalSessionName) bool
	StartSession(name protocol.TerminalSessionName, workdir, command string, env map[string]string) error
}

// Workspace answers whether a worktree holds unmerged work: commits ahead of
// the base branch or uncommitted changes.
type Workspace interface {
	HasWork(ctx context.Context, worktree string) (bool, error)
}

// Acceptor runs acceptance for a worker in review.
type Acceptor interface {
	Evaluate(ctx context.Context, name string) (accept.Outcome, error)
}

// Options configures a Patrol.
type Options struct {
	RepoRoot           string
	ClaimLimit         int
	AgentCommand       string
	MaxSessionRestarts int
	SessionEnv         func(w *state.WorkerRecord) map[string]string
}

// Report summarizes one tick.
type Report struct {
	Restarted  []string
	Reconciled []string
	Unblocked  []string
	Accepted   []accept.Outcome
	Assigned   []string
	Failed     []string
}

// Patrol runs ticks. It is not safe for concurrent Tick calls; the daemon
// drives it from a single goroutine.
type Patrol struct {
	store    *state.Store
	reg      *registry.Registry
	tasks    TaskSource
	term     Terminal
	ws       Workspace
	acceptor Acceptor
	opts     Options
	logger   zerolog.Logger
	observer registry.Observer

	nowFunc func() time.Time
}

// New returns a Patrol.
func New(store *state.Store, reg *registry.Registry, tasks TaskSource, term Terminal, ws Workspace, acceptor Acceptor, opts Options, logger zerolog.Logger, observer registry.Observer) *Patrol {
	return &Patrol{
		store:    store,
		reg:      reg,
		tasks:    tasks,
		term:     term,
		ws:       ws,
		acceptor: acceptor,
		opts:     opts,
		logger:   logger,
		observer: observer,
		nowFunc:  time.Now,
	}
}

// IsFatal reports whether err must stop the daemon: the task pool is
// misconfigured or its command fails.
func IsFatal(err error) bool {
	var cfgErr *protocol.ConfigurationError
	var cmdErr *protocol.TaskCommandError
	return errors.As(err, &cfgErr) || errors.As(err, &cmdErr)
}

// Tick runs one patrol pass. A returned error satisfying IsFatal has already
// been recorded as the state's config fault; other errors are state store
// failures. Per-worker problems are logged and reported, not returned.
func (p *Patrol) Tick(ctx context.Context) (Report, error) {
	var rep Report

	if err := p.sessions(ctx, &rep); err != nil {
		return rep, err
	}
	if err := p.reconcile(ctx, &rep); err != nil {
		return rep, err
	}
	if err := p.unblock(ctx, &rep); err != nil {
		return rep, err
	}
	if err := p.review(ctx, &rep); err != nil {
		return rep, err
	}
	if err := p.assign(ctx, &rep); err != nil {
		if IsFatal(err) {
			p.recordFault(ctx, err)
		}
		return rep, err
	}
	return rep, nil
}

// EnsureSessions starts the tmux session of every worker not in error that
// lacks one. Used at daemon startup; these starts do not count as crashes.
func (p *Patrol) EnsureSessions(ctx context.Context) error {
	st, err := p.store.Snapshot()
	if err != nil {
		return err
	}
	for _, w := range st.Workers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if w.State == protocol.WorkerError || p.term.HasSession(w.Session) {
			continue
		}
		var env map[string]string
		if p.opts.SessionEnv != nil {
			env = p.opts.SessionEnv(w)
		}
		if err := p.term.StartSession(w.Session, w.Worktree, p.opts.AgentCommand, env); err != nil {
			p.logger.Error().Err(err).Str("worker", w.Name).Msg("start terminal session")
			continue
		}
		p.logger.Info().Str("worker", w.Name).Str("session", w.Session.String()).Msg("terminal session started")
	}
	return nil
}

// sessions restarts missing tmux sessions. A worker that was mid-task when
// its session vanished goes to error: its agent is gone and the prompt is
// not re-sent blindly.
func (p *Patrol) sessions(ctx context.Context, rep *Report) error {
	st, err := p.store.Snapshot()
	if err != nil {
		return err
	}
	for _, w := range st.Workers {
		if w.State == protocol.WorkerError || p.term.HasSession(w.Session) {
			continue
		}
		name := w.Name

		var restart bool
		var env map[string]string
		var workdir string
		err := p.mutate(ctx, func(st *state.State, now time.Time) (registry.Transition, error) {
			w := st.Worker(name)
			if w == nil || w.State == protocol.WorkerError {
				return registry.Transition{}, nil
			}
			w.CrashCount++
			w.AgentSession = protocol.AgentSessionID{}
			w.BoundBy = ""
			switch {
			case w.CrashCount > p.opts.MaxSessionRestarts:
				return p.reg.Fail(st, name, fmt.Sprintf("terminal session %s exited %d times", w.Session, w.CrashCount), now)
			case w.State == protocol.WorkerAssigned || w.State == protocol.WorkerWorking:
				return p.reg.Fail(st, name, fmt.Sprintf("terminal session %s lost during task %s", w.Session, w.TaskID), now)
			}
			restart = true
			workdir = w.Worktree
			if p.opts.SessionEnv != nil {
				env = p.opts.SessionEnv(w)
			}
			return registry.Transition{}, nil
		})
		if err != nil {
			return err
		}
		if !restart {
			rep.Failed = append(rep.Failed, name)
			continue
		}

		p.logger.Warn().Str("worker", name).Str("session", w.Session.String()).Msg("terminal session missing, restarting")
		if startErr := p.term.StartSession(w.Session, workdir, p.opts.AgentCommand, env); startErr != nil {
			p.logger.Error().Err(startErr).Str("worker", name).Msg("restart terminal session")
			if err := p.mutate(ctx, func(st *state.State, now time.Time) (registry.Transition, error) {
				return p.reg.Fail(st, name, "start terminal session: "+startErr.Error(), now)
			}); err != nil {
				return err
			}
			rep.Failed = append(rep.Failed, name)
			continue
		}
		rep.Restarted = append(rep.Restarted, name)
	}
	return nil
}

// reconcile moves workers whose worktree holds committed or uncommitted work,
// and which have no binding from this daemon, to review.
func (p *Patrol) reconcile(ctx context.Context, rep *Report) error {
	st, err := p.store.Snapshot()
	if err != nil {
		return err
	}
	for _, w := range st.Workers {
		switch w.State {
		case protocol.WorkerIdle, protocol.WorkerWorking, protocol.WorkerAccepting:
		default:
			continue
		}
		if w.State != protocol.WorkerAccepting && p.reg.BindingLive(w) {
			continue
		}
		has, err := p.ws.HasWork(ctx, w.Worktree)
		if err != nil {
			p.logger.Warn().Err(err).Str("worker", w.Name).Msg("check worktree for work")
			continue
		}
		name := w.Name
		var changed bool
		if err := p.mutate(ctx, func(st *state.State, now time.Time) (registry.Transition, error) {
			if st.Worker(name) == nil {
				return registry.Transition{}, nil
			}
			t, ok, err := p.reg.Reconcile(st, name, has, now)
			changed = ok
			return t, err
		}); err != nil {
			return err
		}
		if changed {
			p.logger.Info().Str("worker", name).Msg("reconciled orphaned work to review")
			rep.Reconciled = append(rep.Reconciled, name)
		}
	}
	return nil
}

func (p *Patrol) unblock(ctx context.Context, rep *Report) error {
	st, err := p.store.Snapshot()
	if err != nil {
		return err
	}
	now := p.nowFunc()
	for _, w := range st.Workers {
		if w.State != protocol.WorkerBlocked || w.Backoff.Active(now) {
			continue
		}
		name := w.Name
		var done bool
		if err := p.mutate(ctx, func(st *state.State, now time.Time) (registry.Transition, error) {
			w := st.Worker(name)
			if w == nil || w.State != protocol.WorkerBlocked || w.Backoff.Active(now) {
				return registry.Transition{}, nil
			}
			done = true
			return p.reg.Unblock(st, name, now)
		}); err != nil {
			return err
		}
		if done {
			rep.Unblocked = append(rep.Unblocked, name)
		}
	}
	return nil
}

func (p *Patrol) review(ctx context.Context, rep *Report) error {
	st, err := p.store.Snapshot()
	if err != nil {
		return err
	}
	for _, name := range st.WorkersIn(protocol.WorkerNeedsReview) {
		out, err := p.acceptor.Evaluate(ctx, name)
		if err != nil {
			return err
		}
		if out.Decision != accept.DecisionSkipped {
			rep.Accepted = append(rep.Accepted, out)
		}
	}
	return nil
}

// assign hands tasks to idle workers while claims are available.
func (p *Patrol) assign(ctx context.Context, rep *Report) error {
	st, err := p.store.Snapshot()
	if err != nil {
		return err
	}
	claims := st.ClaimsInUse()
	for _, name := range st.WorkersIn(protocol.WorkerIdle) {
		if claims >= p.opts.ClaimLimit {
			return nil
		}
		task, err := p.tasks.Next(ctx, claims, p.opts.ClaimLimit)
		if errors.Is(err, tasksource.ErrNoTask) {
			return nil
		}
		if err != nil {
			return err
		}

		var w state.WorkerRecord
		err = p.mutate(ctx, func(st *state.State, now time.Time) (registry.Transition, error) {
			rec := st.Worker(name)
			if rec == nil || rec.State != protocol.WorkerIdle {
				return registry.Transition{}, errWorkerBusy
			}
			t, err := p.reg.Assign(st, name, task.ID, task.Prompt, p.opts.ClaimLimit, now)
			if err != nil {
				return t, err
			}
			w = *rec
			return t, nil
		})
		if errors.Is(err, errWorkerBusy) {
			p.logger.Warn().Str("worker", name).Str("task", task.ID).Msg("worker changed state before assignment, task dropped")
			continue
		}
		if err != nil {
			return err
		}
		claims++

		if sendErr := p.dispatch(&w); sendErr != nil {
			p.logger.Error().Err(sendErr).Str("worker", name).Str("task", task.ID).Msg("task delivery failed")
			if err := p.mutate(ctx, func(st *state.State, now time.Time) (registry.Transition, error) {
				return p.reg.Fail(st, name, "deliver task "+task.ID+": "+sendErr.Error(), now)
			}); err != nil {
				return err
			}
			rep.Failed = append(rep.Failed, name)
			continue
		}
		p.logger.Info().Str("worker", name).Str("task", task.ID).Msg("task assigned")
		rep.Assigned = append(rep.Assigned, name)
	}
	return nil
}

var errWorkerBusy = errors.New("worker no longer idle")

// dispatch clears the agent's context, which makes it report a fresh
// SessionStart, and then types the task prompt.
func (p *Patrol) dispatch(w *state.WorkerRecord) error {
	if err := p.term.Send(w.Session, "/clear"); err != nil {
		return err
	}
	if err := p.term.WaitForPrompt(w.Session); err != nil {
		return err
	}
	return p.term.Send(w.Session, protocol.FormatTaskPrompt(w.Worktree, p.opts.RepoRoot, w.TaskPrompt))
}

func (p *Patrol) recordFault(ctx context.Context, cause error) {
	err := p.store.WithLock(ctx, func(st *state.State) error {
		st.ConfigFault = cause.Error()
		return nil
	})
	if err != nil {
		p.logger.Error().Err(err).Msg("record config fault")
	}
}

func (p *Patrol) mutate(ctx context.Context, fn func(*state.State, time.Time) (registry.Transition, error)) error {
	var t registry.Transition
	err := p.store.WithLock(ctx, func(st *state.State) error {
		var err error
		t, err = fn(st, p.nowFunc())
		return err
	})
	if err != nil {
		return err
	}
	p.observer.Notify(t)
	return nil
}
