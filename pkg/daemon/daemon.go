// Package daemon composes the hook listener, worker registry, patrol and
// acceptance policy into the long-running process of one instance.
//
// Mutation ordering: hook events are applied by a single consumer goroutine
// and patrol ticks run on another; both go through state.Store.WithLock and
// never hold the lock across tmux, git or task-command I/O.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"llmc/pkg/accept"
	"llmc/pkg/config"
	"llmc/pkg/eventlog"
	"llmc/pkg/hooks"
	"llmc/pkg/instance"
	"llmc/pkg/merge"
	"llmc/pkg/patrol"
	"llmc/pkg/proc"
	"llmc/pkg/protocol"
	"llmc/pkg/registry"
	"llmc/pkg/state"
	"llmc/pkg/tasksource"
	"llmc/pkg/tmux"
)

const eventQueueSize = 256

// Deps are the daemon's seams to the outside world. Nil fields get the
// production implementation.
type Deps struct {
	Terminal patrol.Terminal
	Git      merge.GitRunner
	Commands tasksource.CommandRunner
}

// Daemon is one instance's orchestrator process.
type Daemon struct {
	inst   *instance.Instance
	cfg    config.Config
	logger zerolog.Logger

	store     *state.Store
	reg       *registry.Registry
	coord     *merge.Coordinator
	inspector *merge.Inspector
	policy    *accept.Policy
	patrol    *patrol.Patrol
	listener  *hooks.Listener
	events    *eventlog.Log
	kick      chan struct{}

	regMu        sync.Mutex
	registration state.DaemonRegistration

	nowFunc func() time.Time
}

// New wires a daemon for inst. Nothing is started until Run.
func New(inst *instance.Instance, cfg config.Config, logger zerolog.Logger, deps Deps) *Daemon {
	if deps.Terminal == nil {
		deps.Terminal = tmux.NewSender(inst.SessionPrefix, inst.OverseerSession())
	}
	if deps.Git == nil {
		deps.Git = &merge.ExecGitRunner{}
	}
	if deps.Commands == nil {
		deps.Commands = &tasksource.ExecCommandRunner{Dir: cfg.Repo.Path}
	}

	d := &Daemon{
		inst:     inst,
		cfg:      cfg,
		logger:   logger,
		store:    state.NewStore(inst.StatePath, inst.LockPath),
		reg:      registry.New(uuid.NewString()),
		coord:    merge.NewCoordinator(deps.Git, hooks.AgentSettingsFile),
		listener: hooks.NewListener(inst.SocketPath, logger, eventQueueSize),
		kick:     make(chan struct{}, 1),
		nowFunc:  time.Now,
	}
	d.inspector = merge.NewInspector(deps.Git, cfg.Repo.Path, cfg.Repo.BaseBranch, hooks.AgentSettingsFile)

	d.policy = accept.New(d.store, d.reg, d.inspector, d.coord, deps.Commands, accept.Options{
		RepoRoot:          cfg.Repo.Path,
		BaseBranch:        cfg.Repo.BaseBranch,
		BackoffBase:       cfg.Accept.BackoffBase.D(),
		BackoffMax:        cfg.Accept.BackoffMax.D(),
		PostAcceptCommand: cfg.Tasks.PostAcceptCommand,
	}, logger, d.observe)
	d.policy.OnAccepted = d.taskCompleted

	d.patrol = patrol.New(d.store, d.reg, tasksource.New(cfg.Tasks.TaskPoolCommand, deps.Commands),
		deps.Terminal, d.inspector, d.policy, patrol.Options{
			RepoRoot:           cfg.Repo.Path,
			ClaimLimit:         cfg.Workers.ClaimLimit,
			AgentCommand:       cfg.Workers.AgentCommand,
			MaxSessionRestarts: cfg.Workers.MaxSessionRestarts,
			SessionEnv:         d.sessionEnv,
		}, logger, d.observe)
	return d
}

// InstanceID identifies this daemon run. Bindings made by earlier runs carry
// a different id.
func (d *Daemon) InstanceID() string { return d.reg.InstanceID }

// Store exposes the state store.
func (d *Daemon) Store() *state.Store { return d.store }

// SessionEnv is the environment of a worker's terminal session.
func SessionEnv(inst *instance.Instance, session protocol.TerminalSessionName) map[string]string {
	return map[string]string{
		protocol.EnvRoot:            inst.Root,
		protocol.EnvTerminalSession: session.String(),
		protocol.EnvHookSocket:      inst.SocketPath,
	}
}

func (d *Daemon) sessionEnv(w *state.WorkerRecord) map[string]string {
	return SessionEnv(d.inst, w.Session)
}

// Run starts the daemon and blocks until ctx is cancelled or a fatal error
// occurs. Cancellation is a graceful stop: in-flight work is abandoned at a
// safe point, the registration is removed and worker sessions keep running.
// A fatal error is recorded in the registration, which is left in place for
// the overseer, and returned.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.inst.Bootstrap(); err != nil {
		return err
	}
	lock := flock.New(d.inst.DaemonLockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire daemon lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("daemon already running for %s (lock held by another process)", d.inst.Root)
	}
	defer func() { _ = lock.Unlock() }()

	if err := d.store.WithLock(ctx, func(st *state.State) error {
		if st.ConfigFault != "" {
			d.logger.Warn().Str("fault", st.ConfigFault).Msg("clearing config fault from previous run")
			st.ConfigFault = ""
		}
		return nil
	}); err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	events, err := eventlog.Open(ctx, d.inst.EventsDBPath, "daemon")
	if err != nil {
		d.logger.Warn().Err(err).Msg("event log unavailable")
	}
	d.events = events
	defer func() { _ = d.events.Close() }()

	if err := proc.WritePIDFile(d.inst.DaemonPIDPath, os.Getpid()); err != nil {
		return err
	}
	defer func() { _ = proc.RemovePIDFile(d.inst.DaemonPIDPath) }()

	now := d.nowFunc()
	d.registration = state.DaemonRegistration{
		PID:         os.Getpid(),
		InstanceID:  d.InstanceID(),
		StartedAt:   now,
		HeartbeatAt: now,
	}
	if err := d.writeRegistration(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	listenErr := make(chan error, 1)
	go func() { listenErr <- d.listener.Run(runCtx) }()
	select {
	case <-d.listener.Ready():
	case err := <-listenErr:
		_ = state.RemoveDaemonRegistration(d.inst.RegistrationPath)
		return fmt.Errorf("hook listener: %w", err)
	case <-ctx.Done():
		_ = state.RemoveDaemonRegistration(d.inst.RegistrationPath)
		return nil
	}

	d.logger.Info().Str("instance_id", d.InstanceID()).Str("socket", d.inst.SocketPath).Msg("daemon started")
	d.record(eventlog.Entry{Type: eventlog.TypeDaemonStart, Payload: d.InstanceID()})

	if err := d.patrol.EnsureSessions(runCtx); err != nil {
		d.logger.Warn().Err(err).Msg("ensure worker sessions")
	}

	fatal := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); d.consume(runCtx) }()
	go func() { defer wg.Done(); d.heartbeatLoop(runCtx) }()
	go func() { defer wg.Done(); d.patrolLoop(runCtx, fatal) }()

	var runErr error
	listenerDone := false
	select {
	case <-ctx.Done():
	case runErr = <-fatal:
	case err := <-listenErr:
		listenerDone = true
		runErr = fmt.Errorf("hook listener: %w", err)
	}

	cancel()
	d.coord.Abort()
	if !listenerDone {
		wg.Add(1)
		go func() { defer wg.Done(); <-listenErr }()
	}
	d.waitStopped(&wg)

	if runErr != nil {
		d.logger.Error().Err(runErr).Msg("daemon halted on fatal error")
		d.record(eventlog.Entry{Type: eventlog.TypeFatal, Payload: runErr.Error()})
		d.regMu.Lock()
		d.registration.FatalError = runErr.Error()
		d.regMu.Unlock()
		if err := d.writeRegistration(); err != nil {
			d.logger.Error().Err(err).Msg("record fatal error in registration")
		}
		return runErr
	}

	d.record(eventlog.Entry{Type: eventlog.TypeDaemonStop})
	if err := state.RemoveDaemonRegistration(d.inst.RegistrationPath); err != nil {
		d.logger.Warn().Err(err).Msg("remove registration")
	}
	d.logger.Info().Msg("daemon stopped")
	return nil
}

// waitStopped waits for the loops, at most shutdown_grace.
func (d *Daemon) waitStopped(wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(d.cfg.Daemon.ShutdownGrace.D()):
		d.logger.Warn().Dur("grace", d.cfg.Daemon.ShutdownGrace.D()).Msg("loops still running after shutdown grace")
	}
}

func (d *Daemon) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.listener.Events():
			d.handleEvent(ctx, ev)
		}
	}
}

// handleEvent applies one hook event. Worktree work is checked before the
// lock is taken; ApplyEvent re-resolves the worker under the lock.
func (d *Daemon) handleEvent(ctx context.Context, ev protocol.Event) {
	log := d.logger.With().Str("kind", string(ev.Kind)).Str("agent_session", ev.AgentSessionID.String()).Logger()
	log.Debug().Str("session", ev.Session).Msg("hook event")

	var hasWork bool
	if ev.Kind == protocol.EventStop {
		if st, err := d.store.Snapshot(); err == nil {
			if w := st.WorkerByAgent(ev.AgentSessionID); w != nil {
				has, err := d.inspector.HasWork(ctx, w.Worktree)
				if err != nil {
					log.Warn().Err(err).Str("worker", w.Name).Msg("check worktree for work")
				}
				hasWork = has
			}
		}
	}

	var t registry.Transition
	err := d.store.WithLock(ctx, func(st *state.State) error {
		var err error
		t, err = d.reg.ApplyEvent(st, ev, hasWork, d.nowFunc())
		return err
	})

	var mismatch *protocol.SessionIdentityMismatchError
	var invalid *protocol.InvalidTransitionError
	switch {
	case errors.As(err, &mismatch):
		log.Warn().Str("reason", mismatch.Reason).Str("session", ev.Session).Msg("hook event dropped")
		d.record(eventlog.Entry{Type: eventlog.TypeDropped, Payload: mismatch.Error()})
		return
	case errors.As(err, &invalid):
		log.Warn().Err(err).Msg("hook event does not apply")
		d.record(eventlog.Entry{Type: eventlog.TypeDropped, Worker: invalid.Worker, Payload: err.Error()})
		return
	case err != nil:
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("apply hook event")
		}
		return
	}

	d.record(eventlog.Entry{Type: eventlog.TypeHookEvent, Worker: t.Worker, Payload: string(ev.Kind) + " " + ev.AgentSessionID.String()})
	if t.From != t.To {
		d.observe(t)
	}
	if ev.Kind == protocol.EventStop {
		d.nudge()
	}
}

// nudge requests an early patrol tick.
func (d *Daemon) nudge() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

func (d *Daemon) patrolLoop(ctx context.Context, fatal chan<- error) {
	ticker := time.NewTicker(d.cfg.Workers.PatrolInterval.D())
	defer ticker.Stop()

	for {
		if err := d.tick(ctx); err != nil {
			fatal <- err
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.kick:
		}
	}
}

// tick runs one patrol pass and returns only errors that must halt the daemon.
func (d *Daemon) tick(ctx context.Context) error {
	rep, err := d.patrol.Tick(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		var corrupt *protocol.StateCorruptionError
		if patrol.IsFatal(err) || errors.As(err, &corrupt) {
			return err
		}
		d.logger.Warn().Err(err).Msg("patrol tick")
		return nil
	}
	if n := len(rep.Assigned) + len(rep.Reconciled) + len(rep.Unblocked) + len(rep.Accepted) + len(rep.Restarted) + len(rep.Failed); n > 0 {
		d.logger.Debug().
			Strs("assigned", rep.Assigned).
			Strs("reconciled", rep.Reconciled).
			Strs("unblocked", rep.Unblocked).
			Strs("restarted", rep.Restarted).
			Strs("failed", rep.Failed).
			Int("reviewed", len(rep.Accepted)).
			Msg("patrol tick")
	}
	return nil
}

func (d *Daemon) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Daemon.HeartbeatInterval.D())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.regMu.Lock()
			d.registration.HeartbeatAt = d.nowFunc()
			d.registration.MalformedHooks = d.listener.Dropped()
			d.regMu.Unlock()
			if err := d.writeRegistration(); err != nil {
				d.logger.Warn().Err(err).Msg("write heartbeat")
			}
		}
	}
}

func (d *Daemon) taskCompleted(worker string, at time.Time) {
	d.regMu.Lock()
	d.registration.LastTaskCompletedAt = at
	d.regMu.Unlock()
	if err := d.writeRegistration(); err != nil {
		d.logger.Warn().Err(err).Msg("record task completion")
	}
	d.record(eventlog.Entry{Type: eventlog.TypeAccepted, Worker: worker})
}

func (d *Daemon) writeRegistration() error {
	d.regMu.Lock()
	reg := d.registration
	d.regMu.Unlock()
	return state.WriteDaemonRegistration(d.inst.RegistrationPath, &reg)
}

// observe logs and records a persisted transition.
func (d *Daemon) observe(t registry.Transition) {
	d.logger.Info().
		Str("worker", t.Worker).
		Str("from", string(t.From)).
		Str("to", string(t.To)).
		Str("trigger", string(t.Trigger)).
		Msg("worker transition")
	d.record(eventlog.Entry{
		Type:    eventlog.TypeTransition,
		Worker:  t.Worker,
		Payload: fmt.Sprintf("%s->%s (%s)", t.From, t.To, t.Trigger),
	})
}

func (d *Daemon) record(e eventlog.Entry) {
	if d.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.events.Record(ctx, e); err != nil {
		d.logger.Warn().Err(err).Str("type", e.Type).Msg("event log write failed")
	}
}
