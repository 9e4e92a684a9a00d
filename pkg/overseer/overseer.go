package overseer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"llmc/pkg/config"
	"llmc/pkg/eventlog"
	"llmc/pkg/hooks"
	"llmc/pkg/instance"
	"llmc/pkg/merge"
	"llmc/pkg/proc"
	"llmc/pkg/protocol"
	"llmc/pkg/state"
	"llmc/pkg/tmux"
)

// ErrFailureSpiral stops the overseer when the daemon fails again within
// restart_cooldown of the previous remediation.
var ErrFailureSpiral = errors.New("failure spiral: daemon failed again within the restart cooldown")

// ManualInterventionError stops the overseer when a remediation agent asked
// for a human.
type ManualInterventionError struct {
	Path    string
	Content string
}

func (e *ManualInterventionError) Error() string {
	return "manual intervention required, see " + e.Path
}

// Deps are the overseer's seams. Nil fields get the production implementation.
type Deps struct {
	Spawner  Spawner
	Terminal Terminal
	Git      merge.GitRunner
	// Binary is the llmc executable used for the daemon and hook commands.
	Binary string
}

// Overseer supervises one instance's daemon.
type Overseer struct {
	inst   *instance.Instance
	cfg    config.Config
	logger zerolog.Logger

	store      *state.Store
	monitor    *HealthMonitor
	control    *DaemonControl
	remediator *RemediationExecutor
	inspector  *merge.Inspector
	events     *eventlog.Log
	binary     string

	nowFunc func() time.Time
}

// New wires an overseer for inst.
func New(inst *instance.Instance, cfg config.Config, logger zerolog.Logger, deps Deps) *Overseer {
	if deps.Binary == "" {
		if exe, err := os.Executable(); err == nil {
			deps.Binary = exe
		} else {
			deps.Binary = "llmc"
		}
	}
	if deps.Spawner == nil {
		deps.Spawner = &ExecSpawner{
			Binary:     deps.Binary,
			Root:       inst.Root,
			OutputPath: filepath.Join(inst.LogsDir, "daemon.out"),
		}
	}
	if deps.Terminal == nil {
		// the overseer session is never killed by anything the overseer runs
		deps.Terminal = tmux.NewSender(inst.SessionPrefix, inst.OverseerSession())
	}
	if deps.Git == nil {
		deps.Git = &merge.ExecGitRunner{}
	}
	o := cfg.Overseer

	session := inst.OverseerSession()
	agentCommand := cfg.Workers.AgentCommand + " --settings " + shellQuote(inst.OverseerSettingsPath())

	return &Overseer{
		inst:    inst,
		cfg:     cfg,
		logger:  logger,
		store:   state.NewStore(inst.StatePath, inst.LockPath),
		monitor: NewHealthMonitor(inst.RegistrationPath, inst.DaemonLogPath(), o.HeartbeatTimeout.D(), o.StallTimeout.D()),
		control: NewDaemonControl(inst.RegistrationPath, deps.Spawner, o.StartupTimeout.D(), cfg.Daemon.ShutdownGrace.D(), logger),
		remediator: NewRemediationExecutor(deps.Terminal, RemediationOptions{
			Session:      session,
			SocketPath:   inst.RemediationSocketPath,
			LogsDir:      inst.LogsDir,
			Workdir:      cfg.Repo.Path,
			AgentCommand: agentCommand,
			Env: map[string]string{
				protocol.EnvRoot:            inst.Root,
				protocol.EnvTerminalSession: session.String(),
				protocol.EnvHookSocket:      inst.RemediationSocketPath,
			},
			Timeout: o.RemediationTimeout.D(),
		}, logger),
		inspector: merge.NewInspector(deps.Git, cfg.Repo.Path, cfg.Repo.BaseBranch),
		binary:    deps.Binary,
		nowFunc:   time.Now,
	}
}

// Run supervises the daemon until ctx is cancelled, which stops the daemon
// gracefully and returns nil. A failure spiral, a manual intervention request
// or exhausted remediation attempts end Run with an error; the daemon is
// left stopped. Worker and overseer tmux sessions are never killed.
func (ov *Overseer) Run(ctx context.Context) error {
	if err := ov.inst.Bootstrap(); err != nil {
		return err
	}
	lock := flock.New(ov.inst.OverseerLockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire overseer lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("overseer already running for %s", ov.inst.Root)
	}
	defer func() { _ = lock.Unlock() }()

	if path, content, found := ov.manualIntervention(); found {
		return &ManualInterventionError{Path: path, Content: content}
	}
	if err := hooks.WriteSettingsFile(ov.inst.OverseerSettingsPath(), ov.binary, ov.inst.Root); err != nil {
		return err
	}

	if err := proc.WritePIDFile(ov.inst.OverseerPIDPath, os.Getpid()); err != nil {
		return err
	}
	defer func() { _ = proc.RemovePIDFile(ov.inst.OverseerPIDPath) }()

	events, err := eventlog.Open(ctx, ov.inst.EventsDBPath, "overseer")
	if err != nil {
		ov.logger.Warn().Err(err).Msg("event log unavailable")
	}
	ov.events = events
	defer func() { _ = ov.events.Close() }()

	if err := ov.register(ctx); err != nil {
		return err
	}
	defer ov.unregister()

	ov.logger.Info().Str("root", ov.inst.Root).Msg("overseer started")
	return ov.supervise(ctx)
}

func (ov *Overseer) supervise(ctx context.Context) error {
	var (
		expected Expected
		running  bool
	)
	if exp, ok := ov.control.Adopt(); ok {
		ov.logger.Info().Int("pid", exp.PID).Str("instance_id", exp.InstanceID).Msg("adopted running daemon")
		expected, running = exp, true
		ov.monitor.SkipExistingLog()
	}

	for {
		var failure HealthStatus
		if !running {
			exp, err := ov.startDaemon(ctx)
			if ctx.Err() != nil {
				return nil
			}
			if err != nil {
				failure = HealthStatus{Condition: ProcessGone, Detail: err.Error()}
			} else {
				expected, running = exp, true
			}
		}

		if running {
			failure = ov.watch(ctx, expected)
			if ctx.Err() != nil {
				ov.stopDaemon(expected)
				return nil
			}
		}

		if err := ov.handleFailure(ctx, failure, expected, running); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		running = false
	}
}

func (ov *Overseer) startDaemon(ctx context.Context) (Expected, error) {
	ov.monitor.SkipExistingLog()
	exp, err := ov.control.Start(ctx)
	if err != nil {
		return Expected{}, err
	}
	// Verify before declaring the instance recovered.
	if status := ov.monitor.Check(exp); !status.Healthy() {
		ov.stopDaemon(exp)
		return Expected{}, fmt.Errorf("daemon unhealthy after start: %s", status.Describe())
	}
	ov.record(eventlog.Entry{Type: eventlog.TypeRestart, Payload: fmt.Sprintf("pid %d instance %s", exp.PID, exp.InstanceID)})
	if err := ov.updateRegistration(ctx, func(r *state.OverseerRegistration) {
		r.State = protocol.OverseerRunning
	}); err != nil {
		ov.logger.Warn().Err(err).Msg("update overseer registration")
	}
	return exp, nil
}

// watch checks the daemon every check_interval, and early whenever the
// registration file changes, until a check fails or ctx ends.
func (ov *Overseer) watch(ctx context.Context, expected Expected) HealthStatus {
	watchCtx, stopWatching := context.WithCancel(ctx)
	defer stopWatching()
	changed := ov.watchRegistration(watchCtx)
	ticker := time.NewTicker(ov.cfg.Overseer.CheckInterval.D())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return HealthStatus{Condition: Healthy}
		case <-ticker.C:
		case <-changed:
		}
		status := ov.monitor.Check(expected)
		if err := ov.updateRegistration(ctx, func(*state.OverseerRegistration) {}); err != nil && ctx.Err() == nil {
			ov.logger.Warn().Err(err).Msg("overseer heartbeat")
		}
		if !status.Healthy() {
			return status
		}
	}
}

// watchRegistration signals on changes to the daemon registration file. If
// fsnotify is unavailable the returned channel never fires and the ticker
// alone drives checks.
func (ov *Overseer) watchRegistration(ctx context.Context) <-chan struct{} {
	changed := make(chan struct{}, 1)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		ov.logger.Debug().Err(err).Msg("fsnotify unavailable, polling only")
		return changed
	}
	if err := watcher.Add(ov.inst.Root); err != nil {
		_ = watcher.Close()
		ov.logger.Debug().Err(err).Msg("watch instance root failed, polling only")
		return changed
	}
	go func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(ov.inst.RegistrationPath) {
					continue
				}
				select {
				case changed <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				ov.logger.Debug().Err(err).Msg("fsnotify error")
			}
		}
	}()
	return changed
}

// handleFailure terminates the daemon and, unless something says to stop,
// runs remediation. The caller restarts the daemon afterwards.
func (ov *Overseer) handleFailure(ctx context.Context, failure HealthStatus, expected Expected, running bool) error {
	now := ov.nowFunc()
	ov.logger.Error().Str("condition", string(failure.Condition)).Str("detail", failure.Detail).Msg(failure.Describe())
	ov.record(eventlog.Entry{Type: eventlog.TypeHealth, Payload: failure.Describe()})

	if running {
		ov.stopDaemon(expected)
	}

	var reg state.OverseerRegistration
	if err := ov.updateRegistration(ctx, func(r *state.OverseerRegistration) {
		r.State = protocol.OverseerRemediating
		r.RemediationAttempts++
		r.LastFailure = failure.Describe()
		reg = *r
	}); err != nil {
		return fmt.Errorf("record failure: %w", err)
	}

	if !reg.LastRemediationAt.IsZero() && now.Sub(reg.LastRemediationAt) < ov.cfg.Overseer.RestartCooldown.D() {
		ov.logger.Error().Dur("since_last_remediation", now.Sub(reg.LastRemediationAt)).Msg("failure spiral detected")
		return ErrFailureSpiral
	}
	if path, content, found := ov.manualIntervention(); found {
		return &ManualInterventionError{Path: path, Content: content}
	}

	if limit := ov.cfg.Overseer.MaxRemediationAttempts; limit > 0 && reg.RemediationAttempts > limit {
		if ov.cfg.Overseer.Escalation != config.EscalationRetry {
			return &protocol.RemediationFailureError{
				Attempt: reg.RemediationAttempts,
				Reason:  fmt.Sprintf("giving up after %d remediation attempts", limit),
			}
		}
		ov.logger.Warn().Int("attempts", reg.RemediationAttempts).Msg("remediation attempts exhausted, restarting daemon without remediation")
		return ov.cooldown(ctx)
	}

	prompt := BuildRemediationPrompt(ov.promptContext(ctx, failure, reg.RemediationAttempts))
	err := ov.remediator.Remediate(ctx, reg.RemediationAttempts, prompt)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	outcome := "completed"
	if err != nil {
		outcome = err.Error()
	}
	ov.record(eventlog.Entry{Type: eventlog.TypeRemediation, Payload: outcome})

	if uerr := ov.updateRegistration(ctx, func(r *state.OverseerRegistration) {
		r.LastRemediationAt = ov.nowFunc()
	}); uerr != nil {
		ov.logger.Warn().Err(uerr).Msg("record remediation")
	}
	if path, content, found := ov.manualIntervention(); found {
		return &ManualInterventionError{Path: path, Content: content}
	}
	return nil
}

// cooldown waits restart_cooldown so retries without remediation do not spin.
func (ov *Overseer) cooldown(ctx context.Context) error {
	t := time.NewTimer(ov.cfg.Overseer.RestartCooldown.D())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (ov *Overseer) stopDaemon(expected Expected) {
	result, err := ov.control.Terminate(expected)
	if err != nil {
		ov.logger.Error().Err(err).Msg("terminate daemon")
		return
	}
	ov.logger.Info().Str("result", string(result)).Msg("daemon terminated")
}

func (ov *Overseer) promptContext(ctx context.Context, failure HealthStatus, attempt int) PromptContext {
	pc := PromptContext{
		Instructions:           ov.cfg.Overseer.RemediationPrompt,
		Failure:                failure,
		Attempt:                attempt,
		RepoPath:               ov.cfg.Repo.Path,
		LogPath:                ov.inst.DaemonLogPath(),
		ManualInterventionPath: ov.manualInterventionPath(),
	}
	pc.Registration, _ = state.ReadDaemonRegistration(ov.inst.RegistrationPath)
	pc.State, pc.StateErr = ov.store.Snapshot()
	pc.GitStatus = ov.inspector.Status(ctx)
	pc.LogTail, _ = tailLines(ov.inst.DaemonLogPath(), promptLogLines)
	return pc
}

func (ov *Overseer) manualInterventionPath() string {
	return strings.Replace(ov.inst.ManualInterventionPattern(), "*", ov.nowFunc().UTC().Format("20060102_150405"), 1)
}

// manualIntervention returns the first manual intervention file, if any.
func (ov *Overseer) manualIntervention() (string, string, bool) {
	matches, err := filepath.Glob(ov.inst.ManualInterventionPattern())
	if err != nil || len(matches) == 0 {
		return "", "", false
	}
	sort.Strings(matches)
	data, err := os.ReadFile(matches[0]) //nolint:gosec // inside the instance root
	if err != nil {
		return matches[0], fmt.Sprintf("(unreadable: %v)", err), true
	}
	ov.logger.Error().Str("path", matches[0]).Msg("manual intervention requested")
	return matches[0], string(data), true
}

func (ov *Overseer) register(ctx context.Context) error {
	now := ov.nowFunc()
	return ov.store.WithLock(ctx, func(st *state.State) error {
		if st.Overseer != nil && st.Overseer.PID != os.Getpid() && proc.IsProcessAlive(st.Overseer.PID) &&
			!st.Overseer.Stale(now, ov.cfg.Overseer.RegistrationTimeout.D()) {
			return fmt.Errorf("overseer pid %d is registered and alive", st.Overseer.PID)
		}
		st.Overseer = &state.OverseerRegistration{
			PID:         os.Getpid(),
			StartedAt:   now,
			HeartbeatAt: now,
			State:       protocol.OverseerRunning,
		}
		return nil
	})
}

// updateRegistration applies fn to this overseer's registration and refreshes
// its heartbeat.
func (ov *Overseer) updateRegistration(ctx context.Context, fn func(*state.OverseerRegistration)) error {
	return ov.store.WithLock(ctx, func(st *state.State) error {
		if st.Overseer == nil {
			now := ov.nowFunc()
			st.Overseer = &state.OverseerRegistration{PID: os.Getpid(), StartedAt: now, State: protocol.OverseerRunning}
		}
		st.Overseer.HeartbeatAt = ov.nowFunc()
		fn(st.Overseer)
		return nil
	})
}

func (ov *Overseer) unregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := ov.store.WithLock(ctx, func(st *state.State) error {
		if st.Overseer != nil && st.Overseer.PID == os.Getpid() {
			st.Overseer = nil
		}
		return nil
	})
	if err != nil {
		ov.logger.Warn().Err(err).Msg("remove overseer registration")
	}
	ov.logger.Info().Msg("overseer stopped")
}

func (ov *Overseer) record(e eventlog.Entry) {
	if ov.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ov.events.Record(ctx, e); err != nil {
		ov.logger.Warn().Err(err).Str("type", e.Type).Msg("event log write failed")
	}
}

// tailLines returns up to n last lines of path.
func tailLines(path string, n int) ([]string, error) {
	f, err := os.Open(path) //nolint:gosec // instance log file
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	ring := make([]string, 0, n)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, sc.Text())
	}
	return ring, sc.Err()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
