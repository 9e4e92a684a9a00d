package overseer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"llmc/pkg/proc"
	"llmc/pkg/protocol"
	"llmc/pkg/state"
)

// Process is a spawned daemon.
type Process interface {
	PID() int
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
}

// Spawner starts a detached daemon process.
type Spawner interface {
	Spawn(ctx context.Context) (Process, error)
}

// ExecSpawner runs `<Binary> daemon` in its own session with LLMC_ROOT set.
// Output the daemon writes outside its log goes to OutputPath.
type ExecSpawner struct {
	Binary     string
	Root       string
	OutputPath string
}

// Spawn starts the daemon. The child is reaped in the background so a dead
// daemon never lingers as a zombie that still answers signal 0.
func (s *ExecSpawner) Spawn(_ context.Context) (Process, error) {
	cmd := exec.Command(s.Binary, "daemon") //nolint:gosec // binary is our own executable
	cmd.Env = append(os.Environ(), protocol.EnvRoot+"="+s.Root)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if s.OutputPath != "" {
		out, err := os.OpenFile(s.OutputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open daemon output %s: %w", s.OutputPath, err)
		}
		defer func() { _ = out.Close() }()
		cmd.Stdout = out
		cmd.Stderr = out
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn daemon: %w", err)
	}
	p := &execProcess{pid: cmd.Process.Pid, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	pid  int
	done chan struct{}
}

func (p *execProcess) PID() int { return p.pid }
func (p *execProcess) Done() <-chan struct{} { return p.done }

// TerminationResult is how a daemon went away.
type TerminationResult string

// Termination results.
const (
	GracefulShutdown TerminationResult = "graceful_shutdown"
	ForcefulKill     TerminationResult = "forceful_kill"
	AlreadyGone      TerminationResult = "already_gone"
)

// DaemonControl starts and stops the daemon process.
type DaemonControl struct {
	registrationPath string
	spawner          Spawner
	startupTimeout   time.Duration
	grace            time.Duration
	logger           zerolog.Logger

	pollInterval time.Duration
	killWait     time.Duration
	alive        func(pid int) bool
	signal       func(pid int, sig syscall.Signal) error
}

// NewDaemonControl returns a controller for the daemon registered at
// registrationPath.
func NewDaemonControl(registrationPath string, spawner Spawner, startupTimeout, grace time.Duration, logger zerolog.Logger) *DaemonControl {
	return &DaemonControl{
		registrationPath: registrationPath,
		spawner:          spawner,
		startupTimeout:   startupTimeout,
		grace:            grace,
		logger:           logger,
		pollInterval:     500 * time.Millisecond,
		killWait:         time.Second,
		alive:            proc.IsProcessAlive,
		signal:           proc.Signal,
	}
}

// Adopt returns the identity of an already running daemon, if there is one
// with a live process and no recorded fatal error.
func (c *DaemonControl) Adopt() (Expected, bool) {
	reg, err := state.ReadDaemonRegistration(c.registrationPath)
	if err != nil || reg == nil || reg.FatalError != "" || !c.alive(reg.PID) {
		return Expected{}, false
	}
	return ExpectedFrom(reg), true
}

// Start spawns a daemon and waits for it to register.
func (c *DaemonControl) Start(ctx context.Context) (Expected, error) {
	if err := state.RemoveDaemonRegistration(c.registrationPath); err != nil {
		return Expected{}, err
	}
	p, err := c.spawner.Spawn(ctx)
	if err != nil {
		return Expected{}, err
	}
	c.logger.Info().Int("pid", p.PID()).Msg("daemon spawned")

	deadline := time.NewTimer(c.startupTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		reg, err := state.ReadDaemonRegistration(c.registrationPath)
		if err == nil && reg != nil && reg.PID == p.PID() {
			if reg.FatalError != "" {
				return Expected{}, fmt.Errorf("daemon failed during startup: %s", reg.FatalError)
			}
			c.logger.Info().Int("pid", reg.PID).Str("instance_id", reg.InstanceID).Msg("daemon registered")
			return ExpectedFrom(reg), nil
		}

		select {
		case <-ctx.Done():
			return Expected{}, ctx.Err()
		case <-p.Done():
			return Expected{}, fmt.Errorf("daemon exited before registering (pid %d)", p.PID())
		case <-deadline.C:
			return Expected{}, fmt.Errorf("daemon did not register within %s", c.startupTimeout)
		case <-ticker.C:
		}
	}
}

// Terminate stops the expected daemon: SIGTERM, up to the grace period,
// then SIGKILL. The registration is removed if it still belongs to expected.
func (c *DaemonControl) Terminate(expected Expected) (TerminationResult, error) {
	log := c.logger.With().Int("pid", expected.PID).Str("instance_id", expected.InstanceID).Logger()
	defer c.removeRegistration(expected)

	if !c.alive(expected.PID) {
		log.Info().Msg("daemon already gone")
		return AlreadyGone, nil
	}
	if reg, err := state.ReadDaemonRegistration(c.registrationPath); err == nil && reg != nil &&
		(reg.PID != expected.PID || reg.InstanceID != expected.InstanceID) {
		// A different daemon registered since; the expected pid may have been reused.
		log.Warn().Int("registered_pid", reg.PID).Msg("registration belongs to another daemon, not signalling")
		return AlreadyGone, nil
	}

	log.Info().Msg("sending SIGTERM to daemon")
	if err := c.signal(expected.PID, syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		if !c.alive(expected.PID) {
			return AlreadyGone, nil
		}
		return "", fmt.Errorf("terminate daemon: %w", err)
	}
	if c.waitGone(expected.PID, c.grace) {
		log.Info().Msg("daemon shut down gracefully")
		return GracefulShutdown, nil
	}

	log.Warn().Dur("grace", c.grace).Msg("daemon ignored SIGTERM, sending SIGKILL")
	if err := c.signal(expected.PID, syscall.SIGKILL); err != nil && c.alive(expected.PID) {
		return "", fmt.Errorf("kill daemon: %w", err)
	}
	if c.waitGone(expected.PID, c.killWait) {
		return ForcefulKill, nil
	}
	return "", fmt.Errorf("daemon pid %d still running after SIGKILL", expected.PID)
}

// waitGone polls until pid exits or limit passes. It ignores cancellation:
// a terminate cut short would leave the daemon half stopped.
func (c *DaemonControl) waitGone(pid int, limit time.Duration) bool {
	deadline := time.Now().Add(limit)
	for {
		if !c.alive(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(c.pollInterval / 5)
	}
}

func (c *DaemonControl) removeRegistration(expected Expected) {
	reg, err := state.ReadDaemonRegistration(c.registrationPath)
	if err != nil || reg == nil || reg.PID != expected.PID {
		return
	}
	if err := state.RemoveDaemonRegistration(c.registrationPath); err != nil {
		c.logger.Warn().Err(err).Msg("remove daemon registration")
	}
}
