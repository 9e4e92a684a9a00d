package overseer //nolint:testpackage // drives the loop through its process seams

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"llmc/pkg/config"
	"llmc/pkg/eventlog"
	"llmc/pkg/hooks"
	"llmc/pkg/instance"
	"llmc/pkg/protocol"
	"llmc/pkg/state"
)

type fakeGit struct{}

func (fakeGit) Run(_ context.Context, _ string, args ...string) (string, string, error) {
	if len(args) > 0 && args[0] == "status" {
		return "## master", "", nil
	}
	return "", "", nil
}

type overseerHarness struct {
	inst    *instance.Instance
	procs   *fakeProcs
	spawner *fakeSpawner
	term    *fakeTerminal
	ov      *Overseer
	store   *state.Store
}

func newOverseerHarness(t *testing.T, tune func(*config.OverseerConfig)) *overseerHarness {
	t.Helper()
	inst := instance.New(shortTempDir(t))
	if err := inst.Bootstrap(); err != nil {
		t.Fatal(err)
	}

	procs := newFakeProcs()
	spawner := &fakeSpawner{procs: procs}
	spawner.register = func(p *fakeProcess) {
		now := time.Now()
		_ = state.WriteDaemonRegistration(inst.RegistrationPath, &state.DaemonRegistration{
			PID: p.pid, InstanceID: "run-" + time.Now().Format("150405.000000"), StartedAt: now, HeartbeatAt: now,
		})
	}

	// The fake agent finishes its turn right away.
	term := newFakeTerminal()
	term.reply = func(string) {
		_ = hooks.Send(context.Background(), inst.RemediationSocketPath, protocol.Event{
			Kind:           protocol.EventStop,
			AgentSessionID: protocol.NewAgentSessionID("overseer-agent"),
			Session:        inst.OverseerSession().String(),
		})
	}

	cfg := config.Default()
	cfg.Repo.Path = "/repo"
	cfg.Tasks.TaskPoolCommand = "next-task"
	cfg.Daemon.ShutdownGrace = config.Duration(100 * time.Millisecond)
	o := &cfg.Overseer
	o.CheckInterval = config.Duration(20 * time.Millisecond)
	o.HeartbeatTimeout = config.Duration(time.Hour)
	o.StallTimeout = 0
	o.StartupTimeout = config.Duration(2 * time.Second)
	o.RemediationTimeout = config.Duration(2 * time.Second)
	o.RestartCooldown = 0
	o.MaxRemediationAttempts = 0
	if tune != nil {
		tune(o)
	}

	ov := New(inst, cfg, zerolog.Nop(), Deps{Spawner: spawner, Terminal: term, Git: fakeGit{}, Binary: "/usr/local/bin/llmc"})
	ov.monitor.alive = procs.isAlive
	ov.control.alive = procs.isAlive
	ov.control.signal = procs.signal
	ov.control.pollInterval = 10 * time.Millisecond
	ov.control.killWait = 50 * time.Millisecond

	return &overseerHarness{
		inst:    inst,
		procs:   procs,
		spawner: spawner,
		term:    term,
		ov:      ov,
		store:   state.NewStore(inst.StatePath, inst.LockPath),
	}
}

// running is an overseer Run in progress.
type running struct {
	done chan struct{}
	err  error
}

func (h *overseerHarness) run(t *testing.T) (context.CancelFunc, *running) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{done: make(chan struct{})}
	go func() {
		r.err = h.ov.Run(ctx)
		close(r.done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-r.done:
		case <-time.After(5 * time.Second):
			t.Error("overseer did not stop")
		}
	})
	return cancel, r
}

func (h *overseerHarness) registration(t *testing.T) *state.DaemonRegistration {
	t.Helper()
	reg, err := state.ReadDaemonRegistration(h.inst.RegistrationPath)
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

// crash kills the current daemon, once it is registered.
func (h *overseerHarness) crash(t *testing.T, pid int) {
	t.Helper()
	waitFor(t, func() bool {
		reg := h.registration(t)
		return reg != nil && reg.PID == pid
	}, 5*time.Second)
	h.procs.mu.Lock()
	h.procs.alive[pid] = false
	h.procs.mu.Unlock()
}

func (h *overseerHarness) overseer(t *testing.T) *state.OverseerRegistration {
	t.Helper()
	st, err := h.store.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	return st.Overseer
}

func (h *overseerHarness) eventTypes(t *testing.T) []string {
	t.Helper()
	r, err := eventlog.NewReader(h.inst.EventsDBPath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = r.Close() }()
	entries, err := r.Query(context.Background(), eventlog.QueryOpts{})
	if err != nil {
		t.Fatal(err)
	}
	types := make([]string, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		types = append(types, entries[i].Type)
	}
	return types
}

func (h *overseerHarness) prompts() int {
	n := 0
	for _, s := range h.term.sends() {
		if !strings.HasSuffix(s, ": /clear") {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("waitFor: condition not met within %v", timeout)
}

func waitErr(t *testing.T, r *running) error {
	t.Helper()
	select {
	case <-r.done:
		return r.err
	case <-time.After(10 * time.Second):
		t.Fatal("overseer did not return")
		return nil
	}
}

// --- scenarios ---

// Daemon dies, overseer remediates and restarts it, then shuts down cleanly.
func TestOverseer_CrashRemediateRestart(t *testing.T) {
	h := newOverseerHarness(t, nil)
	cancel, r := h.run(t)

	h.crash(t, 1001)
	waitFor(t, func() bool {
		reg := h.registration(t)
		return reg != nil && reg.PID == 1002
	}, 5*time.Second)
	waitFor(t, func() bool {
		o := h.overseer(t)
		return o != nil && o.State == protocol.OverseerRunning && !o.LastRemediationAt.IsZero()
	}, 5*time.Second)

	o := h.overseer(t)
	if o.RemediationAttempts != 1 {
		t.Errorf("RemediationAttempts = %d, want 1", o.RemediationAttempts)
	}
	if !strings.Contains(o.LastFailure, "process is gone") {
		t.Errorf("LastFailure = %q", o.LastFailure)
	}
	if n := h.prompts(); n != 1 {
		t.Errorf("remediation prompts = %d, want 1", n)
	}
	if _, err := os.Stat(h.inst.OverseerSettingsPath()); err != nil {
		t.Errorf("overseer agent settings not written: %v", err)
	}

	cancel()
	if err := waitErr(t, r); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.procs.isAlive(1002) {
		t.Error("daemon still running after overseer shutdown")
	}
	if reg := h.registration(t); reg != nil {
		t.Errorf("daemon registration left behind: %+v", reg)
	}
	if o := h.overseer(t); o != nil {
		t.Errorf("overseer registration left behind: %+v", o)
	}

	types := strings.Join(h.eventTypes(t), ",")
	for _, want := range []string{eventlog.TypeRestart, eventlog.TypeHealth, eventlog.TypeRemediation} {
		if !strings.Contains(types, want) {
			t.Errorf("events %s missing %s", types, want)
		}
	}
	if strings.Index(types, eventlog.TypeHealth) > strings.Index(types, eventlog.TypeRemediation) {
		t.Errorf("remediation recorded before the failure: %s", types)
	}
}

func TestOverseer_AdoptsRunningDaemon(t *testing.T) {
	h := newOverseerHarness(t, nil)
	h.procs.alive[777] = true
	now := time.Now()
	writeReg(t, h.inst.RegistrationPath, &state.DaemonRegistration{PID: 777, InstanceID: "existing", StartedAt: now, HeartbeatAt: now})

	cancel, r := h.run(t)
	waitFor(t, func() bool { return h.overseer(t) != nil }, 5*time.Second)
	time.Sleep(100 * time.Millisecond) // a few checks

	if n := h.spawner.count(); n != 0 {
		t.Errorf("spawned %d daemons, want to adopt the running one", n)
	}
	cancel()
	if err := waitErr(t, r); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sent := h.procs.sent(); len(sent) == 0 {
		t.Error("adopted daemon was not stopped on shutdown")
	}
}

func TestOverseer_FailureSpiral(t *testing.T) {
	h := newOverseerHarness(t, func(o *config.OverseerConfig) {
		o.RestartCooldown = config.Duration(time.Hour)
	})
	_, r := h.run(t)

	h.crash(t, 1001)
	h.crash(t, 1002)

	err := waitErr(t, r)
	if !errors.Is(err, ErrFailureSpiral) {
		t.Fatalf("Run error = %v, want ErrFailureSpiral", err)
	}
	if n := h.prompts(); n != 1 {
		t.Errorf("remediation prompts = %d, want 1", n)
	}
	if n := h.spawner.count(); n != 2 {
		t.Errorf("spawned %d daemons, want 2", n)
	}
}

func TestOverseer_ManualInterventionStops(t *testing.T) {
	h := newOverseerHarness(t, nil)
	stop := h.term.reply
	h.term.reply = func(prompt string) {
		path := strings.Replace(h.inst.ManualInterventionPattern(), "*", "test", 1)
		_ = os.WriteFile(path, []byte("credentials expired"), 0o600)
		stop(prompt)
	}
	_, r := h.run(t)

	h.crash(t, 1001)

	err := waitErr(t, r)
	var mi *ManualInterventionError
	if !errors.As(err, &mi) {
		t.Fatalf("Run error = %v, want ManualInterventionError", err)
	}
	if mi.Content != "credentials expired" {
		t.Errorf("Content = %q", mi.Content)
	}
	if n := h.spawner.count(); n != 1 {
		t.Errorf("daemon restarted after manual intervention request: %d spawns", n)
	}
}

func TestOverseer_RefusesToStartWithPendingIntervention(t *testing.T) {
	h := newOverseerHarness(t, nil)
	path := strings.Replace(h.inst.ManualInterventionPattern(), "*", "old", 1)
	if err := os.WriteFile(path, []byte("fix me"), 0o600); err != nil {
		t.Fatal(err)
	}

	err := h.ov.Run(context.Background())
	var mi *ManualInterventionError
	if !errors.As(err, &mi) {
		t.Fatalf("Run error = %v, want ManualInterventionError", err)
	}
	if n := h.spawner.count(); n != 0 {
		t.Errorf("spawned %d daemons", n)
	}
}

func TestOverseer_MaxAttemptsStop(t *testing.T) {
	h := newOverseerHarness(t, func(o *config.OverseerConfig) {
		o.MaxRemediationAttempts = 1
		o.Escalation = config.EscalationStop
	})
	_, r := h.run(t)

	h.crash(t, 1001)
	h.crash(t, 1002)

	err := waitErr(t, r)
	var rf *protocol.RemediationFailureError
	if !errors.As(err, &rf) {
		t.Fatalf("Run error = %v, want RemediationFailureError", err)
	}
	if rf.Attempt != 2 {
		t.Errorf("Attempt = %d, want 2", rf.Attempt)
	}
	if n := h.prompts(); n != 1 {
		t.Errorf("remediation prompts = %d, want 1", n)
	}
}

func TestOverseer_MaxAttemptsRetryRestartsWithoutRemediation(t *testing.T) {
	h := newOverseerHarness(t, func(o *config.OverseerConfig) {
		o.MaxRemediationAttempts = 1
		o.Escalation = config.EscalationRetry
	})
	h.run(t)

	h.crash(t, 1001)
	h.crash(t, 1002)
	waitFor(t, func() bool {
		reg := h.registration(t)
		return reg != nil && reg.PID == 1003
	}, 5*time.Second)

	if n := h.prompts(); n != 1 {
		t.Errorf("remediation prompts = %d, want 1", n)
	}
}

func TestOverseer_SecondInstanceRefused(t *testing.T) {
	h := newOverseerHarness(t, nil)
	h.run(t)
	waitFor(t, func() bool { return h.overseer(t) != nil }, 5*time.Second)

	second := New(h.inst, h.ov.cfg, zerolog.Nop(), Deps{Spawner: h.spawner, Terminal: h.term, Git: fakeGit{}, Binary: "llmc"})
	err := second.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "already running") {
		t.Fatalf("second Run error = %v, want already running", err)
	}
}
