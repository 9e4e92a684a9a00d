package daemon //nolint:testpackage // scenario tests reach into the daemon's wiring

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"llmc/pkg/config"
	"llmc/pkg/eventlog"
	"llmc/pkg/hooks"
	"llmc/pkg/instance"
	"llmc/pkg/protocol"
	"llmc/pkg/registry"
	"llmc/pkg/state"
)

// --- fakes ---

// fakeGit models a repository where each worker worktree is some number of
// commits ahead of master, possibly with uncommitted changes. A commit in a
// worktree takes up its changes; a fast-forward merge of a worker branch
// brings its worktree level with master.
type fakeGit struct {
	mu        sync.Mutex
	ahead     map[string]int
	dirty     map[string]string // worktree -> porcelain status
	porcelain string
	worktrees string
	merged    []string
}

func newFakeGit(worktrees string) *fakeGit {
	return &fakeGit{ahead: map[string]int{}, dirty: map[string]string{}, worktrees: worktrees}
}

func (g *fakeGit) Run(_ context.Context, dir string, args ...string) (string, string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch args[0] {
	case "rev-list":
		return fmt.Sprintf("%d\n", g.ahead[dir]), "", nil
	case "rev-parse":
		if len(args) > 1 && args[1] == "--abbrev-ref" {
			return "master\n", "", nil
		}
		return "deadbeef\n", "", nil
	case "status":
		if st, ok := g.dirty[dir]; ok {
			return st, "", nil
		}
		return g.porcelain, "", nil
	case "commit":
		if !slices.Contains(args, "--amend") {
			g.ahead[dir]++
		}
		g.dirty[dir] = ""
	case "merge":
		branch := args[len(args)-1]
		g.ahead[filepath.Join(g.worktrees, strings.TrimPrefix(branch, protocol.BranchPrefix))] = 0
		g.merged = append(g.merged, branch)
	}
	return "", "", nil
}

func (g *fakeGit) setAhead(dir string, n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ahead[dir] = n
}

func (g *fakeGit) setDirty(dir, porcelain string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dirty[dir] = porcelain
}

func (g *fakeGit) mergedBranches() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.merged...)
}

// fakeCommands serves task-pool output in order, then nothing.
type fakeCommands struct {
	mu      sync.Mutex
	outputs []string
	err     error
}

func (f *fakeCommands) Run(_ context.Context, _ string, _ ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if len(f.outputs) == 0 {
		return nil, nil
	}
	out := f.outputs[0]
	f.outputs = f.outputs[1:]
	return []byte(out), nil
}

type fakeTerminal struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeTerminal) Send(name protocol.TerminalSessionName, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, name.String()+": "+text)
	return nil
}

func (f *fakeTerminal) WaitForPrompt(protocol.TerminalSessionName) error { return nil }
func (f *fakeTerminal) HasSession(protocol.TerminalSessionName) bool     { return true }
func (f *fakeTerminal) StartSession(protocol.TerminalSessionName, string, string, map[string]string) error {
	return nil
}

func (f *fakeTerminal) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// --- harness ---

type harness struct {
	inst   *instance.Instance
	git    *fakeGit
	cmds   *fakeCommands
	term   *fakeTerminal
	daemon *Daemon
	store  *state.Store
}

func newHarness(t *testing.T, workers ...string) *harness {
	t.Helper()
	// Short path: unix socket paths are limited to ~104 bytes.
	root, err := os.MkdirTemp("/tmp", "llmcd")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(root) })

	inst := instance.New(root)
	h := &harness{
		inst:  inst,
		git:   newFakeGit(inst.WorktreesDir),
		cmds:  &fakeCommands{},
		term:  &fakeTerminal{},
		store: state.NewStore(inst.StatePath, inst.LockPath),
	}
	if err := inst.Bootstrap(); err != nil {
		t.Fatal(err)
	}

	seed := registry.New("seed")
	err = h.store.WithLock(context.Background(), func(st *state.State) error {
		for _, w := range workers {
			if _, err := seed.AddWorker(st, w, inst.SessionName(w), inst.WorktreePath(w), protocol.BranchPrefix+w, time.Now()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	cfg := config.Default()
	cfg.Repo.Path = "/repo"
	cfg.Tasks.TaskPoolCommand = "next-task"
	cfg.Workers.ClaimLimit = 2
	cfg.Workers.PatrolInterval = config.Duration(50 * time.Millisecond)
	cfg.Daemon.HeartbeatInterval = config.Duration(50 * time.Millisecond)
	cfg.Daemon.ShutdownGrace = config.Duration(2 * time.Second)

	h.daemon = New(inst, cfg, zerolog.Nop(), Deps{Terminal: h.term, Git: h.git, Commands: h.cmds})
	return h
}

// start runs the daemon and waits until its socket accepts events.
func (h *harness) start(t *testing.T) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.daemon.Run(ctx) }()

	waitFor(t, func() bool {
		_, err := os.Stat(h.inst.SocketPath)
		return err == nil
	}, 5*time.Second)

	var once sync.Once
	var runErr error
	stop = func() error {
		once.Do(func() {
			cancel()
			select {
			case runErr = <-errCh:
			case <-time.After(5 * time.Second):
				runErr = errors.New("daemon did not stop")
			}
		})
		return runErr
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func (h *harness) worker(t *testing.T, name string) state.WorkerRecord {
	t.Helper()
	st, err := h.store.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	w := st.Worker(name)
	if w == nil {
		t.Fatalf("worker %s missing", name)
	}
	return *w
}

func (h *harness) claims(t *testing.T) int {
	t.Helper()
	st, err := h.store.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return st.ClaimsInUse()
}

func (h *harness) send(t *testing.T, ev protocol.Event) {
	t.Helper()
	ev.Timestamp = time.Now()
	if err := hooks.Send(context.Background(), h.inst.SocketPath, ev); err != nil {
		t.Fatalf("send %s: %v", ev.Kind, err)
	}
}

func (h *harness) transitions(t *testing.T, worker string) []string {
	t.Helper()
	r, err := eventlog.NewReader(h.inst.EventsDBPath)
	if err != nil {
		t.Fatalf("open event log: %v", err)
	}
	defer r.Close()
	rows, err := r.Query(context.Background(), eventlog.QueryOpts{Worker: worker, Type: eventlog.TypeTransition})
	if err != nil {
		t.Fatalf("query event log: %v", err)
	}
	out := make([]string, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		out = append(out, rows[i].Payload)
	}
	return out
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

// --- scenarios ---

// Idle worker, task assigned, agent binds, commits, stops, work accepted.
func TestDaemon_TaskLifecycle(t *testing.T) {
	h := newHarness(t, "w1")
	h.cmds.outputs = []string{"id: T1\nprompt: add a README"}
	stop := h.start(t)

	waitFor(t, func() bool { return h.worker(t, "w1").State == protocol.WorkerAssigned }, 5*time.Second)
	if c := h.claims(t); c != 1 {
		t.Fatalf("claims = %d, want 1", c)
	}
	msgs := h.term.messages()
	if len(msgs) != 2 || !strings.HasSuffix(msgs[0], ": /clear") || !strings.Contains(msgs[1], "add a README") {
		t.Fatalf("terminal messages = %q", msgs)
	}

	a1 := protocol.NewAgentSessionID("A1")
	h.send(t, protocol.Event{Kind: protocol.EventSessionStart, AgentSessionID: a1, Session: h.inst.SessionName("w1").String()})
	waitFor(t, func() bool { return h.worker(t, "w1").State == protocol.WorkerWorking }, 5*time.Second)
	w := h.worker(t, "w1")
	if !w.AgentSession.Equal(a1) || w.BoundBy != h.daemon.InstanceID() {
		t.Fatalf("binding = %s by %q", w.AgentSession, w.BoundBy)
	}

	h.git.setAhead(h.inst.WorktreePath("w1"), 1)
	h.send(t, protocol.Event{Kind: protocol.EventStop, AgentSessionID: a1})

	waitFor(t, func() bool {
		w := h.worker(t, "w1")
		return w.State == protocol.WorkerIdle && w.TaskID == ""
	}, 5*time.Second)
	if c := h.claims(t); c != 0 {
		t.Errorf("claims = %d, want 0", c)
	}
	if merged := h.git.mergedBranches(); len(merged) != 1 || merged[0] != "llmc/w1" {
		t.Errorf("merged = %v", merged)
	}

	reg, err := state.ReadDaemonRegistration(h.inst.RegistrationPath)
	if err != nil || reg == nil {
		t.Fatalf("registration: %v %v", reg, err)
	}
	if reg.LastTaskCompletedAt.IsZero() {
		t.Error("last_task_completed_at not recorded")
	}

	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{
		"idle->assigned (assign)",
		"assigned->working (session_start)",
		"working->needs_review (stop)",
		"needs_review->accepting (accept_begin)",
		"accepting->idle (accept_done)",
	}
	// The hook consumer and patrol record concurrently, so only membership
	// is stable.
	got := strings.Join(h.transitions(t, "w1"), "|")
	for _, tr := range want {
		if !strings.Contains(got, tr) {
			t.Errorf("transition %q not recorded; got %q", tr, got)
		}
	}
}

// An agent that stops without committing still has its work reviewed and
// merged; the changes are committed on its behalf.
func TestDaemon_StopWithOnlyUncommittedChanges(t *testing.T) {
	h := newHarness(t, "w1")
	h.cmds.outputs = []string{"id: T1\nprompt: add a README"}
	stop := h.start(t)

	waitFor(t, func() bool { return h.worker(t, "w1").State == protocol.WorkerAssigned }, 5*time.Second)
	a1 := protocol.NewAgentSessionID("A1")
	h.send(t, protocol.Event{Kind: protocol.EventSessionStart, AgentSessionID: a1, Session: h.inst.SessionName("w1").String()})
	waitFor(t, func() bool { return h.worker(t, "w1").State == protocol.WorkerWorking }, 5*time.Second)

	h.git.setDirty(h.inst.WorktreePath("w1"), "?? README.md\n?? "+hooks.AgentSettingsFile+"\n")
	h.send(t, protocol.Event{Kind: protocol.EventStop, AgentSessionID: a1})

	waitFor(t, func() bool { return len(h.git.mergedBranches()) == 1 }, 5*time.Second)
	waitFor(t, func() bool { return h.worker(t, "w1").State == protocol.WorkerIdle }, 5*time.Second)
	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := strings.Join(h.transitions(t, "w1"), "|")
	if !strings.Contains(got, "working->needs_review (stop)") {
		t.Errorf("stop without commits did not go to review; transitions %q", got)
	}
	if strings.Contains(got, "working->idle") {
		t.Errorf("uncommitted work was dropped; transitions %q", got)
	}
}

// A worker left working with commits by a previous daemon goes to review
// without a fresh Stop.
func TestDaemon_RestartReconcilesOrphanedCommits(t *testing.T) {
	h := newHarness(t, "w1")
	err := h.store.WithLock(context.Background(), func(st *state.State) error {
		w := st.Worker("w1")
		w.State = protocol.WorkerWorking
		w.AgentSession = protocol.NewAgentSessionID("A0")
		w.BoundBy = "previous-daemon"
		w.TaskID = "T0"
		st.Claims = append(st.Claims, state.TaskClaim{ID: "T0", Worker: "w1"})
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	h.git.setAhead(h.inst.WorktreePath("w1"), 2)
	// Dirty so the worker parks in blocked instead of being accepted at once.
	h.git.porcelain = "?? scratch.txt\n"

	stop := h.start(t)
	waitFor(t, func() bool { return h.worker(t, "w1").State == protocol.WorkerBlocked }, 5*time.Second)
	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := h.transitions(t, "w1")
	if len(got) < 2 || got[0] != "working->needs_review (reconcile)" || got[1] != "needs_review->blocked (repo_dirty)" {
		t.Errorf("transitions = %q", got)
	}
	if b := h.worker(t, "w1").Backoff; b == nil || b.Attempt != 1 {
		t.Errorf("backoff = %+v", b)
	}
}

func TestDaemon_DropsSessionStartNobodyAwaits(t *testing.T) {
	h := newHarness(t, "w1")
	h.start(t)

	h.send(t, protocol.Event{Kind: protocol.EventSessionStart, AgentSessionID: protocol.NewAgentSessionID("stray"), Session: h.inst.SessionName("w1").String()})
	h.send(t, protocol.Event{Kind: protocol.EventStop, AgentSessionID: protocol.NewAgentSessionID("ghost")})

	waitFor(t, func() bool {
		r, err := eventlog.NewReader(h.inst.EventsDBPath)
		if err != nil {
			return false
		}
		defer r.Close()
		rows, err := r.Query(context.Background(), eventlog.QueryOpts{Type: eventlog.TypeDropped})
		return err == nil && len(rows) == 2
	}, 5*time.Second)

	w := h.worker(t, "w1")
	if w.State != protocol.WorkerIdle || !w.AgentSession.IsZero() {
		t.Errorf("w1 = %s bound to %q", w.State, w.AgentSession)
	}
}

func TestDaemon_TaskCommandFailureIsFatal(t *testing.T) {
	h := newHarness(t, "w1")
	h.cmds.err = errors.New("exit status 2")

	err := h.daemon.Run(context.Background())
	var cmdErr *protocol.TaskCommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("Run = %v, want *TaskCommandError", err)
	}

	reg, rerr := state.ReadDaemonRegistration(h.inst.RegistrationPath)
	if rerr != nil || reg == nil || reg.FatalError == "" {
		t.Fatalf("registration = %+v, %v; want fatal error recorded", reg, rerr)
	}
	st, _ := h.store.Snapshot()
	if st.ConfigFault == "" {
		t.Error("config fault not recorded in state")
	}
	if _, err := os.Stat(h.inst.SocketPath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("socket left behind: %v", err)
	}
}

func TestDaemon_SecondInstanceRefused(t *testing.T) {
	h := newHarness(t, "w1")
	h.start(t)

	second := New(h.inst, h.daemon.cfg, zerolog.Nop(), Deps{Terminal: h.term, Git: h.git, Commands: h.cmds})
	err := second.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "already running") {
		t.Fatalf("second Run = %v, want already running", err)
	}
	if _, err := os.Stat(h.inst.SocketPath); err != nil {
		t.Errorf("first daemon's socket disturbed: %v", err)
	}
}

func TestDaemon_GracefulStopRemovesRegistration(t *testing.T) {
	h := newHarness(t, "w1")
	stop := h.start(t)

	waitFor(t, func() bool {
		reg, err := state.ReadDaemonRegistration(h.inst.RegistrationPath)
		return err == nil && reg != nil && reg.HeartbeatAt.After(reg.StartedAt)
	}, 5*time.Second)

	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, p := range []string{h.inst.RegistrationPath, h.inst.DaemonPIDPath, h.inst.SocketPath} {
		if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("%s still present: %v", filepath.Base(p), err)
		}
	}
}

func TestDaemon_HeartbeatReportsMalformedHooks(t *testing.T) {
	h := newHarness(t, "w1")
	h.start(t)

	conn, err := net.Dial("unix", h.inst.SocketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_, _ = conn.Write([]byte("not an event\n"))
	_ = conn.Close()

	waitFor(t, func() bool {
		reg, err := state.ReadDaemonRegistration(h.inst.RegistrationPath)
		return err == nil && reg != nil && reg.MalformedHooks == 1
	}, 5*time.Second)
}

func TestSessionEnv(t *testing.T) {
	inst := instance.New("/tmp/llmc-env")
	env := SessionEnv(inst, inst.SessionName("w1"))
	if env[protocol.EnvTerminalSession] != inst.SessionName("w1").String() {
		t.Errorf("terminal session env = %q", env[protocol.EnvTerminalSession])
	}
	if env[protocol.EnvHookSocket] != inst.SocketPath || env[protocol.EnvRoot] != inst.Root {
		t.Errorf("env = %v", env)
	}
}
