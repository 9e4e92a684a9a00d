package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"llmc/pkg/config"
	"llmc/pkg/instance"
	"llmc/pkg/proc"
	"llmc/pkg/protocol"
	"llmc/pkg/state"
	"llmc/pkg/tmux"
)

// statusReport is the instance snapshot shown by `llmc status`.
type statusReport struct {
	Root        string          `json:"root"`
	Repo        string          `json:"repo"`
	Daemon      daemonStatus    `json:"daemon"`
	Overseer    *overseerStatus `json:"overseer,omitempty"`
	ConfigFault string          `json:"config_fault,omitempty"`
	ClaimsInUse int             `json:"claims_in_use"`
	ClaimLimit  int             `json:"claim_limit"`
	Workers     []workerStatus  `json:"workers"`
}

type daemonStatus struct {
	Running             bool      `json:"running"`
	PID                 int       `json:"pid,omitempty"`
	InstanceID          string    `json:"instance_id,omitempty"`
	StartedAt           time.Time `json:"started_at,omitzero"`
	HeartbeatAt         time.Time `json:"heartbeat_at,omitzero"`
	LastTaskCompletedAt time.Time `json:"last_task_completed_at,omitzero"`
	FatalError          string    `json:"fatal_error,omitempty"`
	MalformedHooks      int       `json:"malformed_hooks,omitempty"`
}

type overseerStatus struct {
	PID                 int       `json:"pid"`
	Alive               bool      `json:"alive"`
	State               string    `json:"state"`
	HeartbeatAt         time.Time `json:"heartbeat_at"`
	RemediationAttempts int       `json:"remediation_attempts"`
	LastFailure         string    `json:"last_failure,omitempty"`
}

type workerStatus struct {
	Name        string     `json:"name"`
	State       string     `json:"state"`
	Session     string     `json:"session"`
	Branch      string     `json:"branch"`
	TaskID      string     `json:"task_id,omitempty"`
	TaskPrompt  string     `json:"task_prompt,omitempty"`
	LastEventAt time.Time  `json:"last_event_at"`
	BackoffTill *time.Time `json:"backoff_until,omitempty"`
	Error       string     `json:"error,omitempty"`
	CrashCount  int        `json:"crash_count,omitempty"`
	NoSession   bool       `json:"no_session,omitempty"`
}

// statusConfig holds the flags of `llmc status`.
type statusConfig struct {
	json  bool
	watch bool
}

// newStatusCmd creates the "llmc status" subcommand.
func newStatusCmd() *cobra.Command {
	var sc statusConfig

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, overseer and worker state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			inst, cfg, err := loadInstance()
			if err != nil {
				return err
			}
			if sc.watch {
				return runDashboard(cmd.Context(), inst, cfg)
			}
			report, err := collectLiveStatus(inst, cfg)
			if err != nil {
				return err
			}
			if sc.json {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			renderStatus(cmd.OutOrStdout(), report, time.Now())
			return nil
		},
	}

	cmd.Flags().BoolVar(&sc.json, "json", false, "print the status as JSON")
	cmd.Flags().BoolVarP(&sc.watch, "watch", "w", false, "show a live dashboard")
	cmd.MarkFlagsMutuallyExclusive("json", "watch")

	return cmd
}

// collectStatus reads the state file and the daemon registration. It takes no
// lock, so it never waits on the daemon.
func collectStatus(inst *instance.Instance, cfg config.Config, alive func(int) bool) (*statusReport, error) {
	st, err := state.NewStore(inst.StatePath, inst.LockPath).Snapshot()
	if err != nil {
		return nil, err
	}
	report := &statusReport{
		Root:        inst.Root,
		Repo:        cfg.Repo.Path,
		ConfigFault: st.ConfigFault,
		ClaimsInUse: st.ClaimsInUse(),
		ClaimLimit:  cfg.Workers.ClaimLimit,
		Workers:     make([]workerStatus, 0, len(st.Workers)),
	}

	reg, err := state.ReadDaemonRegistration(inst.RegistrationPath)
	if err != nil {
		return nil, err
	}
	if reg != nil {
		report.Daemon = daemonStatus{
			Running:             reg.FatalError == "" && alive(reg.PID),
			PID:                 reg.PID,
			InstanceID:          reg.InstanceID,
			StartedAt:           reg.StartedAt,
			HeartbeatAt:         reg.HeartbeatAt,
			LastTaskCompletedAt: reg.LastTaskCompletedAt,
			FatalError:          reg.FatalError,
			MalformedHooks:      reg.MalformedHooks,
		}
	}

	if o := st.Overseer; o != nil {
		report.Overseer = &overseerStatus{
			PID:                 o.PID,
			Alive:               alive(o.PID),
			State:               string(o.State),
			HeartbeatAt:         o.HeartbeatAt,
			RemediationAttempts: o.RemediationAttempts,
			LastFailure:         o.LastFailure,
		}
	}

	for _, w := range st.Workers {
		ws := workerStatus{
			Name:        w.Name,
			State:       string(w.State),
			Session:     w.Session.String(),
			Branch:      w.Branch,
			TaskID:      w.TaskID,
			TaskPrompt:  w.TaskPrompt,
			LastEventAt: w.LastEventAt,
			Error:       w.ErrorReason,
			CrashCount:  w.CrashCount,
		}
		if w.Backoff != nil {
			until := w.Backoff.NextEligibleAt
			ws.BackoffTill = &until
		}
		report.Workers = append(report.Workers, ws)
	}
	return report, nil
}

// collectLiveStatus is collectStatus against the running system, with each
// worker checked for a live tmux session.
func collectLiveStatus(inst *instance.Instance, cfg config.Config) (*statusReport, error) {
	report, err := collectStatus(inst, cfg, proc.IsProcessAlive)
	if err != nil {
		return nil, err
	}
	markSessions(report, tmux.NewSender(inst.SessionPrefix).ListSessions)
	return report, nil
}

// markSessions flags workers whose session is not among the listed ones. A
// listing error leaves the report unchanged.
func markSessions(r *statusReport, list func() ([]string, error)) {
	names, err := list()
	if err != nil {
		return
	}
	live := make(map[string]bool, len(names))
	for _, n := range names {
		live[n] = true
	}
	for i := range r.Workers {
		r.Workers[i].NoSession = !live[r.Workers[i].Session]
	}
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	cellStyle   = lipgloss.NewStyle().PaddingRight(1)
)

// stateStyle colors a worker state.
func stateStyle(s string) lipgloss.Style {
	switch protocol.WorkerState(s) {
	case protocol.WorkerWorking, protocol.WorkerAssigned, protocol.WorkerAccepting:
		return okStyle
	case protocol.WorkerNeedsReview, protocol.WorkerBlocked:
		return warnStyle
	case protocol.WorkerError:
		return errStyle
	}
	return mutedStyle
}

// renderStatus writes the human-readable report.
func renderStatus(w io.Writer, r *statusReport, now time.Time) {
	fmt.Fprint(w, statusView(r, now))
}

// statusView renders r; the dashboard shows the same view.
func statusView(r *statusReport, now time.Time) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s %s\n", headerStyle.Render("instance"), r.Root)
	fmt.Fprintf(&b, "%s %s\n", headerStyle.Render("repo    "), r.Repo)

	d := r.Daemon
	switch {
	case d.FatalError != "":
		fmt.Fprintf(&b, "%s %s (pid %d): %s\n", headerStyle.Render("daemon  "), errStyle.Render("halted"), d.PID, d.FatalError)
	case d.Running:
		fmt.Fprintf(&b, "%s %s pid %d, up %s, heartbeat %s ago\n", headerStyle.Render("daemon  "), okStyle.Render("running"),
			d.PID, age(now, d.StartedAt), age(now, d.HeartbeatAt))
		if d.MalformedHooks > 0 {
			fmt.Fprintf(&b, "%s %s\n", headerStyle.Render("hooks   "), warnStyle.Render(fmt.Sprintf("%d malformed connection(s) dropped", d.MalformedHooks)))
		}
	case d.PID != 0:
		fmt.Fprintf(&b, "%s %s (pid %d no longer exists)\n", headerStyle.Render("daemon  "), errStyle.Render("dead"), d.PID)
	default:
		fmt.Fprintf(&b, "%s %s\n", headerStyle.Render("daemon  "), mutedStyle.Render("stopped"))
	}

	if o := r.Overseer; o != nil {
		style := okStyle
		if o.State != string(protocol.OverseerRunning) {
			style = warnStyle
		}
		line := fmt.Sprintf("%s pid %d, %d remediation(s)", style.Render(o.State), o.PID, o.RemediationAttempts)
		if !o.Alive {
			line = errStyle.Render("gone") + fmt.Sprintf(" (pid %d)", o.PID)
		}
		if o.LastFailure != "" {
			line += ", last failure: " + o.LastFailure
		}
		fmt.Fprintf(&b, "%s %s\n", headerStyle.Render("overseer"), line)
	} else {
		fmt.Fprintf(&b, "%s %s\n", headerStyle.Render("overseer"), mutedStyle.Render("not running"))
	}

	if r.ConfigFault != "" {
		fmt.Fprintf(&b, "%s %s\n", errStyle.Render("config fault:"), r.ConfigFault)
	}
	fmt.Fprintf(&b, "%s %d/%d\n\n", headerStyle.Render("claims  "), r.ClaimsInUse, r.ClaimLimit)

	if len(r.Workers) == 0 {
		b.WriteString(mutedStyle.Render("no workers; add some with 'llmc add <name>'") + "\n")
		return b.String()
	}

	widths := []int{12, 14, 12, 10, 40}
	row := func(cells ...string) string {
		out := make([]string, len(cells))
		for i, c := range cells {
			out[i] = cellStyle.Width(widths[i]).Render(c)
		}
		return lipgloss.JoinHorizontal(lipgloss.Top, out...)
	}
	b.WriteString(headerStyle.Render(row("WORKER", "STATE", "TASK", "IDLE", "DETAIL")) + "\n")
	for _, ws := range r.Workers {
		task := ws.TaskID
		if task == "" {
			task = "-"
		}
		fmt.Fprintf(&b, "%s\n", row(
			ws.Name,
			stateStyle(ws.State).Render(ws.State),
			clip(task, widths[2]-1),
			age(now, ws.LastEventAt),
			clip(workerDetail(ws, now), widths[4]-1),
		))
	}
	return b.String()
}

func workerDetail(ws workerStatus, now time.Time) string {
	switch {
	case ws.Error != "":
		return ws.Error
	case ws.NoSession:
		return "no tmux session"
	case ws.BackoffTill != nil:
		return "retry in " + ws.BackoffTill.Sub(now).Round(time.Second).String()
	case ws.TaskPrompt != "":
		return strings.Join(strings.Fields(ws.TaskPrompt), " ")
	}
	return ""
}

func age(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return d.Round(time.Second).String()
	case d < time.Hour:
		return d.Round(time.Minute).String()
	}
	return d.Round(time.Hour).String()
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
