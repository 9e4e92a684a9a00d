package main

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/fsnotify/fsnotify"

	"llmc/pkg/config"
	"llmc/pkg/instance"
)

const (
	dashboardRefresh  = 2 * time.Second
	watchDebounceTime = 100 * time.Millisecond
)

// tickMsg triggers the periodic refresh.
type tickMsg time.Time

// fsChangeMsg is sent when a file in the instance root changed.
type fsChangeMsg struct{}

// reportMsg carries a fresh status report, or the error collecting it.
type reportMsg struct {
	report *statusReport
	err    error
}

// dashboardModel is the `llmc status --watch` view.
type dashboardModel struct {
	collect func() (*statusReport, error)
	watcher *fsnotify.Watcher
	spinner spinner.Model
	report  *statusReport
	err     error
	updated time.Time
	now     func() time.Time
}

func newDashboardModel(collect func() (*statusReport, error), watcher *fsnotify.Watcher) dashboardModel {
	sp := spinner.New()
	sp.Spinner = spinner.MiniDot
	sp.Style = mutedStyle
	return dashboardModel{collect: collect, watcher: watcher, spinner: sp, now: time.Now}
}

func tickCmd() tea.Cmd {
	return tea.Tick(dashboardRefresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m dashboardModel) fetchCmd() tea.Cmd {
	return func() tea.Msg {
		r, err := m.collect()
		return reportMsg{report: r, err: err}
	}
}

// Init implements tea.Model.
func (m dashboardModel) Init() tea.Cmd {
	return tea.Batch(m.fetchCmd(), tickCmd(), m.spinner.Tick, waitForChange(m.watcher))
}

// Update implements tea.Model.
func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, m.fetchCmd()
		}
	case tickMsg:
		return m, tea.Batch(m.fetchCmd(), tickCmd())
	case fsChangeMsg:
		return m, tea.Batch(m.fetchCmd(), waitForChange(m.watcher))
	case reportMsg:
		m.err = msg.err
		if msg.err == nil {
			m.report = msg.report
			m.updated = m.now()
		}
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model.
func (m dashboardModel) View() string {
	if m.report == nil {
		if m.err != nil {
			return errStyle.Render("error: "+m.err.Error()) + "\n"
		}
		return m.spinner.View() + " loading…\n"
	}
	now := m.now()
	footer := fmt.Sprintf("%s updated %s ago · r refresh · q quit", m.spinner.View(), age(now, m.updated))
	if m.err != nil {
		footer = errStyle.Render("refresh failed: "+m.err.Error()) + "\n" + footer
	}
	return statusView(m.report, now) + "\n" + mutedStyle.Render(footer) + "\n"
}

// runDashboard shows the live status view until the user quits or ctx ends.
func runDashboard(ctx context.Context, inst *instance.Instance, cfg config.Config) error {
	watcher := watchRoot(inst.Root)
	if watcher != nil {
		defer func() { _ = watcher.Close() }()
	}
	collect := func() (*statusReport, error) { return collectLiveStatus(inst, cfg) }

	p := tea.NewProgram(newDashboardModel(collect, watcher), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

// watchRoot watches the instance root, where the state file and daemon
// registration live. Nil means polling only.
func watchRoot(root string) *fsnotify.Watcher {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil
	}
	if err := watcher.Add(root); err != nil {
		_ = watcher.Close()
		return nil
	}
	return watcher
}

// waitForChange returns an fsChangeMsg once a burst of file events has
// settled. It returns nil for a nil watcher.
func waitForChange(watcher *fsnotify.Watcher) tea.Cmd {
	if watcher == nil {
		return nil
	}
	return func() tea.Msg {
		timer := time.NewTimer(0)
		if !timer.Stop() {
			<-timer.C
		}
		defer timer.Stop()
		for {
			select {
			case _, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(watchDebounceTime)
			case <-timer.C:
				return fsChangeMsg{}
			case _, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
			}
		}
	}
}
