package main

import (
	"context"
	"fmt"
	"time"

	"llmc/pkg/config"
	"llmc/pkg/eventlog"
	"llmc/pkg/hooks"
	"llmc/pkg/instance"
	"llmc/pkg/merge"
	"llmc/pkg/protocol"
	"llmc/pkg/registry"
	"llmc/pkg/state"
)

// sessionKiller is the part of the terminal sender worker removal needs.
type sessionKiller interface {
	HasSession(name protocol.TerminalSessionName) bool
	KillSession(name protocol.TerminalSessionName) error
}

// provisioner creates and tears down workers: worktree, agent hook settings
// and the state record. The daemon starts the terminal session on its next
// patrol.
type provisioner struct {
	inst      *instance.Instance
	store     *state.Store
	reg       *registry.Registry
	worktrees *merge.Worktrees
	binary    string
	nowFunc   func() time.Time
}

func newProvisioner(inst *instance.Instance, cfg config.Config, git merge.GitRunner, binary string) *provisioner {
	return &provisioner{
		inst:      inst,
		store:     state.NewStore(inst.StatePath, inst.LockPath),
		reg:       registry.New("cli"),
		worktrees: merge.NewWorktrees(git, cfg.Repo.Path, cfg.Repo.BaseBranch),
		binary:    binary,
		nowFunc:   time.Now,
	}
}

// add provisions worker name and returns its record.
func (p *provisioner) add(ctx context.Context, name string) (state.WorkerRecord, error) {
	if err := protocol.ValidateWorkerName(name); err != nil {
		return state.WorkerRecord{}, err
	}
	st, err := p.store.Snapshot()
	if err != nil {
		return state.WorkerRecord{}, err
	}
	if st.Worker(name) != nil {
		return state.WorkerRecord{}, fmt.Errorf("worker %q already exists", name)
	}

	path := p.inst.WorktreePath(name)
	branch := protocol.BranchPrefix + name
	if err := p.worktrees.Create(ctx, path, branch); err != nil {
		return state.WorkerRecord{}, err
	}
	if err := hooks.WriteAgentSettings(path, p.binary, p.inst.Root); err != nil {
		_ = p.worktrees.Remove(ctx, path, branch)
		return state.WorkerRecord{}, err
	}

	var rec state.WorkerRecord
	err = p.store.WithLock(ctx, func(st *state.State) error {
		w, err := p.reg.AddWorker(st, name, p.inst.SessionName(name), path, branch, p.nowFunc())
		if err != nil {
			return err
		}
		rec = *w
		return nil
	})
	if err != nil {
		_ = p.worktrees.Remove(ctx, path, branch)
		return state.WorkerRecord{}, err
	}
	recordCLIEvent(p.inst, eventlog.Entry{Type: eventlog.TypeTransition, Worker: name, Payload: "added"})
	return rec, nil
}

// removeOptions controls remove.
type removeOptions struct {
	force        bool // remove even while the worker holds a task
	keepWorktree bool
}

// remove kills the worker's session, drops its record and claim, and deletes
// its worktree and branch.
func (p *provisioner) remove(ctx context.Context, name string, term sessionKiller, opts removeOptions) error {
	var removed state.WorkerRecord
	err := p.store.WithLock(ctx, func(st *state.State) error {
		w := st.Worker(name)
		if w == nil {
			return fmt.Errorf("worker %q not found", name)
		}
		if !opts.force && busy(w.State) {
			return fmt.Errorf("worker %s is %s; pass --force to remove it anyway", name, w.State)
		}
		removed = *w
		return p.reg.RemoveWorker(st, name)
	})
	if err != nil {
		return err
	}

	if term.HasSession(removed.Session) {
		if err := term.KillSession(removed.Session); err != nil {
			return fmt.Errorf("worker %s removed but its session survived: %w", name, err)
		}
	}
	if !opts.keepWorktree {
		if err := p.worktrees.Remove(ctx, removed.Worktree, removed.Branch); err != nil {
			return fmt.Errorf("worker %s removed but its worktree survived: %w", name, err)
		}
	}
	recordCLIEvent(p.inst, eventlog.Entry{Type: eventlog.TypeTransition, Worker: name, TaskID: removed.TaskID, Payload: "removed"})
	return nil
}

func busy(s protocol.WorkerState) bool {
	switch s {
	case protocol.WorkerAssigned, protocol.WorkerWorking, protocol.WorkerNeedsReview, protocol.WorkerAccepting:
		return true
	}
	return false
}
