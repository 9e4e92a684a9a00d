// Package accept decides when a reviewed worker's commits land on the base
// branch. A dirty source repository blocks the worker under exponential
// backoff; a clean one gets a rebase and fast-forward merge.
package accept

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"llmc/pkg/merge"
	"llmc/pkg/protocol"
	"llmc/pkg/registry"
	"llmc/pkg/state"
)

// RepoStatus reports whether the source repository can take a merge.
type RepoStatus interface {
	Clean(ctx context.Context) (clean bool, detail string, err error)
}

// Merger lands a worker branch on the base branch.
type Merger interface {
	Merge(ctx context.Context, opts merge.Opts) (*merge.Result, error)
}

// CommandRunner runs the post-accept command.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Decision is what Evaluate did with a worker.
type Decision string

const (
	DecisionSkipped   Decision = "skipped"    // not in review, or backoff active
	DecisionBlocked   Decision = "blocked"    // repository dirty
	DecisionAccepted  Decision = "accepted"   // merged
	DecisionNoChanges Decision = "no_changes" // nothing to merge
	DecisionFailed    Decision = "failed"     // worker moved to error
	DecisionRetry     Decision = "retry"      // merge failed transiently, back to review
)

// Outcome describes one Evaluate call.
type Outcome struct {
	Worker    string
	Decision  Decision
	CommitSHA string
	Err       error
}

// Options configures a Policy.
type Options struct {
	RepoRoot          string
	BaseBranch        string
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	PostAcceptCommand string
	// Now replaces the wall clock when set.
	Now func() time.Time
}

// Policy runs acceptance for workers in review.
type Policy struct {
	store    *state.Store
	reg      *registry.Registry
	repo     RepoStatus
	merger   Merger
	runner   CommandRunner
	opts     Options
	logger   zerolog.Logger
	observer registry.Observer

	// OnAccepted is called after a successful merge.
	OnAccepted func(worker string, at time.Time)

	nowFunc func() time.Time
}

// New returns a Policy. runner may be nil when no post-accept command is set.
func New(store *state.Store, reg *registry.Registry, repo RepoStatus, merger Merger, runner CommandRunner, opts Options, logger zerolog.Logger, observer registry.Observer) *Policy {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Policy{
		store:    store,
		reg:      reg,
		repo:     repo,
		merger:   merger,
		runner:   runner,
		opts:     opts,
		logger:   logger,
		observer: observer,
		nowFunc:  now,
	}
}

// Delay is the backoff before acceptance attempt+1: base doubled per prior
// attempt, capped at limit.
func Delay(attempt int, base, limit time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}

// Evaluate runs acceptance for the named worker. Git work happens outside
// the state lock; each resulting transition is applied in its own WithLock
// after checking the worker has not moved on in the meantime. The returned
// error is reserved for state store failures.
func (p *Policy) Evaluate(ctx context.Context, name string) (Outcome, error) {
	out := Outcome{Worker: name, Decision: DecisionSkipped}

	st, err := p.store.Snapshot()
	if err != nil {
		return out, err
	}
	w := st.Worker(name)
	if w == nil || w.State != protocol.WorkerNeedsReview || w.Backoff.Active(p.nowFunc()) {
		return out, nil
	}

	clean, detail, err := p.repo.Clean(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Str("worker", name).Msg("repository status check failed")
		out.Err = err
		return out, nil
	}
	if !clean {
		return p.block(ctx, name, detail)
	}

	var opts merge.Opts
	if err := p.mutate(ctx, func(st *state.State, now time.Time) (registry.Transition, error) {
		w := st.Worker(name)
		if w == nil || w.State != protocol.WorkerNeedsReview {
			return registry.Transition{}, errMovedOn
		}
		opts = merge.Opts{
			RepoRoot:   p.opts.RepoRoot,
			BaseBranch: p.opts.BaseBranch,
			Branch:     w.Branch,
			Worktree:   w.Worktree,
			Worker:     name,
		}
		return p.reg.BeginAccept(st, name, now)
	}); err != nil {
		if errors.Is(err, errMovedOn) {
			return out, nil
		}
		return out, err
	}

	res, mergeErr := p.merger.Merge(ctx, opts)
	if mergeErr != nil {
		return p.mergeFailed(ctx, name, mergeErr)
	}

	if err := p.mutate(ctx, func(st *state.State, now time.Time) (registry.Transition, error) {
		return p.reg.CompleteAccept(st, name, now)
	}); err != nil {
		return out, err
	}

	if res.NoChanges {
		out.Decision = DecisionNoChanges
		p.logger.Info().Str("worker", name).Msg("nothing to accept")
		return out, nil
	}

	out.Decision = DecisionAccepted
	out.CommitSHA = res.CommitSHA
	p.logger.Info().Str("worker", name).Str("sha", res.CommitSHA).Msg("accepted")
	if p.OnAccepted != nil {
		p.OnAccepted(name, p.nowFunc())
	}
	p.postAccept(ctx, name)
	return out, nil
}

var errMovedOn = errors.New("worker moved on")

func (p *Policy) block(ctx context.Context, name, detail string) (Outcome, error) {
	out := Outcome{Worker: name, Decision: DecisionSkipped}
	var dirty *protocol.DirtyRepositoryError
	err := p.mutate(ctx, func(st *state.State, now time.Time) (registry.Transition, error) {
		w := st.Worker(name)
		if w == nil || w.State != protocol.WorkerNeedsReview {
			return registry.Transition{}, errMovedOn
		}
		attempt := 1
		if w.Backoff != nil {
			attempt = w.Backoff.Attempt + 1
		}
		next := now.Add(Delay(attempt, p.opts.BackoffBase, p.opts.BackoffMax))
		if w.Backoff != nil && next.Before(w.Backoff.NextEligibleAt) {
			next = w.Backoff.NextEligibleAt
		}
		dirty = &protocol.DirtyRepositoryError{Worker: name, Detail: detail, Attempt: attempt, RetryAt: next}
		return p.reg.Block(st, name, state.BackoffState{Attempt: attempt, NextEligibleAt: next, Reason: detail}, now)
	})
	if errors.Is(err, errMovedOn) {
		return out, nil
	}
	if err != nil {
		return out, err
	}
	p.logger.Warn().Str("worker", name).Int("attempt", dirty.Attempt).
		Time("retry_at", dirty.RetryAt).Str("detail", detail).Msg("repository dirty, acceptance deferred")
	out.Decision = DecisionBlocked
	out.Err = dirty
	return out, nil
}

func (p *Policy) mergeFailed(ctx context.Context, name string, mergeErr error) (Outcome, error) {
	out := Outcome{Worker: name, Err: mergeErr}

	var conflict *merge.ConflictError
	if errors.As(mergeErr, &conflict) {
		reason := "rebase conflict"
		if len(conflict.Files) > 0 {
			reason += ": " + strings.Join(conflict.Files, ", ")
		}
		out.Decision = DecisionFailed
		p.logger.Error().Str("worker", name).Strs("files", conflict.Files).Msg("acceptance hit a rebase conflict")
		return out, p.mutate(ctx, func(st *state.State, now time.Time) (registry.Transition, error) {
			return p.reg.Fail(st, name, reason, now)
		})
	}

	out.Decision = DecisionRetry
	p.logger.Warn().Err(mergeErr).Str("worker", name).Msg("acceptance failed, worker returned to review")
	return out, p.mutate(ctx, func(st *state.State, now time.Time) (registry.Transition, error) {
		t, _, err := p.reg.Reconcile(st, name, true, now)
		return t, err
	})
}

func (p *Policy) postAccept(ctx context.Context, name string) {
	if p.opts.PostAcceptCommand == "" || p.runner == nil {
		return
	}
	if out, err := p.runner.Run(ctx, "sh", "-c", p.opts.PostAcceptCommand); err != nil {
		p.logger.Warn().Err(err).Str("worker", name).Str("output", strings.TrimSpace(string(out))).
			Msg("post-accept command failed")
	}
}

// mutate applies fn under the state lock and notifies the observer of the
// resulting transition once it is on disk.
func (p *Policy) mutate(ctx context.Context, fn func(*state.State, time.Time) (registry.Transition, error)) error {
	var t registry.Transition
	err := p.store.WithLock(ctx, func(st *state.State) error {
		var err error
		t, err = fn(st, p.nowFunc())
		return err
	})
	if err != nil {
		if errors.Is(err, errMovedOn) {
			return err
		}
		return fmt.Errorf("apply acceptance transition: %w", err)
	}
	p.observer.Notify(t)
	return nil
}
