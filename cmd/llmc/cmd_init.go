package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"llmc/pkg/config"
	"llmc/pkg/instance"
	"llmc/pkg/merge"
)

// initOptions holds the flags of `llmc init`.
type initOptions struct {
	repo       string
	baseBranch string
	taskPool   string
	postAccept string
	claimLimit int
	workers    int
	force      bool
	agentCmd   string
}

// newInitCmd creates the "llmc init" subcommand.
func newInitCmd() *cobra.Command {
	var opts initOptions

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create an instance for a repository",
		Long: "Creates the instance directory (LLMC_ROOT, default ~/llmc), writes config.toml\n" +
			"for the repository and optionally provisions workers w1..wN.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			inst, err := instance.Resolve()
			if err != nil {
				return err
			}
			return runInit(cmd.Context(), cmd.OutOrStdout(), inst, opts, &merge.ExecGitRunner{}, selfBinary())
		},
	}

	cmd.Flags().StringVar(&opts.repo, "repo", ".", "path inside the git repository workers integrate into")
	cmd.Flags().StringVar(&opts.baseBranch, "base-branch", "", "branch finished work is merged into (default: the repository's current branch)")
	cmd.Flags().StringVar(&opts.taskPool, "task-pool-command", "", "shell command that prints the next task (required)")
	cmd.Flags().StringVar(&opts.postAccept, "post-accept-command", "", "shell command run in the repository after each accepted task")
	cmd.Flags().IntVar(&opts.claimLimit, "claim-limit", 0, "maximum tasks held at once (default: the number of workers)")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "number of workers to provision")
	cmd.Flags().StringVar(&opts.agentCmd, "agent-command", "", "command that starts a coding agent in a session")
	cmd.Flags().BoolVar(&opts.force, "force", false, "overwrite an existing config.toml")

	return cmd
}

// runInit writes the instance configuration and provisions workers.
func runInit(ctx context.Context, w io.Writer, inst *instance.Instance, opts initOptions, git merge.GitRunner, binary string) error {
	if opts.taskPool == "" {
		return errors.New("--task-pool-command is required")
	}
	if _, err := os.Stat(inst.ConfigPath); err == nil && !opts.force {
		return fmt.Errorf("%s already exists; pass --force to overwrite it", inst.ConfigPath)
	}

	repo, err := filepath.Abs(opts.repo)
	if err != nil {
		return fmt.Errorf("resolve --repo: %w", err)
	}
	top, stderr, err := git.Run(ctx, repo, "rev-parse", "--show-toplevel")
	if err != nil {
		return fmt.Errorf("%s is not inside a git repository: %s", repo, strings.TrimSpace(stderr))
	}
	repo = strings.TrimSpace(top)

	base := opts.baseBranch
	if base == "" {
		out, _, err := git.Run(ctx, repo, "rev-parse", "--abbrev-ref", "HEAD")
		base = strings.TrimSpace(out)
		if err != nil || base == "" || base == "HEAD" {
			return errors.New("cannot determine the current branch; pass --base-branch")
		}
	}

	cfg := config.Config{
		Repo:    config.RepoConfig{Path: repo, BaseBranch: base},
		Workers: config.WorkersConfig{ClaimLimit: opts.claimLimit, AgentCommand: opts.agentCmd},
		Tasks:   config.TasksConfig{TaskPoolCommand: opts.taskPool, PostAcceptCommand: opts.postAccept},
	}.WithDefaults()
	if opts.claimLimit == 0 && opts.workers > 1 {
		cfg.Workers.ClaimLimit = opts.workers
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := inst.Bootstrap(); err != nil {
		return err
	}
	if err := config.Save(inst.ConfigPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(w, "initialized %s for %s (base branch %s)\n", inst.Root, repo, base)

	p := newProvisioner(inst, cfg, git, binary)
	for i := 1; i <= opts.workers; i++ {
		name := fmt.Sprintf("w%d", i)
		rec, err := p.add(ctx, name)
		if err != nil {
			return fmt.Errorf("add worker %s: %w", name, err)
		}
		fmt.Fprintf(w, "added worker %s (%s on %s)\n", rec.Name, rec.Worktree, rec.Branch)
	}

	fmt.Fprintln(w, "next: run 'llmc overseer' to start the daemon under supervision")
	return nil
}
