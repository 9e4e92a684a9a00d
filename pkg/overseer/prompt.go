package overseer

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"llmc/pkg/state"
)

const (
	promptLogLines    = 100
	maxLogSectionSize = 50_000
	maxPromptField    = 500
)

// PromptContext is everything the remediation agent is told about a failure.
type PromptContext struct {
	Instructions           string
	Failure                HealthStatus
	Attempt                int
	Registration           *state.DaemonRegistration
	State                  *state.State
	StateErr               error
	RepoPath               string
	GitStatus              string
	LogPath                string
	LogTail                []string
	ManualInterventionPath string
}

// BuildRemediationPrompt assembles the prompt for the remediation agent:
// operator instructions, the failure and its context, then how to finish.
func BuildRemediationPrompt(pc PromptContext) string {
	var b strings.Builder
	writeInstructions(&b, pc)
	writeFailure(&b, pc)
	writeRegistration(&b, pc.Registration)
	writeWorkers(&b, pc)
	writeGitStatus(&b, pc)
	writeLogTail(&b, pc)
	writeRecovery(&b, pc)
	return b.String()
}

func writeInstructions(b *strings.Builder, pc PromptContext) {
	b.WriteString("# Remediation Instructions\n\n")
	b.WriteString("You are the remediation agent for an llmc instance. The daemon that drives the worker fleet has failed ")
	fmt.Fprintf(b, "and has been stopped (remediation attempt %d).\n\n", pc.Attempt)
	if pc.Instructions != "" {
		b.WriteString(strings.TrimSpace(pc.Instructions))
		b.WriteString("\n\n")
	}
}

func writeFailure(b *strings.Builder, pc PromptContext) {
	b.WriteString("# Error Context\n\n## Failure\n\n")
	fmt.Fprintf(b, "Status: **%s**\n\n%s\n\n", pc.Failure.Condition, pc.Failure.Describe())

	switch pc.Failure.Condition {
	case ProcessGone:
		b.WriteString("The daemon process no longer exists. It may have crashed, been killed externally, or run out of resources.\n\n")
	case HeartbeatStale:
		b.WriteString("The daemon stopped refreshing its heartbeat. It may be hung or unable to write to the instance directory.\n\n")
	case DaemonFatal:
		b.WriteString("The daemon halted itself on a structural fault, usually configuration, the task pool command, or a corrupt state file.\n\n")
	case LogError:
		b.WriteString("The daemon logged an error. Review the log excerpt below for context.\n\n")
	case Stalled:
		b.WriteString("No task has been accepted for a long time. Workers may be stuck, the task pool may be empty, or acceptance may be blocked.\n\n")
	case IdentityMismatch:
		b.WriteString("The running daemon is not the one the overseer started. It restarted unexpectedly or its pid was reused.\n\n")
	}
}

func writeRegistration(b *strings.Builder, reg *state.DaemonRegistration) {
	b.WriteString("## Daemon Registration\n\n")
	if reg == nil {
		b.WriteString("(no registration file)\n\n")
		return
	}
	fmt.Fprintf(b, "- PID: %d\n", reg.PID)
	fmt.Fprintf(b, "- Instance ID: %s\n", reg.InstanceID)
	fmt.Fprintf(b, "- Started: %s\n", reg.StartedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(b, "- Last heartbeat: %s\n", reg.HeartbeatAt.UTC().Format(time.RFC3339))
	if !reg.LastTaskCompletedAt.IsZero() {
		fmt.Fprintf(b, "- Last task completed: %s\n", reg.LastTaskCompletedAt.UTC().Format(time.RFC3339))
	}
	if reg.FatalError != "" {
		fmt.Fprintf(b, "- Fatal error: %s\n", reg.FatalError)
	}
	b.WriteString("\n")
}

func writeWorkers(b *strings.Builder, pc PromptContext) {
	b.WriteString("## Worker States\n\n")
	if pc.StateErr != nil {
		fmt.Fprintf(b, "(failed to load state: %v)\n\n", pc.StateErr)
		return
	}
	if pc.State == nil || len(pc.State.Workers) == 0 {
		b.WriteString("(no workers)\n\n")
		return
	}
	for _, w := range pc.State.Workers {
		fmt.Fprintf(b, "### %s\n", w.Name)
		fmt.Fprintf(b, "- State: %s\n", w.State)
		fmt.Fprintf(b, "- Worktree: %s\n", w.Worktree)
		fmt.Fprintf(b, "- Branch: %s\n", w.Branch)
		if w.TaskID != "" {
			fmt.Fprintf(b, "- Task: %s: %s\n", w.TaskID, truncate(w.TaskPrompt, maxPromptField))
		}
		if w.ErrorReason != "" {
			fmt.Fprintf(b, "- Error: %s\n", w.ErrorReason)
		}
		if w.Backoff != nil {
			fmt.Fprintf(b, "- Backoff: attempt %d until %s (%s)\n", w.Backoff.Attempt,
				w.Backoff.NextEligibleAt.UTC().Format(time.RFC3339), w.Backoff.Reason)
		}
		fmt.Fprintf(b, "- Crash count: %d\n\n", w.CrashCount)
	}
	if pc.State.ConfigFault != "" {
		fmt.Fprintf(b, "Config fault: %s\n\n", pc.State.ConfigFault)
	}
}

func writeGitStatus(b *strings.Builder, pc PromptContext) {
	fmt.Fprintf(b, "## Git Status\n\nRepository: %s\n\n", pc.RepoPath)
	switch {
	case strings.TrimSpace(pc.GitStatus) == "":
		b.WriteString("```\n(clean)\n```\n\n")
	default:
		fmt.Fprintf(b, "```\n%s\n```\n\n", truncate(strings.TrimSpace(pc.GitStatus), 5000))
	}
}

func writeLogTail(b *strings.Builder, pc PromptContext) {
	fmt.Fprintf(b, "## Daemon Log (%s)\n\n", pc.LogPath)
	if len(pc.LogTail) == 0 {
		b.WriteString("(empty)\n\n")
		return
	}
	fmt.Fprintf(b, "```\n%s\n```\n\n", truncate(strings.Join(pc.LogTail, "\n"), maxLogSectionSize))
}

func writeRecovery(b *strings.Builder, pc PromptContext) {
	b.WriteString("# Recovery Instructions\n\n")
	b.WriteString("Investigate the root cause, fix it, then finish your turn. The overseer restarts the daemon when you stop.\n\n")
	b.WriteString("If the problem cannot be fixed without a human, write an explanation of what went wrong and what needs to be done to:\n\n")
	fmt.Fprintf(b, "    %s\n\n", pc.ManualInterventionPath)
	b.WriteString("The overseer stops when that file exists.\n\n")
	b.WriteString("Do not kill tmux sessions, do not delete the state file, and do not push.\n")
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "... (truncated)"
}
