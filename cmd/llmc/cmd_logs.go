package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"llmc/pkg/eventlog"
	"llmc/pkg/instance"
)

// logsConfig holds the flags of `llmc logs`.
type logsConfig struct {
	tail      int
	eventType string
	follow    bool
	file      string
	poll      time.Duration
}

// newLogsCmd creates the "llmc logs" subcommand.
func newLogsCmd() *cobra.Command {
	lc := logsConfig{poll: time.Second}

	cmd := &cobra.Command{
		Use:   "logs [worker]",
		Short: "Query and tail the event log",
		Long: "Shows recent entries of the instance event log, optionally for one worker.\n" +
			"--file daemon|overseer shows the raw process log instead.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inst, err := instance.Resolve()
			if err != nil {
				return err
			}
			var worker string
			if len(args) == 1 {
				worker = args[0]
			}
			w := cmd.OutOrStdout()

			if lc.file != "" {
				if worker != "" {
					return errors.New("--file does not take a worker")
				}
				path, err := processLogPath(inst, lc.file)
				if err != nil {
					return err
				}
				return printLogFile(cmd.Context(), w, path, lc)
			}
			return printEvents(cmd.Context(), w, inst.EventsDBPath, worker, lc)
		},
	}

	cmd.Flags().IntVar(&lc.tail, "tail", 20, "number of recent entries to show")
	cmd.Flags().StringVar(&lc.eventType, "type", "", "only show entries of this type (e.g. transition, remediation)")
	cmd.Flags().BoolVarP(&lc.follow, "follow", "f", false, "keep printing new entries")
	cmd.Flags().StringVar(&lc.file, "file", "", "show the raw daemon or overseer log")

	return cmd
}

func processLogPath(inst *instance.Instance, which string) (string, error) {
	switch which {
	case "daemon":
		return inst.DaemonLogPath(), nil
	case "overseer":
		return inst.OverseerLogPath(), nil
	}
	return "", fmt.Errorf("unknown log %q (want daemon or overseer)", which)
}

// printEvents prints the last lc.tail entries oldest first, then with
// lc.follow polls for newer ones until ctx ends.
func printEvents(ctx context.Context, w io.Writer, dbPath, worker string, lc logsConfig) error {
	if _, err := os.Stat(dbPath); errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(w, "no events recorded yet")
		return nil
	}
	r, err := eventlog.NewReader(dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	opts := eventlog.QueryOpts{Worker: worker, Type: lc.eventType, Limit: lc.tail}
	entries, err := r.Query(ctx, opts)
	if err != nil {
		return err
	}
	if len(entries) == 0 && !lc.follow {
		fmt.Fprintln(w, "no events found")
		return nil
	}
	last := writeEntries(w, entries)
	if !lc.follow {
		return nil
	}

	ticker := time.NewTicker(lc.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		opts.AfterID, opts.Limit = last, 0
		entries, err := r.Query(ctx, opts)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if len(entries) > 0 {
			last = writeEntries(w, entries)
		}
	}
}

// writeEntries prints newest-first entries in chronological order and returns
// the highest id.
func writeEntries(w io.Writer, entries []eventlog.Entry) int64 {
	var last int64
	for _, e := range slices.Backward(entries) {
		formatEntry(w, e)
		last = max(last, e.ID)
	}
	return last
}

// formatEntry writes one entry as
// timestamp | worker | type | task | source | payload.
func formatEntry(w io.Writer, e eventlog.Entry) {
	worker := e.Worker
	if worker == "" {
		worker = "-"
	}
	task := e.TaskID
	if task == "" {
		task = "-"
	}
	fmt.Fprintf(w, "%s | %-10s | %-15s | %-12s | %-8s | %s\n",
		e.CreatedAt.Local().Format("2006-01-02 15:04:05"), worker, e.Type, task, e.Source,
		strings.ReplaceAll(e.Payload, "\n", " "))
}

// printLogFile prints the last lc.tail lines of path, then with lc.follow
// prints what is appended, starting over when the file shrinks.
func printLogFile(ctx context.Context, w io.Writer, path string, lc logsConfig) error {
	data, err := os.ReadFile(path) //nolint:gosec // path is one of the instance's own logs
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("no log at %s", path)
		}
		return fmt.Errorf("read log: %w", err)
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if len(lines) > lc.tail {
		lines = lines[len(lines)-lc.tail:]
	}
	for _, line := range lines {
		if line != "" {
			fmt.Fprintln(w, line)
		}
	}
	if !lc.follow {
		return nil
	}

	offset := int64(len(data))
	ticker := time.NewTicker(lc.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		offset, err = copyAppended(w, path, offset)
		if err != nil {
			return err
		}
	}
}

// copyAppended copies bytes of path past offset to w and returns the new
// offset. A missing file is waited for.
func copyAppended(w io.Writer, path string, offset int64) (int64, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return offset, nil
	}
	if err != nil {
		return offset, fmt.Errorf("stat log: %w", err)
	}
	size := info.Size()
	if size < offset {
		offset = 0
	}
	if size == offset {
		return offset, nil
	}

	f, err := os.Open(path) //nolint:gosec // path is one of the instance's own logs
	if err != nil {
		return offset, fmt.Errorf("open log: %w", err)
	}
	defer func() { _ = f.Close() }()
	n, err := io.Copy(w, io.NewSectionReader(f, offset, size-offset))
	if err != nil {
		return offset + n, fmt.Errorf("read log: %w", err)
	}
	return offset + n, nil
}
