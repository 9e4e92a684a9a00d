package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"llmc/pkg/eventlog"
)

// syncBuffer is a bytes.Buffer safe for a writer goroutine and a polling test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func seedEvents(t *testing.T) (string, *eventlog.Log) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	log, err := eventlog.Open(context.Background(), path, "daemon")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = log.Close() })
	for _, e := range []eventlog.Entry{
		{Type: eventlog.TypeTransition, Worker: "w1", TaskID: "t-1", Payload: "idle->assigned (assign)"},
		{Type: eventlog.TypeTransition, Worker: "w2", Payload: "idle->assigned (assign)"},
		{Type: eventlog.TypeAccepted, Worker: "w1", TaskID: "t-1", Payload: "merged\nabc123"},
	} {
		if err := log.Record(context.Background(), e); err != nil {
			t.Fatal(err)
		}
	}
	return path, log
}

func TestPrintEvents(t *testing.T) {
	path, _ := seedEvents(t)

	tests := []struct {
		name    string
		worker  string
		lc      logsConfig
		want    []string
		notWant []string
	}{
		{name: "all", lc: logsConfig{tail: 20}, want: []string{"w1", "w2", "accepted", "merged abc123"}},
		{name: "worker", worker: "w2", lc: logsConfig{tail: 20}, want: []string{"w2"}, notWant: []string{"w1"}},
		{name: "type", lc: logsConfig{tail: 20, eventType: eventlog.TypeAccepted}, want: []string{"accepted"}, notWant: []string{"w2"}},
		{name: "tail", lc: logsConfig{tail: 1}, want: []string{"accepted"}, notWant: []string{"w2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			if err := printEvents(context.Background(), &out, path, tt.worker, tt.lc); err != nil {
				t.Fatalf("printEvents: %v", err)
			}
			for _, w := range tt.want {
				if !strings.Contains(out.String(), w) {
					t.Errorf("output lacks %q:\n%s", w, out.String())
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(out.String(), w) {
					t.Errorf("output has %q:\n%s", w, out.String())
				}
			}
		})
	}
}

func TestPrintEvents_Chronological(t *testing.T) {
	path, _ := seedEvents(t)
	var out bytes.Buffer
	if err := printEvents(context.Background(), &out, path, "w1", logsConfig{tail: 20}); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || !strings.Contains(lines[0], "transition") || !strings.Contains(lines[1], "accepted") {
		t.Errorf("lines = %q", lines)
	}
}

func TestPrintEvents_Follow(t *testing.T) {
	path, log := seedEvents(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- printEvents(ctx, out, path, "", logsConfig{tail: 1, follow: true, poll: 10 * time.Millisecond})
	}()

	waitFor(t, func() bool { return strings.Contains(out.String(), "accepted") }, 2*time.Second)
	if err := log.Record(context.Background(), eventlog.Entry{Type: eventlog.TypeRemediation, Payload: "attempt 1"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return strings.Contains(out.String(), "attempt 1") }, 2*time.Second)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("follow returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("follow did not stop")
	}
	if n := strings.Count(out.String(), "accepted"); n != 1 {
		t.Errorf("accepted printed %d times", n)
	}
}

func TestPrintEvents_NoDatabase(t *testing.T) {
	var out bytes.Buffer
	if err := printEvents(context.Background(), &out, filepath.Join(t.TempDir(), "events.db"), "", logsConfig{tail: 5}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "no events recorded yet") {
		t.Errorf("output = %q", out.String())
	}
}

func TestFormatEntry(t *testing.T) {
	var out bytes.Buffer
	formatEntry(&out, eventlog.Entry{Type: eventlog.TypeRestart, Source: "overseer", Payload: "pid 10", CreatedAt: time.Now()})
	line := out.String()
	if !strings.Contains(line, "| -          | daemon_restart") || !strings.HasSuffix(line, "| overseer | pid 10\n") {
		t.Errorf("line = %q", line)
	}
}

func TestPrintLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.log")
	if err := os.WriteFile(path, []byte("one\ntwo\nthree\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if err := printLogFile(context.Background(), &out, path, logsConfig{tail: 2}); err != nil {
		t.Fatal(err)
	}
	if out.String() != "two\nthree\n" {
		t.Errorf("output = %q", out.String())
	}

	if err := printLogFile(context.Background(), &out, path+".missing", logsConfig{tail: 2}); err == nil {
		t.Error("missing log did not fail")
	}
}

func TestCopyAppended(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overseer.log")
	if err := os.WriteFile(path, []byte("abc"), 0o600); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer

	off, err := copyAppended(&out, path, 3)
	if err != nil || off != 3 || out.Len() != 0 {
		t.Fatalf("unchanged file: off=%d err=%v out=%q", off, err, out.String())
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString("def")
	_ = f.Close()
	off, err = copyAppended(&out, path, off)
	if err != nil || off != 6 || out.String() != "def" {
		t.Fatalf("appended: off=%d err=%v out=%q", off, err, out.String())
	}

	if err := os.WriteFile(path, []byte("xy"), 0o600); err != nil {
		t.Fatal(err)
	}
	out.Reset()
	off, err = copyAppended(&out, path, off)
	if err != nil || off != 2 || out.String() != "xy" {
		t.Errorf("truncated: off=%d err=%v out=%q", off, err, out.String())
	}
}

func TestProcessLogPath(t *testing.T) {
	inst, _ := seedStatus(t)
	if p, err := processLogPath(inst, "daemon"); err != nil || p != inst.DaemonLogPath() {
		t.Errorf("daemon = %q, %v", p, err)
	}
	if _, err := processLogPath(inst, "worker"); err == nil {
		t.Error("unknown log accepted")
	}
}
