package proc //nolint:testpackage // white-box tests of PID helpers

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"
)

func TestPIDFileLifecycle(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "daemon.pid")

	t.Run("write then read", func(t *testing.T) {
		if err := WritePIDFile(pidFile, 12345); err != nil {
			t.Fatalf("WritePIDFile: %v", err)
		}
		got, err := ReadPIDFile(pidFile)
		if err != nil {
			t.Fatalf("ReadPIDFile: %v", err)
		}
		if got != 12345 {
			t.Errorf("got %d, want 12345", got)
		}
	})

	t.Run("garbage is an error", func(t *testing.T) {
		if err := os.WriteFile(pidFile, []byte("nope"), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := ReadPIDFile(pidFile); err == nil {
			t.Fatal("expected parse error")
		}
	})

	t.Run("remove is idempotent", func(t *testing.T) {
		if err := RemovePIDFile(pidFile); err != nil {
			t.Fatalf("first remove: %v", err)
		}
		if err := RemovePIDFile(pidFile); err != nil {
			t.Fatalf("second remove: %v", err)
		}
	})
}

func TestCheck(t *testing.T) {
	dir := t.TempDir()

	st, pid, err := Check(filepath.Join(dir, "missing.pid"))
	if err != nil || st != StatusStopped || pid != 0 {
		t.Errorf("missing: %s %d %v", st, pid, err)
	}

	self := filepath.Join(dir, "self.pid")
	if err := WritePIDFile(self, os.Getpid()); err != nil {
		t.Fatal(err)
	}
	if st, pid, _ := Check(self); st != StatusRunning || pid != os.Getpid() {
		t.Errorf("self: %s %d", st, pid)
	}

	// PIDs this large are beyond the kernel's pid_max.
	dead := filepath.Join(dir, "dead.pid")
	if err := WritePIDFile(dead, 1<<30); err != nil {
		t.Fatal(err)
	}
	if st, _, _ := Check(dead); st != StatusStale {
		t.Errorf("dead: %s, want stale", st)
	}
}

func TestIsProcessAlive_NonPositive(t *testing.T) {
	if IsProcessAlive(0) || IsProcessAlive(-1) {
		t.Error("non-positive PIDs must not be alive")
	}
}

func TestNotifyShutdown_SIGTERMAndSIGINTEquivalent(t *testing.T) {
	for _, sig := range []syscall.Signal{syscall.SIGTERM, syscall.SIGINT} {
		t.Run(sig.String(), func(t *testing.T) {
			ctx, stop := NotifyShutdown(context.Background())
			defer stop()

			if err := syscall.Kill(os.Getpid(), sig); err != nil {
				t.Fatalf("kill: %v", err)
			}
			select {
			case <-ctx.Done():
			case <-time.After(2 * time.Second):
				t.Fatalf("%s did not cancel the context", sig)
			}
		})
	}
}
