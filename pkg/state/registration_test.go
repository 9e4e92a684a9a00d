package state

import (
	"path/filepath"
	"testing"
	"time"
)

func TestDaemonRegistration_WriteReadRemove(t *testing.T) {
	p := filepath.Join(t.TempDir(), "daemon.json")

	reg, err := ReadDaemonRegistration(p)
	if err != nil || reg != nil {
		t.Fatalf("missing registration: got %+v, %v", reg, err)
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := &DaemonRegistration{PID: 4242, InstanceID: "i-1", StartedAt: now, HeartbeatAt: now}
	if err := WriteDaemonRegistration(p, in); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadDaemonRegistration(p)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.PID != 4242 || got.InstanceID != "i-1" {
		t.Errorf("got %+v", got)
	}

	if err := RemoveDaemonRegistration(p); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := RemoveDaemonRegistration(p); err != nil {
		t.Fatalf("second remove should be idempotent: %v", err)
	}
}

func TestDaemonRegistration_Fresh(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg := &DaemonRegistration{HeartbeatAt: now.Add(-10 * time.Second)}
	if !reg.Fresh(now, 30*time.Second) {
		t.Error("10s old heartbeat should be fresh under a 30s timeout")
	}
	if reg.Fresh(now, 5*time.Second) {
		t.Error("10s old heartbeat should be stale under a 5s timeout")
	}
	var missing *DaemonRegistration
	if missing.Fresh(now, time.Hour) {
		t.Error("nil registration is never fresh")
	}
}

func TestBackoffActive(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := &BackoffState{Attempt: 1, NextEligibleAt: now.Add(time.Minute)}
	if !b.Active(now) {
		t.Error("backoff should be active before next_eligible_at")
	}
	if b.Active(now.Add(time.Minute)) {
		t.Error("backoff should expire at next_eligible_at")
	}
	var none *BackoffState
	if none.Active(now) {
		t.Error("nil backoff is never active")
	}
}
