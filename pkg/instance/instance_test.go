package instance

import (
	"path/filepath"
	"strings"
	"testing"

	"llmc/pkg/protocol"
)

func TestNew_DerivesPathsUnderRoot(t *testing.T) {
	root := t.TempDir()
	inst := New(root)

	for name, p := range map[string]string{
		"socket":       inst.SocketPath,
		"remediation":  inst.RemediationSocketPath,
		"state":        inst.StatePath,
		"lock":         inst.LockPath,
		"registration": inst.RegistrationPath,
		"events":       inst.EventsDBPath,
		"config":       inst.ConfigPath,
	} {
		if filepath.Dir(p) != root {
			t.Errorf("%s path %s not under root %s", name, p, root)
		}
	}
	if inst.SocketPath == inst.RemediationSocketPath {
		t.Fatal("remediation socket must differ from daemon socket")
	}
}

func TestNew_DistinctRootsDistinctPrefixes(t *testing.T) {
	a := New(filepath.Join(t.TempDir(), "a"))
	b := New(filepath.Join(t.TempDir(), "b"))
	if a.SessionPrefix == b.SessionPrefix {
		t.Fatalf("instances share session prefix %q", a.SessionPrefix)
	}
	if New(a.Root).SessionPrefix != a.SessionPrefix {
		t.Fatal("session prefix must be deterministic in root")
	}
	if !strings.HasPrefix(a.SessionPrefix, protocol.DefaultSessionPrefix) {
		t.Errorf("prefix %q should start with %q", a.SessionPrefix, protocol.DefaultSessionPrefix)
	}
}

func TestResolve_UsesEnvRoot(t *testing.T) {
	root := t.TempDir()
	t.Setenv(protocol.EnvRoot, root)
	t.Setenv(protocol.EnvSessionPrefix, "")

	inst, err := Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if inst.Root != root {
		t.Errorf("root = %s, want %s", inst.Root, root)
	}
}

func TestResolve_SessionPrefixOverride(t *testing.T) {
	t.Setenv(protocol.EnvRoot, t.TempDir())
	t.Setenv(protocol.EnvSessionPrefix, "test-")

	inst, err := Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := inst.SessionName("w1").String(); got != "test-w1" {
		t.Errorf("session name = %q, want test-w1", got)
	}
	if got := inst.OverseerSession().String(); got != "test-overseer" {
		t.Errorf("overseer session = %q, want test-overseer", got)
	}
}
