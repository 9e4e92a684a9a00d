package main

import (
	"path/filepath"
	"strings"
	"testing"

	"llmc/pkg/instance"
	"llmc/pkg/state"
)

func TestAttachArgs(t *testing.T) {
	inst := instance.New(filepath.Join(t.TempDir(), "llmc"))
	st := &state.State{Workers: []*state.WorkerRecord{{Name: "w1", Session: inst.SessionName("w1")}}}

	tests := []struct {
		name   string
		target string
		inTmux bool
		want   string
	}{
		{name: "worker", target: "w1", want: "tmux attach-session -t " + inst.SessionName("w1").String()},
		{name: "worker inside tmux", target: "w1", inTmux: true, want: "tmux switch-client -t " + inst.SessionName("w1").String()},
		{name: "overseer", target: "overseer", want: "tmux attach-session -t " + inst.OverseerSession().String()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			argv, err := attachArgs(inst, st, tt.target, tt.inTmux)
			if err != nil {
				t.Fatalf("attachArgs: %v", err)
			}
			if got := strings.Join(argv, " "); got != tt.want {
				t.Errorf("argv = %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := attachArgs(inst, st, "w9", false); err == nil {
		t.Error("unknown worker accepted")
	}
}
