package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"llmc/pkg/config"
	"llmc/pkg/eventlog"
	"llmc/pkg/instance"
)

// loadInstance resolves the instance from the environment and loads its
// configuration.
func loadInstance() (*instance.Instance, config.Config, error) {
	inst, err := instance.Resolve()
	if err != nil {
		return nil, config.Config{}, err
	}
	cfg, err := config.Load(inst.ConfigPath)
	if err != nil {
		return nil, config.Config{}, err
	}
	return inst, cfg, nil
}

// selfBinary is the absolute path of the running llmc executable, which hook
// settings and the overseer's daemon spawner invoke.
func selfBinary() string {
	exe, err := os.Executable()
	if err != nil {
		return "llmc"
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		return resolved
	}
	return exe
}

// recordCLIEvent appends an operator action to the event log. A missing or
// busy log never fails the command.
func recordCLIEvent(inst *instance.Instance, e eventlog.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events, err := eventlog.Open(ctx, inst.EventsDBPath, "cli")
	if err != nil {
		return
	}
	defer func() { _ = events.Close() }()
	_ = events.Record(ctx, e)
}
