package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
sources:
  - id: counter1
    kind: counter
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Host = %q, want 0.0.0.0", cfg.Server.Host)
	}
	if cfg.Hook.Timeout != time.Second {
		t.Errorf("Hook.Timeout = %v, want 1s", cfg.Hook.Timeout)
	}
	if len(cfg.Sources) != 1 {
		t.Fatalf("len(Sources) = %d, want 1", len(cfg.Sources))
	}
	if cfg.Sources[0].Interval != time.Second {
		t.Errorf("counter interval default = %v, want 1s", cfg.Sources[0].Interval)
	}
	if !cfg.Sources[0].IsLazy() {
		t.Error("counter should default to lazy")
	}
}

func TestLoadFull(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
  host: 127.0.0.1
  push_write_timeout: 50ms
hook:
  module: hooks/filter.wasm
  timeout: 200ms
defaults:
  buffer_capacity: 16
  lag_notice_threshold: 8
sources:
  - id: counter1
    kind: counter
    min: 0
    max: 10
    interval: 100ms
  - id: logs
    kind: feed
    path: /var/log/app.jsonl
  - id: host
    kind: sysmetrics
    interval: 2s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Server.PushWriteTimeout != 50*time.Millisecond {
		t.Errorf("PushWriteTimeout = %v, want 50ms", cfg.Server.PushWriteTimeout)
	}
	if cfg.Hook.Module != "hooks/filter.wasm" || cfg.Hook.Timeout != 200*time.Millisecond {
		t.Errorf("Hook = %+v", cfg.Hook)
	}
	if cfg.Defaults.BufferCapacity != 16 || cfg.Defaults.LagNoticeThreshold != 8 {
		t.Errorf("Defaults = %+v", cfg.Defaults)
	}

	counter := cfg.Sources[0]
	if counter.Max == nil || *counter.Max != 10 {
		t.Errorf("counter max = %v, want 10", counter.Max)
	}
	if cfg.Sources[2].IsLazy() {
		t.Error("sysmetrics should default to eager")
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "MissingID",
			yaml: "sources:\n  - kind: counter\n",
		},
		{
			name: "DuplicateID",
			yaml: "sources:\n  - id: a\n    kind: counter\n  - id: a\n    kind: counter\n",
		},
		{
			name: "UnknownKind",
			yaml: "sources:\n  - id: a\n    kind: kafka\n",
		},
		{
			name: "FeedWithoutPath",
			yaml: "sources:\n  - id: a\n    kind: feed\n",
		},
		{
			name: "MaxBelowMin",
			yaml: "sources:\n  - id: a\n    kind: counter\n    min: 5\n    max: 2\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.yaml)
			if _, err := Load(path); err == nil {
				t.Error("Load succeeded, want validation error")
			}
		})
	}
}

func TestDiff(t *testing.T) {
	max := int64(5)
	old := []SourceConfig{
		{ID: "a", Kind: "counter", Interval: time.Second},
		{ID: "b", Kind: "feed", Path: "/tmp/b.jsonl", Interval: time.Second},
		{ID: "c", Kind: "sysmetrics", Interval: time.Second},
	}
	updated := []SourceConfig{
		{ID: "a", Kind: "counter", Interval: time.Second},                // unchanged
		{ID: "b", Kind: "feed", Path: "/tmp/other.jsonl", Interval: time.Second}, // changed
		{ID: "d", Kind: "counter", Interval: time.Second, Max: &max},     // new
	}

	diff := Diff(old, updated)

	wantRemoved := map[string]bool{"b": true, "c": true}
	if len(diff.Removed) != len(wantRemoved) {
		t.Fatalf("Removed = %v, want b and c", diff.Removed)
	}
	for _, id := range diff.Removed {
		if !wantRemoved[id] {
			t.Errorf("unexpected removal %q", id)
		}
	}

	wantAdded := map[string]bool{"b": true, "d": true}
	if len(diff.Added) != len(wantAdded) {
		t.Fatalf("Added = %v, want b and d", diff.Added)
	}
	for _, s := range diff.Added {
		if !wantAdded[s.ID] {
			t.Errorf("unexpected addition %q", s.ID)
		}
	}
}

func TestDiffNoChanges(t *testing.T) {
	max := int64(3)
	list := []SourceConfig{{ID: "a", Kind: "counter", Max: &max, Interval: time.Second}}
	same := []SourceConfig{{ID: "a", Kind: "counter", Max: &max, Interval: time.Second}}

	diff := Diff(list, same)
	if len(diff.Added) != 0 || len(diff.Removed) != 0 {
		t.Errorf("Diff = %+v, want empty", diff)
	}
}
