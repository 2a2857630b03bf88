package config

import (
	"os"
	"path/filepath"
	"testing"

	"pulsewire/internal/filter"
)

const sampleProfile = `
channels:
  - alerts
  - metrics
channel_groups:
  - ops
presence: true
heartbeat: true
cursor: "17000000000000000"
logic: and
filters:
  - target: data
    field: status
    operator: "=="
    value: active
    type: string
    logic_after: or
  - target: meta
    field: priority
    operator: ">"
    value: "5"
    type: number
`

func writeProfile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profile.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	return path
}

func TestLoadProfile(t *testing.T) {
	profile, err := LoadProfile(writeProfile(t, sampleProfile))
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if len(profile.Channels) != 2 || profile.Channels[0] != "alerts" {
		t.Fatalf("channels = %v", profile.Channels)
	}
	if !profile.Presence {
		t.Fatalf("presence = false, want true")
	}
	if len(profile.Filters) != 2 {
		t.Fatalf("filters = %d, want 2", len(profile.Filters))
	}
}

func TestLoadProfile_MissingFile(t *testing.T) {
	if _, err := LoadProfile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("err = nil, want read failure")
	}
}

func TestSessionConfig(t *testing.T) {
	profile, err := LoadProfile(writeProfile(t, sampleProfile))
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	cfg, err := profile.SessionConfig(300)
	if err != nil {
		t.Fatalf("SessionConfig: %v", err)
	}

	if cfg.HeartbeatSeconds != 300 {
		t.Fatalf("heartbeat = %d", cfg.HeartbeatSeconds)
	}
	if cfg.Cursor == nil || cfg.Cursor.Timetoken != "17000000000000000" {
		t.Fatalf("cursor = %+v", cfg.Cursor)
	}
	if cfg.Filters.Logic != filter.LogicAnd {
		t.Fatalf("logic = %q", cfg.Filters.Logic)
	}
	if len(cfg.Filters.Conditions) != 2 {
		t.Fatalf("conditions = %d", len(cfg.Filters.Conditions))
	}
	first := cfg.Filters.Conditions[0]
	if first.LogicAfter != filter.LogicOr {
		t.Fatalf("logicAfter = %q, want ||", first.LogicAfter)
	}
	if got := filter.Compile(cfg.Filters); got != "(data.status == 'active') || (meta.priority > 5)" {
		t.Fatalf("compiled = %q", got)
	}
}

func TestSessionConfig_BadOperator(t *testing.T) {
	profile := Profile{Filters: []FilterRule{{Target: "data", Field: "a", Operator: "~~", Value: "1", Type: "number"}}}
	if _, err := profile.SessionConfig(300); err == nil {
		t.Fatalf("err = nil, want unknown operator")
	}
}

func TestSessionConfig_BadTarget(t *testing.T) {
	profile := Profile{Filters: []FilterRule{{Target: "payload", Field: "a", Operator: "==", Value: "1", Type: "number"}}}
	if _, err := profile.SessionConfig(300); err == nil {
		t.Fatalf("err = nil, want unknown target")
	}
}
