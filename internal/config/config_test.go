package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 127.0.0.1
  extra: true
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
workspace:
  dir: /tmp/tek-test
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 7600 {
		t.Errorf("server = %+v, want 127.0.0.1:7600", cfg.Server)
	}
	if cfg.Server.ApprovalTimeout != 60*time.Second {
		t.Errorf("approval timeout = %v, want 60s", cfg.Server.ApprovalTimeout)
	}
	if cfg.Database.Path != filepath.Join("/tmp/tek-test", "tek.db") {
		t.Errorf("database path = %q", cfg.Database.Path)
	}
	if cfg.Agent.MaxSteps != 10 || cfg.Agent.Approval != "session" {
		t.Errorf("agent defaults = %+v", cfg.Agent)
	}
	if cfg.Routing.Tiers["standard"] == "" || cfg.Routing.DefaultModel != cfg.Routing.Tiers["standard"] {
		t.Errorf("routing defaults = %+v", cfg.Routing)
	}
}

func TestLoadRejectsNonLoopbackHost(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 0.0.0.0
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "loopback") {
		t.Fatalf("expected loopback error, got %v", err)
	}
}

func TestLoadValidatesApprovalTier(t *testing.T) {
	path := writeConfig(t, `
agent:
  approval: sometimes
  tool_approvals:
    shell: never
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "agent.approval") || !strings.Contains(err.Error(), "tool_approvals.shell") {
		t.Fatalf("expected approval errors, got %v", err)
	}
}

func TestLoadValidatesRoutingTiers(t *testing.T) {
	path := writeConfig(t, `
routing:
  tiers:
    premium: anthropic:claude
    budget: llama
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "premium") || !strings.Contains(err.Error(), "routing.tiers.budget") {
		t.Fatalf("expected tier errors, got %v", err)
	}
}

func TestLoadValidatesHeartbeatSchedules(t *testing.T) {
	path := writeConfig(t, `
heartbeat:
  schedules:
    - name: morning
      cron: "0 9 * * *"
    - name: morning
      cron: ""
      active_hours:
        start: "09:00"
        end: "17:00"
        days: [7]
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"duplicate name", "cron is required", "out of range"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestLoadRejectsEmptyActiveHours(t *testing.T) {
	path := writeConfig(t, `
heartbeat:
  schedules:
    - name: morning
      cron: "0 9 * * *"
      active_hours:
        start: "09:00"
        end: "09:00"
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "start equals end") {
		t.Fatalf("Load() error = %v, want start equals end", err)
	}
}

func TestLoadIncludesAndEnv(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	if err := os.WriteFile(base, []byte(`
agent:
  max_steps: 4
providers:
  anthropic:
    api_key: ${TEK_TEST_KEY}
`), 0o644); err != nil {
		t.Fatalf("write base: %v", err)
	}
	main := filepath.Join(dir, "tek.yaml")
	if err := os.WriteFile(main, []byte(`
$include: base.yaml
agent:
  max_steps: 6
logging:
  level: ${TEK_TEST_LEVEL:-debug}
`), 0o644); err != nil {
		t.Fatalf("write main: %v", err)
	}
	t.Setenv("TEK_TEST_KEY", "sk-test")

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Agent.MaxSteps != 6 {
		t.Errorf("max_steps = %d, want 6 (including file wins)", cfg.Agent.MaxSteps)
	}
	if cfg.Providers.Anthropic.APIKey != "sk-test" {
		t.Errorf("api key = %q, want sk-test", cfg.Providers.Anthropic.APIKey)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q, want debug fallback", cfg.Logging.Level)
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	if err := os.WriteFile(a, []byte("$include: b.yaml\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("$include: a.yaml\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadRaw(a)
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestLoadJSON5(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tek.json5")
	if err := os.WriteFile(path, []byte(`{
  // comments are allowed
  server: { port: 7777 },
  routing: { mode: "confirm" },
}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7777 || cfg.Routing.Mode != "confirm" {
		t.Errorf("cfg = %+v %+v", cfg.Server, cfg.Routing)
	}
}

func TestJSONSchemaUsesYAMLNames(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema() error = %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	if !strings.Contains(string(data), `"approval_timeout"`) {
		t.Errorf("schema missing yaml field names")
	}
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tek.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)+"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
