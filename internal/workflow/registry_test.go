package workflow

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const nightlyYAML = `
id: nightly
name: Nightly report
steps:
  - id: fetch
    action: tool
    tool: fetch
    args:
      url: https://example.com/status
    timeout: 30s
    on_failure: alert
    branches:
      - condition: result.output.status >= 500
        goto: alert
  - id: summarize
    action: model
    prompt: "Summarize {{ steps.fetch.output }}"
  - id: alert
    action: noop
    approval_required: true
`

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestParse(t *testing.T) {
	def, err := Parse([]byte(nightlyYAML))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if def.ID != "nightly" || len(def.Steps) != 3 {
		t.Fatalf("def = %+v", def)
	}
	fetch := def.Steps[0]
	if fetch.Timeout != 30*time.Second || fetch.OnFailure != "alert" || len(fetch.Branches) != 1 {
		t.Errorf("fetch = %+v", fetch)
	}
	if fetch.Args["url"] != "https://example.com/status" {
		t.Errorf("args = %v", fetch.Args)
	}
	if !def.Steps[2].ApprovalRequired {
		t.Error("alert should require approval")
	}
	if def.StepIndex("summarize") != 1 || def.StepIndex("nope") != -1 {
		t.Error("StepIndex mismatch")
	}
}

func TestParse_Rejects(t *testing.T) {
	tests := map[string]string{
		"unknown field":  "id: x\nsteps:\n  - id: a\n    action: noop\n    colour: red\n",
		"no steps":       "id: x\n",
		"bad action":     "id: x\nsteps:\n  - id: a\n    action: dance\n",
		"tool missing":   "id: x\nsteps:\n  - id: a\n    action: tool\n",
		"duplicate step": "id: x\nsteps:\n  - id: a\n    action: noop\n  - id: a\n    action: noop\n",
		"bad condition":  "id: x\nsteps:\n  - id: a\n    action: noop\n    branches:\n      - condition: 'a =='\n        goto: a\n",
		"empty":          "",
	}
	for name, src := range tests {
		if _, err := Parse([]byte(src)); err == nil {
			t.Errorf("%s: Parse() succeeded, want error", name)
		}
	}
}

func TestRegistry_LoadSkipsInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "nightly.yaml", nightlyYAML)
	writeFile(t, dir, "broken.yml", "id: broken\nsteps: []\n")
	writeFile(t, dir, "dup.yaml", "id: nightly\nsteps:\n  - id: a\n    action: noop\n")
	writeFile(t, dir, "README.md", "not a workflow")

	reg := NewRegistry(dir, nil)
	err := reg.Load(context.Background())
	if err == nil {
		t.Fatal("Load() error = nil, want problems reported")
	}
	if !strings.Contains(err.Error(), "broken.yml") {
		t.Errorf("error = %v", err)
	}

	list := reg.List()
	if len(list) != 1 || list[0].ID != "nightly" {
		t.Fatalf("List() = %v", list)
	}
	if def, ok := reg.Get("nightly"); !ok || !strings.HasSuffix(def.Source, "nightly.yaml") {
		t.Errorf("Get(nightly) = %+v, %v", def, ok)
	}
}

func TestRegistry_DuplicateIDs(t *testing.T) {
	dir := t.TempDir()
	// "a-" sorts before the id-named file, so directory order would pick it.
	writeFile(t, dir, "a-copy.yaml", "id: nightly\nsteps:\n  - id: a\n    action: noop\n")
	writeFile(t, dir, "nightly.yaml", nightlyYAML)
	writeFile(t, dir, "one.yaml", "id: shared\nsteps:\n  - id: a\n    action: noop\n")
	writeFile(t, dir, "two.yaml", "id: shared\nsteps:\n  - id: b\n    action: noop\n")

	reg := NewRegistry(dir, nil)
	err := reg.Load(context.Background())
	if err == nil || !strings.Contains(err.Error(), `"shared"`) {
		t.Fatalf("Load() error = %v, want shared reported", err)
	}
	if def, ok := reg.Get("nightly"); !ok || filepath.Base(def.Source) != "nightly.yaml" {
		t.Errorf("Get(nightly) = %+v, %v", def, ok)
	}
	if _, ok := reg.Get("shared"); ok {
		t.Error("ambiguous id was registered")
	}
}

func TestRegistry_MissingDirIsEmpty(t *testing.T) {
	reg := NewRegistry(filepath.Join(t.TempDir(), "absent"), nil)
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(reg.List()) != 0 {
		t.Error("expected no definitions")
	}
}

func TestRegistry_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(dir, nil)
	reg.watchDebounce = 10 * time.Millisecond
	if err := reg.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := reg.StartWatching(context.Background()); err != nil {
		t.Fatalf("StartWatching() error = %v", err)
	}
	defer reg.Close()

	writeFile(t, dir, "nightly.yaml", nightlyYAML)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := reg.Get("nightly"); ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("registry did not pick up the new workflow")
}
