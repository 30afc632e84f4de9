package memory

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFlushLogAppendAndReadRecent(t *testing.T) {
	dir := t.TempDir()
	log := NewFlushLog(dir)
	day1 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.Local)
	day2 := day1.AddDate(0, 0, 1)

	log.now = func() time.Time { return day1 }
	if err := log.Append("s1", "user: hello\nassistant: hi there"); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	log.now = func() time.Time { return day2 }
	if err := log.Append("s1", "user: later"); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "2026-05-01.md"))
	if err != nil {
		t.Fatalf("read day file: %v", err)
	}
	if !strings.Contains(string(data), "flushed (s1)") || !strings.Contains(string(data), "- user: hello") {
		t.Errorf("day file = %q", data)
	}

	lines, err := log.ReadRecentAt(day2, 2, 0)
	if err != nil {
		t.Fatalf("ReadRecentAt() error = %v", err)
	}
	want := []string{"- user: hello", "- assistant: hi there", "- user: later"}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Errorf("lines = %v, want %v", lines, want)
	}

	lines, _ = log.ReadRecentAt(day2, 1, 0)
	if len(lines) != 1 {
		t.Errorf("one day lines = %v", lines)
	}
	lines, _ = log.ReadRecentAt(day2, 2, 2)
	if len(lines) != 2 || lines[1] != "- user: later" {
		t.Errorf("capped lines = %v", lines)
	}
}

func TestFlushLogSkipsEmpty(t *testing.T) {
	dir := t.TempDir()
	log := NewFlushLog(dir)
	if err := log.Append("s1", "   "); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	dates, err := log.ListDates()
	if err != nil {
		t.Fatal(err)
	}
	if len(dates) != 0 {
		t.Errorf("expected no files, got %v", dates)
	}
}

func TestFlushLogRotate(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"2026-01-01.md", "2026-01-05.md", "notes.md"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("- x\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	log := NewFlushLog(dir)

	removed, err := log.RotateAt(time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("RotateAt() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(filepath.Join(dir, "notes.md")); err != nil {
		t.Errorf("non-date file should survive: %v", err)
	}
}

func TestSources(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "SOUL.md")
	if err := os.WriteFile(path, []byte("\nYou are tek.\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	got, err := FileSource{Path: path}.Load(ctx)
	if err != nil || got != "You are tek." {
		t.Errorf("Load() = %q, %v", got, err)
	}
	got, err = FileSource{Path: filepath.Join(dir, "missing.md")}.Load(ctx)
	if err != nil || got != "" {
		t.Errorf("missing Load() = %q, %v", got, err)
	}

	log := NewFlushLog(filepath.Join(dir, "flushed"))
	if err := log.Append("s", "user: remember the milk"); err != nil {
		t.Fatal(err)
	}
	digest, err := ActivitySource{Log: log, Days: 1}.Load(ctx)
	if err != nil || digest != "- user: remember the milk" {
		t.Errorf("activity = %q, %v", digest, err)
	}
}
