package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/HiTek-Dev/tek/internal/config"
)

func params(t *testing.T, v map[string]any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return data
}

func TestResolverRejectsEscape(t *testing.T) {
	resolver := Resolver{Root: t.TempDir()}
	if _, err := resolver.Resolve("../outside.txt"); err == nil {
		t.Fatal("expected escape to be rejected")
	}
	if _, err := resolver.Resolve("/etc/passwd"); err == nil {
		t.Fatal("expected absolute path outside root to be rejected")
	}
	if _, err := resolver.Resolve("sub/../ok.txt"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
}

func TestReadWriteFile(t *testing.T) {
	root := t.TempDir()
	writer := NewWriteFileTool(root)
	reader := NewReadFileTool(root)
	ctx := context.Background()

	res, err := writer.Execute(ctx, params(t, map[string]any{"path": "notes/today.txt", "content": "hello world"}))
	if err != nil || res.IsError {
		t.Fatalf("write failed: %v %+v", err, res)
	}
	res, err = writer.Execute(ctx, params(t, map[string]any{"path": "notes/today.txt", "content": "!", "append": true}))
	if err != nil || res.IsError {
		t.Fatalf("append failed: %v %+v", err, res)
	}

	data, err := os.ReadFile(filepath.Join(root, "notes", "today.txt"))
	if err != nil || string(data) != "hello world!" {
		t.Fatalf("file = %q, %v", data, err)
	}

	res, err = reader.Execute(ctx, params(t, map[string]any{"path": "notes/today.txt", "offset": 6, "max_bytes": 5}))
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var out struct {
		Content   string `json:"content"`
		Truncated bool   `json:"truncated"`
	}
	if err := json.Unmarshal([]byte(res.Content), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Content != "world" || !out.Truncated {
		t.Errorf("read = %+v", out)
	}
}

func TestReadFileMissing(t *testing.T) {
	reader := NewReadFileTool(t.TempDir())
	res, err := reader.Execute(context.Background(), params(t, map[string]any{"path": "nope.txt"}))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "open file") {
		t.Errorf("result = %+v", res)
	}
}

func TestShellTool(t *testing.T) {
	root := t.TempDir()
	tool := NewShellTool(root, 5*time.Second)

	res, err := tool.Execute(context.Background(), params(t, map[string]any{"command": "echo hi && pwd"}))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	var out ShellResult
	if err := json.Unmarshal([]byte(res.Content), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.IsError || out.ExitCode != 0 || !strings.HasPrefix(out.Stdout, "hi\n") {
		t.Errorf("result = %+v", out)
	}

	res, err = tool.Execute(context.Background(), params(t, map[string]any{"command": "echo boom >&2; exit 3"}))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if err := json.Unmarshal([]byte(res.Content), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.IsError || out.ExitCode != 3 || strings.TrimSpace(out.Stderr) != "boom" {
		t.Errorf("failing command result = %+v", out)
	}
}

func TestShellToolTimeout(t *testing.T) {
	tool := NewShellTool(t.TempDir(), 5*time.Second)
	res, err := tool.Execute(context.Background(), params(t, map[string]any{"command": "sleep 5", "timeout_seconds": 1}))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "timed out") {
		t.Errorf("result = %+v", res)
	}
}

func TestShellToolRequiresCommand(t *testing.T) {
	tool := NewShellTool(t.TempDir(), 0)
	res, _ := tool.Execute(context.Background(), params(t, map[string]any{"command": "  "}))
	if !res.IsError {
		t.Error("expected error result for empty command")
	}
}

func TestFetchTool(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/page":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte(`<html><head><style>p{}</style></head><body><p>Hello &amp; welcome</p><script>x()</script><p>Bye</p></body></html>`))
		case "/styled":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte(`<div class="` + strings.Repeat("x", 120) + `"><p>Short text</p></div>`))
		case "/wordy":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte(`<p>` + strings.Repeat("word ", 30) + `</p>`))
		case "/big":
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte(strings.Repeat("a", 100)))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	tool := NewFetchTool(FetchConfig{MaxBytes: 50, AllowPrivate: true})
	ctx := context.Background()

	var out struct {
		Status    int    `json:"status"`
		Content   string `json:"content"`
		Truncated bool   `json:"truncated"`
	}

	res, err := tool.Execute(ctx, params(t, map[string]any{"url": server.URL + "/page"}))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if err := json.Unmarshal([]byte(res.Content), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Content != "Hello & welcome\nBye" {
		t.Errorf("content = %q", out.Content)
	}

	// Markup longer than the cap still yields the full visible text.
	out.Content, out.Truncated = "", false
	res, _ = tool.Execute(ctx, params(t, map[string]any{"url": server.URL + "/styled"}))
	if err := json.Unmarshal([]byte(res.Content), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Content != "Short text" || out.Truncated {
		t.Errorf("styled = %q, truncated %v", out.Content, out.Truncated)
	}

	// The cap applies to the converted text.
	res, _ = tool.Execute(ctx, params(t, map[string]any{"url": server.URL + "/wordy"}))
	if err := json.Unmarshal([]byte(res.Content), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Truncated || len(out.Content) != 50 || !strings.HasPrefix(out.Content, "word word") {
		t.Errorf("wordy = %q, truncated %v", out.Content, out.Truncated)
	}

	res, _ = tool.Execute(ctx, params(t, map[string]any{"url": server.URL + "/big"}))
	if err := json.Unmarshal([]byte(res.Content), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Truncated || len(out.Content) != 50 {
		t.Errorf("big = %d bytes, truncated %v", len(out.Content), out.Truncated)
	}

	res, _ = tool.Execute(ctx, params(t, map[string]any{"url": server.URL + "/missing"}))
	if !res.IsError {
		t.Error("expected 404 to be an error result")
	}
}

func TestFetchToolBlocksLoopback(t *testing.T) {
	tool := NewFetchTool(FetchConfig{})
	for _, target := range []string{"http://localhost:8080/", "http://127.0.0.1/", "file:///etc/passwd"} {
		res, err := tool.Execute(context.Background(), params(t, map[string]any{"url": target}))
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if !res.IsError || !strings.Contains(res.Content, "URL validation failed") {
			t.Errorf("%s: result = %+v", target, res)
		}
	}
}

func TestNewRegistry(t *testing.T) {
	disabled := false
	cfg := config.ToolsConfig{Fetch: config.FetchToolConfig{Enabled: &disabled}}

	registry := NewRegistry(cfg, t.TempDir())
	got := strings.Join(registry.Names(), ",")
	if got != "read_file,shell,write_file" {
		t.Errorf("Names() = %s", got)
	}
}
