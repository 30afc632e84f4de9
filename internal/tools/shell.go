package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/HiTek-Dev/tek/internal/agent"
)

const defaultMaxOutput = 64000

// ShellResult summarizes one command run.
type ShellResult struct {
	Command  string `json:"command"`
	Cwd      string `json:"cwd"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	Duration string `json:"duration"`
	Error    string `json:"error,omitempty"`
}

// ShellTool runs a command through /bin/sh inside the workspace.
type ShellTool struct {
	resolver  Resolver
	timeout   time.Duration
	maxOutput int
}

// NewShellTool creates the tool. A zero timeout means 30s.
func NewShellTool(workDir string, timeout time.Duration) *ShellTool {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ShellTool{
		resolver:  Resolver{Root: workDir},
		timeout:   timeout,
		maxOutput: defaultMaxOutput,
	}
}

var _ agent.Tool = (*ShellTool)(nil)

func (t *ShellTool) Name() string { return "shell" }

func (t *ShellTool) Description() string {
	return "Run a shell command in the workspace and return its output and exit code."
}

func (t *ShellTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Shell command to execute.",
			},
			"cwd": map[string]any{
				"type":        "string",
				"description": "Working directory (relative to workspace).",
			},
			"input": map[string]any{
				"type":        "string",
				"description": "Stdin content to pass to the command.",
			},
			"timeout_seconds": map[string]any{
				"type":        "integer",
				"description": "Timeout in seconds, capped by the tool default.",
				"minimum":     0,
			},
		},
		"required": []string{"command"},
	})
}

// Execute runs the command. A non-zero exit is reported as an error result
// so the model sees the failure.
func (t *ShellTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Command        string `json:"command"`
		Cwd            string `json:"cwd"`
		Input          string `json:"input"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	command := strings.TrimSpace(input.Command)
	if command == "" {
		return toolError("command is required"), nil
	}

	timeout := t.timeout
	if requested := time.Duration(input.TimeoutSeconds) * time.Second; requested > 0 && requested < timeout {
		timeout = requested
	}
	result, err := t.run(ctx, command, input.Cwd, input.Input, timeout)
	if err != nil {
		return toolError(err.Error()), nil
	}
	out := jsonResult(result)
	out.IsError = result.ExitCode != 0 || result.Error != ""
	return out, nil
}

func (t *ShellTool) run(ctx context.Context, command, cwd, stdin string, timeout time.Duration) (ShellResult, error) {
	if cwd == "" {
		cwd = "."
	}
	dir, err := t.resolver.Resolve(cwd)
	if err != nil {
		return ShellResult{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	cmd.Dir = dir
	stdout := newLimitedBuffer(t.maxOutput)
	stderr := newLimitedBuffer(t.maxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	// children that inherit the pipes must not hold Run open past the kill
	cmd.WaitDelay = time.Second

	start := time.Now()
	err = cmd.Run()
	result := ShellResult{
		Command:  command,
		Cwd:      dir,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode(err),
		Duration: time.Since(start).Round(time.Millisecond).String(),
	}
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.Error = fmt.Sprintf("command timed out after %s", timeout)
	case err != nil:
		result.Error = err.Error()
	}
	return result, nil
}

type limitedBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max > 0 && len(b.buf) >= b.max {
		return len(p), nil
	}
	remaining := b.max - len(b.buf)
	if b.max > 0 && len(p) > remaining {
		b.buf = append(b.buf, p[:remaining]...)
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
