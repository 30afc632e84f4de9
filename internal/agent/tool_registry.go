package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ToolRegistry manages available tools with thread-safe registration and lookup.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry creates a registry holding tools.
func NewToolRegistry(tools ...Tool) *ToolRegistry {
	r := &ToolRegistry{tools: make(map[string]Tool)}
	for _, tool := range tools {
		r.Register(tool)
	}
	return r
}

// Register adds a tool, replacing any tool with the same name.
func (r *ToolRegistry) Register(tool Tool) {
	if tool == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Unregister removes a tool by name.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Tool parameter limits to prevent resource exhaustion
const (
	MaxToolNameLength = 256
	MaxToolParamsSize = 10 << 20
)

// Execute runs a tool by name. Lookup and validation failures come back as
// error results rather than Go errors.
func (r *ToolRegistry) Execute(ctx context.Context, name string, params json.RawMessage) (*ToolResult, error) {
	if len(name) > MaxToolNameLength {
		return &ToolResult{
			Content: fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength),
			IsError: true,
		}, nil
	}
	if len(params) > MaxToolParamsSize {
		return &ToolResult{
			Content: fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize),
			IsError: true,
		}, nil
	}
	tool, ok := r.Get(name)
	if !ok {
		return &ToolResult{Content: "tool not found: " + name, IsError: true}, nil
	}
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	return tool.Execute(ctx, params)
}

// AsLLMTools returns the registered tools sorted by name.
func (r *ToolRegistry) AsLLMTools() []Tool {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	tools := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	r.mu.RUnlock()
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
	return tools
}

// Names returns the sorted tool names.
func (r *ToolRegistry) Names() []string {
	tools := r.AsLLMTools()
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name()
	}
	return names
}

// Describe renders one "name: description" line per tool, the text measured
// as the tools section of an assembled context.
func (r *ToolRegistry) Describe() string {
	var b strings.Builder
	for _, t := range r.AsLLMTools() {
		fmt.Fprintf(&b, "%s: %s\n", t.Name(), t.Description())
	}
	return strings.TrimSuffix(b.String(), "\n")
}
