package agent

import (
	"context"
	"encoding/json"

	"github.com/HiTek-Dev/tek/pkg/models"
)

// LLMProvider is a streaming model backend.
//
// Implementations must be safe for concurrent use; several turns and
// workflow steps may call Complete at the same time.
type LLMProvider interface {
	// Complete sends a prompt and returns a stream of chunks. The channel is
	// closed after a chunk with Done or Error set.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name used in "provider:model" ids.
	Name() string

	// Models returns the models the provider advertises.
	Models() []Model

	// SupportsTools reports whether the provider accepts tool definitions.
	SupportsTools() bool
}

// CompletionRequest contains all parameters for one model call.
type CompletionRequest struct {
	// Model is the provider-local model id (no "provider:" prefix). Empty
	// selects the provider default.
	Model     string              `json:"model"`
	System    string              `json:"system,omitempty"`
	Messages  []CompletionMessage `json:"messages"`
	Tools     []Tool              `json:"tools,omitempty"`
	MaxTokens int                 `json:"max_tokens,omitempty"`
}

// CompletionMessage is a single message in a model conversation.
// Role is "user", "assistant" or "tool".
type CompletionMessage struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// CompletionChunk is one element of a streamed response.
type CompletionChunk struct {
	// Text is a partial response delta.
	Text string `json:"text,omitempty"`

	// ToolCall is a complete tool request assembled by the provider.
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`

	// Done marks successful completion. Token counts are set on this chunk.
	Done bool `json:"done,omitempty"`

	// Error terminates the stream.
	Error error `json:"-"`

	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Model describes an available model.
type Model struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContextSize int    `json:"context_size"`
}

// Tool is an executable capability offered to the model.
type Tool interface {
	// Name returns the function name (alphanumeric and underscores).
	Name() string

	// Description tells the model when to use the tool.
	Description() string

	// Schema returns the JSON Schema of the tool parameters.
	Schema() json.RawMessage

	// Execute runs the tool. Failures the model should see are returned as
	// a result with IsError set; a Go error is reserved for infrastructure
	// failures and is converted to an error result by callers.
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolResult contains the output from a tool execution.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}
