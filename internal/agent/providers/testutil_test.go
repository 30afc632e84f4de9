package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/HiTek-Dev/tek/internal/agent"
	"github.com/HiTek-Dev/tek/pkg/models"
)

type collected struct {
	text      string
	toolCalls []models.ToolCall
	done      *agent.CompletionChunk
	err       error
}

func drain(t *testing.T, chunks <-chan *agent.CompletionChunk) collected {
	t.Helper()
	var out collected
	var text strings.Builder
	timeout := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				out.text = text.String()
				return out
			}
			text.WriteString(chunk.Text)
			if chunk.ToolCall != nil {
				out.toolCalls = append(out.toolCalls, *chunk.ToolCall)
			}
			if chunk.Done {
				out.done = chunk
			}
			if chunk.Error != nil {
				out.err = chunk.Error
			}
		case <-timeout:
			t.Fatalf("stream did not close")
		}
	}
}

func writeSSE(w http.ResponseWriter, events ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	for _, event := range events {
		fmt.Fprint(w, event)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "Echo the input" }
func (echoTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"text":{"type":"string","description":"what to echo","enum":["a","b"]}},"required":["text"]}`)
}
func (echoTool) Execute(context.Context, json.RawMessage) (*agent.ToolResult, error) {
	return &agent.ToolResult{Content: "ok"}, nil
}

func toolConversation() []agent.CompletionMessage {
	return []agent.CompletionMessage{
		{Role: "user", Content: "say hi"},
		{Role: "assistant", Content: "calling", ToolCalls: []models.ToolCall{{ID: "call-1", Name: "echo", Input: json.RawMessage(`{"text":"a"}`)}}},
		{Role: "tool", ToolResults: []models.ToolResult{{ToolCallID: "call-1", Content: "a"}}},
	}
}
