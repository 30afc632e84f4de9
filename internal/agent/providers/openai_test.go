package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/HiTek-Dev/tek/internal/agent"
)

func newTestOpenAI(t *testing.T, handler http.HandlerFunc) *OpenAIProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	p, err := NewOpenAIProvider(OpenAIConfig{
		APIKey:     "sk-test",
		BaseURL:    server.URL + "/v1",
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewOpenAIProvider() error = %v", err)
	}
	return p
}

func sseData(v string) string {
	return "data: " + v + "\n\n"
}

func TestOpenAIStreamsTextToolsAndUsage(t *testing.T) {
	var body map[string]any
	p := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		writeSSE(w,
			sseData(`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant","content":"Let me "}}]}`),
			sseData(`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"check."}}]}`),
			sseData(`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"echo","arguments":"{\"te"}}]}}]}`),
			sseData(`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"xt\":\"a\"}"}}]}}]}`),
			sseData(`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`),
			sseData(`{"id":"c1","object":"chat.completion.chunk","choices":[],"usage":{"prompt_tokens":20,"completion_tokens":9,"total_tokens":29}}`),
			sseData(`[DONE]`),
		)
	})

	chunks, err := p.Complete(context.Background(), &agent.CompletionRequest{
		System:   "sys",
		Messages: []agent.CompletionMessage{{Role: "user", Content: "hi"}},
		Tools:    []agent.Tool{echoTool{}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	got := drain(t, chunks)
	if got.err != nil {
		t.Fatalf("stream error = %v", got.err)
	}
	if got.text != "Let me check." {
		t.Fatalf("text = %q", got.text)
	}
	if len(got.toolCalls) != 1 || got.toolCalls[0].ID != "call_1" || string(got.toolCalls[0].Input) != `{"text":"a"}` {
		t.Fatalf("tool calls = %+v", got.toolCalls)
	}
	if got.done == nil || got.done.InputTokens != 20 || got.done.OutputTokens != 9 {
		t.Fatalf("done = %+v", got.done)
	}
	if body["model"] != "gpt-4o" {
		t.Errorf("model = %v", body["model"])
	}
	if tools, _ := body["tools"].([]any); len(tools) != 1 {
		t.Errorf("tools = %v", body["tools"])
	}
}

func TestOpenAIErrorIsTyped(t *testing.T) {
	p := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"slow down","type":"requests","code":"rate_limit_exceeded"}}`)
	})

	_, err := p.Complete(context.Background(), &agent.CompletionRequest{Messages: []agent.CompletionMessage{{Role: "user", Content: "hi"}}})
	var providerErr *ProviderError
	if !errors.As(err, &providerErr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if providerErr.Reason != FailoverRateLimit || providerErr.Status != http.StatusTooManyRequests {
		t.Fatalf("provider error = %+v", providerErr)
	}
}

func TestToOpenAIMessages(t *testing.T) {
	msgs := toOpenAIMessages(toolConversation(), "sys")
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(msgs))
	}
	if msgs[0].Role != openai.ChatMessageRoleSystem || msgs[0].Content != "sys" {
		t.Errorf("system = %+v", msgs[0])
	}
	if len(msgs[2].ToolCalls) != 1 || msgs[2].ToolCalls[0].Function.Arguments != `{"text":"a"}` {
		t.Errorf("assistant = %+v", msgs[2])
	}
	if msgs[3].Role != openai.ChatMessageRoleTool || msgs[3].ToolCallID != "call-1" {
		t.Errorf("tool = %+v", msgs[3])
	}
}
