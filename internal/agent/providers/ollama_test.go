package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/HiTek-Dev/tek/internal/agent"
)

func TestOllamaStreamsNDJSON(t *testing.T) {
	var req ollamaChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Hel"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"lo"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","tool_calls":[{"function":{"name":"echo","arguments":{"text":"a"}}}]},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","tool_calls":[{"function":{"name":"echo","arguments":{"text":"a"}}}]},"done":false}`)
		fmt.Fprintln(w, `{"done":true,"prompt_eval_count":11,"eval_count":4}`)
	}))
	defer server.Close()

	p := NewOllamaProvider(OllamaConfig{BaseURL: server.URL, DefaultModel: "llama3.2"})
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
	if got.text != "Hello" {
		t.Fatalf("text = %q", got.text)
	}
	if len(got.toolCalls) != 1 {
		t.Fatalf("duplicate tool call lines should collapse, got %+v", got.toolCalls)
	}
	if got.toolCalls[0].ID == "" || string(got.toolCalls[0].Input) != `{"text":"a"}` {
		t.Fatalf("tool call = %+v", got.toolCalls[0])
	}
	if got.done == nil || got.done.InputTokens != 11 || got.done.OutputTokens != 4 {
		t.Fatalf("done = %+v", got.done)
	}
	if req.Model != "llama3.2" || !req.Stream || len(req.Tools) != 1 || req.Messages[0].Role != "system" {
		t.Fatalf("request = %+v", req)
	}
}

func TestOllamaRetriesThenReportsStatus(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":"model crashed"}`)
	}))
	defer server.Close()

	p := NewOllamaProvider(OllamaConfig{BaseURL: server.URL, DefaultModel: "m", MaxRetries: 2, RetryDelay: time.Millisecond})
	_, err := p.Complete(context.Background(), &agent.CompletionRequest{Messages: []agent.CompletionMessage{{Role: "user", Content: "hi"}}})
	var providerErr *ProviderError
	if !errors.As(err, &providerErr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if providerErr.Reason != FailoverServerError || providerErr.Status != 500 {
		t.Fatalf("provider error = %+v", providerErr)
	}
	if attempts.Load() != 2 {
		t.Fatalf("attempts = %d, want 2", attempts.Load())
	}
}

func TestOllamaTruncatedStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"partial"},"done":false}`)
	}))
	defer server.Close()

	p := NewOllamaProvider(OllamaConfig{BaseURL: server.URL, DefaultModel: "m"})
	chunks, err := p.Complete(context.Background(), &agent.CompletionRequest{Messages: []agent.CompletionMessage{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	got := drain(t, chunks)
	if got.err == nil || got.done != nil {
		t.Fatalf("expected error for stream without done, got %+v", got)
	}
}

func TestOllamaRequiresModel(t *testing.T) {
	p := NewOllamaProvider(OllamaConfig{})
	if _, err := p.Complete(context.Background(), &agent.CompletionRequest{}); err == nil {
		t.Fatal("expected error without model")
	}
}

func TestToOllamaMessages(t *testing.T) {
	msgs := toOllamaMessages(&agent.CompletionRequest{System: "sys", Messages: toolConversation()})
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(msgs))
	}
	if msgs[2].Role != "assistant" || len(msgs[2].ToolCalls) != 1 || msgs[2].ToolCalls[0].Function.Name != "echo" {
		t.Fatalf("assistant = %+v", msgs[2])
	}
	if msgs[3].Role != "tool" || msgs[3].ToolName != "echo" || msgs[3].Content != "a" {
		t.Fatalf("tool = %+v", msgs[3])
	}
}
