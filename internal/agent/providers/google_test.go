package providers

import (
	"testing"

	"google.golang.org/genai"

	"github.com/HiTek-Dev/tek/internal/agent"
)

func TestToGeminiContents(t *testing.T) {
	contents := toGeminiContents(append([]agent.CompletionMessage{{Role: "system", Content: "dropped"}}, toolConversation()...))
	if len(contents) != 3 {
		t.Fatalf("contents = %d, want 3", len(contents))
	}
	if contents[1].Role != genai.RoleModel {
		t.Errorf("assistant role = %s", contents[1].Role)
	}
	call := contents[1].Parts[1].FunctionCall
	if call == nil || call.Name != "echo" || call.Args["text"] != "a" {
		t.Fatalf("function call = %+v", call)
	}
	resp := contents[2].Parts[0].FunctionResponse
	if resp == nil || resp.Name != "echo" || resp.Response["output"] != "a" {
		t.Fatalf("function response = %+v", resp)
	}
}

func TestGeminiChunks(t *testing.T) {
	resp := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Parts: []*genai.Part{
			{Text: "thinking", Thought: true},
			{Text: "answer"},
			{FunctionCall: &genai.FunctionCall{Name: "echo", Args: map[string]any{"text": "b"}}},
		}},
	}}}
	chunks := geminiChunks(resp)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	if chunks[0].Text != "answer" {
		t.Errorf("text = %q", chunks[0].Text)
	}
	call := chunks[1].ToolCall
	if call == nil || call.ID == "" || string(call.Input) != `{"text":"b"}` {
		t.Fatalf("tool call = %+v", call)
	}
}

func TestToGeminiTools(t *testing.T) {
	tools := toGeminiTools([]agent.Tool{echoTool{}})
	if len(tools) != 1 || len(tools[0].FunctionDeclarations) != 1 {
		t.Fatalf("tools = %+v", tools)
	}
	params := tools[0].FunctionDeclarations[0].Parameters
	if params.Type != genai.TypeObject || params.Properties["text"].Type != genai.TypeString {
		t.Fatalf("schema = %+v", params)
	}
	if len(params.Required) != 1 || len(params.Properties["text"].Enum) != 2 {
		t.Fatalf("schema required/enum = %+v", params)
	}
	if toGeminiTools(nil) != nil {
		t.Fatal("no tools should produce nil")
	}
}

func TestNewGoogleProviderRequiresKey(t *testing.T) {
	if _, err := NewGoogleProvider(GoogleConfig{}); err == nil {
		t.Fatal("expected error without API key")
	}
}
