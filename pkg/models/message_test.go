package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRole_Constants(t *testing.T) {
	tests := []struct {
		constant Role
		expected string
	}{
		{RoleUser, "user"},
		{RoleAssistant, "assistant"},
		{RoleSystem, "system"},
		{RoleTool, "tool"},
	}

	for _, tt := range tests {
		t.Run(string(tt.constant), func(t *testing.T) {
			if string(tt.constant) != tt.expected {
				t.Errorf("constant = %q, want %q", tt.constant, tt.expected)
			}
			if !tt.constant.Valid() {
				t.Errorf("%q should be valid", tt.constant)
			}
		})
	}

	if Role("robot").Valid() {
		t.Error("unknown role should be invalid")
	}
}

func TestMessage_JSONFieldNames(t *testing.T) {
	msg := Message{
		ID:         "msg-1",
		SessionID:  "sess-1",
		Role:       RoleAssistant,
		Content:    "hello",
		TokenCount: 2,
		ToolCalls:  []ToolCall{{ID: "call-1", Name: "shell", Input: json.RawMessage(`{"cmd":"ls"}`)}},
		CreatedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"id", "session_id", "role", "content", "tool_calls", "token_count", "created_at"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("missing json key %q in %s", key, data)
		}
	}
	if _, ok := raw["tool_results"]; ok {
		t.Error("empty tool_results should be omitted")
	}
}

func TestCloneMessage_DeepCopiesToolInput(t *testing.T) {
	orig := &Message{
		Role:        RoleAssistant,
		ToolCalls:   []ToolCall{{ID: "c1", Name: "shell", Input: json.RawMessage(`{"a":1}`)}},
		ToolResults: []ToolResult{{ToolCallID: "c1", Content: "ok"}},
	}
	clone := CloneMessage(orig)
	clone.ToolCalls[0].Input[2] = 'b'
	clone.ToolResults[0].Content = "changed"

	if string(orig.ToolCalls[0].Input) != `{"a":1}` {
		t.Errorf("original input mutated: %s", orig.ToolCalls[0].Input)
	}
	if orig.ToolResults[0].Content != "ok" {
		t.Errorf("original result mutated: %q", orig.ToolResults[0].Content)
	}
	if CloneMessage(nil) != nil {
		t.Error("CloneMessage(nil) should be nil")
	}
}
