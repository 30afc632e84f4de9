package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/HiTek-Dev/tek/internal/agent/routing"
	"github.com/HiTek-Dev/tek/internal/config"
	"github.com/HiTek-Dev/tek/internal/gateway"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "chat", "config", "workflow", "schedule"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestConfigSchemaCommand(t *testing.T) {
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "schema"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("config schema: %v", err)
	}
	var schema map[string]any
	if err := json.Unmarshal(out.Bytes(), &schema); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	if schema["title"] != "tek configuration" {
		t.Errorf("title = %v", schema["title"])
	}
}

func TestPricingFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Context.Pricing = map[string]config.PriceConfig{
		"ollama:llama3": {Input: 0, Output: 0},
		"gpt-4o":        {Input: 1, Output: 2},
	}
	pricing := pricingFromConfig(cfg)
	if got := pricing["gpt-4o"]; got.Input != 1 || got.Output != 2 {
		t.Errorf("gpt-4o = %+v, want override", got)
	}
	if _, ok := pricing["ollama:llama3"]; !ok {
		t.Error("configured model missing")
	}
	if _, ok := pricing["claude-sonnet-4"]; !ok {
		t.Error("built-in prices dropped")
	}
}

func TestRoutingConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Routing.HighKeywords = []string{"ponder"}
	rc := routingConfig(cfg)
	if rc.Tiers[routing.TierBudget] != cfg.Routing.Tiers["budget"] {
		t.Errorf("budget tier = %q", rc.Tiers[routing.TierBudget])
	}
	class := routing.ClassifyComplexity("please ponder this", 0, rc.Rules)
	if class.Tier != routing.TierHigh {
		t.Errorf("custom keyword tier = %s, want high", class.Tier)
	}
}

type recordedSends struct {
	frames []map[string]any
}

func (r *recordedSends) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	r.frames = append(r.frames, m)
	return nil
}

func (r *recordedSends) last() map[string]any {
	if len(r.frames) == 0 {
		return nil
	}
	return r.frames[len(r.frames)-1]
}

func TestChatClient_SendAndStream(t *testing.T) {
	var out bytes.Buffer
	sent := &recordedSends{}
	client := &chatClient{out: &out, send: sent.send, sessionKey: "work"}

	if quit, err := client.handleLine("hello there"); quit || err != nil {
		t.Fatalf("handleLine() = %v, %v", quit, err)
	}
	msg := sent.last()
	if msg["type"] != gateway.KindChatSend || msg["content"] != "hello there" || msg["session_key"] != "work" {
		t.Fatalf("sent = %v", msg)
	}
	if !client.busy {
		t.Fatal("client not busy after send")
	}

	// A second message while streaming is held back.
	_, _ = client.handleLine("more")
	if len(sent.frames) != 1 {
		t.Fatalf("sent while busy: %v", sent.frames)
	}

	client.handleFrame(chatFrame{Type: gateway.KindStreamDelta, ID: client.requestID, Delta: "Hi!"})
	client.handleFrame(chatFrame{Type: gateway.KindStreamEnd, ID: client.requestID, FinishReason: "stop"})
	if client.busy {
		t.Error("client still busy after stream end")
	}
	if !strings.Contains(out.String(), "Hi!") {
		t.Errorf("output = %q", out.String())
	}

	if quit, _ := client.handleLine("/quit"); !quit {
		t.Error("/quit did not quit")
	}
}

func TestChatClient_AnswersPrompts(t *testing.T) {
	var out bytes.Buffer
	sent := &recordedSends{}
	client := &chatClient{out: &out, send: sent.send}

	client.handleFrame(chatFrame{Type: gateway.KindToolApprovalRequest, ToolCallID: "call-1", Name: "shell"})
	_, _ = client.handleLine("n")
	msg := sent.last()
	if msg["type"] != gateway.KindToolApprovalResponse || msg["tool_call_id"] != "call-1" || msg["approved"] != false {
		t.Fatalf("approval = %v", msg)
	}

	client.handleFrame(chatFrame{Type: gateway.KindRoutePropose, ID: "req-1", Decision: &routing.Decision{Provider: "anthropic", Model: "haiku"}})
	_, _ = client.handleLine("openai:gpt-4o")
	msg = sent.last()
	if msg["type"] != gateway.KindChatRouteConfirm || msg["request_id"] != "req-1" || msg["model"] != "openai:gpt-4o" {
		t.Fatalf("route confirm = %v", msg)
	}

	client.handleFrame(chatFrame{Type: gateway.KindPreflightChecklist, ID: "req-2", Checklist: &gateway.Checklist{Steps: []string{"read"}}})
	_, _ = client.handleLine("")
	msg = sent.last()
	if msg["type"] != gateway.KindPreflightApproval || msg["approved"] != true {
		t.Fatalf("preflight = %v", msg)
	}

	client.handleFrame(chatFrame{Type: gateway.KindWorkflowApprovalRequest, ExecutionID: "exec-1", WorkflowID: "release", StepID: "ship"})
	_, _ = client.handleLine("yes")
	msg = sent.last()
	if msg["type"] != gateway.KindWorkflowApproval || msg["execution_id"] != "exec-1" || msg["approved"] != true {
		t.Fatalf("workflow approval = %v", msg)
	}
	if client.prompt != promptNone {
		t.Errorf("prompt still pending: %q", client.prompt)
	}
}
