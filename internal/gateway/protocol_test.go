package gateway

import (
	"strings"
	"testing"

	"github.com/HiTek-Dev/tek/internal/cron"
)

func TestDecodeInbound(t *testing.T) {
	if err := initWSSchemas(); err != nil {
		t.Fatalf("initWSSchemas() error = %v", err)
	}
	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{name: "chat send", raw: `{"type":"chat.send","id":"1","content":"hi","model":"anthropic:claude-sonnet"}`},
		{name: "chat send bad model", raw: `{"type":"chat.send","id":"1","content":"hi","model":"sonnet"}`, wantErr: "model"},
		{name: "missing id", raw: `{"type":"session.list"}`, wantErr: "id"},
		{name: "unknown kind", raw: `{"type":"chat.explode","id":"1"}`, wantErr: "chat.explode"},
		{name: "not json", raw: `{"type":`, wantErr: ""},
		{name: "approval", raw: `{"type":"tool.approval.response","id":"2","tool_call_id":"c1","approved":true}`},
		{name: "approval missing decision", raw: `{"type":"tool.approval.response","id":"2","tool_call_id":"c1"}`, wantErr: "approved"},
		{name: "schedule", raw: `{"type":"schedule.create","id":"3","schedule":{"id":"s","kind":"workflow","cron":"* * * * *","workflow_id":"w"}}`},
		{name: "active hours", raw: `{"type":"heartbeat.configure","id":"4","name":"hb","cron":"0 9 * * *","active_hours":{"start":"9am","end":"17:00"}}`, wantErr: "start"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, env, err := decodeInbound([]byte(tt.raw))
			if tt.wantErr != "" || tt.name == "not json" {
				if err == nil {
					t.Fatalf("decodeInbound() = %T, want error", msg)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("error = %v, want mention of %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeInbound() error = %v", err)
			}
			if msg.requestID() != env.ID {
				t.Errorf("requestID = %q, envelope id = %q", msg.requestID(), env.ID)
			}
		})
	}
}

func TestDecodeInbound_Types(t *testing.T) {
	msg, _, err := decodeInbound([]byte(`{"type":"chat.send","id":"7","content":"hello","session_key":"work"}`))
	if err != nil {
		t.Fatal(err)
	}
	send, ok := msg.(*chatSend)
	if !ok {
		t.Fatalf("decoded %T, want *chatSend", msg)
	}
	if send.Content != "hello" || send.SessionKey != "work" || send.ID != "7" {
		t.Errorf("chatSend = %+v", send)
	}

	msg, _, err = decodeInbound([]byte(`{"type":"schedule.update","id":"8","schedule":{"id":"hb","kind":"heartbeat","cron":"0 9 * * *","enabled":false}}`))
	if err != nil {
		t.Fatal(err)
	}
	update, ok := msg.(*scheduleUpdate)
	if !ok {
		t.Fatalf("decoded %T, want *scheduleUpdate", msg)
	}
	cfg := update.Schedule.config()
	if cfg.Kind != cron.KindHeartbeat || cfg.Enabled || cfg.CronExpr != "0 9 * * *" {
		t.Errorf("config = %+v", cfg)
	}
}

func TestSupportedKinds(t *testing.T) {
	kinds := supportedKinds()
	if len(kinds) != 16 {
		t.Fatalf("supported kinds = %d (%v), want 16", len(kinds), kinds)
	}
	for _, kind := range kinds {
		if _, ok := newInbound(kind); !ok {
			t.Errorf("kind %s has a schema but no message type", kind)
		}
	}
}

func TestParseSteps(t *testing.T) {
	text := "Plan:\n1. Read the config\n2) Check the logs\n- Summarise\n[ ] Report back\n\n"
	got := parseSteps(text)
	want := []string{"Plan:", "Read the config", "Check the logs", "Summarise", "Report back"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("parseSteps() = %q, want %q", got, want)
	}

	long := strings.Repeat("- step\n", 20)
	if got := parseSteps(long); len(got) != preflightMaxSteps {
		t.Errorf("steps = %d, want %d", len(got), preflightMaxSteps)
	}
}
