package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/HiTek-Dev/tek/internal/agent"
	agentctx "github.com/HiTek-Dev/tek/internal/agent/context"
	"github.com/HiTek-Dev/tek/internal/agent/routing"
	"github.com/HiTek-Dev/tek/internal/cron"
	"github.com/HiTek-Dev/tek/internal/heartbeat"
	"github.com/HiTek-Dev/tek/internal/usage"
	"github.com/HiTek-Dev/tek/internal/workflow"
	"github.com/HiTek-Dev/tek/pkg/models"
)

// Inbound message kinds.
const (
	KindChatSend             = "chat.send"
	KindChatCancel           = "chat.cancel"
	KindChatRouteConfirm     = "chat.route.confirm"
	KindToolApprovalResponse = "tool.approval.response"
	KindPreflightApproval    = "preflight.approval"
	KindContextInspect       = "context.inspect"
	KindUsageQuery           = "usage.query"
	KindSessionList          = "session.list"
	KindWorkflowTrigger      = "workflow.trigger"
	KindWorkflowApproval     = "workflow.approval"
	KindWorkflowStatus       = "workflow.status"
	KindScheduleCreate       = "schedule.create"
	KindScheduleUpdate       = "schedule.update"
	KindScheduleDelete       = "schedule.delete"
	KindScheduleList         = "schedule.list"
	KindHeartbeatConfigure   = "heartbeat.configure"
)

// Outbound message kinds.
const (
	KindStreamStart             = "chat.stream.start"
	KindStreamDelta             = "chat.stream.delta"
	KindStreamEnd               = "chat.stream.end"
	KindRoutePropose            = "chat.route.propose"
	KindToolCall                = "tool.call"
	KindToolResult              = "tool.result"
	KindToolApprovalRequest     = "tool.approval.request"
	KindFailureDetected         = "failure.detected"
	KindPreflightChecklist      = "preflight.checklist"
	KindError                   = "error"
	KindSessionCreated          = "session.created"
	KindSessionListResult       = "session.list.result"
	KindUsageReport             = "usage.report"
	KindContextInspection       = "context.inspection"
	KindWorkflowApprovalRequest = "workflow.approval.request"
	KindScheduleListResult      = "schedule.list.result"
	KindScheduleUpdated         = "schedule.updated"
	KindHeartbeatAlert          = "heartbeat.alert"
)

// envelope is the part every inbound frame shares.
type envelope struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (e envelope) requestID() string { return e.ID }

// inbound is a decoded client message. The set of implementations is closed:
// each kind dispatches to its own inboundHandler method.
type inbound interface {
	requestID() string
	dispatch(h inboundHandler)
}

// inboundHandler handles every inbound kind. Adding a kind without a
// handler method fails to compile.
type inboundHandler interface {
	handleChatSend(m *chatSend)
	handleChatCancel(m *chatCancel)
	handleChatRouteConfirm(m *chatRouteConfirm)
	handleToolApprovalResponse(m *toolApprovalResponse)
	handlePreflightApproval(m *preflightApproval)
	handleContextInspect(m *contextInspect)
	handleUsageQuery(m *usageQuery)
	handleSessionList(m *sessionList)
	handleWorkflowTrigger(m *workflowTrigger)
	handleWorkflowApproval(m *workflowApproval)
	handleWorkflowStatus(m *workflowStatus)
	handleScheduleCreate(m *scheduleCreate)
	handleScheduleUpdate(m *scheduleUpdate)
	handleScheduleDelete(m *scheduleDelete)
	handleScheduleList(m *scheduleList)
	handleHeartbeatConfigure(m *heartbeatConfigure)
}

type chatSend struct {
	envelope
	Content string `json:"content"`
	// SessionID continues a session; SessionKey names one, created on demand.
	SessionID  string `json:"session_id,omitempty"`
	SessionKey string `json:"session_key,omitempty"`
	// Model skips routing with an explicit "provider:model".
	Model    string `json:"model,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
}

type chatCancel struct {
	envelope
}

type chatRouteConfirm struct {
	envelope
	// RequestID is the id of the chat.send that was proposed.
	RequestID string `json:"request_id"`
	// Model overrides the proposed "provider:model".
	Model string `json:"model,omitempty"`
}

type toolApprovalResponse struct {
	envelope
	ToolCallID string `json:"tool_call_id"`
	Approved   bool   `json:"approved"`
}

type preflightApproval struct {
	envelope
	RequestID string `json:"request_id"`
	Approved  bool   `json:"approved"`
}

type contextInspect struct {
	envelope
	SessionID string `json:"session_id,omitempty"`
	// Content is a draft message measured as the user message section.
	Content string `json:"content,omitempty"`
	Model   string `json:"model,omitempty"`
}

type usageQuery struct {
	envelope
	SessionID string `json:"session_id,omitempty"`
	// All reports usage across every session.
	All bool `json:"all,omitempty"`
}

type sessionList struct {
	envelope
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

type workflowTrigger struct {
	envelope
	WorkflowID string `json:"workflow_id"`
	Trigger    string `json:"trigger,omitempty"`
}

type workflowApproval struct {
	envelope
	ExecutionID string `json:"execution_id"`
	Approved    bool   `json:"approved"`
}

type workflowStatus struct {
	envelope
	ExecutionID string `json:"execution_id,omitempty"`
	Status      string `json:"status,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

// scheduleSpec is the wire form of a schedule.
type scheduleSpec struct {
	ID          string            `json:"id"`
	Name        string            `json:"name,omitempty"`
	Kind        string            `json:"kind"`
	Cron        string            `json:"cron"`
	Timezone    string            `json:"timezone,omitempty"`
	MaxRuns     int               `json:"max_runs,omitempty"`
	ActiveHours *cron.ActiveHours `json:"active_hours,omitempty"`
	WorkflowID  string            `json:"workflow_id,omitempty"`
	Checklist   string            `json:"checklist,omitempty"`
	Enabled     *bool             `json:"enabled,omitempty"`
}

func (s scheduleSpec) config() cron.ScheduleConfig {
	return cron.ScheduleConfig{
		ID:          s.ID,
		Name:        s.Name,
		Kind:        cron.Kind(s.Kind),
		CronExpr:    s.Cron,
		Timezone:    s.Timezone,
		MaxRuns:     s.MaxRuns,
		ActiveHours: s.ActiveHours,
		WorkflowID:  s.WorkflowID,
		Checklist:   s.Checklist,
		Enabled:     s.Enabled == nil || *s.Enabled,
	}
}

type scheduleCreate struct {
	envelope
	Schedule scheduleSpec `json:"schedule"`
}

type scheduleUpdate struct {
	envelope
	Schedule scheduleSpec `json:"schedule"`
}

type scheduleDelete struct {
	envelope
	ScheduleID string `json:"schedule_id"`
}

type scheduleList struct {
	envelope
}

type heartbeatConfigure struct {
	envelope
	Name        string            `json:"name"`
	Cron        string            `json:"cron"`
	Timezone    string            `json:"timezone,omitempty"`
	Checklist   string            `json:"checklist,omitempty"`
	ActiveHours *cron.ActiveHours `json:"active_hours,omitempty"`
	Enabled     *bool             `json:"enabled,omitempty"`
	// RunNow fires the heartbeat once after saving it.
	RunNow bool `json:"run_now,omitempty"`
}

func (m *chatSend) dispatch(h inboundHandler)             { h.handleChatSend(m) }
func (m *chatCancel) dispatch(h inboundHandler)           { h.handleChatCancel(m) }
func (m *chatRouteConfirm) dispatch(h inboundHandler)     { h.handleChatRouteConfirm(m) }
func (m *toolApprovalResponse) dispatch(h inboundHandler) { h.handleToolApprovalResponse(m) }
func (m *preflightApproval) dispatch(h inboundHandler)    { h.handlePreflightApproval(m) }
func (m *contextInspect) dispatch(h inboundHandler)       { h.handleContextInspect(m) }
func (m *usageQuery) dispatch(h inboundHandler)           { h.handleUsageQuery(m) }
func (m *sessionList) dispatch(h inboundHandler)          { h.handleSessionList(m) }
func (m *workflowTrigger) dispatch(h inboundHandler)      { h.handleWorkflowTrigger(m) }
func (m *workflowApproval) dispatch(h inboundHandler)     { h.handleWorkflowApproval(m) }
func (m *workflowStatus) dispatch(h inboundHandler)       { h.handleWorkflowStatus(m) }
func (m *scheduleCreate) dispatch(h inboundHandler)       { h.handleScheduleCreate(m) }
func (m *scheduleUpdate) dispatch(h inboundHandler)       { h.handleScheduleUpdate(m) }
func (m *scheduleDelete) dispatch(h inboundHandler)       { h.handleScheduleDelete(m) }
func (m *scheduleList) dispatch(h inboundHandler)         { h.handleScheduleList(m) }
func (m *heartbeatConfigure) dispatch(h inboundHandler)   { h.handleHeartbeatConfigure(m) }

// newInbound returns an empty message for kind.
func newInbound(kind string) (inbound, bool) {
	switch kind {
	case KindChatSend:
		return &chatSend{}, true
	case KindChatCancel:
		return &chatCancel{}, true
	case KindChatRouteConfirm:
		return &chatRouteConfirm{}, true
	case KindToolApprovalResponse:
		return &toolApprovalResponse{}, true
	case KindPreflightApproval:
		return &preflightApproval{}, true
	case KindContextInspect:
		return &contextInspect{}, true
	case KindUsageQuery:
		return &usageQuery{}, true
	case KindSessionList:
		return &sessionList{}, true
	case KindWorkflowTrigger:
		return &workflowTrigger{}, true
	case KindWorkflowApproval:
		return &workflowApproval{}, true
	case KindWorkflowStatus:
		return &workflowStatus{}, true
	case KindScheduleCreate:
		return &scheduleCreate{}, true
	case KindScheduleUpdate:
		return &scheduleUpdate{}, true
	case KindScheduleDelete:
		return &scheduleDelete{}, true
	case KindScheduleList:
		return &scheduleList{}, true
	case KindHeartbeatConfigure:
		return &heartbeatConfigure{}, true
	}
	return nil, false
}

// decodeInbound validates raw against the envelope and kind schemas and
// decodes it. The returned envelope is filled as far as it could be parsed,
// so errors can still carry the correlation id.
func decodeInbound(raw []byte) (inbound, envelope, error) {
	var env envelope
	_ = json.Unmarshal(raw, &env) //nolint:errcheck
	if err := validateInbound(raw, env.Type); err != nil {
		return nil, env, err
	}
	msg, ok := newInbound(env.Type)
	if !ok {
		return nil, env, fmt.Errorf("unknown message type %q", env.Type)
	}
	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, env, err
	}
	return msg, env, nil
}

// Outbound frames.

type streamStart struct {
	Type      string  `json:"type"`
	ID        string  `json:"id,omitempty"`
	SessionID string  `json:"session_id"`
	Model     string  `json:"model"`
	Tier      string  `json:"tier,omitempty"`
	Reason    string  `json:"reason,omitempty"`
	Pressure  float64 `json:"pressure,omitempty"`
}

type streamDelta struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	Delta string `json:"delta"`
}

type streamEnd struct {
	Type         string           `json:"type"`
	ID           string           `json:"id,omitempty"`
	SessionID    string           `json:"session_id"`
	FinishReason string           `json:"finish_reason,omitempty"`
	Usage        *agent.TurnUsage `json:"usage,omitempty"`
}

type routePropose struct {
	Type         string                `json:"type"`
	ID           string                `json:"id,omitempty"`
	Decision     routing.Decision      `json:"decision"`
	Alternatives []routing.Alternative `json:"alternatives"`
}

type toolCallFrame struct {
	Type       string          `json:"type"`
	ID         string          `json:"id,omitempty"`
	ToolCallID string          `json:"tool_call_id"`
	Name       string          `json:"name"`
	Input      json.RawMessage `json:"input,omitempty"`
	Step       int             `json:"step"`
}

type toolResultFrame struct {
	Type       string `json:"type"`
	ID         string `json:"id,omitempty"`
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

type toolApprovalRequest struct {
	Type       string          `json:"type"`
	ID         string          `json:"id,omitempty"`
	ToolCallID string          `json:"tool_call_id"`
	Name       string          `json:"name"`
	Input      json.RawMessage `json:"input,omitempty"`
	Tier       string          `json:"tier"`
	TimeoutMs  int64           `json:"timeout_ms"`
}

type failureDetected struct {
	Type    string                `json:"type"`
	ID      string                `json:"id,omitempty"`
	Pattern *agent.FailurePattern `json:"pattern"`
}

type preflightFrame struct {
	Type      string     `json:"type"`
	ID        string     `json:"id,omitempty"`
	Checklist *Checklist `json:"checklist"`
}

type errorFrame struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type sessionCreated struct {
	Type       string `json:"type"`
	ID         string `json:"id,omitempty"`
	SessionID  string `json:"session_id"`
	SessionKey string `json:"session_key"`
	Model      string `json:"model,omitempty"`
}

type sessionListResult struct {
	Type     string            `json:"type"`
	ID       string            `json:"id,omitempty"`
	Sessions []*models.Session `json:"sessions"`
}

type usageReport struct {
	Type    string           `json:"type"`
	ID      string           `json:"id,omitempty"`
	Turn    *agent.TurnUsage `json:"turn,omitempty"`
	Summary *usage.Summary   `json:"summary,omitempty"`
}

type contextInspection struct {
	Type            string             `json:"type"`
	ID              string             `json:"id,omitempty"`
	SessionID       string             `json:"session_id,omitempty"`
	Model           string             `json:"model"`
	Sections        []agentctx.Section `json:"sections"`
	Totals          agentctx.Totals    `json:"totals"`
	HistoryIncluded int                `json:"history_included"`
	Pressure        agentctx.Pressure  `json:"pressure"`
}

type workflowStatusFrame struct {
	Type       string                `json:"type"`
	ID         string                `json:"id,omitempty"`
	Execution  *workflow.Execution   `json:"execution,omitempty"`
	Executions []*workflow.Execution `json:"executions,omitempty"`
}

type workflowApprovalRequest struct {
	Type        string `json:"type"`
	ExecutionID string `json:"execution_id"`
	WorkflowID  string `json:"workflow_id"`
	StepID      string `json:"step_id"`
	Action      string `json:"action"`
	Tool        string `json:"tool,omitempty"`
}

type scheduleListResult struct {
	Type      string                 `json:"type"`
	ID        string                 `json:"id,omitempty"`
	Schedules []*cron.ScheduleConfig `json:"schedules"`
	Entries   []cron.Entry           `json:"entries"`
}

type scheduleUpdated struct {
	Type       string               `json:"type"`
	ID         string               `json:"id,omitempty"`
	ScheduleID string               `json:"schedule_id"`
	Schedule   *cron.ScheduleConfig `json:"schedule,omitempty"`
	Deleted    bool                 `json:"deleted,omitempty"`
}

type heartbeatAlert struct {
	Type     string           `json:"type"`
	Schedule string           `json:"schedule"`
	Result   heartbeat.Result `json:"result"`
	At       time.Time        `json:"at"`
}
