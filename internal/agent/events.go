package agent

import "github.com/HiTek-Dev/tek/pkg/models"

// EventType identifies an agent loop event.
type EventType string

const (
	EventTextDelta       EventType = "text_delta"
	EventToolCall        EventType = "tool_call"
	EventApprovalRequest EventType = "approval_request"
	EventToolResult      EventType = "tool_result"
	EventFailurePattern  EventType = "failure_pattern"
	EventStepFinish      EventType = "step_finish"
	EventFinish          EventType = "finish"
	EventError           EventType = "error"
)

// Event is one item of a turn's event stream. Exactly one of the payload
// fields is set, matching Type. A stream ends with EventFinish or EventError.
type Event struct {
	Type EventType
	Step int

	Text       string
	ToolCall   *models.ToolCall
	ToolResult *models.ToolResult
	// ToolName accompanies ToolResult.
	ToolName string
	Failure  *FailurePattern
	Record   *StepRecord
	Usage    *TurnUsage
	Error    *TurnError
}

// TurnUsage reports token usage and cost of a finished turn.
type TurnUsage struct {
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
	Steps        int     `json:"steps"`
	FinishReason string  `json:"finish_reason"`
	// Text is the final assistant text of the last step.
	Text string `json:"-"`
}

// TurnError is a typed failure surfaced to the client.
type TurnError struct {
	Code    string
	Message string
	Err     error
}
