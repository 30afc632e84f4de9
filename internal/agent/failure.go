package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/HiTek-Dev/tek/pkg/models"
)

// FinishReason values recorded on steps.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool-calls"
	FinishMaxSteps  = "max-steps"
)

// StepRecord summarises one completed model step of a turn. Results only
// include calls that actually ran; denied calls leave no result here.
type StepRecord struct {
	StepType     string              `json:"step_type"`
	FinishReason string              `json:"finish_reason"`
	ToolCalls    []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults  []models.ToolResult `json:"tool_results,omitempty"`
	Text         string              `json:"text,omitempty"`
}

// FailureKind tags a detected stuck pattern.
type FailureKind string

const (
	FailureRepeatedToolError   FailureKind = "repeated-tool-error"
	FailureToolRejectionLoop   FailureKind = "tool-rejection-loop"
	FailureNoProgress          FailureKind = "no-progress"
	FailureMaxStepsApproaching FailureKind = "max-steps-approaching"
)

// failureWindow is how many trailing steps the pattern checks look at.
const failureWindow = 3

// FailurePattern is a classified stuck pattern with a corrective suggestion.
type FailurePattern struct {
	Kind         FailureKind `json:"kind"`
	Description  string      `json:"description"`
	Suggestion   string      `json:"suggestion"`
	AffectedTool string      `json:"affected_tool,omitempty"`
}

var errorIndicators = []string{
	"Error", "error", "denied", "failed", "ENOENT", "EACCES", "not found", "timed out",
}

// ClassifyFailurePattern inspects the steps of the current turn and returns
// the highest-priority pattern, or nil.
func ClassifyFailurePattern(steps []StepRecord, maxSteps int) *FailurePattern {
	if len(steps) >= failureWindow {
		recent := steps[len(steps)-failureWindow:]
		if tool, ok := repeatedToolError(recent); ok {
			return &FailurePattern{
				Kind:         FailureRepeatedToolError,
				Description:  fmt.Sprintf("The last %d steps called %q and every call failed.", failureWindow, tool),
				Suggestion:   fmt.Sprintf("Stop retrying %q with the same approach. Read the error, change the arguments or use a different tool, or explain the problem to the user.", tool),
				AffectedTool: tool,
			}
		}
		if tool, ok := rejectionLoop(recent); ok {
			return &FailurePattern{
				Kind:         FailureToolRejectionLoop,
				Description:  fmt.Sprintf("The last %d tool requests received no result.", failureWindow),
				Suggestion:   "The user is declining these tool calls. Do not request them again; ask the user how they want to proceed.",
				AffectedTool: tool,
			}
		}
		if noProgress(recent) {
			return &FailurePattern{
				Kind:        FailureNoProgress,
				Description: fmt.Sprintf("The last %d steps produced identical tool results.", failureWindow),
				Suggestion:  "Repeating the same calls is not making progress. Summarise what you have and answer, or try a different strategy.",
			}
		}
	}
	if maxSteps > 0 && len(steps) >= maxSteps-1 {
		return &FailurePattern{
			Kind:        FailureMaxStepsApproaching,
			Description: fmt.Sprintf("Step %d of %d reached.", len(steps), maxSteps),
			Suggestion:  "You are about to run out of steps. Finish now with the best answer you have.",
		}
	}
	return nil
}

func repeatedToolError(steps []StepRecord) (string, bool) {
	tool := ""
	for _, step := range steps {
		if len(step.ToolCalls) == 0 || len(step.ToolResults) == 0 {
			return "", false
		}
		for _, call := range step.ToolCalls {
			if tool == "" {
				tool = call.Name
			}
			if call.Name != tool {
				return "", false
			}
		}
		for _, result := range step.ToolResults {
			if !looksLikeError(result) {
				return "", false
			}
		}
	}
	return tool, tool != ""
}

func looksLikeError(result models.ToolResult) bool {
	if result.IsError {
		return true
	}
	for _, indicator := range errorIndicators {
		if strings.Contains(result.Content, indicator) {
			return true
		}
	}
	return false
}

func rejectionLoop(steps []StepRecord) (string, bool) {
	tool := ""
	for _, step := range steps {
		if len(step.ToolCalls) == 0 || len(step.ToolResults) > 0 {
			return "", false
		}
		if tool == "" {
			tool = step.ToolCalls[0].Name
		}
	}
	return tool, true
}

func noProgress(steps []StepRecord) bool {
	var first []byte
	for i, step := range steps {
		if step.FinishReason != FinishToolCalls {
			return false
		}
		data, err := json.Marshal(step.ToolResults)
		if err != nil {
			return false
		}
		if i == 0 {
			first = data
			continue
		}
		if !bytes.Equal(first, data) {
			return false
		}
	}
	return true
}
