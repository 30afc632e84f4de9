package agent

import (
	"testing"

	"github.com/HiTek-Dev/tek/pkg/models"
)

func toolStep(tool, result string, reason string) StepRecord {
	step := StepRecord{
		FinishReason: reason,
		ToolCalls:    []models.ToolCall{{ID: "c", Name: tool}},
	}
	if result != "" {
		step.ToolResults = []models.ToolResult{{ToolCallID: "c", Content: result}}
	}
	return step
}

func TestClassifyFailurePattern_RepeatedToolError(t *testing.T) {
	steps := []StepRecord{
		toolStep("shell", "Error: exit status 1", FinishToolCalls),
		toolStep("shell", "ls: ENOENT", FinishToolCalls),
		toolStep("shell", "permission denied", FinishToolCalls),
	}

	got := ClassifyFailurePattern(steps, 10)
	if got == nil {
		t.Fatal("expected a pattern")
	}
	if got.Kind != FailureRepeatedToolError {
		t.Errorf("kind = %q, want repeated-tool-error", got.Kind)
	}
	if got.AffectedTool != "shell" {
		t.Errorf("affected tool = %q, want shell", got.AffectedTool)
	}
	if got.Suggestion == "" || got.Description == "" {
		t.Error("expected description and suggestion")
	}
}

func TestClassifyFailurePattern_MixedToolsNotRepeated(t *testing.T) {
	steps := []StepRecord{
		toolStep("shell", "Error", FinishToolCalls),
		toolStep("fetch", "Error", FinishToolCalls),
		toolStep("shell", "Error", FinishToolCalls),
	}
	if got := ClassifyFailurePattern(steps, 10); got != nil && got.Kind == FailureRepeatedToolError {
		t.Errorf("different tools must not be repeated-tool-error")
	}
}

func TestClassifyFailurePattern_RejectionLoop(t *testing.T) {
	steps := []StepRecord{
		toolStep("write_file", "", FinishToolCalls),
		toolStep("write_file", "", FinishToolCalls),
		toolStep("shell", "", FinishToolCalls),
	}
	got := ClassifyFailurePattern(steps, 10)
	if got == nil || got.Kind != FailureToolRejectionLoop {
		t.Fatalf("pattern = %+v, want tool-rejection-loop", got)
	}
}

func TestClassifyFailurePattern_NoProgress(t *testing.T) {
	steps := []StepRecord{
		toolStep("read_file", "same contents", FinishToolCalls),
		toolStep("read_file", "same contents", FinishToolCalls),
		toolStep("read_file", "same contents", FinishToolCalls),
	}
	got := ClassifyFailurePattern(steps, 10)
	if got == nil || got.Kind != FailureNoProgress {
		t.Fatalf("pattern = %+v, want no-progress", got)
	}
}

func TestClassifyFailurePattern_MaxStepsApproaching(t *testing.T) {
	steps := []StepRecord{
		toolStep("read_file", "a", FinishToolCalls),
		toolStep("read_file", "b", FinishToolCalls),
		toolStep("read_file", "c", FinishToolCalls),
		toolStep("read_file", "d", FinishToolCalls),
	}
	got := ClassifyFailurePattern(steps, 5)
	if got == nil || got.Kind != FailureMaxStepsApproaching {
		t.Fatalf("pattern = %+v, want max-steps-approaching", got)
	}
	if got := ClassifyFailurePattern(steps, 10); got != nil {
		t.Errorf("pattern = %+v, want none", got)
	}
}

func TestClassifyFailurePattern_PriorityOverMaxSteps(t *testing.T) {
	steps := []StepRecord{
		toolStep("shell", "failed", FinishToolCalls),
		toolStep("shell", "failed", FinishToolCalls),
		toolStep("shell", "failed", FinishToolCalls),
	}
	got := ClassifyFailurePattern(steps, 3)
	if got == nil || got.Kind != FailureRepeatedToolError {
		t.Fatalf("pattern = %+v, want repeated-tool-error to win", got)
	}
}

func TestClassifyFailurePattern_TooFewSteps(t *testing.T) {
	steps := []StepRecord{toolStep("shell", "Error", FinishToolCalls)}
	if got := ClassifyFailurePattern(steps, 10); got != nil {
		t.Errorf("pattern = %+v, want nil", got)
	}
}
