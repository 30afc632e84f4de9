// Package workflow runs durable, multi-step workflows.
//
// A Definition is an ordered list of steps loaded from YAML. Each step runs a
// tool, a one-shot model completion, or nothing at all. After a step the next
// step is picked by, in order:
//   - the first branch whose condition evaluates true
//   - onSuccess or onFailure, depending on the step outcome
//   - the next step in the list
//
// Steps marked approvalRequired pause the execution until Engine.Resume is
// called. Executions are persisted after every transition, so a paused
// execution survives a restart.
package workflow

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Action is the kind of work a step performs.
type Action string

const (
	ActionTool  Action = "tool"
	ActionModel Action = "model"
	ActionNoop  Action = "noop"
)

// Definition describes a workflow.
type Definition struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Steps       []Step `yaml:"steps" json:"steps"`

	// Source is the file the definition was loaded from, if any.
	Source string `yaml:"-" json:"source,omitempty"`
}

// Step is one unit of work.
type Step struct {
	ID     string `yaml:"id" json:"id"`
	Action Action `yaml:"action" json:"action"`

	// Tool and Args apply to tool steps. String values in Args may contain
	// {{ ... }} templates.
	Tool string         `yaml:"tool,omitempty" json:"tool,omitempty"`
	Args map[string]any `yaml:"args,omitempty" json:"args,omitempty"`

	// Prompt and Model apply to model steps. An empty Model uses the
	// executor's default.
	Prompt string `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	Model  string `yaml:"model,omitempty" json:"model,omitempty"`

	OnSuccess string   `yaml:"on_success,omitempty" json:"on_success,omitempty"`
	OnFailure string   `yaml:"on_failure,omitempty" json:"on_failure,omitempty"`
	Branches  []Branch `yaml:"branches,omitempty" json:"branches,omitempty"`

	Timeout          time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	ApprovalRequired bool          `yaml:"approval_required,omitempty" json:"approval_required,omitempty"`
}

// Branch jumps to Goto when Condition is true.
type Branch struct {
	Condition string `yaml:"condition" json:"condition"`
	Goto      string `yaml:"goto" json:"goto"`
}

// StepIndex returns the position of the step with id, or -1.
func (d *Definition) StepIndex(id string) int {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return i
		}
	}
	return -1
}

// Validate checks the structure of the definition. Transition targets are
// resolved at run time; an unknown target fails the execution.
func (d *Definition) Validate() error {
	var issues []string
	if strings.TrimSpace(d.ID) == "" {
		issues = append(issues, "id is required")
	}
	if len(d.Steps) == 0 {
		issues = append(issues, "at least one step is required")
	}
	seen := make(map[string]bool, len(d.Steps))
	for i, step := range d.Steps {
		label := step.ID
		if strings.TrimSpace(step.ID) == "" {
			issues = append(issues, fmt.Sprintf("steps[%d].id is required", i))
			label = fmt.Sprintf("steps[%d]", i)
		} else if seen[step.ID] {
			issues = append(issues, fmt.Sprintf("duplicate step id %q", step.ID))
		}
		seen[step.ID] = true

		switch step.Action {
		case ActionTool:
			if step.Tool == "" {
				issues = append(issues, label+": tool steps need a tool")
			}
		case ActionModel:
			if strings.TrimSpace(step.Prompt) == "" {
				issues = append(issues, label+": model steps need a prompt")
			}
		case ActionNoop:
		default:
			issues = append(issues, fmt.Sprintf("%s: unknown action %q", label, step.Action))
		}
		for j, b := range step.Branches {
			if _, err := Compile(b.Condition); err != nil {
				issues = append(issues, fmt.Sprintf("%s.branches[%d]: %v", label, j, err))
			}
			if b.Goto == "" {
				issues = append(issues, fmt.Sprintf("%s.branches[%d]: goto is required", label, j))
			}
		}
		if step.Timeout < 0 {
			issues = append(issues, label+": timeout must not be negative")
		}
	}
	if len(issues) > 0 {
		return fmt.Errorf("workflow %q: %s", d.ID, strings.Join(issues, "; "))
	}
	return nil
}

// Status is the lifecycle state of an execution.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StepStatus is the outcome of a single step.
type StepStatus string

const (
	StepSuccess StepStatus = "success"
	StepFailure StepStatus = "failure"
	StepPaused  StepStatus = "paused"
	StepSkipped StepStatus = "skipped"
)

// Trigger records what started an execution.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerCron      Trigger = "cron"
	TriggerHeartbeat Trigger = "heartbeat"
)

// ParseTrigger accepts manual, cron or heartbeat. Empty means manual.
func ParseTrigger(s string) (Trigger, error) {
	switch Trigger(s) {
	case "", TriggerManual:
		return TriggerManual, nil
	case TriggerCron, TriggerHeartbeat:
		return Trigger(s), nil
	}
	return "", fmt.Errorf("unknown trigger %q", s)
}

// StepResult is the recorded outcome of one step.
type StepResult struct {
	Status      StepStatus `json:"status"`
	Output      any        `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	CompletedAt time.Time  `json:"completed_at"`
}

// Execution is the durable state of one workflow run.
type Execution struct {
	ID            string                 `json:"id"`
	WorkflowID    string                 `json:"workflow_id"`
	Status        Status                 `json:"status"`
	CurrentStepID string                 `json:"current_step_id,omitempty"`
	StepResults   map[string]*StepResult `json:"step_results"`
	Trigger       Trigger                `json:"trigger"`
	Error         string                 `json:"error,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
}

// Clone returns a copy that shares no maps or result pointers with e.
// Outputs are shared; they are treated as immutable once recorded.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	out := *e
	out.StepResults = make(map[string]*StepResult, len(e.StepResults))
	for id, r := range e.StepResults {
		if r == nil {
			continue
		}
		copied := *r
		out.StepResults[id] = &copied
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

var (
	// ErrExecutionNotFound is returned for unknown execution ids.
	ErrExecutionNotFound = errors.New("workflow: execution not found")
	// ErrNotPaused is returned when resuming an execution that is not paused.
	ErrNotPaused = errors.New("workflow: execution is not paused")
	// ErrWorkflowNotFound is returned for unknown workflow ids.
	ErrWorkflowNotFound = errors.New("workflow: definition not found")
	// ErrTerminal is returned when cancelling a finished execution.
	ErrTerminal = errors.New("workflow: execution already finished")
)
