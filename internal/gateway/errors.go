package gateway

import (
	"errors"

	"github.com/HiTek-Dev/tek/internal/agent"
	"github.com/HiTek-Dev/tek/internal/cron"
	"github.com/HiTek-Dev/tek/internal/sessions"
	"github.com/HiTek-Dev/tek/internal/workflow"
)

// Error codes carried by error frames.
const (
	CodeInvalidMessage   = "INVALID_MESSAGE"
	CodeStreamInProgress = "STREAM_IN_PROGRESS"
	CodeAgentStream      = agent.CodeStreamError
	CodeAgentLoop        = agent.CodeLoopError
	CodeLLM              = "LLM_ERROR"
	CodeNotFound         = "NOT_FOUND"
	CodeWorkflow         = "WORKFLOW_ERROR"
	CodeSchedule         = "SCHEDULE_ERROR"
	CodeInternal         = "INTERNAL_ERROR"
)

// codeFor maps a store or engine error to an error code, using fallback for
// anything that is not a lookup miss.
func codeFor(err error, fallback string) string {
	switch {
	case errors.Is(err, sessions.ErrNotFound),
		errors.Is(err, workflow.ErrExecutionNotFound),
		errors.Is(err, workflow.ErrWorkflowNotFound),
		errors.Is(err, cron.ErrScheduleNotFound):
		return CodeNotFound
	}
	return fallback
}
