package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrNoProvider indicates a turn was started without a provider.
	ErrNoProvider = errors.New("no provider configured")

	// ErrEmptyResponse indicates a one-shot completion produced no text.
	ErrEmptyResponse = errors.New("empty model response")
)

// Error codes carried by EventError. The gateway forwards them verbatim.
const (
	CodeStreamError = "AGENT_STREAM_ERROR"
	CodeLoopError   = "AGENT_LOOP_ERROR"
)

// LoopPhase represents a distinct phase in the agent loop lifecycle.
type LoopPhase string

const (
	PhaseInit         LoopPhase = "init"
	PhaseStream       LoopPhase = "stream"
	PhaseExecuteTools LoopPhase = "execute_tools"
	PhaseApproval     LoopPhase = "awaiting_approval"
	PhaseComplete     LoopPhase = "complete"
)

// LoopError represents an error that occurred during the agent loop.
type LoopError struct {
	// Phase is the loop phase where the error occurred
	Phase LoopPhase

	// Iteration is the step index where the error occurred
	Iteration int

	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *LoopError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("loop error at %s (iteration %d): %s", e.Phase, e.Iteration, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("loop error at %s (iteration %d): %v", e.Phase, e.Iteration, e.Cause)
	}
	return fmt.Sprintf("loop error at %s (iteration %d)", e.Phase, e.Iteration)
}

// Unwrap returns the underlying error.
func (e *LoopError) Unwrap() error {
	return e.Cause
}
