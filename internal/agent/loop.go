package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/HiTek-Dev/tek/internal/observability"
	"github.com/HiTek-Dev/tek/internal/usage"
	"github.com/HiTek-Dev/tek/pkg/models"
)

const (
	defaultMaxSteps  = 10
	defaultMaxTokens = 4096
	eventBufferSize  = 64

	// DeniedToolMessage is the tool result sent to the model for a call the
	// user did not approve.
	DeniedToolMessage = "Tool execution denied by user"
)

// LoopConfig configures the agent loop.
type LoopConfig struct {
	// MaxSteps limits model calls per turn. Default: 10
	MaxSteps int

	// MaxTokens is the max tokens per model response. Default: 4096
	MaxTokens int

	// ApprovalTimeout bounds each approval wait. Default: 60s
	ApprovalTimeout time.Duration
}

// Loop drives conversational turns through a model and its tools. A Loop is
// stateless between turns and safe for concurrent use.
type Loop struct {
	config  LoopConfig
	pricing usage.Pricing
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithLogger sets the loop logger.
func WithLogger(logger *slog.Logger) LoopOption {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics records turn, tool and approval metrics.
func WithMetrics(metrics *observability.Metrics) LoopOption {
	return func(l *Loop) { l.metrics = metrics }
}

// WithTracer wraps turns, model calls and tools in spans.
func WithTracer(tracer *observability.Tracer) LoopOption {
	return func(l *Loop) { l.tracer = tracer }
}

// WithPricing sets the price table used for turn cost.
func WithPricing(pricing usage.Pricing) LoopOption {
	return func(l *Loop) { l.pricing = pricing }
}

// NewLoop creates a loop.
func NewLoop(config LoopConfig, opts ...LoopOption) *Loop {
	if config.MaxSteps <= 0 {
		config.MaxSteps = defaultMaxSteps
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = defaultMaxTokens
	}
	if config.ApprovalTimeout <= 0 {
		config.ApprovalTimeout = DefaultApprovalTimeout
	}
	l := &Loop{
		config:  config,
		pricing: usage.DefaultPricing(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "agent")
	return l
}

// Config returns the effective configuration.
func (l *Loop) Config() LoopConfig {
	return l.config
}

// Turn is the input of one Run.
type Turn struct {
	SessionID string
	Provider  LLMProvider
	// Model is the provider-local model id.
	Model    string
	System   string
	Messages []CompletionMessage
	Tools    *ToolRegistry
	Policy   *ApprovalPolicy
	// Approvals parks calls needing approval. Nil denies them.
	Approvals *ApprovalWaiter
}

type turnState struct {
	turn       Turn
	events     chan Event
	messages   []CompletionMessage
	steps      []StepRecord
	usage      TurnUsage
	suggestion string
	text       string
}

// Run executes a turn and streams its events. The channel always closes and
// always ends with EventFinish or EventError (unless ctx is cancelled while
// the consumer has stopped reading).
func (l *Loop) Run(ctx context.Context, turn Turn) <-chan Event {
	events := make(chan Event, eventBufferSize)

	go func() {
		defer close(events)

		state := &turnState{
			turn:     turn,
			events:   events,
			messages: append([]CompletionMessage(nil), turn.Messages...),
		}
		if turn.Provider != nil {
			state.usage.Provider = turn.Provider.Name()
		}
		state.usage.Model = turn.Model

		ctx, span := l.tracer.TraceTurn(ctx, turn.SessionID, turn.Model)
		defer span.End()

		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("panic in agent loop: %v", r)
				l.logger.Error("agent loop panicked", "session_id", turn.SessionID, "panic", r)
				observability.RecordError(span, err)
				l.fail(ctx, state, CodeLoopError, &LoopError{Phase: PhaseComplete, Iteration: len(state.steps), Cause: err})
			}
		}()

		if turn.Provider == nil {
			l.fail(ctx, state, CodeLoopError, &LoopError{Phase: PhaseInit, Cause: ErrNoProvider})
			return
		}

		for step := 0; step < l.config.MaxSteps; step++ {
			if err := ctx.Err(); err != nil {
				l.fail(ctx, state, CodeLoopError, &LoopError{Phase: PhaseStream, Iteration: step, Cause: err})
				return
			}
			done, err := l.runStep(ctx, state, step)
			if err != nil {
				observability.RecordError(span, err)
				return
			}
			if done {
				l.finish(ctx, state, FinishStop)
				return
			}
		}
		l.finish(ctx, state, FinishMaxSteps)
	}()

	return events
}

// runStep performs one model call plus tool dispatch. It reports done when
// the model answered without tool calls. A non-nil error has already been
// emitted as EventError.
func (l *Loop) runStep(ctx context.Context, state *turnState, step int) (bool, error) {
	system := state.turn.System
	if state.suggestion != "" {
		system = strings.TrimSpace(system + "\n\n" + state.suggestion)
	}
	req := &CompletionRequest{
		Model:     state.turn.Model,
		System:    system,
		Messages:  state.messages,
		MaxTokens: l.config.MaxTokens,
	}
	if state.turn.Provider.SupportsTools() {
		req.Tools = state.turn.Tools.AsLLMTools()
	}

	llmCtx, llmSpan := l.tracer.TraceLLMRequest(ctx, state.usage.Provider, state.turn.Model)
	started := time.Now()
	chunks, err := state.turn.Provider.Complete(llmCtx, req)
	if err != nil {
		llmSpan.End()
		loopErr := &LoopError{Phase: PhaseStream, Iteration: step, Cause: err}
		l.fail(ctx, state, CodeLoopError, loopErr)
		return false, loopErr
	}

	var (
		text      strings.Builder
		toolCalls []models.ToolCall
		inTokens  int
		outTokens int
	)
	for chunk := range chunks {
		if chunk.Error != nil {
			for range chunks {
			}
			llmSpan.End()
			loopErr := &LoopError{Phase: PhaseStream, Iteration: step, Cause: chunk.Error}
			l.fail(ctx, state, CodeStreamError, loopErr)
			return false, loopErr
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			l.emit(ctx, state.events, Event{Type: EventTextDelta, Step: step, Text: chunk.Text})
		}
		if chunk.ToolCall != nil {
			toolCalls = append(toolCalls, *chunk.ToolCall)
		}
		if chunk.Done {
			inTokens, outTokens = chunk.InputTokens, chunk.OutputTokens
		}
	}
	llmSpan.End()
	if err := ctx.Err(); err != nil {
		loopErr := &LoopError{Phase: PhaseStream, Iteration: step, Cause: err}
		l.fail(ctx, state, CodeStreamError, loopErr)
		return false, loopErr
	}
	l.metrics.RecordLLMRequest(state.usage.Provider, state.turn.Model, time.Since(started).Seconds(), inTokens, outTokens)
	state.usage.InputTokens += int64(inTokens)
	state.usage.OutputTokens += int64(outTokens)
	state.text = text.String()

	record := StepRecord{
		StepType:     stepType(step, state.steps),
		FinishReason: FinishStop,
		Text:         state.text,
		ToolCalls:    toolCalls,
	}
	state.messages = append(state.messages, CompletionMessage{
		Role:      string(models.RoleAssistant),
		Content:   state.text,
		ToolCalls: toolCalls,
	})

	if len(toolCalls) == 0 {
		state.steps = append(state.steps, record)
		l.stepFinished(ctx, state, step, &record)
		return true, nil
	}

	record.FinishReason = FinishToolCalls
	results := make([]models.ToolResult, 0, len(toolCalls))
	for i := range toolCalls {
		result, ran := l.dispatchTool(ctx, state, step, &toolCalls[i])
		results = append(results, result)
		if ran {
			record.ToolResults = append(record.ToolResults, result)
		}
	}
	state.messages = append(state.messages, CompletionMessage{
		Role:        string(models.RoleTool),
		ToolResults: results,
	})
	state.steps = append(state.steps, record)
	l.stepFinished(ctx, state, step, &record)

	state.suggestion = ""
	if pattern := ClassifyFailurePattern(state.steps, l.config.MaxSteps); pattern != nil {
		l.logger.Info("failure pattern detected",
			"session_id", state.turn.SessionID,
			"pattern", pattern.Kind,
			"tool", pattern.AffectedTool,
			"step", step,
		)
		l.metrics.RecordFailurePattern(string(pattern.Kind))
		l.emit(ctx, state.events, Event{Type: EventFailurePattern, Step: step, Failure: pattern})
		state.suggestion = pattern.Suggestion
	}
	return false, nil
}

// dispatchTool announces, gates and runs one call. ran is false when the
// call never executed because approval was withheld.
func (l *Loop) dispatchTool(ctx context.Context, state *turnState, step int, call *models.ToolCall) (models.ToolResult, bool) {
	l.emit(ctx, state.events, Event{Type: EventToolCall, Step: step, ToolCall: call})

	if CheckApproval(call.Name, state.turn.Policy) {
		outcome := OutcomeDenied
		if state.turn.Approvals != nil {
			state.turn.Approvals.Expect(call.ID)
			l.emit(ctx, state.events, Event{Type: EventApprovalRequest, Step: step, ToolCall: call})
			outcome = state.turn.Approvals.Wait(ctx, call.ID, l.config.ApprovalTimeout)
		}
		l.metrics.RecordApproval(string(outcome))
		if !outcome.Approved() {
			l.logger.Info("tool call denied", "tool", call.Name, "tool_call_id", call.ID, "outcome", outcome)
			l.metrics.RecordToolExecution(call.Name, "denied")
			result := models.ToolResult{ToolCallID: call.ID, Content: DeniedToolMessage, IsError: true}
			l.emit(ctx, state.events, Event{Type: EventToolResult, Step: step, ToolName: call.Name, ToolResult: &result})
			return result, false
		}
		if state.turn.Policy.TierFor(call.Name) == TierSession {
			RecordSessionApproval(state.turn.Policy, call.Name)
		}
	}

	toolCtx, span := l.tracer.TraceToolExecution(ctx, call.Name)
	res, err := state.turn.Tools.Execute(toolCtx, call.Name, call.Input)
	span.End()

	result := models.ToolResult{ToolCallID: call.ID}
	switch {
	case err != nil:
		result.Content = "Error: " + err.Error()
		result.IsError = true
	case res == nil:
		result.Content = ""
	default:
		result.Content = res.Content
		result.IsError = res.IsError
	}
	status := "success"
	if result.IsError {
		status = "error"
	}
	l.metrics.RecordToolExecution(call.Name, status)
	l.emit(ctx, state.events, Event{Type: EventToolResult, Step: step, ToolName: call.Name, ToolResult: &result})
	return result, true
}

func (l *Loop) stepFinished(ctx context.Context, state *turnState, step int, record *StepRecord) {
	l.logger.Debug("step finished",
		"session_id", state.turn.SessionID,
		"step", step,
		"finish_reason", record.FinishReason,
		"tool_calls", len(record.ToolCalls),
	)
	l.emit(ctx, state.events, Event{Type: EventStepFinish, Step: step, Record: record})
}

func (l *Loop) finish(ctx context.Context, state *turnState, reason string) {
	state.usage.Steps = len(state.steps)
	state.usage.FinishReason = reason
	state.usage.Text = state.text
	if cost, ok := l.pricing.Lookup(state.usage.Provider + ":" + state.usage.Model); ok {
		state.usage.Cost = cost.Estimate(&usage.Usage{
			InputTokens:  state.usage.InputTokens,
			OutputTokens: state.usage.OutputTokens,
		})
	}
	l.metrics.TurnFinished("completed")
	turnUsage := state.usage
	l.emit(ctx, state.events, Event{Type: EventFinish, Step: len(state.steps), Usage: &turnUsage})
}

func (l *Loop) fail(ctx context.Context, state *turnState, code string, err *LoopError) {
	status := "error"
	if ctx.Err() != nil {
		status = "cancelled"
	}
	l.logger.Warn("agent turn failed", "session_id", state.turn.SessionID, "code", code, "error", err)
	l.metrics.TurnFinished(status)
	l.emit(ctx, state.events, Event{
		Type:  EventError,
		Step:  err.Iteration,
		Error: &TurnError{Code: code, Message: err.Error(), Err: err},
	})
}

// emit prefers delivering over observing cancellation so terminal events
// reach a consumer that is still reading.
func (l *Loop) emit(ctx context.Context, events chan<- Event, ev Event) {
	select {
	case events <- ev:
		return
	default:
	}
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

func stepType(step int, previous []StepRecord) string {
	if step == 0 {
		return "initial"
	}
	if n := len(previous); n > 0 && len(previous[n-1].ToolCalls) > 0 {
		return "tool-result"
	}
	return "continue"
}
