package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/HiTek-Dev/tek/internal/agent"
	"github.com/HiTek-Dev/tek/internal/observability"
)

// maxTransitions stops branch cycles that never reach the end.
const maxTransitions = 1000

// Definitions looks up workflow definitions by id. Registry satisfies it.
type Definitions interface {
	Get(id string) (*Definition, bool)
}

// ApprovalHandler is told when an execution pauses on a step.
type ApprovalHandler func(exec *Execution, step Step)

// Engine runs executions step by step and persists every transition.
// Step failures are recorded on the execution; the engine itself only
// returns errors for storage problems and unknown ids.
type Engine struct {
	store    ExecutionStore
	executor *Executor
	defs     Definitions
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	now      func() time.Time

	mu         sync.Mutex
	onApproval ApprovalHandler
	running    map[string]context.CancelFunc
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger.With("component", "workflow")
		}
	}
}

func WithMetrics(metrics *observability.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = metrics }
}

func WithTracer(tracer *observability.Tracer) EngineOption {
	return func(e *Engine) { e.tracer = tracer }
}

// WithApprovalHandler sets the callback invoked when a step pauses.
func WithApprovalHandler(fn ApprovalHandler) EngineOption {
	return func(e *Engine) { e.onApproval = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine. defs is consulted by Resume.
func NewEngine(store ExecutionStore, executor *Executor, defs Definitions, opts ...EngineOption) *Engine {
	e := &Engine{
		store:    store,
		executor: executor,
		defs:     defs,
		logger:   slog.Default().With("component", "workflow"),
		now:      time.Now,
		running:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.executor == nil {
		e.executor = NewExecutor(ExecutorConfig{}, nil, e.logger)
	}
	return e
}

// SetApprovalHandler replaces the approval callback.
func (e *Engine) SetApprovalHandler(fn ApprovalHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onApproval = fn
}

// Definitions returns the lookup used by Resume.
func (e *Engine) Definitions() Definitions { return e.defs }

// Execute creates an execution for def, persists it, and runs it until it
// completes, fails or pauses. The returned execution is a snapshot.
func (e *Engine) Execute(ctx context.Context, def *Definition, trigger Trigger, tools *agent.ToolRegistry) (*Execution, error) {
	if def == nil {
		return nil, errors.New("workflow: definition is required")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if trigger == "" {
		trigger = TriggerManual
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("workflow: execution id: %w", err)
	}
	now := e.now()
	exec := &Execution{
		ID:            id.String(),
		WorkflowID:    def.ID,
		Status:        StatusRunning,
		CurrentStepID: def.Steps[0].ID,
		StepResults:   map[string]*StepResult{},
		Trigger:       trigger,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.Save(ctx, exec); err != nil {
		return nil, fmt.Errorf("workflow: persist execution: %w", err)
	}
	e.metrics.RecordWorkflowStatus(string(StatusRunning))
	e.logger.Info("workflow started", "workflow", def.ID, "execution", exec.ID, "trigger", trigger)

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.running[exec.ID] = cancel
	e.mu.Unlock()
	defer e.release(exec.ID, cancel)

	e.run(runCtx, exec, def, 0, tools)
	return exec.Clone(), nil
}

// Resume continues a paused execution. The step it paused on is marked
// success without running its action, and the run continues from the step
// that follows it.
func (e *Engine) Resume(ctx context.Context, executionID string, tools *agent.ToolRegistry) (*Execution, error) {
	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	if _, busy := e.running[executionID]; busy {
		e.mu.Unlock()
		cancel()
		return nil, ErrNotPaused
	}
	e.running[executionID] = cancel
	e.mu.Unlock()
	defer e.release(executionID, cancel)

	exec, err := e.store.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status != StatusPaused {
		return nil, fmt.Errorf("%w: status %s", ErrNotPaused, exec.Status)
	}
	var def *Definition
	if e.defs != nil {
		def, _ = e.defs.Get(exec.WorkflowID)
	}
	if def == nil {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, exec.WorkflowID)
	}

	exec.Status = StatusRunning
	exec.Error = ""
	e.logger.Info("workflow resumed", "workflow", exec.WorkflowID, "execution", exec.ID, "step", exec.CurrentStepID)

	idx := def.StepIndex(exec.CurrentStepID)
	if idx < 0 {
		e.fail(exec, fmt.Sprintf("paused step %q no longer exists in workflow %q", exec.CurrentStepID, def.ID))
		return exec.Clone(), nil
	}
	approved := &StepResult{Status: StepSuccess, CompletedAt: e.now()}
	exec.StepResults[exec.CurrentStepID] = approved
	e.persist(exec)

	next, err := e.next(def, idx, approved, Scope{Steps: exec.StepResults, Result: approved, Trigger: exec.Trigger})
	if err != nil {
		e.fail(exec, err.Error())
		return exec.Clone(), nil
	}
	e.markSkipped(exec, def, idx, next)
	e.run(runCtx, exec, def, next, tools)
	return exec.Clone(), nil
}

// Cancel fails a running or paused execution with "cancelled". A run in
// progress in this process stops before its next step.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	e.mu.Lock()
	cancel, inFlight := e.running[executionID]
	e.mu.Unlock()
	if inFlight {
		cancel()
		return nil
	}

	exec, err := e.store.Get(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.IsTerminal() {
		return ErrTerminal
	}
	e.fail(exec, "cancelled")
	return nil
}

// Get returns the stored execution.
func (e *Engine) Get(ctx context.Context, executionID string) (*Execution, error) {
	return e.store.Get(ctx, executionID)
}

// List returns recent executions, optionally filtered by status.
func (e *Engine) List(ctx context.Context, status Status, limit int) ([]*Execution, error) {
	return e.store.ListByStatus(ctx, status, limit)
}

// FailInterrupted marks executions left running by a previous process as
// failed. Paused executions are untouched and can still be resumed.
func (e *Engine) FailInterrupted(ctx context.Context) (int, error) {
	execs, err := e.store.ListByStatus(ctx, StatusRunning, 0)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, exec := range execs {
		e.mu.Lock()
		_, live := e.running[exec.ID]
		e.mu.Unlock()
		if live {
			continue
		}
		e.fail(exec, "interrupted by restart")
		n++
	}
	return n, nil
}

func (e *Engine) release(id string, cancel context.CancelFunc) {
	cancel()
	e.mu.Lock()
	delete(e.running, id)
	e.mu.Unlock()
}

// run is the single step loop shared by Execute and Resume.
func (e *Engine) run(ctx context.Context, exec *Execution, def *Definition, start int, tools *agent.ToolRegistry) {
	lastError := ""
	idx := start
	for transitions := 0; idx < len(def.Steps); transitions++ {
		if transitions >= maxTransitions {
			e.fail(exec, fmt.Sprintf("exceeded %d step transitions", maxTransitions))
			return
		}
		if ctx.Err() != nil {
			e.fail(exec, "cancelled")
			return
		}

		step := def.Steps[idx]
		exec.CurrentStepID = step.ID
		if step.ApprovalRequired {
			e.pause(exec, step)
			return
		}

		result := e.runStep(ctx, exec, step, Scope{Steps: exec.StepResults, Error: lastError, Trigger: exec.Trigger}, tools)
		exec.StepResults[step.ID] = result
		if result.Status == StepFailure {
			lastError = result.Error
		}
		e.persist(exec)

		if ctx.Err() != nil {
			e.fail(exec, "cancelled")
			return
		}

		next, err := e.next(def, idx, result, Scope{Steps: exec.StepResults, Result: result, Error: lastError, Trigger: exec.Trigger})
		if err != nil {
			e.fail(exec, err.Error())
			return
		}
		e.markSkipped(exec, def, idx, next)
		idx = next
	}
	e.complete(exec)
}

// markSkipped records the steps a jump from idx to next passes over.
func (e *Engine) markSkipped(exec *Execution, def *Definition, idx, next int) {
	for skip := idx + 1; skip < next && skip < len(def.Steps); skip++ {
		id := def.Steps[skip].ID
		if _, done := exec.StepResults[id]; !done {
			exec.StepResults[id] = &StepResult{Status: StepSkipped, CompletedAt: e.now()}
		}
	}
}

func (e *Engine) runStep(ctx context.Context, exec *Execution, step Step, scope Scope, tools *agent.ToolRegistry) *StepResult {
	ctx, span := e.tracer.TraceWorkflowStep(ctx, exec.ID, step.ID, string(step.Action))
	defer span.End()

	started := e.now()
	result := e.executor.Run(ctx, step, scope, tools)
	result.CompletedAt = e.now()
	e.metrics.ObserveWorkflowStep(string(step.Action), result.CompletedAt.Sub(started).Seconds())

	if result.Status == StepFailure {
		observability.RecordError(span, errors.New(result.Error))
		e.logger.Warn("workflow step failed",
			"workflow", exec.WorkflowID, "execution", exec.ID, "step", step.ID, "error", result.Error)
	} else {
		e.logger.Debug("workflow step finished", "workflow", exec.WorkflowID, "execution", exec.ID, "step", step.ID)
	}
	return result
}

// next picks the following step index: the first true branch, then
// onSuccess or onFailure, then the next step in order. A failed step with
// no failure route fails the execution.
func (e *Engine) next(def *Definition, idx int, result *StepResult, scope Scope) (int, error) {
	step := def.Steps[idx]
	env := scope.Env()
	for i, branch := range step.Branches {
		expr, err := Compile(branch.Condition)
		if err != nil {
			return 0, fmt.Errorf("step %q branch %d: %w", step.ID, i, err)
		}
		ok, err := expr.EvalBool(env)
		if err != nil {
			return 0, fmt.Errorf("step %q branch %d: %w", step.ID, i, err)
		}
		if ok {
			return e.target(def, step.ID, branch.Goto)
		}
	}
	switch result.Status {
	case StepSuccess:
		if step.OnSuccess != "" {
			return e.target(def, step.ID, step.OnSuccess)
		}
	case StepFailure:
		if step.OnFailure != "" {
			return e.target(def, step.ID, step.OnFailure)
		}
		return 0, fmt.Errorf("step %q failed: %s", step.ID, result.Error)
	}
	return idx + 1, nil
}

func (e *Engine) target(def *Definition, from, to string) (int, error) {
	idx := def.StepIndex(to)
	if idx < 0 {
		return 0, fmt.Errorf("step %q: unknown target step %q", from, to)
	}
	return idx, nil
}

func (e *Engine) pause(exec *Execution, step Step) {
	exec.Status = StatusPaused
	exec.StepResults[step.ID] = &StepResult{Status: StepPaused, CompletedAt: e.now()}
	e.persist(exec)
	e.metrics.RecordWorkflowStatus(string(StatusPaused))
	e.logger.Info("workflow paused for approval", "workflow", exec.WorkflowID, "execution", exec.ID, "step", step.ID)

	e.mu.Lock()
	handler := e.onApproval
	e.mu.Unlock()
	if handler != nil {
		handler(exec.Clone(), step)
	}
}

func (e *Engine) complete(exec *Execution) {
	now := e.now()
	exec.Status = StatusCompleted
	exec.CurrentStepID = ""
	exec.CompletedAt = &now
	e.persist(exec)
	e.metrics.RecordWorkflowStatus(string(StatusCompleted))
	e.logger.Info("workflow completed", "workflow", exec.WorkflowID, "execution", exec.ID)
}

func (e *Engine) fail(exec *Execution, msg string) {
	now := e.now()
	exec.Status = StatusFailed
	exec.Error = msg
	exec.CompletedAt = &now
	e.persist(exec)
	e.metrics.RecordWorkflowStatus(string(StatusFailed))
	e.logger.Warn("workflow failed", "workflow", exec.WorkflowID, "execution", exec.ID, "error", msg)
}

// persist saves exec. Saving uses a context that outlives cancellation so
// a cancelled run still records its final state.
func (e *Engine) persist(exec *Execution) {
	exec.UpdatedAt = e.now()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.store.Save(ctx, exec); err != nil {
		e.logger.Error("persist workflow execution", "execution", exec.ID, "error", err)
	}
}
