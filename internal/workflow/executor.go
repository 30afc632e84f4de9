package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/HiTek-Dev/tek/internal/agent"
	"github.com/HiTek-Dev/tek/pkg/models"
)

// DefaultStepTimeout bounds a step that sets no timeout of its own.
const DefaultStepTimeout = 5 * time.Minute

// ModelResolver maps a "provider:model" id to a provider.
// providers.Registry satisfies it.
type ModelResolver interface {
	Resolve(id string) (agent.LLMProvider, string, error)
}

// ExecutorConfig configures step execution.
type ExecutorConfig struct {
	// DefaultModel is the "provider:model" id used by model steps that do
	// not name one.
	DefaultModel   string
	MaxTokens      int
	DefaultTimeout time.Duration
	// ValidateArgs checks resolved tool arguments against the tool schema
	// before calling it.
	ValidateArgs bool
}

// Executor runs single steps. It never returns Go errors: every failure is
// reported as a StepResult with StepFailure.
type Executor struct {
	config ExecutorConfig
	models ModelResolver
	logger *slog.Logger

	schemas sync.Map
}

// NewExecutor creates an executor. models may be nil when no workflow uses
// model steps.
func NewExecutor(config ExecutorConfig, models ModelResolver, logger *slog.Logger) *Executor {
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultStepTimeout
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 4096
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		config: config,
		models: models,
		logger: logger.With("component", "workflow-executor"),
	}
}

// Run executes step against scope. CompletedAt is left for the caller.
func (x *Executor) Run(ctx context.Context, step Step, scope Scope, tools *agent.ToolRegistry) *StepResult {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = x.config.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var result *StepResult
	switch step.Action {
	case ActionNoop:
		result = &StepResult{Status: StepSuccess}
	case ActionTool:
		result = x.runTool(ctx, step, scope, tools)
	case ActionModel:
		result = x.runModel(ctx, step, scope)
	default:
		result = failure(fmt.Errorf("unknown action %q", step.Action))
	}

	if result.Status == StepFailure && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.Error = fmt.Sprintf("step timed out after %s", timeout)
	}
	return result
}

func (x *Executor) runTool(ctx context.Context, step Step, scope Scope, tools *agent.ToolRegistry) *StepResult {
	tool, ok := tools.Get(step.Tool)
	if !ok {
		return failure(fmt.Errorf("tool not found: %s", step.Tool))
	}

	args := map[string]any{}
	if len(step.Args) > 0 {
		resolved, err := ResolveValue(step.Args, scope.Env())
		if err != nil {
			return failure(fmt.Errorf("resolve args: %w", err))
		}
		args = resolved.(map[string]any)
	}
	params, err := json.Marshal(args)
	if err != nil {
		return failure(fmt.Errorf("encode args: %w", err))
	}
	if x.config.ValidateArgs {
		if err := x.validateArgs(tool, params); err != nil {
			return failure(err)
		}
	}

	x.logger.Debug("running tool step", "step", step.ID, "tool", step.Tool)
	res, err := tools.Execute(ctx, step.Tool, params)
	if err != nil {
		return failure(err)
	}
	if res == nil {
		return failure(errors.New("tool returned no result"))
	}
	output := decodeOutput(res.Content)
	if res.IsError {
		return &StepResult{Status: StepFailure, Output: output, Error: errorText(res.Content)}
	}
	return &StepResult{Status: StepSuccess, Output: output}
}

func (x *Executor) runModel(ctx context.Context, step Step, scope Scope) *StepResult {
	prompt, err := ResolveString(step.Prompt, scope.Env())
	if err != nil {
		return failure(fmt.Errorf("resolve prompt: %w", err))
	}
	modelID := step.Model
	if modelID == "" {
		modelID = x.config.DefaultModel
	}
	if modelID == "" {
		return failure(errors.New("no model configured for model step"))
	}
	if x.models == nil {
		return failure(agent.ErrNoProvider)
	}
	provider, model, err := x.models.Resolve(modelID)
	if err != nil {
		return failure(err)
	}

	x.logger.Debug("running model step", "step", step.ID, "model", modelID)
	res, err := agent.CompleteOnce(ctx, provider, &agent.CompletionRequest{
		Model:     model,
		Messages:  []agent.CompletionMessage{{Role: string(models.RoleUser), Content: prompt}},
		MaxTokens: x.config.MaxTokens,
	})
	if err != nil {
		return failure(err)
	}
	return &StepResult{Status: StepSuccess, Output: res.Text}
}

func (x *Executor) validateArgs(tool agent.Tool, params json.RawMessage) error {
	raw := tool.Schema()
	if len(raw) == 0 {
		return nil
	}
	key := tool.Name() + "\x00" + string(raw)
	var schema *jsonschema.Schema
	if cached, ok := x.schemas.Load(key); ok {
		schema = cached.(*jsonschema.Schema)
	} else {
		compiled, err := jsonschema.CompileString(tool.Name()+".schema.json", string(raw))
		if err != nil {
			// a tool with an unusable schema is still callable
			x.logger.Warn("tool schema does not compile", "tool", tool.Name(), "error", err)
			return nil
		}
		x.schemas.Store(key, compiled)
		schema = compiled
	}

	var decoded any
	if err := json.Unmarshal(params, &decoded); err != nil {
		return fmt.Errorf("decode args: %w", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("invalid args for %s: %w", tool.Name(), err)
	}
	return nil
}

func failure(err error) *StepResult {
	return &StepResult{Status: StepFailure, Error: err.Error()}
}

// decodeOutput keeps JSON tool output structured so conditions can reach
// into it. Anything else stays a string.
func decodeOutput(content string) any {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		var v any
		if json.Unmarshal([]byte(trimmed), &v) == nil {
			return v
		}
	}
	return content
}

// errorText unwraps the {"error": "..."} shape built-in tools report.
func errorText(content string) string {
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal([]byte(content), &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	if strings.TrimSpace(content) == "" {
		return "tool reported an error"
	}
	return content
}
