package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/HiTek-Dev/tek/internal/agent"
	"github.com/HiTek-Dev/tek/pkg/models"
)

// DefaultPrompt frames each check for the model.
const DefaultPrompt = "You are running a scheduled heartbeat check for the local user. " +
	"Evaluate only the check below. Do not repeat old tasks. " +
	"If nothing needs attention, reply exactly " + Token + ". " +
	"Otherwise reply with one short paragraph describing what needs attention."

// Result is the outcome of one check.
type Result struct {
	Item        Item   `json:"item"`
	NeedsAction bool   `json:"needs_action"`
	Message     string `json:"message,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Checker runs a check set.
type Checker interface {
	Check(ctx context.Context, checklist string) ([]Result, error)
}

// AlertFunc receives results that need action.
type AlertFunc func(ctx context.Context, schedule string, result Result)

// ModelResolver maps a "provider:model" id to a provider.
type ModelResolver interface {
	Resolve(id string) (agent.LLMProvider, string, error)
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	// Model is the "provider:model" id that evaluates checks.
	Model        string
	Prompt       string
	MaxTokens    int
	MaxAckChars  int
	CheckTimeout time.Duration
	// WorkspaceDir resolves relative checklist paths.
	WorkspaceDir string
}

// Runner evaluates checklist items with one-shot model completions.
type Runner struct {
	config RunnerConfig
	models ModelResolver
	logger *slog.Logger
	now    func() time.Time
}

var _ Checker = (*Runner)(nil)

// NewRunner creates a runner.
func NewRunner(config RunnerConfig, models ModelResolver, logger *slog.Logger) *Runner {
	if strings.TrimSpace(config.Prompt) == "" {
		config.Prompt = DefaultPrompt
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 512
	}
	if config.MaxAckChars <= 0 {
		config.MaxAckChars = DefaultMaxAckChars
	}
	if config.CheckTimeout <= 0 {
		config.CheckTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		config: config,
		models: models,
		logger: logger.With("component", "heartbeat"),
		now:    time.Now,
	}
}

// ResolvePath makes checklist absolute against the workspace.
func (r *Runner) ResolvePath(checklist string) string {
	if checklist == "" || filepath.IsAbs(checklist) || r.config.WorkspaceDir == "" {
		return checklist
	}
	return filepath.Join(r.config.WorkspaceDir, checklist)
}

// Check evaluates every pending item in checklist. Only a checklist that
// cannot be read is an error; failed model calls are reported per item.
func (r *Runner) Check(ctx context.Context, checklist string) ([]Result, error) {
	path := r.ResolvePath(checklist)
	items, err := LoadChecklist(path)
	if err != nil {
		return nil, fmt.Errorf("heartbeat: load checklist: %w", err)
	}
	pending := Pending(items)
	if len(pending) == 0 {
		r.logger.Debug("heartbeat checklist empty", "path", path)
		return nil, nil
	}

	var provider agent.LLMProvider
	var model string
	if r.models != nil && r.config.Model != "" {
		provider, model, err = r.models.Resolve(r.config.Model)
		if err != nil {
			return nil, fmt.Errorf("heartbeat: resolve model: %w", err)
		}
	}
	if provider == nil {
		return nil, fmt.Errorf("heartbeat: %w", agent.ErrNoProvider)
	}

	results := make([]Result, 0, len(pending))
	for _, item := range pending {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		results = append(results, r.checkItem(ctx, provider, model, item))
	}
	return results, nil
}

func (r *Runner) checkItem(ctx context.Context, provider agent.LLMProvider, model string, item Item) Result {
	ctx, cancel := context.WithTimeout(ctx, r.config.CheckTimeout)
	defer cancel()

	var prompt strings.Builder
	prompt.WriteString(r.config.Prompt)
	prompt.WriteString("\n\nCurrent time: ")
	prompt.WriteString(r.now().Format(time.RFC1123))
	if item.Section != "" {
		prompt.WriteString("\nSection: ")
		prompt.WriteString(item.Section)
	}
	prompt.WriteString("\nCheck: ")
	prompt.WriteString(item.Text)

	res, err := agent.CompleteOnce(ctx, provider, &agent.CompletionRequest{
		Model:     model,
		Messages:  []agent.CompletionMessage{{Role: string(models.RoleUser), Content: prompt.String()}},
		MaxTokens: r.config.MaxTokens,
	})
	if err != nil {
		r.logger.Warn("heartbeat check failed", "check", item.Text, "error", err)
		return Result{Item: item, Error: err.Error()}
	}

	ok, message := Interpret(res.Text, r.config.MaxAckChars)
	if ok {
		return Result{Item: item}
	}
	r.logger.Info("heartbeat check needs attention", "check", item.Text)
	return Result{Item: item, NeedsAction: true, Message: message}
}
