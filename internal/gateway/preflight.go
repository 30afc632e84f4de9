package gateway

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/HiTek-Dev/tek/internal/agent"
	agentctx "github.com/HiTek-Dev/tek/internal/agent/context"
	"github.com/HiTek-Dev/tek/pkg/models"
)

const (
	preflightMaxSteps  = 8
	preflightMaxTokens = 400
	preflightTimeout   = 30 * time.Second
	preflightPrompt    = "Before answering, plan the work. List the concrete steps you would take " +
		"to handle the user's request, one per line, at most 8 lines. Do not carry them out."
)

// Checklist is shown to the user before an expensive turn runs.
type Checklist struct {
	RequestID       string   `json:"request_id"`
	Model           string   `json:"model"`
	Tier            string   `json:"tier"`
	Steps           []string `json:"steps"`
	EstimatedTokens int      `json:"estimated_tokens"`
	EstimatedCost   float64  `json:"estimated_cost"`
	// RequiredPermissions are tools that may ask for approval.
	RequiredPermissions []string `json:"required_permissions"`
	// PlanError is set when the planning call failed; the checklist is
	// still usable without steps.
	PlanError string `json:"plan_error,omitempty"`
}

type checklistInput struct {
	requestID string
	provider  agent.LLMProvider
	model     string
	modelID   string
	tier      string
	message   string
	assembled *agentctx.Assembled
	tools     *agent.ToolRegistry
	policy    *agent.ApprovalPolicy
}

var stepPrefix = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)]|\[[ xX]?\])\s*`)

// buildChecklist plans the turn with a one-shot completion and estimates
// its cost from the assembled prompt.
func buildChecklist(ctx context.Context, in checklistInput, logger *slog.Logger) *Checklist {
	checklist := &Checklist{
		RequestID:           in.requestID,
		Model:               in.modelID,
		Tier:                in.tier,
		Steps:               []string{},
		RequiredPermissions: []string{},
	}
	if in.assembled != nil {
		checklist.EstimatedTokens = in.assembled.Totals.Tokens
		checklist.EstimatedCost = in.assembled.Totals.Cost
	}
	if in.tools != nil {
		for _, name := range in.tools.Names() {
			if in.policy.TierFor(name) != agent.TierAuto {
				checklist.RequiredPermissions = append(checklist.RequiredPermissions, name)
			}
		}
	}

	planCtx, cancel := context.WithTimeout(ctx, preflightTimeout)
	defer cancel()
	system := preflightPrompt
	if in.assembled != nil && in.assembled.System != "" {
		system = in.assembled.System + "\n\n" + preflightPrompt
	}
	result, err := agent.CompleteOnce(planCtx, in.provider, &agent.CompletionRequest{
		Model:     in.model,
		System:    system,
		Messages:  []agent.CompletionMessage{{Role: string(models.RoleUser), Content: in.message}},
		MaxTokens: preflightMaxTokens,
	})
	if err != nil {
		logger.Warn("pre-flight planning failed", "request_id", in.requestID, "error", err)
		checklist.PlanError = err.Error()
		return checklist
	}
	checklist.Steps = parseSteps(result.Text)
	return checklist
}

// parseSteps turns a planning reply into step lines without list markers.
func parseSteps(text string) []string {
	steps := []string{}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(stepPrefix.ReplaceAllString(line, ""))
		if line == "" {
			continue
		}
		steps = append(steps, line)
		if len(steps) == preflightMaxSteps {
			break
		}
	}
	return steps
}
