package context

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/HiTek-Dev/tek/internal/agent"
	"github.com/HiTek-Dev/tek/internal/usage"
	"github.com/HiTek-Dev/tek/pkg/models"
)

// Section names, in assembly order.
const (
	SectionSystemPrompt   = "system_prompt"
	SectionIdentity       = "identity"
	SectionMemory         = "memory"
	SectionRecentActivity = "recent_activity"
	SectionTools          = "tools"
	SectionHistory        = "history"
	SectionUserMessage    = "user_message"
)

// SectionOrder lists every section an assembly reports.
var SectionOrder = []string{
	SectionSystemPrompt,
	SectionIdentity,
	SectionMemory,
	SectionRecentActivity,
	SectionTools,
	SectionHistory,
	SectionUserMessage,
}

// Source supplies auxiliary prompt text. memory.FileSource and
// memory.ActivitySource implement it.
type Source interface {
	Load(ctx context.Context) (string, error)
}

// Section is one measured part of an assembled context.
type Section struct {
	Name    string  `json:"name"`
	Content string  `json:"content,omitempty"`
	Bytes   int     `json:"bytes"`
	Tokens  int     `json:"tokens"`
	Cost    float64 `json:"cost"`
}

// Totals sums the measurements of all sections.
type Totals struct {
	Bytes  int     `json:"bytes"`
	Tokens int     `json:"tokens"`
	Cost   float64 `json:"cost"`
}

// AssembleInput is everything a turn contributes to its prompt.
type AssembleInput struct {
	History     []*models.Message
	UserMessage string
	// Model is the "provider:model" id used for pricing.
	Model    string
	ThreadID string
	// ToolText describes the tools offered to the model, one per line.
	ToolText string
}

// Assembled is the prompt for one model call plus its measurements.
type Assembled struct {
	Messages []agent.CompletionMessage `json:"-"`
	System   string                    `json:"-"`
	Sections []Section                 `json:"sections"`
	Totals   Totals                    `json:"totals"`
	// HistoryIncluded is how many history messages survived packing.
	HistoryIncluded int `json:"history_included"`
}

// Section returns the named section.
func (a *Assembled) Section(name string) (Section, bool) {
	for _, s := range a.Sections {
		if s.Name == name {
			return s, true
		}
	}
	return Section{}, false
}

// AssemblerConfig configures prompt assembly.
type AssemblerConfig struct {
	SystemPrompt string
	Pack         PackOptions
}

// Assembler builds the exact prompt for a turn.
type Assembler struct {
	config   AssemblerConfig
	packer   *Packer
	pricing  usage.Pricing
	identity Source
	memory   Source
	activity Source
	logger   *slog.Logger
}

// AssemblerOption configures an Assembler.
type AssemblerOption func(*Assembler)

// WithIdentity sets the persona source.
func WithIdentity(src Source) AssemblerOption {
	return func(a *Assembler) { a.identity = src }
}

// WithMemory sets the long-term memory source.
func WithMemory(src Source) AssemblerOption {
	return func(a *Assembler) { a.memory = src }
}

// WithActivity sets the recent-activity digest source.
func WithActivity(src Source) AssemblerOption {
	return func(a *Assembler) { a.activity = src }
}

// WithPricing sets the price table for section costs.
func WithPricing(pricing usage.Pricing) AssemblerOption {
	return func(a *Assembler) { a.pricing = pricing }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) AssemblerOption {
	return func(a *Assembler) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAssembler creates an assembler.
func NewAssembler(config AssemblerConfig, opts ...AssemblerOption) *Assembler {
	a := &Assembler{
		config:  config,
		packer:  NewPacker(config.Pack),
		pricing: usage.DefaultPricing(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "context")
	return a
}

// Assemble composes the system prompt and message array for a turn.
// Sources that fail or return nothing produce zero sections; assembly itself
// never fails.
func (a *Assembler) Assemble(ctx context.Context, in AssembleInput) *Assembled {
	identity := a.load(ctx, SectionIdentity, a.identity, in.ThreadID)
	mem := a.load(ctx, SectionMemory, a.memory, in.ThreadID)
	activity := a.load(ctx, SectionRecentActivity, a.activity, in.ThreadID)

	packed := a.packer.Pack(in.History)
	userMessage := strings.TrimSpace(in.UserMessage)

	out := &Assembled{
		System:          composeSystem(a.config.SystemPrompt, identity, mem, activity),
		Messages:        toCompletionMessages(packed, userMessage),
		HistoryIncluded: len(packed),
	}
	contents := map[string]string{
		SectionSystemPrompt:   strings.TrimSpace(a.config.SystemPrompt),
		SectionIdentity:       identity,
		SectionMemory:         mem,
		SectionRecentActivity: activity,
		SectionTools:          strings.TrimSpace(in.ToolText),
		SectionHistory:        RenderTranscript(packed),
		SectionUserMessage:    userMessage,
	}
	for _, name := range SectionOrder {
		section := a.measure(name, contents[name], in.Model)
		out.Sections = append(out.Sections, section)
		out.Totals.Bytes += section.Bytes
		out.Totals.Tokens += section.Tokens
		out.Totals.Cost += section.Cost
	}
	return out
}

func (a *Assembler) load(ctx context.Context, name string, src Source, threadID string) string {
	if src == nil {
		return ""
	}
	content, err := src.Load(ctx)
	if err != nil {
		a.logger.Debug("context source failed, omitting section", "section", name, "thread_id", threadID, "error", err)
		return ""
	}
	content = strings.TrimSpace(content)
	if content == "" {
		a.logger.Debug("context source empty", "section", name, "thread_id", threadID)
	}
	return content
}

func (a *Assembler) measure(name, content, model string) Section {
	tokens := EstimateTokens(content)
	return Section{
		Name:    name,
		Content: content,
		Bytes:   len(content),
		Tokens:  tokens,
		Cost:    EstimateCost(a.pricing, model, tokens),
	}
}

func composeSystem(base, identity, mem, activity string) string {
	parts := make([]string, 0, 4)
	if base = strings.TrimSpace(base); base != "" {
		parts = append(parts, base)
	}
	if identity != "" {
		parts = append(parts, identity)
	}
	if mem != "" {
		parts = append(parts, "## Memory\n\n"+mem)
	}
	if activity != "" {
		parts = append(parts, "## Recent activity\n\n"+activity)
	}
	return strings.Join(parts, "\n\n")
}

func toCompletionMessages(history []*models.Message, userMessage string) []agent.CompletionMessage {
	out := make([]agent.CompletionMessage, 0, len(history)+1)
	for _, m := range history {
		out = append(out, agent.CompletionMessage{
			Role:        string(m.Role),
			Content:     m.Content,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
		})
	}
	if userMessage != "" {
		out = append(out, agent.CompletionMessage{Role: string(models.RoleUser), Content: userMessage})
	}
	return out
}

// RenderTranscript renders messages as plain "role: text" lines.
func RenderTranscript(messages []*models.Message) string {
	var b strings.Builder
	for _, m := range messages {
		if m == nil {
			continue
		}
		if content := strings.TrimSpace(m.Content); content != "" {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, content)
		}
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(&b, "%s: [tool %s] %s\n", m.Role, tc.Name, tc.Input)
		}
		for _, tr := range m.ToolResults {
			fmt.Fprintf(&b, "tool: %s\n", strings.TrimSpace(tr.Content))
		}
	}
	return strings.TrimSuffix(b.String(), "\n")
}
