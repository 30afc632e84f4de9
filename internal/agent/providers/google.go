package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/HiTek-Dev/tek/internal/agent"
	"github.com/HiTek-Dev/tek/pkg/models"
)

// GoogleConfig configures the Gemini provider.
type GoogleConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// GoogleProvider streams from the Gemini API via google.golang.org/genai.
type GoogleProvider struct {
	BaseProvider
	client       *genai.Client
	defaultModel string
}

var _ agent.LLMProvider = (*GoogleProvider)(nil)

// NewGoogleProvider creates the provider. An API key is required.
func NewGoogleProvider(config GoogleConfig) (*GoogleProvider, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, errors.New("google: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gemini-2.5-flash"
	}
	clientConfig := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if config.BaseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: config.BaseURL}
	}
	client, err := genai.NewClient(context.Background(), clientConfig)
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}
	return &GoogleProvider{
		BaseProvider: NewBaseProvider("google", config.MaxRetries, config.RetryDelay),
		client:       client,
		defaultModel: config.DefaultModel,
	}, nil
}

func (p *GoogleProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "gemini-2.5-pro", Name: "Gemini 2.5 Pro", ContextSize: 1048576},
		{ID: "gemini-2.5-flash", Name: "Gemini 2.5 Flash", ContextSize: 1048576},
	}
}

func (p *GoogleProvider) SupportsTools() bool { return true }

// Complete streams a response. A failed attempt is retried only when it
// failed before emitting anything.
func (p *GoogleProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	contents := toGeminiContents(req.Messages)
	config := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(min(maxTokensOrDefault(req.MaxTokens), math.MaxInt32)),
		Tools:           toGeminiTools(req.Tools),
	}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)

		var usage *genai.GenerateContentResponseUsageMetadata
		emitted := false
		err := p.Retry(ctx, func(err error) bool { return !emitted && IsRetryable(err) }, func() error {
			for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, config) {
				if err != nil {
					return p.wrapError(err, model)
				}
				if resp == nil {
					continue
				}
				if resp.UsageMetadata != nil {
					usage = resp.UsageMetadata
				}
				for _, chunk := range geminiChunks(resp) {
					emitted = true
					if !sendChunk(ctx, chunks, chunk) {
						return ctx.Err()
					}
				}
			}
			return nil
		})
		if err != nil {
			sendChunk(ctx, chunks, &agent.CompletionChunk{Error: p.wrapError(err, model)})
			return
		}
		done := &agent.CompletionChunk{Done: true}
		if usage != nil {
			done.InputTokens = int(usage.PromptTokenCount)
			done.OutputTokens = int(usage.CandidatesTokenCount)
		}
		sendChunk(ctx, chunks, done)
	}()
	return chunks, nil
}

func geminiChunks(resp *genai.GenerateContentResponse) []*agent.CompletionChunk {
	var out []*agent.CompletionChunk
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			if part.Text != "" && !part.Thought {
				out = append(out, &agent.CompletionChunk{Text: part.Text})
			}
			if fc := part.FunctionCall; fc != nil {
				args, err := json.Marshal(fc.Args)
				if err != nil || fc.Args == nil {
					args = []byte("{}")
				}
				id := fc.ID
				if id == "" {
					id = "call_" + uuid.NewString()
				}
				out = append(out, &agent.CompletionChunk{ToolCall: &models.ToolCall{ID: id, Name: fc.Name, Input: args}})
			}
		}
	}
	return out
}

func toGeminiContents(messages []agent.CompletionMessage) []*genai.Content {
	names := map[string]string{}
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			names[tc.ID] = tc.Name
		}
	}

	var result []*genai.Content
	for _, msg := range messages {
		if msg.Role == string(models.RoleSystem) {
			continue
		}
		content := &genai.Content{Role: genai.RoleUser}
		if msg.Role == string(models.RoleAssistant) {
			content.Role = genai.RoleModel
		}
		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}
		for _, tc := range msg.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal(tc.Input, &args); err != nil {
				args = map[string]any{}
			}
			content.Parts = append(content.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args}})
		}
		for _, tr := range msg.ToolResults {
			response := map[string]any{"output": tr.Content}
			if tr.IsError {
				response = map[string]any{"error": tr.Content}
			}
			content.Parts = append(content.Parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       tr.ToolCallID,
				Name:     names[tr.ToolCallID],
				Response: response,
			}})
		}
		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result
}

func (p *GoogleProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		providerErr := NewProviderError("google", model, err).WithStatus(apiErr.Code)
		if apiErr.Message != "" {
			providerErr.WithMessage(apiErr.Message)
		}
		if apiErr.Status == "RESOURCE_EXHAUSTED" {
			providerErr.Reason = FailoverRateLimit
		}
		return providerErr
	}
	return NewProviderError("google", model, err)
}
