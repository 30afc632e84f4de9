package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/HiTek-Dev/tek/internal/agent"
	"github.com/HiTek-Dev/tek/pkg/models"
)

// OllamaConfig configures a local Ollama server.
type OllamaConfig struct {
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
	MaxRetries   int
	RetryDelay   time.Duration
}

// OllamaProvider talks to /api/chat, which streams one JSON object per line.
type OllamaProvider struct {
	BaseProvider
	client       *http.Client
	baseURL      string
	defaultModel string
}

var _ agent.LLMProvider = (*OllamaProvider)(nil)

// NewOllamaProvider creates the provider. No credentials are needed.
func NewOllamaProvider(config OllamaConfig) *OllamaProvider {
	baseURL := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &OllamaProvider{
		BaseProvider: NewBaseProvider("ollama", config.MaxRetries, config.RetryDelay),
		client:       &http.Client{Timeout: timeout},
		baseURL:      baseURL,
		defaultModel: strings.TrimSpace(config.DefaultModel),
	}
}

func (p *OllamaProvider) Models() []agent.Model {
	if p.defaultModel == "" {
		return nil
	}
	return []agent.Model{{ID: p.defaultModel, Name: p.defaultModel}}
}

func (p *OllamaProvider) SupportsTools() bool { return true }

func (p *OllamaProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = p.defaultModel
	}
	if model == "" {
		return nil, NewProviderError("ollama", "", errors.New("model is required")).WithCode("invalid_request_error")
	}

	payload := ollamaChatRequest{
		Model:    model,
		Stream:   true,
		Messages: toOllamaMessages(req),
		Options:  map[string]any{"num_predict": maxTokensOrDefault(req.MaxTokens)},
	}
	if len(req.Tools) > 0 {
		payload.Tools = toOpenAITools(req.Tools)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, NewProviderError("ollama", model, fmt.Errorf("marshal request: %w", err))
	}

	var resp *http.Response
	err = p.Retry(ctx, IsRetryable, func() error {
		var err error
		resp, err = p.post(ctx, body, model)
		return err
	})
	if err != nil {
		return nil, err
	}

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)
		defer resp.Body.Close()
		p.streamResponse(ctx, resp.Body, chunks, model)
	}()
	return chunks, nil
}

func (p *OllamaProvider) post(ctx context.Context, body []byte, model string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, NewProviderError("ollama", model, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, NewProviderError("ollama", model, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		var payload struct {
			Error string `json:"error"`
		}
		text := strings.TrimSpace(string(msg))
		if json.Unmarshal(msg, &payload) == nil && payload.Error != "" {
			text = payload.Error
		}
		return nil, NewProviderError("ollama", model, fmt.Errorf("ollama status %d: %s", resp.StatusCode, text)).WithStatus(resp.StatusCode)
	}
	return resp, nil
}

func (p *OllamaProvider) streamResponse(ctx context.Context, body io.Reader, chunks chan<- *agent.CompletionChunk, model string) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	seen := map[string]bool{}
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp ollamaChatResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			sendChunk(ctx, chunks, &agent.CompletionChunk{Error: NewProviderError("ollama", model, fmt.Errorf("decode response: %w", err))})
			return
		}
		if resp.Error != "" {
			sendChunk(ctx, chunks, &agent.CompletionChunk{Error: NewProviderError("ollama", model, errors.New(resp.Error))})
			return
		}
		if msg := resp.Message; msg != nil {
			if msg.Content != "" && !sendChunk(ctx, chunks, &agent.CompletionChunk{Text: msg.Content}) {
				return
			}
			for _, tc := range msg.ToolCalls {
				call := tc.toToolCall()
				if seen[call.ID] {
					continue
				}
				seen[call.ID] = true
				if !sendChunk(ctx, chunks, &agent.CompletionChunk{ToolCall: call}) {
					return
				}
			}
		}
		if resp.Done {
			sendChunk(ctx, chunks, &agent.CompletionChunk{
				Done:         true,
				InputTokens:  resp.PromptEvalCount,
				OutputTokens: resp.EvalCount,
			})
			return
		}
	}
	err := scanner.Err()
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	sendChunk(ctx, chunks, &agent.CompletionChunk{Error: NewProviderError("ollama", model, err)})
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Tools    []openai.Tool       `json:"tools,omitempty"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaChatResponse struct {
	Message         *ollamaChatMessage `json:"message"`
	Done            bool               `json:"done"`
	Error           string             `json:"error"`
	EvalCount       int                `json:"eval_count"`
	PromptEvalCount int                `json:"prompt_eval_count"`
}

type ollamaToolCall struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments,omitempty"`
	} `json:"function"`
}

// toToolCall fills in the id Ollama usually omits. Calls without an id are
// keyed by name and arguments so a repeated line is not dispatched twice.
func (tc ollamaToolCall) toToolCall() *models.ToolCall {
	name := strings.TrimSpace(tc.Function.Name)
	args := tc.Function.Arguments
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage("{}")
	}
	id := strings.TrimSpace(tc.ID)
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(name+":"+string(args))).String()
	}
	return &models.ToolCall{ID: id, Name: name, Input: args}
}

func toOllamaMessages(req *agent.CompletionRequest) []ollamaChatMessage {
	names := map[string]string{}
	for _, msg := range req.Messages {
		for _, tc := range msg.ToolCalls {
			names[tc.ID] = tc.Name
		}
	}

	out := make([]ollamaChatMessage, 0, len(req.Messages)+1)
	if system := strings.TrimSpace(req.System); system != "" {
		out = append(out, ollamaChatMessage{Role: "system", Content: system})
	}
	for _, msg := range req.Messages {
		switch models.Role(msg.Role) {
		case models.RoleAssistant:
			m := ollamaChatMessage{Role: "assistant", Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				call := ollamaToolCall{ID: tc.ID, Type: "function"}
				call.Function.Name = tc.Name
				call.Function.Arguments = tc.Input
				if len(call.Function.Arguments) == 0 {
					call.Function.Arguments = json.RawMessage("{}")
				}
				m.ToolCalls = append(m.ToolCalls, call)
			}
			out = append(out, m)
		case models.RoleTool:
			for _, tr := range msg.ToolResults {
				out = append(out, ollamaChatMessage{Role: "tool", Content: tr.Content, ToolName: names[tr.ToolCallID]})
			}
		default:
			out = append(out, ollamaChatMessage{Role: "user", Content: msg.Content})
		}
	}
	return out
}
