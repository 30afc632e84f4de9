package agent

import (
	"context"
	"strings"
)

// CompletionResult is the collected output of a one-shot completion.
type CompletionResult struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// CompleteOnce runs a non-interactive completion and gathers the streamed
// text. Tool calls in the response are ignored.
func CompleteOnce(ctx context.Context, provider LLMProvider, req *CompletionRequest) (*CompletionResult, error) {
	if provider == nil {
		return nil, ErrNoProvider
	}
	chunks, err := provider.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	result := &CompletionResult{}
	var text strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			// Drain so the provider goroutine can exit.
			for range chunks {
			}
			return nil, chunk.Error
		}
		text.WriteString(chunk.Text)
		if chunk.Done {
			result.InputTokens = chunk.InputTokens
			result.OutputTokens = chunk.OutputTokens
		}
	}
	result.Text = strings.TrimSpace(text.String())
	if result.Text == "" {
		return result, ErrEmptyResponse
	}
	return result, nil
}
