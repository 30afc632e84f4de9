package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want FailoverReason
	}{
		{nil, FailoverUnknown},
		{context.DeadlineExceeded, FailoverTimeout},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), FailoverTimeout},
		{errors.New("HTTP 429 Too Many Requests"), FailoverRateLimit},
		{errors.New("invalid api key provided"), FailoverAuth},
		{errors.New("insufficient_quota"), FailoverBilling},
		{errors.New("blocked by safety settings"), FailoverContentFilter},
		{errors.New("model not found: foo"), FailoverModelUnavailable},
		{errors.New("dial tcp: connection refused"), FailoverServerError},
		{errors.New("502 bad gateway"), FailoverServerError},
		{errors.New("something odd"), FailoverUnknown},
	}
	for _, tt := range tests {
		if got := ClassifyError(tt.err); got != tt.want {
			t.Errorf("ClassifyError(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestProviderErrorStatusAndCode(t *testing.T) {
	err := NewProviderError("anthropic", "claude", errors.New("boom")).WithStatus(http.StatusTooManyRequests)
	if err.Reason != FailoverRateLimit {
		t.Fatalf("reason = %s, want rate_limit", err.Reason)
	}
	err.WithCode("authentication_error")
	if err.Reason != FailoverAuth {
		t.Fatalf("reason = %s, want auth after code", err.Reason)
	}
	err.WithCode("something_new")
	if err.Reason != FailoverAuth {
		t.Fatalf("unknown code changed reason to %s", err.Reason)
	}

	msg := err.Error()
	for _, want := range []string{"[auth]", "anthropic", "model=claude", "status=429", "code=something_new", "boom"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q missing %q", msg, want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(fmt.Errorf("x: %w", &ProviderError{Reason: FailoverServerError})) {
		t.Error("server error should be retryable")
	}
	if IsRetryable(&ProviderError{Reason: FailoverInvalidRequest}) {
		t.Error("invalid request should not be retryable")
	}
	if IsRetryable(context.Canceled) {
		t.Error("cancellation should not be retryable")
	}
	if !IsRetryable(errors.New("request timeout")) {
		t.Error("plain timeout text should be retryable")
	}
}

func TestProviderErrorUnwrap(t *testing.T) {
	cause := errors.New("root")
	err := NewProviderError("openai", "gpt-4o", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to reach cause")
	}
	got, ok := GetProviderError(fmt.Errorf("outer: %w", err))
	if !ok || got != err {
		t.Fatal("GetProviderError did not find wrapped error")
	}
}
