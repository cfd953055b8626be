package llm

import (
	"errors"
	"strings"
	"testing"
)

func TestErrorFromStatusCode(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{400, false},
		{401, false},
		{403, false},
		{404, false},
		{408, true},
		{413, false},
		{422, false},
		{429, true},
		{500, true},
		{502, true},
		{503, true},
		{504, true},
	}

	for _, tt := range tests {
		err := ErrorFromStatusCode(tt.status, "test error", "openai", "", nil)
		if !IsRetryable(err) && tt.retryable {
			t.Errorf("status %d: expected retryable=true", tt.status)
		}
		if IsRetryable(err) && !tt.retryable {
			t.Errorf("status %d: expected retryable=false", tt.status)
		}
	}
}

func TestErrorFromStatusCodeTypes(t *testing.T) {
	var authErr *AuthenticationError
	if !errors.As(ErrorFromStatusCode(401, "nope", "openai", "", nil), &authErr) {
		t.Error("expected AuthenticationError for 401")
	}
	var rateErr *RateLimitError
	if !errors.As(ErrorFromStatusCode(429, "slow down", "anthropic", "", nil), &rateErr) {
		t.Error("expected RateLimitError for 429")
	}
	var ctxErr *ContextLengthError
	if !errors.As(ErrorFromStatusCode(413, "too big", "openai", "", nil), &ctxErr) {
		t.Error("expected ContextLengthError for 413")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"auth error", &AuthenticationError{}, false},
		{"access denied", &AccessDeniedError{}, false},
		{"not found", &NotFoundError{}, false},
		{"invalid request", &InvalidRequestError{}, false},
		{"context length", &ContextLengthError{}, false},
		{"content filter", &ContentFilterError{}, false},
		{"config error", &ConfigurationError{}, false},
		{"abort error", &AbortError{}, false},
		{"rate limit", &RateLimitError{ProviderError: ProviderError{Retryable: true}}, true},
		{"server error", &ServerError{ProviderError: ProviderError{Retryable: true}}, true},
		{"network error", &NetworkError{}, true},
		{"timeout error", &RequestTimeoutError{}, true},
		{"unknown error", errors.New("unknown"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsRetryable(tt.err)
			if got != tt.retryable {
				t.Errorf("IsRetryable(%T) = %v, want %v", tt.err, got, tt.retryable)
			}
		})
	}
}

func TestSDKErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &SDKError{Message: "wrapper", Cause: cause}
	if !errors.Is(err, cause) {
		t.Error("expected SDKError to unwrap to its cause")
	}
}

func TestProviderErrorMessage(t *testing.T) {
	err := &ProviderError{
		SDKError:   SDKError{Message: "rate limit exceeded"},
		Provider:   "openai",
		StatusCode: 429,
		Retryable:  true,
	}
	msg := err.Error()
	if msg == "" {
		t.Error("expected non-empty error message")
	}
	if !strings.Contains(msg, "openai") || !strings.Contains(msg, "rate limit") {
		t.Errorf("error message missing expected content: %q", msg)
	}
}
