package providers

import (
	"errors"
	"fmt"
	"strconv"
	"testing"
)

func TestErrorReasonIsRetryable(t *testing.T) {
	tests := []struct {
		reason   ErrorReason
		expected bool
	}{
		{ReasonRateLimit, true},
		{ReasonTimeout, true},
		{ReasonServerError, true},
		{ReasonBilling, false},
		{ReasonAuth, false},
		{ReasonInvalidRequest, false},
		{ReasonModelUnavailable, false},
		{ReasonContentFilter, false},
		{ReasonUnknown, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			if got := tt.reason.IsRetryable(); got != tt.expected {
				t.Errorf("ErrorReason(%q).IsRetryable() = %v, want %v", tt.reason, got, tt.expected)
			}
		})
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorReason
	}{
		{"nil error", nil, ReasonUnknown},
		{"timeout", errors.New("request timeout"), ReasonTimeout},
		{"deadline exceeded", errors.New("context deadline exceeded"), ReasonTimeout},
		{"rate limit", errors.New("rate limit exceeded"), ReasonRateLimit},
		{"too many requests", errors.New("too many requests"), ReasonRateLimit},
		{"429 status", errors.New("HTTP 429"), ReasonRateLimit},
		{"unauthorized", errors.New("unauthorized"), ReasonAuth},
		{"invalid api key", errors.New("invalid api key"), ReasonAuth},
		{"billing", errors.New("billing issue"), ReasonBilling},
		{"quota exceeded", errors.New("quota exceeded"), ReasonBilling},
		{"content filter", errors.New("content_filter triggered"), ReasonContentFilter},
		{"content blocked", errors.New("content blocked by safety"), ReasonContentFilter},
		{"model not found", errors.New("model not found"), ReasonModelUnavailable},
		{"server error", errors.New("internal server error"), ReasonServerError},
		{"500 status", errors.New("HTTP 500"), ReasonServerError},
		{"connection refused", errors.New("dial tcp: connection refused"), ReasonServerError},
		{"no such host", errors.New("dial tcp: no such host"), ReasonServerError},
		{"unknown", errors.New("something went wrong"), ReasonUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.expected {
				t.Errorf("ClassifyError(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestProviderError(t *testing.T) {
	cause := errors.New("underlying error")
	err := NewProviderError("anthropic", "claude-3-opus", cause).
		WithStatus(429).
		WithCode("rate_limit_error").
		WithRequestID("req-123")

	if err.Error() == "" {
		t.Error("Error() returned empty string")
	}
	if err.Reason != ReasonRateLimit {
		t.Errorf("reason = %v, want %v", err.Reason, ReasonRateLimit)
	}
	if err.Provider != "anthropic" {
		t.Errorf("provider = %s, want anthropic", err.Provider)
	}
	if err.Model != "claude-3-opus" {
		t.Errorf("model = %s, want claude-3-opus", err.Model)
	}
	if err.Status != 429 {
		t.Errorf("status = %d, want 429", err.Status)
	}
	if err.Code != "rate_limit_error" {
		t.Errorf("code = %s, want rate_limit_error", err.Code)
	}
	if err.RequestID != "req-123" {
		t.Errorf("request ID = %s, want req-123", err.RequestID)
	}
	if err.Unwrap() != cause {
		t.Error("Unwrap() did not return cause")
	}
	if !err.Reason.IsRetryable() {
		t.Error("rate limit should be retryable")
	}
}

func TestIsProviderError(t *testing.T) {
	providerErr := NewProviderError("openai", "gpt-4", errors.New("test"))
	regularErr := errors.New("regular error")

	if !IsProviderError(providerErr) {
		t.Error("IsProviderError should return true for ProviderError")
	}
	if IsProviderError(regularErr) {
		t.Error("IsProviderError should return false for regular error")
	}
}

func TestGetProviderError(t *testing.T) {
	providerErr := NewProviderError("openai", "gpt-4", errors.New("test"))

	got, ok := GetProviderError(providerErr)
	if !ok || got != providerErr {
		t.Error("GetProviderError should extract direct ProviderError")
	}

	wrapped := fmt.Errorf("call failed: %w", providerErr)
	got, ok = GetProviderError(wrapped)
	if !ok || got != providerErr {
		t.Error("GetProviderError should extract wrapped ProviderError")
	}

	_, ok = GetProviderError(errors.New("regular"))
	if ok {
		t.Error("GetProviderError should return false for regular error")
	}
}

func TestIsRetryable(t *testing.T) {
	rateLimitErr := NewProviderError("anthropic", "claude", nil).WithStatus(429)
	authErr := NewProviderError("openai", "gpt-4", nil).WithStatus(401)
	regularErr := errors.New("timeout exceeded")

	if !IsRetryable(rateLimitErr) {
		t.Error("rate limit error should be retryable")
	}
	if IsRetryable(authErr) {
		t.Error("auth error should not be retryable")
	}
	if !IsRetryable(regularErr) {
		t.Error("timeout error should be retryable")
	}
	if IsRetryable(nil) {
		t.Error("nil error should not be retryable")
	}
}

func TestClassifyStatusCode(t *testing.T) {
	tests := []struct {
		status   int
		expected ErrorReason
	}{
		{401, ReasonAuth},
		{403, ReasonAuth},
		{402, ReasonBilling},
		{429, ReasonRateLimit},
		{400, ReasonInvalidRequest},
		{404, ReasonModelUnavailable},
		{500, ReasonServerError},
		{502, ReasonServerError},
		{503, ReasonServerError},
		{200, ReasonUnknown},
	}

	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.status), func(t *testing.T) {
			if got := classifyStatusCode(tt.status); got != tt.expected {
				t.Errorf("classifyStatusCode(%d) = %v, want %v", tt.status, got, tt.expected)
			}
		})
	}
}

func TestWithCodeReclassifies(t *testing.T) {
	err := NewProviderError("anthropic", "claude", errors.New("request failed"))
	if err.Reason != ReasonUnknown {
		t.Fatalf("reason = %v, want unknown before code", err.Reason)
	}

	err = err.WithCode("overloaded_error")
	if err.Reason != ReasonServerError {
		t.Errorf("reason = %v, want server_error after overloaded_error code", err.Reason)
	}

	err = err.WithCode("not-a-known-code")
	if err.Reason != ReasonServerError {
		t.Errorf("unrecognized code should not reset reason, got %v", err.Reason)
	}
}
