package providers

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/parleyhq/parley/internal/agent"
)

func TestNewAnthropicProvider_RequiresKey(t *testing.T) {
	if _, err := NewAnthropicProvider(AnthropicConfig{}); err == nil {
		t.Fatal("NewAnthropicProvider() should fail without an API key")
	}

	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("NewAnthropicProvider() error = %v", err)
	}
	if p.Name() != "anthropic" {
		t.Errorf("Name() = %q, want anthropic", p.Name())
	}
	if p.maxRetries != 3 || p.defaultModel == "" {
		t.Errorf("defaults not applied: retries=%d model=%q", p.maxRetries, p.defaultModel)
	}
}

func TestAnthropicConvertMessages(t *testing.T) {
	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("NewAnthropicProvider() error = %v", err)
	}

	messages := []agent.CompletionMessage{
		{Role: "system", Content: "ignored here"},
		{Role: "user", Content: "check the weather"},
		{
			Role:    "assistant",
			Content: "Checking.",
			ToolCalls: []agent.ToolCall{
				{ID: "tc-1", Name: "getWeather", Arguments: json.RawMessage(`{"city":"Paris"}`)},
			},
		},
		{
			Role: "tool",
			ToolOutputs: []agent.ToolOutput{
				{ToolCallID: "tc-1", Content: `{"temp":18}`},
			},
		},
	}

	converted, err := p.convertMessages(messages)
	if err != nil {
		t.Fatalf("convertMessages() error = %v", err)
	}

	// System message is dropped; the other three survive.
	if len(converted) != 3 {
		t.Fatalf("converted = %d messages, want 3", len(converted))
	}
	if converted[0].Role != "user" {
		t.Errorf("first role = %q, want user", converted[0].Role)
	}
	if converted[1].Role != "assistant" {
		t.Errorf("second role = %q, want assistant", converted[1].Role)
	}
	// Assistant carries a text block plus a tool_use block.
	if len(converted[1].Content) != 2 {
		t.Errorf("assistant blocks = %d, want 2", len(converted[1].Content))
	}
	// Tool outputs ride on the user side.
	if converted[2].Role != "user" {
		t.Errorf("tool output role = %q, want user", converted[2].Role)
	}
}

func TestAnthropicConvertMessages_BadArguments(t *testing.T) {
	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("NewAnthropicProvider() error = %v", err)
	}

	_, err = p.convertMessages([]agent.CompletionMessage{
		{
			Role: "assistant",
			ToolCalls: []agent.ToolCall{
				{ID: "tc-1", Name: "x", Arguments: json.RawMessage(`{not json`)},
			},
		},
	})
	if err == nil || !strings.Contains(err.Error(), "invalid tool call arguments") {
		t.Fatalf("convertMessages() error = %v, want invalid arguments", err)
	}
}

func TestAnthropicConvertTools(t *testing.T) {
	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("NewAnthropicProvider() error = %v", err)
	}

	tools := []agent.ToolSchema{
		{
			Name:        "getWeather",
			Description: "Current weather for a city",
			Schema:      json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}`),
		},
	}

	converted, err := p.convertTools(tools)
	if err != nil {
		t.Fatalf("convertTools() error = %v", err)
	}
	if len(converted) != 1 {
		t.Fatalf("converted = %d tools, want 1", len(converted))
	}
	if converted[0].OfTool == nil {
		t.Fatal("converted tool missing definition")
	}
	if converted[0].OfTool.Name != "getWeather" {
		t.Errorf("tool name = %q, want getWeather", converted[0].OfTool.Name)
	}

	_, err = p.convertTools([]agent.ToolSchema{{Name: "bad", Schema: json.RawMessage(`{not json`)}})
	if err == nil {
		t.Error("convertTools() should reject a malformed schema")
	}
}

func TestAnthropicGetModelAndTokens(t *testing.T) {
	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "sk-test", DefaultModel: "claude-test"})
	if err != nil {
		t.Fatalf("NewAnthropicProvider() error = %v", err)
	}

	if got := p.getModel(""); got != "claude-test" {
		t.Errorf("getModel(\"\") = %q, want default", got)
	}
	if got := p.getModel("claude-other"); got != "claude-other" {
		t.Errorf("getModel(explicit) = %q, want claude-other", got)
	}
	if got := p.getMaxTokens(0); got != 4096 {
		t.Errorf("getMaxTokens(0) = %d, want 4096", got)
	}
	if got := p.getMaxTokens(512); got != 512 {
		t.Errorf("getMaxTokens(512) = %d, want 512", got)
	}
}

func TestAnthropicWrapError(t *testing.T) {
	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("NewAnthropicProvider() error = %v", err)
	}

	wrapped := p.wrapError(errors.New("rate limit exceeded"), "claude-test")
	providerErr, ok := GetProviderError(wrapped)
	if !ok {
		t.Fatalf("wrapError() = %T, want ProviderError", wrapped)
	}
	if providerErr.Provider != "anthropic" || providerErr.Model != "claude-test" {
		t.Errorf("provider/model = %s/%s", providerErr.Provider, providerErr.Model)
	}
	if providerErr.Reason != ReasonRateLimit {
		t.Errorf("reason = %v, want rate_limit", providerErr.Reason)
	}

	// Already wrapped errors pass through unchanged.
	if again := p.wrapError(wrapped, "claude-test"); again != wrapped {
		t.Error("wrapError() should not rewrap a ProviderError")
	}
	if p.wrapError(nil, "claude-test") != nil {
		t.Error("wrapError(nil) should be nil")
	}
}
