// Package providers implements model provider integrations for the agent
// runtime.
//
// Each provider adapts one upstream API to the agent.Provider interface:
// the request is converted to the upstream wire format, the streaming
// response is relayed as CompletionChunks, and failures are wrapped in
// ProviderError with a classified reason so callers can decide whether a
// retry is worthwhile.
//
// Example:
//
//	provider, err := providers.New(providers.Config{
//	    Name:   "anthropic",
//	    APIKey: os.Getenv("ANTHROPIC_API_KEY"),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	chunks, err := provider.Complete(ctx, req)
//	for chunk := range chunks {
//	    if chunk.Error != nil {
//	        break
//	    }
//	    fmt.Print(chunk.Text)
//	}
package providers

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/agent"
)

// Config selects and configures a model provider by name.
type Config struct {
	// Name picks the provider: "anthropic", "openai", "google" (alias
	// "gemini"), or "ollama".
	Name string

	// APIKey authenticates against the upstream API. Required for every
	// provider except ollama.
	APIKey string

	// BaseURL overrides the upstream endpoint. Used for proxies and for
	// the local ollama daemon.
	BaseURL string

	// Model is the default model when a request does not name one.
	Model string

	// MaxRetries bounds retry attempts for transient failures.
	MaxRetries int

	// RetryDelay is the base delay between retry attempts.
	RetryDelay time.Duration

	// Timeout bounds a single upstream request. Only ollama honors it;
	// the SDK-backed providers manage their own transport deadlines.
	Timeout time.Duration
}

// New builds the provider named in cfg.
func New(cfg Config) (agent.Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Name)) {
	case "anthropic":
		return NewAnthropicProvider(AnthropicConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			MaxRetries:   cfg.MaxRetries,
			RetryDelay:   cfg.RetryDelay,
			DefaultModel: cfg.Model,
		})
	case "openai":
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			MaxRetries:   cfg.MaxRetries,
			RetryDelay:   cfg.RetryDelay,
			DefaultModel: cfg.Model,
		})
	case "google", "gemini":
		return NewGoogleProvider(GoogleConfig{
			APIKey:       cfg.APIKey,
			MaxRetries:   cfg.MaxRetries,
			RetryDelay:   cfg.RetryDelay,
			DefaultModel: cfg.Model,
		})
	case "ollama":
		return NewOllamaProvider(OllamaConfig{
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
			MaxRetries:   cfg.MaxRetries,
			RetryDelay:   cfg.RetryDelay,
			Timeout:      cfg.Timeout,
		}), nil
	case "":
		return nil, errors.New("provider name is required")
	default:
		return nil, fmt.Errorf("unknown provider: %s", cfg.Name)
	}
}
