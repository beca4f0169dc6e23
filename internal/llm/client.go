// Package llm talks to text generation backends and routes each prompt to
// the backend configured for its role, falling back to a deterministic
// local generator whenever a backend is missing or fails.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRateLimited is returned by a backend whose local budget is spent.
var ErrRateLimited = errors.New("rate limit exceeded")

// Request is one generation call.
type Request struct {
	Model     string
	System    string
	Prompt    string
	MaxTokens int
}

// Backend generates text for a request.
type Backend interface {
	Name() string
	Generate(ctx context.Context, req Request) (string, error)
}

// BackendConfig configures one backend.
type BackendConfig struct {
	// Provider is "anthropic", "openai" or "ollama". Ollama speaks the
	// OpenAI chat completions dialect on a local BaseURL.
	Provider     string        `yaml:"provider" json:"provider"`
	APIKey       string        `yaml:"api_key,omitempty" json:"-"`
	BaseURL      string        `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	Model        string        `yaml:"model,omitempty" json:"model,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	MaxPerMinute int           `yaml:"max_per_minute,omitempty" json:"max_per_minute,omitempty"`
}

// NewBackend builds the backend described by cfg.
func NewBackend(name string, cfg BackendConfig) (Backend, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	switch cfg.Provider {
	case "anthropic":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("backend %s: anthropic requires an api key", name)
		}
		return NewAnthropicBackend(name, cfg), nil
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("backend %s: openai requires an api key", name)
		}
		return NewOpenAIBackend(name, cfg), nil
	case "ollama":
		if cfg.BaseURL == "" {
			cfg.BaseURL = "http://localhost:11434/v1"
		}
		return NewOpenAIBackend(name, cfg), nil
	default:
		return nil, fmt.Errorf("backend %s: unknown provider %q", name, cfg.Provider)
	}
}
