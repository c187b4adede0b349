// Package llm fronts the generative backends. A Manager tries the configured
// providers in order until one answers.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/rag-agent/backend/pkg/config"
)

type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	MaxTokens    int
}

type Completion struct {
	Content string
	Usage   Usage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Provider is one generative backend. Implementations do a single call with
// no retries; the Manager owns retry, timeout and fail-over.
type Provider interface {
	Name() string
	Model() string
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
}

// NewProvider builds the adapter for one configured backend. It returns
// (nil, nil) when a hosted provider has no API key so callers can skip it.
func NewProvider(ctx context.Context, pc config.ProviderConfig) (Provider, error) {
	name := pc.Name
	if name == "" {
		name = pc.Kind
	}
	switch pc.Kind {
	case "openai":
		if pc.APIKey == "" {
			return nil, nil
		}
		return NewOpenAIProvider(name, pc.APIKey, pc.BaseURL, pc.Model), nil
	case "groq":
		if pc.APIKey == "" {
			return nil, nil
		}
		baseURL := pc.BaseURL
		if baseURL == "" {
			baseURL = "https://api.groq.com/openai/v1"
		}
		return NewOpenAIProvider(name, pc.APIKey, baseURL, pc.Model), nil
	case "gemini":
		if pc.APIKey == "" {
			return nil, nil
		}
		return NewGeminiProvider(ctx, name, pc.APIKey, pc.Model)
	case "ollama":
		return NewOllamaProvider(name, pc.BaseURL, pc.APIKey, pc.Model), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", pc.Kind)
	}
}

// ChatRequest is what callers hand the Manager. Zero Temperature or
// MaxTokens fall back to the manager defaults.
type ChatRequest struct {
	Prompt       string
	SystemPrompt string
	Temperature  float32
	MaxTokens    int
}

// Attempt records one provider's outcome within a Chat call.
type Attempt struct {
	Provider string        `json:"provider"`
	Model    string        `json:"model"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// ChatResult carries failures as values. Success is false only when every
// provider failed, and then Err wraps apperr.ErrProvidersExhausted.
type ChatResult struct {
	Success        bool          `json:"success"`
	Content        string        `json:"content"`
	Provider       string        `json:"provider"`
	Model          string        `json:"model"`
	TokensUsed     int           `json:"tokens_used"`
	ProcessingTime time.Duration `json:"processing_time"`
	Error          string        `json:"error,omitempty"`
	Attempts       []Attempt     `json:"attempts,omitempty"`
	Err            error         `json:"-"`
}
