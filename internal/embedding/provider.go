// Package embedding maps text to fixed-dimensional vectors through a
// pluggable backend and fans batch work out over a bounded worker pool.
package embedding

import (
	"context"
	"fmt"

	"github.com/rag-agent/backend/pkg/apperr"
	"github.com/rag-agent/backend/pkg/config"
)

// Provider is one embedding backend. Embed returns one vector per input, in
// input order.
type Provider interface {
	Name() string
	Model() string
	// Dimension is the vector length the provider is configured to emit.
	Dimension() int
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// NewProvider builds the provider selected by cfg.Provider.
func NewProvider(ctx context.Context, cfg config.EmbeddingConfig) (Provider, error) {
	switch cfg.Provider {
	case "local":
		return NewHashingProvider(cfg.Dimension), nil
	case "openai":
		if cfg.APIKey == "" {
			return nil, apperr.Config("embedding.apiKey", "required for provider openai")
		}
		return NewOpenAIProvider(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Dimension), nil
	case "gemini":
		return NewGeminiProvider(ctx, cfg.APIKey, cfg.Model, cfg.Dimension)
	case "ollama":
		return NewOllamaProvider(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Dimension), nil
	default:
		return nil, apperr.Config("embedding.provider", "unknown provider %q", cfg.Provider)
	}
}

func checkDimensions(vecs [][]float32, want int) error {
	for i, v := range vecs {
		if len(v) != want {
			return apperr.Config("embedding.dimension",
				"vector %d has length %d, expected %d", i, len(v), want)
		}
	}
	return nil
}

func checkCount(got, want int) error {
	if got != want {
		return fmt.Errorf("provider returned %d vectors for %d inputs", got, want)
	}
	return nil
}
