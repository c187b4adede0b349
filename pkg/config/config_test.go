package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rag-agent/backend/pkg/apperr"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 512, cfg.Chunking.Text.Size)
	assert.Equal(t, 4, cfg.Embedding.Workers)
	assert.Equal(t, 0.7, cfg.Router.EmbeddingThreshold)
	assert.Len(t, cfg.LLM.Providers, 3)
	assert.Equal(t, "groq", cfg.LLM.Providers[0].Kind)
	assert.Equal(t, "https://api.groq.com/openai/v1", cfg.LLM.Providers[0].BaseURL)
}

func TestValidateRejectsBadSettings(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"overlap equals size", func(c *Config) { c.Chunking.Text.Overlap = c.Chunking.Text.Size }, "chunking.text.overlap"},
		{"row overlap too large", func(c *Config) { c.Chunking.Rows.OverlapRows = 20 }, "chunking.rows.overlapRows"},
		{"zero dimension", func(c *Config) { c.Embedding.Dimension = 0 }, "embedding.dimension"},
		{"zero workers", func(c *Config) { c.Embedding.Workers = 0 }, "embedding.workers"},
		{"unknown backend", func(c *Config) { c.Vector.Backend = "faiss" }, "vector.backend"},
		{"threshold out of range", func(c *Config) { c.Retrieval.Threshold = 1.5 }, "retrieval.threshold"},
		{"unknown provider kind", func(c *Config) { c.LLM.Providers[1].Kind = "bard" }, "llm.providers[1].kind"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)

			var ce *apperr.ConfigurationError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}
