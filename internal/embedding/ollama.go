package embedding

import (
	"context"

	"github.com/rag-agent/backend/internal/ollama"
)

type OllamaProvider struct {
	client *ollama.Client
	model  string
	dim    int
}

func NewOllamaProvider(baseURL, token, model string, dim int) *OllamaProvider {
	if model == "" {
		model = "bge-m3"
	}
	return &OllamaProvider{client: ollama.NewClient(baseURL, token), model: model, dim: dim}
}

func (p *OllamaProvider) Name() string   { return "ollama" }
func (p *OllamaProvider) Model() string  { return p.model }
func (p *OllamaProvider) Dimension() int { return p.dim }

func (p *OllamaProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return p.client.Embed(ctx, p.model, texts)
}
