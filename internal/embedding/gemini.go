package embedding

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

type GeminiProvider struct {
	client *genai.Client
	model  string
	dim    int
}

func NewGeminiProvider(ctx context.Context, apiKey, model string, dim int) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	if model == "" {
		model = "gemini-embedding-001"
	}
	return &GeminiProvider{client: client, model: model, dim: dim}, nil
}

func (p *GeminiProvider) Name() string   { return "gemini" }
func (p *GeminiProvider) Model() string  { return p.model }
func (p *GeminiProvider) Dimension() int { return p.dim }

func (p *GeminiProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}

	resp, err := p.client.Models.EmbedContent(ctx, p.model, contents, &genai.EmbedContentConfig{
		OutputDimensionality: genai.Ptr(int32(p.dim)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to embed content: %w", err)
	}
	if err := checkCount(len(resp.Embeddings), len(texts)); err != nil {
		return nil, err
	}

	out := make([][]float32, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		out[i] = e.Values
	}
	return out, nil
}
