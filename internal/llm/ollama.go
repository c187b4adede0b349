package llm

import (
	"context"

	"github.com/rag-agent/backend/internal/ollama"
)

type OllamaProvider struct {
	name   string
	client *ollama.Client
	model  string
}

func NewOllamaProvider(name, baseURL, token, model string) *OllamaProvider {
	if model == "" {
		model = "llama3.1"
	}
	return &OllamaProvider{name: name, client: ollama.NewClient(baseURL, token), model: model}
}

func (p *OllamaProvider) Name() string  { return p.name }
func (p *OllamaProvider) Model() string { return p.model }

func (p *OllamaProvider) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	resp, err := p.client.Chat(ctx, p.model, req.SystemPrompt, req.UserPrompt, ollama.ChatOptions{
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	return &Completion{
		Content: resp.Content,
		Usage: Usage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		},
	}, nil
}
