package router

import (
	"context"
	"fmt"
	"strings"

	"github.com/rag-agent/backend/internal/llm"
	"github.com/rag-agent/backend/pkg/apperr"
)

// Chatter is the slice of llm.Manager the generative tier needs.
type Chatter interface {
	Chat(ctx context.Context, req llm.ChatRequest) llm.ChatResult
}

// GenerativeStrategy asks a model for exactly one route label.
type GenerativeStrategy struct {
	chat       Chatter
	confidence float64
	prompt     string
}

func NewGenerativeStrategy(chat Chatter, confidence float64) *GenerativeStrategy {
	labels := make([]string, len(Routes))
	for i, r := range Routes {
		labels[i] = string(r)
	}
	return &GenerativeStrategy{
		chat:       chat,
		confidence: confidence,
		prompt: fmt.Sprintf(`You route user questions for a data analysis assistant.
Reply with exactly one label and nothing else. Labels:
- csv_analysis: questions about the loaded tabular data (counts, statistics, columns, fraud, outliers)
- rag_search: searching the document knowledge base
- data_loading: loading, uploading or importing a file
- llm_analysis: interpretation, insights, explanations or recommendations
- general: greetings, help and questions about the system
Valid labels: %s`, strings.Join(labels, ", ")),
	}
}

func (g *GenerativeStrategy) Method() Method { return MethodGenerative }

func (g *GenerativeStrategy) Classify(ctx context.Context, query string, _ Context) (Result, error) {
	res := g.chat.Chat(ctx, llm.ChatRequest{
		Prompt:       query,
		SystemPrompt: g.prompt,
		Temperature:  0.01,
		MaxTokens:    10,
	})
	if !res.Success {
		return Result{}, res.Err
	}

	route, ok := ParseLabel(res.Content)
	if !ok {
		return Result{}, fmt.Errorf("%w: unparseable label %q", apperr.ErrClassificationAmbiguous, truncate(res.Content, 40))
	}
	return Result{Route: route, Confidence: g.confidence, Method: MethodGenerative}, nil
}

// ParseLabel returns the first token of s that names a route. "unknown" is
// not accepted from a model; it falls through to the later tiers.
func ParseLabel(s string) (Route, bool) {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && r != '_'
	})
	for i, f := range fields {
		candidates := []string{f}
		if i+1 < len(fields) {
			candidates = append(candidates, f+"_"+fields[i+1])
		}
		for _, c := range candidates {
			for _, r := range Routes {
				if Route(c) == r {
					return r, true
				}
			}
		}
	}
	return "", false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
