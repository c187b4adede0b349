package router

import (
	"context"
	"fmt"
	"sync"

	"github.com/rag-agent/backend/internal/storage/models"
	"github.com/rag-agent/backend/internal/vector"
	"github.com/rag-agent/backend/pkg/apperr"
)

// Embedder is the slice of embedding.Generator the embedding tier needs.
type Embedder interface {
	Embed(ctx context.Context, text string) (*models.Embedding, error)
}

type exemplar struct {
	route Route
	vec   []float32
}

// EmbeddingStrategy compares the query with route exemplars and takes the
// route of the closest one if it clears the threshold.
type EmbeddingStrategy struct {
	embedder  Embedder
	threshold float64
	table     *Table
	prio      priority

	mu        sync.Mutex
	exemplars []exemplar
}

func NewEmbeddingStrategy(embedder Embedder, table *Table, threshold float64) *EmbeddingStrategy {
	return &EmbeddingStrategy{
		embedder:  embedder,
		threshold: threshold,
		table:     table,
		prio:      newPriority(table.Priority),
	}
}

func (e *EmbeddingStrategy) Method() Method { return MethodEmbedding }

// load embeds the exemplars on first use. A failure leaves the strategy
// unloaded so the next query tries again.
func (e *EmbeddingStrategy) load(ctx context.Context) ([]exemplar, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.exemplars != nil {
		return e.exemplars, nil
	}

	var out []exemplar
	for _, route := range sortedRoutes(e.table.Exemplars) {
		for _, text := range e.table.Exemplars[route] {
			emb, err := e.embedder.Embed(ctx, text)
			if err != nil {
				return nil, fmt.Errorf("failed to embed exemplar for %s: %w", route, err)
			}
			out = append(out, exemplar{route: route, vec: emb.Vector})
		}
	}
	e.exemplars = out
	return out, nil
}

func (e *EmbeddingStrategy) Classify(ctx context.Context, query string, _ Context) (Result, error) {
	exemplars, err := e.load(ctx)
	if err != nil {
		return Result{}, err
	}
	if len(exemplars) == 0 {
		return Result{}, fmt.Errorf("%w: no exemplars", apperr.ErrClassificationAmbiguous)
	}

	q, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return Result{}, err
	}

	best := map[Route]float64{}
	for _, ex := range exemplars {
		sim := vector.Cosine(q.Vector, ex.vec)
		if cur, ok := best[ex.route]; !ok || sim > cur {
			best[ex.route] = sim
		}
	}

	var (
		route Route
		score float64
	)
	for _, r := range sortedRoutes(best) {
		if route == "" || e.prio.better(r, best[r], route, score) {
			route, score = r, best[r]
		}
	}

	if score < e.threshold {
		return Result{}, fmt.Errorf("%w: best %s at %.3f below %.2f",
			apperr.ErrClassificationAmbiguous, route, score, e.threshold)
	}
	return Result{Route: route, Confidence: score, Method: MethodEmbedding}, nil
}
