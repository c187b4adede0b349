// Package evaluation measures routing accuracy and retrieval quality against
// a labelled dataset.
package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/rag-agent/backend/internal/router"
	"github.com/rag-agent/backend/internal/storage/models"
	"github.com/rag-agent/backend/internal/vector"
	"github.com/rag-agent/backend/pkg/logger"
)

type Classifier interface {
	Classify(ctx context.Context, query string, wctx router.Context) router.Result
}

type Embedder interface {
	Embed(ctx context.Context, text string) (*models.Embedding, error)
}

type Evaluator struct {
	router   Classifier
	embedder Embedder
	vectors  vector.Store
	opts     vector.SearchOptions
}

type Dataset struct {
	Items []DatasetItem `json:"items" yaml:"items"`
}

// DatasetItem is one labelled query. Empty expectations are not scored.
type DatasetItem struct {
	Query          string `json:"query" yaml:"query"`
	FileName       string `json:"file_name,omitempty" yaml:"file_name,omitempty"`
	ExpectedRoute  string `json:"expected_route,omitempty" yaml:"expected_route,omitempty"`
	ExpectedSource string `json:"expected_source,omitempty" yaml:"expected_source,omitempty"`
	GroundTruth    string `json:"ground_truth,omitempty" yaml:"ground_truth,omitempty"`
	Answer         string `json:"answer,omitempty" yaml:"answer,omitempty"`
}

type RouteScore struct {
	Total   int `json:"total"`
	Correct int `json:"correct"`
}

type Report struct {
	TotalQueries int `json:"total_queries"`

	RoutedQueries int                          `json:"routed_queries"`
	RouteCorrect  int                          `json:"route_correct"`
	RouteAccuracy float64                      `json:"route_accuracy"`
	PerRoute      map[router.Route]*RouteScore `json:"per_route"`
	Methods       map[router.Method]int        `json:"methods"`
	Confusions    []Confusion                  `json:"confusions,omitempty"`

	RetrievalQueries int     `json:"retrieval_queries"`
	RetrievalHits    int     `json:"retrieval_hits"`
	HitRate          float64 `json:"hit_rate"`
	MeanReciprocal   float64 `json:"mean_reciprocal_rank"`
	AvgTopSimilarity float64 `json:"avg_top_similarity"`

	AnswerPairs         int     `json:"answer_pairs"`
	AvgAnswerSimilarity float64 `json:"avg_answer_similarity"`
}

// Confusion records a query routed somewhere other than expected.
type Confusion struct {
	Query    string        `json:"query"`
	Expected router.Route  `json:"expected"`
	Got      router.Route  `json:"got"`
	Method   router.Method `json:"method"`
}

// NewEvaluator builds an evaluator. embedder and vectors may be nil, which
// skips retrieval and answer scoring.
func NewEvaluator(r Classifier, embedder Embedder, vectors vector.Store, opts vector.SearchOptions) *Evaluator {
	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	return &Evaluator{router: r, embedder: embedder, vectors: vectors, opts: opts}
}

func (e *Evaluator) Run(ctx context.Context, dataset *Dataset) (*Report, error) {
	logger.Info("Running dataset evaluation", zap.Int("items", len(dataset.Items)))

	report := &Report{
		TotalQueries: len(dataset.Items),
		PerRoute:     map[router.Route]*RouteScore{},
		Methods:      map[router.Method]int{},
	}

	var reciprocal, topSim, answerSim float64
	for i, item := range dataset.Items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if item.ExpectedRoute != "" {
			expected, ok := router.ParseRoute(item.ExpectedRoute)
			if !ok {
				return nil, fmt.Errorf("item %d: unknown expected route %q", i, item.ExpectedRoute)
			}
			res := e.router.Classify(ctx, item.Query, router.Context{FileName: item.FileName})
			report.RoutedQueries++
			report.Methods[res.Method]++
			score := report.PerRoute[expected]
			if score == nil {
				score = &RouteScore{}
				report.PerRoute[expected] = score
			}
			score.Total++
			if res.Route == expected {
				score.Correct++
				report.RouteCorrect++
			} else {
				report.Confusions = append(report.Confusions, Confusion{
					Query: item.Query, Expected: expected, Got: res.Route, Method: res.Method,
				})
			}
		}

		if item.ExpectedSource != "" && e.embedder != nil && e.vectors != nil {
			rank, top, err := e.retrievalRank(ctx, item.Query, item.ExpectedSource)
			if err != nil {
				logger.Warn("Retrieval evaluation failed", zap.Int("item", i), zap.Error(err))
				continue
			}
			report.RetrievalQueries++
			topSim += top
			if rank > 0 {
				report.RetrievalHits++
				reciprocal += 1 / float64(rank)
			}
		}

		if item.Answer != "" && item.GroundTruth != "" && e.embedder != nil {
			sim, err := e.answerSimilarity(ctx, item.Answer, item.GroundTruth)
			if err != nil {
				logger.Warn("Answer similarity failed", zap.Int("item", i), zap.Error(err))
				continue
			}
			report.AnswerPairs++
			answerSim += sim
		}
	}

	if report.RoutedQueries > 0 {
		report.RouteAccuracy = float64(report.RouteCorrect) / float64(report.RoutedQueries)
	}
	if report.RetrievalQueries > 0 {
		n := float64(report.RetrievalQueries)
		report.HitRate = float64(report.RetrievalHits) / n
		report.MeanReciprocal = reciprocal / n
		report.AvgTopSimilarity = topSim / n
	}
	if report.AnswerPairs > 0 {
		report.AvgAnswerSimilarity = answerSim / float64(report.AnswerPairs)
	}

	logger.Info("Dataset evaluation completed",
		zap.Int("total", report.TotalQueries),
		zap.Float64("route_accuracy", report.RouteAccuracy),
		zap.Float64("hit_rate", report.HitRate),
	)
	return report, nil
}

// retrievalRank returns the 1-based rank of the first result from source,
// or 0 when it is absent, plus the top similarity.
func (e *Evaluator) retrievalRank(ctx context.Context, query, source string) (int, float64, error) {
	q, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return 0, 0, err
	}
	results, err := e.vectors.Search(ctx, q.Vector, e.opts)
	if err != nil {
		return 0, 0, err
	}
	if len(results) == 0 {
		return 0, 0, nil
	}
	for i, r := range results {
		if r.SourceID == source {
			return i + 1, results[0].Similarity, nil
		}
	}
	return 0, results[0].Similarity, nil
}

func (e *Evaluator) answerSimilarity(ctx context.Context, answer, truth string) (float64, error) {
	a, err := e.embedder.Embed(ctx, answer)
	if err != nil {
		return 0, err
	}
	b, err := e.embedder.Embed(ctx, truth)
	if err != nil {
		return 0, err
	}
	return vector.Cosine(a.Vector, b.Vector), nil
}

// LoadDataset reads a dataset file; .json is parsed as JSON, anything else
// as YAML.
func LoadDataset(path string) (*Dataset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset: %w", err)
	}

	var dataset Dataset
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(raw, &dataset)
	} else {
		err = yaml.Unmarshal(raw, &dataset)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse dataset %s: %w", path, err)
	}
	return &dataset, nil
}

func (r *Report) String() string {
	var sb strings.Builder
	sb.WriteString("Evaluation Report\n=================\n\n")
	fmt.Fprintf(&sb, "Total Queries: %d\n\n", r.TotalQueries)

	if r.RoutedQueries > 0 {
		fmt.Fprintf(&sb, "Routing: %d/%d correct (%.1f%%)\n", r.RouteCorrect, r.RoutedQueries, r.RouteAccuracy*100)
		routes := make([]string, 0, len(r.PerRoute))
		for route := range r.PerRoute {
			routes = append(routes, string(route))
		}
		sort.Strings(routes)
		for _, route := range routes {
			s := r.PerRoute[router.Route(route)]
			fmt.Fprintf(&sb, "- %s: %d/%d\n", route, s.Correct, s.Total)
		}
		methods := make([]string, 0, len(r.Methods))
		for m := range r.Methods {
			methods = append(methods, string(m))
		}
		sort.Strings(methods)
		sb.WriteString("Decided by:")
		for _, m := range methods {
			fmt.Fprintf(&sb, " %s=%d", m, r.Methods[router.Method(m)])
		}
		sb.WriteString("\n\n")
	}

	if r.RetrievalQueries > 0 {
		fmt.Fprintf(&sb, "Retrieval: hit rate %.1f%%, MRR %.3f, avg top similarity %.3f over %d queries\n\n",
			r.HitRate*100, r.MeanReciprocal, r.AvgTopSimilarity, r.RetrievalQueries)
	}

	if r.AnswerPairs > 0 {
		fmt.Fprintf(&sb, "Answer similarity: %.3f over %d pairs\n\n", r.AvgAnswerSimilarity, r.AnswerPairs)
	}

	for _, c := range r.Confusions {
		fmt.Fprintf(&sb, "MISROUTED (%s): %q expected %s, got %s\n", c.Method, c.Query, c.Expected, c.Got)
	}
	return sb.String()
}
