package router

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/rag-agent/backend/internal/metrics"
	"github.com/rag-agent/backend/pkg/apperr"
	"github.com/rag-agent/backend/pkg/config"
	"github.com/rag-agent/backend/pkg/logger"
)

// Router runs its strategies in order. The last strategy is always the
// heuristic tier, which never fails, so Classify always returns a result.
type Router struct {
	strategies []Strategy
	heuristic  *HeuristicStrategy
	grounded   map[Route]bool
	log        *zap.Logger
}

// New assembles the cascade. chat and embedder may be nil, which disables
// the corresponding tier.
func New(cfg config.RouterConfig, chat Chatter, embedder Embedder) (*Router, error) {
	table := DefaultTable()
	if cfg.RoutesFile != "" {
		t, err := LoadTable(cfg.RoutesFile)
		if err != nil {
			return nil, err
		}
		table = t
	}
	if len(cfg.Priority) > 0 {
		table.Priority = make([]Route, 0, len(cfg.Priority))
		for _, p := range cfg.Priority {
			r, ok := ParseRoute(p)
			if !ok {
				return nil, apperr.Config("router.priority", "unknown route %q", p)
			}
			table.Priority = append(table.Priority, r)
		}
	}
	for route, words := range cfg.Keywords {
		r, ok := ParseRoute(route)
		if !ok || r == RouteUnknown {
			return nil, apperr.Config("router.keywords", "unknown route %q", route)
		}
		table.Keywords[r] = words
	}

	var strategies []Strategy
	if cfg.GenerativeEnabled && chat != nil {
		conf := cfg.GenerativeConf
		if conf <= 0 {
			conf = 0.9
		}
		strategies = append(strategies, NewGenerativeStrategy(chat, conf))
	}
	if cfg.EmbeddingEnabled && embedder != nil {
		strategies = append(strategies, NewEmbeddingStrategy(embedder, table, cfg.EmbeddingThreshold))
	}

	grounded := cfg.GroundedRoutes
	if len(grounded) == 0 {
		grounded = []string{string(RouteCSVAnalysis), string(RouteRAGSearch)}
	}
	r := NewRouter(table, strategies...)
	r.grounded = map[Route]bool{}
	for _, g := range grounded {
		route, ok := ParseRoute(g)
		if !ok {
			return nil, apperr.Config("router.groundedRoutes", "unknown route %q", g)
		}
		r.grounded[route] = true
	}
	return r, nil
}

// NewRouter runs the given strategies in order, then the heuristic tier
// built from table.
func NewRouter(table *Table, strategies ...Strategy) *Router {
	h := NewHeuristicStrategy(table)
	return &Router{
		strategies: append(append([]Strategy{}, strategies...), h),
		heuristic:  h,
		grounded:   map[Route]bool{RouteCSVAnalysis: true, RouteRAGSearch: true},
		log:        logger.Named("router"),
	}
}

func (r *Router) Classify(ctx context.Context, query string, wctx Context) Result {
	for _, s := range r.strategies {
		res, err := s.Classify(ctx, query, wctx)
		if err == nil {
			r.observe(res)
			return res
		}

		metrics.ClassifierFallthrough.WithLabelValues(string(s.Method())).Inc()
		if errors.Is(err, apperr.ErrClassificationAmbiguous) {
			r.log.Debug("Classification tier inconclusive",
				zap.String("method", string(s.Method())), zap.Error(err))
		} else {
			r.log.Warn("Classification tier failed",
				zap.String("method", string(s.Method())), zap.Error(err))
		}
		if ctx.Err() != nil {
			break
		}
	}

	// Only reachable when the context is done; the heuristic tier is pure.
	res, _ := r.heuristic.Classify(ctx, query, wctx)
	r.observe(res)
	return res
}

// Grounded reports whether a route must be answered from retrieved chunks.
func (r *Router) Grounded(route Route) bool {
	return r.grounded[route]
}

func (r *Router) observe(res Result) {
	metrics.ClassificationTotal.WithLabelValues(string(res.Method), string(res.Route)).Inc()
	metrics.ConfidenceScore.Observe(res.Confidence)
	r.log.Debug("Query classified",
		zap.String("route", string(res.Route)),
		zap.String("method", string(res.Method)),
		zap.Float64("confidence", res.Confidence),
	)
}
