// Package router picks the handling pathway for a query. Strategies are
// tried in order; each either decides or hands over to the next.
package router

import (
	"context"
	"strings"
)

type Route string

const (
	RouteCSVAnalysis Route = "csv_analysis"
	RouteRAGSearch   Route = "rag_search"
	RouteDataLoading Route = "data_loading"
	RouteLLMAnalysis Route = "llm_analysis"
	RouteGeneral     Route = "general"
	RouteUnknown     Route = "unknown"
)

// Routes lists every route a strategy may choose. RouteUnknown is only ever
// produced by the heuristic tier.
var Routes = []Route{RouteCSVAnalysis, RouteRAGSearch, RouteDataLoading, RouteLLMAnalysis, RouteGeneral}

func ParseRoute(s string) (Route, bool) {
	r := Route(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Routes {
		if r == known {
			return r, true
		}
	}
	if r == RouteUnknown {
		return r, true
	}
	return "", false
}

type Method string

const (
	MethodGenerative Method = "generative"
	MethodEmbedding  Method = "embedding"
	MethodHeuristic  Method = "heuristic"
)

type Result struct {
	Route      Route   `json:"route"`
	Confidence float64 `json:"confidence"`
	Method     Method  `json:"method"`
}

// Context is the working context a query arrives with.
type Context struct {
	// Dataset is the current dataset pointer, usually a source id.
	Dataset string
	// FileName is a file the caller attached to the query, if any.
	FileName string
}

func (c Context) hasCSV() bool {
	for _, v := range []string{c.Dataset, c.FileName} {
		if strings.HasSuffix(strings.ToLower(v), ".csv") {
			return true
		}
	}
	return false
}

// Strategy is one tier of the cascade. Returning an error, typically
// apperr.ErrClassificationAmbiguous, passes the query to the next tier.
type Strategy interface {
	Method() Method
	Classify(ctx context.Context, query string, wctx Context) (Result, error)
}

// priority ranks routes for tie-breaking: a lower index wins.
type priority map[Route]int

func newPriority(order []Route) priority {
	p := make(priority, len(order))
	for i, r := range order {
		if _, seen := p[r]; !seen {
			p[r] = i
		}
	}
	return p
}

func (p priority) rank(r Route) int {
	if i, ok := p[r]; ok {
		return i
	}
	return len(p) + 1
}

// better reports whether a beats b at equal or higher score.
func (p priority) better(a Route, aScore float64, b Route, bScore float64) bool {
	if aScore != bScore {
		return aScore > bScore
	}
	if p.rank(a) != p.rank(b) {
		return p.rank(a) < p.rank(b)
	}
	return a < b
}
