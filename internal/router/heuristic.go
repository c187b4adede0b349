package router

import (
	"context"
	"sort"
	"strings"

	"github.com/rag-agent/backend/internal/embedding"
)

type keyword struct {
	tokens []string
	weight float64
}

// HeuristicStrategy scores weighted keywords per route. It always decides:
// a query with no matching keyword is RouteUnknown.
type HeuristicStrategy struct {
	keywords map[Route][]keyword
	csvBoost float64
	prio     priority
}

func NewHeuristicStrategy(table *Table) *HeuristicStrategy {
	h := &HeuristicStrategy{
		keywords: make(map[Route][]keyword, len(table.Keywords)),
		csvBoost: table.CSVBoost,
		prio:     newPriority(table.Priority),
	}
	for route, words := range table.Keywords {
		list := make([]keyword, 0, len(words))
		for w, weight := range words {
			if toks := embedding.Tokenize(w); len(toks) > 0 {
				list = append(list, keyword{tokens: toks, weight: weight})
			}
		}
		// Summation order must not depend on map iteration.
		sort.Slice(list, func(i, j int) bool {
			return strings.Join(list[i].tokens, " ") < strings.Join(list[j].tokens, " ")
		})
		h.keywords[route] = list
	}
	return h
}

func (h *HeuristicStrategy) Method() Method { return MethodHeuristic }

func (h *HeuristicStrategy) Classify(_ context.Context, query string, wctx Context) (Result, error) {
	scores := h.Scores(query, wctx)

	var (
		best      Route
		bestScore float64
		total     float64
	)
	for _, r := range sortedRoutes(scores) {
		s := scores[r]
		total += s
		if s > 0 && (best == "" || h.prio.better(r, s, best, bestScore)) {
			best, bestScore = r, s
		}
	}

	if best == "" {
		return Result{Route: RouteUnknown, Confidence: 0, Method: MethodHeuristic}, nil
	}
	return Result{Route: best, Confidence: bestScore / total, Method: MethodHeuristic}, nil
}

// Scores returns the aggregate keyword weight of every route. Single words
// match whole tokens; multi-word keywords match as token sequences. A CSV
// dataset in the working context boosts csv_analysis, but only for queries
// that matched something.
func (h *HeuristicStrategy) Scores(query string, wctx Context) map[Route]float64 {
	tokens := embedding.Tokenize(query)
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	joined := " " + strings.Join(tokens, " ") + " "

	scores := make(map[Route]float64, len(h.keywords))
	matched := false
	for _, route := range sortedRoutes(h.keywords) {
		var score float64
		for _, kw := range h.keywords[route] {
			if len(kw.tokens) == 1 {
				if _, ok := set[kw.tokens[0]]; ok {
					score += kw.weight
				}
				continue
			}
			if strings.Contains(joined, " "+strings.Join(kw.tokens, " ")+" ") {
				score += kw.weight
			}
		}
		scores[route] = score
		if score > 0 {
			matched = true
		}
	}

	if matched && wctx.hasCSV() {
		scores[RouteCSVAnalysis] += h.csvBoost
	}
	return scores
}
