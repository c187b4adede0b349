package llm

import "strings"

type Complexity int

const (
	ComplexitySimple Complexity = iota + 1
	ComplexityMedium
	ComplexityComplex
	ComplexityAdvanced
)

func (c Complexity) String() string {
	switch c {
	case ComplexitySimple:
		return "simple"
	case ComplexityMedium:
		return "medium"
	case ComplexityComplex:
		return "complex"
	case ComplexityAdvanced:
		return "advanced"
	default:
		return "unknown"
	}
}

// Profile is the sampling setup chosen for a query.
type Profile struct {
	Complexity  Complexity
	Temperature float32
	MaxTokens   int
}

var profiles = map[Complexity]Profile{
	ComplexitySimple:   {ComplexitySimple, 0.3, 500},
	ComplexityMedium:   {ComplexityMedium, 0.5, 1500},
	ComplexityComplex:  {ComplexityComplex, 0.7, 3000},
	ComplexityAdvanced: {ComplexityAdvanced, 0.8, 4000},
}

// Markers are checked from the most demanding level down.
var complexityMarkers = []struct {
	level   Complexity
	markers []string
}{
	{ComplexityAdvanced, []string{
		"análise completa", "full analysis", "todos os agentes", "análise massiva",
		"correlações complexas", "múltiplos modelos", "ensemble", "deep learning",
		"análise avançada", "advanced analysis", "otimização", "optimization",
	}},
	{ComplexityComplex, []string{
		"fraude", "fraud", "detecção", "detect", "anômalo", "anomal", "outlier",
		"correlação", "correlation", "padrões", "pattern", "análise profunda",
		"machine learning", "predição", "predict", "classificação", "clustering",
	}},
	{ComplexityMedium, []string{
		"quantas linhas", "how many rows", "quantas colunas", "how many columns",
		"mostre", "show", "exiba", "lista", "list", "dados", "estatísticas", "statistics",
		"resumo", "summary",
	}},
	{ComplexitySimple, []string{
		"olá", "oi", "hello", "hey", "status", "help", "ajuda", "como funciona",
		"o que é", "what is", "tchau", "bye", "obrigado", "thanks",
	}},
}

// DetectComplexity scores a query by its analytical markers, then by its
// length. Queries with no signal are medium.
func DetectComplexity(query string) Complexity {
	q := strings.ToLower(query)
	for _, group := range complexityMarkers {
		for _, m := range group.markers {
			if strings.Contains(q, m) {
				return group.level
			}
		}
	}
	switch n := len([]rune(q)); {
	case n > 200:
		return ComplexityComplex
	case n > 100:
		return ComplexityMedium
	}
	return ComplexityMedium
}

func ProfileFor(query string) Profile {
	return profiles[DetectComplexity(query)]
}
