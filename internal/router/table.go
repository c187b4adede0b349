package router

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Table holds everything the embedding and heuristic tiers score against.
type Table struct {
	Priority  []Route                      `yaml:"priority"`
	Keywords  map[Route]map[string]float64 `yaml:"keywords"`
	Exemplars map[Route][]string           `yaml:"exemplars"`
	// CSVBoost is added to csv_analysis when the working context points at
	// a CSV dataset.
	CSVBoost float64 `yaml:"csv_boost"`
}

func DefaultPriority() []Route {
	return []Route{RouteLLMAnalysis, RouteCSVAnalysis, RouteRAGSearch, RouteDataLoading, RouteGeneral}
}

func DefaultTable() *Table {
	kw := func(weight float64, words ...string) map[string]float64 {
		m := make(map[string]float64, len(words))
		for _, w := range words {
			m[w] = weight
		}
		return m
	}

	return &Table{
		Priority: DefaultPriority(),
		Keywords: map[Route]map[string]float64{
			RouteCSVAnalysis: kw(1,
				"csv", "tabela", "table", "dados", "data", "análise", "estatística", "statistics",
				"correlação", "correlation", "gráfico", "chart", "plot", "visualização", "resumo",
				"describe", "dataset", "colunas", "columns", "linhas", "rows", "média", "mean",
				"average", "mediana", "median", "fraude", "fraud", "outlier", "outliers"),
			RouteRAGSearch: kw(1,
				"buscar", "busque", "search", "procurar", "find", "encontrar", "pesquisar", "consultar",
				"conhecimento", "knowledge", "documento", "document", "documents", "texto", "text",
				"similar", "contexto", "embedding", "semântica", "semantic", "retrieval"),
			RouteDataLoading: kw(1,
				"carregar", "load", "upload", "importar", "import", "abrir", "open", "arquivo", "file",
				"dados sintéticos", "gerar dados", "criar dados", "ingest"),
			RouteLLMAnalysis: kw(3,
				"explicar", "explique", "explain", "interpretar", "interprete", "interpret", "insight",
				"insights", "conclusão", "conclusões", "conclusion", "recomendação", "recomendações",
				"recommend", "recomende", "sugestão", "sugestões", "sugira", "suggest", "opinião",
				"análise detalhada", "relatório", "report", "tendência", "tendências", "trend",
				"previsão", "forecast", "hipótese", "hypothesis", "padrão", "padrões", "pattern",
				"patterns", "anomalia", "anomaly", "suspeito", "suspicious", "comportamento", "behavior"),
			RouteGeneral: kw(1,
				"olá", "oi", "hello", "hi", "ajuda", "help", "status", "sistema", "system",
				"obrigado", "thanks", "definir", "define"),
		},
		Exemplars: map[Route][]string{
			RouteCSVAnalysis: {
				"quantas linhas e colunas tem o dataset",
				"calcule a média e a mediana da coluna valor",
				"show the statistics of the csv table",
				"existe correlação entre as colunas",
			},
			RouteRAGSearch: {
				"busque nos documentos informações sobre",
				"search the knowledge base for documents about",
				"encontre textos similares a este",
			},
			RouteDataLoading: {
				"carregar o arquivo csv",
				"upload a new data file",
				"importar os dados do arquivo",
			},
			RouteLLMAnalysis: {
				"explique os padrões encontrados nos dados",
				"what insights and recommendations can you give",
				"interprete as tendências e sugira conclusões",
			},
			RouteGeneral: {
				"olá, como você pode me ajudar",
				"hello, what can this system do",
				"qual o status do sistema",
			},
		},
		CSVBoost: 1,
	}
}

// LoadTable reads a YAML route table. Sections present in the file replace
// the corresponding built-in sections; missing ones keep the defaults.
func LoadTable(path string) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read route table: %w", err)
	}

	var file Table
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse route table %s: %w", path, err)
	}

	t := DefaultTable()
	if len(file.Priority) > 0 {
		t.Priority = file.Priority
	}
	if len(file.Keywords) > 0 {
		t.Keywords = file.Keywords
	}
	if len(file.Exemplars) > 0 {
		t.Exemplars = file.Exemplars
	}
	if file.CSVBoost != 0 {
		t.CSVBoost = file.CSVBoost
	}
	return t, t.Validate()
}

func (t *Table) Validate() error {
	for _, r := range t.Priority {
		if _, ok := ParseRoute(string(r)); !ok {
			return fmt.Errorf("route table: unknown route %q in priority", r)
		}
	}
	for r := range t.Keywords {
		if _, ok := ParseRoute(string(r)); !ok || r == RouteUnknown {
			return fmt.Errorf("route table: unknown route %q in keywords", r)
		}
	}
	for r := range t.Exemplars {
		if _, ok := ParseRoute(string(r)); !ok || r == RouteUnknown {
			return fmt.Errorf("route table: unknown route %q in exemplars", r)
		}
	}
	return nil
}

// sortedRoutes returns map keys in a stable order so scoring never depends
// on map iteration.
func sortedRoutes[V any](m map[Route]V) []Route {
	out := make([]Route, 0, len(m))
	for r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
