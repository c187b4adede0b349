package evaluation

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rag-agent/backend/internal/embedding"
	"github.com/rag-agent/backend/internal/router"
	"github.com/rag-agent/backend/internal/storage/models"
	"github.com/rag-agent/backend/internal/vector"
	memvec "github.com/rag-agent/backend/internal/vector/memory"
)

func TestRoutingAccuracy(t *testing.T) {
	ev := NewEvaluator(router.NewRouter(router.DefaultTable()), nil, nil, vector.SearchOptions{})

	report, err := ev.Run(context.Background(), &Dataset{Items: []DatasetItem{
		{Query: "search the documents", ExpectedRoute: "rag_search"},
		{Query: "explain the trend", ExpectedRoute: "llm_analysis"},
		{Query: "hello", ExpectedRoute: "csv_analysis"},
		{Query: "no expectation here"},
	}})
	require.NoError(t, err)

	assert.Equal(t, 4, report.TotalQueries)
	assert.Equal(t, 3, report.RoutedQueries)
	assert.Equal(t, 2, report.RouteCorrect)
	assert.InDelta(t, 2.0/3, report.RouteAccuracy, 1e-9)
	assert.Equal(t, 3, report.Methods[router.MethodHeuristic])
	require.Len(t, report.Confusions, 1)
	assert.Equal(t, router.RouteGeneral, report.Confusions[0].Got)
	assert.Contains(t, report.String(), "MISROUTED")
}

func TestUnknownExpectedRoute(t *testing.T) {
	ev := NewEvaluator(router.NewRouter(router.DefaultTable()), nil, nil, vector.SearchOptions{})
	_, err := ev.Run(context.Background(), &Dataset{Items: []DatasetItem{{Query: "x", ExpectedRoute: "nope"}}})
	assert.Error(t, err)
}

func TestRetrievalHitRate(t *testing.T) {
	ctx := context.Background()
	gen, err := embedding.NewGenerator(embedding.NewHashingProvider(64), embedding.Config{Dimension: 64}, nil)
	require.NoError(t, err)
	store := memvec.NewStore(64)

	texts := map[string]string{
		"freight": "freight invoices are due in five days",
		"coffee":  "coffee should be brewed at ninety degrees",
	}
	for src, text := range texts {
		e, err := gen.Embed(ctx, text)
		require.NoError(t, err)
		_, err = store.Store(ctx, []models.VectorRecord{{ID: src, ChunkID: src, SourceID: src, Vector: e.Vector, Text: text}})
		require.NoError(t, err)
	}

	ev := NewEvaluator(router.NewRouter(router.DefaultTable()), gen, store, vector.SearchOptions{Limit: 1})
	report, err := ev.Run(ctx, &Dataset{Items: []DatasetItem{
		{Query: "when are freight invoices due", ExpectedSource: "freight"},
		{Query: "brewing coffee degrees", ExpectedSource: "freight"},
		{Query: "q", Answer: "invoices are due in five days", GroundTruth: "invoices are due in five days"},
	}})
	require.NoError(t, err)

	assert.Equal(t, 2, report.RetrievalQueries)
	assert.Equal(t, 1, report.RetrievalHits)
	assert.InDelta(t, 0.5, report.HitRate, 1e-9)
	assert.InDelta(t, 0.5, report.MeanReciprocal, 1e-9)
	assert.Equal(t, 1, report.AnswerPairs)
	assert.InDelta(t, 1.0, report.AvgAnswerSimilarity, 1e-6)
}

func TestLoadDataset(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "set.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("items:\n  - query: hi\n    expected_route: general\n"), 0o644))
	ds, err := LoadDataset(yamlPath)
	require.NoError(t, err)
	require.Len(t, ds.Items, 1)
	assert.Equal(t, "general", ds.Items[0].ExpectedRoute)

	jsonPath := filepath.Join(dir, "set.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"items":[{"query":"a","expected_source":"s"}]}`), 0o644))
	ds, err = LoadDataset(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, "s", ds.Items[0].ExpectedSource)
}
