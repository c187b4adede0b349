package neo4j

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rag-agent/backend/internal/storage/models"
)

func TestScoreToCosine(t *testing.T) {
	assert.InDelta(t, 1.0, scoreToCosine(1.0), 1e-9)
	assert.InDelta(t, 0.0, scoreToCosine(0.5), 1e-9)
	assert.InDelta(t, -1.0, scoreToCosine(0.0), 1e-9)
}

func TestIndexDimension(t *testing.T) {
	dim, ok := indexDimension(map[string]any{
		"indexConfig": map[string]any{"vector.dimensions": int64(384)},
	})
	assert.True(t, ok)
	assert.Equal(t, 384, dim)

	_, ok = indexDimension(map[string]any{})
	assert.False(t, ok)
}

func TestWiden(t *testing.T) {
	tests := []struct {
		name           string
		k, scanned     int
		matched, limit int
		below          bool
		wantK          int
		wantMore       bool
	}{
		{"limit filled", 50, 50, 10, 10, false, 50, false},
		{"index exhausted", 50, 30, 2, 10, false, 50, false},
		{"scores under threshold", 50, 50, 2, 10, true, 50, false},
		{"doubles when short", 50, 50, 2, 10, false, 100, true},
		{"capped", 3000, 3000, 0, 10, false, maxNeighbours, true},
		{"stops at cap", maxNeighbours, maxNeighbours, 0, 10, false, maxNeighbours, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, more := widen(tt.k, tt.scanned, tt.matched, tt.limit, tt.below)
			assert.Equal(t, tt.wantK, k)
			assert.Equal(t, tt.wantMore, more)
		})
	}
}

func TestFilterSourceKeepsRankOrder(t *testing.T) {
	hits := []models.SearchResult{
		{ID: "a", SourceID: "s1", Similarity: 0.9},
		{ID: "b", SourceID: "s2", Similarity: 0.8},
		{ID: "c", SourceID: "s1", Similarity: 0.1},
	}
	kept := filterSource(hits, "s1")
	require.Len(t, kept, 2)
	assert.Equal(t, "a", kept[0].ID)
	assert.Equal(t, "c", kept[1].ID)
	assert.Equal(t, 1, countAbove(kept, 0.5))
	assert.Empty(t, filterSource(hits, "s3"))
}
