package pgvector

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rag-agent/backend/internal/storage/models"
	"github.com/rag-agent/backend/internal/vector"
	"github.com/rag-agent/backend/pkg/apperr"
)

func TestRejectsBadTableName(t *testing.T) {
	_, err := NewStore(context.Background(), "postgres://unused", "chunks; DROP TABLE x", 4)
	assert.True(t, apperr.IsConfiguration(err))
}

// Runs against a real database when RAG_TEST_PG_DSN is set.
func TestStoreSearchDelete(t *testing.T) {
	dsn := os.Getenv("RAG_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("RAG_TEST_PG_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	table := fmt.Sprintf("test_vectors_%d", time.Now().UnixNano()%1_000_000)
	s, err := NewStore(ctx, dsn, table, 2)
	require.NoError(t, err)
	defer func() {
		_, _ = s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table)
		_ = s.Close()
	}()

	_, err = s.Store(ctx, []models.VectorRecord{
		{ID: "a", ChunkID: "a", SourceID: "doc", Vector: []float32{1, 0}, Text: "a"},
		{ID: "b", ChunkID: "b", SourceID: "doc", Vector: []float32{0.6, 0.8}, Text: "b"},
		{ID: "c", ChunkID: "c", SourceID: "other", Vector: []float32{0, 1}, Text: "c"},
	})
	require.NoError(t, err)

	results, err := s.Search(ctx, []float32{1, 0}, vector.SearchOptions{Threshold: 0.5, Limit: 5})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID)
	assert.InDelta(t, 0.6, results[1].Similarity, 1e-5)

	_, err = s.Store(ctx, []models.VectorRecord{{ID: "d", Vector: []float32{1, 0, 0}}})
	assert.True(t, apperr.IsConfiguration(err))

	n, err := s.DeleteBySource(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
