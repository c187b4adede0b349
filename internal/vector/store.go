// Package vector defines the similarity-search contract shared by every
// vector backend.
//
// Similarity is raw cosine similarity in [-1, 1] on every backend. Results
// are ordered by descending similarity, never fall below the threshold and
// never exceed the limit.
package vector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rag-agent/backend/internal/storage/models"
	"github.com/rag-agent/backend/pkg/apperr"
)

type SearchOptions struct {
	Threshold float64
	Limit     int
	// SourceID restricts the search to records of one source when set.
	SourceID string
}

type Store interface {
	// Dimension is fixed when the store is opened.
	Dimension() int
	Store(ctx context.Context, records []models.VectorRecord) ([]string, error)
	Search(ctx context.Context, query []float32, opts SearchOptions) ([]models.SearchResult, error)
	DeleteBySource(ctx context.Context, sourceID string) (int, error)
	Close() error
}

// CheckRecords rejects a write batch containing any vector of the wrong
// length. Backends call it before touching storage.
func CheckRecords(records []models.VectorRecord, dim int) error {
	for _, r := range records {
		if len(r.Vector) != dim {
			return apperr.Config("vector.dimension",
				"record %s has %d dimensions, store expects %d", r.ID, len(r.Vector), dim)
		}
		if r.ID == "" {
			return fmt.Errorf("record for chunk %q has no id", r.ChunkID)
		}
	}
	return nil
}

func CheckQuery(query []float32, dim int) error {
	if len(query) != dim {
		return apperr.Config("vector.dimension", "query has %d dimensions, store expects %d", len(query), dim)
	}
	return nil
}

// Finalize applies the threshold, sorts by descending similarity (id breaks
// ties) and truncates to the limit.
func Finalize(results []models.SearchResult, opts SearchOptions) []models.SearchResult {
	kept := results[:0]
	for _, r := range results {
		if r.Similarity >= opts.Threshold {
			kept = append(kept, r)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].Similarity != kept[j].Similarity {
			return kept[i].Similarity > kept[j].Similarity
		}
		return kept[i].ID < kept[j].ID
	})
	if opts.Limit > 0 && len(kept) > opts.Limit {
		kept = kept[:opts.Limit]
	}
	return kept
}

// Cosine returns the cosine similarity of a and b, or 0 if either is a zero
// vector.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Records joins embeddings to their chunks by chunk id. Embeddings without
// a matching chunk are skipped.
func Records(chunks []models.Chunk, embeddings []models.Embedding) []models.VectorRecord {
	byID := make(map[string]*models.Chunk, len(chunks))
	for i := range chunks {
		byID[chunks[i].ID] = &chunks[i]
	}

	records := make([]models.VectorRecord, 0, len(embeddings))
	for _, e := range embeddings {
		ch, ok := byID[e.ChunkID]
		if !ok {
			continue
		}
		created := e.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		records = append(records, models.VectorRecord{
			ID:        ch.ID,
			ChunkID:   ch.ID,
			SourceID:  ch.SourceID,
			Ordinal:   ch.Ordinal,
			Vector:    e.Vector,
			Text:      ch.Text,
			Metadata:  ch.Metadata,
			Provider:  e.Provider,
			ModelName: e.ModelName,
			CreatedAt: created,
		})
	}
	return records
}
