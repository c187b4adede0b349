// Package memory is an in-process vector store using brute-force cosine
// similarity. Contents are lost on restart.
package memory

import (
	"context"
	"sync"

	"github.com/rag-agent/backend/internal/storage/models"
	"github.com/rag-agent/backend/internal/vector"
)

type Store struct {
	mu        sync.RWMutex
	dimension int
	records   map[string]models.VectorRecord
}

func NewStore(dimension int) *Store {
	return &Store{
		dimension: dimension,
		records:   make(map[string]models.VectorRecord),
	}
}

func (s *Store) Dimension() int { return s.dimension }

func (s *Store) Store(_ context.Context, records []models.VectorRecord) ([]string, error) {
	if err := vector.CheckRecords(records, s.dimension); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(records))
	for _, r := range records {
		r.Vector = append([]float32(nil), r.Vector...)
		s.records[r.ID] = r
		ids = append(ids, r.ID)
	}
	return ids, nil
}

func (s *Store) Search(ctx context.Context, query []float32, opts vector.SearchOptions) ([]models.SearchResult, error) {
	if err := vector.CheckQuery(query, s.dimension); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []models.SearchResult
	for _, r := range s.records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if opts.SourceID != "" && r.SourceID != opts.SourceID {
			continue
		}
		results = append(results, models.SearchResult{
			ID:         r.ID,
			ChunkID:    r.ChunkID,
			SourceID:   r.SourceID,
			Ordinal:    r.Ordinal,
			Text:       r.Text,
			Metadata:   r.Metadata,
			Similarity: vector.Cosine(query, r.Vector),
		})
	}
	return vector.Finalize(results, opts), nil
}

func (s *Store) DeleteBySource(_ context.Context, sourceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, r := range s.records {
		if r.SourceID == sourceID {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Store) Close() error { return nil }
