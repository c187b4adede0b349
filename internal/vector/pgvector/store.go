// Package pgvector stores vectors in Postgres with the pgvector extension.
// Search goes through a SQL function taking (query_vector, threshold,
// limit), so other clients of the database can run the same query.
package pgvector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/rag-agent/backend/internal/metrics"
	"github.com/rag-agent/backend/internal/storage/models"
	"github.com/rag-agent/backend/internal/vector"
	"github.com/rag-agent/backend/pkg/apperr"
	"github.com/rag-agent/backend/pkg/logger"
)

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,50}$`)

type Store struct {
	db    *sql.DB
	table string
	dim   int
}

func NewStore(ctx context.Context, dsn, table string, dim int) (*Store, error) {
	if !identRe.MatchString(table) {
		return nil, apperr.Config("postgres.table", "invalid table name %q", table)
	}
	if dim <= 0 {
		return nil, apperr.Config("embedding.dimension", "must be positive, got %d", dim)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	s := &Store{db: db, table: table, dim: dim}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("pgvector store initialized", zap.String("table", table), zap.Int("dimension", dim))
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			chunk_id TEXT NOT NULL,
			source_id TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			content TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			provider TEXT,
			model TEXT,
			embedding vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.table, s.dim),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_source_idx ON %s (source_id, ordinal)`, s.table, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s USING hnsw (embedding vector_cosine_ops)`, s.table, s.table),
		fmt.Sprintf(`CREATE OR REPLACE FUNCTION match_%s(
			query_embedding vector(%d),
			similarity_threshold float,
			match_count int,
			filter_source text DEFAULT NULL
		) RETURNS TABLE (
			id text, chunk_id text, source_id text, ordinal int, content text, metadata jsonb, similarity float
		) LANGUAGE sql STABLE AS $$
			SELECT t.id, t.chunk_id, t.source_id, t.ordinal, t.content, t.metadata,
				1 - (t.embedding <=> query_embedding) AS similarity
			FROM %s t
			WHERE (filter_source IS NULL OR t.source_id = filter_source)
				AND 1 - (t.embedding <=> query_embedding) >= similarity_threshold
			ORDER BY t.embedding <=> query_embedding
			LIMIT match_count
		$$`, s.table, s.dim, s.table),
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize pgvector schema: %w", err)
		}
	}

	var existing int
	err := s.db.QueryRowContext(ctx, `
		SELECT atttypmod FROM pg_attribute
		WHERE attrelid = $1::regclass AND attname = 'embedding'`, s.table,
	).Scan(&existing)
	if err != nil {
		return fmt.Errorf("failed to read embedding column type: %w", err)
	}
	if existing > 0 && existing != s.dim {
		return apperr.Config("embedding.dimension",
			"table %s holds %d-dimensional vectors, configured %d", s.table, existing, s.dim)
	}
	return nil
}

func (s *Store) Dimension() int { return s.dim }

func (s *Store) Store(ctx context.Context, records []models.VectorRecord) ([]string, error) {
	if err := vector.CheckRecords(records, s.dim); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, chunk_id, source_id, ordinal, content, metadata, provider, model, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			chunk_id = EXCLUDED.chunk_id,
			source_id = EXCLUDED.source_id,
			ordinal = EXCLUDED.ordinal,
			content = EXCLUDED.content,
			metadata = EXCLUDED.metadata,
			provider = EXCLUDED.provider,
			model = EXCLUDED.model,
			embedding = EXCLUDED.embedding`, s.table))
	if err != nil {
		return nil, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	ids := make([]string, 0, len(records))
	for _, r := range records {
		meta, _ := json.Marshal(r.Metadata)
		if r.Metadata == nil {
			meta = []byte("{}")
		}
		created := r.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}

		_, err := stmt.ExecContext(ctx,
			r.ID, r.ChunkID, r.SourceID, r.Ordinal, r.Text, string(meta),
			r.Provider, r.ModelName, pgvector.NewVector(r.Vector), created,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to store record %s: %w", r.ID, err)
		}
		ids = append(ids, r.ID)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit records: %w", err)
	}
	return ids, nil
}

func (s *Store) Search(ctx context.Context, query []float32, opts vector.SearchOptions) ([]models.SearchResult, error) {
	if err := vector.CheckQuery(query, s.dim); err != nil {
		return nil, err
	}
	started := time.Now()
	defer func() {
		metrics.VectorSearchDuration.WithLabelValues("pgvector").Observe(time.Since(started).Seconds())
	}()

	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	var source any
	if opts.SourceID != "" {
		source = opts.SourceID
	}

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, chunk_id, source_id, ordinal, content, metadata, similarity
			FROM match_%s($1, $2, $3, $4)`, s.table),
		pgvector.NewVector(query), opts.Threshold, limit, source,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search vectors: %w", err)
	}
	defer rows.Close()

	var results []models.SearchResult
	for rows.Next() {
		var r models.SearchResult
		var meta []byte
		if err := rows.Scan(&r.ID, &r.ChunkID, &r.SourceID, &r.Ordinal, &r.Text, &meta, &r.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan search row: %w", err)
		}
		r.Metadata = map[string]string{}
		_ = json.Unmarshal(meta, &r.Metadata)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read search rows: %w", err)
	}

	return vector.Finalize(results, opts), nil
}

func (s *Store) DeleteBySource(ctx context.Context, sourceID string) (int, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE source_id = $1`, s.table), sourceID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete by source: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted rows: %w", err)
	}
	return int(n), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
