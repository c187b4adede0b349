package sqlite

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rag-agent/backend/internal/storage/models"
	"github.com/rag-agent/backend/pkg/logger"
)

func (c *Client) UpsertSource(ctx context.Context, src *models.Source) error {
	query := `
		INSERT INTO sources (id, source_type, title, chunk_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source_type = excluded.source_type,
			title = excluded.title,
			chunk_count = excluded.chunk_count,
			updated_at = excluded.updated_at
	`

	now := time.Now()
	if src.CreatedAt.IsZero() {
		src.CreatedAt = now
	}
	src.UpdatedAt = now

	_, err := c.db.ExecContext(ctx, query,
		src.ID,
		src.SourceType,
		src.Title,
		src.ChunkCount,
		src.CreatedAt.Unix(),
		src.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert source: %w", err)
	}

	logger.Debug("Source upserted", zap.String("source_id", src.ID), zap.Int("chunks", src.ChunkCount))
	return nil
}

func (c *Client) GetSource(ctx context.Context, id string) (*models.Source, error) {
	query := `SELECT id, source_type, title, chunk_count, created_at, updated_at FROM sources WHERE id = ?`

	var src models.Source
	var createdAt, updatedAt int64

	err := c.db.QueryRowContext(ctx, query, id).Scan(
		&src.ID,
		&src.SourceType,
		&src.Title,
		&src.ChunkCount,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get source: %w", err)
	}

	src.CreatedAt = time.Unix(createdAt, 0)
	src.UpdatedAt = time.Unix(updatedAt, 0)
	return &src, nil
}

// InsertChunk upserts by id. Ids are derived from source and ordinal, so a
// re-ingest replaces text in place.
func (c *Client) InsertChunk(ctx context.Context, chunk *models.Chunk, embedded bool) error {
	query := `
		INSERT INTO chunks (id, source_id, ordinal, text, start_offset, end_offset, metadata, embedded, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			text = excluded.text,
			start_offset = excluded.start_offset,
			end_offset = excluded.end_offset,
			metadata = excluded.metadata,
			embedded = excluded.embedded
	`

	flag := 0
	if embedded {
		flag = 1
	}

	_, err := c.db.ExecContext(ctx, query,
		chunk.ID,
		chunk.SourceID,
		chunk.Ordinal,
		chunk.Text,
		chunk.StartOffset,
		chunk.EndOffset,
		encodeMetadata(chunk.Metadata),
		flag,
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert chunk: %w", err)
	}

	return nil
}

func (c *Client) DeleteChunksBySource(ctx context.Context, sourceID string) (int, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM chunks WHERE source_id = ?`, sourceID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete chunks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (c *Client) CountChunks(ctx context.Context, sourceID string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE source_id = ?`, sourceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return n, nil
}
