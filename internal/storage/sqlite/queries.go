package sqlite

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rag-agent/backend/internal/storage/models"
	"github.com/rag-agent/backend/pkg/logger"
)

func (c *Client) InsertQueryRecord(ctx context.Context, record *models.QueryRecord, sources []models.QuerySource) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	insufficient := 0
	if record.Insufficient {
		insufficient = 1
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO query_history (id, session_id, query_text, response, route, method, confidence,
			provider, model, chunks_used, insufficient, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.SessionID,
		record.QueryText,
		record.Response,
		record.Route,
		record.Method,
		record.Confidence,
		record.Provider,
		record.Model,
		record.ChunksUsed,
		insufficient,
		record.LatencyMS,
		record.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert query record: %w", err)
	}

	for _, src := range sources {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO query_sources (query_id, chunk_id, source_id, similarity) VALUES (?, ?, ?, ?)`,
			record.ID, src.ChunkID, src.SourceID, src.Similarity,
		)
		if err != nil {
			return fmt.Errorf("failed to insert query source: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit query record: %w", err)
	}

	logger.Info("Query recorded",
		zap.String("query_id", record.ID),
		zap.String("route", record.Route),
		zap.Float64("confidence", record.Confidence),
	)
	return nil
}

func (c *Client) GetQueryHistory(ctx context.Context, sessionID string, limit int) ([]models.QueryRecord, error) {
	query := `
		SELECT id, session_id, query_text, response, route, method, confidence, provider, model,
			chunks_used, insufficient, latency_ms, created_at
		FROM query_history
		WHERE session_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := c.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get query history: %w", err)
	}
	defer rows.Close()

	var records []models.QueryRecord
	for rows.Next() {
		var r models.QueryRecord
		var createdAt int64
		var insufficient int

		err := rows.Scan(&r.ID, &r.SessionID, &r.QueryText, &r.Response, &r.Route, &r.Method,
			&r.Confidence, &r.Provider, &r.Model, &r.ChunksUsed, &insufficient, &r.LatencyMS, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		r.Insufficient = insufficient == 1
		r.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, r)
	}

	return records, rows.Err()
}
