package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rag-agent/backend/internal/storage/models"
	"github.com/rag-agent/backend/pkg/apperr"
	"github.com/rag-agent/backend/pkg/logger"
)

// EnsureSession creates the session if it does not exist and bumps its
// activity time otherwise. created reports whether a new row was written.
func (c *Client) EnsureSession(ctx context.Context, id string) (*models.Session, bool, error) {
	now := time.Now()

	res, err := c.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (id, created_at, last_activity_at) VALUES (?, ?, ?)`,
		id, now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create session: %w", err)
	}

	n, _ := res.RowsAffected()
	created := n > 0
	if !created {
		if err := c.TouchSession(ctx, id); err != nil {
			return nil, false, err
		}
	} else {
		logger.Debug("Session created", zap.String("session_id", id))
	}

	sess, err := c.GetSession(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return sess, created, nil
}

func (c *Client) TouchSession(ctx context.Context, id string) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity_at = MAX(last_activity_at, ?) WHERE id = ?`,
		time.Now().UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

func (c *Client) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var s models.Session
	var createdAt, lastActivity int64

	err := c.db.QueryRowContext(ctx,
		`SELECT id, created_at, last_activity_at FROM sessions WHERE id = ?`, id,
	).Scan(&s.ID, &createdAt, &lastActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	s.CreatedAt = time.Unix(0, createdAt)
	s.LastActivityAt = time.Unix(0, lastActivity)
	return &s, nil
}

// AppendTurn stores a turn with a timestamp that never goes backwards
// within the session, even if the wall clock does.
func (c *Client) AppendTurn(ctx context.Context, turn *models.ConversationTurn) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var last int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(ts), 0) FROM turns WHERE session_id = ?`, turn.SessionID,
	).Scan(&last)
	if err != nil {
		return fmt.Errorf("failed to read last turn time: %w", err)
	}

	ts := turn.Timestamp.UnixNano()
	if turn.Timestamp.IsZero() {
		ts = time.Now().UnixNano()
	}
	if ts < last {
		ts = last
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO turns (id, session_id, role, content, ts, metadata) VALUES (?, ?, ?, ?, ?, ?)`,
		turn.ID, turn.SessionID, string(turn.Role), turn.Content, ts, encodeMetadata(turn.Metadata),
	)
	if err != nil {
		return fmt.Errorf("failed to insert turn: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET last_activity_at = MAX(last_activity_at, ?) WHERE id = ?`, ts, turn.SessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit turn: %w", err)
	}

	turn.Seq, _ = res.LastInsertId()
	turn.Timestamp = time.Unix(0, ts)
	return nil
}

// RecentTurns returns the last limit turns of a session, oldest first.
func (c *Client) RecentTurns(ctx context.Context, sessionID string, limit int) ([]models.ConversationTurn, error) {
	query := `
		SELECT seq, id, session_id, role, content, ts, metadata FROM (
			SELECT seq, id, session_id, role, content, ts, metadata
			FROM turns
			WHERE session_id = ?
			ORDER BY ts DESC, seq DESC
			LIMIT ?
		) ORDER BY ts ASC, seq ASC
	`

	rows, err := c.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent turns: %w", err)
	}
	defer rows.Close()

	return scanTurns(rows)
}

func (c *Client) TurnsByID(ctx context.Context, sessionID string, ids []string) ([]models.ConversationTurn, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(ids)+1)
	args = append(args, sessionID)
	for _, id := range ids {
		args = append(args, id)
	}

	query := fmt.Sprintf(`
		SELECT seq, id, session_id, role, content, ts, metadata
		FROM turns
		WHERE session_id = ? AND id IN (%s)
		ORDER BY ts ASC, seq ASC
	`, strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","))

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get turns: %w", err)
	}
	defer rows.Close()

	return scanTurns(rows)
}

func (c *Client) CountTurns(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM turns WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count turns: %w", err)
	}
	return n, nil
}

func scanTurns(rows *sql.Rows) ([]models.ConversationTurn, error) {
	var turns []models.ConversationTurn
	for rows.Next() {
		var t models.ConversationTurn
		var role string
		var ts int64
		var meta sql.NullString

		if err := rows.Scan(&t.Seq, &t.ID, &t.SessionID, &role, &t.Content, &ts, &meta); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		t.Role = models.Role(role)
		t.Timestamp = time.Unix(0, ts)
		t.Metadata = decodeMetadata(meta)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func (c *Client) UpsertContext(ctx context.Context, rec *models.ContextRecord) error {
	query := `
		INSERT INTO context (session_id, context_type, key, value, priority, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, context_type, key) DO UPDATE SET
			value = excluded.value,
			priority = excluded.priority,
			updated_at = excluded.updated_at
	`

	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}

	_, err := c.db.ExecContext(ctx, query,
		rec.SessionID,
		string(rec.ContextType),
		rec.Key,
		rec.Value,
		rec.Priority,
		rec.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert context: %w", err)
	}
	return nil
}

func (c *Client) GetContext(ctx context.Context, sessionID string, ctxType models.ContextType, key string) (*models.ContextRecord, error) {
	var rec models.ContextRecord
	var typ string
	var updated int64

	err := c.db.QueryRowContext(ctx,
		`SELECT session_id, context_type, key, value, priority, updated_at FROM context
		 WHERE session_id = ? AND context_type = ? AND key = ?`,
		sessionID, string(ctxType), key,
	).Scan(&rec.SessionID, &typ, &rec.Key, &rec.Value, &rec.Priority, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get context: %w", err)
	}

	rec.ContextType = models.ContextType(typ)
	rec.UpdatedAt = time.Unix(0, updated)
	return &rec, nil
}

func (c *Client) ListContext(ctx context.Context, sessionID string, ctxType models.ContextType) ([]models.ContextRecord, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT session_id, context_type, key, value, priority, updated_at FROM context
		 WHERE session_id = ? AND context_type = ?
		 ORDER BY priority DESC, key ASC`,
		sessionID, string(ctxType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list context: %w", err)
	}
	defer rows.Close()

	var records []models.ContextRecord
	for rows.Next() {
		var rec models.ContextRecord
		var typ string
		var updated int64
		if err := rows.Scan(&rec.SessionID, &typ, &rec.Key, &rec.Value, &rec.Priority, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		rec.ContextType = models.ContextType(typ)
		rec.UpdatedAt = time.Unix(0, updated)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (c *Client) DeleteContext(ctx context.Context, sessionID string, ctxType models.ContextType, key string) error {
	_, err := c.db.ExecContext(ctx,
		`DELETE FROM context WHERE session_id = ? AND context_type = ? AND key = ?`,
		sessionID, string(ctxType), key,
	)
	if err != nil {
		return fmt.Errorf("failed to delete context: %w", err)
	}
	return nil
}
