package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/rag-agent/backend/internal/memory"
	"github.com/rag-agent/backend/internal/storage/models"
	"github.com/rag-agent/backend/pkg/logger"
)

type HistoryReader interface {
	GetQueryHistory(ctx context.Context, sessionID string, limit int) ([]models.QueryRecord, error)
}

type SessionHandler struct {
	memory  *memory.Manager
	history HistoryReader
}

func NewSessionHandler(mem *memory.Manager, history HistoryReader) *SessionHandler {
	return &SessionHandler{memory: mem, history: history}
}

type turnView struct {
	Role      models.Role       `json:"role"`
	Content   string            `json:"content"`
	Timestamp int64             `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type queryView struct {
	ID           string  `json:"id"`
	Query        string  `json:"query"`
	Route        string  `json:"route"`
	Method       string  `json:"method"`
	Confidence   float64 `json:"confidence"`
	Provider     string  `json:"provider,omitempty"`
	ChunksUsed   int     `json:"chunks_used"`
	Insufficient bool    `json:"insufficient_context"`
	LatencyMS    int     `json:"latency_ms"`
	CreatedAt    int64   `json:"created_at"`
}

type contextView struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	Priority  int    `json:"priority"`
	UpdatedAt int64  `json:"updated_at"`
}

func (h *SessionHandler) CreateSession(c *fiber.Ctx) error {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
		}
	}

	id, created, err := h.memory.InitSession(c.UserContext(), req.SessionID)
	if err != nil {
		logger.Error("Failed to create session", zap.Error(err))
		return errorResponse(c, err)
	}

	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(fiber.Map{"session_id": id, "created": created})
}

func (h *SessionHandler) GetHistory(c *fiber.Ctx) error {
	ctx := c.UserContext()
	sessionID := c.Params("id")
	limit := c.QueryInt("limit", 50)
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	if _, err := h.memory.GetSession(ctx, sessionID); err != nil {
		return errorResponse(c, err)
	}

	turns, err := h.memory.RecallRecent(ctx, sessionID, limit)
	if err != nil {
		logger.Error("Failed to load turns", zap.String("session_id", sessionID), zap.Error(err))
		return errorResponse(c, err)
	}
	queries, err := h.history.GetQueryHistory(ctx, sessionID, limit)
	if err != nil {
		logger.Error("Failed to load query history", zap.String("session_id", sessionID), zap.Error(err))
		return errorResponse(c, err)
	}

	tv := make([]turnView, len(turns))
	for i, t := range turns {
		tv[i] = turnView{Role: t.Role, Content: t.Content, Timestamp: t.Timestamp.UnixMilli(), Metadata: t.Metadata}
	}
	qv := make([]queryView, len(queries))
	for i, q := range queries {
		qv[i] = queryView{
			ID:           q.ID,
			Query:        q.QueryText,
			Route:        q.Route,
			Method:       q.Method,
			Confidence:   q.Confidence,
			Provider:     q.Provider,
			ChunksUsed:   q.ChunksUsed,
			Insufficient: q.Insufficient,
			LatencyMS:    q.LatencyMS,
			CreatedAt:    q.CreatedAt.Unix(),
		}
	}

	return c.JSON(fiber.Map{
		"session_id": sessionID,
		"turns":      tv,
		"queries":    qv,
	})
}

// GetContext lists one context bucket. The sensitive bucket is listed with
// its values masked.
func (h *SessionHandler) GetContext(c *fiber.Ctx) error {
	ctx := c.UserContext()
	sessionID := c.Params("id")

	ctxType := models.ContextType(c.Params("type"))
	switch ctxType {
	case models.ContextPreferences, models.ContextLearning, models.ContextData, models.ContextAnalysis:
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "type must be one of preferences, learning, data or analysis",
		})
	}

	if _, err := h.memory.GetSession(ctx, sessionID); err != nil {
		return errorResponse(c, err)
	}

	recs, err := h.memory.ListContext(ctx, sessionID, ctxType)
	if err != nil {
		logger.Error("Failed to list context", zap.String("session_id", sessionID), zap.Error(err))
		return errorResponse(c, err)
	}

	out := make([]contextView, len(recs))
	for i, r := range recs {
		value := r.Value
		if ctxType == models.ContextLearning {
			value = memory.RedactValues(value, []string{value})
		}
		out[i] = contextView{Key: r.Key, Value: value, Priority: r.Priority, UpdatedAt: r.UpdatedAt.Unix()}
	}

	return c.JSON(fiber.Map{
		"session_id": sessionID,
		"type":       ctxType,
		"entries":    out,
	})
}
