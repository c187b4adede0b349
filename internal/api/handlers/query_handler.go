package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/rag-agent/backend/internal/query"
	"github.com/rag-agent/backend/pkg/logger"
)

type QueryEngine interface {
	Handle(ctx context.Context, req query.Request) (*query.Response, error)
}

type QueryHandler struct {
	engine QueryEngine
}

func NewQueryHandler(engine QueryEngine) *QueryHandler {
	return &QueryHandler{engine: engine}
}

func (h *QueryHandler) HandleQuery(c *fiber.Ctx) error {
	var req struct {
		Query     string `json:"query"`
		SessionID string `json:"session_id"`
		FileName  string `json:"file_name"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.SessionID == "" {
		req.SessionID = c.Get("X-Session-ID")
	}

	resp, err := h.engine.Handle(c.UserContext(), query.Request{
		Query:     req.Query,
		SessionID: req.SessionID,
		FileName:  req.FileName,
	})
	if err != nil {
		logger.Error("Failed to process query", zap.String("session_id", req.SessionID), zap.Error(err))
		return errorResponse(c, err)
	}

	return c.JSON(resp)
}
