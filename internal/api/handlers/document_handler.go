package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/rag-agent/backend/internal/chunker"
	"github.com/rag-agent/backend/internal/ingestion"
	"github.com/rag-agent/backend/pkg/apperr"
	"github.com/rag-agent/backend/pkg/logger"
)

type DocumentHandler struct {
	processor *ingestion.Processor
}

func NewDocumentHandler(processor *ingestion.Processor) *DocumentHandler {
	return &DocumentHandler{processor: processor}
}

func (h *DocumentHandler) UploadDocument(c *fiber.Ctx) error {
	var req struct {
		SourceID   string     `json:"source_id"`
		SourceType string     `json:"source_type"`
		Text       string     `json:"text"`
		Rows       [][]string `json:"rows"`
		Strategy   string     `json:"strategy"`
		Replace    bool       `json:"replace"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	stats, err := h.processor.Ingest(c.UserContext(), ingestion.IngestRequest{
		SourceID:   req.SourceID,
		Text:       req.Text,
		Rows:       req.Rows,
		SourceType: ingestion.SourceType(req.SourceType),
		Strategy:   chunker.Strategy(req.Strategy),
		Replace:    req.Replace,
	})
	if err != nil {
		logger.Error("Failed to ingest document", zap.String("source_id", req.SourceID), zap.Error(err))
		if apperr.IsConfiguration(err) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		return errorResponse(c, err)
	}

	status := fiber.StatusCreated
	if stats.Canceled || stats.Failed > 0 {
		// Partial success.
		status = fiber.StatusMultiStatus
	}
	return c.Status(status).JSON(stats)
}

func (h *DocumentHandler) DeleteDocument(c *fiber.Ctx) error {
	sourceID := c.Params("id")
	deleted, err := h.processor.Delete(c.UserContext(), sourceID)
	if err != nil {
		logger.Error("Failed to delete document", zap.String("source_id", sourceID), zap.Error(err))
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"source_id": sourceID, "deleted": deleted})
}
