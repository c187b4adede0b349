// Package validation rejects malformed API input before it reaches a handler.
package validation

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// Only markup that could execute when echoed is refused. Query text is
// natural language, so words like "select" or "delete" are legitimate.
var xssPattern = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror\s*=|onload\s*=|onclick\s*=)`)

var validSourceTypes = map[string]bool{"": true, "text": true, "csv": true, "html": true}

type Config struct {
	MaxQueryLength      int
	MaxDocumentSize     int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

type queryBody struct {
	Query     *string `json:"query"`
	SessionID string  `json:"session_id"`
}

type documentBody struct {
	SourceID   string     `json:"source_id"`
	SourceType string     `json:"source_type"`
	Text       string     `json:"text"`
	Rows       [][]string `json:"rows"`
}

func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxQueryLength == 0 {
		cfg.MaxQueryLength = 5000
	}
	if cfg.MaxDocumentSize == 0 {
		cfg.MaxDocumentSize = 10 * 1024 * 1024
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{"application/json"}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost && c.Method() != fiber.MethodPut {
			return c.Next()
		}

		if ct := c.Get(fiber.HeaderContentType); ct != "" && !allowedType(ct, cfg.AllowedContentTypes) {
			return reject(c, fiber.StatusUnsupportedMediaType, "Unsupported content type")
		}

		switch {
		case strings.HasSuffix(c.Path(), "/query"):
			var req queryBody
			if err := c.BodyParser(&req); err != nil {
				return reject(c, fiber.StatusBadRequest, "Invalid JSON format")
			}
			if req.Query == nil || strings.TrimSpace(*req.Query) == "" {
				return reject(c, fiber.StatusBadRequest, "Query is required and must be a string")
			}
			if utf8.RuneCountInString(*req.Query) > cfg.MaxQueryLength {
				return reject(c, fiber.StatusBadRequest, "Query exceeds maximum length")
			}
			if xssPattern.MatchString(*req.Query) {
				cfg.Logger.Warn("Rejected query with executable markup", zap.String("ip", c.IP()))
				return reject(c, fiber.StatusBadRequest, "Invalid query content")
			}

		case strings.HasSuffix(c.Path(), "/documents"):
			if len(c.Body()) > cfg.MaxDocumentSize {
				return reject(c, fiber.StatusRequestEntityTooLarge, "Document content exceeds maximum size")
			}
			var req documentBody
			if err := c.BodyParser(&req); err != nil {
				return reject(c, fiber.StatusBadRequest, "Invalid JSON format")
			}
			if !validSourceTypes[req.SourceType] {
				return reject(c, fiber.StatusBadRequest, "source_type must be one of text, csv or html")
			}
			if len(req.Rows) > 0 && req.SourceType != "csv" {
				return reject(c, fiber.StatusBadRequest, "rows are only accepted with source_type csv")
			}
		}

		return c.Next()
	}
}

func allowedType(contentType string, allowed []string) bool {
	for _, a := range allowed {
		if strings.Contains(contentType, a) {
			return true
		}
	}
	return false
}

func reject(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(fiber.Map{"error": msg})
}
