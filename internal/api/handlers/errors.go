package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/rag-agent/backend/internal/query"
	"github.com/rag-agent/backend/pkg/apperr"
)

// statusFor maps the error taxonomy onto HTTP statuses. The body always
// carries apperr.UserMessage, never the raw error.
func statusFor(err error) int {
	switch {
	case errors.Is(err, query.ErrEmptyQuery):
		return fiber.StatusBadRequest
	case errors.Is(err, apperr.ErrSessionNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, apperr.ErrLockTimeout):
		return fiber.StatusConflict
	case errors.Is(err, apperr.ErrProvidersExhausted), errors.Is(err, apperr.ErrProvider):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func errorResponse(c *fiber.Ctx, err error) error {
	msg := apperr.UserMessage(err)
	switch {
	case errors.Is(err, query.ErrEmptyQuery):
		msg = "Query is required"
	case errors.Is(err, apperr.ErrSessionNotFound):
		msg = "Session not found"
	}
	return c.Status(statusFor(err)).JSON(fiber.Map{"error": msg})
}
