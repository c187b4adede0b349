package handlers

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/rag-agent/backend/internal/query"
	"github.com/rag-agent/backend/pkg/apperr"
	"github.com/rag-agent/backend/pkg/logger"
)

type WebSocketHandler struct {
	engine  QueryEngine
	timeout time.Duration
}

func NewWebSocketHandler(engine QueryEngine, timeout time.Duration) *WebSocketHandler {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &WebSocketHandler{engine: engine, timeout: timeout}
}

type wsMessage struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	SessionID string `json:"session_id"`
	FileName  string `json:"file_name"`
}

// HandleConnection serves queries over one socket. A connection keeps its
// session: the first answer's session id is reused when later messages
// leave it empty.
func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")
	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	sessionID := c.Query("session_id")
	for {
		var msg wsMessage
		if err := c.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("Failed to read WebSocket message", zap.Error(err))
			}
			return
		}
		if msg.Type != "query" {
			continue
		}
		if msg.SessionID == "" {
			msg.SessionID = sessionID
		}

		resp, err := h.answer(c, msg)
		if err != nil {
			logger.Error("Failed to stream response", zap.Error(err))
			h.sendError(c, apperr.UserMessage(err))
			continue
		}
		sessionID = resp.SessionID
	}
}

func (h *WebSocketHandler) answer(c *websocket.Conn, msg wsMessage) (*query.Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	if err := h.send(c, "status", "Processing query..."); err != nil {
		return nil, err
	}

	resp, err := h.engine.Handle(ctx, query.Request{
		Query:     msg.Content,
		SessionID: msg.SessionID,
		FileName:  msg.FileName,
	})
	if err != nil {
		return nil, err
	}

	words := splitIntoWords(resp.Content)
	for i, word := range words {
		if i < len(words)-1 && word != "\n" {
			word += " "
		}
		if err := h.send(c, "chunk", word); err != nil {
			return nil, err
		}
	}

	return resp, c.WriteJSON(map[string]interface{}{
		"type":                 "complete",
		"message_id":           resp.ID,
		"session_id":           resp.SessionID,
		"route":                resp.Route,
		"method":               resp.Method,
		"confidence":           resp.Confidence,
		"sources":              resp.Sources,
		"provider":             resp.Provider,
		"model":                resp.Model,
		"insufficient_context": resp.InsufficientContext,
		"processing_time_ms":   resp.ProcessingTimeMS,
	})
}

func (h *WebSocketHandler) send(c *websocket.Conn, msgType, content string) error {
	return c.WriteJSON(map[string]interface{}{
		"type":    msgType,
		"content": content,
	})
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) {
	if err := c.WriteJSON(map[string]interface{}{"type": "error", "error": errorMsg}); err != nil {
		logger.Debug("Failed to send WebSocket error", zap.Error(err))
	}
}

// splitIntoWords keeps line breaks as their own tokens.
func splitIntoWords(text string) []string {
	var words []string
	for i, line := range strings.Split(text, "\n") {
		if i > 0 {
			words = append(words, "\n")
		}
		words = append(words, strings.Fields(line)...)
	}
	return words
}
