package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rag-agent/backend/internal/chunker"
	"github.com/rag-agent/backend/internal/embedding"
	"github.com/rag-agent/backend/internal/ingestion"
	"github.com/rag-agent/backend/internal/memory"
	"github.com/rag-agent/backend/internal/query"
	"github.com/rag-agent/backend/internal/router"
	"github.com/rag-agent/backend/internal/storage/models"
	"github.com/rag-agent/backend/internal/storage/sqlite"
	memvec "github.com/rag-agent/backend/internal/vector/memory"
	"github.com/rag-agent/backend/pkg/apperr"
)

type stubEngine struct {
	got  query.Request
	resp *query.Response
	err  error
}

func (s *stubEngine) Handle(_ context.Context, req query.Request) (*query.Response, error) {
	s.got = req
	return s.resp, s.err
}

func doJSON(t *testing.T, app *fiber.App, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]interface{}{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func TestQueryHandler(t *testing.T) {
	engine := &stubEngine{resp: &query.Response{
		ID:        "q1",
		SessionID: "s1",
		Content:   "hi",
		Route:     router.RouteGeneral,
		Sources:   []query.Source{},
	}}
	app := fiber.New()
	app.Post("/query", NewQueryHandler(engine).HandleQuery)

	status, body := doJSON(t, app, http.MethodPost, "/query", `{"query":"hello","session_id":"s1"}`)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "hi", body["content"])
	assert.Equal(t, "general", body["route"])
	assert.Equal(t, "s1", engine.got.SessionID)
}

func TestQueryHandlerHidesProviderErrors(t *testing.T) {
	engine := &stubEngine{err: fmt.Errorf("%w: openai-primary: 500 from api.example.net", apperr.ErrProvidersExhausted)}
	app := fiber.New()
	app.Post("/query", NewQueryHandler(engine).HandleQuery)

	status, body := doJSON(t, app, http.MethodPost, "/query", `{"query":"hello"}`)
	assert.Equal(t, fiber.StatusServiceUnavailable, status)
	msg, _ := body["error"].(string)
	assert.NotContains(t, msg, "openai")
	assert.NotContains(t, msg, "example.net")
}

func TestStatusMapping(t *testing.T) {
	assert.Equal(t, fiber.StatusBadRequest, statusFor(query.ErrEmptyQuery))
	assert.Equal(t, fiber.StatusNotFound, statusFor(apperr.ErrSessionNotFound))
	assert.Equal(t, fiber.StatusConflict, statusFor(apperr.ErrLockTimeout))
	assert.Equal(t, fiber.StatusInternalServerError, statusFor(fmt.Errorf("disk full")))
}

type stack struct {
	app *fiber.App
	db  *sqlite.Client
	mem *memory.Manager
}

func newStack(t *testing.T) *stack {
	t.Helper()
	db, err := sqlite.NewClient(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	require.NoError(t, db.InitSchema())
	t.Cleanup(func() { db.Close() })

	gen, err := embedding.NewGenerator(embedding.NewHashingProvider(64), embedding.Config{Dimension: 64}, nil)
	require.NoError(t, err)
	ch, err := chunker.New(chunker.DefaultConfig())
	require.NoError(t, err)

	mem := memory.NewManager(db, memvec.NewStore(64), gen, nil, memory.DefaultConfig())
	proc := ingestion.NewProcessor(db, memvec.NewStore(64), gen, ch, chunker.StrategySentence)

	app := fiber.New()
	sessions := NewSessionHandler(mem, db)
	docs := NewDocumentHandler(proc)
	app.Post("/sessions", sessions.CreateSession)
	app.Get("/sessions/:id/history", sessions.GetHistory)
	app.Get("/sessions/:id/context/:type", sessions.GetContext)
	app.Post("/documents", docs.UploadDocument)
	app.Delete("/documents/:id", docs.DeleteDocument)

	return &stack{app: app, db: db, mem: mem}
}

func TestSessionEndpoints(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	status, body := doJSON(t, s.app, http.MethodPost, "/sessions", `{"session_id":"abc"}`)
	assert.Equal(t, fiber.StatusCreated, status)
	assert.Equal(t, "abc", body["session_id"])

	status, _ = doJSON(t, s.app, http.MethodPost, "/sessions", `{"session_id":"abc"}`)
	assert.Equal(t, fiber.StatusOK, status)

	_, err := s.mem.RememberTurn(ctx, "abc", models.RoleUser, "hello", nil)
	require.NoError(t, err)
	require.NoError(t, s.mem.SaveContext(ctx, "abc", models.ContextLearning, "email", "a@b.co"))

	status, body = doJSON(t, s.app, http.MethodGet, "/sessions/abc/history", "")
	assert.Equal(t, fiber.StatusOK, status)
	turns, _ := body["turns"].([]interface{})
	assert.Len(t, turns, 1)

	status, body = doJSON(t, s.app, http.MethodGet, "/sessions/abc/context/learning", "")
	assert.Equal(t, fiber.StatusOK, status)
	entries, _ := body["entries"].([]interface{})
	require.Len(t, entries, 1)
	assert.NotEqual(t, "a@b.co", entries[0].(map[string]interface{})["value"])

	status, _ = doJSON(t, s.app, http.MethodGet, "/sessions/abc/context/bogus", "")
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = doJSON(t, s.app, http.MethodGet, "/sessions/nope/history", "")
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestDocumentEndpoints(t *testing.T) {
	s := newStack(t)

	status, body := doJSON(t, s.app, http.MethodPost, "/documents",
		`{"source_id":"d1","text":"The first sentence is here. The second sentence follows it."}`)
	assert.Equal(t, fiber.StatusCreated, status)
	assert.EqualValues(t, 1, body["chunks_created"])

	status, _ = doJSON(t, s.app, http.MethodPost, "/documents", `{"source_id":"d2","text":"x","strategy":"bogus"}`)
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, body = doJSON(t, s.app, http.MethodDelete, "/documents/d1", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 1, body["deleted"])
}

func TestSplitIntoWords(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "\n", "c"}, splitIntoWords("a  b\nc"))
	assert.Empty(t, splitIntoWords(""))
}
