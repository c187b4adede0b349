package validation

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newApp() *fiber.App {
	app := fiber.New()
	app.Use(Middleware(Config{MaxQueryLength: 20, MaxDocumentSize: 200}))
	ok := func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) }
	app.Post("/api/v1/query", ok)
	app.Post("/api/v1/documents", ok)
	app.Get("/api/v1/query", ok)
	return app
}

func post(t *testing.T, app *fiber.App, path, body string) int {
	t.Helper()
	req := httptest.NewRequest("POST", path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp.StatusCode
}

func TestQueryValidation(t *testing.T) {
	app := newApp()

	cases := []struct {
		body string
		want int
	}{
		{`{"query":"select the top rows"}`, fiber.StatusOK},
		{`{"query":"delete me?"}`, fiber.StatusOK},
		{`{"query":""}`, fiber.StatusBadRequest},
		{`{"session_id":"x"}`, fiber.StatusBadRequest},
		{`{"query":"this one is far too long to pass"}`, fiber.StatusBadRequest},
		{`{"query":"<script>x</script>"}`, fiber.StatusBadRequest},
		{`not json`, fiber.StatusBadRequest},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, post(t, app, "/api/v1/query", tc.body), tc.body)
	}
}

func TestDocumentValidation(t *testing.T) {
	app := newApp()

	assert.Equal(t, fiber.StatusOK, post(t, app, "/api/v1/documents", `{"source_id":"a","text":"hello"}`))
	assert.Equal(t, fiber.StatusOK, post(t, app, "/api/v1/documents", `{"source_type":"csv","rows":[["a","b"]]}`))
	assert.Equal(t, fiber.StatusBadRequest, post(t, app, "/api/v1/documents", `{"source_type":"pdf","text":"x"}`))
	assert.Equal(t, fiber.StatusBadRequest, post(t, app, "/api/v1/documents", `{"source_type":"text","rows":[["a"]]}`))
	assert.Equal(t, fiber.StatusRequestEntityTooLarge,
		post(t, app, "/api/v1/documents", `{"text":"`+strings.Repeat("x", 300)+`"}`))
}

func TestUnsupportedContentType(t *testing.T) {
	app := newApp()
	req := httptest.NewRequest("POST", "/api/v1/query", strings.NewReader("query=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnsupportedMediaType, resp.StatusCode)
}
