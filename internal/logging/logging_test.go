package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedact(t *testing.T) {
	cases := map[string]string{
		"key sk-abcdefgh12345678 used":              "key sk-*** used",
		"key sk-ant-api03-abcdefghijkl used":        "key sk-ant-*** used",
		"gsk_abcdefgh1234":                          "gsk_***",
		"Authorization: Bearer abc.def-123":         "Authorization: Bearer ***",
		`{"api_key":"hunter2"}`:                     `{"api_key":"***"}`,
		"root:pw123@tcp(localhost:3306)/portbroker": "root:***@tcp(localhost:3306)/portbroker",
		"token eyJhbGciOi.eyJzdWIi.c2lnbmF0dXJl":    "token jwt.***",
		"nothing secret here":                       "nothing secret here",
	}
	for in, want := range cases {
		assert.Equal(t, want, Redact(in), in)
	}
}

func TestRedactingHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewRedactingHandler(slog.NewTextHandler(&buf, nil))).With("dsn", "u:secretpw@tcp(db:3306)/x")
	logger.Info("calling with sk-abcdefgh12345678",
		"err", errors.New("upstream said Bearer sk-zzzzzzzz99999999 invalid"),
		slog.Group("up", "key", "sk-ant-abcdefghijkl"),
		"n", 3,
	)

	out := buf.String()
	assert.NotContains(t, out, "abcdefgh12345678")
	assert.NotContains(t, out, "zzzzzzzz99999999")
	assert.NotContains(t, out, "abcdefghijkl")
	assert.NotContains(t, out, "secretpw")
	assert.Contains(t, out, "n=3")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestMiddlewareRecordsStatusAndFlushes(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "info", "json")
	h := Middleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-Id", "req-1")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("hello"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.True(t, rec.Flushed)
	out := buf.String()
	assert.Contains(t, out, `"status":418`)
	assert.Contains(t, out, `"bytes":5`)
	assert.Contains(t, out, `"request_id":"req-1"`)
}
