package anthropic

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"portbroker/internal/canonical"
	"portbroker/internal/gateway"
	"portbroker/internal/registry"
)

func newTestRouter(t *testing.T, upstream http.HandlerFunc, counter TokenCounter) http.Handler {
	t.Helper()
	up := httptest.NewServer(upstream)
	t.Cleanup(up.Close)

	reg := registry.New()
	if _, err := reg.Publish(registry.Config{Providers: []registry.Provider{{
		ID: "oai", Shape: canonical.ShapeOpenAI, BaseURL: up.URL, Active: true, Timeout: time.Second,
		Tiers: registry.Tiers{Small: "gpt-4o-mini"},
	}}}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	gw := gateway.New(gateway.Options{Registry: reg, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	r := chi.NewRouter()
	r.Route("/v1", NewHandler(gw, 1<<20, counter).Register)
	return r
}

func post(h http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateMessage_RoutesTierToOpenAIProvider(t *testing.T) {
	var upstreamModel string
	h := newTestRouter(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		if strings.Contains(string(b), `"model":"gpt-4o-mini"`) {
			upstreamModel = "gpt-4o-mini"
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"message":{"role":"assistant","content":"hi there"},"finish_reason":"stop"}],"usage":{"prompt_tokens":4,"completion_tokens":2,"total_tokens":6}}`)
	}, nil)

	rec := post(h, "/v1/messages", `{"model":"claude-3-5-haiku-latest","max_tokens":32,"messages":[{"role":"user","content":"hello"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if upstreamModel != "gpt-4o-mini" {
		t.Fatalf("upstream did not receive the tier model")
	}
	body := rec.Body.String()
	for _, want := range []string{`"type":"message"`, `"model":"claude-3-5-haiku-latest"`, `"text":"hi there"`, `"stop_reason":"end_turn"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("response missing %s: %s", want, body)
		}
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected X-Request-Id header")
	}
}

func TestCreateMessage_SchemaError(t *testing.T) {
	h := newTestRouter(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("upstream must not be called")
	}, nil)

	rec := post(h, "/v1/messages", `{"model":"claude-3-5-haiku-latest","messages":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{`"type":"error"`, `"type":"invalid_request_error"`, `"kind":"SchemaValidationError"`, `"attempts":0`} {
		if !strings.Contains(body, want) {
			t.Fatalf("error body missing %s: %s", want, body)
		}
	}
}

func TestCreateMessage_NoRoute(t *testing.T) {
	h := newTestRouter(t, func(w http.ResponseWriter, r *http.Request) {}, nil)
	rec := post(h, "/v1/messages", `{"model":"claude-opus-4","max_tokens":32,"messages":[{"role":"user","content":"hello"}]}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"kind":"NoRouteError"`) {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestCreateMessage_Streaming(t *testing.T) {
	h := newTestRouter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-4o-mini\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\",\"content\":\"Hi\"}}]}\n\n"+
			"data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-4o-mini\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n"+
			"data: [DONE]\n\n")
	}, nil)

	rec := post(h, "/v1/messages", `{"model":"claude-3-5-haiku-latest","max_tokens":32,"stream":true,"messages":[{"role":"user","content":"hello"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content-type = %q", ct)
	}
	out := rec.Body.String()
	for _, want := range []string{"event: message_start", "event: content_block_delta", `"text":"Hi"`, "event: message_delta", "event: message_stop"} {
		if !strings.Contains(out, want) {
			t.Fatalf("stream missing %s: %s", want, out)
		}
	}
}

func TestCreateMessage_StreamFailureBeforeBytesIsJSON(t *testing.T) {
	h := newTestRouter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":{"message":"overloaded"}}`)
	}, nil)

	rec := post(h, "/v1/messages", `{"model":"claude-3-5-haiku-latest","max_tokens":32,"stream":true,"messages":[{"role":"user","content":"hello"}]}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{`"kind":"ProviderConnectionError"`, `"attempts":1`, "overloaded"} {
		if !strings.Contains(body, want) {
			t.Fatalf("error body missing %s: %s", want, body)
		}
	}
}

func TestCountTokens(t *testing.T) {
	var seen string
	counter := CounterFunc(func(text string) int {
		seen = text
		return len(strings.Fields(text))
	})
	h := newTestRouter(t, func(w http.ResponseWriter, r *http.Request) {}, counter)

	rec := post(h, "/v1/messages/count_tokens", `{"model":"claude-3-5-haiku-latest","system":"be brief","messages":[{"role":"user","content":[{"type":"text","text":"one two"}]}],"tools":[{"name":"lookup","input_schema":{"type":"object"}}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	for _, want := range []string{"be brief", "one two", "lookup", `{"type":"object"}`} {
		if !strings.Contains(seen, want) {
			t.Fatalf("counted text missing %q: %q", want, seen)
		}
	}
	if !strings.Contains(rec.Body.String(), `"input_tokens":`) {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}

	rec = post(h, "/v1/messages/count_tokens", `{"model":"x"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}
