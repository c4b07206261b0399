package cli

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	anthropicfacade "portbroker/internal/facade/anthropic"
	openaifacade "portbroker/internal/facade/openai"
	"portbroker/internal/gateway"
	"portbroker/internal/logbus"
	"portbroker/internal/logging"
	"portbroker/internal/metrics"
)

type ServerDeps struct {
	Gateway            *gateway.Gateway
	Metrics            *metrics.Metrics
	Bus                *logbus.Bus
	Logger             *slog.Logger
	ClientToken        string
	CORSAllowedOrigins []string
	MaxBodyBytes       int64
	// Counter backs count_tokens. Nil uses tiktoken.
	Counter anthropicfacade.TokenCounter
}

// NewRouter mounts both facades under /v1 next to the health, metrics and
// request tail endpoints.
func NewRouter(d ServerDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "Anthropic-Version", "Anthropic-Beta", "X-Request-Id"},
		ExposedHeaders:   []string{"Content-Type", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if d.Logger != nil {
		r.Use(logging.Middleware(d.Logger))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if d.Metrics != nil {
		r.Mount("/metrics", d.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		if d.ClientToken != "" {
			r.Use(clientAuth(d.ClientToken))
		}
		if d.Bus != nil {
			r.Get("/debug/requests", d.Bus.ServeSSE)
		}
		r.Route("/v1", func(v1 chi.Router) {
			anthropicfacade.NewHandler(d.Gateway, d.MaxBodyBytes, d.Counter).Register(v1)
			openaifacade.NewHandler(d.Gateway, d.MaxBodyBytes).Register(v1)
		})
	})
	return r
}

// clientAuth accepts the token as a bearer credential or as x-api-key,
// the two ways Anthropic and OpenAI clients send keys.
func clientAuth(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := strings.TrimSpace(r.Header.Get("Authorization"))
			if strings.HasPrefix(got, "Bearer ") {
				got = strings.TrimSpace(strings.TrimPrefix(got, "Bearer "))
			} else {
				got = strings.TrimSpace(r.Header.Get("x-api-key"))
			}
			if got == "" || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
