// Package facade holds the pieces both inbound HTTP shapes share.
package facade

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"portbroker/internal/canonical"
	"portbroker/internal/gwerr"
	"portbroker/internal/sse"
)

const DefaultMaxBodyBytes = 20 << 20

// RequestID returns the caller's x-request-id or a fresh one, echoes it on
// the response and stores it in the request context.
func RequestID(w http.ResponseWriter, r *http.Request) (string, *http.Request) {
	id := strings.TrimSpace(r.Header.Get("x-request-id"))
	if id == "" {
		if v, ok := r.Context().Value(canonical.ContextKeyRequestID).(string); ok && v != "" {
			id = v
		} else {
			id = uuid.NewString()
		}
	}
	w.Header().Set("X-Request-Id", id)
	return id, r.WithContext(context.WithValue(r.Context(), canonical.ContextKeyRequestID, id))
}

// ReadBody reads at most max bytes of the request body.
func ReadBody(w http.ResponseWriter, r *http.Request, max int64) ([]byte, error) {
	if max <= 0 {
		max = DefaultMaxBodyBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, max)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, gwerr.New(gwerr.KindSchemaValidation, "request body exceeds %d bytes", max)
		}
		return nil, gwerr.Wrap(gwerr.KindSchemaValidation, err, "failed to read request body")
	}
	return body, nil
}

// SSEWriter is the downstream stream sink. Status and headers are committed
// with the first frame, so a request that fails before any frame can still
// get a JSON error response.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	n       int64
	started bool
}

func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	fl, _ := w.(http.Flusher)
	return &SSEWriter{w: w, flusher: fl}
}

func (s *SSEWriter) WriteFrame(f sse.Frame) error {
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream; charset=utf-8")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	n, err := s.w.Write(f.Bytes())
	s.n += int64(n)
	if err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *SSEWriter) Written() int64 { return s.n }

// Started reports whether the response status has been committed.
func (s *SSEWriter) Started() bool { return s.started }
