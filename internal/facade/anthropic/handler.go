package anthropic

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"portbroker/internal/canonical"
	"portbroker/internal/convert"
	"portbroker/internal/facade"
	"portbroker/internal/gateway"
	"portbroker/internal/gwerr"
	anthropicproto "portbroker/internal/proto/anthropic"
)

type Handler struct {
	gw      *gateway.Gateway
	maxBody int64
	counter TokenCounter
}

// NewHandler serves the Messages API on top of gw. A nil counter uses
// tiktoken.
func NewHandler(gw *gateway.Gateway, maxBody int64, counter TokenCounter) *Handler {
	if counter == nil {
		counter = NewTiktokenCounter()
	}
	return &Handler{gw: gw, maxBody: maxBody, counter: counter}
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/messages", h.createMessage)
	r.Post("/messages/count_tokens", h.countTokens)
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

func (h *Handler) createMessage(w http.ResponseWriter, r *http.Request) {
	requestID, r := facade.RequestID(w, r)

	body, err := facade.ReadBody(w, r, h.maxBody)
	if err != nil {
		writeError(w, gwerr.As(err))
		return
	}
	req, err := convert.DecodeAnthropicRequest(body)
	if err != nil {
		writeError(w, gwerr.As(err))
		return
	}

	call := gateway.Call{Shape: canonical.ShapeAnthropic, RequestID: requestID, RequestBytes: len(body)}
	if req.Stream {
		sink := facade.NewSSEWriter(w)
		call.Sink = sink
		if _, err := h.gw.Execute(r.Context(), req, call); err != nil && !sink.Started() {
			writeError(w, gwerr.As(err))
		}
		return
	}

	res, err := h.gw.Execute(r.Context(), req, call)
	if err != nil {
		writeError(w, gwerr.As(err))
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Body)
}

func (h *Handler) countTokens(w http.ResponseWriter, r *http.Request) {
	_, r = facade.RequestID(w, r)

	body, err := facade.ReadBody(w, r, h.maxBody)
	if err != nil {
		writeError(w, gwerr.As(err))
		return
	}
	var creq anthropicproto.CountTokensRequest
	if err := json.Unmarshal(body, &creq); err != nil {
		writeError(w, gwerr.Wrap(gwerr.KindSchemaValidation, err, "invalid json: %v", err))
		return
	}
	if strings.TrimSpace(creq.Model) == "" || len(creq.Messages) == 0 {
		writeError(w, gwerr.New(gwerr.KindSchemaValidation, "model and messages are required"))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(anthropicproto.CountTokensResponse{
		InputTokens: h.counter.Count(promptText(body)),
	})
}
