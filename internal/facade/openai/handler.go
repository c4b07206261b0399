package openai

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"portbroker/internal/canonical"
	"portbroker/internal/convert"
	"portbroker/internal/facade"
	"portbroker/internal/gateway"
	"portbroker/internal/gwerr"
	openaiproto "portbroker/internal/proto/openai"
)

type Handler struct {
	gw      *gateway.Gateway
	maxBody int64
}

func NewHandler(gw *gateway.Gateway, maxBody int64) *Handler {
	return &Handler{gw: gw, maxBody: maxBody}
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/chat/completions", h.chatCompletions)
	r.Get("/models", h.listModels)
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

func (h *Handler) chatCompletions(w http.ResponseWriter, r *http.Request) {
	requestID, r := facade.RequestID(w, r)

	body, err := facade.ReadBody(w, r, h.maxBody)
	if err != nil {
		writeError(w, gwerr.As(err))
		return
	}
	req, err := convert.DecodeOpenAIRequest(body)
	if err != nil {
		writeError(w, gwerr.As(err))
		return
	}

	call := gateway.Call{Shape: canonical.ShapeOpenAI, RequestID: requestID, RequestBytes: len(body)}
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

// listModels reports every name the current snapshot can route: tier keys
// and the literal models of strategies and provider catalogs.
func (h *Handler) listModels(w http.ResponseWriter, r *http.Request) {
	facade.RequestID(w, r)

	list := openaiproto.ModelList{Object: "list", Data: []openaiproto.ModelInfo{}}
	if snap := h.gw.Registry().Current(); snap != nil {
		for _, name := range snap.ModelNames() {
			list.Data = append(list.Data, openaiproto.ModelInfo{ID: name, Object: "model", OwnedBy: "portbroker"})
		}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(list)
}
