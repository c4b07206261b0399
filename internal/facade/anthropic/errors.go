package anthropic

import (
	"encoding/json"
	"net/http"

	"portbroker/internal/gwerr"
	anthropicproto "portbroker/internal/proto/anthropic"
)

func writeError(w http.ResponseWriter, e *gwerr.Error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(e.HTTPStatus())
	_ = json.NewEncoder(w).Encode(anthropicproto.ErrorResponse{
		Type: "error",
		Error: anthropicproto.ErrorObject{
			Type:     e.AnthropicType(),
			Message:  e.Error(),
			Kind:     string(e.Kind),
			Attempts: e.Attempts,
		},
	})
}
