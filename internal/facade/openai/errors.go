package openai

import (
	"encoding/json"
	"net/http"

	"portbroker/internal/gwerr"
	openaiproto "portbroker/internal/proto/openai"
)

func writeError(w http.ResponseWriter, e *gwerr.Error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(e.HTTPStatus())
	_ = json.NewEncoder(w).Encode(openaiproto.ErrorResponse{
		Error: openaiproto.ErrorObject{
			Message:  e.Error(),
			Type:     e.OpenAIType(),
			Code:     string(e.Kind),
			Attempts: e.Attempts,
		},
	})
}
