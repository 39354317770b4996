package gate

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"
)

// dispatchRequest is the wire form accepted by Handler. The api_type tag
// selects the operation; everything else rides in the payload blob.
type dispatchRequest struct {
	APIKey  string          `json:"apikey"`
	APIType string          `json:"api_type"`
	Payload json.RawMessage `json:"payload"`
}

// Handler bridges the typed router onto a single generic POST endpoint.
// Per-operation routes, schemas, and docs belong to the hosting
// application; this is the minimal ingress the process itself serves.
func Handler(router *Router, log zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req dispatchRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			writeResponse(w, errorResponse(inputErr("malformed request body")), log)
			return
		}
		resp := router.Route(r.Context(), &Request{
			APIKey:    req.APIKey,
			Operation: Operation(req.APIType),
			Payload:   req.Payload,
		})
		writeResponse(w, resp, log)
	})
}

func writeResponse(w http.ResponseWriter, resp *Response, log zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	status := resp.HTTPStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("failed to write order response")
	}
}
