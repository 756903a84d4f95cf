package broker

import (
	"net/http"

	"github.com/llmrelay/llmrelay/internal/router"
)

// RegisterHealth mounts the broker health endpoint. It reports counts, not
// internals, so it can stay on the public listener.
func RegisterHealth(mux *http.ServeMux, srv *Server, rt *router.Router) {
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "ok",
			"connectors": len(srv.Live()),
			"models":     len(rt.Models()),
		})
	})
}
