package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// StartHealth serves a local health endpoint reporting relay state and
// upstream reachability. port 0 disables it. The listener binds loopback
// only; the connector has no business being reachable from elsewhere.
func StartHealth(port int, client *Client, llm *LLMClient, models []string) *http.Server {
	if port == 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		upstream := "ok"
		if _, err := llm.DiscoverModels(ctx); err != nil {
			upstream = "unreachable"
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"relay":    string(client.State()),
			"upstream": upstream,
			"models":   models,
		})
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", port),
		Handler: mux,
	}
	go srv.ListenAndServe()
	return srv
}
