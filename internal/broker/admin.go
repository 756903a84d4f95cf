package broker

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"

	"github.com/llmrelay/llmrelay/internal/reqlog"
	"github.com/llmrelay/llmrelay/internal/store"
)

// Admin is the loopback-only management surface: list connectors, approve
// or revoke pending ones, and tail the request log. It shares the broker
// listener but refuses any non-loopback caller, so approval stays in the
// operator's hands even when the broker is exposed publicly.
type Admin struct {
	server *Server
	store  *store.Store
	log    *reqlog.Log // nil disables /admin/requests
}

// NewAdmin builds the admin surface.
func NewAdmin(srv *Server, st *store.Store, log *reqlog.Log) *Admin {
	return &Admin{server: srv, store: st, log: log}
}

// Register mounts the admin routes.
func (a *Admin) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/connectors", a.loopback(a.handleList))
	mux.HandleFunc("POST /admin/connectors/{id}/approve", a.loopback(a.handleApprove))
	mux.HandleFunc("POST /admin/connectors/{id}/revoke", a.loopback(a.handleRevoke))
	mux.HandleFunc("DELETE /admin/connectors/{id}", a.loopback(a.handleDelete))
	mux.HandleFunc("GET /admin/requests", a.loopback(a.handleRequests))
}

// loopback wraps a handler with the local-caller check.
func (a *Admin) loopback(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil || !net.ParseIP(host).IsLoopback() {
			slog.Warn("admin request from non-loopback address", "remote", r.RemoteAddr, "path", r.URL.Path)
			http.Error(w, "admin endpoints are loopback-only", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// connectorView joins the persistent record with live connection state.
type connectorView struct {
	store.Connector
	Connected bool `json:"connected"`
}

func (a *Admin) handleList(w http.ResponseWriter, r *http.Request) {
	records := a.store.List()
	views := make([]connectorView, 0, len(records))
	for _, rec := range records {
		views = append(views, connectorView{
			Connector: rec,
			Connected: a.server.IsLive(rec.ConnectorID),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"connectors": views})
}

func (a *Admin) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	key := a.store.Approve(id)
	if key == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no pending connector with that id"})
		return
	}
	a.server.NotifyApproval(id, key)
	// The key is returned so an operator can hand it to a connector
	// that wasn't waiting on a live socket.
	writeJSON(w, http.StatusOK, map[string]string{"connector_id": id, "api_key": key})
}

func (a *Admin) handleRevoke(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Reason string `json:"reason"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "revoked by admin"
	}

	if !a.store.Revoke(id, body.Reason) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no connector with that id"})
		return
	}
	a.server.NotifyRevoke(id, body.Reason)
	writeJSON(w, http.StatusOK, map[string]string{"connector_id": id, "status": string(store.StatusRevoked)})
}

func (a *Admin) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	// A live socket for the record must go first.
	a.server.NotifyRevoke(id, "connector deleted")
	if !a.store.Delete(id) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no connector with that id"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"connector_id": id, "deleted": "true"})
}

func (a *Admin) handleRequests(w http.ResponseWriter, r *http.Request) {
	if a.log == nil {
		writeJSON(w, http.StatusOK, map[string]any{"requests": []reqlog.Entry{}})
		return
	}
	entries, err := a.log.Tail(100)
	if err != nil {
		slog.Error("request log query failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "request log unavailable"})
		return
	}
	if entries == nil {
		entries = []reqlog.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": entries})
}
