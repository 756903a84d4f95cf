// Package router maintains the model routing table: which live connector
// serves each model name.
//
// The table is rebuilt in full whenever connector membership changes and
// swapped in atomically, so readers always see a consistent snapshot. When
// two connectors advertise the same model, the earlier-registered one wins;
// the later one becomes the route only after the first disconnects and the
// table is rebuilt without it.
package router

import (
	"log/slog"
	"sort"
	"sync"
)

// Route is the resolution of one model name.
type Route struct {
	ConnectorID string
	// UpstreamAPIKey is injected into relayed requests so the connector
	// can authenticate against its local LLM server. Often empty.
	UpstreamAPIKey string
}

// entry is one registered connector's contribution to the table.
type entry struct {
	connectorID    string
	models         []string
	upstreamAPIKey string
}

// Router maps model names to live connectors. Thread-safe; Add and Remove
// are called from socket handler goroutines, Resolve and Models from HTTP
// handlers.
type Router struct {
	mu      sync.RWMutex
	entries []entry // registration order, the tiebreak for shared model names
	routes  map[string]Route
}

// New returns an empty router.
func New() *Router {
	return &Router{routes: make(map[string]Route)}
}

// Add registers a connector's model list and rebuilds the table. If the
// connector id is already registered its entry is replaced in place,
// keeping its original position in the registration order.
func (r *Router) Add(connectorID string, models []string, upstreamAPIKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := entry{
		connectorID:    connectorID,
		models:         append([]string(nil), models...),
		upstreamAPIKey: upstreamAPIKey,
	}
	replaced := false
	for i := range r.entries {
		if r.entries[i].connectorID == connectorID {
			r.entries[i] = e
			replaced = true
			break
		}
	}
	if !replaced {
		r.entries = append(r.entries, e)
	}
	r.rebuild()

	slog.Info("routes updated", "connector_id", connectorID, "models", models, "total_models", len(r.routes))
}

// Remove drops a connector and rebuilds the table. Models only that
// connector served disappear; shared models fail over to the next
// registered connector advertising them.
func (r *Router) Remove(connectorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.entries {
		if r.entries[i].connectorID == connectorID {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			r.rebuild()
			slog.Info("routes updated", "connector_id", connectorID, "removed", true, "total_models", len(r.routes))
			return
		}
	}
}

// rebuild recomputes the table from scratch. Called with r.mu held.
// Entries are walked in registration order so the earliest connector
// advertising a model owns its route.
func (r *Router) rebuild() {
	routes := make(map[string]Route, len(r.routes))
	for _, e := range r.entries {
		for _, m := range e.models {
			if _, taken := routes[m]; taken {
				continue
			}
			routes[m] = Route{ConnectorID: e.connectorID, UpstreamAPIKey: e.upstreamAPIKey}
		}
	}
	r.routes = routes
}

// Resolve returns the route for a model name. Exact match only.
func (r *Router) Resolve(model string) (Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.routes[model]
	return route, ok
}

// Models returns all routable model names, sorted.
func (r *Router) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	models := make([]string, 0, len(r.routes))
	for m := range r.routes {
		models = append(models, m)
	}
	sort.Strings(models)
	return models
}
