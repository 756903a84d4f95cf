package broker

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/llmrelay/llmrelay/internal/protocol"
	"github.com/llmrelay/llmrelay/internal/reqlog"
	"github.com/llmrelay/llmrelay/internal/router"
	"github.com/llmrelay/llmrelay/internal/store"
)

// API is the OpenAI-compatible HTTP edge users call. It resolves the model
// to a connector, relays the request over the websocket channel, and maps
// relay failures onto the OpenAI error envelope.
type API struct {
	server  *Server
	router  *router.Router
	store   *store.Store
	log     *reqlog.Log // nil disables request logging
	apiKeys map[string]bool
	timeout time.Duration
}

// NewAPI builds the edge. An empty apiKeys list disables user auth.
func NewAPI(srv *Server, rt *router.Router, st *store.Store, log *reqlog.Log, apiKeys []string, timeout time.Duration) *API {
	keys := make(map[string]bool, len(apiKeys))
	for _, k := range apiKeys {
		keys[k] = true
	}
	return &API{server: srv, router: rt, store: st, log: log, apiKeys: keys, timeout: timeout}
}

// Register mounts the user-facing routes.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/chat/completions", a.handleChatCompletions)
	mux.HandleFunc("/v1/models", a.handleModels)
}

// errorBody is the OpenAI-style error envelope.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, message, errType, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Error: errorDetail{Message: message, Type: errType, Code: code}})
}

// authorize checks the bearer key. No configured keys means auth is off.
func (a *API) authorize(w http.ResponseWriter, r *http.Request) bool {
	if len(a.apiKeys) == 0 {
		return true
	}
	auth := r.Header.Get("Authorization")
	key, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || !a.apiKeys[key] {
		writeError(w, http.StatusUnauthorized, "invalid or missing API key", "invalid_request_error", "invalid_api_key")
		return false
	}
	return true
}

// handleModels lists every currently-routable model.
func (a *API) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "invalid_request_error", "method_not_allowed")
		return
	}
	if !a.authorize(w, r) {
		return
	}

	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	models := a.router.Models()
	data := make([]modelEntry, 0, len(models))
	for _, m := range models {
		data = append(data, modelEntry{ID: m, Object: "model", OwnedBy: "llmrelay"})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data})
}

// handleChatCompletions relays a completion request to the connector
// serving the requested model.
func (a *API) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "invalid_request_error", "method_not_allowed")
		return
	}
	if !a.authorize(w, r) {
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading request body failed", "invalid_request_error", "missing_model")
		return
	}

	// The edge only needs the routing fields; the body is otherwise
	// forwarded byte for byte. A body that doesn't parse has no model.
	var probe struct {
		Model  string `json:"model"`
		Stream bool   `json:"stream"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || probe.Model == "" {
		writeError(w, http.StatusBadRequest, "request body must include a model", "invalid_request_error", "missing_model")
		return
	}

	route, ok := a.router.Resolve(probe.Model)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("model %q is not available", probe.Model), "invalid_request_error", "model_not_found")
		return
	}

	req := protocol.RequestPayload{
		Method:         http.MethodPost,
		Path:           "/v1/chat/completions",
		Headers:        relayHeaders(r),
		Body:           base64.StdEncoding.EncodeToString(body),
		UpstreamAPIKey: route.UpstreamAPIKey,
	}

	a.store.TouchUsed(route.ConnectorID)
	// One correlation id per exchange, shared by the relay channel, the
	// broker logs, and the request log.
	id := protocol.NewID("req")
	start := time.Now()

	if probe.Stream {
		status, code := a.relayStream(w, r, route.ConnectorID, id, req)
		a.record(id, probe.Model, route.ConnectorID, status, code, true, start)
		return
	}
	status, code := a.relay(w, r, route.ConnectorID, id, req)
	a.record(id, probe.Model, route.ConnectorID, status, code, false, start)
}

// relayHeaders copies the user's request headers for the connector, minus
// the ones that only make sense on this hop.
func relayHeaders(r *http.Request) map[string]string {
	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		switch http.CanonicalHeaderKey(name) {
		case "Host", "Connection", "Authorization", "Content-Length", "Transfer-Encoding":
			continue
		}
		headers[name] = strings.Join(values, ", ")
	}
	return headers
}

// relay handles the non-streaming path. Returns the status and error code
// surfaced to the user, for the request log.
func (a *API) relay(w http.ResponseWriter, r *http.Request, connectorID, id string, req protocol.RequestPayload) (int, string) {
	resp, err := a.server.SendRequest(r.Context(), connectorID, id, req, a.timeout)
	if err != nil {
		return a.writeRelayError(w, r, err)
	}

	raw, err := base64.StdEncoding.DecodeString(resp.Body)
	if err != nil {
		slog.Error("connector sent undecodable response body", "connector_id", connectorID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal relay error", "api_error", "internal_error")
		return http.StatusInternalServerError, "internal_error"
	}

	for name, value := range resp.Headers {
		switch http.CanonicalHeaderKey(name) {
		case "Connection", "Content-Length", "Transfer-Encoding":
			continue
		}
		w.Header().Set(name, value)
	}
	w.WriteHeader(resp.Status)
	w.Write(raw)
	return resp.Status, ""
}

// relayStream handles the streaming path: the first frame decides between
// an error response and an SSE stream. A STREAM_END terminator ends the
// stream cleanly (a stream may carry zero chunks); a bare channel close is
// a connector disconnect.
func (a *API) relayStream(w http.ResponseWriter, r *http.Request, connectorID, id string, req protocol.RequestPayload) (int, string) {
	st, err := a.server.SendRequestStream(connectorID, id, req)
	if err != nil {
		return a.writeRelayError(w, r, err)
	}

	flusher, canFlush := w.(http.Flusher)
	timer := time.NewTimer(a.timeout)
	defer timer.Stop()

	started := false
	startSSE := func() {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		started = true
	}

	for {
		select {
		case env, ok := <-st.C:
			if !ok {
				// Connector vanished; no terminal frame arrived.
				if !started {
					writeError(w, http.StatusBadGateway, "connector disconnected", "api_error", "connector_unavailable")
					return http.StatusBadGateway, "connector_unavailable"
				}
				return http.StatusOK, "connector_unavailable"
			}

			switch env.Type {
			case protocol.TypeStreamEnd:
				if !started {
					startSSE()
				}
				return http.StatusOK, ""

			case protocol.TypeError:
				var p protocol.ErrorPayload
				if decErr := env.Decode(&p); decErr != nil {
					p = protocol.ErrorPayload{Status: http.StatusBadGateway, Error: "connector error", Code: "llm_error"}
				}
				if !started {
					status, code := normalizeUpstream(p)
					writeError(w, status, p.Error, "api_error", code)
					return status, code
				}
				// Mid-stream failure: the SSE response is already
				// underway, so all we can do is stop sending.
				slog.Warn("stream failed mid-flight", "request_id", st.ID, "status", p.Status, "code", p.Code)
				return http.StatusOK, p.Code
			}

			var chunk protocol.StreamChunkPayload
			if decErr := env.Decode(&chunk); decErr != nil {
				slog.Warn("dropping undecodable stream chunk", "request_id", st.ID, "error", decErr)
				continue
			}
			if !started {
				startSSE()
			}
			io.WriteString(w, chunk.Chunk)
			if canFlush {
				flusher.Flush()
			}
			if chunk.Done {
				st.Cancel()
				return http.StatusOK, ""
			}

		case <-timer.C:
			st.Cancel()
			if !started {
				writeError(w, http.StatusGatewayTimeout, "request timed out", "api_error", "timeout")
				return http.StatusGatewayTimeout, "timeout"
			}
			return http.StatusOK, "timeout"

		case <-r.Context().Done():
			st.Cancel()
			return http.StatusOK, "client_disconnected"
		}
	}
}

// writeRelayError maps relay-layer failures onto the user error envelope.
func (a *API) writeRelayError(w http.ResponseWriter, r *http.Request, err error) (int, string) {
	var upstream *UpstreamError
	switch {
	case errors.As(err, &upstream):
		status, code := normalizeUpstream(protocol.ErrorPayload{Status: upstream.Status, Error: upstream.Message, Code: upstream.Code})
		writeError(w, status, upstream.Message, "api_error", code)
		return status, code
	case errors.Is(err, ErrNoConnector):
		writeError(w, http.StatusServiceUnavailable, "no connector is serving this model", "api_error", "connector_unavailable")
		return http.StatusServiceUnavailable, "connector_unavailable"
	case errors.Is(err, ErrDisconnected):
		writeError(w, http.StatusBadGateway, "connector disconnected", "api_error", "connector_unavailable")
		return http.StatusBadGateway, "connector_unavailable"
	case errors.Is(err, ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, "request timed out", "api_error", "timeout")
		return http.StatusGatewayTimeout, "timeout"
	case r.Context().Err() != nil:
		// User hung up; nothing left to write.
		return 0, "client_disconnected"
	default:
		slog.Error("relay failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal relay error", "api_error", "internal_error")
		return http.StatusInternalServerError, "internal_error"
	}
}

// normalizeUpstream sanity-checks an ERROR frame's status and code before
// surfacing them.
func normalizeUpstream(p protocol.ErrorPayload) (int, string) {
	status := p.Status
	if status < 400 || status > 599 {
		status = http.StatusBadGateway
	}
	code := p.Code
	if code == "" {
		code = "llm_error"
	}
	return status, code
}

// record appends one exchange to the request log, if enabled.
func (a *API) record(id, model, connectorID string, status int, code string, streamed bool, start time.Time) {
	if a.log == nil {
		return
	}
	a.log.Record(reqlog.Entry{
		RequestID:   id,
		Timestamp:   start,
		Model:       model,
		ConnectorID: connectorID,
		Status:      status,
		Code:        code,
		Streamed:    streamed,
		LatencyMs:   time.Since(start).Milliseconds(),
	})
}
