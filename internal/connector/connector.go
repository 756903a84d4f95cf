package connector

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/llmrelay/llmrelay/internal/protocol"
)

// sender is the slice of the relay socket the handler needs. Tests supply a
// recording fake.
type sender interface {
	Send(protocol.Envelope) error
}

// Handler serves relayed REQUEST frames against the local LLM server. Each
// request runs in its own goroutine; Wait supports graceful drain on
// shutdown, and Cancel aborts an in-flight upstream call when the broker
// sends a CANCEL hint.
type Handler struct {
	llm     *LLMClient
	timeout time.Duration

	wg sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// NewHandler builds a request handler. timeout bounds each upstream call.
func NewHandler(llm *LLMClient, timeout time.Duration) *Handler {
	return &Handler{
		llm:      llm,
		timeout:  timeout,
		inflight: make(map[string]context.CancelFunc),
	}
}

// Handle dispatches one REQUEST frame in a new goroutine.
func (h *Handler) Handle(env protocol.Envelope, s sender) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.serve(env, s)
	}()
}

// Cancel aborts the in-flight request with the given correlation id.
func (h *Handler) Cancel(id string) {
	h.mu.Lock()
	cancel, ok := h.inflight[id]
	h.mu.Unlock()
	if ok {
		slog.Info("canceling request", "request_id", id)
		cancel()
	}
}

// Wait blocks until in-flight requests finish or the drain window expires.
// Reports whether the drain completed cleanly.
func (h *Handler) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (h *Handler) track(id string) (context.Context, func()) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	h.mu.Lock()
	h.inflight[id] = cancel
	h.mu.Unlock()
	return ctx, func() {
		h.mu.Lock()
		delete(h.inflight, id)
		h.mu.Unlock()
		cancel()
	}
}

func (h *Handler) serve(env protocol.Envelope, s sender) {
	var req protocol.RequestPayload
	if err := env.Decode(&req); err != nil {
		slog.Warn("dropping malformed request frame", "id", env.ID, "error", err)
		s.Send(protocol.New(protocol.TypeError, env.ID, protocol.ErrorPayload{
			Status: http.StatusBadRequest, Error: "malformed request payload", Code: "llm_error",
		}))
		return
	}

	body, err := base64.StdEncoding.DecodeString(req.Body)
	if err != nil {
		s.Send(protocol.New(protocol.TypeError, env.ID, protocol.ErrorPayload{
			Status: http.StatusBadRequest, Error: "undecodable request body", Code: "llm_error",
		}))
		return
	}

	ctx, finish := h.track(env.ID)
	defer finish()

	if wantsStream(body) {
		h.serveStream(ctx, env.ID, req, body, s)
		return
	}
	h.serveBuffered(ctx, env.ID, req, body, s)
}

// wantsStream checks the request body for "stream": true. The broker made
// the same check; this one keeps the connector correct against any caller.
func wantsStream(body []byte) bool {
	var probe struct {
		Stream bool `json:"stream"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	return probe.Stream
}

func (h *Handler) serveBuffered(ctx context.Context, id string, req protocol.RequestPayload, body []byte, s sender) {
	start := time.Now()
	resp, err := h.llm.Forward(ctx, req.Method, req.Path, req.Headers, body, req.UpstreamAPIKey)
	if err != nil {
		s.Send(protocol.New(protocol.TypeError, id, upstreamFailure(err)))
		return
	}

	slog.Info("request served", "request_id", id, "status", resp.Status, "latency_ms", time.Since(start).Milliseconds())
	s.Send(protocol.New(protocol.TypeResponse, id, protocol.ResponsePayload{
		Status:  resp.Status,
		Headers: resp.Headers,
		Body:    base64.StdEncoding.EncodeToString(resp.Body),
	}))
}

func (h *Handler) serveStream(ctx context.Context, id string, req protocol.RequestPayload, body []byte, s sender) {
	start := time.Now()
	resp, err := h.llm.ForwardStream(ctx, req.Method, req.Path, req.Headers, body, req.UpstreamAPIKey)
	if err != nil {
		s.Send(protocol.New(protocol.TypeError, id, upstreamFailure(err)))
		return
	}
	defer resp.Body.Close()

	// A failed status means the body is an error document, not a stream.
	// Read it off the same response and surface it as the terminal frame.
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		s.Send(protocol.New(protocol.TypeError, id, protocol.ErrorPayload{
			Status: resp.StatusCode,
			Error:  strings.ToValidUTF8(string(msg), "�"),
			Code:   "llm_error",
		}))
		return
	}

	// SSE is line-based; reading whole lines keeps multi-byte runes and
	// event boundaries intact across chunk frames.
	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			if sendErr := s.Send(protocol.New(protocol.TypeStreamChunk, id, protocol.StreamChunkPayload{
				Chunk: strings.ToValidUTF8(line, "�"),
			})); sendErr != nil {
				// Relay socket gone; abandon the upstream read.
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				slog.Warn("upstream stream broke", "request_id", id, "error", err)
			}
			break
		}
	}

	slog.Info("stream served", "request_id", id, "latency_ms", time.Since(start).Milliseconds())
	s.Send(protocol.New(protocol.TypeStreamEnd, id, nil))
}

// upstreamFailure maps a transport-level failure onto an ERROR payload:
// deadline expiry is a 504, everything else (refused connection, DNS, reset)
// is the local server being unavailable.
func upstreamFailure(err error) protocol.ErrorPayload {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return protocol.ErrorPayload{Status: http.StatusGatewayTimeout, Error: "LLM server timed out", Code: "timeout"}
	}
	if errors.Is(err, context.Canceled) {
		return protocol.ErrorPayload{Status: 499, Error: "request canceled", Code: "canceled"}
	}
	slog.Warn("upstream request failed", "error", err)
	return protocol.ErrorPayload{Status: http.StatusBadGateway, Error: "LLM server unavailable", Code: "llm_unavailable"}
}
