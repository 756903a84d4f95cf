package connector

import (
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/llmrelay/llmrelay/internal/protocol"
)

// recordingSender captures every frame the handler emits.
type recordingSender struct {
	mu     sync.Mutex
	frames []protocol.Envelope
}

func (r *recordingSender) Send(env protocol.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, env)
	return nil
}

func (r *recordingSender) all() []protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Envelope(nil), r.frames...)
}

func requestEnvelope(t *testing.T, id, body string) protocol.Envelope {
	t.Helper()
	return protocol.New(protocol.TypeRequest, id, protocol.RequestPayload{
		Method:  http.MethodPost,
		Path:    "/v1/chat/completions",
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    base64.StdEncoding.EncodeToString([]byte(body)),
	})
}

// runRequest pushes one request through the handler and waits for it.
func runRequest(t *testing.T, h *Handler, env protocol.Envelope, s sender) {
	t.Helper()
	h.Handle(env, s)
	if !h.Wait(5 * time.Second) {
		t.Fatal("handler did not drain")
	}
}

func TestBufferedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	h := NewHandler(NewLLMClient(testLLMConfig(srv.URL)), 5*time.Second)
	rec := &recordingSender{}
	runRequest(t, h, requestEnvelope(t, "req-1", `{"model":"llama3"}`), rec)

	frames := rec.all()
	if len(frames) != 1 || frames[0].Type != protocol.TypeResponse {
		t.Fatalf("frames = %+v, want one RESPONSE", frames)
	}
	if frames[0].ID != "req-1" {
		t.Errorf("id = %q, want req-1", frames[0].ID)
	}
	var resp protocol.ResponsePayload
	if err := frames[0].Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Errorf("status = %d", resp.Status)
	}
	body, err := base64.StdEncoding.DecodeString(resp.Body)
	if err != nil {
		t.Fatalf("base64: %v", err)
	}
	if string(body) != `{"choices":[]}` {
		t.Errorf("body = %q", body)
	}
	if resp.Headers["Content-Type"] != "application/json" {
		t.Errorf("headers = %v", resp.Headers)
	}
}

func TestStreamedResponse(t *testing.T) {
	lines := []string{
		"data: {\"delta\":\"he\"}\n",
		"\n",
		"data: {\"delta\":\"llo\"}\n",
		"\n",
		"data: [DONE]\n",
		"\n",
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, l := range lines {
			w.Write([]byte(l))
			fl.Flush()
		}
	}))
	defer srv.Close()

	h := NewHandler(NewLLMClient(testLLMConfig(srv.URL)), 5*time.Second)
	rec := &recordingSender{}
	runRequest(t, h, requestEnvelope(t, "req-2", `{"model":"llama3","stream":true}`), rec)

	frames := rec.all()
	if len(frames) < 2 {
		t.Fatalf("got %d frames, want chunks plus STREAM_END", len(frames))
	}
	last := frames[len(frames)-1]
	if last.Type != protocol.TypeStreamEnd || last.ID != "req-2" {
		t.Fatalf("terminal frame = %s id=%s", last.Type, last.ID)
	}

	var rebuilt strings.Builder
	for _, f := range frames[:len(frames)-1] {
		if f.Type != protocol.TypeStreamChunk {
			t.Fatalf("unexpected frame %s before STREAM_END", f.Type)
		}
		var chunk protocol.StreamChunkPayload
		f.Decode(&chunk)
		rebuilt.WriteString(chunk.Chunk)
	}
	if rebuilt.String() != strings.Join(lines, "") {
		t.Errorf("rebuilt stream = %q, want %q", rebuilt.String(), strings.Join(lines, ""))
	}
}

func TestStreamUpstreamStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not loaded"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h := NewHandler(NewLLMClient(testLLMConfig(srv.URL)), 5*time.Second)
	rec := &recordingSender{}
	runRequest(t, h, requestEnvelope(t, "req-3", `{"stream":true}`), rec)

	frames := rec.all()
	if len(frames) != 1 || frames[0].Type != protocol.TypeError {
		t.Fatalf("frames = %+v, want one ERROR", frames)
	}
	var ep protocol.ErrorPayload
	frames[0].Decode(&ep)
	if ep.Status != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", ep.Status)
	}
	if !strings.Contains(ep.Error, "model not loaded") {
		t.Errorf("error = %q, want upstream body", ep.Error)
	}
}

func TestUpstreamUnreachable(t *testing.T) {
	h := NewHandler(NewLLMClient(testLLMConfig("http://127.0.0.1:1")), 2*time.Second)
	rec := &recordingSender{}
	runRequest(t, h, requestEnvelope(t, "req-4", `{}`), rec)

	frames := rec.all()
	if len(frames) != 1 || frames[0].Type != protocol.TypeError {
		t.Fatalf("frames = %+v, want one ERROR", frames)
	}
	var ep protocol.ErrorPayload
	frames[0].Decode(&ep)
	if ep.Status != http.StatusBadGateway || ep.Code != "llm_unavailable" {
		t.Errorf("payload = %+v, want 502 llm_unavailable", ep)
	}
}

func TestUpstreamTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server can observe the client going away;
		// with unread body bytes net/http never cancels r.Context() and
		// the deferred Close would deadlock.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	h := NewHandler(NewLLMClient(testLLMConfig(srv.URL)), 200*time.Millisecond)
	rec := &recordingSender{}
	runRequest(t, h, requestEnvelope(t, "req-5", `{}`), rec)

	frames := rec.all()
	if len(frames) != 1 || frames[0].Type != protocol.TypeError {
		t.Fatalf("frames = %+v, want one ERROR", frames)
	}
	var ep protocol.ErrorPayload
	frames[0].Decode(&ep)
	if ep.Status != http.StatusGatewayTimeout || ep.Code != "timeout" {
		t.Errorf("payload = %+v, want 504 timeout", ep)
	}
}

func TestCancelAbortsInflight(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	h := NewHandler(NewLLMClient(testLLMConfig(srv.URL)), time.Minute)
	rec := &recordingSender{}
	h.Handle(requestEnvelope(t, "req-6", `{}`), rec)

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("upstream request never started")
	}
	h.Cancel("req-6")

	if !h.Wait(3 * time.Second) {
		t.Fatal("canceled request did not finish")
	}
	frames := rec.all()
	if len(frames) != 1 || frames[0].Type != protocol.TypeError {
		t.Fatalf("frames = %+v, want one ERROR", frames)
	}
	var ep protocol.ErrorPayload
	frames[0].Decode(&ep)
	if ep.Code != "canceled" {
		t.Errorf("code = %q, want canceled", ep.Code)
	}
}

func TestMalformedBodyRejected(t *testing.T) {
	h := NewHandler(NewLLMClient(testLLMConfig("http://127.0.0.1:1")), time.Second)
	rec := &recordingSender{}

	env := protocol.New(protocol.TypeRequest, "req-7", protocol.RequestPayload{
		Method: http.MethodPost,
		Path:   "/v1/chat/completions",
		Body:   "not!base64!!",
	})
	runRequest(t, h, env, rec)

	frames := rec.all()
	if len(frames) != 1 || frames[0].Type != protocol.TypeError {
		t.Fatalf("frames = %+v, want one ERROR", frames)
	}
	var ep protocol.ErrorPayload
	frames[0].Decode(&ep)
	if ep.Status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", ep.Status)
	}
}

func TestWaitDrainsConcurrentRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	h := NewHandler(NewLLMClient(testLLMConfig(srv.URL)), 5*time.Second)
	rec := &recordingSender{}
	for i := 0; i < 8; i++ {
		h.Handle(requestEnvelope(t, protocol.NewID("req"), `{}`), rec)
	}
	if !h.Wait(5 * time.Second) {
		t.Fatal("drain timed out")
	}
	if got := len(rec.all()); got != 8 {
		t.Errorf("got %d responses, want 8", got)
	}
}
