package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/llmrelay/llmrelay/internal/config"
)

func testLLMConfig(baseURL string) config.LLMConfig {
	return config.LLMConfig{BaseURL: baseURL, RequestTimeoutSec: 5}
}

func TestNormalizeModelName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"llama3", "llama3"},
		{"llama3:8b", "llama3:8b"},
		{"models/llama-3-8b.Q4_K_M.gguf", "llama-3-8b"},
		{"/opt/models/mistral-7b-instruct.q5_k_m.gguf", "mistral-7b-instruct"},
		{"phi-3-mini.F16.gguf", "phi-3-mini"},
		{"qwen2.5-coder.bf16.safetensors", "qwen2.5-coder"},
		{"model.bin", "model"},
		{"  spaced-model.gguf  ", "spaced-model"},
		{"gpt-4o", "gpt-4o"},
	}
	for _, tt := range tests {
		if got := NormalizeModelName(tt.in); got != tt.want {
			t.Errorf("NormalizeModelName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFilterModels(t *testing.T) {
	models := []string{"llama3", "llama3:70b", "mistral-7b", "phi-3"}

	tests := []struct {
		name     string
		patterns []string
		want     []string
	}{
		{"no patterns passes all", nil, models},
		{"exact", []string{"phi-3"}, []string{"phi-3"}},
		{"prefix glob", []string{"llama*"}, []string{"llama3", "llama3:70b"}},
		{"multiple patterns", []string{"mistral*", "phi-*"}, []string{"mistral-7b", "phi-3"}},
		{"no match", []string{"gemma*"}, nil},
		{"invalid pattern skipped", []string{"[", "phi-*"}, []string{"phi-3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FilterModels(models, tt.patterns)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("FilterModels(%v) = %v, want %v", tt.patterns, got, tt.want)
			}
		})
	}
}

func TestDiscoverModelsOpenAI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data": []map[string]string{
				{"id": "llama3"},
				{"id": "models/mistral-7b.Q4_K_M.gguf"},
				{"id": "llama3"}, // duplicate after normalization
			},
		})
	}))
	defer srv.Close()

	llm := NewLLMClient(testLLMConfig(srv.URL))
	got, err := llm.DiscoverModels(context.Background())
	if err != nil {
		t.Fatalf("DiscoverModels: %v", err)
	}
	want := []string{"llama3", "mistral-7b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("models = %v, want %v", got, want)
	}
}

func TestDiscoverModelsOllamaFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/models":
			http.NotFound(w, r)
		case "/api/tags":
			json.NewEncoder(w).Encode(map[string]any{
				"models": []map[string]string{
					{"name": "llama3:8b"},
					{"name": "codellama:13b"},
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	llm := NewLLMClient(testLLMConfig(srv.URL))
	got, err := llm.DiscoverModels(context.Background())
	if err != nil {
		t.Fatalf("DiscoverModels: %v", err)
	}
	want := []string{"codellama:13b", "llama3:8b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("models = %v, want %v", got, want)
	}
}

func TestDiscoverModelsUnreachable(t *testing.T) {
	llm := NewLLMClient(testLLMConfig("http://127.0.0.1:1"))
	if _, err := llm.DiscoverModels(context.Background()); err == nil {
		t.Error("expected discovery error against dead endpoint")
	}
}

func TestForwardHeaderHandling(t *testing.T) {
	var seen http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Upstream", "yes")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	cfg := testLLMConfig(srv.URL)
	cfg.APIKey = "local-key"
	llm := NewLLMClient(cfg)

	headers := map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer leaked-user-key",
		"Connection":    "close",
		"X-Custom":      "kept",
	}
	resp, err := llm.Forward(context.Background(), http.MethodPost, "/v1/chat/completions", headers, []byte(`{}`), "broker-key")
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	// Broker-supplied key wins over the locally configured one.
	if got := seen.Get("Authorization"); got != "Bearer broker-key" {
		t.Errorf("upstream authorization = %q, want Bearer broker-key", got)
	}
	if got := seen.Get("X-Custom"); got != "kept" {
		t.Errorf("custom header = %q, want kept", got)
	}
	if resp.Status != http.StatusOK {
		t.Errorf("status = %d", resp.Status)
	}
	if string(resp.Body) != `{"ok":true}` {
		t.Errorf("body = %q", resp.Body)
	}
	if resp.Headers["X-Upstream"] != "yes" {
		t.Errorf("response header X-Upstream missing: %v", resp.Headers)
	}
	if _, ok := resp.Headers["Content-Length"]; ok {
		t.Error("Content-Length should be stripped from the relayed response")
	}
}

func TestForwardLocalKeyFallback(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	cfg := testLLMConfig(srv.URL)
	cfg.APIKey = "local-key"
	llm := NewLLMClient(cfg)

	if _, err := llm.Forward(context.Background(), http.MethodPost, "/v1/chat/completions", nil, []byte(`{}`), ""); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if auth != "Bearer local-key" {
		t.Errorf("authorization = %q, want Bearer local-key", auth)
	}
}

func TestForwardHostHeaderOverride(t *testing.T) {
	var seenHost string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenHost = r.Host
	}))
	defer srv.Close()

	cfg := testLLMConfig(srv.URL)
	cfg.HostHeader = "llm.internal.example"
	llm := NewLLMClient(cfg)

	if _, err := llm.Forward(context.Background(), http.MethodPost, "/v1/chat/completions", nil, []byte(`{}`), ""); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if seenHost != "llm.internal.example" {
		t.Errorf("upstream Host = %q, want llm.internal.example", seenHost)
	}
}

func TestForwardSSLVerify(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	t.Run("default rejects self-signed", func(t *testing.T) {
		llm := NewLLMClient(testLLMConfig(srv.URL))
		if _, err := llm.Forward(context.Background(), http.MethodGet, "/v1/models", nil, nil, ""); err == nil {
			t.Error("expected certificate error with verification on")
		}
	})

	t.Run("ssl_verify false admits self-signed", func(t *testing.T) {
		cfg := testLLMConfig(srv.URL)
		off := false
		cfg.SSLVerify = &off
		llm := NewLLMClient(cfg)
		resp, err := llm.Forward(context.Background(), http.MethodGet, "/v1/models", nil, nil, "")
		if err != nil {
			t.Fatalf("Forward: %v", err)
		}
		if resp.Status != http.StatusOK {
			t.Errorf("status = %d", resp.Status)
		}
	})
}

func TestResolveModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{"id": "llama3"}, {"id": "mistral-7b"}},
		})
	}))
	defer srv.Close()

	t.Run("override wins", func(t *testing.T) {
		cfg := testLLMConfig(srv.URL)
		cfg.ModelsOverride = []string{"my-model"}
		got := ResolveModels(context.Background(), cfg, NewLLMClient(cfg))
		if !reflect.DeepEqual(got, []string{"my-model"}) {
			t.Errorf("models = %v", got)
		}
	})

	t.Run("discovery with filters", func(t *testing.T) {
		cfg := testLLMConfig(srv.URL)
		cfg.ModelFilters = []string{"llama*"}
		got := ResolveModels(context.Background(), cfg, NewLLMClient(cfg))
		if !reflect.DeepEqual(got, []string{"llama3"}) {
			t.Errorf("models = %v", got)
		}
	})

	t.Run("discovery failure yields nil", func(t *testing.T) {
		cfg := testLLMConfig("http://127.0.0.1:1")
		if got := ResolveModels(context.Background(), cfg, NewLLMClient(cfg)); got != nil {
			t.Errorf("models = %v, want nil", got)
		}
	})
}
