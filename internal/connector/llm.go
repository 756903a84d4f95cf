// Package connector implements the private side of the relay: a client that
// dials the broker, authenticates (or waits for approval), and serves
// relayed requests against a local OpenAI-compatible LLM server.
package connector

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"github.com/llmrelay/llmrelay/internal/config"
)

// LLMClient talks to the local LLM server (Ollama, llama.cpp, vLLM, any
// OpenAI-compatible endpoint).
type LLMClient struct {
	baseURL    string
	apiKey     string
	hostHeader string
	client     *http.Client
}

// NewLLMClient builds the upstream client. The transport is tuned for
// long-lived streaming responses: no overall client timeout, generous idle
// pool, response header timeout separate from body delivery. ssl_verify
// false admits a self-signed local https server.
func NewLLMClient(cfg config.LLMConfig) *LLMClient {
	transport := &http.Transport{
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.RequestTimeoutSec) * time.Second,
	}
	if !cfg.VerifySSL() {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &LLMClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		hostHeader: cfg.HostHeader,
		client:     &http.Client{Transport: transport},
	}
}

// do issues the relayed request against the local server. Hop headers are
// dropped and the bearer key is injected: the broker-supplied key wins over
// the locally configured one.
func (c *LLMClient) do(ctx context.Context, method, reqPath string, headers map[string]string, body []byte, upstreamKey string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+reqPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}

	for name, value := range headers {
		switch http.CanonicalHeaderKey(name) {
		case "Host", "Connection", "Authorization", "Content-Length", "Accept-Encoding":
			continue
		}
		req.Header.Set(name, value)
	}
	if c.hostHeader != "" {
		req.Host = c.hostHeader
	}

	key := upstreamKey
	if key == "" {
		key = c.apiKey
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	return c.client.Do(req)
}

// Response is a fully-buffered upstream response.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// Forward relays one non-streaming request and buffers the full response.
func (c *LLMClient) Forward(ctx context.Context, method, reqPath string, headers map[string]string, body []byte, upstreamKey string) (*Response, error) {
	resp, err := c.do(ctx, method, reqPath, headers, body, upstreamKey)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading upstream response: %w", err)
	}

	out := &Response{Status: resp.StatusCode, Headers: make(map[string]string, len(resp.Header)), Body: raw}
	for name, values := range resp.Header {
		switch http.CanonicalHeaderKey(name) {
		case "Connection", "Content-Length", "Transfer-Encoding":
			continue
		}
		out.Headers[name] = strings.Join(values, ", ")
	}
	return out, nil
}

// ForwardStream relays one streaming request and hands back the live
// response. The caller owns closing resp.Body.
func (c *LLMClient) ForwardStream(ctx context.Context, method, reqPath string, headers map[string]string, body []byte, upstreamKey string) (*http.Response, error) {
	return c.do(ctx, method, reqPath, headers, body, upstreamKey)
}

// DiscoverModels asks the local server what it serves. OpenAI's /v1/models
// is tried first, then Ollama's /api/tags. Names are normalized (model file
// paths become bare model names) and deduplicated.
func (c *LLMClient) DiscoverModels(ctx context.Context) ([]string, error) {
	if models, err := c.discoverOpenAI(ctx); err == nil && len(models) > 0 {
		return models, nil
	} else if err != nil {
		slog.Debug("openai model discovery failed, trying ollama", "error", err)
	}

	models, err := c.discoverOllama(ctx)
	if err != nil {
		return nil, fmt.Errorf("model discovery: %w", err)
	}
	return models, nil
}

func (c *LLMClient) discoverOpenAI(ctx context.Context) ([]string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/models", nil, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET /v1/models: status %d", resp.StatusCode)
	}

	var parsed struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("parsing /v1/models: %w", err)
	}

	names := make([]string, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		names = append(names, m.ID)
	}
	return normalizeModels(names), nil
}

func (c *LLMClient) discoverOllama(ctx context.Context) ([]string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/tags", nil, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET /api/tags: status %d", resp.StatusCode)
	}

	var parsed struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("parsing /api/tags: %w", err)
	}

	names := make([]string, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		names = append(names, m.Name)
	}
	return normalizeModels(names), nil
}

var (
	modelExtRe   = regexp.MustCompile(`(?i)\.(gguf|ggml|bin|safetensors)$`)
	modelQuantRe = regexp.MustCompile(`(?i)[.\-](q[0-9]+(?:_[a-z0-9]+)*|f16|f32|bf16)$`)
)

// NormalizeModelName turns a model file path into a routable model name:
// directory and extension stripped, trailing quantization marker dropped.
// "models/llama-3-8b.Q4_K_M.gguf" becomes "llama-3-8b".
func NormalizeModelName(name string) string {
	base := path.Base(strings.TrimSpace(name))
	base = modelExtRe.ReplaceAllString(base, "")
	base = modelQuantRe.ReplaceAllString(base, "")
	return base
}

// normalizeModels maps, dedupes and sorts a discovered name list.
func normalizeModels(names []string) []string {
	seen := make(map[string]bool, len(names))
	var out []string
	for _, n := range names {
		norm := NormalizeModelName(n)
		if norm == "" || seen[norm] {
			continue
		}
		seen[norm] = true
		out = append(out, norm)
	}
	sort.Strings(out)
	return out
}

// FilterModels applies the configured glob patterns to a model list. No
// patterns means no filtering. Patterns that don't compile are skipped with
// a warning rather than taking the connector down.
func FilterModels(models, patterns []string) []string {
	if len(patterns) == 0 {
		return models
	}

	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			slog.Warn("skipping invalid model filter", "pattern", p, "error", err)
			continue
		}
		globs = append(globs, g)
	}

	var out []string
	for _, m := range models {
		for _, g := range globs {
			if g.Match(m) {
				out = append(out, m)
				break
			}
		}
	}
	return out
}

// ResolveModels produces the list the connector advertises: the override
// verbatim when set, otherwise discovery pruned by the filters.
func ResolveModels(ctx context.Context, cfg config.LLMConfig, llm *LLMClient) []string {
	if len(cfg.ModelsOverride) > 0 {
		return cfg.ModelsOverride
	}
	models, err := llm.DiscoverModels(ctx)
	if err != nil {
		slog.Warn("model discovery failed, advertising no models", "error", err)
		return nil
	}
	return FilterModels(models, cfg.ModelFilters)
}
