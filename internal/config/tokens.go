package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// StaticToken is one entry of the optional tokens.yaml file: a pre-shared
// connector token admitted without the approval workflow. UpstreamAPIKey,
// when set, is injected into requests relayed to that connector.
type StaticToken struct {
	Token          string `yaml:"token"`
	UpstreamAPIKey string `yaml:"upstream_api_key,omitempty"`
}

// Tokens holds the static connector token set. It reloads from disk when
// the watcher reports a change, so token edits take effect without a broker
// restart.
type Tokens struct {
	mu      sync.RWMutex
	path    string
	byToken map[string]StaticToken
}

// LoadTokens reads the static token file. An empty path or absent file
// yields an empty set, which disables static-token admission.
func LoadTokens(path string) (*Tokens, error) {
	t := &Tokens{path: path, byToken: make(map[string]StaticToken)}
	if path == "" {
		return t, nil
	}
	if err := t.Reload(); err != nil {
		return nil, err
	}
	return t, nil
}

// Reload re-reads the token file and swaps the in-memory set.
func (t *Tokens) Reload() error {
	data, err := os.ReadFile(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			t.mu.Lock()
			t.byToken = make(map[string]StaticToken)
			t.mu.Unlock()
			return nil
		}
		return fmt.Errorf("reading tokens file %s: %w", t.path, err)
	}

	var file struct {
		Tokens []StaticToken `yaml:"tokens"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing tokens file %s: %w", t.path, err)
	}

	byToken := make(map[string]StaticToken, len(file.Tokens))
	for _, entry := range file.Tokens {
		if entry.Token == "" {
			continue
		}
		byToken[entry.Token] = entry
	}

	t.mu.Lock()
	t.byToken = byToken
	t.mu.Unlock()

	slog.Info("static connector tokens loaded", "count", len(byToken), "path", t.path)
	return nil
}

// Lookup resolves a presented token against the static set.
func (t *Tokens) Lookup(token string) (StaticToken, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.byToken[token]
	return entry, ok
}

// Len reports how many static tokens are loaded.
func (t *Tokens) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byToken)
}
