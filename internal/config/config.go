// Package config handles loading, validating, and writing the llmrelay
// configuration files under ~/.llmrelay/.
//
// Two programs share the directory:
//   - broker.yaml: public broker (relay listener, API auth, connector store)
//   - connector.yaml: private connector (broker URL, local LLM server)
//
// Plus state files the programs own: connectors.yaml (broker's connector
// store), credentials.yaml (connector's issued token), tokens.yaml (broker's
// optional static token list), requests.db (broker's request log).
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Dir returns the llmrelay config directory, creating it if needed.
// Override with LLMRELAY_HOME for tests and packaging.
func Dir() (string, error) {
	if dir := os.Getenv("LLMRELAY_HOME"); dir != "" {
		return dir, os.MkdirAll(dir, 0o755)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	dir := filepath.Join(home, ".llmrelay")
	return dir, os.MkdirAll(dir, 0o755)
}

// BrokerConfig is the public broker's configuration.
type BrokerConfig struct {
	Server BrokerServerConfig `yaml:"server"`
	Auth   BrokerAuthConfig   `yaml:"auth"`
	Relay  RelayConfig        `yaml:"relay"`
	Admin  AdminConfig        `yaml:"admin"`
}

// BrokerServerConfig defines where the broker listens. One listener carries
// the user API, the /ws relay endpoint, and the loopback admin endpoints.
type BrokerServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// BrokerAuthConfig controls both sides of authentication.
//
// APIKeys is the set of user-facing bearer keys; empty means user auth is
// disabled and every request is accepted. ConnectorStoreFile backs the
// approval workflow. TokensFile optionally lists static connector tokens
// that are admitted without an approval step; it is hot-reloaded on change.
type BrokerAuthConfig struct {
	APIKeys            []string `yaml:"api_keys"`
	ConnectorStoreFile string   `yaml:"connector_store_file"`
	TokensFile         string   `yaml:"tokens_file"`
}

// RelayConfig tunes the relay channel.
type RelayConfig struct {
	RequestTimeoutSec int `yaml:"request_timeout_sec"`
	PingIntervalSec   int `yaml:"ping_interval_sec"`
	AuthTimeoutSec    int `yaml:"auth_timeout_sec"`
}

// AdminConfig controls the loopback admin surface and the request log.
type AdminConfig struct {
	Enabled        bool   `yaml:"enabled"`
	RequestLogFile string `yaml:"request_log_file"`
	RequestLogMax  int    `yaml:"request_log_max"`
}

// ConnectorConfig is the private connector's configuration.
//
// BrokerToken is a pre-shared token matched against the broker's static
// token list; when set, the connector skips the approval workflow and the
// credentials file entirely. ConnectTimeoutSec bounds how long the client
// waits for the broker's answer to its AUTH frame.
type ConnectorConfig struct {
	BrokerURL         string          `yaml:"broker_url"`
	BrokerToken       string          `yaml:"broker_token"`
	Name              string          `yaml:"name"`
	CredentialsFile   string          `yaml:"credentials_file"`
	LLM               LLMConfig       `yaml:"llm"`
	Reconnect         ReconnectConfig `yaml:"reconnect"`
	ConnectTimeoutSec int             `yaml:"connect_timeout_sec"`
	KeepaliveSec      int             `yaml:"keepalive_sec"`
	DrainTimeoutSec   int             `yaml:"drain_timeout_sec"`
	HealthPort        int             `yaml:"health_port"`
}

// LLMConfig describes the local LLM server the connector fronts.
//
// ModelsOverride skips discovery entirely; ModelFilters are glob patterns
// applied to the discovered list (empty = advertise everything). HostHeader
// overrides the Host header on upstream requests, for servers behind a
// name-based virtual host. SSLVerify defaults to true; set it to false for
// a local https server with a self-signed certificate.
type LLMConfig struct {
	BaseURL           string   `yaml:"base_url"`
	APIKey            string   `yaml:"api_key"`
	HostHeader        string   `yaml:"host_header"`
	SSLVerify         *bool    `yaml:"ssl_verify"`
	ModelsOverride    []string `yaml:"models_override"`
	ModelFilters      []string `yaml:"model_filters"`
	RequestTimeoutSec int      `yaml:"request_timeout_sec"`
}

// VerifySSL reports whether upstream TLS certificates are verified.
// Unset means verify.
func (c LLMConfig) VerifySSL() bool {
	return c.SSLVerify == nil || *c.SSLVerify
}

// ReconnectConfig tunes the connector's reconnect backoff.
type ReconnectConfig struct {
	BaseDelaySec int `yaml:"base_delay_sec"`
	MaxDelaySec  int `yaml:"max_delay_sec"`
}

// LoadBroker reads and parses the broker config from the given path.
// An absent file returns defaults, not an error.
func LoadBroker(path string) (*BrokerConfig, error) {
	cfg := brokerDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadConnector reads and parses the connector config from the given path.
// An absent file returns defaults, not an error.
func LoadConnector(path string) (*ConnectorConfig, error) {
	cfg := connectorDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// WriteDefaultBroker writes a commented broker.yaml with default values.
func WriteDefaultBroker(path string) error {
	data, err := yaml.Marshal(brokerDefaults())
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# llmrelay broker configuration
#
# server:
#   host/port: public listener carrying /v1/*, /ws and the loopback admin API
#
# auth:
#   api_keys: user bearer keys; empty list disables user auth
#   connector_store_file: yaml store backing the approval workflow
#   tokens_file: optional static connector tokens, hot-reloaded on change
#
# relay:
#   request_timeout_sec: end-to-end budget for one relayed request
#   ping_interval_sec: broker-side liveness probe period
#   auth_timeout_sec: how long a fresh socket may take to send AUTH

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// WriteDefaultConnector writes a commented connector.yaml with default values.
func WriteDefaultConnector(path string) error {
	data, err := yaml.Marshal(connectorDefaults())
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# llmrelay connector configuration
#
# broker_url: ws:// or wss:// URL of the broker's /ws endpoint
# broker_token: pre-shared static token (skips the approval workflow)
# name: human-readable name shown to the broker admin
# credentials_file: where the issued token is persisted after approval
# connect_timeout_sec: how long to wait for the broker's auth reply
#
# llm:
#   base_url: local OpenAI-compatible server (Ollama, llama.cpp, vLLM, ...)
#   api_key: bearer key for the local server, if it wants one
#   host_header: override the Host header on upstream requests
#   ssl_verify: set false for a self-signed https upstream
#   models_override: skip discovery and advertise exactly this list
#   model_filters: glob patterns pruning the discovered list

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

func brokerDefaults() *BrokerConfig {
	return &BrokerConfig{
		Server: BrokerServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Auth: BrokerAuthConfig{
			APIKeys:            []string{},
			ConnectorStoreFile: "connectors.yaml",
			TokensFile:         "",
		},
		Relay: RelayConfig{
			RequestTimeoutSec: 300,
			PingIntervalSec:   30,
			AuthTimeoutSec:    10,
		},
		Admin: AdminConfig{
			Enabled:        true,
			RequestLogFile: "requests.db",
			RequestLogMax:  1000,
		},
	}
}

func connectorDefaults() *ConnectorConfig {
	return &ConnectorConfig{
		BrokerURL:       "ws://localhost:8080/ws",
		Name:            "",
		CredentialsFile: "credentials.yaml",
		LLM: LLMConfig{
			BaseURL:           "http://localhost:11434",
			RequestTimeoutSec: 300,
		},
		Reconnect: ReconnectConfig{
			BaseDelaySec: 1,
			MaxDelaySec:  300,
		},
		ConnectTimeoutSec: 10,
		KeepaliveSec:      60,
		DrainTimeoutSec:   30,
	}
}

// applyDefaults fills zero-valued fields that yaml may have cleared.
func (c *BrokerConfig) applyDefaults() {
	d := brokerDefaults()
	if c.Server.Host == "" {
		c.Server.Host = d.Server.Host
	}
	if c.Server.Port == 0 {
		c.Server.Port = d.Server.Port
	}
	if c.Auth.ConnectorStoreFile == "" {
		c.Auth.ConnectorStoreFile = d.Auth.ConnectorStoreFile
	}
	if c.Relay.RequestTimeoutSec == 0 {
		c.Relay.RequestTimeoutSec = d.Relay.RequestTimeoutSec
	}
	if c.Relay.PingIntervalSec == 0 {
		c.Relay.PingIntervalSec = d.Relay.PingIntervalSec
	}
	if c.Relay.AuthTimeoutSec == 0 {
		c.Relay.AuthTimeoutSec = d.Relay.AuthTimeoutSec
	}
	if c.Admin.RequestLogFile == "" {
		c.Admin.RequestLogFile = d.Admin.RequestLogFile
	}
	if c.Admin.RequestLogMax == 0 {
		c.Admin.RequestLogMax = d.Admin.RequestLogMax
	}
}

func (c *ConnectorConfig) applyDefaults() {
	d := connectorDefaults()
	if c.BrokerURL == "" {
		c.BrokerURL = d.BrokerURL
	}
	if c.CredentialsFile == "" {
		c.CredentialsFile = d.CredentialsFile
	}
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = d.LLM.BaseURL
	}
	if c.LLM.RequestTimeoutSec == 0 {
		c.LLM.RequestTimeoutSec = d.LLM.RequestTimeoutSec
	}
	if c.Reconnect.BaseDelaySec == 0 {
		c.Reconnect.BaseDelaySec = d.Reconnect.BaseDelaySec
	}
	if c.Reconnect.MaxDelaySec == 0 {
		c.Reconnect.MaxDelaySec = d.Reconnect.MaxDelaySec
	}
	if c.ConnectTimeoutSec == 0 {
		c.ConnectTimeoutSec = d.ConnectTimeoutSec
	}
	if c.KeepaliveSec == 0 {
		c.KeepaliveSec = d.KeepaliveSec
	}
	if c.DrainTimeoutSec == 0 {
		c.DrainTimeoutSec = d.DrainTimeoutSec
	}
}

func (c *BrokerConfig) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", c.Server.Port)
	}
	for _, k := range c.Auth.APIKeys {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("auth.api_keys contains an empty key")
		}
	}
	if c.Relay.RequestTimeoutSec < 1 {
		return fmt.Errorf("relay.request_timeout_sec must be positive")
	}
	if c.Relay.PingIntervalSec < 1 {
		return fmt.Errorf("relay.ping_interval_sec must be positive")
	}
	if c.Relay.AuthTimeoutSec < 1 {
		return fmt.Errorf("relay.auth_timeout_sec must be positive")
	}
	return nil
}

func (c *ConnectorConfig) validate() error {
	u, err := url.Parse(c.BrokerURL)
	if err != nil {
		return fmt.Errorf("broker_url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("broker_url scheme %q must be ws or wss", u.Scheme)
	}
	lu, err := url.Parse(c.LLM.BaseURL)
	if err != nil {
		return fmt.Errorf("llm.base_url: %w", err)
	}
	if lu.Scheme != "http" && lu.Scheme != "https" {
		return fmt.Errorf("llm.base_url scheme %q must be http or https", lu.Scheme)
	}
	if c.Reconnect.BaseDelaySec < 1 {
		return fmt.Errorf("reconnect.base_delay_sec must be positive")
	}
	if c.Reconnect.MaxDelaySec < c.Reconnect.BaseDelaySec {
		return fmt.Errorf("reconnect.max_delay_sec must be >= base_delay_sec")
	}
	if c.ConnectTimeoutSec < 1 {
		return fmt.Errorf("connect_timeout_sec must be positive")
	}
	return nil
}

// RequestTimeout is relay.request_timeout_sec as a duration.
func (c *BrokerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.Relay.RequestTimeoutSec) * time.Second
}

// PingInterval is relay.ping_interval_sec as a duration.
func (c *BrokerConfig) PingInterval() time.Duration {
	return time.Duration(c.Relay.PingIntervalSec) * time.Second
}

// AuthTimeout is relay.auth_timeout_sec as a duration.
func (c *BrokerConfig) AuthTimeout() time.Duration {
	return time.Duration(c.Relay.AuthTimeoutSec) * time.Second
}

// ConnectTimeout is connect_timeout_sec as a duration.
func (c *ConnectorConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSec) * time.Second
}

// Resolve turns a state-file path relative to the config directory into an
// absolute one. Absolute paths pass through unchanged.
func Resolve(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}
