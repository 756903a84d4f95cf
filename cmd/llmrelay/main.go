// Package main is the CLI entry point for llmrelay — a relay that exposes
// private, home-hosted LLM servers through a public OpenAI-compatible API
// without any inbound connectivity to the private network.
//
// Two programs live in this binary:
//
//	User --> Broker (public, :8080) <--websocket-- Connector (private) --> LLM server
//
// The connector dials OUT to the broker and keeps a persistent websocket
// relay channel open. User requests arrive at the broker's OpenAI-compatible
// edge, get matched to a connector by model name, and are relayed over the
// channel; responses (including SSE streams) flow back the same way.
//
// CLI commands (cobra):
//
//	llmrelay             - First-run setup (writes default config files)
//	llmrelay broker      - Run the public broker
//	llmrelay connector   - Run the private connector
//	llmrelay connectors  - Admin: list/approve/revoke/delete connectors
//	llmrelay requests    - Admin: show recent relayed requests
//	llmrelay keygen      - Generate a user API key
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/llmrelay/llmrelay/internal/broker"
	"github.com/llmrelay/llmrelay/internal/config"
	"github.com/llmrelay/llmrelay/internal/connector"
	"github.com/llmrelay/llmrelay/internal/reqlog"
	"github.com/llmrelay/llmrelay/internal/router"
	"github.com/llmrelay/llmrelay/internal/store"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-08-01"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

// configDir is the global flag for the llmrelay config/state directory.
var configDir string

func defaultConfigDir() string {
	if dir := os.Getenv("LLMRELAY_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".llmrelay"
	}
	return filepath.Join(home, ".llmrelay")
}

var rootCmd = &cobra.Command{
	Use:   "llmrelay",
	Short: "llmrelay — expose private LLM servers through a public API",
	Long: `llmrelay relays OpenAI-compatible API traffic from a public broker to
LLM servers running on private networks. The private side (connector)
dials out to the broker, so no ports are opened at home.

Run 'llmrelay broker' on a public host and 'llmrelay connector' next to
your LLM server. Run 'llmrelay' with no arguments for first-run setup.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFirstTimeSetup()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&configDir,
		"config-dir",
		defaultConfigDir(),
		"Path to llmrelay config and state directory",
	)

	rootCmd.AddCommand(brokerCmd)
	rootCmd.AddCommand(connectorCmd)
	rootCmd.AddCommand(connectorsCmd)
	rootCmd.AddCommand(requestsCmd)
	rootCmd.AddCommand(keygenCmd)
}

// ============================================================================
// llmrelay broker — Run the public broker
// ============================================================================

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Run the public broker",
	Long: `Run the public broker. One listener serves three surfaces:
  - /v1/chat/completions and /v1/models: the OpenAI-compatible user API
  - /ws: the relay endpoint connectors dial into
  - /admin/*: loopback-only management API (list/approve/revoke)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBroker()
	},
}

// runBroker wires the broker stack together:
//
//  1. Load broker.yaml
//  2. Open the connector store (approval state) and static token set
//  3. Build the model router and relay server
//  4. Mount the user API, relay endpoint, admin surface and health check
//  5. Watch the tokens file for hot reload
//  6. Listen and block until SIGINT/SIGTERM, then drain
func runBroker() error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	cfg, err := config.LoadBroker(filepath.Join(configDir, "broker.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	st, err := store.Open(config.Resolve(configDir, cfg.Auth.ConnectorStoreFile))
	if err != nil {
		return fmt.Errorf("failed to open connector store: %w", err)
	}

	tokensPath := config.Resolve(configDir, cfg.Auth.TokensFile)
	tokens, err := config.LoadTokens(tokensPath)
	if err != nil {
		return fmt.Errorf("failed to load static tokens: %w", err)
	}

	var requestLog *reqlog.Log
	if cfg.Admin.Enabled && cfg.Admin.RequestLogFile != "" {
		requestLog, err = reqlog.Open(config.Resolve(configDir, cfg.Admin.RequestLogFile), cfg.Admin.RequestLogMax)
		if err != nil {
			return fmt.Errorf("failed to open request log: %w", err)
		}
		defer requestLog.Close()
	}

	rt := router.New()
	srv := broker.NewServer(st, tokens, rt, cfg)
	api := broker.NewAPI(srv, rt, st, requestLog, cfg.Auth.APIKeys, cfg.RequestTimeout())

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.HandleWS)
	api.Register(mux)
	broker.RegisterHealth(mux, srv, rt)
	if cfg.Admin.Enabled {
		broker.NewAdmin(srv, st, requestLog).Register(mux)
	}

	// Hot reload: adding a static token to tokens.yaml takes effect
	// without restarting the broker.
	if tokensPath != "" {
		watcher, werr := config.WatchTokens(tokensPath, func() {
			if rerr := tokens.Reload(); rerr != nil {
				fmt.Fprintf(os.Stderr, "[llmrelay] Warning: failed to reload tokens: %v\n", rerr)
			}
		})
		if werr != nil {
			return fmt.Errorf("failed to start tokens watcher: %w", werr)
		}
		defer watcher.Close()
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout or ReadTimeout — SSE responses can run for
		// minutes; the relay's own request timeout bounds them.
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("[llmrelay] Broker listening on http://%s\n", addr)
		fmt.Printf("[llmrelay] Relay endpoint: ws://%s/ws\n", addr)
		if len(cfg.Auth.APIKeys) == 0 {
			fmt.Println("[llmrelay] Warning: no api_keys configured, user auth is DISABLED")
		}
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Println("\n[llmrelay] Shutting down...")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Drain in-flight HTTP exchanges, then drop the relay sockets.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "[llmrelay] Shutdown error: %v\n", err)
	}
	srv.Shutdown()

	fmt.Println("[llmrelay] Stopped")
	return nil
}

// ============================================================================
// llmrelay connector — Run the private connector
// ============================================================================

var connectorCmd = &cobra.Command{
	Use:   "connector",
	Short: "Run the private connector",
	Long: `Run the private connector next to your LLM server. The connector dials
out to the broker, advertises the models it can serve, and relays
requests to the local server.

On first connect (no credentials yet) the connector waits for broker
admin approval; the issued key is persisted and reused afterwards.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConnector()
	},
}

// runConnector wires the connector stack:
//
//  1. Load connector.yaml
//  2. Build the local LLM client and discover the models to advertise
//  3. Start the request handler and relay client (reconnects forever)
//  4. Optional loopback health endpoint
//  5. Block until SIGINT/SIGTERM, then drain in-flight requests
func runConnector() error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	cfg, err := config.LoadConnector(filepath.Join(configDir, "connector.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	connector.Version = version
	llm := connector.NewLLMClient(cfg.LLM)

	discoverCtx, cancelDiscover := context.WithTimeout(context.Background(), 15*time.Second)
	models := connector.ResolveModels(discoverCtx, cfg.LLM, llm)
	cancelDiscover()
	if len(models) == 0 {
		fmt.Println("[llmrelay] Warning: no models to advertise (discovery failed or filters too strict)")
	} else {
		fmt.Printf("[llmrelay] Advertising %d models: %v\n", len(models), models)
	}

	handler := connector.NewHandler(llm, time.Duration(cfg.LLM.RequestTimeoutSec)*time.Second)
	client := connector.NewClient(cfg, handler, models, config.Resolve(configDir, cfg.CredentialsFile))

	if health := connector.StartHealth(cfg.HealthPort, client, llm, models); health != nil {
		fmt.Printf("[llmrelay] Health endpoint on http://%s/health\n", health.Addr)
		defer health.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("[llmrelay] Connecting to broker at %s\n", cfg.BrokerURL)
	fmt.Println("[llmrelay] Press Ctrl+C to stop")
	client.Run(ctx)

	// The relay is down; give in-flight upstream calls a window to finish.
	drain := time.Duration(cfg.DrainTimeoutSec) * time.Second
	fmt.Printf("[llmrelay] Draining in-flight requests (up to %s)...\n", drain)
	if !handler.Wait(drain) {
		fmt.Println("[llmrelay] Warning: drain window expired with requests still in flight")
	}

	fmt.Println("[llmrelay] Stopped")
	return nil
}

// ============================================================================
// llmrelay connectors — Admin operations against a running broker
// ============================================================================

var connectorsCmd = &cobra.Command{
	Use:   "connectors",
	Short: "Manage connectors on the running broker",
	Long: `List, approve, revoke, and delete connectors. These commands call the
broker's loopback-only admin API, so they must run on the broker host.`,
}

func init() {
	connectorsCmd.AddCommand(connectorsListCmd)
	connectorsCmd.AddCommand(connectorsApproveCmd)
	connectorsCmd.AddCommand(connectorsRevokeCmd)
	connectorsCmd.AddCommand(connectorsDeleteCmd)
	connectorsRevokeCmd.Flags().StringVar(&revokeReason, "reason", "", "Reason for the revocation")
}

// adminBase resolves the local admin API base URL from broker.yaml.
func adminBase() (string, error) {
	cfg, err := config.LoadBroker(filepath.Join(configDir, "broker.yaml"))
	if err != nil {
		return "", fmt.Errorf("failed to load config: %w", err)
	}
	// The admin API is loopback-only regardless of the bind address.
	return fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port), nil
}

// adminDo performs one admin API call and decodes the JSON reply into out.
func adminDo(method, path string, body io.Reader, out any) error {
	base, err := adminBase()
	if err != nil {
		return err
	}
	req, err := http.NewRequest(method, base+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("broker is not reachable at %s (is it running?): %w", base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("admin API returned status %d", resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

var connectorsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all connectors with status",
	RunE: func(cmd *cobra.Command, args []string) error {
		var reply struct {
			Connectors []struct {
				ConnectorID   string     `json:"connector_id"`
				Name          string     `json:"name"`
				Models        []string   `json:"models"`
				Status        string     `json:"status"`
				Connected     bool       `json:"connected"`
				LastConnected *time.Time `json:"last_connected"`
			} `json:"connectors"`
		}
		if err := adminDo(http.MethodGet, "/admin/connectors", nil, &reply); err != nil {
			return err
		}

		if len(reply.Connectors) == 0 {
			fmt.Println("No connectors registered yet.")
			return nil
		}

		fmt.Printf("%-14s %-15s %-10s %-6s %s\n", "CONNECTOR", "NAME", "STATUS", "LIVE", "MODELS")
		fmt.Printf("%-14s %-15s %-10s %-6s %s\n", "---------", "----", "------", "----", "------")
		for _, c := range reply.Connectors {
			live := "no"
			if c.Connected {
				live = "yes"
			}
			fmt.Printf("%-14s %-15s %-10s %-6s %v\n", c.ConnectorID, c.Name, c.Status, live, c.Models)
		}
		return nil
	},
}

var connectorsApproveCmd = &cobra.Command{
	Use:   "approve <connector-id>",
	Short: "Approve a pending connector",
	Long: `Approve a pending connector. A fresh API key is minted and pushed to
the waiting connector, which persists it and reconnects authenticated.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var reply struct {
			ConnectorID string `json:"connector_id"`
			APIKey      string `json:"api_key"`
		}
		if err := adminDo(http.MethodPost, "/admin/connectors/"+args[0]+"/approve", nil, &reply); err != nil {
			return fmt.Errorf("approve failed: %w", err)
		}
		fmt.Printf("[llmrelay] Approved connector %s\n", reply.ConnectorID)
		fmt.Printf("[llmrelay] API key: %s\n", reply.APIKey)
		return nil
	},
}

var revokeReason string

var connectorsRevokeCmd = &cobra.Command{
	Use:   "revoke <connector-id>",
	Short: "Revoke a connector's access",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, _ := json.Marshal(map[string]string{"reason": revokeReason})
		if err := adminDo(http.MethodPost, "/admin/connectors/"+args[0]+"/revoke", bytes.NewReader(body), nil); err != nil {
			return fmt.Errorf("revoke failed: %w", err)
		}
		fmt.Printf("[llmrelay] Revoked connector %s\n", args[0])
		return nil
	},
}

var connectorsDeleteCmd = &cobra.Command{
	Use:   "delete <connector-id>",
	Short: "Delete a connector record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := adminDo(http.MethodDelete, "/admin/connectors/"+args[0], nil, nil); err != nil {
			return fmt.Errorf("delete failed: %w", err)
		}
		fmt.Printf("[llmrelay] Deleted connector %s\n", args[0])
		return nil
	},
}

// ============================================================================
// llmrelay requests — Show recent relayed requests
// ============================================================================

var requestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "Show recent relayed requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		var reply struct {
			Requests []reqlog.Entry `json:"requests"`
		}
		if err := adminDo(http.MethodGet, "/admin/requests", nil, &reply); err != nil {
			return err
		}

		if len(reply.Requests) == 0 {
			fmt.Println("No requests logged yet.")
			return nil
		}

		fmt.Printf("%-22s %-20s %-14s %-6s %-8s %s\n", "TIME", "MODEL", "CONNECTOR", "STATUS", "STREAM", "LATENCY")
		for _, e := range reply.Requests {
			stream := ""
			if e.Streamed {
				stream = "sse"
			}
			fmt.Printf("%-22s %-20s %-14s %-6d %-8s %dms\n",
				e.Timestamp.Format("2006-01-02 15:04:05"), e.Model, e.ConnectorID, e.Status, stream, e.LatencyMs)
		}
		return nil
	},
}

// ============================================================================
// llmrelay keygen — Generate a user API key
// ============================================================================

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a user API key",
	Long: `Generate a fresh user API key. Add it to auth.api_keys in broker.yaml
and hand it to the user; they pass it as a bearer token.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(store.NewUserKey())
		return nil
	},
}

// ============================================================================
// First-run setup
// ============================================================================

// runFirstTimeSetup writes default broker.yaml and connector.yaml so the
// operator has commented templates to edit.
func runFirstTimeSetup() error {
	fmt.Println("=== llmrelay — First-Time Setup ===")
	fmt.Println()

	brokerPath := filepath.Join(configDir, "broker.yaml")
	connectorPath := filepath.Join(configDir, "connector.yaml")

	if _, err := os.Stat(brokerPath); err == nil {
		fmt.Printf("Config already exists at %s\n", brokerPath)
		fmt.Println("Use 'llmrelay broker' or 'llmrelay connector' to run.")
		return nil
	}

	fmt.Printf("Creating config directory: %s\n", configDir)
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	fmt.Println("Writing default broker.yaml...")
	if err := config.WriteDefaultBroker(brokerPath); err != nil {
		return fmt.Errorf("failed to write broker config: %w", err)
	}
	fmt.Println("Writing default connector.yaml...")
	if err := config.WriteDefaultConnector(connectorPath); err != nil {
		return fmt.Errorf("failed to write connector config: %w", err)
	}

	userKey := store.NewUserKey()
	fmt.Println()
	fmt.Println("Setup complete! Next steps:")
	fmt.Println()
	fmt.Println("  1. On the public host, add a user key to broker.yaml and start:")
	fmt.Printf("     api_keys: [%s]\n", userKey)
	fmt.Println("     llmrelay broker")
	fmt.Println()
	fmt.Println("  2. Next to your LLM server, point connector.yaml at the broker:")
	fmt.Println("     broker_url: ws://your-broker-host:8080/ws")
	fmt.Println("     llmrelay connector")
	fmt.Println()
	fmt.Println("  3. Approve the connector on the broker host:")
	fmt.Println("     llmrelay connectors list")
	fmt.Println("     llmrelay connectors approve conn-xxxxxxxx")
	fmt.Println()
	fmt.Printf("  4. Call the API:  curl -H 'Authorization: Bearer %s' \\\n", userKey)
	fmt.Println("       http://your-broker-host:8080/v1/models")
	fmt.Println()
	return nil
}

