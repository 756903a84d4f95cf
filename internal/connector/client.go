package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"gopkg.in/yaml.v3"

	"github.com/llmrelay/llmrelay/internal/config"
	"github.com/llmrelay/llmrelay/internal/protocol"
)

// Version is stamped at build time and advertised in the AUTH frame.
var Version = "dev"

// State is the relay client's connection state, exposed for the health
// endpoint and logs.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateConnected      State = "connected"
	StatePending        State = "pending_approval"
)

// credentials is the yaml shape of the credentials file.
type credentials struct {
	BrokerToken string `yaml:"broker_token"`
}

// Client maintains the relay connection to the broker: dial, authenticate,
// serve requests, reconnect forever. One Client runs one connection at a
// time.
type Client struct {
	cfg     *config.ConnectorConfig
	handler *Handler
	models  []string
	creds   string // credentials file path
	static  bool   // token comes from config, not the approval flow

	mu    sync.Mutex
	state State
	token string
}

// NewClient builds a relay client advertising the given models. A
// broker_token in the config takes precedence over the credentials file
// and is never persisted or cleared.
func NewClient(cfg *config.ConnectorConfig, handler *Handler, models []string, credsPath string) *Client {
	c := &Client{
		cfg:     cfg,
		handler: handler,
		models:  models,
		creds:   credsPath,
		static:  cfg.BrokerToken != "",
		state:   StateDisconnected,
	}
	if c.static {
		c.token = cfg.BrokerToken
	} else {
		c.token = c.loadToken()
	}
	return c
}

// State reports the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	old := c.state
	c.state = s
	c.mu.Unlock()
	if old != s {
		slog.Info("relay state changed", "from", old, "to", s)
	}
}

// loadToken reads the persisted broker token. Absent or unreadable file
// means no token, which starts the approval flow.
func (c *Client) loadToken() string {
	data, err := os.ReadFile(c.creds)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("reading credentials file failed", "path", c.creds, "error", err)
		}
		return ""
	}
	var creds credentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		slog.Warn("credentials file is corrupt, ignoring", "path", c.creds, "error", err)
		return ""
	}
	return creds.BrokerToken
}

// saveToken persists a freshly issued broker token.
func (c *Client) saveToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()

	data, err := yaml.Marshal(credentials{BrokerToken: token})
	if err != nil {
		slog.Error("marshaling credentials failed", "error", err)
		return
	}
	if err := os.WriteFile(c.creds, data, 0o600); err != nil {
		slog.Error("writing credentials file failed", "path", c.creds, "error", err)
		return
	}
	slog.Info("credentials saved", "path", c.creds)
}

// clearToken forgets the broker token, locally and on disk. A static
// config-supplied token is kept; replacing it is the operator's call.
func (c *Client) clearToken() {
	if c.static {
		slog.Warn("configured broker_token was rejected, keeping it; update connector.yaml")
		return
	}
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()

	if err := os.Remove(c.creds); err != nil && !os.IsNotExist(err) {
		slog.Warn("removing credentials file failed", "path", c.creds, "error", err)
	}
}

// backoffDelay computes the reconnect delay for the given attempt (1-based):
// exponential growth capped at the configured maximum, plus up to 25%
// jitter so a fleet of connectors doesn't reconnect in lockstep.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	exp := attempt - 1
	if exp > 10 {
		exp = 10
	}
	delay := base * time.Duration(1<<exp)
	if delay > max {
		delay = max
	}
	return delay + time.Duration(rand.Int63n(int64(delay)/4+1))
}

// Run dials the broker and keeps the relay alive until ctx is canceled.
// Every exit from a live connection loops back into a reconnect with
// backoff; approval resets the backoff so the freshly approved connector
// comes back immediately.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}
		attempt++

		reset, err := c.connectOnce(ctx)
		if err != nil && ctx.Err() == nil {
			slog.Warn("relay connection ended", "attempt", attempt, "error", err)
		}
		if reset {
			attempt = 0
			continue
		}
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}

		delay := backoffDelay(attempt, time.Duration(c.cfg.Reconnect.BaseDelaySec)*time.Second,
			time.Duration(c.cfg.Reconnect.MaxDelaySec)*time.Second)
		slog.Info("reconnecting", "attempt", attempt, "delay", delay)
		c.setState(StateDisconnected)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// connectOnce runs one full connection lifecycle. The returned bool asks
// the caller to reset the backoff (successful session or approval).
func (c *Client) connectOnce(ctx context.Context) (bool, error) {
	c.setState(StateConnecting)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.BrokerURL, nil)
	if err != nil {
		return false, fmt.Errorf("dialing broker: %w", err)
	}
	sock := protocol.NewSocket(conn)
	defer sock.Close()

	c.setState(StateAuthenticating)
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	authID := protocol.NewID("auth")
	if err := sock.Send(protocol.New(protocol.TypeAuth, authID, protocol.AuthPayload{
		Token:            token,
		Name:             c.cfg.Name,
		Models:           c.models,
		ConnectorVersion: Version,
	})); err != nil {
		return false, fmt.Errorf("sending auth: %w", err)
	}

	sock.SetReadDeadline(time.Now().Add(c.cfg.ConnectTimeout()))
	reply, err := sock.Receive()
	if err != nil {
		return false, fmt.Errorf("waiting for auth reply: %w", err)
	}
	sock.SetReadDeadline(time.Time{})

	switch reply.Type {
	case protocol.TypeAuthOK:
		var ok protocol.AuthOKPayload
		reply.Decode(&ok)
		slog.Info("authenticated with broker", "session_id", ok.SessionID, "models", c.models)
		c.setState(StateConnected)
		return c.serve(ctx, sock)

	case protocol.TypePending:
		var pending protocol.PendingPayload
		reply.Decode(&pending)
		slog.Info("awaiting broker approval", "connector_id", pending.ConnectorID, "message", pending.Message)
		c.setState(StatePending)
		return c.waitApproval(ctx, sock)

	case protocol.TypeAuthFail:
		var fail protocol.AuthFailPayload
		reply.Decode(&fail)
		slog.Error("broker rejected authentication", "error", fail.Error)
		if token != "" && !c.static {
			// The broker only rejects a token it revoked. Drop the dead
			// key so the next attempt enters the approval flow.
			c.clearToken()
			return true, nil
		}
		return false, errors.New("authentication rejected")

	default:
		return false, fmt.Errorf("unexpected auth reply %s", reply.Type)
	}
}

// serve runs an authenticated session: answer pings, dispatch requests,
// react to revocation. Returns when the socket dies or ctx ends.
func (c *Client) serve(ctx context.Context, sock *protocol.Socket) (bool, error) {
	stop := c.startKeepalive(ctx, sock)
	defer stop()

	for {
		env, err := sock.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return false, nil
			}
			// A clean session still resets backoff so a broker restart
			// doesn't put a healthy connector into long delays.
			return true, fmt.Errorf("relay socket closed: %w", err)
		}

		switch env.Type {
		case protocol.TypeRequest:
			c.handler.Handle(env, sock)
		case protocol.TypeCancel:
			c.handler.Cancel(env.ID)
		case protocol.TypePing:
			sock.Send(protocol.New(protocol.TypePong, env.ID, nil))
		case protocol.TypePong:
		case protocol.TypeRevoked:
			var rev protocol.RevokedPayload
			env.Decode(&rev)
			slog.Warn("broker revoked this connector", "reason", rev.Reason)
			c.clearToken()
			return true, nil
		default:
			slog.Warn("dropping unexpected frame", "type", env.Type, "id", env.ID)
		}
	}
}

// waitApproval holds the pending socket open, keepalive running, until the
// broker pushes APPROVED or REVOKED or the socket dies.
func (c *Client) waitApproval(ctx context.Context, sock *protocol.Socket) (bool, error) {
	stop := c.startKeepalive(ctx, sock)
	defer stop()

	for {
		env, err := sock.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return false, nil
			}
			return false, fmt.Errorf("pending socket closed: %w", err)
		}

		switch env.Type {
		case protocol.TypeApproved:
			var approved protocol.ApprovedPayload
			if err := env.Decode(&approved); err != nil {
				return false, fmt.Errorf("malformed approval: %w", err)
			}
			slog.Info("approved by broker admin")
			c.saveToken(approved.APIKey)
			// Reconnect immediately with the fresh token.
			return true, nil

		case protocol.TypeRevoked:
			slog.Warn("approval denied by broker admin")
			return false, errors.New("approval denied")

		case protocol.TypePing:
			sock.Send(protocol.New(protocol.TypePong, env.ID, nil))
		case protocol.TypePong:
		default:
			slog.Warn("dropping unexpected frame while pending", "type", env.Type)
		}
	}
}

// startKeepalive pings the broker on the configured interval until the
// returned stop function is called or ctx ends.
func (c *Client) startKeepalive(ctx context.Context, sock *protocol.Socket) func() {
	done := make(chan struct{})
	interval := time.Duration(c.cfg.KeepaliveSec) * time.Second

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := sock.Send(protocol.New(protocol.TypePing, protocol.NewID("ping"), nil)); err != nil {
					sock.Close()
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				sock.Close()
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}
