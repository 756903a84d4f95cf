// Package broker implements the public side of the relay: the websocket
// endpoint connectors dial into, the OpenAI-compatible HTTP edge users call,
// and the loopback admin surface.
package broker

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/llmrelay/llmrelay/internal/config"
	"github.com/llmrelay/llmrelay/internal/protocol"
	"github.com/llmrelay/llmrelay/internal/router"
	"github.com/llmrelay/llmrelay/internal/store"
)

// Sentinel errors for the relay path. The HTTP edge maps these onto the
// user-facing error envelope.
var (
	ErrNoConnector  = errors.New("connector not connected")
	ErrTimeout      = errors.New("request timed out")
	ErrDisconnected = errors.New("connector disconnected")
)

// UpstreamError is a terminal ERROR frame from a connector, carrying the
// status, message and code the edge surfaces to the user.
type UpstreamError struct {
	Status  int
	Message string
	Code    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error %d (%s): %s", e.Status, e.Code, e.Message)
}

// streamQueueSize bounds the per-request chunk queue. A full queue applies
// backpressure to the socket reader, which in turn slows the connector.
const streamQueueSize = 64

// session is one authenticated connector socket.
type session struct {
	connectorID string
	name        string
	sock        *protocol.Socket
	models      []string
	upstreamKey string
	connectedAt time.Time
	done        chan struct{}
}

// exchange tracks one in-flight relayed request. Exactly one of future or
// chunks is non-nil. future holds the single terminal frame (RESPONSE or
// ERROR); chunks carries STREAM_CHUNK frames and the terminal frame
// (STREAM_END or ERROR), then closes. A bare close with no terminal frame
// means the connector disconnected mid-exchange.
type exchange struct {
	connectorID string
	future      chan protocol.Envelope
	chunks      chan protocol.Envelope

	// done closes when the consumer abandons the exchange (timeout, user
	// disconnect) or the session dies, releasing any frame delivery blocked
	// on a full queue with nobody left to drain it.
	abandonOnce sync.Once
	done        chan struct{}
}

// abandon signals that no consumer will drain this exchange. Idempotent.
func (ex *exchange) abandon() {
	ex.abandonOnce.Do(func() { close(ex.done) })
}

// Server owns the relay channel: connector admission, live registrations,
// in-flight correlation tracking, and approval/revocation notifications.
type Server struct {
	store  *store.Store
	tokens *config.Tokens
	router *router.Router

	authTimeout  time.Duration
	pingInterval time.Duration

	upgrader websocket.Upgrader

	mu         sync.Mutex
	registered map[string]*session  // connector_id -> live authenticated socket
	pendingAdm map[string]*session  // connector_id -> socket awaiting approval
	inflight   map[string]*exchange // correlation id -> pending exchange
}

// NewServer builds the relay server. tokens may be empty (static admission
// disabled); the store is always present.
func NewServer(st *store.Store, tokens *config.Tokens, rt *router.Router, cfg *config.BrokerConfig) *Server {
	return &Server{
		store:        st,
		tokens:       tokens,
		router:       rt,
		authTimeout:  cfg.AuthTimeout(),
		pingInterval: cfg.PingInterval(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Connectors are programs, not browsers; origin is meaningless.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		registered: make(map[string]*session),
		pendingAdm: make(map[string]*session),
		inflight:   make(map[string]*exchange),
	}
}

// HandleWS upgrades the connection and runs the connector admission flow.
// Mounted at /ws on the broker listener.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	sock := protocol.NewSocket(conn)

	// The first frame must be AUTH, within the auth window. A malformed
	// frame here is fatal; after admission malformed frames are dropped.
	sock.SetReadDeadline(time.Now().Add(s.authTimeout))
	env, err := sock.Receive()
	if err != nil {
		slog.Warn("connector failed to authenticate in time", "remote", r.RemoteAddr, "error", err)
		sock.Close()
		return
	}
	sock.SetReadDeadline(time.Time{})

	if env.Type != protocol.TypeAuth {
		s.rejectAuth(sock, env.ID, "expected AUTH frame")
		return
	}
	var auth protocol.AuthPayload
	if err := env.Decode(&auth); err != nil {
		s.rejectAuth(sock, env.ID, "malformed AUTH payload")
		return
	}

	if auth.Token == "" {
		s.admitPending(sock, env.ID, auth, r.RemoteAddr)
		return
	}

	sess, ok := s.resolveToken(sock, auth)
	if !ok {
		// Only a key the broker itself revoked is rejected outright. An
		// unknown token (stale key after a record deletion, or a connector
		// that never registered) re-enters the approval flow instead of
		// failing forever.
		if s.store.KeyRevoked(auth.Token) {
			s.rejectAuth(sock, env.ID, "token revoked")
			return
		}
		s.admitPending(sock, env.ID, auth, r.RemoteAddr)
		return
	}

	if err := sock.Send(protocol.New(protocol.TypeAuthOK, env.ID, protocol.AuthOKPayload{
		SessionID: protocol.NewID("sess"),
	})); err != nil {
		sock.Close()
		return
	}
	s.register(sess)
	s.readLoop(sess)
}

// rejectAuth sends AUTH_FAIL and closes the socket.
func (s *Server) rejectAuth(sock *protocol.Socket, id, reason string) {
	sock.Send(protocol.New(protocol.TypeAuthFail, id, protocol.AuthFailPayload{Error: reason}))
	sock.Close()
	slog.Warn("connector rejected", "reason", reason)
}

// resolveToken validates the presented token against the static set first,
// then the connector store.
func (s *Server) resolveToken(sock *protocol.Socket, auth protocol.AuthPayload) (*session, bool) {
	if entry, ok := s.tokens.Lookup(auth.Token); ok {
		// Static tokens get a deterministic id so reconnects replace the
		// same registration.
		sum := sha256.Sum256([]byte(auth.Token))
		return &session{
			connectorID: fmt.Sprintf("conn-%x", sum[:4]),
			name:        auth.Name,
			sock:        sock,
			models:      auth.Models,
			upstreamKey: entry.UpstreamAPIKey,
			connectedAt: time.Now().UTC(),
			done:        make(chan struct{}),
		}, true
	}

	rec, ok := s.store.Validate(auth.Token)
	if !ok {
		return nil, false
	}
	s.store.TouchConnected(rec.ConnectorID)
	if len(auth.Models) > 0 {
		s.store.UpdateModels(rec.ConnectorID, auth.Models)
	}
	return &session{
		connectorID: rec.ConnectorID,
		name:        rec.Name,
		sock:        sock,
		models:      auth.Models,
		connectedAt: time.Now().UTC(),
		done:        make(chan struct{}),
	}, true
}

// admitPending handles a tokenless connector: create (or reuse) a pending
// store record, tell the connector its id, and hold the socket open so an
// approval can be pushed to it. The socket only speaks PING/PONG until then.
func (s *Server) admitPending(sock *protocol.Socket, authID string, auth protocol.AuthPayload, remote string) {
	rec := s.store.CreatePending(auth.Models, auth.Name)
	sess := &session{
		connectorID: rec.ConnectorID,
		name:        auth.Name,
		sock:        sock,
		models:      auth.Models,
		connectedAt: time.Now().UTC(),
		done:        make(chan struct{}),
	}

	if err := sock.Send(protocol.New(protocol.TypePending, authID, protocol.PendingPayload{
		ConnectorID: rec.ConnectorID,
		Message:     "awaiting admin approval",
	})); err != nil {
		sock.Close()
		return
	}

	s.mu.Lock()
	s.pendingAdm[rec.ConnectorID] = sess
	s.mu.Unlock()

	slog.Info("connector awaiting approval", "connector_id", rec.ConnectorID, "name", auth.Name, "remote", remote)

	// Keepalive-only loop. Ends when the connector hangs up or an approval
	// closes the socket from NotifyApproval.
	for {
		env, err := sock.Receive()
		if err != nil {
			break
		}
		switch env.Type {
		case protocol.TypePing:
			sock.Send(protocol.New(protocol.TypePong, env.ID, nil))
		case protocol.TypePong:
		default:
			slog.Warn("unexpected frame from pending connector", "connector_id", rec.ConnectorID, "type", env.Type)
		}
	}

	s.mu.Lock()
	if s.pendingAdm[rec.ConnectorID] == sess {
		delete(s.pendingAdm, rec.ConnectorID)
	}
	s.mu.Unlock()
	sock.Close()
}

// register installs an authenticated session, displacing any previous
// socket for the same connector id, and publishes its models.
func (s *Server) register(sess *session) {
	s.mu.Lock()
	old := s.registered[sess.connectorID]
	s.registered[sess.connectorID] = sess
	s.mu.Unlock()

	if old != nil {
		slog.Warn("connector re-registered, closing previous socket", "connector_id", sess.connectorID)
		old.sock.Close()
	}

	s.router.Add(sess.connectorID, sess.models, sess.upstreamKey)
	go s.pingLoop(sess)

	slog.Info("connector registered", "connector_id", sess.connectorID, "name", sess.name, "models", sess.models)
}

// unregister tears a session down: route removal, in-flight drain, socket
// close. Identity-checked so a displaced socket's cleanup doesn't tear down
// its replacement.
func (s *Server) unregister(sess *session) {
	s.mu.Lock()
	if s.registered[sess.connectorID] != sess {
		s.mu.Unlock()
		close(sess.done)
		sess.sock.Close()
		return
	}
	delete(s.registered, sess.connectorID)

	var orphaned []*exchange
	for id, ex := range s.inflight {
		if ex.connectorID == sess.connectorID {
			orphaned = append(orphaned, ex)
			delete(s.inflight, id)
			ex.abandon()
		}
	}
	s.mu.Unlock()

	close(sess.done)
	sess.sock.Close()
	s.router.Remove(sess.connectorID)

	// Fail every request that was waiting on this socket. A closed future
	// with no value reads as ErrDisconnected; a closed chunk queue ends
	// the stream.
	for _, ex := range orphaned {
		if ex.future != nil {
			close(ex.future)
		} else {
			close(ex.chunks)
		}
	}

	slog.Info("connector disconnected", "connector_id", sess.connectorID, "orphaned_requests", len(orphaned))
}

// readLoop dispatches frames from an authenticated connector until the
// socket dies. Malformed frames are logged and dropped.
func (s *Server) readLoop(sess *session) {
	defer s.unregister(sess)

	for {
		env, err := sess.sock.Receive()
		if err != nil {
			return
		}
		switch env.Type {
		case protocol.TypeResponse, protocol.TypeError:
			s.settle(sess, env)
		case protocol.TypeStreamChunk:
			s.pushChunk(sess, env)
		case protocol.TypeStreamEnd:
			s.endStream(sess, env)
		case protocol.TypePing:
			sess.sock.Send(protocol.New(protocol.TypePong, env.ID, nil))
		case protocol.TypePong:
		default:
			slog.Warn("dropping unexpected frame", "connector_id", sess.connectorID, "type", env.Type, "id", env.ID)
		}
	}
}

// take removes an exchange from the in-flight map.
func (s *Server) take(id string) (*exchange, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.inflight[id]
	if ok {
		delete(s.inflight, id)
	}
	return ex, ok
}

// settle delivers a terminal frame (RESPONSE or ERROR) to its exchange.
func (s *Server) settle(sess *session, env protocol.Envelope) {
	ex, ok := s.take(env.ID)
	if !ok {
		// Late frame for a request that already timed out or was canceled.
		slog.Debug("dropping frame for unknown request", "type", env.Type, "id", env.ID)
		return
	}

	if ex.future != nil {
		// Buffered, never blocks; an abandoned future is simply collected.
		ex.future <- env
		return
	}
	// ERROR terminating a stream goes through the queue like any frame, so
	// a consumer that left with the queue full cannot wedge the reader.
	s.deliverTerminal(sess, ex, env)
}

// deliverTerminal pushes a stream's terminal frame (STREAM_END or ERROR)
// into the chunk queue and closes it. Abandonment and session death unblock
// a full queue.
func (s *Server) deliverTerminal(sess *session, ex *exchange, env protocol.Envelope) {
	select {
	case ex.chunks <- env:
	case <-ex.done:
	case <-sess.done:
	}
	close(ex.chunks)
}

// pushChunk delivers one STREAM_CHUNK. Blocks when the queue is full,
// applying backpressure through the socket reader; a dying session unblocks
// via sess.done.
func (s *Server) pushChunk(sess *session, env protocol.Envelope) {
	s.mu.Lock()
	ex, ok := s.inflight[env.ID]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ex.chunks <- env:
	case <-ex.done:
	case <-sess.done:
	}
}

// endStream delivers the STREAM_END terminator and closes the chunk queue.
// The terminator rides the queue so the consumer can tell a clean end (a
// stream may legally carry zero chunks) from a connector disconnect, which
// closes the queue bare.
func (s *Server) endStream(sess *session, env protocol.Envelope) {
	if ex, ok := s.take(env.ID); ok && ex.chunks != nil {
		s.deliverTerminal(sess, ex, env)
	}
}

// pingLoop probes the connector until the session dies. A failed send
// closes the socket, which ends the read loop and triggers cleanup.
func (s *Server) pingLoop(sess *session) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := sess.sock.Send(protocol.New(protocol.TypePing, protocol.NewID("ping"), nil)); err != nil {
				sess.sock.Close()
				return
			}
		case <-sess.done:
			return
		}
	}
}

// dispatch registers an exchange and sends the REQUEST frame.
func (s *Server) dispatch(connectorID string, env protocol.Envelope, ex *exchange) error {
	s.mu.Lock()
	sess, ok := s.registered[connectorID]
	if !ok {
		s.mu.Unlock()
		return ErrNoConnector
	}
	s.inflight[env.ID] = ex
	s.mu.Unlock()

	if err := sess.sock.Send(env); err != nil {
		s.forget(env.ID)
		return ErrDisconnected
	}
	return nil
}

// forget abandons the in-flight record for a correlation id, if still
// present.
func (s *Server) forget(id string) {
	if ex, ok := s.take(id); ok {
		ex.abandon()
	}
}

// sendCancel sends an advisory CANCEL so the connector can abort the
// upstream call.
func (s *Server) sendCancel(connectorID, id string) {
	s.mu.Lock()
	sess, ok := s.registered[connectorID]
	s.mu.Unlock()
	if ok {
		sess.sock.Send(protocol.New(protocol.TypeCancel, id, nil))
	}
}

// cancel abandons the in-flight record and notifies the connector.
func (s *Server) cancel(connectorID, id string) {
	s.forget(id)
	s.sendCancel(connectorID, id)
}

// SendRequest relays one non-streaming request under the given correlation
// id and waits for its terminal frame. timeout bounds the whole exchange;
// ctx covers user disconnect.
func (s *Server) SendRequest(ctx context.Context, connectorID, id string, req protocol.RequestPayload, timeout time.Duration) (protocol.ResponsePayload, error) {
	ex := &exchange{connectorID: connectorID, future: make(chan protocol.Envelope, 1), done: make(chan struct{})}

	if err := s.dispatch(connectorID, protocol.New(protocol.TypeRequest, id, req), ex); err != nil {
		return protocol.ResponsePayload{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env, ok := <-ex.future:
		if !ok {
			return protocol.ResponsePayload{}, ErrDisconnected
		}
		if env.Type == protocol.TypeError {
			var p protocol.ErrorPayload
			if err := env.Decode(&p); err != nil {
				return protocol.ResponsePayload{}, fmt.Errorf("decoding error frame: %w", err)
			}
			return protocol.ResponsePayload{}, &UpstreamError{Status: p.Status, Message: p.Error, Code: p.Code}
		}
		var p protocol.ResponsePayload
		if err := env.Decode(&p); err != nil {
			return protocol.ResponsePayload{}, fmt.Errorf("decoding response frame: %w", err)
		}
		return p, nil

	case <-timer.C:
		s.cancel(connectorID, id)
		return protocol.ResponsePayload{}, ErrTimeout

	case <-ctx.Done():
		s.cancel(connectorID, id)
		return protocol.ResponsePayload{}, ctx.Err()
	}
}

// Stream is a live streaming exchange. Frames arrive on C, ending with a
// terminal frame (STREAM_END or ERROR) before the channel closes; a bare
// close with no terminal frame is a connector disconnect. The consumer must
// call Cancel when abandoning the stream early.
type Stream struct {
	ID     string
	C      <-chan protocol.Envelope
	server *Server
	connID string
	ex     *exchange
}

// Cancel abandons the exchange and notifies the connector. The exchange is
// marked abandoned directly, not through the in-flight map, so a terminal
// frame that raced ahead of the cancel can never block the session reader.
func (st *Stream) Cancel() {
	st.server.take(st.ID)
	st.ex.abandon()
	st.server.sendCancel(st.connID, st.ID)
}

// SendRequestStream relays one streaming request under the given
// correlation id. Chunks and the terminal frame arrive on the returned
// stream's channel.
func (s *Server) SendRequestStream(connectorID, id string, req protocol.RequestPayload) (*Stream, error) {
	ex := &exchange{connectorID: connectorID, chunks: make(chan protocol.Envelope, streamQueueSize), done: make(chan struct{})}

	if err := s.dispatch(connectorID, protocol.New(protocol.TypeRequest, id, req), ex); err != nil {
		return nil, err
	}
	return &Stream{ID: id, C: ex.chunks, server: s, connID: connectorID, ex: ex}, nil
}

// NotifyApproval pushes an APPROVED frame with the fresh api key to a
// connector waiting on a pending socket, then closes that socket so the
// connector reconnects with the key. If the connector already hung up the
// approval still stands in the store, but the key cannot be delivered and
// the connector will re-enter the pending flow on its next connect.
func (s *Server) NotifyApproval(connectorID, apiKey string) {
	s.mu.Lock()
	sess, ok := s.pendingAdm[connectorID]
	if ok {
		delete(s.pendingAdm, connectorID)
	}
	s.mu.Unlock()
	if !ok {
		slog.Warn("approval with no waiting connector", "connector_id", connectorID)
		return
	}
	sess.sock.Send(protocol.New(protocol.TypeApproved, protocol.NewID("appr"), protocol.ApprovedPayload{APIKey: apiKey}))
	sess.sock.Close()
	slog.Info("approval delivered", "connector_id", connectorID)
}

// NotifyRevoke pushes a REVOKED frame to a live connector and closes its
// socket. A connector still waiting on a pending admission is told and
// disconnected the same way, so a denied approval doesn't leave its socket
// parked. The key no longer validates, so reconnects are rejected.
func (s *Server) NotifyRevoke(connectorID, reason string) {
	s.mu.Lock()
	sess, ok := s.registered[connectorID]
	if !ok {
		if sess, ok = s.pendingAdm[connectorID]; ok {
			delete(s.pendingAdm, connectorID)
		}
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	sess.sock.Send(protocol.New(protocol.TypeRevoked, protocol.NewID("revoke"), protocol.RevokedPayload{Reason: reason}))
	sess.sock.Close()
	slog.Info("revocation delivered", "connector_id", connectorID, "reason", reason)
}

// LiveConnector describes one currently-registered connector for the admin
// surface and health endpoint.
type LiveConnector struct {
	ConnectorID string    `json:"connector_id"`
	Name        string    `json:"name,omitempty"`
	Models      []string  `json:"models"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Live lists currently-registered connectors.
func (s *Server) Live() []LiveConnector {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]LiveConnector, 0, len(s.registered))
	for _, sess := range s.registered {
		out = append(out, LiveConnector{
			ConnectorID: sess.connectorID,
			Name:        sess.name,
			Models:      append([]string(nil), sess.models...),
			ConnectedAt: sess.connectedAt,
		})
	}
	return out
}

// IsLive reports whether a connector id has a registered socket.
func (s *Server) IsLive(connectorID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.registered[connectorID]
	return ok
}

// Shutdown closes every connector socket. In-flight requests fail with
// ErrDisconnected via the normal cleanup path.
func (s *Server) Shutdown() {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.registered)+len(s.pendingAdm))
	for _, sess := range s.registered {
		sessions = append(sessions, sess)
	}
	for _, sess := range s.pendingAdm {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.sock.Close()
	}
}
