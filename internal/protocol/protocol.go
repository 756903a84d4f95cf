// Package protocol defines the relay wire protocol spoken between the
// broker and its connectors.
//
// Every frame on the relay channel is a single JSON document:
//
//	{"type": "REQUEST", "id": "req-a1b2c3", "payload": {...}}
//
// The type field discriminates a fixed vocabulary of messages; the id field
// is a correlation id tying frames of one exchange together. A non-streaming
// exchange is one REQUEST answered by one RESPONSE (or ERROR). A streaming
// exchange is one REQUEST answered by zero or more STREAM_CHUNK frames and
// exactly one terminator (STREAM_END or ERROR).
//
// HTTP bodies are carried as base64 of the raw bytes. Streaming chunks carry
// the upstream's SSE text as-is.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Type identifies a relay message.
type Type string

// Message types. Direction is noted as C→B (connector to broker),
// B→C, or both.
const (
	TypeAuth        Type = "AUTH"         // C→B: first frame after connect
	TypeAuthOK      Type = "AUTH_OK"      // B→C: admitted
	TypeAuthFail    Type = "AUTH_FAIL"    // B→C: rejected, broker closes
	TypePending     Type = "PENDING"      // B→C: awaiting admin approval
	TypeApproved    Type = "APPROVED"     // B→C: approved, api key enclosed
	TypeRevoked     Type = "REVOKED"      // B→C: key revoked, broker closes
	TypeRequest     Type = "REQUEST"      // B→C: relayed user request
	TypeResponse    Type = "RESPONSE"     // C→B: complete response
	TypeStreamChunk Type = "STREAM_CHUNK" // C→B: incremental SSE text
	TypeStreamEnd   Type = "STREAM_END"   // C→B: normal stream terminator
	TypeError       Type = "ERROR"        // both: terminal error for an exchange
	TypePing        Type = "PING"         // both: liveness probe
	TypePong        Type = "PONG"         // both: liveness reply
	TypeCancel      Type = "CANCEL"       // B→C: cancellation hint (advisory)
)

// Envelope is the outer frame of every relay message. Payload is decoded
// lazily — the reader switches on Type and unmarshals into the matching
// payload struct via Decode.
type Envelope struct {
	Type    Type            `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AuthPayload is the first frame a connector sends. Token is absent on a
// connector that has never been approved; the broker then creates a pending
// admission instead of admitting it.
type AuthPayload struct {
	Token            string   `json:"token,omitempty"`
	Name             string   `json:"name,omitempty"`
	Models           []string `json:"models"`
	ConnectorVersion string   `json:"connector_version,omitempty"`
}

// AuthOKPayload acknowledges a successful authentication.
type AuthOKPayload struct {
	SessionID string `json:"session_id"`
}

// AuthFailPayload carries the rejection reason. The broker closes the
// socket after sending it.
type AuthFailPayload struct {
	Error string `json:"error"`
}

// PendingPayload tells an unapproved connector its assigned id. The socket
// stays open until an admin approves or the connector gives up.
type PendingPayload struct {
	ConnectorID string `json:"connector_id"`
	Message     string `json:"message"`
}

// ApprovedPayload delivers the freshly generated api key to a pending
// connector. The connector persists it and reconnects with it.
type ApprovedPayload struct {
	APIKey string `json:"api_key"`
}

// RevokedPayload tells a connector its key is no longer valid.
type RevokedPayload struct {
	Reason string `json:"reason"`
}

// RequestPayload is a relayed user HTTP request. Body is base64 of the raw
// request bytes. UpstreamAPIKey, when set, is injected by the broker so the
// connector can authenticate against its local LLM server.
type RequestPayload struct {
	Method         string            `json:"method"`
	Path           string            `json:"path"`
	Headers        map[string]string `json:"headers"`
	Body           string            `json:"body,omitempty"`
	UpstreamAPIKey string            `json:"upstream_api_key,omitempty"`
}

// ResponsePayload terminates a non-streaming exchange. Body is base64 of
// the raw upstream response bytes.
type ResponsePayload struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body,omitempty"`
}

// StreamChunkPayload carries one increment of a streaming response. Chunk
// is the upstream's SSE text, already encoded.
type StreamChunkPayload struct {
	Chunk string `json:"chunk"`
	Done  bool   `json:"done"`
}

// ErrorPayload is the terminal error of an exchange. Status and Code map
// onto the HTTP error the broker surfaces to the user.
type ErrorPayload struct {
	Status int    `json:"status"`
	Error  string `json:"error"`
	Code   string `json:"code"`
}

// New builds an envelope with the given payload marshaled in place.
// Payload may be nil for payload-free types (PING, PONG, STREAM_END, CANCEL).
func New(t Type, id string, payload any) Envelope {
	env := Envelope{Type: t, ID: id}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			// Payload structs contain only marshalable fields; reaching
			// this means a programming error, not a runtime condition.
			panic(fmt.Sprintf("protocol: marshal %s payload: %v", t, err))
		}
		env.Payload = data
	}
	return env
}

// Decode unmarshals the envelope payload into dst, which must be a pointer
// to the payload struct matching the envelope type.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("protocol: %s %s has no payload", e.Type, e.ID)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("protocol: decoding %s payload: %w", e.Type, err)
	}
	return nil
}

// Marshal encodes the envelope as a single JSON document, the exact bytes
// of one websocket text frame.
func Marshal(e Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshaling %s envelope: %w", e.Type, err)
	}
	return data, nil
}

// Unmarshal decodes one frame into an envelope. The payload stays raw;
// callers dispatch on Type and call Decode.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("protocol: parsing frame: %w", err)
	}
	if e.Type == "" {
		return Envelope{}, fmt.Errorf("protocol: frame has no type")
	}
	return e, nil
}

// NewID returns a fresh correlation id with the given prefix, e.g.
// NewID("req") → "req-9f8a3b2c4d5e". Prefixes in use: req (user requests),
// auth, ping, revoke.
func NewID(prefix string) string {
	u := uuid.New()
	return fmt.Sprintf("%s-%x", prefix, u[:6])
}
