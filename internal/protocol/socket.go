package protocol

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Socket wraps a websocket connection with the relay framing. An accepted
// socket has a reader goroutine, per-request worker goroutines, and a ping
// timer all writing frames, so sends serialize through one mutex. Reads are
// only ever performed by the owning reader and need no lock.
type Socket struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewSocket wraps an established websocket connection. The caller keeps
// ownership of closing it, via Close.
func NewSocket(conn *websocket.Conn) *Socket {
	return &Socket{conn: conn}
}

// Send marshals the envelope and writes it as one text frame. Safe for
// concurrent use.
func (s *Socket) Send(e Envelope) error {
	data, err := Marshal(e)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Receive blocks for the next text frame and decodes its envelope.
// Only the owning reader goroutine may call Receive.
func (s *Socket) Receive() (Envelope, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return Envelope{}, err
	}
	return Unmarshal(data)
}

// SetReadDeadline bounds the next Receive. A zero time clears the deadline.
// Used for the auth handshake, which must complete within the auth timeout.
func (s *Socket) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

// Close closes the underlying connection. Safe to call multiple times;
// later calls return the first result.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
