package hub

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/lanbeam/lanbeam/internal/protocol"
	"github.com/sirupsen/logrus"
)

const sessionSendBuffer = 256

// Session is one websocket connection. Writes go through a buffered channel
// drained by a single write pump so concurrent handlers never interleave
// frames on the connection.
type Session struct {
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan protocol.Message
	closed bool

	// deviceID is set once the session registers; guarded by the hub's
	// session lock, not by mu.
	deviceID string
}

func newSession(conn *websocket.Conn) *Session {
	return &Session{
		conn: conn,
		send: make(chan protocol.Message, sessionSendBuffer),
	}
}

// Send queues a message for the write pump. A full queue drops the message
// rather than stalling the hub; the session is already falling behind.
func (s *Session) Send(msg protocol.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

// Close stops the write pump. Messages already queued still flush.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

func (s *Session) writePump(log *logrus.Logger) {
	for msg := range s.send {
		if err := s.conn.WriteJSON(msg); err != nil {
			log.Debugf("Session write failed: %v", err)
			break
		}
	}
	_ = s.conn.Close()
}
