package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sparknet/realtime/internal/event"
	"go.uber.org/zap"
)

const (
	// Outbound buffer per connection. A client that cannot keep up is
	// treated as disconnected.
	sendBuffer = 64

	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

var errSessionClosed = errors.New("session closed")

// Session is one live WebSocket connection for an authenticated user.
// It satisfies the connection handle interfaces of the registry and the
// chat-room router.
type Session struct {
	id     string
	userID string
	sock   *websocket.Conn
	out    chan *event.Envelope
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

func newSession(userID string, sock *websocket.Conn, logger *zap.Logger) *Session {
	return &Session{
		id:     uuid.New().String(),
		userID: userID,
		sock:   sock,
		out:    make(chan *event.Envelope, sendBuffer),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (s *Session) ID() string     { return s.id }
func (s *Session) UserID() string { return s.userID }

// Send queues an envelope for delivery. It fails when the session is
// closed or the client has fallen too far behind; the caller treats
// either as a disconnect.
func (s *Session) Send(evt *event.Envelope) error {
	select {
	case <-s.done:
		return errSessionClosed
	case s.out <- evt:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

// Close tears the connection down. Safe to call more than once.
func (s *Session) Close() error {
	s.once.Do(func() {
		close(s.done)
		_ = s.sock.Close()
	})
	return nil
}

// writeLoop drains the outbound queue onto the socket and keeps the
// connection alive with pings. Runs until Close.
func (s *Session) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case evt := <-s.out:
			_ = s.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.sock.WriteJSON(evt); err != nil {
				s.logger.Debug("write failed",
					zap.String("conn_id", s.id), zap.String("user_id", s.userID), zap.Error(err))
				_ = s.Close()
				return
			}
		case <-ticker.C:
			_ = s.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = s.Close()
				return
			}
		}
	}
}
