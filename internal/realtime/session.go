package realtime

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ConnState is the position of a streaming connection in its handshake
type ConnState int

const (
	StateConnecting ConnState = iota
	StateAuthenticated
	StateConnected
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateConnected:
		return "CONNECTED"
	default:
		return "DISCONNECTED"
	}
}

// Session is one live connection of a user. Send never blocks.
type Session interface {
	ID() string
	UserID() string
	// Send queues an encoded frame. It returns false if the session is closed
	// or its queue overflowed, in which case the session is closed.
	Send(data []byte) bool
	Close()
	Done() <-chan struct{}
}

// Conn is the subset of *websocket.Conn a session writes through
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

const writeWait = 10 * time.Second

// WSSession owns the write side of a websocket. A single writer goroutine
// drains a bounded queue, so frames leave in the order they were queued.
type WSSession struct {
	id        string
	userID    string
	conn      Conn
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

// NewWSSession starts the writer for conn. pingInterval <= 0 disables
// heartbeats.
func NewWSSession(conn Conn, userID string, buffer int, pingInterval time.Duration, logger *slog.Logger) *WSSession {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 64
	}
	s := &WSSession{
		id:     uuid.NewString(),
		userID: userID,
		conn:   conn,
		out:    make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
	s.logger = logger.With(slog.String("session_id", s.id), slog.String("user_id", userID))
	go s.writeLoop(pingInterval)
	return s
}

func (s *WSSession) ID() string { return s.id }

func (s *WSSession) UserID() string { return s.userID }

func (s *WSSession) Done() <-chan struct{} { return s.done }

func (s *WSSession) Send(data []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.out <- data:
		return true
	default:
		s.logger.Warn("closing slow consumer", slog.Int("queued", len(s.out)))
		s.Close()
		return false
	}
}

func (s *WSSession) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *WSSession) writeLoop(pingInterval time.Duration) {
	var tick <-chan time.Time
	if pingInterval > 0 {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-s.done:
			return
		case data := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("write failed", slog.String("error", err.Error()))
				s.Close()
				return
			}
		case <-tick:
			if err := s.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second)); err != nil {
				s.logger.Debug("ping failed", slog.String("error", err.Error()))
				s.Close()
				return
			}
		}
	}
}
