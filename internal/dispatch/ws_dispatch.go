package dispatch

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// WSSession wraps one connected client; the mutex serializes writes,
// which gorilla/websocket requires.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) send(env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(env)
}

// WSRegistry holds live rider and captain sessions keyed by session ref.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRegistry{sessions: make(map[string]*WSSession), logger: logger}
}

func (r *WSRegistry) Add(sessionRef string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sessionRef] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(sessionRef string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionRef)
}

func (r *WSRegistry) Emit(sessionRef, event string, payload any) error {
	r.mu.RLock()
	s, ok := r.sessions[sessionRef]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.send(Envelope{Event: event, Data: payload}); err != nil {
		r.logger.Warn("ws send failed", "session", sessionRef, "event", event, "error", err)
		return err
	}
	return nil
}
