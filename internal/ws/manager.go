package ws

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/teddyo/teddyvoice/internal/logger"
	"github.com/teddyo/teddyvoice/internal/session"
)

const welcomeMessage = "Welcome to the teddy streaming service!"

// Handler processes one inbound frame. Frames for a connection are handled
// synchronously on its read loop, which is what serializes pipeline
// requests per session.
type Handler func(sess *session.Session, data []byte)

// Manager owns the set of live inbound connections. Session lifecycle is
// tied to connection lifecycle: one session per connection, removed
// unconditionally when the read loop exits.
type Manager struct {
	sessions *session.Registry
	log      *logrus.Entry

	mu    sync.RWMutex
	conns map[string]*Conn
}

func NewManager(sessions *session.Registry, log *logrus.Logger) *Manager {
	if log == nil {
		log = logrus.New()
	}
	return &Manager{
		sessions: sessions,
		log:      logger.Component(log, "ws-manager"),
		conns:    make(map[string]*Conn),
	}
}

// Accept registers the connection under a fresh session id, sends the
// welcome frame, and runs the read loop until close or error. Cleanup is
// deferred so a crashed handler never leaks a registry entry.
func (m *Manager) Accept(wsc *websocket.Conn, handler Handler) {
	id := uuid.NewString()
	c := newConn(wsc)

	sess, err := m.sessions.Create(id, c)
	if err != nil {
		m.log.WithError(err).Error("failed to create session")
		_ = c.Close()
		return
	}

	m.mu.Lock()
	m.conns[id] = c
	m.mu.Unlock()

	log := m.log.WithField("session_id", id)
	log.WithField("active", m.ActiveCount()).Info("client connected")

	defer func() {
		m.mu.Lock()
		delete(m.conns, id)
		m.mu.Unlock()
		m.sessions.Remove(id)
		_ = c.Close()
		log.WithField("active", m.ActiveCount()).Info("client disconnected")
	}()

	if err := c.WriteJSON(ConnectionFrame{
		Type:      "connection",
		Status:    "connected",
		SessionID: id,
		Message:   welcomeMessage,
	}); err != nil {
		log.WithError(err).Warn("failed to send welcome")
		return
	}

	_ = wsc.SetReadDeadline(time.Now().Add(readTimeout))
	wsc.SetPongHandler(func(string) error {
		_ = wsc.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, data, err := wsc.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Warn("read loop ended")
			}
			return
		}
		_ = wsc.SetReadDeadline(time.Now().Add(readTimeout))
		// Any inbound frame counts as activity, or the idle sweeper would
		// drop clients that only ping or stream silence.
		_ = m.sessions.Touch(id)
		m.dispatch(handler, sess, data, log)
	}
}

// dispatch isolates handler panics so one bad frame tears down only its own
// connection, never the process.
func (m *Manager) dispatch(handler Handler, sess *session.Session, data []byte, log *logrus.Entry) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("frame handler panicked")
			_ = m.Send(sess.ID, ErrorFrame{Type: "error", Message: "internal error"})
		}
	}()
	handler(sess, data)
}

// Send delivers a frame to one session's connection. A failed send drops
// that connection.
func (m *Manager) Send(sessionID string, v any) error {
	m.mu.RLock()
	c, ok := m.conns[sessionID]
	m.mu.RUnlock()

	if !ok {
		return nil // client already gone; delivery is best effort
	}

	if err := c.WriteJSON(v); err != nil {
		m.log.WithField("session_id", sessionID).WithError(err).Warn("send failed, dropping connection")
		m.drop(sessionID)
		return err
	}
	return nil
}

// Broadcast fans a frame out to every live connection with per-connection
// isolation: one failed send drops that connection only.
func (m *Manager) Broadcast(v any) {
	m.mu.RLock()
	targets := make(map[string]*Conn, len(m.conns))
	for id, c := range m.conns {
		targets[id] = c
	}
	m.mu.RUnlock()

	for id, c := range targets {
		if err := c.WriteJSON(v); err != nil {
			m.log.WithField("session_id", id).WithError(err).Warn("broadcast send failed, dropping connection")
			m.drop(id)
		}
	}
}

// BroadcastRaw forwards a raw frame (upstream audio) without re-encoding.
func (m *Manager) BroadcastRaw(messageType int, data []byte) {
	m.mu.RLock()
	targets := make(map[string]*Conn, len(m.conns))
	for id, c := range m.conns {
		targets[id] = c
	}
	m.mu.RUnlock()

	for id, c := range targets {
		if err := c.writeMessage(messageType, data); err != nil {
			m.log.WithField("session_id", id).WithError(err).Warn("broadcast send failed, dropping connection")
			m.drop(id)
		}
	}
}

// Drop force-closes one session's connection and removes its registry
// entry, used by the idle sweeper.
func (m *Manager) Drop(sessionID string) {
	m.drop(sessionID)
}

func (m *Manager) drop(sessionID string) {
	m.mu.Lock()
	c, ok := m.conns[sessionID]
	delete(m.conns, sessionID)
	m.mu.Unlock()

	if ok {
		_ = c.Close()
	}
	// The session may already be gone if the read loop's deferred cleanup
	// got there first.
	_, _ = m.sessions.End(sessionID)
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// CloseAll tears down every live connection, used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*Conn)
	m.mu.Unlock()

	for id, c := range conns {
		_ = c.Close()
		m.sessions.Remove(id)
	}
}
