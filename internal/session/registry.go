package session

import (
	"sync"
	"time"

	"github.com/teddyo/teddyvoice/internal/utils"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one utterance in a conversation. Immutable once created.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Handle is the outbound side of the client connection a session belongs
// to. The connection manager's wrapped conns satisfy it.
type Handle interface {
	WriteJSON(v any) error
}

// Session is the in-memory state for one client connection. History is
// bounded: the oldest turn is evicted past the configured max.
type Session struct {
	ID             string
	Conn           Handle
	CreatedAt      time.Time
	LastActivityAt time.Time
	Status         Status

	mu      sync.Mutex
	history []Turn
	max     int
}

// RecentHistory returns a copy of the bounded history, oldest first.
func (s *Session) RecentHistory() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Session) appendTurn(t Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, t)
	if len(s.history) > s.max {
		s.history = s.history[len(s.history)-s.max:]
	}
}

// Registry is the sole owner of active sessions: exactly one per
// connection, created on first contact, destroyed on disconnect or idle
// sweep.
type Registry struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	historyMax int

	now func() time.Time
}

func NewRegistry(historyMax int) *Registry {
	if historyMax <= 0 {
		historyMax = 10
	}
	return &Registry{
		sessions:   make(map[string]*Session),
		historyMax: historyMax,
		now:        time.Now,
	}
}

func (r *Registry) Create(id string, conn Handle) (*Session, error) {
	const op = "Registry.Create"

	if id == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session id is required", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; ok {
		return nil, utils.E(utils.CodeConflict, op, "session already exists", nil)
	}

	now := r.now().UTC()
	s := &Session{
		ID:             id,
		Conn:           conn,
		CreatedAt:      now,
		LastActivityAt: now,
		Status:         StatusActive,
		max:            r.historyMax,
	}
	r.sessions[id] = s
	return s, nil
}

func (r *Registry) Get(id string) (*Session, error) {
	const op = "Registry.Get"

	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()

	if !ok {
		return nil, utils.E(utils.CodeNotFound, op, "session not found", nil)
	}
	return s, nil
}

// AppendTurn adds a turn to the session's bounded history, evicting the
// oldest past the configured max.
func (r *Registry) AppendTurn(id string, t Turn) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = r.now().UTC()
	}
	s.appendTurn(t)
	return nil
}

// Touch updates the session's last-activity timestamp.
func (r *Registry) Touch(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return utils.E(utils.CodeNotFound, "Registry.Touch", "session not found", nil)
	}
	s.LastActivityAt = r.now().UTC()
	return nil
}

// End marks the session ended and removes it, returning the final state so
// callers can flush or report it.
func (r *Registry) End(id string) (*Session, error) {
	const op = "Registry.End"

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, utils.E(utils.CodeNotFound, op, "session not found: "+id, nil)
	}
	s.Status = StatusEnded
	delete(r.sessions, id)
	return s, nil
}

// Remove deletes the session and marks it ended. Missing ids are a no-op:
// the read loop's deferred cleanup may race the idle sweep.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok {
		s.Status = StatusEnded
		delete(r.sessions, id)
	}
}

// SweepIdle removes and returns every session idle longer than maxAge.
// Driven by a periodic background goroutine, not per-request.
func (r *Registry) SweepIdle(maxAge time.Duration) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().UTC().Add(-maxAge)
	var swept []*Session
	for id, s := range r.sessions {
		if s.LastActivityAt.Before(cutoff) {
			s.Status = StatusEnded
			delete(r.sessions, id)
			swept = append(swept, s)
		}
	}
	return swept
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
