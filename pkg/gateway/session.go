package gateway

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/reza/vizier/pkg/notifier"
)

// DefaultOutboundBuffer bounds the per-session outbound event queue.
const DefaultOutboundBuffer = 64

// ErrOutboundFull is returned when the outbound queue cannot take another
// event without blocking.
var ErrOutboundFull = errors.New("outbound queue full")

// Session is one WebSocket connection. Events enqueued by the notifier land
// on a bounded channel drained by a single writer pump, so delivery order
// matches enqueue order and workers never block on the socket.
type Session struct {
	ID   string
	conn *websocket.Conn

	outbound  chan notifier.Event
	closed    chan struct{}
	closeOnce sync.Once
	writeMu   sync.Mutex

	state        SessionState
	challenge    string
	authAttempts int
	connectedAt  time.Time
	lastActivity atomic.Int64

	turnActive atomic.Bool

	logger zerolog.Logger
}

func newSession(id string, conn *websocket.Conn, buffer int, logger zerolog.Logger) *Session {
	if buffer <= 0 {
		buffer = DefaultOutboundBuffer
	}
	s := &Session{
		ID:          id,
		conn:        conn,
		outbound:    make(chan notifier.Event, buffer),
		closed:      make(chan struct{}),
		state:       StateConnecting,
		connectedAt: time.Now(),
		logger:      logger.With().Str("session_id", id).Logger(),
	}
	s.lastActivity.Store(time.Now().UnixMilli())
	return s
}

// Enqueue hands a stamped event to the writer pump without blocking. It is
// the notifier.Sink implementation.
func (s *Session) Enqueue(event notifier.Event) error {
	select {
	case <-s.closed:
		return notifier.ErrTransportClosed
	default:
	}

	select {
	case s.outbound <- event:
		return nil
	case <-s.closed:
		return notifier.ErrTransportClosed
	default:
		return ErrOutboundFull
	}
}

// writePump is the session's single writer. Nothing else writes turn events
// to the connection while it runs.
func (s *Session) writePump() {
	for {
		select {
		case <-s.closed:
			return
		case event := <-s.outbound:
			if err := s.write(wireEvent(event)); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to write event, closing session")
				s.Close()
				return
			}
		}
	}
}

// writeControl writes a non-turn message (auth handshake, protocol errors)
// directly. Only the read loop calls it, and only before or between turns.
func (s *Session) writeControl(v interface{}) error {
	select {
	case <-s.closed:
		return notifier.ErrTransportClosed
	default:
		return s.write(v)
	}
}

// write serializes all connection writes; the pump and control messages share
// the socket.
func (s *Session) write(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// beginTurn marks a turn in flight. It fails while another turn is active.
func (s *Session) beginTurn() bool {
	return s.turnActive.CompareAndSwap(false, true)
}

// endTurn re-enables input after the terminal event.
func (s *Session) endTurn() {
	s.turnActive.Store(false)
}

// TurnActive reports whether a turn is in flight for this session.
func (s *Session) TurnActive() bool {
	return s.turnActive.Load()
}

// Close shuts the session down. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixMilli())
}

// SessionInfo describes one connected session.
type SessionInfo struct {
	ID            string    `json:"id"`
	Authenticated bool      `json:"authenticated"`
	TurnActive    bool      `json:"turn_active"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastActivity  time.Time `json:"last_activity"`
}

// SessionRegistry tracks connected sessions.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionRegistry creates a new session registry
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*Session),
	}
}

// Add adds a session to the registry
func (r *SessionRegistry) Add(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sess.ID] = sess
}

// Remove removes a session from the registry
func (r *SessionRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Get retrieves a session by ID
func (r *SessionRegistry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, exists := r.sessions[id]
	return sess, exists
}

// All returns all sessions
func (r *SessionRegistry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

// Count returns the number of connected sessions
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Infos returns information about all connected sessions
func (r *SessionRegistry) Infos() []SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(r.sessions))
	for _, sess := range r.sessions {
		infos = append(infos, SessionInfo{
			ID:            sess.ID,
			Authenticated: sess.state == StateActive,
			TurnActive:    sess.TurnActive(),
			ConnectedAt:   sess.connectedAt,
			LastActivity:  time.UnixMilli(sess.lastActivity.Load()),
		})
	}
	return infos
}
