package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/reza/vizier/internal/observability"
	"github.com/reza/vizier/internal/tracing"
	"github.com/reza/vizier/pkg/agent"
	"github.com/reza/vizier/pkg/notifier"
	"github.com/reza/vizier/pkg/turnqueue"
)

// TurnRunner is the slice of the agent runner the gateway needs.
type TurnRunner interface {
	HandleTurn(ctx context.Context, sessionKey, text string) (agent.TurnResult, error)
	Abort(sessionKey string)
	IsRunning(sessionKey string) bool
}

// Server accepts WebSocket sessions, authenticates them and feeds user turns
// into the runner. At most one session is bound to the notifier at a time;
// a newly authenticated session takes over and the previous one is closed.
type Server struct {
	port           int
	server         *http.Server
	upgrader       websocket.Upgrader
	sessions       *SessionRegistry
	authHandler    *AuthHandler
	events         *notifier.Notifier
	runner         TurnRunner
	turns          *turnqueue.Queue
	outboundBuffer int
	logger         zerolog.Logger

	active   *Session
	activeMu sync.Mutex

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	turnWG         sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Port           int
	SharedSecret   string
	Notifier       *notifier.Notifier
	Runner         TurnRunner
	Turns          *turnqueue.Queue
	OutboundBuffer int
	Logger         zerolog.Logger
}

// NewServer creates a new gateway server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("shared secret is required")
	}
	if cfg.Notifier == nil {
		return nil, fmt.Errorf("notifier is required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("turn runner is required")
	}
	if cfg.Turns == nil {
		return nil, fmt.Errorf("turn queue is required")
	}

	observability.EnsureRegistered()

	return &Server{
		port:           cfg.Port,
		sessions:       NewSessionRegistry(),
		authHandler:    NewAuthHandler(cfg.SharedSecret),
		events:         cfg.Notifier,
		runner:         cfg.Runner,
		turns:          cfg.Turns,
		outboundBuffer: cfg.OutboundBuffer,
		logger:         cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// The daemon binds to localhost; origin checks add nothing.
				return true
			},
		},
	}, nil
}

// Handler returns the HTTP handler serving /ws, /healthz and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

// Start starts the gateway server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.Handler(),
	}

	s.logger.Info().Int("port", s.port).Msg("Starting gateway")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	return nil
}

// Stop gracefully stops the gateway server
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway")

	done := make(chan struct{})
	go func() {
		s.turnWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, closing sessions with turns in flight")
	}

	for _, sess := range s.sessions.All() {
		sess.Close()
	}

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	s.logger.Info().Msg("Gateway stopped")
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "ok",
		"sessions": s.sessions.Count(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	sessionID, _ := gonanoid.New()
	sess := newSession(sessionID, conn, s.outboundBuffer, s.logger)

	s.sessions.Add(sess)
	observability.SetActiveSessions(s.sessions.Count())

	s.logger.Info().
		Str("session_id", sessionID).
		Str("ip", r.RemoteAddr).
		Msg("Session connected")

	if err := s.sendAuthChallenge(sess); err != nil {
		s.logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to send auth challenge")
		sess.Close()
		s.sessions.Remove(sessionID)
		observability.SetActiveSessions(s.sessions.Count())
		return
	}

	go sess.writePump()
	go s.readLoop(sess)
}

func (s *Server) sendAuthChallenge(sess *Session) error {
	challenge, err := s.authHandler.GenerateChallenge()
	if err != nil {
		return err
	}

	sess.challenge = challenge
	sess.state = StateAuthenticating

	return sess.writeControl(AuthChallenge{
		Event:     "auth.challenge",
		Challenge: challenge,
	})
}

func (s *Server) readLoop(sess *Session) {
	defer s.teardown(sess)

	for {
		_, message, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("session_id", sess.ID).Msg("WebSocket error")
			}
			return
		}

		sess.touch()
		s.handleMessage(sess, message)
	}
}

// teardown runs once the read loop exits: the peer is gone, so the sink is
// unbound, any in-flight turn is aborted, and queued turns are rejected.
func (s *Server) teardown(sess *Session) {
	sess.Close()
	sess.state = StateClosed
	s.sessions.Remove(sess.ID)
	observability.SetActiveSessions(s.sessions.Count())

	s.activeMu.Lock()
	if s.active == sess {
		s.active = nil
		s.events.Unbind()
	}
	s.activeMu.Unlock()

	s.runner.Abort(sess.ID)
	s.turns.ResetLane(turnqueue.SessionLane(sess.ID))

	s.logger.Info().Str("session_id", sess.ID).Msg("Session disconnected")
}

func (s *Server) handleMessage(sess *Session, message []byte) {
	var authResp AuthResponse
	if err := json.Unmarshal(message, &authResp); err == nil && authResp.Method == "auth.response" {
		s.handleAuthMessage(sess, authResp)
		return
	}

	if sess.state != StateActive {
		s.sendProtocolError(sess, "Authentication required")
		return
	}

	var msg UserMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		s.sendProtocolError(sess, "Malformed message")
		return
	}
	if msg.Text == "" {
		s.sendProtocolError(sess, "Message text cannot be empty")
		return
	}

	if !sess.beginTurn() {
		s.sendProtocolError(sess, "A turn is already in progress")
		return
	}

	s.turnWG.Add(1)
	go func() {
		defer s.turnWG.Done()
		defer sess.endTurn()

		ctx := tracing.NewRequestContext(context.Background())
		if _, err := s.runner.HandleTurn(ctx, sess.ID, msg.Text); err != nil {
			// The runner already emitted the terminal error event.
			s.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("Turn failed")
		}
	}()
}

func (s *Server) handleAuthMessage(sess *Session, authResp AuthResponse) {
	result := s.authHandler.HandleAuthResponse(sess, authResp.Signature)

	if err := sess.writeControl(result); err != nil {
		s.logger.Error().Err(err).Str("session_id", sess.ID).Msg("Failed to send auth result")
		return
	}

	if !result.Success {
		s.logger.Warn().
			Str("session_id", sess.ID).
			Str("reason", result.Message).
			Msg("Authentication failed")

		if sess.authAttempts >= maxAuthAttempts {
			sess.Close()
		}
		return
	}

	s.bindActive(sess)
	s.logger.Info().Str("session_id", sess.ID).Msg("Session authenticated")
}

// bindActive makes sess the one session receiving turn events. Any previous
// session is closed; its teardown skips the unbind because it is no longer
// the active one.
func (s *Server) bindActive(sess *Session) {
	s.activeMu.Lock()
	previous := s.active
	s.active = sess
	s.events.Bind(sess)
	s.activeMu.Unlock()

	if previous != nil && previous != sess {
		s.logger.Info().
			Str("session_id", previous.ID).
			Msg("Closing previous session, a new one took over")
		previous.Close()
	}
}

// sendProtocolError reports a local protocol problem outside any turn. It
// carries no sequence number because it is not a turn event.
func (s *Server) sendProtocolError(sess *Session, message string) {
	err := sess.writeControl(WireEvent{
		Sender:  "agent",
		Type:    notifier.EventError,
		Message: message,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("Failed to send protocol error")
	}
}

// Sessions returns information about connected sessions.
func (s *Server) Sessions() []SessionInfo {
	return s.sessions.Infos()
}
