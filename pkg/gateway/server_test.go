package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reza/vizier/pkg/agent"
	"github.com/reza/vizier/pkg/notifier"
	"github.com/reza/vizier/pkg/turnqueue"
)

const testSecret = "test-shared-secret"

// echoRunner emits the canonical event sequence for every turn and answers
// with an echo of the input.
type echoRunner struct {
	events *notifier.Notifier
	mu     sync.Mutex
	turns  int64
}

func (r *echoRunner) HandleTurn(_ context.Context, _ string, text string) (agent.TurnResult, error) {
	r.mu.Lock()
	r.turns++
	turn := r.turns
	r.mu.Unlock()

	r.events.BeginTurn(turn)
	_ = r.events.Notify(notifier.EventStart, "Working on it")
	_ = r.events.Notify(notifier.EventThinking, "Thinking")
	_ = r.events.Notify(notifier.EventFinal, "echo: "+text)
	return agent.TurnResult{Response: "echo: " + text, Turn: turn}, nil
}

func (r *echoRunner) Abort(string) {}

func (r *echoRunner) IsRunning(string) bool { return false }

func setupTestGateway(t *testing.T) (*httptest.Server, func()) {
	t.Helper()

	events := notifier.New(zerolog.Nop())
	queue := turnqueue.New()
	runner := &echoRunner{events: events}

	server, err := NewServer(Config{
		Port:         1,
		SharedSecret: testSecret,
		Notifier:     events,
		Runner:       runner,
		Turns:        queue,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)

	ts := httptest.NewServer(server.Handler())
	cleanup := func() {
		ts.Close()
		_ = queue.Close()
	}
	return ts, cleanup
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := strings.Replace(ts.URL, "http://", "ws://", 1) + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func authenticate(t *testing.T, conn *websocket.Conn) {
	t.Helper()

	var challenge AuthChallenge
	require.NoError(t, conn.ReadJSON(&challenge))
	require.Equal(t, "auth.challenge", challenge.Event)

	require.NoError(t, conn.WriteJSON(AuthResponse{
		Method:    "auth.response",
		Signature: Sign(testSecret, challenge.Challenge),
	}))

	var result AuthResult
	require.NoError(t, conn.ReadJSON(&result))
	require.True(t, result.Success, "authentication should succeed: %s", result.Message)
}

func TestNewServerValidation(t *testing.T) {
	events := notifier.New(zerolog.Nop())
	queue := turnqueue.New()
	defer queue.Close()
	runner := &echoRunner{events: events}

	valid := Config{
		Port:         8080,
		SharedSecret: "s",
		Notifier:     events,
		Runner:       runner,
		Turns:        queue,
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Port = 0 }, "invalid port"},
		{"missing secret", func(c *Config) { c.SharedSecret = "" }, "shared secret"},
		{"missing notifier", func(c *Config) { c.Notifier = nil }, "notifier"},
		{"missing runner", func(c *Config) { c.Runner = nil }, "turn runner"},
		{"missing queue", func(c *Config) { c.Turns = nil }, "turn queue"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			_, err := NewServer(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestTurnEventFlow(t *testing.T) {
	ts, cleanup := setupTestGateway(t)
	defer cleanup()

	conn := dialWS(t, ts)
	defer conn.Close()
	authenticate(t, conn)

	require.NoError(t, conn.WriteJSON(UserMessage{Text: "hello"}))

	expected := []notifier.EventType{
		notifier.EventStart,
		notifier.EventThinking,
		notifier.EventFinal,
	}
	for i, want := range expected {
		var event WireEvent
		require.NoError(t, conn.ReadJSON(&event))
		assert.Equal(t, "agent", event.Sender)
		assert.Equal(t, want, event.Type)
		assert.Equal(t, int64(i+1), event.Seq)
		assert.Equal(t, int64(1), event.Turn)
	}
}

func TestSequenceRestartsPerTurn(t *testing.T) {
	ts, cleanup := setupTestGateway(t)
	defer cleanup()

	conn := dialWS(t, ts)
	defer conn.Close()
	authenticate(t, conn)

	for turn := int64(1); turn <= 2; turn++ {
		require.NoError(t, conn.WriteJSON(UserMessage{Text: "ping"}))
		for seq := int64(1); seq <= 3; seq++ {
			var event WireEvent
			require.NoError(t, conn.ReadJSON(&event))
			assert.Equal(t, seq, event.Seq)
			assert.Equal(t, turn, event.Turn)
		}
	}
}

func TestUnauthenticatedTurnRejected(t *testing.T) {
	ts, cleanup := setupTestGateway(t)
	defer cleanup()

	conn := dialWS(t, ts)
	defer conn.Close()

	var challenge AuthChallenge
	require.NoError(t, conn.ReadJSON(&challenge))

	require.NoError(t, conn.WriteJSON(UserMessage{Text: "hello"}))

	var event WireEvent
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, notifier.EventError, event.Type)
	assert.Contains(t, event.Message, "Authentication required")
}

func TestEmptyTextRejected(t *testing.T) {
	ts, cleanup := setupTestGateway(t)
	defer cleanup()

	conn := dialWS(t, ts)
	defer conn.Close()
	authenticate(t, conn)

	require.NoError(t, conn.WriteJSON(UserMessage{Text: ""}))

	var event WireEvent
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, notifier.EventError, event.Type)
	assert.Contains(t, event.Message, "empty")
}

func TestBadSignatureClosesAfterThreeAttempts(t *testing.T) {
	ts, cleanup := setupTestGateway(t)
	defer cleanup()

	conn := dialWS(t, ts)
	defer conn.Close()

	var challenge AuthChallenge
	require.NoError(t, conn.ReadJSON(&challenge))

	for i := 0; i < 3; i++ {
		require.NoError(t, conn.WriteJSON(AuthResponse{
			Method:    "auth.response",
			Signature: "wrong",
		}))
		var result AuthResult
		require.NoError(t, conn.ReadJSON(&result))
		assert.False(t, result.Success)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var discard WireEvent
	err := conn.ReadJSON(&discard)
	assert.Error(t, err, "connection should be closed after repeated failures")
}

func TestNewSessionTakesOver(t *testing.T) {
	ts, cleanup := setupTestGateway(t)
	defer cleanup()

	first := dialWS(t, ts)
	defer first.Close()
	authenticate(t, first)

	second := dialWS(t, ts)
	defer second.Close()
	authenticate(t, second)

	// The first session is closed once the second one authenticates.
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	var discard WireEvent
	err := first.ReadJSON(&discard)
	assert.Error(t, err)

	// The second session works normally.
	require.NoError(t, second.WriteJSON(UserMessage{Text: "hi"}))
	var event WireEvent
	require.NoError(t, second.ReadJSON(&event))
	assert.Equal(t, notifier.EventStart, event.Type)
}

func TestHealthz(t *testing.T) {
	ts, cleanup := setupTestGateway(t)
	defer cleanup()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	ts, cleanup := setupTestGateway(t)
	defer cleanup()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
