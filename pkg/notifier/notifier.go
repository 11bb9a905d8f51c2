// Package notifier carries lifecycle events from worker goroutines to the
// session's event loop. Workers call Notify synchronously; the bound sink
// takes the event without blocking and the session's writer pump delivers it
// in order.
package notifier

import (
	"errors"
	"sync"

	"github.com/reza/vizier/internal/observability"
	"github.com/rs/zerolog"
)

// EventType identifies a lifecycle event on the wire.
type EventType string

const (
	EventStart        EventType = "start"
	EventThinking     EventType = "thinking"
	EventToolStart    EventType = "tool_start"
	EventToolActivity EventType = "tool_activity"
	EventToolResult   EventType = "tool_result"
	EventFinal        EventType = "final"
	EventError        EventType = "error"
)

// Terminal reports whether the event type ends a turn.
func (t EventType) Terminal() bool {
	return t == EventFinal || t == EventError
}

// Event is one lifecycle notification. Seq and Turn are stamped by the
// notifier; callers fill only Type and Message.
type Event struct {
	Type    EventType `json:"type"`
	Message string    `json:"message"`
	Seq     int64     `json:"seq"`
	Turn    int64     `json:"turn"`
}

// Sink receives stamped events. Enqueue must not block: implementations hand
// the event to a bounded queue drained by a single writer. The gateway
// session is the production sink.
type Sink interface {
	Enqueue(event Event) error
}

// ErrNoActiveSession is returned when no sink is bound.
var ErrNoActiveSession = errors.New("no active session bound")

// ErrTransportClosed is returned by sinks whose peer has disconnected.
var ErrTransportClosed = errors.New("session transport closed")

// Notifier stamps per-turn sequence numbers onto events and forwards them to
// the currently bound sink. All methods are safe for concurrent use.
type Notifier struct {
	mu     sync.Mutex
	sink   Sink
	turn   int64
	seq    int64
	broken bool
	logger zerolog.Logger
}

// New creates a new Notifier
func New(logger zerolog.Logger) *Notifier {
	observability.EnsureRegistered()
	return &Notifier{logger: logger}
}

// Bind attaches the sink that will receive subsequent events, replacing any
// previous one.
func (n *Notifier) Bind(sink Sink) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sink = sink
	n.broken = false
	n.logger.Debug().Msg("Notifier sink bound")
}

// Unbind detaches the current sink. Later notifies fail with
// ErrNoActiveSession.
func (n *Notifier) Unbind() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sink = nil
	n.logger.Debug().Msg("Notifier sink unbound")
}

// BeginTurn starts a new turn: the sequence counter restarts at zero and a
// transport failure recorded for the previous turn is forgotten.
func (n *Notifier) BeginTurn(turn int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.turn = turn
	n.seq = 0
	n.broken = false
}

// Notify stamps the event with the current turn and the next sequence number
// and hands it to the bound sink. The first delivery failure of a turn is
// reported; events after that are dropped silently so a worker mid-turn does
// not fail once per remaining event after the peer is already gone.
func (n *Notifier) Notify(eventType EventType, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.sink == nil {
		observability.RecordNotifierEvent(string(eventType), false)
		return ErrNoActiveSession
	}

	n.seq++
	event := Event{
		Type:    eventType,
		Message: message,
		Seq:     n.seq,
		Turn:    n.turn,
	}

	if n.broken {
		observability.RecordNotifierEvent(string(eventType), false)
		n.logger.Debug().
			Str("type", string(eventType)).
			Int64("seq", event.Seq).
			Msg("Dropping event, transport already failed this turn")
		return nil
	}

	if err := n.sink.Enqueue(event); err != nil {
		n.broken = true
		observability.RecordNotifierEvent(string(eventType), false)
		n.logger.Warn().
			Err(err).
			Str("type", string(eventType)).
			Int64("turn", event.Turn).
			Int64("seq", event.Seq).
			Msg("Failed to deliver event")
		return err
	}

	observability.RecordNotifierEvent(string(eventType), true)
	return nil
}
