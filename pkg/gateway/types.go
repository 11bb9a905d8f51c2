package gateway

import (
	"github.com/reza/vizier/pkg/notifier"
)

// UserMessage is the inbound wire shape for a user turn.
type UserMessage struct {
	Text string `json:"text"`
}

// WireEvent is the outbound wire shape for lifecycle events.
type WireEvent struct {
	Sender  string             `json:"sender"`
	Type    notifier.EventType `json:"type"`
	Message string             `json:"message"`
	Seq     int64              `json:"seq"`
	Turn    int64              `json:"turn"`
}

// wireEvent converts a stamped notifier event to its wire shape.
func wireEvent(event notifier.Event) WireEvent {
	return WireEvent{
		Sender:  "agent",
		Type:    event.Type,
		Message: event.Message,
		Seq:     event.Seq,
		Turn:    event.Turn,
	}
}

// AuthChallenge is sent to a client right after it connects.
type AuthChallenge struct {
	Event     string `json:"event"`
	Challenge string `json:"challenge"`
}

// AuthResponse is the client's answer to the challenge.
type AuthResponse struct {
	Method    string `json:"method"`
	Signature string `json:"signature"`
}

// AuthResult reports whether authentication succeeded.
type AuthResult struct {
	Event   string `json:"event"`
	Success bool   `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
}

// SessionState tracks where a connection is in its lifecycle.
type SessionState int

const (
	StateConnecting SessionState = iota
	StateAuthenticating
	StateActive
	StateClosed
)
