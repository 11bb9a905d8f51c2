package daemon

import (
	"context"
	"sync"

	"github.com/reza/vizier/pkg/agent"
	"github.com/reza/vizier/pkg/notifier"
)

// turnTracker remembers which session and turn are in flight so components
// without turn context, like the pipeline factory, can attribute their work.
// Turns are serialized through the single bound session, so one slot is
// enough.
type turnTracker struct {
	mu         sync.Mutex
	sessionKey string
	turn       int64
}

func (t *turnTracker) setSession(key string) {
	t.mu.Lock()
	t.sessionKey = key
	t.mu.Unlock()
}

func (t *turnTracker) setTurn(turn int64) {
	t.mu.Lock()
	t.turn = turn
	t.mu.Unlock()
}

func (t *turnTracker) current() (string, int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionKey, t.turn
}

// trackedEvents forwards turn events to the notifier while keeping the
// tracker's turn number current.
type trackedEvents struct {
	*notifier.Notifier
	tracker *turnTracker
}

func (e *trackedEvents) BeginTurn(turn int64) {
	e.tracker.setTurn(turn)
	e.Notifier.BeginTurn(turn)
}

// trackedRunner records the session key before delegating a turn.
type trackedRunner struct {
	*agent.Runner
	tracker *turnTracker
}

func (r *trackedRunner) HandleTurn(ctx context.Context, sessionKey, text string) (agent.TurnResult, error) {
	r.tracker.setSession(sessionKey)
	return r.Runner.HandleTurn(ctx, sessionKey, text)
}
