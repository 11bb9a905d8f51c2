package viewer

import (
	"runtime"

	"github.com/reza/vizier/pkg/bridge"
	"github.com/rs/zerolog"
)

// Loop runs the bridge consumer on a goroutine pinned to its OS thread,
// making that thread the sole owner of the viewer state.
type Loop struct {
	bridge *bridge.Bridge
	logger zerolog.Logger
}

// NewLoop creates a new Loop
func NewLoop(b *bridge.Bridge, logger zerolog.Logger) *Loop {
	return &Loop{bridge: b, logger: logger}
}

// Run pins the calling goroutine to its OS thread and drives the bridge
// consumer loop until the bridge is closed. It blocks; callers typically run
// it from main or a dedicated goroutine.
func (l *Loop) Run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.logger.Info().Msg("Viewer thread pinned, starting consumer loop")
	return l.bridge.Run()
}
