package daemon

import (
	"context"
	"time"

	"github.com/reza/vizier/internal/observability"
)

// EventLoop handles periodic maintenance while the daemon runs.
type EventLoop struct {
	daemon *Daemon
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon: d,
	}
}

// Run runs the event loop until the context is cancelled.
func (e *EventLoop) Run(ctx context.Context) {
	zl := e.daemon.logger.GetZerolog()
	zl.Info().Msg("Event loop started")

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zl.Info().Msg("Event loop stopping")
			return

		case <-ticker.C:
			e.processTasks()
		}
	}
}

// processTasks refreshes gauges and logs lanes with work pending.
func (e *EventLoop) processTasks() {
	d := e.daemon

	observability.SetBridgeQueueDepth(d.bridge.Depth())

	stats := d.turns.Stats()
	for lane, laneStats := range stats {
		observability.SetLaneQueueSize(lane, laneStats["queued"])
		if laneStats["queued"] > 0 || laneStats["running"] > 0 {
			zl := d.logger.GetZerolog()
			zl.Debug().
				Str("lane", lane).
				Int("queued", laneStats["queued"]).
				Int("running", laneStats["running"]).
				Msg("Turn queue stats")
		}
	}
}
