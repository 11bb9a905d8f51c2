// Package bridge provides a queue-based mechanism for executing opaque
// procedures on a single designated thread. Any goroutine may submit work;
// exactly one consumer loop, pinned by its owner to the viewer thread, runs
// one procedure at a time. This single-flight property is the only thing
// that makes the viewer state safe to touch.
package bridge

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/reza/vizier/internal/observability"
	"github.com/rs/zerolog"
)

// Procedure is an opaque unit of work executed on the consumer thread.
// It receives its arguments by value through the request; it must not
// retain references to them after returning.
type Procedure func(args map[string]interface{}) (interface{}, error)

// ErrAlreadyRunning is returned when Run is called while a consumer loop is active.
var ErrAlreadyRunning = errors.New("bridge consumer loop is already running")

// DefaultQueueSize bounds the inbound request channel. A full queue fails
// fast with Overloaded instead of letting a wedged procedure queue work
// indefinitely.
const DefaultQueueSize = 8

// DefaultTimeout applies when Submit is called with a non-positive timeout.
const DefaultTimeout = 30 * time.Second

type request struct {
	id        string
	proc      Procedure
	args      map[string]interface{}
	result    chan Result // buffered, capacity 1
	sentinel  bool
	abandoned atomic.Bool
}

// Config holds bridge configuration
type Config struct {
	QueueSize int
	Logger    zerolog.Logger
}

// Bridge accepts procedures from any goroutine and runs them serially on
// the goroutine that calls Run.
type Bridge struct {
	requests chan *request
	stopping chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	logger   zerolog.Logger
}

// New creates a new Bridge. The consumer loop is not started; the owner of
// the designated thread must call Run from that thread.
func New(cfg Config) *Bridge {
	observability.EnsureRegistered()

	size := cfg.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}

	return &Bridge{
		requests: make(chan *request, size),
		stopping: make(chan struct{}),
		logger:   cfg.Logger,
	}
}

// Submit enqueues a procedure for execution on the consumer thread and waits
// for its result. It is safe to call concurrently from any goroutine.
//
// Submit fails fast with Overloaded when the inbound queue is full, returns
// Timeout if no result arrives within the budget, and Cancelled if the
// bridge shuts down while waiting. Each request yields exactly one Result.
func (b *Bridge) Submit(proc Procedure, args map[string]interface{}, timeout time.Duration) Result {
	if proc == nil {
		return Fail(KindFaulted, "nil procedure")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	select {
	case <-b.stopping:
		observability.RecordBridgeSubmit("cancelled")
		return Fail(KindCancelled, "bridge is shutting down")
	default:
	}

	req := &request{
		id:     uuid.New().String(),
		proc:   proc,
		args:   args,
		result: make(chan Result, 1),
	}

	select {
	case b.requests <- req:
		observability.SetBridgeQueueDepth(len(b.requests))
	default:
		observability.RecordBridgeSubmit("overloaded")
		b.logger.Warn().Str("requestId", req.id).Msg("Bridge queue full, rejecting request")
		return Failf(KindOverloaded, "inbound queue full (%d pending)", cap(b.requests))
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-req.result:
		if res.Ok() {
			observability.RecordBridgeSubmit("ok")
		} else {
			observability.RecordBridgeSubmit(string(res.Failure.Kind))
		}
		return res

	case <-timer.C:
		// The consumer may still be running this request. Mark it abandoned
		// so the late result is discarded instead of delivered to a dead
		// waiter.
		req.abandoned.Store(true)
		observability.RecordBridgeSubmit("timeout")
		b.logger.Warn().
			Str("requestId", req.id).
			Dur("timeout", timeout).
			Msg("Bridge request timed out")
		return Failf(KindTimeout, "no result within %v", timeout)

	case <-b.stopping:
		req.abandoned.Store(true)
		observability.RecordBridgeSubmit("cancelled")
		return Fail(KindCancelled, "bridge shut down while waiting")
	}
}

// Run executes the consumer loop on the calling goroutine until Close is
// called. The caller is responsible for pinning the goroutine to the thread
// that owns the guarded state (runtime.LockOSThread) before calling Run.
func (b *Bridge) Run() error {
	if !b.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer b.running.Store(false)

	b.logger.Info().Int("queueSize", cap(b.requests)).Msg("Bridge consumer loop started")

	for {
		select {
		case <-b.stopping:
			b.drain()
			b.logger.Info().Msg("Bridge consumer loop stopped")
			return nil

		case req := <-b.requests:
			observability.SetBridgeQueueDepth(len(b.requests))
			if req.sentinel {
				b.drain()
				b.logger.Info().Msg("Bridge consumer loop stopped by sentinel")
				return nil
			}
			b.execute(req)
		}
	}
}

// Close requests a clean shutdown of the consumer loop via a sentinel
// request. It is idempotent: repeated calls are no-ops and the loop
// terminates exactly once.
func (b *Bridge) Close() error {
	b.stopOnce.Do(func() {
		select {
		case b.requests <- &request{sentinel: true}:
		default:
			// Queue full; the stopping channel below still terminates the loop.
		}
		close(b.stopping)
	})
	return nil
}

// Depth returns the number of requests currently queued.
func (b *Bridge) Depth() int {
	return len(b.requests)
}

func (b *Bridge) execute(req *request) {
	start := time.Now()
	res := runGuarded(req.proc, req.args)
	duration := time.Since(start)

	observability.RecordBridgeExecution(duration)

	if req.abandoned.Load() {
		observability.RecordBridgeDroppedResult()
		b.logger.Debug().
			Str("requestId", req.id).
			Dur("duration", duration).
			Msg("Discarding late result, caller gave up")
		return
	}

	// The buffered channel guarantees this never blocks even if the waiter
	// abandons the request between the check above and this send.
	req.result <- res

	if !res.Ok() {
		b.logger.Debug().
			Str("requestId", req.id).
			Str("kind", string(res.Failure.Kind)).
			Str("error", res.Failure.Message).
			Dur("duration", duration).
			Msg("Procedure failed")
	}
}

// drain rejects everything still queued so every request yields a result.
func (b *Bridge) drain() {
	for {
		select {
		case req := <-b.requests:
			if req.sentinel {
				continue
			}
			req.result <- Fail(KindCancelled, "bridge shut down before execution")
		default:
			observability.SetBridgeQueueDepth(0)
			return
		}
	}
}

func runGuarded(proc Procedure, args map[string]interface{}) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = FailTrace(KindFaulted, fmt.Sprintf("procedure panicked: %v", r), string(debug.Stack()))
		}
	}()

	value, err := proc(args)
	if err != nil {
		return Fail(KindFaulted, err.Error())
	}
	return ValueResult(value)
}
