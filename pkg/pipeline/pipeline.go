// Package pipeline implements the bounded generate → execute → diagnose →
// repair loop that lets generated procedures recover from their own runtime
// failures. The loop is an explicit state machine with the attempt count as
// loop state; it never recurses and never executes a candidate beyond the
// configured attempt budget.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/reza/vizier/internal/observability"
	"github.com/reza/vizier/internal/tracing"
	"github.com/reza/vizier/pkg/bridge"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Candidate is one attempt's executable unit.
type Candidate struct {
	ID     string
	Goal   string
	Source string // human-readable form of the candidate, for diagnostics
	Proc   bridge.Procedure
	Args   map[string]interface{}
}

// Generator produces the first candidate for a goal.
type Generator interface {
	Generate(ctx context.Context, goal string) (Candidate, error)
}

// Repairer produces a corrected candidate from a failed one.
type Repairer interface {
	Repair(ctx context.Context, failed Candidate, failure *bridge.Failure) (Candidate, error)
}

// Executor runs a candidate on the designated thread. *bridge.Bridge
// satisfies this interface.
type Executor interface {
	Submit(proc bridge.Procedure, args map[string]interface{}, timeout time.Duration) bridge.Result
}

// Attempt records one execution for diagnostics. The history is never
// replayed.
type Attempt struct {
	Number    int
	Candidate Candidate
	Failure   *bridge.Failure
}

// Config holds pipeline configuration
type Config struct {
	Executor       Executor
	MaxAttempts    int
	AttemptTimeout time.Duration
	Logger         zerolog.Logger
	// OnAttempt is invoked after every execution, successful or not.
	OnAttempt func(attempt Attempt)
}

// DefaultMaxAttempts bounds the retry loop when the caller does not.
const DefaultMaxAttempts = 3

// DefaultAttemptTimeout is the per-attempt execution budget.
const DefaultAttemptTimeout = 30 * time.Second

// Pipeline drives candidates through the executor with bounded repair.
type Pipeline struct {
	executor       Executor
	maxAttempts    int
	attemptTimeout time.Duration
	logger         zerolog.Logger
	onAttempt      func(attempt Attempt)
}

// New creates a new Pipeline
func New(cfg Config) (*Pipeline, error) {
	observability.EnsureRegistered()

	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}

	return &Pipeline{
		executor:       cfg.Executor,
		maxAttempts:    cfg.MaxAttempts,
		attemptTimeout: cfg.AttemptTimeout,
		logger:         cfg.Logger,
		onAttempt:      cfg.OnAttempt,
	}, nil
}

// MaxAttempts returns the configured attempt bound.
func (p *Pipeline) MaxAttempts() int {
	return p.maxAttempts
}

// Run obtains a candidate for the goal, executes it, and repairs and retries
// on failure until it succeeds, the attempt budget is exhausted, or a fatal
// condition surfaces. With MaxAttempts of 1 repair is never consulted.
//
// Overloaded and Cancelled results are surfaced immediately: they mean the
// executor itself is unavailable, not that the candidate is wrong.
func (p *Pipeline) Run(ctx context.Context, goal string, gen Generator, rep Repairer) bridge.Result {
	ctx, span := tracing.StartSpan(
		ctx,
		"vizier.pipeline",
		"pipeline.run",
		attribute.Int("max_attempts", p.maxAttempts),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, p.logger)

	start := time.Now()

	candidate, err := gen.Generate(ctx, goal)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn().Err(err).Msg("Candidate generation failed")
		observability.RecordPipelineRun("generation_failed", 0, time.Since(start))
		return bridge.Failf(bridge.KindGenerationFailed, "generate candidate: %v", err)
	}

	attempt := 0
	var history []Attempt

	for {
		attempt++

		if err := ctx.Err(); err != nil {
			observability.RecordPipelineRun("cancelled", attempt-1, time.Since(start))
			return bridge.Fail(bridge.KindCancelled, "pipeline cancelled before execution")
		}

		logger.Debug().
			Int("attempt", attempt).
			Int("maxAttempts", p.maxAttempts).
			Str("candidateId", candidate.ID).
			Msg("Submitting candidate")

		res := p.executor.Submit(candidate.Proc, candidate.Args, p.attemptTimeout)

		if res.Ok() {
			p.emitAttempt(Attempt{Number: attempt, Candidate: candidate})
			observability.RecordPipelineRun("succeeded", attempt, time.Since(start))
			logger.Info().Int("attempt", attempt).Msg("Candidate succeeded")
			return res
		}

		failure := res.Failure
		history = append(history, Attempt{Number: attempt, Candidate: candidate, Failure: failure})
		p.emitAttempt(history[len(history)-1])

		if failure.Kind == bridge.KindOverloaded || failure.Kind == bridge.KindCancelled {
			span.SetStatus(codes.Error, failure.Message)
			logger.Warn().
				Str("kind", string(failure.Kind)).
				Msg("Executor unavailable, not retrying")
			observability.RecordPipelineRun("fatal", attempt, time.Since(start))
			return res
		}

		logger.Warn().
			Int("attempt", attempt).
			Str("kind", string(failure.Kind)).
			Str("error", failure.Message).
			Msg("Candidate failed")

		if attempt == p.maxAttempts {
			span.SetStatus(codes.Error, failure.Message)
			observability.RecordPipelineRun("exhausted", attempt, time.Since(start))
			return exhaustedResult(history)
		}

		if rep == nil {
			observability.RecordPipelineRun("repair_failed", attempt, time.Since(start))
			return bridge.Fail(bridge.KindRepairFailed, "no repairer configured")
		}

		repaired, err := rep.Repair(ctx, candidate, failure)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Warn().Err(err).Int("attempt", attempt).Msg("Repair failed")
			observability.RecordPipelineRun("repair_failed", attempt, time.Since(start))
			return bridge.Failf(bridge.KindRepairFailed, "repair after attempt %d: %v", attempt, err)
		}
		candidate = repaired
	}
}

func (p *Pipeline) emitAttempt(attempt Attempt) {
	if p.onAttempt != nil {
		p.onAttempt(attempt)
	}
}

// exhaustedResult annotates the last failure with the full attempt history.
func exhaustedResult(history []Attempt) bridge.Result {
	last := history[len(history)-1].Failure

	var trace strings.Builder
	for _, a := range history {
		fmt.Fprintf(&trace, "attempt %d: %s: %s\n", a.Number, a.Failure.Kind, a.Failure.Message)
	}
	if last.Trace != "" {
		trace.WriteString(last.Trace)
	}

	return bridge.FailTrace(
		last.Kind,
		fmt.Sprintf("%s (gave up after %d attempts)", last.Message, len(history)),
		trace.String(),
	)
}
