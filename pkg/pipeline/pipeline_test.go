package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/reza/vizier/pkg/bridge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExecutor runs procedures inline and counts executions.
type fakeExecutor struct {
	executions int32
}

func (f *fakeExecutor) Submit(proc bridge.Procedure, args map[string]interface{}, timeout time.Duration) bridge.Result {
	atomic.AddInt32(&f.executions, 1)
	value, err := proc(args)
	if err != nil {
		return bridge.Fail(bridge.KindFaulted, err.Error())
	}
	return bridge.ValueResult(value)
}

type funcGenerator func(ctx context.Context, goal string) (Candidate, error)

func (g funcGenerator) Generate(ctx context.Context, goal string) (Candidate, error) {
	return g(ctx, goal)
}

type funcRepairer func(ctx context.Context, failed Candidate, failure *bridge.Failure) (Candidate, error)

func (r funcRepairer) Repair(ctx context.Context, failed Candidate, failure *bridge.Failure) (Candidate, error) {
	return r(ctx, failed, failure)
}

func badCandidate() Candidate {
	return Candidate{
		ID:     "bad",
		Source: "remove_layer(99)",
		Proc: func(args map[string]interface{}) (interface{}, error) {
			return nil, errors.New("layer 99 not found")
		},
	}
}

func goodCandidate() Candidate {
	return Candidate{
		ID:     "good",
		Source: "describe()",
		Proc: func(args map[string]interface{}) (interface{}, error) {
			return "ok", nil
		},
	}
}

func TestPipeline_SucceedsFirstAttempt(t *testing.T) {
	exec := &fakeExecutor{}
	p, err := New(Config{Executor: exec, MaxAttempts: 3})
	require.NoError(t, err)

	res := p.Run(context.Background(), "describe the scene",
		funcGenerator(func(ctx context.Context, goal string) (Candidate, error) {
			return goodCandidate(), nil
		}),
		nil,
	)

	require.True(t, res.Ok())
	assert.Equal(t, "ok", res.Value)
	assert.Equal(t, int32(1), exec.executions)
}

func TestPipeline_ExhaustsAfterMaxAttempts(t *testing.T) {
	exec := &fakeExecutor{}
	p, err := New(Config{Executor: exec, MaxAttempts: 3})
	require.NoError(t, err)

	repairs := 0
	res := p.Run(context.Background(), "remove a layer",
		funcGenerator(func(ctx context.Context, goal string) (Candidate, error) {
			return badCandidate(), nil
		}),
		funcRepairer(func(ctx context.Context, failed Candidate, failure *bridge.Failure) (Candidate, error) {
			repairs++
			return badCandidate(), nil
		}),
	)

	require.False(t, res.Ok())
	assert.Equal(t, bridge.KindFaulted, res.Failure.Kind)
	assert.Contains(t, res.Failure.Message, "gave up after 3 attempts")
	assert.Contains(t, res.Failure.Trace, "attempt 1")
	assert.Contains(t, res.Failure.Trace, "attempt 3")
	assert.Equal(t, int32(3), exec.executions, "must execute exactly maxAttempts times")
	assert.Equal(t, 2, repairs, "repair runs between attempts only")
}

func TestPipeline_RepairFixesSecondAttempt(t *testing.T) {
	exec := &fakeExecutor{}
	p, err := New(Config{Executor: exec, MaxAttempts: 3})
	require.NoError(t, err)

	res := p.Run(context.Background(), "remove a layer",
		funcGenerator(func(ctx context.Context, goal string) (Candidate, error) {
			return badCandidate(), nil
		}),
		funcRepairer(func(ctx context.Context, failed Candidate, failure *bridge.Failure) (Candidate, error) {
			assert.Equal(t, "bad", failed.ID)
			assert.Equal(t, bridge.KindFaulted, failure.Kind)
			return goodCandidate(), nil
		}),
	)

	require.True(t, res.Ok())
	assert.Equal(t, int32(2), exec.executions)
}

func TestPipeline_SingleAttemptDisablesRepair(t *testing.T) {
	exec := &fakeExecutor{}
	p, err := New(Config{Executor: exec, MaxAttempts: 1})
	require.NoError(t, err)

	repaired := false
	res := p.Run(context.Background(), "remove a layer",
		funcGenerator(func(ctx context.Context, goal string) (Candidate, error) {
			return badCandidate(), nil
		}),
		funcRepairer(func(ctx context.Context, failed Candidate, failure *bridge.Failure) (Candidate, error) {
			repaired = true
			return goodCandidate(), nil
		}),
	)

	require.False(t, res.Ok())
	assert.False(t, repaired)
	assert.Equal(t, int32(1), exec.executions)
}

func TestPipeline_GenerationFailed(t *testing.T) {
	exec := &fakeExecutor{}
	p, err := New(Config{Executor: exec})
	require.NoError(t, err)

	res := p.Run(context.Background(), "impossible goal",
		funcGenerator(func(ctx context.Context, goal string) (Candidate, error) {
			return Candidate{}, errors.New("model refused")
		}),
		nil,
	)

	require.False(t, res.Ok())
	assert.Equal(t, bridge.KindGenerationFailed, res.Failure.Kind)
	assert.Equal(t, int32(0), exec.executions)
}

func TestPipeline_RepairFailed(t *testing.T) {
	exec := &fakeExecutor{}
	p, err := New(Config{Executor: exec, MaxAttempts: 3})
	require.NoError(t, err)

	res := p.Run(context.Background(), "remove a layer",
		funcGenerator(func(ctx context.Context, goal string) (Candidate, error) {
			return badCandidate(), nil
		}),
		funcRepairer(func(ctx context.Context, failed Candidate, failure *bridge.Failure) (Candidate, error) {
			return Candidate{}, errors.New("cannot produce a fix")
		}),
	)

	require.False(t, res.Ok())
	assert.Equal(t, bridge.KindRepairFailed, res.Failure.Kind)
	assert.Equal(t, int32(1), exec.executions)
}

// overloadedExecutor simulates a saturated bridge.
type overloadedExecutor struct {
	kind       bridge.FailureKind
	executions int32
}

func (o *overloadedExecutor) Submit(proc bridge.Procedure, args map[string]interface{}, timeout time.Duration) bridge.Result {
	atomic.AddInt32(&o.executions, 1)
	return bridge.Fail(o.kind, "bridge unavailable")
}

func TestPipeline_FatalKindsNotRetried(t *testing.T) {
	for _, kind := range []bridge.FailureKind{bridge.KindOverloaded, bridge.KindCancelled} {
		exec := &overloadedExecutor{kind: kind}
		p, err := New(Config{Executor: exec, MaxAttempts: 5})
		require.NoError(t, err)

		res := p.Run(context.Background(), "anything",
			funcGenerator(func(ctx context.Context, goal string) (Candidate, error) {
				return badCandidate(), nil
			}),
			funcRepairer(func(ctx context.Context, failed Candidate, failure *bridge.Failure) (Candidate, error) {
				t.Fatal("repair must not run for fatal failures")
				return Candidate{}, nil
			}),
		)

		require.False(t, res.Ok())
		assert.Equal(t, kind, res.Failure.Kind)
		assert.Equal(t, int32(1), exec.executions)
	}
}

func TestPipeline_OnAttemptHook(t *testing.T) {
	exec := &fakeExecutor{}
	var attempts []Attempt

	p, err := New(Config{
		Executor:    exec,
		MaxAttempts: 3,
		OnAttempt: func(a Attempt) {
			attempts = append(attempts, a)
		},
	})
	require.NoError(t, err)

	res := p.Run(context.Background(), "remove a layer",
		funcGenerator(func(ctx context.Context, goal string) (Candidate, error) {
			return badCandidate(), nil
		}),
		funcRepairer(func(ctx context.Context, failed Candidate, failure *bridge.Failure) (Candidate, error) {
			return goodCandidate(), nil
		}),
	)

	require.True(t, res.Ok())
	require.Len(t, attempts, 2)
	assert.Equal(t, 1, attempts[0].Number)
	assert.NotNil(t, attempts[0].Failure)
	assert.Equal(t, 2, attempts[1].Number)
	assert.Nil(t, attempts[1].Failure)
}

func TestPipeline_CancelledContext(t *testing.T) {
	exec := &fakeExecutor{}
	p, err := New(Config{Executor: exec, MaxAttempts: 3})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := p.Run(ctx, "anything",
		funcGenerator(func(ctx context.Context, goal string) (Candidate, error) {
			return goodCandidate(), nil
		}),
		nil,
	)

	require.False(t, res.Ok())
	assert.Equal(t, bridge.KindCancelled, res.Failure.Kind)
	assert.Equal(t, int32(0), exec.executions)
}
