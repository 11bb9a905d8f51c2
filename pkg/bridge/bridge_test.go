package bridge

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startBridge(t *testing.T, cfg Config) *Bridge {
	t.Helper()

	b := New(cfg)
	done := make(chan struct{})
	go func() {
		_ = b.Run()
		close(done)
	}()
	t.Cleanup(func() {
		_ = b.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("consumer loop did not stop")
		}
	})

	return b
}

func TestBridge_SubmitValue(t *testing.T) {
	b := startBridge(t, Config{})

	res := b.Submit(func(args map[string]interface{}) (interface{}, error) {
		return args["x"].(int) * 2, nil
	}, map[string]interface{}{"x": 21}, time.Second)

	require.True(t, res.Ok())
	assert.Equal(t, 42, res.Value)
}

func TestBridge_FaultedError(t *testing.T) {
	b := startBridge(t, Config{})

	res := b.Submit(func(args map[string]interface{}) (interface{}, error) {
		return nil, errors.New("bad layer index")
	}, nil, time.Second)

	require.False(t, res.Ok())
	assert.Equal(t, KindFaulted, res.Failure.Kind)
	assert.Equal(t, "bad layer index", res.Failure.Message)
}

func TestBridge_FaultedPanic(t *testing.T) {
	b := startBridge(t, Config{})

	res := b.Submit(func(args map[string]interface{}) (interface{}, error) {
		panic("boom")
	}, nil, time.Second)

	require.False(t, res.Ok())
	assert.Equal(t, KindFaulted, res.Failure.Kind)
	assert.Contains(t, res.Failure.Message, "boom")
	assert.NotEmpty(t, res.Failure.Trace)
}

func TestBridge_SingleFlight(t *testing.T) {
	b := startBridge(t, Config{QueueSize: 32})

	var inFlight, maxInFlight int32
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := b.Submit(func(args map[string]interface{}) (interface{}, error) {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					max := atomic.LoadInt32(&maxInFlight)
					if n <= max || atomic.CompareAndSwapInt32(&maxInFlight, max, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil, nil
			}, nil, 5*time.Second)
			// Some submissions may be rejected as overloaded; those must not
			// have executed at all.
			if !res.Ok() {
				assert.Equal(t, KindOverloaded, res.Failure.Kind)
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
}

func TestBridge_Timeout(t *testing.T) {
	b := startBridge(t, Config{})

	start := time.Now()
	res := b.Submit(func(args map[string]interface{}) (interface{}, error) {
		time.Sleep(400 * time.Millisecond)
		return "late", nil
	}, nil, 100*time.Millisecond)
	elapsed := time.Since(start)

	require.False(t, res.Ok())
	assert.Equal(t, KindTimeout, res.Failure.Kind)
	assert.Less(t, elapsed, 300*time.Millisecond)

	// The stale result must not leak into a fresh request.
	res = b.Submit(func(args map[string]interface{}) (interface{}, error) {
		return "fresh", nil
	}, nil, 2*time.Second)
	require.True(t, res.Ok())
	assert.Equal(t, "fresh", res.Value)
}

func TestBridge_Overloaded(t *testing.T) {
	b := startBridge(t, Config{QueueSize: 1})

	release := make(chan struct{})
	var wg sync.WaitGroup

	// Occupy the consumer loop.
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.Submit(func(args map[string]interface{}) (interface{}, error) {
			<-release
			return nil, nil
		}, nil, 5*time.Second)
	}()
	time.Sleep(50 * time.Millisecond)

	// Fill the single queue slot.
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.Submit(func(args map[string]interface{}) (interface{}, error) {
			return nil, nil
		}, nil, 5*time.Second)
	}()
	time.Sleep(50 * time.Millisecond)

	res := b.Submit(func(args map[string]interface{}) (interface{}, error) {
		return nil, nil
	}, nil, time.Second)

	require.False(t, res.Ok())
	assert.Equal(t, KindOverloaded, res.Failure.Kind)

	close(release)
	wg.Wait()
}

func TestBridge_CloseIdempotent(t *testing.T) {
	b := New(Config{})
	done := make(chan struct{})
	go func() {
		_ = b.Run()
		close(done)
	}()

	assert.NoError(t, b.Close())
	assert.NoError(t, b.Close())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer loop did not terminate")
	}

	res := b.Submit(func(args map[string]interface{}) (interface{}, error) {
		return nil, nil
	}, nil, time.Second)
	require.False(t, res.Ok())
	assert.Equal(t, KindCancelled, res.Failure.Kind)
}

func TestBridge_QueuedRequestsCancelledOnClose(t *testing.T) {
	b := New(Config{QueueSize: 4})
	// No consumer loop yet: requests pile up in the queue.

	results := make(chan Result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			results <- b.Submit(func(args map[string]interface{}) (interface{}, error) {
				return nil, nil
			}, nil, 5*time.Second)
		}()
	}
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, b.Close())

	for i := 0; i < 2; i++ {
		res := <-results
		require.False(t, res.Ok())
		assert.Equal(t, KindCancelled, res.Failure.Kind)
	}
}

func TestBridge_RunTwice(t *testing.T) {
	b := startBridge(t, Config{})

	// Give the loop time to start before probing.
	time.Sleep(20 * time.Millisecond)
	assert.ErrorIs(t, b.Run(), ErrAlreadyRunning)
}
