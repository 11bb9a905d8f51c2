package turnqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQueue_BasicEnqueue(t *testing.T) {
	q := New()
	defer q.Close()

	executed := false
	result, err := q.Enqueue(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
		executed = true
		return "result", nil
	})

	assert.NoError(t, err)
	assert.Equal(t, "result", result)
	assert.True(t, executed)
}

func TestQueue_TaskError(t *testing.T) {
	q := New()
	defer q.Close()

	expectedErr := errors.New("task failed")
	result, err := q.Enqueue(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
		return nil, expectedErr
	})

	assert.Error(t, err)
	assert.Equal(t, expectedErr, err)
	assert.Nil(t, result)
}

func TestQueue_SerialPerLane(t *testing.T) {
	q := New()
	defer q.Close()

	var inFlight, maxInFlight int32
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.Enqueue(context.Background(), SessionLane("alpha"), func(ctx context.Context) (interface{}, error) {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					max := atomic.LoadInt32(&maxInFlight)
					if n <= max || atomic.CompareAndSwapInt32(&maxInFlight, max, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil, nil
			})
		}()
	}

	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight), "one turn at a time per session")
}

func TestQueue_LanesRunIndependently(t *testing.T) {
	q := New()
	defer q.Close()

	var count1, count2 int32
	var wg sync.WaitGroup

	for i := 0; i < 3; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = q.Enqueue(context.Background(), "lane1", func(ctx context.Context) (interface{}, error) {
				atomic.AddInt32(&count1, 1)
				time.Sleep(20 * time.Millisecond)
				return nil, nil
			})
		}()
		go func() {
			defer wg.Done()
			_, _ = q.Enqueue(context.Background(), "lane2", func(ctx context.Context) (interface{}, error) {
				atomic.AddInt32(&count2, 1)
				time.Sleep(20 * time.Millisecond)
				return nil, nil
			})
		}()
	}

	wg.Wait()
	assert.Equal(t, int32(3), atomic.LoadInt32(&count1))
	assert.Equal(t, int32(3), atomic.LoadInt32(&count2))
}

func TestQueue_ResetLaneRejectsQueued(t *testing.T) {
	q := New()
	defer q.Close()

	release := make(chan struct{})
	var wg sync.WaitGroup

	// Occupy the lane.
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = q.Enqueue(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
			<-release
			return nil, nil
		})
	}()
	time.Sleep(50 * time.Millisecond)

	// Queue one behind it.
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
			return nil, nil
		})
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)

	q.ResetLane("test")
	close(release)
	wg.Wait()

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("queued task did not get rejected")
	}
}

func TestQueue_Stats(t *testing.T) {
	q := New()
	defer q.Close()

	_, _ = q.Enqueue(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})

	stats := q.Stats()
	assert.Contains(t, stats, "test")
	assert.Equal(t, 1, stats["test"]["concurrency"])
	assert.Equal(t, 0, stats["test"]["running"])
}

func TestQueue_WaitForActive(t *testing.T) {
	q := New()
	defer q.Close()

	go func() {
		_, _ = q.Enqueue(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
			time.Sleep(50 * time.Millisecond)
			return nil, nil
		})
	}()
	time.Sleep(10 * time.Millisecond)

	assert.True(t, q.WaitForActive(2*time.Second))
}
