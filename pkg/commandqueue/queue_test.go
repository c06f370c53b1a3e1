package commandqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *CommandQueue {
	t.Helper()
	cq := New(zerolog.Nop())
	t.Cleanup(func() { cq.Close() })
	return cq
}

func TestCommandQueue_BasicEnqueue(t *testing.T) {
	cq := newTestQueue(t)

	executed := false
	err := cq.Enqueue(context.Background(), "test", func(ctx context.Context) error {
		executed = true
		return nil
	})

	assert.NoError(t, err)
	assert.True(t, executed)
}

func TestCommandQueue_TaskError(t *testing.T) {
	cq := newTestQueue(t)

	expectedErr := errors.New("task failed")
	err := cq.Enqueue(context.Background(), "test", func(ctx context.Context) error {
		return expectedErr
	})

	assert.ErrorIs(t, err, expectedErr)
}

func TestCommandQueue_FIFOWithinLane(t *testing.T) {
	cq := newTestQueue(t)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		_, err := cq.Submit(context.Background(), "serial", "", func(ctx context.Context) error {
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}, func(error) { wg.Done() })
		require.NoError(t, err)
	}

	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestCommandQueue_LanesRunConcurrently(t *testing.T) {
	cq := newTestQueue(t)

	release := make(chan struct{})
	started := make(chan struct{})
	_, err := cq.Submit(context.Background(), "index:a", "", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}, nil)
	require.NoError(t, err)
	<-started

	done := make(chan error, 1)
	go func() {
		done <- cq.Enqueue(context.Background(), "index:b", func(ctx context.Context) error { return nil })
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("lane b blocked by lane a")
	}
	close(release)
}

func TestCommandQueue_CoalescesWaitingKeys(t *testing.T) {
	cq := newTestQueue(t)

	release := make(chan struct{})
	_, err := cq.Submit(context.Background(), "index:v", "", func(ctx context.Context) error {
		<-release
		return nil
	}, nil)
	require.NoError(t, err)

	var runs atomic.Int32
	var wg sync.WaitGroup
	wg.Add(3)
	task := func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}

	queued, err := cq.Submit(context.Background(), "index:v", "/v/a.md", task, func(error) { wg.Done() })
	require.NoError(t, err)
	assert.True(t, queued)
	for i := 0; i < 2; i++ {
		queued, err = cq.Submit(context.Background(), "index:v", "/v/a.md", task, func(error) { wg.Done() })
		require.NoError(t, err)
		assert.False(t, queued)
	}

	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), runs.Load())
}

func TestCommandQueue_ResetLane(t *testing.T) {
	cq := newTestQueue(t)

	release := make(chan struct{})
	_, err := cq.Submit(context.Background(), "index:v", "", func(ctx context.Context) error {
		<-release
		return nil
	}, nil)
	require.NoError(t, err)

	result := make(chan error, 1)
	_, err = cq.Submit(context.Background(), "index:v", "k", func(ctx context.Context) error {
		return nil
	}, func(err error) { result <- err })
	require.NoError(t, err)

	assert.Equal(t, 1, cq.ResetLane("index:v"))
	assert.ErrorIs(t, <-result, ErrLaneReset)
	close(release)
	assert.True(t, cq.WaitForActive(time.Second))
}

func TestCommandQueue_EnqueueRespectsContext(t *testing.T) {
	cq := newTestQueue(t)

	release := make(chan struct{})
	defer close(release)
	_, err := cq.Submit(context.Background(), "slow", "", func(ctx context.Context) error {
		<-release
		return nil
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = cq.Enqueue(ctx, "slow", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCommandQueue_Close(t *testing.T) {
	cq := New(zerolog.Nop())

	started := make(chan struct{})
	_, err := cq.Submit(context.Background(), "long", "", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, nil)
	require.NoError(t, err)
	<-started

	require.NoError(t, cq.Close())
	_, err = cq.Submit(context.Background(), "long", "", func(ctx context.Context) error { return nil }, nil)
	assert.ErrorIs(t, err, ErrQueueClosed)
	assert.ErrorIs(t, cq.Enqueue(context.Background(), "long", func(ctx context.Context) error { return nil }), ErrQueueClosed)
}

func TestCommandQueue_Stats(t *testing.T) {
	cq := newTestQueue(t)
	cq.SetConcurrency("wide", 4)

	require.NoError(t, cq.Enqueue(context.Background(), "wide", func(ctx context.Context) error { return nil }))
	stats := cq.GetStats()
	assert.Equal(t, 4, stats["wide"]["concurrency"])
	assert.Equal(t, 0, cq.GetQueueSize("wide"))
	assert.Equal(t, 0, cq.GetRunningCount("missing"))
}
