package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_BasicExecution(t *testing.T) {
	pool := NewPool(2, 0)
	defer pool.Shutdown()

	var ran int64
	require.NoError(t, pool.Submit(context.Background(), "org-1", func(ctx context.Context) error {
		atomic.AddInt64(&ran, 1)
		return nil
	}))
	pool.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&ran))
	assert.Equal(t, int64(1), pool.Metrics().Completed)
}

func TestPool_ConcurrencyLimit(t *testing.T) {
	const size = 3
	pool := NewPool(size, 0)
	defer pool.Shutdown()

	var peak, current int64
	var mu sync.Mutex
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(context.Background(), "g", func(ctx context.Context) error {
			c := atomic.AddInt64(&current, 1)
			mu.Lock()
			if c > peak {
				peak = c
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		}))
	}
	pool.Wait()

	assert.LessOrEqual(t, peak, int64(size))
	assert.Positive(t, peak)
}

func TestPool_Backpressure(t *testing.T) {
	pool := NewPool(1, 0)
	defer pool.Shutdown()

	started := make(chan struct{})
	block := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), "a", func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}))
	<-started

	submitted := make(chan struct{})
	go func() {
		_ = pool.Submit(context.Background(), "b", func(ctx context.Context) error { return nil })
		close(submitted)
	}()

	select {
	case <-submitted:
		t.Fatal("second submit should have blocked")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	select {
	case <-submitted:
	case <-time.After(time.Second):
		t.Fatal("second submit did not unblock after first task completed")
	}
	pool.Wait()
}

func TestPool_GroupSaturation(t *testing.T) {
	pool := NewPool(4, 2)
	defer pool.Shutdown()

	block := make(chan struct{})
	var started sync.WaitGroup
	started.Add(3)
	for _, g := range []string{"org-a", "org-a", "org-b"} {
		require.NoError(t, pool.Submit(context.Background(), g, func(ctx context.Context) error {
			started.Done()
			<-block
			return nil
		}))
	}
	started.Wait()

	assert.Equal(t, []string{"org-a"}, pool.SaturatedGroups())
	assert.Equal(t, 2, pool.GroupActive("org-a"))
	assert.Equal(t, 1, pool.GroupActive("org-b"))

	close(block)
	pool.Wait()
	assert.Empty(t, pool.SaturatedGroups())
	assert.Zero(t, pool.GroupActive("org-a"))
}

func TestPool_NoGroupLimit(t *testing.T) {
	pool := NewPool(2, 0)
	defer pool.Shutdown()

	block := make(chan struct{})
	started := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		require.NoError(t, pool.Submit(context.Background(), "org-a", func(ctx context.Context) error {
			started <- struct{}{}
			<-block
			return nil
		}))
	}
	<-started
	<-started
	assert.Nil(t, pool.SaturatedGroups())
	close(block)
	pool.Wait()
}

func TestPool_ReservationRelease(t *testing.T) {
	pool := NewPool(1, 0)
	defer pool.Shutdown()

	res, err := pool.Reserve(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = pool.Reserve(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	res.Release()
	res.Release()

	res, err = pool.Reserve(context.Background())
	require.NoError(t, err)
	var ran atomic.Bool
	res.Run(context.Background(), "g", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	// A used reservation cannot be released or run again.
	res.Release()
	pool.Wait()
	assert.True(t, ran.Load())
	assert.Equal(t, int64(1), pool.Metrics().Completed)
}

func TestPool_PanicRecovery(t *testing.T) {
	pool := NewPool(2, 1)
	defer pool.Shutdown()

	require.NoError(t, pool.Submit(context.Background(), "g", func(ctx context.Context) error {
		panic("test panic")
	}))
	pool.Wait()

	m := pool.Metrics()
	assert.Equal(t, int64(1), m.Panics)
	assert.Equal(t, int64(1), m.Failed)
	assert.Zero(t, pool.GroupActive("g"), "group count released after panic")

	var ran int64
	require.NoError(t, pool.Submit(context.Background(), "g", func(ctx context.Context) error {
		atomic.AddInt64(&ran, 1)
		return nil
	}))
	pool.Wait()
	assert.Equal(t, int64(1), atomic.LoadInt64(&ran))
}

func TestPool_ContextCancellation(t *testing.T) {
	pool := NewPool(1, 0)
	defer pool.Shutdown()

	block := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), "g", func(ctx context.Context) error {
		<-block
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- pool.Submit(ctx, "g", func(ctx context.Context) error { return nil })
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("submit did not return after context cancellation")
	}
	close(block)
	pool.Wait()
}

func TestPool_GracefulShutdown(t *testing.T) {
	pool := NewPool(2, 0)

	var completed int64
	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(context.Background(), "g", func(ctx context.Context) error {
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt64(&completed, 1)
			return nil
		}))
	}
	pool.Shutdown()
	assert.Equal(t, int64(5), atomic.LoadInt64(&completed))
}

func TestPool_SubmitAfterShutdown(t *testing.T) {
	pool := NewPool(2, 0)
	pool.Shutdown()

	err := pool.Submit(context.Background(), "g", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)
	pool.Shutdown()
}

func TestPool_MetricsAccuracy(t *testing.T) {
	pool := NewPool(4, 0)
	defer pool.Shutdown()

	errTarget := errors.New("intentional error")
	for i := 0; i < 3; i++ {
		require.NoError(t, pool.Submit(context.Background(), "ok", func(ctx context.Context) error { return nil }))
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, pool.Submit(context.Background(), "bad", func(ctx context.Context) error { return errTarget }))
	}
	pool.Wait()

	m := pool.Metrics()
	assert.Equal(t, int64(3), m.Completed)
	assert.Equal(t, int64(2), m.Failed)
	assert.Zero(t, m.Active)
}
