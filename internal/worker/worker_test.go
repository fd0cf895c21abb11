package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify concurrent flushes, timeout mechanism, graceful shutdown
// ============================================================================

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/mutation-queue/internal/queue"
	"github.com/ChuLiYu/mutation-queue/pkg/types"
)

// ============================================================================
// Test Helpers
// ============================================================================

// fakeFlusher records calls and returns one successful result per flush
type fakeFlusher struct {
	mu      sync.Mutex
	flushes []types.EntityID
	retries []types.EntityID
	delay   time.Duration
	err     error
}

func (f *fakeFlusher) Flush(ctx context.Context, temp, perm types.EntityID) ([]types.OperationResult, error) {
	f.mu.Lock()
	f.flushes = append(f.flushes, perm)
	f.mu.Unlock()
	return f.run(ctx)
}

func (f *fakeFlusher) RetryFailedOperations(ctx context.Context, key types.EntityID) ([]types.OperationResult, error) {
	f.mu.Lock()
	f.retries = append(f.retries, key)
	f.mu.Unlock()
	return f.run(ctx)
}

func (f *fakeFlusher) run(ctx context.Context) ([]types.OperationResult, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return []types.OperationResult{{OperationID: "op", Kind: types.KindStopTimer, Attempts: 1}}, nil
}

func task(n int64) Task {
	return Task{Temp: types.Temporary(-n), Permanent: types.Permanent(n), Timeout: time.Second}
}

func receive(t *testing.T, pool *Pool) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := pool.ReceiveResult(ctx)
	require.NoError(t, err)
	return result
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

// TestNewPool tests creating Worker Pool
func TestNewPool(t *testing.T) {
	pool := NewPool(&fakeFlusher{}, 10)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
}

// TestPoolStart tests starting Worker Pool
func TestPoolStart(t *testing.T) {
	pool := NewPool(&fakeFlusher{}, 10)

	err := pool.Start(8)
	require.NoError(t, err)
	assert.Equal(t, 8, pool.GetWorkerCount())

	// Try to start again
	assert.ErrorIs(t, pool.Start(4), ErrPoolStarted)

	pool.Stop()
	assert.ErrorIs(t, pool.Start(1), ErrPoolStarted)
}

// TestWorkerExecution tests flushes reach the flusher
func TestWorkerExecution(t *testing.T) {
	flusher := &fakeFlusher{}
	pool := NewPool(flusher, 10)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	taskCount := 10
	for i := 1; i <= taskCount; i++ {
		require.NoError(t, pool.Submit(task(int64(i))))
	}

	results := make(map[types.EntityID]Result)
	for i := 0; i < taskCount; i++ {
		result := receive(t, pool)
		results[result.Key] = result
	}

	assert.Len(t, results, taskCount)
	for _, r := range results {
		assert.True(t, r.Success)
		assert.Len(t, r.Results, 1)
	}
	assert.Len(t, flusher.flushes, taskCount)
}

// TestRetryTask tests Retry tasks use RetryFailedOperations
func TestRetryTask(t *testing.T) {
	flusher := &fakeFlusher{}
	pool := NewPool(flusher, 1)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(Task{Permanent: types.Permanent(3), Retry: true}))
	result := receive(t, pool)

	assert.True(t, result.Success)
	assert.Equal(t, []types.EntityID{types.Permanent(3)}, flusher.retries)
	assert.Empty(t, flusher.flushes)
}

// TestFlushError tests flush errors are reported in the result
func TestFlushError(t *testing.T) {
	pool := NewPool(&fakeFlusher{err: queue.ErrFlushInProgress}, 1)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(task(1)))
	result := receive(t, pool)

	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Error, queue.ErrFlushInProgress)
}

// TestTimeout tests flush timeout mechanism
func TestTimeout(t *testing.T) {
	pool := NewPool(&fakeFlusher{delay: time.Second}, 10)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	tk := task(1)
	tk.Timeout = time.Millisecond
	require.NoError(t, pool.Submit(tk))

	result := receive(t, pool)
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Error, context.DeadlineExceeded)
}

// ============================================================================
// Concurrency Tests
// ============================================================================

// TestConcurrency tests flushes of different entities run in parallel
func TestConcurrency(t *testing.T) {
	pool := NewPool(&fakeFlusher{delay: 50 * time.Millisecond}, 100)
	workerCount := 8
	taskCount := 40
	require.NoError(t, pool.Start(workerCount))
	defer pool.Stop()

	start := time.Now()
	for i := 1; i <= taskCount; i++ {
		require.NoError(t, pool.Submit(task(int64(i))))
	}
	for i := 0; i < taskCount; i++ {
		assert.True(t, receive(t, pool).Success)
	}
	duration := time.Since(start)

	// serial would take 2s
	assert.Less(t, duration, time.Second)
	t.Logf("Flushed %d entities in %v with %d workers", taskCount, duration, workerCount)
}

// TestConcurrentSubmit tests concurrent task submission
func TestConcurrentSubmit(t *testing.T) {
	pool := NewPool(&fakeFlusher{}, 100)
	require.NoError(t, pool.Start(4))
	defer pool.Stop()

	taskCount := 50
	var wg sync.WaitGroup
	wg.Add(taskCount)
	for i := 1; i <= taskCount; i++ {
		go func(n int64) {
			defer wg.Done()
			assert.NoError(t, pool.Submit(task(n)))
		}(int64(i))
	}
	wg.Wait()

	for i := 0; i < taskCount; i++ {
		receive(t, pool)
	}
}

// ============================================================================
// Graceful Shutdown Tests
// ============================================================================

// TestGracefulShutdown tests submitted tasks finish before Stop returns
func TestGracefulShutdown(t *testing.T) {
	flusher := &fakeFlusher{delay: 5 * time.Millisecond}
	pool := NewPool(flusher, 50)
	require.NoError(t, pool.Start(4))

	taskCount := 50
	for i := 1; i <= taskCount; i++ {
		require.NoError(t, pool.Submit(task(int64(i))))
	}

	goroutinesBefore := runtime.NumGoroutine()
	pool.Stop()

	// every queued task ran and its result is still readable
	received := 0
	for {
		_, err := pool.ReceiveResult(context.Background())
		if errors.Is(err, ErrPoolClosed) {
			break
		}
		require.NoError(t, err)
		received++
	}
	assert.Equal(t, taskCount, received)
	assert.Len(t, flusher.flushes, taskCount)

	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, runtime.NumGoroutine(), goroutinesBefore)
}

// TestAbort tests Abort cancels running flushes
func TestAbort(t *testing.T) {
	pool := NewPool(&fakeFlusher{delay: time.Minute}, 1)
	require.NoError(t, pool.Start(1))

	tk := task(1)
	tk.Timeout = 0
	require.NoError(t, pool.Submit(tk))
	time.Sleep(20 * time.Millisecond)

	pool.Abort()

	result, err := pool.ReceiveResult(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, result.Error, context.Canceled)
}

// TestStopBeforeStart tests stopping before starting
func TestStopBeforeStart(t *testing.T) {
	pool := NewPool(&fakeFlusher{}, 10)
	assert.NotPanics(t, func() {
		pool.Stop()
	})
}

// TestSubmitAfterStop tests submitting tasks after shutdown
func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(&fakeFlusher{}, 10)
	require.NoError(t, pool.Start(2))
	pool.Stop()

	assert.Equal(t, ErrPoolClosed, pool.Submit(task(1)))
}

// TestSubmitBeforeStart tests submitting tasks before starting
func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(&fakeFlusher{}, 10)
	assert.Equal(t, ErrPoolNotStarted, pool.Submit(task(1)))
}

// TestStopUnblocksSubmit tests a Submit blocked on a full channel returns on Stop
func TestStopUnblocksSubmit(t *testing.T) {
	pool := NewPool(&fakeFlusher{delay: 200 * time.Millisecond}, 0)
	require.NoError(t, pool.Start(1))
	require.NoError(t, pool.Submit(task(1)))

	errCh := make(chan error, 2)
	for i := int64(2); i <= 3; i++ {
		go func(n int64) { errCh <- pool.Submit(task(n)) }(i)
	}
	time.Sleep(20 * time.Millisecond)
	pool.Stop()

	closed := 0
	for i := 0; i < 2; i++ {
		if err := <-errCh; errors.Is(err, ErrPoolClosed) {
			closed++
		}
	}
	assert.GreaterOrEqual(t, closed, 1)
}

// TestReceiveResultAfterStop tests receiving results after shutdown
func TestReceiveResultAfterStop(t *testing.T) {
	pool := NewPool(&fakeFlusher{}, 10)
	require.NoError(t, pool.Start(2))
	pool.Stop()

	_, err := pool.ReceiveResult(context.Background())
	assert.Equal(t, ErrPoolClosed, err)
}

// TestReceiveResultContext tests ReceiveResult honours its context
func TestReceiveResultContext(t *testing.T) {
	pool := NewPool(&fakeFlusher{}, 10)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := pool.ReceiveResult(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// ============================================================================
// Queue Integration
// ============================================================================

// TestPoolFlushesQueue tests the pool against a real queue
func TestPoolFlushesQueue(t *testing.T) {
	m := queue.New(queue.Config{MaxRetries: 0})
	var mu sync.Mutex
	seen := make(map[types.EntityID][]string)
	exec := func(name string) types.Executor {
		return types.ExecutorFunc(func(_ context.Context, target types.EntityID, _ types.Payload) error {
			mu.Lock()
			defer mu.Unlock()
			seen[target] = append(seen[target], name)
			return nil
		})
	}

	for n := int64(1); n <= 5; n++ {
		temp := types.Temporary(-n)
		require.NoError(t, m.Enqueue(&types.Operation{Key: temp, Kind: types.KindUpdateDescription, Payload: types.Payload{"description": "d"}, Executor: exec("desc")}))
		require.NoError(t, m.Enqueue(&types.Operation{Key: temp, Kind: types.KindStopTimer, Executor: exec("stop")}))
		require.NoError(t, m.Reconcile(temp, types.Permanent(n)))
	}

	pool := NewPool(m, 5)
	require.NoError(t, pool.Start(3))
	defer pool.Stop()
	for n := int64(1); n <= 5; n++ {
		require.NoError(t, pool.Submit(task(n)))
	}
	for i := 0; i < 5; i++ {
		r := receive(t, pool)
		assert.True(t, r.Success)
		assert.Equal(t, 0, r.Failed())
	}

	for n := int64(1); n <= 5; n++ {
		assert.Equal(t, []string{"desc", "stop"}, seen[types.Permanent(n)])
		assert.Equal(t, types.StatusSynced, m.GetSyncStatus(types.Permanent(n)))
	}
}

// ============================================================================
// Benchmark Tests
// ============================================================================

// BenchmarkPoolThroughput tests throughput
func BenchmarkPoolThroughput(b *testing.B) {
	pool := NewPool(&fakeFlusher{}, 1000)
	pool.Start(8)
	defer pool.Stop()

	go func() {
		for {
			if _, err := pool.ReceiveResult(context.Background()); err != nil {
				return
			}
		}
	}()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pool.Submit(task(int64(i + 1)))
	}
}
