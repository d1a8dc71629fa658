package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openloom/plugin-server/internal/event"
	"github.com/openloom/plugin-server/pkg/logger"
)

// funcRunner adapts a function into a Runner.
type funcRunner struct {
	id  int
	run func(ctx context.Context, workerID int, task Task) Result
}

func (r *funcRunner) Run(ctx context.Context, task Task) Result {
	return r.run(ctx, r.id, task)
}

func testPool(t *testing.T, size int, timeout time.Duration, run func(ctx context.Context, workerID int, task Task) Result) *Pool {
	t.Helper()
	pool, err := NewPool(PoolParams{
		Size:       size,
		QueueDepth: size * 10,
		Timeout:    timeout,
		Factory: func(workerID int) Runner {
			return &funcRunner{id: workerID, run: run}
		},
		Logg: logger.New(logger.Options{ServiceName: "pool-test"}),
	})
	require.NoError(t, err)
	t.Cleanup(pool.Stop)
	return pool
}

func TestRunTaskResolvesResult(t *testing.T) {
	pool := testPool(t, 2, time.Second, func(_ context.Context, _ int, task Task) Result {
		return Result{Event: task.Event}
	})

	ev := &event.PluginEvent{Event: "click", TeamID: 1}
	result := pool.RunTask(context.Background(), Task{Kind: KindProcessEvent, Event: ev}).Wait(context.Background())
	require.NoError(t, result.Err)
	assert.Same(t, ev, result.Event)
	assert.Equal(t, int64(1), pool.Completed())
}

func TestRunTaskNeverPanicsThrough(t *testing.T) {
	pool := testPool(t, 1, time.Second, func(context.Context, int, Task) Result {
		return Result{Err: errors.New("plugin blew up")}
	})

	result := pool.RunTask(context.Background(), Task{Kind: KindProcessEvent}).Wait(context.Background())
	assert.EqualError(t, result.Err, "plugin blew up")
}

func TestTaskTimeoutFreesWorker(t *testing.T) {
	var slowStarted atomic.Bool
	pool := testPool(t, 1, 2*time.Second, func(ctx context.Context, _ int, task Task) Result {
		if task.Kind == KindProcessEvent {
			slowStarted.Store(true)
			select {
			case <-time.After(4 * time.Second):
			case <-ctx.Done():
			}
			return Result{}
		}
		return Result{ActionIDs: []int{7}}
	})

	start := time.Now()
	slow := pool.RunTask(context.Background(), Task{Kind: KindProcessEvent})
	result := slow.Wait(context.Background())
	elapsed := time.Since(start)

	require.True(t, slowStarted.Load())
	assert.ErrorIs(t, result.Err, ErrTaskTimeout)
	assert.Less(t, elapsed, 2500*time.Millisecond, "timeout must resolve promptly")

	// The single worker must be free for the next task immediately.
	next := pool.RunTask(context.Background(), Task{Kind: KindMatchActions}).Wait(context.Background())
	require.NoError(t, next.Err)
	assert.Equal(t, []int{7}, next.ActionIDs)
}

func TestBroadcastReachesEveryWorker(t *testing.T) {
	var mu sync.Mutex
	seen := map[int]int{}
	pool := testPool(t, 4, time.Second, func(_ context.Context, workerID int, task Task) Result {
		if task.Kind == KindReloadPlugins {
			mu.Lock()
			seen[workerID]++
			mu.Unlock()
		}
		return Result{}
	})

	result := pool.RunTask(context.Background(), Task{Kind: KindReloadPlugins}).Wait(context.Background())
	require.NoError(t, result.Err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 4)
	for workerID, count := range seen {
		assert.Equal(t, 1, count, "worker %d", workerID)
	}
}

func TestBroadcastSurfacesFirstFailure(t *testing.T) {
	pool := testPool(t, 3, time.Second, func(_ context.Context, workerID int, _ Task) Result {
		if workerID == 1 {
			return Result{Err: errors.New("reload failed")}
		}
		return Result{}
	})

	result := pool.RunTask(context.Background(), Task{Kind: KindReloadSchedule}).Wait(context.Background())
	assert.EqualError(t, result.Err, "reload failed")
}

func TestStopResolvesQueuedTasks(t *testing.T) {
	release := make(chan struct{})
	pool := testPool(t, 1, time.Minute, func(ctx context.Context, _ int, _ Task) Result {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return Result{}
	})

	running := pool.RunTask(context.Background(), Task{Kind: KindProcessEvent})
	queued := pool.RunTask(context.Background(), Task{Kind: KindProcessEvent})

	close(release)
	require.NoError(t, running.Wait(context.Background()).Err)
	pool.Stop()

	result := queued.Wait(context.Background())
	if result.Err != nil {
		assert.ErrorIs(t, result.Err, ErrPoolStopped)
	}
}

func TestPoolTracksDuration(t *testing.T) {
	pool := testPool(t, 2, time.Second, func(context.Context, int, Task) Result {
		time.Sleep(20 * time.Millisecond)
		return Result{}
	})

	var futures []*Future
	for i := 0; i < 4; i++ {
		futures = append(futures, pool.RunTask(context.Background(), Task{Kind: KindProcessEvent}))
	}
	for _, future := range futures {
		require.NoError(t, future.Wait(context.Background()).Err)
	}
	assert.Equal(t, int64(4), pool.Completed())
	assert.GreaterOrEqual(t, pool.Duration(), 80*time.Millisecond)
	assert.Zero(t, pool.QueueSize())
}
