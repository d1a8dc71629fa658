package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/openloom/plugin-server/internal/worker"
	"github.com/openloom/plugin-server/pkg/logger"
)

var jobsDBSeq atomic.Int64

func setupQueue(t *testing.T) *Queue {
	queue, _ := setupQueueDB(t)
	return queue
}

func setupQueueDB(t *testing.T) (*Queue, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:jobs%d?mode=memory&cache=shared", jobsDBSeq.Add(1))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	ddl := `
CREATE TABLE IF NOT EXISTS plugin_jobs (
  id TEXT PRIMARY KEY,
  team_id INTEGER NOT NULL,
  plugin_config_id INTEGER NOT NULL,
  name TEXT NOT NULL,
  payload TEXT,
  run_at DATETIME NOT NULL,
  attempts INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 5,
  last_error TEXT,
  completed_at DATETIME,
  created_at DATETIME,
  updated_at DATETIME
);`
	require.NoError(t, gdb.Exec(ddl).Error)

	queue, err := NewQueue(gdb, "", 3)
	require.NoError(t, err)
	return queue, gdb
}

func TestEnqueueValidatesInput(t *testing.T) {
	queue := setupQueue(t)
	ctx := context.Background()

	assert.Error(t, queue.EnqueueJob(ctx, 0, 11, "export", nil, time.Time{}), "team id is required")
	assert.Error(t, queue.EnqueueJob(ctx, 2, 0, "export", nil, time.Time{}), "config id is required")
	assert.Error(t, queue.EnqueueJob(ctx, 2, 11, "", nil, time.Time{}), "name is required")

	require.NoError(t, queue.EnqueueJob(ctx, 2, 11, "export", map[string]any{"rows": 10.0}, time.Time{}))
	depth, err := queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestClaimDueSkipsFutureAndExhausted(t *testing.T) {
	queue, gdb := setupQueueDB(t)
	ctx := context.Background()

	require.NoError(t, queue.EnqueueJob(ctx, 2, 11, "due", nil, time.Now().Add(-time.Minute)))
	require.NoError(t, queue.EnqueueJob(ctx, 2, 11, "future", nil, time.Now().Add(time.Hour)))

	claimed, err := queue.ClaimDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "due", claimed[0].Name)
	assert.Equal(t, 1, claimed[0].Attempts, "claiming bumps the attempt count")

	// Fail it past max_attempts, rewinding the backoff so only the attempt
	// ceiling parks it.
	job := claimed[0]
	for job.Attempts < job.MaxAttempts {
		require.NoError(t, queue.MarkFailed(ctx, &job, errors.New("boom")))
		require.NoError(t, gdb.Exec(
			`UPDATE plugin_jobs SET run_at = ? WHERE name = 'due'`, time.Now().Add(-time.Minute).UTC(),
		).Error)
		reclaimed, err := queue.ClaimDue(ctx, 10)
		require.NoError(t, err)
		require.Len(t, reclaimed, 1)
		job = reclaimed[0]
	}
	require.NoError(t, queue.MarkFailed(ctx, &job, errors.New("boom")))

	claimed, err = queue.ClaimDue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed, "exhausted jobs stay parked")

	depth, err := queue.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestMarkFailedKeepsBackoffAndError(t *testing.T) {
	queue := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, queue.EnqueueJob(ctx, 2, 11, "flaky", nil, time.Now().Add(-time.Second)))
	claimed, err := queue.ClaimDue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, queue.MarkFailed(ctx, &claimed[0], errors.New("upstream 503")))

	// Backed off into the future, so not immediately claimable.
	reclaimed, err := queue.ClaimDue(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, reclaimed)
}

func TestMarkCompletedParksJob(t *testing.T) {
	queue := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, queue.EnqueueJob(ctx, 2, 11, "once", nil, time.Now().Add(-time.Second)))
	claimed, err := queue.ClaimDue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, queue.MarkCompleted(ctx, claimed[0].ID))
	reclaimed, err := queue.ClaimDue(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, reclaimed)
}

type recordingPool struct {
	mu    sync.Mutex
	tasks []worker.Task
	fail  bool
}

func (p *recordingPool) RunTask(_ context.Context, task worker.Task) *worker.Future {
	p.mu.Lock()
	p.tasks = append(p.tasks, task)
	p.mu.Unlock()

	result := worker.Result{}
	if p.fail {
		result.Err = errors.New("job export failed")
	}
	return worker.ResolvedFuture(result)
}

func (p *recordingPool) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

func TestPollerRunsDueJobs(t *testing.T) {
	queue := setupQueue(t)
	ctx := context.Background()
	require.NoError(t, queue.EnqueueJob(ctx, 2, 11, "export", map[string]any{"rows": 1.0}, time.Now().Add(-time.Second)))

	pool := &recordingPool{}
	poller, err := NewPoller(PollerParams{
		Queue:    queue,
		Pool:     pool,
		Interval: 10 * time.Millisecond,
		Logg:     logger.New(logger.Options{ServiceName: "jobs-test"}),
	})
	require.NoError(t, err)

	poller.Start(ctx)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && pool.count() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	poller.Stop()

	require.GreaterOrEqual(t, pool.count(), 1)
	task := pool.tasks[0]
	assert.Equal(t, worker.KindRunJob, task.Kind)
	require.NotNil(t, task.Job)
	assert.Equal(t, "export", task.Job.Name)

	// The completion goroutine marks the job done.
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		depth, err := queue.Depth(ctx)
		require.NoError(t, err)
		if depth == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job never marked completed")
}

func TestPollerRespectsGate(t *testing.T) {
	queue := setupQueue(t)
	ctx := context.Background()
	require.NoError(t, queue.EnqueueJob(ctx, 2, 11, "export", nil, time.Now().Add(-time.Second)))

	pool := &recordingPool{}
	var leader atomic.Bool
	poller, err := NewPoller(PollerParams{
		Queue:    queue,
		Pool:     pool,
		Gate:     leader.Load,
		Interval: 10 * time.Millisecond,
		Logg:     logger.New(logger.Options{ServiceName: "jobs-test"}),
	})
	require.NoError(t, err)

	poller.Start(ctx)
	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, pool.count(), "followers must not poll")

	leader.Store(true)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && pool.count() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	poller.Stop()
	assert.GreaterOrEqual(t, pool.count(), 1)
}
