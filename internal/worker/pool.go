package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openloom/plugin-server/pkg/logger"
	"github.com/openloom/plugin-server/pkg/metrics"
)

// ErrTaskTimeout marks a task abandoned after exceeding the task deadline.
// The worker moves on; the abandoned call winds down when it next observes
// its canceled context.
var ErrTaskTimeout = errors.New("task timed out")

// ErrPoolStopped is returned for tasks submitted or queued past Stop.
var ErrPoolStopped = errors.New("worker pool stopped")

// Future resolves once the pool finishes a task.
type Future struct {
	done   chan struct{}
	result Result
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// ResolvedFuture wraps an already-known result; stubs standing in for the
// pool return these.
func ResolvedFuture(result Result) *Future {
	f := newFuture()
	f.resolve(result)
	return f
}

func (f *Future) resolve(result Result) {
	f.result = result
	close(f.done)
}

// Wait blocks until the task resolves or ctx ends.
func (f *Future) Wait(ctx context.Context) Result {
	select {
	case <-f.done:
		return f.result
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
}

type request struct {
	ctx    context.Context
	task   Task
	future *Future
}

// PoolParams configures NewPool.
type PoolParams struct {
	// Size is the number of workers (WORKER_CONCURRENCY).
	Size int
	// QueueDepth bounds tasks waiting for a worker; the consumer's admission
	// semaphore keeps submissions under it.
	QueueDepth int
	// Timeout is the per-task deadline (TASK_TIMEOUT).
	Timeout time.Duration
	// Factory builds the runner each worker owns.
	Factory func(workerID int) Runner

	Logg    *logger.Logger
	Metrics *metrics.WorkerMetrics
}

// Pool is the fixed set of isolated execution contexts. Tasks queue to a
// shared channel; broadcast kinds fan out through per-worker channels so
// every worker's plugin state stays current.
type Pool struct {
	timeout time.Duration
	logg    *logger.Logger
	metrics *metrics.WorkerMetrics

	shared  chan *request
	workers []*poolWorker

	queued    atomic.Int64
	busy      atomic.Int64
	completed atomic.Int64
	durations atomic.Int64 // summed nanoseconds

	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

type poolWorker struct {
	id      int
	runner  Runner
	private chan *request
}

// NewPool starts the workers; each gets its own runner from the factory.
func NewPool(params PoolParams) (*Pool, error) {
	if params.Size <= 0 {
		return nil, errors.New("pool size must be positive")
	}
	if params.Factory == nil {
		return nil, errors.New("runner factory is required")
	}
	if params.Logg == nil {
		return nil, errors.New("logger is required")
	}
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	depth := params.QueueDepth
	if depth < params.Size {
		depth = params.Size
	}

	p := &Pool{
		timeout: timeout,
		logg:    params.Logg,
		metrics: params.Metrics,
		shared:  make(chan *request, depth),
		stopped: make(chan struct{}),
	}
	for i := 0; i < params.Size; i++ {
		w := &poolWorker{
			id:      i,
			runner:  params.Factory(i),
			private: make(chan *request, 4),
		}
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go p.runWorker(w)
	}
	return p, nil
}

// RunTask queues a task and returns its future. Broadcast kinds resolve when
// every worker has run them; the future then carries the first failure, if
// any.
func (p *Pool) RunTask(ctx context.Context, task Task) *Future {
	future := newFuture()
	if task.Kind.IsBroadcast() {
		go func() {
			results := p.Broadcast(ctx, task)
			merged := Result{}
			for _, result := range results {
				if result.Err != nil && merged.Err == nil {
					merged = result
				}
				if result.Schedule != nil {
					merged.Schedule = result.Schedule
				}
			}
			future.resolve(merged)
		}()
		return future
	}

	req := &request{ctx: ctx, task: task, future: future}
	select {
	case <-p.stopped:
		future.resolve(Result{Err: ErrPoolStopped})
	case p.shared <- req:
		p.trackQueued(1)
	}
	return future
}

// Broadcast runs the task on every worker and collects the results.
func (p *Pool) Broadcast(ctx context.Context, task Task) []Result {
	futures := make([]*Future, 0, len(p.workers))
	for _, w := range p.workers {
		future := newFuture()
		req := &request{ctx: ctx, task: task, future: future}
		select {
		case <-p.stopped:
			future.resolve(Result{Err: ErrPoolStopped})
		case w.private <- req:
			p.trackQueued(1)
		}
		futures = append(futures, future)
	}
	results := make([]Result, 0, len(futures))
	for _, future := range futures {
		results = append(results, future.Wait(ctx))
	}
	return results
}

func (p *Pool) runWorker(w *poolWorker) {
	defer p.wg.Done()
	for {
		// Broadcast work first so reloads are not starved by the event queue.
		select {
		case req := <-w.private:
			p.execute(w, req)
			continue
		default:
		}
		select {
		case req := <-w.private:
			p.execute(w, req)
		case req := <-p.shared:
			p.execute(w, req)
		case <-p.stopped:
			return
		}
	}
}

func (p *Pool) execute(w *poolWorker, req *request) {
	p.trackQueued(-1)
	p.metrics.SetBusyWorkers(int(p.busy.Add(1)))
	defer func() {
		p.metrics.SetBusyWorkers(int(p.busy.Add(-1)))
	}()

	base := req.ctx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithTimeout(base, p.timeout)
	defer cancel()

	kind := string(req.task.Kind)
	start := time.Now()
	done := make(chan Result, 1)
	go func() {
		done <- w.runner.Run(ctx, req.task)
	}()

	var result Result
	select {
	case result = <-done:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			result = Result{Err: fmt.Errorf("%s after %s: %w", kind, p.timeout, ErrTaskTimeout)}
			p.metrics.IncTimedOut(kind)
			p.logg.Warn(p.logg.WithField(context.Background(), "task", kind), "task abandoned on timeout")
		} else {
			result = Result{Err: ctx.Err()}
		}
	}

	duration := time.Since(start)
	p.completed.Add(1)
	p.durations.Add(int64(duration))
	p.metrics.ObserveDuration(kind, duration)
	if result.Err != nil {
		p.metrics.IncFailed(kind)
	} else {
		p.metrics.IncCompleted(kind)
	}
	req.future.resolve(result)
}

func (p *Pool) trackQueued(delta int64) {
	queued := p.queued.Add(delta)
	p.metrics.SetQueueSize(int(queued))
}

// QueueSize reports tasks waiting for a worker.
func (p *Pool) QueueSize() int {
	return int(p.queued.Load())
}

// Completed reports tasks resolved since start.
func (p *Pool) Completed() int64 {
	return p.completed.Load()
}

// Duration reports the summed execution time of resolved tasks.
func (p *Pool) Duration() time.Duration {
	return time.Duration(p.durations.Load())
}

// Size reports the number of workers.
func (p *Pool) Size() int {
	return len(p.workers)
}

// Stop ends the workers after their current task. Queued tasks resolve with
// ErrPoolStopped; callers drain in-flight work before stopping.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopped)
	})
	p.wg.Wait()

	for {
		select {
		case req := <-p.shared:
			p.trackQueued(-1)
			req.future.resolve(Result{Err: ErrPoolStopped})
		default:
			return
		}
	}
}
