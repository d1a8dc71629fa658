package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/openloom/plugin-server/internal/worker"
	"github.com/openloom/plugin-server/pkg/logger"
)

// taskSubmitter is the slice of the worker pool the poller needs.
type taskSubmitter interface {
	RunTask(ctx context.Context, task worker.Task) *worker.Future
}

// PollerParams configures NewPoller.
type PollerParams struct {
	Queue *Queue
	Pool  taskSubmitter

	// Gate reports whether this instance should poll; the scheduler leader
	// lock backs it so only one instance drains the queue.
	Gate func() bool

	Interval  time.Duration
	BatchSize int
	Logg      *logger.Logger
}

// Poller claims due plugin jobs and runs them through the worker pool.
type Poller struct {
	queue     *Queue
	pool      taskSubmitter
	gate      func() bool
	interval  time.Duration
	batchSize int
	logg      *logger.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller validates params and builds the poller.
func NewPoller(params PollerParams) (*Poller, error) {
	if params.Queue == nil {
		return nil, errors.New("job queue is required")
	}
	if params.Pool == nil {
		return nil, errors.New("worker pool is required")
	}
	if params.Logg == nil {
		return nil, errors.New("logger is required")
	}
	gate := params.Gate
	if gate == nil {
		gate = func() bool { return true }
	}
	interval := params.Interval
	if interval <= 0 {
		interval = time.Second
	}
	return &Poller{
		queue:     params.Queue,
		pool:      params.Pool,
		gate:      gate,
		interval:  interval,
		batchSize: params.BatchSize,
		logg:      params.Logg,
		done:      make(chan struct{}),
	}, nil
}

// Start begins polling until Stop.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if p.gate() {
					p.tick(ctx)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts polling; in-flight jobs finish on the pool.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	<-p.done
}

func (p *Poller) tick(ctx context.Context) {
	claimed, err := p.queue.ClaimDue(ctx, p.batchSize)
	if err != nil {
		p.logg.Error(ctx, "claiming due jobs", err)
		return
	}
	for i := range claimed {
		job := claimed[i]
		future := p.pool.RunTask(ctx, worker.Task{Kind: worker.KindRunJob, Job: &job})
		go func() {
			result := future.Wait(context.Background())
			logCtx := p.logg.WithFields(ctx, map[string]any{
				"job":           job.Name,
				"plugin_config": job.PluginConfigID,
			})
			if result.Err != nil {
				p.logg.Error(logCtx, "plugin job failed", result.Err)
				if err := p.queue.MarkFailed(context.Background(), &job, result.Err); err != nil {
					p.logg.Error(logCtx, "recording job failure", err)
				}
				return
			}
			if err := p.queue.MarkCompleted(context.Background(), job.ID); err != nil {
				p.logg.Error(logCtx, "recording job completion", err)
			}
		}()
	}
}
