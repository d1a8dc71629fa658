package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/openloom/plugin-server/internal/plugins"
	"github.com/openloom/plugin-server/internal/worker"
	"github.com/openloom/plugin-server/pkg/logger"
	"github.com/openloom/plugin-server/pkg/metrics"
)

// taskSubmitter is the slice of the worker pool the dispatcher needs.
type taskSubmitter interface {
	RunTask(ctx context.Context, task worker.Task) *worker.Future
}

// DispatcherParams configures NewDispatcher.
type DispatcherParams struct {
	Pool taskSubmitter

	// Schedule returns the current plugin schedule; nil means it has not
	// loaded yet and ticks wait.
	Schedule func() *plugins.Schedule

	Logg    *logger.Logger
	Metrics *metrics.SchedulerMetrics
}

// Dispatcher drives runEveryMinute/Hour/Day plugin tasks off wall-clock
// boundaries. Ticks are edge-triggered; boundaries crossed while not leading
// are not backfilled.
type Dispatcher struct {
	pool     taskSubmitter
	schedule func() *plugins.Schedule
	logg     *logger.Logger
	metrics  *metrics.SchedulerMetrics

	lastTick time.Time
}

// NewDispatcher validates params and builds the dispatcher.
func NewDispatcher(params DispatcherParams) (*Dispatcher, error) {
	if params.Pool == nil {
		return nil, errors.New("worker pool is required")
	}
	if params.Schedule == nil {
		return nil, errors.New("schedule source is required")
	}
	if params.Logg == nil {
		return nil, errors.New("logger is required")
	}
	return &Dispatcher{
		pool:     params.Pool,
		schedule: params.Schedule,
		logg:     params.Logg,
		metrics:  params.Metrics,
	}, nil
}

// Run dispatches until ctx ends; the coordinator passes its leader context so
// losing the lock stops dispatch immediately.
func (d *Dispatcher) Run(ctx context.Context) {
	d.lastTick = time.Now().Truncate(time.Minute)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			d.tick(ctx, now)
		case <-ctx.Done():
			return
		}
	}
}

// tick fires the periodicities whose boundary was crossed since the last
// observed minute.
func (d *Dispatcher) tick(ctx context.Context, now time.Time) {
	minute := now.Truncate(time.Minute)
	if !minute.After(d.lastTick) {
		return
	}
	d.lastTick = minute

	schedule := d.schedule()
	if schedule == nil {
		// Plugins are still loading; skip rather than dispatch stale work.
		return
	}

	d.dispatch(ctx, worker.KindRunEveryMinute, plugins.TaskRunEveryMinute, schedule.RunEveryMinute)
	if minute.Minute() == 0 {
		d.dispatch(ctx, worker.KindRunEveryHour, plugins.TaskRunEveryHour, schedule.RunEveryHour)
	}
	if minute.Minute() == 0 && minute.Hour() == 0 {
		d.dispatch(ctx, worker.KindRunEveryDay, plugins.TaskRunEveryDay, schedule.RunEveryDay)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, kind worker.Kind, periodicity string, configIDs []int) {
	if len(configIDs) == 0 {
		return
	}
	d.metrics.IncTick(periodicity)
	for _, configID := range configIDs {
		id := configID
		future := d.pool.RunTask(ctx, worker.Task{Kind: kind, PluginConfigID: id})
		go func() {
			result := future.Wait(context.Background())
			if result.Err != nil {
				logCtx := d.logg.WithPluginConfig(d.logg.WithField(ctx, "task", string(kind)), id)
				d.logg.Error(logCtx, "scheduled task failed", result.Err)
			}
		}()
	}
}
