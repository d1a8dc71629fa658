package ingestion

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/openloom/plugin-server/internal/actions"
	"github.com/openloom/plugin-server/internal/event"
	"github.com/openloom/plugin-server/internal/plugins"
	"github.com/openloom/plugin-server/internal/worker"
	"github.com/openloom/plugin-server/pkg/logger"
	"github.com/openloom/plugin-server/pkg/metrics"
)

// writeFlusher lets the executor flush the buffered producer alongside the
// plugin log buffer on flushQueuedWrites.
type writeFlusher interface {
	Flush() error
}

// ExecutorParams configures NewExecutor.
type ExecutorParams struct {
	Plugins   *plugins.Manager
	Actions   *actions.Manager
	Processor *Processor
	Flusher   writeFlusher
	Logg      *logger.Logger
	Metrics   *metrics.PipelineMetrics
}

// Executor dispatches worker tasks against one worker's plugin host state.
// The pool builds one per worker so VM instances are never shared.
type Executor struct {
	plugins   *plugins.Manager
	actions   *actions.Manager
	processor *Processor
	flusher   writeFlusher
	logg      *logger.Logger
	metrics   *metrics.PipelineMetrics
}

// NewExecutor validates its collaborators and builds an executor.
func NewExecutor(params ExecutorParams) (*Executor, error) {
	if params.Plugins == nil {
		return nil, errors.New("plugin manager is required")
	}
	if params.Actions == nil {
		return nil, errors.New("action manager is required")
	}
	if params.Processor == nil {
		return nil, errors.New("processor is required")
	}
	if params.Logg == nil {
		return nil, errors.New("logger is required")
	}
	return &Executor{
		plugins:   params.Plugins,
		actions:   params.Actions,
		processor: params.Processor,
		flusher:   params.Flusher,
		logg:      params.Logg,
		metrics:   params.Metrics,
	}, nil
}

// Run implements worker.Runner.
func (e *Executor) Run(ctx context.Context, task worker.Task) worker.Result {
	switch task.Kind {
	case worker.KindProcessEvent:
		ev, err := e.plugins.RunProcessEvent(ctx, task.Event)
		return worker.Result{Event: ev, Err: err}

	case worker.KindProcessEventBatch:
		evs, err := e.plugins.RunProcessEventBatch(ctx, task.Events)
		return worker.Result{Events: evs, Err: err}

	case worker.KindIngestEvent:
		return e.ingest(ctx, task.Event)

	case worker.KindMatchActions:
		return worker.Result{ActionIDs: e.actions.Match(task.Event)}

	case worker.KindRunEveryMinute:
		return worker.Result{Err: e.plugins.RunScheduledTask(ctx, task.PluginConfigID, plugins.TaskRunEveryMinute)}
	case worker.KindRunEveryHour:
		return worker.Result{Err: e.plugins.RunScheduledTask(ctx, task.PluginConfigID, plugins.TaskRunEveryHour)}
	case worker.KindRunEveryDay:
		return worker.Result{Err: e.plugins.RunScheduledTask(ctx, task.PluginConfigID, plugins.TaskRunEveryDay)}

	case worker.KindGetPluginSchedule:
		return worker.Result{Schedule: e.plugins.Schedule()}

	case worker.KindReloadPlugins:
		return worker.Result{Err: e.plugins.SetupPlugins(ctx)}

	case worker.KindReloadSchedule:
		schedule, err := e.plugins.LoadSchedule(ctx)
		return worker.Result{Schedule: schedule, Err: err}

	case worker.KindReloadAction:
		return worker.Result{Err: e.actions.Reload(ctx, task.ActionID)}
	case worker.KindReloadAllActions:
		return worker.Result{Err: e.actions.ReloadAll(ctx)}
	case worker.KindDropAction:
		e.actions.Drop(task.ActionID)
		return worker.Result{}

	case worker.KindTeardownPlugins:
		return worker.Result{Err: e.plugins.Teardown(ctx)}

	case worker.KindFlushQueuedWrites:
		return worker.Result{Err: e.flushWrites(ctx)}

	case worker.KindRunJob:
		return worker.Result{Err: e.plugins.RunJob(ctx, task.Job)}

	default:
		return worker.Result{Err: fmt.Errorf("unknown task kind %q", task.Kind)}
	}
}

// ingest runs the full per-event pipeline: the team's plugin chain, then the
// processor. A plugin returning null drops the event; dropped events never
// reach onEvent.
func (e *Executor) ingest(ctx context.Context, ev *event.PluginEvent) worker.Result {
	processed, err := e.plugins.RunProcessEvent(ctx, ev)
	if err != nil {
		return worker.Result{Err: err}
	}
	if processed == nil {
		e.metrics.IncDropped(dropPluginReturnedNull)
		return worker.Result{}
	}

	if _, err := e.processor.Process(ctx, processed); err != nil {
		return worker.Result{Err: err}
	}

	if processed.Event == event.NameSnapshot {
		e.plugins.OnSnapshot(ctx, processed)
	} else {
		e.plugins.OnEvent(ctx, processed)
	}
	return worker.Result{Event: processed}
}

func (e *Executor) flushWrites(ctx context.Context) error {
	var errs error
	if err := e.plugins.FlushLogs(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}
	if e.flusher != nil {
		if err := e.flusher.Flush(); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}
