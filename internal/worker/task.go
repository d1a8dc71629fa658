package worker

import (
	"context"

	"github.com/openloom/plugin-server/internal/event"
	"github.com/openloom/plugin-server/internal/plugins"
	"github.com/openloom/plugin-server/pkg/db/models"
)

// Kind names a task the pool knows how to dispatch.
type Kind string

const (
	KindProcessEvent      Kind = "processEvent"
	KindProcessEventBatch Kind = "processEventBatch"
	KindIngestEvent       Kind = "ingestEvent"
	KindMatchActions      Kind = "matchActions"
	KindRunEveryMinute    Kind = "runEveryMinute"
	KindRunEveryHour      Kind = "runEveryHour"
	KindRunEveryDay       Kind = "runEveryDay"
	KindGetPluginSchedule Kind = "getPluginSchedule"
	KindReloadPlugins     Kind = "reloadPlugins"
	KindReloadSchedule    Kind = "reloadSchedule"
	KindReloadAction      Kind = "reloadAction"
	KindReloadAllActions  Kind = "reloadAllActions"
	KindDropAction        Kind = "dropAction"
	KindTeardownPlugins   Kind = "teardownPlugins"
	KindFlushQueuedWrites Kind = "flushQueuedWrites"
	KindRunJob            Kind = "runJob"
)

// broadcastKinds touch per-worker plugin or action state, so the pool fans
// them out to every worker instead of dispatching to one.
var broadcastKinds = map[Kind]bool{
	KindReloadPlugins:     true,
	KindReloadSchedule:    true,
	KindReloadAction:      true,
	KindReloadAllActions:  true,
	KindDropAction:        true,
	KindTeardownPlugins:   true,
	KindFlushQueuedWrites: true,
}

// IsBroadcast reports whether the kind fans out to every worker.
func (k Kind) IsBroadcast() bool { return broadcastKinds[k] }

// Task is the typed unit of work submitted to the pool. Only the arguments
// the kind needs are set.
type Task struct {
	Kind   Kind
	Event  *event.PluginEvent
	Events []*event.PluginEvent

	PluginConfigID int
	ActionID       int
	Job            *models.PluginJob
}

// Result is the tagged outcome of a task. Workers never throw to the caller;
// failures travel in Err.
type Result struct {
	Event     *event.PluginEvent
	Events    []*event.PluginEvent
	ActionIDs []int
	Schedule  *plugins.Schedule
	Err       error
}

// Runner executes tasks inside one worker. Each worker owns its own runner
// and therefore its own plugin host state.
type Runner interface {
	Run(ctx context.Context, task Task) Result
}
