package ingestion

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openloom/plugin-server/internal/event"
	"github.com/openloom/plugin-server/internal/worker"
	"github.com/openloom/plugin-server/pkg/logger"
	"github.com/openloom/plugin-server/pkg/metrics"
)

const (
	celeryPopTimeout = 2 * time.Second

	// defaultIngestedTask names re-enqueued events when the deployment does
	// not configure the task its web stack registers.
	defaultIngestedTask = "events.process_ingested_event"
)

// celeryList is the slice of the redis client the bridge needs.
type celeryList interface {
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) (string, bool, error)
	LPush(ctx context.Context, key string, values ...any) error
}

// celeryMessage is the broker envelope of one celery task (protocol 2): the
// body is base64-encoded JSON `[args, kwargs, embed]`.
type celeryMessage struct {
	Body    string `json:"body"`
	Headers struct {
		Task string `json:"task"`
		ID   string `json:"id"`
	} `json:"headers"`
	ContentType string `json:"content-type"`
}

// CeleryBridgeParams configures NewCeleryBridge.
type CeleryBridgeParams struct {
	Redis        celeryList
	PluginsQueue string
	DefaultQueue string

	// IngestedTask is the celery task name processed events re-enqueue under;
	// it must match what the downstream stack registers. Defaulted when empty.
	IngestedTask string

	Pool     taskSubmitter
	Capacity int
	Logg     *logger.Logger
	Metrics  *metrics.PipelineMetrics
}

// CeleryBridge is the KAFKA_ENABLED=false ingestion path: it pops celery
// tasks off the plugins queue, runs the same pipeline, and re-enqueues the
// finished event for the web stack on the default queue. Backpressure is
// inherent: a queue item is only popped when an admission slot frees up.
type CeleryBridge struct {
	redis        celeryList
	pluginsQueue string
	defaultQueue string
	ingestedTask string
	pool         taskSubmitter
	logg         *logger.Logger
	metrics      *metrics.PipelineMetrics

	sem    chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewCeleryBridge validates params and builds the bridge.
func NewCeleryBridge(params CeleryBridgeParams) (*CeleryBridge, error) {
	if params.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if params.PluginsQueue == "" || params.DefaultQueue == "" {
		return nil, errors.New("celery queue names are required")
	}
	if params.Pool == nil {
		return nil, errors.New("worker pool is required")
	}
	if params.Capacity <= 0 {
		return nil, errors.New("capacity must be positive")
	}
	if params.Logg == nil {
		return nil, errors.New("logger is required")
	}
	if params.IngestedTask == "" {
		params.IngestedTask = defaultIngestedTask
	}
	return &CeleryBridge{
		redis:        params.Redis,
		pluginsQueue: params.PluginsQueue,
		defaultQueue: params.DefaultQueue,
		ingestedTask: params.IngestedTask,
		pool:         params.Pool,
		logg:         params.Logg,
		metrics:      params.Metrics,
		sem:          make(chan struct{}, params.Capacity),
		done:         make(chan struct{}),
	}, nil
}

// Start begins polling the plugins queue until Stop.
func (b *CeleryBridge) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	go func() {
		defer close(b.done)
		for ctx.Err() == nil {
			b.poll(ctx)
		}
	}()
}

// Stop halts polling and waits for in-flight events to resolve.
func (b *CeleryBridge) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	<-b.done
	b.wg.Wait()
}

func (b *CeleryBridge) poll(ctx context.Context) {
	select {
	case b.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}

	payload, ok, err := b.redis.BRPop(ctx, celeryPopTimeout, b.pluginsQueue)
	if err != nil && ctx.Err() == nil {
		b.logg.Error(ctx, "popping celery task", err)
	}
	if !ok || err != nil {
		<-b.sem
		return
	}

	ev, err := decodeCeleryEvent([]byte(payload))
	if err != nil {
		b.metrics.IncDropped(dropInvalidEnvelope)
		b.logg.Warn(ctx, "dropping unparseable celery task: "+err.Error())
		<-b.sem
		return
	}

	b.metrics.SetInFlight(len(b.sem))
	future := b.pool.RunTask(ctx, worker.Task{Kind: worker.KindIngestEvent, Event: ev})
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		result := future.Wait(context.Background())
		if result.Err != nil {
			b.logg.Error(b.logg.WithTeam(ctx, ev.TeamID), "celery pipeline task failed", result.Err)
			b.metrics.IncProcessed("error")
		} else if result.Event != nil {
			if err := b.enqueueProcessed(ctx, result.Event); err != nil {
				b.logg.Error(ctx, "re-enqueueing processed event", err)
			}
		}
		<-b.sem
		b.metrics.SetInFlight(len(b.sem))
	}()
}

// decodeCeleryEvent unwraps the celery envelope into a pipeline event. The
// task args mirror the ingestion handoff fields:
// [distinct_id, ip, site_url, data, team_id, now, sent_at].
func decodeCeleryEvent(payload []byte) (*event.PluginEvent, error) {
	var msg celeryMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("decoding celery envelope: %w", err)
	}
	body, err := base64.StdEncoding.DecodeString(msg.Body)
	if err != nil {
		return nil, fmt.Errorf("decoding celery body: %w", err)
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(body, &parts); err != nil {
		return nil, fmt.Errorf("decoding celery body parts: %w", err)
	}
	if len(parts) == 0 {
		return nil, errors.New("celery body has no args")
	}

	var args []json.RawMessage
	if err := json.Unmarshal(parts[0], &args); err != nil {
		return nil, fmt.Errorf("decoding celery args: %w", err)
	}
	if len(args) < 7 {
		return nil, fmt.Errorf("celery task has %d args, want 7", len(args))
	}

	raw := event.RawMessage{Data: args[3]}
	if err := json.Unmarshal(args[0], &raw.DistinctID); err != nil {
		return nil, fmt.Errorf("decoding distinct_id: %w", err)
	}
	_ = json.Unmarshal(args[1], &raw.IP)
	_ = json.Unmarshal(args[2], &raw.SiteURL)
	if err := json.Unmarshal(args[4], &raw.TeamID); err != nil {
		return nil, fmt.Errorf("decoding team_id: %w", err)
	}
	_ = json.Unmarshal(args[5], &raw.Now)
	_ = json.Unmarshal(args[6], &raw.SentAt)

	// Celery handoffs predate the envelope uuid; mint one so downstream
	// ordering keys hold.
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating event uuid: %w", err)
	}
	raw.UUID = id.String()

	return raw.Flatten()
}

// enqueueProcessed wraps the finished event back into a celery task for the
// default queue.
func (b *CeleryBridge) enqueueProcessed(ctx context.Context, ev *event.PluginEvent) error {
	args, err := json.Marshal([]any{
		[]any{ev.DistinctID, ev.IP, ev.SiteURL, ev, ev.TeamID, ev.Now, ev.SentAt},
		map[string]any{},
		nil,
	})
	if err != nil {
		return fmt.Errorf("marshaling celery args: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generating task id: %w", err)
	}
	msg := celeryMessage{
		Body:        base64.StdEncoding.EncodeToString(args),
		ContentType: "application/json",
	}
	msg.Headers.Task = b.ingestedTask
	msg.Headers.ID = id.String()

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling celery envelope: %w", err)
	}
	return b.redis.LPush(ctx, b.defaultQueue, string(payload))
}
