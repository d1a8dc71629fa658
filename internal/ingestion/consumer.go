package ingestion

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/openloom/plugin-server/internal/event"
	"github.com/openloom/plugin-server/internal/worker"
	"github.com/openloom/plugin-server/pkg/logger"
	"github.com/openloom/plugin-server/pkg/metrics"
)

// consumerGroup is the slice of sarama.ConsumerGroup the consumer drives;
// tests substitute a scripted implementation.
type consumerGroup interface {
	Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error
	PauseAll()
	ResumeAll()
	Errors() <-chan error
	Close() error
}

// taskSubmitter is the slice of the worker pool the consumer needs.
type taskSubmitter interface {
	RunTask(ctx context.Context, task worker.Task) *worker.Future
}

// ConsumerParams configures NewConsumer.
type ConsumerParams struct {
	Group consumerGroup
	Topic string
	Pool  taskSubmitter

	// Capacity is WORKER_CONCURRENCY * TASKS_PER_WORKER: the pause watermark
	// and the hard in-flight bound.
	Capacity int

	Logg    *logger.Logger
	Metrics *metrics.PipelineMetrics
}

// offsetTracker holds one partition's commit state: the next offset the
// watermark waits on, plus resolutions that finished ahead of it.
type offsetTracker struct {
	started bool
	next    int64
	ahead   map[int64]bool
}

// Consumer pulls raw events off the ingestion topic and feeds the worker
// pool, pausing the partitions when the pool saturates. Each partition
// commits a contiguous watermark: an offset is committed only once it and
// every offset before it resolved successfully, so a failure pins the
// committed position and a crash replays from it even when later offsets on
// the partition succeeded.
type Consumer struct {
	group    consumerGroup
	topic    string
	pool     taskSubmitter
	capacity int
	resumeAt int
	logg     *logger.Logger
	metrics  *metrics.PipelineMetrics

	mu       sync.Mutex
	inFlight int
	paused   bool

	offsetMu sync.Mutex
	offsets  map[int32]*offsetTracker

	sem    chan struct{}
	fatal  chan error
	cancel context.CancelFunc
	done   chan struct{}
	ready  chan struct{}
}

// NewConsumer validates params and builds the consumer.
func NewConsumer(params ConsumerParams) (*Consumer, error) {
	if params.Group == nil {
		return nil, errors.New("consumer group is required")
	}
	if params.Topic == "" {
		return nil, errors.New("consumption topic is required")
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
	return &Consumer{
		group:    params.Group,
		topic:    params.Topic,
		pool:     params.Pool,
		capacity: params.Capacity,
		resumeAt: params.Capacity / 2,
		logg:     params.Logg,
		metrics:  params.Metrics,
		offsets:  map[int32]*offsetTracker{},
		sem:      make(chan struct{}, params.Capacity),
		fatal:    make(chan error, 1),
		done:     make(chan struct{}),
		ready:    make(chan struct{}),
	}, nil
}

// Start joins the consumer group and consumes until Stop or a fatal error.
func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	go func() {
		for err := range c.group.Errors() {
			c.logg.Error(ctx, "consumer group error", err)
		}
	}()

	go func() {
		defer close(c.done)
		for {
			// Consume returns on rebalance; loop to rejoin.
			if err := c.group.Consume(ctx, []string{c.topic}, c); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) || ctx.Err() != nil {
					return
				}
				c.logg.Error(ctx, "consumer session failed", err)
				select {
				case c.fatal <- err:
				default:
				}
				return
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
}

// Ready resolves once the first session has its partitions assigned.
func (c *Consumer) Ready() <-chan struct{} { return c.ready }

// Fatal surfaces unrecoverable consumer errors; the service exits on it.
func (c *Consumer) Fatal() <-chan error { return c.fatal }

// Stop leaves the group and waits for the session to wind down. In-flight
// tasks keep running on the pool; their offsets are simply not committed.
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	select {
	case <-c.done:
	case <-time.After(10 * time.Second):
		c.logg.Warn(context.Background(), "consumer session did not wind down in time")
	}
	return c.group.Close()
}

// Setup implements sarama.ConsumerGroupHandler.
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error {
	select {
	case <-c.ready:
	default:
		close(c.ready)
	}
	return nil
}

// Cleanup implements sarama.ConsumerGroupHandler. Partition assignments are
// void after a rebalance; the watermark state resets with them.
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	c.offsetMu.Lock()
	c.offsets = map[int32]*offsetTracker{}
	c.offsetMu.Unlock()
	return nil
}

// ConsumeClaim implements sarama.ConsumerGroupHandler. One goroutine runs per
// claimed partition; admission is shared across all of them.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := c.handle(ctx, session, msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Consumer) handle(ctx context.Context, session sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage) error {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil
	}

	c.admitOffset(msg.Partition, msg.Offset)

	ev, err := event.ParseRaw(msg.Value)
	if err != nil {
		// Malformed payloads are dropped and committed; they will never parse.
		c.metrics.IncDropped(dropInvalidEnvelope)
		c.logg.Warn(c.logg.WithField(ctx, "offset", msg.Offset), "dropping unparseable event: "+err.Error())
		c.commitResolved(session, msg.Partition, msg.Offset, true)
		<-c.sem
		return nil
	}

	c.admitted()
	future := c.pool.RunTask(ctx, worker.Task{Kind: worker.KindIngestEvent, Event: ev})
	go func() {
		result := future.Wait(context.Background())
		if result.Err != nil {
			c.logg.Error(c.logg.WithTeam(ctx, ev.TeamID), "pipeline task failed; offset not committed", result.Err)
			c.metrics.IncProcessed("error")
		}
		c.commitResolved(session, msg.Partition, msg.Offset, result.Err == nil)
		<-c.sem
		c.released()
	}()
	return nil
}

// admitOffset registers a claimed message with its partition tracker. Claims
// deliver in offset order, so the first admission anchors the watermark.
func (c *Consumer) admitOffset(partition int32, offset int64) {
	c.offsetMu.Lock()
	defer c.offsetMu.Unlock()
	tracker := c.offsets[partition]
	if tracker == nil {
		tracker = &offsetTracker{ahead: map[int64]bool{}}
		c.offsets[partition] = tracker
	}
	if !tracker.started {
		tracker.started = true
		tracker.next = offset
	}
}

// commitResolved records one message's outcome and commits the partition's
// new watermark when it moved. A failed offset stays at the front of the
// tracker, holding every later success back until a restart replays it.
func (c *Consumer) commitResolved(session sarama.ConsumerGroupSession, partition int32, offset int64, ok bool) {
	c.offsetMu.Lock()
	tracker := c.offsets[partition]
	if tracker == nil {
		c.offsetMu.Unlock()
		return
	}
	tracker.ahead[offset] = ok
	moved := false
	for {
		success, resolved := tracker.ahead[tracker.next]
		if !resolved || !success {
			break
		}
		delete(tracker.ahead, tracker.next)
		tracker.next++
		moved = true
	}
	next := tracker.next
	c.offsetMu.Unlock()

	if moved {
		session.MarkOffset(c.topic, partition, next, "")
	}
}

// admitted tracks a new in-flight task and pauses the partitions at the
// capacity watermark.
func (c *Consumer) admitted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight++
	c.metrics.SetInFlight(c.inFlight)
	if !c.paused && c.inFlight >= c.capacity {
		c.group.PauseAll()
		c.paused = true
		c.metrics.IncPause()
	}
}

// released tracks task completion and resumes once drained to half capacity.
func (c *Consumer) released() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight--
	c.metrics.SetInFlight(c.inFlight)
	if c.paused && c.inFlight <= c.resumeAt {
		c.group.ResumeAll()
		c.paused = false
		c.metrics.IncResume()
	}
}

// InFlight reports tasks admitted but not yet resolved.
func (c *Consumer) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Paused reports whether the partitions are currently paused.
func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}
