package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openloom/plugin-server/internal/event"
	"github.com/openloom/plugin-server/internal/worker"
	"github.com/openloom/plugin-server/pkg/logger"
)

// stubSession mirrors sarama's offset manager: marking keeps the highest
// position per partition, exactly what a restart would resume from.
type stubSession struct {
	ctx       context.Context
	mu        sync.Mutex
	committed map[int32]int64
}

func (s *stubSession) Claims() map[string][]int32 { return nil }
func (s *stubSession) MemberID() string           { return "member-0" }
func (s *stubSession) GenerationID() int32        { return 1 }
func (s *stubSession) MarkOffset(_ string, partition int32, offset int64, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.committed == nil {
		s.committed = map[int32]int64{}
	}
	if offset > s.committed[partition] {
		s.committed[partition] = offset
	}
}
func (s *stubSession) Commit()                                  {}
func (s *stubSession) ResetOffset(string, int32, int64, string) {}
func (s *stubSession) Context() context.Context                 { return s.ctx }
func (s *stubSession) MarkMessage(msg *sarama.ConsumerMessage, meta string) {
	s.MarkOffset(msg.Topic, msg.Partition, msg.Offset+1, meta)
}

// position reports the partition's committed resume position.
func (s *stubSession) position(partition int32) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed[partition]
}

type stubClaim struct {
	messages chan *sarama.ConsumerMessage
}

func (c *stubClaim) Topic() string                            { return "events_ingestion_handoff" }
func (c *stubClaim) Partition() int32                         { return 0 }
func (c *stubClaim) InitialOffset() int64                     { return 0 }
func (c *stubClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *stubClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

// stubGroup drives the handler once with a scripted claim.
type stubGroup struct {
	session *stubSession
	claim   *stubClaim

	pauses  atomic.Int64
	resumes atomic.Int64
	errs    chan error
}

func newStubGroup(ctx context.Context, depth int) *stubGroup {
	return &stubGroup{
		session: &stubSession{ctx: ctx},
		claim:   &stubClaim{messages: make(chan *sarama.ConsumerMessage, depth)},
		errs:    make(chan error),
	}
}

func (g *stubGroup) Consume(ctx context.Context, _ []string, handler sarama.ConsumerGroupHandler) error {
	if err := handler.Setup(g.session); err != nil {
		return err
	}
	if err := handler.ConsumeClaim(g.session, g.claim); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func (g *stubGroup) PauseAll()            { g.pauses.Add(1) }
func (g *stubGroup) ResumeAll()           { g.resumes.Add(1) }
func (g *stubGroup) Errors() <-chan error { return g.errs }
func (g *stubGroup) Close() error         { close(g.errs); return nil }

func envelope(t *testing.T, offset int64, name string) *sarama.ConsumerMessage {
	t.Helper()
	id, err := uuid.NewV7()
	require.NoError(t, err)
	data, err := json.Marshal(map[string]any{"event": name})
	require.NoError(t, err)
	raw, err := json.Marshal(event.RawMessage{
		DistinctID: fmt.Sprintf("user-%d", offset),
		TeamID:     2,
		Now:        time.Now().UTC().Format(time.RFC3339Nano),
		UUID:       id.String(),
		Data:       data,
	})
	require.NoError(t, err)
	return &sarama.ConsumerMessage{Offset: offset, Value: raw}
}

func consumerFixture(t *testing.T, concurrency, tasksPerWorker int, run func(ctx context.Context, task worker.Task) worker.Result) (*Consumer, *stubGroup) {
	t.Helper()
	logg := logger.New(logger.Options{ServiceName: "consumer-test"})
	capacity := concurrency * tasksPerWorker

	pool, err := worker.NewPool(worker.PoolParams{
		Size:       concurrency,
		QueueDepth: capacity,
		Timeout:    5 * time.Second,
		Factory: func(int) worker.Runner {
			return &funcTaskRunner{run: run}
		},
		Logg: logg,
	})
	require.NoError(t, err)
	t.Cleanup(pool.Stop)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	group := newStubGroup(ctx, 256)

	consumer, err := NewConsumer(ConsumerParams{
		Group:    group,
		Topic:    "events_ingestion_handoff",
		Pool:     pool,
		Capacity: capacity,
		Logg:     logg,
	})
	require.NoError(t, err)
	consumer.Start(ctx)
	return consumer, group
}

type funcTaskRunner struct {
	run func(ctx context.Context, task worker.Task) worker.Result
}

func (r *funcTaskRunner) Run(ctx context.Context, task worker.Task) worker.Result {
	return r.run(ctx, task)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// The saturation scenario: concurrency 2, 2 tasks per worker, 50 events. The
// consumer must pause at 4 in-flight, never exceed it, drain everything, and
// end resumed.
func TestConsumerBackpressure(t *testing.T) {
	const taskTime = 20 * time.Millisecond

	var current, peak atomic.Int64
	consumer, group := consumerFixture(t, 2, 2, func(context.Context, worker.Task) worker.Result {
		cur := current.Add(1)
		for {
			max := peak.Load()
			if cur <= max || peak.CompareAndSwap(max, cur) {
				break
			}
		}
		time.Sleep(taskTime)
		current.Add(-1)
		return worker.Result{}
	})

	start := time.Now()
	for i := int64(0); i < 50; i++ {
		group.claim.messages <- envelope(t, i, "pageview")
	}

	waitFor(t, 10*time.Second, func() bool {
		return group.session.position(0) == 50
	}, "the committed position must reach past the last offset")
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, group.pauses.Load(), int64(1), "saturation must pause the partitions")
	assert.Equal(t, group.pauses.Load(), group.resumes.Load(), "consumer must end resumed")
	assert.False(t, consumer.Paused())
	assert.LessOrEqual(t, peak.Load(), int64(2), "pool concurrency bounds running tasks")
	assert.GreaterOrEqual(t, elapsed, 50/4*taskTime, "admission bounds throughput")

	waitFor(t, time.Second, func() bool { return consumer.InFlight() == 0 }, "in-flight must drain")
}

// A failed task pins the partition's committed position at its offset, even
// when later offsets on the same partition succeed: committing past it would
// skip the replay the at-least-once contract depends on.
func TestConsumerHoldsCommitAtFailedOffset(t *testing.T) {
	consumer, group := consumerFixture(t, 1, 4, func(_ context.Context, task worker.Task) worker.Result {
		if task.Event.Event == "poison" {
			return worker.Result{Err: errors.New("pipeline failed")}
		}
		return worker.Result{}
	})

	group.claim.messages <- envelope(t, 0, "pageview")
	group.claim.messages <- envelope(t, 1, "poison")
	group.claim.messages <- envelope(t, 2, "pageview")

	waitFor(t, 5*time.Second, func() bool {
		return group.session.position(0) == 1
	}, "the offset before the failure must commit")
	waitFor(t, time.Second, func() bool { return consumer.InFlight() == 0 }, "in-flight must drain")
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int64(1), group.session.position(0),
		"a later success must not commit past the failed offset")
}

// Completions land out of order across workers; the committed position only
// moves once the oldest offset resolves, then jumps over everything that
// finished ahead of it.
func TestConsumerCommitsContiguously(t *testing.T) {
	release := make(chan struct{})
	consumer, group := consumerFixture(t, 2, 2, func(_ context.Context, task worker.Task) worker.Result {
		if task.Event.DistinctID == "user-0" {
			<-release
		}
		return worker.Result{}
	})

	group.claim.messages <- envelope(t, 0, "pageview")
	group.claim.messages <- envelope(t, 1, "pageview")

	waitFor(t, 5*time.Second, func() bool { return consumer.InFlight() == 1 }, "the fast offset resolves first")
	assert.Zero(t, group.session.position(0), "nothing commits while the first offset is still running")

	close(release)
	waitFor(t, 5*time.Second, func() bool {
		return group.session.position(0) == 2
	}, "resolving the oldest offset releases the whole contiguous run")
}

// Startup blocks on Ready; it must resolve as soon as the first session has
// its partitions, before any message flows.
func TestConsumerReadyResolvesOnFirstSession(t *testing.T) {
	consumer, _ := consumerFixture(t, 1, 1, func(context.Context, worker.Task) worker.Result {
		return worker.Result{}
	})

	select {
	case <-consumer.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("ready must resolve once the session is set up")
	}
	assert.Zero(t, consumer.InFlight())
}

func TestConsumerDropsInvalidEnvelope(t *testing.T) {
	var ran atomic.Int64
	consumer, group := consumerFixture(t, 1, 4, func(context.Context, worker.Task) worker.Result {
		ran.Add(1)
		return worker.Result{}
	})

	group.claim.messages <- &sarama.ConsumerMessage{Offset: 0, Value: []byte("not json")}
	group.claim.messages <- envelope(t, 1, "pageview")

	waitFor(t, 5*time.Second, func() bool {
		return group.session.position(0) == 2
	}, "invalid envelope commits alongside the healthy one")
	assert.Equal(t, int64(1), ran.Load(), "invalid envelope never reaches the pool")
	assert.Zero(t, consumer.InFlight())
}
