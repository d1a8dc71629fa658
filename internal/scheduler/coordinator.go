package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openloom/plugin-server/pkg/logger"
	"github.com/openloom/plugin-server/pkg/metrics"
)

// Coordinator states, reported on the transition metric.
const (
	StateFollower  = "follower"
	StateAcquiring = "acquiring"
	StateLeader    = "leader"
)

// CoordinatorParams configures NewCoordinator.
type CoordinatorParams struct {
	Lock    *Lock
	Logg    *logger.Logger
	Metrics *metrics.SchedulerMetrics

	// OnLead runs in its own goroutine while this replica holds the lock; its
	// context is canceled the moment leadership is lost.
	OnLead func(ctx context.Context)
}

// Coordinator elects a singleton among replicas. The holder re-extends the
// lease at TTL/2; an extension failure demotes immediately, canceling the
// leader work, and acquisition retries every TTL/10.
type Coordinator struct {
	lock    *Lock
	logg    *logger.Logger
	metrics *metrics.SchedulerMetrics
	onLead  func(ctx context.Context)

	extendEvery time.Duration
	retryDelay  time.Duration

	leader atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewCoordinator validates params and builds the coordinator.
func NewCoordinator(params CoordinatorParams) (*Coordinator, error) {
	if params.Lock == nil {
		return nil, errors.New("lock is required")
	}
	if params.Logg == nil {
		return nil, errors.New("logger is required")
	}
	ttl := params.Lock.TTL()
	return &Coordinator{
		lock:        params.Lock,
		logg:        params.Logg,
		metrics:     params.Metrics,
		onLead:      params.OnLead,
		extendEvery: ttl / 2,
		retryDelay:  ttl / 10,
		done:        make(chan struct{}),
	}, nil
}

// IsLeader reports whether this replica currently holds the lock.
func (c *Coordinator) IsLeader() bool { return c.leader.Load() }

// Start runs the acquisition loop until Stop.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go func() {
		defer close(c.done)
		c.run(ctx)
	}()
}

// Stop relinquishes leadership and halts the loop.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
	c.wg.Wait()

	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.lock.Release(releaseCtx); err != nil {
		c.logg.Error(releaseCtx, "releasing scheduler lock", err)
	}
	c.setLeader(false)
}

func (c *Coordinator) run(ctx context.Context) {
	for ctx.Err() == nil {
		c.transition(StateAcquiring)
		ok, err := c.lock.Acquire(ctx)
		if err != nil {
			c.metrics.IncLockFailure("acquire")
			c.logg.Error(ctx, "acquiring scheduler lock", err)
		}
		if !ok {
			c.transition(StateFollower)
			if !sleepCtx(ctx, c.retryDelay) {
				return
			}
			continue
		}

		c.lead(ctx)
	}
}

// lead holds the lease, extending at half TTL, until extension fails or the
// coordinator stops.
func (c *Coordinator) lead(ctx context.Context) {
	c.transition(StateLeader)
	c.setLeader(true)
	defer c.setLeader(false)

	leaderCtx, cancelLeader := context.WithCancel(ctx)
	defer cancelLeader()
	if c.onLead != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.onLead(leaderCtx)
		}()
	}

	ticker := time.NewTicker(c.extendEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ok, err := c.lock.Extend(ctx)
			if err != nil {
				c.metrics.IncLockFailure("extend")
				c.logg.Error(ctx, "extending scheduler lock", err)
			}
			if !ok {
				// Lost the lease: stop leader work before anyone else starts.
				c.logg.Warn(ctx, "scheduler lock lost; demoting")
				c.transition(StateFollower)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) transition(state string) {
	c.metrics.IncTransition(state)
}

func (c *Coordinator) setLeader(isLeader bool) {
	c.leader.Store(isLeader)
	c.metrics.SetLeader(isLeader)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
