package plugins

import (
	"context"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// VMState is the LazyVM resolution state.
type VMState int

const (
	// StatePending means materialization has not finished yet.
	StatePending VMState = iota
	// StateReady means the VM compiled and is callable.
	StateReady
	// StateFailed means the plugin permanently failed; the handle resolved
	// null and every caller skips this config.
	StateFailed
)

// Retry policy for transient setup failures; tests compress the base.
var (
	setupRetryBase            = 3 * time.Second
	setupRetryAttempts uint64 = 10
)

// LazyVM is the single-shot handle all callers of a plugin runtime read.
// Writers drive Pending → Ready or Pending → Failed exactly once; readers
// either await the resolution or peek and skip while it is pending.
type LazyVM struct {
	PluginID int
	ConfigID int
	TeamID   int

	done chan struct{}

	mu    sync.Mutex
	state VMState
	vm    *VM
	err   error
}

// NewLazyVM creates a pending handle.
func NewLazyVM(pluginID, configID, teamID int) *LazyVM {
	return &LazyVM{
		PluginID: pluginID,
		ConfigID: configID,
		TeamID:   teamID,
		done:     make(chan struct{}),
	}
}

// NewResolvedVM returns a handle already resolved to vm. Tests and reused
// snapshots take this path.
func NewResolvedVM(pluginID, configID, teamID int, vm *VM) *LazyVM {
	lazy := NewLazyVM(pluginID, configID, teamID)
	lazy.resolve(vm)
	return lazy
}

func (l *LazyVM) resolve(vm *VM) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StatePending {
		return
	}
	l.vm = vm
	l.state = StateReady
	close(l.done)
}

func (l *LazyVM) fail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StatePending {
		return
	}
	l.err = err
	l.state = StateFailed
	close(l.done)
}

// Await blocks until the handle resolves. A nil VM with nil error means the
// plugin permanently failed and the caller should skip it; the recorded
// failure is available through Err.
func (l *LazyVM) Await(ctx context.Context) (*VM, error) {
	select {
	case <-l.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.vm, nil
}

// TryGet returns the VM without blocking. Ingestion uses this: a pending
// handle means the config is skipped for this event rather than stalling the
// worker.
func (l *LazyVM) TryGet() (*VM, VMState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateReady {
		return l.vm, StateReady
	}
	return nil, l.state
}

// Err returns the terminal failure, if any.
func (l *LazyVM) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// materialize runs compile under the transient-failure retry policy:
// exponential backoff from 3s doubling per attempt, at most 10 attempts.
// Only failures carrying the retry marker are retried; anything else, or
// exhausting the attempts, is permanent.
func materialize(ctx context.Context, compile func(context.Context) (*VM, error)) (*VM, error) {
	backoff := retry.WithMaxRetries(setupRetryAttempts-1, retry.NewExponential(setupRetryBase))

	var vm *VM
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		compiled, compileErr := compile(ctx)
		if compileErr != nil {
			if IsRetryable(compileErr) {
				return retry.RetryableError(compileErr)
			}
			return compileErr
		}
		vm = compiled
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vm, nil
}
