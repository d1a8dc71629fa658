package plugins

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLazyVMResolvesOnce(t *testing.T) {
	lazy := NewLazyVM(1, 10, 2)
	vm := &VM{}

	_, state := lazy.TryGet()
	assert.Equal(t, StatePending, state)

	lazy.resolve(vm)
	lazy.fail(errors.New("late failure is ignored"))

	got, err := lazy.Await(context.Background())
	require.NoError(t, err)
	assert.Same(t, vm, got)
	assert.NoError(t, lazy.Err())
}

func TestLazyVMFailureResolvesNull(t *testing.T) {
	lazy := NewLazyVM(1, 10, 2)
	lazy.fail(errors.New("bad archive"))

	got, err := lazy.Await(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.EqualError(t, lazy.Err(), "bad archive")

	vm, state := lazy.TryGet()
	assert.Nil(t, vm)
	assert.Equal(t, StateFailed, state)
}

func TestLazyVMAwaitHonorsContext(t *testing.T) {
	lazy := NewLazyVM(1, 10, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := lazy.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMaterializePermanentFailureDoesNotRetry(t *testing.T) {
	attempts := 0
	_, err := materialize(context.Background(), func(context.Context) (*VM, error) {
		attempts++
		return nil, errors.New("syntax error")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestMaterializeReturnsCompiledVM(t *testing.T) {
	want := &VM{}
	got, err := materialize(context.Background(), func(context.Context) (*VM, error) {
		return want, nil
	})
	require.NoError(t, err)
	assert.Same(t, want, got)
}

func TestMaterializeRetriesTransientFailures(t *testing.T) {
	attempts := 0
	ctx, cancel := context.WithCancel(context.Background())
	want := &RetryError{Reason: "waiting on upstream"}

	// Cancel after the first attempt so the test does not sit through the 3s
	// backoff; the classification is what matters here.
	_, err := materialize(ctx, func(context.Context) (*VM, error) {
		attempts++
		cancel()
		return nil, want
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.True(t, IsRetryable(err) || errors.Is(err, context.Canceled))
}

func TestIsRetryableClassification(t *testing.T) {
	assert.True(t, IsRetryable(&RetryError{Reason: "x"}))
	assert.False(t, IsRetryable(errors.New("x")))
	assert.True(t, IsRetryable(markSetupError([]byte("retry: upstream not ready"), nil)))
	assert.False(t, IsRetryable(markSetupError([]byte("missing manifest"), nil)))
}
