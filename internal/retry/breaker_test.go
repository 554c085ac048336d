package retry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("backend down")

func failing(ctx context.Context) error { return errDown }

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	var opened atomic.Int32
	b := NewBreaker(BreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
		OnOpen:           func() { opened.Add(1) },
	})
	defer b.Reset()

	for range 3 {
		assert.ErrorIs(t, b.Execute(context.Background(), failing), errDown)
	}

	assert.Equal(t, CircuitOpen, b.State())
	assert.Equal(t, int32(1), opened.Load())

	var called bool
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.EqualError(t, err, "Circuit breaker is open")
	assert.False(t, called)
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Minute})

	_ = b.Execute(context.Background(), failing)
	_ = b.Execute(context.Background(), failing)
	assert.Equal(t, 2, b.Failures())

	require.NoError(t, b.Execute(context.Background(), func(ctx context.Context) error { return nil }))
	assert.Equal(t, 0, b.Failures())

	_ = b.Execute(context.Background(), failing)
	_ = b.Execute(context.Background(), failing)
	assert.Equal(t, CircuitClosed, b.State())
}

func TestBreaker_ClosesAfterRecoveryTimeout(t *testing.T) {
	closed := make(chan struct{}, 1)
	b := NewBreaker(BreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  30 * time.Millisecond,
		OnClose:          func() { closed <- struct{}{} },
	})

	_ = b.Execute(context.Background(), failing)
	require.Equal(t, CircuitOpen, b.State())

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("breaker did not close")
	}

	assert.Equal(t, CircuitClosed, b.State())
	assert.Equal(t, 0, b.Failures())
	assert.NoError(t, b.Execute(context.Background(), func(ctx context.Context) error { return nil }))
}

func TestBreaker_Call(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 2})
	got, err := Call(context.Background(), b, func(ctx context.Context) (string, error) {
		return "value", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "value", got)
}

func TestBreaker_ConcurrentFailures(t *testing.T) {
	var opened atomic.Int32
	b := NewBreaker(BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  time.Minute,
		OnOpen:           func() { opened.Add(1) },
	})
	defer b.Reset()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.RecordFailure()
		}()
	}
	wg.Wait()

	assert.Equal(t, CircuitOpen, b.State())
	assert.Equal(t, int32(1), opened.Load())
}

func TestBreaker_Reset(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	b.RecordFailure()
	require.Equal(t, CircuitOpen, b.State())

	b.Reset()
	assert.Equal(t, CircuitClosed, b.State())
	assert.NoError(t, b.Allow())
}
