package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend down")

func fail() error    { return errBackend }
func succeed() error { return nil }

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	var transitions []State
	cb := NewCircuitBreaker("store", Config{
		FailureThreshold: 2,
		Timeout:          time.Hour,
		OnStateChange: func(name string, from, to State) {
			assert.Equal(t, "store", name)
			transitions = append(transitions, to)
		},
	})
	ctx := context.Background()

	assert.Equal(t, "store", cb.Name())
	assert.ErrorIs(t, cb.Execute(ctx, fail), errBackend)
	assert.Equal(t, uint32(1), cb.Counts().ConsecutiveFailures)
	assert.ErrorIs(t, cb.Execute(ctx, fail), errBackend)

	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, []State{StateOpen}, transitions)

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestHalfOpenRecovers(t *testing.T) {
	cb := NewCircuitBreaker("store", Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          20 * time.Millisecond,
	})
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, fail))
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("store", Config{FailureThreshold: 1, Timeout: 20 * time.Millisecond})
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, fail))
	time.Sleep(40 * time.Millisecond)

	require.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, StateOpen, cb.State())
}

func TestIsFailureFiltersErrors(t *testing.T) {
	errInput := errors.New("bad input")
	cb := NewCircuitBreaker("store", Config{
		FailureThreshold: 1,
		IsFailure:        func(err error) bool { return !errors.Is(err, errInput) },
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, func() error { return errInput }), errInput)
	}
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(3), cb.Counts().TotalSuccesses)
}

func TestCancellationDoesNotTrip(t *testing.T) {
	cb := NewCircuitBreaker("store", Config{FailureThreshold: 1})
	ctx := context.Background()

	err := cb.Execute(ctx, func() error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
