package clock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulatedTimeoutsFireInOrder(t *testing.T) {
	sim := NewSimulated(1_000)
	var order []int
	sim.SetTimeout(30, func() { order = append(order, 3) })
	sim.SetTimeout(10, func() { order = append(order, 1) })
	cancelled := sim.SetTimeout(20, func() { order = append(order, 2) })

	assert.True(t, sim.CancelTimeout(cancelled))
	assert.False(t, sim.CancelTimeout(cancelled))

	sim.Advance(15)
	assert.Equal(t, []int{1}, order)
	sim.Advance(15)
	assert.Equal(t, []int{1, 3}, order)
	assert.Equal(t, uint64(1_030), sim.NowMs())
	assert.Zero(t, sim.Pending())
}

func TestSimulatedSleep(t *testing.T) {
	sim := NewSimulated(0)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sim.SleepMs(ctx, 100) }()

	require.NoError(t, sim.WaitForPending(ctx, 1))
	sim.Advance(99)
	select {
	case <-done:
		t.Fatal("sleep returned early")
	default:
	}
	sim.Advance(1)
	require.NoError(t, <-done)
}

func TestSleepHonoursCancellation(t *testing.T) {
	sim := NewSimulated(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sim.SleepMs(ctx, 10), context.Canceled)
}

func TestYieldUntilWhen(t *testing.T) {
	var (
		mu      sync.Mutex
		value   int
		changed = make(chan struct{})
	)
	cond := When(
		func() bool { mu.Lock(); defer mu.Unlock(); return value >= 2 },
		func() <-chan struct{} { mu.Lock(); defer mu.Unlock(); return changed },
	)
	bump := func() {
		mu.Lock()
		value++
		close(changed)
		changed = make(chan struct{})
		mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- NewSimulated(0).YieldUntil(ctx, cond) }()
	bump()
	bump()
	require.NoError(t, <-done)

	assert.ErrorIs(t, NewReal().YieldUntil(ctx, WakeCondition{Kind: WakeWhen}), ErrInvalidWakeCondition)
}

func TestYieldUntilAt(t *testing.T) {
	sim := NewSimulated(50)
	require.NoError(t, sim.YieldUntil(context.Background(), At(10)))
	require.NoError(t, sim.YieldUntil(context.Background(), Immediately()))
}

func TestRealTimeout(t *testing.T) {
	real := NewReal()
	var fired atomic.Bool
	done := make(chan struct{})
	real.SetTimeout(1, func() { fired.Store(true); close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout never fired")
	}
	assert.True(t, fired.Load())

	h := real.SetTimeout(60_000, func() {})
	assert.True(t, real.CancelTimeout(h))
	assert.False(t, real.CancelTimeout(h))
}
