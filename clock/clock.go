// Package clock provides the time effects used by sessions, proposals and
// the channel registry.
//
// Production code uses [Real], backed by the monotonic system clock.
// Simulations and tests use [Simulated], where time only moves when the
// driver calls [Simulated.Advance], so every run with the same inputs
// observes the same timestamps.
package clock

import (
	"context"
	"errors"
)

// TimeEffects is the time capability handed to protocol code.
type TimeEffects interface {
	// NowMs returns milliseconds since the Unix epoch.
	NowMs() uint64

	// SleepMs blocks for ms milliseconds or until ctx is done.
	SleepMs(ctx context.Context, ms uint64) error

	// YieldUntil blocks until cond holds or ctx is done.
	YieldUntil(ctx context.Context, cond WakeCondition) error

	// SetTimeout schedules f to run once after ms milliseconds.
	SetTimeout(ms uint64, f func()) TimeoutHandle

	// CancelTimeout stops a pending timeout. It reports whether the
	// timeout was still pending.
	CancelTimeout(h TimeoutHandle) bool
}

// TimeoutHandle identifies a pending timeout.
type TimeoutHandle uint64

// WakeKind selects how a WakeCondition is evaluated.
type WakeKind uint8

const (
	// WakeImmediate is satisfied as soon as it is checked.
	WakeImmediate WakeKind = iota
	// WakeAt is satisfied once NowMs() >= AtMs.
	WakeAt
	// WakeWhen is satisfied once Ready() returns true. Ready is
	// re-evaluated each time the channel returned by Changed fires.
	WakeWhen
)

// WakeCondition describes what YieldUntil waits for.
type WakeCondition struct {
	Kind    WakeKind
	AtMs    uint64
	Ready   func() bool
	Changed func() <-chan struct{}
}

// Immediately returns a condition that is already satisfied.
func Immediately() WakeCondition { return WakeCondition{Kind: WakeImmediate} }

// At returns a condition satisfied at the given time.
func At(ms uint64) WakeCondition { return WakeCondition{Kind: WakeAt, AtMs: ms} }

// When returns a condition satisfied once ready reports true. changed must
// return a channel that is closed or signalled after the next state change.
func When(ready func() bool, changed func() <-chan struct{}) WakeCondition {
	return WakeCondition{Kind: WakeWhen, Ready: ready, Changed: changed}
}

// ErrInvalidWakeCondition is returned for a WakeWhen without callbacks.
var ErrInvalidWakeCondition = errors.New("wake condition has no readiness callbacks")

// yieldWhen implements WakeWhen for both clocks.
func yieldWhen(ctx context.Context, cond WakeCondition) error {
	if cond.Ready == nil || cond.Changed == nil {
		return ErrInvalidWakeCondition
	}
	for {
		// Subscribe before checking so a change between the check and
		// the wait is not lost.
		changed := cond.Changed()
		if cond.Ready() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}
