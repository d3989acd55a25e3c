package clock

import (
	"context"
	"sync"
	"time"
)

// Real is TimeEffects backed by the system clock.
type Real struct {
	mu     sync.Mutex
	next   TimeoutHandle
	timers map[TimeoutHandle]*time.Timer
}

// NewReal returns a system clock.
func NewReal() *Real {
	return &Real{timers: make(map[TimeoutHandle]*time.Timer)}
}

func (r *Real) NowMs() uint64 {
	return uint64(time.Now().UnixMilli())
}

func (r *Real) SleepMs(ctx context.Context, ms uint64) error {
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (r *Real) YieldUntil(ctx context.Context, cond WakeCondition) error {
	switch cond.Kind {
	case WakeImmediate:
		return nil
	case WakeAt:
		now := r.NowMs()
		if now >= cond.AtMs {
			return nil
		}
		return r.SleepMs(ctx, cond.AtMs-now)
	default:
		return yieldWhen(ctx, cond)
	}
}

func (r *Real) SetTimeout(ms uint64, f func()) TimeoutHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	handle := r.next
	r.timers[handle] = time.AfterFunc(time.Duration(ms)*time.Millisecond, func() {
		r.mu.Lock()
		delete(r.timers, handle)
		r.mu.Unlock()
		f()
	})
	return handle
}

func (r *Real) CancelTimeout(h TimeoutHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	timer, ok := r.timers[h]
	if !ok {
		return false
	}
	delete(r.timers, h)
	return timer.Stop()
}
