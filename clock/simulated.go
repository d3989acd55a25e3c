package clock

import (
	"context"
	"sort"
	"sync"
)

// Simulated is deterministic TimeEffects. Time stands still until Advance
// is called; timers and sleepers fire in deadline order, ties broken by
// registration order.
type Simulated struct {
	mu      sync.Mutex
	now     uint64
	next    TimeoutHandle
	waiters []*simWaiter
	// notify is closed and replaced whenever waiters change, so drivers
	// can block until a goroutine has gone to sleep.
	notify chan struct{}
}

type simWaiter struct {
	handle   TimeoutHandle
	deadline uint64
	callback func()
	wake     chan struct{}
}

// NewSimulated returns a simulated clock starting at startMs.
func NewSimulated(startMs uint64) *Simulated {
	return &Simulated{now: startMs, notify: make(chan struct{})}
}

func (s *Simulated) NowMs() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *Simulated) SleepMs(ctx context.Context, ms uint64) error {
	if ms == 0 {
		return nil
	}
	s.mu.Lock()
	wake := make(chan struct{})
	s.addLocked(&simWaiter{deadline: s.now + ms, wake: wake})
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
		return nil
	}
}

func (s *Simulated) YieldUntil(ctx context.Context, cond WakeCondition) error {
	switch cond.Kind {
	case WakeImmediate:
		return nil
	case WakeAt:
		now := s.NowMs()
		if now >= cond.AtMs {
			return nil
		}
		return s.SleepMs(ctx, cond.AtMs-now)
	default:
		return yieldWhen(ctx, cond)
	}
}

func (s *Simulated) SetTimeout(ms uint64, f func()) TimeoutHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.addLocked(&simWaiter{handle: s.next, deadline: s.now + ms, callback: f})
	return s.next
}

func (s *Simulated) CancelTimeout(h TimeoutHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.waiters {
		if w.handle == h && w.callback != nil {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Set moves the clock to ms without firing timers. It is used to seed a
// simulation and panics if ms is in the past.
func (s *Simulated) Set(ms uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ms < s.now {
		panic("clock: simulated time moved backwards")
	}
	s.now = ms
}

// Advance moves time forward by ms and fires every timer whose deadline
// has been reached. Callbacks run on the caller's goroutine.
func (s *Simulated) Advance(ms uint64) {
	s.mu.Lock()
	s.now += ms
	target := s.now
	var due, remaining []*simWaiter
	for _, w := range s.waiters {
		if w.deadline <= target {
			due = append(due, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	s.waiters = remaining
	s.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline < due[j].deadline })
	for _, w := range due {
		if w.callback != nil {
			w.callback()
		} else {
			close(w.wake)
		}
	}
}

// Pending returns the number of sleepers and timeouts not yet fired.
func (s *Simulated) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}

// WaitForPending blocks until at least n waiters are registered or ctx is
// done.
func (s *Simulated) WaitForPending(ctx context.Context, n int) error {
	for {
		s.mu.Lock()
		count := len(s.waiters)
		notify := s.notify
		s.mu.Unlock()
		if count >= n {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-notify:
		}
	}
}

func (s *Simulated) addLocked(w *simWaiter) {
	s.waiters = append(s.waiters, w)
	close(s.notify)
	s.notify = make(chan struct{})
}
