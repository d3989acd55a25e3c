package leakage

import (
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/f3rmion/aura/clock"
	"github.com/f3rmion/aura/ids"
	"github.com/f3rmion/aura/internal/logging"
	"github.com/f3rmion/aura/journal"
)

// ErrUnknownContext is returned for contexts never registered.
var ErrUnknownContext = journal.NewKindError(journal.KindPolicy, "privacy context not registered")

// Event records one operation's leakage.
type Event struct {
	Context   ids.ContextID
	Operation string
	Amount    Budget
	AtMs      uint64
}

type privacyContext struct {
	limits Budget
	used   Budget
	events []Event
}

// Tracker accumulates leakage per context. It is safe for concurrent use.
type Tracker struct {
	clock clock.TimeEffects
	log   zerolog.Logger

	mu       sync.Mutex
	contexts map[ids.ContextID]*privacyContext
}

// NewTracker returns a tracker without contexts.
func NewTracker(c clock.TimeEffects, log zerolog.Logger) *Tracker {
	return &Tracker{
		clock:    c,
		log:      logging.Component(log, "leakage"),
		contexts: map[ids.ContextID]*privacyContext{},
	}
}

// Register sets the budget of ctx. Registering a known context replaces
// its limits and keeps what it has used.
func (t *Tracker) Register(ctx ids.ContextID, limits Budget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pc, ok := t.contexts[ctx]; ok {
		pc.limits = limits
		return
	}
	t.contexts[ctx] = &privacyContext{limits: limits}
}

// Check reports whether an operation leaking amount fits ctx's budget.
func (t *Tracker) Check(ctx ids.ContextID, operation string, amount Budget) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.checkLocked(ctx, operation, amount)
}

func (t *Tracker) checkLocked(ctx ids.ContextID, operation string, amount Budget) error {
	pc, ok := t.contexts[ctx]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownContext, ids.Short(ctx))
	}
	if v := pc.used.Accumulate(amount).exceeded(pc.limits); v != nil {
		v.Context, v.Operation = ctx, operation
		return v
	}
	return nil
}

// Record adds an operation's leakage to ctx, refusing it when the total
// would exceed the budget.
func (t *Tracker) Record(ctx ids.ContextID, operation string, amount Budget) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkLocked(ctx, operation, amount); err != nil {
		t.log.Warn().Err(err).Str("context_id", ids.Short(ctx)).Msg("leakage refused")
		return err
	}
	pc := t.contexts[ctx]
	pc.used = pc.used.Accumulate(amount)
	pc.events = append(pc.events, Event{Context: ctx, Operation: operation, Amount: amount, AtMs: t.clock.NowMs()})
	t.log.Debug().Str("context_id", ids.Short(ctx)).Str("operation", operation).Stringer("used", pc.used).Msg("leakage recorded")
	return nil
}

// Guard runs fn when an operation leaking amount fits ctx's budget and
// records the leakage once fn succeeds.
func (t *Tracker) Guard(ctx ids.ContextID, operation string, amount Budget, fn func() error) error {
	if err := t.Check(ctx, operation, amount); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	return t.Record(ctx, operation, amount)
}

// Used returns the cumulative leakage of ctx.
func (t *Tracker) Used(ctx ids.ContextID) (Budget, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pc, ok := t.contexts[ctx]
	if !ok {
		return Budget{}, false
	}
	return pc.used, true
}

// Remaining returns how much external leakage ctx may still disclose and
// its neighbour and group limits.
func (t *Tracker) Remaining(ctx ids.ContextID) (Budget, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pc, ok := t.contexts[ctx]
	if !ok {
		return Budget{}, false
	}
	return Budget{
		External:  pc.limits.External - pc.used.External,
		Neighbour: pc.limits.Neighbour,
		Group:     pc.limits.Group,
	}, true
}

// Events returns ctx's recorded operations in order.
func (t *Tracker) Events(ctx ids.ContextID) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pc, ok := t.contexts[ctx]; ok {
		return slices.Clone(pc.events)
	}
	return nil
}
