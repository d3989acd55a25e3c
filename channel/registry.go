package channel

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/f3rmion/aura/clock"
	"github.com/f3rmion/aura/ids"
	"github.com/f3rmion/aura/internal/logging"
	"github.com/f3rmion/aura/journal"
	"github.com/f3rmion/aura/transport"
)

// GoodbyeContentType is the content type of graceful teardown notices.
const GoodbyeContentType = "application/aura-channel-goodbye"

var (
	ErrAtCapacity     = journal.NewKindError(journal.KindResource, "secure channel registry at capacity")
	ErrUnknownChannel = journal.NewKindError(journal.KindLifecycle, "unknown secure channel")
	ErrNotActive      = journal.NewKindError(journal.KindLifecycle, "secure channel is not active")
)

// Config tunes a Registry.
type Config struct {
	MaxChannels int
	// Graceful sends a goodbye to the peer of every channel torn down.
	Graceful bool
	// TeardownTimeout bounds the goodbyes of one teardown pass.
	TeardownTimeout time.Duration
	// AutoReconnect schedules a reconnect for every terminated channel.
	AutoReconnect        bool
	MaxReconnectAttempts int
}

// DefaultConfig returns the registry defaults.
func DefaultConfig() Config {
	return Config{
		MaxChannels:          1000,
		Graceful:             true,
		TeardownTimeout:      30 * time.Second,
		AutoReconnect:        true,
		MaxReconnectAttempts: 3,
	}
}

// Goodbye tells the peer of k that its channel is going away.
type Goodbye func(ctx context.Context, k Key, reason TeardownReason) error

// TransportGoodbye sends goodbyes as envelopes over t.
func TransportGoodbye(t transport.Transport) Goodbye {
	return func(ctx context.Context, k Key, reason TeardownReason) error {
		meta := map[string]string{
			"context":           ids.Hex(k.Context),
			"reason":            reason.Kind.String(),
			transport.MetaEpoch: strconv.FormatUint(reason.NewEpoch, 10),
		}
		return t.Send(ctx, k.Peer, GoodbyeContentType, meta, []byte(reason.String()))
	}
}

// Reconnect is a scheduled re-run of rendezvous for a terminated channel.
// Receipts from the old channel are not valid on the new one.
type Reconnect struct {
	Key     Key
	Attempt uint64
	Reason  TeardownReason
}

type queued struct {
	key    Key
	reason TeardownReason
}

// Option configures a Registry.
type Option func(*Registry)

// WithGoodbye sets the hook that sends goodbyes.
func WithGoodbye(g Goodbye) Option { return func(r *Registry) { r.goodbye = g } }

// WithClock sets the registry's time source.
func WithClock(c clock.TimeEffects) Option { return func(r *Registry) { r.clock = c } }

// WithLogger sets the registry's logger.
func WithLogger(log zerolog.Logger) Option { return func(r *Registry) { r.log = log } }

// Registry holds at most one channel per (context, peer). It is safe for
// concurrent use.
type Registry struct {
	cfg     Config
	clock   clock.TimeEffects
	log     zerolog.Logger
	goodbye Goodbye

	mu         sync.RWMutex
	channels   map[Key]*Channel
	teardowns  []queued
	reconnects []Reconnect
}

// NewRegistry returns an empty registry.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	r := &Registry{
		cfg:      cfg,
		clock:    clock.NewReal(),
		log:      zerolog.Nop(),
		channels: map[Key]*Channel{},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = logging.Component(r.log, "channels")
	return r
}

// Config returns the registry configuration.
func (r *Registry) Config() Config { return r.cfg }

// GetOrCreate returns the live channel of (context, peer), creating one at
// epoch with budget when there is none or the existing one terminated.
func (r *Registry) GetOrCreate(cid ids.ContextID, peer ids.DeviceID, epoch uint64, budget FlowBudget) (*Channel, error) {
	k := Key{Context: cid, Peer: peer}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.channels[k]; ok {
		if !c.Status.IsTerminated() {
			return c.clone(), nil
		}
		prev := c
		c = newChannel(k, epoch, budget, r.clock.NowMs())
		c.Stats.ReconnectCount = prev.Stats.ReconnectCount
		r.channels[k] = c
		r.log.Info().Str("channel", k.String()).Uint64("epoch", epoch).Msg("replaced terminated channel")
		return c.clone(), nil
	}
	if len(r.channels) >= r.cfg.MaxChannels {
		return nil, fmt.Errorf("%w: %d channels", ErrAtCapacity, r.cfg.MaxChannels)
	}
	c := newChannel(k, epoch, budget, r.clock.NowMs())
	r.channels[k] = c
	r.log.Info().Str("channel", k.String()).Uint64("epoch", epoch).Msg("channel created")
	return c.clone(), nil
}

// Establish marks the channel of k active once its handshake finished.
func (r *Registry) Establish(k Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.channels[k]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, k)
	}
	if c.Status != StatusEstablishing {
		return fmt.Errorf("%w: %s is %s", journal.ErrInvalidState, k, c.Status)
	}
	c.Status = StatusActive
	c.LastActivity = r.clock.NowMs()
	r.log.Info().Str("channel", k.String()).Msg("channel established")
	return nil
}

// Get returns a copy of the channel of k.
func (r *Registry) Get(k Key) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.channels[k]
	if !ok {
		return nil, false
	}
	return c.clone(), true
}

// Active returns the channel of (context, peer) when it is active.
func (r *Registry) Active(cid ids.ContextID, peer ids.DeviceID) (*Channel, bool) {
	c, ok := r.Get(Key{Context: cid, Peer: peer})
	if !ok || !c.IsActive() {
		return nil, false
	}
	return c, true
}

// Has reports whether (context, peer) has a channel in any state.
func (r *Registry) Has(cid ids.ContextID, peer ids.DeviceID) bool {
	_, ok := r.Get(Key{Context: cid, Peer: peer})
	return ok
}

// RecordSent counts a message of n bytes sent on the channel of k.
func (r *Registry) RecordSent(k Key, n uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.activeLocked(k)
	if err != nil {
		return err
	}
	c.Stats.MessagesSent++
	c.Stats.BytesSent += n
	c.Budget.Spent += n
	c.LastActivity = r.clock.NowMs()
	return nil
}

// RecordReceived counts a message of n bytes received on the channel of k
// under epoch. Receipts never cross epochs.
func (r *Registry) RecordReceived(k Key, epoch, n uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.activeLocked(k)
	if err != nil {
		return err
	}
	if epoch != c.Epoch {
		return &journal.StaleEpochError{Provided: epoch, Current: c.Epoch}
	}
	c.Stats.MessagesReceived++
	c.Stats.BytesReceived += n
	c.LastActivity = r.clock.NowMs()
	return nil
}

func (r *Registry) activeLocked(k Key) (*Channel, error) {
	c, ok := r.channels[k]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, k)
	}
	if !c.IsActive() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotActive, k, c.Status)
	}
	return c, nil
}

// TriggerEpochRotation queues every live channel bound to an epoch older
// than epoch. It returns how many it queued.
func (r *Registry) TriggerEpochRotation(epoch uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, k := range r.sortedKeysLocked() {
		c := r.channels[k]
		if c.Status.IsTerminated() || !c.ShouldTeardownForEpoch(epoch) {
			continue
		}
		r.teardowns = append(r.teardowns, queued{k, EpochRotation(c.Epoch, epoch)})
		r.log.Info().Str("channel", k.String()).Uint64("old_epoch", c.Epoch).Uint64("new_epoch", epoch).
			Msg("queued for epoch rotation teardown")
		n++
	}
	return n
}

// TriggerCapabilityShrink applies budget to the channel of (context,
// peer). A limit below three quarters of the current one queues the
// channel for teardown and reports true; a smaller shrink replaces the
// budget.
func (r *Registry) TriggerCapabilityShrink(cid ids.ContextID, peer ids.DeviceID, budget FlowBudget) (bool, error) {
	k := Key{Context: cid, Peer: peer}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.channels[k]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownChannel, k)
	}
	if !c.ShouldTeardownForShrink(budget) {
		c.Budget = budget
		c.LastActivity = r.clock.NowMs()
		return false, nil
	}
	r.teardowns = append(r.teardowns, queued{k, CapabilityShrink(c.Budget, budget)})
	r.log.Info().Str("channel", k.String()).Uint64("old_limit", c.Budget.Limit).Uint64("new_limit", budget.Limit).
		Msg("queued for capability shrink teardown")
	return true, nil
}

// TriggerContextInvalidation queues every live channel of context. It
// returns how many it queued.
func (r *Registry) TriggerContextInvalidation(cid ids.ContextID, details string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, k := range r.sortedKeysLocked() {
		if k.Context != cid || r.channels[k].Status.IsTerminated() {
			continue
		}
		r.teardowns = append(r.teardowns, queued{k, ContextInvalidation(cid, details)})
		n++
	}
	if n > 0 {
		r.log.Info().Str("context_id", ids.Short(cid)).Str("reason", details).Int("channels", n).
			Msg("queued for context invalidation teardown")
	}
	return n
}

// Teardown queues the channel of k with reason.
func (r *Registry) Teardown(k Key, reason TeardownReason) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[k]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, k)
	}
	r.teardowns = append(r.teardowns, queued{k, reason})
	return nil
}

// PendingTeardowns returns the length of the teardown queue.
func (r *Registry) PendingTeardowns() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.teardowns)
}

// BeginTeardowns drains the queue and moves each queued live channel to
// TearingDown, keeping the highest-priority reason queued for it. With
// Graceful set, goodbyes go out concurrently; failed goodbyes are
// returned but do not stop the teardown.
func (r *Registry) BeginTeardowns(ctx context.Context) ([]Key, error) {
	r.mu.Lock()
	drained := r.teardowns
	r.teardowns = nil
	chosen := map[Key]TeardownReason{}
	for _, q := range drained {
		if cur, ok := chosen[q.key]; !ok || q.reason.priority() < cur.priority() {
			chosen[q.key] = q.reason
		}
	}
	var begun []Key
	for _, k := range slices.SortedFunc(maps.Keys(chosen), compareKeys) {
		c, ok := r.channels[k]
		if !ok || c.Status.IsTerminated() {
			continue
		}
		reason := chosen[k]
		c.Status = StatusTearingDown
		c.Stats.LastTeardown = &reason
		c.LastActivity = r.clock.NowMs()
		r.log.Warn().Str("channel", k.String()).Stringer("reason", reason).Msg("teardown initiated")
		begun = append(begun, k)
	}
	goodbye := r.goodbye
	r.mu.Unlock()

	if !r.cfg.Graceful || goodbye == nil || len(begun) == 0 {
		return begun, nil
	}
	if r.cfg.TeardownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.TeardownTimeout)
		defer cancel()
	}
	var (
		g      errgroup.Group
		mu     sync.Mutex
		result *multierror.Error
	)
	for _, k := range begun {
		reason := chosen[k]
		g.Go(func() error {
			if err := goodbye(ctx, k, reason); err != nil {
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("goodbye to %s: %w", ids.Short(k.Peer), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return begun, result.ErrorOrNil()
}

// CompleteTeardowns terminates every channel tearing down and, with
// AutoReconnect set, schedules its reconnect. It returns how many it
// terminated.
func (r *Registry) CompleteTeardowns() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, k := range r.sortedKeysLocked() {
		c := r.channels[k]
		if c.Status != StatusTearingDown {
			continue
		}
		c.Status = StatusTerminated
		c.LastActivity = r.clock.NowMs()
		n++
		r.log.Debug().Str("channel", k.String()).Msg("teardown completed")
		if !r.cfg.AutoReconnect || c.Stats.ReconnectCount >= uint64(r.cfg.MaxReconnectAttempts) {
			continue
		}
		c.Stats.ReconnectCount++
		var reason TeardownReason
		if c.Stats.LastTeardown != nil {
			reason = *c.Stats.LastTeardown
		}
		r.reconnects = append(r.reconnects, Reconnect{Key: k, Attempt: c.Stats.ReconnectCount, Reason: reason})
		r.log.Debug().Str("channel", k.String()).Uint64("attempt", c.Stats.ReconnectCount).Msg("reconnect scheduled")
	}
	return n
}

// ProcessTeardownQueue runs BeginTeardowns then CompleteTeardowns and
// returns how many channels it terminated.
func (r *Registry) ProcessTeardownQueue(ctx context.Context) (int, error) {
	_, err := r.BeginTeardowns(ctx)
	n := r.CompleteTeardowns()
	if n > 0 {
		r.log.Info().Int("count", n).Msg("processed teardown queue")
	}
	return n, err
}

// Reconnects drains the scheduled reconnects.
func (r *Registry) Reconnects() []Reconnect {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.reconnects
	r.reconnects = nil
	return out
}

// CleanupTerminated removes terminated and failed channels. It returns how
// many it removed.
func (r *Registry) CleanupTerminated() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, c := range r.channels {
		if c.Status.IsTerminated() {
			delete(r.channels, k)
			n++
		}
	}
	if n > 0 {
		r.log.Info().Int("cleaned", n).Int("remaining", len(r.channels)).Msg("cleaned up terminated channels")
	}
	return n
}

// RegistryStats summarizes a registry.
type RegistryStats struct {
	Total            int
	ByStatus         map[Status]int
	PendingTeardowns int
	Contexts         int
	Peers            int
}

// Stats returns the registry's counters.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := RegistryStats{Total: len(r.channels), ByStatus: map[Status]int{}, PendingTeardowns: len(r.teardowns)}
	contexts := map[ids.ContextID]struct{}{}
	peers := map[ids.DeviceID]struct{}{}
	for k, c := range r.channels {
		s.ByStatus[c.Status]++
		contexts[k.Context] = struct{}{}
		peers[k.Peer] = struct{}{}
	}
	s.Contexts, s.Peers = len(contexts), len(peers)
	return s
}

// ValidateInvariants checks that channel ids are unique, that every
// channel matches its key and that the registry is within capacity. It
// returns every violation found.
func (r *Registry) ValidateInvariants() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result *multierror.Error
	seen := map[string]Key{}
	for _, k := range r.sortedKeysLocked() {
		c := r.channels[k]
		if other, dup := seen[c.ID]; dup {
			result = multierror.Append(result, fmt.Errorf("duplicate channel id %s under %s and %s", c.ID, other, k))
		}
		seen[c.ID] = k
		if c.Key() != k {
			result = multierror.Append(result, fmt.Errorf("channel key mismatch: key %s holds channel %s", k, c.Key()))
		}
	}
	if len(r.channels) > r.cfg.MaxChannels {
		result = multierror.Append(result, fmt.Errorf("registry over capacity: %d > %d", len(r.channels), r.cfg.MaxChannels))
	}
	return result.ErrorOrNil()
}

func (r *Registry) sortedKeysLocked() []Key {
	return slices.SortedFunc(maps.Keys(r.channels), compareKeys)
}

func compareKeys(a, b Key) int {
	if c := ids.Compare(a.Context, b.Context); c != 0 {
		return c
	}
	return ids.Compare(a.Peer, b.Peer)
}
