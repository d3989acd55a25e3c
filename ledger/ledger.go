// Package ledger owns an account's state and event log. Every append is
// authorized, applied to a copy of the state and persisted before the copy
// replaces the published state, so a failed append is never observable.
package ledger

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/f3rmion/aura/clock"
	"github.com/f3rmion/aura/ids"
	"github.com/f3rmion/aura/internal/logging"
	"github.com/f3rmion/aura/journal"
)

// DefaultSignatureCacheSize is the number of verified signatures remembered.
const DefaultSignatureCacheSize = 4096

// ErrDuplicateEvent is returned when an event already in the log is
// appended again.
var ErrDuplicateEvent = journal.NewKindError(journal.KindLifecycle, "event already in the journal")

// Entry is one event of the log.
type Entry struct {
	Seq   uint64
	Hash  ids.Hash
	Event *journal.Event
}

// Builder produces the next event from the head state and a header whose
// parent hash, Lamport value and timestamp are already filled in. The
// state must not be modified.
type Builder func(state *journal.AccountState, h journal.Header) (*journal.Event, error)

// Ledger serializes appends to one account's journal.
type Ledger struct {
	mu sync.RWMutex

	log    zerolog.Logger
	store  Store
	clock  clock.TimeEffects
	verify journal.VerifyOptions

	state    *journal.AccountState
	entries  []Entry
	byID     map[ids.EventID]uint64
	nonces   map[nonceKey]uint64
	seq      uint64
	reserved uint64
	notify   chan struct{}

	conflicts []*journal.ReportNonceReuse
	reported  map[ids.Hash]struct{}
}

type nonceKey struct {
	device ids.DeviceID
	nonce  uint64
}

type options struct {
	store       Store
	log         zerolog.Logger
	clock       clock.TimeEffects
	compromised journal.CompromisedKeys
	cacheSize   int
}

// Option configures Open.
type Option func(*options)

// WithStore persists the ledger in s. The default is a MemoryStore.
func WithStore(s Store) Option {
	return func(o *options) { o.store = s }
}

func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithClock sets the time source used for event timestamps.
func WithClock(c clock.TimeEffects) Option {
	return func(o *options) { o.clock = c }
}

// WithCompromisedKeys rejects events signed by keys in set.
func WithCompromisedKeys(set journal.CompromisedKeys) Option {
	return func(o *options) { o.compromised = set }
}

// WithSignatureCacheSize sets the verified-signature cache size; zero
// disables the cache.
func WithSignatureCacheSize(n int) Option {
	return func(o *options) { o.cacheSize = n }
}

// Open restores the ledger from its store, or starts it from genesis when
// the store is empty.
func Open(ctx context.Context, genesis journal.GenesisConfig, opts ...Option) (*Ledger, error) {
	o := options{
		log:       logging.Nop(),
		cacheSize: DefaultSignatureCacheSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.store == nil {
		o.store = NewMemoryStore()
	}
	if o.clock == nil {
		o.clock = clock.NewReal()
	}

	l := &Ledger{
		log:    o.log.With().Str("component", "ledger").Str("account_id", ids.Short(genesis.AccountID)).Logger(),
		store:  o.store,
		clock:  o.clock,
		byID:     map[ids.EventID]uint64{},
		nonces:   map[nonceKey]uint64{},
		reported: map[ids.Hash]struct{}{},
		notify:   make(chan struct{}),
	}
	l.verify.Compromised = o.compromised
	if o.cacheSize > 0 {
		cache, err := newSignatureCache(o.cacheSize)
		if err != nil {
			return nil, fmt.Errorf("could not create signature cache: %w", err)
		}
		l.verify.Cache = cache
	}

	snap, ok, err := o.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		state, err := journal.NewAccountState(genesis)
		if err != nil {
			return nil, err
		}
		l.state = state
		return l, nil
	}

	state, err := journal.UnmarshalState(snap.State)
	if err != nil {
		return nil, fmt.Errorf("could not decode snapshot: %w", err)
	}
	if state.AccountID != genesis.AccountID {
		return nil, fmt.Errorf("store holds account %s, expected %s", state.AccountID, genesis.AccountID)
	}
	l.state = state
	l.seq = snap.Seq
	records, err := o.store.Records(ctx, 0)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		ev, err := journal.UnmarshalEvent(rec.Data)
		if err != nil {
			return nil, fmt.Errorf("could not decode record %d: %w", rec.Seq, err)
		}
		hash, err := ev.Hash()
		if err != nil {
			return nil, err
		}
		l.indexLocked(Entry{Seq: rec.Seq, Hash: hash, Event: ev})
	}
	l.log.Info().Uint64("seq", l.seq).Int("events", len(l.entries)).Msg("ledger restored")
	return l, nil
}

// AccountID returns the account this ledger belongs to.
func (l *Ledger) AccountID() ids.AccountID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.AccountID
}

// Clock returns the ledger's time source.
func (l *Ledger) Clock() clock.TimeEffects { return l.clock }

// NextLamportTimestamp reserves the Lamport value for a local event.
// Consecutive calls return strictly increasing values.
func (l *Ledger) NextLamportTimestamp() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextLamportLocked()
}

func (l *Ledger) nextLamportLocked() uint64 {
	l.reserved = max(l.reserved, l.state.LamportClock) + 1
	return l.reserved
}

// Header returns a header for the next event on top of the current head.
// The event must be appended before any other event for its parent hash to
// remain valid.
func (l *Ledger) Header() journal.Header {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.headerLocked()
}

func (l *Ledger) headerLocked() journal.Header {
	var parent *ids.Hash
	if l.state.LastEventHash != nil {
		h := *l.state.LastEventHash
		parent = &h
	}
	return journal.Header{
		AccountID:    l.state.AccountID,
		Timestamp:    l.clock.NowMs(),
		ParentHash:   parent,
		EpochAtWrite: l.nextLamportLocked(),
	}
}

// AppendEvent authorizes ev, applies it and commits it to the store. On
// error the ledger is unchanged. An event already in the log returns
// ErrDuplicateEvent; a different event reusing the nonce of a logged one
// is kept as evidence for NonceConflicts.
func (l *Ledger) AppendEvent(ctx context.Context, ev *journal.Event) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(ctx, ev.Clone())
}

// AppendWith builds the next event under the append lock and appends it,
// so the header it receives cannot go stale.
func (l *Ledger) AppendWith(ctx context.Context, build Builder) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ev, err := build(l.state, l.headerLocked())
	if err != nil {
		return Entry{}, err
	}
	return l.appendLocked(ctx, ev.Clone())
}

func (l *Ledger) appendLocked(ctx context.Context, ev *journal.Event) (Entry, error) {
	log := l.log.With().Str("event_id", ids.Short(ev.EventID)).Stringer("type", ev.Type).Logger()

	hash, err := ev.Hash()
	if err != nil {
		return Entry{}, err
	}
	if seq, ok := l.byID[ev.EventID]; ok {
		if prior, ok := l.entryLocked(seq); ok && prior.Hash == hash {
			log.Debug().Uint64("seq", seq).Msg("duplicate event ignored")
			return Entry{}, fmt.Errorf("%w: %s", ErrDuplicateEvent, ids.Short(ev.EventID))
		}
	}
	if err := journal.Authorize(l.state, ev, l.verify); err != nil {
		if errors.Is(err, journal.ErrNonceReuse) && ev.Authorization.Kind == journal.AuthDevice {
			if dup := l.noteConflictLocked(ev); dup != nil {
				return Entry{}, dup
			}
		}
		log.Warn().Err(err).Msg("event rejected")
		return Entry{}, err
	}
	next := l.state.Clone()
	if err := next.Apply(ev); err != nil {
		log.Warn().Err(err).Msg("event rejected")
		return Entry{}, err
	}

	data, err := journal.MarshalEvent(ev)
	if err != nil {
		return Entry{}, err
	}
	snap, err := journal.MarshalState(next)
	if err != nil {
		return Entry{}, err
	}
	seq := l.seq + 1
	err = l.store.Append(ctx, Record{Seq: seq, Epoch: ev.EpochAtWrite, Data: data}, Snapshot{Seq: seq, State: snap})
	if err != nil {
		log.Error().Err(err).Msg("could not persist event")
		return Entry{}, fmt.Errorf("%w: %w", journal.ErrStorage, err)
	}

	compacted := next.CompactedBefore > l.state.CompactedBefore
	l.state = next
	l.seq = seq
	entry := Entry{Seq: seq, Hash: hash, Event: ev}
	l.indexLocked(entry)
	if compacted {
		l.pruneLocked(ctx, next.CompactedBefore)
	}
	l.pulseLocked()

	log.Debug().Uint64("seq", seq).Uint64("lamport", next.LamportClock).Msg("event appended")
	return entry, nil
}

func (l *Ledger) indexLocked(e Entry) {
	l.entries = append(l.entries, e)
	l.byID[e.Event.EventID] = e.Seq
	if e.Event.Authorization.Kind == journal.AuthDevice {
		l.nonces[nonceKey{e.Event.Authorization.DeviceID, e.Event.Nonce}] = e.Seq
	}
}

func (l *Ledger) entryLocked(seq uint64) (Entry, bool) {
	i, ok := slices.BinarySearchFunc(l.entries, seq, func(e Entry, seq uint64) int { return cmp.Compare(e.Seq, seq) })
	if !ok {
		return Entry{}, false
	}
	return l.entries[i], true
}

// noteConflictLocked queues nonce reuse evidence when ev and a retained
// event of the same device share a nonce. It returns ErrDuplicateEvent when
// ev is the retained event itself.
func (l *Ledger) noteConflictLocked(ev *journal.Event) error {
	device := ev.Authorization.DeviceID
	seq, ok := l.nonces[nonceKey{device, ev.Nonce}]
	if !ok {
		return nil
	}
	prior, ok := l.entryLocked(seq)
	if !ok {
		return nil
	}
	a, err := prior.Event.SignableHash()
	if err != nil {
		return nil
	}
	b, err := ev.SignableHash()
	if err != nil {
		return nil
	}
	if a == b {
		return fmt.Errorf("%w: %s", ErrDuplicateEvent, ids.Short(prior.Event.EventID))
	}
	id := journal.NonceConflictID(a, b)
	if _, dup := l.reported[id]; dup {
		return nil
	}
	first, err := journal.MarshalEvent(prior.Event)
	if err != nil {
		return nil
	}
	second, err := journal.MarshalEvent(ev)
	if err != nil {
		return nil
	}
	l.reported[id] = struct{}{}
	l.conflicts = append(l.conflicts, &journal.ReportNonceReuse{DeviceID: device, First: first, Second: second})
	l.log.Warn().Str("device_id", ids.Short(device)).Uint64("nonce", ev.Nonce).Msg("nonce reuse detected")
	return nil
}

// NonceConflicts returns and forgets the nonce reuse evidence gathered
// since the last call. Each report, once appended, strikes the device on
// every replica.
func (l *Ledger) NonceConflicts() []*journal.ReportNonceReuse {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.conflicts
	l.conflicts = nil
	return out
}

func (l *Ledger) pruneLocked(ctx context.Context, before uint64) {
	n, err := l.store.Prune(ctx, before)
	if err != nil {
		l.log.Error().Err(err).Uint64("before", before).Msg("could not prune store")
		return
	}
	kept := l.entries[:0]
	for _, e := range l.entries {
		if e.Event.EpochAtWrite >= before {
			kept = append(kept, e)
			continue
		}
		delete(l.byID, e.Event.EventID)
		if e.Event.Authorization.Kind == journal.AuthDevice {
			delete(l.nonces, nonceKey{e.Event.Authorization.DeviceID, e.Event.Nonce})
		}
	}
	clear(l.entries[len(kept):])
	l.entries = kept
	l.log.Info().Uint64("before", before).Int("pruned", n).Msg("journal compacted")
}

func (l *Ledger) pulseLocked() {
	close(l.notify)
	l.notify = make(chan struct{})
}

// Subscribe returns a channel closed at the next change to the ledger.
func (l *Ledger) Subscribe() <-chan struct{} {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.notify
}

// State returns a copy of the current account state.
func (l *Ledger) State() *journal.AccountState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.Clone()
}

// View calls fn with the current state under the read lock. fn must not
// retain or modify the state.
func (l *Ledger) View(fn func(*journal.AccountState)) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	fn(l.state)
}

// Session returns a copy of a session record.
func (l *Ledger) Session(id ids.SessionID) (*journal.SessionRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.state.Session(id)
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Seq returns the sequence number of the last appended event.
func (l *Ledger) Seq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq
}

// Events returns every retained event in append order.
func (l *Ledger) Events() []Entry {
	return l.EventsSince(0)
}

// EventsSince returns retained events with a sequence number above seq.
func (l *Ledger) EventsSince(seq uint64) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Entry
	for _, e := range l.entries {
		if e.Seq > seq {
			out = append(out, Entry{Seq: e.Seq, Hash: e.Hash, Event: e.Event.Clone()})
		}
	}
	return out
}

// HasEvent reports whether an event is in the retained log.
func (l *Ledger) HasEvent(id ids.EventID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.byID[id]
	return ok
}

// Sync appends, in order, the events of src this ledger has not seen. It
// stops at the first event that does not apply and returns how many were
// appended.
func (l *Ledger) Sync(ctx context.Context, src *Ledger) (int, error) {
	n := 0
	for _, e := range src.Events() {
		if l.HasEvent(e.Event.EventID) {
			continue
		}
		if _, err := l.AppendEvent(ctx, e.Event); err != nil {
			return n, fmt.Errorf("sync stopped at seq %d: %w", e.Seq, err)
		}
		n++
	}
	return n, nil
}

// Close closes the underlying store.
func (l *Ledger) Close() error {
	return l.store.Close()
}
