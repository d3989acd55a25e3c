package choreo

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/f3rmion/aura/ids"
	"github.com/f3rmion/aura/journal"
)

// DefaultSweepIntervalMs is how often a Watcher sweeps.
const DefaultSweepIntervalMs = journal.MinEpochTickIntervalMs

// SweepFunc expires whatever it tracks at wall time nowMs and reports how
// many entries it expired.
type SweepFunc func(nowMs uint64) int

// Watcher advances the account clock with epoch ticks so sessions past
// their TTL expire, and runs the registered sweeps on the same schedule.
type Watcher struct {
	pc         *ProtocolContext
	intervalMs uint64
	sweeps     []SweepFunc
	log        zerolog.Logger
}

// NewWatcher returns a watcher ticking on behalf of pc's device every
// intervalMs; zero uses DefaultSweepIntervalMs.
func NewWatcher(pc *ProtocolContext, intervalMs uint64, sweeps ...SweepFunc) *Watcher {
	if intervalMs == 0 {
		intervalMs = DefaultSweepIntervalMs
	}
	return &Watcher{
		pc:         pc,
		intervalMs: intervalMs,
		sweeps:     sweeps,
		log:        pc.log.With().Str("subcomponent", "watcher").Logger(),
	}
}

// Tick emits one EpochTick advancing the clock by the minimum gap and
// returns the sessions it expired.
func (w *Watcher) Tick(ctx context.Context) ([]ids.SessionID, error) {
	before := w.activeSessions()
	_, err := w.pc.EmitWith(ctx, func(state *journal.AccountState, _ journal.Header) (journal.Payload, error) {
		evidence, err := state.StateHash()
		if err != nil {
			return nil, err
		}
		return &journal.EpochTick{NewEpoch: state.LamportClock + journal.MinEpochTickGap, EvidenceHash: evidence}, nil
	})
	if err != nil {
		return nil, err
	}
	var expired []ids.SessionID
	w.pc.ledger.View(func(s *journal.AccountState) {
		for _, id := range before {
			if rec, ok := s.Session(id); ok && rec.Status == journal.StatusExpired {
				expired = append(expired, id)
			}
		}
	})
	for _, id := range expired {
		w.log.Info().Str("session_id", ids.Short(id)).Msg("session expired")
	}
	return expired, nil
}

func (w *Watcher) activeSessions() []ids.SessionID {
	var active []ids.SessionID
	w.pc.ledger.View(func(s *journal.AccountState) {
		for _, rec := range s.ActiveSessions() {
			active = append(active, rec.SessionID)
		}
	})
	return active
}

// Sweep runs the registered sweeps at the current wall time and returns
// the number of entries they expired.
func (w *Watcher) Sweep() int {
	now := w.pc.clock.NowMs()
	n := 0
	for _, sweep := range w.sweeps {
		n += sweep(now)
	}
	return n
}

// Run ticks and sweeps every interval until ctx is done. A tick rejected
// by the ledger is logged and retried on the next interval; ticks are only
// emitted while sessions are active.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		if err := w.pc.clock.SleepMs(ctx, w.intervalMs); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		if len(w.activeSessions()) > 0 {
			expired, err := w.Tick(ctx)
			switch {
			case err != nil:
				w.log.Warn().Err(err).Msg("epoch tick rejected")
			case len(expired) > 0:
				w.log.Debug().Int("expired", len(expired)).Msg("sweep expired sessions")
			}
		}
		if n := w.Sweep(); n > 0 {
			w.log.Debug().Int("expired", n).Msg("sweep expired entries")
		}
	}
}
