package choreo

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gammazero/workerpool"
	"github.com/rs/zerolog"

	"github.com/f3rmion/aura/ids"
	"github.com/f3rmion/aura/journal"
)

// DefaultWorkers is the number of sessions a Choreographer runs at once.
const DefaultWorkers = 4

// SessionSpec selects the protocol of a session to create. Exactly one
// field is set.
type SessionSpec struct {
	DKD       *DKDConfig
	Resharing *ResharingConfig
}

func (s SessionSpec) sessionID() (ids.SessionID, error) {
	switch {
	case s.DKD != nil && s.Resharing == nil:
		return s.DKD.SessionID, nil
	case s.Resharing != nil && s.DKD == nil:
		return s.Resharing.SessionID, nil
	default:
		return ids.SessionID{}, errors.New("session spec must select exactly one protocol")
	}
}

// Completion is what a session left behind: its final record and, when
// this device ran it, the local result.
type Completion struct {
	Record    *journal.SessionRecord
	DKD       *DKDResult
	Resharing *ResharingResult
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
	dkd    *DKDResult
	reshr  *ResharingResult
	err    error
}

// Choreographer runs one device's sessions. Each session's steps run on a
// single worker; distinct sessions run in parallel up to the pool size.
type Choreographer struct {
	pc   *ProtocolContext
	pool *workerpool.WorkerPool
	log  zerolog.Logger

	mu   sync.Mutex
	runs map[ids.SessionID]*run
}

// NewChoreographer returns a choreographer for pc with workers parallel
// sessions. Close releases the pool.
func NewChoreographer(pc *ProtocolContext, workers int) *Choreographer {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Choreographer{
		pc:   pc,
		pool: workerpool.New(workers),
		log:  pc.log.With().Str("subcomponent", "choreographer").Logger(),
		runs: map[ids.SessionID]*run{},
	}
}

// CreateSession emits the initiation of spec's session, taking the
// operation lock first when the protocol needs it.
func (c *Choreographer) CreateSession(ctx context.Context, spec SessionSpec) (ids.SessionID, error) {
	id, err := spec.sessionID()
	if err != nil {
		return id, err
	}
	switch {
	case spec.DKD != nil:
		_, err = c.pc.InitiateDKD(ctx, *spec.DKD)
	case spec.Resharing != nil:
		_, err = c.pc.InitiateResharing(ctx, *spec.Resharing)
	}
	if err != nil {
		return id, fmt.Errorf("creating session %s: %w", ids.Short(id), err)
	}
	return id, nil
}

// Execute starts this device's part in session id on the worker pool. It
// returns once the session is queued.
func (c *Choreographer) Execute(ctx context.Context, id ids.SessionID) error {
	rec, ok := c.pc.ledger.Session(id)
	if !ok {
		return fmt.Errorf("%w: %s", journal.ErrSessionUnknown, ids.Short(id))
	}
	if rec.IsTerminal() {
		return SessionEnded(rec)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, running := c.runs[id]; running {
		return fmt.Errorf("%w: session %s is already executing", journal.ErrInvalidState, ids.Short(id))
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{cancel: cancel, done: make(chan struct{})}
	c.runs[id] = r
	protocol := rec.Protocol
	c.pool.Submit(func() {
		defer close(r.done)
		defer cancel()
		switch protocol {
		case journal.ProtocolDKD:
			r.dkd, r.err = c.pc.RunDKD(ctx, id)
		case journal.ProtocolResharing:
			r.reshr, r.err = c.pc.RunResharing(ctx, id)
		default:
			r.err = fmt.Errorf("%w: %s sessions are not run by the choreographer", journal.ErrInvalidState, protocol)
		}
	})
	c.log.Debug().Str("session_id", ids.Short(id)).Stringer("protocol", protocol).Msg("session queued")
	return nil
}

// WaitForCompletion waits for session id to finish. A session that runs
// out of epochs is reported as ErrExpired; any other terminal state that is
// not a success is reported through SessionEnded.
func (c *Choreographer) WaitForCompletion(ctx context.Context, id ids.SessionID) (*Completion, error) {
	c.mu.Lock()
	r := c.runs[id]
	c.mu.Unlock()
	out := &Completion{}
	if r != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		out.DKD, out.Resharing = r.dkd, r.reshr
	}

	rec, ok := c.pc.ledger.Session(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", journal.ErrSessionUnknown, ids.Short(id))
	}
	if !rec.IsTerminal() {
		var err error
		rec, err = c.pc.AwaitSession(ctx, id, c.remaining(rec), func(r *journal.SessionRecord) bool { return r.IsTerminal() })
		if err != nil && !errors.Is(err, journal.ErrTimeout) {
			return nil, err
		}
		if rec == nil {
			rec, _ = c.pc.ledger.Session(id)
		}
	}
	out.Record = rec
	switch rec.Status {
	case journal.StatusCompleted:
		return out, nil
	case journal.StatusExpired, journal.StatusActive:
		return out, fmt.Errorf("%w: session %s after %d epochs", journal.ErrExpired, ids.Short(id), rec.TTLEpochs)
	default:
		if r != nil && r.err != nil {
			return out, r.err
		}
		return out, SessionEnded(rec)
	}
}

// remaining is the number of epochs rec has left, plus one so the wait
// outlives the session.
func (c *Choreographer) remaining(rec *journal.SessionRecord) uint64 {
	var clock uint64
	c.pc.ledger.View(func(s *journal.AccountState) { clock = s.LamportClock })
	end := rec.StartEpoch + rec.TTLEpochs
	if clock >= end {
		return 1
	}
	return end - clock + 1
}

// Cancel stops this device's run of session id. A session that has written
// a phase-start event is failed on the ledger; one that has not is
// discarded, releasing any lock this device holds for it.
func (c *Choreographer) Cancel(ctx context.Context, id ids.SessionID, reason string) error {
	c.mu.Lock()
	r := c.runs[id]
	delete(c.runs, id)
	c.mu.Unlock()
	if r != nil {
		r.cancel()
	}
	rec, ok := c.pc.ledger.Session(id)
	if !ok || rec.IsTerminal() {
		return nil
	}
	log := c.log.With().Str("session_id", ids.Short(id)).Logger()
	if rec.PhaseStarted {
		if _, err := c.pc.Emit(ctx, &journal.SessionFailed{SessionID: id, Reason: reason}); err != nil && !errors.Is(err, journal.ErrSessionTerminal) {
			return fmt.Errorf("failing session %s: %w", ids.Short(id), err)
		}
		log.Info().Str("reason", reason).Msg("session cancelled")
		return nil
	}
	var lock *journal.OperationLock
	c.pc.ledger.View(func(s *journal.AccountState) {
		if l := s.ActiveOperationLock; l != nil && l.SessionID == id && l.Holder == c.pc.device {
			cp := *l
			lock = &cp
		}
	})
	if lock != nil {
		_, err := c.pc.Emit(ctx, &journal.ReleaseOperationLock{Operation: lock.Operation, SessionID: id, DeviceID: c.pc.device})
		if err != nil {
			return fmt.Errorf("releasing lock of %s: %w", ids.Short(id), err)
		}
	}
	log.Info().Msg("session discarded before any phase started")
	return nil
}

// Close waits for queued sessions to finish and stops the pool.
func (c *Choreographer) Close() {
	c.pool.StopWait()
}
