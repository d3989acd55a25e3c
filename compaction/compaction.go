// Package compaction prunes the account journal below an epoch cut. A
// device proposes the cut and the DKD sessions whose proofs must be held
// across it, every share holder acknowledges whether it holds those Merkle
// proofs, and the share holders that do authorize the
// commit with a threshold signature. Devices without proofs are excluded
// from the commit; their absence is reported, not fatal.
package compaction

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/f3rmion/aura/choreo"
	"github.com/f3rmion/aura/ids"
	"github.com/f3rmion/aura/internal/logging"
	"github.com/f3rmion/aura/journal"
	"github.com/f3rmion/aura/leakage"
	"github.com/f3rmion/aura/ledger"
)

const (
	// DefaultTTLEpochs is the lifetime of a compaction session.
	DefaultTTLEpochs = 100
	// DefaultAckTimeout bounds how long Commit waits for stragglers.
	DefaultAckTimeout = 5 * time.Second
)

// ErrNothingToCompact is returned for a cut that drops no event.
var ErrNothingToCompact = journal.NewKindError(journal.KindPolicy, "no events before compaction cut")

// Proposal describes a compaction to propose.
type Proposal struct {
	SessionID   ids.SessionID
	BeforeEpoch uint64
	// Preserve lists the DKD sessions whose Merkle proofs every
	// acknowledging device must hold. Nil selects every finalized root.
	// Commitment roots themselves are never pruned.
	Preserve  []ids.SessionID
	TTLEpochs uint64
}

// ExcludedError reports a share holder left out of a commit.
type ExcludedError struct {
	Device ids.DeviceID
	// Acknowledged is set when the device answered without proofs.
	Acknowledged bool
}

func (e *ExcludedError) Error() string {
	if e.Acknowledged {
		return fmt.Sprintf("device %s lacks commitment proofs", ids.Short(e.Device))
	}
	return fmt.Sprintf("device %s did not acknowledge", ids.Short(e.Device))
}

// Result is the outcome of a committed compaction.
type Result struct {
	SessionID    ids.SessionID
	BeforeEpoch  uint64
	Preserved    []ids.SessionID
	Acknowledged []ids.DeviceID
	Excluded     []ids.DeviceID
	// Warnings holds one ExcludedError per excluded device.
	Warnings error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTracker charges each commit to the leakage budget of the account
// context registered with the tracker.
func WithTracker(t *leakage.Tracker, account ids.ContextID) Option {
	return func(c *Coordinator) { c.tracker, c.account = t, account }
}

// WithAckTimeout sets how long Commit waits for every share holder.
func WithAckTimeout(d time.Duration) Option { return func(c *Coordinator) { c.ackTimeout = d } }

// WithLogger sets the coordinator's logger.
func WithLogger(log zerolog.Logger) Option { return func(c *Coordinator) { c.log = log } }

// Coordinator runs compaction from one device.
type Coordinator struct {
	pc         *choreo.ProtocolContext
	tracker    *leakage.Tracker
	account    ids.ContextID
	ackTimeout time.Duration
	log        zerolog.Logger
}

// New returns a coordinator acting as the device of pc.
func New(pc *choreo.ProtocolContext, opts ...Option) *Coordinator {
	c := &Coordinator{pc: pc, ackTimeout: DefaultAckTimeout, log: pc.Logger()}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logging.Component(c.log, "compaction")
	return c
}

// AffectedEvents counts retained events written before epoch.
func AffectedEvents(l *ledger.Ledger, before uint64) uint64 {
	var n uint64
	for _, e := range l.Events() {
		if e.Event.EpochAtWrite < before {
			n++
		}
	}
	return n
}

// Propose takes the compaction lock and records p.
func (c *Coordinator) Propose(ctx context.Context, p Proposal) (ledger.Entry, error) {
	if p.TTLEpochs == 0 {
		p.TTLEpochs = DefaultTTLEpochs
	}
	l := c.pc.Ledger()
	affected := AffectedEvents(l, p.BeforeEpoch)
	if affected == 0 {
		return ledger.Entry{}, fmt.Errorf("%w: cut at %d", ErrNothingToCompact, p.BeforeEpoch)
	}
	if p.Preserve == nil {
		l.View(func(s *journal.AccountState) { p.Preserve = ids.Sorted(s.DKDCommitmentRoots) })
	}
	if err := c.pc.AcquireLock(ctx, journal.OpCompaction, p.SessionID); err != nil {
		return ledger.Entry{}, err
	}
	entry, err := c.pc.EmitWith(ctx, func(_ *journal.AccountState, h journal.Header) (journal.Payload, error) {
		return &journal.ProposeCompaction{
			SessionID:      p.SessionID,
			BeforeEpoch:    p.BeforeEpoch,
			Preserve:       slices.Clone(p.Preserve),
			AffectedEvents: affected,
			Proposer:       c.pc.Device(),
			StartEpoch:     h.EpochAtWrite,
			TTLEpochs:      p.TTLEpochs,
		}, nil
	})
	if err != nil {
		return entry, fmt.Errorf("proposing compaction: %w", err)
	}
	c.log.Info().Str("session_id", ids.Short(p.SessionID)).Uint64("before_epoch", p.BeforeEpoch).
		Uint64("affected_events", affected).Int("preserved", len(p.Preserve)).Msg("compaction proposed")
	return entry, nil
}

// HasProofs reports whether device holds a verifying Merkle proof for
// every preserved root it contributed to.
func HasProofs(s *journal.AccountState, device ids.DeviceID, preserve []ids.SessionID) bool {
	d, ok := s.Devices[device]
	if !ok {
		return false
	}
	for _, id := range preserve {
		root, ok := s.DKDCommitmentRoots[id]
		if !ok || !slices.Contains(root.Participants, device) {
			continue
		}
		proof, ok := d.DKDProofs[id]
		if !ok || proof.Root != root.Root || !ids.VerifyMerkleProof(proof.Commitment, proof.Path, root.Root) {
			return false
		}
	}
	return true
}

// Acknowledge waits for the proposal of id and records whether this device
// holds the proofs it needs after the cut.
func (c *Coordinator) Acknowledge(ctx context.Context, id ids.SessionID) (bool, error) {
	rec, err := c.pc.AwaitSession(ctx, id, 0, func(r *journal.SessionRecord) bool { return r.Compaction != nil })
	if err != nil {
		return false, err
	}
	var has bool
	c.pc.Ledger().View(func(s *journal.AccountState) { has = HasProofs(s, c.pc.Device(), rec.Compaction.Preserve) })
	return has, c.acknowledge(ctx, id, has)
}

func (c *Coordinator) acknowledge(ctx context.Context, id ids.SessionID, has bool) error {
	_, err := c.pc.Emit(ctx, &journal.AcknowledgeCompaction{SessionID: id, DeviceID: c.pc.Device(), HasProofs: has})
	if err != nil {
		return fmt.Errorf("acknowledging compaction: %w", err)
	}
	ev := c.log.Info()
	if !has {
		ev = c.log.Warn()
	}
	ev.Str("session_id", ids.Short(id)).Bool("has_proofs", has).Msg("compaction acknowledged")
	return nil
}

// Commit waits until every share holder acknowledged the proposal of id,
// or the ack timeout passes, and commits with the holders that have
// proofs. It fails with a ThresholdNotMetError when they are too few.
func (c *Coordinator) Commit(ctx context.Context, id ids.SessionID) (*Result, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.ackTimeout)
	rec, err := c.pc.AwaitSession(waitCtx, id, 0, func(r *journal.SessionRecord) bool {
		return r.Compaction != nil && len(r.Compaction.Acks) == len(r.Participants)
	})
	cancel()
	if err != nil {
		if ctx.Err() != nil || !errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		r, ok := c.pc.Ledger().Session(id)
		if !ok || r.Compaction == nil {
			return nil, fmt.Errorf("%w: compaction %s", journal.ErrSessionUnknown, ids.Short(id))
		}
		rec = r
		c.log.Warn().Str("session_id", ids.Short(id)).Int("acks", len(rec.Compaction.Acks)).
			Int("participants", len(rec.Participants)).Msg("committing without every acknowledgement")
	}

	cp := rec.Compaction
	ready := cp.Ready()
	res := &Result{
		SessionID:    id,
		BeforeEpoch:  cp.BeforeEpoch,
		Preserved:    slices.Clone(cp.Preserve),
		Acknowledged: ready,
	}
	var warnings *multierror.Error
	for _, d := range rec.Participants {
		if slices.Contains(ready, d) {
			continue
		}
		_, acked := cp.Acks[d]
		res.Excluded = append(res.Excluded, d)
		warnings = multierror.Append(warnings, &ExcludedError{Device: d, Acknowledged: acked})
	}
	res.Warnings = warnings.ErrorOrNil()
	if len(ready) < int(rec.Threshold) {
		return res, &journal.ThresholdNotMetError{Current: len(ready), Required: int(rec.Threshold)}
	}

	commit := func() error {
		_, err := c.pc.EmitThreshold(ctx, &journal.CommitCompaction{
			SessionID:    id,
			BeforeEpoch:  cp.BeforeEpoch,
			Preserved:    slices.Clone(cp.Preserve),
			Acknowledged: ready,
		})
		return err
	}
	if c.tracker != nil {
		err = c.tracker.Guard(c.account, "compaction", leakage.Bound(leakage.ProtocolCompaction, len(ready)), commit)
	} else {
		err = commit()
	}
	if err != nil {
		return res, fmt.Errorf("committing compaction: %w", err)
	}
	c.log.Info().Str("session_id", ids.Short(id)).Uint64("before_epoch", cp.BeforeEpoch).
		Int("acknowledged", len(ready)).Int("excluded", len(res.Excluded)).Msg("compaction committed")
	return res, nil
}
