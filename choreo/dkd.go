package choreo

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/f3rmion/aura/ids"
	"github.com/f3rmion/aura/journal"
	"github.com/f3rmion/aura/ledger"
	"github.com/f3rmion/aura/session"
)

// DefaultDKDTTLEpochs is the lifetime of a DKD session.
const DefaultDKDTTLEpochs = 50

// DKDConfig describes a DKD session to initiate.
type DKDConfig struct {
	SessionID    ids.SessionID
	ContextID    ids.ContextID
	Threshold    int
	Participants []ids.DeviceID
	TTLEpochs    uint64
}

// DKDResult is the outcome of a finalized DKD session as seen by one
// participant.
type DKDResult struct {
	SessionID       ids.SessionID
	DerivedKey      []byte
	CommitmentRoot  ids.Hash
	SeedFingerprint ids.Hash
	// Observer is set when this device committed too late to contribute.
	Observer bool
	Phases   []DKDPhase
}

// InitiateDKD emits the session's initiation event.
func (pc *ProtocolContext) InitiateDKD(ctx context.Context, cfg DKDConfig) (ledger.Entry, error) {
	if cfg.TTLEpochs == 0 {
		cfg.TTLEpochs = DefaultDKDTTLEpochs
	}
	entry, err := pc.EmitWith(ctx, func(_ *journal.AccountState, h journal.Header) (journal.Payload, error) {
		return &journal.InitiateDkdSession{
			SessionID:    cfg.SessionID,
			ContextID:    cfg.ContextID,
			Threshold:    uint16(cfg.Threshold),
			Participants: slices.Clone(cfg.Participants),
			StartEpoch:   h.EpochAtWrite,
			TTLEpochs:    cfg.TTLEpochs,
		}, nil
	})
	if err != nil {
		return entry, err
	}
	pc.log.Info().Str("session_id", ids.Short(cfg.SessionID)).Str("context_id", ids.Short(cfg.ContextID)).
		Int("participants", len(cfg.Participants)).Msg("dkd session initiated")
	return entry, nil
}

// RunDKD carries this device through the commit, reveal, verify and
// finalize phases of an initiated DKD session.
func (pc *ProtocolContext) RunDKD(ctx context.Context, id ids.SessionID) (*DKDResult, error) {
	m := NewDKDMachine()
	res, err := pc.runDKD(ctx, m, id)
	if err != nil {
		m.fail(DKDFailed)
		pc.log.Warn().Err(err).Str("session_id", ids.Short(id)).Msg("dkd session failed")
		return nil, err
	}
	res.Phases = m.History()
	return res, nil
}

func (pc *ProtocolContext) runDKD(ctx context.Context, m *Machine[DKDPhase], id ids.SessionID) (*DKDResult, error) {
	log := pc.log.With().Str("session_id", ids.Short(id)).Logger()
	rec, ok := pc.ledger.Session(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", journal.ErrSessionUnknown, ids.Short(id))
	}
	if rec.Protocol != journal.ProtocolDKD {
		return nil, fmt.Errorf("%w: session %s runs %s", journal.ErrInvalidState, ids.Short(id), rec.Protocol)
	}
	if !slices.Contains(rec.Participants, pc.device) {
		return nil, fmt.Errorf("%w: %s is not a participant", journal.ErrInvalidState, ids.Short(pc.device))
	}
	contribution, err := session.DeriveDKDContribution(journal.Suite, id, pc.device)
	if err != nil {
		return nil, err
	}
	if err := m.Transition(DKDCommitting, nil); err != nil {
		return nil, err
	}

	committed := true
	_, err = pc.Emit(ctx, &journal.RecordDkdCommitment{SessionID: id, DeviceID: pc.device, Commitment: contribution.Commitment})
	if err != nil {
		// Once reveals have started the commitment phase is closed and
		// this device follows the session without contributing.
		cur, ok := pc.ledger.Session(id)
		if !ok || cur.IsTerminal() || cur.DKD == nil || len(cur.DKD.Reveals) == 0 {
			return nil, fmt.Errorf("recording commitment: %w", err)
		}
		log.Info().Msg("commitment phase closed, observing")
		committed = false
	}

	threshold := int(rec.Threshold)
	rec, err = pc.AwaitSession(ctx, id, 0, func(r *journal.SessionRecord) bool {
		return len(r.DKD.Commitments) >= threshold
	})
	if err != nil {
		return nil, fmt.Errorf("awaiting commitments: %w", err)
	}
	collected, err := VerifyCommitments(rec)
	if err != nil {
		return nil, err
	}
	if err := m.Transition(DKDRevealing, collected); err != nil {
		return nil, err
	}

	if committed {
		point := contribution.Point
		pc.mu.Lock()
		if pc.revealFault != nil {
			point = pc.revealFault(slices.Clone(point))
		}
		pc.mu.Unlock()
		if _, err := pc.Emit(ctx, &journal.RevealDkdPoint{SessionID: id, DeviceID: pc.device, Point: point}); err != nil {
			return nil, fmt.Errorf("revealing point: %w", err)
		}
	}

	rec, err = pc.AwaitSession(ctx, id, 0, func(r *journal.SessionRecord) bool {
		return len(r.DKD.Reveals) == len(r.DKD.Commitments)
	})
	if err != nil {
		return nil, fmt.Errorf("awaiting reveals: %w", err)
	}
	verified, err := VerifyReveals(rec)
	if err != nil {
		var byz *journal.ByzantineError
		if errors.As(err, &byz) {
			log.Warn().Str("blamed", ids.Short(byz.Who)).Msg("reveal does not match commitment, aborting")
			pc.abortDKD(ctx, id, byz)
		}
		return nil, err
	}
	if err := m.Transition(DKDVerified, verified); err != nil {
		return nil, err
	}

	_, err = pc.Emit(ctx, &journal.FinalizeDkdSession{
		SessionID:         id,
		SeedFingerprint:   verified.SeedFingerprint(),
		CommitmentRoot:    verified.CommitmentRoot(),
		DerivedIdentityPK: verified.DerivedKey(),
	})
	if err != nil && !errors.Is(err, journal.ErrSessionTerminal) {
		return nil, fmt.Errorf("finalizing: %w", err)
	}
	rec, err = pc.AwaitSession(ctx, id, 0, func(r *journal.SessionRecord) bool {
		return r.Status == journal.StatusCompleted
	})
	if err != nil {
		return nil, fmt.Errorf("awaiting finalization: %w", err)
	}
	done, err := VerifyDkdCompleted(rec)
	if err != nil {
		return nil, err
	}
	if err := m.Transition(DKDFinalized, done); err != nil {
		return nil, err
	}
	log.Info().Str("seed_fingerprint", ids.Short(verified.SeedFingerprint())).Msg("dkd session finalized")
	return &DKDResult{
		SessionID:       id,
		DerivedKey:      done.DerivedKey(),
		CommitmentRoot:  verified.CommitmentRoot(),
		SeedFingerprint: verified.SeedFingerprint(),
		Observer:        !committed,
	}, nil
}

// abortDKD records a Byzantine abort. A peer that recorded the abort
// first wins; its event carries the same blame.
func (pc *ProtocolContext) abortDKD(ctx context.Context, id ids.SessionID, byz *journal.ByzantineError) {
	who := byz.Who
	_, err := pc.Emit(ctx, &journal.AbortDkdSession{
		SessionID: id,
		Reason:    journal.AbortReason{Kind: journal.AbortByzantine, Device: &who, Details: byz.Why},
	})
	if err != nil && !errors.Is(err, journal.ErrSessionTerminal) {
		pc.log.Error().Err(err).Str("session_id", ids.Short(id)).Msg("could not record dkd abort")
	}
}
