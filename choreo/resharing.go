package choreo

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"slices"

	"github.com/f3rmion/aura/frost"
	"github.com/f3rmion/aura/group"
	"github.com/f3rmion/aura/ids"
	"github.com/f3rmion/aura/internal/codec"
	"github.com/f3rmion/aura/journal"
	"github.com/f3rmion/aura/ledger"
	"github.com/f3rmion/aura/session"
	"github.com/f3rmion/aura/transport"
)

// ContentTypeReshare tags sealed resharing sub-shares.
const ContentTypeReshare = "application/aura-reshare"

// DefaultResharingTTLEpochs is the lifetime of a resharing session.
const DefaultResharingTTLEpochs = 100

// ResharingConfig describes a resharing to initiate. Every old participant
// deals; the new participants receive share indices in list order.
type ResharingConfig struct {
	SessionID       ids.SessionID
	NewThreshold    int
	OldParticipants []ids.DeviceID
	NewParticipants []ids.DeviceID
	TTLEpochs       uint64
}

// ResharingResult is the outcome of a completed resharing.
type ResharingResult struct {
	SessionID   ids.SessionID
	NewGroupKey []byte
	// ShareIndex is this device's index under the new key, zero if it
	// holds no new share.
	ShareIndex int
	Phases     []ResharingPhase
}

// reshareMessage is what a dealer seals for one recipient.
type reshareMessage struct {
	_ struct{} `cbor:",toarray"`

	Dealing  wireDealing
	SubShare wireSubShare
}

// reshareSetup is the public data of a resharing fixed at initiation.
type reshareSetup struct {
	account         ids.AccountID
	oldKey          []byte
	oldPoint        group.Point
	old             *frost.FROST
	next            *frost.FROST
	dealers         []ids.DeviceID
	dealerIndex     map[ids.DeviceID]int
	recipients      []ids.DeviceID
	oldPublicShares map[string]group.Point
}

func (s *reshareSetup) recipientIndex(d ids.DeviceID) int {
	return slices.Index(s.recipients, d) + 1
}

// InitiateResharing takes the resharing lock and has the current share
// holders authorize the session.
func (pc *ProtocolContext) InitiateResharing(ctx context.Context, cfg ResharingConfig) (ledger.Entry, error) {
	if cfg.TTLEpochs == 0 {
		cfg.TTLEpochs = DefaultResharingTTLEpochs
	}
	if err := pc.AcquireLock(ctx, journal.OpResharing, cfg.SessionID); err != nil {
		return ledger.Entry{}, err
	}
	entry, err := pc.EmitThresholdWith(ctx, func(state *journal.AccountState, h journal.Header) (journal.Payload, error) {
		return &journal.InitiateResharing{
			SessionID:       cfg.SessionID,
			OldThreshold:    state.Threshold,
			NewThreshold:    uint16(cfg.NewThreshold),
			OldParticipants: slices.Clone(cfg.OldParticipants),
			NewParticipants: slices.Clone(cfg.NewParticipants),
			StartEpoch:      h.EpochAtWrite,
			TTLEpochs:       cfg.TTLEpochs,
		}, nil
	})
	if err != nil {
		return entry, err
	}
	pc.log.Info().Str("session_id", ids.Short(cfg.SessionID)).Int("dealers", len(cfg.OldParticipants)).
		Int("recipients", len(cfg.NewParticipants)).Int("new_threshold", cfg.NewThreshold).Msg("resharing initiated")
	return entry, nil
}

// RunResharing carries this device through an initiated resharing: it
// deals its old share if it is a dealer, collects and verifies sub-shares
// if it is a recipient, and finalizes if it is the first recipient.
func (pc *ProtocolContext) RunResharing(ctx context.Context, id ids.SessionID) (*ResharingResult, error) {
	m := NewResharingMachine()
	res, err := pc.runResharing(ctx, m, id)
	if err != nil {
		m.fail(ResharingFailed)
		pc.log.Warn().Err(err).Str("session_id", ids.Short(id)).Msg("resharing failed")
		return nil, err
	}
	res.Phases = m.History()
	return res, nil
}

func (pc *ProtocolContext) runResharing(ctx context.Context, m *Machine[ResharingPhase], id ids.SessionID) (*ResharingResult, error) {
	setup, err := pc.reshareSetup(id)
	if err != nil {
		return nil, err
	}
	dealer := slices.Contains(setup.dealers, pc.device)
	recipient := slices.Contains(setup.recipients, pc.device)
	if !dealer && !recipient {
		return nil, fmt.Errorf("%w: %s takes no part in resharing %s", journal.ErrInvalidState, ids.Short(pc.device), ids.Short(id))
	}

	if dealer {
		if err := m.Transition(ResharingPhaseOne, nil); err != nil {
			return nil, err
		}
		if err := pc.deal(ctx, id, setup); err != nil {
			return nil, err
		}
	}
	if recipient {
		if err := m.Transition(ResharingPhaseTwo, nil); err != nil {
			return nil, err
		}
		newKey, dealings, err := pc.collect(ctx, id, setup)
		if err != nil {
			return nil, err
		}
		if pc.device == setup.recipients[0] {
			if err := pc.finalizeResharing(ctx, id, setup, newKey, dealings); err != nil {
				return nil, err
			}
		}
	}

	rec, err := pc.AwaitSession(ctx, id, 0, func(r *journal.SessionRecord) bool { return r.Status == journal.StatusCompleted })
	if err != nil {
		return nil, fmt.Errorf("awaiting finalization: %w", err)
	}
	entry, err := pc.AwaitEvent(ctx, OfType(journal.TypeFinalizeResharing, id), 0)
	if err != nil {
		return nil, err
	}
	payload, err := entry.Event.DecodePayload()
	if err != nil {
		return nil, err
	}
	fin := payload.(*journal.FinalizeResharing)
	witness, err := VerifyResharingCompleted(setup.account, id, setup.oldKey, fin.NewGroupPublicKey, fin.TestSignature)
	if err != nil {
		return nil, err
	}
	if err := m.Transition(ResharingComplete, witness); err != nil {
		return nil, err
	}
	pc.log.Info().Str("session_id", ids.Short(id)).Msg("resharing complete")
	res := &ResharingResult{SessionID: rec.SessionID, NewGroupKey: witness.NewGroupKey()}
	if recipient {
		res.ShareIndex = setup.recipientIndex(pc.device)
	}
	return res, nil
}

func (pc *ProtocolContext) reshareSetup(id ids.SessionID) (*reshareSetup, error) {
	var (
		setup = &reshareSetup{dealerIndex: map[ids.DeviceID]int{}, oldPublicShares: map[string]group.Point{}}
		err   error
		total int
	)
	pc.ledger.View(func(state *journal.AccountState) {
		rec, ok := state.Session(id)
		if !ok || rec.Resharing == nil {
			err = fmt.Errorf("%w: resharing %s", journal.ErrSessionUnknown, ids.Short(id))
			return
		}
		if rec.IsTerminal() {
			err = SessionEnded(rec)
			return
		}
		rs := rec.Resharing
		setup.account = state.AccountID
		setup.oldKey = slices.Clone(state.GroupPublicKey)
		if setup.oldPoint, err = group.DecodePoint(journal.Suite, setup.oldKey); err != nil {
			return
		}
		setup.dealers = slices.Clone(rs.OldParticipants)
		setup.recipients = slices.Clone(rs.NewParticipants)
		total = int(state.ShareCount)
		if setup.old, err = frost.New(journal.Suite, int(rs.OldThreshold), total); err != nil {
			return
		}
		if setup.next, err = frost.New(journal.Suite, int(rs.NewThreshold), len(rs.NewParticipants)); err != nil {
			return
		}
		for _, d := range rs.OldParticipants {
			meta := state.Devices[d]
			setup.dealerIndex[d] = int(meta.ShareIndex)
			if meta.SharePublicKey == nil {
				err = fmt.Errorf("%w: dealer %s has no public key share", journal.ErrInvalidState, ids.Short(d))
				return
			}
			point, perr := group.DecodePoint(journal.Suite, meta.SharePublicKey)
			if perr != nil {
				err = perr
				return
			}
			setup.oldPublicShares[string(setup.old.Identifier(int(meta.ShareIndex)).Bytes())] = point
		}
	})
	return setup, err
}

// deal consumes this device's old share and sends a sealed sub-share to
// every recipient, recording each delivery on the ledger.
func (pc *ProtocolContext) deal(ctx context.Context, id ids.SessionID, setup *reshareSetup) error {
	p, err := pc.keys.Participant(ctx, setup.oldKey)
	if err != nil {
		return err
	}
	dealerIdx := make([]int, len(setup.dealers))
	for i, d := range setup.dealers {
		dealerIdx[i] = setup.dealerIndex[d]
	}
	recipientIdx := make([]int, len(setup.recipients))
	for i := range setup.recipients {
		recipientIdx[i] = i + 1
	}
	dealt, err := p.DealReshare(pc.rng, dealerIdx, setup.next, recipientIdx)
	if err != nil {
		return fmt.Errorf("dealing: %w", err)
	}
	dealing := encodeDealing(dealt.Dealing)
	for i, to := range setup.recipients {
		data, err := codec.Marshal(reshareMessage{Dealing: dealing, SubShare: encodeSubShare(dealt.SubShares[i])})
		if err != nil {
			return err
		}
		sealed, err := pc.dir.SealFor(to, data)
		if err != nil {
			return err
		}
		digest := ids.Sum(sealed)
		_, err = pc.Emit(ctx, &journal.DistributeSubShare{SessionID: id, From: pc.device, To: to, EncryptedSubShare: digest[:]})
		if err != nil {
			return fmt.Errorf("recording sub-share for %s: %w", ids.Short(to), err)
		}
		meta := map[string]string{transport.MetaSession: id.String(), transport.MetaEventID: "reshare:" + to.String()}
		if err := pc.tr.Send(ctx, to, ContentTypeReshare, meta, sealed); err != nil {
			return fmt.Errorf("sending sub-share to %s: %w", ids.Short(to), err)
		}
	}
	pc.log.Debug().Str("session_id", ids.Short(id)).Int("recipients", len(setup.recipients)).Msg("old share dealt and retired")
	return nil
}

// collect receives one sub-share from every dealer, verifies each against
// its dealing and the ledger record, acknowledges it and installs the new
// share. It returns the new group key and the dealings in dealer order.
func (pc *ProtocolContext) collect(ctx context.Context, id ids.SessionID, setup *reshareSetup) ([]byte, []*frost.ReshareDealing, error) {
	type received struct {
		dealing *frost.ReshareDealing
		sub     *frost.ReshareSubShare
		digest  ids.Hash
	}
	got := map[ids.DeviceID]received{}
	for len(got) < len(setup.dealers) {
		env, plain, err := pc.receive(ctx, ContentTypeReshare, id)
		if err != nil {
			return nil, nil, fmt.Errorf("receiving sub-shares (%d of %d): %w", len(got), len(setup.dealers), err)
		}
		if !slices.Contains(setup.dealers, env.From) {
			continue
		}
		if _, dup := got[env.From]; dup {
			continue
		}
		var msg reshareMessage
		if err := codec.Unmarshal(plain, &msg); err != nil {
			return nil, nil, pc.blameResharing(ctx, id, env.From, "malformed sub-share: "+err.Error())
		}
		dealing, err := decodeDealing(msg.Dealing)
		if err != nil {
			return nil, nil, pc.blameResharing(ctx, id, env.From, err.Error())
		}
		sub, err := decodeSubShare(msg.SubShare)
		if err != nil {
			return nil, nil, pc.blameResharing(ctx, id, env.From, err.Error())
		}
		if err := setup.next.VerifySubShare(sub, dealing); err != nil {
			return nil, nil, pc.blameResharing(ctx, id, env.From, err.Error())
		}
		got[env.From] = received{dealing: dealing, sub: sub, digest: ids.Sum(env.Payload)}
	}

	dealings := make([]*frost.ReshareDealing, 0, len(setup.dealers))
	subs := make([]*frost.ReshareSubShare, 0, len(setup.dealers))
	for _, d := range setup.dealers {
		r := got[d]
		if _, err := pc.AwaitEvent(ctx, distributed(id, d, pc.device, r.digest), 0); err != nil {
			return nil, nil, fmt.Errorf("sub-share from %s not on the ledger: %w", ids.Short(d), err)
		}
		dealings = append(dealings, r.dealing)
		subs = append(subs, r.sub)
	}
	newKey, err := setup.old.VerifyDealings(dealings, setup.oldPoint, setup.oldPublicShares, setup.next)
	if err != nil {
		var de *frost.DealingError
		if errors.As(err, &de) {
			for _, d := range setup.dealers {
				if got[d].dealing.DealerID.Equal(de.Dealer) {
					return nil, nil, pc.blameResharing(ctx, id, d, de.Reason)
				}
			}
		}
		return nil, nil, fmt.Errorf("verifying dealings: %w", err)
	}
	index := setup.recipientIndex(pc.device)
	p, err := session.CompleteReshare(setup.next, index, subs, dealings, newKey)
	if err != nil {
		return nil, nil, fmt.Errorf("completing share: %w", err)
	}
	if _, err := pc.keys.Install(ctx, index, setup.next.Threshold(), setup.next.Total(), p.KeyShare()); err != nil {
		return nil, nil, err
	}

	for _, d := range setup.dealers {
		digest := got[d].digest
		_, err := pc.Emit(ctx, &journal.AcknowledgeSubShare{
			SessionID:    id,
			From:         d,
			To:           pc.device,
			AckSignature: ed25519.Sign(pc.key, ackMessage(id, d, pc.device, digest)),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("acknowledging sub-share from %s: %w", ids.Short(d), err)
		}
	}
	return newKey.Bytes(), dealings, nil
}

// finalizeResharing proves the new participants can sign with the new key
// and records it.
func (pc *ProtocolContext) finalizeResharing(ctx context.Context, id ids.SessionID, setup *reshareSetup, newKey []byte, dealings []*frost.ReshareDealing) error {
	_, err := pc.AwaitSession(ctx, id, 0, func(r *journal.SessionRecord) bool {
		return len(r.Resharing.MissingAcks()) == 0 && len(r.Resharing.Dealers()) == len(setup.dealers)
	})
	if err != nil {
		return fmt.Errorf("awaiting acknowledgements: %w", err)
	}
	req := SignRequest{
		GroupKey:     newKey,
		Message:      journal.ResharingTestMessage(setup.account, id),
		Candidates:   setup.recipients,
		Threshold:    setup.next.Threshold(),
		PublicShares: map[ids.DeviceID][]byte{},
	}
	publicShares := make([][]byte, len(setup.recipients))
	for i, d := range setup.recipients {
		publicShares[i] = setup.next.ResharePublicShare(dealings, i+1).Bytes()
		req.PublicShares[d] = publicShares[i]
	}
	res, err := pc.signer.Sign(ctx, req)
	if err != nil {
		return fmt.Errorf("test signature: %w", err)
	}
	if _, err := VerifyResharingCompleted(setup.account, id, setup.oldKey, newKey, res.Signature); err != nil {
		return err
	}
	_, err = pc.Emit(ctx, &journal.FinalizeResharing{
		SessionID:         id,
		NewGroupPublicKey: newKey,
		NewThreshold:      uint16(setup.next.Threshold()),
		TestSignature:     res.Signature,
		PublicShares:      publicShares,
	})
	if err != nil && !errors.Is(err, journal.ErrSessionTerminal) {
		return fmt.Errorf("finalizing: %w", err)
	}
	return nil
}

func (pc *ProtocolContext) blameResharing(ctx context.Context, id ids.SessionID, who ids.DeviceID, why string) error {
	byz := &journal.ByzantineError{Who: who, Why: why}
	pc.log.Warn().Str("session_id", ids.Short(id)).Str("blamed", ids.Short(who)).Str("reason", why).Msg("invalid sub-share, aborting resharing")
	_, err := pc.Emit(ctx, &journal.AbortResharing{
		SessionID: id,
		Reason:    journal.AbortReason{Kind: journal.AbortByzantine, Device: &who, Details: why},
	})
	if err != nil && !errors.Is(err, journal.ErrSessionTerminal) {
		pc.log.Error().Err(err).Msg("could not record resharing abort")
	}
	return byz
}

// distributed matches the ledger record of a sub-share delivery.
func distributed(id ids.SessionID, from, to ids.DeviceID, digest ids.Hash) func(*journal.Event) bool {
	match := OfType(journal.TypeDistributeSubShare, id)
	return func(ev *journal.Event) bool {
		if !match(ev) {
			return false
		}
		p, _ := ev.DecodePayload()
		d := p.(*journal.DistributeSubShare)
		return d.From == from && d.To == to && bytes.Equal(d.EncryptedSubShare, digest[:])
	}
}

// ackMessage is what a recipient signs to acknowledge a sub-share.
func ackMessage(id ids.SessionID, from, to ids.DeviceID, digest ids.Hash) []byte {
	msg := []byte("aura-reshare-ack:")
	msg = append(msg, id[:]...)
	msg = append(msg, from[:]...)
	msg = append(msg, to[:]...)
	return append(msg, digest[:]...)
}
