package choreo

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"slices"

	"github.com/f3rmion/aura/frost"
	"github.com/f3rmion/aura/ids"
	"github.com/f3rmion/aura/internal/codec"
	"github.com/f3rmion/aura/journal"
	"github.com/f3rmion/aura/ledger"
	"github.com/f3rmion/aura/session"
)

// ContentTypeRecovery tags key shares sealed to the survivors of a
// recovery.
const ContentTypeRecovery = "application/aura-recovery"

// DefaultRecoveryTTLEpochs is the lifetime of a recovery session.
const DefaultRecoveryTTLEpochs = 200

// Guardian signs on behalf of one guardian. Guardians never see key
// material; they authorize the recovery and approve the new device.
type Guardian interface {
	GuardianID() ids.GuardianID
	// SignEvent sets a guardian authorization on ev.
	SignEvent(ctx context.Context, ev *journal.Event) error
	// ApproveRecovery signs a recovery approval message.
	ApproveRecovery(ctx context.Context, msg []byte) ([]byte, error)
}

// LocalGuardian is a Guardian whose key is held in process.
type LocalGuardian struct {
	ID  ids.GuardianID
	Key ed25519.PrivateKey
}

func (g *LocalGuardian) GuardianID() ids.GuardianID { return g.ID }

func (g *LocalGuardian) SignEvent(_ context.Context, ev *journal.Event) error {
	return journal.SignAsGuardian(ev, g.ID, g.Key)
}

func (g *LocalGuardian) ApproveRecovery(_ context.Context, msg []byte) ([]byte, error) {
	return ed25519.Sign(g.Key, msg), nil
}

// RecoveryConfig describes a recovery of this device into the account.
type RecoveryConfig struct {
	SessionID         ids.SessionID
	RequiredGuardians []ids.GuardianID
	QuorumThreshold   int
	// CooldownSeconds bounds how long after initiation approvals count.
	CooldownSeconds uint64
	TTLEpochs       uint64
	// Survivors are the active devices that receive shares of the new key
	// alongside this device.
	Survivors    []ids.DeviceID
	NewThreshold int
}

// RecoveryResult is the outcome of an executed recovery.
type RecoveryResult struct {
	SessionID    ids.SessionID
	NewGroupKey  []byte
	Participants []ids.DeviceID
	Approvals    int
	Phases       []RecoveryPhase
}

// recoveredShare is what the recovering device seals for a survivor.
type recoveredShare struct {
	_ struct{} `cbor:",toarray"`

	Share        wireKeyShare
	Participants []ids.DeviceID
}

// EmitAsGuardian builds the next event and has g authorize it.
func (pc *ProtocolContext) EmitAsGuardian(ctx context.Context, g Guardian, build Builder) (ledger.Entry, error) {
	return pc.ledger.AppendWith(ctx, func(state *journal.AccountState, h journal.Header) (*journal.Event, error) {
		p, err := build(state, h)
		if err != nil {
			return nil, err
		}
		ev, err := journal.NewEvent(h, p)
		if err != nil {
			return nil, err
		}
		if err := g.SignEvent(ctx, ev); err != nil {
			return nil, fmt.Errorf("guardian %s: %w", ids.Short(g.GuardianID()), err)
		}
		return ev, nil
	})
}

// InitiateRecovery opens a recovery of this device, authorized by
// initiator, which must be one of the required guardians. The session
// takes the operation lock.
func (pc *ProtocolContext) InitiateRecovery(ctx context.Context, cfg RecoveryConfig, initiator Guardian) (ledger.Entry, error) {
	if cfg.TTLEpochs == 0 {
		cfg.TTLEpochs = DefaultRecoveryTTLEpochs
	}
	pk := pc.key.Public().(ed25519.PublicKey)
	entry, err := pc.EmitAsGuardian(ctx, initiator, func(_ *journal.AccountState, h journal.Header) (journal.Payload, error) {
		return &journal.InitiateRecovery{
			SessionID:         cfg.SessionID,
			NewDeviceID:       pc.device,
			NewDevicePK:       slices.Clone(pk),
			RequiredGuardians: slices.Clone(cfg.RequiredGuardians),
			QuorumThreshold:   uint16(cfg.QuorumThreshold),
			CooldownSeconds:   cfg.CooldownSeconds,
			StartEpoch:        h.EpochAtWrite,
			TTLEpochs:         cfg.TTLEpochs,
		}, nil
	})
	if err != nil {
		return entry, err
	}
	pc.log.Info().Str("session_id", ids.Short(cfg.SessionID)).Str("guardian_id", ids.Short(initiator.GuardianID())).
		Int("quorum", cfg.QuorumThreshold).Msg("recovery initiated")
	return entry, nil
}

// ApproveRecovery records g's approval of the recovering device.
func (pc *ProtocolContext) ApproveRecovery(ctx context.Context, id ids.SessionID, g Guardian) (ledger.Entry, error) {
	return pc.EmitAsGuardian(ctx, g, func(state *journal.AccountState, _ journal.Header) (journal.Payload, error) {
		rec, ok := state.Session(id)
		if !ok || rec.Recovery == nil {
			return nil, fmt.Errorf("%w: recovery %s", journal.ErrSessionUnknown, ids.Short(id))
		}
		msg := journal.RecoveryMessage(state.AccountID, id, rec.Recovery.NewDeviceID, rec.Recovery.NewDevicePK)
		sig, err := g.ApproveRecovery(ctx, msg)
		if err != nil {
			return nil, err
		}
		return &journal.ApproveRecovery{SessionID: id, GuardianID: g.GuardianID(), ApprovalSignature: sig}, nil
	})
}

// RunRecovery initiates a recovery of this device, collects approvals from
// guardians until the quorum is met, and executes it. The first guardian
// initiates; the recovery is executed under the last approving guardian.
func (pc *ProtocolContext) RunRecovery(ctx context.Context, cfg RecoveryConfig, guardians []Guardian) (*RecoveryResult, error) {
	m := NewRecoveryMachine()
	res, err := pc.runRecovery(ctx, m, cfg, guardians)
	if err != nil {
		m.fail(RecoveryFailed)
		pc.log.Warn().Err(err).Str("session_id", ids.Short(cfg.SessionID)).Msg("recovery failed")
		return nil, err
	}
	res.Phases = m.History()
	return res, nil
}

func (pc *ProtocolContext) runRecovery(ctx context.Context, m *Machine[RecoveryPhase], cfg RecoveryConfig, guardians []Guardian) (*RecoveryResult, error) {
	if len(guardians) == 0 {
		return nil, journal.ErrInsufficientParticipants
	}
	if _, err := pc.InitiateRecovery(ctx, cfg, guardians[0]); err != nil {
		return nil, err
	}
	if err := m.Transition(RecoveryCollectingApprovals, nil); err != nil {
		return nil, err
	}

	var (
		approved *ApprovalThresholdMet
		executor Guardian
	)
	for _, g := range guardians {
		if _, err := pc.ApproveRecovery(ctx, cfg.SessionID, g); err != nil {
			pc.log.Warn().Err(err).Str("guardian_id", ids.Short(g.GuardianID())).Msg("approval rejected")
			continue
		}
		executor = g
		var err error
		pc.ledger.View(func(state *journal.AccountState) {
			rec, ok := state.Session(cfg.SessionID)
			if !ok {
				err = journal.ErrSessionUnknown
				return
			}
			approved, err = VerifyApprovals(state, rec)
		})
		if err == nil {
			break
		}
		var short *journal.ThresholdNotMetError
		if !errors.As(err, &short) {
			return nil, err
		}
	}
	if approved == nil {
		rec, _ := pc.ledger.Session(cfg.SessionID)
		n, q := 0, cfg.QuorumThreshold
		if rec != nil {
			pc.ledger.View(func(state *journal.AccountState) {
				n, q = state.ValidApprovals(rec), state.RecoveryQuorum(rec)
			})
		}
		return nil, &journal.ThresholdNotMetError{Current: n, Required: q}
	}
	if err := m.Transition(RecoveryApproved, approved); err != nil {
		return nil, err
	}

	res, signed, err := pc.ExecuteRecovery(ctx, cfg.SessionID, cfg.Survivors, cfg.NewThreshold, executor)
	if err != nil {
		return nil, err
	}
	if err := m.Transition(RecoveryExecuted, signed); err != nil {
		return nil, err
	}
	res.Approvals = approved.Count()
	return res, nil
}

// ExecuteRecovery generates a fresh key for this device and survivors,
// proves it with a test signature, delivers the survivors' shares sealed
// to them and records the new key under executor's authorization.
func (pc *ProtocolContext) ExecuteRecovery(ctx context.Context, id ids.SessionID, survivors []ids.DeviceID, threshold int, executor Guardian) (*RecoveryResult, *SignatureAggregated, error) {
	participants := append([]ids.DeviceID{pc.device}, survivors...)
	if threshold < 1 || threshold > len(participants) {
		return nil, nil, fmt.Errorf("%w: threshold %d for %d participants", journal.ErrInsufficientParticipants, threshold, len(participants))
	}
	account := pc.ledger.AccountID()
	kg := NewKeyGenMachine()
	if err := kg.Transition(KeyGenInProgress, nil); err != nil {
		return nil, nil, err
	}
	key, err := session.RunLocalDKG(journal.Suite, pc.rng, threshold, len(participants))
	if err != nil {
		kg.fail(KeyGenFailed)
		return nil, nil, fmt.Errorf("generating recovered key: %w", err)
	}
	f, err := frost.New(journal.Suite, threshold, len(participants))
	if err != nil {
		return nil, nil, err
	}
	groupKey := key.GroupKey.Bytes()
	sig, err := session.QuickSign(f, pc.rng, key.Shares[:threshold], journal.ResharingTestMessage(account, id))
	if err != nil {
		return nil, nil, fmt.Errorf("test signature: %w", err)
	}
	signed, err := VerifySignature(groupKey, journal.ResharingTestMessage(account, id), sig.Bytes())
	if err != nil {
		kg.fail(KeyGenFailed)
		return nil, nil, err
	}
	if err := kg.Transition(KeyGenComplete, signed); err != nil {
		return nil, nil, err
	}

	publicShares := make([][]byte, len(participants))
	for i := range participants {
		publicShares[i] = key.PublicShares[i+1].Bytes()
	}
	for i, d := range participants[1:] {
		data, err := codec.Marshal(recoveredShare{
			Share:        encodeKeyShare(i+2, threshold, len(participants), key.Shares[i+1]),
			Participants: participants,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := pc.send(ctx, d, ContentTypeRecovery, id, "recovery:"+d.String(), data); err != nil {
			return nil, nil, fmt.Errorf("delivering share to %s: %w", ids.Short(d), err)
		}
	}
	if _, err := pc.keys.Install(ctx, 1, threshold, len(participants), key.Shares[0]); err != nil {
		return nil, nil, err
	}
	for _, s := range key.Shares[1:] {
		s.Wipe()
	}

	_, err = pc.EmitAsGuardian(ctx, executor, func(*journal.AccountState, journal.Header) (journal.Payload, error) {
		return &journal.ExecuteRecovery{
			SessionID:         id,
			NewGroupPublicKey: groupKey,
			NewThreshold:      uint16(threshold),
			Participants:      participants,
			TestSignature:     sig.Bytes(),
			PublicShares:      publicShares,
		}, nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("recording recovery: %w", err)
	}
	pc.log.Info().Str("session_id", ids.Short(id)).Int("participants", len(participants)).
		Int("threshold", threshold).Msg("recovery executed")
	return &RecoveryResult{SessionID: id, NewGroupKey: groupKey, Participants: participants}, signed, nil
}

// AcceptRecoveredShare receives this device's share of a recovered key and
// installs it once the recovery is on the ledger. It returns the share
// index.
func (pc *ProtocolContext) AcceptRecoveredShare(ctx context.Context, id ids.SessionID) (int, error) {
	env, plain, err := pc.receive(ctx, ContentTypeRecovery, id)
	if err != nil {
		return 0, fmt.Errorf("receiving recovered share: %w", err)
	}
	var msg recoveredShare
	if err := codec.Unmarshal(plain, &msg); err != nil {
		return 0, fmt.Errorf("decoding recovered share: %w", err)
	}
	share, err := decodeKeyShare(msg.Share)
	if err != nil {
		return 0, err
	}
	if _, err := pc.AwaitSession(ctx, id, 0, func(r *journal.SessionRecord) bool { return r.Status == journal.StatusCompleted }); err != nil {
		return 0, fmt.Errorf("awaiting recovery: %w", err)
	}
	var (
		index int
		check error
	)
	pc.ledger.View(func(state *journal.AccountState) {
		rec, _ := state.Session(id)
		switch d, ok := state.Device(pc.device); {
		case rec == nil || rec.Recovery == nil || rec.Recovery.NewDeviceID != env.From:
			check = fmt.Errorf("%w: share for %s came from %s", journal.ErrUnauthorized, ids.Short(id), ids.Short(env.From))
		case !ok:
			check = fmt.Errorf("%w: %s is not a share holder after recovery", journal.ErrDeviceNotFound, ids.Short(pc.device))
		case int(d.ShareIndex) != int(msg.Share.Index):
			check = fmt.Errorf("%w: share index %d, ledger says %d", journal.ErrKeyMismatch, msg.Share.Index, d.ShareIndex)
		case !slices.Equal(share.GroupKey.Bytes(), state.GroupPublicKey):
			check = fmt.Errorf("%w: recovered share is for another group key", journal.ErrKeyMismatch)
		case !slices.Equal(share.PublicKey.Bytes(), d.SharePublicKey):
			check = fmt.Errorf("%w: recovered share does not match its public share", journal.ErrKeyMismatch)
		default:
			index = int(d.ShareIndex)
		}
	})
	if check != nil {
		return 0, check
	}
	if _, err := pc.keys.Install(ctx, index, int(msg.Share.Threshold), int(msg.Share.Total), share); err != nil {
		return 0, err
	}
	pc.log.Info().Str("session_id", ids.Short(id)).Int("share_index", index).Msg("recovered share installed")
	return index, nil
}
