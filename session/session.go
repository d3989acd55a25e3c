package session

import (
	"errors"
	"fmt"
	"io"

	"github.com/f3rmion/aura/frost"
	"github.com/f3rmion/aura/group"
)

// Participant is one device's view of a threshold key: it runs key
// generation once and then opens signing and resharing sessions.
type Participant struct {
	id        int
	frost     *frost.FROST
	group     group.Group
	keyShare  *frost.KeyShare
	dkgState  *frost.Participant
	finalized bool
	retired   bool
}

// DKGResult is the outcome of key generation for one participant.
type DKGResult struct {
	// KeyShare is secret and must go to secure storage.
	KeyShare *frost.KeyShare
	GroupKey group.Point
	// PublicShares maps every participant index to its public key share.
	PublicShares map[int]group.Point
}

// Round1Output is what a participant sends in key generation.
type Round1Output struct {
	Broadcast *frost.Round1Data
	// PrivateShares are keyed by recipient index and must travel over a
	// confidential channel.
	PrivateShares map[int]*frost.Round1PrivateData
}

// Round1Input is what a participant received in key generation.
type Round1Input struct {
	// Broadcasts from every participant, this one included.
	Broadcasts []*frost.Round1Data
	// PrivateShares addressed to this participant by every other one.
	PrivateShares []*frost.Round1PrivateData
}

// NewParticipant returns participant id (1..total) of a (threshold, total)
// key using the default hasher.
func NewParticipant(g group.Group, threshold, total, id int) (*Participant, error) {
	return NewParticipantWithHasher(g, threshold, total, id, frost.NewBlake3Hasher())
}

// NewParticipantWithHasher is NewParticipant with an explicit ciphersuite
// hasher.
func NewParticipantWithHasher(g group.Group, threshold, total, id int, hasher frost.Hasher) (*Participant, error) {
	if id < 1 || id > total {
		return nil, fmt.Errorf("participant ID must be between 1 and %d, got %d", total, id)
	}
	f, err := frost.NewWithHasher(g, threshold, total, hasher)
	if err != nil {
		return nil, fmt.Errorf("failed to create FROST instance: %w", err)
	}
	return &Participant{id: id, frost: f, group: g}, nil
}

func (p *Participant) ID() int { return p.id }

// KeyShare returns the key share, or nil before key generation completes
// and after Retire.
func (p *Participant) KeyShare() *frost.KeyShare { return p.keyShare }

func (p *Participant) FROST() *frost.FROST { return p.frost }

// GenerateRound1 samples this participant's polynomial and produces the
// broadcast and the private shares for every other index in
// allParticipantIDs.
func (p *Participant) GenerateRound1(rng io.Reader, allParticipantIDs []int) (*Round1Output, error) {
	if p.dkgState != nil || p.finalized {
		return nil, errors.New("round 1 already generated")
	}
	participant, err := p.frost.NewParticipant(rng, p.id)
	if err != nil {
		return nil, fmt.Errorf("failed to create participant: %w", err)
	}
	p.dkgState = participant

	privateShares := make(map[int]*frost.Round1PrivateData, len(allParticipantIDs))
	for _, recipientID := range allParticipantIDs {
		if recipientID == p.id {
			continue
		}
		privateShares[recipientID] = p.frost.Round1PrivateSend(participant, recipientID)
	}
	return &Round1Output{
		Broadcast:     participant.Round1Broadcast(),
		PrivateShares: privateShares,
	}, nil
}

// ProcessRound1 verifies every received share and completes key
// generation. The polynomial is wiped afterwards.
func (p *Participant) ProcessRound1(input *Round1Input) (*DKGResult, error) {
	if p.dkgState == nil {
		return nil, errors.New("must call GenerateRound1 before ProcessRound1")
	}
	if p.finalized {
		return nil, errors.New("DKG already finalized")
	}

	broadcastByID := make(map[string]*frost.Round1Data, len(input.Broadcasts))
	for _, b := range input.Broadcasts {
		key := string(b.ID.Bytes())
		if _, exists := broadcastByID[key]; exists {
			return nil, errors.New("duplicate broadcast from participant")
		}
		broadcastByID[key] = b
	}

	for _, share := range input.PrivateShares {
		sender, ok := broadcastByID[string(share.FromID.Bytes())]
		if !ok {
			return nil, errors.New("missing broadcast from sender of private share")
		}
		if err := p.frost.Round2ReceiveShare(p.dkgState, share, sender.Commitments); err != nil {
			return nil, fmt.Errorf("invalid share from participant: %w", err)
		}
	}

	keyShare, err := p.frost.Finalize(p.dkgState, input.Broadcasts)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize DKG: %w", err)
	}
	p.dkgState.Wipe()
	p.dkgState = nil
	p.keyShare = keyShare
	p.finalized = true

	publicShares := make(map[int]group.Point, p.frost.Total())
	for i := 1; i <= p.frost.Total(); i++ {
		publicShares[i] = p.frost.PublicShare(input.Broadcasts, p.frost.Identifier(i))
	}
	return &DKGResult{
		KeyShare:     keyShare,
		GroupKey:     keyShare.GroupKey,
		PublicShares: publicShares,
	}, nil
}

// SetKeyShare restores a key share loaded from storage.
func (p *Participant) SetKeyShare(ks *frost.KeyShare) {
	p.keyShare = ks
	p.finalized = true
	p.retired = false
}

// Retire wipes the key share. It is called once the share has been
// consumed by a resharing, so the old share cannot sign again.
func (p *Participant) Retire() {
	if p.keyShare != nil {
		p.keyShare.Wipe()
	}
	p.keyShare = nil
	p.retired = true
}

// Retired reports whether Retire has been called.
func (p *Participant) Retired() bool { return p.retired }

// LocalKey is the output of RunLocalDKG.
type LocalKey struct {
	Shares       []*frost.KeyShare
	GroupKey     group.Point
	PublicShares map[int]group.Point
}

// RunLocalDKG runs key generation among total in-process participants.
// Recovery uses it when a single device re-keys an account; tests and
// simulations use it to seed accounts.
func RunLocalDKG(g group.Group, rng io.Reader, threshold, total int) (*LocalKey, error) {
	participants := make([]*Participant, total)
	ids := make([]int, total)
	for i := range participants {
		p, err := NewParticipant(g, threshold, total, i+1)
		if err != nil {
			return nil, err
		}
		participants[i] = p
		ids[i] = i + 1
	}

	outputs := make([]*Round1Output, total)
	broadcasts := make([]*frost.Round1Data, total)
	for i, p := range participants {
		out, err := p.GenerateRound1(rng, ids)
		if err != nil {
			return nil, err
		}
		outputs[i] = out
		broadcasts[i] = out.Broadcast
	}

	key := &LocalKey{Shares: make([]*frost.KeyShare, total)}
	for i, p := range participants {
		var private []*frost.Round1PrivateData
		for j, out := range outputs {
			if i != j {
				private = append(private, out.PrivateShares[p.ID()])
			}
		}
		result, err := p.ProcessRound1(&Round1Input{Broadcasts: broadcasts, PrivateShares: private})
		if err != nil {
			return nil, err
		}
		key.Shares[i] = result.KeyShare
		key.GroupKey = result.GroupKey
		key.PublicShares = result.PublicShares
	}
	return key, nil
}
