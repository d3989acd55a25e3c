// Package amp runs authenticated messaging channels inside a relational
// context. A channel is created by one authority, which deals a bootstrap
// key to the recipients it invites. Members derive one message key per
// channel epoch from the bootstrap key, and a member leaving commits an
// epoch bump that every remaining member applies.
//
// Channel membership and epochs are facts. Each member reduces the facts
// it has seen into a ChannelState; facts travel between members over the
// transport and invitations carry the facts a new member needs.
package amp

import (
	"fmt"

	"github.com/f3rmion/aura/ids"
	"github.com/f3rmion/aura/internal/codec"
	"github.com/f3rmion/aura/journal"
)

// Key identifies a channel within its context.
type Key struct {
	Context ids.ContextID
	Channel ids.ChannelID
}

func (k Key) String() string { return ids.Short(k.Context) + "/" + ids.Short(k.Channel) }

// FactType tags a channel fact.
type FactType uint8

const (
	FactChannelCreated FactType = iota + 1
	FactChannelBootstrap
	FactMemberJoined
	FactMemberLeft
	FactEpochBump
)

func (t FactType) String() string {
	switch t {
	case FactChannelCreated:
		return "channel_created"
	case FactChannelBootstrap:
		return "channel_bootstrap"
	case FactMemberJoined:
		return "member_joined"
	case FactMemberLeft:
		return "member_left"
	case FactEpochBump:
		return "committed_epoch_bump"
	}
	return fmt.Sprintf("fact(%d)", uint8(t))
}

// Fact is one channel state change.
type Fact interface {
	Type() FactType
	Key() Key
}

// ChannelCreated opens a channel at InitialEpoch.
type ChannelCreated struct {
	_ struct{} `cbor:",toarray"`

	Context   ids.ContextID
	ChannelID ids.ChannelID
	Creator   ids.AuthorityID
	Topic     string
	CreatedAt uint64
}

// ChannelBootstrap records the dealing of a channel's bootstrap key. The
// key itself never appears in a fact; BootstrapID is its BLAKE3 digest.
type ChannelBootstrap struct {
	_ struct{} `cbor:",toarray"`

	Context     ids.ContextID
	ChannelID   ids.ChannelID
	BootstrapID ids.Hash
	Dealer      ids.AuthorityID
	Recipients  []ids.AuthorityID
	CreatedAt   uint64
}

// MemberJoined adds an authority, reachable at Device, to the channel.
type MemberJoined struct {
	_ struct{} `cbor:",toarray"`

	Context   ids.ContextID
	ChannelID ids.ChannelID
	Member    ids.AuthorityID
	Device    ids.DeviceID
	JoinedAt  uint64
}

// MemberLeft removes an authority from the channel.
type MemberLeft struct {
	_ struct{} `cbor:",toarray"`

	Context   ids.ContextID
	ChannelID ids.ChannelID
	Member    ids.AuthorityID
	LeftAt    uint64
}

// CommittedChannelEpochBump moves the channel from ParentEpoch to
// NewEpoch = ParentEpoch+1.
type CommittedChannelEpochBump struct {
	_ struct{} `cbor:",toarray"`

	Context      ids.ContextID
	ChannelID    ids.ChannelID
	ParentEpoch  uint64
	NewEpoch     uint64
	ChosenBumpID ids.Hash
	ConsensusID  ids.Hash
}

// NewEpochBump returns the bump of k from parent to parent+1.
func NewEpochBump(k Key, parent uint64) *CommittedChannelEpochBump {
	next := parent + 1
	return &CommittedChannelEpochBump{
		Context:      k.Context,
		ChannelID:    k.Channel,
		ParentEpoch:  parent,
		NewEpoch:     next,
		ChosenBumpID: journal.ChannelBumpID(k.Channel, next),
		ConsensusID:  journal.ChannelConsensusID(k.Channel, next),
	}
}

func (*ChannelCreated) Type() FactType            { return FactChannelCreated }
func (*ChannelBootstrap) Type() FactType          { return FactChannelBootstrap }
func (*MemberJoined) Type() FactType              { return FactMemberJoined }
func (*MemberLeft) Type() FactType                { return FactMemberLeft }
func (*CommittedChannelEpochBump) Type() FactType { return FactEpochBump }

func (f *ChannelCreated) Key() Key            { return Key{f.Context, f.ChannelID} }
func (f *ChannelBootstrap) Key() Key          { return Key{f.Context, f.ChannelID} }
func (f *MemberJoined) Key() Key              { return Key{f.Context, f.ChannelID} }
func (f *MemberLeft) Key() Key                { return Key{f.Context, f.ChannelID} }
func (f *CommittedChannelEpochBump) Key() Key { return Key{f.Context, f.ChannelID} }

var factTypes = map[FactType]func() Fact{
	FactChannelCreated:   func() Fact { return new(ChannelCreated) },
	FactChannelBootstrap: func() Fact { return new(ChannelBootstrap) },
	FactMemberJoined:     func() Fact { return new(MemberJoined) },
	FactMemberLeft:       func() Fact { return new(MemberLeft) },
	FactEpochBump:        func() Fact { return new(CommittedChannelEpochBump) },
}

type wireFact struct {
	_ struct{} `cbor:",toarray"`

	Type FactType
	Body codec.RawMessage
}

// EncodeFact returns the canonical CBOR form of f.
func EncodeFact(f Fact) ([]byte, error) {
	body, err := codec.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", f.Type(), err)
	}
	return codec.Marshal(wireFact{Type: f.Type(), Body: body})
}

// DecodeFact parses a fact encoded by EncodeFact.
func DecodeFact(data []byte) (Fact, error) {
	var w wireFact
	if err := codec.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decoding channel fact: %w", err)
	}
	newFact, ok := factTypes[w.Type]
	if !ok {
		return nil, fmt.Errorf("%w: unknown channel fact %d", journal.ErrInvalidState, w.Type)
	}
	f := newFact()
	if err := codec.Unmarshal(w.Body, f); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", w.Type, err)
	}
	return f, nil
}
