package amp

import (
	"fmt"
	"maps"
	"slices"

	"github.com/f3rmion/aura/ids"
	"github.com/f3rmion/aura/journal"
)

var (
	ErrUnknownChannel = journal.NewKindError(journal.KindLifecycle, "unknown AMP channel")
	ErrNotMember      = journal.NewKindError(journal.KindAuthorization, "not a channel member")
	ErrNotInvited     = journal.NewKindError(journal.KindAuthorization, "not a bootstrap recipient")
	ErrNoRecipients   = journal.NewKindError(journal.KindProtocol, "AMP bootstrap recipients cannot be empty")
	ErrInvalidBump    = journal.NewKindError(journal.KindProtocol, "invalid channel epoch bump")
	// ErrUnexpectedSender is returned for a fact delivered by a device that
	// may not originate it.
	ErrUnexpectedSender = journal.NewKindError(journal.KindAuthorization, "channel fact from unexpected sender")
	// ErrBootstrapWiden is returned when an invitation would add recipients
	// to a bootstrap that was already dealt.
	ErrBootstrapWiden = journal.NewKindError(journal.KindPolicy, "AMP bootstrap already exists; refusing to add new recipients")
)

// InitialEpoch is the epoch of a newly created channel.
const InitialEpoch = 1

// ChannelState is one member's view of a channel.
type ChannelState struct {
	Context   ids.ContextID
	Channel   ids.ChannelID
	Creator   ids.AuthorityID
	Topic     string
	Epoch     uint64
	Members   map[ids.AuthorityID]ids.DeviceID
	Bootstrap *ChannelBootstrap
	Bumps     []*CommittedChannelEpochBump
}

func newChannelState(k Key) *ChannelState {
	return &ChannelState{
		Context: k.Context,
		Channel: k.Channel,
		Epoch:   InitialEpoch,
		Members: map[ids.AuthorityID]ids.DeviceID{},
	}
}

// Key returns the channel's key.
func (s *ChannelState) Key() Key { return Key{s.Context, s.Channel} }

// IsMember reports whether a is a current member.
func (s *ChannelState) IsMember(a ids.AuthorityID) bool {
	_, ok := s.Members[a]
	return ok
}

// MemberIDs returns the current members in id order.
func (s *ChannelState) MemberIDs() []ids.AuthorityID {
	return ids.Sorted(s.Members)
}

// Invited reports whether a may join: the creator, the dealer and the
// bootstrap recipients may.
func (s *ChannelState) Invited(a ids.AuthorityID) bool {
	if a == s.Creator {
		return true
	}
	if s.Bootstrap == nil {
		return false
	}
	return a == s.Bootstrap.Dealer || slices.Contains(s.Bootstrap.Recipients, a)
}

// Committer returns the member expected to commit the next epoch bump:
// the remaining member with the lowest authority id.
func (s *ChannelState) Committer() (ids.AuthorityID, bool) {
	members := s.MemberIDs()
	if len(members) == 0 {
		return ids.AuthorityID{}, false
	}
	return members[0], true
}

// CheckSender reports whether device from may deliver f. Members announce
// their own joins and departures, the dealer deals the bootstrap and
// introduces members, and only the committer sends epoch bumps.
func (s *ChannelState) CheckSender(from ids.DeviceID, f Fact) error {
	dealer := s.Bootstrap != nil && s.IsMember(s.Bootstrap.Dealer) && s.Members[s.Bootstrap.Dealer] == from
	switch f := f.(type) {
	case *ChannelBootstrap:
		if dev, ok := s.Members[f.Dealer]; ok && dev == from {
			return nil
		}
	case *MemberJoined:
		if dev, ok := s.Members[f.Member]; ok && dev != f.Device && dev != from {
			break
		}
		if f.Device == from || dealer {
			return nil
		}
	case *MemberLeft:
		if dev, ok := s.Members[f.Member]; !ok || dev == from {
			return nil
		}
	case *CommittedChannelEpochBump:
		if c, ok := s.Committer(); ok && s.Members[c] == from {
			return nil
		}
	}
	return fmt.Errorf("%w: %s from %s on %s", ErrUnexpectedSender, f.Type(), ids.Short(from), s.Key())
}

// Apply folds f into the state. It reports whether the state changed;
// facts already reflected in the state are ignored.
func (s *ChannelState) Apply(f Fact) (bool, error) {
	if f.Key() != s.Key() {
		return false, fmt.Errorf("%w: fact for %s applied to %s", journal.ErrInvalidState, f.Key(), s.Key())
	}
	switch f := f.(type) {
	case *ChannelCreated:
		if !ids.IsZero(s.Creator) {
			return false, nil
		}
		s.Creator, s.Topic = f.Creator, f.Topic
		return true, nil

	case *ChannelBootstrap:
		if len(f.Recipients) == 0 {
			return false, ErrNoRecipients
		}
		if s.Bootstrap != nil {
			if s.Bootstrap.BootstrapID == f.BootstrapID {
				return false, nil
			}
			return false, fmt.Errorf("%w: channel %s", ErrBootstrapWiden, s.Key())
		}
		b := *f
		b.Recipients = slices.Clone(f.Recipients)
		ids.Sort(b.Recipients)
		s.Bootstrap = &b
		return true, nil

	case *MemberJoined:
		if dev, ok := s.Members[f.Member]; ok && dev == f.Device {
			return false, nil
		}
		if !s.Invited(f.Member) {
			return false, fmt.Errorf("%w: %s on %s", ErrNotInvited, ids.Short(f.Member), s.Key())
		}
		s.Members[f.Member] = f.Device
		return true, nil

	case *MemberLeft:
		if !s.IsMember(f.Member) {
			return false, nil
		}
		delete(s.Members, f.Member)
		return true, nil

	case *CommittedChannelEpochBump:
		if f.NewEpoch <= s.Epoch {
			for _, b := range s.Bumps {
				if b.NewEpoch == f.NewEpoch && b.ChosenBumpID == f.ChosenBumpID {
					return false, nil
				}
			}
		}
		if f.ParentEpoch != s.Epoch {
			return false, &journal.StaleEpochError{Provided: f.ParentEpoch, Current: s.Epoch}
		}
		want := NewEpochBump(s.Key(), s.Epoch)
		if f.NewEpoch != want.NewEpoch || f.ChosenBumpID != want.ChosenBumpID || f.ConsensusID != want.ConsensusID {
			return false, fmt.Errorf("%w: %d -> %d on %s", ErrInvalidBump, f.ParentEpoch, f.NewEpoch, s.Key())
		}
		b := *f
		s.Bumps = append(s.Bumps, &b)
		s.Epoch = f.NewEpoch
		return true, nil
	}
	return false, fmt.Errorf("%w: unknown channel fact %T", journal.ErrInvalidState, f)
}

// Clone returns a deep copy of s.
func (s *ChannelState) Clone() *ChannelState {
	c := *s
	c.Members = maps.Clone(s.Members)
	if s.Bootstrap != nil {
		b := *s.Bootstrap
		b.Recipients = slices.Clone(s.Bootstrap.Recipients)
		c.Bootstrap = &b
	}
	c.Bumps = slices.Clone(s.Bumps)
	return &c
}

// facts returns facts that rebuild s for a member joining later: the
// creation, the bootstrap, the current members and every bump.
func (s *ChannelState) facts() []Fact {
	k := s.Key()
	out := []Fact{&ChannelCreated{Context: k.Context, ChannelID: k.Channel, Creator: s.Creator, Topic: s.Topic}}
	if s.Bootstrap != nil {
		b := *s.Bootstrap
		out = append(out, &b)
	}
	for _, m := range s.MemberIDs() {
		out = append(out, &MemberJoined{Context: k.Context, ChannelID: k.Channel, Member: m, Device: s.Members[m]})
	}
	for _, b := range s.Bumps {
		bb := *b
		out = append(out, &bb)
	}
	return out
}
