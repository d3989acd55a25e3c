package session

import (
	"errors"
	"io"

	"github.com/f3rmion/aura/frost"
	"github.com/f3rmion/aura/group"
)

// ErrShareRetired is returned when a retired participant is asked to deal.
var ErrShareRetired = errors.New("key share has been retired")

// ReshareDealing is what an old participant publishes and sends while
// moving the key to a new participant set.
type ReshareDealing struct {
	Dealing   *frost.ReshareDealing
	SubShares []*frost.ReshareSubShare
}

// DealReshare consumes this participant's share to deal it to the new
// participant set described by next. dealers are the indices of all old
// participants dealing in the same round; recipients are the new indices.
// The share is retired as soon as the dealing has been produced.
func (p *Participant) DealReshare(rng io.Reader, dealers []int, next *frost.FROST, recipients []int) (*ReshareDealing, error) {
	if p.retired || p.keyShare == nil {
		return nil, ErrShareRetired
	}
	dealerIDs := make([]group.Scalar, len(dealers))
	for i, d := range dealers {
		dealerIDs[i] = p.frost.Identifier(d)
	}

	dealer, err := p.frost.NewReshareDealer(rng, p.keyShare, dealerIDs, next)
	if err != nil {
		return nil, err
	}
	subs, err := dealer.SubShares(recipients)
	if err != nil {
		return nil, err
	}
	p.Retire()
	return &ReshareDealing{Dealing: dealer.Dealing(), SubShares: subs}, nil
}

// CompleteReshare builds a new participant at index recipient from the
// sub-shares it received. next must carry the new parameters and
// newGroupKey must come from frost.VerifyDealings.
func CompleteReshare(next *frost.FROST, recipient int, subShares []*frost.ReshareSubShare, dealings []*frost.ReshareDealing, newGroupKey group.Point) (*Participant, error) {
	ks, err := next.CompleteReshare(recipient, subShares, dealings, newGroupKey)
	if err != nil {
		return nil, err
	}
	return &Participant{
		id:        recipient,
		frost:     next,
		group:     next.Group(),
		keyShare:  ks,
		finalized: true,
	}, nil
}
