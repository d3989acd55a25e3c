package frost

import (
	"errors"
	"fmt"
	"io"

	"github.com/f3rmion/aura/group"
)

// Round1Data is a participant's public DKG broadcast: Feldman commitments
// to the coefficients of its secret polynomial.
type Round1Data struct {
	ID          group.Scalar
	Commitments []group.Point
}

// Round1PrivateData carries the evaluation f_from(to). It must travel over
// an authenticated, confidential channel.
type Round1PrivateData struct {
	FromID group.Scalar
	ToID   group.Scalar
	Share  group.Scalar
}

// Participant is one party's state during key generation.
type Participant struct {
	id             group.Scalar
	coefficients   []group.Scalar
	commitments    []group.Point
	receivedShares map[string]group.Scalar
}

// NewParticipant samples a random polynomial of degree t-1 for participant
// index id (1..n).
func (f *FROST) NewParticipant(r io.Reader, id int) (*Participant, error) {
	if id < 1 || id > f.total {
		return nil, fmt.Errorf("participant index must be in [1, %d], got %d", f.total, id)
	}
	coeffs := make([]group.Scalar, f.threshold)
	for i := range coeffs {
		c, err := f.group.RandomScalar(r)
		if err != nil {
			return nil, err
		}
		coeffs[i] = c
	}
	return f.participantFromPolynomial(f.Identifier(id), coeffs), nil
}

func (f *FROST) participantFromPolynomial(id group.Scalar, coeffs []group.Scalar) *Participant {
	commits := make([]group.Point, len(coeffs))
	for i, c := range coeffs {
		commits[i] = group.BasePoint(f.group, c)
	}
	return &Participant{
		id:             id,
		coefficients:   coeffs,
		commitments:    commits,
		receivedShares: make(map[string]group.Scalar),
	}
}

// Round1Broadcast returns the commitments to publish.
func (p *Participant) Round1Broadcast() *Round1Data {
	return &Round1Data{ID: p.id, Commitments: p.commitments}
}

// Wipe zeroes the secret polynomial and the shares received so far.
func (p *Participant) Wipe() {
	for _, c := range p.coefficients {
		c.Zero()
	}
	for _, s := range p.receivedShares {
		s.Zero()
	}
	p.coefficients = nil
	p.receivedShares = nil
}

// Round1PrivateSend evaluates p's polynomial for recipient index
// recipientID.
func (f *FROST) Round1PrivateSend(p *Participant, recipientID int) *Round1PrivateData {
	toID := f.Identifier(recipientID)
	return &Round1PrivateData{
		FromID: p.id,
		ToID:   toID,
		Share:  f.evalPolynomial(p.coefficients, toID),
	}
}

// Round2ReceiveShare checks share*G against the sender's commitments and
// stores the share.
func (f *FROST) Round2ReceiveShare(p *Participant, data *Round1PrivateData, senderCommitments []group.Point) error {
	if !data.ToID.Equal(p.id) {
		return errors.New("share is addressed to another participant")
	}
	if len(senderCommitments) != f.threshold {
		return fmt.Errorf("sender published %d commitments, want %d", len(senderCommitments), f.threshold)
	}
	lhs := group.BasePoint(f.group, data.Share)
	if !lhs.Equal(f.evalCommitments(senderCommitments, data.ToID)) {
		return errors.New("invalid share from participant")
	}
	p.receivedShares[string(data.FromID.Bytes())] = data.Share
	return nil
}

// Finalize sums p's own evaluation with every received share. allBroadcasts
// must hold one broadcast per participant, p's own included, and a share
// must have been received from every other participant.
func (f *FROST) Finalize(p *Participant, allBroadcasts []*Round1Data) (*KeyShare, error) {
	if len(p.receivedShares) != len(allBroadcasts)-1 {
		return nil, fmt.Errorf("received %d shares for %d broadcasts", len(p.receivedShares), len(allBroadcasts))
	}
	for _, b := range allBroadcasts {
		if b.ID.Equal(p.id) {
			continue
		}
		if _, ok := p.receivedShares[string(b.ID.Bytes())]; !ok {
			return nil, errors.New("missing share from a broadcasting participant")
		}
	}

	secretKey := f.evalPolynomial(p.coefficients, p.id)
	for _, share := range p.receivedShares {
		secretKey = f.group.NewScalar().Add(secretKey, share)
	}

	groupKey := f.group.NewPoint()
	for _, broadcast := range allBroadcasts {
		groupKey = f.group.NewPoint().Add(groupKey, broadcast.Commitments[0])
	}
	if groupKey.IsIdentity() {
		return nil, errors.New("group key is the identity")
	}

	return &KeyShare{
		ID:        p.id,
		SecretKey: secretKey,
		PublicKey: group.BasePoint(f.group, secretKey),
		GroupKey:  groupKey,
	}, nil
}

// PublicShare computes participant id's public key share from the DKG
// broadcasts without any secret input.
func (f *FROST) PublicShare(allBroadcasts []*Round1Data, id group.Scalar) group.Point {
	sum := f.group.NewPoint()
	for _, b := range allBroadcasts {
		sum = f.group.NewPoint().Add(sum, f.evalCommitments(b.Commitments, id))
	}
	return sum
}
