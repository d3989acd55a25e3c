package frost

import (
	"errors"
	"fmt"
	"io"

	"github.com/f3rmion/aura/group"
)

// Resharing moves a key from an old (t, n) set to a new (t', n') set and
// rotates the group key at the same time.
//
// Each dealer i of the old signing set S holds s_i. It samples a blind r_i
// and a polynomial g_i of degree t'-1 with g_i(0) = lambda_i*s_i + r_i,
// publishes Feldman commitments to g_i together with lambda_i*Y_i and
// R_i = r_i*G, and sends g_i(j) to every new participant j. Because
// sum(lambda_i*s_i) = s, the new shares s'_j = sum_i g_i(j) interpolate to
// s + sum(r_i), so the new group key is Y + sum(R_i).

// ReshareDealing is a dealer's public contribution.
type ReshareDealing struct {
	DealerID group.Scalar
	// Commitments are Feldman commitments to g_i; Commitments[0] must
	// equal WeightedShare + Blind.
	Commitments []group.Point
	// WeightedShare is lambda_i * Y_i.
	WeightedShare group.Point
	// Blind is r_i * G.
	Blind group.Point
}

// ReshareSubShare is g_i(j), sent privately to new participant j.
type ReshareSubShare struct {
	DealerID    group.Scalar
	RecipientID group.Scalar
	Value       group.Scalar
}

// ReshareDealer holds a dealer's secret polynomial until it is discarded.
type ReshareDealer struct {
	next     *FROST
	dealing  *ReshareDealing
	coeffs   []group.Scalar
	consumed bool
}

// NewReshareDealer prepares share's dealing for the new parameters next.
// dealers lists the identifiers of every old participant taking part and
// must include share.ID and number at least f's threshold.
func (f *FROST) NewReshareDealer(r io.Reader, share *KeyShare, dealers []group.Scalar, next *FROST) (*ReshareDealer, error) {
	if share.SecretKey == nil {
		return nil, errors.New("key share has been wiped")
	}
	if len(dealers) < f.threshold {
		return nil, fmt.Errorf("need %d dealers, have %d", f.threshold, len(dealers))
	}
	if err := checkIdentifiers(dealers); err != nil {
		return nil, err
	}
	member := false
	for _, id := range dealers {
		if id.Equal(share.ID) {
			member = true
		}
	}
	if !member {
		return nil, errors.New("dealer is not in the dealer set")
	}

	lambda, err := f.lagrange(share.ID, dealers)
	if err != nil {
		return nil, err
	}
	weighted := f.group.NewScalar().Mul(lambda, share.SecretKey)
	blind, err := f.group.RandomScalar(r)
	if err != nil {
		return nil, err
	}

	coeffs := make([]group.Scalar, next.threshold)
	coeffs[0] = f.group.NewScalar().Add(weighted, blind)
	for i := 1; i < len(coeffs); i++ {
		if coeffs[i], err = f.group.RandomScalar(r); err != nil {
			return nil, err
		}
	}
	commitments := make([]group.Point, len(coeffs))
	for i, c := range coeffs {
		commitments[i] = group.BasePoint(f.group, c)
	}

	dealing := &ReshareDealing{
		DealerID:      share.ID,
		Commitments:   commitments,
		WeightedShare: group.BasePoint(f.group, weighted),
		Blind:         group.BasePoint(f.group, blind),
	}
	weighted.Zero()
	blind.Zero()

	return &ReshareDealer{next: next, dealing: dealing, coeffs: coeffs}, nil
}

// Dealing returns the public dealing.
func (d *ReshareDealer) Dealing() *ReshareDealing { return d.dealing }

// SubShares evaluates the polynomial for every new participant index and
// then discards it. A dealer produces sub-shares exactly once.
func (d *ReshareDealer) SubShares(recipients []int) ([]*ReshareSubShare, error) {
	if d.consumed {
		return nil, errors.New("reshare dealer already consumed")
	}
	d.consumed = true
	defer d.discard()

	out := make([]*ReshareSubShare, 0, len(recipients))
	for _, j := range recipients {
		if j < 1 || j > d.next.total {
			return nil, fmt.Errorf("recipient index must be in [1, %d], got %d", d.next.total, j)
		}
		id := d.next.Identifier(j)
		out = append(out, &ReshareSubShare{
			DealerID:    d.dealing.DealerID,
			RecipientID: id,
			Value:       d.next.evalPolynomial(d.coeffs, id),
		})
	}
	return out, nil
}

func (d *ReshareDealer) discard() {
	for _, c := range d.coeffs {
		c.Zero()
	}
	d.coeffs = nil
}

// VerifyDealings checks a complete set of dealings against the old key and
// the old public shares, keyed by identifier bytes, and returns the new
// group key.
func (f *FROST) VerifyDealings(dealings []*ReshareDealing, oldGroupKey group.Point, oldPublicShares map[string]group.Point, next *FROST) (group.Point, error) {
	if len(dealings) < f.threshold {
		return nil, fmt.Errorf("need %d dealings, have %d", f.threshold, len(dealings))
	}
	dealers := make([]group.Scalar, len(dealings))
	for i, d := range dealings {
		dealers[i] = d.DealerID
	}
	if err := checkIdentifiers(dealers); err != nil {
		return nil, err
	}

	weightedSum := f.group.NewPoint()
	blindSum := f.group.NewPoint()
	for _, d := range dealings {
		if len(d.Commitments) != next.threshold {
			return nil, &DealingError{Dealer: d.DealerID, Reason: "wrong number of commitments"}
		}
		constant := f.group.NewPoint().Add(d.WeightedShare, d.Blind)
		if !constant.Equal(d.Commitments[0]) {
			return nil, &DealingError{Dealer: d.DealerID, Reason: "constant term does not match its parts"}
		}
		public, ok := oldPublicShares[string(d.DealerID.Bytes())]
		if !ok {
			return nil, &DealingError{Dealer: d.DealerID, Reason: "unknown dealer"}
		}
		lambda, err := f.lagrange(d.DealerID, dealers)
		if err != nil {
			return nil, err
		}
		if !f.group.NewPoint().ScalarMult(lambda, public).Equal(d.WeightedShare) {
			return nil, &DealingError{Dealer: d.DealerID, Reason: "weighted share does not match public share"}
		}
		weightedSum = f.group.NewPoint().Add(weightedSum, d.WeightedShare)
		blindSum = f.group.NewPoint().Add(blindSum, d.Blind)
	}
	if !weightedSum.Equal(oldGroupKey) {
		return nil, errors.New("dealings do not reconstruct the current group key")
	}
	if blindSum.IsIdentity() {
		return nil, errors.New("resharing would not rotate the group key")
	}
	return f.group.NewPoint().Add(oldGroupKey, blindSum), nil
}

// VerifySubShare checks a sub-share against its dealing.
func (f *FROST) VerifySubShare(sub *ReshareSubShare, dealing *ReshareDealing) error {
	if !sub.DealerID.Equal(dealing.DealerID) {
		return errors.New("sub-share and dealing are from different dealers")
	}
	if !group.BasePoint(f.group, sub.Value).Equal(f.evalCommitments(dealing.Commitments, sub.RecipientID)) {
		return &DealingError{Dealer: sub.DealerID, Reason: "sub-share does not match commitments"}
	}
	return nil
}

// CompleteReshare combines verified sub-shares addressed to recipient into
// a key share under newGroupKey. f must carry the new parameters.
func (f *FROST) CompleteReshare(recipient int, subShares []*ReshareSubShare, dealings []*ReshareDealing, newGroupKey group.Point) (*KeyShare, error) {
	if len(subShares) != len(dealings) {
		return nil, fmt.Errorf("have %d sub-shares for %d dealings", len(subShares), len(dealings))
	}
	id := f.Identifier(recipient)
	byDealer := make(map[string]*ReshareDealing, len(dealings))
	for _, d := range dealings {
		byDealer[string(d.DealerID.Bytes())] = d
	}

	secret := f.group.NewScalar()
	seen := make(map[string]struct{}, len(subShares))
	for _, sub := range subShares {
		key := string(sub.DealerID.Bytes())
		if _, dup := seen[key]; dup {
			return nil, errors.New("duplicate sub-share from one dealer")
		}
		seen[key] = struct{}{}
		if !sub.RecipientID.Equal(id) {
			return nil, errors.New("sub-share addressed to another participant")
		}
		dealing, ok := byDealer[key]
		if !ok {
			return nil, errors.New("sub-share without dealing")
		}
		if err := f.VerifySubShare(sub, dealing); err != nil {
			return nil, err
		}
		secret = f.group.NewScalar().Add(secret, sub.Value)
	}

	public := group.BasePoint(f.group, secret)
	expected := f.group.NewPoint()
	for _, d := range dealings {
		expected = f.group.NewPoint().Add(expected, f.evalCommitments(d.Commitments, id))
	}
	if !public.Equal(expected) {
		return nil, errors.New("combined share does not match dealings")
	}

	return &KeyShare{ID: id, SecretKey: secret, PublicKey: public, GroupKey: newGroupKey}, nil
}

// ResharePublicShare computes new participant index j's public share from
// the dealings.
func (f *FROST) ResharePublicShare(dealings []*ReshareDealing, j int) group.Point {
	id := f.Identifier(j)
	sum := f.group.NewPoint()
	for _, d := range dealings {
		sum = f.group.NewPoint().Add(sum, f.evalCommitments(d.Commitments, id))
	}
	return sum
}

// DealingError attributes a resharing failure to a dealer.
type DealingError struct {
	Dealer group.Scalar
	Reason string
}

func (e *DealingError) Error() string {
	return fmt.Sprintf("invalid dealing from participant %x: %s", e.Dealer.Bytes(), e.Reason)
}
