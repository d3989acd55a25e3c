package frost

import (
	"errors"
	"fmt"
	"io"

	"github.com/f3rmion/aura/group"
)

// SigningNonce is a signer's secret nonce pair for one signature. It must
// be used at most once and wiped afterwards.
type SigningNonce struct {
	ID group.Scalar
	D  group.Scalar // hiding
	E  group.Scalar // binding
}

// Wipe zeroes both nonces.
func (n *SigningNonce) Wipe() {
	if n == nil {
		return
	}
	if n.D != nil {
		n.D.Zero()
	}
	if n.E != nil {
		n.E.Zero()
	}
	n.D, n.E = nil, nil
}

// SigningCommitment is the public half of a SigningNonce.
type SigningCommitment struct {
	ID           group.Scalar
	HidingPoint  group.Point // D * G
	BindingPoint group.Point // E * G
}

// SignatureShare is one signer's contribution z_i.
type SignatureShare struct {
	ID group.Scalar
	Z  group.Scalar
}

// SignRound1 draws a nonce pair for share and returns it with its
// commitment. Nonces are derived by H3 from 32 random bytes and the secret
// share.
func (f *FROST) SignRound1(r io.Reader, share *KeyShare) (*SigningNonce, *SigningCommitment, error) {
	if share.SecretKey == nil {
		return nil, nil, errors.New("key share has been wiped")
	}
	d, err := f.nonceGenerate(r, share.SecretKey, "hiding")
	if err != nil {
		return nil, nil, err
	}
	e, err := f.nonceGenerate(r, share.SecretKey, "binding")
	if err != nil {
		return nil, nil, err
	}

	nonce := &SigningNonce{ID: share.ID, D: d, E: e}
	commitment := &SigningCommitment{
		ID:           share.ID,
		HidingPoint:  group.BasePoint(f.group, d),
		BindingPoint: group.BasePoint(f.group, e),
	}
	return nonce, commitment, nil
}

func (f *FROST) nonceGenerate(r io.Reader, secret group.Scalar, label string) (group.Scalar, error) {
	var seed [32]byte
	if _, err := io.ReadFull(r, seed[:]); err != nil {
		return nil, fmt.Errorf("reading nonce randomness: %w", err)
	}
	return f.hasher.H3(f.group, seed[:], secret.Bytes(), []byte(label)), nil
}

// SignRound2 computes z_i = d + rho_i*e + lambda_i*s_i*c for share.
// commitments must come from distinct signers, include the caller's own
// commitment and number at least the threshold.
func (f *FROST) SignRound2(
	share *KeyShare,
	nonce *SigningNonce,
	message []byte,
	commitments []*SigningCommitment,
) (*SignatureShare, error) {
	if nonce == nil || nonce.D == nil || nonce.E == nil {
		return nil, errors.New("signing nonce has been used")
	}
	if share.SecretKey == nil {
		return nil, errors.New("key share has been wiped")
	}
	if !nonce.ID.Equal(share.ID) {
		return nil, errors.New("nonce does not belong to this key share")
	}
	signers, err := f.signerSet(commitments)
	if err != nil {
		return nil, err
	}
	own := false
	for _, c := range commitments {
		if c.ID.Equal(share.ID) {
			own = true
			break
		}
	}
	if !own {
		return nil, errors.New("own commitment not found in commitment list")
	}

	factors := f.computeBindingFactors(share.GroupKey, message, commitments)
	R := f.groupCommitment(commitments, factors)
	c := f.challenge(R, share.GroupKey, message)
	lambda, err := f.lagrange(share.ID, signers)
	if err != nil {
		return nil, err
	}
	rho := factors[string(share.ID.Bytes())]

	z := f.group.NewScalar().Mul(rho, nonce.E)
	z = f.group.NewScalar().Add(nonce.D, z)
	lambdaS := f.group.NewScalar().Mul(lambda, share.SecretKey)
	z = f.group.NewScalar().Add(z, f.group.NewScalar().Mul(lambdaS, c))

	return &SignatureShare{ID: share.ID, Z: z}, nil
}

// VerifyShare checks one signature share against the signer's public key
// share. It lets an aggregator name the signer that sent a bad share.
func (f *FROST) VerifyShare(
	sigShare *SignatureShare,
	publicShare group.Point,
	groupKey group.Point,
	message []byte,
	commitments []*SigningCommitment,
) error {
	signers, err := f.signerSet(commitments)
	if err != nil {
		return err
	}
	var own *SigningCommitment
	for _, c := range commitments {
		if c.ID.Equal(sigShare.ID) {
			own = c
			break
		}
	}
	if own == nil {
		return errors.New("no commitment for signature share")
	}

	factors := f.computeBindingFactors(groupKey, message, commitments)
	R := f.groupCommitment(commitments, factors)
	c := f.challenge(R, groupKey, message)
	lambda, err := f.lagrange(sigShare.ID, signers)
	if err != nil {
		return err
	}
	rho := factors[string(sigShare.ID.Bytes())]

	// z_i*G == D_i + rho_i*E_i + lambda_i*c*Y_i
	lhs := group.BasePoint(f.group, sigShare.Z)
	rhs := f.group.NewPoint().Add(own.HidingPoint, f.group.NewPoint().ScalarMult(rho, own.BindingPoint))
	lc := f.group.NewScalar().Mul(lambda, c)
	rhs = f.group.NewPoint().Add(rhs, f.group.NewPoint().ScalarMult(lc, publicShare))
	if !lhs.Equal(rhs) {
		return errors.New("signature share does not verify")
	}
	return nil
}

// Aggregate sums signature shares into a signature. Shares are not
// verified here; use VerifyShare to attribute a failed aggregate.
func (f *FROST) Aggregate(
	groupKey group.Point,
	message []byte,
	commitments []*SigningCommitment,
	shares []*SignatureShare,
) (*Signature, error) {
	if _, err := f.signerSet(commitments); err != nil {
		return nil, err
	}
	if len(shares) != len(commitments) {
		return nil, errors.New("number of shares must match number of commitments")
	}
	factors := f.computeBindingFactors(groupKey, message, commitments)
	R := f.groupCommitment(commitments, factors)

	z := f.group.NewScalar()
	for _, s := range shares {
		z = f.group.NewScalar().Add(z, s.Z)
	}
	return &Signature{R: R, Z: z}, nil
}

// Verify checks z*G == R + c*Y.
func (f *FROST) Verify(message []byte, sig *Signature, groupKey group.Point) bool {
	if sig == nil || sig.R == nil || sig.Z == nil || groupKey == nil {
		return false
	}
	c := f.challenge(sig.R, groupKey, message)
	lhs := group.BasePoint(f.group, sig.Z)
	rhs := f.group.NewPoint().Add(sig.R, f.group.NewPoint().ScalarMult(c, groupKey))
	return lhs.Equal(rhs)
}

func (f *FROST) signerSet(commitments []*SigningCommitment) ([]group.Scalar, error) {
	if len(commitments) < f.threshold {
		return nil, fmt.Errorf("need %d commitments, have %d", f.threshold, len(commitments))
	}
	ids := make([]group.Scalar, len(commitments))
	for i, c := range commitments {
		ids[i] = c.ID
	}
	if err := checkIdentifiers(ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (f *FROST) challenge(R, groupKey group.Point, message []byte) group.Scalar {
	return f.hasher.H2(f.group, R.Bytes(), groupKey.Bytes(), message)
}

// groupCommitment computes R = sum(D_i + rho_i*E_i).
func (f *FROST) groupCommitment(commitments []*SigningCommitment, factors map[string]group.Scalar) group.Point {
	R := f.group.NewPoint()
	for _, comm := range commitments {
		rho := factors[string(comm.ID.Bytes())]
		term := f.group.NewPoint().Add(comm.HidingPoint, f.group.NewPoint().ScalarMult(rho, comm.BindingPoint))
		R = f.group.NewPoint().Add(R, term)
	}
	return R
}

// computeBindingFactors derives rho_i for every signer. The commitment list
// is encoded in identifier order so every signer hashes the same bytes
// regardless of the order it received commitments in.
func (f *FROST) computeBindingFactors(groupKey group.Point, message []byte, commitments []*SigningCommitment) map[string]group.Scalar {
	var encoded []byte
	for _, c := range sortedCommitments(commitments) {
		encoded = append(encoded, c.ID.Bytes()...)
		encoded = append(encoded, c.HidingPoint.Bytes()...)
		encoded = append(encoded, c.BindingPoint.Bytes()...)
	}

	keyAndMsg := append([]byte{}, groupKey.Bytes()...)
	keyAndMsg = append(keyAndMsg, f.hasher.H4(f.group, message)...)
	commitHash := f.hasher.H5(f.group, encoded)

	factors := make(map[string]group.Scalar, len(commitments))
	for _, c := range commitments {
		id := c.ID.Bytes()
		factors[string(id)] = f.hasher.H1(f.group, keyAndMsg, commitHash, id)
	}
	return factors
}
