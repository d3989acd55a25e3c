package frost

import (
	"bytes"
	"errors"
	"fmt"
	"slices"

	"github.com/f3rmion/aura/group"
)

// FROST binds a group, a hasher and the (t, n) parameters of one key.
type FROST struct {
	group     group.Group
	hasher    Hasher
	threshold int // t, minimum signers
	total     int // n, shareholders
}

// KeyShare is one participant's share of a threshold key.
type KeyShare struct {
	ID        group.Scalar // participant index as a scalar
	SecretKey group.Scalar // s_i
	PublicKey group.Point  // s_i * G
	GroupKey  group.Point  // Y
}

// Wipe zeroes the secret part of the share. The share must not be used
// afterwards.
func (k *KeyShare) Wipe() {
	if k.SecretKey != nil {
		k.SecretKey.Zero()
		k.SecretKey = nil
	}
}

// Signature is a Schnorr signature (R, z).
type Signature struct {
	R group.Point
	Z group.Scalar
}

// Bytes returns R || z.
func (s *Signature) Bytes() []byte {
	out := make([]byte, 0, 64)
	out = append(out, s.R.Bytes()...)
	return append(out, s.Z.Bytes()...)
}

// DecodeSignature parses R || z.
func DecodeSignature(g group.Group, data []byte) (*Signature, error) {
	if len(data) != g.PointSize()+g.ScalarSize() {
		return nil, fmt.Errorf("signature is %d bytes, want %d", len(data), g.PointSize()+g.ScalarSize())
	}
	R, err := group.DecodePoint(g, data[:g.PointSize()])
	if err != nil {
		return nil, fmt.Errorf("signature R: %w", err)
	}
	z, err := group.DecodeScalar(g, data[g.PointSize():])
	if err != nil {
		return nil, fmt.Errorf("signature z: %w", err)
	}
	return &Signature{R: R, Z: z}, nil
}

// New returns a FROST instance with the default BLAKE3 hasher.
func New(g group.Group, threshold, total int) (*FROST, error) {
	return NewWithHasher(g, threshold, total, NewBlake3Hasher())
}

// NewWithHasher returns a FROST instance using hasher for binding factors,
// challenges and nonce derivation. Signers and verifiers must agree on it.
func NewWithHasher(g group.Group, threshold, total int, hasher Hasher) (*FROST, error) {
	if threshold < 1 {
		return nil, errors.New("threshold must be at least 1")
	}
	if total < threshold {
		return nil, errors.New("total must be >= threshold")
	}
	if total > maxParticipants {
		return nil, fmt.Errorf("total must be <= %d", maxParticipants)
	}
	if hasher == nil {
		return nil, errors.New("hasher is required")
	}
	return &FROST{
		group:     g,
		hasher:    hasher,
		threshold: threshold,
		total:     total,
	}, nil
}

// maxParticipants bounds n so participant indices fit a uint16.
const maxParticipants = 1<<16 - 1

func (f *FROST) Group() group.Group { return f.group }
func (f *FROST) Hasher() Hasher     { return f.hasher }
func (f *FROST) Threshold() int     { return f.threshold }
func (f *FROST) Total() int         { return f.total }

// Identifier returns the scalar for participant index id (1-based).
func (f *FROST) Identifier(id int) group.Scalar {
	return f.group.ScalarFromUint64(uint64(id))
}

// evalPolynomial evaluates coeffs at x with Horner's rule.
func (f *FROST) evalPolynomial(coeffs []group.Scalar, x group.Scalar) group.Scalar {
	result := f.group.NewScalar().Set(coeffs[len(coeffs)-1])
	for i := len(coeffs) - 2; i >= 0; i-- {
		result = f.group.NewScalar().Mul(result, x)
		result = f.group.NewScalar().Add(result, coeffs[i])
	}
	return result
}

// evalCommitments evaluates Feldman commitments at x: sum_k C_k * x^k.
func (f *FROST) evalCommitments(commitments []group.Point, x group.Scalar) group.Point {
	result := f.group.NewPoint()
	xPower := f.group.ScalarFromUint64(1)
	for _, c := range commitments {
		term := f.group.NewPoint().ScalarMult(xPower, c)
		result = f.group.NewPoint().Add(result, term)
		xPower = f.group.NewScalar().Mul(xPower, x)
	}
	return result
}

// lagrange returns the coefficient of id at zero over the set ids.
func (f *FROST) lagrange(id group.Scalar, ids []group.Scalar) (group.Scalar, error) {
	num := f.group.ScalarFromUint64(1)
	den := f.group.ScalarFromUint64(1)
	for _, other := range ids {
		if other.Equal(id) {
			continue
		}
		num = f.group.NewScalar().Mul(num, other)
		den = f.group.NewScalar().Mul(den, f.group.NewScalar().Sub(other, id))
	}
	denInv, err := f.group.NewScalar().Invert(den)
	if err != nil {
		return nil, errors.New("duplicate participant identifiers")
	}
	return f.group.NewScalar().Mul(num, denInv), nil
}

// checkIdentifiers rejects zero and duplicate identifiers.
func checkIdentifiers(ids []group.Scalar) error {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id.IsZero() {
			return errors.New("participant identifier must be non-zero")
		}
		key := string(id.Bytes())
		if _, dup := seen[key]; dup {
			return errors.New("duplicate participant identifier")
		}
		seen[key] = struct{}{}
	}
	return nil
}

// sortedCommitments returns commitments ordered by identifier encoding.
func sortedCommitments(commitments []*SigningCommitment) []*SigningCommitment {
	out := slices.Clone(commitments)
	slices.SortFunc(out, func(a, b *SigningCommitment) int {
		return bytes.Compare(a.ID.Bytes(), b.ID.Bytes())
	})
	return out
}
