package session

import (
	"bytes"
	"errors"
	"slices"

	"github.com/f3rmion/aura/group"
	"github.com/f3rmion/aura/ids"
)

// Deterministic key derivation (DKD) binds a context key to a session:
// every participant commits to a point derived from the session and its
// own device id, reveals it, and the sorted points are summed.

// DKDScalarSize is the number of bytes of session_id XOR device_id used as
// a participant's DKD scalar.
const DKDScalarSize = 16

// SeedFingerprintDomain prefixes the derived key when fingerprinting it.
const SeedFingerprintDomain = "aura-dkd-seed-v1:"

// DKDContribution is one participant's DKD material.
type DKDContribution struct {
	Point      []byte
	Commitment ids.Hash
}

// DeriveDKDContribution computes the participant's point from the first
// 16 bytes of session XOR device, and commits to it with BLAKE3.
func DeriveDKDContribution(g group.Group, session ids.SessionID, device ids.DeviceID) (*DKDContribution, error) {
	var raw [DKDScalarSize]byte
	for i := range raw {
		raw[i] = session[i] ^ device[i]
	}
	scalar, err := g.NewScalar().SetBytes(raw[:])
	if err != nil {
		return nil, err
	}
	if scalar.IsZero() {
		return nil, errors.New("dkd scalar is zero")
	}
	point := group.BasePoint(g, scalar).Bytes()
	scalar.Zero()
	return &DKDContribution{Point: point, Commitment: DKDCommitment(point)}, nil
}

// DKDCommitment returns BLAKE3(point).
func DKDCommitment(point []byte) ids.Hash {
	return ids.Sum(point)
}

// AggregateDKDPoints sorts points lexicographically and sums them into the
// derived key. Every point must decode.
func AggregateDKDPoints(g group.Group, points [][]byte) ([]byte, error) {
	if len(points) == 0 {
		return nil, errors.New("no dkd points to aggregate")
	}
	sorted := slices.Clone(points)
	slices.SortFunc(sorted, bytes.Compare)

	decoded := make([]group.Point, len(sorted))
	for i, raw := range sorted {
		p, err := group.DecodePoint(g, raw)
		if err != nil {
			return nil, err
		}
		decoded[i] = p
	}
	key := group.SumPoints(g, decoded)
	if key.IsIdentity() {
		return nil, errors.New("dkd aggregate is the identity")
	}
	return key.Bytes(), nil
}

// DKDCommitmentRoot is the Merkle root over the sorted commitment hashes.
func DKDCommitmentRoot(commitments []ids.Hash) ids.Hash {
	sorted := slices.Clone(commitments)
	slices.SortFunc(sorted, ids.Compare[ids.Hash])
	return ids.MerkleRoot(sorted)
}

// DKDCommitmentProof returns the inclusion proof for commitment within the
// sorted commitment set.
func DKDCommitmentProof(commitments []ids.Hash, commitment ids.Hash) ([]ids.ProofStep, bool) {
	sorted := slices.Clone(commitments)
	slices.SortFunc(sorted, ids.Compare[ids.Hash])
	index := slices.Index(sorted, commitment)
	if index < 0 {
		return nil, false
	}
	return ids.MerkleProof(sorted, index)
}

// SeedFingerprint returns BLAKE3("aura-dkd-seed-v1:" || derivedKey).
func SeedFingerprint(derivedKey []byte) ids.Hash {
	return ids.Sum([]byte(SeedFingerprintDomain), derivedKey)
}
