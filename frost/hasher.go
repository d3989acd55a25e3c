package frost

import (
	"io"

	"github.com/f3rmion/aura/group"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
)

// Hasher supplies the hash functions of a FROST ciphersuite.
type Hasher interface {
	// H1 derives a signer's binding factor from the encoded binding input
	// (group key, H4(msg), H5(commitment list)) and the signer identifier.
	H1(g group.Group, msg, encCommitList, signerID []byte) group.Scalar

	// H2 derives the Schnorr challenge from R, the group key and the
	// message.
	H2(g group.Group, R, Y, msg []byte) group.Scalar

	// H3 derives a nonce scalar from fresh randomness and the signer's
	// secret share, so a weak random source alone cannot leak the share.
	H3(g group.Group, seed, rho, msg []byte) group.Scalar

	// H4 hashes the message into the binding input.
	H4(g group.Group, msg []byte) []byte

	// H5 hashes the encoded commitment list into the binding input.
	H5(g group.Group, encCommitList []byte) []byte
}

// Blake3Hasher is the default ciphersuite hash. Each H function uses BLAKE3
// in key-derivation mode with its own context string, and scalars are
// reduced from 64 bytes of output.
type Blake3Hasher struct {
	// Context prefixes every per-function context string.
	Context string
}

// NewBlake3Hasher returns the hasher used for account signatures.
func NewBlake3Hasher() *Blake3Hasher {
	return &Blake3Hasher{Context: "aura frost bjj blake3 v1"}
}

func (h *Blake3Hasher) digest(tag string, size int, data ...[]byte) []byte {
	hasher := blake3.NewDeriveKey(h.Context + " " + tag)
	for _, d := range data {
		hasher.Write(d)
	}
	out := make([]byte, size)
	// Digest is an XOF and never returns a short read.
	_, _ = io.ReadFull(hasher.Digest(), out)
	return out
}

func (h *Blake3Hasher) hashToScalar(g group.Group, tag string, data ...[]byte) group.Scalar {
	s, _ := g.NewScalar().SetBytes(h.digest(tag, 64, data...))
	return s
}

func (h *Blake3Hasher) H1(g group.Group, msg, encCommitList, signerID []byte) group.Scalar {
	return h.hashToScalar(g, "rho", msg, encCommitList, signerID)
}

func (h *Blake3Hasher) H2(g group.Group, R, Y, msg []byte) group.Scalar {
	return h.hashToScalar(g, "chal", R, Y, msg)
}

func (h *Blake3Hasher) H3(g group.Group, seed, rho, msg []byte) group.Scalar {
	return h.hashToScalar(g, "nonce", seed, rho, msg)
}

func (h *Blake3Hasher) H4(g group.Group, msg []byte) []byte {
	return h.digest("msg", 32, msg)
}

func (h *Blake3Hasher) H5(g group.Group, encCommitList []byte) []byte {
	return h.digest("com", 32, encCommitList)
}

// Blake2bHasher hashes with Blake2b-512 behind a domain prefix and reads
// the output little-endian, matching the Ledger / iden3 Baby Jubjub FROST
// ciphersuite. Hardware-backed devices sign with this suite.
type Blake2bHasher struct {
	Prefix string
}

// NewBlake2bHasher returns the Ledger-compatible hasher.
func NewBlake2bHasher() *Blake2bHasher {
	return &Blake2bHasher{Prefix: "FROST-EDBABYJUJUB-BLAKE512-v1"}
}

func (h *Blake2bHasher) hash(tag string, data ...[]byte) []byte {
	hasher, _ := blake2b.New512(nil)
	hasher.Write([]byte(h.Prefix))
	hasher.Write([]byte(tag))
	for _, d := range data {
		hasher.Write(d)
	}
	return hasher.Sum(nil)
}

func (h *Blake2bHasher) hashToScalar(g group.Group, tag string, data ...[]byte) group.Scalar {
	digest := h.hash(tag, data...)
	for i, j := 0, len(digest)-1; i < j; i, j = i+1, j-1 {
		digest[i], digest[j] = digest[j], digest[i]
	}
	s, _ := g.NewScalar().SetBytes(digest)
	return s
}

func (h *Blake2bHasher) H1(g group.Group, msg, encCommitList, signerID []byte) group.Scalar {
	return h.hashToScalar(g, "rho", msg, encCommitList, signerID)
}

func (h *Blake2bHasher) H2(g group.Group, R, Y, msg []byte) group.Scalar {
	return h.hashToScalar(g, "chal", R, Y, msg)
}

func (h *Blake2bHasher) H3(g group.Group, seed, rho, msg []byte) group.Scalar {
	return h.hashToScalar(g, "nonce", seed, rho, msg)
}

func (h *Blake2bHasher) H4(g group.Group, msg []byte) []byte {
	return h.hash("msg", msg)
}

func (h *Blake2bHasher) H5(g group.Group, encCommitList []byte) []byte {
	return h.hash("com", encCommitList)
}
