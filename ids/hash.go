package ids

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Hash is a 32-byte BLAKE3 digest.
type Hash [Size]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// IsZero reports whether h is the zero digest.
func (h Hash) IsZero() bool { return h == Hash{} }

// Sum hashes the concatenation of parts with unkeyed BLAKE3.
func Sum(parts ...[]byte) Hash {
	hasher := blake3.New()
	for _, p := range parts {
		hasher.Write(p)
	}
	var h Hash
	copy(h[:], hasher.Sum(nil))
	return h
}

// domainKey is a 32-byte key for BLAKE3 keyed hashing: ASCII domain name,
// zero padded.
type domainKey [Size]byte

func newDomainKey(name string) domainKey {
	if len(name) > Size {
		panic("ids: domain name longer than 32 bytes")
	}
	var k domainKey
	copy(k[:], name)
	return k
}

var (
	commitmentRootKey = newDomainKey("aura.dkd.commitment-root")
	stateKey          = newDomainKey("aura.journal.state")
)

func keyedSum(key domainKey, parts ...[]byte) Hash {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("ids: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	for _, p := range parts {
		hasher.Write(p)
	}
	var h Hash
	copy(h[:], hasher.Sum(nil))
	return h
}

// StateDigest hashes a canonical account-state encoding in its own domain.
func StateDigest(encoded []byte) Hash {
	return keyedSum(stateKey, encoded)
}
