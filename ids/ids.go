package ids

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"slices"
)

// Size is the length in bytes of every identifier and digest.
const Size = 32

// AccountID names a threshold-owned account.
type AccountID [Size]byte

// DeviceID names a device keyholder of an account.
type DeviceID [Size]byte

// GuardianID names a guardian of an account.
type GuardianID [Size]byte

// AuthorityID names an authority that can approve proposals.
type AuthorityID [Size]byte

// ContextID names a relationship or protocol context.
type ContextID [Size]byte

// ChannelID names an AMP channel inside a context.
type ChannelID [Size]byte

// SessionID names one instance of a distributed protocol.
type SessionID [Size]byte

// RelationshipID names the pairwise relationship between two accounts.
type RelationshipID [Size]byte

// EventID names a journal event.
type EventID [Size]byte

// Identifier is satisfied by every identifier type in this package and by
// [Hash].
type Identifier interface {
	~[Size]byte
}

func (id AccountID) String() string      { return Hex(id) }
func (id DeviceID) String() string       { return Hex(id) }
func (id GuardianID) String() string     { return Hex(id) }
func (id AuthorityID) String() string    { return Hex(id) }
func (id ContextID) String() string      { return Hex(id) }
func (id ChannelID) String() string      { return Hex(id) }
func (id SessionID) String() string      { return Hex(id) }
func (id RelationshipID) String() string { return Hex(id) }
func (id EventID) String() string        { return Hex(id) }

// Hex returns the 64-character lower-hex form of id.
func Hex[T Identifier](id T) string {
	raw := [Size]byte(id)
	return hex.EncodeToString(raw[:])
}

// Short returns the first 8 hex characters of id, for log fields.
func Short[T Identifier](id T) string {
	raw := [Size]byte(id)
	return hex.EncodeToString(raw[:4])
}

// Parse decodes a 64-character hex string into an identifier.
func Parse[T Identifier](s string) (T, error) {
	var id T
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("parsing identifier: %w", err)
	}
	if len(decoded) != Size {
		return id, fmt.Errorf("identifier is %d bytes, want %d", len(decoded), Size)
	}
	return T([Size]byte(decoded)), nil
}

// FromBytes copies a 32-byte slice into an identifier.
func FromBytes[T Identifier](b []byte) (T, error) {
	var id T
	if len(b) != Size {
		return id, fmt.Errorf("identifier is %d bytes, want %d", len(b), Size)
	}
	return T([Size]byte(b)), nil
}

// IsZero reports whether id is all zero bytes.
func IsZero[T Identifier](id T) bool {
	return [Size]byte(id) == [Size]byte{}
}

// Compare orders identifiers bytewise.
func Compare[T Identifier](a, b T) int {
	ra, rb := [Size]byte(a), [Size]byte(b)
	return bytes.Compare(ra[:], rb[:])
}

// Less reports whether a sorts before b.
func Less[T Identifier](a, b T) bool {
	return Compare(a, b) < 0
}

// Sort orders s lexicographically in place.
func Sort[T Identifier](s []T) {
	slices.SortFunc(s, Compare[T])
}

// Sorted returns the keys of m in lexicographic order.
func Sorted[T Identifier, V any](m map[T]V) []T {
	keys := make([]T, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	Sort(keys)
	return keys
}

// FromEntropy derives an identifier by hashing caller-supplied entropy.
func FromEntropy[T Identifier](entropy []byte) T {
	return T(Sum(entropy))
}

// Derive hashes a domain tag and canonical material into an identifier.
func Derive[T Identifier](domain string, parts ...[]byte) T {
	all := make([][]byte, 0, len(parts)+1)
	all = append(all, []byte(domain))
	all = append(all, parts...)
	return T(Sum(all...))
}

// FromLabel derives a stable identifier from a human label. Used for
// fixtures and simulation participants.
func FromLabel[T Identifier](label string) T {
	return Derive[T]("aura-label:", []byte(label))
}

// RelationshipIDFromAccounts derives the identifier of the relationship
// between two accounts. The result does not depend on argument order.
func RelationshipIDFromAccounts(a, b AccountID) RelationshipID {
	if Compare(a, b) > 0 {
		a, b = b, a
	}
	return RelationshipID(Sum(a[:], b[:], []byte("relationship")))
}
