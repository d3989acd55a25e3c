package ids

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	id := FromLabel[DeviceID]("alice")

	parsed, err := Parse[DeviceID](id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
	assert.Len(t, id.String(), 64)

	_, err = Parse[DeviceID]("abcd")
	assert.Error(t, err)
	_, err = Parse[DeviceID]("zz")
	assert.Error(t, err)
}

func TestTextEncoding(t *testing.T) {
	id := FromLabel[ContextID]("ctx")
	text, err := id.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, id.String(), string(text))

	var decoded ContextID
	require.NoError(t, decoded.UnmarshalText(text))
	assert.Equal(t, id, decoded)
}

func TestLabelsAreDistinctAndStable(t *testing.T) {
	a := FromLabel[DeviceID]("alice")
	b := FromLabel[DeviceID]("bob")
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, FromLabel[DeviceID]("alice"))
	assert.False(t, IsZero(a))
	assert.True(t, IsZero(DeviceID{}))
}

func TestSortIsLexicographic(t *testing.T) {
	devices := []DeviceID{
		FromLabel[DeviceID]("carol"),
		FromLabel[DeviceID]("alice"),
		FromLabel[DeviceID]("bob"),
	}
	Sort(devices)
	for i := 1; i < len(devices); i++ {
		assert.Negative(t, bytes.Compare(devices[i-1][:], devices[i][:]))
	}

	m := map[DeviceID]int{devices[2]: 1, devices[0]: 2, devices[1]: 3}
	assert.Equal(t, devices, Sorted(m))
}

func TestRelationshipIDSymmetric(t *testing.T) {
	a := FromLabel[AccountID]("a")
	b := FromLabel[AccountID]("b")
	assert.Equal(t, RelationshipIDFromAccounts(a, b), RelationshipIDFromAccounts(b, a))
	assert.NotEqual(t, RelationshipIDFromAccounts(a, a), RelationshipIDFromAccounts(a, b))
}

func TestSumIsConcatenation(t *testing.T) {
	assert.Equal(t, Sum([]byte("ab"), []byte("c")), Sum([]byte("abc")))
	assert.NotEqual(t, Sum([]byte("abc")), StateDigest([]byte("abc")))
}

func leaves(n int) []Hash {
	out := make([]Hash, n)
	for i := range out {
		out[i] = Sum([]byte{byte(i)})
	}
	return out
}

func TestMerkleRoot(t *testing.T) {
	assert.True(t, MerkleRoot(nil).IsZero())

	one := leaves(1)
	assert.Equal(t, one[0], MerkleRoot(one))

	three := leaves(3)
	expected := combine(combine(three[0], three[1]), three[2])
	assert.Equal(t, expected, MerkleRoot(three))

	swapped := []Hash{three[1], three[0], three[2]}
	assert.NotEqual(t, MerkleRoot(three), MerkleRoot(swapped))
}

func TestMerkleProofs(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 5, 7, 8, 13} {
		set := leaves(n)
		root := MerkleRoot(set)
		for i := range set {
			proof, ok := MerkleProof(set, i)
			require.True(t, ok)
			assert.True(t, VerifyMerkleProof(set[i], proof, root), "n=%d i=%d", n, i)
			assert.False(t, VerifyMerkleProof(Sum([]byte("other")), proof, root), "n=%d i=%d", n, i)
		}
	}

	_, ok := MerkleProof(leaves(2), 2)
	assert.False(t, ok)
}
