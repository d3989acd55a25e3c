package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	B  string   `cbor:"b"`
	A  uint64   `cbor:"a"`
	ID [32]byte `cbor:"id"`
}

func TestDeterministicMapOrder(t *testing.T) {
	first, err := Marshal(map[string]int{"zeta": 1, "alpha": 2, "mid": 3})
	require.NoError(t, err)
	for range 10 {
		again, err := Marshal(map[string]int{"mid": 3, "alpha": 2, "zeta": 1})
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestFixedArraysEncodeAsByteStrings(t *testing.T) {
	var r record
	r.ID[0] = 0xAB
	data, err := Marshal(r)
	require.NoError(t, err)

	diag, err := Diagnose(data)
	require.NoError(t, err)
	assert.Contains(t, diag, "h'ab00")

	var back record
	require.NoError(t, Unmarshal(data, &back))
	assert.Equal(t, r, back)
}

func TestDuplicateKeysRejected(t *testing.T) {
	// {"a": 1, "a": 2}
	data := []byte{0xa2, 0x61, 'a', 0x01, 0x61, 'a', 0x02}
	var out map[string]int
	assert.Error(t, Unmarshal(data, &out))
}
