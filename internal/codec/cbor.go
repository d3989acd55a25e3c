// Package codec is the canonical CBOR encoding used for events, account
// snapshots and persisted records.
//
// Encoding follows Core Deterministic Encoding (RFC 8949 §4.2), so the same
// logical value always produces the same bytes. Event hashes are computed
// over this encoding.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	// Identifiers are fixed-size byte arrays and encode as 32-byte CBOR
	// byte strings. TextMarshaler stays disabled so hex forms never leak
	// into hashed bytes.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		// Duplicate keys would let two encodings hash differently while
		// decoding to the same value.
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// MustMarshal is Marshal for values whose encoding cannot fail (plain
// structs of fixed-size fields). It panics on error.
func MustMarshal(v any) []byte {
	data, err := encMode.Marshal(v)
	if err != nil {
		panic("codec: marshal: " + err.Error())
	}
	return data
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a pre-encoded CBOR value.
type RawMessage = cbor.RawMessage

// Diagnose returns the CBOR diagnostic notation for data.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}
