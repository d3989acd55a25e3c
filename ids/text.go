package ids

import "encoding/hex"

// Text encodings are lower hex, used by zerolog JSON output and TOML.

func (id AccountID) MarshalText() ([]byte, error) { return marshalHex(id), nil }
func (id DeviceID) MarshalText() ([]byte, error) { return marshalHex(id), nil }
func (id GuardianID) MarshalText() ([]byte, error) { return marshalHex(id), nil }
func (id AuthorityID) MarshalText() ([]byte, error) { return marshalHex(id), nil }
func (id ContextID) MarshalText() ([]byte, error) { return marshalHex(id), nil }
func (id ChannelID) MarshalText() ([]byte, error) { return marshalHex(id), nil }
func (id SessionID) MarshalText() ([]byte, error) { return marshalHex(id), nil }
func (id RelationshipID) MarshalText() ([]byte, error) { return marshalHex(id), nil }
func (id EventID) MarshalText() ([]byte, error) { return marshalHex(id), nil }

func (id *AccountID) UnmarshalText(text []byte) error { return unmarshalHex((*[Size]byte)(id), text) }
func (id *DeviceID) UnmarshalText(text []byte) error { return unmarshalHex((*[Size]byte)(id), text) }
func (id *GuardianID) UnmarshalText(text []byte) error { return unmarshalHex((*[Size]byte)(id), text) }
func (id *AuthorityID) UnmarshalText(text []byte) error { return unmarshalHex((*[Size]byte)(id), text) }
func (id *ContextID) UnmarshalText(text []byte) error { return unmarshalHex((*[Size]byte)(id), text) }
func (id *ChannelID) UnmarshalText(text []byte) error { return unmarshalHex((*[Size]byte)(id), text) }
func (id *SessionID) UnmarshalText(text []byte) error { return unmarshalHex((*[Size]byte)(id), text) }
func (id *RelationshipID) UnmarshalText(text []byte) error { return unmarshalHex((*[Size]byte)(id), text) }
func (id *EventID) UnmarshalText(text []byte) error { return unmarshalHex((*[Size]byte)(id), text) }

func marshalHex[T Identifier](id T) []byte {
	raw := [Size]byte(id)
	dst := make([]byte, hex.EncodedLen(Size))
	hex.Encode(dst, raw[:])
	return dst
}

func unmarshalHex(dst *[Size]byte, text []byte) error {
	parsed, err := Parse[[Size]byte](string(text))
	if err != nil {
		return err
	}
	*dst = parsed
	return nil
}
