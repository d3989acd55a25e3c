package amp

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/f3rmion/aura/ids"
	"github.com/f3rmion/aura/internal/codec"
)

// Content types of AMP envelopes.
const (
	ContentType     = "application/aura-amp"
	FactContentType = "application/aura-amp-fact"
)

// BootstrapKeySize is the length of a channel bootstrap key.
const BootstrapKeySize = 32

const epochKeyInfo = "aura-amp-epoch"

// ErrDecrypt is returned for messages that fail authentication.
var ErrDecrypt = errors.New("amp: message authentication failed")

// BootstrapID returns the identifier of a bootstrap key, its BLAKE3 digest.
func BootstrapID(key []byte) ids.Hash { return ids.Sum(key) }

// EpochKey derives the message key of channel at epoch from the bootstrap
// key with HKDF-SHA256. The info string is "aura-amp-epoch" || channel ||
// little-endian epoch.
func EpochKey(bootstrapKey []byte, channel ids.ChannelID, epoch uint64) ([]byte, error) {
	info := make([]byte, 0, len(epochKeyInfo)+ids.Size+8)
	info = append(info, epochKeyInfo...)
	info = append(info, channel[:]...)
	info = binary.LittleEndian.AppendUint64(info, epoch)

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, bootstrapKey, nil, info), key); err != nil {
		return nil, fmt.Errorf("deriving epoch key: %w", err)
	}
	return key, nil
}

// Header is the authenticated, unencrypted part of an AMP message.
type Header struct {
	_ struct{} `cbor:",toarray"`

	Context   ids.ContextID
	Channel   ids.ChannelID
	Epoch     uint64
	Sender    ids.AuthorityID
	MessageID ids.Hash
}

// Key returns the channel the message belongs to.
func (h Header) Key() Key { return Key{h.Context, h.Channel} }

// Message is a received and opened AMP message.
type Message struct {
	Header  Header
	Payload []byte
}

type sealedMessage struct {
	_ struct{} `cbor:",toarray"`

	Header     Header
	Nonce      []byte
	Ciphertext []byte
}

// seal encrypts plaintext under the epoch key with ChaCha20-Poly1305,
// binding the encoded header as associated data.
func seal(key []byte, h Header, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce, err := randomBytes(aead.NonceSize())
	if err != nil {
		return nil, err
	}
	ad, err := codec.Marshal(h)
	if err != nil {
		return nil, err
	}
	return codec.Marshal(sealedMessage{
		Header:     h,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, ad),
	})
}

func decodeSealed(data []byte) (*sealedMessage, error) {
	var m sealedMessage
	if err := codec.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding AMP message: %w", err)
	}
	return &m, nil
}

func (m *sealedMessage) open(key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(m.Nonce) != aead.NonceSize() {
		return nil, ErrDecrypt
	}
	ad, err := codec.Marshal(m.Header)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, m.Nonce, m.Ciphertext, ad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("reading randomness: %w", err)
	}
	return b, nil
}
