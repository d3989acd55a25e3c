package securestore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"filippo.io/age"

	"github.com/f3rmion/aura/ids"
)

// Seal encrypts plaintext to one or more age recipients.
func Seal(plaintext []byte, recipients ...age.Recipient) ([]byte, error) {
	if len(recipients) == 0 {
		return nil, errors.New("at least one recipient is required")
	}
	var out bytes.Buffer
	w, err := age.Encrypt(&out, recipients...)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return out.Bytes(), nil
}

// Open decrypts ciphertext produced by Seal.
func Open(ciphertext []byte, identity age.Identity) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted plaintext: %w", err)
	}
	return plaintext, nil
}

// ErrUnknownRecipient is returned for a device with no registered key.
var ErrUnknownRecipient = errors.New("no sealing key registered for device")

// Directory maps devices to the age recipients that seal key material for
// them. It is shared by every device of a process.
type Directory struct {
	mu         sync.RWMutex
	recipients map[ids.DeviceID]*age.X25519Recipient
}

func NewDirectory() *Directory {
	return &Directory{recipients: map[ids.DeviceID]*age.X25519Recipient{}}
}

// Register publishes device's sealing key.
func (d *Directory) Register(device ids.DeviceID, recipient *age.X25519Recipient) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recipients[device] = recipient
}

// Recipient returns the sealing key of device.
func (d *Directory) Recipient(device ids.DeviceID) (*age.X25519Recipient, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.recipients[device]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRecipient, ids.Short(device))
	}
	return r, nil
}

// SealFor encrypts plaintext to device's registered key.
func (d *Directory) SealFor(device ids.DeviceID, plaintext []byte) ([]byte, error) {
	r, err := d.Recipient(device)
	if err != nil {
		return nil, err
	}
	return Seal(plaintext, r)
}
