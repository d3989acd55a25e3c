// Package journaltest builds deterministic accounts for tests and
// simulations: device and guardian signing keys, a FROST group key dealt
// to the devices, and helpers that produce authorized events.
package journaltest

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/f3rmion/aura/frost"
	"github.com/f3rmion/aura/ids"
	"github.com/f3rmion/aura/journal"
	"github.com/f3rmion/aura/session"
)

// Device is a test device with its signing key and key share.
type Device struct {
	Name   string
	ID     ids.DeviceID
	Key    ed25519.PrivateKey
	Public ed25519.PublicKey
	Share  *frost.KeyShare
}

// Guardian is a test guardian with its signing key.
type Guardian struct {
	Name   string
	ID     ids.GuardianID
	Key    ed25519.PrivateKey
	Public ed25519.PublicKey
}

// Account is a threshold account whose every secret is local.
type Account struct {
	ID        ids.AccountID
	Threshold int
	Devices   []*Device
	Guardians []*Guardian
	FROST     *frost.FROST
	Genesis   journal.GenesisConfig
}

// SigningKey derives a deterministic ed25519 key from a label.
func SigningKey(label string) ed25519.PrivateKey {
	seed := ids.Sum([]byte("aura-test-key:"), []byte(label))
	return ed25519.NewKeyFromSeed(seed[:])
}

// NewAccount deals a threshold group key to the named devices and
// registers the named guardians.
func NewAccount(label string, threshold int, devices, guardians []string) (*Account, error) {
	f, err := frost.New(journal.Suite, threshold, len(devices))
	if err != nil {
		return nil, err
	}
	key, err := session.RunLocalDKG(journal.Suite, rand.Reader, threshold, len(devices))
	if err != nil {
		return nil, err
	}
	a := &Account{
		ID:        ids.FromLabel[ids.AccountID](label),
		Threshold: threshold,
		FROST:     f,
	}
	a.Genesis = journal.GenesisConfig{
		AccountID:      a.ID,
		GroupPublicKey: key.GroupKey.Bytes(),
		Threshold:      uint16(threshold),
	}
	for i, name := range devices {
		sk := SigningKey("device:" + name)
		d := &Device{
			Name:   name,
			ID:     ids.FromLabel[ids.DeviceID](name),
			Key:    sk,
			Public: sk.Public().(ed25519.PublicKey),
			Share:  key.Shares[i],
		}
		a.Devices = append(a.Devices, d)
		a.Genesis.Devices = append(a.Genesis.Devices, journal.GenesisDevice{
			DeviceID:       d.ID,
			Name:           name,
			Type:           journal.DeviceNative,
			PublicKey:      d.Public,
			ShareIndex:     uint16(i + 1),
			SharePublicKey: key.PublicShares[i+1].Bytes(),
		})
	}
	for _, name := range guardians {
		sk := SigningKey("guardian:" + name)
		g := &Guardian{
			Name:   name,
			ID:     ids.FromLabel[ids.GuardianID](name),
			Key:    sk,
			Public: sk.Public().(ed25519.PublicKey),
		}
		a.Guardians = append(a.Guardians, g)
		a.Genesis.Guardians = append(a.Genesis.Guardians, journal.GenesisGuardian{
			GuardianID: g.ID,
			Name:       name,
			PublicKey:  g.Public,
		})
	}
	return a, nil
}

// State returns a fresh genesis state.
func (a *Account) State() (*journal.AccountState, error) {
	return journal.NewAccountState(a.Genesis)
}

// Device returns the named device; it panics on unknown names.
func (a *Account) Device(name string) *Device {
	for _, d := range a.Devices {
		if d.Name == name {
			return d
		}
	}
	panic("journaltest: unknown device " + name)
}

// Guardian returns the named guardian; it panics on unknown names.
func (a *Account) Guardian(name string) *Guardian {
	for _, g := range a.Guardians {
		if g.Name == name {
			return g
		}
	}
	panic("journaltest: unknown guardian " + name)
}

// Header builds the next header against state with the given nonce.
func Header(state *journal.AccountState, nonce, timestamp uint64) journal.Header {
	return journal.Header{
		AccountID:    state.AccountID,
		Timestamp:    timestamp,
		Nonce:        nonce,
		ParentHash:   state.LastEventHash,
		EpochAtWrite: state.LamportClock + 1,
	}
}

// DeviceEvent builds p as the named device's next event and signs it.
func (a *Account) DeviceEvent(state *journal.AccountState, name string, timestamp uint64, p journal.Payload) (*journal.Event, error) {
	d := a.Device(name)
	ev, err := journal.NewEvent(Header(state, state.NextNonce(d.ID), timestamp), p)
	if err != nil {
		return nil, err
	}
	if err := journal.SignAsDevice(ev, d.ID, d.Key); err != nil {
		return nil, err
	}
	return ev, nil
}

// GuardianEvent builds p and signs it as the named guardian.
func (a *Account) GuardianEvent(state *journal.AccountState, name string, timestamp uint64, p journal.Payload) (*journal.Event, error) {
	g := a.Guardian(name)
	ev, err := journal.NewEvent(Header(state, 0, timestamp), p)
	if err != nil {
		return nil, err
	}
	if err := journal.SignAsGuardian(ev, g.ID, g.Key); err != nil {
		return nil, err
	}
	return ev, nil
}

// ThresholdEvent builds p and signs it with the shares of the named
// devices.
func (a *Account) ThresholdEvent(state *journal.AccountState, timestamp uint64, p journal.Payload, signers ...string) (*journal.Event, error) {
	ev, err := journal.NewEvent(Header(state, 0, timestamp), p)
	if err != nil {
		return nil, err
	}
	if err := a.SignThreshold(ev, signers...); err != nil {
		return nil, err
	}
	return ev, nil
}

// SignThreshold attaches a FROST signature by the named devices.
func (a *Account) SignThreshold(ev *journal.Event, signers ...string) error {
	if len(signers) == 0 {
		return fmt.Errorf("no signers")
	}
	msg, err := ev.SignableHash()
	if err != nil {
		return err
	}
	shares := make([]*frost.KeyShare, len(signers))
	signerIDs := make([]ids.DeviceID, len(signers))
	for i, name := range signers {
		d := a.Device(name)
		shares[i] = d.Share
		signerIDs[i] = d.ID
	}
	sig, err := session.QuickSign(a.FROST, rand.Reader, shares, msg[:])
	if err != nil {
		return err
	}
	ev.Authorization = journal.ThresholdAuth(signerIDs, sig.Bytes())
	return nil
}

// Append authorizes ev against state and applies it to a clone, returning
// the new state. state is left untouched on failure.
func Append(state *journal.AccountState, ev *journal.Event) (*journal.AccountState, error) {
	if err := journal.Authorize(state, ev, journal.VerifyOptions{}); err != nil {
		return nil, err
	}
	next := state.Clone()
	if err := next.Apply(ev); err != nil {
		return nil, err
	}
	return next, nil
}
