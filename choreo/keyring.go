package choreo

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/f3rmion/aura/frost"
	"github.com/f3rmion/aura/ids"
	"github.com/f3rmion/aura/internal/codec"
	"github.com/f3rmion/aura/journal"
	"github.com/f3rmion/aura/securestore"
	"github.com/f3rmion/aura/session"
)

// ErrNoShare is returned when a device holds no share of a group key.
var ErrNoShare = journal.NewKindError(journal.KindProtocol, "no key share for group key")

// Keyring holds a device's FROST participants, one per group key. When a
// secure store is attached, every installed share is also sealed there.
type Keyring struct {
	mu      sync.RWMutex
	account ids.AccountID
	store   *securestore.Store
	byKey   map[string]*session.Participant
}

// NewKeyring returns an empty keyring. store may be nil.
func NewKeyring(account ids.AccountID, store *securestore.Store) *Keyring {
	return &Keyring{account: account, store: store, byKey: map[string]*session.Participant{}}
}

var storeCaps = securestore.Caps(securestore.CapRead, securestore.CapWrite)

// Install adds a participant holding a share of a (threshold, total) key
// at share index index.
func (k *Keyring) Install(ctx context.Context, index, threshold, total int, share *frost.KeyShare) (*session.Participant, error) {
	p, err := session.NewParticipant(journal.Suite, threshold, total, index)
	if err != nil {
		return nil, err
	}
	p.SetKeyShare(share)
	groupKey := share.GroupKey.Bytes()
	if k.store != nil {
		data, err := codec.Marshal(encodeKeyShare(index, threshold, total, share))
		if err != nil {
			return nil, err
		}
		err = k.store.Store(ctx, securestore.KeyShareLocation(k.account, groupKey), data, storeCaps)
		if err != nil && !errors.Is(err, securestore.ErrExists) {
			return nil, fmt.Errorf("sealing key share: %w", err)
		}
	}
	k.mu.Lock()
	k.byKey[hex.EncodeToString(groupKey)] = p
	k.mu.Unlock()
	return p, nil
}

// Participant returns the participant for groupKey. A share missing from
// memory is loaded from the secure store.
func (k *Keyring) Participant(ctx context.Context, groupKey []byte) (*session.Participant, error) {
	k.mu.RLock()
	p, ok := k.byKey[hex.EncodeToString(groupKey)]
	k.mu.RUnlock()
	if ok {
		if p.Retired() {
			return nil, fmt.Errorf("%w: %w", ErrNoShare, session.ErrShareRetired)
		}
		return p, nil
	}
	if k.store == nil {
		return nil, ErrNoShare
	}
	data, err := k.store.Retrieve(ctx, securestore.KeyShareLocation(k.account, groupKey), storeCaps)
	if securestore.IsNotFound(err) {
		return nil, ErrNoShare
	}
	if err != nil {
		return nil, err
	}
	var w wireKeyShare
	if err := codec.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decoding sealed key share: %w", err)
	}
	share, err := decodeKeyShare(w)
	if err != nil {
		return nil, err
	}
	p, err = session.NewParticipant(journal.Suite, int(w.Threshold), int(w.Total), int(w.Index))
	if err != nil {
		return nil, err
	}
	p.SetKeyShare(share)
	k.mu.Lock()
	k.byKey[hex.EncodeToString(groupKey)] = p
	k.mu.Unlock()
	return p, nil
}

// Has reports whether a live share of groupKey is held in memory.
func (k *Keyring) Has(groupKey []byte) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	p, ok := k.byKey[hex.EncodeToString(groupKey)]
	return ok && !p.Retired()
}
