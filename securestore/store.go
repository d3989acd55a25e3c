// Package securestore keeps a device's secret material: key shares and AMP
// bootstrap keys. Entries are sealed at rest with the device's age
// identity and every access is checked against the caller's capabilities.
package securestore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"filippo.io/age"
	"github.com/rs/zerolog"

	"github.com/f3rmion/aura/ids"
	"github.com/f3rmion/aura/journal"
)

// Capability is a permission on a storage location.
type Capability uint8

const (
	CapRead Capability = 1 << iota
	CapWrite
)

// Capabilities is a set of capabilities.
type Capabilities uint8

// Caps builds a capability set.
func Caps(cs ...Capability) Capabilities {
	var out Capabilities
	for _, c := range cs {
		out |= Capabilities(c)
	}
	return out
}

// Has reports whether c is in the set.
func (s Capabilities) Has(c Capability) bool { return s&Capabilities(c) != 0 }

func (s Capabilities) String() string {
	var parts []string
	if s.Has(CapRead) {
		parts = append(parts, "read")
	}
	if s.Has(CapWrite) {
		parts = append(parts, "write")
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// Location is a structured storage path.
type Location struct {
	Namespace string
	Context   ids.ContextID
	Channel   ids.ChannelID
	Key       string
}

// String renders the location as namespace/context/channel/key with ids in
// lower hex.
func (l Location) String() string {
	return l.Namespace + "/" + ids.Hex(l.Context) + "/" + ids.Hex(l.Channel) + "/" + l.Key
}

// AMPBootstrapKey is the location of an AMP channel's bootstrap key.
func AMPBootstrapKey(context ids.ContextID, channel ids.ChannelID, bootstrapID ids.Hash) Location {
	return Location{
		Namespace: "amp_bootstrap_key",
		Context:   context,
		Channel:   channel,
		Key:       bootstrapID.String(),
	}
}

// KeyShareLocation is the location of the device's share of groupKey.
func KeyShareLocation(account ids.AccountID, groupKey []byte) Location {
	return Location{
		Namespace: "frost_key_share",
		Key:       ids.Hex(account) + ":" + hex.EncodeToString(groupKey),
	}
}

var (
	ErrNotFound   = journal.NewKindError(journal.KindResource, "secure storage location not found")
	ErrExists     = journal.NewKindError(journal.KindResource, "secure storage location already written")
	ErrPermission = journal.NewKindError(journal.KindAuthorization, "missing storage capability")
)

// Store is an append-only secure store. Reads are idempotent; a location
// is written once.
type Store struct {
	mu       sync.RWMutex
	log      zerolog.Logger
	identity *age.X25519Identity
	entries  map[string][]byte
}

// New returns a store sealing entries to identity.
func New(identity *age.X25519Identity, log zerolog.Logger) *Store {
	return &Store{
		log:      log.With().Str("component", "securestore").Logger(),
		identity: identity,
		entries:  map[string][]byte{},
	}
}

// Generate returns a store with a fresh identity.
func Generate(log zerolog.Logger) (*Store, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age identity: %w", err)
	}
	return New(identity, log), nil
}

// Recipient returns the public sealing key of this store's identity.
func (s *Store) Recipient() *age.X25519Recipient {
	return s.identity.Recipient()
}

// Identity returns the identity that opens material sealed to Recipient.
func (s *Store) Identity() age.Identity {
	return s.identity
}

// Store seals data under loc. It requires CapWrite.
func (s *Store) Store(ctx context.Context, loc Location, data []byte, caps Capabilities) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !caps.Has(CapWrite) {
		return fmt.Errorf("%w: write %s with %s", ErrPermission, loc.Namespace, caps)
	}
	sealed, err := Seal(data, s.identity.Recipient())
	if err != nil {
		return fmt.Errorf("%w: %w", journal.ErrStorage, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := loc.String()
	if _, ok := s.entries[key]; ok {
		return fmt.Errorf("%w: %s", ErrExists, loc.Namespace)
	}
	s.entries[key] = sealed
	s.log.Debug().Str("namespace", loc.Namespace).Msg("secret stored")
	return nil
}

// Retrieve opens the data under loc. It requires CapRead.
func (s *Store) Retrieve(ctx context.Context, loc Location, caps Capabilities) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !caps.Has(CapRead) {
		return nil, fmt.Errorf("%w: read %s with %s", ErrPermission, loc.Namespace, caps)
	}
	s.mu.RLock()
	sealed, ok := s.entries[loc.String()]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, loc.Namespace)
	}
	data, err := Open(sealed, s.identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", journal.ErrStorage, err)
	}
	return data, nil
}

// Exists reports whether loc has been written.
func (s *Store) Exists(loc Location) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[loc.String()]
	return ok
}

// IsNotFound reports whether err is a missing location.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
