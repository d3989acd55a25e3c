package ledger

import (
	"encoding/hex"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/f3rmion/aura/ids"
)

// KeySet is a concurrency-safe set of compromised public keys.
type KeySet struct {
	mu   sync.RWMutex
	keys map[string]struct{}
}

// NewKeySet returns a set holding keys.
func NewKeySet(keys ...[]byte) *KeySet {
	s := &KeySet{keys: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		s.Add(k)
	}
	return s
}

// Add marks a public key as compromised.
func (s *KeySet) Add(publicKey []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[hex.EncodeToString(publicKey)] = struct{}{}
}

func (s *KeySet) IsCompromised(publicKey []byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[hex.EncodeToString(publicKey)]
	return ok
}

// signatureCache remembers verified (key, message, signature) digests.
type signatureCache struct {
	cache *lru.Cache[ids.Hash, struct{}]
}

func newSignatureCache(size int) (*signatureCache, error) {
	c, err := lru.New[ids.Hash, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &signatureCache{cache: c}, nil
}

func (c *signatureCache) Contains(key ids.Hash) bool { return c.cache.Contains(key) }

func (c *signatureCache) Add(key ids.Hash) { c.cache.Add(key, struct{}{}) }
