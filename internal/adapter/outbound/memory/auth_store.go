package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/Sentinel-Gate/filtergate/internal/domain/auth"
)

// KeyStore implements auth.KeyStore with in-memory maps.
// Thread-safe for concurrent access. Seeded from configuration at startup.
type KeyStore struct {
	keys       map[string]*auth.APIKey   // keyHash -> APIKey
	identities map[string]*auth.Identity // ID -> Identity
	mu         sync.RWMutex
}

// NewKeyStore creates an empty in-memory key store.
func NewKeyStore() *KeyStore {
	return &KeyStore{
		keys:       make(map[string]*auth.APIKey),
		identities: make(map[string]*auth.Identity),
	}
}

// GetAPIKey retrieves an API key by its hash.
// Returns auth.ErrKeyNotFound if the key doesn't exist.
func (s *KeyStore) GetAPIKey(ctx context.Context, keyHash string) (*auth.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.keys[keyHash]
	if !ok {
		return nil, auth.ErrKeyNotFound
	}
	keyCopy := *key
	return &keyCopy, nil
}

// GetIdentity retrieves an identity by ID.
// Returns auth.ErrIdentityNotFound if the identity doesn't exist.
func (s *KeyStore) GetIdentity(ctx context.Context, id string) (*auth.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	identity, ok := s.identities[id]
	if !ok {
		return nil, auth.ErrIdentityNotFound
	}
	return copyIdentity(identity), nil
}

// ListAPIKeys returns copies of all stored keys.
func (s *KeyStore) ListAPIKeys(ctx context.Context) ([]*auth.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*auth.APIKey, 0, len(s.keys))
	for _, key := range s.keys {
		keyCopy := *key
		result = append(result, &keyCopy)
	}
	return result, nil
}

// AddKey stores a copy of key under its hash.
func (s *KeyStore) AddKey(key *auth.APIKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keyCopy := *key
	s.keys[key.Key] = &keyCopy
}

// AddIdentity stores a copy of identity.
func (s *KeyStore) AddIdentity(identity *auth.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.identities[identity.ID] = copyIdentity(identity)
}

// RemoveKey removes an API key by its stored hash.
func (s *KeyStore) RemoveKey(keyHash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, keyHash)
}

func copyIdentity(identity *auth.Identity) *auth.Identity {
	c := *identity
	c.Roles = slices.Clone(identity.Roles)
	return &c
}

// Compile-time interface verification.
var _ auth.KeyStore = (*KeyStore)(nil)
