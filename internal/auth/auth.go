// Package auth maps API keys to caller identities.
//
// Authentication model:
//   - Every /v1 route requires an API key (Authorization: Bearer sk_...)
//   - A key resolves to exactly one identity (an EIP-55 address)
//   - What that identity may do is decided by the role table, not here
//   - Keys are issued by administrators; a bootstrap key may be configured
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Errors
var (
	ErrNoAPIKey        = errors.New("API key required")
	ErrInvalidAPIKey   = errors.New("invalid or expired API key")
	ErrKeyNotFound     = errors.New("API key not found")
	ErrInvalidIdentity = errors.New("identity must be a hex address")
)

const keyPrefix = "sk_"

// APIKey represents an issued API key.
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"`        // SHA256 hash of key (stored)
	Identity  string     `json:"identity"` // caller identity the key acts as
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Store persists API keys
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByIdentity(ctx context.Context, identity string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
}

// Manager handles authentication
type Manager struct {
	store Store
}

// NewManager creates a new auth manager
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

func normalizeIdentity(identity string) (string, error) {
	identity = strings.TrimSpace(identity)
	if !common.IsHexAddress(identity) {
		return "", ErrInvalidIdentity
	}
	return common.HexToAddress(identity).Hex(), nil
}

// GenerateKey creates a new API key for an identity.
// Returns the raw key (shown once) and the stored metadata.
func (m *Manager) GenerateKey(ctx context.Context, identity, name string) (rawKey string, key *APIKey, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}
	rawKey = keyPrefix + hex.EncodeToString(b)

	key, err = m.register(ctx, rawKey, identity, name)
	if err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// Import registers a key whose raw value is supplied by the operator, such
// as BOOTSTRAP_ADMIN_KEY. Importing the same key twice is a no-op.
func (m *Manager) Import(ctx context.Context, rawKey, identity, name string) (*APIKey, error) {
	rawKey = strings.TrimSpace(rawKey)
	if !strings.HasPrefix(rawKey, keyPrefix) || len(rawKey) < len(keyPrefix)+32 {
		return nil, ErrInvalidAPIKey
	}
	if existing, err := m.store.GetByHash(ctx, hashKey(rawKey)); err == nil {
		return existing, nil
	}
	return m.register(ctx, rawKey, identity, name)
}

func (m *Manager) register(ctx context.Context, rawKey, identity, name string) (*APIKey, error) {
	id, err := normalizeIdentity(identity)
	if err != nil {
		return nil, err
	}
	hash := hashKey(rawKey)
	key := &APIKey{
		ID:        "ak_" + hash[:16],
		Hash:      hash,
		Identity:  id,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.Create(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

// ValidateKey validates an API key and returns the key metadata
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}

	rawKey = strings.TrimPrefix(rawKey, "Bearer ")
	rawKey = strings.TrimSpace(rawKey)

	if !strings.HasPrefix(rawKey, keyPrefix) {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	if key.Revoked {
		return nil, ErrInvalidAPIKey
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	// Update last used (fire and forget)
	touched := *key
	touched.LastUsed = time.Now().UTC()
	go func() {
		_ = m.store.Update(context.Background(), &touched)
	}()

	return key, nil
}

// ListKeys returns all keys for an identity
func (m *Manager) ListKeys(ctx context.Context, identity string) ([]*APIKey, error) {
	id, err := normalizeIdentity(identity)
	if err != nil {
		return nil, err
	}
	return m.store.GetByIdentity(ctx, id)
}

// RevokeKey revokes one of identity's keys
func (m *Manager) RevokeKey(ctx context.Context, keyID, identity string) error {
	keys, err := m.ListKeys(ctx, identity)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID == keyID {
			k.Revoked = true
			return m.store.Update(ctx, k)
		}
	}
	return ErrKeyNotFound
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // by ID
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys: make(map[string]*APIKey),
	}
}

func (s *MemoryStore) Create(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *MemoryStore) GetByHash(_ context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) GetByIdentity(_ context.Context, identity string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if k.Identity == identity {
			cp := *k
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) Update(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.keys[key.ID]
	if !ok {
		return ErrKeyNotFound
	}
	existing.LastUsed = key.LastUsed
	existing.Revoked = existing.Revoked || key.Revoked
	return nil
}
