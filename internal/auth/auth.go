// Package auth provides API-key authentication for operator endpoints.
//
// Authentication model:
// - Cancel-flow endpoints: no key; they are called from the customer's browser
// - Risk endpoints: an organization key, limited to its own organization
// - Batch runs and key issuance for other organizations: a platform key
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/churnshield/internal/idgen"
)

// Errors
var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or expired API key")
	ErrKeyNotFound   = errors.New("API key not found")
)

// KeyPrefix starts every raw key.
const KeyPrefix = "sk_"

// APIKey is a stored key. An empty OrganizationID marks a platform key.
type APIKey struct {
	ID             string     `json:"id"`
	Hash           string     `json:"-"` // SHA256 of the raw key
	OrganizationID string     `json:"organizationId,omitempty"`
	Name           string     `json:"name"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastUsed       *time.Time `json:"lastUsed,omitempty"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	Revoked        bool       `json:"revoked"`
}

// IsPlatform reports whether the key spans every organization.
func (k *APIKey) IsPlatform() bool {
	return k.OrganizationID == ""
}

// CanAccess reports whether the key may act for organizationID.
func (k *APIKey) CanAccess(organizationID string) bool {
	return k.IsPlatform() || k.OrganizationID == organizationID
}

func (k *APIKey) usable(now time.Time) bool {
	return !k.Revoked && (k.ExpiresAt == nil || now.Before(*k.ExpiresAt))
}

// Store persists API keys
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	// ListByOrganization returns an organization's keys, newest first.
	// An empty organizationID lists platform keys.
	ListByOrganization(ctx context.Context, organizationID string) ([]*APIKey, error)
	Revoke(ctx context.Context, id, organizationID string) error
	Touch(ctx context.Context, id string, at time.Time) error
}

// Manager issues and validates keys.
type Manager struct {
	store      Store
	staticHash string
	now        func() time.Time
}

// NewManager creates a new auth manager
func NewManager(store Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// WithStaticKey accepts rawKey as a platform key without storing it. Used to
// bootstrap a deployment from ADMIN_API_KEY. An empty key is ignored.
func (m *Manager) WithStaticKey(rawKey string) *Manager {
	if rawKey != "" {
		m.staticHash = hashKey(rawKey)
	}
	return m
}

// GenerateKey creates a key for organizationID ("" for a platform key).
// It returns the raw key, which is shown once, and the stored metadata.
// ttl <= 0 means no expiry.
func (m *Manager) GenerateKey(ctx context.Context, organizationID, name string, ttl time.Duration) (rawKey string, key *APIKey, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}
	rawKey = KeyPrefix + hex.EncodeToString(b)

	now := m.now().UTC()
	key = &APIKey{
		ID:             idgen.APIKey(),
		Hash:           hashKey(rawKey),
		OrganizationID: organizationID,
		Name:           name,
		CreatedAt:      now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		key.ExpiresAt = &exp
	}

	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// ValidateKey resolves a raw key, with or without a "Bearer " prefix.
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	rawKey = strings.TrimSpace(strings.TrimPrefix(rawKey, "Bearer "))
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}
	if !strings.HasPrefix(rawKey, KeyPrefix) {
		return nil, ErrInvalidAPIKey
	}

	hash := hashKey(rawKey)
	if m.staticHash != "" && subtle.ConstantTimeCompare([]byte(hash), []byte(m.staticHash)) == 1 {
		return &APIKey{ID: "static", Name: "ADMIN_API_KEY"}, nil
	}

	key, err := m.store.GetByHash(ctx, hash)
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	now := m.now()
	if !key.usable(now) {
		return nil, ErrInvalidAPIKey
	}

	// best effort; a lost touch only ages LastUsed
	touchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	_ = m.store.Touch(touchCtx, key.ID, now.UTC())

	return key, nil
}

// ListKeys returns the keys of one organization.
func (m *Manager) ListKeys(ctx context.Context, organizationID string) ([]*APIKey, error) {
	return m.store.ListByOrganization(ctx, organizationID)
}

// RevokeKey revokes keyID within organizationID.
func (m *Manager) RevokeKey(ctx context.Context, keyID, organizationID string) error {
	return m.store.Revoke(ctx, keyID, organizationID)
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

func (s *MemoryStore) ListByOrganization(_ context.Context, organizationID string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if k.OrganizationID == organizationID {
			cp := *k
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) Revoke(_ context.Context, id, organizationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok || k.OrganizationID != organizationID || k.Revoked {
		return ErrKeyNotFound
	}
	k.Revoked = true
	return nil
}

func (s *MemoryStore) Touch(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok {
		k.LastUsed = &at
	}
	return nil
}
