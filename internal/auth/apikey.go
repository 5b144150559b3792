package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"chatguard.org/internal/ids"
)

const apiKeyPrefix = "cgk"

// APIKey is a stored credential. UserID is empty for tenant-level keys.
type APIKey struct {
	ID       string
	TenantID string
	UserID   string
	Roles    []string
	Hash     string
	Revoked  bool
}

// APIKeyStore looks up keys by their public identifier.
type APIKeyStore interface {
	FindAPIKey(ctx context.Context, id string) (APIKey, error)
}

// GenerateAPIKey creates a new key. The raw key is returned once and never stored.
func GenerateAPIKey(tenantID, userID string, roles []string) (string, APIKey, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return "", APIKey{}, ErrMissingTenant
	}
	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", APIKey{}, fmt.Errorf("generate api key: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", APIKey{}, err
	}
	id := strings.ToLower(ids.New())
	key := APIKey{
		ID:       id,
		TenantID: tenantID,
		UserID:   strings.TrimSpace(userID),
		Roles:    NormalizeRoles(roles),
		Hash:     string(hash),
	}
	return apiKeyPrefix + "_" + id + "_" + secret, key, nil
}

// APIKeyVerifier validates raw API keys against a store.
type APIKeyVerifier struct {
	store APIKeyStore
}

// NewAPIKeyVerifier returns a verifier backed by store.
func NewAPIKeyVerifier(store APIKeyStore) *APIKeyVerifier {
	return &APIKeyVerifier{store: store}
}

// Verify resolves a raw key into credentials.
func (v *APIKeyVerifier) Verify(ctx context.Context, raw string) (Credentials, error) {
	id, secret, err := splitAPIKey(raw)
	if err != nil {
		return Credentials{}, ErrInvalidAPIKey
	}
	key, err := v.store.FindAPIKey(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Credentials{}, ErrInvalidAPIKey
		}
		return Credentials{}, err
	}
	if key.Revoked {
		return Credentials{}, ErrInvalidAPIKey
	}
	if err := bcrypt.CompareHashAndPassword([]byte(key.Hash), []byte(secret)); err != nil {
		return Credentials{}, ErrInvalidAPIKey
	}
	return Credentials{TenantID: key.TenantID, UserID: key.UserID, Roles: key.Roles}, nil
}

func splitAPIKey(raw string) (id, secret string, err error) {
	parts := strings.SplitN(strings.TrimSpace(raw), "_", 3)
	if len(parts) != 3 || parts[0] != apiKeyPrefix || parts[1] == "" || parts[2] == "" {
		return "", "", errors.New("invalid api key format")
	}
	return parts[1], parts[2], nil
}

// MemoryAPIKeys is an in-process APIKeyStore.
type MemoryAPIKeys struct {
	mu   sync.RWMutex
	keys map[string]APIKey
}

// NewMemoryAPIKeys returns an empty store.
func NewMemoryAPIKeys() *MemoryAPIKeys {
	return &MemoryAPIKeys{keys: make(map[string]APIKey)}
}

// Put stores or replaces key.
func (m *MemoryAPIKeys) Put(key APIKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key.ID] = key
}

// FindAPIKey implements APIKeyStore.
func (m *MemoryAPIKeys) FindAPIKey(_ context.Context, id string) (APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.keys[id]
	if !ok {
		return APIKey{}, ErrNotFound
	}
	return key, nil
}
