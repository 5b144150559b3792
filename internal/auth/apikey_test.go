package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestAPIKeyVerify(t *testing.T) {
	raw, key, err := GenerateAPIKey("t1", "", []string{"Admin"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(raw, "cgk_"+key.ID+"_") {
		t.Fatalf("unexpected key format: %s", raw)
	}
	if strings.Contains(key.Hash, raw) {
		t.Fatalf("raw key must not be stored")
	}
	store := NewMemoryAPIKeys()
	store.Put(key)
	v := NewAPIKeyVerifier(store)

	cred, err := v.Verify(context.Background(), raw)
	if err != nil {
		t.Fatal(err)
	}
	if cred.TenantID != "t1" || cred.UserID != "" || cred.Roles[0] != "admin" {
		t.Fatalf("unexpected credentials: %+v", cred)
	}

	if _, err := v.Verify(context.Background(), raw+"x"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Fatalf("expected ErrInvalidAPIKey for wrong secret, got %v", err)
	}
	if _, err := v.Verify(context.Background(), "garbage"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Fatalf("expected ErrInvalidAPIKey for malformed key, got %v", err)
	}

	key.Revoked = true
	store.Put(key)
	if _, err := v.Verify(context.Background(), raw); !errors.Is(err, ErrInvalidAPIKey) {
		t.Fatalf("expected ErrInvalidAPIKey for revoked key, got %v", err)
	}
}

func TestAPIKeyUnknownID(t *testing.T) {
	v := NewAPIKeyVerifier(NewMemoryAPIKeys())
	if _, err := v.Verify(context.Background(), "cgk_nope_secret"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Fatalf("expected ErrInvalidAPIKey, got %v", err)
	}
}
