package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryCredentialStore_PutGetDeleteSweep(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCredentialStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	live := Credential{Key: AppKey("cli"), Value: "live", IssuedAt: now, ExpiresAt: now.Add(time.Hour)}
	stale := Credential{Key: TenantKey("cli", "t1"), Value: "stale", IssuedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Minute)}
	for _, cred := range []Credential{live, stale} {
		if err := store.Put(ctx, cred); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	got, err := store.Get(ctx, AppKey("cli"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Value != "live" {
		t.Fatalf("unexpected value %q", got.Value)
	}

	evicted, err := store.Sweep(ctx, now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if evicted != 1 || store.Len() != 1 {
		t.Fatalf("expected one eviction, got evicted=%d len=%d", evicted, store.Len())
	}

	if err := store.Delete(ctx, AppKey("cli")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, AppKey("cli")); !errors.Is(err, ErrCredentialNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryCredentialStore_RejectsInvalidCredential(t *testing.T) {
	store := NewMemoryCredentialStore()
	if err := store.Put(context.Background(), Credential{Key: AppKey("cli")}); err == nil {
		t.Fatalf("expected invalid credential to be rejected")
	}
}
