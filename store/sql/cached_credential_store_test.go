package sqlstore

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	repositorycache "github.com/goliatone/go-repository-cache/cache"

	"github.com/goliatone/go-appclient/core"
)

type countingCredentialStore struct {
	*core.MemoryCredentialStore

	mu       sync.Mutex
	getCalls int
}

func (s *countingCredentialStore) Get(ctx context.Context, key core.CredentialKey) (core.Credential, error) {
	s.mu.Lock()
	s.getCalls++
	s.mu.Unlock()
	return s.MemoryCredentialStore.Get(ctx, key)
}

func (s *countingCredentialStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getCalls
}

func newCountingCredentialStore() *countingCredentialStore {
	return &countingCredentialStore{MemoryCredentialStore: core.NewMemoryCredentialStore()}
}

func testCredential(value string, expiresAt time.Time) core.Credential {
	return core.Credential{
		Key:       core.TenantKey("cli_cache", "tenant_1"),
		Value:     value,
		TokenType: "Bearer",
		IssuedAt:  expiresAt.Add(-2 * time.Hour),
		ExpiresAt: expiresAt,
	}
}

func TestCachedCredentialStore_Get_MissFetchThenHit(t *testing.T) {
	ctx := context.Background()
	base := newCountingCredentialStore()
	if err := base.Put(ctx, testCredential("t-1", time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("seed base store: %v", err)
	}
	store, err := NewCachedCredentialStore(base, newTestCacheService(t))
	if err != nil {
		t.Fatalf("new cached credential store: %v", err)
	}

	key := core.TenantKey(" cli_cache ", " tenant_1 ")
	for i := 0; i < 2; i++ {
		credential, err := store.Get(ctx, key)
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if credential.Value != "t-1" {
			t.Fatalf("expected cached value t-1, got %q", credential.Value)
		}
	}
	if base.calls() != 1 {
		t.Fatalf("expected one base read, got %d", base.calls())
	}
}

func TestCachedCredentialStore_Put_InvalidatesCachedKey(t *testing.T) {
	ctx := context.Background()
	base := newCountingCredentialStore()
	expiresAt := time.Now().Add(time.Hour)
	if err := base.Put(ctx, testCredential("t-1", expiresAt)); err != nil {
		t.Fatalf("seed base store: %v", err)
	}
	store, err := NewCachedCredentialStore(base, newTestCacheService(t))
	if err != nil {
		t.Fatalf("new cached credential store: %v", err)
	}
	key := core.TenantKey("cli_cache", "tenant_1")
	if _, err := store.Get(ctx, key); err != nil {
		t.Fatalf("prime cache: %v", err)
	}

	if err := store.Put(ctx, testCredential("t-2", expiresAt.Add(time.Hour))); err != nil {
		t.Fatalf("put through cached store: %v", err)
	}
	credential, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get after put: %v", err)
	}
	if credential.Value != "t-2" {
		t.Fatalf("expected refreshed value t-2, got %q", credential.Value)
	}
	if base.calls() != 2 {
		t.Fatalf("expected put to force a second base read, got %d", base.calls())
	}
}

func TestCachedCredentialStore_DeleteAndSweepDropEntries(t *testing.T) {
	ctx := context.Background()
	base := newCountingCredentialStore()
	now := time.Now().UTC()
	store, err := NewCachedCredentialStore(base, newTestCacheService(t))
	if err != nil {
		t.Fatalf("new cached credential store: %v", err)
	}
	key := core.TenantKey("cli_cache", "tenant_1")

	if err := store.Put(ctx, testCredential("t-1", now.Add(time.Minute))); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.Get(ctx, key); err != nil {
		t.Fatalf("prime cache: %v", err)
	}
	evicted, err := store.Sweep(ctx, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if evicted != 1 {
		t.Fatalf("expected one evicted credential, got %d", evicted)
	}
	if _, err := store.Get(ctx, key); !errors.Is(err, core.ErrCredentialNotFound) {
		t.Fatalf("expected not found after sweep, got %v", err)
	}

	if err := store.Put(ctx, testCredential("t-2", now.Add(time.Hour))); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.Get(ctx, key); err != nil {
		t.Fatalf("prime cache: %v", err)
	}
	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, key); !errors.Is(err, core.ErrCredentialNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestCredentialCacheKey_Contract(t *testing.T) {
	key, err := CredentialCacheKey(core.UserKey(" cli_a ", "user/one"))
	if err != nil {
		t.Fatalf("cache key: %v", err)
	}
	if !strings.HasPrefix(key, credentialCacheKeyPrefix+"::cli_a::") {
		t.Fatalf("unexpected cache key prefix %q", key)
	}
	if !strings.HasSuffix(key, "::user%2Fone") {
		t.Fatalf("expected escaped subject segment, got %q", key)
	}
	if _, err := CredentialCacheKey(core.CredentialKey{}); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func newTestCacheService(t *testing.T) repositorycache.CacheService {
	t.Helper()
	config := repositorycache.DefaultConfig()
	config.TTL = time.Minute
	service, err := repositorycache.NewCacheService(config)
	if err != nil {
		t.Fatalf("new cache service: %v", err)
	}
	return service
}
