package sqlstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-appclient/ratelimit"
)

type stubRateLimitStateStore struct {
	mu          sync.Mutex
	state       *ratelimit.State
	getCalls    int
	upsertCalls int
}

func (s *stubRateLimitStateStore) Get(_ context.Context, _ ratelimit.Key) (ratelimit.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	if s.state == nil {
		return ratelimit.State{}, ratelimit.ErrStateNotFound
	}
	return cloneRateLimitState(*s.state), nil
}

func (s *stubRateLimitStateStore) Upsert(_ context.Context, state ratelimit.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertCalls++
	cloned := cloneRateLimitState(state)
	s.state = &cloned
	return nil
}

func TestCachedRateLimitStateStore_Get_MissFetchThenHit(t *testing.T) {
	base := &stubRateLimitStateStore{state: &ratelimit.State{
		Key:       ratelimit.Key{AppID: "cli_a", Bucket: "open-apis/im"},
		Limit:     100,
		Remaining: 99,
		UpdatedAt: time.Now().UTC(),
	}}
	store, err := NewCachedRateLimitStateStore(base, newTestCacheService(t))
	if err != nil {
		t.Fatalf("new cached state store: %v", err)
	}

	key := ratelimit.Key{AppID: "cli_a", Bucket: " OPEN-APIS/IM "}
	for i := 0; i < 2; i++ {
		if _, err := store.Get(context.Background(), key); err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
	}
	if base.getCalls != 1 {
		t.Fatalf("expected normalized keys to share one cache entry, base get calls=%d", base.getCalls)
	}
}

func TestCachedRateLimitStateStore_Upsert_InvalidatesCachedKey(t *testing.T) {
	key := ratelimit.Key{AppID: "cli_a", Bucket: "open-apis/im"}
	base := &stubRateLimitStateStore{state: &ratelimit.State{Key: key, Limit: 100, Remaining: 99}}
	store, err := NewCachedRateLimitStateStore(base, newTestCacheService(t))
	if err != nil {
		t.Fatalf("new cached state store: %v", err)
	}
	if _, err := store.Get(context.Background(), key); err != nil {
		t.Fatalf("prime cache: %v", err)
	}

	retryAfter := 3 * time.Second
	if err := store.Upsert(context.Background(), ratelimit.State{
		Key:        key,
		Limit:      100,
		Remaining:  0,
		RetryAfter: &retryAfter,
		LastStatus: 429,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	state, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get after upsert: %v", err)
	}
	if base.getCalls != 2 {
		t.Fatalf("expected invalidated key to force second base read, got %d", base.getCalls)
	}
	if state.Remaining != 0 || state.LastStatus != 429 {
		t.Fatalf("expected refreshed state, got %+v", state)
	}
	if state.RetryAfter == nil || *state.RetryAfter != retryAfter {
		t.Fatalf("expected retry after %s, got %v", retryAfter, state.RetryAfter)
	}
}

func TestCachedRateLimitStateStore_NotFoundPassesThrough(t *testing.T) {
	store, err := NewCachedRateLimitStateStore(&stubRateLimitStateStore{}, newTestCacheService(t))
	if err != nil {
		t.Fatalf("new cached state store: %v", err)
	}
	_, err = store.Get(context.Background(), ratelimit.Key{AppID: "cli_missing"})
	if !errors.Is(err, ratelimit.ErrStateNotFound) {
		t.Fatalf("expected ErrStateNotFound, got %v", err)
	}
}

func TestRateLimitStateCacheKey_Contract(t *testing.T) {
	key, err := RateLimitStateCacheKey(ratelimit.Key{AppID: " cli_a ", Bucket: " Open-Apis/IM "})
	if err != nil {
		t.Fatalf("cache key: %v", err)
	}
	want := "go-appclient::ratelimit_state::v1::cli_a::open-apis%2Fim"
	if key != want {
		t.Fatalf("expected %q, got %q", want, key)
	}
	if _, err := RateLimitStateCacheKey(ratelimit.Key{}); err == nil {
		t.Fatalf("expected error for missing app id")
	}
}
