package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	repositorycache "github.com/goliatone/go-repository-cache/cache"

	"github.com/goliatone/go-appclient/core"
)

const credentialCacheKeyPrefix = "go-appclient::credential::v1"

// CachedCredentialStore fronts a CredentialStore with a read-through cache.
// Writes go to the base store first and then drop the cached entry.
type CachedCredentialStore struct {
	base  core.CredentialStore
	cache repositorycache.CacheService

	mu     sync.Mutex
	cached map[string]struct{}
}

func NewCachedCredentialStore(
	base core.CredentialStore,
	cacheService repositorycache.CacheService,
) (*CachedCredentialStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base credential store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: credential cache service is required")
	}
	return &CachedCredentialStore{
		base:   base,
		cache:  cacheService,
		cached: map[string]struct{}{},
	}, nil
}

// CredentialCacheKey returns go-appclient::credential::v1::<app_id>::<kind>::<subject>.
func CredentialCacheKey(key core.CredentialKey) (string, error) {
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return "", err
	}
	segments := []string{
		credentialCacheKeyPrefix,
		url.PathEscape(key.AppID),
		url.PathEscape(string(key.Kind)),
		url.PathEscape(key.Subject),
	}
	return strings.Join(segments, "::"), nil
}

func (s *CachedCredentialStore) Get(ctx context.Context, key core.CredentialKey) (core.Credential, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.Credential{}, fmt.Errorf("sqlstore: cached credential store is not configured")
	}
	key = key.Normalize()
	cacheKey, err := CredentialCacheKey(key)
	if err != nil {
		return core.Credential{}, err
	}
	s.mu.Lock()
	s.cached[cacheKey] = struct{}{}
	s.mu.Unlock()
	return repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (core.Credential, error) {
		return s.base.Get(ctx, key)
	})
}

func (s *CachedCredentialStore) Put(ctx context.Context, credential core.Credential) error {
	if s == nil || s.base == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached credential store is not configured")
	}
	credential.Key = credential.Key.Normalize()
	cacheKey, err := CredentialCacheKey(credential.Key)
	if err != nil {
		return err
	}
	if err := s.base.Put(ctx, credential); err != nil {
		return err
	}
	return s.forget(ctx, cacheKey)
}

func (s *CachedCredentialStore) Delete(ctx context.Context, key core.CredentialKey) error {
	if s == nil || s.base == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached credential store is not configured")
	}
	key = key.Normalize()
	cacheKey, err := CredentialCacheKey(key)
	if err != nil {
		return err
	}
	if err := s.base.Delete(ctx, key); err != nil {
		return err
	}
	return s.forget(ctx, cacheKey)
}

// Sweep cannot tell which cached entries the base store evicted, so a
// non-zero eviction drops every entry this store has cached.
func (s *CachedCredentialStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return 0, fmt.Errorf("sqlstore: cached credential store is not configured")
	}
	evicted, err := s.base.Sweep(ctx, now)
	if err != nil || evicted == 0 {
		return evicted, err
	}
	s.mu.Lock()
	keys := make([]string, 0, len(s.cached))
	for cacheKey := range s.cached {
		keys = append(keys, cacheKey)
	}
	s.mu.Unlock()
	for _, cacheKey := range keys {
		if err := s.forget(ctx, cacheKey); err != nil {
			return evicted, err
		}
	}
	return evicted, nil
}

func (s *CachedCredentialStore) forget(ctx context.Context, cacheKey string) error {
	if err := s.cache.Delete(ctx, cacheKey); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.cached, cacheKey)
	s.mu.Unlock()
	return nil
}

var _ core.CredentialStore = (*CachedCredentialStore)(nil)
