package sqlstore

import (
	"fmt"

	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-appclient/core"
	"github.com/goliatone/go-appclient/ratelimit"
)

// RepositoryFactory builds the SQL stores over one bun database and,
// when a cache service is supplied, wraps them with read-through caches.
type RepositoryFactory struct {
	db      *bun.DB
	secrets core.SecretProvider
	cache   repositorycache.CacheService

	credentialStore     *CredentialStore
	rateLimitStateStore *RateLimitStateStore
}

type FactoryOption func(*RepositoryFactory)

func WithCacheService(cacheService repositorycache.CacheService) FactoryOption {
	return func(f *RepositoryFactory) {
		f.cache = cacheService
	}
}

func NewRepositoryFactory(secrets core.SecretProvider, opts ...FactoryOption) *RepositoryFactory {
	factory := &RepositoryFactory{secrets: secrets}
	for _, opt := range opts {
		if opt != nil {
			opt(factory)
		}
	}
	return factory
}

func NewRepositoryFactoryFromPersistence(
	client *persistence.Client,
	secrets core.SecretProvider,
	opts ...FactoryOption,
) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(secrets, opts...)
	if err := factory.Build(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB, secrets core.SecretProvider, opts ...FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(secrets, opts...)
	if err := factory.Build(db); err != nil {
		return nil, err
	}
	return factory, nil
}

// Build accepts a *bun.DB or anything exposing DB() *bun.DB.
func (f *RepositoryFactory) Build(persistenceClient any) error {
	if f == nil {
		return fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return err
		}
		f.db = db
	}
	if f.credentialStore != nil && f.rateLimitStateStore != nil {
		return nil
	}
	credentialStore, err := NewCredentialStore(f.db, f.secrets)
	if err != nil {
		return err
	}
	rateLimitStateStore, err := NewRateLimitStateStore(f.db)
	if err != nil {
		return err
	}
	f.credentialStore = credentialStore
	f.rateLimitStateStore = rateLimitStateStore
	return nil
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

// CredentialStore returns the cached store when a cache service is
// configured, else the SQL store.
func (f *RepositoryFactory) CredentialStore() (core.CredentialStore, error) {
	if f == nil || f.credentialStore == nil {
		return nil, fmt.Errorf("sqlstore: repository factory is not built")
	}
	if f.cache == nil {
		return f.credentialStore, nil
	}
	return NewCachedCredentialStore(f.credentialStore, f.cache)
}

func (f *RepositoryFactory) RateLimitStateStore() (ratelimit.StateStore, error) {
	if f == nil || f.rateLimitStateStore == nil {
		return nil, fmt.Errorf("sqlstore: repository factory is not built")
	}
	if f.cache == nil {
		return f.rateLimitStateStore, nil
	}
	return NewCachedRateLimitStateStore(f.rateLimitStateStore, f.cache)
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
