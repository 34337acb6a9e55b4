// Package redisstore keeps credentials in Redis as JSON documents whose key
// TTL tracks the credential's remaining lifetime.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/goliatone/go-appclient/core"
)

const DefaultPrefix = "appclient:credential:"

// Client is the subset of *redis.Client the store uses.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type Option func(*CredentialStore)

func WithPrefix(prefix string) Option {
	return func(s *CredentialStore) {
		if trimmed := strings.TrimSpace(prefix); trimmed != "" {
			s.prefix = trimmed
		}
	}
}

// WithSecretProvider seals the credential value before it is written.
func WithSecretProvider(secrets core.SecretProvider) Option {
	return func(s *CredentialStore) {
		s.secrets = secrets
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *CredentialStore) {
		if now != nil {
			s.now = now
		}
	}
}

type CredentialStore struct {
	client  Client
	prefix  string
	secrets core.SecretProvider
	now     func() time.Time
}

type document struct {
	AppID     string    `json:"app_id"`
	Kind      string    `json:"kind"`
	Subject   string    `json:"subject,omitempty"`
	Value     []byte    `json:"value"`
	Sealed    bool      `json:"sealed,omitempty"`
	TokenType string    `json:"token_type,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func NewCredentialStore(client Client, opts ...Option) (*CredentialStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redisstore: redis client is required")
	}
	store := &CredentialStore{
		client: client,
		prefix: DefaultPrefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

// NewCredentialStoreFromURL parses a redis:// URL and pings the server.
func NewCredentialStoreFromURL(ctx context.Context, redisURL string, opts ...Option) (*CredentialStore, *redis.Client, error) {
	options, err := redis.ParseURL(strings.TrimSpace(redisURL))
	if err != nil {
		return nil, nil, fmt.Errorf("redisstore: parse url: %w", err)
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redisstore: ping: %w", err)
	}
	store, err := NewCredentialStore(client, opts...)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return store, client, nil
}

func (s *CredentialStore) Key(key core.CredentialKey) string {
	return s.prefix + key.Normalize().String()
}

func (s *CredentialStore) Get(ctx context.Context, key core.CredentialKey) (core.Credential, error) {
	if s == nil || s.client == nil {
		return core.Credential{}, fmt.Errorf("redisstore: credential store is not configured")
	}
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return core.Credential{}, err
	}
	raw, err := s.client.Get(ctx, s.Key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return core.Credential{}, core.ErrCredentialNotFound
		}
		return core.Credential{}, fmt.Errorf("redisstore: get %s: %w", key, err)
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return core.Credential{}, fmt.Errorf("redisstore: decode %s: %w", key, err)
	}
	value := doc.Value
	if doc.Sealed {
		if s.secrets == nil {
			return core.Credential{}, fmt.Errorf("redisstore: %s is sealed but no secret provider is configured", key)
		}
		value, err = s.secrets.Decrypt(ctx, doc.Value)
		if err != nil {
			return core.Credential{}, fmt.Errorf("redisstore: open %s: %w", key, err)
		}
	}
	credential := core.Credential{
		Key:       key,
		Value:     string(value),
		TokenType: doc.TokenType,
		IssuedAt:  doc.IssuedAt.UTC(),
		ExpiresAt: doc.ExpiresAt.UTC(),
	}
	// Redis expiry has second granularity.
	if credential.Expired(s.now()) {
		return core.Credential{}, core.ErrCredentialNotFound
	}
	return credential, nil
}

// Put writes the credential with a TTL equal to its remaining lifetime. An
// already expired credential is deleted instead.
func (s *CredentialStore) Put(ctx context.Context, credential core.Credential) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redisstore: credential store is not configured")
	}
	credential.Key = credential.Key.Normalize()
	if err := credential.Validate(); err != nil {
		return err
	}
	ttl := credential.Remaining(s.now())
	if ttl <= 0 {
		return s.Delete(ctx, credential.Key)
	}

	doc := document{
		AppID:     credential.Key.AppID,
		Kind:      string(credential.Key.Kind),
		Subject:   credential.Key.Subject,
		Value:     []byte(credential.Value),
		TokenType: credential.TokenType,
		IssuedAt:  credential.IssuedAt.UTC(),
		ExpiresAt: credential.ExpiresAt.UTC(),
	}
	if s.secrets != nil {
		sealed, err := s.secrets.Encrypt(ctx, doc.Value)
		if err != nil {
			return fmt.Errorf("redisstore: seal %s: %w", credential.Key, err)
		}
		doc.Value = sealed
		doc.Sealed = true
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("redisstore: encode %s: %w", credential.Key, err)
	}
	if err := s.client.Set(ctx, s.Key(credential.Key), payload, ttl).Err(); err != nil {
		return fmt.Errorf("redisstore: set %s: %w", credential.Key, err)
	}
	return nil
}

func (s *CredentialStore) Delete(ctx context.Context, key core.CredentialKey) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redisstore: credential store is not configured")
	}
	if err := s.client.Del(ctx, s.Key(key)).Err(); err != nil {
		return fmt.Errorf("redisstore: delete %s: %w", key.Normalize(), err)
	}
	return nil
}

// Sweep is a no-op; Redis expires keys on its own.
func (s *CredentialStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}

var (
	_ core.CredentialStore = (*CredentialStore)(nil)
	_ Client               = (*redis.Client)(nil)
)
