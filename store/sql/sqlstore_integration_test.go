package sqlstore_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"

	"github.com/goliatone/go-appclient/core"
	"github.com/goliatone/go-appclient/ratelimit"
	"github.com/goliatone/go-appclient/security"
	sqlstore "github.com/goliatone/go-appclient/store/sql"
)

func TestOpen_MigratesSQLiteSchema(t *testing.T) {
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	for _, table := range []string{"app_credentials", "rate_limit_states"} {
		var name string
		if err := client.DB().NewRaw(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?",
			table,
		).Scan(context.Background(), &name); err != nil {
			t.Fatalf("query sqlite master for %s: %v", table, err)
		}
		if name != table {
			t.Fatalf("expected %s table, got %q", table, name)
		}
	}
}

func TestOpen_RejectsUnknownDriver(t *testing.T) {
	_, err := sqlstore.Open(context.Background(), sqlstore.DatabaseConfig{Driver: "oracle", DSN: "x"})
	if err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}

func TestCredentialStore_PutGetReplacesAndEncrypts(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	secrets := newSecretProvider(t)
	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client, secrets)
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	store, err := factory.CredentialStore()
	if err != nil {
		t.Fatalf("credential store: %v", err)
	}

	key := core.TenantKey("cli_sql", "tenant_1")
	if _, err := store.Get(ctx, key); !errors.Is(err, core.ErrCredentialNotFound) {
		t.Fatalf("expected not found before put, got %v", err)
	}

	issuedAt := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	first := core.Credential{
		Key:       key,
		Value:     "t-first",
		TokenType: "Bearer",
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(2 * time.Hour),
	}
	if err := store.Put(ctx, first); err != nil {
		t.Fatalf("put first: %v", err)
	}
	second := first
	second.Value = "t-second"
	second.ExpiresAt = issuedAt.Add(4 * time.Hour)
	if err := store.Put(ctx, second); err != nil {
		t.Fatalf("put second: %v", err)
	}

	got, err := store.Get(ctx, core.TenantKey(" cli_sql ", "tenant_1"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Value != "t-second" || got.TokenType != "Bearer" {
		t.Fatalf("expected replaced credential, got %+v", got)
	}
	if !got.ExpiresAt.Equal(second.ExpiresAt) || !got.IssuedAt.Equal(issuedAt) {
		t.Fatalf("unexpected timestamps issued=%s expires=%s", got.IssuedAt, got.ExpiresAt)
	}

	var rows int
	if err := client.DB().NewRaw("SELECT COUNT(*) FROM app_credentials").Scan(ctx, &rows); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if rows != 1 {
		t.Fatalf("expected one row per key, got %d", rows)
	}

	var sealed []byte
	var keyID string
	if err := client.DB().NewRaw(
		"SELECT encrypted_value, encryption_key_id FROM app_credentials WHERE app_id = ?", "cli_sql",
	).Scan(ctx, &sealed, &keyID); err != nil {
		t.Fatalf("read raw row: %v", err)
	}
	if string(sealed) == "t-second" {
		t.Fatalf("expected value to be sealed at rest")
	}
	if keyID != "primary" {
		t.Fatalf("expected encryption key id primary, got %q", keyID)
	}
}

func TestCredentialStore_DeleteSweepAndKeys(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	store, err := sqlstore.NewCredentialStore(client.DB(), newSecretProvider(t))
	if err != nil {
		t.Fatalf("new credential store: %v", err)
	}
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	credentials := []core.Credential{
		{Key: core.AppKey("cli_a"), Value: "a", IssuedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Minute)},
		{Key: core.TenantKey("cli_a", "t1"), Value: "b", IssuedAt: now, ExpiresAt: now.Add(time.Hour)},
		{Key: core.UserKey("cli_a", "u1"), Value: "c", IssuedAt: now, ExpiresAt: now.Add(2 * time.Hour)},
	}
	for _, credential := range credentials {
		if err := store.Put(ctx, credential); err != nil {
			t.Fatalf("put %s: %v", credential.Key, err)
		}
	}

	keys, err := store.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("expected 3 keys, got %v", keys)
	}

	evicted, err := store.Sweep(ctx, now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if evicted != 1 {
		t.Fatalf("expected one expired credential evicted, got %d", evicted)
	}
	if _, err := store.Get(ctx, core.AppKey("cli_a")); !errors.Is(err, core.ErrCredentialNotFound) {
		t.Fatalf("expected swept credential to be gone, got %v", err)
	}

	if err := store.Delete(ctx, core.TenantKey("cli_a", "t1")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, core.TenantKey("cli_a", "t1")); !errors.Is(err, core.ErrCredentialNotFound) {
		t.Fatalf("expected deleted credential to be gone, got %v", err)
	}
	if _, err := store.Get(ctx, core.UserKey("cli_a", "u1")); err != nil {
		t.Fatalf("expected user credential to survive: %v", err)
	}
}

func TestCredentialStore_RejectsInvalidCredential(t *testing.T) {
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	store, err := sqlstore.NewCredentialStore(client.DB(), newSecretProvider(t))
	if err != nil {
		t.Fatalf("new credential store: %v", err)
	}
	err = store.Put(context.Background(), core.Credential{Key: core.AppKey("cli_a"), Value: "x"})
	if err == nil {
		t.Fatalf("expected missing expires_at to be rejected")
	}
	if _, err := sqlstore.NewCredentialStore(client.DB(), nil); err == nil {
		t.Fatalf("expected error without secret provider")
	}
}

func TestRateLimitStateStore_UpsertRoundTrip(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	factory, err := sqlstore.NewRepositoryFactoryFromDB(client.DB(), newSecretProvider(t))
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	store, err := factory.RateLimitStateStore()
	if err != nil {
		t.Fatalf("rate-limit state store: %v", err)
	}

	key := ratelimit.Key{AppID: "cli_a", Bucket: "open-apis/im"}
	if _, err := store.Get(ctx, key); !errors.Is(err, ratelimit.ErrStateNotFound) {
		t.Fatalf("expected ErrStateNotFound, got %v", err)
	}

	updatedAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	throttledUntil := updatedAt.Add(30 * time.Second)
	retryAfter := 30 * time.Second
	if err := store.Upsert(ctx, ratelimit.State{
		Key:            key,
		Limit:          100,
		Remaining:      0,
		RetryAfter:     &retryAfter,
		ThrottledUntil: &throttledUntil,
		LastStatus:     429,
		Attempts:       1,
		UpdatedAt:      updatedAt,
	}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := store.Upsert(ctx, ratelimit.State{
		Key:        key,
		Limit:      100,
		Remaining:  80,
		LastStatus: 200,
		UpdatedAt:  updatedAt.Add(time.Minute),
	}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	state, err := store.Get(ctx, ratelimit.Key{AppID: "cli_a", Bucket: "OPEN-APIS/IM"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if state.Remaining != 80 || state.LastStatus != 200 || state.Attempts != 0 {
		t.Fatalf("expected second upsert to win, got %+v", state)
	}
	if state.ThrottledUntil != nil || state.RetryAfter != nil {
		t.Fatalf("expected throttle window cleared, got %+v", state)
	}

	var rows int
	if err := client.DB().NewRaw("SELECT COUNT(*) FROM rate_limit_states").Scan(ctx, &rows); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if rows != 1 {
		t.Fatalf("expected one row per bucket, got %d", rows)
	}
}

func TestAdaptivePolicy_PersistsThroughSQLStore(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	store, err := sqlstore.NewRateLimitStateStore(client.DB())
	if err != nil {
		t.Fatalf("new rate-limit state store: %v", err)
	}
	policy := ratelimit.NewAdaptivePolicy(store)
	key := ratelimit.Key{AppID: "cli_a", Bucket: "open-apis/im"}
	var throttled *ratelimit.ThrottledError
	err = policy.AfterCall(ctx, key, ratelimit.ResponseMeta{StatusCode: 429, RetryAfter: 30 * time.Second})
	if !errors.As(err, &throttled) {
		t.Fatalf("expected throttled response, got %v", err)
	}

	restarted := ratelimit.NewAdaptivePolicy(store)
	if err := restarted.BeforeCall(ctx, key); !errors.As(err, &throttled) {
		t.Fatalf("expected throttle to survive restart, got %v", err)
	}
}

func newSecretProvider(t *testing.T) *security.AppKeySecretProvider {
	t.Helper()
	provider, err := security.NewAppKeySecretProviderFromString(
		"0123456789abcdef0123456789abcdef",
		security.WithKeyID("primary"),
		security.WithVersion(1),
	)
	if err != nil {
		t.Fatalf("new secret provider: %v", err)
	}
	return provider
}

func newSQLiteClient(t *testing.T) (*persistence.Client, func()) {
	t.Helper()

	dsn := fmt.Sprintf(
		"file:appclient-test-%d?mode=memory&cache=shared&_foreign_keys=on",
		time.Now().UnixNano(),
	)
	client, err := sqlstore.Open(context.Background(), sqlstore.DatabaseConfig{
		Driver: sqlstore.DriverSQLite,
		DSN:    dsn,
	})
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	return client, func() {
		_ = client.Close()
	}
}
