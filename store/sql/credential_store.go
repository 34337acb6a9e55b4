package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-appclient/core"
)

// secretMetadata is implemented by providers that stamp a key id and
// version on the values they seal.
type secretMetadata interface {
	Metadata() (string, int)
}

// CredentialStore is the durable core.CredentialStore. One row per key,
// replaced on every Put.
type CredentialStore struct {
	db      *bun.DB
	repo    repository.Repository[*credentialRecord]
	secrets core.SecretProvider
	now     func() time.Time
}

func NewCredentialStore(db *bun.DB, secrets core.SecretProvider) (*CredentialStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	if secrets == nil {
		return nil, fmt.Errorf("sqlstore: secret provider is required")
	}
	repo := repository.NewRepository[*credentialRecord](db, credentialHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid credential repository wiring: %w", err)
		}
	}
	return &CredentialStore{
		db:      db,
		repo:    repo,
		secrets: secrets,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *CredentialStore) Get(ctx context.Context, key core.CredentialKey) (core.Credential, error) {
	if s == nil || s.repo == nil {
		return core.Credential{}, fmt.Errorf("sqlstore: credential store is not configured")
	}
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return core.Credential{}, err
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("app_id", "=", key.AppID),
		repository.SelectBy("kind", "=", string(key.Kind)),
		repository.SelectBy("subject", "=", key.Subject),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.Credential{}, err
	}
	if len(records) == 0 {
		return core.Credential{}, core.ErrCredentialNotFound
	}
	return s.toDomain(ctx, records[0])
}

// Put seals credential.Value and upserts the row for its key.
func (s *CredentialStore) Put(ctx context.Context, credential core.Credential) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: credential store is not configured")
	}
	credential.Key = credential.Key.Normalize()
	if err := credential.Validate(); err != nil {
		return err
	}
	sealed, err := s.secrets.Encrypt(ctx, []byte(credential.Value))
	if err != nil {
		return fmt.Errorf("sqlstore: seal credential: %w", err)
	}
	keyID, keyVersion := "", 0
	if meta, ok := s.secrets.(secretMetadata); ok {
		keyID, keyVersion = meta.Metadata()
	}
	now := s.now()
	issuedAt := credential.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = now
	}

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, err := findCredentialTx(ctx, tx, credential.Key)
		if err != nil {
			return err
		}
		if record == nil {
			record = &credentialRecord{
				ID:        uuid.NewString(),
				AppID:     credential.Key.AppID,
				Kind:      string(credential.Key.Kind),
				Subject:   credential.Key.Subject,
				CreatedAt: now,
			}
			record.EncryptedValue = sealed
			record.TokenType = credential.TokenType
			record.EncryptionKeyID = keyID
			record.EncryptionVersion = keyVersion
			record.IssuedAt = issuedAt.UTC()
			record.ExpiresAt = credential.ExpiresAt.UTC()
			record.UpdatedAt = now
			_, createErr := s.repo.CreateTx(ctx, tx, record)
			return createErr
		}
		_, err = tx.NewUpdate().
			Model((*credentialRecord)(nil)).
			Set("encrypted_value = ?", sealed).
			Set("token_type = ?", credential.TokenType).
			Set("encryption_key_id = ?", keyID).
			Set("encryption_version = ?", keyVersion).
			Set("issued_at = ?", issuedAt.UTC()).
			Set("expires_at = ?", credential.ExpiresAt.UTC()).
			Set("updated_at = ?", now).
			Where("id = ?", record.ID).
			Exec(ctx)
		return err
	})
}

func (s *CredentialStore) Delete(ctx context.Context, key core.CredentialKey) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: credential store is not configured")
	}
	key = key.Normalize()
	_, err := s.db.NewDelete().
		Model((*credentialRecord)(nil)).
		Where("app_id = ?", key.AppID).
		Where("kind = ?", string(key.Kind)).
		Where("subject = ?", key.Subject).
		Exec(ctx)
	return err
}

// Sweep deletes rows whose expires_at is not after now.
func (s *CredentialStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: credential store is not configured")
	}
	result, err := s.db.NewDelete().
		Model((*credentialRecord)(nil)).
		Where("expires_at <= ?", now.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// Keys lists every stored key, used to seed tracking after a restart.
func (s *CredentialStore) Keys(ctx context.Context) ([]core.CredentialKey, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: credential store is not configured")
	}
	records, _, err := s.repo.List(ctx, repository.OrderBy("app_id ASC, kind ASC, subject ASC"))
	if err != nil {
		return nil, err
	}
	keys := make([]core.CredentialKey, 0, len(records))
	for _, record := range records {
		keys = append(keys, record.key())
	}
	return keys, nil
}

func (s *CredentialStore) toDomain(ctx context.Context, record *credentialRecord) (core.Credential, error) {
	plaintext, err := s.secrets.Decrypt(ctx, record.EncryptedValue)
	if err != nil {
		return core.Credential{}, fmt.Errorf("sqlstore: open credential %s: %w", record.key(), err)
	}
	return core.Credential{
		Key:       record.key(),
		Value:     string(plaintext),
		TokenType: record.TokenType,
		IssuedAt:  record.IssuedAt.UTC(),
		ExpiresAt: record.ExpiresAt.UTC(),
	}, nil
}

func (r *credentialRecord) key() core.CredentialKey {
	return core.CredentialKey{AppID: r.AppID, Kind: core.CredentialKind(r.Kind), Subject: r.Subject}
}

func findCredentialTx(ctx context.Context, tx bun.Tx, key core.CredentialKey) (*credentialRecord, error) {
	record := &credentialRecord{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.app_id = ?", key.AppID).
		Where("?TableAlias.kind = ?", string(key.Kind)).
		Where("?TableAlias.subject = ?", key.Subject).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

var _ core.CredentialStore = (*CredentialStore)(nil)
