package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type credentialRecord struct {
	bun.BaseModel `bun:"table:app_credentials,alias:ac"`

	ID                string    `bun:"id,pk"`
	AppID             string    `bun:"app_id,notnull"`
	Kind              string    `bun:"kind,notnull"`
	Subject           string    `bun:"subject,notnull"`
	EncryptedValue    []byte    `bun:"encrypted_value,notnull"`
	TokenType         string    `bun:"token_type,notnull"`
	EncryptionKeyID   string    `bun:"encryption_key_id,notnull"`
	EncryptionVersion int       `bun:"encryption_version,notnull"`
	IssuedAt          time.Time `bun:"issued_at,notnull"`
	ExpiresAt         time.Time `bun:"expires_at,notnull"`
	CreatedAt         time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt         time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type rateLimitStateRecord struct {
	bun.BaseModel `bun:"table:rate_limit_states,alias:rls"`

	ID                string     `bun:"id,pk"`
	AppID             string     `bun:"app_id,notnull"`
	Bucket            string     `bun:"bucket,notnull"`
	RequestLimit      int        `bun:"request_limit,notnull"`
	Remaining         int        `bun:"remaining,notnull"`
	ResetAt           *time.Time `bun:"reset_at,nullzero"`
	RetryAfterSeconds *int       `bun:"retry_after_seconds"`
	ThrottledUntil    *time.Time `bun:"throttled_until,nullzero"`
	LastStatus        int        `bun:"last_status,notnull"`
	Attempts          int        `bun:"attempts,notnull"`
	CreatedAt         time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt         time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}
