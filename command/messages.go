package command

import (
	"strings"
	"time"

	"github.com/goliatone/go-appclient/core"
)

const (
	TypeRefreshCredential    = "appclient.command.credential.refresh"
	TypeInvalidateCredential = "appclient.command.credential.invalidate"
	TypeShutdownConnection   = "appclient.command.connection.shutdown"
)

type RefreshCredentialMessage struct {
	Key core.CredentialKey
}

func (RefreshCredentialMessage) Type() string { return TypeRefreshCredential }

func (m RefreshCredentialMessage) Validate() error {
	return validateKey(m.Key)
}

// InvalidateCredentialMessage drops the cached credential for Key. When
// Value is set the drop only happens if the cached value still matches.
type InvalidateCredentialMessage struct {
	Key   core.CredentialKey
	Value string
}

func (InvalidateCredentialMessage) Type() string { return TypeInvalidateCredential }

func (m InvalidateCredentialMessage) Validate() error {
	return validateKey(m.Key)
}

type ShutdownConnectionMessage struct {
	// Timeout bounds the drain; zero uses the caller's context only.
	Timeout time.Duration
}

func (ShutdownConnectionMessage) Type() string { return TypeShutdownConnection }

func (m ShutdownConnectionMessage) Validate() error {
	if m.Timeout < 0 {
		return commandValidationError("timeout", "must be >= 0")
	}
	return nil
}

// CredentialResult reports a refresh without exposing the credential value.
type CredentialResult struct {
	Key         core.CredentialKey
	TokenType   string
	Fingerprint string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

func newCredentialResult(credential core.Credential) CredentialResult {
	return CredentialResult{
		Key:         credential.Key,
		TokenType:   credential.TokenType,
		Fingerprint: credential.Fingerprint(),
		IssuedAt:    credential.IssuedAt,
		ExpiresAt:   credential.ExpiresAt,
	}
}

func validateKey(key core.CredentialKey) error {
	if strings.TrimSpace(key.AppID) == "" {
		return commandValidationError("key.app_id", "is required")
	}
	return commandWrapValidation(key.Normalize().Validate(), "command: invalid credential key")
}
