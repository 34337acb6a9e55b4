package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

// CredentialStore holds the latest credential per key. Implementations must
// be safe for concurrent use and must return copies.
type CredentialStore interface {
	Get(ctx context.Context, key CredentialKey) (Credential, error)
	Put(ctx context.Context, credential Credential) error
	Delete(ctx context.Context, key CredentialKey) error
	// Sweep evicts credentials expired at now and returns how many were removed.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// CredentialRefresher mints a brand new credential over the network.
type CredentialRefresher interface {
	Refresh(ctx context.Context, key CredentialKey) (Credential, error)
}

type CredentialRefresherFunc func(ctx context.Context, key CredentialKey) (Credential, error)

func (f CredentialRefresherFunc) Refresh(ctx context.Context, key CredentialKey) (Credential, error) {
	return f(ctx, key)
}

// CredentialSource is the read side of the manager used by transport and
// connection code.
type CredentialSource interface {
	Get(ctx context.Context, key CredentialKey) (Credential, error)
	Invalidate(ctx context.Context, key CredentialKey) bool
}

type SecretProvider interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

type Clock func() time.Time

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger
