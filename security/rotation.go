package security

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-appclient/core"
)

// KeyRotationWindow gates when a key version may encrypt.
type KeyRotationWindow struct {
	NotBefore time.Time
	NotAfter  time.Time
}

func (w KeyRotationWindow) Allows(at time.Time) bool {
	ts := at.UTC()
	if !w.NotBefore.IsZero() && ts.Before(w.NotBefore.UTC()) {
		return false
	}
	if !w.NotAfter.IsZero() && ts.After(w.NotAfter.UTC()) {
		return false
	}
	return true
}

// KeyringEntry is one key version held by a Keyring.
type KeyringEntry struct {
	Provider *AppKeySecretProvider
	Window   KeyRotationWindow
}

type KeyringOption func(*Keyring)

func WithKeyringClock(now func() time.Time) KeyringOption {
	return func(k *Keyring) {
		if now != nil {
			k.now = now
		}
	}
}

// Keyring encrypts with the newest key whose window allows it and
// decrypts with whichever key sealed the ciphertext, so stored credentials
// survive a key rotation.
type Keyring struct {
	now func() time.Time

	mu      sync.RWMutex
	entries []KeyringEntry
}

func NewKeyring(entries []KeyringEntry, opts ...KeyringOption) (*Keyring, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("security: at least one keyring entry is required")
	}
	keyring := &Keyring{now: func() time.Time { return time.Now().UTC() }}
	seen := map[string]struct{}{}
	for _, entry := range entries {
		if entry.Provider == nil {
			return nil, fmt.Errorf("security: keyring entry provider is required")
		}
		id := keyringID(entry.Provider.KeyID(), entry.Provider.Version())
		if _, exists := seen[id]; exists {
			return nil, fmt.Errorf("security: duplicate keyring entry %s", id)
		}
		seen[id] = struct{}{}
		keyring.entries = append(keyring.entries, entry)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(keyring)
		}
	}
	return keyring, nil
}

// Add appends a newer key; it becomes the encryption key once its window opens.
func (k *Keyring) Add(entry KeyringEntry) error {
	if k == nil || entry.Provider == nil {
		return fmt.Errorf("security: keyring entry provider is required")
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	id := keyringID(entry.Provider.KeyID(), entry.Provider.Version())
	for _, existing := range k.entries {
		if keyringID(existing.Provider.KeyID(), existing.Provider.Version()) == id {
			return fmt.Errorf("security: duplicate keyring entry %s", id)
		}
	}
	k.entries = append(k.entries, entry)
	return nil
}

func (k *Keyring) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	provider, err := k.active()
	if err != nil {
		return nil, err
	}
	return provider.Encrypt(ctx, plaintext)
}

func (k *Keyring) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if k == nil {
		return nil, fmt.Errorf("security: keyring is nil")
	}
	meta, err := ParseEnvelopeMetadata(ciphertext)
	if err != nil {
		return nil, err
	}
	k.mu.RLock()
	var match *AppKeySecretProvider
	for _, entry := range k.entries {
		if entry.Provider.KeyID() == meta.KeyID && entry.Provider.Version() == meta.Version {
			match = entry.Provider
			break
		}
	}
	k.mu.RUnlock()
	if match == nil {
		return nil, fmt.Errorf("security: no key for %s", keyringID(meta.KeyID, meta.Version))
	}
	return match.Decrypt(ctx, ciphertext)
}

// Metadata reports the key that would seal a value now.
func (k *Keyring) Metadata() (string, int) {
	provider, err := k.active()
	if err != nil {
		return "", 0
	}
	return provider.Metadata()
}

func (k *Keyring) active() (*AppKeySecretProvider, error) {
	if k == nil {
		return nil, fmt.Errorf("security: keyring is nil")
	}
	now := k.now()
	k.mu.RLock()
	defer k.mu.RUnlock()
	for i := len(k.entries) - 1; i >= 0; i-- {
		if k.entries[i].Window.Allows(now) {
			return k.entries[i].Provider, nil
		}
	}
	return nil, fmt.Errorf("security: no key is valid for encryption at %s", now.Format(time.RFC3339))
}

func keyringID(keyID string, version int) string {
	return fmt.Sprintf("%s@v%d", strings.TrimSpace(keyID), version)
}

var _ core.SecretProvider = (*Keyring)(nil)
