package core

import (
	"fmt"
	"strings"
	"time"
)

type CredentialKind string

const (
	CredentialKindApp    CredentialKind = "app"
	CredentialKindTenant CredentialKind = "tenant"
	CredentialKindUser   CredentialKind = "user"
)

func (k CredentialKind) Valid() bool {
	switch k {
	case CredentialKindApp, CredentialKindTenant, CredentialKindUser:
		return true
	default:
		return false
	}
}

func ParseCredentialKind(value string) (CredentialKind, error) {
	kind := CredentialKind(strings.TrimSpace(strings.ToLower(value)))
	if !kind.Valid() {
		return "", fmt.Errorf("core: unsupported credential kind %q", value)
	}
	return kind, nil
}

// CredentialKey identifies a credential. Subject holds the tenant key for
// tenant credentials and the user id for user credentials.
type CredentialKey struct {
	AppID   string
	Kind    CredentialKind
	Subject string
}

func AppKey(appID string) CredentialKey {
	return CredentialKey{AppID: appID, Kind: CredentialKindApp}
}

func TenantKey(appID string, tenantKey string) CredentialKey {
	return CredentialKey{AppID: appID, Kind: CredentialKindTenant, Subject: tenantKey}
}

func UserKey(appID string, userID string) CredentialKey {
	return CredentialKey{AppID: appID, Kind: CredentialKindUser, Subject: userID}
}

func (k CredentialKey) Normalize() CredentialKey {
	return CredentialKey{
		AppID:   strings.TrimSpace(k.AppID),
		Kind:    CredentialKind(strings.TrimSpace(strings.ToLower(string(k.Kind)))),
		Subject: strings.TrimSpace(k.Subject),
	}
}

func (k CredentialKey) Validate() error {
	k = k.Normalize()
	if k.AppID == "" {
		return fmt.Errorf("core: credential app id is required")
	}
	if strings.Contains(k.AppID, ":") {
		return fmt.Errorf("core: credential app id must not contain ':'")
	}
	if !k.Kind.Valid() {
		return fmt.Errorf("core: unsupported credential kind %q", k.Kind)
	}
	switch k.Kind {
	case CredentialKindApp:
		if k.Subject != "" {
			return fmt.Errorf("core: app credential must not carry a subject")
		}
	default:
		if k.Subject == "" {
			return fmt.Errorf("core: %s credential subject is required", k.Kind)
		}
	}
	return nil
}

// String renders app_id:kind[:subject]; ParseCredentialKey reverses it.
func (k CredentialKey) String() string {
	k = k.Normalize()
	if k.Subject == "" {
		return k.AppID + ":" + string(k.Kind)
	}
	return k.AppID + ":" + string(k.Kind) + ":" + k.Subject
}

func ParseCredentialKey(value string) (CredentialKey, error) {
	parts := strings.SplitN(strings.TrimSpace(value), ":", 3)
	if len(parts) < 2 {
		return CredentialKey{}, fmt.Errorf("core: invalid credential key %q", value)
	}
	key := CredentialKey{AppID: parts[0], Kind: CredentialKind(parts[1])}
	if len(parts) == 3 {
		key.Subject = parts[2]
	}
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return CredentialKey{}, err
	}
	return key, nil
}

// Credential is immutable once issued. Replacing a credential means storing
// a new value under the same key.
type Credential struct {
	Key       CredentialKey
	Value     string
	TokenType string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

func (c Credential) Validate() error {
	if err := c.Key.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Value) == "" {
		return fmt.Errorf("core: credential value is required")
	}
	if c.ExpiresAt.IsZero() {
		return fmt.Errorf("core: credential expires_at is required")
	}
	if !c.IssuedAt.IsZero() && c.ExpiresAt.Before(c.IssuedAt) {
		return fmt.Errorf("core: credential expires_at precedes issued_at")
	}
	return nil
}

func (c Credential) Lifetime() time.Duration {
	if c.IssuedAt.IsZero() || c.ExpiresAt.IsZero() {
		return 0
	}
	return c.ExpiresAt.Sub(c.IssuedAt)
}

func (c Credential) Remaining(now time.Time) time.Duration {
	if c.ExpiresAt.IsZero() {
		return 0
	}
	remaining := c.ExpiresAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (c Credential) Expired(now time.Time) bool {
	return c.ExpiresAt.IsZero() || !now.Before(c.ExpiresAt)
}

// UsableAt reports whether now < expires_at - margin. A credential whose
// whole lifetime fits inside the margin stays usable until it actually
// expires, otherwise it would never be handed out.
func (c Credential) UsableAt(now time.Time, margin time.Duration) bool {
	if strings.TrimSpace(c.Value) == "" || c.Expired(now) {
		return false
	}
	if margin <= 0 {
		return true
	}
	if lifetime := c.Lifetime(); lifetime > 0 && lifetime <= margin {
		return true
	}
	return now.Before(c.ExpiresAt.Add(-margin))
}

// DueForRefresh reports whether a proactive refresh should run: the
// credential is still valid but enters the margin within window.
func (c Credential) DueForRefresh(now time.Time, margin time.Duration, window time.Duration) bool {
	if c.Expired(now) {
		return true
	}
	if window < 0 {
		window = 0
	}
	return !now.Add(window).Before(c.ExpiresAt.Add(-margin))
}

func (c Credential) Fingerprint() string {
	value := strings.TrimSpace(c.Value)
	if len(value) <= 8 {
		return strings.Repeat("*", len(value))
	}
	return value[:4] + "..." + value[len(value)-4:]
}
