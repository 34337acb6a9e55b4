package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-appclient/core"
)

const (
	ParamTimestamp = "timestamp"
	ParamNonce     = "nonce"
	ParamSignature = "signature"
	ParamAppID     = "app_id"
)

var (
	ErrSignatureInvalid = errors.New("auth: handshake signature invalid")
	ErrSignatureExpired = errors.New("auth: handshake signature expired")
)

// HandshakeSigner augments a handshake URL with a time bound signature
// derived from the current credential value.
type HandshakeSigner struct {
	TTL      time.Duration
	Now      func() time.Time
	NewNonce func() string
}

func NewHandshakeSigner(ttl time.Duration) *HandshakeSigner {
	if ttl <= 0 {
		ttl = core.DefaultSignatureTTL
	}
	return &HandshakeSigner{TTL: ttl}
}

func (s *HandshakeSigner) Sign(_ context.Context, rawURL string, credential core.Credential) (string, error) {
	if strings.TrimSpace(credential.Value) == "" {
		return "", fmt.Errorf("auth: credential value is required to sign handshake")
	}
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("auth: parse handshake url: %w", err)
	}
	timestamp := strconv.FormatInt(s.now().Unix(), 10)
	nonce := s.nonce()

	query := parsed.Query()
	query.Set(ParamAppID, credential.Key.AppID)
	query.Set(ParamTimestamp, timestamp)
	query.Set(ParamNonce, nonce)
	query.Set(ParamSignature, Signature(credential.Value, timestamp, nonce, parsed.Path))
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// Verify checks a signed handshake URL against the credential value.
func (s *HandshakeSigner) Verify(rawURL string, credentialValue string) error {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	query := parsed.Query()
	timestamp := query.Get(ParamTimestamp)
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrSignatureInvalid)
	}
	expected := Signature(credentialValue, timestamp, query.Get(ParamNonce), parsed.Path)
	if !hmac.Equal([]byte(expected), []byte(query.Get(ParamSignature))) {
		return ErrSignatureInvalid
	}
	age := s.now().Sub(time.Unix(unix, 0))
	if age < -s.ttl() || age > s.ttl() {
		return ErrSignatureExpired
	}
	return nil
}

// Signature is hex(HMAC-SHA256(secret, timestamp\nnonce\npath)).
func Signature(secret string, timestamp string, nonce string, path string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "\n" + nonce + "\n" + path))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *HandshakeSigner) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *HandshakeSigner) nonce() string {
	if s != nil && s.NewNonce != nil {
		return s.NewNonce()
	}
	return uuid.NewString()
}

func (s *HandshakeSigner) ttl() time.Duration {
	if s != nil && s.TTL > 0 {
		return s.TTL
	}
	return core.DefaultSignatureTTL
}
