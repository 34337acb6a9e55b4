package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-appclient/core"
	"github.com/goliatone/go-appclient/retry"
)

const DefaultUserRefreshPath = "/open-apis/authen/v1/oidc/refresh_access_token"

var ErrRefreshTokenNotFound = errors.New("auth: refresh token not found")

// RefreshTokenStore keeps the rotating refresh token per user credential.
type RefreshTokenStore interface {
	RefreshToken(ctx context.Context, key core.CredentialKey) (string, error)
	SaveRefreshToken(ctx context.Context, key core.CredentialKey, token string) error
}

type MemoryRefreshTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]string
}

func NewMemoryRefreshTokenStore() *MemoryRefreshTokenStore {
	return &MemoryRefreshTokenStore{tokens: map[string]string{}}
}

func (s *MemoryRefreshTokenStore) RefreshToken(_ context.Context, key core.CredentialKey) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.tokens[key.Normalize().String()]
	if !ok {
		return "", ErrRefreshTokenNotFound
	}
	return token, nil
}

func (s *MemoryRefreshTokenStore) SaveRefreshToken(_ context.Context, key core.CredentialKey, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("auth: refresh token is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[key.Normalize().String()] = token
	return nil
}

type UserRefresherConfig struct {
	BaseURL        string
	RefreshPath    string
	Timeout        time.Duration
	HTTPClient     HTTPDoer
	Now            func() time.Time
	Tokens         RefreshTokenStore
	AppCredentials core.CredentialSource
}

// RefreshTokenRefresher mints user credentials by exchanging the stored
// refresh token, authenticated with the app credential. Rotated refresh
// tokens are written back to the store.
type RefreshTokenRefresher struct {
	config     UserRefresherConfig
	httpClient HTTPDoer
}

func NewRefreshTokenRefresher(cfg UserRefresherConfig) (*RefreshTokenRefresher, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("auth: base url is required")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("auth: refresh token store is required")
	}
	if cfg.AppCredentials == nil {
		return nil, fmt.Errorf("auth: app credential source is required")
	}
	if strings.TrimSpace(cfg.RefreshPath) == "" {
		cfg.RefreshPath = DefaultUserRefreshPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultMintTimeout
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &RefreshTokenRefresher{config: cfg, httpClient: httpClient}, nil
}

type userRefreshResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		AccessToken      string `json:"access_token"`
		RefreshToken     string `json:"refresh_token"`
		TokenType        string `json:"token_type"`
		ExpiresIn        int64  `json:"expires_in"`
		RefreshExpiresIn int64  `json:"refresh_expires_in"`
	} `json:"data"`
}

func (r *RefreshTokenRefresher) Refresh(ctx context.Context, key core.CredentialKey) (core.Credential, error) {
	key = key.Normalize()
	if key.Kind != core.CredentialKindUser {
		return core.Credential{}, retry.MarkPermanent(fmt.Errorf("auth: refresh token exchange cannot mint %s", key))
	}
	if err := key.Validate(); err != nil {
		return core.Credential{}, retry.MarkPermanent(err)
	}

	refreshToken, err := r.config.Tokens.RefreshToken(ctx, key)
	if err != nil {
		if errors.Is(err, ErrRefreshTokenNotFound) {
			return core.Credential{}, retry.MarkPermanent(fmt.Errorf("auth: %s: %w", key, err))
		}
		return core.Credential{}, err
	}
	appCredential, err := r.config.AppCredentials.Get(ctx, core.AppKey(key.AppID))
	if err != nil {
		return core.Credential{}, fmt.Errorf("auth: resolve app credential for %s: %w", key, err)
	}

	issuedAt := r.config.Now().UTC()
	var decoded userRefreshResponse
	status, err := postJSON(
		ctx,
		r.httpClient,
		r.config.Timeout,
		r.config.BaseURL+"/"+strings.TrimLeft(r.config.RefreshPath, "/"),
		appCredential.Value,
		map[string]string{"grant_type": "refresh_token", "refresh_token": refreshToken},
		&decoded,
	)
	if err != nil {
		return core.Credential{}, &MintError{Key: key, StatusCode: status, Message: "refresh token exchange failed", Cause: err}
	}
	if status < http.StatusOK || status >= http.StatusMultipleChoices || decoded.Code != 0 {
		if status >= http.StatusOK && status < http.StatusMultipleChoices {
			status = 0
		}
		return core.Credential{}, &MintError{Key: key, StatusCode: status, Code: decoded.Code, Message: decoded.Msg, Cause: ErrMintFailed}
	}

	value := strings.TrimSpace(decoded.Data.AccessToken)
	if value == "" {
		return core.Credential{}, &MintError{Key: key, Message: "exchange response missing access token", Cause: ErrMintFailed}
	}
	if rotated := strings.TrimSpace(decoded.Data.RefreshToken); rotated != "" && rotated != refreshToken {
		if err := r.config.Tokens.SaveRefreshToken(ctx, key, rotated); err != nil {
			return core.Credential{}, fmt.Errorf("auth: save rotated refresh token for %s: %w", key, err)
		}
	}

	expiresAt, ok := ExpiryFromJWT(value)
	if decoded.Data.ExpiresIn > 0 {
		expiresAt, ok = issuedAt.Add(time.Duration(decoded.Data.ExpiresIn)*time.Second), true
	}
	if !ok {
		return core.Credential{}, &MintError{Key: key, Message: "exchange response missing lifetime", Cause: ErrMintFailed}
	}
	tokenType := strings.TrimSpace(decoded.Data.TokenType)
	if tokenType == "" || strings.EqualFold(tokenType, "bearer") {
		tokenType = "Bearer"
	}
	return core.Credential{
		Key:       key,
		Value:     value,
		TokenType: tokenType,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}, nil
}

var (
	_ core.CredentialRefresher = (*RefreshTokenRefresher)(nil)
	_ RefreshTokenStore        = (*MemoryRefreshTokenStore)(nil)
)
