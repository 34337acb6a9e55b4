package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goliatone/go-appclient/core"
	"github.com/goliatone/go-appclient/retry"
)

const defaultMintTimeout = 30 * time.Second

type RefresherConfig struct {
	AppID          string
	AppSecret      string
	BaseURL        string
	AppMintPath    string
	TenantMintPath string
	Timeout        time.Duration
	HTTPClient     HTTPDoer
	Now            func() time.Time
	// AppCredentials resolves the app credential used to mint tenant
	// credentials. Usually the credential manager itself.
	AppCredentials core.CredentialSource
}

// RefresherConfigFrom copies identity and mint paths from the client config.
func RefresherConfigFrom(cfg core.Config) RefresherConfig {
	return RefresherConfig{
		AppID:          cfg.App.AppID,
		AppSecret:      cfg.App.AppSecret,
		BaseURL:        cfg.App.BaseURL,
		AppMintPath:    cfg.Credentials.AppMintPath,
		TenantMintPath: cfg.Credentials.TenantMintPath,
		Timeout:        cfg.Transport.Timeout,
	}
}

// AppCredentialRefresher mints app and tenant credentials from the
// application identity.
type AppCredentialRefresher struct {
	config     RefresherConfig
	httpClient HTTPDoer
}

func NewAppCredentialRefresher(cfg RefresherConfig) (*AppCredentialRefresher, error) {
	cfg.AppID = strings.TrimSpace(cfg.AppID)
	cfg.AppSecret = strings.TrimSpace(cfg.AppSecret)
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.AppID == "" {
		return nil, fmt.Errorf("auth: app id is required")
	}
	if cfg.AppSecret == "" {
		return nil, fmt.Errorf("auth: app secret is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("auth: base url is required")
	}
	if strings.TrimSpace(cfg.AppMintPath) == "" {
		cfg.AppMintPath = core.DefaultAppMintPath
	}
	if strings.TrimSpace(cfg.TenantMintPath) == "" {
		cfg.TenantMintPath = core.DefaultTenantMintPath
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
	return &AppCredentialRefresher{config: cfg, httpClient: httpClient}, nil
}

// SetAppCredentials wires the source used for tenant minting after the
// manager that owns this refresher has been built.
func (r *AppCredentialRefresher) SetAppCredentials(source core.CredentialSource) {
	if r != nil {
		r.config.AppCredentials = source
	}
}

func (r *AppCredentialRefresher) Refresh(ctx context.Context, key core.CredentialKey) (core.Credential, error) {
	if r == nil || r.httpClient == nil {
		return core.Credential{}, retry.MarkPermanent(fmt.Errorf("auth: refresher is not configured"))
	}
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return core.Credential{}, retry.MarkPermanent(err)
	}
	if key.AppID != r.config.AppID {
		return core.Credential{}, retry.MarkPermanent(fmt.Errorf("auth: refresher for app %q cannot mint %s", r.config.AppID, key))
	}

	switch key.Kind {
	case core.CredentialKindApp:
		return r.mint(ctx, key, r.config.AppMintPath, map[string]string{
			"app_id":     r.config.AppID,
			"app_secret": r.config.AppSecret,
		})
	case core.CredentialKindTenant:
		if r.config.AppCredentials == nil {
			return core.Credential{}, retry.MarkPermanent(fmt.Errorf("auth: app credential source is required to mint %s", key))
		}
		appCredential, err := r.config.AppCredentials.Get(ctx, core.AppKey(key.AppID))
		if err != nil {
			return core.Credential{}, fmt.Errorf("auth: resolve app credential for %s: %w", key, err)
		}
		return r.mint(ctx, key, r.config.TenantMintPath, map[string]string{
			"app_access_token": appCredential.Value,
			"tenant_key":       key.Subject,
		})
	default:
		return core.Credential{}, retry.MarkPermanent(fmt.Errorf("auth: kind %q is not minted from app identity", key.Kind))
	}
}

type mintResponse struct {
	Code              int    `json:"code"`
	Msg               string `json:"msg"`
	AppAccessToken    string `json:"app_access_token"`
	TenantAccessToken string `json:"tenant_access_token"`
	Expire            int64  `json:"expire"`
}

func (r *AppCredentialRefresher) mint(ctx context.Context, key core.CredentialKey, path string, body map[string]string) (core.Credential, error) {
	issuedAt := r.config.Now().UTC()
	var decoded mintResponse
	status, err := postJSON(ctx, r.httpClient, r.config.Timeout, r.config.BaseURL+"/"+strings.TrimLeft(path, "/"), "", body, &decoded)
	if err != nil {
		return core.Credential{}, &MintError{Key: key, StatusCode: status, Message: "mint request failed", Cause: err}
	}
	if status < http.StatusOK || status >= http.StatusMultipleChoices || decoded.Code != 0 {
		if status >= http.StatusOK && status < http.StatusMultipleChoices {
			status = 0
		}
		return core.Credential{}, &MintError{
			Key:        key,
			StatusCode: status,
			Code:       decoded.Code,
			Message:    decoded.Msg,
			Cause:      ErrMintFailed,
		}
	}

	value := decoded.AppAccessToken
	if key.Kind == core.CredentialKindTenant {
		value = decoded.TenantAccessToken
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return core.Credential{}, &MintError{Key: key, Message: "mint response missing access token", Cause: ErrMintFailed}
	}

	var expiresAt time.Time
	switch {
	case decoded.Expire > 0:
		expiresAt = issuedAt.Add(time.Duration(decoded.Expire) * time.Second)
	default:
		exp, ok := ExpiryFromJWT(value)
		if !ok {
			return core.Credential{}, &MintError{Key: key, Message: "mint response missing lifetime", Cause: ErrMintFailed}
		}
		expiresAt = exp
	}

	return core.Credential{
		Key:       key,
		Value:     value,
		TokenType: "Bearer",
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}, nil
}

var _ core.CredentialRefresher = (*AppCredentialRefresher)(nil)
