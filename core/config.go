package core

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-appclient/retry"
)

const (
	DefaultSafetyMargin      = 3 * time.Minute
	DefaultProactiveWindow   = 10 * time.Minute
	DefaultSweepInterval     = time.Minute
	DefaultAppMintPath       = "/open-apis/auth/v3/app_access_token/internal"
	DefaultTenantMintPath    = "/open-apis/auth/v3/tenant_access_token/internal"
	DefaultEndpointPath      = "/open-apis/callback/ws/endpoint"
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 10 * time.Second
	DefaultRequestTimeout    = 15 * time.Second
	DefaultDrainTimeout      = 5 * time.Second
	DefaultWriteBuffer       = 64
	DefaultSignatureTTL      = 5 * time.Minute
	DefaultTransportTimeout  = 30 * time.Second
	DefaultMaxResponseBytes  = int64(10 << 20)
)

// DefaultRejectedCodes are platform response codes meaning the bearer
// credential was not accepted.
var DefaultRejectedCodes = []int{99991661, 99991663, 99991664, 99991668, 99991677}

type AppConfig struct {
	AppID     string `koanf:"app_id" mapstructure:"app_id"`
	AppSecret string `koanf:"app_secret" mapstructure:"app_secret"`
	BaseURL   string `koanf:"base_url" mapstructure:"base_url"`
}

type CredentialsConfig struct {
	SafetyMargin    time.Duration `koanf:"safety_margin" mapstructure:"safety_margin"`
	ProactiveWindow time.Duration `koanf:"proactive_window" mapstructure:"proactive_window"`
	SweepInterval   time.Duration `koanf:"sweep_interval" mapstructure:"sweep_interval"`
	AppMintPath     string        `koanf:"mint_path_app" mapstructure:"mint_path_app"`
	TenantMintPath  string        `koanf:"mint_path_tenant" mapstructure:"mint_path_tenant"`
}

type RetryConfig struct {
	BaseDelay   time.Duration `koanf:"base_delay" mapstructure:"base_delay"`
	Multiplier  float64       `koanf:"multiplier" mapstructure:"multiplier"`
	MaxDelay    time.Duration `koanf:"max_delay" mapstructure:"max_delay"`
	Jitter      float64       `koanf:"jitter" mapstructure:"jitter"`
	MaxAttempts int           `koanf:"max_attempts" mapstructure:"max_attempts"`
}

func (c RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		BaseDelay:   c.BaseDelay,
		Multiplier:  c.Multiplier,
		MaxDelay:    c.MaxDelay,
		Jitter:      c.Jitter,
		MaxAttempts: c.MaxAttempts,
	}
}

type ConnectionConfig struct {
	EndpointPath     string        `koanf:"endpoint_path" mapstructure:"endpoint_path"`
	HandshakeTimeout time.Duration `koanf:"handshake_timeout" mapstructure:"handshake_timeout"`
	// HeartbeatInterval of zero disables client pings.
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `koanf:"heartbeat_timeout" mapstructure:"heartbeat_timeout"`
	RequestTimeout    time.Duration `koanf:"request_timeout" mapstructure:"request_timeout"`
	// DrainTimeout of zero cancels in-flight requests as soon as shutdown
	// starts.
	DrainTimeout time.Duration `koanf:"drain_timeout" mapstructure:"drain_timeout"`
	WriteBuffer  int           `koanf:"write_buffer" mapstructure:"write_buffer"`
	SignatureTTL time.Duration `koanf:"signature_ttl" mapstructure:"signature_ttl"`
}

type TransportConfig struct {
	Timeout          time.Duration `koanf:"timeout" mapstructure:"timeout"`
	MaxResponseBytes int64         `koanf:"max_response_bytes" mapstructure:"max_response_bytes"`
	RejectedCodes    []int         `koanf:"rejected_codes" mapstructure:"rejected_codes"`
}

type Config struct {
	ServiceName string            `koanf:"service_name" mapstructure:"service_name"`
	App         AppConfig         `koanf:"app" mapstructure:"app"`
	Credentials CredentialsConfig `koanf:"credentials" mapstructure:"credentials"`
	Retry       RetryConfig       `koanf:"retry" mapstructure:"retry"`
	Connection  ConnectionConfig  `koanf:"connection" mapstructure:"connection"`
	Transport   TransportConfig   `koanf:"transport" mapstructure:"transport"`
}

func DefaultConfig() Config {
	policy := retry.DefaultPolicy()
	return Config{
		ServiceName: "appclient",
		Credentials: CredentialsConfig{
			SafetyMargin:    DefaultSafetyMargin,
			ProactiveWindow: DefaultProactiveWindow,
			SweepInterval:   DefaultSweepInterval,
			AppMintPath:     DefaultAppMintPath,
			TenantMintPath:  DefaultTenantMintPath,
		},
		Retry: RetryConfig{
			BaseDelay:   policy.BaseDelay,
			Multiplier:  policy.Multiplier,
			MaxDelay:    policy.MaxDelay,
			Jitter:      policy.Jitter,
			MaxAttempts: policy.MaxAttempts,
		},
		Connection: ConnectionConfig{
			EndpointPath:      DefaultEndpointPath,
			HandshakeTimeout:  DefaultHandshakeTimeout,
			HeartbeatInterval: DefaultHeartbeatInterval,
			HeartbeatTimeout:  DefaultHeartbeatTimeout,
			RequestTimeout:    DefaultRequestTimeout,
			DrainTimeout:      DefaultDrainTimeout,
			WriteBuffer:       DefaultWriteBuffer,
			SignatureTTL:      DefaultSignatureTTL,
		},
		Transport: TransportConfig{
			Timeout:          DefaultTransportTimeout,
			MaxResponseBytes: DefaultMaxResponseBytes,
			RejectedCodes:    append([]int(nil), DefaultRejectedCodes...),
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if base := strings.TrimSpace(c.App.BaseURL); base != "" {
		parsed, err := url.Parse(base)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("core: app.base_url must be an absolute url")
		}
	}
	if c.Credentials.SafetyMargin < 0 {
		return fmt.Errorf("core: credentials.safety_margin must be >= 0")
	}
	if c.Credentials.ProactiveWindow < 0 {
		return fmt.Errorf("core: credentials.proactive_window must be >= 0")
	}
	if c.Credentials.SweepInterval < 0 {
		return fmt.Errorf("core: credentials.sweep_interval must be >= 0")
	}
	if err := c.Retry.Policy().Validate(); err != nil {
		return fmt.Errorf("core: invalid retry config: %w", err)
	}
	if c.Connection.HandshakeTimeout <= 0 {
		return fmt.Errorf("core: connection.handshake_timeout must be positive")
	}
	if c.Connection.HeartbeatInterval < 0 {
		return fmt.Errorf("core: connection.heartbeat_interval must be >= 0")
	}
	if c.Connection.HeartbeatTimeout <= 0 {
		return fmt.Errorf("core: connection.heartbeat_timeout must be positive")
	}
	if c.Connection.RequestTimeout <= 0 {
		return fmt.Errorf("core: connection.request_timeout must be positive")
	}
	if c.Connection.DrainTimeout < 0 {
		return fmt.Errorf("core: connection.drain_timeout must be >= 0")
	}
	if c.Connection.WriteBuffer < 0 {
		return fmt.Errorf("core: connection.write_buffer must be >= 0")
	}
	if c.Transport.Timeout <= 0 {
		return fmt.Errorf("core: transport.timeout must be positive")
	}
	if c.Transport.MaxResponseBytes < 0 {
		return fmt.Errorf("core: transport.max_response_bytes must be >= 0")
	}
	return nil
}

// RequireApp validates the identity fields needed to mint credentials.
func (c Config) RequireApp() error {
	if strings.TrimSpace(c.App.AppID) == "" {
		return fmt.Errorf("core: app.app_id is required")
	}
	if strings.TrimSpace(c.App.AppSecret) == "" {
		return fmt.Errorf("core: app.app_secret is required")
	}
	if strings.TrimSpace(c.App.BaseURL) == "" {
		return fmt.Errorf("core: app.base_url is required")
	}
	return nil
}
