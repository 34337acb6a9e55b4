package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-config/cfgx"
	goerrors "github.com/goliatone/go-errors"
	opts "github.com/goliatone/go-options"

	"github.com/goliatone/go-appclient/retry"
)

type ErrorMapper func(err error) *goerrors.Error

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type managerBuilder struct {
	logger          Logger
	loggerProvider  LoggerProvider
	metricsRecorder MetricsRecorder
	store           CredentialStore
	clock           Clock
	classifier      retry.Classifier
	policy          *retry.Policy
}

type Option func(*managerBuilder)

func WithLogger(logger Logger) Option {
	return func(b *managerBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(b *managerBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(b *managerBuilder) {
		b.metricsRecorder = recorder
	}
}

func WithCredentialStore(store CredentialStore) Option {
	return func(b *managerBuilder) {
		b.store = store
	}
}

func WithClock(clock Clock) Option {
	return func(b *managerBuilder) {
		b.clock = clock
	}
}

func WithClassifier(classifier retry.Classifier) Option {
	return func(b *managerBuilder) {
		b.classifier = classifier
	}
}

// WithRetryPolicy overrides the policy derived from Config.Retry.
func WithRetryPolicy(policy retry.Policy) Option {
	return func(b *managerBuilder) {
		b.policy = &policy
	}
}

func defaultManagerBuilder() managerBuilder {
	return managerBuilder{
		metricsRecorder: NopMetricsRecorder{},
		clock:           func() time.Time { return time.Now().UTC() },
		classifier:      retry.Classify,
	}
}

// ResolveConfig merges defaults, provider loaded values and runtime values,
// in that order of precedence.
func ResolveConfig(ctx context.Context, runtime Config, provider ConfigProvider, resolver OptionsResolver) (Config, error) {
	if provider == nil {
		provider = NewCfgxConfigProvider(nil)
	}
	if resolver == nil {
		resolver = GoOptionsResolver{}
	}
	defaults := DefaultConfig()
	loaded, err := provider.Load(ctx, defaults)
	if err != nil {
		return Config{}, err
	}
	return resolver.Resolve(defaults, loaded, runtime)
}

type StaticRawConfigLoader struct {
	Values map[string]any
}

func (l StaticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = StaticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			configToLayerMap(defaults, true),
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			configToLayerMap(loaded, false),
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			configToLayerMap(runtime, false),
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

// configToLayerMap keeps only set fields unless includeZero is true, so a
// higher layer never blanks a lower one with zero values.
func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.ServiceName) != "" {
		layer["service_name"] = cfg.ServiceName
	}

	app := map[string]any{}
	putString(app, "app_id", cfg.App.AppID, includeZero)
	putString(app, "app_secret", cfg.App.AppSecret, includeZero)
	putString(app, "base_url", cfg.App.BaseURL, includeZero)
	putSection(layer, "app", app)

	credentials := map[string]any{}
	putDuration(credentials, "safety_margin", cfg.Credentials.SafetyMargin, includeZero)
	putDuration(credentials, "proactive_window", cfg.Credentials.ProactiveWindow, includeZero)
	putDuration(credentials, "sweep_interval", cfg.Credentials.SweepInterval, includeZero)
	putString(credentials, "mint_path_app", cfg.Credentials.AppMintPath, includeZero)
	putString(credentials, "mint_path_tenant", cfg.Credentials.TenantMintPath, includeZero)
	putSection(layer, "credentials", credentials)

	retryLayer := map[string]any{}
	putDuration(retryLayer, "base_delay", cfg.Retry.BaseDelay, includeZero)
	putFloat(retryLayer, "multiplier", cfg.Retry.Multiplier, includeZero)
	putDuration(retryLayer, "max_delay", cfg.Retry.MaxDelay, includeZero)
	putFloat(retryLayer, "jitter", cfg.Retry.Jitter, includeZero)
	putInt(retryLayer, "max_attempts", cfg.Retry.MaxAttempts, includeZero)
	putSection(layer, "retry", retryLayer)

	connection := map[string]any{}
	putString(connection, "endpoint_path", cfg.Connection.EndpointPath, includeZero)
	putDuration(connection, "handshake_timeout", cfg.Connection.HandshakeTimeout, includeZero)
	putDuration(connection, "heartbeat_interval", cfg.Connection.HeartbeatInterval, includeZero)
	putDuration(connection, "heartbeat_timeout", cfg.Connection.HeartbeatTimeout, includeZero)
	putDuration(connection, "request_timeout", cfg.Connection.RequestTimeout, includeZero)
	putDuration(connection, "drain_timeout", cfg.Connection.DrainTimeout, includeZero)
	putInt(connection, "write_buffer", cfg.Connection.WriteBuffer, includeZero)
	putDuration(connection, "signature_ttl", cfg.Connection.SignatureTTL, includeZero)
	putSection(layer, "connection", connection)

	transport := map[string]any{}
	putDuration(transport, "timeout", cfg.Transport.Timeout, includeZero)
	if includeZero || cfg.Transport.MaxResponseBytes != 0 {
		transport["max_response_bytes"] = cfg.Transport.MaxResponseBytes
	}
	if includeZero || len(cfg.Transport.RejectedCodes) > 0 {
		transport["rejected_codes"] = append([]int(nil), cfg.Transport.RejectedCodes...)
	}
	putSection(layer, "transport", transport)
	return layer
}

func putSection(layer map[string]any, name string, section map[string]any) {
	if len(section) > 0 {
		layer[name] = section
	}
}

func putString(section map[string]any, key string, value string, includeZero bool) {
	if includeZero || strings.TrimSpace(value) != "" {
		section[key] = value
	}
}

func putDuration(section map[string]any, key string, value time.Duration, includeZero bool) {
	if includeZero || value != 0 {
		section[key] = value
	}
}

func putFloat(section map[string]any, key string, value float64, includeZero bool) {
	if includeZero || value != 0 {
		section[key] = value
	}
}

func putInt(section map[string]any, key string, value int, includeZero bool) {
	if includeZero || value != 0 {
		section[key] = value
	}
}
