package appclient

import (
	"net/http"
	"time"

	"github.com/goliatone/go-appclient/connection"
	"github.com/goliatone/go-appclient/ratelimit"
)

// HTTPDoer is the HTTP client used for credential minting and API calls.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Option func(*clientOptions)

type clientOptions struct {
	logger          Logger
	loggerProvider  LoggerProvider
	metrics         MetricsRecorder
	store           CredentialStore
	clock           func() time.Time
	httpClient      HTTPDoer
	dialer          connection.Dialer
	hooks           *ExtensionHooks
	rateLimits      *ratelimit.AdaptivePolicy
	configProvider  ConfigProvider
	optionsResolver OptionsResolver
	withoutConn     bool
	sweeper         bool
}

func WithLogger(logger Logger) Option {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(o *clientOptions) {
		o.loggerProvider = provider
	}
}

func WithMetricsRecorder(metrics MetricsRecorder) Option {
	return func(o *clientOptions) {
		o.metrics = metrics
	}
}

// WithCredentialStore replaces the in-memory credential store, e.g. with a
// store/sql or store/redis backend.
func WithCredentialStore(store CredentialStore) Option {
	return func(o *clientOptions) {
		o.store = store
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *clientOptions) {
		o.clock = now
	}
}

func WithHTTPClient(client HTTPDoer) Option {
	return func(o *clientOptions) {
		o.httpClient = client
	}
}

func WithDialer(dialer connection.Dialer) Option {
	return func(o *clientOptions) {
		o.dialer = dialer
	}
}

func WithExtensionHooks(hooks *ExtensionHooks) Option {
	return func(o *clientOptions) {
		o.hooks = hooks
	}
}

// WithRateLimitPolicy shares throttle state, e.g. one backed by
// store/sql.RateLimitStateStore.
func WithRateLimitPolicy(policy *ratelimit.AdaptivePolicy) Option {
	return func(o *clientOptions) {
		o.rateLimits = policy
	}
}

// WithConfigProvider loads configuration layered under the runtime Config
// passed to New.
func WithConfigProvider(provider ConfigProvider) Option {
	return func(o *clientOptions) {
		o.configProvider = provider
	}
}

func WithOptionsResolver(resolver OptionsResolver) Option {
	return func(o *clientOptions) {
		o.optionsResolver = resolver
	}
}

// WithoutConnection builds a request-only client with no persistent
// session.
func WithoutConnection() Option {
	return func(o *clientOptions) {
		o.withoutConn = true
	}
}

// WithSweeper runs the credential sweeper between Start and Shutdown.
func WithSweeper() Option {
	return func(o *clientOptions) {
		o.sweeper = true
	}
}
