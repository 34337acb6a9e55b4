package appclient

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/goliatone/go-command/runner"
	"github.com/goliatone/go-job/queue"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-appclient/adapters/gocommand"
	"github.com/goliatone/go-appclient/adapters/gojob"
	"github.com/goliatone/go-appclient/adapters/gologger"
	"github.com/goliatone/go-appclient/auth"
	"github.com/goliatone/go-appclient/connection"
	"github.com/goliatone/go-appclient/core"
	"github.com/goliatone/go-appclient/frame"
	"github.com/goliatone/go-appclient/transport"
)

// ErrConnectionDisabled is returned by session operations on a client built
// WithoutConnection.
var ErrConnectionDisabled = errors.New("appclient: connection is disabled")

// Client wires one credential manager, transport and persistent connection
// for a single application identity. Every handle is built once in New and
// shared.
type Client struct {
	config     Config
	logger     Logger
	metrics    MetricsRecorder
	manager    *core.CredentialManager
	router     *auth.KindRouter
	transport  *transport.Client
	connection *connection.Client
	sweeper    bool

	mu          sync.Mutex
	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// New builds a Client. When a ConfigProvider or OptionsResolver is given,
// cfg is layered over defaults and loaded values before validation.
func New(cfg Config, opts ...Option) (*Client, error) {
	options := clientOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	if options.configProvider != nil || options.optionsResolver != nil {
		resolved, err := core.ResolveConfig(context.Background(), cfg, options.configProvider, options.optionsResolver)
		if err != nil {
			return nil, fmt.Errorf("appclient: resolve config: %w", err)
		}
		cfg = resolved
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.RequireApp(); err != nil {
		return nil, err
	}

	logger := gologger.Named(gologger.RootName, options.loggerProvider, options.logger)
	metrics := options.metrics
	if metrics == nil {
		metrics = core.NopMetricsRecorder{}
	}

	refresherCfg := auth.RefresherConfigFrom(cfg)
	refresherCfg.Now = options.clock
	if options.httpClient != nil {
		refresherCfg.HTTPClient = options.httpClient
	}
	refresher, err := auth.NewAppCredentialRefresher(refresherCfg)
	if err != nil {
		return nil, err
	}
	router := auth.NewKindRouter()
	for _, kind := range []core.CredentialKind{core.CredentialKindApp, core.CredentialKindTenant} {
		if err := router.RegisterKind(kind, refresher); err != nil {
			return nil, err
		}
	}
	if err := options.hooks.ApplyRefreshers(router); err != nil {
		return nil, err
	}

	managerOpts := []core.Option{
		core.WithLogger(gologger.Named("credentials", options.loggerProvider, options.logger)),
		core.WithMetricsRecorder(metrics),
	}
	if options.store != nil {
		managerOpts = append(managerOpts, core.WithCredentialStore(options.store))
	}
	if options.clock != nil {
		managerOpts = append(managerOpts, core.WithClock(options.clock))
	}
	manager, err := core.NewCredentialManager(cfg, router, managerOpts...)
	if err != nil {
		return nil, err
	}
	refresher.SetAppCredentials(manager)

	transportOpts := []transport.Option{
		transport.WithLogger(gologger.Named("transport", options.loggerProvider, options.logger)),
		transport.WithMetricsRecorder(metrics),
	}
	if options.httpClient != nil {
		transportOpts = append(transportOpts, transport.WithExecutor(transport.NewRESTExecutor(options.httpClient)))
	}
	if options.rateLimits != nil {
		transportOpts = append(transportOpts, transport.WithRateLimitPolicy(options.rateLimits))
	}
	sender, err := transport.NewClient(cfg, manager, transportOpts...)
	if err != nil {
		_ = manager.Close()
		return nil, err
	}

	client := &Client{
		config:    cfg,
		logger:    logger,
		metrics:   metrics,
		manager:   manager,
		router:    router,
		transport: sender,
		sweeper:   options.sweeper,
	}

	if !options.withoutConn {
		connOpts := []connection.Option{
			connection.WithLogger(gologger.Named("connection", options.loggerProvider, options.logger)),
			connection.WithMetricsRecorder(metrics),
		}
		if options.dialer != nil {
			connOpts = append(connOpts, connection.WithDialer(options.dialer))
		}
		if options.clock != nil {
			connOpts = append(connOpts, connection.WithClock(options.clock))
		}
		conn, err := connection.NewClient(cfg, manager, connOpts...)
		if err != nil {
			_ = manager.Close()
			return nil, err
		}
		if err := options.hooks.ApplyHandlerPacks(conn); err != nil {
			_ = manager.Close()
			return nil, err
		}
		client.connection = conn
	}
	return client, nil
}

func (c *Client) Config() Config {
	if c == nil {
		return Config{}
	}
	return c.config
}

func (c *Client) Logger() Logger {
	if c == nil {
		return glog.Nop()
	}
	return c.logger
}

func (c *Client) Credentials() *core.CredentialManager {
	if c == nil {
		return nil
	}
	return c.manager
}

func (c *Client) Transport() *transport.Client {
	if c == nil {
		return nil
	}
	return c.transport
}

// Connection returns the persistent session, or nil for a client built
// WithoutConnection.
func (c *Client) Connection() *connection.Client {
	if c == nil {
		return nil
	}
	return c.connection
}

// Credential returns a usable credential for key, minting one when needed.
func (c *Client) Credential(ctx context.Context, key CredentialKey) (Credential, error) {
	return c.manager.Get(ctx, key)
}

func (c *Client) AppCredential(ctx context.Context) (Credential, error) {
	return c.manager.Get(ctx, core.AppKey(c.config.App.AppID))
}

func (c *Client) TenantCredential(ctx context.Context, tenantKey string) (Credential, error) {
	return c.manager.Get(ctx, core.TenantKey(c.config.App.AppID, tenantKey))
}

// Invalidate drops the cached credential for key and schedules one refresh.
func (c *Client) Invalidate(ctx context.Context, key CredentialKey) bool {
	return c.manager.Invalidate(ctx, key)
}

// RegisterRefresher adds the refresher for a credential kind that has none
// yet, typically the user kind.
func (c *Client) RegisterRefresher(kind CredentialKind, refresher CredentialRefresher) error {
	return c.router.RegisterKind(kind, refresher)
}

// Send performs an authenticated API request.
func (c *Client) Send(ctx context.Context, req Request) (Response, error) {
	return c.transport.Send(ctx, req)
}

// SendJSON performs req and decodes the response data into T.
func SendJSON[T any](ctx context.Context, c *Client, req Request) (T, Response, error) {
	if c == nil {
		var zero T
		return zero, Response{}, fmt.Errorf("appclient: client is required")
	}
	return transport.SendJSON[T](ctx, c.transport, req)
}

// On registers the handler for a server pushed event type.
func (c *Client) On(eventType string, handler Handler) error {
	if c.connection == nil {
		return ErrConnectionDisabled
	}
	return c.connection.On(eventType, handler)
}

// Request sends a correlated frame on the session and waits for the reply.
func (c *Client) Request(ctx context.Context, eventType string, payload any) (frame.Frame, error) {
	if c.connection == nil {
		return frame.Frame{}, ErrConnectionDisabled
	}
	return c.connection.Request(ctx, eventType, payload)
}

// Call is Request with the reply payload decoded into T.
func Call[T any](ctx context.Context, c *Client, eventType string, payload any) (T, error) {
	if c == nil || c.connection == nil {
		var zero T
		return zero, ErrConnectionDisabled
	}
	return connection.Call[T](ctx, c.connection, eventType, payload)
}

// Emit sends an uncorrelated data frame on the session.
func (c *Client) Emit(ctx context.Context, eventType string, payload any) error {
	if c.connection == nil {
		return ErrConnectionDisabled
	}
	return c.connection.Send(ctx, eventType, payload)
}

// Start launches the connection loop and, when configured, the credential
// sweeper. It does not wait for the session to connect.
func (c *Client) Start(ctx context.Context) error {
	if c == nil {
		return fmt.Errorf("appclient: client is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if c.sweeper {
		c.startSweeper(ctx)
	}
	if c.connection == nil {
		return nil
	}
	return c.connection.Start(ctx)
}

// WaitConnected blocks until the session is connected or ctx is done.
func (c *Client) WaitConnected(ctx context.Context) error {
	if c.connection == nil {
		return ErrConnectionDisabled
	}
	return c.connection.WaitConnected(ctx)
}

func (c *Client) State() State {
	if c == nil || c.connection == nil {
		return connection.StateClosed
	}
	return c.connection.State()
}

func (c *Client) Snapshot() Snapshot {
	if c == nil || c.connection == nil {
		return Snapshot{State: connection.StateClosed}
	}
	return c.connection.Snapshot()
}

func (c *Client) OnStateChange(fn connection.Listener) func() {
	if c == nil || c.connection == nil {
		return func() {}
	}
	return c.connection.OnStateChange(fn)
}

// Shutdown drains the session, stops the sweeper and closes the credential
// manager. Waiters on in-flight refreshes fail with ErrManagerClosed.
func (c *Client) Shutdown(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.connection != nil {
		if err := c.connection.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.stopSweeper()
	if err := c.manager.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close tears everything down without draining.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.connection != nil {
		if err := c.connection.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.stopSweeper()
	if err := c.manager.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// BindCommands subscribes the credential and connection commands and
// queries on the go-command dispatcher.
func (c *Client) BindCommands(adapter *gocommand.Adapter, runnerOpts ...runner.Option) (*gocommand.Bindings, error) {
	services := gocommand.Services{Credentials: c.manager}
	if c.connection != nil {
		services.Connection = c.connection
	}
	return adapter.Bind(services, runnerOpts...)
}

// RefreshScheduler enqueues proactive refresh jobs for due credentials.
func (c *Client) RefreshScheduler(enqueuer queue.Enqueuer, opts ...gojob.Option) (*gojob.RefreshScheduler, error) {
	return gojob.NewRefreshScheduler(c.manager, enqueuer, c.jobOptions(opts)...)
}

// RefreshWorker executes queued refresh jobs against the credential
// manager.
func (c *Client) RefreshWorker(opts ...gojob.Option) (*gojob.RefreshWorker, error) {
	return gojob.NewRefreshWorker(c.manager, c.jobOptions(opts)...)
}

func (c *Client) jobOptions(opts []gojob.Option) []gojob.Option {
	base := []gojob.Option{
		gojob.WithLogger(c.logger),
		gojob.WithMetricsRecorder(c.metrics),
	}
	return append(base, opts...)
}

func (c *Client) startSweeper(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sweepCancel != nil {
		return
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.sweepCancel = cancel
	c.sweepDone = done
	go func() {
		defer close(done)
		if err := c.manager.RunSweeper(sweepCtx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, core.ErrManagerClosed) {
			c.logger.Warn("credential sweeper stopped", "error", err)
		}
	}()
}

func (c *Client) stopSweeper() {
	c.mu.Lock()
	cancel := c.sweepCancel
	done := c.sweepDone
	c.sweepCancel = nil
	c.sweepDone = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
