package appclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/goliatone/go-command"

	"github.com/goliatone/go-appclient/adapters/gocommand"
	appcommand "github.com/goliatone/go-appclient/command"
	"github.com/goliatone/go-appclient/connection"
	"github.com/goliatone/go-appclient/core"
	"github.com/goliatone/go-appclient/frame"
	appquery "github.com/goliatone/go-appclient/query"
)

type userEnvelope struct {
	User struct {
		UserID string `json:"user_id"`
		Name   string `json:"name"`
	} `json:"user"`
}

func TestNew_SendsWithTenantCredential(t *testing.T) {
	platform := newFakePlatform(t)
	client, err := New(platform.config(), WithoutConnection())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	req := Request{
		Method:     http.MethodGet,
		Path:       "/open-apis/contact/v3/users/ou_1",
		Credential: KindTenant,
		Subject:    "t1",
	}
	out, response, err := SendJSON[userEnvelope](context.Background(), client, req)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if out.User.UserID != "ou_1" || out.User.Name != "Ada" {
		t.Fatalf("unexpected user %+v", out)
	}
	if response.StatusCode != http.StatusOK || response.Attempts != 1 {
		t.Fatalf("unexpected response %+v", response)
	}

	if _, err := client.Send(context.Background(), req); err != nil {
		t.Fatalf("second send: %v", err)
	}
	if platform.appMints.Load() != 1 || platform.tenantMints.Load() != 1 {
		t.Fatalf("expected one mint per kind, got app=%d tenant=%d", platform.appMints.Load(), platform.tenantMints.Load())
	}
	for _, header := range platform.seenAuthHeaders() {
		if header != "Bearer t-t1-1" {
			t.Fatalf("unexpected authorization header %q", header)
		}
	}
}

func TestNew_CredentialAccessors(t *testing.T) {
	platform := newFakePlatform(t)
	client, err := New(platform.config(), WithoutConnection())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	app, err := client.AppCredential(context.Background())
	if err != nil {
		t.Fatalf("app credential: %v", err)
	}
	if app.Key != AppKey("cli_app") || app.Value != "a-token-1" {
		t.Fatalf("unexpected app credential %+v", app)
	}
	tenant, err := client.TenantCredential(context.Background(), "t9")
	if err != nil {
		t.Fatalf("tenant credential: %v", err)
	}
	if tenant.Value != "t-t9-1" {
		t.Fatalf("unexpected tenant credential %+v", tenant)
	}

	if _, err := client.Credential(context.Background(), UserKey("cli_app", "ou_1")); err == nil {
		t.Fatalf("expected user credential without a registered refresher to fail")
	}
	user := CredentialRefresherFunc(func(_ context.Context, key CredentialKey) (Credential, error) {
		return Credential{Key: key, Value: "u-token", ExpiresAt: time.Now().Add(time.Hour)}, nil
	})
	if err := client.RegisterRefresher(KindUser, user); err != nil {
		t.Fatalf("register user refresher: %v", err)
	}
	credential, err := client.Credential(context.Background(), UserKey("cli_app", "ou_1"))
	if err != nil {
		t.Fatalf("user credential: %v", err)
	}
	if credential.Value != "u-token" {
		t.Fatalf("unexpected user credential %+v", credential)
	}

	if !client.Invalidate(context.Background(), AppKey("cli_app")) {
		t.Fatalf("expected invalidate to schedule a refresh")
	}
}

func TestNew_Validation(t *testing.T) {
	cfg := DefaultConfig()
	if _, err := New(cfg); err == nil {
		t.Fatalf("expected missing app identity to fail")
	}
	cfg.App = AppConfig{AppID: "cli_app", AppSecret: "secret", BaseURL: "https://open.example.com"}
	cfg.Connection.RequestTimeout = 0
	if _, err := New(cfg); err == nil {
		t.Fatalf("expected invalid connection config to fail")
	}

	hooks := NewExtensionHooks()
	if err := hooks.RegisterRefresher(KindApp, CredentialRefresherFunc(func(context.Context, CredentialKey) (Credential, error) {
		return Credential{}, nil
	})); err != nil {
		t.Fatalf("register refresher: %v", err)
	}
	cfg = DefaultConfig()
	cfg.App = AppConfig{AppID: "cli_app", AppSecret: "secret", BaseURL: "https://open.example.com"}
	if _, err := New(cfg, WithExtensionHooks(hooks)); err == nil {
		t.Fatalf("expected a second app refresher to conflict")
	}
}

func TestNew_WithoutConnection(t *testing.T) {
	platform := newFakePlatform(t)
	client, err := New(platform.config(), WithoutConnection())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	if client.Connection() != nil {
		t.Fatalf("expected no connection")
	}
	if err := client.On("im.message.receive_v1", frame.HandlerFunc(func(context.Context, frame.Event) error { return nil })); !errors.Is(err, ErrConnectionDisabled) {
		t.Fatalf("expected ErrConnectionDisabled from On, got %v", err)
	}
	if _, err := Call[map[string]string](context.Background(), client, "x", nil); !errors.Is(err, ErrConnectionDisabled) {
		t.Fatalf("expected ErrConnectionDisabled from Call, got %v", err)
	}
	if client.State() != connection.StateClosed {
		t.Fatalf("expected closed state, got %s", client.State())
	}
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("start without connection: %v", err)
	}
}

func TestNew_ConfigProviderLayersUnderRuntime(t *testing.T) {
	platform := newFakePlatform(t)
	provider := stubConfigProvider{mutate: func(cfg *Config) {
		cfg.ServiceName = "loaded"
		cfg.Connection.RequestTimeout = 7 * time.Second
		cfg.App.AppID = "cli_loaded"
	}}
	runtime := Config{App: AppConfig{AppID: "cli_app", AppSecret: "secret", BaseURL: platform.server.URL}}

	client, err := New(runtime, WithConfigProvider(provider), WithoutConnection())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	cfg := client.Config()
	if cfg.ServiceName != "loaded" || cfg.Connection.RequestTimeout != 7*time.Second {
		t.Fatalf("expected loaded values, got %+v", cfg)
	}
	if cfg.App.AppID != "cli_app" {
		t.Fatalf("expected runtime app id to win, got %q", cfg.App.AppID)
	}
	if cfg.Credentials.SafetyMargin != core.DefaultSafetyMargin {
		t.Fatalf("expected default safety margin, got %s", cfg.Credentials.SafetyMargin)
	}
}

func TestClient_SessionLifecycle(t *testing.T) {
	platform := newFakePlatform(t)
	payload, _ := json.Marshal(map[string]any{
		"header": map[string]string{"event_type": "im.message.receive_v1"},
		"event":  map[string]string{"text": "hello"},
	})
	platform.pushEvent = &frame.Frame{Kind: frame.KindData, Payload: payload}

	type message struct {
		Event struct {
			Text string `json:"text"`
		} `json:"event"`
	}
	received := make(chan string, 1)
	hooks := NewExtensionHooks()
	if err := hooks.RegisterHandlerPack(HandlerPack{
		Name: "im",
		Handlers: map[string]frame.Handler{
			"im.message.receive_v1": Typed(func(_ context.Context, event Event, payload message) error {
				received <- payload.Event.Text + "@" + event.SessionID
				return nil
			}),
		},
	}); err != nil {
		t.Fatalf("register handler pack: %v", err)
	}

	client, err := New(platform.config(), WithExtensionHooks(hooks), WithSweeper())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	changes := make(chan StateChange, 16)
	stop := client.OnStateChange(func(change StateChange) {
		select {
		case changes <- change:
		default:
		}
	})
	defer stop()

	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.WaitConnected(ctx); err != nil {
		t.Fatalf("wait connected: %v (state=%s)", err, client.State())
	}

	select {
	case got := <-received:
		if got != "hello@session-1" {
			t.Fatalf("unexpected event %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("event was not delivered")
	}

	type echo struct {
		Echo string `json:"echo"`
	}
	out, err := Call[echo](context.Background(), client, "contact.user.get", map[string]string{"user_id": "ou_1"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if out.Echo != "contact.user.get" {
		t.Fatalf("unexpected echo %+v", out)
	}
	if err := client.Emit(context.Background(), "client.status", map[string]string{"status": "ok"}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if snapshot := client.Snapshot(); snapshot.SessionID != "session-1" {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}

	if err := client.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if client.State() != connection.StateClosed {
		t.Fatalf("expected closed after shutdown, got %s", client.State())
	}
	if _, err := client.AppCredential(context.Background()); !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("expected ErrManagerClosed after shutdown, got %v", err)
	}
	if len(changes) == 0 {
		t.Fatalf("expected state change notifications")
	}
}

func TestClient_BindCommands(t *testing.T) {
	platform := newFakePlatform(t)
	client, err := New(platform.config())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	bindings, err := client.BindCommands(gocommand.NewAdapter(command.NewRegistry()))
	if err != nil {
		t.Fatalf("bind commands: %v", err)
	}
	t.Cleanup(bindings.Unsubscribe)
	if bindings.Len() != 5 {
		t.Fatalf("expected 5 subscriptions, got %d", bindings.Len())
	}

	collector := command.NewResult[appcommand.CredentialResult]()
	ctx := command.ContextWithResult(context.Background(), collector)
	if err := gocommand.Dispatch(ctx, appcommand.RefreshCredentialMessage{Key: AppKey("cli_app")}); err != nil {
		t.Fatalf("dispatch refresh: %v", err)
	}
	result, ok := collector.Load()
	if !ok || result.Fingerprint == "" || result.Fingerprint == "a-token-1" {
		t.Fatalf("expected a redacted refresh result, got %+v", result)
	}

	status, err := gocommand.Query[appquery.ConnectionStatusMessage, appquery.ConnectionStatus](
		context.Background(), appquery.ConnectionStatusMessage{},
	)
	if err != nil {
		t.Fatalf("query status: %v", err)
	}
	if status.State != "disconnected" {
		t.Fatalf("expected disconnected before start, got %+v", status)
	}
}

type stubConfigProvider struct {
	mutate func(cfg *Config)
}

func (p stubConfigProvider) Load(_ context.Context, defaults Config) (Config, error) {
	cfg := defaults
	if p.mutate != nil {
		p.mutate(&cfg)
	}
	return cfg, nil
}
