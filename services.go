package appclient

import (
	"context"

	"github.com/goliatone/go-appclient/connection"
	"github.com/goliatone/go-appclient/core"
	"github.com/goliatone/go-appclient/frame"
	"github.com/goliatone/go-appclient/transport"
)

type Config = core.Config

type AppConfig = core.AppConfig
type CredentialsConfig = core.CredentialsConfig
type RetryConfig = core.RetryConfig
type ConnectionConfig = core.ConnectionConfig
type TransportConfig = core.TransportConfig

type CredentialKind = core.CredentialKind
type CredentialKey = core.CredentialKey
type Credential = core.Credential
type CredentialStore = core.CredentialStore
type CredentialRefresher = core.CredentialRefresher
type CredentialRefresherFunc = core.CredentialRefresherFunc
type CredentialManager = core.CredentialManager

type Logger = core.Logger
type LoggerProvider = core.LoggerProvider
type MetricsRecorder = core.MetricsRecorder
type ConfigProvider = core.ConfigProvider
type OptionsResolver = core.OptionsResolver

type Request = transport.Request
type Response = transport.Response

type Event = frame.Event
type Handler = frame.Handler
type HandlerFunc = frame.HandlerFunc

type State = connection.State
type Snapshot = connection.Snapshot
type StateChange = connection.StateChange

const (
	KindApp    = core.CredentialKindApp
	KindTenant = core.CredentialKindTenant
	KindUser   = core.CredentialKindUser
)

var (
	AppKey    = core.AppKey
	TenantKey = core.TenantKey
	UserKey   = core.UserKey
)

var (
	ErrCredentialUnavailable = core.ErrCredentialUnavailable
	ErrCredentialNotFound    = core.ErrCredentialNotFound
	ErrManagerClosed         = core.ErrManagerClosed
	ErrNotConnected          = connection.ErrNotConnected
	ErrClosing               = connection.ErrClosing
	ErrFatal                 = connection.ErrFatal
	ErrTimeout               = frame.ErrTimeout
	ErrCancelled             = frame.ErrCancelled
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

// Typed decodes the event payload into T before calling fn.
func Typed[T any](fn func(ctx context.Context, event Event, payload T) error) Handler {
	return frame.Typed(fn)
}
