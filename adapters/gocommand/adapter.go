package gocommand

import (
	"context"
	"fmt"
	"reflect"

	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"

	appcommand "github.com/goliatone/go-appclient/command"
	"github.com/goliatone/go-appclient/core"
	appquery "github.com/goliatone/go-appclient/query"
)

// QueueResolverKey names the registry resolver that mirrors appclient
// commands into a go-job queue registry.
const QueueResolverKey = "appclient.queue"

// Services are the appclient collaborators behind the command and query
// handlers. A nil Credentials or Connection skips the handlers that need it.
type Services struct {
	Credentials interface {
		appcommand.CredentialService
		appquery.CredentialReader
	}
	Connection interface {
		appcommand.ConnectionService
		appquery.ConnectionReader
	}
}

// Adapter registers appclient commands and queries on a go-command
// registry and subscribes them on the package dispatcher.
type Adapter struct {
	registry *command.Registry
}

func NewAdapter(registry *command.Registry) *Adapter {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &Adapter{registry: registry}
}

func (a *Adapter) Registry() *command.Registry {
	if a == nil {
		return nil
	}
	return a.registry
}

// MirrorToQueue makes the bound commands available to go-job workers
// through queueRegistry once the registry is initialized. Queries are not
// queueable and are skipped.
func (a *Adapter) MirrorToQueue(queueRegistry *jobqueuecommand.Registry) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	if queueRegistry == nil {
		return fmt.Errorf("gocommand: queue registry is required")
	}
	if a.registry.HasResolver(QueueResolverKey) {
		return fmt.Errorf("gocommand: queue resolver already registered")
	}
	mirror := jobqueuecommand.QueueResolver(queueRegistry)
	return a.registry.AddResolver(QueueResolverKey, func(cmd any, meta command.CommandMeta, registry *command.Registry) error {
		if !reflect.ValueOf(cmd).MethodByName("Execute").IsValid() {
			return nil
		}
		return mirror(cmd, meta, registry)
	})
}

func (a *Adapter) Initialize() error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.Initialize()
}

// Bind registers the credential and connection handlers and subscribes
// them. On error every handler subscribed so far is removed again.
func (a *Adapter) Bind(services Services, runnerOpts ...runner.Option) (*Bindings, error) {
	if a == nil || a.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	if services.Credentials == nil && services.Connection == nil {
		return nil, fmt.Errorf("gocommand: at least one service is required")
	}

	bindings := &Bindings{}
	if err := a.bindAll(services, bindings, runnerOpts); err != nil {
		bindings.Unsubscribe()
		return nil, err
	}
	return bindings, nil
}

func (a *Adapter) bindAll(services Services, bindings *Bindings, runnerOpts []runner.Option) error {
	if services.Credentials != nil {
		if err := bindings.add(subscribeCommand[appcommand.RefreshCredentialMessage](a, appcommand.NewRefreshCredentialCommand(services.Credentials), runnerOpts)); err != nil {
			return err
		}
		if err := bindings.add(subscribeCommand[appcommand.InvalidateCredentialMessage](a, appcommand.NewInvalidateCredentialCommand(services.Credentials), runnerOpts)); err != nil {
			return err
		}
		if err := bindings.add(subscribeQuery[appquery.GetCredentialMessage, core.Credential](
			a, appquery.NewGetCredentialQuery(services.Credentials), runnerOpts,
		)); err != nil {
			return err
		}
	}
	if services.Connection != nil {
		if err := bindings.add(subscribeCommand[appcommand.ShutdownConnectionMessage](a, appcommand.NewShutdownConnectionCommand(services.Connection), runnerOpts)); err != nil {
			return err
		}
		if err := bindings.add(subscribeQuery[appquery.ConnectionStatusMessage, appquery.ConnectionStatus](
			a, appquery.NewConnectionStatusQuery(services.Connection), runnerOpts,
		)); err != nil {
			return err
		}
	}
	return nil
}

// Bindings holds the dispatcher subscriptions created by Bind.
type Bindings struct {
	subscriptions []commanddispatcher.Subscription
}

func (b *Bindings) Len() int {
	if b == nil {
		return 0
	}
	return len(b.subscriptions)
}

// Unsubscribe removes every handler Bind subscribed.
func (b *Bindings) Unsubscribe() {
	if b == nil {
		return
	}
	for _, subscription := range b.subscriptions {
		if subscription != nil {
			subscription.Unsubscribe()
		}
	}
	b.subscriptions = nil
}

func (b *Bindings) add(subscription commanddispatcher.Subscription, err error) error {
	if err != nil {
		return err
	}
	b.subscriptions = append(b.subscriptions, subscription)
	return nil
}

// Dispatch sends an appclient command through the go-command dispatcher.
func Dispatch[T any](ctx context.Context, msg T) error {
	return commanddispatcher.Dispatch(ctx, msg)
}

// Query runs an appclient query through the go-command dispatcher.
func Query[T any, R any](ctx context.Context, msg T) (R, error) {
	return commanddispatcher.Query[T, R](ctx, msg)
}

func subscribeCommand[T any](a *Adapter, cmd command.Commander[T], runnerOpts []runner.Option) (commanddispatcher.Subscription, error) {
	subscription := commanddispatcher.SubscribeCommand(cmd, runnerOpts...)
	if err := a.registry.RegisterCommand(cmd); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, fmt.Errorf("gocommand: register command: %w", err)
	}
	return subscription, nil
}

func subscribeQuery[T any, R any](a *Adapter, qry command.Querier[T, R], runnerOpts []runner.Option) (commanddispatcher.Subscription, error) {
	subscription := commanddispatcher.SubscribeQuery(qry, runnerOpts...)
	if err := a.registry.RegisterCommand(qry); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, fmt.Errorf("gocommand: register query: %w", err)
	}
	return subscription, nil
}
