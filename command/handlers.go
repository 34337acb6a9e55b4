package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"

	"github.com/goliatone/go-appclient/core"
)

// CredentialService is the slice of core.CredentialManager the credential
// commands drive.
type CredentialService interface {
	RefreshNow(ctx context.Context, key core.CredentialKey) (core.Credential, error)
	Invalidate(ctx context.Context, key core.CredentialKey) bool
	InvalidateValue(ctx context.Context, key core.CredentialKey, value string) bool
}

type ConnectionService interface {
	Shutdown(ctx context.Context) error
}

type RefreshCredentialCommand struct {
	service CredentialService
}

func NewRefreshCredentialCommand(service CredentialService) *RefreshCredentialCommand {
	return &RefreshCredentialCommand{service: service}
}

// Execute mints a new credential regardless of the cached one and stores a
// CredentialResult in the context result collector.
func (c *RefreshCredentialCommand) Execute(ctx context.Context, msg RefreshCredentialMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: credential service is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	credential, err := c.service.RefreshNow(ctx, msg.Key.Normalize())
	if err != nil {
		return err
	}
	storeResult(ctx, newCredentialResult(credential))
	return nil
}

type InvalidateCredentialCommand struct {
	service CredentialService
}

func NewInvalidateCredentialCommand(service CredentialService) *InvalidateCredentialCommand {
	return &InvalidateCredentialCommand{service: service}
}

// Execute stores whether an invalidation (and therefore a refresh) started.
func (c *InvalidateCredentialCommand) Execute(ctx context.Context, msg InvalidateCredentialMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: credential service is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	key := msg.Key.Normalize()
	var started bool
	if msg.Value != "" {
		started = c.service.InvalidateValue(ctx, key, msg.Value)
	} else {
		started = c.service.Invalidate(ctx, key)
	}
	storeResult(ctx, started)
	return nil
}

type ShutdownConnectionCommand struct {
	service ConnectionService
}

func NewShutdownConnectionCommand(service ConnectionService) *ShutdownConnectionCommand {
	return &ShutdownConnectionCommand{service: service}
}

func (c *ShutdownConnectionCommand) Execute(ctx context.Context, msg ShutdownConnectionMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: connection service is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, msg.Timeout)
		defer cancel()
	}
	return c.service.Shutdown(ctx)
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}

var (
	_ gocmd.Commander[RefreshCredentialMessage]    = (*RefreshCredentialCommand)(nil)
	_ gocmd.Commander[InvalidateCredentialMessage] = (*InvalidateCredentialCommand)(nil)
	_ gocmd.Commander[ShutdownConnectionMessage]   = (*ShutdownConnectionCommand)(nil)
	_ CredentialService                            = (*core.CredentialManager)(nil)
)
