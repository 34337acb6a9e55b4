package auth

import (
	"context"
	"fmt"
	"sync"

	"github.com/goliatone/go-appclient/core"
	"github.com/goliatone/go-appclient/retry"
)

// KindRouter dispatches refreshes to a refresher per credential kind.
// User level credentials come from caller supplied exchanges.
type KindRouter struct {
	mu         sync.RWMutex
	refreshers map[core.CredentialKind]core.CredentialRefresher
}

func NewKindRouter() *KindRouter {
	return &KindRouter{refreshers: map[core.CredentialKind]core.CredentialRefresher{}}
}

func (r *KindRouter) RegisterKind(kind core.CredentialKind, refresher core.CredentialRefresher) error {
	if r == nil {
		return fmt.Errorf("auth: kind router is nil")
	}
	if !kind.Valid() {
		return fmt.Errorf("auth: unsupported credential kind %q", kind)
	}
	if refresher == nil {
		return fmt.Errorf("auth: refresher is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.refreshers[kind]; exists {
		return fmt.Errorf("auth: refresher for kind %q already registered", kind)
	}
	r.refreshers[kind] = refresher
	return nil
}

func (r *KindRouter) Refresh(ctx context.Context, key core.CredentialKey) (core.Credential, error) {
	if r == nil {
		return core.Credential{}, retry.MarkPermanent(fmt.Errorf("auth: kind router is nil"))
	}
	r.mu.RLock()
	refresher := r.refreshers[key.Kind]
	r.mu.RUnlock()
	if refresher == nil {
		return core.Credential{}, retry.MarkPermanent(fmt.Errorf("auth: no refresher registered for kind %q", key.Kind))
	}
	return refresher.Refresh(ctx, key)
}

var _ core.CredentialRefresher = (*KindRouter)(nil)
