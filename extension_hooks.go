package appclient

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-appclient/auth"
	"github.com/goliatone/go-appclient/core"
	"github.com/goliatone/go-appclient/frame"
)

// HandlerPack is a named set of event handlers keyed by event type, as
// shipped by a downstream resource package.
type HandlerPack struct {
	Name     string
	Handlers map[string]frame.Handler
}

// HandlerRegistrar accepts event handlers. connection.Client and Client
// implement it.
type HandlerRegistrar interface {
	On(eventType string, handler frame.Handler) error
}

// ExtensionHooks collects handler packs and per-kind refreshers before a
// Client is built.
type ExtensionHooks struct {
	mu sync.RWMutex

	handlerPacks map[string]HandlerPack
	refreshers   map[core.CredentialKind]core.CredentialRefresher
}

func NewExtensionHooks() *ExtensionHooks {
	return &ExtensionHooks{
		handlerPacks: map[string]HandlerPack{},
		refreshers:   map[core.CredentialKind]core.CredentialRefresher{},
	}
}

func (h *ExtensionHooks) RegisterHandlerPack(pack HandlerPack) error {
	if h == nil {
		return fmt.Errorf("appclient: extension hooks are nil")
	}
	name := strings.TrimSpace(pack.Name)
	if name == "" {
		return fmt.Errorf("appclient: handler pack name is required")
	}
	if len(pack.Handlers) == 0 {
		return fmt.Errorf("appclient: handler pack %q has no handlers", name)
	}

	normalized := HandlerPack{Name: name, Handlers: make(map[string]frame.Handler, len(pack.Handlers))}
	for eventType, handler := range pack.Handlers {
		eventType = strings.TrimSpace(eventType)
		if eventType == "" {
			return fmt.Errorf("appclient: handler pack %q has an empty event type", name)
		}
		if handler == nil {
			return fmt.Errorf("appclient: handler pack %q has a nil handler for %q", name, eventType)
		}
		normalized.Handlers[eventType] = handler
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.handlerPacks[name]; exists {
		return fmt.Errorf("appclient: handler pack %q already registered", name)
	}
	h.handlerPacks[name] = normalized
	return nil
}

// RegisterRefresher supplies the refresher for a credential kind. The app
// and tenant kinds are minted by the client itself, so this is mostly used
// for user level credentials.
func (h *ExtensionHooks) RegisterRefresher(kind core.CredentialKind, refresher core.CredentialRefresher) error {
	if h == nil {
		return fmt.Errorf("appclient: extension hooks are nil")
	}
	if !kind.Valid() {
		return fmt.Errorf("appclient: unsupported credential kind %q", kind)
	}
	if refresher == nil {
		return fmt.Errorf("appclient: refresher for kind %q is required", kind)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.refreshers[kind]; exists {
		return fmt.Errorf("appclient: refresher for kind %q already registered", kind)
	}
	h.refreshers[kind] = refresher
	return nil
}

// ApplyHandlerPacks registers every pack in name order, event types sorted
// within a pack. The first registration error stops the walk.
func (h *ExtensionHooks) ApplyHandlerPacks(registrar HandlerRegistrar) error {
	if h == nil {
		return nil
	}
	if registrar == nil {
		return fmt.Errorf("appclient: handler registrar is required")
	}
	for _, pack := range h.HandlerPacks() {
		eventTypes := make([]string, 0, len(pack.Handlers))
		for eventType := range pack.Handlers {
			eventTypes = append(eventTypes, eventType)
		}
		sort.Strings(eventTypes)
		for _, eventType := range eventTypes {
			if err := registrar.On(eventType, pack.Handlers[eventType]); err != nil {
				return fmt.Errorf("appclient: handler pack %q: %w", pack.Name, err)
			}
		}
	}
	return nil
}

func (h *ExtensionHooks) ApplyRefreshers(router *auth.KindRouter) error {
	if h == nil {
		return nil
	}
	if router == nil {
		return fmt.Errorf("appclient: kind router is required")
	}
	h.mu.RLock()
	kinds := make([]core.CredentialKind, 0, len(h.refreshers))
	for kind := range h.refreshers {
		kinds = append(kinds, kind)
	}
	refreshers := make(map[core.CredentialKind]core.CredentialRefresher, len(h.refreshers))
	for kind, refresher := range h.refreshers {
		refreshers[kind] = refresher
	}
	h.mu.RUnlock()

	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	for _, kind := range kinds {
		if err := router.RegisterKind(kind, refreshers[kind]); err != nil {
			return err
		}
	}
	return nil
}

func (h *ExtensionHooks) HandlerPacks() []HandlerPack {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.handlerPacks))
	for name := range h.handlerPacks {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]HandlerPack, 0, len(names))
	for _, name := range names {
		pack := h.handlerPacks[name]
		handlers := make(map[string]frame.Handler, len(pack.Handlers))
		for eventType, handler := range pack.Handlers {
			handlers[eventType] = handler
		}
		out = append(out, HandlerPack{Name: pack.Name, Handlers: handlers})
	}
	return out
}

func (h *ExtensionHooks) RefresherKinds() []core.CredentialKind {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	kinds := make([]core.CredentialKind, 0, len(h.refreshers))
	for kind := range h.refreshers {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
