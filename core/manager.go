package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/goliatone/go-appclient/retry"
)

type refreshMode int

const (
	// refreshOnDemand re-checks the cache inside the flight and only calls
	// the refresher when the cached entry is still unusable.
	refreshOnDemand refreshMode = iota
	// refreshSingleAttempt is refreshOnDemand without retries.
	refreshSingleAttempt
	// refreshInvalidated drops the cached entry before minting a new one.
	refreshInvalidated
	// refreshProactive mints a new credential while keeping the cached one.
	refreshProactive
)

// refreshTicket marks an in-flight refresh for one key. While blocking is
// false, callers holding a usable cached credential do not wait on it.
type refreshTicket struct {
	startedAt time.Time
	blocking  bool
	mode      refreshMode
}

// CredentialManager hands out currently valid credentials and guarantees at
// most one in-flight refresh per key regardless of concurrent demand.
type CredentialManager struct {
	store     CredentialStore
	refresher CredentialRefresher
	policy    retry.Policy
	classify  retry.Classifier
	now       Clock
	observer  *Observer

	safetyMargin    time.Duration
	proactiveWindow time.Duration
	sweepInterval   time.Duration

	group   singleflight.Group
	mu      sync.Mutex
	tickets map[string]*refreshTicket
	tracked map[string]CredentialKey

	ctx       context.Context
	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
}

func NewCredentialManager(cfg Config, refresher CredentialRefresher, opts ...Option) (*CredentialManager, error) {
	if refresher == nil {
		return nil, fmt.Errorf("core: credential refresher is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	builder := defaultManagerBuilder()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	logger := ResolveLogger("appclient.credentials", builder.loggerProvider, builder.logger)
	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.store == nil {
		builder.store = NewMemoryCredentialStore()
	}
	if builder.clock == nil {
		builder.clock = func() time.Time { return time.Now().UTC() }
	}
	if builder.classifier == nil {
		builder.classifier = retry.Classify
	}
	policy := cfg.Retry.Policy()
	if builder.policy != nil {
		policy = *builder.policy
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &CredentialManager{
		store:           builder.store,
		refresher:       refresher,
		policy:          policy,
		classify:        builder.classifier,
		now:             builder.clock,
		observer:        NewObserver(cfg.ServiceName, logger, builder.metricsRecorder),
		safetyMargin:    cfg.Credentials.SafetyMargin,
		proactiveWindow: cfg.Credentials.ProactiveWindow,
		sweepInterval:   cfg.Credentials.SweepInterval,
		tickets:         map[string]*refreshTicket{},
		tracked:         map[string]CredentialKey{},
		ctx:             ctx,
		cancel:          cancel,
		closed:          make(chan struct{}),
	}, nil
}

// Get returns a cached credential when now < expires_at - safety margin,
// otherwise it attaches to or starts the refresh for key.
func (m *CredentialManager) Get(ctx context.Context, key CredentialKey) (Credential, error) {
	return m.get(ctx, key, refreshOnDemand)
}

// GetOnce behaves like Get but a refresh it starts makes a single attempt.
// Callers that drive their own backoff timeline use it so that credential
// and connection retries do not compound.
func (m *CredentialManager) GetOnce(ctx context.Context, key CredentialKey) (Credential, error) {
	return m.get(ctx, key, refreshSingleAttempt)
}

func (m *CredentialManager) get(ctx context.Context, key CredentialKey, mode refreshMode) (Credential, error) {
	if m == nil {
		return Credential{}, fmt.Errorf("core: credential manager is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return Credential{}, err
	}
	if m.isClosed() {
		return Credential{}, ErrManagerClosed
	}
	m.track(key)

	if !m.blockingTicket(key) {
		if cached, ok := m.cached(ctx, key); ok {
			m.observer.Counter(ctx, MetricCacheHitTotal, 1, map[string]string{"kind": string(key.Kind)})
			return cached, nil
		}
	}
	return m.await(ctx, key, mode)
}

// Invalidate treats the cached credential for key as expired and starts one
// refresh. It is a no-op returning false while a refresh is in flight.
func (m *CredentialManager) Invalidate(ctx context.Context, key CredentialKey) bool {
	return m.invalidate(ctx, key, nil)
}

// InvalidateValue invalidates key only while the cached value still equals
// value. A caller holding an already replaced credential does not trigger a
// second refresh.
func (m *CredentialManager) InvalidateValue(ctx context.Context, key CredentialKey, value string) bool {
	return m.invalidate(ctx, key, &value)
}

// invalidate compares the cached value and registers the refresh ticket
// under one lock, so a refresh finishing in between cannot be dropped.
func (m *CredentialManager) invalidate(ctx context.Context, key CredentialKey, value *string) bool {
	if m == nil || m.isClosed() {
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}
	key = key.Normalize()
	if key.Validate() != nil {
		return false
	}
	id := key.String()

	m.mu.Lock()
	if ticket, ok := m.tickets[id]; ok {
		ticket.blocking = true
		m.mu.Unlock()
		m.observer.Debug(ctx, "credential invalidation joined in-flight refresh", map[string]any{"key": id})
		return false
	}
	if value != nil {
		if cached, err := m.store.Get(ctx, key); err == nil && cached.Value != *value {
			m.mu.Unlock()
			m.observer.Debug(ctx, "credential invalidation ignored for replaced value", map[string]any{"key": id})
			return false
		}
	}
	ticket := &refreshTicket{startedAt: m.now(), blocking: true, mode: refreshInvalidated}
	m.tickets[id] = ticket
	ch := m.group.DoChan(id, m.flight(key, refreshInvalidated))
	m.mu.Unlock()

	m.track(key)
	m.observer.Counter(ctx, MetricInvalidateTotal, 1, map[string]string{"kind": string(key.Kind)})
	m.observer.Info(ctx, "credential invalidated", map[string]any{"key": id})
	go m.releaseWhenDone(id, ticket, ch)
	return true
}

// RefreshNow mints a new credential for key without dropping the cached
// one, joining any refresh already in flight.
func (m *CredentialManager) RefreshNow(ctx context.Context, key CredentialKey) (Credential, error) {
	if m == nil {
		return Credential{}, fmt.Errorf("core: credential manager is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return Credential{}, err
	}
	if m.isClosed() {
		return Credential{}, ErrManagerClosed
	}
	m.track(key)
	return m.await(ctx, key, refreshProactive)
}

// ProactiveRefresh refreshes key when its cached credential is about to
// enter the safety margin. Failures are logged and the cached credential is
// kept. It reports whether a new credential was stored.
func (m *CredentialManager) ProactiveRefresh(ctx context.Context, key CredentialKey) bool {
	if m == nil || m.isClosed() {
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}
	key = key.Normalize()
	cached, err := m.store.Get(ctx, key)
	if err != nil {
		return false
	}
	if !cached.DueForRefresh(m.now(), m.safetyMargin, m.proactiveWindow) {
		return false
	}
	refreshed, err := m.RefreshNow(ctx, key)
	if err != nil {
		m.observer.Warn(ctx, "proactive credential refresh failed", map[string]any{
			"key":        key.String(),
			"expires_at": cached.ExpiresAt,
			"error":      err.Error(),
		})
		return false
	}
	return refreshed.Value != cached.Value || refreshed.ExpiresAt.After(cached.ExpiresAt)
}

// DueForRefresh lists cached credentials of tracked keys that are inside
// the proactive window.
func (m *CredentialManager) DueForRefresh(ctx context.Context) []Credential {
	if m == nil {
		return nil
	}
	now := m.now()
	due := []Credential{}
	for _, key := range m.Tracked() {
		cached, err := m.store.Get(ctx, key)
		if err != nil {
			continue
		}
		if cached.DueForRefresh(now, m.safetyMargin, m.proactiveWindow) {
			due = append(due, cached)
		}
	}
	return due
}

// Sweep evicts expired credentials from the store and proactively refreshes
// tracked keys that are due.
func (m *CredentialManager) Sweep(ctx context.Context) (evicted int, refreshed int) {
	if m == nil || m.isClosed() {
		return 0, 0
	}
	evicted, err := m.store.Sweep(ctx, m.now())
	if err != nil {
		m.observer.Warn(ctx, "credential sweep failed", map[string]any{"error": err.Error()})
	} else if evicted > 0 {
		m.observer.Counter(ctx, MetricSweepEvictedTotal, int64(evicted), nil)
	}
	for _, credential := range m.DueForRefresh(ctx) {
		if m.ProactiveRefresh(ctx, credential.Key) {
			refreshed++
		}
	}
	return evicted, refreshed
}

// RunSweeper calls Sweep every sweep interval until ctx is done or the
// manager is closed.
func (m *CredentialManager) RunSweeper(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("core: credential manager is nil")
	}
	if m.sweepInterval <= 0 {
		return fmt.Errorf("core: credentials.sweep_interval must be positive to run the sweeper")
	}
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.closed:
			return ErrManagerClosed
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Tracked returns every key requested through the manager, sorted.
func (m *CredentialManager) Tracked() []CredentialKey {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	keys := make([]CredentialKey, 0, len(m.tracked))
	for _, key := range m.tracked {
		keys = append(keys, key)
	}
	m.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// InFlight reports whether a refresh is running for key.
func (m *CredentialManager) InFlight(key CredentialKey) bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tickets[key.Normalize().String()]
	return ok
}

// Close tears the manager down. Every waiter fails with ErrManagerClosed.
func (m *CredentialManager) Close() error {
	if m == nil {
		return nil
	}
	m.closeOnce.Do(func() {
		m.cancel()
		close(m.closed)
	})
	return nil
}

func (m *CredentialManager) Store() CredentialStore {
	if m == nil {
		return nil
	}
	return m.store
}

func (m *CredentialManager) await(ctx context.Context, key CredentialKey, mode refreshMode) (Credential, error) {
	credential, joinedSingle, err := m.awaitFlight(ctx, key, mode)
	if err == nil || !joinedSingle || ctx.Err() != nil || m.isClosed() {
		return credential, err
	}
	if m.classify(err) != retry.Transient {
		return credential, err
	}
	// the joined flight made a single attempt; run one with this caller's budget
	m.observer.Debug(ctx, "single attempt refresh failed, retrying with full budget", map[string]any{
		"key":  key.String(),
		"mode": mode.String(),
	})
	credential, _, err = m.awaitFlight(ctx, key, mode)
	return credential, err
}

// awaitFlight starts or joins the refresh flight for key. joinedSingle
// reports that a caller wanting the full retry budget joined a flight that
// was started with a single attempt.
func (m *CredentialManager) awaitFlight(ctx context.Context, key CredentialKey, mode refreshMode) (Credential, bool, error) {
	id := key.String()

	m.mu.Lock()
	ticket, ok := m.tickets[id]
	if !ok {
		ticket = &refreshTicket{startedAt: m.now(), blocking: mode != refreshProactive, mode: mode}
		m.tickets[id] = ticket
	} else if mode != refreshProactive {
		ticket.blocking = true
	}
	joinedSingle := ok && ticket.mode == refreshSingleAttempt && mode != refreshSingleAttempt
	ch := m.group.DoChan(id, m.flight(key, mode))
	m.mu.Unlock()

	select {
	case res := <-ch:
		m.release(id, ticket)
		if res.Err != nil {
			if m.isClosed() && errors.Is(res.Err, context.Canceled) {
				return Credential{}, false, ErrManagerClosed
			}
			return Credential{}, joinedSingle, res.Err
		}
		credential, _ := res.Val.(Credential)
		if credential.Expired(m.now()) {
			return Credential{}, false, &CredentialUnavailableError{
				Key:      key,
				Attempts: 1,
				Class:    retry.Transient,
				Cause:    fmt.Errorf("core: refreshed credential already expired"),
			}
		}
		return credential, false, nil
	case <-ctx.Done():
		go m.releaseWhenDone(id, ticket, ch)
		return Credential{}, false, ctx.Err()
	case <-m.closed:
		go m.releaseWhenDone(id, ticket, ch)
		return Credential{}, false, ErrManagerClosed
	}
}

func (m *CredentialManager) flight(key CredentialKey, mode refreshMode) func() (any, error) {
	return func() (any, error) {
		return m.refresh(key, mode)
	}
}

func (m *CredentialManager) refresh(key CredentialKey, mode refreshMode) (Credential, error) {
	ctx := m.ctx
	startedAt := time.Now()

	switch mode {
	case refreshInvalidated:
		if err := m.store.Delete(ctx, key); err != nil {
			m.observer.Warn(ctx, "credential cache delete failed", map[string]any{
				"key":   key.String(),
				"error": err.Error(),
			})
		}
	case refreshOnDemand, refreshSingleAttempt:
		if cached, ok := m.cached(ctx, key); ok {
			return cached, nil
		}
	}

	policy := m.policy
	if mode == refreshSingleAttempt {
		policy.MaxAttempts = 0
	}

	var credential Credential
	attempts, err := retry.Do(ctx, policy, m.classify, func(ctx context.Context, attempt int) error {
		minted, refreshErr := m.refresher.Refresh(ctx, key)
		if refreshErr != nil {
			return refreshErr
		}
		minted, refreshErr = m.acceptMinted(key, minted)
		if refreshErr != nil {
			return refreshErr
		}
		credential = minted
		return nil
	}, func(attempt int, err error, decision retry.Decision) {
		if !decision.Retry {
			return
		}
		m.observer.Warn(ctx, "credential refresh attempt failed", map[string]any{
			"key":         key.String(),
			"attempt":     attempt,
			"retry_after": decision.After.String(),
			"error":       err.Error(),
		})
	})

	fields := map[string]any{
		"key":      key.String(),
		"kind":     string(key.Kind),
		"attempts": attempts,
		"mode":     mode.String(),
	}
	if err != nil {
		unavailable := &CredentialUnavailableError{
			Key:      key,
			Attempts: attempts,
			Class:    retry.Transient,
			Cause:    err,
		}
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) {
			unavailable.Class = exhausted.Classification
			unavailable.Cause = exhausted.Cause
		}
		fields["classification"] = unavailable.Class.String()
		m.observer.Operation(ctx, startedAt, "credentials.refresh", unavailable, fields)
		return Credential{}, unavailable
	}

	if putErr := m.store.Put(ctx, credential); putErr != nil {
		m.observer.Error(ctx, "credential store put failed", map[string]any{
			"key":   key.String(),
			"error": putErr.Error(),
		})
	}
	fields["expires_at"] = credential.ExpiresAt
	m.observer.Operation(ctx, startedAt, "credentials.refresh", nil, fields)
	return credential, nil
}

func (m *CredentialManager) acceptMinted(key CredentialKey, minted Credential) (Credential, error) {
	minted.Key = key
	if minted.IssuedAt.IsZero() {
		minted.IssuedAt = m.now()
	}
	if strings.TrimSpace(minted.TokenType) == "" {
		minted.TokenType = "Bearer"
	}
	if err := minted.Validate(); err != nil {
		return Credential{}, retry.MarkPermanent(fmt.Errorf("core: refresher returned invalid credential: %w", err))
	}
	if minted.Expired(m.now()) {
		return Credential{}, retry.MarkPermanent(fmt.Errorf("core: refresher returned an expired credential"))
	}
	return minted, nil
}

func (m *CredentialManager) cached(ctx context.Context, key CredentialKey) (Credential, bool) {
	cached, err := m.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrCredentialNotFound) {
			m.observer.Warn(ctx, "credential store lookup failed", map[string]any{
				"key":   key.String(),
				"error": err.Error(),
			})
		}
		return Credential{}, false
	}
	if !cached.UsableAt(m.now(), m.safetyMargin) {
		return Credential{}, false
	}
	return cached, true
}

func (m *CredentialManager) blockingTicket(key CredentialKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ticket, ok := m.tickets[key.String()]
	return ok && ticket.blocking
}

func (m *CredentialManager) track(key CredentialKey) {
	m.mu.Lock()
	m.tracked[key.String()] = key
	m.mu.Unlock()
}

// release drops ticket if it is still the current one for id. Every waiter
// calls it so a ticket never outlives its flight.
func (m *CredentialManager) release(id string, ticket *refreshTicket) {
	m.mu.Lock()
	if current, ok := m.tickets[id]; ok && current == ticket {
		delete(m.tickets, id)
	}
	m.mu.Unlock()
}

func (m *CredentialManager) releaseWhenDone(id string, ticket *refreshTicket, ch <-chan singleflight.Result) {
	<-ch
	m.release(id, ticket)
}

func (m *CredentialManager) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

func (mode refreshMode) String() string {
	switch mode {
	case refreshSingleAttempt:
		return "single_attempt"
	case refreshInvalidated:
		return "invalidated"
	case refreshProactive:
		return "proactive"
	default:
		return "on_demand"
	}
}

var _ CredentialSource = (*CredentialManager)(nil)
