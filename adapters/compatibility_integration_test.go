package adapters_test

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-command"
	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-appclient/adapters/gocommand"
	"github.com/goliatone/go-appclient/adapters/gojob"
	"github.com/goliatone/go-appclient/adapters/gologger"
	appcommand "github.com/goliatone/go-appclient/command"
	"github.com/goliatone/go-appclient/core"
	appquery "github.com/goliatone/go-appclient/query"
)

func TestRuntimeCompatibility_ProactiveRefreshThroughGoJob(t *testing.T) {
	ctx := context.Background()
	logger := compatLogger{}
	provider := &compatProvider{logger: logger}

	if named := gologger.Named("jobs", provider, nil); named == nil {
		t.Fatalf("expected named logger from provider")
	}

	refresher := &compatRefresher{now: compatNow}
	manager := newCompatManager(t, refresher)

	if _, err := manager.Get(ctx, core.AppKey("cli_a")); err != nil {
		t.Fatalf("initial get: %v", err)
	}

	enqueuer := &compatEnqueuer{}
	scheduler, err := gojob.NewRefreshScheduler(manager, enqueuer,
		gojob.WithLogger(gologger.Named("jobs", provider, nil)))
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	scheduled, err := scheduler.ScheduleDue(ctx)
	if err != nil {
		t.Fatalf("schedule due: %v", err)
	}
	if scheduled != 1 || enqueuer.last == nil {
		t.Fatalf("expected one refresh job, got %d", scheduled)
	}

	worker, err := gojob.NewRefreshWorker(manager)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	delivery := &compatDelivery{msg: enqueuer.last}
	if err := worker.Process(ctx, delivery, 1); err != nil {
		t.Fatalf("process refresh job: %v", err)
	}
	if !delivery.acked {
		t.Fatalf("expected refresh job ack, nack=%+v", delivery.nack)
	}
	if refresher.calls() != 2 {
		t.Fatalf("expected a second mint from the worker, got %d", refresher.calls())
	}
}

func TestRuntimeCompatibility_CommandsThroughGoCommandAndQueueRegistry(t *testing.T) {
	ctx := context.Background()
	refresher := &compatRefresher{now: compatNow}
	manager := newCompatManager(t, refresher)

	queueRegistry := jobqueuecommand.NewRegistry()
	adapter := gocommand.NewAdapter(command.NewRegistry())
	if err := adapter.MirrorToQueue(queueRegistry); err != nil {
		t.Fatalf("mirror to queue: %v", err)
	}
	bindings, err := adapter.Bind(gocommand.Services{Credentials: manager})
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	t.Cleanup(bindings.Unsubscribe)
	if err := adapter.Initialize(); err != nil {
		t.Fatalf("initialize registry: %v", err)
	}
	if _, ok := queueRegistry.Get(appcommand.TypeRefreshCredential); !ok {
		t.Fatalf("expected refresh command mirrored into the go-job queue registry")
	}

	credential, err := gocommand.Query[appquery.GetCredentialMessage, core.Credential](
		ctx, appquery.GetCredentialMessage{Key: core.TenantKey("cli_a", "t1")},
	)
	if err != nil {
		t.Fatalf("query credential: %v", err)
	}
	if credential.Key != core.TenantKey("cli_a", "t1") {
		t.Fatalf("unexpected credential key %+v", credential.Key)
	}

	if err := gocommand.Dispatch(ctx, appcommand.InvalidateCredentialMessage{
		Key:   credential.Key,
		Value: credential.Value,
	}); err != nil {
		t.Fatalf("dispatch invalidate: %v", err)
	}
	if _, err := manager.Get(ctx, credential.Key); err != nil {
		t.Fatalf("get after invalidate: %v", err)
	}
	if refresher.calls() != 2 {
		t.Fatalf("expected invalidation to force a second mint, got %d", refresher.calls())
	}
}

var compatNow = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }

func newCompatManager(t *testing.T, refresher core.CredentialRefresher) *core.CredentialManager {
	t.Helper()
	manager, err := core.NewCredentialManager(core.DefaultConfig(), refresher,
		core.WithClock(compatNow),
		core.WithLogger(compatLogger{}),
	)
	if err != nil {
		t.Fatalf("new credential manager: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

type compatRefresher struct {
	mu    sync.Mutex
	now   func() time.Time
	count int
}

func (r *compatRefresher) Refresh(_ context.Context, key core.CredentialKey) (core.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
	now := r.now()
	return core.Credential{
		Key:       key,
		Value:     "token-" + key.String() + "-" + strconv.Itoa(r.count),
		TokenType: "Bearer",
		IssuedAt:  now,
		ExpiresAt: now.Add(8 * time.Minute),
	}, nil
}

func (r *compatRefresher) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

type compatEnqueuer struct {
	last *job.ExecutionMessage
}

func (e *compatEnqueuer) Enqueue(_ context.Context, msg *job.ExecutionMessage) (queue.EnqueueReceipt, error) {
	e.last = msg
	return queue.EnqueueReceipt{DispatchID: msg.IdempotencyKey, EnqueuedAt: compatNow()}, nil
}

type compatDelivery struct {
	msg   *job.ExecutionMessage
	acked bool
	nack  queue.NackOptions
}

func (d *compatDelivery) Message() *job.ExecutionMessage { return d.msg }

func (d *compatDelivery) Ack(context.Context) error {
	d.acked = true
	return nil
}

func (d *compatDelivery) Nack(_ context.Context, opts queue.NackOptions) error {
	d.nack = opts
	return nil
}

type compatProvider struct {
	logger glog.Logger
}

func (p *compatProvider) GetLogger(string) glog.Logger {
	if p == nil || p.logger == nil {
		return glog.Nop()
	}
	return p.logger
}

type compatLogger struct{}

func (compatLogger) Trace(string, ...any)                    {}
func (compatLogger) Debug(string, ...any)                    {}
func (compatLogger) Info(string, ...any)                     {}
func (compatLogger) Warn(string, ...any)                     {}
func (compatLogger) Error(string, ...any)                    {}
func (compatLogger) Fatal(string, ...any)                    {}
func (compatLogger) WithContext(context.Context) glog.Logger { return compatLogger{} }
