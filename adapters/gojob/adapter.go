package gojob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"

	"github.com/goliatone/go-appclient/core"
)

const (
	JobIDRefresh = "appclient.credential.refresh"

	ParamCredentialKey = "credential_key"
	ParamExpiresAt     = "expires_at"
)

// RetryPolicy defines queue retry bounds to avoid unbounded retry loops.
type RetryPolicy struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		BaseDelay:       time.Second,
		MaxDelay:        time.Minute,
		DeadLetterOnMax: true,
	}
}

// NormalizeAttempt enforces bounded retry behavior for a nack operation.
// Once attempt reaches MaxAttempts a retry becomes a dead letter, or a
// plain failure when DeadLetterOnMax is off.
func (p RetryPolicy) NormalizeAttempt(opts queue.NackOptions, attempt int) queue.NackOptions {
	out := opts
	out.Reason = strings.TrimSpace(out.Reason)
	if out.Disposition == "" {
		out.Disposition = queue.NackDispositionRetry
	}
	if out.Delay < 0 {
		out.Delay = 0
	}
	if p.MaxDelay > 0 && out.Delay > p.MaxDelay {
		out.Delay = p.MaxDelay
	}
	if out.Disposition == queue.NackDispositionRetry && p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		out.Disposition = queue.NackDispositionFailed
		if p.DeadLetterOnMax {
			out.Disposition = queue.NackDispositionDeadLetter
		}
	}
	if out.Disposition != queue.NackDispositionRetry {
		out.Delay = 0
	}
	return out
}

// Delay doubles BaseDelay per attempt, capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := p.BaseDelay
	if delay <= 0 {
		return 0
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return delay
}

// NewRefreshMessage builds the execution message for one due credential.
// The idempotency key pins the expiry being replaced, so the same credential
// is never queued twice.
func NewRefreshMessage(credential core.Credential) *job.ExecutionMessage {
	key := credential.Key.Normalize()
	expiresAt := credential.ExpiresAt.UTC().Format(time.RFC3339)
	return &job.ExecutionMessage{
		JobID:      JobIDRefresh,
		ScriptPath: JobIDRefresh,
		Parameters: map[string]any{
			ParamCredentialKey: key.String(),
			ParamExpiresAt:     expiresAt,
		},
		IdempotencyKey: IdempotencyKey(credential),
		DedupPolicy:    job.DedupPolicyDrop,
	}
}

func IdempotencyKey(credential core.Credential) string {
	return credential.Key.Normalize().String() + "@" + credential.ExpiresAt.UTC().Format(time.RFC3339)
}

// KeyFromMessage extracts the credential key from a refresh message.
func KeyFromMessage(msg *job.ExecutionMessage) (core.CredentialKey, error) {
	if msg == nil {
		return core.CredentialKey{}, fmt.Errorf("gojob: execution message is required")
	}
	if strings.TrimSpace(msg.JobID) != JobIDRefresh {
		return core.CredentialKey{}, fmt.Errorf("gojob: unexpected job id %q", msg.JobID)
	}
	raw, _ := msg.Parameters[ParamCredentialKey].(string)
	return core.ParseCredentialKey(raw)
}

// DueSource lists credentials inside the proactive window.
type DueSource interface {
	DueForRefresh(ctx context.Context) []core.Credential
}

type Refresher interface {
	DueSource
	RefreshNow(ctx context.Context, key core.CredentialKey) (core.Credential, error)
}

type Option func(*options)

type options struct {
	logger  core.Logger
	metrics core.MetricsRecorder
	policy  RetryPolicy
}

func WithLogger(logger core.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithMetricsRecorder(metrics core.MetricsRecorder) Option {
	return func(o *options) { o.metrics = metrics }
}

func WithRetryPolicy(policy RetryPolicy) Option {
	return func(o *options) { o.policy = policy }
}

func resolveOptions(opts []Option) options {
	out := options{policy: DefaultRetryPolicy()}
	for _, opt := range opts {
		if opt != nil {
			opt(&out)
		}
	}
	return out
}

// RefreshScheduler turns due credentials into queued refresh jobs.
type RefreshScheduler struct {
	source   DueSource
	enqueuer queue.Enqueuer
	observer *core.Observer
}

func NewRefreshScheduler(source DueSource, enqueuer queue.Enqueuer, opts ...Option) (*RefreshScheduler, error) {
	if source == nil {
		return nil, fmt.Errorf("gojob: due source is required")
	}
	if enqueuer == nil {
		return nil, fmt.Errorf("gojob: enqueuer is required")
	}
	resolved := resolveOptions(opts)
	return &RefreshScheduler{
		source:   source,
		enqueuer: enqueuer,
		observer: core.NewObserver("appclient.jobs", resolved.logger, resolved.metrics),
	}, nil
}

// ScheduleDue enqueues one refresh job per due credential and returns how
// many were enqueued. Enqueue failures are joined and returned after every
// credential has been tried.
func (s *RefreshScheduler) ScheduleDue(ctx context.Context) (int, error) {
	if s == nil || s.source == nil || s.enqueuer == nil {
		return 0, fmt.Errorf("gojob: refresh scheduler is not configured")
	}
	startedAt := time.Now()
	scheduled := 0
	var errs []error
	for _, credential := range s.source.DueForRefresh(ctx) {
		receipt, err := s.enqueuer.Enqueue(ctx, NewRefreshMessage(credential))
		if err != nil {
			errs = append(errs, fmt.Errorf("gojob: enqueue %s: %w", credential.Key, err))
			continue
		}
		scheduled++
		s.observer.Debug(ctx, "refresh job enqueued", map[string]any{
			"key":         credential.Key.String(),
			"dispatch_id": receipt.DispatchID,
		})
	}
	err := errors.Join(errs...)
	s.observer.Operation(ctx, startedAt, "refresh.schedule", err, map[string]any{"scheduled": scheduled})
	return scheduled, err
}

// RefreshWorker executes queued refresh jobs against a Refresher.
type RefreshWorker struct {
	refresher Refresher
	policy    RetryPolicy
	observer  *core.Observer
}

func NewRefreshWorker(refresher Refresher, opts ...Option) (*RefreshWorker, error) {
	if refresher == nil {
		return nil, fmt.Errorf("gojob: refresher is required")
	}
	resolved := resolveOptions(opts)
	return &RefreshWorker{
		refresher: refresher,
		policy:    resolved.policy,
		observer:  core.NewObserver("appclient.jobs", resolved.logger, resolved.metrics),
	}, nil
}

// Process handles one delivery. A key that is no longer due was refreshed
// elsewhere and is acked without minting. Refresh failures are nacked with
// backoff until the policy's attempt budget is spent. Attempt is 1-based.
func (w *RefreshWorker) Process(ctx context.Context, delivery queue.Delivery, attempt int) error {
	if w == nil || w.refresher == nil {
		return fmt.Errorf("gojob: refresh worker is not configured")
	}
	if delivery == nil {
		return fmt.Errorf("gojob: delivery is required")
	}
	startedAt := time.Now()
	key, err := KeyFromMessage(delivery.Message())
	if err != nil {
		w.observer.Warn(ctx, "dropping malformed refresh job", map[string]any{"error": err.Error()})
		return delivery.Nack(ctx, w.policy.NormalizeAttempt(queue.NackOptions{
			Disposition: queue.NackDispositionDeadLetter,
			Reason:      err.Error(),
		}, attempt))
	}

	if !w.due(ctx, key) {
		w.observer.Debug(ctx, "refresh job skipped, credential no longer due", map[string]any{"key": key.String()})
		return delivery.Ack(ctx)
	}

	_, err = w.refresher.RefreshNow(ctx, key)
	w.observer.Operation(ctx, startedAt, "refresh.job", err, map[string]any{
		"key":     key.String(),
		"kind":    string(key.Kind),
		"attempt": attempt,
	})
	if err == nil {
		return delivery.Ack(ctx)
	}
	return delivery.Nack(ctx, w.policy.NormalizeAttempt(queue.NackOptions{
		Disposition: queue.NackDispositionRetry,
		Delay:       w.policy.Delay(attempt),
		Reason:      err.Error(),
	}, attempt))
}

func (w *RefreshWorker) due(ctx context.Context, key core.CredentialKey) bool {
	for _, credential := range w.refresher.DueForRefresh(ctx) {
		if credential.Key.Normalize() == key {
			return true
		}
	}
	return false
}

// Hook reports go-job worker lifecycle events through the appclient
// observer.
type Hook struct {
	observer *core.Observer
}

func NewHook(opts ...Option) *Hook {
	resolved := resolveOptions(opts)
	return &Hook{observer: core.NewObserver("appclient.jobs", resolved.logger, resolved.metrics)}
}

func (h *Hook) OnStart(ctx context.Context, event worker.Event) {
	h.observer.Debug(ctx, "refresh job started", eventFields(event))
}

func (h *Hook) OnSuccess(ctx context.Context, event worker.Event) {
	h.observer.Counter(ctx, "worker.success.total", 1, map[string]string{"job_id": eventJobID(event)})
	h.observer.Histogram(ctx, "worker.duration_ms", float64(event.Duration.Milliseconds()), map[string]string{"job_id": eventJobID(event)})
}

func (h *Hook) OnFailure(ctx context.Context, event worker.Event) {
	h.observer.Counter(ctx, "worker.failure.total", 1, map[string]string{"job_id": eventJobID(event)})
	h.observer.Error(ctx, "refresh job failed", eventFields(event))
}

func (h *Hook) OnRetry(ctx context.Context, event worker.Event) {
	h.observer.Counter(ctx, "worker.retry.total", 1, map[string]string{"job_id": eventJobID(event)})
	h.observer.Warn(ctx, "refresh job retrying", eventFields(event))
}

func eventJobID(event worker.Event) string {
	if msg := eventMessage(event); msg != nil {
		return strings.TrimSpace(msg.JobID)
	}
	return ""
}

func eventMessage(event worker.Event) *job.ExecutionMessage {
	if event.Message != nil {
		return event.Message
	}
	if event.Delivery != nil {
		return event.Delivery.Message()
	}
	return nil
}

func eventFields(event worker.Event) map[string]any {
	fields := map[string]any{
		"attempt":     event.Attempt,
		"delay_ms":    event.Delay.Milliseconds(),
		"duration_ms": event.Duration.Milliseconds(),
	}
	if msg := eventMessage(event); msg != nil {
		fields["job_id"] = msg.JobID
		fields["idempotency_key"] = msg.IdempotencyKey
	}
	if event.Err != nil {
		fields["error"] = event.Err.Error()
	}
	return fields
}

var (
	_ worker.Hook = (*Hook)(nil)
	_ Refresher   = (*core.CredentialManager)(nil)
)
