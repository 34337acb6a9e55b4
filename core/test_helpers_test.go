package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

type stubLogger struct{}

func (stubLogger) Trace(string, ...any) {}
func (stubLogger) Debug(string, ...any) {}
func (stubLogger) Info(string, ...any)  {}
func (stubLogger) Warn(string, ...any)  {}
func (stubLogger) Error(string, ...any) {}
func (stubLogger) Fatal(string, ...any) {}
func (s stubLogger) WithContext(context.Context) Logger {
	return s
}

type stubLoggerProvider struct {
	logger Logger
}

func (s stubLoggerProvider) GetLogger(string) Logger {
	return s.logger
}

type recordingLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *recordingLogger) record(level string, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, level+":"+msg)
}

func (l *recordingLogger) Trace(msg string, _ ...any) { l.record("trace", msg) }
func (l *recordingLogger) Debug(msg string, _ ...any) { l.record("debug", msg) }
func (l *recordingLogger) Info(msg string, _ ...any)  { l.record("info", msg) }
func (l *recordingLogger) Warn(msg string, _ ...any)  { l.record("warn", msg) }
func (l *recordingLogger) Error(msg string, _ ...any) { l.record("error", msg) }
func (l *recordingLogger) Fatal(msg string, _ ...any) { l.record("fatal", msg) }
func (l *recordingLogger) WithContext(context.Context) Logger {
	return l
}

func (l *recordingLogger) has(entry string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, message := range l.messages {
		if message == entry {
			return true
		}
	}
	return false
}

type recordingMetrics struct {
	mu       sync.Mutex
	counters map[string]int64
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{counters: map[string]int64{}}
}

func (r *recordingMetrics) IncCounter(_ context.Context, name string, value int64, _ map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name] += value
}

func (r *recordingMetrics) ObserveHistogram(context.Context, string, float64, map[string]string) {}

func (r *recordingMetrics) counter(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[name]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(offset time.Duration, base time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = base.Add(offset)
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// gatedRefresher mints sequential credentials. When gate is set every call
// blocks until the gate is closed.
type gatedRefresher struct {
	calls    atomic.Int32
	lifetime time.Duration
	clock    *fakeClock
	gate     chan struct{}
	started  chan struct{}
	fail     func(call int) error
}

func newGatedRefresher(clock *fakeClock, lifetime time.Duration) *gatedRefresher {
	return &gatedRefresher{lifetime: lifetime, clock: clock, started: make(chan struct{}, 64)}
}

func (r *gatedRefresher) Refresh(ctx context.Context, key CredentialKey) (Credential, error) {
	call := int(r.calls.Add(1))
	select {
	case r.started <- struct{}{}:
	default:
	}
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return Credential{}, ctx.Err()
		}
	}
	if r.fail != nil {
		if err := r.fail(call); err != nil {
			return Credential{}, err
		}
	}
	issued := r.clock.Now()
	return Credential{
		Key:       key,
		Value:     fmt.Sprintf("token-%d", call),
		IssuedAt:  issued,
		ExpiresAt: issued.Add(r.lifetime),
	}, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Credentials.SafetyMargin = time.Second
	cfg.Credentials.ProactiveWindow = 2 * time.Second
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.MaxDelay = 5 * time.Millisecond
	cfg.Retry.Jitter = 0
	cfg.Retry.MaxAttempts = 2
	return cfg
}

func waitStarted(ch <-chan struct{}, timeout time.Duration) bool {
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}
