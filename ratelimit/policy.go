package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"
)

// RateLimitedCodes are platform envelope codes that mean "too many
// requests" even when the HTTP status is 200 or 400.
var RateLimitedCodes = []int{99991400, 11232}

// ResponseMeta is the part of a response the policy inspects.
type ResponseMeta struct {
	StatusCode int
	Code       int
	Headers    http.Header
	RetryAfter time.Duration
}

// AdaptivePolicy tracks throttle windows per bucket from response headers
// and short-circuits calls made while a window is active.
type AdaptivePolicy struct {
	Store            StateStore
	Now              func() time.Time
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	DefaultRetryHint time.Duration
	LimitedCodes     []int
}

func NewAdaptivePolicy(store StateStore) *AdaptivePolicy {
	if store == nil {
		store = NewMemoryStateStore()
	}
	return &AdaptivePolicy{
		Store:            store,
		Now:              func() time.Time { return time.Now().UTC() },
		InitialBackoff:   time.Second,
		MaxBackoff:       time.Minute,
		DefaultRetryHint: 5 * time.Second,
		LimitedCodes:     slices.Clone(RateLimitedCodes),
	}
}

// BeforeCall returns a *ThrottledError while the bucket is throttled.
func (p *AdaptivePolicy) BeforeCall(ctx context.Context, key Key) error {
	if p == nil || p.Store == nil {
		return nil
	}
	key = key.Normalize()
	state, err := p.Store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrStateNotFound) {
			return nil
		}
		return err
	}

	now := p.now()
	if until := state.ThrottledUntil; until != nil && now.Before(*until) {
		return &ThrottledError{Key: key, RetryAfter: until.Sub(now), Status: state.LastStatus}
	}
	if state.Remaining == 0 && state.Limit > 0 && state.ResetAt != nil && now.Before(*state.ResetAt) {
		return &ThrottledError{Key: key, RetryAfter: state.ResetAt.Sub(now), Status: state.LastStatus}
	}
	return nil
}

// AfterCall records the response and returns a *ThrottledError when the
// response itself was throttled, nil otherwise.
func (p *AdaptivePolicy) AfterCall(ctx context.Context, key Key, res ResponseMeta) error {
	if p == nil || p.Store == nil {
		return nil
	}
	key = key.Normalize()
	now := p.now()
	state, err := p.Store.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrStateNotFound) {
		return err
	}
	if errors.Is(err, ErrStateNotFound) {
		state = State{Key: key}
	}
	state.LastStatus = res.StatusCode
	state.UpdatedAt = now

	limit, hasLimit := headerInt(res.Headers, "X-RateLimit-Limit", "X-Ogw-Ratelimit-Limit")
	if hasLimit {
		state.Limit = limit
	}
	remaining, hasRemaining := headerInt(res.Headers, "X-RateLimit-Remaining")
	if hasRemaining {
		state.Remaining = remaining
	}
	if resetAt, ok := headerResetAt(res.Headers, now); ok {
		state.ResetAt = &resetAt
	}

	retryAfter, hasRetryAfter := retryAfterFrom(res, now)
	if hasRetryAfter {
		state.RetryAfter = &retryAfter
	} else {
		state.RetryAfter = nil
	}

	throttled := res.StatusCode == http.StatusTooManyRequests ||
		slices.Contains(p.LimitedCodes, res.Code) ||
		(res.StatusCode < 500 && hasRemaining && remaining == 0 && (hasLimit || hasRetryAfter))
	if !throttled {
		state.Attempts = 0
		state.ThrottledUntil = nil
		return p.Store.Upsert(ctx, state)
	}

	state.Attempts++
	delay := retryAfter
	if !hasRetryAfter {
		delay = p.nextBackoff(state.Attempts)
	}
	until := now.Add(delay)
	state.ThrottledUntil = &until
	if err := p.Store.Upsert(ctx, state); err != nil {
		return err
	}
	return &ThrottledError{Key: key, RetryAfter: delay, Status: res.StatusCode}
}

func (p *AdaptivePolicy) now() time.Time {
	if p != nil && p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func (p *AdaptivePolicy) nextBackoff(attempt int) time.Duration {
	initial := p.InitialBackoff
	if initial <= 0 {
		initial = p.defaultRetryHint()
	}
	maximum := p.MaxBackoff
	if maximum <= 0 {
		maximum = time.Minute
	}
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maximum {
			return maximum
		}
	}
	return min(delay, maximum)
}

func (p *AdaptivePolicy) defaultRetryHint() time.Duration {
	if p != nil && p.DefaultRetryHint > 0 {
		return p.DefaultRetryHint
	}
	return 5 * time.Second
}

func retryAfterFrom(res ResponseMeta, now time.Time) (time.Duration, bool) {
	if res.RetryAfter > 0 {
		return res.RetryAfter, true
	}
	raw := strings.TrimSpace(res.Headers.Get("Retry-After"))
	if raw == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if retryAt, err := http.ParseTime(raw); err == nil && retryAt.After(now) {
		return retryAt.Sub(now), true
	}
	return 0, false
}

func headerInt(headers http.Header, names ...string) (int, bool) {
	for _, name := range names {
		value := strings.TrimSpace(headers.Get(name))
		if value == "" {
			continue
		}
		parsed, err := strconv.Atoi(value)
		if err != nil {
			continue
		}
		return parsed, true
	}
	return 0, false
}

// headerResetAt accepts a unix timestamp or a seconds-until-reset value.
func headerResetAt(headers http.Header, now time.Time) (time.Time, bool) {
	value := strings.TrimSpace(headers.Get("X-RateLimit-Reset"))
	if value == "" {
		return time.Time{}, false
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil || parsed <= 0 {
		return time.Time{}, false
	}
	if parsed < 1_000_000_000 {
		return now.Add(time.Duration(parsed) * time.Second), true
	}
	return time.Unix(parsed, 0).UTC(), true
}
