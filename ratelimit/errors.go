package ratelimit

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-appclient/core"
	"github.com/goliatone/go-appclient/retry"
)

var ErrThrottled = errors.New("ratelimit: throttled")

// ThrottledError reports an active throttle window. It classifies as
// transient and hints the retry loop to wait at least RetryAfter.
type ThrottledError struct {
	Key        Key
	RetryAfter time.Duration
	Status     int
}

func (e *ThrottledError) Error() string {
	key := e.Key.Normalize()
	return fmt.Sprintf("ratelimit: app %q bucket %q throttled for %s", key.AppID, key.Bucket, e.RetryAfter)
}

func (e *ThrottledError) Unwrap() error { return ErrThrottled }

func (e *ThrottledError) Classification() retry.Classification { return retry.Transient }

func (e *ThrottledError) RetryAfterHint() time.Duration { return e.RetryAfter }

func (e *ThrottledError) ToServiceError() *goerrors.Error {
	key := e.Key.Normalize()
	metadata := map[string]any{
		"app_id": key.AppID,
		"bucket": key.Bucket,
	}
	if e.RetryAfter > 0 {
		metadata["retry_after_ms"] = e.RetryAfter.Milliseconds()
	}
	if e.Status > 0 {
		metadata["status"] = e.Status
	}
	return goerrors.New(e.Error(), goerrors.CategoryRateLimit).
		WithCode(http.StatusTooManyRequests).
		WithTextCode(core.ErrorRateLimited).
		WithMetadata(metadata)
}

var (
	_ retry.Classified       = (*ThrottledError)(nil)
	_ retry.RetryAfterHinter = (*ThrottledError)(nil)
)
