package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrExhausted = errors.New("retry: attempts exhausted")

// ExhaustedError is returned when Do stops retrying. Attempts counts every
// call made, including the first.
type ExhaustedError struct {
	Attempts       int
	Classification Classification
	Cause          error
}

func (e *ExhaustedError) Error() string {
	if e == nil {
		return ErrExhausted.Error()
	}
	if e.Cause == nil {
		return fmt.Sprintf("retry: gave up after %d attempt(s) (%s)", e.Attempts, e.Classification)
	}
	return fmt.Sprintf("retry: gave up after %d attempt(s) (%s): %v", e.Attempts, e.Classification, e.Cause)
}

func (e *ExhaustedError) Unwrap() []error {
	if e == nil {
		return nil
	}
	if e.Cause == nil {
		return []error{ErrExhausted}
	}
	return []error{ErrExhausted, e.Cause}
}

// Observer is notified after each failed attempt with the decision taken.
type Observer func(attempt int, err error, decision Decision)

// Do calls fn until it succeeds or the policy gives up. fn receives the
// 0-based attempt number. The returned count is the number of calls made.
func Do(
	ctx context.Context,
	policy Policy,
	classify Classifier,
	fn func(ctx context.Context, attempt int) error,
	observers ...Observer,
) (int, error) {
	if fn == nil {
		return 0, fmt.Errorf("retry: operation is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if classify == nil {
		classify = Classify
	}

	for attempt := 0; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return attempt + 1, nil
		}
		class := classify(err)
		decision := policy.DecideWithHint(attempt, class, HintFrom(err))
		for _, observer := range observers {
			if observer != nil {
				observer(attempt, err, decision)
			}
		}
		if !decision.Retry {
			return attempt + 1, &ExhaustedError{Attempts: attempt + 1, Classification: class, Cause: err}
		}
		if waitErr := Wait(ctx, decision.After); waitErr != nil {
			return attempt + 1, &ExhaustedError{
				Attempts:       attempt + 1,
				Classification: class,
				Cause:          errors.Join(waitErr, err),
			}
		}
	}
}

// Wait blocks for delay or until ctx is done.
func Wait(ctx context.Context, delay time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
