package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

// Classifier maps an error to a Classification.
type Classifier func(err error) Classification

// Classified is implemented by errors that know their own classification.
type Classified interface {
	Classification() Classification
}

// RetryAfterHinter is implemented by errors carrying a server supplied wait,
// typically a rate limit response.
type RetryAfterHinter interface {
	RetryAfterHint() time.Duration
}

// Mark attaches a fixed classification to err.
func Mark(err error, class Classification) error {
	if err == nil {
		return nil
	}
	return &markedError{err: err, class: class}
}

func MarkTransient(err error) error { return Mark(err, Transient) }

func MarkPermanent(err error) error { return Mark(err, Permanent) }

type markedError struct {
	err   error
	class Classification
}

func (e *markedError) Error() string                  { return e.err.Error() }
func (e *markedError) Unwrap() error                  { return e.err }
func (e *markedError) Classification() Classification { return e.class }

// Classify is the default Classifier. Unknown failures are treated as
// transient so that flaky networks recover without caller involvement.
func Classify(err error) Classification {
	if err == nil {
		return Transient
	}
	if errors.Is(err, context.Canceled) {
		return Permanent
	}

	var classified Classified
	if errors.As(err, &classified) {
		if class := classified.Classification(); class == Transient || class == Permanent {
			return class
		}
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		if class, ok := classifyRichError(richErr); ok {
			return class
		}
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return Transient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	if strings.Contains(msg, "invalid_grant") ||
		strings.Contains(msg, "invalid app_secret") ||
		strings.Contains(msg, "invalid app_id") {
		return Permanent
	}
	return Transient
}

// StatusClassification classifies an HTTP status code.
func StatusClassification(status int) Classification {
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests:
		return Transient
	case status >= 500:
		return Transient
	case status >= 400:
		return Permanent
	default:
		return Transient
	}
}

// HintFrom extracts a retry-after hint from err, or zero.
func HintFrom(err error) time.Duration {
	var hinter RetryAfterHinter
	if errors.As(err, &hinter) {
		if hint := hinter.RetryAfterHint(); hint > 0 {
			return hint
		}
	}
	return 0
}

func classifyRichError(richErr *goerrors.Error) (Classification, bool) {
	if richErr == nil {
		return 0, false
	}
	switch richErr.Category {
	case goerrors.CategoryBadInput,
		goerrors.CategoryValidation,
		goerrors.CategoryAuth,
		goerrors.CategoryAuthz,
		goerrors.CategoryNotFound,
		goerrors.CategoryConflict:
		return Permanent, true
	case goerrors.CategoryRateLimit, goerrors.CategoryExternal:
		return Transient, true
	}
	if richErr.Code >= 400 {
		return StatusClassification(richErr.Code), true
	}
	return 0, false
}
