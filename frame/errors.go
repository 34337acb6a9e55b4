package frame

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-appclient/core"
	"github.com/goliatone/go-appclient/retry"
)

var (
	ErrTimeout              = errors.New("frame: request timed out")
	ErrCancelled            = errors.New("frame: request cancelled")
	ErrUnknownCorrelation   = errors.New("frame: unknown correlation id")
	ErrDuplicateCorrelation = errors.New("frame: correlation id already pending")
	ErrHandlerExists        = errors.New("frame: handler already registered")
	ErrDispatcherClosed     = errors.New("frame: dispatcher closed")
)

// TimeoutError is returned to the caller whose response never arrived.
// It does not affect the connection.
type TimeoutError struct {
	CorrelationID string
	Type          string
	After         time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("frame: request %s (%s) timed out after %s", e.CorrelationID, e.Type, e.After)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

func (e *TimeoutError) Classification() retry.Classification { return retry.Transient }

func (e *TimeoutError) ToServiceError() *goerrors.Error {
	return goerrors.New(e.Error(), goerrors.CategoryOperation).
		WithCode(http.StatusGatewayTimeout).
		WithTextCode(core.ErrorTimeout).
		WithMetadata(map[string]any{
			"correlation_id": e.CorrelationID,
			"type":           e.Type,
			"timeout_ms":     e.After.Milliseconds(),
		})
}

// CancelledError is returned for requests dropped by shutdown or by the
// caller.
type CancelledError struct {
	CorrelationID string
	Type          string
	Cause         error
}

func (e *CancelledError) Error() string {
	msg := fmt.Sprintf("frame: request %s (%s) cancelled", e.CorrelationID, e.Type)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *CancelledError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrCancelled}
	}
	return []error{ErrCancelled, e.Cause}
}

func (e *CancelledError) Classification() retry.Classification { return retry.Permanent }

func (e *CancelledError) ToServiceError() *goerrors.Error {
	return goerrors.New(e.Error(), goerrors.CategoryOperation).
		WithCode(499).
		WithTextCode(core.ErrorCancelled).
		WithMetadata(map[string]any{
			"correlation_id": e.CorrelationID,
			"type":           e.Type,
		})
}

// RemoteError is a correlated response that carried a non-zero code.
type RemoteError struct {
	CorrelationID string
	Type          string
	Code          int
	Reason        string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("frame: request %s (%s) failed with code %d: %s",
		e.CorrelationID, e.Type, e.Code, strings.TrimSpace(e.Reason))
}

func (e *RemoteError) Classification() retry.Classification {
	if e.Code >= 500 && e.Code < 600 || e.Code == http.StatusTooManyRequests {
		return retry.Transient
	}
	return retry.Permanent
}

func (e *RemoteError) ToServiceError() *goerrors.Error {
	category := goerrors.CategoryBadInput
	textCode := core.ErrorBadInput
	status := http.StatusBadRequest
	if e.Classification() == retry.Transient {
		category = goerrors.CategoryExternal
		textCode = core.ErrorExternalFailure
		status = http.StatusBadGateway
	}
	return goerrors.New(e.Error(), category).
		WithCode(status).
		WithTextCode(textCode).
		WithMetadata(map[string]any{
			"correlation_id": e.CorrelationID,
			"type":           e.Type,
			"code":           e.Code,
		})
}
