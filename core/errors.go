package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-appclient/retry"
)

const (
	ErrorBadInput              = "APPCLIENT_BAD_INPUT"
	ErrorNotFound              = "APPCLIENT_NOT_FOUND"
	ErrorConflict              = "APPCLIENT_CONFLICT"
	ErrorCredentialUnavailable = "APPCLIENT_CREDENTIAL_UNAVAILABLE"
	ErrorCredentialRejected    = "APPCLIENT_CREDENTIAL_REJECTED"
	ErrorRateLimited           = "APPCLIENT_RATE_LIMITED"
	ErrorTimeout               = "APPCLIENT_TIMEOUT"
	ErrorCancelled             = "APPCLIENT_CANCELLED"
	ErrorConnectionFatal       = "APPCLIENT_CONNECTION_FATAL"
	ErrorExternalFailure       = "APPCLIENT_EXTERNAL_FAILURE"
	ErrorInternal              = "APPCLIENT_INTERNAL_ERROR"
)

var (
	ErrCredentialNotFound    = errors.New("core: credential not found")
	ErrCredentialUnavailable = errors.New("core: credential unavailable")
	ErrCredentialRejected    = errors.New("core: credential rejected")
	ErrManagerClosed         = errors.New("core: credential manager closed")
)

// ServiceErrorConvertible is implemented by typed errors that render their
// own go-errors envelope.
type ServiceErrorConvertible interface {
	ToServiceError() *goerrors.Error
}

// CredentialUnavailableError is returned by the manager when a refresh gave
// up. The next caller for the same key starts a new refresh.
type CredentialUnavailableError struct {
	Key      CredentialKey
	Attempts int
	Class    retry.Classification
	Cause    error
}

func (e *CredentialUnavailableError) Error() string {
	if e == nil {
		return ErrCredentialUnavailable.Error()
	}
	msg := fmt.Sprintf(
		"core: credential %s unavailable after %d attempt(s) (%s)",
		e.Key.String(),
		e.Attempts,
		e.Class,
	)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *CredentialUnavailableError) Unwrap() []error {
	if e == nil {
		return nil
	}
	if e.Cause == nil {
		return []error{ErrCredentialUnavailable}
	}
	return []error{ErrCredentialUnavailable, e.Cause}
}

func (e *CredentialUnavailableError) Classification() retry.Classification {
	if e == nil || e.Class == 0 {
		return retry.Transient
	}
	return e.Class
}

func (e *CredentialUnavailableError) ToServiceError() *goerrors.Error {
	if e == nil {
		return nil
	}
	category := goerrors.CategoryExternal
	status := http.StatusServiceUnavailable
	if e.Class == retry.Permanent {
		category = goerrors.CategoryAuth
		status = http.StatusUnauthorized
	}
	return goerrors.New(e.Error(), category).
		WithCode(status).
		WithTextCode(ErrorCredentialUnavailable).
		WithMetadata(map[string]any{
			"key":            e.Key.String(),
			"attempts":       e.Attempts,
			"classification": e.Class.String(),
		})
}

// CredentialRejectedError reports that a downstream call refused a bearer
// credential. It is transient: the caller invalidates and tries again with a
// freshly minted credential.
type CredentialRejectedError struct {
	Key        CredentialKey
	StatusCode int
	Code       int
	Message    string
}

func (e *CredentialRejectedError) Error() string {
	if e == nil {
		return ErrCredentialRejected.Error()
	}
	parts := []string{fmt.Sprintf("core: credential %s rejected", e.Key.String())}
	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if e.Code != 0 {
		parts = append(parts, fmt.Sprintf("code=%d", e.Code))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	return strings.Join(parts, " ")
}

func (e *CredentialRejectedError) Unwrap() error { return ErrCredentialRejected }

func (e *CredentialRejectedError) Classification() retry.Classification { return retry.Transient }

func (e *CredentialRejectedError) ToServiceError() *goerrors.Error {
	if e == nil {
		return nil
	}
	return goerrors.New(e.Error(), goerrors.CategoryAuth).
		WithCode(http.StatusUnauthorized).
		WithTextCode(ErrorCredentialRejected).
		WithMetadata(map[string]any{
			"key":         e.Key.String(),
			"status_code": e.StatusCode,
			"code":        e.Code,
		})
}

// MapError renders err as a go-errors envelope with an appclient text code.
func MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var convertible ServiceErrorConvertible
	if errors.As(err, &convertible) {
		if mapped := convertible.ToServiceError(); mapped != nil {
			return ensureErrorEnvelope(mapped)
		}
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureErrorEnvelope(richErr)
	}

	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		return ensureErrorEnvelope(
			goerrors.New(err.Error(), goerrors.CategoryExternal).
				WithTextCode(ErrorExternalFailure).
				WithMetadata(map[string]any{
					"attempts":       exhausted.Attempts,
					"classification": exhausted.Classification.String(),
				}),
		)
	}

	switch {
	case errors.Is(err, ErrCredentialNotFound):
		return newError(err.Error(), goerrors.CategoryNotFound, ErrorNotFound)
	case errors.Is(err, ErrManagerClosed), errors.Is(err, context.Canceled):
		return newError(err.Error(), goerrors.CategoryOperation, ErrorCancelled)
	case errors.Is(err, context.DeadlineExceeded):
		return newError(err.Error(), goerrors.CategoryOperation, ErrorTimeout)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "throttl"), strings.Contains(msg, "rate limit"):
		return newError(err.Error(), goerrors.CategoryRateLimit, ErrorRateLimited)
	case strings.Contains(msg, "already registered"), strings.Contains(msg, "conflict"):
		return newError(err.Error(), goerrors.CategoryConflict, ErrorConflict)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"), strings.Contains(msg, "unsupported"):
		return newError(err.Error(), goerrors.CategoryBadInput, ErrorBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureErrorEnvelope(mapped)
}

func newError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureErrorEnvelope(goerrors.New(message, category).WithTextCode(textCode))
}

func ensureErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = httpStatusForCategory(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorBadInput
	case goerrors.CategoryNotFound:
		return ErrorNotFound
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return ErrorCredentialRejected
	case goerrors.CategoryConflict:
		return ErrorConflict
	case goerrors.CategoryRateLimit:
		return ErrorRateLimited
	case goerrors.CategoryExternal:
		return ErrorExternalFailure
	default:
		return ErrorInternal
	}
}

func httpStatusForCategory(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
