package transport

import (
	"fmt"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-appclient/core"
	"github.com/goliatone/go-appclient/retry"
)

// APIError is a platform response that carried a failing status or a
// non-zero envelope code.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Code       int
	Msg        string
	RequestID  string
}

func (e *APIError) Error() string {
	parts := []string{fmt.Sprintf("transport: %s %s failed", e.Method, e.Path)}
	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if e.Code != 0 {
		parts = append(parts, fmt.Sprintf("code=%d", e.Code))
	}
	if msg := strings.TrimSpace(e.Msg); msg != "" {
		parts = append(parts, msg)
	}
	return strings.Join(parts, " ")
}

// Classification follows the HTTP status; envelope errors on a 2xx
// response are business failures and are not retried.
func (e *APIError) Classification() retry.Classification {
	if e.StatusCode >= http.StatusBadRequest {
		return retry.StatusClassification(e.StatusCode)
	}
	return retry.Permanent
}

func (e *APIError) ToServiceError() *goerrors.Error {
	category := goerrors.CategoryBadInput
	status := http.StatusBadRequest
	switch {
	case e.StatusCode == http.StatusNotFound:
		category = goerrors.CategoryNotFound
		status = http.StatusNotFound
	case e.StatusCode == http.StatusForbidden:
		category = goerrors.CategoryAuthz
		status = http.StatusForbidden
	case e.Classification() == retry.Transient:
		category = goerrors.CategoryExternal
		status = http.StatusBadGateway
	}
	metadata := map[string]any{
		"method":         e.Method,
		"path":           e.Path,
		"classification": e.Classification().String(),
	}
	if e.StatusCode > 0 {
		metadata["status_code"] = e.StatusCode
	}
	if e.Code != 0 {
		metadata["code"] = e.Code
	}
	if e.RequestID != "" {
		metadata["request_id"] = e.RequestID
	}
	return goerrors.New(e.Error(), category).
		WithCode(status).
		WithTextCode(transportTextCode(category)).
		WithMetadata(metadata)
}

func transportError(
	message string,
	category goerrors.Category,
	code int,
	metadata map[string]any,
) error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(transportTextCode(category))
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func transportWrapError(
	source error,
	category goerrors.Category,
	message string,
	code int,
	metadata map[string]any,
) error {
	if source == nil {
		return transportError(message, category, code, metadata)
	}
	err := goerrors.Wrap(source, category, message).
		WithCode(code).
		WithTextCode(transportTextCode(category))
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func transportTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return core.ErrorBadInput
	case goerrors.CategoryNotFound:
		return core.ErrorNotFound
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return core.ErrorCredentialRejected
	case goerrors.CategoryRateLimit:
		return core.ErrorRateLimited
	case goerrors.CategoryExternal:
		return core.ErrorExternalFailure
	default:
		return core.ErrorInternal
	}
}

var _ retry.Classified = (*APIError)(nil)
