package auth

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-appclient/core"
	"github.com/goliatone/go-appclient/retry"
)

var ErrMintFailed = errors.New("auth: credential mint failed")

// TransientMintCodes are envelope codes the token endpoint returns for
// overload and throttling. Every other non-zero code is permanent.
var TransientMintCodes = []int{99991400, 99991401, 1000004, 1000005}

// MintError describes a failed exchange with the token endpoint.
type MintError struct {
	Key        core.CredentialKey
	StatusCode int
	Code       int
	Message    string
	Cause      error
}

func (e *MintError) Error() string {
	parts := []string{fmt.Sprintf("auth: mint %s failed", e.Key.String())}
	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if e.Code != 0 {
		parts = append(parts, fmt.Sprintf("code=%d", e.Code))
	}
	if message := strings.TrimSpace(e.Message); message != "" {
		parts = append(parts, message)
	}
	if e.Cause != nil && !errors.Is(e.Cause, ErrMintFailed) {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, ": ")
}

func (e *MintError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrMintFailed}
	}
	return []error{ErrMintFailed, e.Cause}
}

func (e *MintError) Classification() retry.Classification {
	if e.StatusCode >= http.StatusMultipleChoices {
		return retry.StatusClassification(e.StatusCode)
	}
	if e.Code != 0 {
		if slices.Contains(TransientMintCodes, e.Code) {
			return retry.Transient
		}
		return retry.Permanent
	}
	if e.Cause != nil && !errors.Is(e.Cause, ErrMintFailed) {
		return retry.Classify(e.Cause)
	}
	return retry.Permanent
}

func (e *MintError) ToServiceError() *goerrors.Error {
	category := goerrors.CategoryExternal
	textCode := core.ErrorExternalFailure
	status := http.StatusBadGateway
	if e.Classification() == retry.Permanent {
		category = goerrors.CategoryAuth
		textCode = core.ErrorCredentialUnavailable
		status = http.StatusUnauthorized
	}
	metadata := map[string]any{
		"key":            e.Key.String(),
		"classification": e.Classification().String(),
	}
	if e.StatusCode > 0 {
		metadata["status"] = e.StatusCode
	}
	if e.Code != 0 {
		metadata["code"] = e.Code
	}
	return goerrors.New(e.Error(), category).
		WithCode(status).
		WithTextCode(textCode).
		WithMetadata(metadata)
}

var _ retry.Classified = (*MintError)(nil)
