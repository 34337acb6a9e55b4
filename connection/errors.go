package connection

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-appclient/core"
	"github.com/goliatone/go-appclient/frame"
	"github.com/goliatone/go-appclient/retry"
)

var (
	ErrInvalidTransition = errors.New("connection: invalid state transition")
	ErrFatal             = errors.New("connection: fatal error")
	ErrNotConnected      = errors.New("connection: not connected")
	ErrClosing           = errors.New("connection: closing")
	ErrClosed            = errors.New("connection: closed")
	ErrAlreadyStarted    = errors.New("connection: already started")
	ErrHeartbeatMissed   = errors.New("connection: heartbeat pong missed")
	ErrConnectionLost    = errors.New("connection: connection lost")
)

type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("connection: invalid transition %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// HandshakeError is a failed dial or handshake acknowledgement.
type HandshakeError struct {
	StatusCode int
	Code       int
	Reason     string
	// Rejected marks a credential the server refused.
	Rejected bool
	Class    retry.Classification
	Cause    error
}

func (e *HandshakeError) Error() string {
	parts := []string{"connection: handshake failed"}
	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if e.Code != 0 {
		parts = append(parts, fmt.Sprintf("code=%d", e.Code))
	}
	if reason := strings.TrimSpace(e.Reason); reason != "" {
		parts = append(parts, reason)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, ": ")
}

func (e *HandshakeError) Unwrap() error { return e.Cause }

func (e *HandshakeError) Classification() retry.Classification {
	if e.Class != 0 {
		return e.Class
	}
	if e.Cause != nil {
		return retry.Classify(e.Cause)
	}
	return retry.Transient
}

// CloseError is a server initiated close, by close frame or websocket
// close message.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection: server closed session (code=%d): %s", e.Code, strings.TrimSpace(e.Reason))
}

func (e *CloseError) CredentialRejected() bool {
	return e.Code == frame.CloseCredentialRejected || strings.EqualFold(strings.TrimSpace(e.Reason), CloseReasonCredentialRejected)
}

func (e *CloseError) Classification() retry.Classification {
	if e.Code == frame.CloseForbidden {
		return retry.Permanent
	}
	return retry.Transient
}

const CloseReasonCredentialRejected = "credential_rejected"

// FatalError is the terminal error surfaced to the owner when the
// connection closes without being asked to.
type FatalError struct {
	Attempts       int
	Classification retry.Classification
	Cause          error
}

func (e *FatalError) Error() string {
	msg := fmt.Sprintf("connection: fatal after %d attempt(s) (%s)", e.Attempts, e.Classification)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *FatalError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrFatal}
	}
	return []error{ErrFatal, e.Cause}
}

func (e *FatalError) ToServiceError() *goerrors.Error {
	category := goerrors.CategoryExternal
	status := http.StatusServiceUnavailable
	if e.Classification == retry.Permanent {
		category = goerrors.CategoryAuth
		status = http.StatusUnauthorized
	}
	return goerrors.New(e.Error(), category).
		WithCode(status).
		WithTextCode(core.ErrorConnectionFatal).
		WithMetadata(map[string]any{
			"attempts":       e.Attempts,
			"classification": e.Classification.String(),
		})
}

var (
	_ retry.Classified = (*HandshakeError)(nil)
	_ retry.Classified = (*CloseError)(nil)
)
