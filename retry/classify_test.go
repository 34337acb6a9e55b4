package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

type hintedError struct {
	after time.Duration
}

func (e hintedError) Error() string                  { return "throttled" }
func (e hintedError) RetryAfterHint() time.Duration  { return e.after }
func (e hintedError) Classification() Classification { return Transient }

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Classification
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: Transient},
		{name: "canceled", err: context.Canceled, want: Permanent},
		{name: "unexpected eof", err: fmt.Errorf("read: %w", io.ErrUnexpectedEOF), want: Transient},
		{name: "net timeout", err: &net.OpError{Op: "dial", Err: errors.New("i/o timeout")}, want: Transient},
		{name: "auth category", err: goerrors.New("rejected", goerrors.CategoryAuth), want: Permanent},
		{name: "validation category", err: goerrors.New("bad", goerrors.CategoryValidation), want: Permanent},
		{name: "rate limit category", err: goerrors.New("slow down", goerrors.CategoryRateLimit), want: Transient},
		{name: "external category", err: goerrors.New("upstream", goerrors.CategoryExternal), want: Transient},
		{name: "operation 503", err: goerrors.New("upstream", goerrors.CategoryOperation).WithCode(http.StatusServiceUnavailable), want: Transient},
		{name: "operation 422", err: goerrors.New("upstream", goerrors.CategoryOperation).WithCode(http.StatusUnprocessableEntity), want: Permanent},
		{name: "marked permanent", err: MarkPermanent(errors.New("nope")), want: Permanent},
		{name: "marked transient wraps auth", err: MarkTransient(goerrors.New("rejected", goerrors.CategoryAuth)), want: Transient},
		{name: "invalid grant text", err: errors.New("oauth: invalid_grant"), want: Permanent},
		{name: "unknown", err: errors.New("boom"), want: Transient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestStatusClassification(t *testing.T) {
	cases := map[int]Classification{
		http.StatusTooManyRequests:     Transient,
		http.StatusRequestTimeout:      Transient,
		http.StatusBadGateway:          Transient,
		http.StatusInternalServerError: Transient,
		http.StatusBadRequest:          Permanent,
		http.StatusUnauthorized:        Permanent,
		http.StatusNotFound:            Permanent,
	}
	for status, want := range cases {
		if got := StatusClassification(status); got != want {
			t.Fatalf("status %d: expected %s, got %s", status, want, got)
		}
	}
}

func TestHintFrom(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", hintedError{after: 2 * time.Second})
	if got := HintFrom(err); got != 2*time.Second {
		t.Fatalf("expected 2s hint, got %s", got)
	}
	if got := HintFrom(errors.New("plain")); got != 0 {
		t.Fatalf("expected no hint, got %s", got)
	}
}
