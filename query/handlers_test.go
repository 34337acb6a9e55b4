package query

import (
	"context"
	"errors"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-appclient/connection"
	"github.com/goliatone/go-appclient/core"
)

type stubCredentialReader struct {
	getFn func(ctx context.Context, key core.CredentialKey) (core.Credential, error)
}

func (s stubCredentialReader) Get(ctx context.Context, key core.CredentialKey) (core.Credential, error) {
	return s.getFn(ctx, key)
}

type stubConnectionReader struct {
	snapshot connection.Snapshot
}

func (s stubConnectionReader) Snapshot() connection.Snapshot { return s.snapshot }

func TestGetCredentialQuery_QueryDelegatesWithNormalizedKey(t *testing.T) {
	called := false
	reader := stubCredentialReader{
		getFn: func(_ context.Context, key core.CredentialKey) (core.Credential, error) {
			called = true
			if key != core.UserKey("cli_a", "u1") {
				t.Fatalf("unexpected key %+v", key)
			}
			return core.Credential{Key: key, Value: "u-token"}, nil
		},
	}
	credential, err := NewGetCredentialQuery(reader).Query(context.Background(), GetCredentialMessage{
		Key: core.CredentialKey{AppID: " cli_a ", Kind: "USER", Subject: "u1"},
	})
	if err != nil {
		t.Fatalf("query credential: %v", err)
	}
	if !called || credential.Value != "u-token" {
		t.Fatalf("expected reader result, got %+v (called=%v)", credential, called)
	}
}

func TestGetCredentialQuery_PropagatesUnavailable(t *testing.T) {
	reader := stubCredentialReader{
		getFn: func(context.Context, core.CredentialKey) (core.Credential, error) {
			return core.Credential{}, core.ErrCredentialUnavailable
		},
	}
	_, err := NewGetCredentialQuery(reader).Query(context.Background(), GetCredentialMessage{Key: core.AppKey("cli_a")})
	if !errors.Is(err, core.ErrCredentialUnavailable) {
		t.Fatalf("expected ErrCredentialUnavailable, got %v", err)
	}
}

func TestGetCredentialQuery_ValidationAndDependencyErrors(t *testing.T) {
	_, err := NewGetCredentialQuery(stubCredentialReader{}).Query(context.Background(), GetCredentialMessage{})
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich.TextCode != core.ErrorBadInput {
		t.Fatalf("expected bad input envelope, got %v", err)
	}

	var qry *GetCredentialQuery
	_, err = qry.Query(context.Background(), GetCredentialMessage{Key: core.AppKey("cli_a")})
	if !goerrors.As(err, &rich) || rich.Category != goerrors.CategoryInternal {
		t.Fatalf("expected internal dependency envelope, got %v", err)
	}
}

func TestConnectionStatusQuery_ReportsSnapshot(t *testing.T) {
	changedAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	reader := stubConnectionReader{snapshot: connection.Snapshot{
		State:            connection.StateReconnecting,
		ReconnectAttempt: 2,
		LastError:        "heartbeat missed",
		ChangedAt:        changedAt,
	}}
	status, err := NewConnectionStatusQuery(reader).Query(context.Background(), ConnectionStatusMessage{})
	if err != nil {
		t.Fatalf("query status: %v", err)
	}
	if status.State != connection.StateReconnecting.String() || !status.Degraded || status.ReconnectAttempt != 2 {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.LastError != "heartbeat missed" || !status.ChangedAt.Equal(changedAt) {
		t.Fatalf("unexpected status details %+v", status)
	}

	if _, err := NewConnectionStatusQuery(nil).Query(context.Background(), ConnectionStatusMessage{}); err == nil {
		t.Fatalf("expected dependency error")
	}
}
