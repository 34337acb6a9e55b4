package auth

import (
	"context"
	"testing"
	"time"

	"github.com/goliatone/go-appclient/core"
	"github.com/goliatone/go-appclient/retry"
)

func TestKindRouterRoutesByKind(t *testing.T) {
	router := NewKindRouter()
	user := core.CredentialRefresherFunc(func(_ context.Context, key core.CredentialKey) (core.Credential, error) {
		return core.Credential{Key: key, Value: "u-" + key.Subject, ExpiresAt: time.Now().Add(time.Hour)}, nil
	})
	if err := router.RegisterKind(core.CredentialKindUser, user); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := router.RegisterKind(core.CredentialKindUser, user); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
	if err := router.RegisterKind("robot", user); err == nil {
		t.Fatalf("expected invalid kind error")
	}

	credential, err := router.Refresh(context.Background(), core.UserKey("cli_app", "ou_1"))
	if err != nil || credential.Value != "u-ou_1" {
		t.Fatalf("unexpected routed credential %#v err=%v", credential, err)
	}
	_, err = router.Refresh(context.Background(), core.AppKey("cli_app"))
	if err == nil || retry.Classify(err) != retry.Permanent {
		t.Fatalf("expected permanent missing-kind error, got %v", err)
	}
}
