package auth

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/goliatone/go-appclient/core"
)

func TestHandshakeSignerSignAndVerify(t *testing.T) {
	now := fixedNow()
	signer := NewHandshakeSigner(time.Minute)
	signer.Now = func() time.Time { return now }
	signer.NewNonce = func() string { return "nonce-1" }

	credential := core.Credential{Key: core.AppKey("cli_app"), Value: "secret-token"}
	signed, err := signer.Sign(context.Background(), "wss://example.test/ws?device=1", credential)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	parsed, _ := url.Parse(signed)
	query := parsed.Query()
	if query.Get("device") != "1" || query.Get(ParamNonce) != "nonce-1" || query.Get(ParamAppID) != "cli_app" {
		t.Fatalf("unexpected query %v", query)
	}
	if query.Get(ParamSignature) != Signature("secret-token", query.Get(ParamTimestamp), "nonce-1", "/ws") {
		t.Fatalf("unexpected signature")
	}
	if err := signer.Verify(signed, "secret-token"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := signer.Verify(signed, "other-token"); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected invalid signature, got %v", err)
	}

	now = now.Add(2 * time.Minute)
	if err := signer.Verify(signed, "secret-token"); !errors.Is(err, ErrSignatureExpired) {
		t.Fatalf("expected expired signature, got %v", err)
	}
}

func TestHandshakeSignerRequiresCredential(t *testing.T) {
	if _, err := NewHandshakeSigner(0).Sign(context.Background(), "wss://x/ws", core.Credential{}); err == nil {
		t.Fatalf("expected missing credential error")
	}
}
