package appclient

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/goliatone/go-appclient/core"
	"github.com/goliatone/go-appclient/frame"
)

// fakePlatform serves credential minting, one REST resource and the
// websocket endpoint.
type fakePlatform struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	appMints    atomic.Int32
	tenantMints atomic.Int32
	sessions    atomic.Int32

	mu          sync.Mutex
	authHeaders []string
	pushEvent   *frame.Frame
}

func newFakePlatform(t *testing.T) *fakePlatform {
	t.Helper()
	p := &fakePlatform{
		t:        t,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(core.DefaultAppMintPath, p.mintApp)
	mux.HandleFunc(core.DefaultTenantMintPath, p.mintTenant)
	mux.HandleFunc("/open-apis/contact/v3/users/", p.getUser)
	mux.HandleFunc(core.DefaultEndpointPath, p.session)
	p.server = httptest.NewServer(mux)
	t.Cleanup(p.server.Close)
	return p
}

func (p *fakePlatform) config() Config {
	cfg := DefaultConfig()
	cfg.App = AppConfig{AppID: "cli_app", AppSecret: "secret", BaseURL: p.server.URL}
	cfg.Retry.BaseDelay = 2 * time.Millisecond
	cfg.Retry.MaxDelay = 20 * time.Millisecond
	cfg.Retry.Jitter = 0
	cfg.Connection.HeartbeatInterval = time.Hour
	cfg.Connection.DrainTimeout = 50 * time.Millisecond
	return cfg
}

func (p *fakePlatform) mintApp(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body["app_id"] != "cli_app" || body["app_secret"] != "secret" {
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 10014, "msg": "app secret invalid"})
		return
	}
	n := p.appMints.Add(1)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code":             0,
		"app_access_token": fmt.Sprintf("a-token-%d", n),
		"expire":           7200,
	})
}

func (p *fakePlatform) mintTenant(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	_ = json.NewDecoder(r.Body).Decode(&body)
	if !strings.HasPrefix(body["app_access_token"], "a-token-") {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 10003, "msg": "invalid app token"})
		return
	}
	n := p.tenantMints.Add(1)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code":                0,
		"tenant_access_token": fmt.Sprintf("t-%s-%d", body["tenant_key"], n),
		"expire":              7200,
	})
}

func (p *fakePlatform) getUser(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.authHeaders = append(p.authHeaders, r.Header.Get("Authorization"))
	p.mu.Unlock()
	userID := strings.TrimPrefix(r.URL.Path, "/open-apis/contact/v3/users/")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code": 0,
		"msg":  "success",
		"data": map[string]any{"user": map[string]string{"user_id": userID, "name": "Ada"}},
	})
}

func (p *fakePlatform) session(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var hello frame.Frame
	if err := conn.ReadJSON(&hello); err != nil || hello.Kind != frame.KindHandshake {
		return
	}
	session := p.sessions.Add(1)
	sessionID := fmt.Sprintf("session-%d", session)
	if err := conn.WriteJSON(frame.Frame{Kind: frame.KindHandshake, SessionID: sessionID}); err != nil {
		return
	}
	p.mu.Lock()
	push := p.pushEvent
	p.mu.Unlock()
	if push != nil {
		event := *push
		event.SessionID = sessionID
		_ = conn.WriteJSON(event)
	}

	for {
		var inbound frame.Frame
		if err := conn.ReadJSON(&inbound); err != nil {
			return
		}
		switch {
		case inbound.Kind == frame.KindPing:
			_ = conn.WriteJSON(frame.Frame{Kind: frame.KindPong, CorrelationID: inbound.CorrelationID})
		case inbound.Kind == frame.KindClose:
			return
		case inbound.Correlated():
			reply, _ := inbound.Reply(map[string]string{"echo": inbound.Type})
			_ = conn.WriteJSON(reply)
		}
	}
}

func (p *fakePlatform) seenAuthHeaders() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.authHeaders...)
}
