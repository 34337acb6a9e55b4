package connection

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the subset of a websocket connection the client drives.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens a Conn. A non nil response accompanies handshake failures
// so callers can inspect the HTTP status.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, *http.Response, error)
}

type DialerFunc func(ctx context.Context, url string, header http.Header) (Conn, *http.Response, error)

func (f DialerFunc) Dial(ctx context.Context, url string, header http.Header) (Conn, *http.Response, error) {
	return f(ctx, url, header)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
}

func NewWebsocketDialer(handshakeTimeout time.Duration) *WebsocketDialer {
	return &WebsocketDialer{Dialer: &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}}
}

func (d *WebsocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, *http.Response, error) {
	dialer := websocket.DefaultDialer
	if d != nil && d.Dialer != nil {
		dialer = d.Dialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, resp, err
	}
	return conn, resp, nil
}

var (
	_ Dialer = (*WebsocketDialer)(nil)
	_ Conn   = (*websocket.Conn)(nil)
)
