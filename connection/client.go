package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/goliatone/go-appclient/auth"
	"github.com/goliatone/go-appclient/core"
	"github.com/goliatone/go-appclient/frame"
	"github.com/goliatone/go-appclient/retry"
)

// HandshakeHello is the type of the first frame the client sends.
const HandshakeHello = "hello"

// Credentials is the credential manager surface the connection needs.
// GetOnce makes a single mint attempt so failures share the reconnect
// backoff instead of compounding with the manager's own retries.
type Credentials interface {
	GetOnce(ctx context.Context, key core.CredentialKey) (core.Credential, error)
	Invalidate(ctx context.Context, key core.CredentialKey) bool
}

// URLSigner adds handshake authentication to the endpoint URL.
type URLSigner interface {
	Sign(ctx context.Context, rawURL string, credential core.Credential) (string, error)
}

type Option func(*Client)

func WithDialer(dialer Dialer) Option {
	return func(c *Client) {
		if dialer != nil {
			c.dialer = dialer
		}
	}
}

func WithSigner(signer URLSigner) Option {
	return func(c *Client) {
		if signer != nil {
			c.signer = signer
		}
	}
}

// WithURL overrides the endpoint derived from the configured base URL.
func WithURL(rawURL string) Option {
	return func(c *Client) {
		c.url = strings.TrimSpace(rawURL)
	}
}

func WithCredentialKey(key core.CredentialKey) Option {
	return func(c *Client) {
		c.key = key
	}
}

func WithCodec(codec frame.Codec) Option {
	return func(c *Client) {
		if codec != nil {
			c.codec = codec
		}
	}
}

func WithRetryPolicy(policy retry.Policy) Option {
	return func(c *Client) {
		c.policy = policy
	}
}

func WithClassifier(classify retry.Classifier) Option {
	return func(c *Client) {
		if classify != nil {
			c.classify = classify
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

func WithLogger(logger core.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithMetricsRecorder(metrics core.MetricsRecorder) Option {
	return func(c *Client) {
		c.metrics = metrics
	}
}

// Client owns one persistent session. Start launches the connect loop in
// the background; Shutdown or Close end it.
type Client struct {
	appID       string
	url         string
	key         core.CredentialKey
	cfg         core.ConnectionConfig
	credentials Credentials
	signer      URLSigner
	dialer      Dialer
	codec       frame.Codec
	policy      retry.Policy
	classify    retry.Classifier
	now         func() time.Time
	logger      core.Logger
	metrics     core.MetricsRecorder
	obs         *core.Observer

	machine    *Machine
	dispatcher *frame.Dispatcher

	mu         sync.Mutex
	session    *session
	started    bool
	stopping   bool
	cancel     context.CancelFunc
	err        error
	done       chan struct{}
	finishOnce sync.Once

	// rejections counts consecutive credential rejections; run loop only.
	rejections int
}

func NewClient(cfg core.Config, credentials Credentials, opts ...Option) (*Client, error) {
	if credentials == nil {
		return nil, fmt.Errorf("connection: credentials are required")
	}
	appID := strings.TrimSpace(cfg.App.AppID)
	if appID == "" {
		return nil, fmt.Errorf("connection: app_id is required")
	}
	conn := withConnectionDefaults(cfg.Connection)
	c := &Client{
		appID:       appID,
		key:         core.AppKey(appID),
		cfg:         conn,
		credentials: credentials,
		codec:       frame.JSONCodec{},
		policy:      cfg.Retry.Policy(),
		classify:    retry.Classify,
		now:         time.Now,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.url == "" {
		endpoint, err := EndpointURL(cfg.App.BaseURL, conn.EndpointPath)
		if err != nil {
			return nil, err
		}
		c.url = endpoint
	}
	if c.dialer == nil {
		c.dialer = NewWebsocketDialer(conn.HandshakeTimeout)
	}
	if c.signer == nil {
		c.signer = auth.NewHandshakeSigner(conn.SignatureTTL)
	}
	if err := c.policy.Validate(); err != nil {
		return nil, fmt.Errorf("connection: %w", err)
	}
	if err := c.key.Validate(); err != nil {
		return nil, fmt.Errorf("connection: %w", err)
	}

	c.obs = core.NewObserver("appclient.connection", c.logger, c.metrics)
	c.machine = NewMachine(c.now)
	c.machine.OnStateChange(c.observeState)
	c.dispatcher = frame.NewDispatcher(
		frame.WriterFunc(c.writeFrame),
		frame.WithLogger(c.obs.Logger()),
		frame.WithMetricsRecorder(c.obs.Metrics()),
		frame.WithRequestTimeout(conn.RequestTimeout),
	)
	return c, nil
}

func withConnectionDefaults(cfg core.ConnectionConfig) core.ConnectionConfig {
	if strings.TrimSpace(cfg.EndpointPath) == "" {
		cfg.EndpointPath = core.DefaultEndpointPath
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = core.DefaultHandshakeTimeout
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = core.DefaultHeartbeatTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = core.DefaultRequestTimeout
	}
	if cfg.DrainTimeout < 0 {
		cfg.DrainTimeout = core.DefaultDrainTimeout
	}
	if cfg.WriteBuffer <= 0 {
		cfg.WriteBuffer = core.DefaultWriteBuffer
	}
	if cfg.SignatureTTL <= 0 {
		cfg.SignatureTTL = core.DefaultSignatureTTL
	}
	return cfg
}

// EndpointURL maps an http(s) base URL to the ws(s) endpoint.
func EndpointURL(baseURL string, endpointPath string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("connection: valid base_url is required")
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "ws":
		parsed.Scheme = "ws"
	case "https", "wss", "":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("connection: unsupported base_url scheme %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/" + strings.TrimLeft(strings.TrimSpace(endpointPath), "/")
	return parsed.String(), nil
}

func (c *Client) State() State {
	return c.machine.State()
}

func (c *Client) Snapshot() Snapshot {
	return c.machine.Snapshot()
}

// Degraded reports whether the session is lost and being re-established.
func (c *Client) Degraded() bool {
	return c.machine.State() == StateReconnecting
}

func (c *Client) OnStateChange(fn Listener) func() {
	return c.machine.OnStateChange(fn)
}

// Done is closed once the client reaches Closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal error, nil after a requested shutdown.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) Dispatcher() *frame.Dispatcher {
	return c.dispatcher
}

// On registers the handler for one event discriminator.
func (c *Client) On(eventType string, handler frame.Handler) error {
	return c.dispatcher.Register(eventType, handler)
}

func (c *Client) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	if c.stopping || c.machine.State() == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	if err := c.machine.Transition(StateConnecting, "start"); err != nil {
		cancel()
		c.finish(err)
		return err
	}
	go c.run(runCtx)
	return nil
}

// WaitConnected blocks until the session is Connected, the client closes
// or ctx is done.
func (c *Client) WaitConnected(ctx context.Context) error {
	changed := make(chan struct{}, 1)
	stop := c.machine.OnStateChange(func(StateChange) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer stop()
	for {
		switch c.machine.State() {
		case StateConnected:
			return nil
		case StateClosed:
			if err := c.Err(); err != nil {
				return err
			}
			return ErrClosed
		}
		select {
		case <-changed:
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Request sends a correlated request and waits for its response. It fails
// fast unless the session is Connected.
func (c *Client) Request(ctx context.Context, eventType string, payload any) (frame.Frame, error) {
	if err := c.ready(); err != nil {
		return frame.Frame{}, err
	}
	request, err := frame.NewRequest(eventType, payload)
	if err != nil {
		return frame.Frame{}, err
	}
	request.SessionID = c.machine.Snapshot().SessionID
	pending, err := c.dispatcher.Request(ctx, request)
	if err != nil {
		return frame.Frame{}, err
	}
	return pending.Await(ctx)
}

// Call is Request with a decoded response payload.
func Call[T any](ctx context.Context, c *Client, eventType string, payload any) (T, error) {
	var out T
	response, err := c.Request(ctx, eventType, payload)
	if err != nil {
		return out, err
	}
	if len(response.Payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(response.Payload, &out); err != nil {
		return out, fmt.Errorf("connection: decode %s response: %w", eventType, err)
	}
	return out, nil
}

// Send writes an uncorrelated data frame.
func (c *Client) Send(ctx context.Context, eventType string, payload any) error {
	if err := c.ready(); err != nil {
		return err
	}
	event, err := frame.NewEvent(eventType, payload)
	if err != nil {
		return err
	}
	event.SessionID = c.machine.Snapshot().SessionID
	return c.writeFrame(ctx, event)
}

// Shutdown stops accepting requests, drains pending ones for up to the
// drain timeout, cancels the rest and closes the session.
func (c *Client) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	started := c.started
	c.stopping = true
	current := c.session
	cancel := c.cancel
	c.mu.Unlock()

	if !started {
		c.finish(nil)
		return nil
	}

	if c.machine.State() == StateConnected && c.machine.Transition(StateClosing, "shutdown") == nil {
		c.dispatcher.BeginDrain(ErrClosing)
		if c.cfg.DrainTimeout > 0 {
			drainCtx, drainCancel := context.WithTimeout(ctx, c.cfg.DrainTimeout)
			if err := c.dispatcher.Drain(drainCtx); err != nil {
				c.obs.Warn(ctx, "drain timed out with pending requests", map[string]any{
					"pending": c.dispatcher.Pending(),
				})
			}
			drainCancel()
		}
		if cancelled := c.dispatcher.CancelAll(ErrClosing); cancelled > 0 {
			c.obs.Counter(ctx, "requests.cancelled.total", int64(cancelled), map[string]string{"reason": "shutdown"})
		}
		c.goodbye(ctx, current)
	}
	cancel()

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the session immediately, cancelling pending requests.
func (c *Client) Close() error {
	c.mu.Lock()
	started := c.started
	c.stopping = true
	cancel := c.cancel
	c.mu.Unlock()
	if !started {
		c.finish(nil)
		return nil
	}
	cancel()
	<-c.done
	return nil
}

func (c *Client) ready() error {
	switch c.machine.State() {
	case StateConnected:
		return nil
	case StateClosing:
		return ErrClosing
	case StateClosed:
		return ErrClosed
	default:
		return ErrNotConnected
	}
}

func (c *Client) stopRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopping
}

func (c *Client) run(ctx context.Context) {
	for {
		conn, sessionID, err := c.connect(ctx)
		if err == nil {
			c.rejections = 0
			err = c.serve(ctx, conn, sessionID)
		}
		if c.stopRequested() || ctx.Err() != nil {
			c.finish(nil)
			return
		}

		class := c.classify(err)
		attempt := c.machine.Snapshot().ReconnectAttempt
		decision := c.policy.DecideWithHint(attempt, class, retry.HintFrom(err))
		if !decision.Retry {
			cause := err
			if class == retry.Transient {
				cause = &retry.ExhaustedError{Attempts: attempt + 1, Classification: class, Cause: err}
			}
			c.finish(&FatalError{Attempts: attempt + 1, Classification: class, Cause: cause})
			return
		}
		if applyErr := c.machine.Apply(Step{
			To:     StateReconnecting,
			Reason: reasonFor(err),
			Err:    err,
			Delay:  decision.After,
		}); applyErr != nil {
			c.finish(nil)
			return
		}
		c.obs.Warn(ctx, "session lost; reconnecting", map[string]any{
			"attempt":        attempt,
			"delay_ms":       decision.After.Milliseconds(),
			"classification": class.String(),
			"error":          err.Error(),
		})
		if err := retry.Wait(ctx, decision.After); err != nil || c.stopRequested() {
			c.finish(nil)
			return
		}
		if err := c.machine.Transition(StateConnecting, "reconnect"); err != nil {
			c.finish(nil)
			return
		}
	}
}

// connect mints or reuses the credential, signs the endpoint, dials and
// waits for the handshake acknowledgement carrying the session id.
func (c *Client) connect(ctx context.Context) (Conn, string, error) {
	credential, err := c.credentials.GetOnce(ctx, c.key)
	if err != nil {
		return nil, "", err
	}
	signed, err := c.signer.Sign(ctx, c.url, credential)
	if err != nil {
		return nil, "", retry.MarkPermanent(fmt.Errorf("connection: sign endpoint: %w", err))
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	conn, resp, err := c.dialer.Dial(dialCtx, signed, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
			if resp.Body != nil {
				_ = resp.Body.Close()
			}
		}
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			return nil, "", c.rejected(ctx, &HandshakeError{StatusCode: status, Reason: "credential rejected", Cause: err})
		}
		handshakeErr := &HandshakeError{StatusCode: status, Cause: err}
		if status > 0 {
			handshakeErr.Class = retry.StatusClassification(status)
		}
		return nil, "", handshakeErr
	}

	sessionID, err := c.awaitAck(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return nil, "", err
	}
	return conn, sessionID, nil
}

func (c *Client) awaitAck(ctx context.Context, conn Conn) (string, error) {
	deadline := c.now().Add(c.cfg.HandshakeTimeout)
	payload, err := json.Marshal(map[string]string{"app_id": c.appID})
	if err != nil {
		return "", retry.MarkPermanent(err)
	}
	hello := frame.Frame{Kind: frame.KindHandshake, Type: HandshakeHello, Payload: payload}
	data, err := c.codec.Encode(hello)
	if err != nil {
		return "", retry.MarkPermanent(err)
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return "", &HandshakeError{Reason: "write hello", Cause: err}
	}
	_ = conn.SetWriteDeadline(time.Time{})

	_ = conn.SetReadDeadline(deadline)
	_, data, err = conn.ReadMessage()
	if err != nil {
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return "", c.ackFailure(ctx, closeErr.Code, closeErr.Text, err)
		}
		return "", &HandshakeError{Reason: "read acknowledgement", Cause: err}
	}
	_ = conn.SetReadDeadline(time.Time{})

	ack, err := c.codec.Decode(data)
	if err != nil {
		return "", &HandshakeError{Reason: "decode acknowledgement", Cause: err}
	}
	switch {
	case ack.Kind == frame.KindClose:
		return "", c.ackFailure(ctx, ack.Code, ack.Reason, nil)
	case ack.Kind != frame.KindHandshake:
		return "", &HandshakeError{Reason: fmt.Sprintf("unexpected %s frame before acknowledgement", ack.Kind), Class: retry.Transient}
	case ack.Code != 0:
		return "", c.ackFailure(ctx, ack.Code, ack.Reason, nil)
	}
	sessionID := strings.TrimSpace(ack.SessionID)
	if sessionID == "" {
		return "", &HandshakeError{Reason: "acknowledgement missing session id", Class: retry.Transient}
	}
	return sessionID, nil
}

func (c *Client) ackFailure(ctx context.Context, code int, reason string, cause error) error {
	handshakeErr := &HandshakeError{Code: code, Reason: reason, Cause: cause}
	closeErr := &CloseError{Code: code, Reason: reason}
	if closeErr.CredentialRejected() {
		return c.rejected(ctx, handshakeErr)
	}
	handshakeErr.Class = closeErr.Classification()
	return handshakeErr
}

// rejected invalidates the credential so the next attempt mints a fresh
// one. A second consecutive rejection is permanent.
func (c *Client) rejected(ctx context.Context, handshakeErr *HandshakeError) error {
	c.credentials.Invalidate(ctx, c.key)
	c.rejections++
	handshakeErr.Rejected = true
	handshakeErr.Class = retry.Transient
	if c.rejections > 1 {
		handshakeErr.Class = retry.Permanent
	}
	c.obs.Warn(ctx, "handshake credential rejected", map[string]any{
		"credential_key": c.key.String(),
		"rejections":     c.rejections,
		"status":         handshakeErr.StatusCode,
		"code":           handshakeErr.Code,
	})
	return handshakeErr
}

type session struct {
	id       string
	conn     Conn
	outbound chan outbound
	events   chan frame.Frame
	pongs    chan struct{}
	closed   chan struct{}
}

type outbound struct {
	frame  frame.Frame
	result chan error
}

func (s *session) enqueue(ctx context.Context, f frame.Frame) error {
	out := outbound{frame: f, result: make(chan error, 1)}
	select {
	case s.outbound <- out:
	case <-s.closed:
		return ErrConnectionLost
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-out.result:
		return err
	case <-s.closed:
		return ErrConnectionLost
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) writeFrame(ctx context.Context, f frame.Frame) error {
	c.mu.Lock()
	current := c.session
	c.mu.Unlock()
	if current == nil {
		return ErrNotConnected
	}
	return current.enqueue(ctx, f)
}

// serve runs the steady state of one session until it fails or ctx ends.
func (c *Client) serve(ctx context.Context, conn Conn, sessionID string) error {
	current := &session{
		id:       sessionID,
		conn:     conn,
		outbound: make(chan outbound, c.cfg.WriteBuffer),
		events:   make(chan frame.Frame, c.cfg.WriteBuffer),
		pongs:    make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
	c.mu.Lock()
	c.session = current
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.session == current {
			c.session = nil
		}
		c.mu.Unlock()
	}()

	if err := c.machine.Apply(Step{To: StateConnected, Reason: "handshake complete", SessionID: sessionID}); err != nil {
		close(current.closed)
		_ = conn.Close()
		return retry.MarkPermanent(err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return c.writeLoop(groupCtx, current) })
	group.Go(func() error { return c.readLoop(groupCtx, current) })
	group.Go(func() error { return c.eventLoop(groupCtx, current) })
	group.Go(func() error { return c.heartbeatLoop(groupCtx, current) })
	group.Go(func() error {
		<-groupCtx.Done()
		close(current.closed)
		_ = conn.Close()
		c.dispatcher.CancelAll(ErrConnectionLost)
		return nil
	})
	err := group.Wait()
	if err == nil {
		err = ErrConnectionLost
	}
	return err
}

func (c *Client) writeLoop(ctx context.Context, s *session) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case out := <-s.outbound:
			data, err := c.codec.Encode(out.frame)
			if err != nil {
				out.result <- err
				continue
			}
			_ = s.conn.SetWriteDeadline(c.now().Add(c.cfg.HeartbeatTimeout))
			err = s.conn.WriteMessage(websocket.TextMessage, data)
			out.result <- err
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("connection: write frame: %w", err)
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, s *session) error {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var wsClose *websocket.CloseError
			if errors.As(err, &wsClose) {
				return c.serverClosed(ctx, &CloseError{Code: wsClose.Code, Reason: wsClose.Text})
			}
			return fmt.Errorf("connection: read frame: %w", err)
		}
		inbound, err := c.codec.Decode(data)
		if err != nil {
			c.obs.Warn(ctx, "discarding undecodable frame", map[string]any{"error": err.Error()})
			c.obs.Counter(ctx, "frames.invalid.total", 1, nil)
			continue
		}
		if inbound.IsEvent() {
			select {
			case s.events <- inbound:
			case <-ctx.Done():
				return nil
			}
			continue
		}
		signal, err := c.dispatcher.Deliver(ctx, inbound)
		if err != nil {
			c.obs.Debug(ctx, "frame delivery failed", map[string]any{
				"kind":  string(inbound.Kind),
				"error": err.Error(),
			})
		}
		switch signal {
		case frame.SignalPong:
			c.machine.HeartbeatReceived(c.now())
			select {
			case s.pongs <- struct{}{}:
			default:
			}
		case frame.SignalClose:
			return c.serverClosed(ctx, &CloseError{Code: inbound.Code, Reason: inbound.Reason})
		}
	}
}

// eventLoop delivers events in arrival order, off the read loop, so
// handlers may issue requests of their own.
func (c *Client) eventLoop(ctx context.Context, s *session) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-s.events:
			_, _ = c.dispatcher.Deliver(ctx, event)
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, s *session) error {
	if c.cfg.HeartbeatInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	var deadline *time.Timer
	var expired <-chan time.Time
	defer func() {
		if deadline != nil {
			deadline.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.pongs:
			if deadline != nil {
				deadline.Stop()
				deadline, expired = nil, nil
			}
		case <-expired:
			c.obs.Counter(ctx, "heartbeat.missed.total", 1, nil)
			return retry.MarkTransient(ErrHeartbeatMissed)
		case <-ticker.C:
			if expired != nil {
				continue
			}
			ping := frame.Frame{Kind: frame.KindPing, CorrelationID: frame.NewCorrelationID(), SessionID: s.id}
			if err := s.enqueue(ctx, ping); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("connection: send ping: %w", err)
			}
			deadline = time.NewTimer(c.cfg.HeartbeatTimeout)
			expired = deadline.C
			c.machine.HeartbeatSent(c.now().Add(c.cfg.HeartbeatTimeout))
		}
	}
}

func (c *Client) serverClosed(ctx context.Context, closeErr *CloseError) error {
	fields := map[string]any{"code": closeErr.Code, "reason": closeErr.Reason}
	if closeErr.CredentialRejected() {
		c.credentials.Invalidate(ctx, c.key)
		c.obs.Warn(ctx, "server rejected session credential", fields)
		return closeErr
	}
	c.obs.Info(ctx, "server closed session", fields)
	return closeErr
}

// goodbye sends a close frame and a websocket close message on the
// current session, best effort.
func (c *Client) goodbye(ctx context.Context, s *session) {
	if s == nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, c.cfg.HeartbeatTimeout)
	defer cancel()
	bye := frame.Frame{Kind: frame.KindClose, SessionID: s.id, Code: frame.CloseNormal, Reason: "client shutdown"}
	if err := s.enqueue(writeCtx, bye); err != nil {
		c.obs.Debug(ctx, "close frame not sent", map[string]any{"error": err.Error()})
		return
	}
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client shutdown")
	_ = s.conn.WriteControl(websocket.CloseMessage, message, c.now().Add(time.Second))
}

func (c *Client) finish(err error) {
	c.finishOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.stopping = true
		c.mu.Unlock()

		c.dispatcher.CancelAll(ErrClosed)
		if c.machine.State() != StateClosed {
			reason := "shutdown"
			if err != nil {
				reason = "fatal"
			}
			_ = c.machine.Apply(Step{To: StateClosed, Reason: reason, Err: err})
		}
		if err != nil {
			c.obs.Error(context.Background(), "connection closed with fatal error", map[string]any{"error": err.Error()})
		}
		close(c.done)
	})
}

func (c *Client) observeState(change StateChange) {
	ctx := context.Background()
	fields := map[string]any{
		"from":              change.From.String(),
		"to":                change.To.String(),
		"reason":            change.Reason,
		"reconnect_attempt": change.Snapshot.ReconnectAttempt,
	}
	if change.Snapshot.SessionID != "" {
		fields["session_id"] = change.Snapshot.SessionID
	}
	if change.Delay > 0 {
		fields["delay_ms"] = change.Delay.Milliseconds()
	}
	c.obs.Info(ctx, "connection state changed", fields)
	c.obs.Counter(ctx, "state.transitions.total", 1, map[string]string{"to": change.To.String()})
}

func reasonFor(err error) string {
	var closeErr *CloseError
	var handshakeErr *HandshakeError
	switch {
	case err == nil:
		return "unknown"
	case errors.As(err, &closeErr):
		if closeErr.CredentialRejected() {
			return CloseReasonCredentialRejected
		}
		return "server_close"
	case errors.As(err, &handshakeErr):
		if handshakeErr.Rejected {
			return CloseReasonCredentialRejected
		}
		return "handshake_failed"
	case errors.Is(err, ErrHeartbeatMissed):
		return "heartbeat_missed"
	case errors.Is(err, core.ErrCredentialUnavailable):
		return "credential_unavailable"
	default:
		return "transport_error"
	}
}
