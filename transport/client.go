package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-appclient/core"
	"github.com/goliatone/go-appclient/ratelimit"
	"github.com/goliatone/go-appclient/retry"
)

// Credentials is the credential manager surface the transport needs.
type Credentials interface {
	Get(ctx context.Context, key core.CredentialKey) (core.Credential, error)
	InvalidateValue(ctx context.Context, key core.CredentialKey, value string) bool
}

// Request describes one platform API call. Body is sent as is when it is
// []byte or json.RawMessage and JSON encoded otherwise.
type Request struct {
	Method     string
	Path       string
	Query      url.Values
	Headers    http.Header
	Body       any
	Credential core.CredentialKind
	Subject    string
	// Anonymous skips the Authorization header.
	Anonymous bool
	Timeout   time.Duration
}

type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Code       int
	Msg        string
	Data       json.RawMessage
	Attempts   int
}

type envelope struct {
	Code *int            `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type Option func(*Client)

func WithExecutor(executor Executor) Option {
	return func(c *Client) {
		if executor != nil {
			c.executor = executor
		}
	}
}

func WithRateLimitPolicy(policy *ratelimit.AdaptivePolicy) Option {
	return func(c *Client) {
		c.limits = policy
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

// Client sends authenticated platform requests. Rejected credentials are
// invalidated before the retry so the next attempt uses a fresh one.
type Client struct {
	baseURL       string
	appID         string
	timeout       time.Duration
	maxBodyBytes  int64
	rejectedCodes []int
	credentials   Credentials
	executor      Executor
	limits        *ratelimit.AdaptivePolicy
	policy        retry.Policy
	classify      retry.Classifier
	logger        core.Logger
	metrics       core.MetricsRecorder
	obs           *core.Observer
}

func NewClient(cfg core.Config, credentials Credentials, opts ...Option) (*Client, error) {
	if credentials == nil {
		return nil, fmt.Errorf("transport: credentials are required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.App.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("transport: base url is required")
	}
	if strings.TrimSpace(cfg.App.AppID) == "" {
		return nil, fmt.Errorf("transport: app id is required")
	}
	client := &Client{
		baseURL:       baseURL,
		appID:         strings.TrimSpace(cfg.App.AppID),
		timeout:       cfg.Transport.Timeout,
		maxBodyBytes:  cfg.Transport.MaxResponseBytes,
		rejectedCodes: slices.Clone(cfg.Transport.RejectedCodes),
		credentials:   credentials,
		executor:      NewRESTExecutor(nil),
		limits:        ratelimit.NewAdaptivePolicy(nil),
		policy:        cfg.Retry.Policy(),
		classify:      retry.Classify,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	if err := client.policy.Validate(); err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	client.obs = core.NewObserver("appclient.transport", client.logger, client.metrics)
	return client, nil
}

// Send performs req, retrying transient failures under the shared policy.
func (c *Client) Send(ctx context.Context, req Request) (Response, error) {
	if c == nil {
		return Response{}, fmt.Errorf("transport: client is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	prepared, err := c.prepare(req)
	if err != nil {
		return Response{}, err
	}

	startedAt := time.Now()
	var response Response
	attempts, err := retry.Do(ctx, c.policy, c.classify, func(ctx context.Context, attempt int) error {
		var sendErr error
		response, sendErr = c.sendOnce(ctx, prepared)
		return sendErr
	}, func(attempt int, err error, decision retry.Decision) {
		if decision.Retry {
			c.obs.Debug(ctx, "retrying request", map[string]any{
				"method":   prepared.method,
				"path":     prepared.path,
				"attempt":  attempt,
				"after_ms": decision.After.Milliseconds(),
				"error":    err.Error(),
			})
		}
	})
	response.Attempts = attempts

	fields := map[string]any{
		"method":   prepared.method,
		"path":     prepared.path,
		"attempts": attempts,
		"kind":     string(prepared.key.Kind),
	}
	if err != nil {
		err = unwrapExhausted(err)
		fields["classification"] = c.classify(err).String()
	}
	c.obs.Operation(ctx, startedAt, "send", err, fields)
	return response, err
}

// Do sends req and decodes the envelope data into out.
func (c *Client) Do(ctx context.Context, req Request, out any) (Response, error) {
	response, err := c.Send(ctx, req)
	if err != nil || out == nil {
		return response, err
	}
	if len(response.Data) == 0 || string(response.Data) == "null" {
		return response, nil
	}
	if err := json.Unmarshal(response.Data, out); err != nil {
		return response, fmt.Errorf("transport: decode %s %s data: %w", req.Method, req.Path, err)
	}
	return response, nil
}

// SendJSON sends req and decodes the envelope data into T.
func SendJSON[T any](ctx context.Context, client *Client, req Request) (T, Response, error) {
	var out T
	response, err := client.Do(ctx, req, &out)
	return out, response, err
}

type preparedRequest struct {
	method  string
	path    string
	url     string
	query   url.Values
	headers http.Header
	body    []byte
	timeout time.Duration
	key     core.CredentialKey
	auth    bool
	bucket  ratelimit.Key
}

func (c *Client) prepare(req Request) (preparedRequest, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	path := "/" + strings.TrimLeft(strings.TrimSpace(req.Path), "/")
	if path == "/" {
		return preparedRequest{}, retry.MarkPermanent(fmt.Errorf("transport: request path is required"))
	}

	var body []byte
	switch typed := req.Body.(type) {
	case nil:
	case []byte:
		body = typed
	case json.RawMessage:
		body = typed
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return preparedRequest{}, retry.MarkPermanent(fmt.Errorf("transport: encode request body: %w", err))
		}
		body = encoded
	}

	kind := req.Credential
	if kind == "" {
		kind = core.CredentialKindTenant
		if strings.TrimSpace(req.Subject) == "" {
			kind = core.CredentialKindApp
		}
	}
	key := core.CredentialKey{AppID: c.appID, Kind: kind, Subject: req.Subject}.Normalize()
	if !req.Anonymous {
		if err := key.Validate(); err != nil {
			return preparedRequest{}, retry.MarkPermanent(fmt.Errorf("transport: %w", err))
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	headers := req.Headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	return preparedRequest{
		method:  method,
		path:    path,
		url:     c.baseURL + path,
		query:   req.Query,
		headers: headers,
		body:    body,
		timeout: timeout,
		key:     key,
		auth:    !req.Anonymous,
		bucket:  ratelimit.Key{AppID: c.appID, Bucket: ratelimit.BucketForPath(path)},
	}, nil
}

func (c *Client) sendOnce(ctx context.Context, req preparedRequest) (Response, error) {
	if err := c.awaitBucket(ctx, req); err != nil {
		return Response{}, err
	}

	headers := req.headers.Clone()
	if headers.Get(headerRequestID) == "" {
		headers.Set(headerRequestID, uuid.NewString())
	}
	var credential core.Credential
	if req.auth {
		var err error
		credential, err = c.credentials.Get(ctx, req.key)
		if err != nil {
			// the manager already spent its own retry budget
			return Response{}, retry.MarkPermanent(err)
		}
		tokenType := credential.TokenType
		if tokenType == "" {
			tokenType = "Bearer"
		}
		headers.Set(headerAuthorization, tokenType+" "+credential.Value)
	}

	raw, err := c.executor.Do(ctx, HTTPRequest{
		Method:               req.method,
		URL:                  req.url,
		Query:                req.query,
		Headers:              headers,
		Body:                 req.body,
		Timeout:              req.timeout,
		MaxResponseBodyBytes: c.maxBodyBytes,
	})
	if err != nil {
		return Response{}, err
	}

	response := Response{StatusCode: raw.StatusCode, Headers: raw.Headers, Body: raw.Body}
	var decoded envelope
	hasEnvelope := false
	if trimmed := bytes.TrimSpace(raw.Body); len(trimmed) > 0 && trimmed[0] == '{' {
		if json.Unmarshal(trimmed, &decoded) == nil && decoded.Code != nil {
			hasEnvelope = true
			response.Code = *decoded.Code
			response.Msg = decoded.Msg
			response.Data = decoded.Data
		}
	}
	if !hasEnvelope && raw.StatusCode < http.StatusMultipleChoices {
		response.Data = raw.Body
	}

	if err := c.limits.AfterCall(ctx, req.bucket, ratelimit.ResponseMeta{
		StatusCode: raw.StatusCode,
		Code:       response.Code,
		Headers:    raw.Headers,
	}); err != nil {
		return response, err
	}

	if req.auth && (raw.StatusCode == http.StatusUnauthorized || slices.Contains(c.rejectedCodes, response.Code)) {
		invalidated := c.credentials.InvalidateValue(ctx, req.key, credential.Value)
		c.obs.Warn(ctx, "credential rejected", map[string]any{
			"key":         req.key.String(),
			"path":        req.path,
			"status_code": raw.StatusCode,
			"code":        response.Code,
			"invalidated": invalidated,
		})
		return response, &core.CredentialRejectedError{
			Key:        req.key,
			StatusCode: raw.StatusCode,
			Code:       response.Code,
			Message:    response.Msg,
		}
	}
	if raw.StatusCode >= http.StatusBadRequest || response.Code != 0 {
		return response, &APIError{
			Method:     req.method,
			Path:       req.path,
			StatusCode: raw.StatusCode,
			Code:       response.Code,
			Msg:        response.Msg,
			RequestID:  headers.Get(headerRequestID),
		}
	}
	return response, nil
}

// awaitBucket blocks while the bucket sits inside a known throttle window.
// The wait does not count as an attempt.
func (c *Client) awaitBucket(ctx context.Context, req preparedRequest) error {
	for {
		err := c.limits.BeforeCall(ctx, req.bucket)
		var throttled *ratelimit.ThrottledError
		if err == nil || !errors.As(err, &throttled) || throttled.RetryAfter <= 0 {
			return err
		}
		c.obs.Debug(ctx, "waiting out throttle window", map[string]any{
			"path":     req.path,
			"bucket":   req.bucket.Bucket,
			"after_ms": throttled.RetryAfter.Milliseconds(),
		})
		timer := time.NewTimer(throttled.RetryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return retry.MarkPermanent(fmt.Errorf("transport: throttled: %w", ctx.Err()))
		case <-timer.C:
		}
	}
}

// unwrapExhausted surfaces the last cause of a single-attempt permanent
// failure and keeps the ExhaustedError when retries happened.
func unwrapExhausted(err error) error {
	exhausted, ok := err.(*retry.ExhaustedError)
	if !ok || exhausted.Attempts > 1 || exhausted.Cause == nil {
		return err
	}
	return exhausted.Cause
}
