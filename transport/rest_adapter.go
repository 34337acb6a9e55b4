package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-appclient/retry"
)

const (
	defaultRESTClientTimeout           = 30 * time.Second
	defaultRESTResponseBodyLimit int64 = 10 << 20
	defaultUserAgent                   = "go-appclient"
	headerAuthorization                = "Authorization"
	headerContentType                  = "Content-Type"
	headerRequestID                    = "X-Request-Id"
	contentTypeJSON                    = "application/json; charset=utf-8"
)

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPRequest is a fully resolved outbound call.
type HTTPRequest struct {
	Method               string
	URL                  string
	Query                url.Values
	Headers              http.Header
	Body                 []byte
	Timeout              time.Duration
	MaxResponseBodyBytes int64
}

type HTTPResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Executor is the single-exchange seam Client builds on.
type Executor interface {
	Do(ctx context.Context, req HTTPRequest) (HTTPResponse, error)
}

// RESTExecutor performs single HTTP exchanges with default headers and a
// response size limit. Retries and auth live in Client.
type RESTExecutor struct {
	Client               HTTPDoer
	DefaultHeaders       http.Header
	MaxResponseBodyBytes int64
}

func NewRESTExecutor(client HTTPDoer) *RESTExecutor {
	if client == nil {
		client = &http.Client{Timeout: defaultRESTClientTimeout}
	}
	headers := http.Header{}
	headers.Set("User-Agent", defaultUserAgent)
	headers.Set("Accept", "application/json")
	return &RESTExecutor{
		Client:               client,
		DefaultHeaders:       headers,
		MaxResponseBodyBytes: defaultRESTResponseBodyLimit,
	}
}

func (e *RESTExecutor) Do(ctx context.Context, req HTTPRequest) (HTTPResponse, error) {
	if e == nil || e.Client == nil {
		return HTTPResponse{}, retry.MarkPermanent(transportError(
			"transport: rest executor requires an http client",
			goerrors.CategoryInternal,
			http.StatusInternalServerError,
			nil,
		))
	}
	if ctx == nil {
		ctx = context.Background()
	}

	method := strings.TrimSpace(strings.ToUpper(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	parsedURL, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return HTTPResponse{}, transportWrapError(
			err,
			goerrors.CategoryBadInput,
			"transport: invalid request url",
			http.StatusBadRequest,
			map[string]any{"url": strings.TrimSpace(req.URL)},
		)
	}

	query := parsedURL.Query()
	for key, values := range req.Query {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		query.Del(key)
		for _, value := range values {
			query.Add(key, value)
		}
	}
	parsedURL.RawQuery = query.Encode()

	requestCtx := ctx
	cancel := func() {}
	if req.Timeout > 0 {
		requestCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	}
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(requestCtx, method, parsedURL.String(), body)
	if err != nil {
		return HTTPResponse{}, transportWrapError(
			err,
			goerrors.CategoryBadInput,
			"transport: create http request",
			http.StatusBadRequest,
			map[string]any{"method": method, "url": parsedURL.String()},
		)
	}
	copyHeaders(httpReq.Header, e.DefaultHeaders)
	copyHeaders(httpReq.Header, req.Headers)
	if len(req.Body) > 0 && httpReq.Header.Get(headerContentType) == "" {
		httpReq.Header.Set(headerContentType, contentTypeJSON)
	}

	startedAt := time.Now()
	httpRes, err := e.Client.Do(httpReq)
	if err != nil {
		return HTTPResponse{}, transportWrapError(
			err,
			goerrors.CategoryExternal,
			"transport: execute http request",
			http.StatusBadGateway,
			map[string]any{"method": method, "url": redactedURL(parsedURL)},
		)
	}
	defer httpRes.Body.Close()

	maxBodyBytes := resolveResponseBodyLimit(req.MaxResponseBodyBytes, e.MaxResponseBodyBytes)
	payload, err := io.ReadAll(io.LimitReader(httpRes.Body, maxBodyBytes+1))
	if err != nil {
		return HTTPResponse{}, transportWrapError(
			err,
			goerrors.CategoryExternal,
			"transport: read response body",
			http.StatusBadGateway,
			map[string]any{"status_code": httpRes.StatusCode},
		)
	}
	if int64(len(payload)) > maxBodyBytes {
		return HTTPResponse{}, retry.MarkPermanent(transportError(
			fmt.Sprintf("transport: response body exceeds limit of %d bytes", maxBodyBytes),
			goerrors.CategoryExternal,
			http.StatusBadGateway,
			map[string]any{"status_code": httpRes.StatusCode, "response_limit_b": maxBodyBytes},
		))
	}

	return HTTPResponse{
		StatusCode: httpRes.StatusCode,
		Headers:    httpRes.Header.Clone(),
		Body:       payload,
		Duration:   time.Since(startedAt),
	}, nil
}

func copyHeaders(dst http.Header, src http.Header) {
	for key, values := range src {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		dst.Del(key)
		for _, value := range values {
			dst.Add(key, strings.TrimSpace(value))
		}
	}
}

func redactedURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	clone := *u
	clone.RawQuery = ""
	clone.User = nil
	return clone.String()
}

func resolveResponseBodyLimit(requestLimit int64, executorLimit int64) int64 {
	if requestLimit > 0 {
		return requestLimit
	}
	if executorLimit > 0 {
		return executorLimit
	}
	return defaultRESTResponseBodyLimit
}

var _ Executor = (*RESTExecutor)(nil)
