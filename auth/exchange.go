package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goliatone/go-appclient/retry"
)

const maxExchangeResponseBodyBytes = 1 << 20

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// postJSON posts body as JSON and decodes the response into out. A non-2xx
// response whose body is not JSON is still reported through the status.
func postJSON(
	ctx context.Context,
	client HTTPDoer,
	timeout time.Duration,
	endpoint string,
	bearer string,
	body any,
	out any,
) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, retry.MarkPermanent(fmt.Errorf("auth: encode exchange request: %w", err))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	requestCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		requestCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	req, err := http.NewRequestWithContext(requestCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, retry.MarkPermanent(fmt.Errorf("auth: build exchange request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Accept", "application/json")
	if bearer = strings.TrimSpace(bearer); bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	response, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(response.Body, maxExchangeResponseBodyBytes+1))
	if err != nil {
		return response.StatusCode, err
	}
	if len(raw) > maxExchangeResponseBodyBytes {
		return response.StatusCode, retry.MarkPermanent(fmt.Errorf("auth: exchange response exceeds %d bytes", maxExchangeResponseBodyBytes))
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return response.StatusCode, nil
	}
	if err := json.Unmarshal(raw, out); err != nil && response.StatusCode < http.StatusMultipleChoices {
		return response.StatusCode, retry.MarkPermanent(fmt.Errorf("auth: decode exchange response: %w", err))
	}
	return response.StatusCode, nil
}
