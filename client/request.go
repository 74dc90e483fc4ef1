package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"time"

	"optiver-forecast/apperr"
	"optiver-forecast/logger"
)

// APIError is a non-2xx response of the data service.
type APIError struct {
	StatusCode int
	Kind       apperr.Kind
	Detail     string
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("data api error %d: %s", e.StatusCode, e.Detail)
}

// IsRetryable returns true if the error should trigger a retry.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

type errorBody struct {
	Error struct {
		Kind   string `json:"kind"`
		Detail string `json:"detail"`
	} `json:"error"`
}

func newAPIError(status int, body []byte) *APIError {
	e := &APIError{StatusCode: status, Kind: apperr.FromStatus(status), Detail: http.StatusText(status), Body: body}
	var eb errorBody
	if json.Unmarshal(body, &eb) == nil && eb.Error.Kind != "" {
		e.Kind = apperr.Kind(eb.Error.Kind)
		e.Detail = eb.Error.Detail
	}
	return e
}

// doRequest performs one HTTP request.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, payload []byte) ([]byte, error) {
	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id := logger.RequestID(ctx); id != "" {
		req.Header.Set(logger.RequestIDHeader, id)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, newAPIError(resp.StatusCode, respBody)
	}

	return respBody, nil
}

// doWithRetry performs a request with exponential backoff retry. Transport
// errors, 5xx and 429 responses are retried.
func (c *Client) doWithRetry(ctx context.Context, method, path string, query url.Values, payload []byte) ([]byte, error) {
	var lastErr error
	backoff := c.retryBackoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			// backoff * (0.5 to 1.5)
			jitter := backoff/2 + time.Duration(rand.Int64N(int64(backoff)+1))
			c.log.Debug("retrying request",
				logger.NewField("attempt", attempt),
				logger.NewField("backoff", jitter.String()),
				logger.NewField("path", path),
			)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jitter):
			}

			backoff *= 2
		}

		body, err := c.doRequest(ctx, method, path, query, payload)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err

		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.IsRetryable() {
			return nil, toAppErr(err)
		}
	}

	return nil, apperr.Dependency(lastErr, fmt.Sprintf("data api %s %s failed after %d attempts", method, path, c.maxRetries+1))
}

// toAppErr attaches the remote error kind so callers can branch on it.
func toAppErr(err error) error {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	return apperr.Wrap(apiErr.Kind, err, apiErr.Detail)
}

// get performs a GET request with retries.
func (c *Client) get(ctx context.Context, path string, query url.Values, result any) error {
	body, err := c.doWithRetry(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, result); err != nil {
		return apperr.Dependency(err, "unmarshal response")
	}

	return nil
}

// PostJSON posts payload and decodes the response into result, which may be nil.
func (c *Client) PostJSON(ctx context.Context, path string, payload, result any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	body, err := c.doWithRetry(ctx, http.MethodPost, path, nil, b)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(body, result); err != nil {
		return apperr.Dependency(err, "unmarshal response")
	}
	return nil
}
