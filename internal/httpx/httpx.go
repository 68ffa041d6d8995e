// Package httpx provides an HTTP helper with bounded retries for
// transient failures. 429 and 5xx responses are retried with
// exponential backoff, honoring a server-provided Retry-After header
// or a retry_after hint in a JSON body when present.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	defaultMaxAttempts = 6
	maxBackoff         = 60 * time.Second
	maxBodyBytes       = 4 << 20
)

// Client wraps an http.Client with retry behavior.
type Client struct {
	HTTP        *http.Client
	MaxAttempts int

	// sleep is replaceable in tests.
	sleep func(time.Duration)
}

// NewClient returns a Client with a per-request timeout.
func NewClient(timeout time.Duration) *Client {
	return &Client{
		HTTP:        &http.Client{Timeout: timeout},
		MaxAttempts: defaultMaxAttempts,
		sleep:       time.Sleep,
	}
}

// Response is the final outcome of a request after retries.
type Response struct {
	StatusCode int
	Body       []byte
}

// Do sends the request, retrying 429, 500, 502, 503, 504 and transport
// errors. The request body, if any, must be supplied as bytes so it can
// be replayed across attempts. Non-retryable statuses are returned to
// the caller as-is, success or not.
func (c *Client) Do(ctx context.Context, method, url string, header http.Header, body []byte) (*Response, error) {
	attempts := c.MaxAttempts
	if attempts < 1 {
		attempts = defaultMaxAttempts
	}
	slp := c.sleep
	if slp == nil {
		slp = time.Sleep
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, err
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}

		resp, err := c.HTTP.Do(req)
		if err != nil {
			lastErr = err
			if attempt >= attempts || ctx.Err() != nil {
				return nil, fmt.Errorf("%s %s: %w", method, url, err)
			}
			if !sleepCtx(ctx, slp, backoff(attempt)) {
				return nil, ctx.Err()
			}
			continue
		}

		data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			if attempt >= attempts {
				return nil, fmt.Errorf("%s %s: read body: %w", method, url, readErr)
			}
			if !sleepCtx(ctx, slp, backoff(attempt)) {
				return nil, ctx.Err()
			}
			continue
		}

		if !retryable(resp.StatusCode) {
			return &Response{StatusCode: resp.StatusCode, Body: data}, nil
		}
		if attempt >= attempts {
			return &Response{StatusCode: resp.StatusCode, Body: data}, nil
		}
		wait := retryDelay(resp, data, attempt)
		if !sleepCtx(ctx, slp, wait) {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("%s %s: %w", method, url, lastErr)
}

func retryable(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// retryDelay picks the wait before the next attempt. A Retry-After
// header wins, then a retry_after field in a JSON body (Telegram style),
// then exponential backoff capped at maxBackoff.
func retryDelay(resp *http.Response, body []byte, attempt int) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return capDelay(time.Duration(secs) * time.Second)
		}
	}
	if secs, ok := bodyRetryAfter(body); ok {
		return capDelay(time.Duration(secs) * time.Second)
	}
	return backoff(attempt)
}

func bodyRetryAfter(body []byte) (int, bool) {
	var envelope struct {
		Parameters struct {
			RetryAfter int `json:"retry_after"`
		} `json:"parameters"`
		RetryAfter int `json:"retry_after"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return 0, false
	}
	if envelope.Parameters.RetryAfter > 0 {
		return envelope.Parameters.RetryAfter, true
	}
	if envelope.RetryAfter > 0 {
		return envelope.RetryAfter, true
	}
	return 0, false
}

func backoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * time.Second
	return capDelay(d)
}

func capDelay(d time.Duration) time.Duration {
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func sleepCtx(ctx context.Context, slp func(time.Duration), d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	slp(d)
	return ctx.Err() == nil
}
