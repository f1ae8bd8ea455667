// Package fal is the queue client for the fal.ai try-on model.
//
// Jobs are submitted to the async queue and then polled until they finish.
// The client never retries; failover across credentials is the broker's job.
package fal

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	tb "github.com/ineyio/tryonbroker"
)

// maxBodyBytes bounds how much of an error body is kept for diagnostics.
const maxBodyBytes = 4096

// Client submits and polls try-on jobs.
type Client struct {
	queueURL   string
	httpClient *http.Client
	limiter    *rate.Limiter
	poll       tb.PollConfig
	sleep      func(ctx context.Context, d time.Duration) error
}

var _ tb.Provider = (*Client)(nil)

// Option configures the client.
type Option func(*Client)

// WithQueueURL sets the queue submission endpoint.
func WithQueueURL(url string) Option {
	return func(c *Client) { c.queueURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimit throttles outgoing requests to rps requests per second.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
		}
	}
}

// WithPollConfig sets the polling schedule.
func WithPollConfig(pc tb.PollConfig) Option {
	return func(c *Client) { c.poll = pc }
}

// withSleep replaces the backoff sleeper. Tests use it to skip real waiting.
func withSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// New creates a new queue client.
func New(opts ...Option) *Client {
	c := &Client{
		queueURL:   tb.DefaultQueueURL,
		httpClient: http.DefaultClient,
		poll:       tb.DefaultPollConfig(),
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewFromConfig creates a client from the provider and poll sections of cfg.
func NewFromConfig(cfg tb.Config) *Client {
	return New(
		WithQueueURL(cfg.Provider.QueueURL),
		WithHTTPClient(&http.Client{Timeout: cfg.Provider.Timeout}),
		WithRateLimit(cfg.Provider.RateLimit, cfg.Provider.Burst),
		WithPollConfig(cfg.Poll),
	)
}

func (c *Client) newRequest(ctx context.Context, method, url string, secret tb.Secret, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("tryonbroker/fal: create request: %w", err)
	}
	req.Header.Set("Authorization", "Key "+strings.TrimSpace(secret.Reveal()))
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do sends req and reads the whole response body.
func (c *Client) do(req *http.Request) (int, []byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return 0, nil, fmt.Errorf("tryonbroker/fal: rate limit: %w", err)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("tryonbroker/fal: %s %s: %w", req.Method, req.URL.Redacted(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("tryonbroker/fal: read body: %w", err)
	}
	return resp.StatusCode, body, nil
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

// snippet trims a response body for error messages.
func snippet(body []byte) string {
	if len(body) > maxBodyBytes {
		body = body[:maxBodyBytes]
	}
	return string(body)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
