// Package mock is an in-process Provider for tests and dry runs.
package mock

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	tb "github.com/ineyio/tryonbroker"
)

// DefaultPayload is returned by Await unless overridden.
var DefaultPayload = json.RawMessage(`{"images":[{"url":"https://cdn.example.com/mock-tryon.png"}]}`)

// Provider is a mock try-on provider.
type Provider struct {
	latency     time.Duration
	failFirst   int
	submitErr   error
	awaitErr    error
	failSecrets map[string]bool
	payload     json.RawMessage

	submitCount atomic.Int64
	awaitCount  atomic.Int64

	mu      sync.Mutex
	secrets []string
}

var _ tb.Provider = (*Provider)(nil)

// Option configures a mock Provider.
type Option func(*Provider)

// New creates a mock provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		payload:     DefaultPayload,
		failSecrets: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithLatency adds simulated latency to each Submit.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithFailFirst makes the first n submissions fail with a 503.
func WithFailFirst(n int) Option {
	return func(p *Provider) { p.failFirst = n }
}

// WithSubmitError makes every Submit return err.
func WithSubmitError(err error) Option {
	return func(p *Provider) { p.submitErr = err }
}

// WithAwaitError makes every Await return err.
func WithAwaitError(err error) Option {
	return func(p *Provider) { p.awaitErr = err }
}

// WithFailingSecrets makes submissions made with any of these secrets fail
// with a 401.
func WithFailingSecrets(secrets ...string) Option {
	return func(p *Provider) {
		for _, s := range secrets {
			p.failSecrets[s] = true
		}
	}
}

// WithPayload sets the raw payload returned by Await.
func WithPayload(payload json.RawMessage) Option {
	return func(p *Provider) { p.payload = payload }
}

func (p *Provider) Submit(ctx context.Context, secret tb.Secret, _ tb.Params) (tb.JobHandle, error) {
	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return tb.JobHandle{}, &tb.SubmissionError{Err: ctx.Err()}
		}
	}

	count := p.submitCount.Add(1)

	p.mu.Lock()
	p.secrets = append(p.secrets, secret.Reveal())
	p.mu.Unlock()

	if p.submitErr != nil {
		return tb.JobHandle{}, p.submitErr
	}
	if p.failSecrets[secret.Reveal()] {
		return tb.JobHandle{}, &tb.SubmissionError{StatusCode: http.StatusUnauthorized, Body: `{"detail":"invalid key"}`}
	}
	if int(count) <= p.failFirst {
		return tb.JobHandle{}, &tb.SubmissionError{StatusCode: http.StatusServiceUnavailable, Body: "mock: unavailable"}
	}

	return tb.JobHandle{
		RequestID: "mock-request-id",
		StatusURL: "mock://status/mock-request-id",
	}, nil
}

func (p *Provider) Await(_ context.Context, _ tb.Secret, _ tb.JobHandle) (json.RawMessage, error) {
	p.awaitCount.Add(1)
	if p.awaitErr != nil {
		return nil, p.awaitErr
	}
	return p.payload, nil
}

// SubmitCount returns the number of Submit calls.
func (p *Provider) SubmitCount() int64 { return p.submitCount.Load() }

// AwaitCount returns the number of Await calls.
func (p *Provider) AwaitCount() int64 { return p.awaitCount.Load() }

// Secrets returns the secrets used for each Submit call, in order.
func (p *Provider) Secrets() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]string, len(p.secrets))
	copy(out, p.secrets)
	return out
}
