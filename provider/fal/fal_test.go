package fal

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tb "github.com/ineyio/tryonbroker"
)

// recordingSleep records requested backoffs without waiting.
type recordingSleep struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (s *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slept = append(s.slept, d)
	return ctx.Err()
}

func newTestClient(t *testing.T, h http.Handler, opts ...Option) (*Client, *httptest.Server, *recordingSleep) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	rs := &recordingSleep{}
	all := append([]Option{
		WithQueueURL(srv.URL + "/queue"),
		WithHTTPClient(srv.Client()),
		withSleep(rs.sleep),
	}, opts...)
	return New(all...), srv, rs
}

func TestSubmit_SendsFixedBodyAndKeyAuth(t *testing.T) {
	var (
		gotAuth string
		gotBody map[string]any
	)
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/queue", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		gotAuth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(raw, &gotBody))
		w.Write([]byte(`{"request_id":"req-1","status_url":"https://q/status/req-1","response_url":"https://q/resp/req-1"}`))
	}))

	h, err := c.Submit(context.Background(), tb.Secret("  key-123 \n"), tb.Params{
		"model":            "https://x/model.png",
		"garment":          "https://x/garment.png",
		"category":         "tops",
		"garmentPhotoType": "flat-lay",
		"unknown":          "ignored",
	})
	require.NoError(t, err)

	assert.Equal(t, "Key key-123", gotAuth)
	assert.Equal(t, tb.JobHandle{
		RequestID:   "req-1",
		StatusURL:   "https://q/status/req-1",
		ResponseURL: "https://q/resp/req-1",
	}, h)

	assert.Equal(t, map[string]any{
		"model_image":        "https://x/model.png",
		"garment_image":      "https://x/garment.png",
		"category":           "tops",
		"mode":               nil,
		"garment_photo_type": "flat-lay",
		"moderation_level":   "permissive",
		"num_samples":        float64(1),
		"segmentation_free":  true,
		"output_format":      "png",
	}, gotBody)
}

func TestSubmit_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"unauthorized", http.StatusUnauthorized, `{"detail":"bad key"}`},
		{"server error", http.StatusInternalServerError, `oops`},
		{"missing status_url", http.StatusOK, `{"request_id":"r"}`},
		{"non-string status_url", http.StatusOK, `{"status_url":5}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))

			_, err := c.Submit(context.Background(), "k", tb.Params{})
			var subErr *tb.SubmissionError
			require.ErrorAs(t, err, &subErr)
			assert.Equal(t, tt.status, subErr.StatusCode)
			assert.Equal(t, tt.body, subErr.Body)
			assert.True(t, tb.IsProviderFailure(err))
		})
	}
}

func TestSubmit_TransportError(t *testing.T) {
	c := New(WithQueueURL("http://127.0.0.1:1/queue"))

	_, err := c.Submit(context.Background(), "k", tb.Params{})
	var subErr *tb.SubmissionError
	require.ErrorAs(t, err, &subErr)
	assert.Equal(t, 0, subErr.StatusCode)
	assert.Error(t, subErr.Err)
}

func TestAwait_PendingThenDone(t *testing.T) {
	var calls atomic.Int64
	c, srv, rs := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Key k", r.Header.Get("Authorization"))
		if calls.Add(1) <= 3 {
			w.WriteHeader(http.StatusAccepted)
			w.Write([]byte(`{"status":"IN_QUEUE"}`))
			return
		}
		w.Write([]byte(`{"images":[{"url":"https://cdn/x.png"}]}`))
	}))

	payload, err := c.Await(context.Background(), "k", tb.JobHandle{StatusURL: srv.URL + "/status"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"images":[{"url":"https://cdn/x.png"}]}`, string(payload))
	assert.Equal(t, int64(4), calls.Load())
	assert.Equal(t, []time.Duration{800 * time.Millisecond, 1200 * time.Millisecond, 1800 * time.Millisecond}, rs.slept)
}

func TestAwait_FollowsResponseURL(t *testing.T) {
	tests := []struct {
		name string
		body func(base string) string
	}{
		{"response_url", func(base string) string { return `{"status":"COMPLETED","response_url":"` + base + `/result"}` }},
		{"response.url", func(base string) string { return `{"response":{"url":"` + base + `/result"}}` }},
		{"output.url", func(base string) string { return `{"output":{"url":"` + base + `/result"}}` }},
		{"empty response_url skipped", func(base string) string {
			return `{"response_url":"","output":{"url":"` + base + `/result"}}`
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var base string
			c, srv, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				switch r.URL.Path {
				case "/status":
					w.Write([]byte(tt.body(base)))
				case "/result":
					assert.Equal(t, "Key k", r.Header.Get("Authorization"))
					w.Write([]byte(`{"images":["https://cdn/final.png"]}`))
				default:
					http.NotFound(w, r)
				}
			}))
			base = srv.URL

			payload, err := c.Await(context.Background(), "k", tb.JobHandle{StatusURL: srv.URL + "/status"})
			require.NoError(t, err)
			assert.JSONEq(t, `{"images":["https://cdn/final.png"]}`, string(payload))
		})
	}
}

func TestAwait_NonStringLocationUsesStatusBody(t *testing.T) {
	c, srv, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response_url":{"href":"x"},"images":["https://cdn/a.png"]}`))
	}))

	payload, err := c.Await(context.Background(), "k", tb.JobHandle{StatusURL: srv.URL + "/status"})
	require.NoError(t, err)
	assert.Contains(t, string(payload), "https://cdn/a.png")
}

func TestAwait_RedirectFetchError(t *testing.T) {
	var base string
	c, srv, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/status" {
			w.Write([]byte(`{"response_url":"` + base + `/result"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("gone"))
	}))
	base = srv.URL

	_, err := c.Await(context.Background(), "k", tb.JobHandle{StatusURL: srv.URL + "/status"})
	var redirectErr *tb.RedirectFetchError
	require.ErrorAs(t, err, &redirectErr)
	assert.Equal(t, http.StatusNotFound, redirectErr.StatusCode)
	assert.Equal(t, "gone", redirectErr.Body)
	assert.Equal(t, srv.URL+"/result", redirectErr.URL)
}

func TestAwait_RedirectInvalidJSON(t *testing.T) {
	var base string
	c, srv, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/status" {
			w.Write([]byte(`{"response_url":"` + base + `/result"}`))
			return
		}
		w.Write([]byte("<html>"))
	}))
	base = srv.URL

	_, err := c.Await(context.Background(), "k", tb.JobHandle{StatusURL: srv.URL + "/status"})
	var redirectErr *tb.RedirectFetchError
	require.ErrorAs(t, err, &redirectErr)
	assert.ErrorIs(t, err, errInvalidJSON)
}

func TestAwait_PollErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		invalid bool
	}{
		{"server error", http.StatusInternalServerError, "boom", false},
		{"not found", http.StatusNotFound, `{"detail":"no such job"}`, false},
		{"invalid json", http.StatusOK, "not json", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, srv, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))

			_, err := c.Await(context.Background(), "k", tb.JobHandle{StatusURL: srv.URL + "/status"})
			var pollErr *tb.PollError
			require.ErrorAs(t, err, &pollErr)
			assert.Equal(t, tt.status, pollErr.StatusCode)
			assert.Equal(t, tt.body, pollErr.Body)
			assert.Equal(t, tt.invalid, errors.Is(err, errInvalidJSON))
		})
	}
}

func TestAwait_TimesOutAfterCeiling(t *testing.T) {
	var calls atomic.Int64
	c, srv, rs := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))

	_, err := c.Await(context.Background(), "k", tb.JobHandle{StatusURL: srv.URL + "/status"})
	require.ErrorIs(t, err, tb.ErrPollTimeout)

	assert.Equal(t, int64(25), calls.Load())
	require.Len(t, rs.slept, 25)

	want := []time.Duration{800, 1200, 1800, 2700, 4000}
	for i, ms := range want {
		assert.Equal(t, ms*time.Millisecond, rs.slept[i], "sleep %d", i)
	}
	var total time.Duration
	for _, d := range rs.slept {
		assert.LessOrEqual(t, d, 4*time.Second)
		total += d
	}
	assert.Equal(t, 90500*time.Millisecond, total)
}

func TestAwait_ContextCancelled(t *testing.T) {
	c, srv, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}), withSleep(sleepContext))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Await(ctx, "k", tb.JobHandle{StatusURL: srv.URL + "/status"})
	var pollErr *tb.PollError
	require.ErrorAs(t, err, &pollErr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNextBackoff(t *testing.T) {
	assert.Equal(t, 1200*time.Millisecond, nextBackoff(800*time.Millisecond, 4*time.Second))
	assert.Equal(t, 2700*time.Millisecond, nextBackoff(1800*time.Millisecond, 4*time.Second))
	assert.Equal(t, 4*time.Second, nextBackoff(2700*time.Millisecond, 4*time.Second))
	assert.Equal(t, 4*time.Second, nextBackoff(4*time.Second, 4*time.Second))
	assert.Equal(t, 1*time.Millisecond, nextBackoff(1*time.Millisecond, time.Second))
}

func TestRateLimit(t *testing.T) {
	var calls atomic.Int64
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"status_url":"https://q/s"}`))
	}), WithRateLimit(1, 1))

	_, err := c.Submit(context.Background(), "k", tb.Params{})
	require.NoError(t, err)

	// The bucket is empty; the second request cannot get a token before the deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = c.Submit(ctx, "k", tb.Params{})
	var subErr *tb.SubmissionError
	require.ErrorAs(t, err, &subErr)
	assert.Equal(t, int64(1), calls.Load())
}

func TestNewFromConfig(t *testing.T) {
	cfg := tb.DefaultConfig()
	cfg.Provider.QueueURL = "https://queue.example.com/model/"
	cfg.Provider.RateLimit = 2
	cfg.Provider.Burst = 3

	c := NewFromConfig(cfg)
	assert.Equal(t, "https://queue.example.com/model", c.queueURL)
	assert.Equal(t, cfg.Provider.Timeout, c.httpClient.Timeout)
	require.NotNil(t, c.limiter)
	assert.Equal(t, 3, c.limiter.Burst())
	assert.Equal(t, cfg.Poll, c.poll)
}
