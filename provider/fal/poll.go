package fal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	tb "github.com/ineyio/tryonbroker"
)

var errInvalidJSON = errors.New("invalid JSON body")

// resultLocationPaths are checked in order for a separate result address.
var resultLocationPaths = []string{"response_url", "response.url", "output.url"}

// Await polls the job until it finishes and returns the result payload.
//
// 202 keeps the job pending and backs off. Any other non-2xx fails. A 2xx
// body that names a result location is followed with one more GET; otherwise
// the status body itself is the result.
func (c *Client) Await(ctx context.Context, secret tb.Secret, h tb.JobHandle) (json.RawMessage, error) {
	var waited time.Duration
	backoff := c.poll.InitialBackoff

	for waited <= c.poll.MaxWait {
		req, err := c.newRequest(ctx, http.MethodGet, h.StatusURL, secret, nil)
		if err != nil {
			return nil, &tb.PollError{Err: err}
		}
		status, body, err := c.do(req)
		if err != nil {
			return nil, &tb.PollError{StatusCode: status, Err: err}
		}

		if status == http.StatusAccepted {
			if err := c.sleep(ctx, backoff); err != nil {
				return nil, &tb.PollError{StatusCode: status, Err: err}
			}
			waited += backoff
			backoff = nextBackoff(backoff, c.poll.MaxBackoff)
			continue
		}

		if !isSuccess(status) {
			return nil, &tb.PollError{StatusCode: status, Body: snippet(body)}
		}
		if !gjson.ValidBytes(body) {
			return nil, &tb.PollError{StatusCode: status, Body: snippet(body), Err: errInvalidJSON}
		}

		if loc, ok := resultLocation(body); ok {
			return c.fetchResult(ctx, secret, loc)
		}
		return json.RawMessage(body), nil
	}

	return nil, tb.ErrPollTimeout
}

// fetchResult follows the result location of a finished job.
func (c *Client) fetchResult(ctx context.Context, secret tb.Secret, url string) (json.RawMessage, error) {
	req, err := c.newRequest(ctx, http.MethodGet, url, secret, nil)
	if err != nil {
		return nil, &tb.RedirectFetchError{URL: url, Err: err}
	}
	status, body, err := c.do(req)
	if err != nil {
		return nil, &tb.RedirectFetchError{URL: url, StatusCode: status, Err: err}
	}
	if !isSuccess(status) {
		return nil, &tb.RedirectFetchError{URL: url, StatusCode: status, Body: snippet(body)}
	}
	if !gjson.ValidBytes(body) {
		return nil, &tb.RedirectFetchError{URL: url, StatusCode: status, Body: snippet(body), Err: errInvalidJSON}
	}
	return json.RawMessage(body), nil
}

// resultLocation returns the first non-empty location field, if it is a string.
func resultLocation(body []byte) (string, bool) {
	for _, p := range resultLocationPaths {
		v := gjson.GetBytes(body, p)
		switch v.Type {
		case gjson.Null, gjson.False:
			continue
		case gjson.String:
			if v.Str == "" {
				continue
			}
			return v.Str, true
		case gjson.Number:
			if v.Num == 0 {
				continue
			}
		}
		return "", false
	}
	return "", false
}

// nextBackoff grows d by half, truncated to whole milliseconds, capped at ceiling.
func nextBackoff(d, ceiling time.Duration) time.Duration {
	next := (d * 3 / 2).Truncate(time.Millisecond)
	if next > ceiling {
		return ceiling
	}
	return next
}
