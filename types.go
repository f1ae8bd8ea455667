package tryonbroker

import (
	"context"
	"encoding/json"
)

// Identity is an authenticated caller.
type Identity struct {
	UID string
}

// Params is the loosely-typed task parameter bag supplied by the caller.
type Params map[string]any

// Request is a single try-on request.
type Request struct {
	Identity Identity
	Params   Params
}

// Image is a single result item.
type Image struct {
	URL string `json:"url"`
}

// Result is the normalized outcome of a try-on call.
type Result struct {
	Images  []Image     `json:"images"`
	Routing RoutingInfo `json:"-"`
}

// RoutingInfo describes which credential served the request.
type RoutingInfo struct {
	CredentialID string
	Attempts     int
}

// JobHandle locates a queued provider job.
type JobHandle struct {
	RequestID   string
	StatusURL   string
	ResponseURL string
}

// Provider runs jobs on the external async queue.
type Provider interface {
	// Submit queues a job and returns its handle.
	Submit(ctx context.Context, secret Secret, params Params) (JobHandle, error)

	// Await polls the job until it reaches a terminal state and returns the
	// raw result payload.
	Await(ctx context.Context, secret Secret, handle JobHandle) (json.RawMessage, error)
}
