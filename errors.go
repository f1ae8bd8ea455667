package tryonbroker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors.
var (
	ErrUnauthenticated = errors.New("tryonbroker: login required")
	ErrExhausted       = errors.New("tryonbroker: no credential with enough credits")
	ErrNoBackup        = errors.New("tryonbroker: provider failed; no backup credential")
	ErrBackupFailed    = errors.New("tryonbroker: provider failed on backup credential")
	ErrPollTimeout     = errors.New("tryonbroker: polling timeout")
)

// SubmissionError is returned when the provider does not accept a job.
// StatusCode is 0 when the request never got a response.
type SubmissionError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *SubmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tryonbroker: queue submit failed: %d %s: %v", e.StatusCode, e.Body, e.Err)
	}
	return fmt.Sprintf("tryonbroker: queue submit failed: %d %s", e.StatusCode, e.Body)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// PollError is returned when a status check ends in a non-success status.
type PollError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *PollError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tryonbroker: status error: %d %s: %v", e.StatusCode, e.Body, e.Err)
	}
	return fmt.Sprintf("tryonbroker: status error: %d %s", e.StatusCode, e.Body)
}

func (e *PollError) Unwrap() error { return e.Err }

// RedirectFetchError is returned when the final result location could not
// be fetched after the job completed.
type RedirectFetchError struct {
	URL        string
	StatusCode int
	Body       string
	Err        error
}

func (e *RedirectFetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tryonbroker: response_url error: %d %s: %v", e.StatusCode, e.Body, e.Err)
	}
	return fmt.Sprintf("tryonbroker: response_url error: %d %s", e.StatusCode, e.Body)
}

func (e *RedirectFetchError) Unwrap() error { return e.Err }

// BrokerError wraps a terminal failure with orchestration context.
type BrokerError struct {
	Err          error // a sentinel error, or the context error on cancellation
	Cause        error // underlying provider failure, if any
	CredentialID string
	Attempts     int
}

func (e *BrokerError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%v (attempts=%d)", e.Err, e.Attempts)
	}
	return fmt.Sprintf("%v (credential=%s attempts=%d): %v", e.Err, e.CredentialID, e.Attempts, e.Cause)
}

func (e *BrokerError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// IsProviderFailure reports whether err came from the provider side of the
// pipeline and should trigger a refund and a failover attempt.
func IsProviderFailure(err error) bool {
	var (
		subErr      *SubmissionError
		pollErr     *PollError
		redirectErr *RedirectFetchError
	)
	return errors.As(err, &subErr) ||
		errors.As(err, &pollErr) ||
		errors.As(err, &redirectErr) ||
		errors.Is(err, ErrPollTimeout)
}

// Code is a caller-facing failure category.
type Code string

const (
	CodeOK                Code = "ok"
	CodeUnauthenticated   Code = "unauthenticated"
	CodeResourceExhausted Code = "resource-exhausted"
	CodeNoBackup          Code = "no-backup"
	CodeUnavailable       Code = "unavailable"
	CodeCancelled         Code = "cancelled"
	CodeInternal          Code = "internal"
)

// CodeOf maps an error returned by Broker.TryOn to its caller-facing code.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, ErrExhausted):
		return CodeResourceExhausted
	case errors.Is(err, ErrNoBackup):
		return CodeNoBackup
	case errors.Is(err, ErrBackupFailed):
		return CodeUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCancelled
	default:
		return CodeInternal
	}
}

// HTTPStatus maps an error returned by Broker.TryOn to an HTTP status code.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeOK:
		return http.StatusOK
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeResourceExhausted:
		return http.StatusTooManyRequests
	case CodeNoBackup:
		return http.StatusServiceUnavailable
	case CodeUnavailable:
		return http.StatusBadGateway
	case CodeCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
