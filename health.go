package tryonbroker

import (
	"sync"
	"time"
)

const (
	healthFailureThreshold = 3
	healthFailureWindow    = 5 * time.Minute
	healthUnhealthyPeriod  = 30 * time.Second
)

// HealthState describes the observed health of a credential.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthUnhealthy
	HealthHalfOpen
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// HealthTracker tracks provider failures per credential using a circuit
// breaker pattern. It is observational: reservation never consults it.
type HealthTracker struct {
	mu          sync.Mutex
	credentials map[string]*credentialHealth
	now         func() time.Time
}

type credentialHealth struct {
	state       HealthState
	failures    []time.Time // sliding window of failure timestamps
	unhealthyAt time.Time
}

// NewHealthTracker creates a new HealthTracker.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		credentials: make(map[string]*credentialHealth),
		now:         time.Now,
	}
}

// Health returns the current state for a credential.
func (h *HealthTracker) Health(credentialID string) HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.credentials[credentialID]
	if !ok {
		return HealthHealthy
	}

	if ch.state == HealthUnhealthy && h.now().Sub(ch.unhealthyAt) >= healthUnhealthyPeriod {
		ch.state = HealthHalfOpen
	}
	return ch.state
}

// RecordSuccess marks a credential healthy and clears its failures.
func (h *HealthTracker) RecordSuccess(credentialID string) HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := h.getOrCreate(credentialID)
	ch.state = HealthHealthy
	ch.failures = ch.failures[:0]
	return ch.state
}

// RecordFailure records a provider failure and returns the resulting state.
func (h *HealthTracker) RecordFailure(credentialID string) HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := h.getOrCreate(credentialID)
	now := h.now()

	// A failure while half-open trips the breaker again immediately.
	if ch.state == HealthHalfOpen || (ch.state == HealthUnhealthy && now.Sub(ch.unhealthyAt) >= healthUnhealthyPeriod) {
		ch.state = HealthUnhealthy
		ch.unhealthyAt = now
		return ch.state
	}
	if ch.state == HealthUnhealthy {
		return ch.state
	}

	cutoff := now.Add(-healthFailureWindow)
	valid := ch.failures[:0]
	for _, t := range ch.failures {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	ch.failures = append(valid, now)

	if len(ch.failures) >= healthFailureThreshold {
		ch.state = HealthUnhealthy
		ch.unhealthyAt = now
	}
	return ch.state
}

func (h *HealthTracker) getOrCreate(credentialID string) *credentialHealth {
	ch, ok := h.credentials[credentialID]
	if !ok {
		ch = &credentialHealth{state: HealthHealthy}
		h.credentials[credentialID] = ch
	}
	return ch
}
