package tryonbroker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestHealthTracker() (*HealthTracker, *time.Time) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h := NewHealthTracker()
	h.now = func() time.Time { return now }
	return h, &now
}

func TestHealthState_String(t *testing.T) {
	assert.Equal(t, "healthy", HealthHealthy.String())
	assert.Equal(t, "unhealthy", HealthUnhealthy.String())
	assert.Equal(t, "half-open", HealthHalfOpen.String())
	assert.Equal(t, "unknown", HealthState(99).String())
}

func TestHealthTracker_OpensAfterFailures(t *testing.T) {
	h, _ := newTestHealthTracker()

	assert.Equal(t, HealthHealthy, h.Health("a"))
	assert.Equal(t, HealthHealthy, h.RecordFailure("a"))
	assert.Equal(t, HealthHealthy, h.RecordFailure("a"))
	assert.Equal(t, HealthUnhealthy, h.RecordFailure("a"))
	assert.Equal(t, HealthUnhealthy, h.Health("a"))

	// Other credentials are unaffected.
	assert.Equal(t, HealthHealthy, h.Health("b"))
}

func TestHealthTracker_FailuresOutsideWindowExpire(t *testing.T) {
	h, now := newTestHealthTracker()

	h.RecordFailure("a")
	h.RecordFailure("a")
	*now = now.Add(healthFailureWindow + time.Second)

	assert.Equal(t, HealthHealthy, h.RecordFailure("a"))
}

func TestHealthTracker_HalfOpenRecovery(t *testing.T) {
	h, now := newTestHealthTracker()

	for i := 0; i < healthFailureThreshold; i++ {
		h.RecordFailure("a")
	}
	*now = now.Add(healthUnhealthyPeriod)
	assert.Equal(t, HealthHalfOpen, h.Health("a"))

	assert.Equal(t, HealthHealthy, h.RecordSuccess("a"))
	assert.Equal(t, HealthHealthy, h.Health("a"))

	// Failure count was reset by the success.
	assert.Equal(t, HealthHealthy, h.RecordFailure("a"))
}

func TestHealthTracker_HalfOpenFailureRetrips(t *testing.T) {
	h, now := newTestHealthTracker()

	for i := 0; i < healthFailureThreshold; i++ {
		h.RecordFailure("a")
	}
	*now = now.Add(healthUnhealthyPeriod)
	assert.Equal(t, HealthHalfOpen, h.Health("a"))

	assert.Equal(t, HealthUnhealthy, h.RecordFailure("a"))
	*now = now.Add(healthUnhealthyPeriod / 2)
	assert.Equal(t, HealthUnhealthy, h.Health("a"))
}
