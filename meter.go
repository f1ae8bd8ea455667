package tryonbroker

import "time"

// Meter observes orchestration events for monitoring/logging.
// Implementations must never log Token.Secret.
type Meter interface {
	// OnAttempt is called after a credential was reserved for an attempt.
	OnAttempt(event AttemptEvent)

	// OnResult is called when an attempt finishes, successfully or not.
	OnResult(event ResultEvent)

	// OnUsage is called after a usage record write.
	OnUsage(event UsageEvent)
}

// AttemptEvent describes a reservation made for one pipeline run.
type AttemptEvent struct {
	RequestorID   string
	CredentialID  string
	ReservationID string
	AttemptNum    int
}

// ResultEvent describes the outcome of one pipeline run.
type ResultEvent struct {
	RequestorID   string
	CredentialID  string
	ReservationID string
	AttemptNum    int
	Success       bool
	Duration      time.Duration
	Images        int
	PayloadKeys   []string // set when a successful payload held no images
	Error         error
	Refunded      bool
	RefundError   error
	Health        HealthState
}

// UsageEvent describes a usage ledger write.
type UsageEvent struct {
	Record UsageRecord
	Error  error
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (m *noopMeter) OnAttempt(AttemptEvent) {}
func (m *noopMeter) OnResult(ResultEvent)   {}
func (m *noopMeter) OnUsage(UsageEvent)     {}
