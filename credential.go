package tryonbroker

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultUnitCost is the credit cost of one try-on call.
var DefaultUnitCost = decimal.RequireFromString("0.075")

// Secret is an opaque provider token. It is redacted when printed or logged.
type Secret string

func (s Secret) String() string { return "[REDACTED]" }

// LogValue implements slog.LogValuer.
func (s Secret) LogValue() slog.Value { return slog.StringValue("[REDACTED]") }

// Reveal returns the raw token for use in an Authorization header.
func (s Secret) Reveal() string { return string(s) }

// Credential is a metered provider credential with a credit balance.
type Credential struct {
	ID               string
	Secret           Secret
	CreditsRemaining decimal.Decimal
	Enabled          bool
	UsageCount       int64
	LastUsedAt       time.Time
}

// Eligible reports whether the credential can pay for one call of cost.
func (c Credential) Eligible(cost decimal.Decimal) bool {
	return c.Enabled && c.Secret != "" && c.CreditsRemaining.GreaterThanOrEqual(cost)
}

// Lease is the result of a successful store-level reservation.
type Lease struct {
	CredentialID string
	Secret       Secret
}

// UsageRecord is an append-only ledger entry for one successful call.
type UsageRecord struct {
	ID           string
	RequestorID  string
	CredentialID string
	Cost         decimal.Decimal
	Timestamp    time.Time
}

// CredentialStore atomically debits and refunds credential balances.
type CredentialStore interface {
	// Reserve selects the eligible credential with the largest balance and
	// debits cost from it in one atomic unit. Returns false if no credential
	// is eligible.
	Reserve(ctx context.Context, cost decimal.Decimal) (Lease, bool, error)

	// Refund adds cost back to a credential. Missing credentials are ignored.
	Refund(ctx context.Context, credentialID string, cost decimal.Decimal) error
}

// UsageLedger records successful calls.
type UsageLedger interface {
	Append(ctx context.Context, rec UsageRecord) error
}

// UsageReader is implemented by ledgers that can be read back.
type UsageReader interface {
	UsageRecords(ctx context.Context) ([]UsageRecord, error)
}

// CredentialRegistry is implemented by stores that support administrative
// credential management.
type CredentialRegistry interface {
	PutCredential(ctx context.Context, c Credential) error
	// SeedCredential inserts c only when no credential with its id exists.
	// A stored balance is never overwritten. Reports whether c was inserted.
	SeedCredential(ctx context.Context, c Credential) (bool, error)
	ListCredentials(ctx context.Context) ([]Credential, error)
}

// SelectCredential returns the index of the eligible credential with the
// largest balance. Ties keep the earliest index.
func SelectCredential(creds []Credential, cost decimal.Decimal) (int, bool) {
	best := -1
	for i, c := range creds {
		if !c.Eligible(cost) {
			continue
		}
		if best < 0 || c.CreditsRemaining.GreaterThan(creds[best].CreditsRemaining) {
			best = i
		}
	}
	return best, best >= 0
}
