// Package store provides credential stores for tryonbroker.
//
// MemoryStore keeps credentials and the usage ledger in process memory. It is
// intended for tests and single-instance deployments; use store/redis or
// store/postgres when several broker instances share one credential pool.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	tb "github.com/ineyio/tryonbroker"
)

// MemoryStore is an in-memory CredentialStore, UsageLedger and
// CredentialRegistry.
type MemoryStore struct {
	mu          sync.Mutex
	credentials []tb.Credential // insertion order is the tie-break order
	index       map[string]int
	usage       []tb.UsageRecord
	now         func() time.Time
}

var (
	_ tb.CredentialStore    = (*MemoryStore)(nil)
	_ tb.UsageLedger        = (*MemoryStore)(nil)
	_ tb.CredentialRegistry = (*MemoryStore)(nil)
	_ tb.UsageReader        = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		index: make(map[string]int),
		now:   time.Now,
	}
}

// PutCredential inserts or replaces a credential.
func (s *MemoryStore) PutCredential(_ context.Context, c tb.Credential) error {
	if c.ID == "" {
		return fmt.Errorf("tryonbroker/store: credential id is required")
	}
	if c.CreditsRemaining.IsNegative() {
		return fmt.Errorf("tryonbroker/store: credential %s: negative balance", c.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if i, ok := s.index[c.ID]; ok {
		s.credentials[i] = c
		return nil
	}
	s.index[c.ID] = len(s.credentials)
	s.credentials = append(s.credentials, c)
	return nil
}

// SeedCredential adds c unless a credential with the same id exists.
func (s *MemoryStore) SeedCredential(_ context.Context, c tb.Credential) (bool, error) {
	if c.ID == "" {
		return false, fmt.Errorf("tryonbroker/store: credential id is required")
	}
	if c.CreditsRemaining.IsNegative() {
		return false, fmt.Errorf("tryonbroker/store: credential %s: negative balance", c.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[c.ID]; ok {
		return false, nil
	}
	s.index[c.ID] = len(s.credentials)
	s.credentials = append(s.credentials, c)
	return true, nil
}

// ListCredentials returns a copy of all credentials in insertion order.
func (s *MemoryStore) ListCredentials(context.Context) ([]tb.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]tb.Credential, len(s.credentials))
	copy(out, s.credentials)
	return out, nil
}

// Credential returns a single credential by id.
func (s *MemoryStore) Credential(id string) (tb.Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		return tb.Credential{}, false
	}
	return s.credentials[i], true
}

// Reserve debits cost from the eligible credential with the largest balance.
func (s *MemoryStore) Reserve(_ context.Context, cost decimal.Decimal) (tb.Lease, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := tb.SelectCredential(s.credentials, cost)
	if !ok {
		return tb.Lease{}, false, nil
	}

	c := &s.credentials[i]
	c.CreditsRemaining = c.CreditsRemaining.Sub(cost)
	c.UsageCount++
	c.LastUsedAt = s.now().UTC()

	return tb.Lease{CredentialID: c.ID, Secret: c.Secret}, true, nil
}

// Refund adds cost back to a credential. Unknown ids are ignored.
func (s *MemoryStore) Refund(_ context.Context, credentialID string, cost decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[credentialID]
	if !ok {
		return nil
	}
	s.credentials[i].CreditsRemaining = s.credentials[i].CreditsRemaining.Add(cost)
	return nil
}

// Append records a usage entry, stamping the time if unset.
func (s *MemoryStore) Append(_ context.Context, rec tb.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now().UTC()
	}
	s.usage = append(s.usage, rec)
	return nil
}

// Usage returns a copy of the usage ledger.
func (s *MemoryStore) Usage() []tb.UsageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]tb.UsageRecord, len(s.usage))
	copy(out, s.usage)
	return out
}

// UsageRecords returns the usage ledger in append order.
func (s *MemoryStore) UsageRecords(context.Context) ([]tb.UsageRecord, error) {
	return s.Usage(), nil
}
