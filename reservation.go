package tryonbroker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Token is a successful credit reservation scoped to one orchestration
// attempt. It must be released exactly once unless the attempt succeeds.
type Token struct {
	ID           string
	CredentialID string
	Secret       Secret
	Cost         decimal.Decimal
}

// Reserver acquires and releases credits against a CredentialStore.
type Reserver struct {
	store CredentialStore
	cost  decimal.Decimal
}

// NewReserver creates a Reserver that debits cost per acquisition.
func NewReserver(store CredentialStore, cost decimal.Decimal) *Reserver {
	return &Reserver{store: store, cost: cost}
}

// Cost returns the per-call cost debited by Acquire.
func (r *Reserver) Cost() decimal.Decimal { return r.cost }

// Acquire debits one unit of cost from the best eligible credential.
// Returns ErrExhausted if no credential can pay.
func (r *Reserver) Acquire(ctx context.Context) (Token, error) {
	lease, ok, err := r.store.Reserve(ctx, r.cost)
	if err != nil {
		return Token{}, fmt.Errorf("tryonbroker: reserve: %w", err)
	}
	if !ok {
		return Token{}, ErrExhausted
	}
	return Token{
		ID:           uuid.New().String(),
		CredentialID: lease.CredentialID,
		Secret:       lease.Secret,
		Cost:         r.cost,
	}, nil
}

// Release refunds the token's cost to its credential.
func (r *Reserver) Release(ctx context.Context, tok Token) error {
	if err := r.store.Refund(ctx, tok.CredentialID, tok.Cost); err != nil {
		return fmt.Errorf("tryonbroker: refund %s: %w", tok.CredentialID, err)
	}
	return nil
}
