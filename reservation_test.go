package tryonbroker_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tb "github.com/ineyio/tryonbroker"
)

func TestReserver_AcquireAndRelease(t *testing.T) {
	pool := newPool(t, cred("a", "sa", "1"))
	r := tb.NewReserver(pool, unitCost)
	ctx := context.Background()

	tok, err := r.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, tok.ID)
	assert.Equal(t, "a", tok.CredentialID)
	assert.Equal(t, "sa", tok.Secret.Reveal())
	assert.True(t, tok.Cost.Equal(unitCost))
	assertBalance(t, pool, "a", "0.925")

	require.NoError(t, r.Release(ctx, tok))
	assertBalance(t, pool, "a", "1")
}

func TestReserver_TokensAreUnique(t *testing.T) {
	pool := newPool(t, cred("a", "sa", "1"))
	r := tb.NewReserver(pool, unitCost)

	t1, err := r.Acquire(context.Background())
	require.NoError(t, err)
	t2, err := r.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, t1.ID, t2.ID)
	assert.Equal(t, t1.CredentialID, t2.CredentialID)
}

func TestReserver_ExhaustedLeavesStoreUntouched(t *testing.T) {
	pool := newPool(t, cred("a", "sa", "0.074"))
	r := tb.NewReserver(pool, unitCost)

	_, err := r.Acquire(context.Background())
	require.ErrorIs(t, err, tb.ErrExhausted)

	c, _ := pool.Credential("a")
	assert.Equal(t, "0.074", c.CreditsRemaining.String())
	assert.Equal(t, int64(0), c.UsageCount)
	assert.True(t, c.LastUsedAt.IsZero())
}

type brokenStore struct{}

func (brokenStore) Reserve(context.Context, decimal.Decimal) (tb.Lease, bool, error) {
	return tb.Lease{}, false, errors.New("connection refused")
}

func (brokenStore) Refund(context.Context, string, decimal.Decimal) error {
	return errors.New("connection refused")
}

func TestReserver_StoreErrorsAreWrapped(t *testing.T) {
	r := tb.NewReserver(brokenStore{}, unitCost)

	_, err := r.Acquire(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, tb.ErrExhausted)
	assert.Contains(t, err.Error(), "connection refused")

	err = r.Release(context.Background(), tb.Token{CredentialID: "a", Cost: unitCost})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refund a")
}
