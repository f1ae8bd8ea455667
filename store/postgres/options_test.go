package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithMaxRetriesClampsNegative(t *testing.T) {
	s := New(nil, WithMaxRetries(-3))
	assert.Equal(t, 0, s.maxRetries)

	s = New(nil, WithMaxRetries(5))
	assert.Equal(t, 5, s.maxRetries)
}

func TestRetryWithoutRetriesRunsOnce(t *testing.T) {
	s := New(nil, WithMaxRetries(-1))

	calls := 0
	err := s.retry(context.Background(), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	calls = 0
	err = s.retry(context.Background(), func() error {
		calls++
		return errConcurrentDebit
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errConcurrentDebit)
	assert.Equal(t, 1, calls)
}
