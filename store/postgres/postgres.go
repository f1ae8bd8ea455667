// Package postgres provides a PostgreSQL-backed credential store for tryonbroker.
//
// Reserve runs as a SERIALIZABLE transaction that selects the richest eligible
// credential FOR UPDATE and debits it with a guarded UPDATE. Serialization
// failures and deadlocks are retried with jittered backoff, so concurrent
// brokers never observe a negative balance.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	tb "github.com/ineyio/tryonbroker"
)

const (
	defaultMaxRetries = 8
	retryBaseDelay    = 5 * time.Millisecond
	retryMaxDelay     = 250 * time.Millisecond
)

// Store is a PostgreSQL-backed CredentialStore, UsageLedger and
// CredentialRegistry.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
	maxRetries  int
}

var (
	_ tb.CredentialStore    = (*Store)(nil)
	_ tb.UsageLedger        = (*Store)(nil)
	_ tb.CredentialRegistry = (*Store)(nil)
	_ tb.UsageReader        = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "tryonbroker_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// WithMaxRetries sets how many times a conflicting transaction is retried.
// Negative values are treated as zero.
func WithMaxRetries(n int) Option {
	return func(s *Store) { s.maxRetries = max(n, 0) }
}

// New creates a new PostgreSQL-backed store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "tryonbroker_",
		maxRetries:  defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) credentialsTable() string { return s.tablePrefix + "credentials" }
func (s *Store) usageTable() string       { return s.tablePrefix + "usage" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			secret TEXT NOT NULL,
			credits_remaining NUMERIC NOT NULL CHECK (credits_remaining >= 0),
			enabled BOOLEAN NOT NULL DEFAULT true,
			usage_count BIGINT NOT NULL DEFAULT 0,
			last_used_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS %[1]s_eligible_idx
			ON %[1]s (credits_remaining DESC) WHERE enabled;
		CREATE TABLE IF NOT EXISTS %[2]s (
			id TEXT PRIMARY KEY,
			requestor_id TEXT NOT NULL,
			credential_id TEXT NOT NULL,
			cost NUMERIC NOT NULL,
			at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`, s.credentialsTable(), s.usageTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("tryonbroker/postgres: ensure schema: %w", err)
	}
	return nil
}

// Reserve debits cost from the eligible credential with the largest balance.
func (s *Store) Reserve(ctx context.Context, cost decimal.Decimal) (tb.Lease, bool, error) {
	var (
		lease tb.Lease
		found bool
	)
	err := s.retry(ctx, func() error {
		found = false
		return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
			var id, secret string
			err := tx.QueryRow(ctx,
				fmt.Sprintf(`SELECT id, secret FROM %s
					WHERE enabled AND secret <> '' AND credits_remaining >= $1::numeric
					ORDER BY credits_remaining DESC
					LIMIT 1
					FOR UPDATE`, s.credentialsTable()),
				cost.String(),
			).Scan(&id, &secret)
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			if err != nil {
				return err
			}

			tag, err := tx.Exec(ctx,
				fmt.Sprintf(`UPDATE %s SET
						credits_remaining = credits_remaining - $1::numeric,
						usage_count = usage_count + 1,
						last_used_at = now()
					WHERE id = $2 AND credits_remaining >= $1::numeric`, s.credentialsTable()),
				cost.String(), id,
			)
			if err != nil {
				return err
			}
			if tag.RowsAffected() != 1 {
				return errConcurrentDebit
			}

			lease = tb.Lease{CredentialID: id, Secret: tb.Secret(secret)}
			found = true
			return nil
		})
	})
	if err != nil {
		return tb.Lease{}, false, fmt.Errorf("tryonbroker/postgres: reserve: %w", err)
	}
	return lease, found, nil
}

// Refund adds cost back to a credential. Unknown ids are ignored.
func (s *Store) Refund(ctx context.Context, credentialID string, cost decimal.Decimal) error {
	err := s.retry(ctx, func() error {
		return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx,
				fmt.Sprintf(`UPDATE %s SET credits_remaining = credits_remaining + $1::numeric WHERE id = $2`,
					s.credentialsTable()),
				cost.String(), credentialID,
			)
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("tryonbroker/postgres: refund: %w", err)
	}
	return nil
}

// SeedCredential inserts c unless a credential with the same id exists.
func (s *Store) SeedCredential(ctx context.Context, c tb.Credential) (bool, error) {
	if c.ID == "" {
		return false, fmt.Errorf("tryonbroker/postgres: credential id is required")
	}
	var lastUsed *time.Time
	if !c.LastUsedAt.IsZero() {
		lastUsed = &c.LastUsedAt
	}
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, secret, credits_remaining, enabled, usage_count, last_used_at)
			VALUES ($1, $2, $3::numeric, $4, $5, $6)
			ON CONFLICT (id) DO NOTHING`,
			s.credentialsTable()),
		c.ID, string(c.Secret), c.CreditsRemaining.String(), c.Enabled, c.UsageCount, lastUsed,
	)
	if err != nil {
		return false, fmt.Errorf("tryonbroker/postgres: seed credential: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// PutCredential inserts or replaces a credential (upsert).
func (s *Store) PutCredential(ctx context.Context, c tb.Credential) error {
	if c.ID == "" {
		return fmt.Errorf("tryonbroker/postgres: credential id is required")
	}
	var lastUsed *time.Time
	if !c.LastUsedAt.IsZero() {
		lastUsed = &c.LastUsedAt
	}
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, secret, credits_remaining, enabled, usage_count, last_used_at)
			VALUES ($1, $2, $3::numeric, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET
				secret = EXCLUDED.secret,
				credits_remaining = EXCLUDED.credits_remaining,
				enabled = EXCLUDED.enabled,
				usage_count = EXCLUDED.usage_count,
				last_used_at = EXCLUDED.last_used_at`,
			s.credentialsTable()),
		c.ID, string(c.Secret), c.CreditsRemaining.String(), c.Enabled, c.UsageCount, lastUsed,
	)
	if err != nil {
		return fmt.Errorf("tryonbroker/postgres: put credential: %w", err)
	}
	return nil
}

// ListCredentials returns all credentials ordered by id.
func (s *Store) ListCredentials(ctx context.Context) ([]tb.Credential, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT id, secret, credits_remaining::text, enabled, usage_count, last_used_at
			FROM %s ORDER BY id`, s.credentialsTable()),
	)
	if err != nil {
		return nil, fmt.Errorf("tryonbroker/postgres: list credentials: %w", err)
	}
	defer rows.Close()

	var creds []tb.Credential
	for rows.Next() {
		var (
			c        tb.Credential
			secret   string
			credits  string
			lastUsed *time.Time
		)
		if err := rows.Scan(&c.ID, &secret, &credits, &c.Enabled, &c.UsageCount, &lastUsed); err != nil {
			return nil, fmt.Errorf("tryonbroker/postgres: scan credential: %w", err)
		}
		c.Secret = tb.Secret(secret)
		c.CreditsRemaining, err = decimal.NewFromString(credits)
		if err != nil {
			return nil, fmt.Errorf("tryonbroker/postgres: credential %s: parse balance: %w", c.ID, err)
		}
		if lastUsed != nil {
			c.LastUsedAt = lastUsed.UTC()
		}
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tryonbroker/postgres: list credentials: %w", err)
	}
	return creds, nil
}

// Append inserts a usage record. The timestamp is assigned by the database.
func (s *Store) Append(ctx context.Context, rec tb.UsageRecord) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, requestor_id, credential_id, cost) VALUES ($1, $2, $3, $4::numeric)`,
			s.usageTable()),
		rec.ID, rec.RequestorID, rec.CredentialID, rec.Cost.String(),
	)
	if err != nil {
		return fmt.Errorf("tryonbroker/postgres: append usage: %w", err)
	}
	return nil
}

// UsageRecords returns the usage ledger ordered by time.
func (s *Store) UsageRecords(ctx context.Context) ([]tb.UsageRecord, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT id, requestor_id, credential_id, cost::text, at FROM %s ORDER BY at, id`,
			s.usageTable()),
	)
	if err != nil {
		return nil, fmt.Errorf("tryonbroker/postgres: read usage: %w", err)
	}
	defer rows.Close()

	var recs []tb.UsageRecord
	for rows.Next() {
		var (
			rec  tb.UsageRecord
			cost string
		)
		if err := rows.Scan(&rec.ID, &rec.RequestorID, &rec.CredentialID, &cost, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("tryonbroker/postgres: scan usage: %w", err)
		}
		rec.Cost, _ = decimal.NewFromString(cost)
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tryonbroker/postgres: read usage: %w", err)
	}
	return recs, nil
}

var errConcurrentDebit = errors.New("credential balance changed during reservation")

// retry runs fn until it succeeds, fails with a non-retryable error, or the
// retry budget is spent.
func (s *Store) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		err = fn()
		if err == nil || !isRetryable(err) {
			return err
		}

		delay := min(retryBaseDelay<<min(attempt, 16), retryMaxDelay)
		delay += time.Duration(rand.Int63n(int64(delay)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("gave up after %d retries: %w", s.maxRetries, err)
}

func isRetryable(err error) bool {
	if errors.Is(err, errConcurrentDebit) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}
	}
	return false
}
