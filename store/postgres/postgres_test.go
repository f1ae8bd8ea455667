//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	tb "github.com/ineyio/tryonbroker"
	storepg "github.com/ineyio/tryonbroker/store/postgres"
)

var cost = decimal.RequireFromString("0.075")

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = "postgres://localhost:5432/tryonbroker_test?sslmode=disable"
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		t.Fatalf("postgres not available: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

func newTestStore(t *testing.T, pool *pgxpool.Pool) *storepg.Store {
	t.Helper()
	// Use a unique prefix per test to avoid collisions.
	prefix := fmt.Sprintf("test_%s_", strings.ToLower(t.Name()))
	s := storepg.New(pool, storepg.WithTablePrefix(prefix), storepg.WithMaxRetries(32))

	ctx := context.Background()
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %scredentials, %susage", prefix, prefix))
	})
	return s
}

func put(t *testing.T, s *storepg.Store, id, balance string, enabled bool) {
	t.Helper()
	err := s.PutCredential(context.Background(), tb.Credential{
		ID:               id,
		Secret:           tb.Secret("secret-" + id),
		CreditsRemaining: decimal.RequireFromString(balance),
		Enabled:          enabled,
	})
	if err != nil {
		t.Fatalf("put credential %s: %v", id, err)
	}
}

func balanceOf(t *testing.T, s *storepg.Store, id string) decimal.Decimal {
	t.Helper()
	creds, err := s.ListCredentials(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, c := range creds {
		if c.ID == id {
			return c.CreditsRemaining
		}
	}
	t.Fatalf("credential %s not found", id)
	return decimal.Zero
}

func TestReserveAndRefund(t *testing.T) {
	pool := newTestPool(t)
	s := newTestStore(t, pool)
	ctx := context.Background()

	put(t, s, "small", "0.5", true)
	put(t, s, "big", "10", true)
	put(t, s, "off", "100", false)

	lease, ok, err := s.Reserve(ctx, cost)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !ok || lease.CredentialID != "big" || lease.Secret.Reveal() != "secret-big" {
		t.Fatalf("unexpected lease: %+v ok=%v", lease, ok)
	}
	if got := balanceOf(t, s, "big"); !got.Equal(decimal.RequireFromString("9.925")) {
		t.Fatalf("expected 9.925, got %s", got)
	}

	if err := s.Refund(ctx, lease.CredentialID, cost); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if got := balanceOf(t, s, "big"); !got.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected 10 after refund, got %s", got)
	}

	// Unknown credentials are ignored.
	if err := s.Refund(ctx, "ghost", cost); err != nil {
		t.Fatalf("refund unknown: %v", err)
	}
}

func TestReserveExhausted(t *testing.T) {
	pool := newTestPool(t)
	s := newTestStore(t, pool)

	put(t, s, "low", "0.07", true)
	put(t, s, "off", "100", false)

	_, ok, err := s.Reserve(context.Background(), cost)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if ok {
		t.Fatal("expected no eligible credential")
	}
	if got := balanceOf(t, s, "low"); !got.Equal(decimal.RequireFromString("0.07")) {
		t.Fatalf("balance changed: %s", got)
	}
}

func TestConcurrentReserveNeverOverdraws(t *testing.T) {
	pool := newTestPool(t)
	s := newTestStore(t, pool)
	ctx := context.Background()

	put(t, s, "a", "0.75", true)
	put(t, s, "b", "0.375", true)

	var (
		wg      sync.WaitGroup
		granted atomic.Int64
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.Reserve(ctx, cost)
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			if ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	if granted.Load() != 15 {
		t.Fatalf("expected 15 reservations, got %d", granted.Load())
	}
	for _, id := range []string{"a", "b"} {
		if got := balanceOf(t, s, id); !got.IsZero() {
			t.Fatalf("credential %s: expected 0, got %s", id, got)
		}
	}
}

func TestUsageLedger(t *testing.T) {
	pool := newTestPool(t)
	s := newTestStore(t, pool)
	ctx := context.Background()

	rec := tb.UsageRecord{ID: "u1", RequestorID: "user-1", CredentialID: "a", Cost: cost}
	if err := s.Append(ctx, rec); err != nil {
		t.Fatalf("append: %v", err)
	}

	recs, err := s.UsageRecords(ctx)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "u1" || !recs[0].Cost.Equal(cost) || recs[0].Timestamp.IsZero() {
		t.Fatalf("unexpected usage: %+v", recs)
	}
}

func TestSeedCredentialKeepsExisting(t *testing.T) {
	pool := newTestPool(t)
	s := newTestStore(t, pool)
	ctx := context.Background()

	put(t, s, "a", "1", true)
	if _, ok, err := s.Reserve(ctx, cost); err != nil || !ok {
		t.Fatalf("reserve: ok=%v err=%v", ok, err)
	}

	created, err := s.SeedCredential(ctx, tb.Credential{
		ID: "a", Secret: "other", CreditsRemaining: decimal.NewFromInt(1), Enabled: true,
	})
	if err != nil {
		t.Fatalf("seed existing: %v", err)
	}
	if created {
		t.Fatal("expected existing credential to be kept")
	}
	if got := balanceOf(t, s, "a"); !got.Equal(decimal.RequireFromString("0.925")) {
		t.Fatalf("expected 0.925, got %s", got)
	}

	created, err = s.SeedCredential(ctx, tb.Credential{
		ID: "b", Secret: "sb", CreditsRemaining: decimal.NewFromInt(2), Enabled: true,
	})
	if err != nil || !created {
		t.Fatalf("seed new: created=%v err=%v", created, err)
	}
	if got := balanceOf(t, s, "b"); !got.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected 2, got %s", got)
	}
}
