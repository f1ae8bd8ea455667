package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	tb "github.com/ineyio/tryonbroker"
	"github.com/ineyio/tryonbroker/store"
	"github.com/ineyio/tryonbroker/store/postgres"
	"github.com/ineyio/tryonbroker/store/redis"
)

// backend is what every store adapter provides.
type backend interface {
	tb.CredentialStore
	tb.UsageLedger
	tb.UsageReader
	tb.CredentialRegistry
}

// openBackend connects the configured store and seeds the credentials
// declared in the config. Credentials already in the store keep their
// balance and counters. The returned func releases connections.
func openBackend(ctx context.Context, cfg tb.Config, logger *slog.Logger) (backend, func(), error) {
	var (
		b       backend
		cleanup = func() {}
	)

	switch cfg.Store.Backend {
	case tb.StoreMemory:
		b = store.NewMemoryStore()

	case tb.StoreRedis:
		client, err := redis.Connect(ctx, cfg.Store.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		var opts []redis.Option
		if cfg.Store.Prefix != "" {
			opts = append(opts, redis.WithKeyPrefix(cfg.Store.Prefix))
		}
		b = redis.New(client, opts...)
		cleanup = func() { client.Close() }

	case tb.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		var opts []postgres.Option
		if cfg.Store.Prefix != "" {
			opts = append(opts, postgres.WithTablePrefix(cfg.Store.Prefix))
		}
		b = postgres.New(pool, opts...)
		cleanup = pool.Close

	default:
		return nil, nil, fmt.Errorf("unsupported store backend %q", cfg.Store.Backend)
	}

	for _, cc := range cfg.Credentials {
		created, err := b.SeedCredential(ctx, cc.Credential())
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("seed credential %s: %w", cc.ID, err)
		}
		if created {
			logger.Debug("seeded credential", "credential", cc.ID, "credits", cc.Credits)
		} else {
			logger.Debug("credential already stored", "credential", cc.ID)
		}
	}

	return b, cleanup, nil
}
