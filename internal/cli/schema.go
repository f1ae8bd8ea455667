package cli

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	tb "github.com/ineyio/tryonbroker"
	"github.com/ineyio/tryonbroker/store/postgres"
)

func newSchemaCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Create the Postgres tables if they don't exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			if g.cfg.Store.Backend != tb.StorePostgres {
				fmt.Fprintf(cmd.OutOrStdout(), "store backend %s needs no schema\n", g.cfg.Store.Backend)
				return nil
			}

			ctx := cmd.Context()
			pool, err := pgxpool.New(ctx, g.cfg.Store.PostgresDSN)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer pool.Close()

			var opts []postgres.Option
			if g.cfg.Store.Prefix != "" {
				opts = append(opts, postgres.WithTablePrefix(g.cfg.Store.Prefix))
			}
			if err := postgres.New(pool, opts...).EnsureSchema(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema ready")
			return nil
		},
	}
}
