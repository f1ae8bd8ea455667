package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	tb "github.com/ineyio/tryonbroker"
)

func newCredentialsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage the credential pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newCredentialsAddCmd(g), newCredentialsListCmd(g))
	return cmd
}

func newCredentialsAddCmd(g *globals) *cobra.Command {
	var (
		id        string
		secretEnv string
		credits   string
		disabled  bool
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add or replace a credential",
		Long:  "Add a credential to the pool. The secret is read from an environment variable so it never appears in shell history.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id is required")
			}
			secret := os.Getenv(secretEnv)
			if secret == "" {
				return fmt.Errorf("environment variable %s is empty", secretEnv)
			}
			balance, err := decimal.NewFromString(credits)
			if err != nil {
				return fmt.Errorf("invalid --credits %q: %w", credits, err)
			}
			if balance.IsNegative() {
				return fmt.Errorf("--credits must not be negative")
			}

			ctx := cmd.Context()
			st, cleanup, err := openBackend(ctx, g.cfg, g.logger)
			if err != nil {
				return err
			}
			defer cleanup()

			if g.cfg.Store.Backend == tb.StoreMemory {
				g.logger.Warn("memory store does not persist credentials", "credential", id)
			}

			err = st.PutCredential(ctx, tb.Credential{
				ID:               id,
				Secret:           tb.Secret(secret),
				CreditsRemaining: balance,
				Enabled:          !disabled,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "credential %s: %s credits\n", id, balance)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "credential id")
	cmd.Flags().StringVar(&secretEnv, "secret-env", "TRYON_SECRET", "environment variable holding the provider secret")
	cmd.Flags().StringVar(&credits, "credits", "0", "starting balance")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "add the credential disabled")

	return cmd
}

func newCredentialsListCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List credentials and balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, cleanup, err := openBackend(ctx, g.cfg, g.logger)
			if err != nil {
				return err
			}
			defer cleanup()

			creds, err := st.ListCredentials(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCREDITS\tENABLED\tUSES\tLAST USED")
			for _, c := range creds {
				lastUsed := "-"
				if !c.LastUsedAt.IsZero() {
					lastUsed = c.LastUsedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%s\n",
					c.ID, c.CreditsRemaining, c.Enabled, c.UsageCount, lastUsed)
			}
			return w.Flush()
		},
	}
}
