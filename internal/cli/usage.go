package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func newUsageCmd(g *globals) *cobra.Command {
	var uid string

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Print the usage ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, cleanup, err := openBackend(ctx, g.cfg, g.logger)
			if err != nil {
				return err
			}
			defer cleanup()

			recs, err := st.UsageRecords(ctx)
			if err != nil {
				return err
			}

			total := decimal.Zero
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tUID\tCREDENTIAL\tCOST")
			for _, r := range recs {
				if uid != "" && r.RequestorID != uid {
					continue
				}
				total = total.Add(r.Cost)
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					r.Timestamp.Format(time.RFC3339), r.RequestorID, r.CredentialID, r.Cost)
			}
			fmt.Fprintf(w, "\t\tTOTAL\t%s\n", total)
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&uid, "uid", "", "only show records for this requestor")
	return cmd
}
