package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	tb "github.com/ineyio/tryonbroker"
	"github.com/ineyio/tryonbroker/meter"
	"github.com/ineyio/tryonbroker/provider/fal"
	"github.com/ineyio/tryonbroker/provider/mock"
)

// paramFlags maps CLI flags to provider parameter names.
var paramFlags = []struct{ flag, param, usage string }{
	{"model", "model", "model photo URL"},
	{"garment", "garment", "garment photo URL"},
	{"category", "category", "garment category (tops, bottoms, one-pieces, auto)"},
	{"mode", "mode", "quality mode (performance, balanced, quality)"},
	{"garment-photo-type", "garmentPhotoType", "garment photo type (auto, model, flat-lay)"},
}

type runResult struct {
	Images       []tb.Image `json:"images"`
	CredentialID string     `json:"credential_id"`
	Attempts     int        `json:"attempts"`
}

func newRunCmd(g *globals) *cobra.Command {
	var (
		uid    string
		dryRun bool
		values = make(map[string]*string, len(paramFlags))
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one try-on job",
		Long:  "Reserve credit for the given user, run one try-on job with failover and print the normalized result as JSON.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			st, cleanup, err := openBackend(ctx, g.cfg, g.logger)
			if err != nil {
				return err
			}
			defer cleanup()

			var provider tb.Provider = fal.NewFromConfig(g.cfg)
			if dryRun {
				provider = mock.New()
			}

			broker, err := tb.NewBroker(st, provider,
				tb.WithMeter(meter.NewLogMeter(g.logger)),
				tb.WithUnitCost(g.cfg.Cost()),
				tb.WithMaxAttempts(g.cfg.MaxAttempts),
			)
			if err != nil {
				return err
			}

			params := tb.Params{}
			for _, pf := range paramFlags {
				if cmd.Flags().Changed(pf.flag) {
					params[pf.param] = *values[pf.flag]
				}
			}

			res, err := broker.TryOn(ctx, tb.Request{
				Identity: tb.Identity{UID: uid},
				Params:   params,
			})
			if err != nil {
				return fmt.Errorf("%s: %w", tb.CodeOf(err), err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(runResult{
				Images:       res.Images,
				CredentialID: res.Routing.CredentialID,
				Attempts:     res.Routing.Attempts,
			})
		},
	}

	cmd.Flags().StringVar(&uid, "uid", "", "authenticated requestor id")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "use a local mock provider instead of the queue API")
	for _, pf := range paramFlags {
		values[pf.flag] = cmd.Flags().String(pf.flag, "", pf.usage)
	}

	return cmd
}
