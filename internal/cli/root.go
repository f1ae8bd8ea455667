package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	tb "github.com/ineyio/tryonbroker"
)

var Version = "dev"

// globals holds state shared by every subcommand, filled in before any
// subcommand runs.
type globals struct {
	configPath string
	envFile    string
	logLevel   string

	cfg    tb.Config
	logger *slog.Logger
}

func NewRootCmd() *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:   "tryonctl",
		Short: "Credit-brokered virtual try-on",
		Long:  "tryonctl runs try-on jobs against a pool of metered provider credentials and manages that pool.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return g.load(cmd)
		},
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&g.configPath, "config", "", "path to YAML config file (defaults apply when empty)")
	flags.StringVar(&g.envFile, "env-file", ".env", "dotenv file loaded before the config is read")
	flags.StringVar(&g.logLevel, "log-level", "info", "log level: debug, info, warn, error")

	root.AddCommand(
		newRunCmd(g),
		newCredentialsCmd(g),
		newUsageCmd(g),
		newSchemaCmd(g),
	)

	root.Version = Version
	root.SetVersionTemplate(fmt.Sprintf("tryonctl %s\n", Version))

	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func (g *globals) load(cmd *cobra.Command) error {
	if err := godotenv.Load(g.envFile); err != nil {
		// The default .env is optional; an explicit one is not.
		if cmd.Flags().Changed("env-file") || !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load env file %s: %w", g.envFile, err)
		}
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(g.logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q", g.logLevel)
	}
	g.logger = slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	if g.configPath == "" {
		g.cfg = tb.DefaultConfig()
		return nil
	}
	cfg, err := tb.LoadConfig(g.configPath)
	if err != nil {
		return err
	}
	g.cfg = cfg
	return nil
}
