package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/deployd/pkg/config"
	"github.com/openfroyo/deployd/pkg/stores"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool

	buildVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	buildVersion = version

	rootCmd := &cobra.Command{
		Use:   "deployd",
		Short: "deployd - Deployment Orchestrator",
		Long: `deployd schedules deployment requests against environments and runs
each component of a request in short-lived worker processes.

Features:
  - One active deployment per environment, oldest request first
  - Cooperative cancellation, restart and stale request abandonment
  - Script components run by local or SSH-remote workers
  - Infrastructure components planned, confirmed and applied
  - Tier policies in Rego, property scripts in Starlark
  - SQLite or Postgres work record store`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("DEPLOYD_CONFIG"), "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newRequestCommand())
	rootCmd.AddCommand(newProcessesCommand())
	rootCmd.AddCommand(newConfigCommand())
	rootCmd.AddCommand(newPolicyCommand())
	rootCmd.AddCommand(newCredentialsCommand())

	return rootCmd
}

// loadConfig loads the configuration named by --config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	cfg.Telemetry.ServiceVersion = buildVersion
	return cfg, nil
}

// openStore loads the configuration and opens its work record store.
func openStore(ctx context.Context) (*config.Config, stores.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := stores.Open(ctx, cfg.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	return cfg, store, nil
}

func closeStore(store stores.Store) {
	if err := store.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close store")
	}
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid request id %q", arg)
	}
	return id, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
