package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/deployd/pkg/config"
	"github.com/openfroyo/deployd/pkg/dispatch"
	"github.com/openfroyo/deployd/pkg/engine"
	"github.com/openfroyo/deployd/pkg/policy"
	"github.com/openfroyo/deployd/pkg/stores"
	"github.com/openfroyo/deployd/pkg/telemetry"
	"github.com/openfroyo/deployd/pkg/transports/ssh"
)

func newServeCommand() *cobra.Command {
	var skipRecovery bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the deployment engine",
		Long: `Run the deployment engine for the configured tier until interrupted.

On startup the engine recovers from a previous crash: worker processes
recorded by this instance are killed and their requests restarted. It then
repeats the abandon, cancel, restart and execute phases every iteration
delay. The plan confirmation sweeper runs alongside unless disabled.

On SIGINT or SIGTERM, in-flight executions are cancelled, their workers
terminated, and the command returns once every execution has unwound.`,
		Example: `  # Run with a configuration file
  deployd serve --config /etc/deployd/deployd.yaml

  # Run a production instance
  DEPLOYD_PRODUCTION=true deployd serve -c deployd.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, skipRecovery)
		},
	}

	cmd.Flags().BoolVar(&skipRecovery, "skip-recovery", false, "do not kill and restart work left behind by a previous run")

	return cmd
}

// serve wires every component and runs the engine until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, skipRecovery bool) (err error) {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Engine.TerminateTimeout)
		defer cancel()
		if shutdownErr := tel.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Warn().Err(shutdownErr).Msg("Failed to shut down telemetry")
		}
	}()

	// The telemetry logger carries its own level.
	logger := tel.Logger.ForInstance(cfg.Instance.ID, cfg.Instance.Production)
	zerolog.SetGlobalLevel(zerolog.TraceLevel)
	log.Logger = logger

	store, err := stores.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer closeStore(store)
	if err := store.HealthCheck(ctx); err != nil {
		return fmt.Errorf("store health check failed: %w", err)
	}

	spawner, remotes, err := newSpawner(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		for host, client := range remotes {
			if closeErr := client.Close(); closeErr != nil {
				logger.Warn().Err(closeErr).Str("host", host).Msg("Failed to close SSH connection")
			}
		}
	}()

	credentials, err := cfg.CredentialSource()
	if err != nil {
		return fmt.Errorf("failed to configure credentials: %w", err)
	}

	policies, err := newPolicyEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}

	dcfg := cfg.DispatchConfig()
	scripts := dispatch.NewScriptDispatcher(dcfg, spawner, store, credentials, logger,
		dispatch.WithTelemetry(tel.Metrics, tel.Tracer))
	plans := dispatch.NewPlanDispatcher(dcfg, spawner, store, credentials, logger,
		dispatch.WithTelemetry(tel.Metrics, tel.Tracer))

	components := engine.NewComponentProcessor(store, scripts, plans, logger,
		engine.WithTierPolicy(policies),
		engine.WithComponentTelemetry(tel.Metrics, tel.Tracer))

	properties := config.NewStarlarkEvaluator(cfg.Properties.ScriptTimeout, logger)
	registry := engine.NewRegistry()
	killer := dispatch.NewKiller(remotes, tel.Metrics, logger)

	processor := engine.NewStateProcessor(store, components, killer, registry, logger,
		cfg.ProcessorConfig(),
		engine.WithPropertyScripter(properties),
		engine.WithProcessorTelemetry(tel.Metrics, tel.Tracer))

	var opts []engine.Option
	if cfg.Sweeper.Mode != engine.SweepModeDisabled {
		sweeper := engine.NewPlanSweeper(store, components, registry, logger,
			cfg.SweeperSettings(),
			engine.WithSweeperPropertyScripter(properties),
			engine.WithSweeperMetrics(tel.Metrics))
		opts = append(opts, engine.WithSweeper(sweeper, cfg.Sweeper.Mode, cfg.Sweeper.Interval))
	}
	eng := engine.NewEngine(processor, logger, opts...)

	production := cfg.Instance.Production
	if !skipRecovery {
		if err := processor.Recover(ctx, production); err != nil {
			return fmt.Errorf("crash recovery failed: %w", err)
		}
	}

	logger.Info().
		Str("tier", dispatch.TierName(production)).
		Str("store", cfg.Store.Driver).
		Int("remote_hosts", len(remotes)).
		Msg("Starting deployd")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.Run(gctx, production, cfg.Engine.IterationDelay)
	})
	g.Go(func() error {
		if err := tel.Metrics.Serve(gctx); err != nil {
			return fmt.Errorf("metrics endpoint failed: %w", err)
		}
		return nil
	})
	if cfg.Policy.Watch && len(cfg.Policy.Paths) > 0 {
		g.Go(func() error {
			if err := policies.Watch(gctx, cfg.Policy.Paths); err != nil && !errors.Is(err, context.Canceled) {
				// Stale policies are still enforced; keep serving.
				logger.Error().Err(err).Msg("Policy watcher stopped")
			}
			return nil
		})
	}

	err = g.Wait()
	logger.Info().Err(err).Msg("deployd stopped")
	return err
}

// newSpawner returns the worker spawner and the SSH clients the process
// killer reaches remote hosts through, keyed by host.
func newSpawner(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (dispatch.Spawner, map[string]*ssh.Client, error) {
	remotes := make(map[string]*ssh.Client)

	if cfg.Workers.Remote == nil {
		return dispatch.NewLocalSpawner(cfg.Workers.SocketDir, cfg.Workers.Impersonate, logger), remotes, nil
	}

	remote := cfg.Workers.Remote
	client, err := ssh.NewClient(&remote.Config, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid remote worker configuration: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to connect to remote worker host %s: %w", client.Host(), err)
	}
	remotes[client.Host()] = client

	return dispatch.NewRemoteSpawner(client, remote.UploadFrom, logger), remotes, nil
}

// newPolicyEngine creates the tier policy engine with the operator policies
// and the configured disables applied.
func newPolicyEngine(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*policy.Engine, error) {
	policies, err := policy.NewEngine(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(cfg.Policy.Paths) > 0 {
		if err := policies.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			return nil, err
		}
	}
	for _, name := range cfg.Policy.Disable {
		if err := policies.DisablePolicy(ctx, name); err != nil {
			logger.Warn().Err(err).Str("policy", name).Msg("Failed to disable policy")
		}
	}
	return policies, nil
}
