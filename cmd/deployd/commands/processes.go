package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/deployd/pkg/dispatch"
	"github.com/openfroyo/deployd/pkg/engine"
	"github.com/openfroyo/deployd/pkg/transports/ssh"
)

func newProcessesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "processes",
		Short: "Inspect and kill recorded worker processes",
		Long: `Worker processes are recorded before they receive work and removed once
they exit. Records left behind belong to workers an orchestrator lost track
of, usually after a crash; serve kills its own on startup.`,
	}

	cmd.AddCommand(newProcessesListCommand())
	cmd.AddCommand(newProcessesKillCommand())

	return cmd
}

func newProcessesListCommand() *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded worker processes",
		Example: `  # Every recorded process
  deployd processes list

  # Processes spawned by one orchestrator instance
  deployd processes list --owner orchestrator-eu-1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore(store)

			records, err := store.ListProcesses(cmd.Context(), owner)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd, records)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PID\tREQUEST\tHOST\tOWNER\tCREATED")
			for _, rec := range records {
				host := rec.Host
				if rec.IsLocal() {
					host = "local"
				}
				fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\n",
					rec.PID, rec.RequestID, host, rec.Owner, rec.CreatedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "only list processes of this orchestrator instance")

	return cmd
}

func newProcessesKillCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kill <request-id>",
		Short: "Kill the recorded worker processes of a request",
		Long: `Kill every recorded worker process of a request and remove the records.
Remote processes are reached through the configured remote worker host.
Run this only for requests no orchestrator is executing.`,
		Example: `  deployd processes kill 42`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			cfg, store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore(store)

			records, err := store.GetProcesses(cmd.Context(), id)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				return engine.NewPermanentError(fmt.Sprintf("request %d has no recorded processes", id), nil).
					WithRequest(id).WithCode(engine.ErrCodeNotFound)
			}

			remotes := make(map[string]*ssh.Client)
			if remote := cfg.Workers.Remote; remote != nil {
				client, err := ssh.NewClient(&remote.Config, log.Logger)
				if err != nil {
					return fmt.Errorf("invalid remote worker configuration: %w", err)
				}
				defer client.Close()
				remotes[client.Host()] = client
			}
			killer := dispatch.NewKiller(remotes, nil, log.Logger)

			var failed int
			for _, rec := range records {
				if err := killer.Kill(cmd.Context(), rec); err != nil {
					log.Error().Err(err).Int("pid", rec.PID).Str("host", rec.Host).Msg("Failed to kill process")
					failed++
					continue
				}
				if err := store.RemoveProcess(cmd.Context(), rec); err != nil {
					return err
				}
				log.Info().Int("pid", rec.PID).Str("host", rec.Host).Int64("request_id", id).Msg("Process killed")
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d processes could not be killed", failed, len(records))
			}
			return nil
		},
	}

	return cmd
}
