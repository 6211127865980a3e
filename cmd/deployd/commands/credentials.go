package commands

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/deployd/pkg/dispatch"
)

func newCredentialsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage worker run-as credentials",
	}

	cmd.AddCommand(newCredentialsSetCommand())

	return cmd
}

func newCredentialsSetCommand() *cobra.Command {
	var (
		username string
		domain   string
	)

	cmd := &cobra.Command{
		Use:   "set <tier>",
		Short: "Store the credentials of a tier in the OS keyring",
		Long: `Store the account workers of a tier run as in the OS keyring, under the
configured keyring service. The password is read from standard input.

Credentials in the configuration file or the credentials env file take
precedence over the keyring.`,
		Example: `  echo "$DEPLOY_PASSWORD" | deployd credentials set production --username svc-deploy`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{dispatch.TierProduction, dispatch.TierNonProduction},
		RunE: func(cmd *cobra.Command, args []string) error {
			tier := args[0]
			if tier != dispatch.TierProduction && tier != dispatch.TierNonProduction {
				return fmt.Errorf("unknown tier %q, expected %s or %s", tier, dispatch.TierProduction, dispatch.TierNonProduction)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Credentials.KeyringService == "" {
				return fmt.Errorf("credentials.keyring_service is not configured")
			}

			password, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && password == "" {
				return fmt.Errorf("failed to read password from standard input: %w", err)
			}
			password = strings.TrimRight(password, "\r\n")

			creds := dispatch.Credentials{Username: username, Password: password, Domain: domain}
			if err := dispatch.StoreKeyring(cfg.Credentials.KeyringService, tier, creds); err != nil {
				return err
			}

			log.Info().Str("tier", tier).Str("username", username).Msg("Credentials stored in keyring")
			return nil
		},
	}

	cmd.Flags().StringVarP(&username, "username", "u", "", "account name")
	cmd.Flags().StringVar(&domain, "domain", "", "account domain")
	_ = cmd.MarkFlagRequired("username")

	return cmd
}
