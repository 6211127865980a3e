package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/deployd/pkg/engine"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and evaluate tier policies",
	}

	cmd.AddCommand(newPolicyListCommand())
	cmd.AddCommand(newPolicyEvalCommand())

	return cmd
}

func newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List built-in and operator policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			policies, err := newPolicyEngine(cmd.Context(), cfg, log.Logger)
			if err != nil {
				return err
			}

			list := policies.ListPolicies()
			if jsonOutput {
				for i := range list {
					list[i].Rego = ""
				}
				return printJSON(cmd, list)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tENABLED\tSOURCE\tDESCRIPTION")
			for _, p := range list {
				source := p.Source
				if p.Builtin {
					source = "built-in"
				}
				fmt.Fprintf(w, "%s\t%t\t%s\t%s\n", p.Name, p.Enabled, source, p.Description)
			}
			return w.Flush()
		},
	}
}

func newPolicyEvalCommand() *cobra.Command {
	var input engine.TierInput

	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate the tier policies for one component",
		Long: `Evaluate the loaded tier policies the way the component processor does
before deploying a component, and print whether it would be skipped.`,
		Example: `  # Would a non-production-only component run in production?
  deployd policy eval --component smoke-tests --non-production-only --environment prod --production`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			policies, err := newPolicyEngine(cmd.Context(), cfg, log.Logger)
			if err != nil {
				return err
			}

			decision, err := policies.Evaluate(cmd.Context(), input)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd, decision)
			}
			if decision.Skip {
				fmt.Fprintf(cmd.OutOrStdout(), "skip: %s\n", decision.Message)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "deploy")
			return nil
		},
	}

	cmd.Flags().StringVar(&input.Component, "component", "", "component name")
	cmd.Flags().StringVar((*string)(&input.Kind), "kind", string(engine.ComponentKindScript), "component kind (script or infrastructure)")
	cmd.Flags().BoolVar(&input.NonProductionOnly, "non-production-only", false, "component is marked non-production only")
	cmd.Flags().StringVar(&input.Environment, "environment", "", "target environment")
	cmd.Flags().BoolVar(&input.Production, "production", false, "evaluate for the production tier")
	cmd.Flags().StringVar(&input.Project, "project", "", "project name")
	_ = cmd.MarkFlagRequired("component")

	return cmd
}
