package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/deployd/pkg/engine"
)

// submission is the request file accepted by request submit.
type submission struct {
	Environment string `json:"environment"`
	Project     string `json:"project"`
	Production  bool   `json:"production"`
	RequestedBy string `json:"requested_by"`

	engine.RequestDetail
}

// parseSubmission decodes a YAML or JSON request file. The document goes
// through JSON so component configs keep their JSON form.
func parseSubmission(data []byte) (*submission, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse request file: %w", err)
	}
	if len(doc) == 0 {
		return nil, fmt.Errorf("request file is empty")
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse request file: %w", err)
	}

	var sub submission
	dec := json.NewDecoder(bytes.NewReader(encoded))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sub); err != nil {
		return nil, fmt.Errorf("invalid request file: %w", err)
	}
	return &sub, nil
}

// newRequest validates a submission and builds the pending request.
func (s *submission) newRequest() (*engine.DeploymentRequest, error) {
	if s.Environment == "" {
		return nil, fmt.Errorf("environment is required")
	}
	if err := s.RequestDetail.Validate(); err != nil {
		return nil, err
	}
	detail, err := json.Marshal(&s.RequestDetail)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request detail: %w", err)
	}

	names := make([]string, len(s.Components))
	for i, c := range s.Components {
		names[i] = c.Name
	}
	return &engine.DeploymentRequest{
		Environment: s.Environment,
		Project:     s.Project,
		Build:       s.Build.Reference,
		Components:  names,
		RequestedBy: s.RequestedBy,
		Production:  s.Production,
		Status:      engine.RequestStatusPending,
		Detail:      detail,
	}, nil
}

// transitionRequest moves a request to next if its current state allows it.
// A request changed by the scheduler between the read and the update is
// reported as a conflict.
func transitionRequest(ctx context.Context, store engine.RequestStore, id int64, next engine.RequestStatus) (*engine.DeploymentRequest, error) {
	req, err := store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if !req.Status.CanTransitionTo(next) {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("request %d is %s and cannot move to %s", id, req.Status, next), nil).
			WithRequest(id)
	}
	n, err := store.TransitionIf(ctx, []int64{id}, req.Status, next)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, engine.NewConflictError(
			fmt.Sprintf("request %d changed state while updating, try again", id), nil).
			WithRequest(id)
	}
	req.Status = next
	return req, nil
}

// confirmResults confirms the computed plans of a request, restricted to
// the named components when any are given.
func confirmResults(ctx context.Context, store engine.Store, id int64, components []string) ([]*engine.DeploymentResult, error) {
	if _, err := store.GetRequest(ctx, id); err != nil {
		return nil, err
	}
	results, err := store.ListResults(ctx, id)
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(components))
	for _, c := range components {
		wanted[c] = true
	}

	var confirmed []*engine.DeploymentResult
	for _, result := range results {
		if len(wanted) > 0 && !wanted[result.Component] {
			continue
		}
		if result.Status != engine.ResultStatusWaitingConfirmation {
			continue
		}
		n, err := store.TransitionResultIf(ctx, result.ID, engine.ResultStatusWaitingConfirmation, engine.ResultStatusConfirmed)
		if err != nil {
			return confirmed, err
		}
		if n == 1 {
			result.Status = engine.ResultStatusConfirmed
			confirmed = append(confirmed, result)
		}
	}
	if len(confirmed) == 0 {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("request %d has no plan waiting for confirmation", id), nil).
			WithRequest(id)
	}
	return confirmed, nil
}

func newRequestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Submit and manage deployment requests",
	}

	cmd.AddCommand(newRequestSubmitCommand())
	cmd.AddCommand(newRequestListCommand())
	cmd.AddCommand(newRequestStatusCommand())
	cmd.AddCommand(newRequestTransitionCommand("cancel", engine.RequestStatusCancelling,
		"Cancel a deployment request",
		"Running components are stopped, their worker processes terminated and\nremaining components marked cancelled."))
	cmd.AddCommand(newRequestTransitionCommand("restart", engine.RequestStatusRestarting,
		"Re-run a deployment request from the start",
		"An executing request is cancelled first. Its results are then cleared and\nthe request is queued again."))
	cmd.AddCommand(newRequestConfirmCommand())

	return cmd
}

func newRequestSubmitCommand() *cobra.Command {
	var (
		environment string
		project     string
		production  bool
		requestedBy string
	)

	cmd := &cobra.Command{
		Use:   "submit <file>",
		Short: "Submit a deployment request",
		Long: `Submit a deployment request described by a YAML or JSON file. Use - to
read the file from standard input.

The file names the environment, the build and the components to deploy in
order:

  environment: staging
  project: billing
  build:
    reference: 1.4.2
    script_root: /srv/builds/billing/1.4.2
  properties:
    region: eu-west-1
  components:
    - name: schema
      kind: script
      scripts:
        - path: migrate.sh
          runtime_version: py3
    - name: network
      kind: infrastructure
      provider: /etc/deployd/providers/network.yaml
      config:
        cidr: 10.0.0.0/16`,
		Example: `  # Submit a request file
  deployd request submit billing-1.4.2.yaml

  # Target another environment than the file names
  deployd request submit --environment qa billing-1.4.2.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readRequestFile(cmd, args[0])
			if err != nil {
				return err
			}
			sub, err := parseSubmission(data)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("environment") {
				sub.Environment = environment
			}
			if flags.Changed("project") {
				sub.Project = project
			}
			if flags.Changed("production") {
				sub.Production = production
			}
			if flags.Changed("requested-by") || sub.RequestedBy == "" {
				sub.RequestedBy = requestedBy
			}

			req, err := sub.newRequest()
			if err != nil {
				return err
			}

			_, store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore(store)

			if err := store.CreateRequest(cmd.Context(), req); err != nil {
				return err
			}

			log.Info().
				Int64("request_id", req.ID).
				Str("environment", req.Environment).
				Int("components", len(req.Components)).
				Msg("Deployment request submitted")

			if jsonOutput {
				return printJSON(cmd, req)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d\n", req.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&environment, "environment", "e", "", "override the target environment")
	cmd.Flags().StringVar(&project, "project", "", "override the project")
	cmd.Flags().BoolVar(&production, "production", false, "mark the request as production")
	cmd.Flags().StringVar(&requestedBy, "requested-by", os.Getenv("USER"), "requester identity")

	return cmd
}

func readRequestFile(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read request file: %w", err)
	}
	return data, nil
}

func newRequestListCommand() *cobra.Command {
	var (
		statuses   []string
		production bool
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deployment requests by status",
		Example: `  # Requests waiting or executing in non-production
  deployd request list

  # Failed production requests
  deployd request list --production --status failed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := engine.RequestFilter{Production: production, Limit: limit}
			for _, s := range statuses {
				status := engine.RequestStatus(strings.TrimSpace(s))
				if err := status.Validate(); err != nil {
					return err
				}
				filter.Statuses = append(filter.Statuses, status)
			}

			_, store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore(store)

			requests, err := store.QueryRequests(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd, requests)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tENVIRONMENT\tPROJECT\tBUILD\tSTATUS\tREQUESTED BY\tREQUESTED AT")
			for _, req := range requests {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
					req.ID, req.Environment, req.Project, req.Build, req.Status,
					req.RequestedBy, req.RequestedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status",
		[]string{"pending", "requesting", "running", "cancelling", "restarting"}, "statuses to list")
	cmd.Flags().BoolVar(&production, "production", false, "list production requests")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of requests")

	return cmd
}

func newRequestStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "status <id>",
		Short:   "Show a request and its component results",
		Example: `  deployd request status 42`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			_, store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore(store)

			req, err := store.GetRequest(cmd.Context(), id)
			if err != nil {
				return err
			}
			results, err := store.ListResults(cmd.Context(), id)
			if err != nil {
				return err
			}

			if jsonOutput {
				req.Detail = nil
				return printJSON(cmd, struct {
					*engine.DeploymentRequest
					Results []*engine.DeploymentResult `json:"results"`
				}{req, results})
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Request %d: %s\n", req.ID, req.Status)
			fmt.Fprintf(out, "  Environment: %s (%s)\n", req.Environment, tierLabel(req.Production))
			fmt.Fprintf(out, "  Project:     %s\n", req.Project)
			fmt.Fprintf(out, "  Build:       %s\n", req.Build)
			fmt.Fprintf(out, "  Requested:   %s by %s\n", req.RequestedAt.Local().Format(time.DateTime), req.RequestedBy)
			if req.StartedAt != nil {
				fmt.Fprintf(out, "  Started:     %s\n", req.StartedAt.Local().Format(time.DateTime))
			}
			if req.CompletedAt != nil {
				fmt.Fprintf(out, "  Completed:   %s\n", req.CompletedAt.Local().Format(time.DateTime))
			}
			if len(results) == 0 {
				return nil
			}

			fmt.Fprintln(out)
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "#\tCOMPONENT\tKIND\tSTATUS\tUPDATED")
			for _, r := range results {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
					r.Position, r.Component, r.Kind, r.Status, r.UpdatedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}

	return cmd
}

func tierLabel(production bool) string {
	if production {
		return "production"
	}
	return "non-production"
}

func newRequestTransitionCommand(use string, next engine.RequestStatus, short, long string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     use + " <id>",
		Short:   short,
		Long:    short + ".\n\n" + long,
		Example: fmt.Sprintf("  deployd request %s 42", use),
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			_, store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore(store)

			req, err := transitionRequest(cmd.Context(), store, id, next)
			if err != nil {
				return err
			}

			log.Info().Int64("request_id", id).Str("status", string(req.Status)).Msg("Request updated")
			if jsonOutput {
				return printJSON(cmd, req)
			}
			return nil
		},
	}

	return cmd
}

func newRequestConfirmCommand() *cobra.Command {
	var components []string

	cmd := &cobra.Command{
		Use:   "confirm <id>",
		Short: "Confirm computed infrastructure plans",
		Long: `Confirm the plans of a request that are waiting for confirmation. The
plan confirmation sweeper applies confirmed plans and resumes the request.`,
		Example: `  # Confirm every waiting plan of request 42
  deployd request confirm 42

  # Confirm one component only
  deployd request confirm 42 --component network`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			_, store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore(store)

			confirmed, err := confirmResults(cmd.Context(), store, id, components)
			if err != nil {
				return err
			}
			for _, r := range confirmed {
				log.Info().Int64("request_id", id).Str("component", r.Component).Msg("Plan confirmed")
			}
			if jsonOutput {
				return printJSON(cmd, confirmed)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&components, "component", nil, "components to confirm (default all)")

	return cmd
}
