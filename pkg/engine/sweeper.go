package engine

import (
	"context"
	"time"

	"github.com/openfroyo/deployd/pkg/telemetry"
	"github.com/rs/zerolog"
)

const (
	// DefaultSweepInterval is how often an independent sweeper scans.
	DefaultSweepInterval = 30 * time.Second

	// DefaultSweepWindow limits sweeps to recently active requests. Paused
	// requests are abandoned past the staleness threshold like any other
	// running request, so a wider window never finds more work.
	DefaultSweepWindow = DefaultStaleAfter
)

// SweeperConfig configures the plan confirmation sweeper.
type SweeperConfig struct {
	// Window is how far back a request must have been requested to be swept.
	Window time.Duration

	// BatchSize bounds the results applied per sweep.
	BatchSize int
}

// PlanSweeper applies infrastructure plans once they have been confirmed.
// After a successful apply the owning request is moved back to pending so
// the scheduler resumes its remaining components.
type PlanSweeper struct {
	store      Store
	components *ComponentProcessor
	registry   *Registry
	scripter   PropertyScripter
	cfg        SweeperConfig
	logger     zerolog.Logger
	metrics    *telemetry.Metrics
	now        func() time.Time
}

// SweeperOption configures a PlanSweeper.
type SweeperOption func(*PlanSweeper)

// WithSweeperPropertyScripter installs the evaluator for property scripts.
func WithSweeperPropertyScripter(scripter PropertyScripter) SweeperOption {
	return func(s *PlanSweeper) { s.scripter = scripter }
}

// WithSweeperMetrics installs metrics.
func WithSweeperMetrics(metrics *telemetry.Metrics) SweeperOption {
	return func(s *PlanSweeper) { s.metrics = metrics }
}

// NewPlanSweeper creates a sweeper. The registry must be the one used by
// the state processor, so a cancel arriving during apply reaches the worker.
func NewPlanSweeper(
	store Store,
	components *ComponentProcessor,
	registry *Registry,
	logger zerolog.Logger,
	cfg SweeperConfig,
	opts ...SweeperOption,
) *PlanSweeper {
	if cfg.Window <= 0 {
		cfg.Window = DefaultSweepWindow
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	s := &PlanSweeper{
		store:      store,
		components: components,
		registry:   registry,
		cfg:        cfg,
		logger:     logger.With().Str("component", "plan-sweeper").Logger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps every interval until ctx is cancelled. Sweep errors are logged
// and never stop the loop.
func (s *PlanSweeper) Run(ctx context.Context, isProduction bool, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", interval).Msg("Plan sweeper started")
	for {
		if _, err := s.SweepOnce(ctx, isProduction); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("Plan sweep failed")
		}
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Plan sweeper stopped")
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce applies every confirmed plan of a running request in the tier
// and returns how many were applied successfully. Failures of individual
// plans are logged and do not stop the sweep.
func (s *PlanSweeper) SweepOnce(ctx context.Context, isProduction bool) (int, error) {
	since := s.now().Add(-s.cfg.Window)
	results, err := s.store.QueryResults(ctx, ResultFilter{
		Status:        ResultStatusConfirmed,
		RequestStatus: RequestStatusRunning,
		Production:    isProduction,
		ActiveSince:   &since,
		Limit:         s.cfg.BatchSize,
	})
	if err != nil {
		return 0, NewTransientError("failed to query confirmed results", err).WithOperation("sweep")
	}

	applied := 0
	for _, result := range results {
		outcome, err := s.apply(ctx, result)
		s.metrics.RecordSweep(outcome)
		if err != nil {
			s.logger.Error().Err(err).
				Int64("request_id", result.RequestID).
				Int64("result_id", result.ID).
				Str("component_name", result.Component).
				Msg("Failed to apply confirmed plan")
			continue
		}
		if outcome == "applied" {
			applied++
		}
	}
	return applied, nil
}

// apply claims one confirmed result, applies its plan and resumes the request.
func (s *PlanSweeper) apply(ctx context.Context, result *DeploymentResult) (string, error) {
	req, err := s.store.GetRequest(ctx, result.RequestID)
	if err != nil {
		return "error", err
	}
	if req.Status != RequestStatusRunning || s.registry.IsRegistered(req.ID) {
		return "skipped", nil
	}

	detail, err := req.DecodeDetail()
	if err != nil {
		return "error", err
	}
	var component Component
	for i := range detail.Components {
		if detail.Components[i].Name == result.Component {
			component, err = detail.Components[i].Component()
			if err != nil {
				return "error", err
			}
			break
		}
	}
	if _, ok := component.(*InfraComponent); !ok {
		return "error", NewPermanentError("confirmed result does not belong to an infrastructure component", nil).
			WithRequest(req.ID).WithDetail("component", result.Component)
	}

	props, err := resolveProperties(ctx, s.scripter, req, detail)
	if err != nil {
		return "error", err
	}

	n, err := s.store.TransitionResultIf(ctx, result.ID, ResultStatusConfirmed, ResultStatusRunning)
	if err != nil {
		return "error", err
	}
	if n == 0 {
		return "skipped", nil
	}

	applyCtx, cancel := context.WithCancel(ctx)
	reg, err := s.registry.Register(req.ID, cancel)
	if err != nil {
		cancel()
		if _, revertErr := s.store.TransitionResultIf(ctx, result.ID, ResultStatusRunning, ResultStatusConfirmed); revertErr != nil {
			return "error", revertErr
		}
		return "skipped", nil
	}
	defer reg.Done()

	s.logger.Info().
		Int64("request_id", req.ID).
		Int64("result_id", result.ID).
		Str("component_name", result.Component).
		Msg("Applying confirmed plan")

	// The claim moved the row to running; the processor needs the confirmed
	// status to choose the apply phase.
	result.Status = ResultStatusConfirmed
	rc := &RequestContext{Request: req, Detail: detail, Properties: props}
	ok, err := s.components.DeployComponent(applyCtx, component, result, rc)
	if err != nil {
		if IsCancelled(err) {
			return "cancelled", nil
		}
		return "error", err
	}

	// The plan is applied; resume even if shutdown began meanwhile.
	n, err = s.store.TransitionIf(context.WithoutCancel(ctx), []int64{req.ID}, RequestStatusRunning, RequestStatusPending)
	if err != nil {
		return "error", err
	}
	if n == 0 {
		s.logger.Info().Int64("request_id", req.ID).Msg("Request changed state during apply, not resuming")
	}
	if !ok {
		return "failed", nil
	}
	return "applied", nil
}
