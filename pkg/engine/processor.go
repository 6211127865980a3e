package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openfroyo/deployd/pkg/telemetry"
	"github.com/rs/zerolog"
)

const (
	// DefaultBatchSize bounds how many requests one phase acts on per iteration.
	DefaultBatchSize = 10

	// DefaultStaleAfter is the age past which a running request is abandoned.
	DefaultStaleAfter = 24 * time.Hour

	// DefaultTerminateTimeout bounds how long a terminating phase waits for
	// an execution task to unwind after its worker was killed.
	DefaultTerminateTimeout = 30 * time.Second
)

// ProcessorConfig configures the state processor.
type ProcessorConfig struct {
	// InstanceID identifies this orchestrator in process records.
	InstanceID string

	// BatchSize bounds the requests acted on per phase and iteration.
	BatchSize int

	// StaleAfter is the abandonment threshold.
	StaleAfter time.Duration

	// TerminateTimeout bounds the wait for a terminated task.
	TerminateTimeout time.Duration

	// RecoverRunning makes Recover treat every running request of the tier as
	// orphaned, except requests paused on plan confirmation. Only safe when a
	// single orchestrator serves the tier.
	RecoverRunning bool
}

// StateProcessor drives deployment requests through their state machine.
// Every status change goes through the store's conditional transition, so
// several processors may share a store; the registry only keeps one
// instance consistent with itself.
type StateProcessor struct {
	store      Store
	components *ComponentProcessor
	killer     ProcessKiller
	registry   *Registry
	scripter   PropertyScripter
	cfg        ProcessorConfig
	logger     zerolog.Logger
	metrics    *telemetry.Metrics
	tracer     *telemetry.Tracer

	// wg tracks execution tasks so shutdown can wait for them.
	wg     sync.WaitGroup
	active atomic.Int64
	now    func() time.Time
}

// ProcessorOption configures a StateProcessor.
type ProcessorOption func(*StateProcessor)

// WithPropertyScripter installs the evaluator for request property scripts.
func WithPropertyScripter(scripter PropertyScripter) ProcessorOption {
	return func(s *StateProcessor) { s.scripter = scripter }
}

// WithProcessorTelemetry installs metrics and tracing.
func WithProcessorTelemetry(metrics *telemetry.Metrics, tracer *telemetry.Tracer) ProcessorOption {
	return func(s *StateProcessor) {
		s.metrics = metrics
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// withClock overrides the processor's clock in tests.
func withClock(now func() time.Time) ProcessorOption {
	return func(s *StateProcessor) { s.now = now }
}

// NewStateProcessor creates a state processor. The registry is owned by the
// caller and must not be shared between orchestrator instances.
func NewStateProcessor(
	store Store,
	components *ComponentProcessor,
	killer ProcessKiller,
	registry *Registry,
	logger zerolog.Logger,
	cfg ProcessorConfig,
	opts ...ProcessorOption,
) *StateProcessor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.TerminateTimeout <= 0 {
		cfg.TerminateTimeout = DefaultTerminateTimeout
	}

	s := &StateProcessor{
		store:      store,
		components: components,
		killer:     killer,
		registry:   registry,
		cfg:        cfg,
		logger:     logger.With().Str("component", "state-processor").Logger(),
		tracer:     telemetry.NoopTracer(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Abandon force-terminates running requests older than the staleness
// threshold. A batch containing any production request is skipped whole.
func (s *StateProcessor) Abandon(ctx context.Context, isProduction bool) error {
	started := s.now()
	cutoff := started.Add(-s.cfg.StaleAfter)

	requests, err := s.store.QueryRequests(ctx, RequestFilter{
		Statuses:      []RequestStatus{RequestStatusRunning},
		Production:    isProduction,
		StartedBefore: &cutoff,
		Limit:         s.cfg.BatchSize,
	})
	if err != nil {
		return NewTransientError("failed to query stale requests", err).WithOperation("abandon")
	}

	var stale []*DeploymentRequest
	for _, req := range requests {
		if req.Age(started) > s.cfg.StaleAfter {
			stale = append(stale, req)
		}
	}
	if len(stale) == 0 {
		return nil
	}

	for _, req := range stale {
		if req.Production {
			s.logger.Warn().
				Int64("request_id", req.ID).
				Int("batch", len(stale)).
				Msg("Abandon batch contains a production request, skipping batch")
			return nil
		}
	}

	ids := requestIDs(stale)
	for _, req := range stale {
		if err := s.terminate(ctx, req.ID); err != nil {
			return err
		}
	}

	n, err := s.store.TransitionIf(ctx, ids, RequestStatusRunning, RequestStatusAbandoned)
	if err != nil {
		return NewTransientError("failed to abandon requests", err).WithOperation("abandon")
	}

	s.logger.Warn().
		Ints64("request_ids", ids).
		Int64("abandoned", n).
		Dur("threshold", s.cfg.StaleAfter).
		Msg("Abandoned stale requests")
	s.metrics.RecordPhase("abandon", int(n), time.Since(started))
	return nil
}

// Cancel terminates requests marked cancelling, moves them to cancelled and
// sweeps their unfinished results to cancelled.
func (s *StateProcessor) Cancel(ctx context.Context, isProduction bool) error {
	started := s.now()
	requests, err := s.store.QueryRequests(ctx, RequestFilter{
		Statuses:   []RequestStatus{RequestStatusCancelling},
		Production: isProduction,
		Limit:      s.cfg.BatchSize,
	})
	if err != nil {
		return NewTransientError("failed to query cancelling requests", err).WithOperation("cancel")
	}
	if len(requests) == 0 {
		return nil
	}

	ids := requestIDs(requests)
	for _, req := range requests {
		if err := s.terminate(ctx, req.ID); err != nil {
			return err
		}
	}

	n, err := s.store.TransitionIf(ctx, ids, RequestStatusCancelling, RequestStatusCancelled)
	if err != nil {
		return NewTransientError("failed to cancel requests", err).WithOperation("cancel")
	}

	var swept int64
	for _, from := range []ResultStatus{
		ResultStatusNotSet,
		ResultStatusPending,
		ResultStatusWaitingConfirmation,
		ResultStatusConfirmed,
	} {
		count, err := s.store.TransitionResults(ctx, ids, from, ResultStatusCancelled)
		if err != nil {
			return NewTransientError("failed to cancel pending results", err).WithOperation("cancel")
		}
		swept += count
	}

	s.logger.Info().
		Ints64("request_ids", ids).
		Int64("cancelled", n).
		Int64("results_cancelled", swept).
		Msg("Cancelled requests")
	s.metrics.RecordPhase("cancel", int(n), time.Since(started))
	return nil
}

// Restart tears down requests marked restarting, wipes their results and
// re-enqueues them as pending.
func (s *StateProcessor) Restart(ctx context.Context, isProduction bool) error {
	started := s.now()
	requests, err := s.store.QueryRequests(ctx, RequestFilter{
		Statuses:   []RequestStatus{RequestStatusRestarting},
		Production: isProduction,
		Limit:      s.cfg.BatchSize,
	})
	if err != nil {
		return NewTransientError("failed to query restarting requests", err).WithOperation("restart")
	}
	if len(requests) == 0 {
		return nil
	}

	ids := requestIDs(requests)
	for _, req := range requests {
		if err := s.terminate(ctx, req.ID); err != nil {
			return err
		}
	}

	for _, id := range ids {
		if err := s.store.ClearResults(ctx, id); err != nil {
			s.logger.Error().Err(err).
				Int64("request_id", id).
				Ints64("request_ids", ids).
				Msg("Failed to clear results, abandoning restart for this batch")
			return nil
		}
	}

	n, err := s.store.TransitionIf(ctx, ids, RequestStatusRestarting, RequestStatusPending)
	if err != nil {
		return NewTransientError("failed to re-enqueue restarted requests", err).WithOperation("restart")
	}

	s.logger.Info().
		Ints64("request_ids", ids).
		Int64("restarted", n).
		Msg("Restarted requests")
	s.metrics.RecordPhase("restart", int(n), time.Since(started))
	return nil
}

// Execute claims the oldest pending request of every idle environment and
// launches its execution in the background.
func (s *StateProcessor) Execute(ctx context.Context, isProduction bool) error {
	started := s.now()
	requests, err := s.store.QueryRequests(ctx, RequestFilter{
		Statuses: []RequestStatus{
			RequestStatusPending,
			RequestStatusRequesting,
			RequestStatusRunning,
		},
		Production: isProduction,
	})
	if err != nil {
		return NewTransientError("failed to query executable requests", err).WithOperation("execute")
	}

	groups := make(map[string][]*DeploymentRequest)
	for _, req := range requests {
		groups[req.Environment] = append(groups[req.Environment], req)
	}
	environments := make([]string, 0, len(groups))
	for env := range groups {
		environments = append(environments, env)
	}
	sort.Strings(environments)

	launched := 0
	for _, env := range environments {
		if launched >= s.cfg.BatchSize {
			break
		}

		candidate := nextCandidate(groups[env])
		if candidate == nil {
			continue
		}
		if occupant, busy := s.registry.Occupant(env); busy {
			s.logger.Debug().
				Str("environment", env).
				Int64("occupant", occupant).
				Msg("Environment occupied, skipping")
			continue
		}

		n, err := s.store.TransitionIf(ctx, []int64{candidate.ID}, RequestStatusPending, RequestStatusRequesting)
		if err != nil {
			return NewTransientError("failed to claim request", err).
				WithOperation("execute").WithRequest(candidate.ID)
		}
		if n == 0 {
			s.logger.Debug().Int64("request_id", candidate.ID).Msg("Claim lost, retrying next iteration")
			s.metrics.RecordClaimLost()
			continue
		}
		candidate.Status = RequestStatusRequesting

		if err := s.launch(ctx, candidate); err != nil {
			s.logger.Error().Err(err).Int64("request_id", candidate.ID).Msg("Failed to launch execution, releasing claim")
			if _, relErr := s.store.TransitionIf(ctx, []int64{candidate.ID}, RequestStatusRequesting, RequestStatusPending); relErr != nil {
				return NewTransientError("failed to release claim", relErr).
					WithOperation("execute").WithRequest(candidate.ID)
			}
			continue
		}
		launched++
	}

	if launched > 0 {
		s.metrics.RecordPhase("execute", launched, time.Since(started))
	}
	return nil
}

// nextCandidate returns the lowest-id pending request of an environment, or
// nil when any request of the environment is already in flight.
func nextCandidate(group []*DeploymentRequest) *DeploymentRequest {
	var candidate *DeploymentRequest
	for _, req := range group {
		if req.Status.IsInFlight() {
			return nil
		}
		if req.Status == RequestStatusPending && (candidate == nil || req.ID < candidate.ID) {
			candidate = req
		}
	}
	return candidate
}

// launch registers a claimed request and starts its execution task.
func (s *StateProcessor) launch(ctx context.Context, req *DeploymentRequest) error {
	if !s.registry.Occupy(req.Environment, req.ID) {
		return fmt.Errorf("environment %s is occupied", req.Environment)
	}

	execCtx, cancel := context.WithCancel(ctx)
	reg, err := s.registry.Register(req.ID, cancel)
	if err != nil {
		cancel()
		s.registry.Vacate(req.Environment, req.ID)
		return err
	}

	s.wg.Add(1)
	go s.run(execCtx, reg, req)
	return nil
}

// run is the execution task boundary: nothing that happens to one request
// escapes into the scheduling loop.
func (s *StateProcessor) run(ctx context.Context, reg *Registration, req *DeploymentRequest) {
	// The environment is vacated before the registration is released, so a
	// terminator that waited on the registration finds the environment free.
	defer s.wg.Done()
	defer reg.Done()
	defer s.registry.Vacate(req.Environment, req.ID)

	logger := s.logger.With().
		Int64("request_id", req.ID).
		Str("environment", req.Environment).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Request execution panicked")
		}
	}()

	s.metrics.RecordRequestStarted(req.Environment)
	s.metrics.SetActiveExecutions(float64(s.active.Add(1)))
	defer func() {
		s.metrics.SetActiveExecutions(float64(s.active.Add(-1)))
	}()

	logger.Info().Str("project", req.Project).Str("build", req.Build).Msg("Executing request")
	if err := s.execute(ctx, req); err != nil {
		if IsCancelled(err) {
			logger.Info().Err(err).Msg("Request execution cancelled")
			return
		}
		logger.Error().Err(err).Msg("Request execution failed")
	}
}

// execute deploys the components of a claimed request in order.
func (s *StateProcessor) execute(ctx context.Context, req *DeploymentRequest) (err error) {
	started := s.now()
	ctx, span := s.tracer.StartRequestSpan(ctx, req.ID, req.Environment)
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
		}
		span.End()
	}()

	n, err := s.store.TransitionIf(ctx, []int64{req.ID}, RequestStatusRequesting, RequestStatusRunning)
	if err != nil {
		return NewTransientError("failed to start request", err).WithRequest(req.ID)
	}
	if n == 0 {
		return NewConflictError("request left the requesting state before it started", nil).
			WithRequest(req.ID).WithCode(ErrCodeClaimLost)
	}
	req.Status = RequestStatusRunning

	detail, err := req.DecodeDetail()
	if err != nil {
		s.finishRequest(ctx, req, RequestStatusFailed, started)
		return err
	}

	props, err := resolveProperties(ctx, s.scripter, req, detail)
	if err != nil {
		s.finishRequest(ctx, req, RequestStatusFailed, started)
		return NewPermanentError("failed to resolve properties", err).WithRequest(req.ID)
	}

	refs := make([]ComponentRef, len(detail.Components))
	for i := range detail.Components {
		refs[i] = detail.Components[i].Ref(i)
	}
	results, err := s.store.EnsureResults(ctx, req.ID, refs)
	if err != nil {
		return NewTransientError("failed to create results", err).WithRequest(req.ID)
	}
	byName := make(map[string]*DeploymentResult, len(results))
	for _, result := range results {
		byName[result.Component] = result
	}

	rc := &RequestContext{Request: req, Detail: detail, Properties: props}
	failed := false
	for i := range detail.Components {
		spec := &detail.Components[i]
		result, ok := byName[spec.Name]
		if !ok {
			return NewPermanentError("missing result for component "+spec.Name, nil).WithRequest(req.ID)
		}

		if result.Status.IsTerminal() {
			failed = failed || !result.Status.IsSuccess()
			continue
		}
		if result.Status == ResultStatusWaitingConfirmation {
			s.logger.Info().Int64("request_id", req.ID).Str("component_name", spec.Name).
				Msg("Request paused until the plan is confirmed")
			return nil
		}

		component, err := spec.Component()
		if err != nil {
			return NewPermanentError("invalid component", err).WithRequest(req.ID)
		}
		ok, err = s.components.DeployComponent(ctx, component, result, rc)
		if err != nil {
			return err
		}
		if result.Status == ResultStatusWaitingConfirmation {
			s.logger.Info().Int64("request_id", req.ID).Str("component_name", spec.Name).
				Msg("Plan created, request paused until it is confirmed")
			return nil
		}
		failed = failed || !ok
	}

	final := RequestStatusComplete
	if failed {
		final = RequestStatusFailed
	}
	s.finishRequest(ctx, req, final, started)
	return nil
}

// finishRequest moves a running request to its terminal status. Losing the
// transition means a user or another phase already moved the request.
func (s *StateProcessor) finishRequest(ctx context.Context, req *DeploymentRequest, final RequestStatus, started time.Time) {
	n, err := s.store.TransitionIf(context.WithoutCancel(ctx), []int64{req.ID}, RequestStatusRunning, final)
	logger := s.logger.With().Int64("request_id", req.ID).Str("status", string(final)).Logger()
	switch {
	case err != nil:
		logger.Error().Err(err).Msg("Failed to record request outcome")
	case n == 0:
		logger.Info().Msg("Request changed state during execution, outcome not recorded")
	default:
		req.Status = final
		logger.Info().Dur("duration", s.now().Sub(started)).Msg("Request finished")
		s.metrics.RecordRequestFinished(string(final), s.now().Sub(started))
	}
}

// resolveProperties merges request properties with the output of the
// request's property script.
func resolveProperties(ctx context.Context, scripter PropertyScripter, req *DeploymentRequest, detail *RequestDetail) (map[string]any, error) {
	props := mergeProperties(detail.Properties, nil)
	if detail.PropertiesScript == "" {
		return props, nil
	}
	if scripter == nil {
		return nil, fmt.Errorf("request has a properties script but no evaluator is configured")
	}

	computed, err := scripter.EvaluateProperties(ctx, detail.PropertiesScript, map[string]any{
		"environment": req.Environment,
		"project":     req.Project,
		"build":       req.Build,
		"production":  req.Production,
		"properties":  props,
	})
	if err != nil {
		return nil, err
	}
	return mergeProperties(props, computed), nil
}

// terminate fires a request's cancellation source, kills its recorded
// processes and waits for its execution task to unwind. Both mechanisms are
// always used because a worker may ignore cooperative cancellation, and
// after a crash only the process records exist.
func (s *StateProcessor) terminate(ctx context.Context, requestID int64) error {
	done := s.registry.Cancel(requestID)
	if err := s.killProcesses(ctx, requestID); err != nil {
		return err
	}

	timer := time.NewTimer(s.cfg.TerminateTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.logger.Warn().Int64("request_id", requestID).Msg("Execution task did not finish after termination")
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// killProcesses kills every recorded process of a request and removes the
// records of processes confirmed gone.
func (s *StateProcessor) killProcesses(ctx context.Context, requestID int64) error {
	records, err := s.store.GetProcesses(ctx, requestID)
	if err != nil {
		return NewTransientError("failed to look up worker processes", err).WithRequest(requestID)
	}
	for _, rec := range records {
		s.killRecord(ctx, rec)
	}
	return nil
}

func (s *StateProcessor) killRecord(ctx context.Context, rec ProcessRecord) {
	logger := s.logger.With().
		Int64("request_id", rec.RequestID).
		Int("pid", rec.PID).
		Str("host", rec.Host).
		Logger()

	if err := s.killer.Kill(ctx, rec); err != nil {
		logger.Error().Err(err).Msg("Failed to kill worker process, keeping its record")
		return
	}
	if err := s.store.RemoveProcess(ctx, rec); err != nil {
		logger.Error().Err(err).Msg("Failed to remove process record")
		return
	}
	logger.Info().Msg("Killed worker process")
}

// Recover cleans up after a crash of this orchestrator instance. Worker
// processes recorded by this instance are killed and their requests moved
// to restarting, so the restart phase re-enqueues them. It must run before
// the first scheduling iteration.
func (s *StateProcessor) Recover(ctx context.Context, isProduction bool) error {
	records, err := s.store.ListProcesses(ctx, s.cfg.InstanceID)
	if err != nil {
		return NewTransientError("failed to list process records", err).WithOperation("recover")
	}

	orphaned := make(map[int64]bool)
	for _, rec := range records {
		if s.registry.IsRegistered(rec.RequestID) {
			continue
		}
		s.killRecord(ctx, rec)
		orphaned[rec.RequestID] = true
	}

	if s.cfg.RecoverRunning {
		inFlight, err := s.store.QueryRequests(ctx, RequestFilter{
			Statuses:   []RequestStatus{RequestStatusRequesting, RequestStatusRunning},
			Production: isProduction,
		})
		if err != nil {
			return NewTransientError("failed to query in-flight requests", err).WithOperation("recover")
		}
		var claimed []int64
		for _, req := range inFlight {
			if s.registry.IsRegistered(req.ID) {
				continue
			}
			if req.Status == RequestStatusRequesting {
				claimed = append(claimed, req.ID)
				continue
			}
			if orphaned[req.ID] {
				continue
			}
			paused, err := s.awaitingConfirmation(ctx, req.ID)
			if err != nil {
				return err
			}
			if paused {
				continue
			}
			orphaned[req.ID] = true
		}
		if len(claimed) > 0 {
			if _, err := s.store.TransitionIf(ctx, claimed, RequestStatusRequesting, RequestStatusPending); err != nil {
				return NewTransientError("failed to release stale claims", err).WithOperation("recover")
			}
		}
	}

	if len(orphaned) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(orphaned))
	for id := range orphaned {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	n, err := s.store.TransitionIf(ctx, ids, RequestStatusRunning, RequestStatusRestarting)
	if err != nil {
		return NewTransientError("failed to restart orphaned requests", err).WithOperation("recover")
	}
	s.logger.Warn().
		Ints64("request_ids", ids).
		Int64("restarting", n).
		Msg("Recovered requests orphaned by a previous run")
	return nil
}

// awaitingConfirmation reports whether a running request is paused on a
// plan that is waiting for or has received confirmation. Such a request
// has no worker and is resumed by the sweeper.
func (s *StateProcessor) awaitingConfirmation(ctx context.Context, requestID int64) (bool, error) {
	results, err := s.store.ListResults(ctx, requestID)
	if err != nil {
		return false, NewTransientError("failed to list results", err).WithRequest(requestID).WithOperation("recover")
	}
	for _, result := range results {
		if result.Status == ResultStatusWaitingConfirmation || result.Status == ResultStatusConfirmed {
			return true, nil
		}
	}
	return false, nil
}

// Wait blocks until every launched execution task has finished.
func (s *StateProcessor) Wait() {
	s.wg.Wait()
}

func requestIDs(requests []*DeploymentRequest) []int64 {
	ids := make([]int64, len(requests))
	for i, req := range requests {
		ids[i] = req.ID
	}
	return ids
}
