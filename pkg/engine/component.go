package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/openfroyo/deployd/pkg/telemetry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// ComponentKind identifies which dispatcher handles a component.
type ComponentKind string

const (
	// ComponentKindScript is a component made of scripts run by a worker.
	ComponentKindScript ComponentKind = "script"

	// ComponentKindInfrastructure is an infrastructure-as-code component deployed by plan and apply.
	ComponentKindInfrastructure ComponentKind = "infrastructure"
)

// Component is one deployable unit within a request. The set of kinds is
// closed: each implementation routes itself to its dispatcher.
type Component interface {
	// ComponentName returns the component reference.
	ComponentName() string

	// Kind returns the component kind.
	Kind() ComponentKind

	deploy(ctx context.Context, p *ComponentProcessor, d *deployment) (ResultStatus, error)
}

// Script is one script of a script component.
type Script struct {
	// Path is relative to the build's script root.
	Path string `json:"path"`

	// RuntimeVersion is the compatibility key that selects the worker executable.
	RuntimeVersion string `json:"runtime_version,omitempty"`
}

// ScriptComponent deploys by running scripts in a worker process.
type ScriptComponent struct {
	Name              string
	Scripts           []Script
	NonProductionOnly bool
	Properties        map[string]any
}

// ComponentName implements Component.
func (c *ScriptComponent) ComponentName() string { return c.Name }

// Kind implements Component.
func (c *ScriptComponent) Kind() ComponentKind { return ComponentKindScript }

// InfraComponent deploys by computing a plan, waiting for confirmation, then applying it.
type InfraComponent struct {
	Name string

	// Provider is the provider manifest path, relative to the script root
	// unless absolute.
	Provider string

	// Config is the provider configuration for this component.
	Config json.RawMessage

	Properties map[string]any
}

// ComponentName implements Component.
func (c *InfraComponent) ComponentName() string { return c.Name }

// Kind implements Component.
func (c *InfraComponent) Kind() ComponentKind { return ComponentKindInfrastructure }

// ComponentSpec is the serialized form of a component inside a request detail.
type ComponentSpec struct {
	Name              string          `json:"name"`
	Kind              ComponentKind   `json:"kind"`
	NonProductionOnly bool            `json:"non_production_only,omitempty"`
	Scripts           []Script        `json:"scripts,omitempty"`
	Provider          string          `json:"provider,omitempty"`
	Config            json.RawMessage `json:"config,omitempty"`
	Properties        map[string]any  `json:"properties,omitempty"`
}

// Component converts the spec into its typed component.
func (s *ComponentSpec) Component() (Component, error) {
	if s.Name == "" {
		return nil, fmt.Errorf("component name is required")
	}
	switch s.Kind {
	case ComponentKindScript:
		if len(s.Scripts) == 0 {
			return nil, fmt.Errorf("script component %s has no scripts", s.Name)
		}
		for _, script := range s.Scripts {
			if script.Path == "" {
				return nil, fmt.Errorf("script component %s has a script without a path", s.Name)
			}
		}
		return &ScriptComponent{
			Name:              s.Name,
			Scripts:           s.Scripts,
			NonProductionOnly: s.NonProductionOnly,
			Properties:        s.Properties,
		}, nil
	case ComponentKindInfrastructure:
		if s.Provider == "" {
			return nil, fmt.Errorf("infrastructure component %s has no provider", s.Name)
		}
		return &InfraComponent{
			Name:       s.Name,
			Provider:   s.Provider,
			Config:     s.Config,
			Properties: s.Properties,
		}, nil
	default:
		return nil, fmt.Errorf("unknown component kind %q for %s", s.Kind, s.Name)
	}
}

// Ref returns the reference used when creating the component's result.
func (s *ComponentSpec) Ref(position int) ComponentRef {
	return ComponentRef{Name: s.Name, Kind: s.Kind, Position: position}
}

// deployment is the per-attempt state handed to a component.
type deployment struct {
	result *DeploymentResult
	prior  ResultStatus
	rc     *RequestContext
	log    *LogBuffer
	props  map[string]any
}

// ComponentProcessor deploys a single component and records its outcome.
type ComponentProcessor struct {
	store   ResultStore
	scripts ScriptDispatcher
	plans   PlanDispatcher
	policy  TierPolicy
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
}

// ComponentProcessorOption configures a ComponentProcessor.
type ComponentProcessorOption func(*ComponentProcessor)

// WithTierPolicy installs a tier policy consulted in addition to the
// non-production-only rule.
func WithTierPolicy(policy TierPolicy) ComponentProcessorOption {
	return func(p *ComponentProcessor) { p.policy = policy }
}

// WithComponentTelemetry installs metrics and tracing.
func WithComponentTelemetry(metrics *telemetry.Metrics, tracer *telemetry.Tracer) ComponentProcessorOption {
	return func(p *ComponentProcessor) {
		p.metrics = metrics
		if tracer != nil {
			p.tracer = tracer
		}
	}
}

// NewComponentProcessor creates a component processor.
func NewComponentProcessor(
	store ResultStore,
	scripts ScriptDispatcher,
	plans PlanDispatcher,
	logger zerolog.Logger,
	opts ...ComponentProcessorOption,
) *ComponentProcessor {
	p := &ComponentProcessor{
		store:   store,
		scripts: scripts,
		plans:   plans,
		logger:  logger.With().Str("component", "component-processor").Logger(),
		tracer:  telemetry.NoopTracer(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// DeployComponent deploys one component of a request and persists the outcome.
// The accumulated log, the final status and the environment's last known
// component status are always written, even when the deployment is cancelled.
// The returned error is nil for ordinary failures; it matches ErrCancelled
// when the component was cancelled, and is a store error when the result
// could not be marked running.
func (p *ComponentProcessor) DeployComponent(ctx context.Context, component Component, result *DeploymentResult, rc *RequestContext) (ok bool, err error) {
	started := time.Now()
	ctx, span := p.tracer.StartComponentSpan(ctx, rc.Request.ID, component.ComponentName(), string(component.Kind()))
	defer span.End()

	d := &deployment{
		result: result,
		prior:  result.Status,
		rc:     rc,
		log:    NewLogBuffer(),
		props:  mergeProperties(rc.Properties, componentProperties(component)),
	}
	status := result.Status

	defer func() {
		p.finish(context.WithoutCancel(ctx), d, component, status)
		p.metrics.RecordComponent(string(component.Kind()), string(status), time.Since(started))
		telemetry.SetAttributes(span, attribute.String("component.status", string(status)))
		if err != nil {
			telemetry.RecordError(span, err)
		}
	}()

	if err := p.store.SetResultStatus(ctx, result.ID, ResultStatusRunning); err != nil {
		return false, fmt.Errorf("failed to mark result %d running: %w", result.ID, err)
	}
	status = ResultStatusRunning
	d.log.Printf("deploying %s component %s to %s", component.Kind(), component.ComponentName(), rc.Request.Environment)

	status, err = component.deploy(ctx, p, d)
	if err != nil {
		return false, err
	}
	return status.IsSuccess() || status == ResultStatusWaitingConfirmation, nil
}

// finish flushes the log and records the final status.
func (p *ComponentProcessor) finish(ctx context.Context, d *deployment, component Component, status ResultStatus) {
	d.result.Status = status
	logger := p.logger.With().
		Int64("request_id", d.rc.Request.ID).
		Int64("result_id", d.result.ID).
		Str("component_name", component.ComponentName()).
		Str("status", string(status)).
		Logger()

	if text := d.log.String(); text != "" {
		if err := p.store.AppendResultLog(ctx, d.result.ID, text); err != nil {
			logger.Error().Err(err).Msg("Failed to flush result log")
		}
		d.result.Log += text
	}
	if err := p.store.SetResultStatus(ctx, d.result.ID, status); err != nil {
		logger.Error().Err(err).Msg("Failed to persist result status")
	}
	if err := p.store.SetComponentStatus(ctx, d.rc.Request.Environment, component.ComponentName(), status); err != nil {
		logger.Error().Err(err).Msg("Failed to record last known component status")
	}
	logger.Debug().Msg("Component attempt finished")
}

// tierDecision applies the non-production-only rule, then the configured policy.
func (p *ComponentProcessor) tierDecision(ctx context.Context, c *ScriptComponent, rc *RequestContext) TierDecision {
	if rc.Request.Production && c.NonProductionOnly {
		return TierDecision{
			Skip:    true,
			Message: fmt.Sprintf("component %s is marked non-production only and was not deployed to %s", c.Name, rc.Request.Environment),
		}
	}
	if p.policy == nil {
		return TierDecision{}
	}
	decision, err := p.policy.Evaluate(ctx, TierInput{
		Component:         c.Name,
		Kind:              ComponentKindScript,
		NonProductionOnly: c.NonProductionOnly,
		Environment:       rc.Request.Environment,
		Production:        rc.Request.Production,
		Project:           rc.Request.Project,
	})
	if err != nil {
		p.logger.Warn().Err(err).Str("component_name", c.Name).Msg("Tier policy evaluation failed, deploying")
		return TierDecision{}
	}
	return decision
}

func (c *ScriptComponent) deploy(ctx context.Context, p *ComponentProcessor, d *deployment) (ResultStatus, error) {
	if decision := p.tierDecision(ctx, c, d.rc); decision.Skip {
		d.log.Printf("WARNING: %s", decision.Message)
		return ResultStatusWarning, nil
	}

	ok, err := p.scripts.Dispatch(ctx, ScriptDispatch{
		ScriptRoot:  d.rc.Detail.Build.ScriptRoot,
		Scripts:     c.Scripts,
		Properties:  d.props,
		RequestID:   d.rc.Request.ID,
		ResultID:    d.result.ID,
		Production:  d.rc.Request.Production,
		Environment: d.rc.Request.Environment,
	}, d.log)
	return dispatchOutcome(d, ok, err, ResultStatusComplete)
}

func (c *InfraComponent) deploy(ctx context.Context, p *ComponentProcessor, d *deployment) (ResultStatus, error) {
	op, ok := PlanOperationFor(d.prior)
	if !ok {
		d.log.Printf("ERROR: infrastructure component cannot be dispatched from status %s", d.prior)
		return ResultStatusFailed, nil
	}

	ok, err := p.plans.DispatchAsync(ctx, PlanDispatch{
		ScriptRoot:  d.rc.Detail.Build.ScriptRoot,
		Component:   c,
		Result:      d.result,
		Properties:  d.props,
		RequestID:   d.rc.Request.ID,
		Production:  d.rc.Request.Production,
		Environment: d.rc.Request.Environment,
		Operation:   op,
	}, d.log)

	success := ResultStatusComplete
	if op == PlanOperationCreate {
		success = ResultStatusWaitingConfirmation
	}
	return dispatchOutcome(d, ok, err, success)
}

// dispatchOutcome maps a dispatcher's answer to a result status.
func dispatchOutcome(d *deployment, ok bool, err error, success ResultStatus) (ResultStatus, error) {
	switch {
	case err != nil && IsCancelled(err):
		d.log.Printf("cancelled: %v", err)
		return ResultStatusCancelled, NewCancelledError("component cancelled", err).WithRequest(d.rc.Request.ID)
	case err != nil:
		d.log.Printf("ERROR: %v", err)
		return ResultStatusFailed, nil
	case !ok:
		return ResultStatusFailed, nil
	}
	return success, nil
}

func componentProperties(c Component) map[string]any {
	switch v := c.(type) {
	case *ScriptComponent:
		return v.Properties
	case *InfraComponent:
		return v.Properties
	}
	return nil
}

// mergeProperties returns base overlaid with override.
func mergeProperties(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	maps.Copy(out, base)
	maps.Copy(out, override)
	return out
}
