package engine

import (
	"context"
)

// RequestStore persists deployment requests.
type RequestStore interface {
	// CreateRequest inserts a new request in the pending state and assigns its ID.
	CreateRequest(ctx context.Context, req *DeploymentRequest) error

	// GetRequest retrieves a request by ID.
	GetRequest(ctx context.Context, id int64) (*DeploymentRequest, error)

	// QueryRequests returns requests matching the filter, ordered by ascending ID.
	QueryRequests(ctx context.Context, filter RequestFilter) ([]*DeploymentRequest, error)

	// TransitionIf moves every listed request whose status is expected to next,
	// in a single conditional update, and returns how many rows changed.
	// Zero is not an error: another scheduler already moved the request.
	TransitionIf(ctx context.Context, ids []int64, expected, next RequestStatus) (int64, error)
}

// ResultStore persists per-component deployment results.
type ResultStore interface {
	// EnsureResults creates pending results for components that have none yet
	// and returns all results of the request ordered by position.
	EnsureResults(ctx context.Context, requestID int64, components []ComponentRef) ([]*DeploymentResult, error)

	// ListResults returns the results of a request ordered by position.
	ListResults(ctx context.Context, requestID int64) ([]*DeploymentResult, error)

	// QueryResults returns results across requests matching the filter.
	QueryResults(ctx context.Context, filter ResultFilter) ([]*DeploymentResult, error)

	// TransitionResults moves results of the listed requests from expected to next.
	TransitionResults(ctx context.Context, requestIDs []int64, expected, next ResultStatus) (int64, error)

	// TransitionResultIf moves a single result from expected to next.
	TransitionResultIf(ctx context.Context, resultID int64, expected, next ResultStatus) (int64, error)

	// SetResultStatus sets a result's status unconditionally.
	SetResultStatus(ctx context.Context, resultID int64, status ResultStatus) error

	// AppendResultLog appends text to a result's accumulated log.
	AppendResultLog(ctx context.Context, resultID int64, text string) error

	// SetPlanArtifact records where a result's computed plan is stored.
	SetPlanArtifact(ctx context.Context, resultID int64, location string) error

	// ClearResults deletes every result of a request.
	ClearResults(ctx context.Context, requestID int64) error

	// SetComponentStatus records the last known status of a component in an environment.
	SetComponentStatus(ctx context.Context, environment, component string, status ResultStatus) error
}

// ProcessStore persists process association records.
type ProcessStore interface {
	// AddProcess records a spawned worker process.
	AddProcess(ctx context.Context, rec ProcessRecord) error

	// GetProcesses returns the process records of a request.
	GetProcesses(ctx context.Context, requestID int64) ([]ProcessRecord, error)

	// ListProcesses returns the process records written by an orchestrator instance.
	// An empty owner lists every record.
	ListProcesses(ctx context.Context, owner string) ([]ProcessRecord, error)

	// RemoveProcess deletes a process record. Removing a missing record is not an error.
	RemoveProcess(ctx context.Context, rec ProcessRecord) error
}

// Store is the work record store consumed by the scheduler.
type Store interface {
	RequestStore
	ResultStore
	ProcessStore
}

// LogSink receives human-readable log lines for a result.
type LogSink interface {
	Printf(format string, args ...any)
}

// ScriptDispatcher runs script components in isolated worker processes.
type ScriptDispatcher interface {
	// Dispatch runs the scripts and reports success. Cancellation of ctx kills
	// the worker and returns an error matching ErrCancelled.
	Dispatch(ctx context.Context, req ScriptDispatch, log LogSink) (bool, error)
}

// PlanDispatcher runs the two-phase plan/apply protocol for infrastructure components.
type PlanDispatcher interface {
	// DispatchAsync runs one phase and reports success.
	DispatchAsync(ctx context.Context, req PlanDispatch, log LogSink) (bool, error)
}

// ProcessKiller terminates recorded worker processes.
type ProcessKiller interface {
	// Kill forcibly terminates the process. A process that already exited is not an error.
	Kill(ctx context.Context, rec ProcessRecord) error
}

// TierPolicy decides whether a component may be deployed to an environment tier.
type TierPolicy interface {
	Evaluate(ctx context.Context, input TierInput) (TierDecision, error)
}

// PropertyScripter evaluates a property script and returns the values it defines.
type PropertyScripter interface {
	EvaluateProperties(ctx context.Context, script string, input map[string]any) (map[string]any, error)
}

// ScriptDispatch is the input of a script dispatch.
type ScriptDispatch struct {
	ScriptRoot  string
	Scripts     []Script
	Properties  map[string]any
	RequestID   int64
	ResultID    int64
	Production  bool
	Environment string
}

// PlanDispatch is the input of one plan dispatch phase.
type PlanDispatch struct {
	ScriptRoot  string
	Component   *InfraComponent
	Result      *DeploymentResult
	Properties  map[string]any
	RequestID   int64
	Production  bool
	Environment string
	Operation   PlanOperation
}

// TierInput is evaluated by the tier policy.
type TierInput struct {
	Component         string        `json:"component"`
	Kind              ComponentKind `json:"kind"`
	NonProductionOnly bool          `json:"non_production_only"`
	Environment       string        `json:"environment"`
	Production        bool          `json:"production"`
	Project           string        `json:"project"`
}

// TierDecision is the outcome of a tier policy evaluation.
type TierDecision struct {
	Skip    bool   `json:"skip"`
	Message string `json:"message,omitempty"`
}
