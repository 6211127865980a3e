package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// DeploymentRequest is one user-submitted intent to deploy a build to an environment.
type DeploymentRequest struct {
	// ID is the stable request identifier. Lower ids were requested earlier.
	ID int64 `json:"id"`

	// Environment is the target environment name.
	Environment string `json:"environment"`

	// Project is the project being deployed.
	Project string `json:"project"`

	// Build is the build reference being deployed.
	Build string `json:"build"`

	// Components lists the component references to deploy, in order.
	Components []string `json:"components"`

	// RequestedBy is the requester identity.
	RequestedBy string `json:"requested_by"`

	// Production marks requests that target a production environment.
	Production bool `json:"production"`

	// Status is the current lifecycle state.
	Status RequestStatus `json:"status"`

	// RequestedAt is when the request was submitted.
	RequestedAt time.Time `json:"requested_at"`

	// StartedAt is when execution began.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the request reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Detail is the serialized RequestDetail, decoded only when execution begins.
	Detail json.RawMessage `json:"detail,omitempty"`
}

// Age returns how long the request has been executing at now. Requests that
// never recorded a start time are aged from submission.
func (r *DeploymentRequest) Age(now time.Time) time.Duration {
	if r.StartedAt != nil {
		return now.Sub(*r.StartedAt)
	}
	return now.Sub(r.RequestedAt)
}

// DecodeDetail deserializes the request detail payload.
func (r *DeploymentRequest) DecodeDetail() (*RequestDetail, error) {
	if len(r.Detail) == 0 {
		return nil, NewPermanentError("request has no detail payload", nil).
			WithRequest(r.ID).WithCode(ErrCodeValidation)
	}
	var detail RequestDetail
	if err := json.Unmarshal(r.Detail, &detail); err != nil {
		return nil, NewPermanentError("failed to decode request detail", err).
			WithRequest(r.ID).WithCode(ErrCodeValidation)
	}
	if err := detail.Validate(); err != nil {
		return nil, NewPermanentError("invalid request detail", err).
			WithRequest(r.ID).WithCode(ErrCodeValidation)
	}
	return &detail, nil
}

// RequestDetail is the resolved build and component list of a request.
type RequestDetail struct {
	// Build is the resolved build.
	Build BuildInfo `json:"build"`

	// Components are the component definitions, in deployment order.
	Components []ComponentSpec `json:"components"`

	// Properties are request-level property values shared by all components.
	Properties map[string]any `json:"properties,omitempty"`

	// PropertiesScript is an optional Starlark script whose globals are
	// merged over the resolved properties.
	PropertiesScript string `json:"properties_script,omitempty"`
}

// Validate checks the detail for structural problems.
func (d *RequestDetail) Validate() error {
	if len(d.Components) == 0 {
		return fmt.Errorf("request detail lists no components")
	}
	seen := make(map[string]bool, len(d.Components))
	for i := range d.Components {
		spec := &d.Components[i]
		if _, err := spec.Component(); err != nil {
			return fmt.Errorf("component %d: %w", i, err)
		}
		if seen[spec.Name] {
			return fmt.Errorf("duplicate component name: %s", spec.Name)
		}
		seen[spec.Name] = true
	}
	return nil
}

// BuildInfo describes the build being deployed.
type BuildInfo struct {
	// Reference is the build identifier (version, tag or commit).
	Reference string `json:"reference"`

	// ScriptRoot is the filesystem root scripts are resolved against.
	ScriptRoot string `json:"script_root"`
}

// DeploymentResult is one component's outcome within a request.
type DeploymentResult struct {
	// ID is the result identifier.
	ID int64 `json:"id"`

	// RequestID is the owning request.
	RequestID int64 `json:"request_id"`

	// Component is the component reference.
	Component string `json:"component"`

	// Kind is the component kind.
	Kind ComponentKind `json:"kind"`

	// Position is the component's index within the request.
	Position int `json:"position"`

	// Status is the current per-component status.
	Status ResultStatus `json:"status"`

	// Log is the accumulated log text.
	Log string `json:"log,omitempty"`

	// PlanArtifact is the location of the last computed plan (infrastructure only).
	PlanArtifact string `json:"plan_artifact,omitempty"`

	// UpdatedAt is when the result last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// ComponentRef identifies a component when results are created.
type ComponentRef struct {
	Name     string
	Kind     ComponentKind
	Position int
}

// ProcessRecord associates an OS process with the request that spawned it.
// It is written before the worker receives its unit of work and removed once
// the worker is confirmed exited.
type ProcessRecord struct {
	// PID is the operating system process identifier.
	PID int `json:"pid"`

	// RequestID is the request that spawned the process.
	RequestID int64 `json:"request_id"`

	// Host is the remote worker host, empty for local processes.
	Host string `json:"host,omitempty"`

	// Owner is the orchestrator instance that spawned the process.
	Owner string `json:"owner"`

	// CreatedAt is when the record was written.
	CreatedAt time.Time `json:"created_at"`
}

// IsLocal reports whether the process runs on the orchestrator host.
func (p ProcessRecord) IsLocal() bool {
	return p.Host == ""
}

// RequestFilter selects requests for a scheduler phase.
type RequestFilter struct {
	// Statuses restricts the query to these statuses. Required.
	Statuses []RequestStatus

	// Production selects production or non-production requests.
	Production bool

	// StartedBefore, when set, keeps only requests older than this instant.
	StartedBefore *time.Time

	// Limit bounds the number of rows; zero means unbounded.
	Limit int
}

// ResultFilter selects results across requests.
type ResultFilter struct {
	// Status is the result status to match.
	Status ResultStatus

	// RequestStatus is the status the owning request must be in.
	RequestStatus RequestStatus

	// Production selects production or non-production requests.
	Production bool

	// ActiveSince keeps only results whose request was submitted after this instant.
	ActiveSince *time.Time

	// Limit bounds the number of rows; zero means unbounded.
	Limit int
}

// RequestContext carries the request-level values a component needs.
type RequestContext struct {
	Request    *DeploymentRequest
	Detail     *RequestDetail
	Properties map[string]any
}
