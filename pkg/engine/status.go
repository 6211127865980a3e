package engine

import (
	"fmt"
)

// RequestStatus represents the lifecycle state of a deployment request.
type RequestStatus string

const (
	// RequestStatusPending indicates the request is queued and eligible for execution.
	RequestStatusPending RequestStatus = "pending"

	// RequestStatusRequesting is the narrow claim-lock state entered by compare-and-swap from pending.
	RequestStatusRequesting RequestStatus = "requesting"

	// RequestStatusRunning indicates the request's components are being deployed.
	RequestStatusRunning RequestStatus = "running"

	// RequestStatusComplete indicates every component finished without failure.
	RequestStatusComplete RequestStatus = "complete"

	// RequestStatusFailed indicates at least one component failed.
	RequestStatusFailed RequestStatus = "failed"

	// RequestStatusAbandoned indicates the request was force-terminated after going stale.
	RequestStatusAbandoned RequestStatus = "abandoned"

	// RequestStatusCancelling indicates a user asked for cancellation.
	RequestStatusCancelling RequestStatus = "cancelling"

	// RequestStatusCancelled indicates the request was cancelled.
	RequestStatusCancelled RequestStatus = "cancelled"

	// RequestStatusRestarting indicates a user asked for a re-run.
	RequestStatusRestarting RequestStatus = "restarting"
)

// IsTerminal returns true if the request status represents a final state.
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case RequestStatusComplete, RequestStatusFailed,
		RequestStatusAbandoned, RequestStatusCancelled:
		return true
	}
	return false
}

// IsInFlight returns true if an execution may currently own the request.
func (s RequestStatus) IsInFlight() bool {
	return s == RequestStatusRequesting || s == RequestStatusRunning
}

// Validate checks if the request status is valid.
func (s RequestStatus) Validate() error {
	switch s {
	case RequestStatusPending, RequestStatusRequesting, RequestStatusRunning,
		RequestStatusComplete, RequestStatusFailed, RequestStatusAbandoned,
		RequestStatusCancelling, RequestStatusCancelled, RequestStatusRestarting:
		return nil
	default:
		return fmt.Errorf("invalid request status: %s", s)
	}
}

// requestTransitions lists the allowed edges of the request state machine.
// Cancelling and Restarting are reachable from every non-terminal state and
// are handled in CanTransitionTo. Restarting is also the only exit from a
// terminal state.
var requestTransitions = map[RequestStatus][]RequestStatus{
	RequestStatusPending:    {RequestStatusRequesting},
	RequestStatusRequesting: {RequestStatusRunning, RequestStatusPending},
	RequestStatusRunning: {
		RequestStatusComplete, RequestStatusFailed, RequestStatusAbandoned,
		// resume after a confirmed plan was applied
		RequestStatusPending,
	},
	RequestStatusCancelling: {RequestStatusCancelled},
	RequestStatusRestarting: {RequestStatusPending},
}

// CanTransitionTo reports whether the state machine allows moving from s to next.
func (s RequestStatus) CanTransitionTo(next RequestStatus) bool {
	if next == RequestStatusRestarting {
		return s != RequestStatusRestarting
	}
	if s.IsTerminal() {
		return false
	}
	if next == RequestStatusCancelling {
		return s != RequestStatusCancelling && s != RequestStatusRestarting
	}
	for _, allowed := range requestTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ResultStatus represents the per-component outcome status of a deployment result.
type ResultStatus string

const (
	// ResultStatusNotSet indicates the result has never been touched.
	ResultStatusNotSet ResultStatus = "not_set"

	// ResultStatusPending indicates the component is waiting to be deployed.
	ResultStatusPending ResultStatus = "pending"

	// ResultStatusRunning indicates a dispatcher is working on the component.
	ResultStatusRunning ResultStatus = "running"

	// ResultStatusWaitingConfirmation indicates a plan was computed and awaits human review.
	ResultStatusWaitingConfirmation ResultStatus = "waiting_confirmation"

	// ResultStatusConfirmed indicates a reviewer confirmed the plan; apply may run.
	ResultStatusConfirmed ResultStatus = "confirmed"

	// ResultStatusComplete indicates the component deployed successfully.
	ResultStatusComplete ResultStatus = "complete"

	// ResultStatusFailed indicates the component failed.
	ResultStatusFailed ResultStatus = "failed"

	// ResultStatusWarning indicates the component was skipped with a warning.
	ResultStatusWarning ResultStatus = "warning"

	// ResultStatusCancelled indicates the component was cancelled.
	ResultStatusCancelled ResultStatus = "cancelled"
)

// IsTerminal returns true if no further dispatch will happen for the result.
func (s ResultStatus) IsTerminal() bool {
	switch s {
	case ResultStatusComplete, ResultStatusFailed,
		ResultStatusWarning, ResultStatusCancelled:
		return true
	}
	return false
}

// IsSuccess returns true for outcomes that do not fail the request.
func (s ResultStatus) IsSuccess() bool {
	return s == ResultStatusComplete || s == ResultStatusWarning
}

// Validate checks if the result status is valid.
func (s ResultStatus) Validate() error {
	switch s {
	case ResultStatusNotSet, ResultStatusPending, ResultStatusRunning,
		ResultStatusWaitingConfirmation, ResultStatusConfirmed,
		ResultStatusComplete, ResultStatusFailed,
		ResultStatusWarning, ResultStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid result status: %s", s)
	}
}

// PlanOperation selects the phase of a two-phase infrastructure dispatch.
type PlanOperation string

const (
	// PlanOperationCreate computes a plan artifact without changing anything.
	PlanOperationCreate PlanOperation = "create_plan"

	// PlanOperationApply applies a previously computed and confirmed plan.
	PlanOperationApply PlanOperation = "apply_plan"
)

// PlanOperationFor returns the operation implied by a result's status before
// dispatch, and false when an infrastructure component cannot be dispatched
// from that status.
func PlanOperationFor(status ResultStatus) (PlanOperation, bool) {
	switch status {
	case ResultStatusPending, ResultStatusNotSet:
		return PlanOperationCreate, true
	case ResultStatusConfirmed:
		return PlanOperationApply, true
	}
	return "", false
}
