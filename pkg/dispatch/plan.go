package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openfroyo/deployd/pkg/engine"
	"github.com/openfroyo/deployd/pkg/runner/protocol"
	"github.com/rs/zerolog"
)

// ArtifactRecorder persists the location of a computed plan.
type ArtifactRecorder interface {
	SetPlanArtifact(ctx context.Context, resultID int64, location string) error
}

// PlanStore is what the plan dispatcher persists to.
type PlanStore interface {
	ProcessRecorder
	ArtifactRecorder
}

// PlanDispatcher runs the plan and apply phases of infrastructure
// components in worker processes. It implements engine.PlanDispatcher.
type PlanDispatcher struct {
	workers *workers
	store   PlanStore
}

// NewPlanDispatcher creates a plan dispatcher.
func NewPlanDispatcher(cfg Config, spawner Spawner, store PlanStore, credentials CredentialSource, log zerolog.Logger, opts ...Option) *PlanDispatcher {
	return &PlanDispatcher{
		workers: newWorkers(cfg, spawner, store, credentials,
			log.With().Str("component", "plan-dispatcher").Logger(), opts),
		store: store,
	}
}

// DispatchAsync implements engine.PlanDispatcher. Create computes a plan and
// records its artifact on the result; apply applies the recorded artifact
// and never computes a new one.
func (d *PlanDispatcher) DispatchAsync(ctx context.Context, req engine.PlanDispatch, sink engine.LogSink) (bool, error) {
	if req.Component == nil || req.Result == nil {
		return false, engine.NewPermanentError("plan dispatch requires a component and a result", nil).
			WithRequest(req.RequestID).WithCode(engine.ErrCodeValidation)
	}

	params := &protocol.PlanParams{
		RequestID:   req.RequestID,
		ResultID:    req.Result.ID,
		Component:   req.Component.Name,
		Provider:    req.Component.Provider,
		ScriptRoot:  req.ScriptRoot,
		Config:      req.Component.Config,
		Properties:  req.Properties,
		Environment: req.Environment,
		Production:  req.Production,
	}

	var command protocol.CommandType
	switch req.Operation {
	case engine.PlanOperationCreate:
		command = protocol.CommandTypePlanCreate
		params.ArtifactDir = d.workers.config.ArtifactDir
	case engine.PlanOperationApply:
		if req.Result.PlanArtifact == "" {
			sink.Printf("ERROR: no plan artifact recorded for %s; it must be planned again", req.Component.Name)
			return false, nil
		}
		command = protocol.CommandTypePlanApply
		params.Artifact = req.Result.PlanArtifact
	default:
		return false, engine.NewPermanentError(fmt.Sprintf("unknown plan operation %q", req.Operation), nil).
			WithRequest(req.RequestID).WithCode(engine.ErrCodeValidation)
	}
	if err := params.Validate(command); err != nil {
		return false, engine.NewPermanentError("invalid plan dispatch", err).
			WithRequest(req.RequestID).WithCode(engine.ErrCodeValidation)
	}

	creds, err := d.workers.resolveCredentials(ctx, req.RequestID, req.Production)
	if err != nil {
		return false, err
	}

	res, err := d.workers.run(ctx, job{
		flavor:      "plan",
		requestID:   req.RequestID,
		key:         d.workers.config.PlanKey,
		credentials: creds,
		command:     command,
		params:      params,
	}, sink)
	if err != nil {
		return false, err
	}
	if !res.succeeded(sink) {
		return false, nil
	}

	var result protocol.PlanResult
	if err := json.Unmarshal(res.outcome.Done.Result, &result); err != nil {
		sink.Printf("ERROR: worker returned an unreadable plan result: %v", err)
		return false, nil
	}

	if req.Operation == engine.PlanOperationApply {
		sink.Printf("plan applied: %s", result.Summary)
		return true, nil
	}

	if result.Artifact == "" {
		sink.Printf("ERROR: worker reported no plan artifact")
		return false, nil
	}
	if err := d.store.SetPlanArtifact(ctx, req.Result.ID, result.Artifact); err != nil {
		return false, engine.NewTransientError("failed to record plan artifact", err).
			WithRequest(req.RequestID).WithCode(engine.ErrCodeStore)
	}
	req.Result.PlanArtifact = result.Artifact
	sink.Printf("plan computed with %d changes, awaiting confirmation: %s", result.Changes, result.Summary)
	sink.Printf("plan artifact %s (sha256 %s)", result.Artifact, result.Checksum)
	return true, nil
}
