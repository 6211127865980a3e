package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/openfroyo/deployd/pkg/providers/host"
	"github.com/openfroyo/deployd/pkg/runner/protocol"
)

// Provider is an infrastructure provider instance.
type Provider interface {
	Plan(ctx context.Context, in host.PlanInput) (*host.PlanOutput, error)
	Apply(ctx context.Context, in host.ApplyInput) (*host.ApplyOutput, error)
	Manifest() *host.Manifest
	Close(ctx context.Context) error
}

// ProviderLoader instantiates the provider a manifest describes.
type ProviderLoader func(ctx context.Context, manifestPath, baseDir string, log func(string)) (Provider, error)

// LoadWASMProvider loads a provider with the wazero host.
func LoadWASMProvider(ctx context.Context, manifestPath, baseDir string, log func(string)) (Provider, error) {
	return host.Load(ctx, manifestPath, baseDir, &host.Config{Log: log})
}

// Artifact is the plan document written by plan.create and read by plan.apply.
type Artifact struct {
	RequestID       int64            `json:"request_id"`
	ResultID        int64            `json:"result_id"`
	Component       string           `json:"component"`
	Environment     string           `json:"environment"`
	ProviderName    string           `json:"provider_name"`
	ProviderVersion string           `json:"provider_version"`
	CreatedAt       time.Time        `json:"created_at"`
	Plan            *host.PlanOutput `json:"plan"`
}

// PlanHandler runs plan.create and plan.apply commands.
type PlanHandler struct {
	Load ProviderLoader
	now  func() time.Time
}

// NewPlanHandler creates a plan handler. A nil loader uses the wazero host.
func NewPlanHandler(load ProviderLoader) *PlanHandler {
	if load == nil {
		load = LoadWASMProvider
	}
	return &PlanHandler{Load: load, now: time.Now}
}

// Create computes a plan and writes it under the artifact dir.
func (h *PlanHandler) Create(ctx context.Context, params *protocol.PlanParams, emit Emitter) (*protocol.PlanResult, error) {
	if err := params.Validate(protocol.CommandTypePlanCreate); err != nil {
		return nil, err
	}

	provider, err := h.load(ctx, params, emit)
	if err != nil {
		return nil, err
	}
	defer provider.Close(context.WithoutCancel(ctx))

	plan, err := provider.Plan(ctx, host.PlanInput{
		Component:   params.Component,
		Config:      params.Config,
		Properties:  params.Properties,
		Environment: params.Environment,
		Production:  params.Production,
	})
	if err != nil {
		return nil, err
	}

	manifest := provider.Manifest()
	artifact := &Artifact{
		RequestID:       params.RequestID,
		ResultID:        params.ResultID,
		Component:       params.Component,
		Environment:     params.Environment,
		ProviderName:    manifest.Name,
		ProviderVersion: manifest.Version,
		CreatedAt:       h.now().UTC(),
		Plan:            plan,
	}
	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode plan artifact: %w", err)
	}

	if err := os.MkdirAll(params.ArtifactDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir: %w", err)
	}
	name := fmt.Sprintf("plan-%d-%d-%d.json", params.RequestID, params.ResultID, artifact.CreatedAt.UnixNano())
	path := filepath.Join(params.ArtifactDir, name)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, fmt.Errorf("failed to write plan artifact: %w", err)
	}

	for _, change := range plan.Changes {
		emit("stdout", fmt.Sprintf("%s %s", change.Action, change.Resource))
	}
	emit("info", fmt.Sprintf("plan written to %s (%d changes)", path, len(plan.Changes)))

	sum := sha256.Sum256(data)
	return &protocol.PlanResult{
		Artifact: path,
		Checksum: hex.EncodeToString(sum[:]),
		Changes:  len(plan.Changes),
		Summary:  plan.Summary,
	}, nil
}

// Apply applies an existing artifact. It never recomputes the plan.
func (h *PlanHandler) Apply(ctx context.Context, params *protocol.PlanParams, emit Emitter) (*protocol.PlanResult, error) {
	if err := params.Validate(protocol.CommandTypePlanApply); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(params.Artifact)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan artifact: %w", err)
	}
	var artifact Artifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, fmt.Errorf("failed to decode plan artifact: %w", err)
	}
	if artifact.Plan == nil {
		return nil, fmt.Errorf("plan artifact %s has no plan", params.Artifact)
	}
	if artifact.Component != params.Component {
		return nil, fmt.Errorf("plan artifact is for component %s, not %s", artifact.Component, params.Component)
	}

	provider, err := h.load(ctx, params, emit)
	if err != nil {
		return nil, err
	}
	defer provider.Close(context.WithoutCancel(ctx))

	if name := provider.Manifest().Name; name != artifact.ProviderName {
		return nil, fmt.Errorf("plan artifact was computed by provider %s, not %s", artifact.ProviderName, name)
	}

	out, err := provider.Apply(ctx, host.ApplyInput{
		Component:   params.Component,
		Config:      params.Config,
		Properties:  params.Properties,
		Environment: params.Environment,
		Production:  params.Production,
		Plan:        artifact.Plan,
	})
	if err != nil {
		return nil, err
	}
	emit("info", fmt.Sprintf("applied %d changes", out.Applied))

	return &protocol.PlanResult{
		Artifact: params.Artifact,
		Changes:  out.Applied,
		Summary:  out.Summary,
	}, nil
}

func (h *PlanHandler) load(ctx context.Context, params *protocol.PlanParams, emit Emitter) (Provider, error) {
	provider, err := h.Load(ctx, params.Provider, params.ScriptRoot, func(msg string) {
		emit("provider", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load provider %s: %w", params.Provider, err)
	}
	return provider, nil
}
