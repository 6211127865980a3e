package host

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero/api"
)

// PlanInput is passed to provider_plan.
type PlanInput struct {
	Component   string          `json:"component"`
	Config      json.RawMessage `json:"config,omitempty"`
	Properties  map[string]any  `json:"properties,omitempty"`
	Environment string          `json:"environment"`
	Production  bool            `json:"production"`
}

// Change is one planned modification.
type Change struct {
	Action   string          `json:"action"`
	Resource string          `json:"resource"`
	Detail   json.RawMessage `json:"detail,omitempty"`
}

// PlanOutput is returned by provider_plan. The whole value is the plan artifact.
type PlanOutput struct {
	Changes []Change `json:"changes"`
	Summary string   `json:"summary,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// ApplyInput is passed to provider_apply.
type ApplyInput struct {
	Component   string          `json:"component"`
	Config      json.RawMessage `json:"config,omitempty"`
	Properties  map[string]any  `json:"properties,omitempty"`
	Environment string          `json:"environment"`
	Production  bool            `json:"production"`
	Plan        *PlanOutput     `json:"plan"`
}

// ApplyOutput is returned by provider_apply.
type ApplyOutput struct {
	Applied int    `json:"applied"`
	Summary string `json:"summary,omitempty"`
	Error   string `json:"error,omitempty"`
}

// WASMBridge calls the exported provider functions. Every function takes
// (ptr, len) of a JSON document and returns (out_ptr << 32) | out_len.
type WASMBridge struct {
	module api.Module
	memory api.Memory

	malloc api.Function
	free   api.Function

	providerPlan  api.Function
	providerApply api.Function

	timeout time.Duration
}

// NewWASMBridge binds the exports the host relies on.
func NewWASMBridge(module api.Module, timeout time.Duration) (*WASMBridge, error) {
	b := &WASMBridge{
		module:  module,
		timeout: timeout,
		memory:  module.Memory(),
	}
	if b.memory == nil {
		return nil, fmt.Errorf("WASM module does not export memory")
	}

	exports := map[string]*api.Function{
		"malloc":         &b.malloc,
		"free":           &b.free,
		"provider_plan":  &b.providerPlan,
		"provider_apply": &b.providerApply,
	}
	for name, fn := range exports {
		*fn = module.ExportedFunction(name)
		if *fn == nil {
			return nil, fmt.Errorf("WASM module does not export %s function", name)
		}
	}

	return b, nil
}

// Plan calls provider_plan.
func (b *WASMBridge) Plan(ctx context.Context, in PlanInput) (*PlanOutput, error) {
	var out PlanOutput
	if err := b.call(ctx, b.providerPlan, "provider_plan", in, &out); err != nil {
		return nil, err
	}
	if out.Error != "" {
		return nil, fmt.Errorf("provider plan error: %s", out.Error)
	}
	return &out, nil
}

// Apply calls provider_apply.
func (b *WASMBridge) Apply(ctx context.Context, in ApplyInput) (*ApplyOutput, error) {
	var out ApplyOutput
	if err := b.call(ctx, b.providerApply, "provider_apply", in, &out); err != nil {
		return nil, err
	}
	if out.Error != "" {
		return nil, fmt.Errorf("provider apply error: %s", out.Error)
	}
	return &out, nil
}

func (b *WASMBridge) call(ctx context.Context, fn api.Function, name string, in, out any) error {
	input, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal %s input: %w", name, err)
	}

	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	output, err := b.callWASMFunction(ctx, fn, input)
	if err != nil {
		return fmt.Errorf("%s failed: %w", name, err)
	}
	if err := json.Unmarshal(output, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s output: %w", name, err)
	}
	return nil
}

func (b *WASMBridge) callWASMFunction(ctx context.Context, fn api.Function, input []byte) ([]byte, error) {
	var inputPtr, inputLen uint32
	if len(input) > 0 {
		ptr, err := b.allocate(ctx, uint32(len(input)))
		if err != nil {
			return nil, fmt.Errorf("failed to allocate WASM memory: %w", err)
		}
		defer b.deallocate(ctx, ptr) //nolint:errcheck

		inputPtr = ptr
		inputLen = uint32(len(input))
		if !b.memory.Write(inputPtr, input) {
			return nil, fmt.Errorf("failed to write input to WASM memory")
		}
	}

	results, err := fn.Call(ctx, uint64(inputPtr), uint64(inputLen))
	if err != nil {
		return nil, fmt.Errorf("WASM function call failed: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("WASM function returned no results")
	}

	packed := results[0]
	outputPtr := uint32(packed >> 32)
	outputLen := uint32(packed & 0xFFFFFFFF)
	if outputLen == 0 {
		return []byte("{}"), nil
	}

	view, ok := b.memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("failed to read output from WASM memory")
	}
	// Read returns a view into linear memory; copy before freeing.
	output := make([]byte, len(view))
	copy(output, view)
	_ = b.deallocate(ctx, outputPtr)

	return output, nil
}

func (b *WASMBridge) allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := b.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("malloc returned no results")
	}
	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, fmt.Errorf("malloc returned null pointer")
	}
	return ptr, nil
}

func (b *WASMBridge) deallocate(ctx context.Context, ptr uint32) error {
	if _, err := b.free.Call(ctx, uint64(ptr)); err != nil {
		return fmt.Errorf("free failed: %w", err)
	}
	return nil
}
