// Package host runs infrastructure providers compiled to WebAssembly. A
// provider computes a plan from a component's configuration and later
// applies that plan; the deploy runner calls it for the plan.create and
// plan.apply commands.
package host

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

const (
	// DefaultTimeout bounds one plan or apply call.
	DefaultTimeout = 10 * time.Minute

	// DefaultMemoryLimitPages is 16MB of linear memory.
	DefaultMemoryLimitPages = 256
)

// Config configures the WASM host.
type Config struct {
	// Timeout bounds one provider call. The manifest timeout takes precedence.
	Timeout time.Duration

	// MemoryLimitPages is the memory limit in 64KB pages.
	MemoryLimitPages uint32

	// TempDir is the parent of the provider's scratch directory.
	TempDir string

	// Log receives messages the provider emits through the log host function.
	Log func(message string)
}

// Provider is an instantiated provider module.
type Provider struct {
	manifest *Manifest
	runtime  wazero.Runtime
	module   api.Module
	bridge   *WASMBridge
	enforcer *CapabilityEnforcer
}

// Load reads a manifest, verifies its module and instantiates it.
func Load(ctx context.Context, manifestPath, baseDir string, cfg *Config) (*Provider, error) {
	manifest, err := NewManifestLoader(baseDir).LoadFromFile(manifestPath)
	if err != nil {
		return nil, err
	}
	wasmModule, err := manifest.ReadModule()
	if err != nil {
		return nil, err
	}
	return NewProvider(ctx, manifest, wasmModule, cfg)
}

// NewProvider instantiates a verified module.
func NewProvider(ctx context.Context, manifest *Manifest, wasmModule []byte, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	timeout := cfg.Timeout
	if manifest.Timeout > 0 {
		timeout = manifest.Timeout
	}
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	pages := cfg.MemoryLimitPages
	if pages == 0 {
		pages = DefaultMemoryLimitPages
	}
	tempParent := cfg.TempDir
	if tempParent == "" {
		tempParent = os.TempDir()
	}
	logFn := cfg.Log
	if logFn == nil {
		logFn = func(string) {}
	}

	enforcer := NewCapabilityEnforcer(
		manifest.Capabilities,
		filepath.Join(tempParent, fmt.Sprintf("provider-%s-%d", manifest.Name, os.Getpid())),
	)

	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithMemoryLimitPages(pages).
		WithCloseOnContextDone(true))

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	if _, err := hostModule(runtime, enforcer, logFn).Instantiate(ctx); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	module, err := runtime.Instantiate(ctx, wasmModule)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASM module: %w", err)
	}

	bridge, err := NewWASMBridge(module, timeout)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to create WASM bridge: %w", err)
	}

	return &Provider{
		manifest: manifest,
		runtime:  runtime,
		module:   module,
		bridge:   bridge,
		enforcer: enforcer,
	}, nil
}

// hostModule exports the functions a provider may import from "env".
// Functions return 0 on success and 1 on failure.
func hostModule(runtime wazero.Runtime, enforcer *CapabilityEnforcer, logFn func(string)) wazero.HostModuleBuilder {
	builder := runtime.NewHostModuleBuilder("env")

	builder.NewFunctionBuilder().
		WithFunc(func(_ context.Context, mod api.Module, ptr, length uint32) {
			if msg, ok := mod.Memory().Read(ptr, length); ok {
				logFn(string(msg))
			}
		}).
		Export("log")

	builder.NewFunctionBuilder().
		WithFunc(func(_ context.Context, mod api.Module, namePtr, nameLen, dataPtr, dataLen uint32) uint32 {
			name, ok := mod.Memory().Read(namePtr, nameLen)
			if !ok {
				return 1
			}
			data, ok := mod.Memory().Read(dataPtr, dataLen)
			if !ok {
				return 1
			}
			if err := enforcer.WriteTempFile(string(name), data); err != nil {
				logFn(err.Error())
				return 1
			}
			return 0
		}).
		Export("write_temp_file")

	// read_temp_file copies at most bufLen bytes into the buffer and
	// returns the file size, or -1.
	builder.NewFunctionBuilder().
		WithFunc(func(_ context.Context, mod api.Module, namePtr, nameLen, bufPtr, bufLen uint32) int64 {
			name, ok := mod.Memory().Read(namePtr, nameLen)
			if !ok {
				return -1
			}
			data, err := enforcer.ReadTempFile(string(name))
			if err != nil {
				logFn(err.Error())
				return -1
			}
			n := min(uint32(len(data)), bufLen)
			if !mod.Memory().Write(bufPtr, data[:n]) {
				return -1
			}
			return int64(len(data))
		}).
		Export("read_temp_file")

	// getenv behaves like read_temp_file for an environment variable.
	builder.NewFunctionBuilder().
		WithFunc(func(_ context.Context, mod api.Module, keyPtr, keyLen, bufPtr, bufLen uint32) int64 {
			key, ok := mod.Memory().Read(keyPtr, keyLen)
			if !ok {
				return -1
			}
			value, err := enforcer.ReadEnv(string(key))
			if err != nil {
				logFn(err.Error())
				return -1
			}
			n := min(uint32(len(value)), bufLen)
			if !mod.Memory().Write(bufPtr, []byte(value)[:n]) {
				return -1
			}
			return int64(len(value))
		}).
		Export("getenv")

	return builder
}

// Plan computes a plan.
func (p *Provider) Plan(ctx context.Context, in PlanInput) (*PlanOutput, error) {
	return p.bridge.Plan(ctx, in)
}

// Apply applies a previously computed plan.
func (p *Provider) Apply(ctx context.Context, in ApplyInput) (*ApplyOutput, error) {
	if in.Plan == nil {
		return nil, fmt.Errorf("apply requires a plan")
	}
	return p.bridge.Apply(ctx, in)
}

// Manifest returns the provider manifest.
func (p *Provider) Manifest() *Manifest {
	return p.manifest
}

// Close releases the module, the runtime and the scratch directory.
func (p *Provider) Close(ctx context.Context) error {
	_ = p.enforcer.Cleanup()
	if err := p.module.Close(ctx); err != nil {
		return fmt.Errorf("failed to close WASM module: %w", err)
	}
	if err := p.runtime.Close(ctx); err != nil {
		return fmt.Errorf("failed to close WASM runtime: %w", err)
	}
	return nil
}
