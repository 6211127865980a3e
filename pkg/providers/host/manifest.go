package host

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest describes an infrastructure provider module.
type Manifest struct {
	// Name is the provider name.
	Name string `yaml:"name"`

	// Version is the provider version.
	Version string `yaml:"version"`

	// Description is a human-readable summary.
	Description string `yaml:"description,omitempty"`

	// Entrypoint is the WASM module path, relative to the manifest unless absolute.
	Entrypoint string `yaml:"entrypoint"`

	// Checksum is the hex sha256 of the WASM module.
	Checksum string `yaml:"checksum"`

	// Capabilities are the host functions the provider needs.
	Capabilities []string `yaml:"capabilities,omitempty"`

	// Timeout bounds a single plan or apply call. Zero uses the host default.
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// Path is where the manifest was loaded from.
	Path string `yaml:"-"`

	// WasmPath is the resolved module path.
	WasmPath string `yaml:"-"`
}

// ManifestLoader loads provider manifests.
type ManifestLoader struct {
	// BaseDir resolves relative manifest paths.
	BaseDir string
}

// NewManifestLoader creates a manifest loader rooted at baseDir.
func NewManifestLoader(baseDir string) *ManifestLoader {
	return &ManifestLoader{BaseDir: baseDir}
}

// LoadFromFile loads a manifest and resolves its module path.
func (m *ManifestLoader) LoadFromFile(path string) (*Manifest, error) {
	if !filepath.IsAbs(path) && m.BaseDir != "" {
		path = filepath.Join(m.BaseDir, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	manifest, err := m.LoadFromBytes(data)
	if err != nil {
		return nil, err
	}
	manifest.Path = path

	if filepath.IsAbs(manifest.Entrypoint) {
		manifest.WasmPath = manifest.Entrypoint
	} else {
		manifest.WasmPath = filepath.Join(filepath.Dir(path), manifest.Entrypoint)
	}
	if _, err := os.Stat(manifest.WasmPath); err != nil {
		return nil, fmt.Errorf("WASM module not found at %s: %w", manifest.WasmPath, err)
	}

	return manifest, nil
}

// LoadFromBytes parses and validates a manifest document.
func (m *ManifestLoader) LoadFromBytes(data []byte) (*Manifest, error) {
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := manifest.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &manifest, nil
}

// Validate checks required fields.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("provider name is required")
	}
	if m.Version == "" {
		return fmt.Errorf("provider version is required")
	}
	if m.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}
	if m.Checksum == "" {
		return fmt.Errorf("checksum is required")
	}
	return ValidateCapabilities(m.Capabilities)
}

// VerifyChecksum checks the module against the manifest checksum.
func (m *Manifest) VerifyChecksum(wasmModule []byte) error {
	hash := sha256.Sum256(wasmModule)
	computed := hex.EncodeToString(hash[:])
	if computed != m.Checksum {
		return fmt.Errorf("WASM module checksum mismatch: expected %s, got %s", m.Checksum, computed)
	}
	return nil
}

// ReadModule reads the module from WasmPath and verifies its checksum.
func (m *Manifest) ReadModule() ([]byte, error) {
	data, err := os.ReadFile(m.WasmPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read WASM module: %w", err)
	}
	if err := m.VerifyChecksum(data); err != nil {
		return nil, err
	}
	return data, nil
}
