package host

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Capability names a host function a provider may be granted.
type Capability string

const (
	// CapabilityFSTemp grants a private scratch directory.
	CapabilityFSTemp Capability = "fs:temp"

	// CapabilityEnvRead grants read access to non-sensitive environment variables.
	CapabilityEnvRead Capability = "env:read"
)

var knownCapabilities = map[Capability]bool{
	CapabilityFSTemp:  true,
	CapabilityEnvRead: true,
}

// CapabilityEnforcer gates host functions by the capabilities a manifest declares.
type CapabilityEnforcer struct {
	granted map[Capability]bool
	tempDir string
}

// NewCapabilityEnforcer creates an enforcer for the granted capabilities.
// tempDir is created lazily and removed by Cleanup.
func NewCapabilityEnforcer(capabilities []string, tempDir string) *CapabilityEnforcer {
	e := &CapabilityEnforcer{
		granted: make(map[Capability]bool, len(capabilities)),
		tempDir: filepath.Clean(tempDir),
	}
	for _, c := range capabilities {
		e.granted[Capability(c)] = true
	}
	return e
}

// HasCapability reports whether a capability is granted.
func (e *CapabilityEnforcer) HasCapability(c Capability) bool {
	return e.granted[c]
}

// ValidateCapabilities rejects capability names the host does not implement.
func ValidateCapabilities(capabilities []string) error {
	for _, c := range capabilities {
		if !knownCapabilities[Capability(c)] {
			return fmt.Errorf("unknown capability: %s", c)
		}
	}
	return nil
}

func (e *CapabilityEnforcer) tempPath(name string) (string, error) {
	if !e.HasCapability(CapabilityFSTemp) {
		return "", fmt.Errorf("capability fs:temp not granted")
	}
	p := filepath.Clean(filepath.Join(e.tempDir, name))
	if !strings.HasPrefix(p, e.tempDir+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid file path: path traversal detected")
	}
	return p, nil
}

// WriteTempFile writes data to a file in the scratch directory.
func (e *CapabilityEnforcer) WriteTempFile(name string, data []byte) error {
	p, err := e.tempPath(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(e.tempDir, 0750); err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}
	if err := os.WriteFile(p, data, 0640); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	return nil
}

// ReadTempFile reads a file from the scratch directory.
func (e *CapabilityEnforcer) ReadTempFile(name string) ([]byte, error) {
	p, err := e.tempPath(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("failed to read temp file: %w", err)
	}
	return data, nil
}

// ReadEnv returns an environment variable. Variables that look like
// credentials are never exposed.
func (e *CapabilityEnforcer) ReadEnv(key string) (string, error) {
	if !e.HasCapability(CapabilityEnvRead) {
		return "", fmt.Errorf("capability env:read not granted")
	}
	if isSensitiveEnvVar(key) {
		return "", fmt.Errorf("access to sensitive variable %s denied", key)
	}
	return os.Getenv(key), nil
}

func isSensitiveEnvVar(key string) bool {
	upper := strings.ToUpper(key)
	for _, s := range []string{"PASSWORD", "SECRET", "TOKEN", "PRIVATE_KEY", "CREDENTIAL", "API_KEY"} {
		if strings.Contains(upper, s) {
			return true
		}
	}
	return false
}

// Cleanup removes the scratch directory.
func (e *CapabilityEnforcer) Cleanup() error {
	if !e.HasCapability(CapabilityFSTemp) {
		return nil
	}
	if err := os.RemoveAll(e.tempDir); err != nil {
		return fmt.Errorf("failed to clean up temp directory: %w", err)
	}
	return nil
}
