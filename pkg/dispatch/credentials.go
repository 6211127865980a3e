package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/zalando/go-keyring"
)

// Tier names used to look up deploy credentials.
const (
	TierProduction    = "production"
	TierNonProduction = "non-production"
)

// TierName returns the credential tier of a request.
func TierName(production bool) string {
	if production {
		return TierProduction
	}
	return TierNonProduction
}

// Credentials identify the deploy account a worker runs as.
type Credentials struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	Domain   string `json:"domain,omitempty" yaml:"domain"`
}

// IsZero reports whether no account is configured.
func (c Credentials) IsZero() bool {
	return c.Username == ""
}

// CredentialSource resolves the deploy account of a tier. A source with no
// account for the tier returns nil and no error.
type CredentialSource interface {
	Lookup(ctx context.Context, tier string) (*Credentials, error)
}

// StaticSource serves credentials from configuration, keyed by tier.
type StaticSource map[string]Credentials

// Lookup implements CredentialSource.
func (s StaticSource) Lookup(_ context.Context, tier string) (*Credentials, error) {
	creds, ok := s[tier]
	if !ok || creds.IsZero() {
		return nil, nil
	}
	return &creds, nil
}

// EnvSource reads DEPLOYD_<TIER>_USERNAME, _PASSWORD and _DOMAIN, where
// TIER is PRODUCTION or NON_PRODUCTION. Values from an env file take
// precedence over the process environment.
type EnvSource struct {
	values map[string]string
}

// NewEnvSource creates an env source. An empty path reads only the process
// environment; a missing file is an error.
func NewEnvSource(envFile string) (*EnvSource, error) {
	s := &EnvSource{values: map[string]string{}}
	if envFile == "" {
		return s, nil
	}
	values, err := godotenv.Read(envFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read env file %s: %w", envFile, err)
	}
	s.values = values
	return s, nil
}

func (s *EnvSource) get(key string) string {
	if v, ok := s.values[key]; ok {
		return v
	}
	return os.Getenv(key)
}

// Lookup implements CredentialSource.
func (s *EnvSource) Lookup(_ context.Context, tier string) (*Credentials, error) {
	prefix := "DEPLOYD_" + strings.ToUpper(strings.ReplaceAll(tier, "-", "_")) + "_"
	creds := Credentials{
		Username: s.get(prefix + "USERNAME"),
		Password: s.get(prefix + "PASSWORD"),
		Domain:   s.get(prefix + "DOMAIN"),
	}
	if creds.IsZero() {
		return nil, nil
	}
	return &creds, nil
}

// KeyringSource reads credentials from the OS keyring. Each tier is one
// secret under Service, stored as a JSON Credentials object.
type KeyringSource struct {
	Service string
}

// Lookup implements CredentialSource.
func (s KeyringSource) Lookup(_ context.Context, tier string) (*Credentials, error) {
	secret, err := keyring.Get(s.Service, tier)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keyring lookup for %s failed: %w", tier, err)
	}
	var creds Credentials
	if err := json.Unmarshal([]byte(secret), &creds); err != nil {
		return nil, fmt.Errorf("keyring secret for %s is not valid JSON: %w", tier, err)
	}
	if creds.IsZero() {
		return nil, nil
	}
	return &creds, nil
}

// StoreKeyring writes a tier's credentials to the OS keyring.
func StoreKeyring(service, tier string, creds Credentials) error {
	data, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	return keyring.Set(service, tier, string(data))
}

// ChainSource tries each source in order and returns the first account found.
type ChainSource []CredentialSource

// Lookup implements CredentialSource.
func (c ChainSource) Lookup(ctx context.Context, tier string) (*Credentials, error) {
	for _, source := range c {
		creds, err := source.Lookup(ctx, tier)
		if err != nil {
			return nil, err
		}
		if creds != nil {
			return creds, nil
		}
	}
	return nil, nil
}
