package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/deployd/pkg/dispatch"
	"github.com/openfroyo/deployd/pkg/engine"
	"github.com/openfroyo/deployd/pkg/transports/ssh"
)

// Load reads the configuration file at path and returns it validated.
//
// Files ending in .cue are CUE; anything else is YAML, which includes JSON.
// The document is checked against the CUE schema before it is decoded, so
// unknown keys and malformed durations are reported with their location.
// DEPLOYD_* environment variables then override the file. A .env file next
// to the configuration (or in the working directory when path is empty)
// supplies variables the process environment does not set.
func Load(path string) (*Config, error) {
	cfg := Default()

	dir := "."
	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
		dir = filepath.Dir(path)
	}

	lookup, err := envLookup(filepath.Join(dir, ".env"))
	if err != nil {
		return nil, err
	}
	if err := applyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	cfg.Telemetry.Environment = dispatch.TierName(cfg.Instance.Production)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeFile decodes the file at path over cfg.
func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	registry := NewSchemaRegistry()
	if filepath.Ext(path) == ".cue" {
		val, err := registry.Compile(ConfigSchema, path, data)
		if err != nil {
			return fmt.Errorf("invalid configuration %s: %w", path, err)
		}
		// JSON is YAML, so the CUE result goes through the same decoder.
		if data, err = val.MarshalJSON(); err != nil {
			return fmt.Errorf("failed to export %s: %w", path, err)
		}
	} else {
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if raw != nil {
			if err := registry.ValidateAgainstSchema(ConfigSchema, raw); err != nil {
				return fmt.Errorf("invalid configuration %s: %w", path, err)
			}
		}
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

// UnmarshalYAML starts a remote target from the SSH defaults, so only the
// settings that differ need to be written.
func (r *RemoteConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain RemoteConfig
	p := plain{Config: *ssh.DefaultConfig("", "")}
	if err := value.Decode(&p); err != nil {
		return err
	}
	*r = RemoteConfig(p)
	return nil
}

type lookupFunc func(key string) (string, bool)

// envLookup reads the process environment, falling back to envFile when it
// exists.
func envLookup(envFile string) (lookupFunc, error) {
	values := map[string]string{}
	if _, err := os.Stat(envFile); err == nil {
		if values, err = godotenv.Read(envFile); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", envFile, err)
		}
	}
	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := values[key]
		return v, ok
	}, nil
}

// envOverrides lists the settings that can be set from the environment.
// Credentials use their own DEPLOYD_<TIER>_* variables, read by the
// credential chain.
var envOverrides = []struct {
	name  string
	apply func(cfg *Config, value string) error
}{
	{"DEPLOYD_INSTANCE_ID", func(c *Config, v string) error { c.Instance.ID = v; return nil }},
	{"DEPLOYD_PRODUCTION", boolVar(func(c *Config) *bool { return &c.Instance.Production })},
	{"DEPLOYD_ITERATION_DELAY", durationVar(func(c *Config) *time.Duration { return &c.Engine.IterationDelay })},
	{"DEPLOYD_BATCH_SIZE", intVar(func(c *Config) *int { return &c.Engine.BatchSize })},
	{"DEPLOYD_RECOVER_RUNNING", boolVar(func(c *Config) *bool { return &c.Engine.RecoverRunning })},
	{"DEPLOYD_SWEEPER_MODE", func(c *Config, v string) error { c.Sweeper.Mode = engine.SweepMode(v); return nil }},
	{"DEPLOYD_STORE_DRIVER", func(c *Config, v string) error { c.Store.Driver = v; return nil }},
	{"DEPLOYD_STORE_PATH", func(c *Config, v string) error { c.Store.Path = v; return nil }},
	{"DEPLOYD_STORE_DSN", func(c *Config, v string) error { c.Store.DSN = v; return nil }},
	{"DEPLOYD_SOCKET_DIR", func(c *Config, v string) error { c.Workers.SocketDir = v; return nil }},
	{"DEPLOYD_ARTIFACT_DIR", func(c *Config, v string) error { c.Workers.ArtifactDir = v; return nil }},
	{"DEPLOYD_CREDENTIALS_ENV_FILE", func(c *Config, v string) error { c.Credentials.EnvFile = v; return nil }},
	{"DEPLOYD_KEYRING_SERVICE", func(c *Config, v string) error { c.Credentials.KeyringService = v; return nil }},
	{"DEPLOYD_POLICY_PATHS", func(c *Config, v string) error { c.Policy.Paths = splitList(v); return nil }},
	{"DEPLOYD_LOG_LEVEL", func(c *Config, v string) error { c.Telemetry.Logging.Level = v; return nil }},
	{"DEPLOYD_LOG_FORMAT", func(c *Config, v string) error { c.Telemetry.Logging.Format = v; return nil }},
	{"DEPLOYD_METRICS_ADDR", func(c *Config, v string) error {
		c.Telemetry.Metrics.Enabled = v != ""
		c.Telemetry.Metrics.ListenAddress = v
		return nil
	}},
	{"DEPLOYD_OTLP_ENDPOINT", func(c *Config, v string) error {
		c.Telemetry.Tracing.Enabled = v != ""
		c.Telemetry.Tracing.Exporter = "otlp"
		c.Telemetry.Tracing.Endpoint = v
		return nil
	}},
}

func applyEnv(cfg *Config, lookup lookupFunc) error {
	for _, o := range envOverrides {
		v, ok := lookup(o.name)
		if !ok {
			continue
		}
		if err := o.apply(cfg, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("invalid %s: %w", o.name, err)
		}
	}
	return nil
}

func boolVar(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func intVar(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func durationVar(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

var validate = newValidator()

// newValidator reports fields by their YAML names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the configuration and returns ValidationErrors listing
// every problem.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		for _, fe := range fieldErrs {
			errs = append(errs, ValidationError{Field: fieldPath(fe), Message: describe(fe)})
		}
	}

	if _, ok := c.Workers.Executables[dispatch.DefaultCompatibilityKey]; !ok {
		errs = append(errs, ValidationError{
			Field:   "workers.executables",
			Message: fmt.Sprintf("an executable for %q is required", dispatch.DefaultCompatibilityKey),
		})
	}
	if key := c.Workers.PlanKey; key != "" {
		if _, ok := c.Workers.Executables[key]; !ok {
			errs = append(errs, ValidationError{
				Field:   "workers.plan_key",
				Message: fmt.Sprintf("no executable configured for %q", key),
			})
		}
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, ValidationError{Field: "telemetry", Message: err.Error()})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// fieldPath drops the root type from a validator namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_if", "required_unless":
		return "is required for this store driver"
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "gt":
		if fe.Param() == "0" {
			return "must be positive"
		}
		return "must be greater than " + fe.Param()
	case "gte", "min":
		return "must be at least " + fe.Param()
	case "lte", "max":
		return "must be at most " + fe.Param()
	default:
		return fmt.Sprintf("failed the %q check", fe.Tag())
	}
}
