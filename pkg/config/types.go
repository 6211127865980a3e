package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/deployd/pkg/dispatch"
	"github.com/openfroyo/deployd/pkg/engine"
	"github.com/openfroyo/deployd/pkg/stores"
	"github.com/openfroyo/deployd/pkg/telemetry"
	"github.com/openfroyo/deployd/pkg/transports/ssh"
)

// Config is the orchestrator configuration.
type Config struct {
	// Instance identifies this orchestrator and the tier it serves.
	Instance InstanceConfig `yaml:"instance"`

	// Engine tunes the scheduling loop and the state processor.
	Engine EngineConfig `yaml:"engine"`

	// Sweeper configures the plan confirmation sweeper.
	Sweeper SweeperConfig `yaml:"sweeper"`

	// Store selects the work record store.
	Store stores.Config `yaml:"store"`

	// Workers configures worker processes.
	Workers WorkersConfig `yaml:"workers"`

	// Credentials configures the deploy accounts workers run as.
	Credentials CredentialsConfig `yaml:"credentials"`

	// Policy configures tier policy files.
	Policy PolicyConfig `yaml:"policy"`

	// Properties configures property script evaluation.
	Properties PropertiesConfig `yaml:"properties"`

	// Telemetry configures logging, tracing and metrics.
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// InstanceConfig identifies an orchestrator instance.
type InstanceConfig struct {
	// ID is stamped on process records. It must be stable across restarts
	// for crash recovery to find this instance's orphans.
	ID string `yaml:"id" validate:"required"`

	// Production selects the tier this instance serves.
	Production bool `yaml:"production"`
}

// EngineConfig tunes the scheduling loop.
type EngineConfig struct {
	IterationDelay     time.Duration `yaml:"iteration_delay" validate:"gt=0"`
	StalenessThreshold time.Duration `yaml:"staleness_threshold" validate:"gt=0"`
	TerminateTimeout   time.Duration `yaml:"terminate_timeout" validate:"gt=0"`
	BatchSize          int           `yaml:"batch_size" validate:"gte=1,lte=1000"`

	// RecoverRunning treats every running request of the tier as orphaned at
	// startup. Only safe with a single orchestrator per tier.
	RecoverRunning bool `yaml:"recover_running"`
}

// SweeperConfig configures the plan confirmation sweeper.
type SweeperConfig struct {
	Mode      engine.SweepMode `yaml:"mode" validate:"oneof=independent inline disabled"`
	Interval  time.Duration    `yaml:"interval" validate:"gt=0"`
	Window    time.Duration    `yaml:"window" validate:"gt=0"`
	BatchSize int              `yaml:"batch_size" validate:"gte=1,lte=1000"`
}

// WorkersConfig configures worker processes.
type WorkersConfig struct {
	// Executables maps compatibility keys to worker executables. The
	// "default" key serves scripts without a runtime version.
	Executables map[string]string `yaml:"executables" validate:"required,min=1,dive,required"`

	// PlanKey selects the executable for infrastructure components.
	PlanKey string `yaml:"plan_key"`

	// Interpreter runs scripts inside the worker.
	Interpreter string `yaml:"interpreter"`

	ArtifactDir    string        `yaml:"artifact_dir" validate:"required"`
	SocketDir      string        `yaml:"socket_dir" validate:"required"`
	StartupTimeout time.Duration `yaml:"startup_timeout" validate:"gt=0"`
	CommandTimeout time.Duration `yaml:"command_timeout" validate:"gt=0"`

	// Impersonate runs local workers as the tier's deploy account.
	Impersonate bool `yaml:"impersonate"`

	// Remote, when set, spawns workers on another host over SSH instead of
	// locally.
	Remote *RemoteConfig `yaml:"remote,omitempty"`
}

// RemoteConfig is the SSH target for remote workers.
type RemoteConfig struct {
	ssh.Config `yaml:",inline"`

	// UploadFrom is a local directory whose worker executables are staged
	// onto the remote host before spawning.
	UploadFrom string `yaml:"upload_from"`
}

// CredentialsConfig configures deploy account lookup. Sources are tried in
// order: Tiers, then EnvFile and the process environment, then the keyring.
type CredentialsConfig struct {
	Tiers          map[string]dispatch.Credentials `yaml:"tiers" validate:"dive,keys,oneof=production non-production,endkeys"`
	EnvFile        string                          `yaml:"env_file"`
	KeyringService string                          `yaml:"keyring_service"`
}

// PolicyConfig configures tier policy files.
type PolicyConfig struct {
	Paths []string `yaml:"paths" validate:"dive,required"`

	// Watch reloads the policy files when they change.
	Watch bool `yaml:"watch"`

	// Disable lists policies, built-in ones included, that are loaded but
	// not evaluated.
	Disable []string `yaml:"disable"`
}

// PropertiesConfig configures property script evaluation.
type PropertiesConfig struct {
	ScriptTimeout time.Duration `yaml:"script_timeout" validate:"gt=0"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Instance: InstanceConfig{
			ID: defaultInstanceID(),
		},
		Engine: EngineConfig{
			IterationDelay:     5 * time.Second,
			StalenessThreshold: engine.DefaultStaleAfter,
			TerminateTimeout:   engine.DefaultTerminateTimeout,
			BatchSize:          engine.DefaultBatchSize,
		},
		Sweeper: SweeperConfig{
			Mode:      engine.SweepModeIndependent,
			Interval:  engine.DefaultSweepInterval,
			Window:    engine.DefaultSweepWindow,
			BatchSize: engine.DefaultBatchSize,
		},
		Store: stores.Config{
			Driver: stores.DriverSQLite,
			Path:   "deployd.db",
		},
		Workers: WorkersConfig{
			Executables:    map[string]string{dispatch.DefaultCompatibilityKey: "deploy-runner"},
			ArtifactDir:    filepath.Join(os.TempDir(), "deployd", "artifacts"),
			SocketDir:      os.TempDir(),
			StartupTimeout: 30 * time.Second,
			CommandTimeout: 6 * time.Hour,
		},
		Credentials: CredentialsConfig{
			KeyringService: "deployd",
		},
		Properties: PropertiesConfig{
			ScriptTimeout: 10 * time.Second,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// defaultInstanceID is the host name, which survives restarts. A random id
// is only used when the host name is unavailable.
func defaultInstanceID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()
}

// ProcessorConfig returns the state processor settings.
func (c *Config) ProcessorConfig() engine.ProcessorConfig {
	return engine.ProcessorConfig{
		InstanceID:       c.Instance.ID,
		BatchSize:        c.Engine.BatchSize,
		StaleAfter:       c.Engine.StalenessThreshold,
		TerminateTimeout: c.Engine.TerminateTimeout,
		RecoverRunning:   c.Engine.RecoverRunning,
	}
}

// SweeperSettings returns the plan sweeper settings. The window is capped at
// the staleness threshold: plans must be confirmed before their request is
// abandoned.
func (c *Config) SweeperSettings() engine.SweeperConfig {
	window := c.Sweeper.Window
	if stale := c.Engine.StalenessThreshold; stale > 0 && window > stale {
		window = stale
	}
	return engine.SweeperConfig{
		Window:    window,
		BatchSize: c.Sweeper.BatchSize,
	}
}

// DispatchConfig returns the worker dispatch settings.
func (c *Config) DispatchConfig() dispatch.Config {
	executables := make(map[string]string, len(c.Workers.Executables))
	for k, v := range c.Workers.Executables {
		executables[k] = v
	}
	return dispatch.Config{
		Executables:    executables,
		PlanKey:        c.Workers.PlanKey,
		Interpreter:    c.Workers.Interpreter,
		ArtifactDir:    c.Workers.ArtifactDir,
		StartupTimeout: c.Workers.StartupTimeout,
		CommandTimeout: c.Workers.CommandTimeout,
		Owner:          c.Instance.ID,
	}
}

// CredentialSource builds the credential lookup chain.
func (c *Config) CredentialSource() (dispatch.CredentialSource, error) {
	env, err := dispatch.NewEnvSource(c.Credentials.EnvFile)
	if err != nil {
		return nil, err
	}
	chain := dispatch.ChainSource{dispatch.StaticSource(c.Credentials.Tiers), env}
	if c.Credentials.KeyringService != "" {
		chain = append(chain, dispatch.KeyringSource{Service: c.Credentials.KeyringService})
	}
	return chain, nil
}

// Redacted returns a copy with secrets masked, for display.
func (c *Config) Redacted() *Config {
	cp := *c
	cp.Store.DSN = redactDSN(c.Store.DSN)

	if c.Credentials.Tiers != nil {
		cp.Credentials.Tiers = make(map[string]dispatch.Credentials, len(c.Credentials.Tiers))
		for tier, creds := range c.Credentials.Tiers {
			if creds.Password != "" {
				creds.Password = redacted
			}
			cp.Credentials.Tiers[tier] = creds
		}
	}
	if c.Workers.Remote != nil {
		remote := *c.Workers.Remote
		if remote.Password != "" {
			remote.Password = redacted
		}
		if remote.PrivateKeyPassphrase != "" {
			remote.PrivateKeyPassphrase = redacted
		}
		cp.Workers.Remote = &remote
	}
	return &cp
}

const redacted = "********"

// redactDSN masks the password of a postgres URL or key=value DSN.
func redactDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	if scheme, rest, ok := strings.Cut(dsn, "://"); ok {
		creds, host, ok := strings.Cut(rest, "@")
		if !ok {
			return dsn
		}
		if user, _, hasPassword := strings.Cut(creds, ":"); hasPassword {
			return fmt.Sprintf("%s://%s:%s@%s", scheme, user, redacted, host)
		}
		return dsn
	}
	fields := strings.Fields(dsn)
	for i, f := range fields {
		if strings.HasPrefix(f, "password=") {
			fields[i] = "password=" + redacted
		}
	}
	return strings.Join(fields, " ")
}
