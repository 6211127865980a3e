package config

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// ConfigSchema is the registry name of the orchestrator configuration schema.
const ConfigSchema = "config"

// SchemaRegistry holds CUE definitions that documents are unified against.
// All values share one cue.Context, so a document compiled through the
// registry can be unified with any registered schema.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry with the configuration schema
// registered.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema(ConfigSchema, "#Config", configSchema); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema compiles source and registers its definition under name.
func (sr *SchemaRegistry) RegisterSchema(name, definition, source string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	def := val.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s has no definition %s", name, definition)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ListSchemas returns the registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateAgainstSchema encodes data, which must be made of maps, slices and
// scalars, and checks it against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName string, data any) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	if err := schema.Unify(dataVal).Validate(cue.Concrete(true)); err != nil {
		return cueErrors(err)
	}
	return nil
}

// Compile compiles a CUE document and unifies it with a named schema. The
// returned value is concrete.
func (sr *SchemaRegistry) Compile(schemaName, filename string, src []byte) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}

	val := sr.ctx.CompileBytes(src, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return cue.Value{}, cueErrors(err)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, cueErrors(err)
	}
	return unified, nil
}

// cueErrors converts CUE errors, which may be a list, to ValidationErrors.
func cueErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range errors.Errors(err) {
		format, args := e.Msg()
		ve := ValidationError{Field: strings.Join(e.Path(), "."), Message: fmt.Sprintf(format, args...)}
		if pos := errors.Positions(e); len(pos) > 0 && pos[0].Filename() != "" {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}

// configSchema mirrors Config. Definitions are closed, so a misspelt key is
// rejected instead of silently ignored. Durations are Go duration strings.
const configSchema = `
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Credentials: {
	username:  string & !=""
	password?: string
	domain?:   string
}

#Config: {
	instance?: {
		id?:         string & !=""
		production?: bool
	}

	engine?: {
		iteration_delay?:     #Duration
		staleness_threshold?: #Duration
		terminate_timeout?:   #Duration
		batch_size?:          int & >=1 & <=1000
		recover_running?:     bool
	}

	sweeper?: {
		mode?:       "independent" | "inline" | "disabled"
		interval?:   #Duration
		window?:     #Duration
		batch_size?: int & >=1 & <=1000
	}

	store?: {
		driver?:            "sqlite" | "postgres"
		path?:              string
		dsn?:               string
		max_open_conns?:    int & >=0
		max_idle_conns?:    int & >=0
		conn_max_lifetime?: #Duration
	}

	workers?: {
		executables?: [string]: string & !=""
		plan_key?:        string
		interpreter?:     string
		artifact_dir?:    string
		socket_dir?:      string
		startup_timeout?: #Duration
		command_timeout?: #Duration
		impersonate?:     bool
		remote?: {
			host:                      string & !=""
			port?:                     int & >0 & <=65535
			user:                      string & !=""
			auth_method?:              "password" | "key" | "agent"
			password?:                 string
			private_key_path?:         string
			private_key_passphrase?:   string
			known_hosts_path?:         string
			strict_host_key_checking?: bool
			connection_timeout?:       #Duration
			keep_alive_interval?:      #Duration
			max_keep_alive_retries?:   int & >=0
			upload_from?:              string
		}
	}

	credentials?: {
		tiers?: [=~"^(production|non-production)$"]: #Credentials
		env_file?:        string
		keyring_service?: string
	}

	policy?: {
		paths?: [...string]
		watch?: bool
		disable?: [...string]
	}

	properties?: {
		script_timeout?: #Duration
	}

	telemetry?: {...}
}
`
