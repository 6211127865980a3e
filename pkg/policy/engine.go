package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/deployd/pkg/engine"
)

// TierQuery is the rule evaluated for every script component. It is a set of
// skip messages; an empty set lets the component deploy.
const TierQuery = "data." + TierPackage + ".skip"

// Engine evaluates tier policies. It implements engine.TierPolicy.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*Policy
	disabled map[string]bool
	query    rego.PreparedEvalQuery
	logger   zerolog.Logger
}

var _ engine.TierPolicy = (*Engine)(nil)

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*Policy),
		disabled: make(map[string]bool),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	builtins := BuiltinPolicies()
	for i := range builtins {
		e.policies[builtins[i].Name] = &builtins[i]
	}
	if err := e.compileLocked(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	e.logger.Info().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

	return e, nil
}

// Evaluate runs the tier query for one component.
func (e *Engine) Evaluate(ctx context.Context, input engine.TierInput) (engine.TierDecision, error) {
	start := time.Now()
	e.mu.RLock()
	query := e.query
	e.mu.RUnlock()

	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return engine.TierDecision{}, fmt.Errorf("policy evaluation error: %w", err)
	}

	messages := skipMessages(results)
	decision := engine.TierDecision{
		Skip:    len(messages) > 0,
		Message: strings.Join(messages, "; "),
	}

	e.logger.Debug().
		Str("component_name", input.Component).
		Str("environment", input.Environment).
		Bool("skip", decision.Skip).
		Dur("duration", time.Since(start)).
		Msg("Tier policy evaluated")

	return decision, nil
}

// skipMessages extracts the sorted messages of the skip set.
func skipMessages(results rego.ResultSet) []string {
	var messages []string
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		set, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, v := range set {
			switch msg := v.(type) {
			case string:
				messages = append(messages, msg)
			default:
				messages = append(messages, fmt.Sprintf("%v", msg))
			}
		}
	}
	sort.Strings(messages)
	return messages
}

// LoadPolicies loads operator policy files and replaces the current ones.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.Replace(ctx, policies)
}

// Replace swaps the operator policies for the given set. Built-in policies
// are kept, and policies disabled with DisablePolicy stay disabled. When the
// new set does not compile, the previous one stays active.
func (e *Engine) Replace(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	previous := e.policies
	next := make(map[string]*Policy, len(policies)+len(previous))
	for name, p := range previous {
		if p.Builtin {
			next[name] = p
		}
	}
	for i := range policies {
		p := policies[i]
		if existing, ok := next[p.Name]; ok && existing.Builtin {
			return fmt.Errorf("policy %s shadows a built-in policy", p.Name)
		}
		if e.disabled[p.Name] {
			p.Enabled = false
		}
		next[p.Name] = &p
	}

	e.policies = next
	if err := e.compileLocked(ctx); err != nil {
		e.policies = previous
		return err
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// compileLocked prepares one query over every enabled module. e.mu must be held.
func (e *Engine) compileLocked(ctx context.Context) error {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)

	opts := []func(*rego.Rego){rego.Query(TierQuery)}
	for _, name := range names {
		p := e.policies[name]
		if !p.Enabled {
			continue
		}
		module, err := ast.ParseModule(name+".rego", p.Rego)
		if err != nil {
			return fmt.Errorf("failed to parse policy %s: %w", name, err)
		}
		if pkg := strings.TrimPrefix(module.Package.Path.String(), "data."); pkg != TierPackage {
			e.logger.Warn().
				Str("policy", name).
				Str("package", pkg).
				Msg("Policy is outside the tier package and cannot affect decisions")
		}
		opts = append(opts, rego.Module(name+".rego", p.Rego))
	}

	query, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare tier query: %w", err)
	}
	e.query = query
	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	cp := *p
	return &cp, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, p := range e.policies {
		policies = append(policies, *p)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(ctx context.Context, name string) error {
	return e.setEnabled(ctx, name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(ctx context.Context, name string) error {
	return e.setEnabled(ctx, name, false)
}

func (e *Engine) setEnabled(ctx context.Context, name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	if p.Enabled == enabled {
		return nil
	}

	p.Enabled = enabled
	if err := e.compileLocked(ctx); err != nil {
		p.Enabled = !enabled
		return err
	}
	if enabled {
		delete(e.disabled, name)
	} else {
		e.disabled[name] = true
	}

	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

// Watch reloads operator policies whenever files under paths change, until
// ctx is cancelled.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	return loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.Replace(ctx, policies)
	})
}
