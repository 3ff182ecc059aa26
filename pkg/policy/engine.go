package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/user"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/openfroyo/realize/pkg/engine"
)

// Engine evaluates Rego policies over a run's dependency graph. It
// implements engine.Admitter.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   zerolog.Logger
	opts     Options
}

var _ engine.Admitter = (*Engine)(nil)

// Options configures the policy engine.
type Options struct {
	// ProtectedPaths and EssentialPaths extend the built-in lists.
	ProtectedPaths []string
	EssentialPaths []string

	// Environment is passed to policies as input.context.environment.
	Environment string

	// DryRun is passed to policies as input.context.dry_run.
	DryRun bool

	// DisableBuiltins skips the built-in policies.
	DisableBuiltins bool
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a new policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger, opts Options) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.NewFromObject(configData(opts)),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		opts:     opts,
	}

	if !opts.DisableBuiltins {
		if err := e.loadBuiltinPolicies(context.Background()); err != nil {
			return nil, fmt.Errorf("failed to load built-in policies: %w", err)
		}
	}

	return e, nil
}

// configData builds the data.realize.config document.
func configData(opts Options) map[string]any {
	list := func(defaults, extra []string) []any {
		out := make([]any, 0, len(defaults)+len(extra))
		for _, p := range append(append([]string(nil), defaults...), extra...) {
			out = append(out, engine.PathIdentity(p).Key)
		}
		return out
	}
	return map[string]any{
		"realize": map[string]any{
			"config": map[string]any{
				"protected_paths": list(DefaultProtectedPaths, opts.ProtectedPaths),
				"essential_paths": list(DefaultEssentialPaths, opts.EssentialPaths),
			},
		},
	}
}

// Admit implements engine.Admitter. Warnings are logged; any blocking
// violation aborts the run with a policy error.
func (e *Engine) Admit(ctx context.Context, graph *engine.Graph) error {
	result, err := e.Evaluate(ctx, graph)
	if err != nil {
		if ctx.Err() != nil {
			return engine.NewCancelledError(context.Cause(ctx))
		}
		return engine.NewPolicyError("policy evaluation failed", err)
	}

	for _, w := range result.Warnings {
		e.logger.Warn().
			Str("policy", w.Policy).
			Str("resource", w.Resource).
			Msg(w.Message)
	}

	if result.Allowed {
		return nil
	}

	lines := make([]string, len(result.Violations))
	for i, v := range result.Violations {
		lines[i] = v.String()
	}
	return engine.NewPolicyError(
		fmt.Sprintf("%d policy violation(s)", len(result.Violations)),
		errors.New(strings.Join(lines, "; ")),
	).WithDetail("violations", result.Violations)
}

// Evaluate runs every enabled policy against the graph.
func (e *Engine) Evaluate(ctx context.Context, graph *engine.Graph) (*PolicyResult, error) {
	startTime := time.Now()

	input, err := BuildInput(graph, e.evaluationContext())
	if err != nil {
		return nil, err
	}
	parsed, err := ast.InterfaceToValue(input)
	if err != nil {
		return nil, fmt.Errorf("failed to convert input: %w", err)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &PolicyResult{
		Allowed:           true,
		EvaluatedAt:       startTime,
		EvaluatedPolicies: make([]string, 0, len(e.policies)),
	}

	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, parsed)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", name).
				Msg("Policy evaluation failed")
			return nil, fmt.Errorf("policy %s: %w", name, err)
		}

		for _, v := range violations {
			if v.Severity.Blocking() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}

	result.Duration = time.Since(startTime)
	e.logger.Debug().
		Int("resources", graph.Len()).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Graph policy evaluation completed")

	return result, nil
}

// BuildInput converts a graph into the generic document policies see as
// input.
func BuildInput(graph *engine.Graph, pctx *PolicyContext) (map[string]any, error) {
	in := PolicyInput{
		Resources: make([]ResourceInput, 0, graph.Len()),
		Context:   pctx,
	}
	for _, id := range graph.Order {
		node := graph.Nodes[id]
		ri := ResourceInput{
			Identity:    id.String(),
			Kind:        id.Kind,
			Key:         id.Key,
			Description: engine.Describe(node.Resource),
			Implicit:    node.Implicit,
			Level:       node.Level,
			Desired:     node.Resource.Desired(),
		}
		for _, dep := range node.Dependencies {
			ri.Dependencies = append(ri.Dependencies, dep.String())
		}
		in.Resources = append(in.Resources, ri)
	}

	raw, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy input: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode policy input: %w", err)
	}
	return out, nil
}

func (e *Engine) evaluationContext() *PolicyContext {
	pctx := &PolicyContext{
		Environment: e.opts.Environment,
		Timestamp:   time.Now(),
		DryRun:      e.opts.DryRun,
	}
	if u, err := user.Current(); err == nil {
		pctx.User = u.Username
	}
	if h, err := os.Hostname(); err == nil {
		pctx.Hostname = h
	}
	return pctx
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input ast.Value) ([]PolicyViolation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalParsedInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []PolicyViolation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		// deny is a set, decoded as a slice
		if denySet, ok := result.Expressions[0].Value.([]any); ok {
			for _, d := range denySet {
				violations = append(violations, createViolation(cp.policy, d))
			}
		}
	}

	sort.SliceStable(violations, func(i, j int) bool {
		return violations[i].Resource < violations[j].Resource
	})
	return violations, nil
}

// createViolation creates a PolicyViolation from a deny set element: either
// a message string or an object with message, severity, resource and
// remediation keys.
func createViolation(policy *Policy, result any) PolicyViolation {
	violation := PolicyViolation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]any:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if res, ok := v["resource"].(string); ok {
			violation.Resource = res
		}
		if rem, ok := v["remediation"].(string); ok {
			violation.Remediation = rem
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compile parses a policy and prepares its deny query.
func (e *Engine) compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	filename := policy.Source
	if filename == "" {
		filename = policy.Name + ".rego"
	}
	module, err := ast.ParseModule(filename, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	r := rego.New(
		rego.ParsedModule(module),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()+".deny"),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Str("package", module.Package.Path.String()).
		Msg("Policy compiled successfully")

	return &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// AddPolicy compiles and registers a policy, replacing one of the same name.
func (e *Engine) AddPolicy(ctx context.Context, policy Policy) error {
	cp, err := e.compile(ctx, &policy)
	if err != nil {
		return fmt.Errorf("failed to compile policy %s: %w", policy.Name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies[policy.Name] = cp
	return nil
}

// LoadPolicies loads .rego and .json policy files from paths.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	for i := range policies {
		if err := e.AddPolicy(ctx, policies[i]); err != nil {
			return err
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// ReplacePolicies swaps every non-built-in policy for the given set. The
// current set is kept when any policy fails to compile.
func (e *Engine) ReplacePolicies(ctx context.Context, policies []Policy) error {
	next := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		cp, err := e.compile(ctx, &policies[i])
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		next[policies[i].Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, cp := range e.policies {
		if cp.policy.Source == "" {
			if _, overridden := next[name]; !overridden {
				next[name] = cp
			}
		}
	}
	e.policies = next
	return nil
}

// WatchPolicies reloads policies from paths whenever a policy file changes,
// until ctx is done.
func (e *Engine) WatchPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	return loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.ReplacePolicies(ctx, policies)
	})
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := GetBuiltinPolicies()
	for i := range builtins {
		if err := e.AddPolicy(ctx, builtins[i]); err != nil {
			return err
		}
	}

	e.logger.Debug().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().
		Str("policy", name).
		Bool("enabled", enabled).
		Msg("Policy toggled")

	return nil
}
