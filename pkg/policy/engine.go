package policy

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

// ErrPolicyNotFound is returned for names the engine does not hold.
var ErrPolicyNotFound = errors.New("policy not found")

// Engine evaluates activation attempts against Rego policies. Each policy
// contributes the messages of its deny rule; any message denies the activation.
type Engine struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	policies map[string]*compiledPolicy
}

type compiledPolicy struct {
	policy *Policy
	query  rego.PreparedEvalQuery
}

// NewEngine returns an engine without policies, which allows everything.
func NewEngine(logger zerolog.Logger) *Engine {
	return &Engine{
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		policies: make(map[string]*compiledPolicy),
	}
}

// Evaluate runs the enabled policies in name order and collects their deny
// messages as "<policy>: <message>".
func (e *Engine) Evaluate(ctx context.Context, input Input) (Decision, error) {
	started := time.Now()
	doc := input.document()

	e.mu.RLock()
	defer e.mu.RUnlock()

	var decision Decision
	for _, name := range slices.Sorted(maps.Keys(e.policies)) {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		decision.Evaluated = append(decision.Evaluated, name)

		messages, err := cp.deny(ctx, doc)
		if err != nil {
			return Decision{}, fmt.Errorf("policy %s: %w", name, err)
		}
		for _, msg := range messages {
			decision.Reasons = append(decision.Reasons, name+": "+msg)
		}
	}
	decision.Allowed = len(decision.Reasons) == 0

	e.logger.Debug().
		Str("controller", input.Controller).
		Str("operation", input.Operation).
		Str("trigger", input.Trigger).
		Bool("allowed", decision.Allowed).
		Dur("took", time.Since(started)).
		Msg("Activation evaluated")
	return decision, nil
}

// deny evaluates the deny set. Object entries contribute their "message"
// field, anything else its printed form. Messages come back sorted.
func (cp *compiledPolicy) deny(ctx context.Context, doc map[string]interface{}) ([]string, error) {
	rs, err := cp.query.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return nil, err
	}

	var messages []string
	for _, r := range rs {
		if len(r.Expressions) == 0 {
			continue
		}
		entries, _ := r.Expressions[0].Value.([]interface{})
		for _, entry := range entries {
			if obj, ok := entry.(map[string]interface{}); ok {
				if msg, ok := obj["message"].(string); ok {
					messages = append(messages, msg)
					continue
				}
			}
			if msg, ok := entry.(string); ok {
				messages = append(messages, msg)
				continue
			}
			messages = append(messages, fmt.Sprint(entry))
		}
	}
	slices.Sort(messages)
	return messages, nil
}

// AddPolicy compiles src and adds or replaces the policy called name.
func (e *Engine) AddPolicy(ctx context.Context, name, src string) error {
	cp, err := compile(ctx, &Policy{
		Name:        name,
		Description: extractDescription(src),
		Rego:        src,
		Enabled:     true,
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.policies[name] = cp
	e.mu.Unlock()

	e.logger.Debug().Str("policy", name).Msg("Policy added")
	return nil
}

// LoadPolicies reads .rego files from paths and adds them, replacing
// policies of the same name.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	return e.replace(ctx, policies)
}

// Watch reloads the policies under paths whenever a .rego file changes,
// until ctx is done. A reload that fails to compile leaves the set as is.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	return NewLoader(e.logger).Watch(ctx, paths, func(policies []Policy) error {
		return e.replace(ctx, policies)
	})
}

// replace installs policies only if every one of them compiles.
func (e *Engine) replace(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		cp, err := compile(ctx, &policies[i])
		if err != nil {
			return fmt.Errorf("policy %s: %w", policies[i].Name, err)
		}
		compiled[policies[i].Name] = cp
	}

	e.mu.Lock()
	maps.Copy(e.policies, compiled)
	e.mu.Unlock()

	e.logger.Info().Int("policies", len(compiled)).Msg("Policies installed")
	return nil
}

// compile prepares the query data.<package>.deny of p.
func compile(ctx context.Context, p *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return nil, fmt.Errorf("invalid rego: %w", err)
	}

	query, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot prepare deny query: %w", err)
	}

	p.LoadedAt = time.Now()
	return &compiledPolicy{policy: p, query: query}, nil
}

// GetPolicy returns the policy called name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cp, ok := e.policies[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPolicyNotFound, name)
	}
	return cp.policy, nil
}

// ListPolicies returns copies of every policy sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Policy, 0, len(e.policies))
	for _, name := range slices.Sorted(maps.Keys(e.policies)) {
		out = append(out, *e.policies[name].policy)
	}
	return out
}

func (e *Engine) RemovePolicy(name string) {
	e.mu.Lock()
	delete(e.policies, name)
	e.mu.Unlock()
}

func (e *Engine) EnablePolicy(name string) error { return e.setEnabled(name, true) }
func (e *Engine) DisablePolicy(name string) error { return e.setEnabled(name, false) }

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp, ok := e.policies[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPolicyNotFound, name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}
