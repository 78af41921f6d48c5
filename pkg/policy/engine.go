package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/balena-io-experimental/gustav/pkg/engine"
	"github.com/balena-io-experimental/gustav/pkg/planner"
)

// Query is the deny set policies contribute to.
const Query = "data.gustav.deny"

// Engine evaluates plans against a set of Rego modules. It implements
// worker.Policy.
type Engine struct {
	mu       sync.RWMutex
	policies []Policy
	query    *rego.PreparedEvalQuery
	logger   zerolog.Logger
	now      func() time.Time
}

// NewEngine creates an engine without policies. It admits every plan until
// policies are added.
func NewEngine(logger zerolog.Logger) *Engine {
	return &Engine{
		logger: logger.With().Str("component", "policy").Logger(),
		now:    time.Now,
	}
}

// Add compiles policies together with the ones already added. On error the
// engine is left unchanged.
func (e *Engine) Add(ctx context.Context, policies ...Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	all := append(append([]Policy{}, e.policies...), policies...)
	opts := []func(*rego.Rego){rego.Query(Query)}
	for _, p := range all {
		opts = append(opts, rego.Module(p.Name, p.Rego))
	}

	query, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to compile policies: %w", err)
	}

	e.policies = all
	e.query = &query
	e.logger.Debug().Int("count", len(all)).Msg("Policies compiled")
	return nil
}

// Load reads the .rego files at paths, walking directories, and adds them.
func (e *Engine) Load(ctx context.Context, paths ...string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(paths)
	if err != nil {
		return err
	}
	return e.Add(ctx, policies...)
}

// Policies returns the added policies in order.
func (e *Engine) Policies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Policy(nil), e.policies...)
}

// Evaluate returns every violation the policies report for plan, ordered by
// message.
func (e *Engine) Evaluate(ctx context.Context, plan planner.Summary) ([]Violation, error) {
	e.mu.RLock()
	query := e.query
	e.mu.RUnlock()

	if query == nil {
		return nil, nil
	}

	input, err := toValue(Input{Plan: plan, Time: e.now().UTC()})
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy input: %w", err)
	}

	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		set, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, v := range set {
			violations = append(violations, toViolation(v))
		}
	}

	sort.Slice(violations, func(i, j int) bool { return violations[i].Message < violations[j].Message })
	return violations, nil
}

// Admit implements worker.Policy. It rejects the plan when any violation
// blocks, or when the policies cannot be evaluated.
func (e *Engine) Admit(ctx context.Context, plan planner.Summary) error {
	violations, err := e.Evaluate(ctx, plan)
	if err != nil {
		return engine.NewPlanningError(engine.ErrCodePolicyDenied, "policy evaluation failed", err)
	}

	var reasons []string
	for _, v := range violations {
		if !v.Severity.Blocks() {
			e.logger.Warn().
				Str("plan_id", plan.ID).
				Str("severity", string(v.Severity)).
				Msg(v.Message)
			continue
		}
		reasons = append(reasons, v.Message)
	}

	if len(reasons) > 0 {
		e.logger.Info().Str("plan_id", plan.ID).Strs("reasons", reasons).Msg("Plan denied")
		return engine.NewPlanningError(engine.ErrCodePolicyDenied, "plan denied by policy", nil).
			WithDetail("reasons", reasons)
	}
	return nil
}

func toValue(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func toViolation(v interface{}) Violation {
	violation := Violation{Severity: SeverityError}

	switch msg := v.(type) {
	case string:
		violation.Message = msg
	case map[string]interface{}:
		for _, key := range []string{"msg", "message"} {
			if s, ok := msg[key].(string); ok {
				violation.Message = s
				break
			}
		}
		if sev, ok := msg["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if node, ok := msg["node"].(string); ok {
			violation.Node = node
		}
		if p, ok := msg["path"].(string); ok {
			violation.Path = p
		}
		if violation.Message == "" {
			violation.Message = fmt.Sprintf("%v", msg)
		}
	default:
		violation.Message = fmt.Sprintf("%v", v)
	}

	return violation
}
