package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"

	"github.com/google/cel-go/cel"
)

// Effect defines the result of a policy evaluation.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Request contains the context of a connector call to be evaluated.
type Request struct {
	Connector string
	Action    string
	Params    map[string]any
	PlanID    string
}

// Result contains the outcome of a policy evaluation.
type Result struct {
	Effect Effect
	Reason string
}

// Denied reports whether the call must not proceed.
func (r Result) Denied() bool { return r.Effect == EffectDeny }

// PolicyEngine evaluates connector calls against a set of rules.
type PolicyEngine interface {
	Evaluate(ctx context.Context, req Request) (Result, error)
}

type expressionRule struct {
	source  string
	program cel.Program
}

// DefaultPolicyEngine denies by connector, by connector.action, by a regex
// over the JSON-encoded params, or by a CEL expression. Everything else is
// allowed.
type DefaultPolicyEngine struct {
	mu                sync.RWMutex
	DeniedConnectors  map[string]bool
	DeniedActions     map[string]bool
	DeniedRegex       []*regexp.Regexp
	deniedExpressions []expressionRule
	env               *cel.Env
}

func NewDefaultPolicyEngine() *DefaultPolicyEngine {
	return &DefaultPolicyEngine{
		DeniedConnectors: make(map[string]bool),
		DeniedActions:    make(map[string]bool),
		DeniedRegex:      make([]*regexp.Regexp, 0),
	}
}

func (e *DefaultPolicyEngine) DenyConnector(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.DeniedConnectors[name] = true
}

// DenyAction blocks one action, written as "connector.action".
func (e *DefaultPolicyEngine) DenyAction(qualified string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.DeniedActions[qualified] = true
}

func (e *DefaultPolicyEngine) DenyArguments(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.DeniedRegex = append(e.DeniedRegex, re)
	return nil
}

// DenyExpression blocks calls for which the CEL expression evaluates to
// true. The expression sees connector, action and params, for example
// `connector == "email" && params.to.endsWith("@competitor.com")`.
func (e *DefaultPolicyEngine) DenyExpression(expr string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.env == nil {
		env, err := cel.NewEnv(
			cel.Variable("connector", cel.StringType),
			cel.Variable("action", cel.StringType),
			cel.Variable("params", cel.MapType(cel.StringType, cel.DynType)),
		)
		if err != nil {
			return fmt.Errorf("policy: cel environment: %w", err)
		}
		e.env = env
	}

	ast, iss := e.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return fmt.Errorf("policy: compile %q: %w", expr, iss.Err())
	}
	if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
		return fmt.Errorf("policy: expression %q must evaluate to bool, got %s", expr, t)
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return fmt.Errorf("policy: program %q: %w", expr, err)
	}
	e.deniedExpressions = append(e.deniedExpressions, expressionRule{source: expr, program: prg})
	return nil
}

func (e *DefaultPolicyEngine) Evaluate(ctx context.Context, req Request) (Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.DeniedConnectors[req.Connector] {
		return Result{
			Effect: EffectDeny,
			Reason: fmt.Sprintf("Connector '%s' is restricted by system policy", req.Connector),
		}, nil
	}
	if qualified := req.Connector + "." + req.Action; e.DeniedActions[qualified] {
		return Result{
			Effect: EffectDeny,
			Reason: fmt.Sprintf("Action '%s' is restricted by system policy", qualified),
		}, nil
	}

	if len(e.DeniedRegex) > 0 {
		args, err := json.Marshal(req.Params)
		if err != nil {
			return Result{}, fmt.Errorf("policy: encode params: %w", err)
		}
		for _, re := range e.DeniedRegex {
			if re.Match(args) {
				return Result{
					Effect: EffectDeny,
					Reason: fmt.Sprintf("Arguments match restricted pattern: %s", re.String()),
				}, nil
			}
		}
	}

	if len(e.deniedExpressions) > 0 {
		params := req.Params
		if params == nil {
			params = map[string]any{}
		}
		vars := map[string]any{
			"connector": req.Connector,
			"action":    req.Action,
			"params":    params,
		}
		for _, rule := range e.deniedExpressions {
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
			out, _, err := rule.program.Eval(vars)
			if err != nil {
				// A rule that cannot be evaluated for these params does not apply.
				continue
			}
			if hit, ok := out.Value().(bool); ok && hit {
				return Result{
					Effect: EffectDeny,
					Reason: fmt.Sprintf("Call matches restricted expression: %s", rule.source),
				}, nil
			}
		}
	}

	return Result{
		Effect: EffectAllow,
		Reason: "Approved by default policy",
	}, nil
}
