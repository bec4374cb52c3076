package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"
)

// RuleSpec is one entry of the policy file: a CEL expression over the
// gate input. The expression evaluating to true raises the violation.
type RuleSpec struct {
	ID         string `json:"id" yaml:"id"`
	Effect     Effect `json:"effect" yaml:"effect"`
	Message    string `json:"message" yaml:"message"`
	Expression string `json:"expression" yaml:"expression"`
}

// RuleFile is the on-disk shape of config/policy.json.
type RuleFile struct {
	Rules []RuleSpec `json:"rules" yaml:"rules"`
}

// celEnv is the shared environment all rules compile against. The
// declared variables match what inputVars produces.
func celEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("envelope", cel.DynType),
		cel.Variable("operation", cel.StringType),
		cel.Variable("intent_type", cel.StringType),
		cel.Variable("tasks", cel.ListType(cel.DynType)),
	)
}

// CELRule is a policy rule backed by a compiled CEL program.
type CELRule struct {
	spec RuleSpec
	prg  cel.Program
}

// NewCELRule compiles the rule's expression once, with a cost limit and
// interrupt checks so a pathological expression cannot stall admission.
func NewCELRule(spec RuleSpec) (*CELRule, error) {
	if spec.ID == "" {
		return nil, fmt.Errorf("policy rule has no id")
	}
	if !spec.Effect.Valid() {
		return nil, fmt.Errorf("policy rule %q has invalid effect %q", spec.ID, spec.Effect)
	}

	env, err := celEnv()
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}
	ast, issues := env.Compile(spec.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile rule %q: %w", spec.ID, issues.Err())
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program rule %q: %w", spec.ID, err)
	}
	return &CELRule{spec: spec, prg: prg}, nil
}

// Evaluate runs the expression against the gate input.
func (r *CELRule) Evaluate(ctx context.Context, in Input) ([]Violation, error) {
	vars, err := inputVars(in)
	if err != nil {
		return nil, err
	}

	out, _, err := r.prg.ContextEval(ctx, vars)
	if err != nil {
		return nil, fmt.Errorf("eval rule %q: %w", r.spec.ID, err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return nil, fmt.Errorf("rule %q did not evaluate to bool", r.spec.ID)
	}
	if !matched {
		return nil, nil
	}

	message := r.spec.Message
	if message == "" {
		message = fmt.Sprintf("policy rule %s matched", r.spec.ID)
	}
	return []Violation{{
		ID:      r.spec.ID,
		Effect:  r.spec.Effect,
		Message: message,
		Data:    map[string]any{"expression": r.spec.Expression},
	}}, nil
}

// LoadRules reads a policy file (JSON or YAML by extension) and compiles
// its rules. A missing file yields an empty rule set: the gate allows
// everything until rules are configured.
func LoadRules(path string) ([]Rule, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}

	var file RuleFile
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return nil, fmt.Errorf("parse policy file %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(raw, &file); err != nil {
			return nil, fmt.Errorf("parse policy file %s: %w", path, err)
		}
	}

	rules := make([]Rule, 0, len(file.Rules))
	for _, spec := range file.Rules {
		rule, err := NewCELRule(spec)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
