// Package policy implements the gate that sits between translation and
// admission: every registered rule evaluates the translated plan, the
// violations concatenate, and a single deny-effect violation denies the
// request.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Mindburn-Labs/rudder/pkg/envelope"
	"github.com/Mindburn-Labs/rudder/pkg/plan"
)

// Effect is the severity a violation carries.
type Effect string

const (
	EffectWarn Effect = "warn"
	EffectDeny Effect = "deny"
)

// Valid reports whether the effect is recognized.
func (e Effect) Valid() bool { return e == EffectWarn || e == EffectDeny }

// Violation is one rule finding.
type Violation struct {
	ID      string         `json:"id"`
	Effect  Effect         `json:"effect"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Decision is the gate verdict: deny iff any violation carries the deny
// effect.
type Decision struct {
	Allow      bool        `json:"allow"`
	Violations []Violation `json:"violations,omitempty"`
}

// Input is what rules see: the envelope, the translated plan, and the
// request id for reporting.
type Input struct {
	RequestID string
	Envelope  *envelope.Envelope
	Plan      *plan.ExecutionPlan
}

// Rule evaluates one policy concern and returns its violations.
type Rule interface {
	Evaluate(ctx context.Context, in Input) ([]Violation, error)
}

// RuleFunc adapts a plain function to the Rule interface.
type RuleFunc func(ctx context.Context, in Input) ([]Violation, error)

func (f RuleFunc) Evaluate(ctx context.Context, in Input) ([]Violation, error) {
	return f(ctx, in)
}

// Mode controls how the gate treats deny-effect violations.
type Mode string

const (
	ModeEnforce  Mode = "enforce"
	ModeWarn     Mode = "warn"
	ModeDisabled Mode = "disabled"
)

// ParseMode maps a config string to a mode, defaulting to enforce.
func ParseMode(s string) Mode {
	switch Mode(s) {
	case ModeWarn, ModeDisabled:
		return Mode(s)
	default:
		return ModeEnforce
	}
}

// Gate runs every registered rule against a translated plan. Safe for
// concurrent use; rules may be swapped at runtime by hot reload.
type Gate struct {
	mode   Mode
	logger *slog.Logger

	mu    sync.RWMutex
	rules []Rule
}

// NewGate creates a gate in the given mode.
func NewGate(mode Mode, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{mode: mode, logger: logger.With("component", "policy")}
}

// Mode returns the gate's mode.
func (g *Gate) Mode() Mode { return g.mode }

// AddRule appends a rule.
func (g *Gate) AddRule(r Rule) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rules = append(g.rules, r)
}

// SetRules replaces the rule set atomically. Hot reload goes through
// here.
func (g *Gate) SetRules(rules []Rule) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rules = rules
}

// Evaluate runs every rule and folds the verdict. In disabled mode no
// rule runs and the decision allows. In warn mode deny-effect violations
// are downgraded to warn and logged. In enforce mode a rule evaluation
// error is itself a deny violation: the gate fails closed.
func (g *Gate) Evaluate(ctx context.Context, in Input) Decision {
	if g.mode == ModeDisabled {
		return Decision{Allow: true}
	}

	g.mu.RLock()
	rules := make([]Rule, len(g.rules))
	copy(rules, g.rules)
	g.mu.RUnlock()

	var violations []Violation
	for _, rule := range rules {
		found, err := rule.Evaluate(ctx, in)
		if err != nil {
			g.logger.ErrorContext(ctx, "policy rule evaluation failed",
				"request_id", in.RequestID, "error", err)
			if g.mode == ModeEnforce {
				violations = append(violations, Violation{
					ID:      "policy.rule_error",
					Effect:  EffectDeny,
					Message: fmt.Sprintf("rule evaluation failed: %v", err),
				})
			}
			continue
		}
		for _, v := range found {
			// Malformed violations are dropped, not surfaced.
			if v.ID == "" || !v.Effect.Valid() {
				continue
			}
			if v.Effect == EffectDeny && g.mode == ModeWarn {
				g.logger.WarnContext(ctx, "policy violation downgraded to warn",
					"request_id", in.RequestID, "rule", v.ID, "message", v.Message)
				v.Effect = EffectWarn
			}
			violations = append(violations, v)
		}
	}

	decision := Decision{Allow: true, Violations: violations}
	for _, v := range violations {
		if v.Effect == EffectDeny {
			decision.Allow = false
			break
		}
	}
	return decision
}

// inputVars renders the gate input as the variable bindings CEL rules
// evaluate against.
func inputVars(in Input) (map[string]any, error) {
	envMap := map[string]any{}
	if in.Envelope != nil {
		raw, err := json.Marshal(in.Envelope)
		if err != nil {
			return nil, fmt.Errorf("marshal envelope: %w", err)
		}
		if err := json.Unmarshal(raw, &envMap); err != nil {
			return nil, fmt.Errorf("unmarshal envelope: %w", err)
		}
	}

	tasks := []any{}
	if in.Plan != nil {
		for _, t := range in.Plan.Tasks {
			task := map[string]any{
				"id":      t.ID,
				"backend": t.Backend,
				"action":  t.Action,
			}
			if len(t.Input) > 0 {
				task["input"] = t.Input
			}
			if len(t.DependsOn) > 0 {
				deps := make([]any, len(t.DependsOn))
				for i, d := range t.DependsOn {
					deps[i] = d
				}
				task["depends_on"] = deps
			}
			tasks = append(tasks, task)
		}
	}

	vars := map[string]any{
		"envelope":    envMap,
		"operation":   "",
		"intent_type": "",
		"tasks":       tasks,
	}
	if in.Envelope != nil {
		vars["operation"] = string(in.Envelope.Operation)
		vars["intent_type"] = in.Envelope.Type
	}
	return vars, nil
}
