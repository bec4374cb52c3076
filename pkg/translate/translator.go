// Package translate defines the translator contract: the function that
// turns a validated intent payload into a backend-neutral execution plan.
// Translators are domain-specific and registered per (type, type_version);
// the engine treats payloads as opaque and delegates all typing to them.
package translate

import (
	"context"
	"encoding/json"

	"github.com/Mindburn-Labs/rudder/pkg/envelope"
	"github.com/Mindburn-Labs/rudder/pkg/plan"
)

// Input carries everything a translator may use. RequestID is stable for
// the lifetime of the request, so translators can derive deterministic
// task ids from it.
type Input struct {
	RequestID string
	Envelope  *envelope.Envelope
}

// Translator produces an execution plan from a validated payload.
type Translator interface {
	Translate(ctx context.Context, in Input) (*plan.ExecutionPlan, error)
}

// PayloadValidator is an optional translator capability. When a
// registered translator implements it, the engine calls ValidatePayload
// before Translate and surfaces any error as a validation failure.
type PayloadValidator interface {
	ValidatePayload(ctx context.Context, payload json.RawMessage) error
}

// Func adapts a plain function to the Translator interface.
type Func func(ctx context.Context, in Input) (*plan.ExecutionPlan, error)

func (f Func) Translate(ctx context.Context, in Input) (*plan.ExecutionPlan, error) {
	return f(ctx, in)
}
