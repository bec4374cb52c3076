// Package envelope defines the intent envelope — the stable inbound
// request document — together with its structural validator and the
// canonical fingerprint used for idempotency comparison.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// APIVersion is the only accepted envelope api_version.
const APIVersion = "1"

// Operation names what the caller wants done with the translated plan.
type Operation string

const (
	OpPlan     Operation = "plan"
	OpApply    Operation = "apply"
	OpValidate Operation = "validate"
	OpRollback Operation = "rollback"
)

// Valid reports whether op is one of the recognized operations.
func (op Operation) Valid() bool {
	switch op {
	case OpPlan, OpApply, OpValidate, OpRollback:
		return true
	}
	return false
}

// Executes reports whether the operation queues the request for
// execution. Rollback is driven like apply; its compensation semantics
// belong to the type's translator.
func (op Operation) Executes() bool {
	return op == OpApply || op == OpRollback
}

// Envelope is the inbound change request. Type and TypeVersion select a
// translator; Payload is opaque to everything but that translator. An
// envelope is immutable once accepted.
type Envelope struct {
	APIVersion     string            `json:"api_version"`
	Type           string            `json:"type"`
	TypeVersion    string            `json:"type_version"`
	Operation      Operation         `json:"operation"`
	IdempotencyKey string            `json:"idempotency_key"`
	CorrelationID  string            `json:"correlation_id,omitempty"`
	RequestedBy    string            `json:"requested_by,omitempty"`
	Target         json.RawMessage   `json:"target,omitempty"`
	Payload        json.RawMessage   `json:"payload"`
	Tags           map[string]string `json:"tags,omitempty"`
	CreatedAt      *time.Time        `json:"created_at,omitempty"`
}

// DecodePayload unmarshals the payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope has no payload")
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// PayloadMap decodes the payload as a JSON object. Translators and the
// policy gate use it when they treat the payload generically.
func (e *Envelope) PayloadMap() (map[string]any, error) {
	var m map[string]any
	if err := e.DecodePayload(&m); err != nil {
		return nil, err
	}
	return m, nil
}
