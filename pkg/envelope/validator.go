package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// envelopeSchema mirrors the hand-rolled structural checks. Running both
// keeps the precise per-field error codes while catching shape mistakes
// (wrong JSON types in optional fields) that the struct decode tolerates.
const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["api_version", "type", "type_version", "operation", "idempotency_key", "payload"],
  "properties": {
    "api_version": {"const": "1"},
    "type": {"type": "string", "minLength": 1},
    "type_version": {"type": "string", "minLength": 1},
    "operation": {"enum": ["plan", "apply", "validate", "rollback"]},
    "idempotency_key": {"type": "string", "minLength": 1, "maxLength": 256},
    "correlation_id": {"type": "string"},
    "requested_by": {"type": "string"},
    "tags": {"type": "object", "additionalProperties": {"type": "string"}},
    "created_at": {"type": "string"}
  }
}`

// maxIdempotencyKeyLen bounds caller-supplied keys so they stay usable as
// index values in every store implementation.
const maxIdempotencyKeyLen = 256

// ValidationError represents a specific validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Code)
}

// ValidationResult contains the outcome of envelope validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
	// Fingerprint is the canonical content fingerprint, set when valid.
	Fingerprint string `json:"fingerprint,omitempty"`
}

// Validator validates inbound envelopes for structural correctness.
// Fail-closed: any structural issue results in a validation failure.
type Validator struct {
	schema *jsonschema.Schema
	// clock allows deterministic time for testing.
	clock func() time.Time
}

// NewValidator creates a new envelope validator.
func NewValidator() *Validator {
	return &Validator{
		schema: jsonschema.MustCompileString("rudder://schemas/envelope.schema.json", envelopeSchema),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (v *Validator) WithClock(clock func() time.Time) *Validator {
	v.clock = clock
	return v
}

// Validate decodes and validates a raw envelope document. The returned
// envelope is non-nil only when the result is valid.
func (v *Validator) Validate(raw []byte) (*Envelope, *ValidationResult) {
	result := &ValidationResult{Valid: true}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			v.addError(result, typeErr.Field, "INVALID_TYPE",
				fmt.Sprintf("expected %s, got %s", typeErr.Type, typeErr.Value))
		} else {
			v.addError(result, "body", "MALFORMED_JSON", err.Error())
		}
		return nil, result
	}

	v.checkStructure(result, &env)
	if result.Valid {
		v.checkSchema(result, raw)
	}

	if !result.Valid {
		return nil, result
	}

	if fp, err := Fingerprint(&env); err == nil {
		result.Fingerprint = fp
	} else {
		v.addError(result, "payload", "NOT_CANONICALIZABLE", err.Error())
		return nil, result
	}
	return &env, result
}

// ValidateParsed validates an already-decoded envelope. Library embedders
// that construct envelopes in code go through this path.
func (v *Validator) ValidateParsed(env *Envelope) *ValidationResult {
	result := &ValidationResult{Valid: true}
	if env == nil {
		v.addError(result, "body", "REQUIRED", "envelope is required")
		return result
	}
	v.checkStructure(result, env)
	if !result.Valid {
		return result
	}
	if fp, err := Fingerprint(env); err == nil {
		result.Fingerprint = fp
	} else {
		v.addError(result, "payload", "NOT_CANONICALIZABLE", err.Error())
	}
	return result
}

func (v *Validator) checkStructure(result *ValidationResult, env *Envelope) {
	if env.APIVersion != APIVersion {
		v.addError(result, "api_version", "UNSUPPORTED_VERSION",
			fmt.Sprintf("unsupported api_version %q, expected %q", env.APIVersion, APIVersion))
	}

	v.requireNonEmpty(result, "type", env.Type)
	v.requireNonEmpty(result, "type_version", env.TypeVersion)
	v.requireNonEmpty(result, "idempotency_key", env.IdempotencyKey)

	if len(env.IdempotencyKey) > maxIdempotencyKeyLen {
		v.addError(result, "idempotency_key", "TOO_LONG",
			fmt.Sprintf("idempotency_key exceeds %d bytes", maxIdempotencyKeyLen))
	}

	if env.Operation == "" {
		v.addError(result, "operation", "REQUIRED", "operation is required")
	} else if !env.Operation.Valid() {
		v.addError(result, "operation", "INVALID_VALUE",
			fmt.Sprintf("invalid operation %q", env.Operation))
	}

	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		v.addError(result, "payload", "REQUIRED", "payload is required")
	}

	if env.CreatedAt != nil {
		// Reject timestamps from the far future; clock skew tolerance is
		// one hour.
		if env.CreatedAt.After(v.clock().UTC().Add(time.Hour)) {
			v.addError(result, "created_at", "INVALID_VALUE",
				"created_at is in the future")
		}
	}
}

func (v *Validator) checkSchema(result *ValidationResult, raw []byte) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		v.addError(result, "body", "MALFORMED_JSON", err.Error())
		return
	}
	if err := v.schema.Validate(doc); err != nil {
		v.addError(result, "body", "SCHEMA_VIOLATION", err.Error())
	}
}

func (v *Validator) requireNonEmpty(result *ValidationResult, field, value string) {
	if value == "" {
		v.addError(result, field, "REQUIRED", fmt.Sprintf("%s is required", field))
	}
}

func (v *Validator) addError(result *ValidationResult, field, code, message string) {
	result.Valid = false
	result.Errors = append(result.Errors, ValidationError{
		Field:   field,
		Code:    code,
		Message: message,
	})
}
