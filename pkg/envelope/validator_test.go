package envelope

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRaw(t *testing.T, mutate func(m map[string]any)) []byte {
	t.Helper()
	m := map[string]any{
		"api_version":     "1",
		"type":            "pipeline",
		"type_version":    "1",
		"operation":       "apply",
		"idempotency_key": "key-1",
		"payload":         map[string]any{"size": 3},
	}
	if mutate != nil {
		mutate(m)
	}
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	return raw
}

// TestValidate_Accepts verifies a well-formed envelope passes and the
// result carries its fingerprint.
func TestValidate_Accepts(t *testing.T) {
	v := NewValidator()

	env, result := v.Validate(validRaw(t, nil))
	require.True(t, result.Valid, "errors: %v", result.Errors)
	require.NotNil(t, env)
	assert.Equal(t, "pipeline", env.Type)
	assert.Equal(t, OpApply, env.Operation)
	assert.Contains(t, result.Fingerprint, "sha256:")
}

// TestValidate_RequiredFields verifies each missing required field is
// reported with a field-scoped error and no envelope is returned.
func TestValidate_RequiredFields(t *testing.T) {
	v := NewValidator()

	for _, field := range []string{"type", "type_version", "idempotency_key", "operation", "payload"} {
		t.Run(field, func(t *testing.T) {
			env, result := v.Validate(validRaw(t, func(m map[string]any) {
				delete(m, field)
			}))
			assert.Nil(t, env)
			assert.False(t, result.Valid)

			found := false
			for _, e := range result.Errors {
				if e.Field == field {
					found = true
				}
			}
			assert.True(t, found, "no error scoped to %q in %v", field, result.Errors)
		})
	}
}

// TestValidate_APIVersion verifies only api_version "1" is accepted.
func TestValidate_APIVersion(t *testing.T) {
	v := NewValidator()

	env, result := v.Validate(validRaw(t, func(m map[string]any) {
		m["api_version"] = "2"
	}))
	assert.Nil(t, env)
	require.False(t, result.Valid)
	assert.Equal(t, "UNSUPPORTED_VERSION", result.Errors[0].Code)
}

// TestValidate_Operation verifies the operation enum is enforced.
func TestValidate_Operation(t *testing.T) {
	v := NewValidator()

	env, result := v.Validate(validRaw(t, func(m map[string]any) {
		m["operation"] = "destroy"
	}))
	assert.Nil(t, env)
	require.False(t, result.Valid)
	assert.Equal(t, "operation", result.Errors[0].Field)
	assert.Equal(t, "INVALID_VALUE", result.Errors[0].Code)
}

// TestValidate_AllOperations verifies every recognized operation decodes.
func TestValidate_AllOperations(t *testing.T) {
	v := NewValidator()

	for _, op := range []string{"plan", "apply", "validate", "rollback"} {
		env, result := v.Validate(validRaw(t, func(m map[string]any) {
			m["operation"] = op
		}))
		require.True(t, result.Valid, "operation %q rejected: %v", op, result.Errors)
		assert.Equal(t, Operation(op), env.Operation)
	}
}

// TestValidate_MalformedJSON verifies undecodable bodies fail with a
// body-scoped error.
func TestValidate_MalformedJSON(t *testing.T) {
	v := NewValidator()

	env, result := v.Validate([]byte(`{"api_version": `))
	assert.Nil(t, env)
	require.False(t, result.Valid)
	assert.Equal(t, "MALFORMED_JSON", result.Errors[0].Code)
}

// TestValidate_WrongFieldType verifies a field of the wrong JSON type is
// reported against that field rather than as a generic decode failure.
func TestValidate_WrongFieldType(t *testing.T) {
	v := NewValidator()

	env, result := v.Validate(validRaw(t, func(m map[string]any) {
		m["tags"] = map[string]any{"env": 12}
	}))
	assert.Nil(t, env)
	require.False(t, result.Valid)
	assert.Equal(t, "INVALID_TYPE", result.Errors[0].Code)
}

// TestValidate_NullPayload verifies an explicit null payload is treated
// as absent.
func TestValidate_NullPayload(t *testing.T) {
	v := NewValidator()

	env, result := v.Validate([]byte(`{
		"api_version": "1", "type": "pipeline", "type_version": "1",
		"operation": "apply", "idempotency_key": "k", "payload": null
	}`))
	assert.Nil(t, env)
	require.False(t, result.Valid)
	assert.Equal(t, "payload", result.Errors[0].Field)
}

// TestValidate_KeyLength verifies oversized idempotency keys are rejected.
func TestValidate_KeyLength(t *testing.T) {
	v := NewValidator()

	long := make([]byte, maxIdempotencyKeyLen+1)
	for i := range long {
		long[i] = 'k'
	}
	env, result := v.Validate(validRaw(t, func(m map[string]any) {
		m["idempotency_key"] = string(long)
	}))
	assert.Nil(t, env)
	require.False(t, result.Valid)
	assert.Equal(t, "TOO_LONG", result.Errors[0].Code)
}

// TestValidate_FutureCreatedAt verifies created_at beyond the skew window
// is rejected, using an injected clock.
func TestValidate_FutureCreatedAt(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := NewValidator().WithClock(func() time.Time { return fixed })

	env, result := v.Validate(validRaw(t, func(m map[string]any) {
		m["created_at"] = fixed.Add(2 * time.Hour).Format(time.RFC3339)
	}))
	assert.Nil(t, env)
	require.False(t, result.Valid)
	assert.Equal(t, "created_at", result.Errors[0].Field)

	// Within the skew window passes.
	env, result = v.Validate(validRaw(t, func(m map[string]any) {
		m["created_at"] = fixed.Add(30 * time.Minute).Format(time.RFC3339)
	}))
	assert.True(t, result.Valid)
	assert.NotNil(t, env)
}

// TestValidateParsed verifies the in-code construction path applies the
// same checks.
func TestValidateParsed(t *testing.T) {
	v := NewValidator()

	result := v.ValidateParsed(&Envelope{
		APIVersion:     "1",
		Type:           "pipeline",
		TypeVersion:    "1",
		Operation:      OpApply,
		IdempotencyKey: "k",
		Payload:        json.RawMessage(`{"a":1}`),
	})
	assert.True(t, result.Valid)
	assert.NotEmpty(t, result.Fingerprint)

	result = v.ValidateParsed(&Envelope{APIVersion: "1"})
	assert.False(t, result.Valid)

	result = v.ValidateParsed(nil)
	assert.False(t, result.Valid)
}

func TestOperation_Executes(t *testing.T) {
	assert.True(t, OpApply.Executes())
	assert.True(t, OpRollback.Executes())
	assert.False(t, OpPlan.Executes())
	assert.False(t, OpValidate.Executes())
}
