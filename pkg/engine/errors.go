package engine

import (
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/rudder/pkg/envelope"
	"github.com/Mindburn-Labs/rudder/pkg/policy"
)

// Kind classifies engine failures so the HTTP edge can map them to
// status codes without string matching.
type Kind string

const (
	KindInvalidEnvelope     Kind = "invalid_envelope"
	KindIdempotencyConflict Kind = "idempotency_conflict"
	KindNoTranslator        Kind = "no_translator"
	KindValidationFailed    Kind = "validation_failed"
	KindInvalidPlan         Kind = "invalid_plan"
	KindNoAdapter           Kind = "no_adapter"
	KindAdapterError        Kind = "adapter_error"
	KindPolicyDenied        Kind = "policy_denied"
	KindCallbackInvalid     Kind = "callback_invalid"
	KindUnknownExternalID   Kind = "unknown_external_id"
	KindRequestGone         Kind = "request_gone"
)

// Error is the typed engine failure. RequestID is set when a record is
// involved (conflicts, denials); Fields carries per-field validation
// detail; Violations carries policy findings.
type Error struct {
	Kind       Kind
	Message    string
	RequestID  string
	Fields     []envelope.ValidationError
	Violations []policy.Violation
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// errorf builds a typed error.
func errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the engine error kind, or "" for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// AsError extracts the typed engine error.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
