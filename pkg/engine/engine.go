// Package engine drives the request lifecycle: idempotent admission,
// translation, policy gating, DAG execution, async convergence, and
// callback ingestion. All writes to a request record are serialized by
// a per-record lock, which gives every task transition a single writer.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/rudder/pkg/adapter"
	"github.com/Mindburn-Labs/rudder/pkg/audit"
	"github.com/Mindburn-Labs/rudder/pkg/envelope"
	"github.com/Mindburn-Labs/rudder/pkg/plan"
	"github.com/Mindburn-Labs/rudder/pkg/policy"
	"github.com/Mindburn-Labs/rudder/pkg/registry"
	"github.com/Mindburn-Labs/rudder/pkg/store"
	"github.com/Mindburn-Labs/rudder/pkg/telemetry"
	"github.com/Mindburn-Labs/rudder/pkg/translate"
)

// Waker is the runner's wake-up hook. Admission and callback ingestion
// poke it to cut queueing latency; the call is best-effort.
type Waker interface {
	Poke()
}

// Options configures the engine.
type Options struct {
	Registry  *registry.Registry
	Store     store.Store
	Audit     audit.Sink
	Gate      *policy.Gate
	Provider  adapter.ContextProvider
	Telemetry *telemetry.Provider
	Archiver  *audit.Archiver
	Logger    *slog.Logger
	Clock     func() time.Time
}

// Engine orchestrates translate, policy, and execute.
type Engine struct {
	registry  *registry.Registry
	store     store.Store
	audit     audit.Sink
	gate      *policy.Gate
	provider  adapter.ContextProvider
	telemetry *telemetry.Provider
	archiver  *audit.Archiver
	validator *envelope.Validator
	logger    *slog.Logger
	clock     func() time.Time
	locks     *keyedMutex
	waker     Waker
}

// New creates an engine. Registry and Store are required; everything
// else has a working default.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	auditSink := opts.Audit
	if auditSink == nil {
		auditSink = audit.NewMemorySink()
	}
	gate := opts.Gate
	if gate == nil {
		gate = policy.NewGate(policy.ModeDisabled, logger)
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		registry:  opts.Registry,
		store:     opts.Store,
		audit:     auditSink,
		gate:      gate,
		provider:  opts.Provider,
		telemetry: opts.Telemetry,
		archiver:  opts.Archiver,
		validator: envelope.NewValidator(),
		logger:    logger.With("component", "engine"),
		clock:     clock,
		locks:     newKeyedMutex(),
	}
}

// SetWaker attaches the runner after construction; engine and runner
// reference each other, so wiring happens in two steps.
func (e *Engine) SetWaker(w Waker) { e.waker = w }

// Store exposes the request store to the HTTP surface.
func (e *Engine) Store() store.Store { return e.store }

// AuditSink exposes the audit sink to the HTTP surface.
func (e *Engine) AuditSink() audit.Sink { return e.audit }

// LockRecord serializes writers of one request record. The runner uses
// it around its read-modify-write cycles.
func (e *Engine) LockRecord(requestID string) func() {
	return e.locks.Lock(requestID)
}

func (e *Engine) poke() {
	if e.waker != nil {
		e.waker.Poke()
	}
}

// appendAudit writes an event; a failing sink is logged and ignored so
// auditing never blocks the lifecycle.
func (e *Engine) appendAudit(ctx context.Context, requestID string, level audit.Level, stage audit.Stage, message string, data map[string]any) {
	err := e.audit.Append(ctx, audit.Event{
		RequestID: requestID,
		Timestamp: e.clock().UTC(),
		Level:     level,
		Stage:     stage,
		Message:   message,
		Data:      data,
	})
	if err != nil {
		e.logger.WarnContext(ctx, "audit append failed",
			"request_id", requestID, "stage", string(stage), "error", err)
	}
}

// maybeArchive ships the audit trail once a request is terminal.
func (e *Engine) maybeArchive(ctx context.Context, requestID string, status plan.RequestStatus) {
	if e.archiver == nil || !status.Terminal() {
		return
	}
	if err := e.archiver.Archive(ctx, requestID); err != nil {
		e.logger.WarnContext(ctx, "audit archive failed", "request_id", requestID, "error", err)
	}
}

// HandleOptions tunes one admission.
type HandleOptions struct {
	// RequestID pins the generated id; tests and embedders use it.
	RequestID string
	// Execute runs the plan inline instead of queueing it for the
	// runner.
	Execute bool
}

// Outcome is the admission result.
type Outcome struct {
	RequestID  string              `json:"request_id"`
	Status     plan.RequestStatus  `json:"status"`
	Plan       *plan.ExecutionPlan `json:"plan,omitempty"`
	Results    []plan.TaskResult   `json:"results,omitempty"`
	Violations []policy.Violation  `json:"violations,omitempty"`
	Replayed   bool                `json:"idempotent_replay,omitempty"`
}

// Handle admits one envelope: validate, deduplicate by idempotency key,
// translate, gate, and either queue or execute. The same key with the
// same fingerprint replays the original outcome; the same key with a
// different fingerprint is a hard conflict.
func (e *Engine) Handle(ctx context.Context, env *envelope.Envelope, opts HandleOptions) (*Outcome, error) {
	start := e.clock()
	ctx, span := e.telemetry.StartSpan(ctx, "engine.handle")
	defer span.End()
	defer func() { e.telemetry.ObserveAdmission(ctx, e.clock().Sub(start)) }()

	result := e.validator.ValidateParsed(env)
	if !result.Valid {
		e.telemetry.IncAdmission(ctx, "invalid")
		return nil, &Error{
			Kind:    KindInvalidEnvelope,
			Message: "envelope failed validation",
			Fields:  result.Errors,
		}
	}
	fingerprint := result.Fingerprint

	existing, err := e.store.FindByIdempotencyKey(ctx, env.IdempotencyKey)
	switch {
	case err == nil:
		return e.resolveExisting(ctx, existing, fingerprint)
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	requestID := opts.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}

	e.appendAudit(ctx, requestID, audit.LevelInfo, audit.StageReceive, "envelope received", map[string]any{
		"type":         env.Type,
		"type_version": env.TypeVersion,
		"operation":    string(env.Operation),
	})

	p, err := e.translateEnvelope(ctx, requestID, env)
	if err != nil {
		e.telemetry.IncAdmission(ctx, "error")
		return nil, err
	}

	decision := e.gate.Evaluate(ctx, policy.Input{RequestID: requestID, Envelope: env, Plan: p})
	e.appendAudit(ctx, requestID, audit.LevelInfo, audit.StagePolicy, "policy evaluated", map[string]any{
		"allow":      decision.Allow,
		"violations": len(decision.Violations),
	})
	if !decision.Allow {
		return e.denyRequest(ctx, requestID, env, fingerprint, p, decision)
	}

	status := plan.StatusPlanned
	if env.Operation.Executes() {
		status = plan.StatusQueued
	}

	rec := &store.RequestRecord{
		RequestID:   requestID,
		Envelope:    env,
		Fingerprint: fingerprint,
		Plan:        p,
		Status:      status,
		Violations:  decision.Violations,
		CreatedAt:   e.clock().UTC(),
	}
	if err := e.store.Create(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			// Lost an admission race on the same key: resolve against the
			// record that won.
			winner, gerr := e.store.FindByIdempotencyKey(ctx, env.IdempotencyKey)
			if gerr != nil {
				return nil, err
			}
			return e.resolveExisting(ctx, winner, fingerprint)
		}
		return nil, err
	}
	e.telemetry.IncAdmission(ctx, "accepted")

	if opts.Execute && env.Operation.Executes() {
		return e.executeInline(ctx, rec)
	}
	if status == plan.StatusQueued {
		e.poke()
	}
	return &Outcome{
		RequestID:  requestID,
		Status:     status,
		Plan:       p,
		Violations: decision.Violations,
	}, nil
}

// resolveExisting maps an admission that hit an existing record for the
// same key: replay on fingerprint match, conflict otherwise. A denied
// record replays as a policy denial.
func (e *Engine) resolveExisting(ctx context.Context, rec *store.RequestRecord, fingerprint string) (*Outcome, error) {
	if rec.Fingerprint != fingerprint {
		e.telemetry.IncAdmission(ctx, "conflict")
		return nil, &Error{
			Kind:      KindIdempotencyConflict,
			Message:   "idempotency key already used with a different request",
			RequestID: rec.RequestID,
		}
	}
	if rec.Status == plan.StatusDenied {
		e.telemetry.IncAdmission(ctx, "denied")
		return nil, &Error{
			Kind:       KindPolicyDenied,
			Message:    "request denied by policy",
			RequestID:  rec.RequestID,
			Violations: rec.Violations,
		}
	}
	e.telemetry.IncAdmission(ctx, "replayed")
	e.appendAudit(ctx, rec.RequestID, audit.LevelInfo, audit.StageReceive,
		"envelope received (idempotent replay)", nil)
	return &Outcome{
		RequestID:  rec.RequestID,
		Status:     rec.Status,
		Plan:       rec.Plan,
		Results:    rec.Results,
		Violations: rec.Violations,
		Replayed:   true,
	}, nil
}

// translateEnvelope resolves the translator, runs its optional payload
// validation, and produces a structurally valid plan.
func (e *Engine) translateEnvelope(ctx context.Context, requestID string, env *envelope.Envelope) (*plan.ExecutionPlan, error) {
	translator, ok := e.registry.Translator(env.Type, env.TypeVersion)
	if !ok {
		e.appendAudit(ctx, requestID, audit.LevelError, audit.StageTranslate,
			"no translator registered", map[string]any{
				"type": env.Type, "type_version": env.TypeVersion,
			})
		return nil, errorf(KindNoTranslator,
			"no translator for type %q version %q", env.Type, env.TypeVersion)
	}

	if v, ok := translator.(translate.PayloadValidator); ok {
		if err := v.ValidatePayload(ctx, env.Payload); err != nil {
			e.appendAudit(ctx, requestID, audit.LevelError, audit.StageValidate,
				"payload validation failed", map[string]any{"error": err.Error()})
			return nil, &Error{Kind: KindValidationFailed, Message: "payload validation failed", Err: err}
		}
		e.appendAudit(ctx, requestID, audit.LevelInfo, audit.StageValidate, "payload validated", nil)
	}

	p, err := translator.Translate(ctx, translate.Input{RequestID: requestID, Envelope: env})
	if err != nil {
		e.appendAudit(ctx, requestID, audit.LevelError, audit.StageTranslate,
			"translation failed", map[string]any{"error": err.Error()})
		return nil, &Error{Kind: KindValidationFailed, Message: "translation failed", Err: err}
	}
	if err := plan.Validate(p); err != nil {
		e.appendAudit(ctx, requestID, audit.LevelError, audit.StageTranslate,
			"translated plan is invalid", map[string]any{"error": err.Error()})
		return nil, &Error{Kind: KindInvalidPlan, Message: "translated plan is invalid", Err: err}
	}

	e.appendAudit(ctx, requestID, audit.LevelInfo, audit.StageTranslate, "plan translated", map[string]any{
		"tasks": len(p.Tasks),
	})
	return p, nil
}

// denyRequest persists the denial for executing operations: the record
// is created in the denied terminal status with every task canceled,
// carrying the first violation's message.
func (e *Engine) denyRequest(ctx context.Context, requestID string, env *envelope.Envelope, fingerprint string, p *plan.ExecutionPlan, decision policy.Decision) (*Outcome, error) {
	e.telemetry.IncAdmission(ctx, "denied")

	message := "denied by policy"
	if len(decision.Violations) > 0 {
		message = decision.Violations[0].Message
	}

	denyErr := &Error{
		Kind:       KindPolicyDenied,
		Message:    message,
		RequestID:  requestID,
		Violations: decision.Violations,
	}

	if !env.Operation.Executes() {
		return nil, denyErr
	}

	now := e.clock().UTC()
	results := make([]plan.TaskResult, len(p.Tasks))
	for i, t := range p.Tasks {
		results[i] = plan.TaskResult{
			TaskID:     t.ID,
			Backend:    t.Backend,
			Status:     plan.TaskCanceled,
			Error:      &plan.TaskError{Message: message},
			StartedAt:  &now,
			FinishedAt: &now,
		}
	}

	rec := &store.RequestRecord{
		RequestID:   requestID,
		Envelope:    env,
		Fingerprint: fingerprint,
		Plan:        p,
		Results:     results,
		Status:      plan.StatusDenied,
		Violations:  decision.Violations,
		CreatedAt:   now,
	}
	if err := e.store.Create(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			winner, gerr := e.store.FindByIdempotencyKey(ctx, env.IdempotencyKey)
			if gerr == nil {
				return e.resolveExisting(ctx, winner, fingerprint)
			}
		}
		return nil, err
	}
	e.appendAudit(ctx, requestID, audit.LevelWarn, audit.StagePolicy, "request denied", map[string]any{
		"violations": len(decision.Violations),
	})
	e.maybeArchive(ctx, requestID, plan.StatusDenied)
	return nil, denyErr
}

// executeInline runs the plan synchronously for Execute=true admissions.
func (e *Engine) executeInline(ctx context.Context, rec *store.RequestRecord) (*Outcome, error) {
	unlock := e.LockRecord(rec.RequestID)
	defer unlock()

	results, status, err := e.ExecutePlan(ctx, rec.RequestID, rec.Envelope, rec.Plan, nil)
	if err != nil {
		return nil, err
	}
	if _, err := e.store.Update(ctx, rec.RequestID, store.Patch{
		Results: results,
		Status:  status,
	}); err != nil {
		return nil, err
	}
	e.maybeArchive(ctx, rec.RequestID, status)
	return &Outcome{
		RequestID: rec.RequestID,
		Status:    status,
		Plan:      rec.Plan,
		Results:   results,
	}, nil
}
