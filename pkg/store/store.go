// Package store persists request records and their secondary indexes:
// idempotency key to record and (backend, external_id) to task. The
// memory, SQLite, and Postgres implementations satisfy the same contract
// and are interchangeable behind the Store interface.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Mindburn-Labs/rudder/pkg/envelope"
	"github.com/Mindburn-Labs/rudder/pkg/plan"
	"github.com/Mindburn-Labs/rudder/pkg/policy"
)

var (
	// ErrNotFound reports a missing record or external reference.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateKey reports an idempotency key already held by a live
	// record.
	ErrDuplicateKey = errors.New("idempotency key already exists")
)

// RequestRecord is the durable state of one admitted request. The
// envelope and fingerprint never change after creation; plan, results,
// and status are mutated only through Update.
type RequestRecord struct {
	RequestID   string              `json:"request_id"`
	Envelope    *envelope.Envelope  `json:"envelope"`
	Fingerprint string              `json:"fingerprint"`
	Plan        *plan.ExecutionPlan `json:"plan,omitempty"`
	Results     []plan.TaskResult   `json:"results,omitempty"`
	Status      plan.RequestStatus  `json:"status"`
	Violations  []policy.Violation  `json:"violations,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// Patch is a partial update. Nil (or empty, for Status) fields leave the
// stored value unchanged. Results, when set, is the full result slice;
// the store rebuilds the external-id index from it.
type Patch struct {
	Plan       *plan.ExecutionPlan
	Results    []plan.TaskResult
	Status     plan.RequestStatus
	Violations []policy.Violation
}

// TaskRef locates one task inside one request.
type TaskRef struct {
	RequestID string `json:"request_id"`
	TaskID    string `json:"task_id"`
}

// Store is the request store contract. Implementations must apply every
// operation atomically: a concurrent reader never observes a partial
// patch, and the external-id index is rebuilt inside the same critical
// section or transaction as the record write.
type Store interface {
	// Create inserts a new record. ErrDuplicateKey when the idempotency
	// key is already held by a live record.
	Create(ctx context.Context, rec *RequestRecord) error
	// Update applies a patch and returns the updated record.
	Update(ctx context.Context, requestID string, patch Patch) (*RequestRecord, error)
	// Get loads a record by request id.
	Get(ctx context.Context, requestID string) (*RequestRecord, error)
	// FindByIdempotencyKey loads the record holding the key.
	FindByIdempotencyKey(ctx context.Context, key string) (*RequestRecord, error)
	// ListByStatus returns up to limit records in any of the given
	// statuses, ascending by created_at.
	ListByStatus(ctx context.Context, statuses []plan.RequestStatus, limit int) ([]*RequestRecord, error)
	// FindTaskByExternalID resolves a backend-side identifier to the task
	// that produced it.
	FindTaskByExternalID(ctx context.Context, backend, externalID string) (TaskRef, error)
}

// Clone returns a deep copy of the record so callers can mutate results
// without aliasing store-held state.
func (r *RequestRecord) Clone() *RequestRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.Envelope != nil {
		env := *r.Envelope
		out.Envelope = &env
	}
	if r.Plan != nil {
		p := plan.ExecutionPlan{Tasks: make([]plan.ExecutionTask, len(r.Plan.Tasks))}
		copy(p.Tasks, r.Plan.Tasks)
		out.Plan = &p
	}
	if r.Results != nil {
		out.Results = make([]plan.TaskResult, len(r.Results))
		copy(out.Results, r.Results)
	}
	if r.Violations != nil {
		out.Violations = make([]policy.Violation, len(r.Violations))
		copy(out.Violations, r.Violations)
	}
	return &out
}
