package engine

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/Mindburn-Labs/rudder/pkg/adapter"
	"github.com/Mindburn-Labs/rudder/pkg/audit"
	"github.com/Mindburn-Labs/rudder/pkg/plan"
	"github.com/Mindburn-Labs/rudder/pkg/store"
)

// CallbackBody is the document an async backend posts when a job it
// accepted earlier changes state. ExternalID is the id the adapter
// returned at submission; Status is the backend's vocabulary and is
// normalized on ingestion.
type CallbackBody struct {
	ExternalID string          `json:"external_id"`
	Status     string          `json:"status"`
	Output     map[string]any  `json:"output,omitempty"`
	Error      *plan.TaskError `json:"error,omitempty"`
}

// CallbackOutcome reports where a callback landed.
type CallbackOutcome struct {
	RequestID string          `json:"request_id"`
	TaskID    string          `json:"task_id"`
	Status    plan.TaskStatus `json:"status"`
}

// IngestCallback folds a backend callback into the task it targets. The
// external id resolves through the store index; the fold happens under
// the record lock so it never races the runner. A callback for a task
// that is already terminal is dropped idempotently, returning the
// settled status.
func (e *Engine) IngestCallback(ctx context.Context, backend string, body []byte) (*CallbackOutcome, error) {
	start := e.clock()
	defer func() { e.telemetry.ObserveCallback(ctx, e.clock().Sub(start)) }()

	var cb CallbackBody
	if err := json.Unmarshal(body, &cb); err != nil {
		e.telemetry.IncCallback(ctx, "rejected")
		return nil, &Error{Kind: KindCallbackInvalid, Message: "callback body is not valid JSON", Err: err}
	}
	if cb.ExternalID == "" {
		e.telemetry.IncCallback(ctx, "rejected")
		return nil, errorf(KindCallbackInvalid, "callback is missing external_id")
	}

	ref, err := e.store.FindTaskByExternalID(ctx, backend, cb.ExternalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.telemetry.IncCallback(ctx, "rejected")
			return nil, errorf(KindUnknownExternalID,
				"no task known for backend %q external id %q", backend, cb.ExternalID)
		}
		return nil, err
	}

	unlock := e.LockRecord(ref.RequestID)
	defer unlock()

	rec, err := e.store.Get(ctx, ref.RequestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.telemetry.IncCallback(ctx, "rejected")
			return nil, &Error{
				Kind:      KindRequestGone,
				Message:   "request for callback no longer exists",
				RequestID: ref.RequestID,
			}
		}
		return nil, err
	}

	idx := -1
	for i := range rec.Results {
		if rec.Results[i].TaskID == ref.TaskID {
			idx = i
			break
		}
	}
	if idx < 0 {
		e.telemetry.IncCallback(ctx, "rejected")
		return nil, errorf(KindUnknownExternalID,
			"task %q is indexed but has no result", ref.TaskID)
	}

	r := &rec.Results[idx]
	if r.Status.Terminal() {
		e.telemetry.IncCallback(ctx, "dropped")
		e.appendAudit(ctx, rec.RequestID, audit.LevelInfo, audit.StageCallback,
			"late callback dropped", map[string]any{
				"task_id":     ref.TaskID,
				"backend":     backend,
				"external_id": cb.ExternalID,
				"settled":     string(r.Status),
			})
		return &CallbackOutcome{RequestID: rec.RequestID, TaskID: ref.TaskID, Status: r.Status}, nil
	}

	status := adapter.NormalizeStatus(cb.Status)
	r.Status = status
	if cb.Output != nil {
		r.Output = cb.Output
	}
	if cb.Error != nil {
		r.Error = cb.Error
	}
	if status.Terminal() {
		now := e.clock().UTC()
		r.FinishedAt = &now
		if status == plan.TaskFailed && r.Error == nil {
			r.Error = &plan.TaskError{Message: "backend reported failure"}
		}
		e.telemetry.IncTask(ctx, string(status))
	}

	// A failed or canceled task drags its dependents down immediately;
	// the runner would get there anyway, but the record should roll up
	// consistently the moment the callback commits.
	if status == plan.TaskFailed || status == plan.TaskCanceled {
		if order, terr := plan.TopoSort(rec.Plan); terr == nil {
			byID := make(map[string]*plan.TaskResult, len(rec.Results))
			for i := range rec.Results {
				byID[rec.Results[i].TaskID] = &rec.Results[i]
			}
			e.sweepCancellations(ctx, rec.RequestID, order, byID)
		}
	}

	rolled := plan.Rollup(rec.Plan, rec.Results)
	if _, err := e.store.Update(ctx, rec.RequestID, store.Patch{
		Results: rec.Results,
		Status:  rolled,
	}); err != nil {
		return nil, err
	}

	e.telemetry.IncCallback(ctx, "applied")
	e.appendAudit(ctx, rec.RequestID, audit.LevelInfo, audit.StageCallback,
		"callback applied", map[string]any{
			"task_id":     ref.TaskID,
			"backend":     backend,
			"external_id": cb.ExternalID,
			"status":      string(status),
		})
	e.maybeArchive(ctx, rec.RequestID, rolled)
	if !rolled.Terminal() {
		e.poke()
	}
	return &CallbackOutcome{RequestID: rec.RequestID, TaskID: ref.TaskID, Status: status}, nil
}
