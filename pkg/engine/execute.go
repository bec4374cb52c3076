package engine

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/rudder/pkg/adapter"
	"github.com/Mindburn-Labs/rudder/pkg/audit"
	"github.com/Mindburn-Labs/rudder/pkg/envelope"
	"github.com/Mindburn-Labs/rudder/pkg/plan"
)

// ExecutePlan drives the plan as far as it can go in one pass: tasks in
// dependency order, each runnable task executed through its adapter,
// failures propagated as cancellations to everything downstream. Tasks
// whose results are already terminal are left alone, and tasks reported
// running (an async backend holds them) are skipped so the poller or a
// callback can finish them. The returned results cover every plan task,
// in dependency order, and the status is the roll-up over them.
//
// Callers must hold the record lock; ExecutePlan itself does not touch
// the store.
func (e *Engine) ExecutePlan(ctx context.Context, requestID string, env *envelope.Envelope, p *plan.ExecutionPlan, existing []plan.TaskResult) ([]plan.TaskResult, plan.RequestStatus, error) {
	start := e.clock()
	ctx, span := e.telemetry.StartSpan(ctx, "engine.execute")
	defer span.End()
	defer func() { e.telemetry.ObserveExecution(ctx, e.clock().Sub(start)) }()

	order, err := plan.TopoSort(p)
	if err != nil {
		return nil, "", &Error{Kind: KindInvalidPlan, Message: "plan is not executable", RequestID: requestID, Err: err}
	}

	byID := e.seedResults(ctx, requestID, p, existing)
	e.sweepCancellations(ctx, requestID, order, byID)

	for _, t := range order {
		if ctx.Err() != nil {
			break
		}
		r := byID[t.ID]
		if r.Status.Terminal() || r.Status == plan.TaskRunning {
			continue
		}
		ready := true
		for _, dep := range t.DependsOn {
			if byID[dep].Status != plan.TaskSucceeded {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}

		e.runTask(ctx, requestID, env, t, r)
		if r.Status == plan.TaskFailed {
			break
		}
	}

	e.sweepCancellations(ctx, requestID, order, byID)

	results := make([]plan.TaskResult, 0, len(order))
	for _, t := range order {
		results = append(results, *byID[t.ID])
	}
	return results, plan.Rollup(p, results), nil
}

// seedResults maps existing results by task id, dropping results that no
// longer match a plan task, and materializes a queued result for every
// task that has none yet. Every plan task has exactly one result from
// here on.
func (e *Engine) seedResults(ctx context.Context, requestID string, p *plan.ExecutionPlan, existing []plan.TaskResult) map[string]*plan.TaskResult {
	byID := make(map[string]*plan.TaskResult, len(p.Tasks))
	for _, r := range existing {
		if _, ok := p.Task(r.TaskID); !ok {
			e.appendAudit(ctx, requestID, audit.LevelWarn, audit.StageExecute,
				"dropping result for task not in plan", map[string]any{"task_id": r.TaskID})
			continue
		}
		r := r
		byID[r.TaskID] = &r
	}
	for _, t := range p.Tasks {
		if _, ok := byID[t.ID]; !ok {
			byID[t.ID] = &plan.TaskResult{
				TaskID:  t.ID,
				Backend: t.Backend,
				Status:  plan.TaskQueued,
			}
		}
	}
	return byID
}

// sweepCancellations cancels every non-terminal task that depends on a
// failed or canceled task. A single pass in dependency order propagates
// transitively.
func (e *Engine) sweepCancellations(ctx context.Context, requestID string, order []plan.ExecutionTask, byID map[string]*plan.TaskResult) {
	for _, t := range order {
		r := byID[t.ID]
		if r.Status.Terminal() {
			continue
		}
		for _, dep := range t.DependsOn {
			d := byID[dep]
			if d == nil || (d.Status != plan.TaskFailed && d.Status != plan.TaskCanceled) {
				continue
			}
			now := e.clock().UTC()
			r.Status = plan.TaskCanceled
			r.Error = &plan.TaskError{Message: "canceled due to failed dependency " + dep}
			if r.StartedAt == nil {
				r.StartedAt = &now
			}
			r.FinishedAt = &now
			e.telemetry.IncTask(ctx, string(plan.TaskCanceled))
			e.appendAudit(ctx, requestID, audit.LevelWarn, audit.StageExecute,
				"task canceled", map[string]any{
					"task_id":    t.ID,
					"backend":    t.Backend,
					"depends_on": dep,
				})
			break
		}
	}
}

// runTask invokes the adapter for one task and folds its result into r.
// An adapter error or a missing adapter marks the task failed; a
// provider failure is logged and the adapter runs with a minimal
// context.
func (e *Engine) runTask(ctx context.Context, requestID string, env *envelope.Envelope, t plan.ExecutionTask, r *plan.TaskResult) {
	started := e.clock().UTC()
	r.StartedAt = &started
	r.Status = plan.TaskRunning

	a, ok := e.registry.Adapter(t.Backend)
	if !ok {
		finished := e.clock().UTC()
		r.Status = plan.TaskFailed
		r.Error = &plan.TaskError{Message: fmt.Sprintf("no adapter registered for backend %q", t.Backend)}
		r.FinishedAt = &finished
		e.telemetry.IncTask(ctx, string(plan.TaskFailed))
		e.appendAudit(ctx, requestID, audit.LevelError, audit.StageExecute,
			"no adapter for task", map[string]any{"task_id": t.ID, "backend": t.Backend})
		return
	}

	e.appendAudit(ctx, requestID, audit.LevelInfo, audit.StageExecute, "task started", map[string]any{
		"task_id": t.ID,
		"backend": t.Backend,
		"action":  t.Action,
	})

	actx := adapter.Context{
		RequestID: requestID,
		Task:      t,
		Logger:    e.logger.With("request_id", requestID, "task_id", t.ID, "backend", t.Backend),
	}
	if e.provider != nil {
		built, err := e.provider.Build(ctx, requestID, t)
		if err != nil {
			e.appendAudit(ctx, requestID, audit.LevelWarn, audit.StageExecute,
				"adapter context unavailable", map[string]any{
					"task_id": t.ID, "backend": t.Backend, "error": err.Error(),
				})
		} else {
			built.Logger = actx.Logger
			actx = built
		}
	}

	res, err := a.Execute(ctx, t, actx)
	if err != nil {
		finished := e.clock().UTC()
		r.Status = plan.TaskFailed
		r.Error = &plan.TaskError{Message: err.Error()}
		r.FinishedAt = &finished
	} else {
		e.foldResult(r, res)
	}

	if r.Status.Terminal() {
		e.telemetry.IncTask(ctx, string(r.Status))
	}
	level := audit.LevelInfo
	if r.Status == plan.TaskFailed {
		level = audit.LevelError
	}
	data := map[string]any{
		"task_id": t.ID,
		"backend": t.Backend,
		"status":  string(r.Status),
	}
	if r.ExternalID != "" {
		data["external_id"] = r.ExternalID
	}
	if r.Error != nil {
		data["error"] = r.Error.Message
	}
	e.appendAudit(ctx, requestID, level, audit.StageExecute, "task finished", data)

	if env != nil {
		e.logger.DebugContext(ctx, "task executed",
			"request_id", requestID, "type", env.Type, "task_id", t.ID, "status", string(r.Status))
	}
}

// foldResult normalizes an adapter result onto the tracked one. The
// adapter owns status, external id, output, and error; the engine owns
// identity and timestamps.
func (e *Engine) foldResult(r *plan.TaskResult, res plan.TaskResult) {
	switch {
	case res.Status == "":
		r.Status = plan.TaskSucceeded
	case res.Status.Valid():
		r.Status = res.Status
	default:
		r.Status = plan.TaskFailed
		r.Error = &plan.TaskError{Message: fmt.Sprintf("adapter returned unknown status %q", res.Status)}
	}
	if res.ExternalID != "" {
		r.ExternalID = res.ExternalID
	}
	if res.Output != nil {
		r.Output = res.Output
	}
	if res.Error != nil {
		r.Error = res.Error
	}
	if res.StartedAt != nil {
		r.StartedAt = res.StartedAt
	}
	if r.Status.Terminal() {
		if res.FinishedAt != nil {
			r.FinishedAt = res.FinishedAt
		} else {
			now := e.clock().UTC()
			r.FinishedAt = &now
		}
	}
}
