// Package adapter defines the contract between the engine and backend
// integrations. An adapter executes one task against one backend; it may
// finish synchronously with a terminal status or return a running result
// carrying an external id that the runner later polls or a callback
// completes.
package adapter

import (
	"context"
	"log/slog"

	"github.com/Mindburn-Labs/rudder/pkg/plan"
)

// Context is the per-invocation environment handed to an adapter:
// backend configuration and secrets resolved by a ContextProvider, plus
// a logger scoped to the request.
type Context struct {
	RequestID string
	Task      plan.ExecutionTask
	Config    map[string]any
	Secrets   map[string]string
	Logger    *slog.Logger
}

// Log returns the context logger, falling back to the default logger so
// adapters never have to nil-check.
func (c Context) Log() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// ConfigString reads a string value from the backend configuration.
func (c Context) ConfigString(key string) (string, bool) {
	v, ok := c.Config[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Adapter executes a single task. The returned result may leave status
// fields unset; the engine normalizes task id, backend, and timestamps.
// A returned error marks the task failed.
type Adapter interface {
	Execute(ctx context.Context, task plan.ExecutionTask, actx Context) (plan.TaskResult, error)
}

// StatusChecker is the optional polling capability. The runner calls it
// for tasks that are still running or queued and carry an external id.
type StatusChecker interface {
	CheckStatus(ctx context.Context, externalID string, actx Context) (plan.TaskResult, error)
}

// ContextProvider assembles the adapter context for one task. Provider
// failure must not abort the task; the engine logs it and invokes the
// adapter with a minimal context.
type ContextProvider interface {
	Build(ctx context.Context, requestID string, task plan.ExecutionTask) (Context, error)
}

// NormalizeStatus maps the loosely-typed status strings backends report
// to task statuses. Unrecognized values stay running, which keeps the
// task eligible for the next poll instead of wedging it.
func NormalizeStatus(s string) plan.TaskStatus {
	switch s {
	case "succeeded", "success", "done", "completed", "complete", "ok":
		return plan.TaskSucceeded
	case "failed", "failure", "error":
		return plan.TaskFailed
	case "canceled", "cancelled", "aborted":
		return plan.TaskCanceled
	case "queued", "pending", "waiting":
		return plan.TaskQueued
	default:
		return plan.TaskRunning
	}
}
