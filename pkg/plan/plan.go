// Package plan defines the backend-neutral execution plan produced by
// translators: a DAG of tasks, per-task results, and the status roll-up
// that derives a request-level status from them.
package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// TaskStatus is the lifecycle state of a single task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskCanceled  TaskStatus = "canceled"
)

// Terminal reports whether the status can never change again.
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskCanceled
}

// Valid reports whether s is one of the recognized task statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskQueued, TaskRunning, TaskSucceeded, TaskFailed, TaskCanceled:
		return true
	}
	return false
}

// RequestStatus is the request-level state derived from task results.
type RequestStatus string

const (
	StatusPlanned  RequestStatus = "planned"
	StatusQueued   RequestStatus = "queued"
	StatusRunning  RequestStatus = "running"
	StatusExecuted RequestStatus = "executed"
	StatusFailed   RequestStatus = "failed"
	StatusDenied   RequestStatus = "denied"
)

// Terminal reports whether the request can never change state again.
func (s RequestStatus) Terminal() bool {
	return s == StatusExecuted || s == StatusFailed || s == StatusDenied
}

// ExecutionTask is one unit of work bound to one backend.
// Action is opaque to the engine; the adapter interprets it.
type ExecutionTask struct {
	ID        string         `json:"id"`
	Backend   string         `json:"backend"`
	Action    string         `json:"action"`
	Input     map[string]any `json:"input,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty"`
}

// ExecutionPlan is an ordered set of tasks whose depends_on relation
// forms a DAG. Immutable from the moment it is stored.
type ExecutionPlan struct {
	Tasks []ExecutionTask `json:"tasks"`
}

// Task returns the task with the given id, if present.
func (p *ExecutionPlan) Task(id string) (ExecutionTask, bool) {
	for _, t := range p.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return ExecutionTask{}, false
}

// TaskError carries the failure detail attached to a task result.
type TaskError struct {
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// TaskResult is the observed outcome of one task. ExternalID correlates
// the task with a backend-side job for polling and callbacks.
type TaskResult struct {
	TaskID     string         `json:"task_id"`
	Backend    string         `json:"backend"`
	Status     TaskStatus     `json:"status"`
	ExternalID string         `json:"external_id,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	Error      *TaskError     `json:"error,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// TaskID derives a stable task identifier from the coordinates that make
// the task unique within a request. Translators use it so that repeated
// translation of the same envelope yields the same ids.
func TaskID(requestID, intentType, typeVersion, backend, action, discriminator string) string {
	h := sha256.Sum256([]byte(strings.Join(
		[]string{requestID, intentType, typeVersion, backend, action, discriminator},
		"\n",
	)))
	return hex.EncodeToString(h[:])[:16]
}
