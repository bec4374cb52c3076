package adapter

import (
	"context"

	"github.com/Mindburn-Labs/rudder/pkg/plan"
)

// Echo is the built-in synchronous adapter: it succeeds immediately and
// reflects the task input back as output. Useful for wiring checks and as
// the default backend in development configs.
type Echo struct{}

func NewEcho() *Echo { return &Echo{} }

func (e *Echo) Execute(_ context.Context, task plan.ExecutionTask, _ Context) (plan.TaskResult, error) {
	out := map[string]any{"action": task.Action}
	if len(task.Input) > 0 {
		out["echo"] = task.Input
	}
	return plan.TaskResult{Status: plan.TaskSucceeded, Output: out}, nil
}
