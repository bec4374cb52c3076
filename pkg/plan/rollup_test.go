package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func result(id string, status TaskStatus) TaskResult {
	return TaskResult{TaskID: id, Backend: "test", Status: status}
}

// TestRollup_Table walks the roll-up law: failure dominates, full success
// executes, pending work runs, and an empty plan is executed.
func TestRollup_Table(t *testing.T) {
	two := &ExecutionPlan{Tasks: []ExecutionTask{task("a"), task("b")}}

	cases := []struct {
		name    string
		plan    *ExecutionPlan
		results []TaskResult
		want    RequestStatus
	}{
		{
			name: "empty plan",
			plan: &ExecutionPlan{},
			want: StatusExecuted,
		},
		{
			name:    "all succeeded",
			plan:    two,
			results: []TaskResult{result("a", TaskSucceeded), result("b", TaskSucceeded)},
			want:    StatusExecuted,
		},
		{
			name:    "one failed dominates",
			plan:    two,
			results: []TaskResult{result("a", TaskSucceeded), result("b", TaskFailed)},
			want:    StatusFailed,
		},
		{
			name:    "canceled counts as failure",
			plan:    two,
			results: []TaskResult{result("a", TaskCanceled), result("b", TaskQueued)},
			want:    StatusFailed,
		},
		{
			name:    "running keeps the request running",
			plan:    two,
			results: []TaskResult{result("a", TaskSucceeded), result("b", TaskRunning)},
			want:    StatusRunning,
		},
		{
			name:    "queued keeps the request running",
			plan:    two,
			results: []TaskResult{result("a", TaskQueued), result("b", TaskQueued)},
			want:    StatusRunning,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Rollup(tc.plan, tc.results))
		})
	}
}

// TestRollup_FailureBeatsPending verifies the precedence between a failed
// result and still-pending ones: failed wins no matter the order.
func TestRollup_FailureBeatsPending(t *testing.T) {
	p := &ExecutionPlan{Tasks: []ExecutionTask{task("a"), task("b"), task("c")}}
	results := []TaskResult{
		result("a", TaskRunning),
		result("b", TaskFailed),
		result("c", TaskQueued),
	}
	assert.Equal(t, StatusFailed, Rollup(p, results))
}

// TestResultsDigest_StableUnderOrder verifies the digest ignores result
// ordering, so the runner's change detection does not fire on reorders.
func TestResultsDigest_StableUnderOrder(t *testing.T) {
	a := result("a", TaskSucceeded)
	b := result("b", TaskRunning)

	d1, err := ResultsDigest([]TaskResult{a, b}, StatusRunning)
	require.NoError(t, err)
	d2, err := ResultsDigest([]TaskResult{b, a}, StatusRunning)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}

// TestResultsDigest_ChangesOnStatus verifies any status movement changes
// the digest.
func TestResultsDigest_ChangesOnStatus(t *testing.T) {
	before, err := ResultsDigest([]TaskResult{result("a", TaskRunning)}, StatusRunning)
	require.NoError(t, err)
	after, err := ResultsDigest([]TaskResult{result("a", TaskSucceeded)}, StatusExecuted)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
}
