package runner

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/rudder/pkg/adapter"
	"github.com/Mindburn-Labs/rudder/pkg/engine"
	"github.com/Mindburn-Labs/rudder/pkg/envelope"
	"github.com/Mindburn-Labs/rudder/pkg/plan"
	"github.com/Mindburn-Labs/rudder/pkg/registry"
	"github.com/Mindburn-Labs/rudder/pkg/store"
	"github.com/Mindburn-Labs/rudder/pkg/translate"
)

// pollableAdapter hands every task to the backend asynchronously and
// answers status polls from a scripted sequence per external id.
type pollableAdapter struct {
	mu       sync.Mutex
	executed []string
	statuses map[string][]plan.TaskStatus // external id -> successive answers
	polls    map[string]int
}

func newPollableAdapter() *pollableAdapter {
	return &pollableAdapter{
		statuses: make(map[string][]plan.TaskStatus),
		polls:    make(map[string]int),
	}
}

func (a *pollableAdapter) script(externalID string, answers ...plan.TaskStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.statuses[externalID] = answers
}

func (a *pollableAdapter) Execute(_ context.Context, task plan.ExecutionTask, _ adapter.Context) (plan.TaskResult, error) {
	a.mu.Lock()
	a.executed = append(a.executed, task.ID)
	a.mu.Unlock()
	return plan.TaskResult{Status: plan.TaskRunning, ExternalID: "job-" + task.ID}, nil
}

func (a *pollableAdapter) CheckStatus(_ context.Context, externalID string, _ adapter.Context) (plan.TaskResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	answers := a.statuses[externalID]
	i := a.polls[externalID]
	a.polls[externalID]++
	if i >= len(answers) {
		return plan.TaskResult{Status: plan.TaskRunning}, nil
	}
	return plan.TaskResult{Status: answers[i]}, nil
}

// countingStore wraps a store and counts Update calls.
type countingStore struct {
	store.Store
	mu      sync.Mutex
	updates int
}

func (c *countingStore) Update(ctx context.Context, requestID string, patch store.Patch) (*store.RequestRecord, error) {
	c.mu.Lock()
	c.updates++
	c.mu.Unlock()
	return c.Store.Update(ctx, requestID, patch)
}

func (c *countingStore) updateCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updates
}

type rig struct {
	engine *engine.Engine
	runner *Runner
	store  *countingStore
}

func newRig(t *testing.T, p *plan.ExecutionPlan, adapters map[string]adapter.Adapter) *rig {
	t.Helper()
	reg := registry.New()
	reg.RegisterTranslator("test.deploy", "1.0.0",
		translate.Func(func(context.Context, translate.Input) (*plan.ExecutionPlan, error) {
			return p, nil
		}))
	for name, a := range adapters {
		reg.RegisterAdapter(name, a)
	}
	st := &countingStore{Store: store.NewMemory()}
	eng := engine.New(engine.Options{Registry: reg, Store: st})
	run := New(Options{Engine: eng, Store: st, Registry: reg})
	eng.SetWaker(run)
	return &rig{engine: eng, runner: run, store: st}
}

func admit(t *testing.T, r *rig, key string, execute bool) *engine.Outcome {
	t.Helper()
	env := &envelope.Envelope{
		APIVersion:     envelope.APIVersion,
		Type:           "test.deploy",
		TypeVersion:    "1.0.0",
		Operation:      envelope.OpApply,
		IdempotencyKey: key,
		Payload:        json.RawMessage(`{"name":"web"}`),
	}
	out, err := r.engine.Handle(context.Background(), env, engine.HandleOptions{Execute: execute})
	require.NoError(t, err)
	return out
}

func singleTaskPlan() *plan.ExecutionPlan {
	return &plan.ExecutionPlan{Tasks: []plan.ExecutionTask{
		{ID: "a", Backend: "compute", Action: "deploy"},
	}}
}

// TestTick_DrainsQueued: a queued request is picked up by the next tick
// and driven to a terminal status.
func TestTick_DrainsQueued(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, singleTaskPlan(), map[string]adapter.Adapter{"compute": &syncAdapter{}})

	out := admit(t, r, "key-1", false)
	assert.Equal(t, plan.StatusQueued, out.Status)

	r.runner.Tick(ctx)

	rec, err := r.store.Get(ctx, out.RequestID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusExecuted, rec.Status)
	require.Len(t, rec.Results, 1)
	assert.Equal(t, plan.TaskSucceeded, rec.Results[0].Status)
}

// syncAdapter finishes every task immediately.
type syncAdapter struct{}

func (syncAdapter) Execute(_ context.Context, _ plan.ExecutionTask, _ adapter.Context) (plan.TaskResult, error) {
	return plan.TaskResult{Status: plan.TaskSucceeded}, nil
}

// TestTick_DrainIsFIFO: older queued requests are started before newer
// ones when the batch is smaller than the backlog.
func TestTick_DrainIsFIFO(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, singleTaskPlan(), map[string]adapter.Adapter{"compute": &syncAdapter{}})
	r.runner.drainBatch = 1

	first := admit(t, r, "key-1", false)
	second := admit(t, r, "key-2", false)

	r.runner.Tick(ctx)

	rec1, err := r.store.Get(ctx, first.RequestID)
	require.NoError(t, err)
	rec2, err := r.store.Get(ctx, second.RequestID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusExecuted, rec1.Status)
	assert.Equal(t, plan.StatusQueued, rec2.Status)
}

// TestTick_ConvergesByPolling: a running async task is polled until the
// backend reports a terminal status, then the request rolls up.
func TestTick_ConvergesByPolling(t *testing.T) {
	ctx := context.Background()
	async := newPollableAdapter()
	async.script("job-a", plan.TaskRunning, plan.TaskSucceeded)
	r := newRig(t, singleTaskPlan(), map[string]adapter.Adapter{"compute": async})

	out := admit(t, r, "key-1", true)
	assert.Equal(t, plan.StatusRunning, out.Status)

	// First poll still running, second one succeeds.
	r.runner.Tick(ctx)
	rec, err := r.store.Get(ctx, out.RequestID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusRunning, rec.Status)

	r.runner.Tick(ctx)
	rec, err = r.store.Get(ctx, out.RequestID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusExecuted, rec.Status)
	assert.Equal(t, plan.TaskSucceeded, rec.Results[0].Status)
}

// TestTick_PolledFailureCancelsDownstream: a polled failure fails the
// task and cancels its dependents in the same commit.
func TestTick_PolledFailureCancelsDownstream(t *testing.T) {
	ctx := context.Background()
	async := newPollableAdapter()
	async.script("job-a", plan.TaskFailed)
	chain := &plan.ExecutionPlan{Tasks: []plan.ExecutionTask{
		{ID: "a", Backend: "compute", Action: "deploy"},
		{ID: "b", Backend: "compute", Action: "deploy", DependsOn: []string{"a"}},
	}}
	r := newRig(t, chain, map[string]adapter.Adapter{"compute": async})

	out := admit(t, r, "key-1", true)
	r.runner.Tick(ctx)

	rec, err := r.store.Get(ctx, out.RequestID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusFailed, rec.Status)
	assert.Equal(t, plan.TaskFailed, rec.Results[0].Status)
	assert.Equal(t, plan.TaskCanceled, rec.Results[1].Status)
}

// TestTick_UnchangedPassDoesNotRewrite: a converge pass that learned
// nothing new leaves the record untouched.
func TestTick_UnchangedPassDoesNotRewrite(t *testing.T) {
	ctx := context.Background()
	async := newPollableAdapter() // always answers running
	r := newRig(t, singleTaskPlan(), map[string]adapter.Adapter{"compute": async})

	out := admit(t, r, "key-1", true)
	require.Equal(t, plan.StatusRunning, out.Status)

	before := r.store.updateCount()
	r.runner.Tick(ctx)
	assert.Equal(t, before, r.store.updateCount())
}

// TestTick_NonReentrant: a tick that arrives while one is in progress
// returns immediately instead of stacking.
func TestTick_NonReentrant(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	blocking := &blockingAdapter{entered: entered, release: release}
	r := newRig(t, singleTaskPlan(), map[string]adapter.Adapter{"compute": blocking})

	admit(t, r, "key-1", false)

	go r.runner.Tick(ctx)
	<-entered

	// Second tick must bail out while the first holds the busy flag.
	done := make(chan struct{})
	go func() {
		r.runner.Tick(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("concurrent tick did not return immediately")
	}
	close(release)

	assert.Equal(t, 1, blocking.count())
}

type blockingAdapter struct {
	entered chan struct{}
	release chan struct{}
	mu      sync.Mutex
	calls   int
}

func (b *blockingAdapter) Execute(_ context.Context, _ plan.ExecutionTask, _ adapter.Context) (plan.TaskResult, error) {
	b.mu.Lock()
	b.calls++
	first := b.calls == 1
	b.mu.Unlock()
	if first {
		close(b.entered)
		<-b.release
	}
	return plan.TaskResult{Status: plan.TaskSucceeded}, nil
}

func (b *blockingAdapter) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// TestPoke_Coalesces: any number of pokes collapses into one pending
// wake-up and never blocks the caller.
func TestPoke_Coalesces(t *testing.T) {
	r := newRig(t, singleTaskPlan(), map[string]adapter.Adapter{"compute": &syncAdapter{}})
	for i := 0; i < 100; i++ {
		r.runner.Poke()
	}
	assert.Len(t, r.runner.wake, 1)
}
