// Package runner is the background loop that moves requests forward:
// it drains queued requests into execution and converges running ones
// by polling async backends. One tick runs at a time; overlapping
// triggers collapse into the running tick.
package runner

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Mindburn-Labs/rudder/pkg/adapter"
	"github.com/Mindburn-Labs/rudder/pkg/engine"
	"github.com/Mindburn-Labs/rudder/pkg/plan"
	"github.com/Mindburn-Labs/rudder/pkg/registry"
	"github.com/Mindburn-Labs/rudder/pkg/store"
	"github.com/Mindburn-Labs/rudder/pkg/telemetry"
)

const (
	// DefaultInterval is the tick period when none is configured.
	DefaultInterval = time.Second
	// defaultDrainBatch bounds how many queued requests one tick starts.
	defaultDrainBatch = 5
	// defaultConvergeBatch bounds how many running requests one tick
	// polls.
	defaultConvergeBatch = 50
)

// Options configures the runner.
type Options struct {
	Engine    *engine.Engine
	Store     store.Store
	Registry  *registry.Registry
	Provider  adapter.ContextProvider
	Telemetry *telemetry.Provider
	Logger    *slog.Logger

	Interval      time.Duration
	DrainBatch    int
	ConvergeBatch int
	Clock         func() time.Time
}

// Runner owns the tick loop. Poke wakes it early; the busy flag makes
// ticks non-reentrant, so a poke during a tick schedules at most one
// follow-up.
type Runner struct {
	engine    *engine.Engine
	store     store.Store
	registry  *registry.Registry
	provider  adapter.ContextProvider
	telemetry *telemetry.Provider
	logger    *slog.Logger
	clock     func() time.Time

	interval      time.Duration
	drainBatch    int
	convergeBatch int

	busy atomic.Bool
	wake chan struct{}
	done chan struct{}
}

// New creates a runner. Engine, Store, and Registry are required.
func New(opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	drain := opts.DrainBatch
	if drain <= 0 {
		drain = defaultDrainBatch
	}
	converge := opts.ConvergeBatch
	if converge <= 0 {
		converge = defaultConvergeBatch
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Runner{
		engine:        opts.Engine,
		store:         opts.Store,
		registry:      opts.Registry,
		provider:      opts.Provider,
		telemetry:     opts.Telemetry,
		logger:        logger.With("component", "runner"),
		clock:         clock,
		interval:      interval,
		drainBatch:    drain,
		convergeBatch: converge,
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// Poke requests an early tick. Non-blocking; pokes coalesce.
func (r *Runner) Poke() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Start runs the loop until ctx is canceled.
func (r *Runner) Start(ctx context.Context) {
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		r.logger.InfoContext(ctx, "runner started", "interval", r.interval.String())
		for {
			select {
			case <-ctx.Done():
				r.logger.Info("runner stopped")
				return
			case <-ticker.C:
			case <-r.wake:
			}
			r.Tick(ctx)
		}
	}()
}

// Wait blocks until the loop has exited after Start's context was
// canceled.
func (r *Runner) Wait() { <-r.done }

// Tick performs one drain-and-converge pass. Re-entrant calls return
// immediately.
func (r *Runner) Tick(ctx context.Context) {
	if !r.busy.CompareAndSwap(false, true) {
		return
	}
	defer r.busy.Store(false)

	start := r.clock()
	r.drain(ctx)
	r.converge(ctx)
	r.telemetry.IncTick(ctx)
	r.telemetry.ObserveTick(ctx, r.clock().Sub(start))
}

// drain starts execution of queued requests, oldest first.
func (r *Runner) drain(ctx context.Context) {
	queued, err := r.store.ListByStatus(ctx, []plan.RequestStatus{plan.StatusQueued}, r.drainBatch)
	if err != nil {
		r.logger.ErrorContext(ctx, "list queued requests failed", "error", err)
		return
	}
	for _, rec := range queued {
		if ctx.Err() != nil {
			return
		}
		r.drainOne(ctx, rec.RequestID)
	}
}

func (r *Runner) drainOne(ctx context.Context, requestID string) {
	unlock := r.engine.LockRecord(requestID)
	defer unlock()

	rec, err := r.store.Get(ctx, requestID)
	if err != nil {
		r.logger.ErrorContext(ctx, "load queued request failed", "request_id", requestID, "error", err)
		return
	}
	if rec.Status != plan.StatusQueued {
		return
	}

	// Visible as running before the first adapter call, so a reader
	// never sees a queued request with half its tasks finished.
	if _, err := r.store.Update(ctx, requestID, store.Patch{Status: plan.StatusRunning}); err != nil {
		r.logger.ErrorContext(ctx, "mark running failed", "request_id", requestID, "error", err)
		return
	}

	results, status, err := r.engine.ExecutePlan(ctx, requestID, rec.Envelope, rec.Plan, rec.Results)
	if err != nil {
		r.logger.ErrorContext(ctx, "plan execution failed", "request_id", requestID, "error", err)
		if _, uerr := r.store.Update(ctx, requestID, store.Patch{Status: plan.StatusFailed}); uerr != nil {
			r.logger.ErrorContext(ctx, "mark failed failed", "request_id", requestID, "error", uerr)
		}
		return
	}
	if _, err := r.store.Update(ctx, requestID, store.Patch{Results: results, Status: status}); err != nil {
		r.logger.ErrorContext(ctx, "persist execution failed", "request_id", requestID, "error", err)
	}
}

// converge polls pending async tasks of running requests and resumes
// whatever the fresh statuses unblock. The record is rewritten only
// when the pass actually changed something.
func (r *Runner) converge(ctx context.Context) {
	running, err := r.store.ListByStatus(ctx, []plan.RequestStatus{plan.StatusRunning}, r.convergeBatch)
	if err != nil {
		r.logger.ErrorContext(ctx, "list running requests failed", "error", err)
		return
	}
	for _, rec := range running {
		if ctx.Err() != nil {
			return
		}
		r.convergeOne(ctx, rec.RequestID)
	}
}

func (r *Runner) convergeOne(ctx context.Context, requestID string) {
	unlock := r.engine.LockRecord(requestID)
	defer unlock()

	rec, err := r.store.Get(ctx, requestID)
	if err != nil {
		r.logger.ErrorContext(ctx, "load running request failed", "request_id", requestID, "error", err)
		return
	}
	if rec.Status != plan.StatusRunning {
		return
	}

	before, err := plan.ResultsDigest(rec.Results, rec.Status)
	if err != nil {
		r.logger.ErrorContext(ctx, "digest results failed", "request_id", requestID, "error", err)
		return
	}

	r.pollPending(ctx, rec)

	results, status, err := r.engine.ExecutePlan(ctx, requestID, rec.Envelope, rec.Plan, rec.Results)
	if err != nil {
		r.logger.ErrorContext(ctx, "resume execution failed", "request_id", requestID, "error", err)
		return
	}

	after, err := plan.ResultsDigest(results, status)
	if err != nil {
		r.logger.ErrorContext(ctx, "digest results failed", "request_id", requestID, "error", err)
		return
	}
	if after == before {
		return
	}
	if _, err := r.store.Update(ctx, requestID, store.Patch{Results: results, Status: status}); err != nil {
		r.logger.ErrorContext(ctx, "persist convergence failed", "request_id", requestID, "error", err)
	}
}

// pollPending asks the backend of every in-flight task for its current
// state. A poll failure leaves the task untouched for the next tick; a
// backend without polling support converges through callbacks only.
func (r *Runner) pollPending(ctx context.Context, rec *store.RequestRecord) {
	for i := range rec.Results {
		res := &rec.Results[i]
		if res.Status != plan.TaskRunning && res.Status != plan.TaskQueued {
			continue
		}
		if res.ExternalID == "" || res.StartedAt == nil {
			continue
		}
		a, ok := r.registry.Adapter(res.Backend)
		if !ok {
			continue
		}
		checker, ok := a.(adapter.StatusChecker)
		if !ok {
			continue
		}

		task, _ := rec.Plan.Task(res.TaskID)
		actx := adapter.Context{
			RequestID: rec.RequestID,
			Task:      task,
			Logger:    r.logger.With("request_id", rec.RequestID, "task_id", res.TaskID),
		}
		if r.provider != nil {
			if built, err := r.provider.Build(ctx, rec.RequestID, task); err == nil {
				built.Logger = actx.Logger
				actx = built
			}
		}

		polled, err := checker.CheckStatus(ctx, res.ExternalID, actx)
		if err != nil {
			r.logger.WarnContext(ctx, "status poll failed",
				"request_id", rec.RequestID, "task_id", res.TaskID,
				"backend", res.Backend, "external_id", res.ExternalID, "error", err)
			continue
		}
		r.foldPoll(ctx, rec.RequestID, res, polled)
	}
}

// foldPoll applies a polled result onto the tracked one.
func (r *Runner) foldPoll(ctx context.Context, requestID string, res *plan.TaskResult, polled plan.TaskResult) {
	if polled.Status == "" || !polled.Status.Valid() || polled.Status == res.Status {
		if polled.Output != nil {
			res.Output = polled.Output
		}
		return
	}
	res.Status = polled.Status
	if polled.Output != nil {
		res.Output = polled.Output
	}
	if polled.Error != nil {
		res.Error = polled.Error
	}
	if polled.Status.Terminal() {
		if polled.FinishedAt != nil {
			res.FinishedAt = polled.FinishedAt
		} else {
			now := r.clock().UTC()
			res.FinishedAt = &now
		}
		if polled.Status == plan.TaskFailed && res.Error == nil {
			res.Error = &plan.TaskError{Message: "backend reported failure"}
		}
		r.telemetry.IncTask(ctx, string(polled.Status))
	}
	r.logger.InfoContext(ctx, "task status converged",
		"request_id", requestID, "task_id", res.TaskID,
		"backend", res.Backend, "status", string(res.Status))
}
