// Package maintenance runs the periodic housekeeping jobs: policy and
// backend configuration hot reload, audit archive retries for terminal
// requests, and rate-limiter bucket eviction.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Mindburn-Labs/rudder/pkg/adapter"
	"github.com/Mindburn-Labs/rudder/pkg/audit"
	"github.com/Mindburn-Labs/rudder/pkg/config"
	"github.com/Mindburn-Labs/rudder/pkg/plan"
	"github.com/Mindburn-Labs/rudder/pkg/policy"
	"github.com/Mindburn-Labs/rudder/pkg/ratelimit"
	"github.com/Mindburn-Labs/rudder/pkg/store"
)

// archiveSweepBatch bounds how many terminal records one sweep retries.
const archiveSweepBatch = 100

// limiterIdleTTL is how long an actor's bucket may sit unused before
// eviction.
const limiterIdleTTL = 15 * time.Minute

// Options wires the scheduler's jobs. Every field is optional; jobs
// without their dependency are skipped.
type Options struct {
	Gate         *policy.Gate
	PolicyPath   string
	Provider     *adapter.StaticProvider
	BackendsPath string
	SecretsPath  string
	Archiver     *audit.Archiver
	Store        store.Store
	Limiter      *ratelimit.Memory
	Logger       *slog.Logger
	Clock        func() time.Time
}

// Scheduler owns the cron instance and the registered jobs.
type Scheduler struct {
	cron   *cron.Cron
	opts   Options
	logger *slog.Logger
	clock  func() time.Time
}

// New builds a scheduler running RunAll on the given cron spec
// (for example "@every 5m").
func New(schedule string, opts Options) (*Scheduler, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	s := &Scheduler{
		cron:   cron.New(),
		opts:   opts,
		logger: logger.With("component", "maintenance"),
		clock:  clock,
	}
	if _, err := s.cron.AddFunc(schedule, func() {
		s.RunAll(context.Background())
	}); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins scheduling.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts scheduling and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// RunAll executes every configured job once. Exported so startup can
// prime the configuration before the first scheduled pass.
func (s *Scheduler) RunAll(ctx context.Context) {
	s.ReloadPolicy(ctx)
	s.ReloadBackends(ctx)
	s.SweepArchives(ctx)
	s.SweepLimiter()
}

// ReloadPolicy re-reads the rule file and swaps the gate's rule set.
// A broken file keeps the previous rules.
func (s *Scheduler) ReloadPolicy(ctx context.Context) {
	if s.opts.Gate == nil || s.opts.PolicyPath == "" {
		return
	}
	rules, err := policy.LoadRules(s.opts.PolicyPath)
	if err != nil {
		s.logger.ErrorContext(ctx, "policy reload failed",
			"path", s.opts.PolicyPath, "error", err)
		return
	}
	if rules == nil {
		return
	}
	s.opts.Gate.SetRules(rules)
	s.logger.InfoContext(ctx, "policy rules reloaded",
		"path", s.opts.PolicyPath, "rules", len(rules))
}

// ReloadBackends re-reads the backends and secrets files into the
// provider.
func (s *Scheduler) ReloadBackends(ctx context.Context) {
	if s.opts.Provider == nil {
		return
	}
	if s.opts.BackendsPath != "" {
		backends, err := config.LoadBackends(s.opts.BackendsPath)
		if err != nil {
			s.logger.ErrorContext(ctx, "backends reload failed",
				"path", s.opts.BackendsPath, "error", err)
		} else {
			s.opts.Provider.SetConfigs(backends)
		}
	}
	if s.opts.SecretsPath != "" {
		secrets, err := config.LoadSecrets(s.opts.SecretsPath)
		if err != nil {
			s.logger.ErrorContext(ctx, "secrets reload failed",
				"path", s.opts.SecretsPath, "error", err)
			return
		}
		s.opts.Provider.SetSecrets(adapter.SecretsBundle{
			PerBackend:           secrets.Backends,
			CallbackMasterSecret: secrets.CallbackMasterSecret,
		})
	}
}

// SweepArchives retries archiving for terminal requests. Already
// archived requests are no-ops, so the sweep only pays for stragglers
// whose first attempt failed.
func (s *Scheduler) SweepArchives(ctx context.Context) {
	if s.opts.Archiver == nil || s.opts.Store == nil {
		return
	}
	terminal := []plan.RequestStatus{plan.StatusExecuted, plan.StatusFailed, plan.StatusDenied}
	records, err := s.opts.Store.ListByStatus(ctx, terminal, archiveSweepBatch)
	if err != nil {
		s.logger.ErrorContext(ctx, "archive sweep listing failed", "error", err)
		return
	}
	for _, rec := range records {
		if err := s.opts.Archiver.Archive(ctx, rec.RequestID); err != nil {
			s.logger.WarnContext(ctx, "archive retry failed",
				"request_id", rec.RequestID, "error", err)
		}
	}
}

// SweepLimiter evicts rate-limit buckets idle past the TTL.
func (s *Scheduler) SweepLimiter() {
	if s.opts.Limiter == nil {
		return
	}
	if removed := s.opts.Limiter.Sweep(s.clock().Add(-limiterIdleTTL)); removed > 0 {
		s.logger.Info("rate limit buckets evicted", "count", removed)
	}
}
