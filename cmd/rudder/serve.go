package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/rudder/pkg/adapter"
	"github.com/Mindburn-Labs/rudder/pkg/api"
	"github.com/Mindburn-Labs/rudder/pkg/audit"
	"github.com/Mindburn-Labs/rudder/pkg/config"
	"github.com/Mindburn-Labs/rudder/pkg/engine"
	"github.com/Mindburn-Labs/rudder/pkg/maintenance"
	"github.com/Mindburn-Labs/rudder/pkg/policy"
	"github.com/Mindburn-Labs/rudder/pkg/ratelimit"
	"github.com/Mindburn-Labs/rudder/pkg/registry"
	"github.com/Mindburn-Labs/rudder/pkg/runner"
	"github.com/Mindburn-Labs/rudder/pkg/store"
	"github.com/Mindburn-Labs/rudder/pkg/telemetry"
	"github.com/Mindburn-Labs/rudder/pkg/translate"
)

const shutdownGrace = 15 * time.Second

// runServe wires the full service and blocks until SIGINT/SIGTERM.
func runServe(stderr io.Writer) int {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := serve(cfg, logger); err != nil {
		fmt.Fprintf(stderr, "rudder: %v\n", err)
		return 1
	}
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func serve(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Request store.
	var (
		st       store.Store
		sqlStore *store.SQLStore
		err      error
	)
	switch cfg.Store {
	case config.StoreDurable:
		sqlStore, err = store.NewSQLite(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		st = sqlStore
	case config.StorePostgres:
		sqlStore, err = store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open postgres store: %w", err)
		}
		st = sqlStore
	default:
		st = store.NewMemory()
	}
	if sqlStore != nil {
		defer func() { _ = sqlStore.Close() }()
	}

	// Audit trail: always queryable in memory; mirrored to SQL when a
	// durable store is open.
	sinks := []audit.Sink{audit.NewMemorySink()}
	if sqlStore != nil {
		sinkDialect := audit.DialectSQLite
		if cfg.Store == config.StorePostgres {
			sinkDialect = audit.DialectPostgres
		}
		sqlSink, err := audit.NewSQLSink(sqlStore.DB(), sinkDialect)
		if err != nil {
			return fmt.Errorf("open audit sink: %w", err)
		}
		sinks = append(sinks, sqlSink)
	}
	var sink audit.Sink = audit.NewTee(sinks...)

	archiver, err := newArchiver(ctx, cfg, sink, logger)
	if err != nil {
		return err
	}

	tel, err := telemetry.New(ctx, telemetry.Config{
		ServiceName:    "rudder",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Insecure:       true,
	}, logger)
	if err != nil {
		logger.Warn("telemetry disabled", "error", err)
	}

	// Secrets are read eagerly for the API surface; the maintenance
	// scheduler re-reads them for the provider on every pass.
	secrets, err := config.LoadSecrets(cfg.SecretsPath)
	if err != nil {
		return fmt.Errorf("load secrets: %w", err)
	}
	backends, err := config.LoadBackends(cfg.BackendsPath)
	if err != nil {
		return fmt.Errorf("load backends: %w", err)
	}

	provider := adapter.NewStaticProvider(backends, adapter.SecretsBundle{
		PerBackend:           secrets.Backends,
		CallbackMasterSecret: secrets.CallbackMasterSecret,
	}, logger)

	reg := registry.New()
	pipeline := translate.NewPipeline()
	if err := reg.RegisterTranslatorConstraint("pipeline", ">=1.0.0 <2.0.0", pipeline); err != nil {
		return fmt.Errorf("register pipeline translator: %w", err)
	}
	reg.RegisterTranslator("pipeline", "1", pipeline)
	if err := registerAdapters(ctx, reg, backends, logger); err != nil {
		return err
	}

	gate := policy.NewGate(policy.ParseMode(cfg.PolicyMode), logger)

	eng := engine.New(engine.Options{
		Registry:  reg,
		Store:     st,
		Audit:     sink,
		Gate:      gate,
		Provider:  provider,
		Telemetry: tel,
		Archiver:  archiver,
		Logger:    logger,
	})

	run := runner.New(runner.Options{
		Engine:    eng,
		Store:     st,
		Registry:  reg,
		Provider:  provider,
		Telemetry: tel,
		Logger:    logger,
		Interval:  cfg.RunnerInterval,
	})
	eng.SetWaker(run)

	limiter, memLimiter := newLimiter(ctx, cfg, logger)

	sched, err := maintenance.New(cfg.MaintenanceSchedule, maintenance.Options{
		Gate:         gate,
		PolicyPath:   cfg.PolicyPath,
		Provider:     provider,
		BackendsPath: cfg.BackendsPath,
		SecretsPath:  cfg.SecretsPath,
		Archiver:     archiver,
		Store:        st,
		Limiter:      memLimiter,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("maintenance schedule %q: %w", cfg.MaintenanceSchedule, err)
	}
	sched.RunAll(ctx) // prime policy and backend config before serving
	sched.Start()

	runCtx, cancelRun := context.WithCancel(context.Background())
	run.Start(runCtx)

	srv := api.NewServer(api.Options{
		Engine:               eng,
		Store:                st,
		Audit:                sink,
		Telemetry:            tel,
		Limiter:              limiter,
		Auth:                 api.AuthConfig{APIKey: cfg.APIKey, JWTSecret: secrets.JWTSecret},
		CallbackMasterSecret: secrets.CallbackMasterSecret,
		Version:              version,
		Logger:               logger,
	}).NewHTTPServer(":" + cfg.Port)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr, "store", string(cfg.Store), "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		cancelRun()
		return fmt.Errorf("listen on %s: %w", srv.Addr, err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", "error", err)
	}

	cancelRun()
	run.Wait()
	sched.Stop()
	if tel != nil {
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}
	return nil
}

// newArchiver resolves the archive target. Off means no archiver and
// terminal bundles stay in the audit sink.
func newArchiver(ctx context.Context, cfg *config.Config, sink audit.Sink, logger *slog.Logger) (*audit.Archiver, error) {
	var target audit.ObjectStore
	var err error
	switch cfg.AuditArchive {
	case config.ArchiveOff:
		return nil, nil
	case config.ArchiveFS:
		target, err = audit.NewFSStore(cfg.AuditArchiveDir)
	case config.ArchiveS3:
		target, err = audit.NewS3Store(ctx, audit.S3Config{
			Bucket:   cfg.AuditArchiveBucket,
			Region:   cfg.AuditArchiveRegion,
			Endpoint: cfg.AuditArchiveEndpoint,
			Prefix:   cfg.AuditArchivePrefix,
		})
	case config.ArchiveGCS:
		target, err = audit.NewGCSStore(ctx, cfg.AuditArchiveBucket, cfg.AuditArchivePrefix)
	default:
		return nil, fmt.Errorf("unknown audit archive target %q", cfg.AuditArchive)
	}
	if err != nil {
		return nil, fmt.Errorf("open audit archive: %w", err)
	}

	source, ok := audit.QueryableOf(sink)
	if !ok {
		return nil, errors.New("audit archive requires a queryable sink")
	}
	return audit.NewArchiver(source, target, logger), nil
}

// registerAdapters builds one adapter per configured backend. The file's
// "type" key picks the implementation; a missing file still yields a
// usable echo backend for smoke testing.
func registerAdapters(ctx context.Context, reg *registry.Registry, backends map[string]map[string]any, logger *slog.Logger) error {
	if len(backends) == 0 {
		reg.RegisterAdapter("echo", adapter.NewEcho())
		logger.Info("no backends configured, registered echo backend")
		return nil
	}

	for name, bcfg := range backends {
		kind, _ := bcfg["type"].(string)
		switch kind {
		case "", "echo":
			reg.RegisterAdapter(name, adapter.NewEcho())
		case "httpjson":
			reg.RegisterAdapter(name, adapter.NewHTTPJSON())
		case "wasm":
			wcfg := adapter.WASMConfig{}
			if p, ok := bcfg["module_path"].(string); ok {
				wcfg.ModulePath = p
			}
			if b, ok := bcfg["memory_limit_bytes"].(float64); ok {
				wcfg.MemoryLimitBytes = int64(b)
			}
			if ms, ok := bcfg["timeout_ms"].(float64); ok {
				wcfg.Timeout = time.Duration(ms) * time.Millisecond
			}
			w, err := adapter.NewWASM(ctx, wcfg)
			if err != nil {
				return fmt.Errorf("backend %q: %w", name, err)
			}
			reg.RegisterAdapter(name, w)
		default:
			return fmt.Errorf("backend %q: unknown type %q", name, kind)
		}
	}
	return nil
}

// newLimiter picks the rate-limit backend. The memory limiter is also
// returned separately so maintenance can sweep its buckets.
func newLimiter(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ratelimit.Store, *ratelimit.Memory) {
	if cfg.RateLimitRPM <= 0 {
		return nil, nil
	}
	limit := ratelimit.Limit{PerMinute: cfg.RateLimitRPM, Burst: cfg.RateLimitRPM}

	if cfg.RateLimitRedisAddr != "" {
		rl := ratelimit.NewRedis(cfg.RateLimitRedisAddr, os.Getenv("RATE_LIMIT_REDIS_PASSWORD"), 0, limit)
		if err := rl.Ping(ctx); err != nil {
			// The middleware fails open on limiter errors; keep serving.
			logger.Warn("rate limit redis unreachable", "addr", cfg.RateLimitRedisAddr, "error", err)
		}
		logger.Info("rate limiting via redis", "addr", cfg.RateLimitRedisAddr, "rpm", cfg.RateLimitRPM)
		return rl, nil
	}

	mem := ratelimit.NewMemory(limit)
	logger.Info("rate limiting in memory", "rpm", cfg.RateLimitRPM)
	return mem, mem
}
