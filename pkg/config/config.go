// Package config loads server configuration from the environment and
// the optional policy, backends, and secrets files.
package config

import (
	"os"
	"strconv"
	"time"
)

// Store selects the request store implementation.
type Store string

const (
	StoreMemory   Store = "memory"
	StoreDurable  Store = "durable" // SQLite file
	StorePostgres Store = "postgres"
)

// Archive selects where terminal audit bundles go.
type Archive string

const (
	ArchiveOff Archive = ""
	ArchiveFS  Archive = "fs"
	ArchiveS3  Archive = "s3"
	ArchiveGCS Archive = "gcs"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	Store       Store
	DBPath      string
	DatabaseURL string

	APIKey string

	PolicyMode   string
	PolicyPath   string
	BackendsPath string
	SecretsPath  string

	RunnerInterval time.Duration

	RateLimitRPM       int
	RateLimitRedisAddr string

	AuditArchive         Archive
	AuditArchiveBucket   string
	AuditArchiveDir      string
	AuditArchiveRegion   string
	AuditArchiveEndpoint string
	AuditArchivePrefix   string

	OTLPEndpoint string

	MaintenanceSchedule string
}

// Load reads configuration from environment variables, applying the
// documented defaults.
func Load() *Config {
	cfg := &Config{
		Port:                 getenv("PORT", "8080"),
		LogLevel:             getenv("LOG_LEVEL", "INFO"),
		Store:                Store(getenv("STORE", string(StoreMemory))),
		DBPath:               getenv("DB_PATH", "rudder.db"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		APIKey:               os.Getenv("API_KEY"),
		PolicyMode:           getenv("POLICY_MODE", "enforce"),
		PolicyPath:           getenv("POLICY_PATH", "config/policy.json"),
		BackendsPath:         getenv("BACKENDS_PATH", "config/backends.json"),
		SecretsPath:          getenv("SECRETS_PATH", "config/secrets.json"),
		RateLimitRedisAddr:   os.Getenv("RATE_LIMIT_REDIS_ADDR"),
		AuditArchive:         Archive(os.Getenv("AUDIT_ARCHIVE")),
		AuditArchiveBucket:   os.Getenv("AUDIT_ARCHIVE_BUCKET"),
		AuditArchiveDir:      getenv("AUDIT_ARCHIVE_DIR", "archive"),
		AuditArchiveRegion:   os.Getenv("AUDIT_ARCHIVE_REGION"),
		AuditArchiveEndpoint: os.Getenv("AUDIT_ARCHIVE_ENDPOINT"),
		AuditArchivePrefix:   os.Getenv("AUDIT_ARCHIVE_PREFIX"),
		OTLPEndpoint:         os.Getenv("OTLP_ENDPOINT"),
		MaintenanceSchedule:  getenv("MAINTENANCE_SCHEDULE", "@every 5m"),
	}

	switch cfg.Store {
	case StoreMemory, StoreDurable, StorePostgres:
	default:
		cfg.Store = StoreMemory
	}

	intervalMS := getint("RUNNER_INTERVAL_MS", 1000)
	if intervalMS <= 0 {
		intervalMS = 1000
	}
	cfg.RunnerInterval = time.Duration(intervalMS) * time.Millisecond

	cfg.RateLimitRPM = getint("RATE_LIMIT_RPM", 0)
	if cfg.RateLimitRPM < 0 {
		cfg.RateLimitRPM = 0
	}

	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
