package adapter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/Mindburn-Labs/rudder/pkg/plan"
)

// CallbackKeySecret is the secrets key under which the provider exposes
// the derived per-backend callback signing key.
const CallbackKeySecret = "callback_key"

// SecretsBundle carries the secret material the provider draws from.
// PerBackend maps backend name to its secret key/value pairs.
type SecretsBundle struct {
	PerBackend           map[string]map[string]string
	CallbackMasterSecret string
}

// StaticProvider resolves adapter contexts from in-memory configuration,
// the shape loaded from the backends and secrets files. Config and
// secrets may be swapped at runtime by hot reload.
type StaticProvider struct {
	mu      sync.RWMutex
	configs map[string]map[string]any
	secrets SecretsBundle
	logger  *slog.Logger
}

// NewStaticProvider creates a provider over per-backend config maps and a
// secrets bundle. Either may be nil.
func NewStaticProvider(configs map[string]map[string]any, secrets SecretsBundle, logger *slog.Logger) *StaticProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &StaticProvider{configs: configs, secrets: secrets, logger: logger}
}

// SetConfigs replaces the per-backend configuration atomically.
func (p *StaticProvider) SetConfigs(configs map[string]map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.configs = configs
}

// SetSecrets replaces the secrets bundle atomically.
func (p *StaticProvider) SetSecrets(secrets SecretsBundle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.secrets = secrets
}

// Build assembles the context for one task. Unknown backends still get a
// usable context with empty config; the engine treats that as normal.
func (p *StaticProvider) Build(_ context.Context, requestID string, task plan.ExecutionTask) (Context, error) {
	actx := Context{
		RequestID: requestID,
		Task:      task,
		Config:    map[string]any{},
		Secrets:   map[string]string{},
		Logger:    p.logger.With("request_id", requestID, "task_id", task.ID, "backend", task.Backend),
	}

	p.mu.RLock()
	configs, secrets := p.configs, p.secrets
	p.mu.RUnlock()

	if cfg, ok := configs[task.Backend]; ok {
		for k, v := range cfg {
			actx.Config[k] = v
		}
	}
	if sec, ok := secrets.PerBackend[task.Backend]; ok {
		for k, v := range sec {
			actx.Secrets[k] = v
		}
	}

	if secrets.CallbackMasterSecret != "" {
		key, err := DeriveCallbackKey(secrets.CallbackMasterSecret, task.Backend)
		if err != nil {
			return actx, fmt.Errorf("derive callback key for backend %q: %w", task.Backend, err)
		}
		actx.Secrets[CallbackKeySecret] = key
	}

	return actx, nil
}

// DeriveCallbackKey derives the per-backend callback signing key from the
// master secret with HKDF-SHA256. Backends sign callback bodies with it;
// the callback endpoint verifies before folding the update.
func DeriveCallbackKey(master, backend string) (string, error) {
	r := hkdf.New(sha256.New, []byte(master), nil, []byte("rudder/callback/"+backend))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return "", fmt.Errorf("hkdf expand: %w", err)
	}
	return hex.EncodeToString(key), nil
}
