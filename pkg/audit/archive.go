package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Bundle is the archived form of one request's audit trail: the events
// plus a content digest so a stored bundle can be verified offline.
type Bundle struct {
	RequestID  string    `json:"request_id"`
	CreatedAt  time.Time `json:"created_at"`
	EventCount int       `json:"event_count"`
	Events     []Event   `json:"events"`
	Digest     string    `json:"digest"`
}

// ObjectStore writes archive bundles to durable object storage.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
}

// Archiver bundles a request's events and ships them to object storage
// once the request reaches a terminal status. Failures are logged and
// retried by the maintenance sweep; archiving never blocks the request
// lifecycle.
type Archiver struct {
	source Queryable
	store  ObjectStore
	logger *slog.Logger

	mu       sync.Mutex
	archived map[string]bool
}

// NewArchiver creates an archiver reading from source and writing to
// store.
func NewArchiver(source Queryable, store ObjectStore, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		source:   source,
		store:    store,
		logger:   logger.With("component", "audit-archiver"),
		archived: make(map[string]bool),
	}
}

// Archive bundles and stores the events of one request. Repeat calls
// for the same request are no-ops.
func (a *Archiver) Archive(ctx context.Context, requestID string) error {
	a.mu.Lock()
	done := a.archived[requestID]
	a.mu.Unlock()
	if done {
		return nil
	}

	events, err := a.source.Query(ctx, requestID, 0)
	if err != nil {
		return fmt.Errorf("query events for %s: %w", requestID, err)
	}

	bundle := Bundle{
		RequestID:  requestID,
		CreatedAt:  time.Now().UTC(),
		EventCount: len(events),
		Events:     events,
	}
	eventsRaw, err := json.Marshal(bundle.Events)
	if err != nil {
		return fmt.Errorf("marshal events for %s: %w", requestID, err)
	}
	sum := sha256.Sum256(eventsRaw)
	bundle.Digest = "sha256:" + hex.EncodeToString(sum[:])

	raw, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("marshal bundle for %s: %w", requestID, err)
	}

	key := fmt.Sprintf("audit/%s.json", requestID)
	if err := a.store.Put(ctx, key, raw); err != nil {
		return fmt.Errorf("store bundle %s: %w", key, err)
	}

	a.mu.Lock()
	a.archived[requestID] = true
	a.mu.Unlock()
	a.logger.InfoContext(ctx, "audit bundle archived",
		"request_id", requestID, "events", len(events), "digest", bundle.Digest)
	return nil
}

// VerifyBundle recomputes the digest of an archived bundle.
func VerifyBundle(raw []byte) error {
	var bundle Bundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return fmt.Errorf("decode bundle: %w", err)
	}
	eventsRaw, err := json.Marshal(bundle.Events)
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}
	sum := sha256.Sum256(eventsRaw)
	if got := "sha256:" + hex.EncodeToString(sum[:]); got != bundle.Digest {
		return fmt.Errorf("digest mismatch: stored %s, computed %s", bundle.Digest, got)
	}
	return nil
}

// FSStore writes bundles under a local directory. The development
// default when no cloud bucket is configured.
type FSStore struct {
	dir string
}

// NewFSStore creates the directory if needed.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create archive dir %s: %w", dir, err)
	}
	return &FSStore{dir: dir}, nil
}

func (s *FSStore) Put(_ context.Context, key string, data []byte) error {
	path := filepath.Join(s.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
