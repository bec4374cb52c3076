package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/rudder/pkg/plan"
)

// Memory is the in-process store: RWMutex-guarded maps with the
// idempotency and external-id indexes kept consistent under the same
// lock as the record write.
type Memory struct {
	mu       sync.RWMutex
	records  map[string]*RequestRecord // request_id -> record
	byKey    map[string]string         // idempotency_key -> request_id
	external map[string]TaskRef        // backend \x00 external_id -> task
	clock    func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		records:  make(map[string]*RequestRecord),
		byKey:    make(map[string]string),
		external: make(map[string]TaskRef),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (m *Memory) WithClock(clock func() time.Time) *Memory {
	m.clock = clock
	return m
}

func externalKey(backend, externalID string) string {
	return backend + "\x00" + externalID
}

func (m *Memory) Create(_ context.Context, rec *RequestRecord) error {
	if rec == nil || rec.RequestID == "" {
		return fmt.Errorf("record requires a request_id")
	}
	if rec.Envelope == nil {
		return fmt.Errorf("record requires an envelope")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[rec.RequestID]; exists {
		return fmt.Errorf("request %s already exists", rec.RequestID)
	}
	if _, exists := m.byKey[rec.Envelope.IdempotencyKey]; exists {
		return ErrDuplicateKey
	}

	stored := rec.Clone()
	now := m.clock().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	m.records[stored.RequestID] = stored
	m.byKey[stored.Envelope.IdempotencyKey] = stored.RequestID
	m.reindexLocked(stored)
	return nil
}

func (m *Memory) Update(_ context.Context, requestID string, patch Patch) (*RequestRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[requestID]
	if !ok {
		return nil, ErrNotFound
	}

	if patch.Plan != nil {
		rec.Plan = patch.Plan
	}
	if patch.Results != nil {
		rec.Results = make([]plan.TaskResult, len(patch.Results))
		copy(rec.Results, patch.Results)
	}
	if patch.Status != "" {
		rec.Status = patch.Status
	}
	if patch.Violations != nil {
		rec.Violations = patch.Violations
	}
	rec.UpdatedAt = m.clock().UTC()

	m.reindexLocked(rec)
	return rec.Clone(), nil
}

// reindexLocked rebuilds the external-id index entries owned by the
// record: delete-then-insert keeps the index consistent with the full
// results slice.
func (m *Memory) reindexLocked(rec *RequestRecord) {
	for key, ref := range m.external {
		if ref.RequestID == rec.RequestID {
			delete(m.external, key)
		}
	}
	for _, r := range rec.Results {
		if r.ExternalID == "" {
			continue
		}
		m.external[externalKey(r.Backend, r.ExternalID)] = TaskRef{
			RequestID: rec.RequestID,
			TaskID:    r.TaskID,
		}
	}
}

func (m *Memory) Get(_ context.Context, requestID string) (*RequestRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *Memory) FindByIdempotencyKey(_ context.Context, key string) (*RequestRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	return m.records[id].Clone(), nil
}

func (m *Memory) ListByStatus(_ context.Context, statuses []plan.RequestStatus, limit int) ([]*RequestRecord, error) {
	want := make(map[plan.RequestStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	m.mu.RLock()
	matched := make([]*RequestRecord, 0)
	for _, rec := range m.records {
		if want[rec.Status] {
			matched = append(matched, rec.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].RequestID < matched[j].RequestID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (m *Memory) FindTaskByExternalID(_ context.Context, backend, externalID string) (TaskRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ref, ok := m.external[externalKey(backend, externalID)]
	if !ok {
		return TaskRef{}, ErrNotFound
	}
	return ref, nil
}
