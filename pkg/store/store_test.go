package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/rudder/pkg/envelope"
	"github.com/Mindburn-Labs/rudder/pkg/plan"
)

func testRecord(requestID, key string) *RequestRecord {
	return &RequestRecord{
		RequestID:   requestID,
		Fingerprint: "sha256:" + key,
		Envelope: &envelope.Envelope{
			APIVersion:     envelope.APIVersion,
			Type:           "workspace",
			TypeVersion:    "1",
			Operation:      envelope.OpApply,
			IdempotencyKey: key,
			Payload:        json.RawMessage(`{"name":"x"}`),
		},
		Plan: &plan.ExecutionPlan{Tasks: []plan.ExecutionTask{
			{ID: "t1", Backend: "aws", Action: "create"},
		}},
		Status: plan.StatusQueued,
	}
}

// contractStores builds one instance of every implementation that must
// satisfy the same contract.
func contractStores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLite(filepath.Join(t.TempDir(), "rudder.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
}

// TestStore_CreateGetRoundTrip verifies records survive a create/get
// cycle with envelope, plan, and status intact.
func TestStore_CreateGetRoundTrip(t *testing.T) {
	for name, s := range contractStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := testRecord("req-1", "key-1")
			require.NoError(t, s.Create(ctx, rec))

			got, err := s.Get(ctx, "req-1")
			require.NoError(t, err)
			assert.Equal(t, "req-1", got.RequestID)
			assert.Equal(t, "key-1", got.Envelope.IdempotencyKey)
			assert.Equal(t, "sha256:key-1", got.Fingerprint)
			require.NotNil(t, got.Plan)
			assert.Equal(t, "t1", got.Plan.Tasks[0].ID)
			assert.Equal(t, plan.StatusQueued, got.Status)
			assert.False(t, got.CreatedAt.IsZero())

			_, err = s.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

// TestStore_DuplicateKey verifies the idempotency key uniqueness
// invariant.
func TestStore_DuplicateKey(t *testing.T) {
	for name, s := range contractStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, testRecord("req-1", "key-1")))
			err := s.Create(ctx, testRecord("req-2", "key-1"))
			assert.ErrorIs(t, err, ErrDuplicateKey)

			got, err := s.FindByIdempotencyKey(ctx, "key-1")
			require.NoError(t, err)
			assert.Equal(t, "req-1", got.RequestID)

			_, err = s.FindByIdempotencyKey(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

// TestStore_UpdateRebuildsExternalIndex verifies the external-id index
// tracks the full results slice of the latest patch: stale entries are
// removed, new ones are resolvable.
func TestStore_UpdateRebuildsExternalIndex(t *testing.T) {
	for name, s := range contractStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, testRecord("req-1", "key-1")))

			_, err := s.Update(ctx, "req-1", Patch{
				Results: []plan.TaskResult{
					{TaskID: "t1", Backend: "aws", Status: plan.TaskRunning, ExternalID: "job-1"},
				},
				Status: plan.StatusRunning,
			})
			require.NoError(t, err)

			ref, err := s.FindTaskByExternalID(ctx, "aws", "job-1")
			require.NoError(t, err)
			assert.Equal(t, TaskRef{RequestID: "req-1", TaskID: "t1"}, ref)

			// A later patch drops job-1 and introduces job-2.
			_, err = s.Update(ctx, "req-1", Patch{
				Results: []plan.TaskResult{
					{TaskID: "t1", Backend: "aws", Status: plan.TaskRunning, ExternalID: "job-2"},
				},
			})
			require.NoError(t, err)

			_, err = s.FindTaskByExternalID(ctx, "aws", "job-1")
			assert.ErrorIs(t, err, ErrNotFound)
			ref, err = s.FindTaskByExternalID(ctx, "aws", "job-2")
			require.NoError(t, err)
			assert.Equal(t, "t1", ref.TaskID)

			// Unknown backend does not match another backend's id.
			_, err = s.FindTaskByExternalID(ctx, "gcp", "job-2")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

// TestStore_PartialPatch verifies unset patch fields leave stored values
// untouched.
func TestStore_PartialPatch(t *testing.T) {
	for name, s := range contractStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, testRecord("req-1", "key-1")))

			got, err := s.Update(ctx, "req-1", Patch{Status: plan.StatusRunning})
			require.NoError(t, err)
			assert.Equal(t, plan.StatusRunning, got.Status)
			require.NotNil(t, got.Plan, "plan untouched by status-only patch")
			assert.Equal(t, "t1", got.Plan.Tasks[0].ID)

			_, err = s.Update(ctx, "missing", Patch{Status: plan.StatusFailed})
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

// TestStore_ListByStatus verifies FIFO ordering by created_at and the
// limit bound.
func TestStore_ListByStatus(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for name, s := range contractStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 4; i++ {
				rec := testRecord(fmt.Sprintf("req-%d", i), fmt.Sprintf("key-%d", i))
				rec.CreatedAt = base.Add(time.Duration(3-i) * time.Minute)
				require.NoError(t, s.Create(ctx, rec))
			}
			_, err := s.Update(ctx, "req-3", Patch{Status: plan.StatusRunning})
			require.NoError(t, err)

			queued, err := s.ListByStatus(ctx, []plan.RequestStatus{plan.StatusQueued}, 2)
			require.NoError(t, err)
			require.Len(t, queued, 2)
			// req-2 has the earliest created_at among the queued records.
			assert.Equal(t, "req-2", queued[0].RequestID)
			assert.Equal(t, "req-1", queued[1].RequestID)

			both, err := s.ListByStatus(ctx, []plan.RequestStatus{plan.StatusQueued, plan.StatusRunning}, 0)
			require.NoError(t, err)
			assert.Len(t, both, 4)
		})
	}
}

// TestMemory_CloneIsolation verifies callers cannot mutate store-held
// state through returned records.
func TestMemory_CloneIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.Create(ctx, testRecord("req-1", "key-1")))

	got, err := s.Get(ctx, "req-1")
	require.NoError(t, err)
	got.Status = plan.StatusFailed
	got.Plan.Tasks[0].ID = "mutated"

	again, err := s.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, plan.StatusQueued, again.Status)
	assert.Equal(t, "t1", again.Plan.Tasks[0].ID)
}
