package api_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/rudder/pkg/adapter"
	"github.com/Mindburn-Labs/rudder/pkg/api"
	"github.com/Mindburn-Labs/rudder/pkg/audit"
	"github.com/Mindburn-Labs/rudder/pkg/engine"
	"github.com/Mindburn-Labs/rudder/pkg/plan"
	"github.com/Mindburn-Labs/rudder/pkg/policy"
	"github.com/Mindburn-Labs/rudder/pkg/ratelimit"
	"github.com/Mindburn-Labs/rudder/pkg/registry"
	"github.com/Mindburn-Labs/rudder/pkg/store"
	"github.com/Mindburn-Labs/rudder/pkg/translate"
)

// runningAdapter accepts every task asynchronously with a predictable
// external id.
type runningAdapter struct{}

func (runningAdapter) Execute(_ context.Context, task plan.ExecutionTask, _ adapter.Context) (plan.TaskResult, error) {
	return plan.TaskResult{Status: plan.TaskRunning, ExternalID: "job-" + task.ID}, nil
}

// syncAdapter finishes every task immediately.
type syncAdapter struct{}

func (syncAdapter) Execute(context.Context, plan.ExecutionTask, adapter.Context) (plan.TaskResult, error) {
	return plan.TaskResult{Status: plan.TaskSucceeded}, nil
}

type rig struct {
	server  *httptest.Server
	engine  *engine.Engine
	store   *store.Memory
	options api.Options
}

func newRig(t *testing.T, backend adapter.Adapter, mutate func(*api.Options)) *rig {
	t.Helper()
	reg := registry.New()
	reg.RegisterTranslator("test.deploy", "1.0.0",
		translate.Func(func(_ context.Context, in translate.Input) (*plan.ExecutionPlan, error) {
			return &plan.ExecutionPlan{Tasks: []plan.ExecutionTask{
				{ID: "a", Backend: "compute", Action: "deploy"},
			}}, nil
		}))
	if backend != nil {
		reg.RegisterAdapter("compute", backend)
	}
	st := store.NewMemory()
	sink := audit.NewMemorySink()
	eng := engine.New(engine.Options{Registry: reg, Store: st, Audit: sink})

	opts := api.Options{Engine: eng, Store: st, Audit: sink, Version: "test"}
	if mutate != nil {
		mutate(&opts)
	}
	srv := httptest.NewServer(api.NewServer(opts).Handler())
	t.Cleanup(srv.Close)
	return &rig{server: srv, engine: eng, store: st, options: opts}
}

func envelopeBody(key string) []byte {
	return []byte(fmt.Sprintf(`{
		"api_version": "1",
		"type": "test.deploy",
		"type_version": "1.0.0",
		"operation": "apply",
		"idempotency_key": %q,
		"payload": {"name": "web"}
	}`, key))
}

func postJSON(t *testing.T, url string, body []byte, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func getJSON(t *testing.T, url string, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

// TestSubmit_Accepted: a valid envelope is admitted with 202, a request
// id, and a self link.
func TestSubmit_Accepted(t *testing.T) {
	r := newRig(t, syncAdapter{}, nil)

	resp, body := postJSON(t, r.server.URL+"/v1/requests", envelopeBody("key-1"), nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "queued", body["status"])
	id, _ := body["request_id"].(string)
	require.NotEmpty(t, id)
	links := body["links"].(map[string]any)
	assert.Equal(t, "/v1/requests/"+id, links["self"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

// TestSubmit_Replay: resubmitting the same envelope reports the replay
// and the original request id.
func TestSubmit_Replay(t *testing.T) {
	r := newRig(t, syncAdapter{}, nil)

	_, first := postJSON(t, r.server.URL+"/v1/requests", envelopeBody("key-1"), nil)
	resp, second := postJSON(t, r.server.URL+"/v1/requests", envelopeBody("key-1"), nil)

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, first["request_id"], second["request_id"])
	assert.Equal(t, true, second["idempotent_replay"])
}

// TestSubmit_Conflict: reusing a key with different content is a 409
// problem naming the holder.
func TestSubmit_Conflict(t *testing.T) {
	r := newRig(t, syncAdapter{}, nil)

	_, first := postJSON(t, r.server.URL+"/v1/requests", envelopeBody("key-1"), nil)

	conflicting := bytes.Replace(envelopeBody("key-1"), []byte(`"web"`), []byte(`"api"`), 1)
	resp, body := postJSON(t, r.server.URL+"/v1/requests", conflicting, nil)

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
	assert.Equal(t, first["request_id"], body["request_id"])
}

// TestSubmit_InvalidEnvelope: structural failures come back as a 400
// problem with per-field errors.
func TestSubmit_InvalidEnvelope(t *testing.T) {
	r := newRig(t, syncAdapter{}, nil)

	resp, body := postJSON(t, r.server.URL+"/v1/requests",
		[]byte(`{"api_version":"1","operation":"apply"}`), nil)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	errs, ok := body["errors"].([]any)
	require.True(t, ok)
	assert.NotEmpty(t, errs)
}

// TestSubmit_PolicyDenied: an enforced deny is a 403 problem carrying
// the violations and the denied record's id.
func TestSubmit_PolicyDenied(t *testing.T) {
	gate := policy.NewGate(policy.ModeEnforce, nil)
	gate.AddRule(policy.RuleFunc(func(context.Context, policy.Input) ([]policy.Violation, error) {
		return []policy.Violation{{ID: "freeze", Effect: policy.EffectDeny, Message: "change freeze"}}, nil
	}))

	reg := registry.New()
	reg.RegisterTranslator("test.deploy", "1.0.0",
		translate.Func(func(context.Context, translate.Input) (*plan.ExecutionPlan, error) {
			return &plan.ExecutionPlan{Tasks: []plan.ExecutionTask{
				{ID: "a", Backend: "compute", Action: "deploy"},
			}}, nil
		}))
	st := store.NewMemory()
	eng := engine.New(engine.Options{Registry: reg, Store: st, Gate: gate})
	srv := httptest.NewServer(api.NewServer(api.Options{Engine: eng, Store: st}).Handler())
	t.Cleanup(srv.Close)

	resp, body := postJSON(t, srv.URL+"/v1/requests", envelopeBody("key-1"), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.NotEmpty(t, body["request_id"])
	violations := body["violations"].([]any)
	require.Len(t, violations, 1)
}

// TestGetRequest_And_Lookup: records read back by id and by key; both
// 404 cleanly.
func TestGetRequest_And_Lookup(t *testing.T) {
	r := newRig(t, syncAdapter{}, nil)

	_, created := postJSON(t, r.server.URL+"/v1/requests", envelopeBody("key-1"), nil)
	id := created["request_id"].(string)

	resp, rec := getJSON(t, r.server.URL+"/v1/requests/"+id, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, rec["request_id"])

	resp, rec = getJSON(t, r.server.URL+"/v1/requests?idempotency_key=key-1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, rec["request_id"])

	resp, _ = getJSON(t, r.server.URL+"/v1/requests/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = getJSON(t, r.server.URL+"/v1/requests?idempotency_key=nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = getJSON(t, r.server.URL+"/v1/requests", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// TestAudit_Endpoint returns the lifecycle events for a request.
func TestAudit_Endpoint(t *testing.T) {
	r := newRig(t, syncAdapter{}, nil)

	_, created := postJSON(t, r.server.URL+"/v1/requests", envelopeBody("key-1"), nil)
	id := created["request_id"].(string)

	resp, body := getJSON(t, r.server.URL+"/v1/requests/"+id+"/audit", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, body["request_id"])
	events := body["events"].([]any)
	assert.NotEmpty(t, events)
}

// TestCallback_Flow: an async task settles through the callback
// endpoint; the signature is enforced when a master secret is set.
func TestCallback_Flow(t *testing.T) {
	const master = "cb-master"
	r := newRig(t, runningAdapter{}, func(o *api.Options) {
		o.CallbackMasterSecret = master
	})

	_, created := postJSON(t, r.server.URL+"/v1/requests", envelopeBody("key-1"), nil)
	id := created["request_id"].(string)

	// Drive the queued request so the external id gets indexed.
	ctx := context.Background()
	unlock := r.engine.LockRecord(id)
	rec, err := r.store.Get(ctx, id)
	require.NoError(t, err)
	results, status, err := r.engine.ExecutePlan(ctx, id, rec.Envelope, rec.Plan, nil)
	require.NoError(t, err)
	_, err = r.store.Update(ctx, id, store.Patch{Results: results, Status: status})
	unlock()
	require.NoError(t, err)

	payload := []byte(`{"external_id":"job-a","status":"succeeded"}`)

	// Unsigned and mis-signed callbacks are rejected.
	resp, _ := postJSON(t, r.server.URL+"/v1/callbacks/compute", payload, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = postJSON(t, r.server.URL+"/v1/callbacks/compute", payload,
		map[string]string{"X-Rudder-Signature": "deadbeef"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := postJSON(t, r.server.URL+"/v1/callbacks/compute", payload,
		map[string]string{"X-Rudder-Signature": signCallback(t, master, "compute", payload)})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, id, body["request_id"])
	assert.Equal(t, "succeeded", body["status"])

	resp, _ = postJSON(t, r.server.URL+"/v1/callbacks/compute",
		[]byte(`{"external_id":"nope","status":"succeeded"}`),
		map[string]string{"X-Rudder-Signature": signCallback(t, master, "compute", []byte(`{"external_id":"nope","status":"succeeded"}`))})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func signCallback(t *testing.T, master, backend string, body []byte) string {
	t.Helper()
	keyHex, err := adapter.DeriveCallbackKey(master, backend)
	require.NoError(t, err)
	key, err := hex.DecodeString(keyHex)
	require.NoError(t, err)
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// TestAuth_APIKey: with a key configured, unauthenticated calls fail
// while /healthz stays open.
func TestAuth_APIKey(t *testing.T) {
	r := newRig(t, syncAdapter{}, func(o *api.Options) {
		o.Auth = api.AuthConfig{APIKey: "sekrit"}
	})

	resp, _ := postJSON(t, r.server.URL+"/v1/requests", envelopeBody("key-1"), nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = postJSON(t, r.server.URL+"/v1/requests", envelopeBody("key-1"),
		map[string]string{"Authorization": "Bearer sekrit"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, _ = postJSON(t, r.server.URL+"/v1/requests", envelopeBody("key-2"),
		map[string]string{"x-api-key": "sekrit"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, body := getJSON(t, r.server.URL+"/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])
}

// TestRateLimit_Returns429: once the actor's bucket is spent the edge
// answers 429 with a Retry-After hint.
func TestRateLimit_Returns429(t *testing.T) {
	r := newRig(t, syncAdapter{}, func(o *api.Options) {
		o.Limiter = ratelimit.NewMemory(ratelimit.Limit{PerMinute: 60, Burst: 2})
	})

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, _ := getJSON(t, r.server.URL+"/v1/requests?idempotency_key=nope", nil)
		statuses = append(statuses, resp.StatusCode)
	}
	assert.Equal(t, http.StatusNotFound, statuses[0])
	assert.Equal(t, http.StatusNotFound, statuses[1])
	assert.Equal(t, http.StatusTooManyRequests, statuses[2])
}

// TestMetrics_Snapshot: the snapshot endpoint stays public and renders
// the counter map even with no provider configured.
func TestMetrics_Snapshot(t *testing.T) {
	r := newRig(t, syncAdapter{}, func(o *api.Options) {
		o.Auth = api.AuthConfig{APIKey: "sekrit"}
	})

	resp, body := getJSON(t, r.server.URL+"/v1/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_, ok := body["counters"]
	assert.True(t, ok)
}
