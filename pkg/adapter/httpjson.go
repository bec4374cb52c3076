package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Mindburn-Labs/rudder/pkg/plan"
)

// HTTPJSON drives a backend that speaks plain JSON over HTTP. Execute
// POSTs the task to the configured url; a response carrying a job id is
// treated as asynchronous work and polled through CheckStatus against the
// configured status_url.
//
// Backend config keys: "url" (required), "status_url" (required for
// async backends). Secrets key "token" is sent as a bearer token.
type HTTPJSON struct {
	client *http.Client
}

// NewHTTPJSON creates the adapter with a bounded-timeout client.
func NewHTTPJSON() *HTTPJSON {
	return &HTTPJSON{client: &http.Client{Timeout: 30 * time.Second}}
}

// httpTaskEnvelope is the wire shape POSTed to the backend.
type httpTaskEnvelope struct {
	RequestID string         `json:"request_id"`
	TaskID    string         `json:"task_id"`
	Action    string         `json:"action"`
	Input     map[string]any `json:"input,omitempty"`
}

// httpTaskResponse is the wire shape backends answer with. Both job_id
// and external_id are accepted for the job handle.
type httpTaskResponse struct {
	Status     string         `json:"status"`
	JobID      string         `json:"job_id"`
	ExternalID string         `json:"external_id"`
	Output     map[string]any `json:"output"`
	Error      string         `json:"error"`
}

func (h *HTTPJSON) Execute(ctx context.Context, task plan.ExecutionTask, actx Context) (plan.TaskResult, error) {
	url, ok := actx.ConfigString("url")
	if !ok || url == "" {
		return plan.TaskResult{}, fmt.Errorf("backend %q: missing url in config", task.Backend)
	}

	body, err := json.Marshal(httpTaskEnvelope{
		RequestID: actx.RequestID,
		TaskID:    task.ID,
		Action:    task.Action,
		Input:     task.Input,
	})
	if err != nil {
		return plan.TaskResult{}, fmt.Errorf("encode task: %w", err)
	}

	resp, err := h.do(ctx, actx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return plan.TaskResult{}, err
	}
	return h.fold(resp), nil
}

// CheckStatus polls the backend for an asynchronous job.
func (h *HTTPJSON) CheckStatus(ctx context.Context, externalID string, actx Context) (plan.TaskResult, error) {
	base, ok := actx.ConfigString("status_url")
	if !ok || base == "" {
		return plan.TaskResult{}, fmt.Errorf("backend %q: missing status_url in config", actx.Task.Backend)
	}

	url := strings.TrimRight(base, "/") + "/" + externalID
	resp, err := h.do(ctx, actx, http.MethodGet, url, nil)
	if err != nil {
		return plan.TaskResult{}, err
	}
	return h.fold(resp), nil
}

func (h *HTTPJSON) do(ctx context.Context, actx Context, method, url string, body io.Reader) (*httpTaskResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token := actx.Secrets["token"]; token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call backend: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read backend response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("backend returned %d: %s", resp.StatusCode, truncate(raw, 256))
	}

	out := &httpTaskResponse{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, fmt.Errorf("decode backend response: %w", err)
		}
	}
	return out, nil
}

// fold converts the wire response into a task result. A job handle with
// no terminal status means the work continues asynchronously.
func (h *HTTPJSON) fold(resp *httpTaskResponse) plan.TaskResult {
	externalID := resp.ExternalID
	if externalID == "" {
		externalID = resp.JobID
	}

	result := plan.TaskResult{Output: resp.Output, ExternalID: externalID}
	switch {
	case resp.Status != "":
		result.Status = NormalizeStatus(resp.Status)
	case externalID != "":
		result.Status = plan.TaskRunning
	default:
		result.Status = plan.TaskSucceeded
	}

	if resp.Error != "" {
		result.Error = &plan.TaskError{Message: resp.Error}
		if !result.Status.Terminal() {
			result.Status = plan.TaskFailed
		}
	}
	return result
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
