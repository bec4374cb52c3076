package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/Mindburn-Labs/rudder/pkg/plan"
)

// WASMConfig configures a wasm backend: the module to run and its
// resource ceilings.
type WASMConfig struct {
	ModulePath       string
	MemoryLimitBytes int64
	Timeout          time.Duration
}

// WASM executes tasks inside a WASI module (pure-Go wazero runtime).
// Deny-by-default: no filesystem, no network, no environment. The module
// reads the task as JSON on stdin and writes a result JSON
// ({status?, output?, error?, external_id?}) on stdout.
type WASM struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	base     wazero.ModuleConfig
	timeout  time.Duration
}

// NewWASM compiles the module once and prepares the sandbox. The caller
// owns Close.
func NewWASM(ctx context.Context, cfg WASMConfig) (*WASM, error) {
	wasmBytes, err := os.ReadFile(cfg.ModulePath)
	if err != nil {
		return nil, fmt.Errorf("read wasm module: %w", err)
	}

	runtimeCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitBytes > 0 {
		// wazero measures memory in 64KB pages.
		pages := uint32(cfg.MemoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}

	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)

	// Only stdio is wired. No FS mounts, no env, no random source, no
	// high-resolution timers.
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	compiled, err := r.CompileModule(ctx, wasmBytes)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("compile wasm module: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &WASM{
		runtime:  r,
		compiled: compiled,
		base:     wazero.NewModuleConfig().WithStartFunctions("_start"),
		timeout:  timeout,
	}, nil
}

// wasmResult is the stdout contract of the module.
type wasmResult struct {
	Status     string         `json:"status"`
	Output     map[string]any `json:"output"`
	Error      string         `json:"error"`
	ExternalID string         `json:"external_id"`
}

func (w *WASM) Execute(ctx context.Context, task plan.ExecutionTask, actx Context) (plan.TaskResult, error) {
	input, err := json.Marshal(httpTaskEnvelope{
		RequestID: actx.RequestID,
		TaskID:    task.ID,
		Action:    task.Action,
		Input:     task.Input,
	})
	if err != nil {
		return plan.TaskResult{}, fmt.Errorf("encode task: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	modCfg := w.base.
		WithName(""). // anonymous: the same module may run concurrently
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := w.runtime.InstantiateModule(runCtx, w.compiled, modCfg)
	if mod != nil {
		defer func() { _ = mod.Close(ctx) }()
	}
	if err != nil {
		var exitErr *sys.ExitError
		switch {
		case errors.As(err, &exitErr) && exitErr.ExitCode() == 0:
			// proc_exit(0) is a normal completion.
		case errors.As(err, &exitErr):
			return plan.TaskResult{
				Status: plan.TaskFailed,
				Error:  &plan.TaskError{Message: fmt.Sprintf("module exited with code %d: %s", exitErr.ExitCode(), truncate(stderr.Bytes(), 256))},
			}, nil
		case runCtx.Err() != nil:
			return plan.TaskResult{}, fmt.Errorf("wasm execution timed out after %v", w.timeout)
		default:
			return plan.TaskResult{}, fmt.Errorf("wasm instantiation failed: %w", err)
		}
	}

	if stdout.Len() == 0 {
		return plan.TaskResult{Status: plan.TaskSucceeded}, nil
	}

	var out wasmResult
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return plan.TaskResult{}, fmt.Errorf("decode module output: %w", err)
	}

	result := plan.TaskResult{Output: out.Output, ExternalID: out.ExternalID}
	if out.Status != "" {
		result.Status = NormalizeStatus(out.Status)
	} else {
		result.Status = plan.TaskSucceeded
	}
	if out.Error != "" {
		result.Error = &plan.TaskError{Message: out.Error}
		if !result.Status.Terminal() {
			result.Status = plan.TaskFailed
		}
	}
	return result, nil
}

// Close releases the wazero runtime.
func (w *WASM) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}
