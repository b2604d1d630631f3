package microvm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/Mindburn-Labs/ccos/pkg/runtime"
)

const wasmPageSize = 64 * 1024

// WasmProvider runs WebAssembly programs with wazero.
//
// Deny-by-default: no filesystem mounts, no network, no host environment.
// Memory is capped by MicroVMConfig.MemoryLimitMB and CPU time by Timeout.
type WasmProvider struct {
	mu          sync.RWMutex
	initialized bool
	handlers    HandlerTable
	logger      *slog.Logger
}

// NewWasmProvider creates an uninitialized wasm provider.
func NewWasmProvider() *WasmProvider {
	return &WasmProvider{logger: slog.Default().With("component", "microvm", "provider", "wasm")}
}

func (p *WasmProvider) Name() string      { return "wasm" }
func (p *WasmProvider) IsAvailable() bool { return true }

// SetHandlers installs the capability handlers used for executions without a Program.
func (p *WasmProvider) SetHandlers(h HandlerTable) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = h
}

func (p *WasmProvider) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initialized = true
	return nil
}

func (p *WasmProvider) Cleanup(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initialized = false
	return nil
}

func (p *WasmProvider) ExecuteProgram(ctx context.Context, ectx *ExecutionContext) (*ExecutionResult, error) {
	p.mu.RLock()
	initialized, handlers := p.initialized, p.handlers
	p.mu.RUnlock()
	if !initialized {
		return nil, errNotInitialized(p.Name())
	}

	start := time.Now()
	if ectx.Program == nil {
		return runHandler(ctx, handlers, ectx, start)
	}
	if ectx.Program.Kind != ProgramWasm {
		return nil, runtime.NewError(runtime.KindProvider, ectx.CapabilityID,
			"wasm provider cannot execute %s programs", ectx.Program.Kind)
	}

	value, err := RunWasmFunction(ctx, ectx.Program.Binary, ectx.Program.Function, ectx.Args, ectx.Config)
	if err != nil {
		var rerr *runtime.Error
		if errors.As(err, &rerr) && rerr.Capability == "" {
			rerr.Capability = ectx.CapabilityID
		}
		return nil, err
	}

	p.logger.DebugContext(ctx, "wasm execution complete",
		"execution_id", ectx.ExecutionID,
		"capability", ectx.CapabilityID,
		"function", ectx.Program.Function,
	)
	return &ExecutionResult{
		Value: value,
		Metadata: ExecutionMetadata{
			Duration:     time.Since(start),
			MemoryUsedMB: ectx.Config.MemoryLimitMB,
			CPUTime:      time.Since(start),
		},
	}, nil
}

func (p *WasmProvider) ExecuteCapability(ctx context.Context, ectx *ExecutionContext) (*ExecutionResult, error) {
	return p.ExecuteProgram(ctx, ectx)
}

func (p *WasmProvider) ConfigSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"memory_limit_mb": map[string]any{"type": "integer", "minimum": 1},
			"timeout":         map[string]any{"type": "string", "description": "Go duration, e.g. 5s"},
		},
	}
}

// RunWasmFunction instantiates module and calls function with args encoded
// from the function's parameter types. An empty function name runs the WASI
// _start entry point with the first arg (if any) as stdin and returns stdout.
func RunWasmFunction(ctx context.Context, module []byte, function string, args []any, cfg runtime.MicroVMConfig) (any, error) {
	execCtx, cancel := withDeadline(ctx, cfg)
	defer cancel()

	rcfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitMB > 0 {
		pages := uint64(cfg.MemoryLimitMB) * 1024 * 1024 / wasmPageSize
		if pages > 65536 {
			pages = 65536
		}
		rcfg = rcfg.WithMemoryLimitPages(uint32(pages))
	}
	r := wazero.NewRuntimeWithConfig(execCtx, rcfg)
	defer func() { _ = r.Close(context.Background()) }()

	wasi_snapshot_preview1.MustInstantiate(execCtx, r)

	compiled, err := r.CompileModule(execCtx, module)
	if err != nil {
		return nil, runtime.NewError(runtime.KindProvider, "", "wasm compilation failed: %v", err)
	}
	defer func() { _ = compiled.Close(context.Background()) }()

	var stdin []byte
	if function == "" && len(args) > 0 {
		if s, ok := runtime.AsString(args[0]); ok {
			stdin = []byte(s)
		} else if b, ok := args[0].([]byte); ok {
			stdin = b
		}
	}

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName("ccos-microvm").
		WithStdin(bytes.NewReader(stdin)).
		WithStdout(&stdout).
		WithStderr(&stderr)
	if function != "" {
		modCfg = modCfg.WithStartFunctions()
	}

	mod, err := r.InstantiateModule(execCtx, compiled, modCfg)
	if err != nil {
		if execCtx.Err() != nil {
			return nil, timeoutError("", cfg)
		}
		return nil, runtime.NewError(runtime.KindProvider, "", "wasm instantiation failed: %v", err)
	}
	defer func() { _ = mod.Close(context.Background()) }()

	if function == "" {
		if stderr.Len() > 0 {
			return stdout.String(), runtime.NewError(runtime.KindProvider, "", "wasm stderr output: %s", stderr.String())
		}
		return stdout.String(), nil
	}

	fn := mod.ExportedFunction(function)
	if fn == nil {
		return nil, runtime.NewError(runtime.KindProvider, "", "wasm module does not export %q", function)
	}
	def := fn.Definition()
	params, err := encodeWasmArgs(def.ParamTypes(), args)
	if err != nil {
		return nil, err
	}

	results, err := fn.Call(execCtx, params...)
	if err != nil {
		if execCtx.Err() != nil {
			return nil, timeoutError("", cfg)
		}
		return nil, runtime.NewError(runtime.KindProvider, "", "wasm call %s failed: %v", function, err)
	}
	return decodeWasmResults(def.ResultTypes(), results), nil
}

func encodeWasmArgs(types []api.ValueType, args []any) ([]uint64, error) {
	if len(types) != len(args) {
		return nil, runtime.ArityMismatch("wasm function", fmt.Sprintf("%d", len(types)), len(args))
	}
	out := make([]uint64, len(args))
	for i, t := range types {
		switch t {
		case api.ValueTypeI32, api.ValueTypeI64:
			n, ok := runtime.AsInt(args[i])
			if !ok {
				return nil, runtime.TypeError("wasm argument", "integer", args[i])
			}
			if t == api.ValueTypeI32 {
				out[i] = api.EncodeI32(int32(n))
			} else {
				out[i] = api.EncodeI64(n)
			}
		case api.ValueTypeF32, api.ValueTypeF64:
			var f float64
			switch v := args[i].(type) {
			case float64:
				f = v
			case float32:
				f = float64(v)
			default:
				n, ok := runtime.AsInt(v)
				if !ok {
					return nil, runtime.TypeError("wasm argument", "float", args[i])
				}
				f = float64(n)
			}
			if t == api.ValueTypeF32 {
				out[i] = api.EncodeF32(float32(f))
			} else {
				out[i] = api.EncodeF64(f)
			}
		default:
			return nil, runtime.NewError(runtime.KindType, "wasm argument", "unsupported parameter type %s", api.ValueTypeName(t))
		}
	}
	return out, nil
}

func decodeWasmResults(types []api.ValueType, results []uint64) any {
	values := make([]any, 0, len(results))
	for i, raw := range results {
		if i >= len(types) {
			break
		}
		switch types[i] {
		case api.ValueTypeI32:
			values = append(values, int64(api.DecodeI32(raw)))
		case api.ValueTypeI64:
			values = append(values, int64(raw))
		case api.ValueTypeF32:
			values = append(values, float64(api.DecodeF32(raw)))
		case api.ValueTypeF64:
			values = append(values, math.Float64frombits(raw))
		default:
			values = append(values, int64(raw))
		}
	}
	switch len(values) {
	case 0:
		return nil
	case 1:
		return values[0]
	}
	return values
}

// runHandler executes a registered handler under the execution deadline.
func runHandler(ctx context.Context, handlers HandlerTable, ectx *ExecutionContext, start time.Time) (*ExecutionResult, error) {
	if handlers == nil {
		return nil, runtime.NotFound(ectx.CapabilityID, "isolated handler")
	}
	h, ok := handlers.Handler(ectx.CapabilityID)
	if !ok {
		return nil, runtime.NotFound(ectx.CapabilityID, "isolated handler")
	}

	execCtx, cancel := withDeadline(ctx, ectx.Config)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := h(execCtx, ectx)
		done <- outcome{v, err}
	}()

	select {
	case <-execCtx.Done():
		return nil, timeoutError(ectx.CapabilityID, ectx.Config)
	case o := <-done:
		if o.err != nil {
			return nil, o.err
		}
		return &ExecutionResult{
			Value: o.value,
			Metadata: ExecutionMetadata{
				Duration: time.Since(start),
				CPUTime:  time.Since(start),
			},
		}, nil
	}
}
