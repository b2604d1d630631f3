package microvm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/ccos/pkg/runtime"
)

// ProcessProvider runs programs as OS processes. The child sees only the
// variables in MicroVMConfig.EnvVars and is killed at the deadline.
// Executions without a Program run the registered in-process handler under
// the same deadline and policy enforcer.
type ProcessProvider struct {
	mu          sync.RWMutex
	initialized bool
	handlers    HandlerTable
	workDir     string
	logger      *slog.Logger
}

// NewProcessProvider creates an uninitialized process provider.
func NewProcessProvider() *ProcessProvider {
	return &ProcessProvider{logger: slog.Default().With("component", "microvm", "provider", "process")}
}

// WithWorkDir sets the working directory for child processes.
func (p *ProcessProvider) WithWorkDir(dir string) *ProcessProvider {
	p.workDir = dir
	return p
}

// SetHandlers installs the capability handlers used for executions without a Program.
func (p *ProcessProvider) SetHandlers(h HandlerTable) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = h
}

func (p *ProcessProvider) Name() string { return "process" }

func (p *ProcessProvider) IsAvailable() bool {
	_, err := exec.LookPath("sh")
	return err == nil
}

func (p *ProcessProvider) Initialize(ctx context.Context) error {
	if !p.IsAvailable() {
		return runtime.NewError(runtime.KindProvider, "", "process provider unavailable: no shell on PATH")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initialized = true
	return nil
}

func (p *ProcessProvider) Cleanup(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initialized = false
	return nil
}

func (p *ProcessProvider) ExecuteProgram(ctx context.Context, ectx *ExecutionContext) (*ExecutionResult, error) {
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

	name, args, err := commandFor(ectx.Program)
	if err != nil {
		return nil, runtime.NewError(runtime.KindProvider, ectx.CapabilityID, "%v", err)
	}

	execCtx, cancel := withDeadline(ctx, ectx.Config)
	defer cancel()

	cmd := exec.CommandContext(execCtx, name, args...)
	cmd.Env = cleanEnv(ectx.Config.EnvVars)
	cmd.Dir = p.workDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if execCtx.Err() != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return nil, timeoutError(ectx.CapabilityID, ectx.Config)
	}
	if err != nil {
		return nil, runtime.ProviderError(ectx.CapabilityID,
			fmt.Errorf("process %s failed: %w: %s", name, err, strings.TrimSpace(stderr.String())))
	}

	p.logger.DebugContext(ctx, "process execution complete",
		"execution_id", ectx.ExecutionID,
		"capability", ectx.CapabilityID,
		"command", name,
	)

	meta := ExecutionMetadata{Duration: time.Since(start)}
	if cmd.ProcessState != nil {
		meta.CPUTime = cmd.ProcessState.UserTime() + cmd.ProcessState.SystemTime()
	}
	return &ExecutionResult{Value: parseOutput(stdout.Bytes()), Metadata: meta}, nil
}

func (p *ProcessProvider) ExecuteCapability(ctx context.Context, ectx *ExecutionContext) (*ExecutionResult, error) {
	return p.ExecuteProgram(ctx, ectx)
}

func (p *ProcessProvider) ConfigSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"work_dir": map[string]any{"type": "string"},
			"timeout":  map[string]any{"type": "string", "description": "Go duration, e.g. 5s"},
		},
	}
}

func commandFor(prog *Program) (string, []string, error) {
	switch prog.Kind {
	case ProgramExternal:
		if prog.Path == "" {
			return "", nil, fmt.Errorf("external program has no path")
		}
		return prog.Path, prog.Args, nil
	case ProgramScript:
		switch strings.ToLower(prog.Language) {
		case "", "sh", "shell", "bash":
			return "sh", append([]string{"-c", prog.Source}, prog.Args...), nil
		case "python", "python3":
			return "python3", append([]string{"-c", prog.Source}, prog.Args...), nil
		case "node", "javascript", "js":
			return "node", append([]string{"-e", prog.Source}, prog.Args...), nil
		}
		return "", nil, fmt.Errorf("unsupported script language %q", prog.Language)
	}
	return "", nil, fmt.Errorf("process provider cannot execute %s programs", prog.Kind)
}

func cleanEnv(vars map[string]string) []string {
	env := make([]string, 0, len(vars))
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// parseOutput decodes JSON stdout; anything else is returned as trimmed text.
func parseOutput(out []byte) any {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return nil
	}
	if v, err := runtime.FromJSON(trimmed); err == nil {
		return v
	}
	return string(trimmed)
}
