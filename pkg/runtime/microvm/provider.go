// Package microvm provides the isolated execution boundary for dangerous capabilities.
//
// A Provider executes an ExecutionContext under a MicroVMConfig:
//   - mock: in-memory simulation for tests and development
//   - process: OS process with clean environment and deadline
//   - wasm: WebAssembly (wazero), deny-by-default
//   - firecracker / gvisor: Linux-only, available when their runtimes are installed
package microvm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/ccos/pkg/runtime"
	"github.com/Mindburn-Labs/ccos/pkg/runtime/security"
)

// ProgramKind selects how a Program is executed.
type ProgramKind string

const (
	ProgramScript   ProgramKind = "script"   // Source interpreted by Language
	ProgramExternal ProgramKind = "external" // Path executed with Args
	ProgramWasm     ProgramKind = "wasm"     // Binary executed by the wasm provider
	ProgramRTFS     ProgramKind = "rtfs"     // RTFS source, evaluated by the host runtime
)

// Program is optional code shipped with an execution request.
type Program struct {
	Kind     ProgramKind `json:"kind"`
	Language string      `json:"language,omitempty"`
	Source   string      `json:"source,omitempty"`
	Binary   []byte      `json:"binary,omitempty"`
	Path     string      `json:"path,omitempty"`
	Args     []string    `json:"args,omitempty"`
	// Function is the exported wasm function to call; empty runs _start.
	Function string `json:"function,omitempty"`
}

// IsNetworkOperation is a coarse heuristic used for execution metadata.
func (p *Program) IsNetworkOperation() bool {
	if p == nil {
		return false
	}
	if strings.Contains(p.Source, "http") || strings.Contains(p.Source, "network") {
		return true
	}
	if strings.Contains(p.Path, "curl") || strings.Contains(p.Path, "wget") {
		return true
	}
	for _, a := range p.Args {
		if strings.Contains(a, "http") {
			return true
		}
	}
	return false
}

// IsFileOperation is a coarse heuristic used for execution metadata.
func (p *Program) IsFileOperation() bool {
	if p == nil {
		return false
	}
	return strings.Contains(p.Source, "file") || strings.Contains(p.Path, "cat") || strings.Contains(p.Path, "cp")
}

// ExecutionContext is one isolated execution request.
type ExecutionContext struct {
	ExecutionID           string
	Program               *Program
	CapabilityID          string
	CapabilityPermissions []string
	Args                  []any
	Config                runtime.MicroVMConfig
	RuntimeContext        *security.RuntimeContext

	enforcerOnce sync.Once
	enforcer     *PolicyEnforcer
}

// Enforcer returns the policy enforcer bound to this execution's config.
func (c *ExecutionContext) Enforcer() *PolicyEnforcer {
	c.enforcerOnce.Do(func() {
		c.enforcer = NewPolicyEnforcer(c.Config)
	})
	return c.enforcer
}

// HasPermission reports whether perm was granted to this execution.
func (c *ExecutionContext) HasPermission(perm string) bool {
	for _, p := range c.CapabilityPermissions {
		if p == perm {
			return true
		}
	}
	return false
}

// NetworkRequest records one outbound request made during execution.
type NetworkRequest struct {
	URL           string `json:"url"`
	Method        string `json:"method"`
	StatusCode    int    `json:"status_code,omitempty"`
	BytesSent     uint64 `json:"bytes_sent"`
	BytesReceived uint64 `json:"bytes_received"`
}

// FileOperation records one filesystem access made during execution.
type FileOperation struct {
	Path           string `json:"path"`
	Operation      string `json:"operation"` // read, write, create, delete
	BytesProcessed uint64 `json:"bytes_processed"`
}

// ExecutionMetadata describes what an execution consumed.
type ExecutionMetadata struct {
	Duration        time.Duration    `json:"duration"`
	MemoryUsedMB    uint64           `json:"memory_used_mb"`
	CPUTime         time.Duration    `json:"cpu_time"`
	NetworkRequests []NetworkRequest `json:"network_requests,omitempty"`
	FileOperations  []FileOperation  `json:"file_operations,omitempty"`
}

// ExecutionResult is the value produced by an isolated execution.
type ExecutionResult struct {
	Value    any
	Metadata ExecutionMetadata
}

// Provider is an isolated execution backend.
type Provider interface {
	Name() string
	IsAvailable() bool
	Initialize(ctx context.Context) error
	ExecuteProgram(ctx context.Context, ectx *ExecutionContext) (*ExecutionResult, error)
	ExecuteCapability(ctx context.Context, ectx *ExecutionContext) (*ExecutionResult, error)
	Cleanup(ctx context.Context) error
	ConfigSchema() map[string]any
}

// CapabilityHandler runs a capability inside a provider. Handlers receive the
// execution context so they can enforce its MicroVMConfig.
type CapabilityHandler func(ctx context.Context, ectx *ExecutionContext) (any, error)

// HandlerTable resolves capability handlers by id. Providers consult it when
// an execution carries no Program.
type HandlerTable interface {
	Handler(capabilityID string) (CapabilityHandler, bool)
}

// errNotInitialized is returned by providers used before Initialize.
func errNotInitialized(name string) error {
	return runtime.NewError(runtime.KindProvider, "", "%s microvm provider not initialized", name)
}

func withDeadline(ctx context.Context, cfg runtime.MicroVMConfig) (context.Context, context.CancelFunc) {
	if cfg.Timeout > 0 {
		return context.WithTimeout(ctx, cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

func timeoutError(capabilityID string, cfg runtime.MicroVMConfig) error {
	return &runtime.Error{
		Kind:       runtime.KindProvider,
		Code:       "ERR_COMPUTE_TIME_EXHAUSTED",
		Capability: capabilityID,
		Message:    fmt.Sprintf("execution exceeded time limit (%s)", cfg.Timeout),
	}
}
