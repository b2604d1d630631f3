package microvm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// MockProvider simulates isolated execution. It never touches the host.
type MockProvider struct {
	mu          sync.RWMutex
	initialized bool
	delay       time.Duration
	respond     CapabilityHandler
	logger      *slog.Logger
}

// NewMockProvider creates an uninitialized mock provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{logger: slog.Default().With("component", "microvm", "provider", "mock")}
}

// WithDelay adds artificial latency to every execution.
func (p *MockProvider) WithDelay(d time.Duration) *MockProvider {
	p.delay = d
	return p
}

// WithResponder overrides the simulated value.
func (p *MockProvider) WithResponder(fn CapabilityHandler) *MockProvider {
	p.respond = fn
	return p
}

func (p *MockProvider) Name() string      { return "mock" }
func (p *MockProvider) IsAvailable() bool { return true }

func (p *MockProvider) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initialized = true
	return nil
}

func (p *MockProvider) Cleanup(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initialized = false
	return nil
}

func (p *MockProvider) ExecuteProgram(ctx context.Context, ectx *ExecutionContext) (*ExecutionResult, error) {
	p.mu.RLock()
	initialized := p.initialized
	p.mu.RUnlock()
	if !initialized {
		return nil, errNotInitialized(p.Name())
	}

	start := time.Now()
	execCtx, cancel := withDeadline(ctx, ectx.Config)
	defer cancel()

	if p.delay > 0 {
		select {
		case <-execCtx.Done():
			return nil, timeoutError(ectx.CapabilityID, ectx.Config)
		case <-time.After(p.delay):
		}
	}

	p.logger.DebugContext(ctx, "mock execution",
		"execution_id", ectx.ExecutionID,
		"capability", ectx.CapabilityID,
		"args", len(ectx.Args),
	)

	var value any
	switch {
	case p.respond != nil:
		v, err := p.respond(execCtx, ectx)
		if err != nil {
			return nil, err
		}
		value = v
	case ectx.Program != nil:
		value = fmt.Sprintf("mock execution of %s program", ectx.Program.Kind)
	default:
		value = fmt.Sprintf("mock execution of %s", ectx.CapabilityID)
	}

	meta := ExecutionMetadata{
		Duration:     time.Since(start),
		MemoryUsedMB: 1,
		CPUTime:      100 * time.Microsecond,
	}
	if ectx.Program.IsNetworkOperation() || ectx.CapabilityID == "ccos.network.http-fetch" {
		meta.NetworkRequests = []NetworkRequest{{
			URL: "https://mock-api.example.com", Method: "GET", StatusCode: 200, BytesSent: 100, BytesReceived: 500,
		}}
	}
	if ectx.Program.IsFileOperation() || strings.HasSuffix(ectx.CapabilityID, "-file") || strings.HasSuffix(ectx.CapabilityID, "-line") {
		meta.FileOperations = []FileOperation{{Path: "/mock/file.txt", Operation: "read", BytesProcessed: 100}}
	}
	return &ExecutionResult{Value: value, Metadata: meta}, nil
}

func (p *MockProvider) ExecuteCapability(ctx context.Context, ectx *ExecutionContext) (*ExecutionResult, error) {
	return p.ExecuteProgram(ctx, ectx)
}

func (p *MockProvider) ConfigSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"mock_delay_ms": map[string]any{"type": "integer", "description": "Artificial delay in milliseconds"},
		},
	}
}
