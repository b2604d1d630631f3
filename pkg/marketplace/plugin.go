package marketplace

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/Mindburn-Labs/ccos/pkg/runtime"
	"github.com/Mindburn-Labs/ccos/pkg/runtime/microvm"
)

// PluginExecutor runs WebAssembly plugins in the wazero sandbox. Module
// bytes are cached per path.
type PluginExecutor struct {
	cfg runtime.MicroVMConfig

	mu      sync.Mutex
	modules map[string][]byte
}

func NewPluginExecutor(cfg runtime.MicroVMConfig) *PluginExecutor {
	return &PluginExecutor{cfg: cfg, modules: make(map[string][]byte)}
}

func (*PluginExecutor) Kind() ProviderKind { return ProviderPlugin }

func (e *PluginExecutor) module(path string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.modules[path]; ok {
		return b, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plugin %s: %w", path, err)
	}
	e.modules[path] = b
	return b, nil
}

func (e *PluginExecutor) Execute(ctx context.Context, m *CapabilityManifest, args []any) (any, error) {
	p := m.Provider.Plugin
	mod, err := e.module(p.PluginPath)
	if err != nil {
		return nil, err
	}
	return microvm.RunWasmFunction(ctx, mod, p.FunctionName, args, e.cfg)
}
