package microvm

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/ccos/pkg/runtime"
)

// handlerSetter is implemented by providers that run in-process handlers.
type handlerSetter interface {
	SetHandlers(HandlerTable)
}

// Factory owns the known MicroVM providers by name.
type Factory struct {
	mu        sync.RWMutex
	providers map[string]Provider
	logger    *slog.Logger
}

// NewFactory creates a factory with the built-in providers registered.
func NewFactory() *Factory {
	f := &Factory{
		providers: make(map[string]Provider),
		logger:    slog.Default().With("component", "microvm_factory"),
	}
	f.Register(NewMockProvider())
	f.Register(NewProcessProvider())
	f.Register(NewWasmProvider())
	f.Register(NewGVisorProvider())
	return f
}

// Register adds or replaces a provider.
func (f *Factory) Register(p Provider) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.providers[p.Name()] = p
}

// Get returns the provider registered under name.
func (f *Factory) Get(name string) (Provider, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.providers[name]
	return p, ok
}

// List returns all registered provider names, sorted.
func (f *Factory) List() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.providers))
	for n := range f.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Available returns the names of providers usable on this host, sorted.
func (f *Factory) Available() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.providers))
	for n, p := range f.providers {
		if p.IsAvailable() {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

// InitializeProvider initializes the named provider and returns it.
func (f *Factory) InitializeProvider(ctx context.Context, name string) (Provider, error) {
	p, ok := f.Get(name)
	if !ok {
		return nil, runtime.NewError(runtime.KindNotFound, "", "microvm provider %q not found", name)
	}
	if !p.IsAvailable() {
		return nil, runtime.NewError(runtime.KindProvider, "", "microvm provider %q not available on this host", name)
	}
	if err := p.Initialize(ctx); err != nil {
		return nil, err
	}
	f.logger.InfoContext(ctx, "microvm provider initialized", "provider", name)
	return p, nil
}

// SetHandlers hands the capability handlers to every provider that runs them.
func (f *Factory) SetHandlers(h HandlerTable) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, p := range f.providers {
		if hs, ok := p.(handlerSetter); ok {
			hs.SetHandlers(h)
		}
	}
}

// CleanupAll releases every provider. The first error is returned.
func (f *Factory) CleanupAll(ctx context.Context) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var first error
	for _, p := range f.providers {
		if err := p.Cleanup(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
