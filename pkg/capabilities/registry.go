package capabilities

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/ccos/pkg/runtime"
	"github.com/Mindburn-Labs/ccos/pkg/runtime/microvm"
	"github.com/Mindburn-Labs/ccos/pkg/runtime/security"
)

// ErrNoProvider is returned when an isolated capability runs before a
// MicroVM provider was selected.
var ErrNoProvider = errors.New("no microvm provider selected")

// Registry holds the built-in capabilities, per-id providers and the
// MicroVM factory. All execution goes through ExecuteCapabilityWithMicroVM.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[string]Capability
	providers    map[string]Provider
	factory      *microvm.Factory
	activeVM     string
	authorizer   security.Authorizer
	agents       AgentDirectory
	out          io.Writer
	clock        func() time.Time
	logger       *slog.Logger

	isolated *isolatedHandlers
	state    *stateStore
	prompts  *promptQueue
}

// NewRegistry creates a registry with the built-ins and the given factory.
// A nil factory gets the default providers.
func NewRegistry(factory *microvm.Factory) *Registry {
	if factory == nil {
		factory = microvm.NewFactory()
	}
	r := &Registry{
		capabilities: make(map[string]Capability),
		providers:    make(map[string]Provider),
		factory:      factory,
		authorizer:   security.NewAuthorizer(),
		out:          os.Stdout,
		clock:        time.Now,
		logger:       slog.Default().With("component", "capability_registry"),
		state:        newStateStore(),
		prompts:      newPromptQueue(),
	}
	r.isolated = newIsolatedHandlers()
	factory.SetHandlers(r.isolated)
	r.registerBuiltins()
	return r
}

// WithClock overrides clock for testing.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// WithOutput redirects ccos.io.print and ccos.io.println.
func (r *Registry) WithOutput(w io.Writer) *Registry {
	r.out = w
	return r
}

// WithAuthorizer replaces the default security authorizer.
func (r *Registry) WithAuthorizer(a security.Authorizer) *Registry {
	r.authorizer = a
	return r
}

// SetAgentDirectory installs the backend for the agent discovery built-ins.
func (r *Registry) SetAgentDirectory(d AgentDirectory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = d
}

// Factory returns the MicroVM factory.
func (r *Registry) Factory() *microvm.Factory { return r.factory }

// RegisterCapability adds or replaces a built-in.
func (r *Registry) RegisterCapability(c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capabilities[c.ID] = c
}

// RegisterProvider installs a provider that fully owns execution of id.
func (r *Registry) RegisterProvider(id string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[id] = p
}

// UnregisterProvider removes the provider for id.
func (r *Registry) UnregisterProvider(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, id)
}

// HasProvider reports whether a provider owns id.
func (r *Registry) HasProvider(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[id]
	return ok
}

// GetCapability returns the built-in registered under id.
func (r *Registry) GetCapability(id string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.capabilities[id]
	return c, ok
}

// ListCapabilities returns built-in ids, sorted.
func (r *Registry) ListCapabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.capabilities))
	for id := range r.capabilities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SetMicroVMProvider selects and initializes the provider used for
// isolated capabilities. Unknown or unavailable names are errors.
func (r *Registry) SetMicroVMProvider(ctx context.Context, name string) error {
	available := r.factory.Available()
	if !slices.Contains(available, name) {
		return runtime.NewError(runtime.KindNotFound, "",
			"microvm provider %q not available; available providers: %s", name, strings.Join(available, ", "))
	}
	if _, err := r.factory.InitializeProvider(ctx, name); err != nil {
		return err
	}
	r.mu.Lock()
	r.activeVM = name
	r.mu.Unlock()
	r.logger.InfoContext(ctx, "microvm provider selected", "provider", name)
	return nil
}

// MicroVMProvider returns the selected provider name.
func (r *Registry) MicroVMProvider() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeVM, r.activeVM != ""
}

// ListMicroVMProviders returns providers usable on this host.
func (r *Registry) ListMicroVMProviders() []string {
	return r.factory.Available()
}

// ExecuteCapabilityWithMicroVM is the sole execution entry point.
//
//  1. A registered provider for id owns execution.
//  2. Isolation-required ids are authorized against rtctx (nil is
//     rejected) and run in the selected MicroVM provider.
//  3. Anything else is a built-in invoked directly.
func (r *Registry) ExecuteCapabilityWithMicroVM(ctx context.Context, id string, args []any, rtctx *security.RuntimeContext) (any, error) {
	r.mu.RLock()
	provider, hasProvider := r.providers[id]
	r.mu.RUnlock()

	if hasProvider {
		return provider.ExecuteCapability(ctx, id, args, rtctx)
	}
	if security.RequiresIsolation(id) {
		return r.executeInMicroVM(ctx, id, args, rtctx)
	}
	return r.ExecuteCapability(ctx, id, args)
}

func (r *Registry) executeInMicroVM(ctx context.Context, id string, args []any, rtctx *security.RuntimeContext) (any, error) {
	required, err := r.authorizer.AuthorizeCapability(rtctx, id, args)
	if err != nil {
		return nil, err
	}
	if rtctx == nil {
		return nil, runtime.SecurityViolation(id, "no runtime context supplied for isolated capability")
	}

	name, ok := r.MicroVMProvider()
	if !ok {
		return nil, runtime.NewError(runtime.KindProvider, id, "%v", ErrNoProvider)
	}
	provider, ok := r.factory.Get(name)
	if !ok {
		return nil, runtime.NewError(runtime.KindNotFound, id, "microvm provider %q not found", name)
	}

	cfg := runtime.DefaultMicroVMConfig()
	if rtctx.MicroVMConfigOverride != nil {
		cfg = *rtctx.MicroVMConfigOverride
	}
	ectx := &microvm.ExecutionContext{
		ExecutionID:           "exec_" + uuid.NewString(),
		CapabilityID:          id,
		CapabilityPermissions: rtctx.GrantedPermissions(id),
		Args:                  args,
		Config:                cfg,
		RuntimeContext:        rtctx,
	}
	if err := security.ValidateExecutionContext(required, ectx.CapabilityPermissions); err != nil {
		return nil, err
	}

	if rtctx.LogCapabilityCalls {
		r.logger.InfoContext(ctx, "isolated capability execution",
			"capability", id,
			"execution_id", ectx.ExecutionID,
			"provider", name,
		)
	}
	res, err := provider.ExecuteCapability(ctx, ectx)
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

// ExecuteCapability invokes a built-in directly, with an arity check.
// Isolation-required built-ins refuse to run here.
func (r *Registry) ExecuteCapability(ctx context.Context, id string, args []any) (any, error) {
	c, ok := r.GetCapability(id)
	if !ok {
		return nil, runtime.AuthorizationError(id, "unknown capability "+id)
	}
	if err := c.Arity.Check(id, len(args)); err != nil {
		return nil, err
	}
	return c.Func(ctx, args)
}

// Close releases open file handles and cleans up every MicroVM provider.
func (r *Registry) Close(ctx context.Context) error {
	r.isolated.CloseAll()
	return r.factory.CleanupAll(ctx)
}
