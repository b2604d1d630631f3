package marketplace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/ccos/pkg/capabilities"
	"github.com/Mindburn-Labs/ccos/pkg/causalchain"
	"github.com/Mindburn-Labs/ccos/pkg/isolation"
	"github.com/Mindburn-Labs/ccos/pkg/observability"
	"github.com/Mindburn-Labs/ccos/pkg/runtime"
	"github.com/Mindburn-Labs/ccos/pkg/runtime/security"
	"github.com/Mindburn-Labs/ccos/pkg/throttle"
	"github.com/Mindburn-Labs/ccos/pkg/util/resiliency"
)

// Marketplace owns the manifest catalog and executes capabilities through
// it. Ids without a manifest fall back to the registry.
type Marketplace struct {
	mu        sync.RWMutex
	catalog   map[string]*CapabilityManifest
	registry  *capabilities.Registry
	chain     *causalchain.CausalChain
	policy    *isolation.CapabilityIsolationPolicy
	cond      *isolation.ConditionEvaluator
	monitor   *isolation.ResourceMonitor
	limiter   throttle.RateLimiter
	gate      throttle.Gate
	executors map[ProviderKind]Executor
	agents    []DiscoveryAgent
	verifier  *AttestationVerifier
	schemas   *schemaCache
	telemetry *observability.Provider
	slo       *observability.SLOTracker
	clock     func() time.Time
	logger    *slog.Logger
}

// New creates a marketplace over registry with the default policy, an
// in-process rate limiter and concurrency gate, and one executor per
// provider kind. A nil registry gets a fresh one.
func New(registry *capabilities.Registry) *Marketplace {
	if registry == nil {
		registry = capabilities.NewRegistry(nil)
	}
	logger := slog.Default().With("component", "capability_marketplace")
	cond, err := isolation.NewConditionEvaluator()
	if err != nil {
		logger.Error("policy condition evaluator unavailable; conditional policies will deny", "error", err)
	}
	gate := throttle.NewLocalGate()
	m := &Marketplace{
		catalog:   make(map[string]*CapabilityManifest),
		registry:  registry,
		policy:    isolation.DefaultPolicy(),
		cond:      cond,
		monitor:   isolation.NewResourceMonitor(isolation.MonitoringConfig{Enabled: true}),
		limiter:   throttle.NewLocalRateLimiter(),
		gate:      gate,
		executors: make(map[ProviderKind]Executor),
		schemas:   newSchemaCache(),
		clock:     time.Now,
		logger:    logger,
	}
	m.monitor.RegisterProvider(isolation.ConcurrencyProvider(gate))

	client := resiliency.NewClient()
	for _, e := range []Executor{
		LocalExecutor{},
		NewHTTPExecutor(client),
		NewMCPExecutor(client),
		NewA2AExecutor(client),
		NewPluginExecutor(runtime.DefaultMicroVMConfig()),
		NewRemoteRTFSExecutor(client),
		NewStreamExecutor(),
	} {
		m.executors[e.Kind()] = e
	}
	return m
}

// WithClock overrides clock for testing.
func (m *Marketplace) WithClock(clock func() time.Time) *Marketplace {
	m.clock = clock
	return m
}

// WithCausalChain records lifecycle events and every execution attempt.
func (m *Marketplace) WithCausalChain(c *causalchain.CausalChain) *Marketplace {
	m.chain = c
	return m
}

// WithResourceMonitor replaces the monitor. The concurrency provider is
// registered against the marketplace gate.
func (m *Marketplace) WithResourceMonitor(mon *isolation.ResourceMonitor) *Marketplace {
	mon.RegisterProvider(isolation.ConcurrencyProvider(m.gate))
	m.monitor = mon
	return m
}

func (m *Marketplace) WithRateLimiter(l throttle.RateLimiter) *Marketplace {
	m.limiter = l
	return m
}

// WithGate replaces the concurrency gate, for example with a Redis gate
// shared across processes.
func (m *Marketplace) WithGate(g throttle.Gate) *Marketplace {
	m.gate = g
	m.monitor.RegisterProvider(isolation.ConcurrencyProvider(g))
	return m
}

func (m *Marketplace) WithAttestationVerifier(v *AttestationVerifier) *Marketplace {
	m.verifier = v
	return m
}

func (m *Marketplace) WithObservability(p *observability.Provider) *Marketplace {
	m.telemetry = p
	return m
}

// WithSLOTracker records every execution's latency and outcome.
func (m *Marketplace) WithSLOTracker(t *observability.SLOTracker) *Marketplace {
	m.slo = t
	return m
}

// WithExecutor installs or replaces the executor for its provider kind.
func (m *Marketplace) WithExecutor(e Executor) *Marketplace {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executors[e.Kind()] = e
	return m
}

// AddDiscoveryAgent adds an agent that Bootstrap runs.
func (m *Marketplace) AddDiscoveryAgent(a DiscoveryAgent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents = append(m.agents, a)
}

// SetIsolationPolicy replaces the policy. The policy is compiled first.
func (m *Marketplace) SetIsolationPolicy(p *isolation.CapabilityIsolationPolicy) {
	p.Compile()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policy = p
}

// IsolationPolicy returns the active policy.
func (m *Marketplace) IsolationPolicy() *isolation.CapabilityIsolationPolicy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.policy
}

func (m *Marketplace) Registry() *capabilities.Registry { return m.registry }

// RegisterManifest validates m and adds it to the catalog. A missing
// provenance is filled in from the manifest id and version.
func (m *Marketplace) RegisterManifest(ctx context.Context, manifest *CapabilityManifest) error {
	if err := manifest.Validate(); err != nil {
		return err
	}
	c := manifest.Clone()
	c.Provider.Kind = c.Provider.Resolved()
	if c.Provenance == nil {
		c.Provenance = newProvenance("manual_registration", c.Version, c.ID+"@"+c.Version, m.clock())
	} else if c.Provenance.RegisteredAt.IsZero() {
		c.Provenance.RegisteredAt = m.clock().UTC()
	}

	m.mu.Lock()
	if _, exists := m.catalog[c.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateCapability, c.ID)
	}
	m.catalog[c.ID] = c
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "capability registered", "capability", c.ID, "provider", c.Provider.Kind, "version", c.Version)
	return m.logLifecycle(ctx, causalchain.ActionCapabilityRegistered, c, nil)
}

// UpdateCapability replaces an existing manifest with a strictly newer
// version. Breaking changes are logged and recorded on the chain.
func (m *Marketplace) UpdateCapability(ctx context.Context, manifest *CapabilityManifest) error {
	if err := manifest.Validate(); err != nil {
		return err
	}
	c := manifest.Clone()
	c.Provider.Kind = c.Provider.Resolved()

	m.mu.Lock()
	old, ok := m.catalog[c.ID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, c.ID)
	}
	oldV := semver.MustParse(old.Version)
	newV := semver.MustParse(c.Version)
	if !newV.GreaterThan(oldV) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s: version %s is not newer than %s", ErrInvalidManifest, c.ID, c.Version, old.Version)
	}
	if c.Provenance == nil {
		c.Provenance = newProvenance("manual_update", c.Version, c.ID+"@"+c.Version, m.clock())
		c.Provenance.CustodyChain = append(slices.Clone(old.Provenance.CustodyChain), "manual_update")
	}
	breaking, _ := DetectBreakingChanges(old, c)
	m.catalog[c.ID] = c
	m.mu.Unlock()
	m.schemas.forget(c.ID)
	if c.Provider.Kind == ProviderLocal && c.Provider.Local.Handler != nil && m.registry.HasProvider(c.ID) {
		m.registry.RegisterProvider(c.ID, localProvider(c.Provider.Local.Handler))
	}

	if len(breaking) > 0 {
		m.logger.WarnContext(ctx, "capability updated with breaking changes", "capability", c.ID, "changes", breaking)
	}
	meta := map[string]any{"previous_version": old.Version}
	if len(breaking) > 0 {
		changes := make([]any, len(breaking))
		for i, b := range breaking {
			changes[i] = b
		}
		meta["breaking_changes"] = changes
	}
	return m.logLifecycle(ctx, causalchain.ActionCapabilityUpdated, c, meta)
}

// RemoveCapability drops id from the catalog and from the registry when
// the marketplace installed it there.
func (m *Marketplace) RemoveCapability(ctx context.Context, id string) error {
	m.mu.Lock()
	c, ok := m.catalog[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.catalog, id)
	m.mu.Unlock()
	m.schemas.forget(id)
	if c.Provider.Kind == ProviderLocal && m.registry.HasProvider(id) {
		m.registry.UnregisterProvider(id)
	}
	return m.logLifecycle(ctx, causalchain.ActionCapabilityRemoved, c, nil)
}

func (m *Marketplace) logLifecycle(ctx context.Context, t causalchain.ActionType, c *CapabilityManifest, extra map[string]any) error {
	if m.chain == nil {
		return nil
	}
	meta := map[string]any{
		"name":     c.Name,
		"version":  c.Version,
		"provider": string(c.Provider.Kind),
	}
	for k, v := range extra {
		meta[k] = v
	}
	if _, err := m.chain.LogCapabilityLifecycle(ctx, t, c.ID, meta); err != nil {
		return fmt.Errorf("record %s for %s: %w", t, c.ID, err)
	}
	return nil
}

// RegisterLocalCapability registers an in-process handler. The handler is
// also installed as the registry provider for id, so registry execution
// reaches it. Isolation-required ids cannot be shadowed.
func (m *Marketplace) RegisterLocalCapability(ctx context.Context, id, name, description string, handler LocalHandler) error {
	return m.RegisterLocalCapabilityWithEffects(ctx, id, name, description, handler, nil)
}

// RegisterLocalCapabilityWithEffects is RegisterLocalCapability with
// declared effects.
func (m *Marketplace) RegisterLocalCapabilityWithEffects(ctx context.Context, id, name, description string, handler LocalHandler, effects []string) error {
	if security.RequiresIsolation(id) {
		return runtime.IsolationRoutingError(id)
	}
	if handler == nil {
		return fmt.Errorf("%w: %s: nil handler", ErrInvalidManifest, id)
	}
	err := m.RegisterManifest(ctx, &CapabilityManifest{
		ID:          id,
		Name:        name,
		Description: description,
		Version:     "1.0.0",
		Provider:    ProviderSpec{Kind: ProviderLocal, Local: &LocalProvider{Handler: handler}},
		Effects:     effects,
		Provenance:  newProvenance("local_registration", "1.0.0", "local:"+id, m.clock()),
	})
	if err != nil {
		return err
	}
	m.registry.RegisterProvider(id, localProvider(handler))
	return nil
}

func localProvider(h LocalHandler) capabilities.ProviderFunc {
	return func(ctx context.Context, _ string, args []any, _ *security.RuntimeContext) (any, error) {
		return h(ctx, args)
	}
}

// RegisterStreamingCapability registers a local stream producer.
func (m *Marketplace) RegisterStreamingCapability(ctx context.Context, id, name, description, streamType string, handler StreamHandler) error {
	return m.RegisterManifest(ctx, &CapabilityManifest{
		ID:          id,
		Name:        name,
		Description: description,
		Version:     "1.0.0",
		Provider:    ProviderSpec{Kind: ProviderStream, Stream: &StreamProvider{StreamType: streamType, Handler: handler}},
		Provenance:  newProvenance("stream_registration", "1.0.0", "stream:"+id, m.clock()),
	})
}

func (m *Marketplace) RegisterHTTPCapability(ctx context.Context, id, name, description, baseURL, authToken string, timeoutMS uint64) error {
	return m.RegisterManifest(ctx, &CapabilityManifest{
		ID:          id,
		Name:        name,
		Description: description,
		Version:     "1.0.0",
		Provider:    ProviderSpec{Kind: ProviderHTTP, HTTP: &HTTPProvider{BaseURL: baseURL, AuthToken: authToken, TimeoutMS: timeoutMS}},
		Provenance:  newProvenance("http_registration", "1.0.0", "http:"+baseURL, m.clock()),
	})
}

func (m *Marketplace) RegisterMCPCapability(ctx context.Context, id, name, description, serverURL, toolName string, timeoutMS uint64) error {
	return m.RegisterManifest(ctx, &CapabilityManifest{
		ID:          id,
		Name:        name,
		Description: description,
		Version:     "1.0.0",
		Provider:    ProviderSpec{Kind: ProviderMCP, MCP: &MCPProvider{ServerURL: serverURL, ToolName: toolName, TimeoutMS: timeoutMS}},
		Provenance:  newProvenance("mcp_registration", "1.0.0", "mcp:"+serverURL+":"+toolName, m.clock()),
	})
}

func (m *Marketplace) RegisterA2ACapability(ctx context.Context, id, name, description, agentID, endpoint, protocol string, timeoutMS uint64) error {
	return m.RegisterManifest(ctx, &CapabilityManifest{
		ID:          id,
		Name:        name,
		Description: description,
		Version:     "1.0.0",
		Provider:    ProviderSpec{Kind: ProviderA2A, A2A: &A2AProvider{AgentID: agentID, Endpoint: endpoint, Protocol: protocol, TimeoutMS: timeoutMS}},
		Provenance:  newProvenance("a2a_registration", "1.0.0", "a2a:"+agentID+":"+endpoint, m.clock()),
	})
}

func (m *Marketplace) RegisterPluginCapability(ctx context.Context, id, name, description, pluginPath, functionName string) error {
	return m.RegisterManifest(ctx, &CapabilityManifest{
		ID:          id,
		Name:        name,
		Description: description,
		Version:     "1.0.0",
		Provider:    ProviderSpec{Kind: ProviderPlugin, Plugin: &PluginProvider{PluginPath: pluginPath, FunctionName: functionName}},
		Provenance:  newProvenance("plugin_registration", "1.0.0", "plugin:"+pluginPath+":"+functionName, m.clock()),
	})
}

func (m *Marketplace) RegisterRemoteRTFSCapability(ctx context.Context, id, name, description, endpoint, authToken string, timeoutMS uint64) error {
	return m.RegisterManifest(ctx, &CapabilityManifest{
		ID:          id,
		Name:        name,
		Description: description,
		Version:     "1.0.0",
		Provider:    ProviderSpec{Kind: ProviderRemoteRTFS, RemoteRTFS: &RemoteRTFSProvider{Endpoint: endpoint, AuthToken: authToken, TimeoutMS: timeoutMS}},
		Provenance:  newProvenance("remote_rtfs_registration", "1.0.0", "remote_rtfs:"+endpoint, m.clock()),
	})
}

// GetCapability returns a copy of the manifest for id.
func (m *Marketplace) GetCapability(id string) (*CapabilityManifest, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.catalog[id]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// ListCapabilities returns copies of every manifest, sorted by id.
func (m *Marketplace) ListCapabilities() []*CapabilityManifest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*CapabilityManifest, 0, len(m.catalog))
	for _, c := range m.catalog {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Marketplace) HasCapability(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.catalog[id]
	return ok
}

func (m *Marketplace) CapabilityCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.catalog)
}

// ExecuteCapability runs id with args. The order is fixed: access policy,
// rate and concurrency limits, resource limits, then dispatch with schema
// and attestation checks. With a chain wired, every attempt appends one
// CapabilityCall and one CapabilityResult, including rejected attempts.
func (m *Marketplace) ExecuteCapability(ctx context.Context, id string, args []any) (result any, err error) {
	planID, intentID := ScopeFrom(ctx)
	if m.telemetry != nil {
		var done func(error)
		ctx, done = m.telemetry.TrackCapability(ctx, id, isolation.Namespace(id), planID)
		defer func() { done(err) }()
	}
	if m.slo != nil {
		start := m.clock()
		defer func() {
			m.slo.Record(observability.SLOObservation{
				CapabilityID: id,
				Latency:      m.clock().Sub(start),
				Success:      err == nil,
			})
		}()
	}

	var call *causalchain.Action
	if m.chain != nil {
		call, err = m.chain.LogCapabilityCall(ctx, planID, intentID, id, id, args)
		if err != nil {
			return nil, fmt.Errorf("record call to %s: %w", id, err)
		}
	}

	manifest, hasManifest := m.GetCapability(id)
	result, err = m.execute(ctx, id, manifest, hasManifest, args)

	if call != nil {
		res := causalchain.ExecutionResult{Success: err == nil, Value: result, Metadata: map[string]any{}}
		if hasManifest {
			res.Metadata["provider"] = string(manifest.Provider.Kind)
		} else {
			res.Metadata["provider"] = "registry"
		}
		if err != nil {
			res.Error = err.Error()
			if kind := runtime.KindOf(err); kind != "" {
				res.Metadata["error_kind"] = string(kind)
			}
		}
		if rerr := m.chain.RecordResult(ctx, call, res); rerr != nil {
			m.logger.ErrorContext(ctx, "failed to record capability result", "capability", id, "error", rerr)
			if err == nil {
				err = fmt.Errorf("record result of %s: %w", id, rerr)
				result = nil
			}
		}
	}
	return result, err
}

func (m *Marketplace) execute(ctx context.Context, id string, manifest *CapabilityManifest, hasManifest bool, args []any) (any, error) {
	m.mu.RLock()
	policy := m.policy
	m.mu.RUnlock()

	if err := policy.CheckAccess(m.cond, id, m.clock()); err != nil {
		return nil, err
	}

	limit := 0
	if hasManifest {
		if manifest.RateLimit != nil {
			if err := throttle.Check(ctx, m.limiter, id, *manifest.RateLimit); err != nil {
				return nil, runtime.NewError(runtime.KindSecurityViolation, id, "%v", err)
			}
		}
		limit = manifest.MaxConcurrent
	}
	release, err := m.gate.Acquire(ctx, id, limit)
	if err != nil {
		return nil, runtime.NewError(runtime.KindSecurityViolation, id, "%v", err)
	}
	defer release()

	constraints := policy.ConstraintsFor(id)
	if constraints != nil {
		vs := m.monitor.CheckViolations(ctx, id, constraints)
		if isolation.HasHardViolation(vs) {
			return nil, runtime.SecurityViolation(id, "resource limits exceeded: "+violationSummary(vs))
		}
		for _, v := range vs {
			m.logger.WarnContext(ctx, "soft resource violation", "capability", id, "violation", v.String())
			if m.telemetry != nil {
				m.telemetry.RecordViolation(ctx, id, string(v.ResourceType))
			}
		}
	}

	start := m.clock()
	var result any
	if hasManifest {
		result, err = m.dispatch(ctx, manifest, args)
	} else {
		m.logger.DebugContext(ctx, "no manifest; falling back to registry", "capability", id)
		result, err = m.registry.ExecuteCapabilityWithMicroVM(ctx, id, args, runtimeContextFor(ctx, id))
	}
	if err != nil {
		return nil, err
	}

	if constraints != nil {
		usage := m.monitor.Snapshot(ctx, id, constraints)
		usage.Set(isolation.ResourceExecutionTime, m.clock().Sub(start).Seconds(), "s")
		if vs := constraints.CheckResourceLimits(usage); len(vs) > 0 {
			m.logger.WarnContext(ctx, "post-execution resource violations", "capability", id, "violations", violationSummary(vs))
		}
	}
	return result, nil
}

func (m *Marketplace) dispatch(ctx context.Context, manifest *CapabilityManifest, args []any) (any, error) {
	id := manifest.ID
	key := id + "@" + manifest.Version
	if err := m.schemas.validate(key+"#input", manifest.InputSchema, inputDocument(args)); err != nil {
		return nil, runtime.NewError(runtime.KindInvalidArgument, id, "input schema validation failed: %v", err)
	}
	if m.verifier != nil {
		if err := m.verifier.Verify(manifest); err != nil {
			return nil, runtime.SecurityViolation(id, err.Error())
		}
	}

	m.mu.RLock()
	exec, ok := m.executors[manifest.Provider.Kind]
	m.mu.RUnlock()
	if !ok {
		return nil, runtime.NewError(runtime.KindProvider, id, "no executor for provider kind %q", manifest.Provider.Kind)
	}
	result, err := exec.Execute(ctx, manifest, args)
	if err != nil {
		var rerr *runtime.Error
		if errors.As(err, &rerr) {
			return nil, err
		}
		return nil, runtime.ProviderError(id, err)
	}
	if err := m.schemas.validate(key+"#output", manifest.OutputSchema, result); err != nil {
		return nil, runtime.NewError(runtime.KindType, id, "output schema validation failed: %v", err)
	}
	return result, nil
}

func violationSummary(vs []isolation.ResourceViolation) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = v.String()
	}
	return strings.Join(parts, "; ")
}

// Bootstrap adds a manifest for every registry built-in and every
// discovered capability not yet in the catalog. Agent failures are logged.
// Running it again adds nothing new.
func (m *Marketplace) Bootstrap(ctx context.Context) error {
	added := 0
	for _, id := range m.registry.ListCapabilities() {
		if m.HasCapability(id) || m.registry.HasProvider(id) {
			continue
		}
		if err := m.RegisterManifest(ctx, m.registryManifest(id)); err != nil {
			if errors.Is(err, ErrDuplicateCapability) {
				continue
			}
			return err
		}
		added++
	}

	m.mu.RLock()
	agents := slices.Clone(m.agents)
	m.mu.RUnlock()
	for _, agent := range agents {
		found, err := agent.Discover(ctx)
		if err != nil {
			m.logger.WarnContext(ctx, "discovery agent failed", "agent", agent.Name(), "error", err)
			continue
		}
		n := 0
		for _, c := range found {
			if m.HasCapability(c.ID) {
				continue
			}
			if err := m.RegisterManifest(ctx, c); err != nil {
				m.logger.WarnContext(ctx, "discovered capability rejected", "agent", agent.Name(), "capability", c.ID, "error", err)
				continue
			}
			n++
		}
		m.logger.InfoContext(ctx, "discovery complete", "agent", agent.Name(), "discovered", len(found), "added", n)
		added += n
		if m.chain != nil {
			meta := map[string]any{"discovered": int64(len(found)), "added": int64(n)}
			if _, err := m.chain.LogCapabilityLifecycle(ctx, causalchain.ActionCapabilityDiscoveryCompleted, agent.Name(), meta); err != nil {
				return fmt.Errorf("record discovery by %s: %w", agent.Name(), err)
			}
		}
	}
	m.logger.InfoContext(ctx, "marketplace bootstrapped", "added", added, "total", m.CapabilityCount())
	return nil
}

// registryManifest describes a registry built-in. Its local handler routes
// back through the registry so isolation-required ids still run in the
// MicroVM.
func (m *Marketplace) registryManifest(id string) *CapabilityManifest {
	reg := m.registry
	return &CapabilityManifest{
		ID:          id,
		Name:        id,
		Description: "Registry capability: " + id,
		Version:     "1.0.0",
		Provider: ProviderSpec{Kind: ProviderLocal, Local: &LocalProvider{Handler: func(ctx context.Context, args []any) (any, error) {
			return reg.ExecuteCapabilityWithMicroVM(ctx, id, args, runtimeContextFor(ctx, id))
		}}},
		Effects:    security.DefaultEffects(id),
		Provenance: newProvenance("registry_bootstrap", "1.0.0", "registry:"+id, m.clock()),
	}
}

type scopeKey struct{}

type scope struct{ planID, intentID string }

// WithScope attributes capability calls made with ctx to a plan and intent.
func WithScope(ctx context.Context, planID, intentID string) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope{planID: planID, intentID: intentID})
}

// ScopeFrom returns the plan and intent of ctx, or the marketplace scope
// when none was set.
func ScopeFrom(ctx context.Context) (planID, intentID string) {
	if s, ok := ctx.Value(scopeKey{}).(scope); ok {
		return s.planID, s.intentID
	}
	return causalchain.LifecycleScope, causalchain.LifecycleScope
}

type rtctxKey struct{}

// WithRuntimeContext sets the security context used when execution reaches
// the registry.
func WithRuntimeContext(ctx context.Context, rtctx *security.RuntimeContext) context.Context {
	return context.WithValue(ctx, rtctxKey{}, rtctx)
}

// runtimeContextFor returns the caller's context, or a controlled context
// allowing only id.
func runtimeContextFor(ctx context.Context, id string) *security.RuntimeContext {
	if rc, ok := ctx.Value(rtctxKey{}).(*security.RuntimeContext); ok && rc != nil {
		return rc
	}
	return security.Controlled(id)
}
