package isolation

import (
	"context"
	"log/slog"
	goruntime "runtime"
	"sync"
	"time"
)

// ResourceProvider measures one resource type.
type ResourceProvider interface {
	ResourceType() ResourceType
	Name() string
	Measure(ctx context.Context, capabilityID string) (ResourceMeasurement, error)
}

// InFlightCounter reports in-flight calls per capability.
type InFlightCounter interface {
	InFlight(capabilityID string) int
}

// MeasureFunc measures a resource for a capability.
type MeasureFunc func(ctx context.Context, capabilityID string) (float64, error)

// FuncProvider adapts a MeasureFunc into a ResourceProvider.
type FuncProvider struct {
	Type  ResourceType
	Label string
	Unit  string
	Fn    MeasureFunc
}

func (p FuncProvider) ResourceType() ResourceType { return p.Type }
func (p FuncProvider) Name() string               { return p.Label }

func (p FuncProvider) Measure(ctx context.Context, capabilityID string) (ResourceMeasurement, error) {
	v, err := p.Fn(ctx, capabilityID)
	if err != nil {
		return ResourceMeasurement{}, err
	}
	return ResourceMeasurement{Value: v, Unit: p.Unit, ResourceType: p.Type}, nil
}

// NewFuncProvider creates a provider from fn.
func NewFuncProvider(t ResourceType, name, unit string, fn MeasureFunc) ResourceProvider {
	return FuncProvider{Type: t, Label: name, Unit: unit, Fn: fn}
}

// StaticProvider reports a fixed value, for estimated resources such as GPU
// or energy where the host exposes no measurement.
func StaticProvider(t ResourceType, value float64, unit string) ResourceProvider {
	return NewFuncProvider(t, string(t)+" (static)", unit, func(context.Context, string) (float64, error) {
		return value, nil
	})
}

// ProcessMemoryProvider reports the Go heap in MB.
func ProcessMemoryProvider() ResourceProvider {
	return NewFuncProvider(ResourceMemory, "process memory", "MB", func(context.Context, string) (float64, error) {
		var ms goruntime.MemStats
		goruntime.ReadMemStats(&ms)
		return float64(ms.HeapAlloc) / (1024 * 1024), nil
	})
}

// ConcurrencyProvider reports in-flight calls for the capability.
func ConcurrencyProvider(c InFlightCounter) ResourceProvider {
	return NewFuncProvider(ResourceConcurrentCalls, "concurrent calls", "calls", func(_ context.Context, id string) (float64, error) {
		return float64(c.InFlight(id)), nil
	})
}

// CO2EstimateProvider estimates emissions as energy (kWh) times grid carbon
// intensity (gCO2/kWh).
func CO2EstimateProvider(energyKWh, carbonIntensity float64) ResourceProvider {
	return NewFuncProvider(ResourceCO2Emissions, "co2 estimate", "g", func(context.Context, string) (float64, error) {
		return energyKWh * carbonIntensity, nil
	})
}

// ResourceMonitor measures the resources a constraint set monitors and
// keeps the latest snapshot per capability.
type ResourceMonitor struct {
	mu        sync.RWMutex
	config    MonitoringConfig
	providers map[ResourceType]ResourceProvider
	current   map[string]*ResourceUsage
	history   []*ResourceUsage
	clock     func() time.Time
	logger    *slog.Logger
}

// NewResourceMonitor creates a monitor with the process memory provider.
func NewResourceMonitor(cfg MonitoringConfig) *ResourceMonitor {
	m := &ResourceMonitor{
		config:    cfg,
		providers: make(map[ResourceType]ResourceProvider),
		current:   make(map[string]*ResourceUsage),
		clock:     time.Now,
		logger:    slog.Default().With("component", "resource_monitor"),
	}
	m.RegisterProvider(ProcessMemoryProvider())
	return m
}

// WithClock overrides clock for testing.
func (m *ResourceMonitor) WithClock(clock func() time.Time) *ResourceMonitor {
	m.clock = clock
	return m
}

// RegisterProvider installs or replaces the provider for its resource type.
func (m *ResourceMonitor) RegisterProvider(p ResourceProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[p.ResourceType()] = p
}

// Snapshot measures every resource rc monitors. Measurement failures are
// logged and the resource is left out.
func (m *ResourceMonitor) Snapshot(ctx context.Context, capabilityID string, rc *ResourceConstraints) *ResourceUsage {
	usage := &ResourceUsage{
		Timestamp:    m.clock().UTC(),
		CapabilityID: capabilityID,
		Resources:    make(map[ResourceType]ResourceMeasurement),
	}
	if rc == nil {
		return usage
	}

	m.mu.RLock()
	providers := make([]ResourceProvider, 0, len(m.providers))
	for _, t := range rc.MonitoredResources() {
		if p, ok := m.providers[t]; ok {
			providers = append(providers, p)
		}
	}
	m.mu.RUnlock()

	for _, p := range providers {
		meas, err := p.Measure(ctx, capabilityID)
		if err != nil {
			m.logger.WarnContext(ctx, "resource measurement failed",
				"provider", p.Name(), "capability", capabilityID, "error", err)
			continue
		}
		usage.Resources[p.ResourceType()] = meas
	}

	m.mu.Lock()
	m.current[capabilityID] = usage
	if m.config.CollectHistory {
		m.history = append(m.history, usage)
		if m.config.HistoryRetentionSeconds > 0 {
			cutoff := usage.Timestamp.Add(-time.Duration(m.config.HistoryRetentionSeconds) * time.Second)
			kept := m.history[:0]
			for _, u := range m.history {
				if u.Timestamp.After(cutoff) {
					kept = append(kept, u)
				}
			}
			m.history = kept
		}
	}
	m.mu.Unlock()
	return usage
}

// CheckViolations snapshots usage and checks it against rc.
func (m *ResourceMonitor) CheckViolations(ctx context.Context, capabilityID string, rc *ResourceConstraints) []ResourceViolation {
	violations := rc.CheckResourceLimits(m.Snapshot(ctx, capabilityID, rc))
	for _, v := range violations {
		if v.IsHard() {
			m.logger.WarnContext(ctx, "hard resource violation", "capability", capabilityID, "violation", v.String())
		} else {
			m.logger.InfoContext(ctx, "soft resource violation", "capability", capabilityID, "violation", v.String())
		}
	}
	return violations
}

// CurrentUsage returns the latest snapshot for capabilityID.
func (m *ResourceMonitor) CurrentUsage(capabilityID string) (*ResourceUsage, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.current[capabilityID]
	return u, ok
}

// History returns retained snapshots for capabilityID, oldest first.
func (m *ResourceMonitor) History(capabilityID string) []*ResourceUsage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ResourceUsage
	for _, u := range m.history {
		if u.CapabilityID == capabilityID {
			out = append(out, u)
		}
	}
	return out
}
