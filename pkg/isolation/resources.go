package isolation

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// ResourceType names a measurable resource.
type ResourceType string

const (
	ResourceMemory            ResourceType = "memory"
	ResourceCPU               ResourceType = "cpu"
	ResourceExecutionTime     ResourceType = "execution_time"
	ResourceConcurrentCalls   ResourceType = "concurrent_calls"
	ResourceGPUMemory         ResourceType = "gpu_memory"
	ResourceGPUUtilization    ResourceType = "gpu_utilization"
	ResourceGPUComputeUnits   ResourceType = "gpu_compute_units"
	ResourceCO2Emissions      ResourceType = "co2_emissions"
	ResourceEnergyConsumption ResourceType = "energy_consumption"
	ResourceNetworkBandwidth  ResourceType = "network_bandwidth"
	ResourceNetworkLatency    ResourceType = "network_latency"
	ResourceDiskSpace         ResourceType = "disk_space"
	ResourceDiskIO            ResourceType = "disk_io"
)

const customPrefix = "custom:"

// CustomResource returns the resource type for a user-defined resource.
func CustomResource(name string) ResourceType {
	return ResourceType(customPrefix + name)
}

// IsCustom reports whether t was created by CustomResource.
func (t ResourceType) IsCustom() bool {
	return strings.HasPrefix(string(t), customPrefix)
}

// EnforcementLevel says what happens when a limit is exceeded.
type EnforcementLevel string

const (
	// EnforcementWarning logs and allows.
	EnforcementWarning EnforcementLevel = "warning"
	// EnforcementHard blocks execution.
	EnforcementHard EnforcementLevel = "hard"
	// EnforcementAdaptive is advisory; callers may adjust to system load.
	EnforcementAdaptive EnforcementLevel = "adaptive"
)

// CoreResourceLimits are always enforced as Hard.
type CoreResourceLimits struct {
	MaxMemoryMB             *uint64  `json:"max_memory_mb,omitempty" yaml:"max_memory_mb,omitempty" toml:"max_memory_mb,omitempty"`
	MaxCPUPercent           *float64 `json:"max_cpu_percent,omitempty" yaml:"max_cpu_percent,omitempty" toml:"max_cpu_percent,omitempty"`
	MaxExecutionTimeSeconds *uint64  `json:"max_execution_time_seconds,omitempty" yaml:"max_execution_time_seconds,omitempty" toml:"max_execution_time_seconds,omitempty"`
	MaxConcurrentCalls      *uint32  `json:"max_concurrent_calls,omitempty" yaml:"max_concurrent_calls,omitempty" toml:"max_concurrent_calls,omitempty"`
}

// ResourceLimit is one extended limit.
type ResourceLimit struct {
	Value            float64          `json:"value" yaml:"value" toml:"value"`
	Unit             string           `json:"unit" yaml:"unit" toml:"unit"`
	ResourceType     ResourceType     `json:"resource_type" yaml:"resource_type" toml:"resource_type"`
	EnforcementLevel EnforcementLevel `json:"enforcement_level" yaml:"enforcement_level" toml:"enforcement_level"`
}

// MonitoringSettings tunes monitoring for one resource type.
type MonitoringSettings struct {
	Enabled               bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	SamplingRateMS        uint64  `json:"sampling_rate_ms" yaml:"sampling_rate_ms" toml:"sampling_rate_ms"`
	AlertThresholdPercent float64 `json:"alert_threshold_percent" yaml:"alert_threshold_percent" toml:"alert_threshold_percent"`
	DetailedLogging       bool    `json:"detailed_logging" yaml:"detailed_logging" toml:"detailed_logging"`
}

// MonitoringConfig controls the ResourceMonitor.
type MonitoringConfig struct {
	Enabled                 bool                                `json:"enabled" yaml:"enabled" toml:"enabled"`
	MonitoringIntervalMS    uint64                              `json:"monitoring_interval_ms" yaml:"monitoring_interval_ms" toml:"monitoring_interval_ms"`
	CollectHistory          bool                                `json:"collect_history" yaml:"collect_history" toml:"collect_history"`
	HistoryRetentionSeconds uint64                              `json:"history_retention_seconds,omitempty" yaml:"history_retention_seconds,omitempty" toml:"history_retention_seconds,omitempty"`
	ResourceSettings        map[ResourceType]MonitoringSettings `json:"resource_settings,omitempty" yaml:"resource_settings,omitempty" toml:"resource_settings,omitempty"`
}

// ResourceConstraints combines core limits, typed extended limits and
// monitoring configuration.
type ResourceConstraints struct {
	CoreLimits     CoreResourceLimits       `json:"core_limits" yaml:"core_limits" toml:"core_limits"`
	ExtendedLimits map[string]ResourceLimit `json:"extended_limits,omitempty" yaml:"extended_limits,omitempty" toml:"extended_limits,omitempty"`
	Monitoring     MonitoringConfig         `json:"monitoring" yaml:"monitoring" toml:"monitoring"`
}

// NewResourceConstraints returns constraints with no limits.
func NewResourceConstraints() *ResourceConstraints {
	return &ResourceConstraints{
		ExtendedLimits: make(map[string]ResourceLimit),
		Monitoring:     MonitoringConfig{MonitoringIntervalMS: 1000},
	}
}

// WithMaxMemoryMB sets the core memory limit.
func (rc *ResourceConstraints) WithMaxMemoryMB(mb uint64) *ResourceConstraints {
	rc.CoreLimits.MaxMemoryMB = &mb
	return rc
}

// WithMaxCPUPercent sets the core CPU limit.
func (rc *ResourceConstraints) WithMaxCPUPercent(pct float64) *ResourceConstraints {
	rc.CoreLimits.MaxCPUPercent = &pct
	return rc
}

// WithMaxExecutionTime sets the core execution time limit.
func (rc *ResourceConstraints) WithMaxExecutionTime(d time.Duration) *ResourceConstraints {
	secs := uint64(d / time.Second)
	rc.CoreLimits.MaxExecutionTimeSeconds = &secs
	return rc
}

// WithMaxConcurrentCalls sets the core concurrency limit.
func (rc *ResourceConstraints) WithMaxConcurrentCalls(n uint32) *ResourceConstraints {
	rc.CoreLimits.MaxConcurrentCalls = &n
	return rc
}

func (rc *ResourceConstraints) setLimit(name string, l ResourceLimit) {
	if rc.ExtendedLimits == nil {
		rc.ExtendedLimits = make(map[string]ResourceLimit)
	}
	rc.ExtendedLimits[name] = l
}

// WithGPULimits adds Hard GPU memory (MB) and utilization (%) limits.
// Zero leaves the limit unset.
func (rc *ResourceConstraints) WithGPULimits(memoryMB uint64, utilizationPercent float64) *ResourceConstraints {
	if memoryMB > 0 {
		rc.setLimit("gpu_memory", ResourceLimit{Value: float64(memoryMB), Unit: "MB", ResourceType: ResourceGPUMemory, EnforcementLevel: EnforcementHard})
	}
	if utilizationPercent > 0 {
		rc.setLimit("gpu_utilization", ResourceLimit{Value: utilizationPercent, Unit: "%", ResourceType: ResourceGPUUtilization, EnforcementLevel: EnforcementHard})
	}
	return rc
}

// WithEnvironmentalLimits adds Warning CO2 (g) and energy (kWh) limits.
// Zero leaves the limit unset.
func (rc *ResourceConstraints) WithEnvironmentalLimits(co2Grams, energyKWh float64) *ResourceConstraints {
	if co2Grams > 0 {
		rc.setLimit("co2_emissions", ResourceLimit{Value: co2Grams, Unit: "g", ResourceType: ResourceCO2Emissions, EnforcementLevel: EnforcementWarning})
	}
	if energyKWh > 0 {
		rc.setLimit("energy_consumption", ResourceLimit{Value: energyKWh, Unit: "kWh", ResourceType: ResourceEnergyConsumption, EnforcementLevel: EnforcementWarning})
	}
	return rc
}

// WithCustomLimit adds a limit on a custom resource.
func (rc *ResourceConstraints) WithCustomLimit(name string, value float64, unit string, level EnforcementLevel) *ResourceConstraints {
	rc.setLimit(name, ResourceLimit{Value: value, Unit: unit, ResourceType: CustomResource(name), EnforcementLevel: level})
	return rc
}

// Clone returns a deep copy.
func (rc *ResourceConstraints) Clone() *ResourceConstraints {
	out := *rc
	out.ExtendedLimits = maps.Clone(rc.ExtendedLimits)
	out.Monitoring.ResourceSettings = maps.Clone(rc.Monitoring.ResourceSettings)
	return &out
}

// Merge overlays other onto rc; set fields in other win.
func (rc *ResourceConstraints) Merge(other *ResourceConstraints) {
	if other == nil {
		return
	}
	if other.CoreLimits.MaxMemoryMB != nil {
		rc.CoreLimits.MaxMemoryMB = other.CoreLimits.MaxMemoryMB
	}
	if other.CoreLimits.MaxCPUPercent != nil {
		rc.CoreLimits.MaxCPUPercent = other.CoreLimits.MaxCPUPercent
	}
	if other.CoreLimits.MaxExecutionTimeSeconds != nil {
		rc.CoreLimits.MaxExecutionTimeSeconds = other.CoreLimits.MaxExecutionTimeSeconds
	}
	if other.CoreLimits.MaxConcurrentCalls != nil {
		rc.CoreLimits.MaxConcurrentCalls = other.CoreLimits.MaxConcurrentCalls
	}
	for k, v := range other.ExtendedLimits {
		rc.setLimit(k, v)
	}
}

// ResourceMeasurement is one measured value.
type ResourceMeasurement struct {
	Value        float64      `json:"value"`
	Unit         string       `json:"unit"`
	ResourceType ResourceType `json:"resource_type"`
}

// ResourceUsage is a snapshot of measured resources for one capability.
type ResourceUsage struct {
	Timestamp    time.Time                            `json:"timestamp"`
	CapabilityID string                               `json:"capability_id"`
	Resources    map[ResourceType]ResourceMeasurement `json:"resources"`
}

// NewResourceUsage creates an empty snapshot.
func NewResourceUsage(capabilityID string) *ResourceUsage {
	return &ResourceUsage{
		Timestamp:    time.Now().UTC(),
		CapabilityID: capabilityID,
		Resources:    make(map[ResourceType]ResourceMeasurement),
	}
}

// Set records a measurement.
func (u *ResourceUsage) Set(t ResourceType, value float64, unit string) *ResourceUsage {
	u.Resources[t] = ResourceMeasurement{Value: value, Unit: unit, ResourceType: t}
	return u
}

// ResourceViolation is one exceeded limit.
type ResourceViolation struct {
	ResourceType     ResourceType     `json:"resource_type"`
	CurrentValue     float64          `json:"current_value"`
	LimitValue       float64          `json:"limit_value"`
	Unit             string           `json:"unit"`
	EnforcementLevel EnforcementLevel `json:"enforcement_level"`
}

// IsHard reports whether the violation must block execution.
func (v ResourceViolation) IsHard() bool {
	return v.EnforcementLevel == EnforcementHard
}

func (v ResourceViolation) String() string {
	return fmt.Sprintf("resource limit exceeded: %s %g %s (limit: %g %s, %s)",
		v.ResourceType, v.CurrentValue, v.Unit, v.LimitValue, v.Unit, v.EnforcementLevel)
}

// HasHardViolation reports whether any violation blocks execution.
func HasHardViolation(vs []ResourceViolation) bool {
	return slices.ContainsFunc(vs, ResourceViolation.IsHard)
}

// CheckResourceLimits returns one violation per exceeded core or extended
// limit, in a stable order: core limits first, then extended limits by name.
func (rc *ResourceConstraints) CheckResourceLimits(usage *ResourceUsage) []ResourceViolation {
	if rc == nil || usage == nil {
		return nil
	}
	var out []ResourceViolation
	core := func(t ResourceType, limit float64) {
		m, ok := usage.Resources[t]
		if ok && m.Value > limit {
			out = append(out, ResourceViolation{
				ResourceType: t, CurrentValue: m.Value, LimitValue: limit,
				Unit: m.Unit, EnforcementLevel: EnforcementHard,
			})
		}
	}
	if l := rc.CoreLimits.MaxMemoryMB; l != nil {
		core(ResourceMemory, float64(*l))
	}
	if l := rc.CoreLimits.MaxCPUPercent; l != nil {
		core(ResourceCPU, *l)
	}
	if l := rc.CoreLimits.MaxExecutionTimeSeconds; l != nil {
		core(ResourceExecutionTime, float64(*l))
	}
	if l := rc.CoreLimits.MaxConcurrentCalls; l != nil {
		core(ResourceConcurrentCalls, float64(*l))
	}

	for _, name := range slices.Sorted(maps.Keys(rc.ExtendedLimits)) {
		limit := rc.ExtendedLimits[name]
		m, ok := usage.Resources[limit.ResourceType]
		if !ok || m.Value <= limit.Value {
			continue
		}
		level := limit.EnforcementLevel
		if level == "" {
			level = EnforcementHard
		}
		out = append(out, ResourceViolation{
			ResourceType: limit.ResourceType, CurrentValue: m.Value, LimitValue: limit.Value,
			Unit: m.Unit, EnforcementLevel: level,
		})
	}
	return out
}

// MonitoredResources lists the resource types that have a limit.
func (rc *ResourceConstraints) MonitoredResources() []ResourceType {
	var out []ResourceType
	if rc.CoreLimits.MaxMemoryMB != nil {
		out = append(out, ResourceMemory)
	}
	if rc.CoreLimits.MaxCPUPercent != nil {
		out = append(out, ResourceCPU)
	}
	if rc.CoreLimits.MaxExecutionTimeSeconds != nil {
		out = append(out, ResourceExecutionTime)
	}
	if rc.CoreLimits.MaxConcurrentCalls != nil {
		out = append(out, ResourceConcurrentCalls)
	}
	for _, name := range slices.Sorted(maps.Keys(rc.ExtendedLimits)) {
		t := rc.ExtendedLimits[name].ResourceType
		if !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}
