package isolation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/ccos/pkg/runtime"
)

func TestDefaultAndRestrictivePolicies(t *testing.T) {
	assert.True(t, DefaultPolicy().IsAllowed("anything.goes"))
	assert.False(t, Restrictive().IsAllowed("anything.goes"))
}

func TestDenyOverridesAllow(t *testing.T) {
	p := (&CapabilityIsolationPolicy{
		AllowedCapabilities: []string{"*"},
		DeniedCapabilities:  []string{"ccos.network.*"},
	}).Compile()
	assert.True(t, p.IsAllowed("ccos.io.log"))
	assert.False(t, p.IsAllowed("ccos.network.http-fetch"))
}

func TestPatternMatching(t *testing.T) {
	tests := []struct {
		pattern string
		id      string
		want    bool
	}{
		{"*", "a.b.c", true},
		{"ccos.io.*", "ccos.io.log", true},
		{"ccos.io.*", "ccos.network.http-fetch", false},
		{"ccos.io.*", "xccos.io.log", false},
		{"ccos.io.log", "ccos.io.log", true},
		{"ccos.io.log", "ccos.io.logx", false},
		{"ccos.io.?og", "ccos.io.log", true},
		{"ccos.[ai]o.log", "ccos.io.log", true},
		{"ccos.[!i]o.log", "ccos.io.log", false},
		{"ccos.io.log", "ccosXio.log", false},
	}
	for _, tt := range tests {
		p, err := CompilePattern(tt.pattern)
		require.NoError(t, err, tt.pattern)
		assert.Equal(t, tt.want, p.Match(tt.id), "%s vs %s", tt.pattern, tt.id)
	}
}

func TestMalformedPatternNeverMatches(t *testing.T) {
	p, err := CompilePattern("ccos.[io.*")
	require.Error(t, err)
	assert.False(t, p.Valid())
	assert.False(t, p.Match("ccos.[io.log"))
	assert.False(t, p.Match("ccos.io.log"))

	policy := (&CapabilityIsolationPolicy{AllowedCapabilities: []string{"ccos.[io.*"}}).Compile()
	assert.False(t, policy.IsAllowed("ccos.io.log"))

	// A malformed deny pattern does not deny, but nothing else is granted either.
	policy = (&CapabilityIsolationPolicy{AllowedCapabilities: []string{"ccos.io.log"}, DeniedCapabilities: []string{"["}}).Compile()
	assert.True(t, policy.IsAllowed("ccos.io.log"))
	assert.False(t, policy.IsAllowed("ccos.io.open-file"))
}

func TestCheckNamespaceAccess(t *testing.T) {
	p := DefaultPolicy().WithNamespacePolicy("ccos.io", NamespacePolicy{
		AllowedPatterns: []string{"ccos.io.*"},
		DeniedPatterns:  []string{"ccos.io.write-*"},
	})
	assert.True(t, p.CheckNamespaceAccess("ccos.io.read-line"))
	assert.False(t, p.CheckNamespaceAccess("ccos.io.write-line"))
	assert.True(t, p.CheckNamespaceAccess("ccos.network.http-fetch"))

	p = DefaultPolicy().WithNamespacePolicy("ccos.agent", NamespacePolicy{AllowedPatterns: []string{"ccos.agent.discover-*"}})
	assert.True(t, p.CheckNamespaceAccess("ccos.agent.discover-agents"))
	assert.False(t, p.CheckNamespaceAccess("ccos.agent.ask-human"))
}

func TestCheckTimeConstraints(t *testing.T) {
	// Wednesday 2026-01-07 14:00 UTC.
	wed := time.Date(2026, 1, 7, 14, 0, 0, 0, time.UTC)

	assert.True(t, DefaultPolicy().CheckTimeConstraints(wed))

	p := DefaultPolicy().WithTimeConstraints(&TimeConstraints{AllowedHours: []int{9, 10, 11, 12, 13, 14, 15, 16}, AllowedDays: []int{1, 2, 3, 4, 5}})
	assert.True(t, p.CheckTimeConstraints(wed))
	assert.False(t, p.CheckTimeConstraints(wed.Add(8*time.Hour)))
	assert.False(t, p.CheckTimeConstraints(time.Date(2026, 1, 4, 14, 0, 0, 0, time.UTC)), "sunday")
}

func TestCheckResourceLimits_HardMemory(t *testing.T) {
	rc := NewResourceConstraints().WithMaxMemoryMB(100)
	usage := NewResourceUsage("cap").Set(ResourceMemory, 150, "MB")

	vs := rc.CheckResourceLimits(usage)
	require.Len(t, vs, 1)
	assert.Equal(t, EnforcementHard, vs[0].EnforcementLevel)
	assert.Equal(t, 150.0, vs[0].CurrentValue)
	assert.Equal(t, 100.0, vs[0].LimitValue)
	assert.True(t, HasHardViolation(vs))
}

func TestCheckResourceLimits_Extended(t *testing.T) {
	rc := NewResourceConstraints().
		WithGPULimits(1024, 80).
		WithEnvironmentalLimits(10, 0.5).
		WithCustomLimit("tokens", 1000, "tokens", EnforcementAdaptive)

	usage := NewResourceUsage("cap").
		Set(ResourceGPUMemory, 512, "MB").
		Set(ResourceGPUUtilization, 95, "%").
		Set(ResourceCO2Emissions, 40, "g").
		Set(CustomResource("tokens"), 2000, "tokens")

	vs := rc.CheckResourceLimits(usage)
	require.Len(t, vs, 3)
	levels := map[ResourceType]EnforcementLevel{}
	for _, v := range vs {
		levels[v.ResourceType] = v.EnforcementLevel
	}
	assert.Equal(t, EnforcementWarning, levels[ResourceCO2Emissions])
	assert.Equal(t, EnforcementHard, levels[ResourceGPUUtilization])
	assert.Equal(t, EnforcementAdaptive, levels[CustomResource("tokens")])

	soft := rc.CheckResourceLimits(NewResourceUsage("cap").Set(ResourceCO2Emissions, 40, "g"))
	require.Len(t, soft, 1)
	assert.False(t, HasHardViolation(soft))
}

func TestMonitoredResources(t *testing.T) {
	rc := NewResourceConstraints().WithMaxMemoryMB(1).WithMaxConcurrentCalls(2).WithGPULimits(1, 0)
	assert.Equal(t, []ResourceType{ResourceMemory, ResourceConcurrentCalls, ResourceGPUMemory}, rc.MonitoredResources())
}

func TestConstraintsFor_MergesNamespaceLimits(t *testing.T) {
	p := DefaultPolicy().
		WithResourceConstraints(NewResourceConstraints().WithMaxMemoryMB(512)).
		WithNamespacePolicy("ccos.agent", NamespacePolicy{
			AllowedPatterns: []string{"*"},
			ResourceLimits:  NewResourceConstraints().WithMaxMemoryMB(64),
		})

	rc := p.ConstraintsFor("ccos.agent.ask-human")
	require.NotNil(t, rc)
	assert.Equal(t, uint64(64), *rc.CoreLimits.MaxMemoryMB)

	rc = p.ConstraintsFor("ccos.io.log")
	assert.Equal(t, uint64(512), *rc.CoreLimits.MaxMemoryMB)
	assert.Equal(t, uint64(512), *p.ResourceConstraints.CoreLimits.MaxMemoryMB)
}

type fixedCounter int

func (c fixedCounter) InFlight(string) int { return int(c) }

func TestResourceMonitor(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewResourceMonitor(MonitoringConfig{CollectHistory: true, HistoryRetentionSeconds: 60}).
		WithClock(func() time.Time { return now })
	m.RegisterProvider(ConcurrencyProvider(fixedCounter(5)))
	m.RegisterProvider(StaticProvider(ResourceGPUMemory, 4096, "MB"))
	m.RegisterProvider(NewFuncProvider(ResourceCPU, "broken", "%", func(context.Context, string) (float64, error) {
		return 0, errors.New("no cpu counter")
	}))

	rc := NewResourceConstraints().WithMaxConcurrentCalls(3).WithGPULimits(8192, 0).WithMaxCPUPercent(50)
	vs := m.CheckViolations(ctx, "ccos.echo", rc)
	require.Len(t, vs, 1)
	assert.Equal(t, ResourceConcurrentCalls, vs[0].ResourceType)

	usage, ok := m.CurrentUsage("ccos.echo")
	require.True(t, ok)
	assert.NotContains(t, usage.Resources, ResourceCPU)
	assert.Equal(t, 4096.0, usage.Resources[ResourceGPUMemory].Value)

	now = now.Add(2 * time.Minute)
	m.Snapshot(ctx, "ccos.echo", rc)
	assert.Len(t, m.History("ccos.echo"), 1)
}

func TestCO2EstimateProvider(t *testing.T) {
	meas, err := CO2EstimateProvider(0.1, 400).Measure(context.Background(), "x")
	require.NoError(t, err)
	assert.InDelta(t, 40.0, meas.Value, 1e-9)
	assert.Equal(t, "g", meas.Unit)
}

func TestConditionEvaluator(t *testing.T) {
	eval, err := NewConditionEvaluator()
	require.NoError(t, err)
	now := time.Date(2026, 1, 7, 14, 0, 0, 0, time.UTC)

	require.NoError(t, eval.Evaluate([]string{`capability.namespace == "ccos.io"`, `time.hour >= 9 && time.hour < 17`}, "ccos.io.log", now))
	require.Error(t, eval.Evaluate([]string{`capability.namespace == "ccos.io"`}, "ccos.network.http-fetch", now))
	require.Error(t, eval.Evaluate([]string{`capability.id +`}, "ccos.io.log", now), "compile error denies")
	require.Error(t, eval.Evaluate([]string{`capability.id`}, "ccos.io.log", now), "non-bool denies")
}

func TestCheckAccess(t *testing.T) {
	eval, err := NewConditionEvaluator()
	require.NoError(t, err)
	now := time.Date(2026, 1, 7, 14, 0, 0, 0, time.UTC)

	p := DefaultPolicy().WithConditions(`!capability.id.startsWith("ccos.agent.")`)
	require.NoError(t, p.CheckAccess(eval, "ccos.io.log", now))

	err = p.CheckAccess(eval, "ccos.agent.ask-human", now)
	require.Error(t, err)
	assert.True(t, runtime.IsKind(err, runtime.KindAuthorization))

	require.Error(t, p.CheckAccess(nil, "ccos.io.log", now))
	require.Error(t, Restrictive().CheckAccess(eval, "ccos.io.log", now))
}

func TestPolicyDenyOverridesAllow_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("an id matching any deny pattern is never allowed", prop.ForAll(
		func(ns, name string) bool {
			id := ns + "." + name
			p := (&CapabilityIsolationPolicy{
				AllowedCapabilities: []string{"*", id},
				DeniedCapabilities:  []string{ns + ".*"},
			}).Compile()
			return !p.IsAllowed(id)
		},
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.Property("the default policy allows every id", prop.ForAll(
		func(id string) bool {
			return DefaultPolicy().IsAllowed(id) && !Restrictive().IsAllowed(id)
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
