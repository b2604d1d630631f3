// Package isolation evaluates capability isolation policies: allow/deny
// patterns, namespace rules, time windows, CEL conditions and resource limits.
package isolation

import (
	"slices"
	"sort"
	"strings"
	"time"
)

// NamespacePolicy constrains every capability whose id starts with the namespace.
type NamespacePolicy struct {
	AllowedPatterns []string             `json:"allowed_patterns" yaml:"allowed_patterns" toml:"allowed_patterns"`
	DeniedPatterns  []string             `json:"denied_patterns" yaml:"denied_patterns" toml:"denied_patterns"`
	ResourceLimits  *ResourceConstraints `json:"resource_limits,omitempty" yaml:"resource_limits,omitempty" toml:"resource_limits,omitempty"`
}

// TimeConstraints restricts execution to hours (0-23) and days (0-6, Sunday=0).
// Empty lists allow everything.
type TimeConstraints struct {
	AllowedHours []int  `json:"allowed_hours,omitempty" yaml:"allowed_hours,omitempty" toml:"allowed_hours,omitempty"`
	AllowedDays  []int  `json:"allowed_days,omitempty" yaml:"allowed_days,omitempty" toml:"allowed_days,omitempty"`
	Timezone     string `json:"timezone,omitempty" yaml:"timezone,omitempty" toml:"timezone,omitempty"`
}

// Allows reports whether now falls inside the window.
func (tc *TimeConstraints) Allows(now time.Time) bool {
	if tc == nil {
		return true
	}
	now = now.UTC()
	if tc.Timezone != "" {
		if loc, err := time.LoadLocation(tc.Timezone); err == nil {
			now = now.In(loc)
		}
	}
	if len(tc.AllowedHours) > 0 && !slices.Contains(tc.AllowedHours, now.Hour()) {
		return false
	}
	if len(tc.AllowedDays) > 0 && !slices.Contains(tc.AllowedDays, int(now.Weekday())) {
		return false
	}
	return true
}

// CapabilityIsolationPolicy gates which capabilities may execute.
// Deny always overrides allow.
type CapabilityIsolationPolicy struct {
	AllowedCapabilities []string                   `json:"allowed_capabilities" yaml:"allowed_capabilities" toml:"allowed_capabilities"`
	DeniedCapabilities  []string                   `json:"denied_capabilities" yaml:"denied_capabilities" toml:"denied_capabilities"`
	NamespacePolicies   map[string]NamespacePolicy `json:"namespace_policies,omitempty" yaml:"namespace_policies,omitempty" toml:"namespace_policies,omitempty"`
	ResourceConstraints *ResourceConstraints       `json:"resource_constraints,omitempty" yaml:"resource_constraints,omitempty" toml:"resource_constraints,omitempty"`
	TimeConstraints     *TimeConstraints           `json:"time_constraints,omitempty" yaml:"time_constraints,omitempty" toml:"time_constraints,omitempty"`
	// Conditions are CEL expressions that must all evaluate to true.
	Conditions []string `json:"conditions,omitempty" yaml:"conditions,omitempty" toml:"conditions,omitempty"`

	compiled *compiledPolicy
}

type compiledNamespace struct {
	prefix  string
	allowed []Pattern
	denied  []Pattern
}

type compiledPolicy struct {
	allowed    []Pattern
	denied     []Pattern
	namespaces []compiledNamespace
}

// DefaultPolicy allows every capability.
func DefaultPolicy() *CapabilityIsolationPolicy {
	return (&CapabilityIsolationPolicy{AllowedCapabilities: []string{"*"}}).Compile()
}

// Restrictive denies every capability.
func Restrictive() *CapabilityIsolationPolicy {
	return (&CapabilityIsolationPolicy{DeniedCapabilities: []string{"*"}}).Compile()
}

// Compile precompiles every pattern. Policies built by hand or decoded from
// a file must be compiled before use; the checks compile lazily otherwise.
func (p *CapabilityIsolationPolicy) Compile() *CapabilityIsolationPolicy {
	c := &compiledPolicy{
		allowed: MustCompilePatterns(p.AllowedCapabilities),
		denied:  MustCompilePatterns(p.DeniedCapabilities),
	}
	prefixes := make([]string, 0, len(p.NamespacePolicies))
	for ns := range p.NamespacePolicies {
		prefixes = append(prefixes, ns)
	}
	sort.Strings(prefixes)
	for _, ns := range prefixes {
		np := p.NamespacePolicies[ns]
		c.namespaces = append(c.namespaces, compiledNamespace{
			prefix:  ns,
			allowed: MustCompilePatterns(np.AllowedPatterns),
			denied:  MustCompilePatterns(np.DeniedPatterns),
		})
	}
	p.compiled = c
	return p
}

func (p *CapabilityIsolationPolicy) patterns() *compiledPolicy {
	if p.compiled == nil {
		p.Compile()
	}
	return p.compiled
}

// WithNamespacePolicy adds a namespace rule and recompiles.
func (p *CapabilityIsolationPolicy) WithNamespacePolicy(namespace string, np NamespacePolicy) *CapabilityIsolationPolicy {
	if p.NamespacePolicies == nil {
		p.NamespacePolicies = make(map[string]NamespacePolicy)
	}
	p.NamespacePolicies[namespace] = np
	return p.Compile()
}

// WithResourceConstraints sets the policy-wide resource constraints.
func (p *CapabilityIsolationPolicy) WithResourceConstraints(rc *ResourceConstraints) *CapabilityIsolationPolicy {
	p.ResourceConstraints = rc
	return p
}

// WithTimeConstraints sets the execution window.
func (p *CapabilityIsolationPolicy) WithTimeConstraints(tc *TimeConstraints) *CapabilityIsolationPolicy {
	p.TimeConstraints = tc
	return p
}

// WithConditions appends CEL conditions.
func (p *CapabilityIsolationPolicy) WithConditions(exprs ...string) *CapabilityIsolationPolicy {
	p.Conditions = append(p.Conditions, exprs...)
	return p
}

// IsAllowed applies the global deny then allow lists.
func (p *CapabilityIsolationPolicy) IsAllowed(id string) bool {
	c := p.patterns()
	if matchAny(c.denied, id) {
		return false
	}
	return matchAny(c.allowed, id)
}

// CheckNamespaceAccess requires id to match at least one allowed and no
// denied pattern of every namespace it falls under. Ids outside all
// namespaces pass.
func (p *CapabilityIsolationPolicy) CheckNamespaceAccess(id string) bool {
	for _, ns := range p.patterns().namespaces {
		if !strings.HasPrefix(id, ns.prefix) {
			continue
		}
		if !matchAny(ns.allowed, id) {
			return false
		}
		if matchAny(ns.denied, id) {
			return false
		}
	}
	return true
}

// CheckTimeConstraints reports whether now is inside the allowed window.
func (p *CapabilityIsolationPolicy) CheckTimeConstraints(now time.Time) bool {
	return p.TimeConstraints.Allows(now)
}

// ConstraintsFor returns the resource constraints that apply to id: the
// policy-wide constraints merged with those of every matching namespace.
// Namespace limits override policy-wide ones of the same name.
func (p *CapabilityIsolationPolicy) ConstraintsFor(id string) *ResourceConstraints {
	var out *ResourceConstraints
	if p.ResourceConstraints != nil {
		out = p.ResourceConstraints.Clone()
	}
	prefixes := make([]string, 0, len(p.NamespacePolicies))
	for ns := range p.NamespacePolicies {
		prefixes = append(prefixes, ns)
	}
	sort.Strings(prefixes)
	for _, ns := range prefixes {
		np := p.NamespacePolicies[ns]
		if np.ResourceLimits == nil || !strings.HasPrefix(id, ns) {
			continue
		}
		if out == nil {
			out = np.ResourceLimits.Clone()
			continue
		}
		out.Merge(np.ResourceLimits)
	}
	return out
}
