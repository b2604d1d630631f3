package marketplace

import (
	"maps"
	"slices"
	"strings"

	"github.com/Mindburn-Labs/ccos/pkg/isolation"
)

// PublicCapability is the catalog entry shown to untrusted callers. It
// carries no endpoints, tokens or schemas.
type PublicCapability struct {
	ID           string       `json:"id"`
	Namespace    string       `json:"namespace"`
	ProviderType ProviderKind `json:"provider_type"`
	Version      string       `json:"version"`
}

// CatalogAggregate counts the catalog by provider kind and namespace.
type CatalogAggregate struct {
	Total          int                  `json:"total"`
	ByProviderType map[ProviderKind]int `json:"by_provider_type"`
	Namespaces     []string             `json:"namespaces"`
}

// PolicySnapshot summarizes the active isolation policy.
type PolicySnapshot struct {
	AllowedCapabilities []string `json:"allowed_capabilities"`
	DeniedCapabilities  []string `json:"denied_capabilities"`
	Namespaces          []string `json:"namespaces"`
	Conditions          []string `json:"conditions,omitempty"`
	HasTimeConstraints  bool     `json:"has_time_constraints"`
	HasResourceLimits   bool     `json:"has_resource_limits"`
}

// PublicCapabilitiesSnapshot lists every manifest in its public form,
// sorted by id.
func (m *Marketplace) PublicCapabilitiesSnapshot() []PublicCapability {
	ms := m.ListCapabilities()
	out := make([]PublicCapability, len(ms))
	for i, c := range ms {
		out[i] = PublicCapability{
			ID:           c.ID,
			Namespace:    isolation.Namespace(c.ID),
			ProviderType: c.Provider.Kind,
			Version:      c.Version,
		}
	}
	return out
}

func (m *Marketplace) Aggregate() CatalogAggregate {
	agg := CatalogAggregate{ByProviderType: map[ProviderKind]int{}}
	ns := map[string]bool{}
	for _, c := range m.PublicCapabilitiesSnapshot() {
		agg.Total++
		agg.ByProviderType[c.ProviderType]++
		ns[c.Namespace] = true
	}
	agg.Namespaces = slices.Sorted(maps.Keys(ns))
	return agg
}

func (m *Marketplace) IsolationPolicySnapshot() PolicySnapshot {
	p := m.IsolationPolicy()
	return PolicySnapshot{
		AllowedCapabilities: slices.Clone(p.AllowedCapabilities),
		DeniedCapabilities:  slices.Clone(p.DeniedCapabilities),
		Namespaces:          slices.Sorted(maps.Keys(p.NamespacePolicies)),
		Conditions:          slices.Clone(p.Conditions),
		HasTimeConstraints:  p.TimeConstraints != nil,
		HasResourceLimits:   p.ResourceConstraints != nil || hasNamespaceLimits(p),
	}
}

func hasNamespaceLimits(p *isolation.CapabilityIsolationPolicy) bool {
	for _, np := range p.NamespacePolicies {
		if np.ResourceLimits != nil {
			return true
		}
	}
	return false
}

// CapabilitiesInNamespace returns the ids under namespace prefix ns.
func (m *Marketplace) CapabilitiesInNamespace(ns string) []string {
	var out []string
	for _, c := range m.PublicCapabilitiesSnapshot() {
		if strings.HasPrefix(c.ID, ns) {
			out = append(out, c.ID)
		}
	}
	return out
}
