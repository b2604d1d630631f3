package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/ccos/pkg/isolation"
	"github.com/Mindburn-Labs/ccos/pkg/marketplace"
)

// LoadPolicyFile reads an isolation policy document. Files ending in .toml
// are parsed as TOML, everything else as YAML. The returned policy is
// compiled and ready to install.
func LoadPolicyFile(path string) (*isolation.CapabilityIsolationPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policy %s: %w", path, err)
	}

	var policy isolation.CapabilityIsolationPolicy
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &policy); err != nil {
			return nil, fmt.Errorf("parse policy %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, &policy); err != nil {
			return nil, fmt.Errorf("parse policy %s: %w", path, err)
		}
	}

	if err := validatePolicy(&policy); err != nil {
		return nil, fmt.Errorf("policy %s: %w", path, err)
	}
	return policy.Compile(), nil
}

// validatePolicy rejects malformed patterns, unknown timezones and
// out-of-range hours or days.
func validatePolicy(p *isolation.CapabilityIsolationPolicy) error {
	check := func(where string, patterns []string) error {
		for _, raw := range patterns {
			if _, err := isolation.CompilePattern(raw); err != nil {
				return fmt.Errorf("%s: %w", where, err)
			}
		}
		return nil
	}
	if err := check("allowed_capabilities", p.AllowedCapabilities); err != nil {
		return err
	}
	if err := check("denied_capabilities", p.DeniedCapabilities); err != nil {
		return err
	}
	for ns, np := range p.NamespacePolicies {
		if err := check("namespace "+ns, np.AllowedPatterns); err != nil {
			return err
		}
		if err := check("namespace "+ns, np.DeniedPatterns); err != nil {
			return err
		}
	}
	if tc := p.TimeConstraints; tc != nil {
		if tc.Timezone != "" {
			if _, err := time.LoadLocation(tc.Timezone); err != nil {
				return fmt.Errorf("time_constraints: %w", err)
			}
		}
		for _, h := range tc.AllowedHours {
			if h < 0 || h > 23 {
				return fmt.Errorf("time_constraints: hour %d out of range", h)
			}
		}
		for _, d := range tc.AllowedDays {
			if d < 0 || d > 6 {
				return fmt.Errorf("time_constraints: day %d out of range", d)
			}
		}
	}
	return nil
}

// LoadCatalogFile reads a static manifest catalog.
func LoadCatalogFile(path string) ([]*marketplace.CapabilityManifest, error) {
	return marketplace.LoadCatalogFile(path)
}
