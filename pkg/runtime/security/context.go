// Package security decides which capabilities a runtime context may invoke
// and which permissions an isolated execution must carry.
package security

import (
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/ccos/pkg/runtime"
)

// SecurityLevel is the coarse trust tier of executing code.
type SecurityLevel string

const (
	// LevelPure allows no capabilities at all.
	LevelPure SecurityLevel = "pure"
	// LevelControlled allows only the capabilities in AllowedCapabilities.
	LevelControlled SecurityLevel = "controlled"
	// LevelFull allows every capability. Trusted code only.
	LevelFull SecurityLevel = "full"
)

// IsolationLevel is the isolation a plan step may request.
type IsolationLevel string

const (
	IsolationInherit   IsolationLevel = "inherit"
	IsolationIsolated  IsolationLevel = "isolated"
	IsolationSandboxed IsolationLevel = "sandboxed"
)

// Capabilities that must never run outside a MicroVM.
var microVMCapabilities = map[string]bool{
	"ccos.io.open-file":       true,
	"ccos.io.read-line":       true,
	"ccos.io.write-line":      true,
	"ccos.io.close-file":      true,
	"ccos.network.http-fetch": true,
	"ccos.system.get-env":     true,
}

// RequiresIsolation reports whether capabilityID is in the fixed
// isolation-required set.
func RequiresIsolation(capabilityID string) bool {
	return microVMCapabilities[capabilityID]
}

// RuntimeContext carries the security posture of the code invoking capabilities.
type RuntimeContext struct {
	Level               SecurityLevel
	AllowedCapabilities map[string]bool
	// AllowedEffects nil means no effect allowlist.
	AllowedEffects map[string]bool
	DeniedEffects  map[string]bool

	UseMicroVM         bool
	MaxExecutionTime   time.Duration
	MaxMemoryBytes     uint64
	LogCapabilityCalls bool

	AllowInheritIsolation   bool
	AllowIsolatedIsolation  bool
	AllowSandboxedIsolation bool

	MicroVMConfigOverride *runtime.MicroVMConfig
	CrossPlanParams       map[string]any
}

func newContext(level SecurityLevel) *RuntimeContext {
	return &RuntimeContext{
		Level:                   level,
		AllowedCapabilities:     map[string]bool{},
		DeniedEffects:           map[string]bool{},
		LogCapabilityCalls:      true,
		AllowInheritIsolation:   true,
		AllowIsolatedIsolation:  true,
		AllowSandboxedIsolation: true,
		CrossPlanParams:         map[string]any{},
	}
}

// Pure returns a context that allows nothing.
func Pure() *RuntimeContext {
	c := newContext(LevelPure)
	c.MaxExecutionTime = time.Second
	c.MaxMemoryBytes = 16 * 1024 * 1024
	return c
}

// Controlled returns a context that allows exactly the listed capabilities.
func Controlled(allowed ...string) *RuntimeContext {
	c := newContext(LevelControlled)
	for _, id := range allowed {
		c.AllowedCapabilities[id] = true
	}
	c.UseMicroVM = true
	c.MaxExecutionTime = 5 * time.Second
	c.MaxMemoryBytes = 64 * 1024 * 1024
	return c
}

// Full returns a context that allows every capability.
func Full() *RuntimeContext {
	return newContext(LevelFull)
}

// IsCapabilityAllowed applies the security level to capabilityID.
func (c *RuntimeContext) IsCapabilityAllowed(capabilityID string) bool {
	switch c.Level {
	case LevelControlled:
		return c.AllowedCapabilities[capabilityID]
	case LevelFull:
		return true
	default:
		return false
	}
}

// GrantedPermissions lists what c grants an execution of capabilityID: the
// id itself when allowed, plus its resource permission unless the effect
// policy forbids that resource.
func (c *RuntimeContext) GrantedPermissions(capabilityID string) []string {
	if !c.IsCapabilityAllowed(capabilityID) {
		return nil
	}
	granted := []string{capabilityID}
	perm := resourcePermission(capabilityID)
	if perm != "" && c.EnsureEffectsAllowed(capabilityID, DefaultEffects(capabilityID)) == nil {
		granted = append(granted, perm)
	}
	return granted
}

// RequiresMicroVM reports whether this context forces capabilityID into a MicroVM.
func (c *RuntimeContext) RequiresMicroVM(capabilityID string) bool {
	return c.UseMicroVM && RequiresIsolation(capabilityID)
}

// IsIsolationAllowed reports whether a step may request the given isolation.
func (c *RuntimeContext) IsIsolationAllowed(level IsolationLevel) bool {
	switch level {
	case IsolationInherit:
		return c.AllowInheritIsolation
	case IsolationIsolated:
		return c.AllowIsolatedIsolation
	case IsolationSandboxed:
		return c.AllowSandboxedIsolation
	}
	return false
}

// WithMicroVMConfig sets a per-context MicroVM configuration override.
func (c *RuntimeContext) WithMicroVMConfig(cfg runtime.MicroVMConfig) *RuntimeContext {
	c.MicroVMConfigOverride = &cfg
	return c
}

// WithEffectAllowlist restricts the effects capabilities may have.
func (c *RuntimeContext) WithEffectAllowlist(effects ...string) *RuntimeContext {
	if c.AllowedEffects == nil {
		c.AllowedEffects = map[string]bool{}
	}
	for _, e := range effects {
		if n := NormalizeEffect(e); n != "" {
			c.AllowedEffects[n] = true
		}
	}
	return c
}

// WithEffectDenies forbids the listed effects.
func (c *RuntimeContext) WithEffectDenies(effects ...string) *RuntimeContext {
	for _, e := range effects {
		if n := NormalizeEffect(e); n != "" {
			c.DeniedEffects[n] = true
		}
	}
	return c
}

// SetCrossPlanParam stores a value shared between plans.
func (c *RuntimeContext) SetCrossPlanParam(key string, value any) {
	c.CrossPlanParams[key] = value
}

// CrossPlanParam returns a value shared between plans.
func (c *RuntimeContext) CrossPlanParam(key string) (any, bool) {
	v, ok := c.CrossPlanParams[key]
	return v, ok
}

// EnsureEffectsAllowed checks effects against the deny list, then the allowlist.
func (c *RuntimeContext) EnsureEffectsAllowed(capabilityID string, effects []string) error {
	for _, e := range effects {
		n := NormalizeEffect(e)
		if n != "" && c.DeniedEffects[n] {
			return runtime.SecurityViolation(capabilityID, fmt.Sprintf("effect %s denied by runtime context", n))
		}
	}
	if c.AllowedEffects == nil {
		return nil
	}
	for _, e := range effects {
		n := NormalizeEffect(e)
		if n != "" && !c.AllowedEffects[n] {
			return runtime.SecurityViolation(capabilityID, fmt.Sprintf("effect %s not permitted by runtime context allowlist", n))
		}
	}
	return nil
}

// Validate rejects contexts whose limits or capability mix are unsafe.
func (c *RuntimeContext) Validate() error {
	if c.MaxExecutionTime > time.Minute {
		return fmt.Errorf("execution time limit too high: %s", c.MaxExecutionTime)
	}
	if c.MaxMemoryBytes > 512*1024*1024 {
		return fmt.Errorf("memory limit too high: %d bytes", c.MaxMemoryBytes)
	}
	if c.Level != LevelFull && !c.UseMicroVM {
		if c.AllowedCapabilities["ccos.io.open-file"] {
			return fmt.Errorf("file operations require microVM execution")
		}
		if c.AllowedCapabilities["ccos.network.http-fetch"] {
			return fmt.Errorf("network operations require microVM execution")
		}
	}
	return nil
}

// NormalizeEffect lowercases an effect label and gives it a leading colon.
func NormalizeEffect(effect string) string {
	trimmed := strings.Trim(strings.TrimSpace(effect), `"'`)
	if trimmed == "" {
		return ""
	}
	trimmed = strings.ToLower(trimmed)
	if strings.HasPrefix(trimmed, ":") {
		return trimmed
	}
	return ":" + trimmed
}

// DefaultEffects infers effects for core capabilities that ship without manifests.
func DefaultEffects(capabilityID string) []string {
	switch capabilityID {
	case "ccos.io.file-exists", "ccos.io.open-file", "ccos.io.read-line", "ccos.io.write-line", "ccos.io.close-file":
		return []string{":filesystem"}
	case "ccos.network.http-fetch":
		return []string{":network"}
	case "ccos.system.get-env", "ccos.system.current-time", "ccos.system.current-timestamp-ms":
		return []string{":system"}
	}
	switch {
	case strings.HasPrefix(capabilityID, "ccos.agent."):
		return []string{":agent"}
	case strings.HasPrefix(capabilityID, "ccos.stream."):
		return []string{":streaming"}
	}
	return []string{":compute"}
}
