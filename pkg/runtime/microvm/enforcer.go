package microvm

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/Mindburn-Labs/ccos/pkg/runtime"
)

// PolicyViolation records an attempt to cross the MicroVM boundary.
type PolicyViolation struct {
	ViolationType string    `json:"violation_type"`
	Detail        string    `json:"detail"`
	Timestamp     time.Time `json:"timestamp"`
}

// PolicyEnforcer checks filesystem, network and environment access against a
// MicroVMConfig and keeps every blocked attempt.
type PolicyEnforcer struct {
	mu         sync.Mutex
	config     runtime.MicroVMConfig
	violations []PolicyViolation
	clock      func() time.Time
}

// NewPolicyEnforcer creates an enforcer for one execution.
func NewPolicyEnforcer(cfg runtime.MicroVMConfig) *PolicyEnforcer {
	return &PolicyEnforcer{config: cfg, clock: time.Now}
}

// WithClock overrides clock for testing.
func (e *PolicyEnforcer) WithClock(clock func() time.Time) *PolicyEnforcer {
	e.clock = clock
	return e
}

func (e *PolicyEnforcer) deny(kind, capabilityID, detail string) error {
	e.violations = append(e.violations, PolicyViolation{ViolationType: kind, Detail: detail, Timestamp: e.clock()})
	return runtime.SecurityViolation(capabilityID, detail)
}

// CheckFS verifies a filesystem access.
func (e *PolicyEnforcer) CheckFS(capabilityID, path string, write bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	clean := filepath.Clean(path)
	if write {
		if !e.config.FileSystem.AllowsWrite(clean) {
			return e.deny("FS_WRITE_DENIED", capabilityID, fmt.Sprintf("write to %s denied by %s filesystem policy", clean, e.config.FileSystem.Kind))
		}
		return nil
	}
	if !e.config.FileSystem.AllowsRead(clean) {
		return e.deny("FS_READ_DENIED", capabilityID, fmt.Sprintf("read of %s denied by %s filesystem policy", clean, e.config.FileSystem.Kind))
	}
	return nil
}

// CheckNetwork verifies an outbound host.
func (e *PolicyEnforcer) CheckNetwork(capabilityID, host string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.config.Network.AllowsHost(host) {
		return e.deny("NETWORK_DENIED", capabilityID, fmt.Sprintf("host %s denied by %s network policy", host, e.config.Network.Kind))
	}
	return nil
}

// LookupEnv reads only the variables exposed through the MicroVM config.
// The host environment is never visible.
func (e *PolicyEnforcer) LookupEnv(key string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.config.EnvVars[key]
	return v, ok
}

// Violations returns the blocked attempts so far.
func (e *PolicyEnforcer) Violations() []PolicyViolation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]PolicyViolation, len(e.violations))
	copy(out, e.violations)
	return out
}
