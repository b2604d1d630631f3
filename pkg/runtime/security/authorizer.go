package security

import (
	"fmt"
	"slices"

	"github.com/Mindburn-Labs/ccos/pkg/runtime"
)

// Authorizer resolves the permissions an isolated capability execution needs.
type Authorizer interface {
	AuthorizeCapability(rtctx *RuntimeContext, capabilityID string, args []any) ([]string, error)
}

// Permission names granted alongside the capability id itself.
const (
	PermFileAccess  = "ccos.io.file-access"
	PermOutbound    = "ccos.network.outbound"
	PermEnvironment = "ccos.system.environment"
)

// DefaultAuthorizer applies the runtime context's security level and
// effect policy, then returns the minimal permission set.
type DefaultAuthorizer struct{}

// NewAuthorizer returns the default authorizer.
func NewAuthorizer() *DefaultAuthorizer {
	return &DefaultAuthorizer{}
}

// AuthorizeCapability fails closed when rtctx is nil.
func (DefaultAuthorizer) AuthorizeCapability(rtctx *RuntimeContext, capabilityID string, args []any) ([]string, error) {
	if rtctx == nil {
		return nil, runtime.SecurityViolation(capabilityID, "no runtime context supplied for isolated capability")
	}
	if !rtctx.IsCapabilityAllowed(capabilityID) {
		return nil, runtime.SecurityViolation(capabilityID,
			fmt.Sprintf("capability %s not allowed by %s runtime context", capabilityID, rtctx.Level))
	}
	if rtctx.AllowedEffects != nil || len(rtctx.DeniedEffects) > 0 {
		if err := rtctx.EnsureEffectsAllowed(capabilityID, DefaultEffects(capabilityID)); err != nil {
			return nil, err
		}
	}

	required := []string{capabilityID}
	if perm := resourcePermission(capabilityID); perm != "" {
		required = append(required, perm)
	}
	return required, nil
}

// resourcePermission is the permission an isolated capability needs on top
// of its own id, or "".
func resourcePermission(capabilityID string) string {
	switch capabilityID {
	case "ccos.io.open-file", "ccos.io.read-line", "ccos.io.write-line", "ccos.io.close-file":
		return PermFileAccess
	case "ccos.network.http-fetch":
		return PermOutbound
	case "ccos.system.get-env":
		return PermEnvironment
	}
	return ""
}

// ValidateExecutionContext checks that every required permission was granted
// to the execution context.
func ValidateExecutionContext(required, granted []string) error {
	for _, perm := range required {
		if !slices.Contains(granted, perm) {
			return runtime.SecurityViolation(perm,
				fmt.Sprintf("required permission %s not in execution context permissions %v", perm, granted))
		}
	}
	return nil
}
