package isolation

import (
	"time"

	"github.com/Mindburn-Labs/ccos/pkg/runtime"
)

// CheckAccess runs every access rule in order: time window, namespace
// rules, CEL conditions, then the global deny/allow lists. A nil evaluator
// with non-empty Conditions denies.
func (p *CapabilityIsolationPolicy) CheckAccess(eval *ConditionEvaluator, id string, now time.Time) error {
	if !p.CheckTimeConstraints(now) {
		return runtime.AuthorizationError(id, "outside allowed time window")
	}
	if !p.CheckNamespaceAccess(id) {
		return runtime.AuthorizationError(id, "denied by namespace policy")
	}
	if len(p.Conditions) > 0 {
		if eval == nil {
			return runtime.AuthorizationError(id, "policy conditions present but no evaluator configured")
		}
		if err := eval.Evaluate(p.Conditions, id, now); err != nil {
			return runtime.AuthorizationError(id, err.Error())
		}
	}
	if !p.IsAllowed(id) {
		return runtime.AuthorizationError(id, "denied by isolation policy")
	}
	return nil
}
