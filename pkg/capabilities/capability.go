// Package capabilities is the single dispatch point for built-in capabilities.
// Dangerous operations (file IO, network, environment) only run inside a
// MicroVM provider; everything else is invoked directly.
package capabilities

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/ccos/pkg/runtime"
	"github.com/Mindburn-Labs/ccos/pkg/runtime/security"
)

// Func implements a built-in capability.
type Func func(ctx context.Context, args []any) (any, error)

// Arity bounds the number of positional arguments. Max < 0 means variadic.
type Arity struct {
	Min int
	Max int
}

// Fixed accepts exactly n arguments.
func Fixed(n int) Arity { return Arity{Min: n, Max: n} }

// AtLeast accepts n or more arguments.
func AtLeast(n int) Arity { return Arity{Min: n, Max: -1} }

// Variadic accepts any number of arguments.
func Variadic() Arity { return Arity{Min: 0, Max: -1} }

func (a Arity) String() string {
	switch {
	case a.Max < 0 && a.Min == 0:
		return "any number of"
	case a.Max < 0:
		return fmt.Sprintf(">=%d", a.Min)
	case a.Min == a.Max:
		return fmt.Sprintf("%d", a.Min)
	}
	return fmt.Sprintf("%d..%d", a.Min, a.Max)
}

// Check validates n against the arity.
func (a Arity) Check(id string, n int) error {
	if n < a.Min || (a.Max >= 0 && n > a.Max) {
		return runtime.ArityMismatch(id, a.String(), n)
	}
	return nil
}

// Capability is a registry-level built-in.
type Capability struct {
	ID    string
	Arity Arity
	Func  Func
}

// Provider fully owns execution of the capability ids it is registered for.
type Provider interface {
	ExecuteCapability(ctx context.Context, id string, args []any, rtctx *security.RuntimeContext) (any, error)
}

// ProviderFunc adapts a function into a Provider.
type ProviderFunc func(ctx context.Context, id string, args []any, rtctx *security.RuntimeContext) (any, error)

func (f ProviderFunc) ExecuteCapability(ctx context.Context, id string, args []any, rtctx *security.RuntimeContext) (any, error) {
	return f(ctx, id, args, rtctx)
}

// AgentDirectory answers agent discovery built-ins.
type AgentDirectory interface {
	DiscoverAgents(ctx context.Context, query map[string]any) ([]any, error)
}
