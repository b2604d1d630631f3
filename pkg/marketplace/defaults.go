package marketplace

import (
	"context"
	"errors"

	"github.com/Mindburn-Labs/ccos/pkg/runtime"
)

// RegisterDefaults adds the pure compute capabilities every marketplace
// carries: ccos.echo and ccos.math.add. Already registered ids are skipped.
func (m *Marketplace) RegisterDefaults(ctx context.Context) error {
	defaults := []struct {
		id, name, desc string
		h              LocalHandler
	}{
		{"ccos.echo", "Echo Capability", "Echoes the input value back", echo},
		{"ccos.math.add", "Math Add Capability", "Adds integer values", add},
	}
	for _, d := range defaults {
		err := m.RegisterLocalCapabilityWithEffects(ctx, d.id, d.name, d.desc, d.h, []string{":compute"})
		if err != nil && !errors.Is(err, ErrDuplicateCapability) {
			return err
		}
	}
	return nil
}

func echo(_ context.Context, args []any) (any, error) {
	if len(args) == 1 {
		if m, ok := args[0].(map[string]any); ok {
			for _, k := range []string{"message", "content", "text", "value"} {
				if v, ok := lookup(m, k); ok {
					return v, nil
				}
			}
		}
		return args[0], nil
	}
	return nil, runtime.ArityMismatch("ccos.echo", "1", len(args))
}

func add(_ context.Context, args []any) (any, error) {
	if len(args) == 1 {
		if list, ok := args[0].([]any); ok {
			args = list
		}
	}
	var sum int64
	for _, a := range args {
		n, ok := a.(int64)
		if !ok {
			if i, isInt := a.(int); isInt {
				n, ok = int64(i), true
			}
		}
		if !ok {
			return nil, runtime.TypeError("ccos.math.add", "integer", a)
		}
		sum += n
	}
	return sum, nil
}
