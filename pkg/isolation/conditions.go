package isolation

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
)

// ConditionEvaluator evaluates policy Conditions with CEL. Programs are
// compiled once per expression and cached.
//
// Variables:
//
//	capability.id, capability.namespace   string
//	time.hour, time.weekday               int (weekday: Sunday=0)
type ConditionEvaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewConditionEvaluator creates an evaluator with the policy environment.
func NewConditionEvaluator() (*ConditionEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("capability", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("time", cel.MapType(cel.StringType, cel.IntType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &ConditionEvaluator{env: env, prgCache: make(map[string]cel.Program)}, nil
}

// Namespace returns the id up to its last dot.
func Namespace(capabilityID string) string {
	if i := strings.LastIndexByte(capabilityID, '.'); i > 0 {
		return capabilityID[:i]
	}
	return ""
}

// Evaluate returns nil when every condition is true. Compile errors,
// evaluation errors and non-boolean results deny.
func (e *ConditionEvaluator) Evaluate(conditions []string, capabilityID string, now time.Time) error {
	if len(conditions) == 0 {
		return nil
	}
	now = now.UTC()
	input := map[string]any{
		"capability": map[string]any{
			"id":        capabilityID,
			"namespace": Namespace(capabilityID),
		},
		"time": map[string]any{
			"hour":    int64(now.Hour()),
			"weekday": int64(now.Weekday()),
		},
	}
	for i, expr := range conditions {
		ok, err := e.eval(expr, input)
		if err != nil {
			return fmt.Errorf("condition %d (%s): %w", i, expr, err)
		}
		if !ok {
			return fmt.Errorf("condition %d (%s) not satisfied for %s", i, expr, capabilityID)
		}
	}
	return nil
}

func (e *ConditionEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.prgCache[expr] = prg
	return prg, nil
}

func (e *ConditionEvaluator) eval(expr string, input map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}
