package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/rendis/flowd/pkg/schema"
)

// CELEngine evaluates step conditions and trigger data filters using
// Common Expression Language. Compiled programs are cached and safe for
// concurrent reuse.
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine builds a CEL environment exposing three top-level
// variables:
//   - data: the run's context data
//   - doc:  the triggering document (event triggers)
//   - run:  run metadata (id, workflow, owner)
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	env, err := cel.NewEnv(
		cel.Variable("data", mapType),
		cel.Variable("doc", mapType),
		cel.Variable("run", mapType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// EvaluateBool evaluates a condition expression against the data map.
// An empty expression is vacuously true. A non-boolean result is a
// definition error.
func (e *CELEngine) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(activation(data))
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"condition evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeDefinition,
			"condition %q evaluated to %T, want bool", expression, out.Value()).
			WithDetails(map[string]any{"expression": expression})
	}
	return result, nil
}

func (e *CELEngine) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition,
			"condition compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition,
			"condition program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

// activation fills the three environment variables, defaulting missing
// keys to empty maps so CEL never hits a nil reference.
func activation(data map[string]any) map[string]any {
	act := make(map[string]any, 3)
	for _, key := range []string{"data", "doc", "run"} {
		if v, ok := data[key]; ok && v != nil {
			act[key] = v
		} else {
			act[key] = map[string]any{}
		}
	}
	return act
}
