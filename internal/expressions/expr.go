package expressions

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/flowd/pkg/schema"
)

// ExprEngine evaluates alert conditions with expr-lang/expr, which
// gives alert authors array operations (filter, count, any, all), nil
// coalescing and optional chaining over the matched documents.
// Compiled *vm.Program objects are cached and reused across goroutines.
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{cache: make(map[string]*vm.Program)}
}

// EvaluateBool evaluates the expression against the data map, injected
// as top-level variables. Non-boolean results are a definition error.
func (e *ExprEngine) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	if expression == "" {
		return false, schema.NewError(schema.ErrCodeDefinition, "empty alert condition")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return false, err
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"alert condition failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	result, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeDefinition,
			"alert condition %q evaluated to %T, want bool", expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return result, nil
}

func (e *ExprEngine) getOrCompile(expression string) (*vm.Program, error) {
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

	prg, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition,
			"alert condition compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}
