package actions

import (
	"context"
	"sync"

	"github.com/rendis/flowd/internal/expressions"
	"github.com/rendis/flowd/internal/store"
	"github.com/rendis/flowd/pkg/schema"
)

// execServiceFunction calls a host-registered function with resolved
// args. The owner identity rides along so host functions can enforce
// their own scoping. An unknown service/function pair is a hard
// failure.
func (d *Dispatcher) execServiceFunction(ctx context.Context, run *store.WorkflowRun, action *store.WorkflowAction, scope *expressions.Scope) *Result {
	var params schema.ServiceParams
	if err := schema.UnmarshalParams(action.Params, &params); err != nil {
		return fail(err.Error())
	}
	if params.Service == "" || params.Function == "" {
		return fail("execute_service_function: 'service' and 'function' are required")
	}
	if d.deps.Services == nil {
		return fail("execute_service_function: no service registry configured")
	}

	fn, ok := d.deps.Services.Lookup(params.Service, params.Function)
	if !ok {
		return failf("execute_service_function: unknown function %s.%s", params.Service, params.Function)
	}

	args := make([]any, len(params.Args))
	for i, arg := range params.Args {
		args[i] = d.deps.Resolver.Resolve(ctx, arg, scope)
	}

	out, err := fn(ctx, args, run.Owner)
	if err != nil {
		return failf("execute_service_function: %s.%s: %v", params.Service, params.Function, err)
	}
	return &Result{
		Success:        true,
		Message:        params.Service + "." + params.Function + " completed",
		UpdatedContext: map[string]any{"serviceResult": out},
	}
}

// Registry is the default ServiceRegistry: a fixed map populated at
// startup, safe for concurrent lookup.
type Registry struct {
	mu  sync.RWMutex
	fns map[string]ServiceFunc
}

func NewRegistry() *Registry {
	return &Registry{fns: make(map[string]ServiceFunc)}
}

// Register binds a function under service.function. Later
// registrations overwrite earlier ones.
func (r *Registry) Register(service, function string, fn ServiceFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fns[service+"."+function] = fn
}

func (r *Registry) Lookup(service, function string) (ServiceFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.fns[service+"."+function]
	return fn, ok
}

var _ ServiceRegistry = (*Registry)(nil)
