package actions

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/rendis/flowd/internal/expressions"
	"github.com/rendis/flowd/internal/sandbox"
	"github.com/rendis/flowd/internal/secrets"
	"github.com/rendis/flowd/internal/store"
	"github.com/rendis/flowd/pkg/schema"
)

// Result is the outcome of one action execution. A failed Result stops
// the step and routes the run to its failure path; it is not a host
// error.
type Result struct {
	Success        bool
	Message        string
	UpdatedContext map[string]any
	Pause          *PauseRequest
	Logs           []string
}

// PauseRequest asks the orchestrator to suspend the run and resume it
// after the delay. Returned by wait actions; never an error.
type PauseRequest struct {
	Delay time.Duration
}

// Mailer sends a single email. Implemented by internal/mail.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// AIProvider generates content from a prompt. Implemented by
// internal/ai for OpenAI-compatible APIs.
type AIProvider interface {
	Generate(ctx context.Context, req AIRequest) (string, error)
}

// AIRequest carries everything one generation call needs; the API key
// is already decrypted.
type AIRequest struct {
	Provider string
	BaseURL  string
	Model    string
	Prompt   string
	APIKey   string
}

// ServiceFunc is a host-registered function callable from
// execute_service_function actions. The owner identity is always the
// last argument appended by the dispatcher.
type ServiceFunc func(ctx context.Context, args []any, owner schema.Identity) (any, error)

// ServiceRegistry resolves service+function names to host functions.
// The registry is fixed at startup; scripts and workflows cannot
// extend it.
type ServiceRegistry interface {
	Lookup(service, function string) (ServiceFunc, bool)
}

// WorkflowRunner starts a workflow by name. Implemented by the
// scheduler; used by sandboxed scripts.
type WorkflowRunner interface {
	RunWorkflowByName(ctx context.Context, name string, contextData map[string]any, owner schema.Identity) (string, error)
}

// Deps bundles every collaborator the handlers need.
type Deps struct {
	Store    store.Store
	Resolver *expressions.Resolver
	Sandbox  *sandbox.Runtime
	Vault    secrets.Vault
	Mailer   Mailer
	AI       AIProvider
	Services ServiceRegistry
	Runner   WorkflowRunner

	HTTPClient *http.Client
	BaseURL    string
	Logger     *slog.Logger
}

// Dispatcher routes a workflow action to its handler by type.
type Dispatcher struct {
	deps Deps
}

func NewDispatcher(deps Deps) *Dispatcher {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{}
	}
	return &Dispatcher{deps: deps}
}

// SetRunner wires the workflow runner after construction; the
// dispatcher and the scheduler reference each other.
func (d *Dispatcher) SetRunner(r WorkflowRunner) {
	d.deps.Runner = r
}

// Execute runs one action against the run's current context. The
// switch is closed over schema.ActionType: an unknown type is a hard
// failure so misconfigured workflows surface immediately instead of
// silently skipping work.
func (d *Dispatcher) Execute(ctx context.Context, run *store.WorkflowRun, action *store.WorkflowAction) *Result {
	scope := d.scope(ctx, run)

	switch schema.ActionType(action.Type) {
	case schema.ActionLog:
		return d.execLog(ctx, run, action, scope)
	case schema.ActionHTTPRequest:
		return d.execHTTP(ctx, action, scope)
	case schema.ActionCreateData:
		return d.execCreateData(ctx, run, action, scope)
	case schema.ActionUpdateData:
		return d.execUpdateData(ctx, action, scope)
	case schema.ActionDeleteData:
		return d.execDeleteData(ctx, action, scope)
	case schema.ActionGenerateAIContent:
		return d.execGenerateAI(ctx, run, action, scope)
	case schema.ActionSendEmail:
		return d.execSendEmail(ctx, run, action, scope)
	case schema.ActionWait:
		return d.execWait(action)
	case schema.ActionExecuteScript:
		return d.execScript(ctx, run, action, scope)
	case schema.ActionExecuteServiceFunction:
		return d.execServiceFunction(ctx, run, action, scope)
	default:
		return failf("unknown action type %q", action.Type)
	}
}

// scope assembles the resolution scope for one action: the run's
// context data, the owner's env vars and the relation-chain document
// hints the trigger recorded in context.
func (d *Dispatcher) scope(ctx context.Context, run *store.WorkflowRun) *expressions.Scope {
	env := map[string]string{}
	if d.deps.Store != nil {
		vars, err := d.deps.Store.GetEnvVars(ctx, run.Owner.Username)
		if err != nil {
			d.deps.Logger.WarnContext(ctx, "env var load failed", "owner", run.Owner.Username, "error", err)
		} else {
			env = vars
		}
	}
	return &expressions.Scope{
		Data:    run.ContextData,
		Env:     env,
		BaseURL: d.deps.BaseURL,
		Docs:    documentModels(run.ContextData),
	}
}

// documentModels reads the model hints triggers record alongside their
// documents: a "docModel" string key marks the "doc" entry as a typed
// document eligible for relation traversal.
func documentModels(contextData map[string]any) map[string]string {
	if contextData == nil {
		return nil
	}
	model, ok := contextData["docModel"].(string)
	if !ok || model == "" {
		return nil
	}
	return map[string]string{"doc": model}
}

func (d *Dispatcher) execLog(ctx context.Context, run *store.WorkflowRun, action *store.WorkflowAction, scope *expressions.Scope) *Result {
	var params schema.LogParams
	if err := schema.UnmarshalParams(action.Params, &params); err != nil {
		return fail(err.Error())
	}

	msg := d.deps.Resolver.ResolveString(ctx, params.Message, scope)
	attrs := []any{"run_id", run.ID, "action", action.Name}
	switch params.Level {
	case "warn":
		d.deps.Logger.WarnContext(ctx, msg, attrs...)
	case "error":
		d.deps.Logger.ErrorContext(ctx, msg, attrs...)
	default:
		d.deps.Logger.InfoContext(ctx, msg, attrs...)
	}
	return &Result{Success: true, Message: msg}
}

func (d *Dispatcher) execWait(action *store.WorkflowAction) *Result {
	var params schema.WaitParams
	if err := schema.UnmarshalParams(action.Params, &params); err != nil {
		return fail(err.Error())
	}
	if params.Duration <= 0 {
		return failf("wait: duration must be positive, got %v", params.Duration)
	}

	var unit time.Duration
	switch params.DurationUnit {
	case "seconds", "":
		unit = time.Second
	case "minutes":
		unit = time.Minute
	case "hours":
		unit = time.Hour
	case "days":
		unit = 24 * time.Hour
	default:
		return failf("wait: unknown durationUnit %q", params.DurationUnit)
	}

	delay := time.Duration(params.Duration * float64(unit))
	return &Result{
		Success: true,
		Message: fmt.Sprintf("pausing for %s", delay),
		Pause:   &PauseRequest{Delay: delay},
	}
}

func fail(message string) *Result {
	return &Result{Success: false, Message: message}
}

func failf(format string, args ...any) *Result {
	return &Result{Success: false, Message: fmt.Sprintf(format, args...)}
}

// resolveMap resolves a template map and coerces the result back to a
// map. Resolution preserves shape, so the assertion only fails on a
// nil input.
func resolveMap(ctx context.Context, r *expressions.Resolver, m map[string]any, scope *expressions.Scope) map[string]any {
	if m == nil {
		return nil
	}
	resolved, _ := r.Resolve(ctx, m, scope).(map[string]any)
	return resolved
}
