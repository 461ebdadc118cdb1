package actions

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowd/internal/expressions"
	"github.com/rendis/flowd/internal/sandbox"
	"github.com/rendis/flowd/internal/store"
	"github.com/rendis/flowd/pkg/schema"
)

// execScript hands the script body to the sandboxed runtime with an
// owner-scoped bridge. Script failures (errors, panics, timeouts) fail
// the action; captured script logs ride along on the result either way.
func (d *Dispatcher) execScript(ctx context.Context, run *store.WorkflowRun, action *store.WorkflowAction, scope *expressions.Scope) *Result {
	var params schema.ScriptParams
	if err := schema.UnmarshalParams(action.Params, &params); err != nil {
		return fail(err.Error())
	}
	if d.deps.Sandbox == nil {
		return fail("execute_script: no sandbox runtime configured")
	}

	bridge := &sandbox.Bridge{
		DB:       &scriptDataAPI{ctx: ctx, store: d.deps.Store, owner: run.Owner},
		Workflow: &scriptWorkflowAPI{ctx: ctx, runner: d.deps.Runner, owner: run.Owner},
		Env:      &scriptEnvAPI{env: scope.Env},
		Logger:   d.deps.Logger.With("run_id", run.ID, "action", action.Name),
	}

	res := d.deps.Sandbox.Execute(ctx, params.Script, bridge, sandbox.Limits{})
	if !res.Success {
		return &Result{Success: false, Message: "execute_script: " + res.Message, Logs: res.Logs}
	}
	return &Result{
		Success:        true,
		Message:        "script completed",
		UpdatedContext: map[string]any{"result": res.Value},
		Logs:           res.Logs,
	}
}

// scriptDataAPI backs the sandbox `db` package with owner-scoped store
// access. Scripts see plain maps; the query limit keeps a runaway
// Find from dragging a whole model across the boundary.
type scriptDataAPI struct {
	ctx   context.Context
	store store.Store
	owner schema.Identity
}

const scriptFindLimit = 500

func (a *scriptDataAPI) Create(model string, doc map[string]any) (map[string]any, error) {
	created := &store.Document{
		ID:        uuid.NewString(),
		Model:     model,
		Data:      doc,
		Owner:     a.owner.Username,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := a.store.CreateDocument(a.ctx, created); err != nil {
		return nil, err
	}
	out := map[string]any{"id": created.ID}
	for k, v := range doc {
		out[k] = v
	}
	return out, nil
}

func (a *scriptDataAPI) Find(model string, selector map[string]any) ([]map[string]any, error) {
	docs, err := a.store.QueryDocuments(a.ctx, model, selector, scriptFindLimit)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, len(docs))
	for i, doc := range docs {
		out[i] = docWithID(doc)
	}
	return out, nil
}

func (a *scriptDataAPI) FindOne(model string, selector map[string]any) (map[string]any, error) {
	docs, err := a.store.QueryDocuments(a.ctx, model, selector, 1)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docWithID(docs[0]), nil
}

func (a *scriptDataAPI) Update(model string, selector, patch map[string]any) (int, error) {
	n, err := a.store.UpdateDocuments(a.ctx, model, selector, patch)
	return int(n), err
}

func (a *scriptDataAPI) Delete(model string, selector map[string]any) (int, error) {
	if len(selector) == 0 {
		return 0, schema.NewError(schema.ErrCodeValidation, "delete requires a selector")
	}
	n, err := a.store.DeleteDocuments(a.ctx, model, selector)
	return int(n), err
}

func docWithID(doc *store.Document) map[string]any {
	out := map[string]any{"id": doc.ID}
	for k, v := range doc.Data {
		out[k] = v
	}
	return out
}

// scriptWorkflowAPI backs the sandbox `workflow` package.
type scriptWorkflowAPI struct {
	ctx    context.Context
	runner WorkflowRunner
	owner  schema.Identity
}

func (a *scriptWorkflowAPI) Run(name string, contextData map[string]any) (string, error) {
	if a.runner == nil {
		return "", schema.NewError(schema.ErrCodeExecution, "workflow runner not available")
	}
	return a.runner.RunWorkflowByName(a.ctx, name, contextData, a.owner)
}

// scriptEnvAPI backs the sandbox `env` package with the already-loaded
// owner variables.
type scriptEnvAPI struct {
	env map[string]string
}

func (a *scriptEnvAPI) Get(name string) string {
	return a.env[name]
}

func (a *scriptEnvAPI) GetAll() map[string]string {
	return a.env
}
