package actions

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowd/internal/expressions"
	"github.com/rendis/flowd/internal/store"
	"github.com/rendis/flowd/pkg/schema"
)

// execCreateData validates and inserts one document. The created
// document (with its generated id) lands in updatedContext.
func (d *Dispatcher) execCreateData(ctx context.Context, run *store.WorkflowRun, action *store.WorkflowAction, scope *expressions.Scope) *Result {
	var params schema.DataParams
	if err := schema.UnmarshalParams(action.Params, &params); err != nil {
		return fail(err.Error())
	}
	if params.Model == "" {
		return fail("create_data: missing required param 'model'")
	}
	if len(params.Payload) == 0 {
		return fail("create_data: missing required param 'payload'")
	}

	payload := resolveMap(ctx, d.deps.Resolver, params.Payload, scope)

	doc := &store.Document{
		ID:        uuid.NewString(),
		Model:     params.Model,
		Data:      payload,
		Owner:     run.Owner.Username,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := d.deps.Store.CreateDocument(ctx, doc); err != nil {
		return failf("create_data: %v", err)
	}

	created := map[string]any{"id": doc.ID}
	for k, v := range payload {
		created[k] = v
	}
	return &Result{
		Success:        true,
		Message:        fmt.Sprintf("created %s/%s", params.Model, doc.ID),
		UpdatedContext: map[string]any{"createdDocument": created},
	}
}

// execUpdateData merges the resolved payload into every document the
// selector matches.
func (d *Dispatcher) execUpdateData(ctx context.Context, action *store.WorkflowAction, scope *expressions.Scope) *Result {
	var params schema.DataParams
	if err := schema.UnmarshalParams(action.Params, &params); err != nil {
		return fail(err.Error())
	}
	if params.Model == "" {
		return fail("update_data: missing required param 'model'")
	}
	if len(params.Payload) == 0 {
		return fail("update_data: missing required param 'payload'")
	}

	selector := resolveMap(ctx, d.deps.Resolver, params.Selector, scope)
	payload := resolveMap(ctx, d.deps.Resolver, params.Payload, scope)

	updated, err := d.deps.Store.UpdateDocuments(ctx, params.Model, selector, payload)
	if err != nil {
		return failf("update_data: %v", err)
	}
	return &Result{
		Success:        true,
		Message:        fmt.Sprintf("updated %d %s document(s)", updated, params.Model),
		UpdatedContext: map[string]any{"updatedCount": updated},
	}
}

// execDeleteData removes every document the selector matches. An empty
// selector is rejected so a typo can't wipe a whole model.
func (d *Dispatcher) execDeleteData(ctx context.Context, action *store.WorkflowAction, scope *expressions.Scope) *Result {
	var params schema.DataParams
	if err := schema.UnmarshalParams(action.Params, &params); err != nil {
		return fail(err.Error())
	}
	if params.Model == "" {
		return fail("delete_data: missing required param 'model'")
	}
	if len(params.Selector) == 0 {
		return fail("delete_data: refusing to delete without a selector")
	}

	selector := resolveMap(ctx, d.deps.Resolver, params.Selector, scope)

	deleted, err := d.deps.Store.DeleteDocuments(ctx, params.Model, selector)
	if err != nil {
		return failf("delete_data: %v", err)
	}
	return &Result{
		Success:        true,
		Message:        fmt.Sprintf("deleted %d %s document(s)", deleted, params.Model),
		UpdatedContext: map[string]any{"deletedCount": deleted},
	}
}
