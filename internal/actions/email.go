package actions

import (
	"context"
	"fmt"

	"github.com/rendis/flowd/internal/expressions"
	"github.com/rendis/flowd/internal/store"
	"github.com/rendis/flowd/pkg/schema"
)

// execSendEmail sends one message per recipient. The recipients param
// may be a literal address, a list, or a placeholder resolving to
// either. Subject and content are re-resolved per recipient with the
// current recipient bound into the scope, so templates can address
// each receiver individually. A failed recipient does not abort the
// loop: the action succeeds once the loop completes, reporting
// per-recipient failures in updatedContext.emailResult.
func (d *Dispatcher) execSendEmail(ctx context.Context, run *store.WorkflowRun, action *store.WorkflowAction, scope *expressions.Scope) *Result {
	var params schema.EmailParams
	if err := schema.UnmarshalParams(action.Params, &params); err != nil {
		return fail(err.Error())
	}
	if d.deps.Mailer == nil {
		return fail("send_email: no mailer configured")
	}

	recipients, err := d.resolveRecipients(ctx, params.Recipients, scope)
	if err != nil {
		return fail(err.Error())
	}
	if len(recipients) == 0 {
		return fail("send_email: no recipients resolved")
	}

	sent := make([]string, 0, len(recipients))
	failures := map[string]string{}
	for _, recipient := range recipients {
		rScope := scopeWithRecipient(scope, recipient)
		subject := d.deps.Resolver.ResolveString(ctx, params.Subject, rScope)
		content := d.deps.Resolver.ResolveString(ctx, params.Content, rScope)

		if err := d.deps.Mailer.Send(ctx, recipient, subject, content); err != nil {
			d.deps.Logger.WarnContext(ctx, "email send failed",
				"run_id", run.ID, "recipient", recipient, "error", err)
			failures[recipient] = err.Error()
			continue
		}
		sent = append(sent, recipient)
	}

	result := map[string]any{"sent": sent}
	if len(failures) > 0 {
		result["failures"] = failures
	}
	return &Result{
		Success:        true,
		Message:        fmt.Sprintf("sent %d/%d email(s)", len(sent), len(recipients)),
		UpdatedContext: map[string]any{"emailResult": result},
	}
}

// resolveRecipients normalizes the recipients param to a flat address
// list after placeholder resolution.
func (d *Dispatcher) resolveRecipients(ctx context.Context, raw any, scope *expressions.Scope) ([]string, error) {
	resolved := d.deps.Resolver.Resolve(ctx, raw, scope)
	switch v := resolved.(type) {
	case string:
		if v == "" {
			return nil, nil
		}
		return []string{v}, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			addr, ok := item.(string)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"send_email: recipient entry is %T, want string", item)
			}
			if addr != "" {
				out = append(out, addr)
			}
		}
		return out, nil
	case []string:
		return v, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"send_email: recipients resolved to %T, want string or list", resolved)
	}
}

// scopeWithRecipient copies the scope with the current recipient bound
// under the "recipient" context key.
func scopeWithRecipient(scope *expressions.Scope, recipient string) *expressions.Scope {
	data := make(map[string]any, len(scope.Data)+1)
	for k, v := range scope.Data {
		data[k] = v
	}
	data["recipient"] = recipient
	return &expressions.Scope{
		Data:    data,
		Env:     scope.Env,
		BaseURL: scope.BaseURL,
		Docs:    scope.Docs,
	}
}
