package actions

import (
	"context"

	"github.com/rendis/flowd/internal/expressions"
	"github.com/rendis/flowd/internal/store"
	"github.com/rendis/flowd/pkg/schema"
)

// execGenerateAI resolves the prompt, looks up the provider credential
// (owner-scoped first, system-scoped fallback), decrypts the API key
// and invokes the provider. The generated text lands in
// updatedContext.aiContent.
func (d *Dispatcher) execGenerateAI(ctx context.Context, run *store.WorkflowRun, action *store.WorkflowAction, scope *expressions.Scope) *Result {
	var params schema.AIParams
	if err := schema.UnmarshalParams(action.Params, &params); err != nil {
		return fail(err.Error())
	}
	if params.Provider == "" {
		return fail("generate_ai_content: missing required param 'provider'")
	}
	if params.Prompt == "" {
		return fail("generate_ai_content: missing required param 'prompt'")
	}
	if d.deps.AI == nil {
		return fail("generate_ai_content: no AI provider configured")
	}

	cred, err := d.deps.Store.GetCredential(ctx, params.Provider, run.Owner.Username)
	if err != nil {
		return failf("generate_ai_content: credential lookup for %q: %v", params.Provider, err)
	}

	apiKey := ""
	if len(cred.Secret) > 0 {
		if d.deps.Vault == nil {
			return fail("generate_ai_content: no vault configured to decrypt credentials")
		}
		plain, err := d.deps.Vault.Decrypt(cred.Secret)
		if err != nil {
			return failf("generate_ai_content: %v", err)
		}
		apiKey = string(plain)
	}

	model := params.Model
	if model == "" {
		model = cred.Model
	}

	prompt := d.deps.Resolver.ResolveString(ctx, params.Prompt, scope)

	content, err := d.deps.AI.Generate(ctx, AIRequest{
		Provider: params.Provider,
		BaseURL:  cred.BaseURL,
		Model:    model,
		Prompt:   prompt,
		APIKey:   apiKey,
	})
	if err != nil {
		return failf("generate_ai_content: provider %q: %v", params.Provider, err)
	}

	return &Result{
		Success:        true,
		Message:        "content generated",
		UpdatedContext: map[string]any{"aiContent": content},
	}
}
