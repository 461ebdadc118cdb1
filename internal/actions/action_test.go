package actions

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowd/internal/expressions"
	"github.com/rendis/flowd/internal/sandbox"
	"github.com/rendis/flowd/internal/store"
	"github.com/rendis/flowd/pkg/schema"
)

type fakeMailer struct {
	sent   []string
	failTo map[string]bool
}

func (m *fakeMailer) Send(_ context.Context, to, subject, body string) error {
	if m.failTo[to] {
		return assert.AnError
	}
	m.sent = append(m.sent, to)
	return nil
}

type fakeAI struct {
	lastReq AIRequest
	reply   string
}

func (a *fakeAI) Generate(_ context.Context, req AIRequest) (string, error) {
	a.lastReq = req
	return a.reply, nil
}

type fakeVault struct{}

func (fakeVault) Encrypt(p []byte) ([]byte, error) { return p, nil }
func (fakeVault) Decrypt(c []byte) ([]byte, error) { return c, nil }

type testHarness struct {
	dispatcher *Dispatcher
	store      *store.LibSQLStore
	mailer     *fakeMailer
	ai         *fakeAI
	registry   *Registry
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	s, err := store.NewLibSQLStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	mailer := &fakeMailer{failTo: map[string]bool{}}
	aiProvider := &fakeAI{reply: "generated text"}
	registry := NewRegistry()

	dispatcher := NewDispatcher(Deps{
		Store:    s,
		Resolver: expressions.NewResolver(s, nil),
		Sandbox:  sandbox.NewRuntime(nil),
		Vault:    fakeVault{},
		Mailer:   mailer,
		AI:       aiProvider,
		Services: registry,
		BaseURL:  "https://flowd.example.com",
	})
	return &testHarness{dispatcher: dispatcher, store: s, mailer: mailer, ai: aiProvider, registry: registry}
}

func testRun(contextData map[string]any) *store.WorkflowRun {
	if contextData == nil {
		contextData = map[string]any{}
	}
	return &store.WorkflowRun{
		ID:          uuid.NewString(),
		WorkflowID:  "wf-1",
		Owner:       schema.Identity{Username: "alice", Email: "alice@example.com"},
		ContextData: contextData,
		Status:      schema.RunStatusRunning,
	}
}

func action(typ schema.ActionType, params any) *store.WorkflowAction {
	raw, _ := json.Marshal(params)
	return &store.WorkflowAction{ID: uuid.NewString(), Type: typ, Name: string(typ), Params: raw}
}

func TestExecute_UnknownTypeIsHardFailure(t *testing.T) {
	h := newHarness(t)
	res := h.dispatcher.Execute(context.Background(),
		testRun(nil), &store.WorkflowAction{ID: "a", Type: "teleport", Params: []byte(`{}`)})
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "unknown action type")
}

func TestExecute_Log(t *testing.T) {
	h := newHarness(t)
	run := testRun(map[string]any{"user": map[string]any{"name": "Ada"}})
	res := h.dispatcher.Execute(context.Background(), run,
		action(schema.ActionLog, schema.LogParams{Message: "hello {user.name}"}))
	require.True(t, res.Success)
	assert.Equal(t, "hello Ada", res.Message)
}

func TestExecute_WaitReturnsPause(t *testing.T) {
	h := newHarness(t)

	res := h.dispatcher.Execute(context.Background(), testRun(nil),
		action(schema.ActionWait, schema.WaitParams{Duration: 2, DurationUnit: "minutes"}))
	require.True(t, res.Success)
	require.NotNil(t, res.Pause)
	assert.Equal(t, 2*time.Minute, res.Pause.Delay)

	res = h.dispatcher.Execute(context.Background(), testRun(nil),
		action(schema.ActionWait, schema.WaitParams{Duration: 1, DurationUnit: "fortnights"}))
	assert.False(t, res.Success)

	res = h.dispatcher.Execute(context.Background(), testRun(nil),
		action(schema.ActionWait, schema.WaitParams{Duration: -1, DurationUnit: "seconds"}))
	assert.False(t, res.Success)
}

func TestExecute_HTTPSuccessAndFailure(t *testing.T) {
	h := newHarness(t)
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path == "/boom" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	run := testRun(map[string]any{"token": "secret-token"})
	res := h.dispatcher.Execute(context.Background(), run, action(schema.ActionHTTPRequest, schema.HTTPParams{
		URL:     srv.URL + "/data",
		Headers: map[string]string{"Authorization": "Bearer {token}"},
	}))
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "Bearer secret-token", gotAuth)

	httpResp, ok := res.UpdatedContext["httpResponse"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 200, httpResp["statusCode"])
	body, ok := httpResp["body"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, body["ok"])

	res = h.dispatcher.Execute(context.Background(), run,
		action(schema.ActionHTTPRequest, schema.HTTPParams{URL: srv.URL + "/boom"}))
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "500")
}

func TestExecute_HTTPInvalidURL(t *testing.T) {
	h := newHarness(t)
	res := h.dispatcher.Execute(context.Background(), testRun(nil),
		action(schema.ActionHTTPRequest, schema.HTTPParams{URL: "ftp://nope"}))
	assert.False(t, res.Success)
}

func TestExecute_DataActions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.PutModel(ctx, &store.Model{
		Name:   "ticket",
		Fields: []store.Field{{Name: "title", Type: "string"}, {Name: "status", Type: "string"}},
	}))

	run := testRun(map[string]any{"title": "broken printer"})

	res := h.dispatcher.Execute(ctx, run, action(schema.ActionCreateData, schema.DataParams{
		Model:   "ticket",
		Payload: map[string]any{"title": "{title}", "status": "open"},
	}))
	require.True(t, res.Success, res.Message)
	created, ok := res.UpdatedContext["createdDocument"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "broken printer", created["title"])

	res = h.dispatcher.Execute(ctx, run, action(schema.ActionUpdateData, schema.DataParams{
		Model:    "ticket",
		Selector: map[string]any{"status": "open"},
		Payload:  map[string]any{"status": "closed"},
	}))
	require.True(t, res.Success, res.Message)
	assert.Equal(t, int64(1), res.UpdatedContext["updatedCount"])

	res = h.dispatcher.Execute(ctx, run, action(schema.ActionDeleteData, schema.DataParams{
		Model:    "ticket",
		Selector: map[string]any{"status": "closed"},
	}))
	require.True(t, res.Success, res.Message)
	assert.Equal(t, int64(1), res.UpdatedContext["deletedCount"])

	// Deleting a whole model without a selector is rejected.
	res = h.dispatcher.Execute(ctx, run, action(schema.ActionDeleteData, schema.DataParams{Model: "ticket"}))
	assert.False(t, res.Success)
}

func TestExecute_SendEmailPartialFailure(t *testing.T) {
	h := newHarness(t)
	h.mailer.failTo["bad@example.com"] = true

	run := testRun(map[string]any{
		"recipients": []any{"good@example.com", "bad@example.com"},
		"subject":    "weekly report",
	})
	res := h.dispatcher.Execute(context.Background(), run, action(schema.ActionSendEmail, schema.EmailParams{
		Recipients: "{recipients}",
		Subject:    "{subject}",
		Content:    "hello {recipient}",
	}))
	require.True(t, res.Success, "partial failure must not fail the action")

	result, ok := res.UpdatedContext["emailResult"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []string{"good@example.com"}, result["sent"])
	failures, ok := result["failures"].(map[string]string)
	require.True(t, ok)
	assert.Contains(t, failures, "bad@example.com")
	assert.Equal(t, []string{"good@example.com"}, h.mailer.sent)
}

func TestExecute_GenerateAIContent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.PutCredential(ctx, &store.Credential{
		Provider: "openai", Owner: "", Model: "gpt-4o-mini", Secret: []byte("sys-key"),
	}))

	run := testRun(map[string]any{"topic": "quarterly sales"})
	res := h.dispatcher.Execute(ctx, run, action(schema.ActionGenerateAIContent, schema.AIParams{
		Provider: "openai",
		Prompt:   "Summarize {topic}",
	}))
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "generated text", res.UpdatedContext["aiContent"])
	assert.Equal(t, "Summarize quarterly sales", h.ai.lastReq.Prompt)
	assert.Equal(t, "sys-key", h.ai.lastReq.APIKey)
	assert.Equal(t, "gpt-4o-mini", h.ai.lastReq.Model)
}

func TestExecute_GenerateAIContent_NoCredential(t *testing.T) {
	h := newHarness(t)
	res := h.dispatcher.Execute(context.Background(), testRun(nil),
		action(schema.ActionGenerateAIContent, schema.AIParams{Provider: "nowhere", Prompt: "x"}))
	assert.False(t, res.Success)
}

func TestExecute_ServiceFunction(t *testing.T) {
	h := newHarness(t)
	h.registry.Register("math", "sum", func(_ context.Context, args []any, owner schema.Identity) (any, error) {
		total := 0.0
		for _, a := range args {
			total += a.(float64)
		}
		return map[string]any{"total": total, "by": owner.Username}, nil
	})

	run := testRun(map[string]any{"x": float64(2)})
	res := h.dispatcher.Execute(context.Background(), run, action(schema.ActionExecuteServiceFunction, schema.ServiceParams{
		Service:  "math",
		Function: "sum",
		Args:     []any{"{x}", float64(3)},
	}))
	require.True(t, res.Success, res.Message)
	out, ok := res.UpdatedContext["serviceResult"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(5), out["total"])
	assert.Equal(t, "alice", out["by"])

	res = h.dispatcher.Execute(context.Background(), run, action(schema.ActionExecuteServiceFunction, schema.ServiceParams{
		Service: "math", Function: "nope",
	}))
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "unknown function")
}

func TestExecute_Script(t *testing.T) {
	h := newHarness(t)
	run := testRun(nil)

	res := h.dispatcher.Execute(context.Background(), run, action(schema.ActionExecuteScript, schema.ScriptParams{
		Script: `logger.Info("working"); return map[string]any{"answer": 42}`,
	}))
	require.True(t, res.Success, res.Message)
	out, ok := res.UpdatedContext["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(42), out["answer"])
	require.NotEmpty(t, res.Logs)
	assert.Contains(t, res.Logs[0], "working")
}
