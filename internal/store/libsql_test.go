package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowd/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewLibSQLStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedWorkflow(t *testing.T, s *LibSQLStore) *WorkflowDefinition {
	t.Helper()
	def := &WorkflowDefinition{
		ID:        uuid.NewString(),
		Name:      "wf-" + uuid.NewString(),
		StartStep: "step-1",
		Enabled:   true,
	}
	require.NoError(t, s.CreateWorkflowDefinition(context.Background(), def))
	return def
}

// --- Workflow graph ---

func TestCreateAndGetWorkflowDefinition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	def := seedWorkflow(t, s)

	got, err := s.GetWorkflowDefinition(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, def.Name, got.Name)
	assert.Equal(t, "step-1", got.StartStep)
	assert.True(t, got.Enabled)

	byName, err := s.GetWorkflowDefinitionByName(ctx, def.Name)
	require.NoError(t, err)
	assert.Equal(t, def.ID, byName.ID)
}

func TestGetWorkflowDefinition_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetWorkflowDefinition(context.Background(), "nonexistent")
	require.Error(t, err)
	flowErr, ok := err.(*schema.FlowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, flowErr.Code)
}

func TestStepRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	def := seedWorkflow(t, s)

	step := &WorkflowStep{
		ID:            "step-1",
		WorkflowID:    def.ID,
		Conditions:    `data.count > 0`,
		Actions:       []string{"a1", "a2"},
		OnSuccessStep: "step-2",
		IsTerminal:    false,
	}
	require.NoError(t, s.CreateStep(ctx, step))

	got, err := s.GetStep(ctx, "step-1")
	require.NoError(t, err)
	assert.Equal(t, def.ID, got.WorkflowID)
	assert.Equal(t, []string{"a1", "a2"}, got.Actions)
	assert.Equal(t, "step-2", got.OnSuccessStep)
	assert.Empty(t, got.OnFailureStep)
}

// --- Runs ---

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	def := seedWorkflow(t, s)

	run := &WorkflowRun{
		ID:          uuid.NewString(),
		WorkflowID:  def.ID,
		Owner:       schema.Identity{Username: "alice"},
		ContextData: map[string]any{"triggerData": map[string]any{"kind": "direct"}},
		Status:      schema.RunStatusPending,
		StartedAt:   time.Now().UTC(),
	}
	require.NoError(t, s.CreateRun(ctx, run))

	status := schema.RunStatusRunning
	step := "step-1"
	require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{
		Status:         &status,
		CurrentStep:    &step,
		ContextData:    map[string]any{"httpResponse": map[string]any{"statusCode": float64(200)}},
		StepExecutions: map[string]int{"step-1": 1},
	}))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusRunning, got.Status)
	assert.Equal(t, "step-1", got.CurrentStep)
	assert.Equal(t, 1, got.StepExecutions["step-1"])
	assert.Equal(t, "alice", got.Owner.Username)

	done := schema.RunStatusCompleted
	now := time.Now().UTC()
	require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{Status: &done, CompletedAt: &now}))

	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, got.Status.Terminal())
	assert.NotNil(t, got.CompletedAt)
}

func TestListRuns_FilterByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	def := seedWorkflow(t, s)

	for _, st := range []schema.RunStatus{schema.RunStatusPending, schema.RunStatusPaused, schema.RunStatusPaused} {
		run := &WorkflowRun{
			ID:         uuid.NewString(),
			WorkflowID: def.ID,
			Owner:      schema.Identity{Username: "alice"},
			Status:     st,
			StartedAt:  time.Now().UTC(),
		}
		require.NoError(t, s.CreateRun(ctx, run))
	}

	paused := schema.RunStatusPaused
	runs, err := s.ListRuns(ctx, RunFilter{Status: &paused})
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

// --- Locks ---

func TestLockAcquireReleaseCycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()
	until := now + 60_000

	// No row yet: conditional update touches nothing, insert wins.
	ok, err := s.TryAcquireLock(ctx, "job-1", until, now)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, s.InsertLock(ctx, "job-1", until, now))

	// Second insert while held is the expected conflict.
	err = s.InsertLock(ctx, "job-1", until, now)
	assert.ErrorIs(t, err, ErrLockHeld)

	// Held lease blocks the conditional update too.
	ok, err = s.TryAcquireLock(ctx, "job-1", until, now)
	require.NoError(t, err)
	assert.False(t, ok)

	// Released row becomes acquirable by the conditional update.
	require.NoError(t, s.ReleaseLock(ctx, "job-1"))
	ok, err = s.TryAcquireLock(ctx, "job-1", until, now)
	require.NoError(t, err)
	assert.True(t, ok)

	// Insert counted the first run, the conditional update the second.
	l, err := s.GetLock(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), l.RunCount)
}

func TestLockExpiredLeaseIsAcquirable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour).UnixMilli()
	require.NoError(t, s.InsertLock(ctx, "job-stale", past+1000, past))

	now := time.Now().UnixMilli()
	ok, err := s.TryAcquireLock(ctx, "job-stale", now+60_000, now)
	require.NoError(t, err)
	assert.True(t, ok)
}

// --- Documents ---

func TestDocumentCRUDAndSelectors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutModel(ctx, &Model{
		Name: "ticket",
		Fields: []Field{
			{Name: "title", Type: "string", Required: true},
			{Name: "priority", Type: "string"},
		},
	}))

	for _, priority := range []string{"high", "high", "low"} {
		doc := &Document{
			ID:    uuid.NewString(),
			Model: "ticket",
			Data:  map[string]any{"title": "t", "priority": priority},
			Owner: "alice",
		}
		require.NoError(t, s.CreateDocument(ctx, doc))
	}

	docs, err := s.QueryDocuments(ctx, "ticket", map[string]any{"priority": "high"}, 0)
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	count, err := s.CountDocuments(ctx, "ticket", map[string]any{"priority": "low"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	updated, err := s.UpdateDocuments(ctx, "ticket", map[string]any{"priority": "low"}, map[string]any{"priority": "medium"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated)

	count, err = s.CountDocuments(ctx, "ticket", map[string]any{"priority": "medium"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	deleted, err := s.DeleteDocuments(ctx, "ticket", map[string]any{"priority": "medium"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestCreateDocument_SchemaValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutModel(ctx, &Model{
		Name:   "invoice",
		Fields: []Field{{Name: "amount", Type: "number", Required: true}},
		Schema: []byte(`{"type":"object","required":["amount"],"properties":{"amount":{"type":"number"}}}`),
	}))

	err := s.CreateDocument(ctx, &Document{
		ID:    uuid.NewString(),
		Model: "invoice",
		Data:  map[string]any{"amount": "not-a-number"},
	})
	require.Error(t, err)
	flowErr, ok := err.(*schema.FlowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, flowErr.Code)

	require.NoError(t, s.CreateDocument(ctx, &Document{
		ID:    uuid.NewString(),
		Model: "invoice",
		Data:  map[string]any{"amount": 42.5},
	}))
}

func TestResolveRelationChain(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutModel(ctx, &Model{
		Name: "order",
		Fields: []Field{
			{Name: "customer", Type: "relation", Target: "customer"},
			{Name: "total", Type: "number"},
		},
	}))
	require.NoError(t, s.PutModel(ctx, &Model{
		Name: "customer",
		Fields: []Field{
			{Name: "company", Type: "relation", Target: "company"},
			{Name: "name", Type: "string"},
		},
	}))
	require.NoError(t, s.PutModel(ctx, &Model{
		Name:   "company",
		Fields: []Field{{Name: "name", Type: "string"}},
	}))

	require.NoError(t, s.CreateDocument(ctx, &Document{
		ID: "co-1", Model: "company", Data: map[string]any{"name": "Acme"},
	}))
	require.NoError(t, s.CreateDocument(ctx, &Document{
		ID: "cu-1", Model: "customer", Data: map[string]any{"name": "Bob", "company": "co-1"},
	}))
	require.NoError(t, s.CreateDocument(ctx, &Document{
		ID: "or-1", Model: "order", Data: map[string]any{"total": 99.0, "customer": "cu-1"},
	}))

	joined, err := s.ResolveRelationChain(ctx, "order", "or-1", []RelationHop{
		{Field: "customer", TargetModel: "customer"},
		{Field: "company", TargetModel: "company"},
	})
	require.NoError(t, err)

	customer, ok := joined["customer"].(map[string]any)
	require.True(t, ok, "customer hop should be nested")
	assert.Equal(t, "Bob", customer["name"])

	company, ok := customer["company"].(map[string]any)
	require.True(t, ok, "company hop should be nested")
	assert.Equal(t, "Acme", company["name"])
}

// --- Triggers, alerts, env, credentials ---

func TestTriggerFilterByModelAndEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	def := seedWorkflow(t, s)

	events := []schema.DataEvent{schema.EventCreate, schema.EventUpdate}
	for _, ev := range events {
		require.NoError(t, s.CreateTrigger(ctx, &Trigger{
			ID:         uuid.NewString(),
			WorkflowID: def.ID,
			Kind:       schema.TriggerEvent,
			Model:      "ticket",
			Event:      ev,
			Owner:      schema.Identity{Username: "alice"},
			Enabled:    true,
		}))
	}

	create := schema.EventCreate
	enabled := true
	triggers, err := s.ListTriggers(ctx, TriggerFilter{Model: "ticket", Event: &create, Enabled: &enabled})
	require.NoError(t, err)
	require.Len(t, triggers, 1)
	assert.Equal(t, schema.EventCreate, triggers[0].Event)
}

func TestAlertNotifiedStamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alert := &Alert{
		ID:             uuid.NewString(),
		Name:           "low stock",
		Condition:      "count > 0",
		Model:          "ticket",
		Message:        "stock is low",
		Recipients:     []string{"ops@example.com"},
		CronExpression: "*/5 * * * *",
		Owner:          schema.Identity{Username: "alice"},
		Enabled:        true,
	}
	require.NoError(t, s.CreateAlert(ctx, alert))

	require.NoError(t, s.StampAlertNotified(ctx, alert.ID))
	alerts, err := s.ListAlerts(ctx, true)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.NotNil(t, alerts[0].LastNotifiedAt)

	require.NoError(t, s.ClearAlertNotified(ctx, alert.ID))
	alerts, err = s.ListAlerts(ctx, true)
	require.NoError(t, err)
	assert.Nil(t, alerts[0].LastNotifiedAt)
}

func TestEnvVarUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutEnvVar(ctx, &EnvVar{Owner: "alice", Name: "API_URL", Value: "v1"}))
	require.NoError(t, s.PutEnvVar(ctx, &EnvVar{Owner: "alice", Name: "API_URL", Value: "v2"}))

	val, err := s.GetEnvVar(ctx, "alice", "API_URL")
	require.NoError(t, err)
	assert.Equal(t, "v2", val)

	all, err := s.GetEnvVars(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"API_URL": "v2"}, all)
}

func TestCredentialOwnerFallback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutCredential(ctx, &Credential{
		Provider: "openai", Owner: "", Secret: []byte("system-secret"),
	}))
	require.NoError(t, s.PutCredential(ctx, &Credential{
		Provider: "openai", Owner: "alice", Secret: []byte("alice-secret"), Model: "gpt-4o",
	}))

	cred, err := s.GetCredential(ctx, "openai", "alice")
	require.NoError(t, err)
	assert.Equal(t, []byte("alice-secret"), cred.Secret)

	cred, err = s.GetCredential(ctx, "openai", "bob")
	require.NoError(t, err)
	assert.Equal(t, []byte("system-secret"), cred.Secret)
}
