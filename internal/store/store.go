package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflow graph
	CreateWorkflowDefinition(ctx context.Context, def *WorkflowDefinition) error
	GetWorkflowDefinition(ctx context.Context, id string) (*WorkflowDefinition, error)
	GetWorkflowDefinitionByName(ctx context.Context, name string) (*WorkflowDefinition, error)
	CreateStep(ctx context.Context, step *WorkflowStep) error
	GetStep(ctx context.Context, id string) (*WorkflowStep, error)
	CreateAction(ctx context.Context, action *WorkflowAction) error
	GetAction(ctx context.Context, id string) (*WorkflowAction, error)

	// Runs
	CreateRun(ctx context.Context, run *WorkflowRun) error
	GetRun(ctx context.Context, id string) (*WorkflowRun, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*WorkflowRun, error)

	// Job locks: the atomic primitives behind the distributed lock manager.
	// TryAcquireLock performs a single conditional UPDATE and reports whether
	// exactly one row was modified. InsertLock performs a single INSERT and
	// returns ErrLockHeld when the row already exists.
	TryAcquireLock(ctx context.Context, jobID string, until, now int64) (bool, error)
	InsertLock(ctx context.Context, jobID string, until, now int64) error
	ReleaseLock(ctx context.Context, jobID string) error
	GetLock(ctx context.Context, jobID string) (*JobLock, error)

	// Triggers and alerts
	CreateTrigger(ctx context.Context, trigger *Trigger) error
	ListTriggers(ctx context.Context, filter TriggerFilter) ([]*Trigger, error)
	CreateAlert(ctx context.Context, alert *Alert) error
	ListAlerts(ctx context.Context, enabled bool) ([]*Alert, error)
	StampAlertNotified(ctx context.Context, id string) error
	ClearAlertNotified(ctx context.Context, id string) error

	// Models and documents
	PutModel(ctx context.Context, model *Model) error
	GetModel(ctx context.Context, name string) (*Model, error)
	CreateDocument(ctx context.Context, doc *Document) error
	GetDocument(ctx context.Context, model, id string) (*Document, error)
	QueryDocuments(ctx context.Context, model string, selector map[string]any, limit int) ([]*Document, error)
	CountDocuments(ctx context.Context, model string, selector map[string]any) (int64, error)
	UpdateDocuments(ctx context.Context, model string, selector, patch map[string]any) (int64, error)
	DeleteDocuments(ctx context.Context, model string, selector map[string]any) (int64, error)
	// ResolveRelationChain joins hops relation documents onto the root
	// document in a single query, one join per hop.
	ResolveRelationChain(ctx context.Context, model, docID string, hops []RelationHop) (map[string]any, error)

	// Owner configuration
	PutEnvVar(ctx context.Context, v *EnvVar) error
	GetEnvVar(ctx context.Context, owner, name string) (string, error)
	GetEnvVars(ctx context.Context, owner string) (map[string]string, error)

	// AI provider credentials (secret bytes are vault-encrypted)
	PutCredential(ctx context.Context, cred *Credential) error
	GetCredential(ctx context.Context, provider, owner string) (*Credential, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
