package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/flowd/pkg/schema"
)

// WorkflowDefinition is the persisted root of a step graph.
type WorkflowDefinition struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	StartStep string    `json:"start_step,omitempty"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WorkflowStep is one node in a workflow's directed graph. Steps reference
// each other by ID; the graph may contain cycles.
type WorkflowStep struct {
	ID            string   `json:"id"`
	WorkflowID    string   `json:"workflow_id"`
	Conditions    string   `json:"conditions,omitempty"` // CEL expression, empty = always true
	Actions       []string `json:"actions"`              // ordered action IDs
	OnSuccessStep string   `json:"on_success_step,omitempty"`
	OnFailureStep string   `json:"on_failure_step,omitempty"`
	IsTerminal    bool     `json:"is_terminal"`
}

// WorkflowAction is one typed unit of work referenced by a step.
type WorkflowAction struct {
	ID     string            `json:"id"`
	Type   schema.ActionType `json:"type"`
	Name   string            `json:"name,omitempty"`
	Params json.RawMessage   `json:"params,omitempty"`
}

// WorkflowRun is one execution instance of a workflow definition.
// Mutated exclusively by the orchestrator once created.
type WorkflowRun struct {
	ID             string          `json:"id"`
	WorkflowID     string          `json:"workflow_id"`
	Owner          schema.Identity `json:"owner"`
	ContextData    map[string]any  `json:"context_data"`
	Status         schema.RunStatus `json:"status"`
	CurrentStep    string          `json:"current_step,omitempty"`
	StepExecutions map[string]int  `json:"step_executions"`
	Log            string          `json:"log,omitempty"`
	Error          string          `json:"error,omitempty"`
	ResumeAt       *time.Time      `json:"resume_at,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// RunUpdate specifies mutable fields of a run. Nil fields are untouched.
type RunUpdate struct {
	Status         *schema.RunStatus `json:"status,omitempty"`
	CurrentStep    *string           `json:"current_step,omitempty"`
	ContextData    map[string]any    `json:"context_data,omitempty"`
	StepExecutions map[string]int    `json:"step_executions,omitempty"`
	Log            *string           `json:"log,omitempty"`
	Error          *string           `json:"error,omitempty"`
	ResumeAt       *time.Time        `json:"resume_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status     *schema.RunStatus `json:"status,omitempty"`
	WorkflowID string            `json:"workflow_id,omitempty"`
	Owner      string            `json:"owner,omitempty"`
	Limit      int               `json:"limit,omitempty"`
}

// JobLock is the shared lock record for distributed mutual exclusion.
// Never deleted, only overwritten; a lock is free whenever LockedUntil
// is in the past.
type JobLock struct {
	JobID       string    `json:"job_id"`
	LockedUntil time.Time `json:"locked_until"`
	LastStarted time.Time `json:"last_started"`
	RunCount    int64     `json:"run_count"`
}

// Trigger turns external stimuli into workflow runs.
type Trigger struct {
	ID             string             `json:"id"`
	WorkflowID     string             `json:"workflow_id"`
	Kind           schema.TriggerKind `json:"kind"`
	CronExpression string             `json:"cron_expression,omitempty"` // kind=cron
	Model          string             `json:"model,omitempty"`           // kind=event
	Event          schema.DataEvent   `json:"event,omitempty"`           // kind=event
	DataFilter     string             `json:"data_filter,omitempty"`     // CEL over the triggering document
	Owner          schema.Identity    `json:"owner"`
	Enabled        bool               `json:"enabled"`
}

// TriggerFilter specifies criteria for listing triggers.
type TriggerFilter struct {
	Kind    *schema.TriggerKind `json:"kind,omitempty"`
	Model   string              `json:"model,omitempty"`
	Event   *schema.DataEvent   `json:"event,omitempty"`
	Enabled *bool               `json:"enabled,omitempty"`
}

// Alert is a notify-once periodic check: the first tick whose condition
// holds sends a notification and stamps LastNotifiedAt; later ticks are
// skipped until the stamp is cleared externally.
type Alert struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Condition      string          `json:"condition"` // expr-lang expression over {count, docs}
	Model          string          `json:"model"`
	Filter         map[string]any  `json:"filter,omitempty"`
	Message        string          `json:"message"`
	Recipients     []string        `json:"recipients"`
	CronExpression string          `json:"cron_expression"`
	Owner          schema.Identity `json:"owner"`
	LastNotifiedAt *time.Time      `json:"last_notified_at,omitempty"`
	Enabled        bool            `json:"enabled"`
}

// Model declares the field schema of a document collection, including
// which fields are relations and what they point at.
type Model struct {
	Name   string          `json:"name"`
	Fields []Field         `json:"fields"`
	Schema json.RawMessage `json:"schema,omitempty"` // JSON Schema for payload validation
}

// Field is one declared attribute of a model.
type Field struct {
	Name     string `json:"name"`
	Type     string `json:"type"`             // string | number | boolean | object | array | relation
	Target   string `json:"target,omitempty"` // related model when Type == "relation"
	Required bool   `json:"required,omitempty"`
}

// RelationField returns the declaration of the named field when it is a
// relation, or nil.
func (m *Model) RelationField(name string) *Field {
	for i := range m.Fields {
		if m.Fields[i].Name == name && m.Fields[i].Type == "relation" {
			return &m.Fields[i]
		}
	}
	return nil
}

// RelationHop is one join in a relation chain resolution.
type RelationHop struct {
	Field       string `json:"field"`        // relation field on the current document
	TargetModel string `json:"target_model"` // model the field points at
}

// Document is a user-data record scoped to a model.
type Document struct {
	ID        string         `json:"id"`
	Model     string         `json:"model"`
	Data      map[string]any `json:"data"`
	Owner     string         `json:"owner,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// EnvVar is one owner-scoped configuration variable.
type EnvVar struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Credential is an AI provider credential. Owner is empty for
// system-scoped entries; Secret is vault-encrypted at rest.
type Credential struct {
	Provider string `json:"provider"`
	Owner    string `json:"owner,omitempty"`
	Model    string `json:"model,omitempty"`
	Secret   []byte `json:"-"`
	BaseURL  string `json:"base_url,omitempty"`
}
