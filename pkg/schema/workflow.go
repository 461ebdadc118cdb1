package schema

import "encoding/json"

// RunStatus enumerates the lifecycle states of a workflow run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal runs are never
// re-entered by the orchestrator.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// ActionType enumerates the kinds of actions a step can execute.
// The dispatcher switches exhaustively over these; an unknown value is a
// hard failure, never a silent no-op.
type ActionType string

const (
	ActionLog                    ActionType = "log"
	ActionHTTPRequest            ActionType = "http_request"
	ActionCreateData             ActionType = "create_data"
	ActionUpdateData             ActionType = "update_data"
	ActionDeleteData             ActionType = "delete_data"
	ActionGenerateAIContent      ActionType = "generate_ai_content"
	ActionSendEmail              ActionType = "send_email"
	ActionWait                   ActionType = "wait"
	ActionExecuteScript          ActionType = "execute_script"
	ActionExecuteServiceFunction ActionType = "execute_service_function"
)

// Identity is the opaque run owner passed through to every data-store
// and transport call for scoping.
type Identity struct {
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Locale   string `json:"locale,omitempty"`
}

// TriggerKind distinguishes cron-driven from data-event triggers.
type TriggerKind string

const (
	TriggerCron  TriggerKind = "cron"
	TriggerEvent TriggerKind = "event"
)

// DataEvent is a data mutation kind observed by event triggers.
type DataEvent string

const (
	EventCreate DataEvent = "create"
	EventUpdate DataEvent = "update"
	EventDelete DataEvent = "delete"
)

// --- Per-type action parameter blocks ---
// Each WorkflowAction carries one of these in its Params column,
// unmarshalled by the matching dispatcher handler. String fields may
// contain {placeholder} references resolved against the run context.

// HTTPParams configures an http_request action.
type HTTPParams struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`
	Timeout string            `json:"timeout,omitempty"`
}

// DataParams configures create_data, update_data and delete_data actions.
type DataParams struct {
	Model    string         `json:"model"`
	Selector map[string]any `json:"selector,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// EmailParams configures a send_email action. Recipients may be literal
// addresses or a placeholder that resolves to a string or string array.
type EmailParams struct {
	Recipients any    `json:"recipients"`
	Subject    string `json:"subject"`
	Content    string `json:"content"`
}

// AIParams configures a generate_ai_content action.
type AIParams struct {
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
	Prompt   string `json:"prompt"`
}

// WaitParams configures a wait action.
type WaitParams struct {
	Duration     float64 `json:"duration"`
	DurationUnit string  `json:"durationUnit"` // seconds | minutes | hours | days
}

// ScriptParams configures an execute_script action.
type ScriptParams struct {
	Script string `json:"script"`
}

// ServiceParams configures an execute_service_function action.
type ServiceParams struct {
	Service  string `json:"service"`
	Function string `json:"function"`
	Args     []any  `json:"args,omitempty"`
}

// LogParams configures a log action.
type LogParams struct {
	Level   string `json:"level,omitempty"`
	Message string `json:"message"`
}

// UnmarshalParams decodes a raw params blob into the given typed block.
func UnmarshalParams(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return NewError(ErrCodeValidation, "action params are empty")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return NewErrorf(ErrCodeValidation, "invalid action params: %s", err.Error()).WithCause(err)
	}
	return nil
}
