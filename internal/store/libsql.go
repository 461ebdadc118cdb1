package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/flowd/pkg/schema"
)

// ErrLockHeld is returned by InsertLock when a row for the job already
// exists: the lock belongs to another replica. Expected outcome, not a
// fault.
var ErrLockHeld = schema.NewError(schema.ErrCodeConflict, "job lock held by another replica")

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// Plain paths are accepted and turned into file URIs.
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	if !strings.HasPrefix(dbPath, "file:") {
		dbPath = "file:" + dbPath
	}
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflow graph ---

func (s *LibSQLStore) CreateWorkflowDefinition(ctx context.Context, def *WorkflowDefinition) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_definitions (id, name, start_step, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		def.ID, def.Name, nullStr(def.StartStep), boolInt(def.Enabled),
		timeOrNow(def.CreatedAt), timeOrNow(def.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetWorkflowDefinition(ctx context.Context, id string) (*WorkflowDefinition, error) {
	return s.scanDefinition(s.db.QueryRowContext(ctx,
		`SELECT id, name, start_step, enabled, created_at, updated_at
		 FROM workflow_definitions WHERE id = ?`, id), id)
}

func (s *LibSQLStore) GetWorkflowDefinitionByName(ctx context.Context, name string) (*WorkflowDefinition, error) {
	return s.scanDefinition(s.db.QueryRowContext(ctx,
		`SELECT id, name, start_step, enabled, created_at, updated_at
		 FROM workflow_definitions WHERE name = ?`, name), name)
}

func (s *LibSQLStore) scanDefinition(row *sql.Row, key string) (*WorkflowDefinition, error) {
	def := &WorkflowDefinition{}
	var startStep sql.NullString
	var enabled int
	err := row.Scan(&def.ID, &def.Name, &startStep, &enabled, &def.CreatedAt, &def.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow definition", key)
	}
	if err != nil {
		return nil, err
	}
	def.StartStep = startStep.String
	def.Enabled = enabled != 0
	return def, nil
}

func (s *LibSQLStore) CreateStep(ctx context.Context, step *WorkflowStep) error {
	actions, err := json.Marshal(step.Actions)
	if err != nil {
		return fmt.Errorf("marshal step actions: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_steps (id, workflow_id, conditions, actions, on_success_step, on_failure_step, is_terminal)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.WorkflowID, nullStr(step.Conditions), string(actions),
		nullStr(step.OnSuccessStep), nullStr(step.OnFailureStep), boolInt(step.IsTerminal),
	)
	return err
}

func (s *LibSQLStore) GetStep(ctx context.Context, id string) (*WorkflowStep, error) {
	step := &WorkflowStep{}
	var conditions, onSuccess, onFailure sql.NullString
	var actionsJSON string
	var terminal int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, conditions, actions, on_success_step, on_failure_step, is_terminal
		 FROM workflow_steps WHERE id = ?`, id,
	).Scan(&step.ID, &step.WorkflowID, &conditions, &actionsJSON, &onSuccess, &onFailure, &terminal)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow step", id)
	}
	if err != nil {
		return nil, err
	}
	step.Conditions = conditions.String
	step.OnSuccessStep = onSuccess.String
	step.OnFailureStep = onFailure.String
	step.IsTerminal = terminal != 0
	if err := json.Unmarshal([]byte(actionsJSON), &step.Actions); err != nil {
		return nil, fmt.Errorf("unmarshal step actions: %w", err)
	}
	return step, nil
}

func (s *LibSQLStore) CreateAction(ctx context.Context, action *WorkflowAction) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_actions (id, type, name, params) VALUES (?, ?, ?, ?)`,
		action.ID, string(action.Type), nullStr(action.Name), nullRaw(action.Params),
	)
	return err
}

func (s *LibSQLStore) GetAction(ctx context.Context, id string) (*WorkflowAction, error) {
	action := &WorkflowAction{}
	var name, params sql.NullString
	var actionType string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, type, name, params FROM workflow_actions WHERE id = ?`, id,
	).Scan(&action.ID, &actionType, &name, &params)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow action", id)
	}
	if err != nil {
		return nil, err
	}
	action.Type = schema.ActionType(actionType)
	action.Name = name.String
	action.Params = rawOrNil(params)
	return action, nil
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *WorkflowRun) error {
	owner, err := json.Marshal(run.Owner)
	if err != nil {
		return fmt.Errorf("marshal run owner: %w", err)
	}
	contextData, err := marshalMapOrDefault(run.ContextData)
	if err != nil {
		return fmt.Errorf("marshal context_data: %w", err)
	}
	stepExecs := "{}"
	if len(run.StepExecutions) > 0 {
		b, err := json.Marshal(run.StepExecutions)
		if err != nil {
			return fmt.Errorf("marshal step_executions: %w", err)
		}
		stepExecs = string(b)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_runs (id, workflow_id, owner, context_data, status, current_step, step_executions, log, error, resume_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, string(owner), string(contextData), string(run.Status),
		nullStr(run.CurrentStep), stepExecs, nullStr(run.Log), nullStr(run.Error),
		nullTime(run.ResumeAt), timeOrNow(run.StartedAt), nullTime(run.CompletedAt), timeOrNow(run.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, owner, context_data, status, current_step, step_executions, log, error, resume_at, started_at, completed_at, updated_at
		 FROM workflow_runs WHERE id = ?`, id)
	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow run", id)
	}
	return run, err
}

func scanRun(scan func(...any) error) (*WorkflowRun, error) {
	run := &WorkflowRun{}
	var (
		ownerJSON, contextJSON, stepExecJSON string
		currentStep, logMsg, errMsg          sql.NullString
		resumeAt, completedAt                sql.NullTime
		status                               string
	)
	if err := scan(&run.ID, &run.WorkflowID, &ownerJSON, &contextJSON, &status,
		&currentStep, &stepExecJSON, &logMsg, &errMsg, &resumeAt, &run.StartedAt,
		&completedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	run.CurrentStep = currentStep.String
	run.Log = logMsg.String
	run.Error = errMsg.String
	if err := json.Unmarshal([]byte(ownerJSON), &run.Owner); err != nil {
		return nil, fmt.Errorf("unmarshal run owner: %w", err)
	}
	if err := json.Unmarshal([]byte(contextJSON), &run.ContextData); err != nil {
		return nil, fmt.Errorf("unmarshal context_data: %w", err)
	}
	if err := json.Unmarshal([]byte(stepExecJSON), &run.StepExecutions); err != nil {
		return nil, fmt.Errorf("unmarshal step_executions: %w", err)
	}
	if resumeAt.Valid {
		run.ResumeAt = &resumeAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.CurrentStep != nil {
		sets = append(sets, "current_step = ?")
		args = append(args, nullStr(*update.CurrentStep))
	}
	if update.ContextData != nil {
		b, err := json.Marshal(update.ContextData)
		if err != nil {
			return fmt.Errorf("marshal context_data: %w", err)
		}
		sets = append(sets, "context_data = ?")
		args = append(args, string(b))
	}
	if update.StepExecutions != nil {
		b, err := json.Marshal(update.StepExecutions)
		if err != nil {
			return fmt.Errorf("marshal step_executions: %w", err)
		}
		sets = append(sets, "step_executions = ?")
		args = append(args, string(b))
	}
	if update.Log != nil {
		sets = append(sets, "log = ?")
		args = append(args, nullStr(*update.Log))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullStr(*update.Error))
	}
	if update.ResumeAt != nil {
		sets = append(sets, "resume_at = ?")
		args = append(args, *update.ResumeAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE workflow_runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*WorkflowRun, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Owner != "" {
		where = append(where, "json_extract(owner, '$.username') = ?")
		args = append(args, filter.Owner)
	}

	query := `SELECT id, workflow_id, owner, context_data, status, current_step, step_executions, log, error, resume_at, started_at, completed_at, updated_at FROM workflow_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- Job locks ---

// TryAcquireLock performs the conditional-update half of lock acquisition:
// one UPDATE whose predicate admits only expired leases. Exactly one row
// modified means the lease is ours.
func (s *LibSQLStore) TryAcquireLock(ctx context.Context, jobID string, until, now int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_locks SET locked_until = ?, last_started = ?, run_count = run_count + 1
		 WHERE job_id = ? AND locked_until < ?`,
		until, now, jobID, now,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// InsertLock performs the insert half: a brand-new lock row for a job that
// has never been locked. A uniqueness conflict means another replica holds
// (or has held) the lock and is reported as ErrLockHeld.
func (s *LibSQLStore) InsertLock(ctx context.Context, jobID string, until, now int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_locks (job_id, locked_until, last_started, run_count) VALUES (?, ?, ?, 1)`,
		jobID, until, now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return ErrLockHeld
		}
		return err
	}
	return nil
}

// ReleaseLock rewinds the lease to the far past, making the lock
// immediately acquirable. The row is kept so the table is self-healing.
func (s *LibSQLStore) ReleaseLock(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE job_locks SET locked_until = 0 WHERE job_id = ?`, jobID)
	return err
}

func (s *LibSQLStore) GetLock(ctx context.Context, jobID string) (*JobLock, error) {
	lock := &JobLock{JobID: jobID}
	var lockedUntil, lastStarted int64
	err := s.db.QueryRowContext(ctx,
		`SELECT locked_until, last_started, run_count FROM job_locks WHERE job_id = ?`, jobID,
	).Scan(&lockedUntil, &lastStarted, &lock.RunCount)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("job lock", jobID)
	}
	if err != nil {
		return nil, err
	}
	lock.LockedUntil = time.UnixMilli(lockedUntil)
	lock.LastStarted = time.UnixMilli(lastStarted)
	return lock, nil
}

// --- Triggers ---

func (s *LibSQLStore) CreateTrigger(ctx context.Context, trigger *Trigger) error {
	owner, err := json.Marshal(trigger.Owner)
	if err != nil {
		return fmt.Errorf("marshal trigger owner: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO triggers (id, workflow_id, kind, cron_expression, model, event, data_filter, owner, enabled)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trigger.ID, trigger.WorkflowID, string(trigger.Kind), nullStr(trigger.CronExpression),
		nullStr(trigger.Model), nullStr(string(trigger.Event)), nullStr(trigger.DataFilter),
		string(owner), boolInt(trigger.Enabled),
	)
	return err
}

func (s *LibSQLStore) ListTriggers(ctx context.Context, filter TriggerFilter) ([]*Trigger, error) {
	var where []string
	var args []any

	if filter.Kind != nil {
		where = append(where, "kind = ?")
		args = append(args, string(*filter.Kind))
	}
	if filter.Model != "" {
		where = append(where, "model = ?")
		args = append(args, filter.Model)
	}
	if filter.Event != nil {
		where = append(where, "event = ?")
		args = append(args, string(*filter.Event))
	}
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}

	query := `SELECT id, workflow_id, kind, cron_expression, model, event, data_filter, owner, enabled FROM triggers`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var triggers []*Trigger
	for rows.Next() {
		t := &Trigger{}
		var cronExpr, model, event, dataFilter sql.NullString
		var ownerJSON, kind string
		var enabled int
		if err := rows.Scan(&t.ID, &t.WorkflowID, &kind, &cronExpr, &model, &event, &dataFilter, &ownerJSON, &enabled); err != nil {
			return nil, err
		}
		t.Kind = schema.TriggerKind(kind)
		t.CronExpression = cronExpr.String
		t.Model = model.String
		t.Event = schema.DataEvent(event.String)
		t.DataFilter = dataFilter.String
		t.Enabled = enabled != 0
		if err := json.Unmarshal([]byte(ownerJSON), &t.Owner); err != nil {
			return nil, fmt.Errorf("unmarshal trigger owner: %w", err)
		}
		triggers = append(triggers, t)
	}
	return triggers, rows.Err()
}

// --- Alerts ---

func (s *LibSQLStore) CreateAlert(ctx context.Context, alert *Alert) error {
	owner, err := json.Marshal(alert.Owner)
	if err != nil {
		return fmt.Errorf("marshal alert owner: %w", err)
	}
	recipients, err := json.Marshal(alert.Recipients)
	if err != nil {
		return fmt.Errorf("marshal alert recipients: %w", err)
	}
	var filterJSON any
	if len(alert.Filter) > 0 {
		b, err := json.Marshal(alert.Filter)
		if err != nil {
			return fmt.Errorf("marshal alert filter: %w", err)
		}
		filterJSON = string(b)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, name, condition, model, filter, message, recipients, cron_expression, owner, last_notified_at, enabled)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.ID, alert.Name, alert.Condition, alert.Model, filterJSON, alert.Message,
		string(recipients), alert.CronExpression, string(owner),
		nullTime(alert.LastNotifiedAt), boolInt(alert.Enabled),
	)
	return err
}

func (s *LibSQLStore) ListAlerts(ctx context.Context, enabled bool) ([]*Alert, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, condition, model, filter, message, recipients, cron_expression, owner, last_notified_at, enabled
		 FROM alerts WHERE enabled = ?`, boolInt(enabled))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*Alert
	for rows.Next() {
		a := &Alert{}
		var filterJSON sql.NullString
		var recipientsJSON, ownerJSON string
		var lastNotified sql.NullTime
		var isEnabled int
		if err := rows.Scan(&a.ID, &a.Name, &a.Condition, &a.Model, &filterJSON, &a.Message,
			&recipientsJSON, &a.CronExpression, &ownerJSON, &lastNotified, &isEnabled); err != nil {
			return nil, err
		}
		a.Enabled = isEnabled != 0
		if filterJSON.Valid && filterJSON.String != "" {
			if err := json.Unmarshal([]byte(filterJSON.String), &a.Filter); err != nil {
				return nil, fmt.Errorf("unmarshal alert filter: %w", err)
			}
		}
		if err := json.Unmarshal([]byte(recipientsJSON), &a.Recipients); err != nil {
			return nil, fmt.Errorf("unmarshal alert recipients: %w", err)
		}
		if err := json.Unmarshal([]byte(ownerJSON), &a.Owner); err != nil {
			return nil, fmt.Errorf("unmarshal alert owner: %w", err)
		}
		if lastNotified.Valid {
			a.LastNotifiedAt = &lastNotified.Time
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func (s *LibSQLStore) StampAlertNotified(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET last_notified_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "alert", id)
}

func (s *LibSQLStore) ClearAlertNotified(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET last_notified_at = NULL WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "alert", id)
}

// --- Env vars ---

func (s *LibSQLStore) PutEnvVar(ctx context.Context, v *EnvVar) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO env_vars (owner, name, value) VALUES (?, ?, ?)
		 ON CONFLICT(owner, name) DO UPDATE SET value = excluded.value`,
		v.Owner, v.Name, v.Value,
	)
	return err
}

func (s *LibSQLStore) GetEnvVar(ctx context.Context, owner, name string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM env_vars WHERE owner = ? AND name = ?`, owner, name,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", storeNotFound("env var", name)
	}
	return value, err
}

func (s *LibSQLStore) GetEnvVars(ctx context.Context, owner string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, value FROM env_vars WHERE owner = ?`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	vars := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		vars[name] = value
	}
	return vars, rows.Err()
}

// --- Credentials ---

func (s *LibSQLStore) PutCredential(ctx context.Context, cred *Credential) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (provider, owner, model, base_url, secret) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(provider, owner) DO UPDATE SET model = excluded.model, base_url = excluded.base_url, secret = excluded.secret`,
		cred.Provider, cred.Owner, nullStr(cred.Model), nullStr(cred.BaseURL), cred.Secret,
	)
	return err
}

// GetCredential resolves a provider credential with owner-scoped override
// falling back to the system-scoped entry (owner = '').
func (s *LibSQLStore) GetCredential(ctx context.Context, provider, owner string) (*Credential, error) {
	cred := &Credential{}
	var model, baseURL sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT provider, owner, model, base_url, secret FROM credentials
		 WHERE provider = ? AND owner IN (?, '')
		 ORDER BY owner DESC LIMIT 1`,
		provider, owner,
	).Scan(&cred.Provider, &cred.Owner, &model, &baseURL, &cred.Secret)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("credential", provider)
	}
	if err != nil {
		return nil, err
	}
	cred.Model = model.String
	cred.BaseURL = baseURL.String
	return cred, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
