// Package scheduler turns external stimuli (cron ticks, data events)
// into workflow runs, and owns the notify-once alert checks and the
// resume timers of paused runs.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/flowd/internal/engine"
	"github.com/rendis/flowd/internal/expressions"
	"github.com/rendis/flowd/internal/lock"
	"github.com/rendis/flowd/internal/store"
	"github.com/rendis/flowd/pkg/schema"
)

// Mailer delivers alert notifications.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Config tunes the scheduler.
type Config struct {
	// TriggerLease is the lock lease for cron trigger jobs.
	TriggerLease time.Duration
	// AlertQueryLimit caps the documents handed to alert conditions.
	AlertQueryLimit int
}

func (c Config) withDefaults() Config {
	if c.TriggerLease <= 0 {
		c.TriggerLease = 5 * time.Minute
	}
	if c.AlertQueryLimit <= 0 {
		c.AlertQueryLimit = 200
	}
	return c
}

// Scheduler wires triggers, alerts and resume timers to the
// orchestrator. Cron jobs are wrapped in the distributed lock so a
// multi-replica deployment executes each tick exactly once.
type Scheduler struct {
	store  store.Store
	orch   *engine.Orchestrator
	locks  *lock.Manager
	cel    *expressions.CELEngine
	expr   *expressions.ExprEngine
	mailer Mailer
	logger *slog.Logger
	cfg    Config

	cron *cron.Cron

	mu     sync.Mutex
	timers map[string]*time.Timer

	baseCtx context.Context
	cancel  context.CancelFunc
}

func New(st store.Store, orch *engine.Orchestrator, locks *lock.Manager, cel *expressions.CELEngine, exprEngine *expressions.ExprEngine, mailer Mailer, logger *slog.Logger, cfg Config) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:  st,
		orch:   orch,
		locks:  locks,
		cel:    cel,
		expr:   exprEngine,
		mailer: mailer,
		logger: logger,
		cfg:    cfg.withDefaults(),
		cron:   cron.New(cron.WithLocation(time.UTC)),
		timers: make(map[string]*time.Timer),
	}
}

// Start registers every enabled cron trigger and alert, rearms resume
// timers for runs that were paused when the process last stopped, and
// starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.baseCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if err := s.registerCronTriggers(ctx); err != nil {
		return err
	}
	if err := s.registerAlerts(ctx); err != nil {
		return err
	}
	if err := s.rearmPausedRuns(ctx); err != nil {
		return err
	}

	s.cron.Start()
	s.logger.InfoContext(ctx, "scheduler started")
	return nil
}

// Stop halts the cron loop and cancels pending resume timers. Jobs in
// flight finish on their own.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()

	s.mu.Lock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) registerCronTriggers(ctx context.Context) error {
	kind := schema.TriggerCron
	enabled := true
	triggers, err := s.store.ListTriggers(ctx, store.TriggerFilter{Kind: &kind, Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list cron triggers: %w", err)
	}

	for _, trigger := range triggers {
		t := trigger
		_, err := s.cron.AddFunc(t.CronExpression, func() { s.fireCronTrigger(t) })
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeDefinition,
				"trigger %s has invalid cron expression %q: %s", t.ID, t.CronExpression, err.Error())
		}
		s.logger.InfoContext(ctx, "cron trigger registered",
			"trigger_id", t.ID, "workflow_id", t.WorkflowID, "cron", t.CronExpression)
	}
	return nil
}

// fireCronTrigger runs one tick under the shared lock; a replica that
// loses the race skips silently.
func (s *Scheduler) fireCronTrigger(trigger *store.Trigger) {
	ctx := s.baseCtx
	jobID := "trigger:" + trigger.ID
	err := s.locks.WithLock(ctx, jobID, s.cfg.TriggerLease, func(ctx context.Context) {
		contextData := map[string]any{
			"triggerData": map[string]any{
				"triggerId": trigger.ID,
				"kind":      string(schema.TriggerCron),
				"firedAt":   time.Now().UTC().Format(time.RFC3339),
			},
		}
		runID, err := s.createRun(ctx, trigger.WorkflowID, contextData, trigger.Owner)
		if err != nil {
			s.logger.ErrorContext(ctx, "cron trigger run creation failed", "trigger_id", trigger.ID, "error", err)
			return
		}
		if err := s.orch.ProcessRun(ctx, runID); err != nil {
			s.logger.ErrorContext(ctx, "cron trigger run failed", "trigger_id", trigger.ID, "run_id", runID, "error", err)
		}
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "cron trigger lock error", "trigger_id", trigger.ID, "error", err)
	}
}

// OnDataEvent matches a data mutation against event triggers and
// starts a run per matching trigger. The triggering document rides in
// context under "doc", with its model recorded so templates can walk
// relation chains off it.
func (s *Scheduler) OnDataEvent(ctx context.Context, model string, event schema.DataEvent, doc map[string]any) {
	kind := schema.TriggerEvent
	enabled := true
	triggers, err := s.store.ListTriggers(ctx, store.TriggerFilter{
		Kind: &kind, Model: model, Event: &event, Enabled: &enabled,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "event trigger lookup failed", "model", model, "event", event, "error", err)
		return
	}

	for _, trigger := range triggers {
		matched, err := s.cel.EvaluateBool(ctx, trigger.DataFilter, map[string]any{"doc": doc})
		if err != nil {
			s.logger.WarnContext(ctx, "trigger data filter error",
				"trigger_id", trigger.ID, "error", err)
			continue
		}
		if !matched {
			continue
		}

		contextData := map[string]any{
			"triggerData": map[string]any{
				"triggerId": trigger.ID,
				"kind":      string(schema.TriggerEvent),
				"model":     model,
				"event":     string(event),
			},
			"doc":      doc,
			"docModel": model,
		}
		runID, err := s.createRun(ctx, trigger.WorkflowID, contextData, trigger.Owner)
		if err != nil {
			s.logger.ErrorContext(ctx, "event trigger run creation failed", "trigger_id", trigger.ID, "error", err)
			continue
		}
		if err := s.orch.ProcessRun(ctx, runID); err != nil {
			s.logger.ErrorContext(ctx, "event trigger run failed", "trigger_id", trigger.ID, "run_id", runID, "error", err)
		}
	}
}

// RunWorkflowByName starts a workflow directly. The run is processed
// before returning; callers get the run id either way so they can
// inspect the outcome.
func (s *Scheduler) RunWorkflowByName(ctx context.Context, name string, contextData map[string]any, owner schema.Identity) (string, error) {
	def, err := s.store.GetWorkflowDefinitionByName(ctx, name)
	if err != nil {
		return "", fmt.Errorf("workflow %q: %w", name, err)
	}
	if !def.Enabled {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "workflow %q is disabled", name)
	}

	data := map[string]any{"triggerData": map[string]any{"kind": "direct"}}
	for k, v := range contextData {
		data[k] = v
	}

	runID, err := s.createRun(ctx, def.ID, data, owner)
	if err != nil {
		return "", err
	}
	if err := s.orch.ProcessRun(ctx, runID); err != nil {
		return runID, err
	}
	return runID, nil
}

func (s *Scheduler) createRun(ctx context.Context, workflowID string, contextData map[string]any, owner schema.Identity) (string, error) {
	run := &store.WorkflowRun{
		ID:          uuid.NewString(),
		WorkflowID:  workflowID,
		Owner:       owner,
		ContextData: contextData,
		Status:      schema.RunStatusPending,
		StartedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	return run.ID, nil
}

// ScheduleResume arms a one-shot timer that re-enters the run after
// the delay. Not lock-protected: it targets one specific run, and
// ProcessRun already no-ops on runs that are no longer paused, so a
// double fire is harmless.
func (s *Scheduler) ScheduleResume(runID string, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.timers[runID]; ok {
		existing.Stop()
	}
	s.timers[runID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, runID)
		s.mu.Unlock()

		ctx := s.baseCtx
		if ctx == nil {
			ctx = context.Background()
		}
		if err := s.orch.ProcessRun(ctx, runID); err != nil {
			s.logger.ErrorContext(ctx, "resumed run failed", "run_id", runID, "error", err)
		}
	})
}

// rearmPausedRuns restores resume timers lost to a restart. Runs whose
// resume time already passed fire immediately.
func (s *Scheduler) rearmPausedRuns(ctx context.Context) error {
	paused := schema.RunStatusPaused
	runs, err := s.store.ListRuns(ctx, store.RunFilter{Status: &paused})
	if err != nil {
		return fmt.Errorf("list paused runs: %w", err)
	}
	now := time.Now().UTC()
	for _, run := range runs {
		delay := time.Duration(0)
		if run.ResumeAt != nil && run.ResumeAt.After(now) {
			delay = run.ResumeAt.Sub(now)
		}
		s.ScheduleResume(run.ID, delay)
		s.logger.InfoContext(ctx, "resume timer rearmed", "run_id", run.ID, "delay", delay)
	}
	return nil
}
