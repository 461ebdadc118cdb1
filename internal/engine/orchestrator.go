// Package engine drives workflow runs step by step until they reach a
// terminal or paused state.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/flowd/internal/actions"
	"github.com/rendis/flowd/internal/expressions"
	"github.com/rendis/flowd/internal/store"
	"github.com/rendis/flowd/pkg/schema"
)

// Loop caps. Cyclic step graphs are legal; these bounds are what make
// them safe.
const (
	DefaultMaxTotalHops      = 100
	DefaultMaxStepExecutions = 10
)

// Config bounds a single run's step loop.
type Config struct {
	// MaxTotalHops caps step hops per ProcessRun invocation.
	MaxTotalHops int
	// MaxStepExecutions caps visits to the same step across the run's
	// whole lifetime, tracked cumulatively in the run record.
	MaxStepExecutions int
	// BaseURL is the platform's public base URL, exposed to templates.
	BaseURL string
}

func (c Config) withDefaults() Config {
	if c.MaxTotalHops <= 0 {
		c.MaxTotalHops = DefaultMaxTotalHops
	}
	if c.MaxStepExecutions <= 0 {
		c.MaxStepExecutions = DefaultMaxStepExecutions
	}
	return c
}

// ResumeScheduler registers the one-shot timer that re-enters a paused
// run. Implemented by the scheduler.
type ResumeScheduler interface {
	ScheduleResume(runID string, delay time.Duration)
}

// Orchestrator executes runs. Safe for concurrent use across distinct
// runs; a single run is only ever processed by one invocation at a
// time by scheduler convention.
type Orchestrator struct {
	store      store.Store
	dispatcher *actions.Dispatcher
	resolver   *expressions.Resolver
	cel        *expressions.CELEngine
	resumes    ResumeScheduler
	logger     *slog.Logger
	cfg        Config
}

func NewOrchestrator(st store.Store, dispatcher *actions.Dispatcher, resolver *expressions.Resolver, cel *expressions.CELEngine, logger *slog.Logger, cfg Config) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:      st,
		dispatcher: dispatcher,
		resolver:   resolver,
		cel:        cel,
		logger:     logger,
		cfg:        cfg.withDefaults(),
	}
}

// SetResumeScheduler wires the resume timer after construction; the
// scheduler and orchestrator reference each other.
func (o *Orchestrator) SetResumeScheduler(rs ResumeScheduler) {
	o.resumes = rs
}

// ProcessRun drives one run forward until it completes, fails, pauses
// or exhausts its hop budget. Re-entrant: invoking it on a terminal
// run is a no-op, and a paused run resumes from its persisted step.
// Nothing escapes the step loop unhandled — a run never sits in
// `running` forever.
func (o *Orchestrator) ProcessRun(ctx context.Context, runID string) (err error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	if run.Status.Terminal() {
		o.logger.DebugContext(ctx, "run already terminal", "run_id", runID, "status", run.Status)
		return nil
	}

	defer func() {
		if p := recover(); p != nil {
			o.logger.ErrorContext(ctx, "run processing panicked", "run_id", runID, "panic", p)
			o.failRun(ctx, run, fmt.Sprintf("critical error: %v", p))
			err = schema.NewErrorf(schema.ErrCodeExecution, "run %s panicked: %v", runID, p)
		}
	}()

	def, err := o.store.GetWorkflowDefinition(ctx, run.WorkflowID)
	if err != nil {
		o.failRun(ctx, run, fmt.Sprintf("workflow definition %s not found", run.WorkflowID))
		return nil
	}

	current := run.CurrentStep
	if current == "" && run.Status == schema.RunStatusPending {
		current = def.StartStep
	}
	if run.StepExecutions == nil {
		run.StepExecutions = map[string]int{}
	}

	hops := 0
	for {
		// An empty step id means there is nothing (left) to do. A
		// workflow without a configured start is complete, not broken;
		// same for a resumed run whose pause landed past the last step.
		if current == "" {
			o.completeRun(ctx, run, "workflow completed")
			return nil
		}

		hops++
		if hops > o.cfg.MaxTotalHops {
			o.failRun(ctx, run, fmt.Sprintf("step limit exceeded: more than %d hops in one invocation", o.cfg.MaxTotalHops))
			return nil
		}
		run.StepExecutions[current]++
		if run.StepExecutions[current] > o.cfg.MaxStepExecutions {
			o.failRun(ctx, run, fmt.Sprintf("step limit exceeded: step %s executed more than %d times", current, o.cfg.MaxStepExecutions))
			return nil
		}

		step, err := o.store.GetStep(ctx, current)
		if err != nil {
			o.failRun(ctx, run, fmt.Sprintf("step %s not found", current))
			return nil
		}
		if step.WorkflowID != run.WorkflowID {
			o.failRun(ctx, run, fmt.Sprintf("step %s belongs to workflow %s, not %s", current, step.WorkflowID, run.WorkflowID))
			return nil
		}

		// Per-hop snapshot so crash recovery and observers see
		// consistent state.
		if err := o.persistHop(ctx, run, current); err != nil {
			o.failRun(ctx, run, fmt.Sprintf("persist step state: %v", err))
			return nil
		}
		run.CurrentStep = current
		run.Status = schema.RunStatusRunning

		condOK, err := o.evalConditions(ctx, run, step)
		if err != nil {
			o.failRun(ctx, run, fmt.Sprintf("condition evaluation at step %s: %v", current, err))
			return nil
		}

		if !condOK {
			// A false condition is a skip, not a failure: route via
			// the failure branch when one exists, else finish clean.
			if step.OnFailureStep != "" {
				current = step.OnFailureStep
				continue
			}
			o.completeRun(ctx, run, fmt.Sprintf("step %s skipped: conditions not met", current))
			return nil
		}

		paused, failMsg := o.runActions(ctx, run, step)
		if paused {
			return nil
		}
		if failMsg != "" {
			if step.OnFailureStep != "" {
				current = step.OnFailureStep
				continue
			}
			o.failRun(ctx, run, failMsg)
			return nil
		}

		if step.IsTerminal || step.OnSuccessStep == "" {
			o.completeRun(ctx, run, "workflow completed")
			return nil
		}
		current = step.OnSuccessStep
	}
}

// runActions dispatches the step's actions in order, merging each
// action's context updates immediately so later actions see earlier
// results. Returns paused=true when a pause was persisted, or a
// non-empty failure message when an action failed.
func (o *Orchestrator) runActions(ctx context.Context, run *store.WorkflowRun, step *store.WorkflowStep) (paused bool, failMsg string) {
	for _, actionID := range step.Actions {
		action, err := o.store.GetAction(ctx, actionID)
		if err != nil {
			return false, fmt.Sprintf("action %s not found", actionID)
		}

		res := o.dispatcher.Execute(ctx, run, action)
		if len(res.UpdatedContext) > 0 {
			run.ContextData = mergeContext(run.ContextData, res.UpdatedContext)
		}
		for _, line := range res.Logs {
			o.logger.InfoContext(ctx, "script output", "run_id", run.ID, "action", action.Name, "entry", line)
		}

		if !res.Success {
			o.logger.WarnContext(ctx, "action failed",
				"run_id", run.ID, "step_id", step.ID, "action", action.Name, "message", res.Message)
			return false, fmt.Sprintf("action %s failed: %s", actionName(action), res.Message)
		}

		if res.Pause != nil {
			o.pauseRun(ctx, run, step, res.Pause.Delay)
			return true, ""
		}
	}
	return false, ""
}

// pauseRun persists the paused state with the success-path next step
// already decided, then arms the resume timer. Actions after the wait
// in the same step do not re-execute on resume; the run re-enters at
// the next step.
func (o *Orchestrator) pauseRun(ctx context.Context, run *store.WorkflowRun, step *store.WorkflowStep, delay time.Duration) {
	next := ""
	if !step.IsTerminal {
		next = step.OnSuccessStep
	}
	resumeAt := time.Now().UTC().Add(delay)

	status := schema.RunStatusPaused
	logMsg := fmt.Sprintf("paused at step %s until %s", step.ID, resumeAt.Format(time.RFC3339))
	update := store.RunUpdate{
		Status:         &status,
		CurrentStep:    &next,
		ContextData:    run.ContextData,
		StepExecutions: run.StepExecutions,
		ResumeAt:       &resumeAt,
		Log:            &logMsg,
	}
	if err := o.store.UpdateRun(ctx, run.ID, update); err != nil {
		o.logger.ErrorContext(ctx, "persist pause failed", "run_id", run.ID, "error", err)
		o.failRun(ctx, run, fmt.Sprintf("persist pause: %v", err))
		return
	}

	o.logger.InfoContext(ctx, "run paused", "run_id", run.ID, "resume_at", resumeAt, "next_step", next)
	if o.resumes != nil {
		o.resumes.ScheduleResume(run.ID, delay)
	}
}

// evalConditions substitutes placeholders into the step's condition
// and evaluates it. Empty conditions hold vacuously.
func (o *Orchestrator) evalConditions(ctx context.Context, run *store.WorkflowRun, step *store.WorkflowStep) (bool, error) {
	if step.Conditions == "" {
		return true, nil
	}

	scope := o.scope(ctx, run)
	substituted := o.resolver.ResolveString(ctx, step.Conditions, scope)

	data := map[string]any{
		"data": run.ContextData,
		"run": map[string]any{
			"id":       run.ID,
			"workflow": run.WorkflowID,
			"owner":    run.Owner.Username,
		},
	}
	if doc, ok := run.ContextData["doc"].(map[string]any); ok {
		data["doc"] = doc
	}
	return o.cel.EvaluateBool(ctx, substituted, data)
}

func (o *Orchestrator) scope(ctx context.Context, run *store.WorkflowRun) *expressions.Scope {
	env := map[string]string{}
	if vars, err := o.store.GetEnvVars(ctx, run.Owner.Username); err == nil {
		env = vars
	}
	scope := &expressions.Scope{
		Data:    run.ContextData,
		Env:     env,
		BaseURL: o.cfg.BaseURL,
	}
	if model, ok := run.ContextData["docModel"].(string); ok && model != "" {
		scope.Docs = map[string]string{"doc": model}
	}
	return scope
}

func (o *Orchestrator) persistHop(ctx context.Context, run *store.WorkflowRun, stepID string) error {
	status := schema.RunStatusRunning
	return o.store.UpdateRun(ctx, run.ID, store.RunUpdate{
		Status:         &status,
		CurrentStep:    &stepID,
		ContextData:    run.ContextData,
		StepExecutions: run.StepExecutions,
	})
}

func (o *Orchestrator) completeRun(ctx context.Context, run *store.WorkflowRun, logMsg string) {
	status := schema.RunStatusCompleted
	now := time.Now().UTC()
	update := store.RunUpdate{
		Status:         &status,
		ContextData:    run.ContextData,
		StepExecutions: run.StepExecutions,
		Log:            &logMsg,
		CompletedAt:    &now,
	}
	if err := o.store.UpdateRun(ctx, run.ID, update); err != nil {
		o.logger.ErrorContext(ctx, "persist completion failed", "run_id", run.ID, "error", err)
		return
	}
	o.logger.InfoContext(ctx, "run completed", "run_id", run.ID)
}

func (o *Orchestrator) failRun(ctx context.Context, run *store.WorkflowRun, errMsg string) {
	if run.Status.Terminal() {
		return
	}
	status := schema.RunStatusFailed
	now := time.Now().UTC()
	update := store.RunUpdate{
		Status:         &status,
		ContextData:    run.ContextData,
		StepExecutions: run.StepExecutions,
		Error:          &errMsg,
		CompletedAt:    &now,
	}
	if err := o.store.UpdateRun(ctx, run.ID, update); err != nil {
		o.logger.ErrorContext(ctx, "persist failure failed", "run_id", run.ID, "error", err)
		return
	}
	run.Status = schema.RunStatusFailed
	o.logger.WarnContext(ctx, "run failed", "run_id", run.ID, "error", errMsg)
}

func mergeContext(base, updates map[string]any) map[string]any {
	if base == nil {
		base = map[string]any{}
	}
	for k, v := range updates {
		base[k] = v
	}
	return base
}

func actionName(a *store.WorkflowAction) string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}
