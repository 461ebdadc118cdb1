package scheduler

import (
	"context"
	"fmt"

	"github.com/rendis/flowd/internal/store"
	"github.com/rendis/flowd/pkg/schema"
)

// registerAlerts schedules every enabled alert on its cron expression.
func (s *Scheduler) registerAlerts(ctx context.Context) error {
	alerts, err := s.store.ListAlerts(ctx, true)
	if err != nil {
		return fmt.Errorf("list alerts: %w", err)
	}

	for _, alert := range alerts {
		a := alert
		_, err := s.cron.AddFunc(a.CronExpression, func() { s.checkAlert(a.ID) })
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeDefinition,
				"alert %s has invalid cron expression %q: %s", a.ID, a.CronExpression, err.Error())
		}
		s.logger.InfoContext(ctx, "alert registered", "alert_id", a.ID, "cron", a.CronExpression)
	}
	return nil
}

// checkAlert runs one notify-once check under the shared lock. The
// alert is re-read on every tick so an externally cleared stamp (or a
// disable) takes effect without a restart.
func (s *Scheduler) checkAlert(alertID string) {
	ctx := s.baseCtx
	jobID := "alert:" + alertID
	err := s.locks.WithLock(ctx, jobID, s.cfg.TriggerLease, func(ctx context.Context) {
		alert, err := s.loadAlert(ctx, alertID)
		if err != nil {
			s.logger.WarnContext(ctx, "alert load failed", "alert_id", alertID, "error", err)
			return
		}
		if alert == nil || !alert.Enabled {
			return
		}
		// Already notified and not yet cleared: skip the tick.
		if alert.LastNotifiedAt != nil {
			return
		}

		met, err := s.evalAlertCondition(ctx, alert)
		if err != nil {
			s.logger.WarnContext(ctx, "alert condition error", "alert_id", alert.ID, "error", err)
			return
		}
		if !met {
			return
		}

		s.notifyAlert(ctx, alert)
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "alert lock error", "alert_id", alertID, "error", err)
	}
}

func (s *Scheduler) loadAlert(ctx context.Context, id string) (*store.Alert, error) {
	alerts, err := s.store.ListAlerts(ctx, true)
	if err != nil {
		return nil, err
	}
	for _, a := range alerts {
		if a.ID == id {
			return a, nil
		}
	}
	return nil, nil
}

// evalAlertCondition queries the alert's target documents and hands
// {count, docs} to the expr condition.
func (s *Scheduler) evalAlertCondition(ctx context.Context, alert *store.Alert) (bool, error) {
	count, err := s.store.CountDocuments(ctx, alert.Model, alert.Filter)
	if err != nil {
		return false, err
	}
	docs, err := s.store.QueryDocuments(ctx, alert.Model, alert.Filter, s.cfg.AlertQueryLimit)
	if err != nil {
		return false, err
	}

	docMaps := make([]map[string]any, len(docs))
	for i, d := range docs {
		m := map[string]any{"id": d.ID}
		for k, v := range d.Data {
			m[k] = v
		}
		docMaps[i] = m
	}

	return s.expr.EvaluateBool(ctx, alert.Condition, map[string]any{
		"count": count,
		"docs":  docMaps,
	})
}

// notifyAlert sends the message and stamps the alert so later ticks
// stay quiet until the stamp is cleared externally.
func (s *Scheduler) notifyAlert(ctx context.Context, alert *store.Alert) {
	if s.mailer == nil {
		s.logger.WarnContext(ctx, "alert fired but no mailer configured", "alert_id", alert.ID)
		return
	}

	subject := "Alert: " + alert.Name
	delivered := 0
	for _, recipient := range alert.Recipients {
		if err := s.mailer.Send(ctx, recipient, subject, alert.Message); err != nil {
			s.logger.WarnContext(ctx, "alert notification failed",
				"alert_id", alert.ID, "recipient", recipient, "error", err)
			continue
		}
		delivered++
	}
	if delivered == 0 && len(alert.Recipients) > 0 {
		// Nothing went out; leave the stamp unset so the next tick
		// retries.
		return
	}

	if err := s.store.StampAlertNotified(ctx, alert.ID); err != nil {
		s.logger.ErrorContext(ctx, "alert stamp failed", "alert_id", alert.ID, "error", err)
		return
	}
	s.logger.InfoContext(ctx, "alert notified", "alert_id", alert.ID, "recipients", delivered)
}
