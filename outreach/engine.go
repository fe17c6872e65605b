package outreach

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/badoux/checkmail"
	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"reachflow/models"
	"reachflow/utils"
)

const reasonBudgetExhausted = "daily send budget exhausted"

// EngineOptions are the operator-tunable policy knobs.
type EngineOptions struct {
	// SendToCatchAll includes prospects whose mailbox verification
	// came back catch_all. Off by default: accept-all domains hide
	// invalid recipients until they bounce.
	SendToCatchAll bool
	// RefundOnSendFailure hands a budget slot back when the provider
	// rejects a send. Off by default: a failed attempt still consumed
	// provider quota and retrying it later the same day should not
	// push the day's attempts past the cap.
	RefundOnSendFailure bool
	// SendDelay is the pause between consecutive sends in one pass.
	SendDelay time.Duration
	// DeliveryTimeout bounds one provider call.
	DeliveryTimeout time.Duration

	TrackingBaseURL string
	TrackingSecret  string
}

// PassResult summarizes one processing pass.
type PassResult struct {
	Processed    int  `json:"processed"`
	Sent         int  `json:"sent"`
	Skipped      int  `json:"skipped"`
	Errors       int  `json:"errors"`
	LimitReached bool `json:"limit_reached"`
}

// Engine drives sequence progression: it selects due enrollments,
// applies stop conditions, and performs at-most-once sends under the
// shared daily budget. Multiple engine instances may run concurrently
// against the same stores.
type Engine struct {
	db       *gorm.DB
	guard    *IdempotencyGuard
	budget   *RateBudget
	delivery Delivery
	renderer Renderer
	opts     EngineOptions
	now      func() time.Time
}

func NewEngine(db *gorm.DB, guard *IdempotencyGuard, budget *RateBudget, delivery Delivery, renderer Renderer, opts EngineOptions) *Engine {
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 30 * time.Second
	}
	return &Engine{
		db:       db,
		guard:    guard,
		budget:   budget,
		delivery: delivery,
		renderer: renderer,
		opts:     opts,
		now:      time.Now,
	}
}

// dueEnrollment is one row of the due query: the enrollment joined with
// its prospect and the template's step plan.
type dueEnrollment struct {
	ID                  uint
	ProspectID          uint
	SequenceName        string
	CurrentStep         int
	TotalSteps          int
	PersonalizationData []byte
	Email               string
	FullName            string
	RepliedAt           *time.Time
	Steps               []byte
	StopOn              []byte
}

// ProcessDue runs one pass: select up to the remaining daily budget of
// due enrollments and process each in order. A pass is resumable at any
// point; every per-item mutation is guarded by the lease and the send
// ledger's unique index.
func (en *Engine) ProcessDue(ctx context.Context) (PassResult, error) {
	var result PassResult

	day := en.now().UTC()
	remaining, err := en.budget.Remaining(ctx, day)
	if err != nil {
		return result, err
	}
	if remaining <= 0 {
		result.LimitReached = true
		log.WithField("limit", en.budget.Limit()).Info("daily send budget exhausted, skipping pass")
		return result, nil
	}

	due, err := en.dueEnrollments(ctx, remaining)
	if err != nil {
		return result, fmt.Errorf("due query: %w", err)
	}
	if len(due) == 0 {
		return result, nil
	}
	log.WithFields(log.Fields{"due": len(due), "budget_remaining": remaining}).Info("processing due enrollments")

	for i, item := range due {
		if ctx.Err() != nil {
			break
		}
		if i > 0 && en.opts.SendDelay > 0 {
			select {
			case <-time.After(en.opts.SendDelay):
			case <-ctx.Done():
				return result, nil
			}
		}

		outcome, consumed := en.processOne(ctx, item)
		result.Processed++
		switch outcome.Kind {
		case OutcomeSent:
			result.Sent++
		case OutcomeSkipped:
			result.Skipped++
		case OutcomeFailed:
			result.Errors++
		}
		if consumed >= int64(en.budget.Limit()) {
			result.LimitReached = true
		}
		if outcome.Reason == reasonBudgetExhausted {
			result.LimitReached = true
			break
		}
	}

	log.WithFields(log.Fields{
		"processed":     result.Processed,
		"sent":          result.Sent,
		"skipped":       result.Skipped,
		"errors":        result.Errors,
		"limit_reached": result.LimitReached,
	}).Info("pass complete")
	return result, nil
}

func (en *Engine) dueEnrollments(ctx context.Context, limit int) ([]dueEnrollment, error) {
	query := `
		SELECT e.id, e.prospect_id, e.sequence_name, e.current_step, e.total_steps,
		       e.personalization_data, p.email, p.full_name, p.replied_at,
		       st.steps, st.stop_on
		FROM enrollments e
		JOIN prospects p ON p.id = e.prospect_id
		JOIN sequence_templates st ON st.id = e.template_id
		WHERE e.deleted_at IS NULL
		  AND p.deleted_at IS NULL
		  AND st.deleted_at IS NULL
		  AND e.status IN ('pending', 'active')
		  AND e.next_send_at IS NOT NULL
		  AND e.next_send_at <= ?
		  AND p.email <> ''
		  AND p.email_verified = ?
		  AND p.is_do_not_contact = ?
		  AND p.status NOT IN ('bounced', 'unsubscribed', 'complained', 'converted')`
	args := []interface{}{en.now().UTC(), true, false}
	if !en.opts.SendToCatchAll {
		query += `
		  AND p.verification_status <> 'catch_all'`
	}
	query += `
		ORDER BY e.next_send_at ASC
		LIMIT ?`
	args = append(args, limit)

	var rows []dueEnrollment
	if err := en.db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// processOne advances a single enrollment. The second return value is
// the budget count observed when a slot was taken, zero otherwise.
func (en *Engine) processOne(ctx context.Context, item dueEnrollment) (Outcome, int64) {
	stepNumber := item.CurrentStep + 1
	logger := log.WithFields(log.Fields{
		"enrollment_id": item.ID,
		"sequence":      item.SequenceName,
		"step":          stepNumber,
	})

	var steps []models.TemplateStep
	if err := json.Unmarshal(item.Steps, &steps); err != nil {
		logger.WithError(err).Error("undecodable step plan")
		return failed("step plan: " + err.Error()), 0
	}
	var stopOn []string
	if len(item.StopOn) > 0 {
		if err := json.Unmarshal(item.StopOn, &stopOn); err != nil {
			logger.WithError(err).Error("undecodable stop triggers")
			return failed("stop triggers: " + err.Error()), 0
		}
	}

	// Stop conditions come first so a replied or bounced prospect is
	// halted before any lease or budget is touched.
	recent, err := en.recentStatuses(ctx, item.ID)
	if err != nil {
		return failed("send ledger: " + err.Error()), 0
	}
	if reason, stop := ShouldStop(stopOn, recent, item.RepliedAt != nil); stop {
		if err := en.stopEnrollment(ctx, en.db, item.ID, reason); err != nil {
			return failed("stop enrollment: " + err.Error()), 0
		}
		logger.WithField("reason", reason).Info("sequence stopped")
		return skipped("stopped: " + reason), 0
	}

	// The template may have shrunk since enrollment.
	if item.CurrentStep >= len(steps) {
		if err := en.completeEnrollment(ctx, item.ID); err != nil {
			return failed("complete enrollment: " + err.Error()), 0
		}
		logger.Info("sequence complete")
		return skipped("sequence complete"), 0
	}
	step := steps[item.CurrentStep]

	// Engagement-based step skip: advance the cursor without sending.
	if trigger, skip, err := en.shouldSkipStep(ctx, item, step); err != nil {
		return failed("skip check: " + err.Error()), 0
	} else if skip {
		if err := en.advanceCursor(ctx, en.db, item, steps); err != nil {
			return failed("advance: " + err.Error()), 0
		}
		logger.WithField("trigger", trigger).Info("step skipped on engagement")
		return skipped("step skipped: " + trigger), 0
	}

	if err := checkmail.ValidateFormat(item.Email); err != nil {
		logger.WithError(err).Warn("invalid recipient address")
		return skipped("invalid recipient"), 0
	}

	// A send record for this step means a previous attempt crashed
	// after persisting. The send happened; only the cursor is behind.
	var priorCount int64
	if err := en.db.WithContext(ctx).Model(&models.SendRecord{}).
		Where("enrollment_id = ? AND step_number = ?", item.ID, stepNumber).
		Count(&priorCount).Error; err != nil {
		return failed("send ledger: " + err.Error()), 0
	}
	if priorCount > 0 {
		if err := en.advanceCursor(ctx, en.db, item, steps); err != nil {
			return failed("advance: " + err.Error()), 0
		}
		logger.Info("send already recorded, cursor advanced")
		return skipped("already sent"), 0
	}

	key := en.guard.Key(item.ID, stepNumber, item.Email, en.now())
	won, err := en.guard.Acquire(ctx, key)
	if err != nil {
		logger.WithError(err).Error("idempotency guard unavailable")
		return failed("idempotency guard: " + err.Error()), 0
	}
	if !won {
		logger.Info("lease held elsewhere")
		return skipped("lease held"), 0
	}

	if step.BodyTemplate == "" {
		_ = en.guard.Fail(ctx, key)
		logger.Warn("step has no body template")
		return skipped("no body template"), 0
	}
	pdata := map[string]string{}
	if len(item.PersonalizationData) > 0 {
		if err := json.Unmarshal(item.PersonalizationData, &pdata); err != nil {
			_ = en.guard.Fail(ctx, key)
			logger.WithError(err).Warn("undecodable personalization data")
			return skipped("personalization data: " + err.Error()), 0
		}
	}

	rendered, err := en.renderer.Render(ctx, step.BodyTemplate, pdata)
	if err != nil {
		_ = en.guard.Fail(ctx, key)
		logger.WithError(err).Warn("render failed")
		return skipped("render: " + err.Error()), 0
	}

	trackingID := uuid.New().String()
	htmlBody := rendered.HTMLBody
	if en.opts.TrackingBaseURL != "" && htmlBody != "" {
		htmlBody = utils.InjectTracking(htmlBody, en.opts.TrackingBaseURL, trackingID, en.opts.TrackingSecret)
	}

	day := en.now().UTC()
	consumed, ok, err := en.budget.TryConsume(ctx, day)
	if err != nil {
		_ = en.guard.Fail(ctx, key)
		logger.WithError(err).Error("rate budget unavailable")
		return failed("rate budget: " + err.Error()), 0
	}
	if !ok {
		_ = en.guard.Fail(ctx, key)
		return skipped(reasonBudgetExhausted), consumed
	}

	sendCtx, cancel := context.WithTimeout(ctx, en.opts.DeliveryTimeout)
	providerID, err := en.delivery.Send(sendCtx, OutboundEmail{
		ToEmail:  item.Email,
		ToName:   item.FullName,
		Subject:  rendered.Subject,
		HTMLBody: htmlBody,
		TextBody: rendered.TextBody,
		Tags:     []string{item.SequenceName, fmt.Sprintf("step-%d", stepNumber)},
	})
	cancel()
	if err != nil {
		if en.opts.RefundOnSendFailure {
			if rerr := en.budget.Refund(ctx, day); rerr != nil {
				logger.WithError(rerr).Error("budget refund failed")
			}
		}
		_ = en.guard.Fail(ctx, key)
		logger.WithError(err).Error("delivery failed")
		return failed("send: " + err.Error()), consumed
	}

	now := en.now().UTC()
	err = en.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Re-check under the transaction; the unique index is the
		// final arbiter if two workers raced past the lease.
		var count int64
		if err := tx.Model(&models.SendRecord{}).
			Where("enrollment_id = ? AND step_number = ?", item.ID, stepNumber).
			Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			rec := models.SendRecord{
				EnrollmentID:      item.ID,
				StepNumber:        stepNumber,
				ProspectID:        item.ProspectID,
				TemplateName:      step.BodyTemplate,
				Subject:           rendered.Subject,
				ToEmail:           item.Email,
				ProviderMessageID: providerID,
				TrackingID:        trackingID,
				Status:            models.SendStatusSent,
				SentAt:            &now,
			}
			if err := tx.Create(&rec).Error; err != nil {
				return err
			}
		}

		if err := tx.Model(&models.Prospect{}).
			Where("id = ?", item.ProspectID).
			Updates(map[string]interface{}{
				"last_contacted_at": now,
				"total_emails_sent": gorm.Expr("total_emails_sent + 1"),
			}).Error; err != nil {
			return err
		}
		if item.CurrentStep == 0 {
			if err := tx.Model(&models.Prospect{}).
				Where("id = ? AND status IN ('discovered', 'enriched')", item.ProspectID).
				Updates(map[string]interface{}{
					"status":             models.ProspectContacted,
					"first_contacted_at": now,
				}).Error; err != nil {
				return err
			}
		}

		return en.advanceCursor(ctx, tx, item, steps)
	})
	if err != nil {
		// The provider accepted the message but nothing was recorded.
		// Keep the lease in processing: retrying today would double
		// send, and the day-scoped key unblocks the step tomorrow.
		sentry.CaptureException(err)
		logger.WithError(err).Error("persist after send failed, lease left in place")
		return failed("persist: " + err.Error()), consumed
	}

	if err := en.guard.Complete(ctx, key); err != nil {
		logger.WithError(err).Warn("lease completion failed")
	}
	logger.WithFields(log.Fields{"provider_message_id": providerID, "sent_today": consumed}).Info("sequence email sent")
	return sent(), consumed
}

// recentStatuses returns the statuses of the enrollment's latest send
// records, newest first.
func (en *Engine) recentStatuses(ctx context.Context, enrollmentID uint) ([]string, error) {
	var statuses []string
	err := en.db.WithContext(ctx).Model(&models.SendRecord{}).
		Where("enrollment_id = ?", enrollmentID).
		Order("step_number DESC").
		Limit(5).
		Pluck("status", &statuses).Error
	return statuses, err
}

func (en *Engine) shouldSkipStep(ctx context.Context, item dueEnrollment, step models.TemplateStep) (string, bool, error) {
	for _, trigger := range step.SkipIf {
		switch trigger {
		case StopReplied:
			if item.RepliedAt != nil {
				return trigger, true, nil
			}
		case "clicked":
			var n int64
			err := en.db.WithContext(ctx).Model(&models.SendRecord{}).
				Where("enrollment_id = ? AND click_count > 0", item.ID).
				Count(&n).Error
			if err != nil {
				return "", false, err
			}
			if n > 0 {
				return trigger, true, nil
			}
		case "opened":
			var n int64
			err := en.db.WithContext(ctx).Model(&models.SendRecord{}).
				Where("enrollment_id = ? AND open_count > 0", item.ID).
				Count(&n).Error
			if err != nil {
				return "", false, err
			}
			if n > 0 {
				return trigger, true, nil
			}
		}
	}
	return "", false, nil
}

// advanceCursor moves the enrollment to the next step or completes it.
func (en *Engine) advanceCursor(ctx context.Context, tx *gorm.DB, item dueEnrollment, steps []models.TemplateStep) error {
	next := item.CurrentStep + 1
	now := en.now().UTC()
	if next >= len(steps) {
		return tx.WithContext(ctx).Model(&models.Enrollment{}).
			Where("id = ?", item.ID).
			Updates(map[string]interface{}{
				"current_step":   next,
				"status":         models.EnrollmentCompleted,
				"next_send_at":   nil,
				"completed_at":   now,
				"last_action_at": now,
			}).Error
	}
	return tx.WithContext(ctx).Model(&models.Enrollment{}).
		Where("id = ?", item.ID).
		Updates(map[string]interface{}{
			"current_step":   next,
			"status":         models.EnrollmentActive,
			"next_send_at":   NextSendTime(now, steps[next]),
			"last_action_at": now,
		}).Error
}

func (en *Engine) completeEnrollment(ctx context.Context, enrollmentID uint) error {
	now := en.now().UTC()
	return en.db.WithContext(ctx).Model(&models.Enrollment{}).
		Where("id = ? AND status IN ('pending', 'active')", enrollmentID).
		Updates(map[string]interface{}{
			"status":         models.EnrollmentCompleted,
			"next_send_at":   nil,
			"completed_at":   now,
			"last_action_at": now,
		}).Error
}

func (en *Engine) stopEnrollment(ctx context.Context, tx *gorm.DB, enrollmentID uint, reason string) error {
	now := en.now().UTC()
	return tx.WithContext(ctx).Model(&models.Enrollment{}).
		Where("id = ? AND status IN ('pending', 'active')", enrollmentID).
		Updates(map[string]interface{}{
			"status":         models.EnrollmentStopped,
			"stopped_reason": reason,
			"next_send_at":   nil,
			"completed_at":   now,
			"last_action_at": now,
		}).Error
}

// NextSendTime computes when a step becomes due, applying the step's
// delay, preferred send time, and weekend skipping, all in UTC.
func NextSendTime(from time.Time, step models.TemplateStep) time.Time {
	t := from.UTC().
		Add(time.Duration(step.DelayDays) * 24 * time.Hour).
		Add(time.Duration(step.DelayHours) * time.Hour)

	if step.SendTimePreference != "" {
		if pref, err := time.Parse("15:04", step.SendTimePreference); err == nil {
			candidate := time.Date(t.Year(), t.Month(), t.Day(), pref.Hour(), pref.Minute(), 0, 0, time.UTC)
			if candidate.Before(t) {
				candidate = candidate.Add(24 * time.Hour)
			}
			t = candidate
		}
	}

	if step.SkipWeekends {
		for t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
			t = t.Add(24 * time.Hour)
		}
	}
	return t
}
