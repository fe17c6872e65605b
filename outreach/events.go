package outreach

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"reachflow/models"
)

// EventKind is the normalized delivery-event type.
type EventKind string

const (
	EventDelivered    EventKind = "delivered"
	EventOpened       EventKind = "opened"
	EventClicked      EventKind = "clicked"
	EventHardBounce   EventKind = "hard_bounce"
	EventSoftBounce   EventKind = "soft_bounce"
	EventUnsubscribed EventKind = "unsubscribed"
	EventComplaint    EventKind = "complaint"
	EventReply        EventKind = "reply"
)

// ParseEventKind maps provider event names onto normalized kinds.
// Unknown names return false; the caller discards those events.
func ParseEventKind(name string) (EventKind, bool) {
	switch name {
	case "delivered", "request":
		return EventDelivered, true
	case "opened", "uniqueOpened", "unique_opened", "open":
		return EventOpened, true
	case "clicked", "click", "uniqueClicked":
		return EventClicked, true
	case "hardBounce", "hard_bounce", "blocked", "invalid_email":
		return EventHardBounce, true
	case "softBounce", "soft_bounce", "deferred":
		return EventSoftBounce, true
	case "unsubscribed", "unsubscribe":
		return EventUnsubscribed, true
	case "complaint", "spam":
		return EventComplaint, true
	case "reply", "replied":
		return EventReply, true
	}
	return "", false
}

// Event is one normalized delivery notification. MessageID is the
// provider's id; TrackingID is set instead when the event came from the
// pixel or click redirect.
type Event struct {
	Kind       EventKind
	MessageID  string
	TrackingID string
	Email      string
	Timestamp  time.Time
	Reason     string
}

// EventApplier folds delivery events into send records, prospects, and
// enrollments. Every mutation is idempotent: providers redeliver
// webhooks, and the pixel fires on every open.
type EventApplier struct {
	db  *gorm.DB
	now func() time.Time
}

func NewEventApplier(db *gorm.DB) *EventApplier {
	return &EventApplier{db: db, now: time.Now}
}

// Apply folds one event into the ledger. Events that reference no known
// send record are discarded, not errored: providers replay history and
// other systems may share the webhook endpoint.
func (a *EventApplier) Apply(ctx context.Context, ev Event) (Outcome, error) {
	logger := log.WithFields(log.Fields{
		"event":      string(ev.Kind),
		"message_id": ev.MessageID,
	})

	if ev.Kind == EventReply {
		return a.MarkReplied(ctx, ev.Email)
	}
	if ev.MessageID == "" && ev.TrackingID == "" {
		return discarded("no message id"), nil
	}

	rec, err := a.lookupRecord(ctx, ev)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		logger.Info("event for unknown message discarded")
		return discarded("unknown message"), nil
	}
	if err != nil {
		return failed("record lookup"), fmt.Errorf("record lookup: %w", err)
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = a.now().UTC()
	}

	switch ev.Kind {
	case EventDelivered:
		return a.applyDelivered(ctx, rec, ts)
	case EventOpened:
		return a.applyEngagement(ctx, rec, ts, engagementOpen)
	case EventClicked:
		return a.applyEngagement(ctx, rec, ts, engagementClick)
	case EventHardBounce, EventSoftBounce:
		return a.applyBounce(ctx, rec, ev, ts)
	case EventUnsubscribed:
		return a.applyTerminal(ctx, rec, ts, models.SendStatusUnsubscribed, models.ProspectUnsubscribed, StopUnsubscribed)
	case EventComplaint:
		return a.applyTerminal(ctx, rec, ts, models.SendStatusComplained, models.ProspectComplained, StopComplained)
	}
	return discarded("unhandled event kind"), nil
}

func (a *EventApplier) lookupRecord(ctx context.Context, ev Event) (*models.SendRecord, error) {
	var rec models.SendRecord
	q := a.db.WithContext(ctx)
	if ev.MessageID != "" {
		q = q.Where("provider_message_id = ?", ev.MessageID)
	} else {
		q = q.Where("tracking_id = ?", ev.TrackingID)
	}
	if err := q.First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

func (a *EventApplier) applyDelivered(ctx context.Context, rec *models.SendRecord, ts time.Time) (Outcome, error) {
	err := a.db.WithContext(ctx).Model(&models.SendRecord{}).
		Where("id = ? AND status = ?", rec.ID, models.SendStatusSent).
		Updates(map[string]interface{}{
			"status":       models.SendStatusDelivered,
			"delivered_at": ts,
		}).Error
	if err != nil {
		return failed("delivered update"), err
	}
	return applied("delivered"), nil
}

type engagementKind int

const (
	engagementOpen engagementKind = iota
	engagementClick
)

// applyEngagement records an open or click. The first occurrence is
// detected with a conditional update on the first_* column so that a
// redelivered webhook or a re-fired pixel can only ever bump the
// counters once per occurrence and the prospect aggregate once total.
func (a *EventApplier) applyEngagement(ctx context.Context, rec *models.SendRecord, ts time.Time, kind engagementKind) (Outcome, error) {
	firstCol, lastCol, countCol := "first_opened_at", "last_opened_at", "open_count"
	status, aggregateCol := models.SendStatusOpened, "total_emails_opened"
	if kind == engagementClick {
		firstCol, lastCol, countCol = "first_clicked_at", "last_clicked_at", "click_count"
		status, aggregateCol = models.SendStatusClicked, "total_emails_clicked"
	}

	var firstTime bool
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.SendRecord{}).
			Where("id = ? AND "+firstCol+" IS NULL", rec.ID).
			Update(firstCol, ts)
		if res.Error != nil {
			return res.Error
		}
		firstTime = res.RowsAffected == 1

		// Status only ratchets forward; a click outranks an open and
		// neither may overwrite a terminal status.
		allowedFrom := []string{models.SendStatusSent, models.SendStatusDelivered}
		if status == models.SendStatusClicked {
			allowedFrom = append(allowedFrom, models.SendStatusOpened)
		}
		if err := tx.Model(&models.SendRecord{}).
			Where("id = ? AND status IN ?", rec.ID, allowedFrom).
			Update("status", status).Error; err != nil {
			return err
		}

		if err := tx.Model(&models.SendRecord{}).
			Where("id = ?", rec.ID).
			Updates(map[string]interface{}{
				lastCol:  ts,
				countCol: gorm.Expr(countCol + " + 1"),
			}).Error; err != nil {
			return err
		}

		if firstTime {
			return tx.Model(&models.Prospect{}).
				Where("id = ?", rec.ProspectID).
				Update(aggregateCol, gorm.Expr(aggregateCol+" + 1")).Error
		}
		return nil
	})
	if err != nil {
		return failed("engagement update"), err
	}
	if firstTime {
		return applied("first " + string(statusName(kind))), nil
	}
	return applied("repeat " + string(statusName(kind))), nil
}

func statusName(kind engagementKind) EventKind {
	if kind == engagementClick {
		return EventClicked
	}
	return EventOpened
}

// applyBounce marks the record bounced and, exactly once per prospect,
// transitions the prospect to bounced and halts live enrollments whose
// templates subscribe to the bounced trigger. A hard bounce also
// invalidates the verified flag so the address is never selected again.
func (a *EventApplier) applyBounce(ctx context.Context, rec *models.SendRecord, ev Event, ts time.Time) (Outcome, error) {
	bounceType := "hard"
	if ev.Kind == EventSoftBounce {
		bounceType = "soft"
	}

	var firstTime bool
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.SendRecord{}).
			Where("id = ?", rec.ID).
			Updates(map[string]interface{}{
				"status":        models.SendStatusBounced,
				"bounced_at":    ts,
				"bounce_type":   bounceType,
				"bounce_reason": ev.Reason,
			}).Error; err != nil {
			return err
		}

		updates := map[string]interface{}{"status": models.ProspectBounced}
		if ev.Kind == EventHardBounce {
			updates["email_verified"] = false
			updates["verification_status"] = models.VerificationInvalid
		}
		res := tx.Model(&models.Prospect{}).
			Where("id = ? AND status <> ?", rec.ProspectID, models.ProspectBounced).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		firstTime = res.RowsAffected == 1

		if firstTime {
			return a.stopLiveEnrollments(ctx, tx, rec.ProspectID, StopBounced)
		}
		return nil
	})
	if err != nil {
		return failed("bounce update"), err
	}
	if firstTime {
		log.WithFields(log.Fields{
			"prospect_id": rec.ProspectID,
			"bounce_type": bounceType,
		}).Warn("prospect bounced")
	}
	return applied("bounce"), nil
}

func (a *EventApplier) applyTerminal(ctx context.Context, rec *models.SendRecord, ts time.Time, recordStatus, prospectStatus, trigger string) (Outcome, error) {
	recordUpdates := map[string]interface{}{"status": recordStatus}
	if recordStatus == models.SendStatusUnsubscribed {
		recordUpdates["unsubscribed_at"] = ts
	} else {
		recordUpdates["complained_at"] = ts
	}

	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.SendRecord{}).
			Where("id = ?", rec.ID).
			Updates(recordUpdates).Error; err != nil {
			return err
		}

		res := tx.Model(&models.Prospect{}).
			Where("id = ? AND status <> ?", rec.ProspectID, prospectStatus).
			Updates(map[string]interface{}{
				"status":            prospectStatus,
				"is_do_not_contact": true,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			return a.stopLiveEnrollments(ctx, tx, rec.ProspectID, trigger)
		}
		return nil
	})
	if err != nil {
		return failed(recordStatus + " update"), err
	}
	return applied(recordStatus), nil
}

// MarkReplied records a detected reply for the prospect owning the
// address. First detection stops live enrollments subscribed to the
// replied trigger; repeats are no-ops.
func (a *EventApplier) MarkReplied(ctx context.Context, email string) (Outcome, error) {
	if email == "" {
		return discarded("no address"), nil
	}

	var prospect models.Prospect
	err := a.db.WithContext(ctx).
		Where("email = ?", email).
		Order("id DESC").
		First(&prospect).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return discarded("unknown address"), nil
	}
	if err != nil {
		return failed("prospect lookup"), err
	}

	ts := a.now().UTC()
	var firstTime bool
	err = a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Prospect{}).
			Where("id = ? AND replied_at IS NULL", prospect.ID).
			Updates(map[string]interface{}{
				"replied_at": ts,
				"status":     models.ProspectReplied,
			})
		if res.Error != nil {
			return res.Error
		}
		firstTime = res.RowsAffected == 1
		if firstTime {
			return a.stopLiveEnrollments(ctx, tx, prospect.ID, StopReplied)
		}
		return nil
	})
	if err != nil {
		return failed("reply update"), err
	}
	if firstTime {
		log.WithField("prospect_id", prospect.ID).Info("reply detected, sequences stopped")
		return applied("reply"), nil
	}
	return applied("repeat reply"), nil
}

// stopLiveEnrollments halts the prospect's pending and active
// enrollments whose templates subscribe to the trigger. Templates that
// do not list the trigger keep running.
func (a *EventApplier) stopLiveEnrollments(ctx context.Context, tx *gorm.DB, prospectID uint, trigger string) error {
	var enrollments []models.Enrollment
	err := tx.WithContext(ctx).
		Preload("Template").
		Where("prospect_id = ? AND status IN ('pending', 'active')", prospectID).
		Find(&enrollments).Error
	if err != nil {
		return err
	}

	now := a.now().UTC()
	for _, e := range enrollments {
		if _, stop := ShouldStop(e.Template.StopOn, []string{trigger}, trigger == StopReplied); !stop {
			continue
		}
		err := tx.Model(&models.Enrollment{}).
			Where("id = ? AND status IN ('pending', 'active')", e.ID).
			Updates(map[string]interface{}{
				"status":         models.EnrollmentStopped,
				"stopped_reason": trigger,
				"next_send_at":   nil,
				"completed_at":   now,
				"last_action_at": now,
			}).Error
		if err != nil {
			return err
		}
	}
	return nil
}
