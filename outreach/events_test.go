package outreach

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"reachflow/models"
)

type eventFixture struct {
	applier    *EventApplier
	db         *gorm.DB
	prospect   *models.Prospect
	enrollment *models.Enrollment
	record     *models.SendRecord
}

func newEventFixture(t *testing.T) *eventFixture {
	t.Helper()
	db := setupTestDB(t)

	prospect := &models.Prospect{
		Email:         "jane@example.com",
		FullName:      "Jane Doe",
		EmailVerified: true,
		Status:        models.ProspectContacted,
	}
	require.NoError(t, db.Create(prospect).Error)

	template := &models.SequenceTemplate{
		Name:       "creator-outreach",
		IsActive:   true,
		TotalSteps: 2,
		Steps: []models.TemplateStep{
			{BodyTemplate: "intro"},
			{BodyTemplate: "follow_up", DelayDays: 3},
		},
		StopOn: []string{"replied", "bounced", "unsubscribed", "complained"},
	}
	require.NoError(t, db.Create(template).Error)

	next := time.Now().UTC().Add(24 * time.Hour)
	enrollment := &models.Enrollment{
		ProspectID:   prospect.ID,
		TemplateID:   template.ID,
		SequenceName: template.Name,
		TotalSteps:   2,
		CurrentStep:  1,
		Status:       models.EnrollmentActive,
		NextSendAt:   &next,
	}
	require.NoError(t, db.Create(enrollment).Error)

	sentAt := time.Now().UTC().Add(-time.Hour)
	record := &models.SendRecord{
		EnrollmentID:      enrollment.ID,
		StepNumber:        1,
		ProspectID:        prospect.ID,
		TemplateName:      "intro",
		ToEmail:           prospect.Email,
		ProviderMessageID: "msg-1",
		TrackingID:        "track-1",
		Status:            models.SendStatusSent,
		SentAt:            &sentAt,
	}
	require.NoError(t, db.Create(record).Error)

	return &eventFixture{
		applier:    NewEventApplier(db),
		db:         db,
		prospect:   prospect,
		enrollment: enrollment,
		record:     record,
	}
}

func (f *eventFixture) reloadRecord(t *testing.T) models.SendRecord {
	t.Helper()
	var rec models.SendRecord
	require.NoError(t, f.db.First(&rec, f.record.ID).Error)
	return rec
}

func (f *eventFixture) reloadProspect(t *testing.T) models.Prospect {
	t.Helper()
	var p models.Prospect
	require.NoError(t, f.db.First(&p, f.prospect.ID).Error)
	return p
}

func (f *eventFixture) reloadEnrollment(t *testing.T) models.Enrollment {
	t.Helper()
	var e models.Enrollment
	require.NoError(t, f.db.First(&e, f.enrollment.ID).Error)
	return e
}

func TestApplyDiscardUnknownMessage(t *testing.T) {
	f := newEventFixture(t)

	outcome, err := f.applier.Apply(context.Background(), Event{
		Kind:      EventOpened,
		MessageID: "never-sent",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDiscarded, outcome.Kind)

	outcome, err = f.applier.Apply(context.Background(), Event{Kind: EventOpened})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDiscarded, outcome.Kind)
}

func TestApplyDelivered(t *testing.T) {
	f := newEventFixture(t)

	outcome, err := f.applier.Apply(context.Background(), Event{
		Kind:      EventDelivered,
		MessageID: "msg-1",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome.Kind)

	rec := f.reloadRecord(t)
	assert.Equal(t, models.SendStatusDelivered, rec.Status)
	assert.NotNil(t, rec.DeliveredAt)

	// Redelivery is harmless.
	_, err = f.applier.Apply(context.Background(), Event{Kind: EventDelivered, MessageID: "msg-1"})
	require.NoError(t, err)
}

func TestApplyOpenedCountsFirstOccurrenceOnce(t *testing.T) {
	f := newEventFixture(t)

	for i := 0; i < 3; i++ {
		outcome, err := f.applier.Apply(context.Background(), Event{
			Kind:      EventOpened,
			MessageID: "msg-1",
		})
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, outcome.Kind)
	}

	rec := f.reloadRecord(t)
	assert.Equal(t, models.SendStatusOpened, rec.Status)
	assert.Equal(t, 3, rec.OpenCount)
	require.NotNil(t, rec.FirstOpenedAt)
	require.NotNil(t, rec.LastOpenedAt)

	p := f.reloadProspect(t)
	assert.Equal(t, 1, p.TotalEmailsOpened, "the aggregate counts unique opens")
}

func TestApplyClickedViaTrackingID(t *testing.T) {
	f := newEventFixture(t)

	outcome, err := f.applier.Apply(context.Background(), Event{
		Kind:       EventClicked,
		TrackingID: "track-1",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome.Kind)

	rec := f.reloadRecord(t)
	assert.Equal(t, models.SendStatusClicked, rec.Status)
	assert.Equal(t, 1, rec.ClickCount)

	p := f.reloadProspect(t)
	assert.Equal(t, 1, p.TotalEmailsClicked)
}

func TestApplyHardBounceTerminatesOnce(t *testing.T) {
	f := newEventFixture(t)

	for i := 0; i < 2; i++ {
		outcome, err := f.applier.Apply(context.Background(), Event{
			Kind:      EventHardBounce,
			MessageID: "msg-1",
			Reason:    "mailbox unavailable",
		})
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, outcome.Kind)
	}

	rec := f.reloadRecord(t)
	assert.Equal(t, models.SendStatusBounced, rec.Status)
	assert.Equal(t, "hard", rec.BounceType)
	assert.Equal(t, "mailbox unavailable", rec.BounceReason)

	p := f.reloadProspect(t)
	assert.Equal(t, models.ProspectBounced, p.Status)
	assert.False(t, p.EmailVerified, "a hard bounce invalidates the address")
	assert.Equal(t, models.VerificationInvalid, p.VerificationStatus)

	e := f.reloadEnrollment(t)
	assert.Equal(t, models.EnrollmentStopped, e.Status)
	require.NotNil(t, e.StoppedReason)
	assert.Equal(t, "bounced", *e.StoppedReason)
	assert.Nil(t, e.NextSendAt)
}

func TestApplySoftBounceKeepsAddressVerified(t *testing.T) {
	f := newEventFixture(t)

	_, err := f.applier.Apply(context.Background(), Event{
		Kind:      EventSoftBounce,
		MessageID: "msg-1",
		Reason:    "mailbox full",
	})
	require.NoError(t, err)

	rec := f.reloadRecord(t)
	assert.Equal(t, "soft", rec.BounceType)

	p := f.reloadProspect(t)
	assert.Equal(t, models.ProspectBounced, p.Status)
	assert.True(t, p.EmailVerified, "soft bounces do not invalidate the address")
}

func TestApplyUnsubscribe(t *testing.T) {
	f := newEventFixture(t)

	_, err := f.applier.Apply(context.Background(), Event{
		Kind:      EventUnsubscribed,
		MessageID: "msg-1",
	})
	require.NoError(t, err)

	rec := f.reloadRecord(t)
	assert.Equal(t, models.SendStatusUnsubscribed, rec.Status)
	assert.NotNil(t, rec.UnsubscribedAt)

	p := f.reloadProspect(t)
	assert.Equal(t, models.ProspectUnsubscribed, p.Status)
	assert.True(t, p.IsDoNotContact)

	e := f.reloadEnrollment(t)
	assert.Equal(t, models.EnrollmentStopped, e.Status)
}

func TestBounceRespectsTemplateTriggers(t *testing.T) {
	f := newEventFixture(t)

	// This template does not subscribe to the bounced trigger.
	require.NoError(t, f.db.Model(&models.SequenceTemplate{}).
		Where("name = ?", "creator-outreach").
		Update("stop_on", []string{"replied"}).Error)

	_, err := f.applier.Apply(context.Background(), Event{
		Kind:      EventHardBounce,
		MessageID: "msg-1",
	})
	require.NoError(t, err)

	e := f.reloadEnrollment(t)
	assert.Equal(t, models.EnrollmentActive, e.Status,
		"templates choose their own stop triggers")
}

func TestMarkRepliedStopsOnce(t *testing.T) {
	f := newEventFixture(t)

	outcome, err := f.applier.MarkReplied(context.Background(), "jane@example.com")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome.Kind)
	assert.Equal(t, "reply", outcome.Reason)

	p := f.reloadProspect(t)
	assert.Equal(t, models.ProspectReplied, p.Status)
	require.NotNil(t, p.RepliedAt)
	firstRepliedAt := *p.RepliedAt

	e := f.reloadEnrollment(t)
	assert.Equal(t, models.EnrollmentStopped, e.Status)

	// A second reply changes nothing.
	outcome, err = f.applier.MarkReplied(context.Background(), "jane@example.com")
	require.NoError(t, err)
	assert.Equal(t, "repeat reply", outcome.Reason)

	p = f.reloadProspect(t)
	assert.WithinDuration(t, firstRepliedAt, *p.RepliedAt, time.Second)

	// Unknown addresses are discarded.
	outcome, err = f.applier.MarkReplied(context.Background(), "stranger@example.com")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDiscarded, outcome.Kind)
}

func TestParseEventKind(t *testing.T) {
	cases := map[string]EventKind{
		"delivered":    EventDelivered,
		"opened":       EventOpened,
		"uniqueOpened": EventOpened,
		"click":        EventClicked,
		"hardBounce":   EventHardBounce,
		"blocked":      EventHardBounce,
		"softBounce":   EventSoftBounce,
		"unsubscribed": EventUnsubscribed,
		"spam":         EventComplaint,
		"reply":        EventReply,
	}
	for name, want := range cases {
		kind, ok := ParseEventKind(name)
		assert.True(t, ok, name)
		assert.Equal(t, want, kind, name)
	}

	_, ok := ParseEventKind("somethingElse")
	assert.False(t, ok)
}
