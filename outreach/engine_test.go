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

type engineFixture struct {
	engine   *Engine
	db       *gorm.DB
	delivery *fakeDelivery
	budget   *RateBudget
	guard    *IdempotencyGuard
	clock    time.Time
}

func newEngineFixture(t *testing.T, limit int, opts EngineOptions) *engineFixture {
	t.Helper()
	db := setupTestDB(t)
	delivery := &fakeDelivery{}
	guard := NewIdempotencyGuard(newMemLeaseStore(), db)
	budget := NewRateBudget(newMemCounter(), limit)
	engine := NewEngine(db, guard, budget, delivery, NewTemplateRenderer(db), opts)

	f := &engineFixture{
		engine:   engine,
		db:       db,
		delivery: delivery,
		budget:   budget,
		guard:    guard,
		clock:    time.Date(2026, 3, 16, 10, 0, 0, 0, time.UTC), // a Monday
	}
	engine.now = func() time.Time { return f.clock }
	return f
}

func (f *engineFixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func (f *engineFixture) seedTemplates(t *testing.T) *models.SequenceTemplate {
	t.Helper()
	for _, name := range []string{"intro", "follow_up", "final"} {
		require.NoError(t, f.db.Create(&models.EmailTemplate{
			Name:            name,
			SubjectTemplate: "Hi {{.first_name}}",
			TextTemplate:    "Hello {{.first_name}}, this is " + name + ".",
			IsActive:        true,
		}).Error)
	}

	template := &models.SequenceTemplate{
		Name:       "creator-outreach",
		IsActive:   true,
		TotalSteps: 3,
		Steps: []models.TemplateStep{
			{BodyTemplate: "intro"},
			{BodyTemplate: "follow_up", DelayDays: 3},
			{BodyTemplate: "final", DelayDays: 3},
		},
		StopOn: []string{"replied", "bounced", "unsubscribed", "complained"},
	}
	require.NoError(t, f.db.Create(template).Error)
	return template
}

func (f *engineFixture) seedProspect(t *testing.T, email string) *models.Prospect {
	t.Helper()
	prospect := &models.Prospect{
		Email:              email,
		FullName:           "Jane Doe",
		Platform:           "youtube",
		RelevanceScore:     0.9,
		EmailVerified:      true,
		VerificationStatus: models.VerificationValid,
		Status:             models.ProspectEnriched,
	}
	require.NoError(t, f.db.Create(prospect).Error)
	return prospect
}

func TestEngineRunsFullSequence(t *testing.T) {
	f := newEngineFixture(t, 100, EngineOptions{})
	f.seedTemplates(t)
	prospect := f.seedProspect(t, "jane@example.com")

	enrollment, err := f.engine.Enroll(context.Background(), prospect.ID, "creator-outreach", map[string]string{
		"company": "Acme",
	})
	require.NoError(t, err)
	require.NotNil(t, enrollment.NextSendAt)
	assert.Equal(t, models.EnrollmentPending, enrollment.Status)

	// Step 1 is due immediately.
	result, err := f.engine.ProcessDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sent)
	assert.Equal(t, 0, result.Errors)
	require.Equal(t, 1, f.delivery.sentCount())
	assert.Equal(t, "Hi Jane", f.delivery.sent[0].Subject)
	assert.Contains(t, f.delivery.sent[0].TextBody, "this is intro")

	var reloaded models.Enrollment
	require.NoError(t, f.db.First(&reloaded, enrollment.ID).Error)
	assert.Equal(t, 1, reloaded.CurrentStep)
	assert.Equal(t, models.EnrollmentActive, reloaded.Status)
	require.NotNil(t, reloaded.NextSendAt)
	assert.WithinDuration(t, f.clock.Add(3*24*time.Hour), *reloaded.NextSendAt, time.Second)

	var updatedProspect models.Prospect
	require.NoError(t, f.db.First(&updatedProspect, prospect.ID).Error)
	assert.Equal(t, models.ProspectContacted, updatedProspect.Status)
	assert.Equal(t, 1, updatedProspect.TotalEmailsSent)
	assert.NotNil(t, updatedProspect.FirstContactedAt)

	// Nothing else is due until the delay elapses.
	result, err = f.engine.ProcessDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)

	f.advance(3*24*time.Hour + time.Minute)
	result, err = f.engine.ProcessDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sent)

	f.advance(3*24*time.Hour + time.Minute)
	result, err = f.engine.ProcessDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sent)

	require.NoError(t, f.db.First(&reloaded, enrollment.ID).Error)
	assert.Equal(t, models.EnrollmentCompleted, reloaded.Status)
	assert.Equal(t, 3, reloaded.CurrentStep)
	assert.Nil(t, reloaded.NextSendAt)
	assert.NotNil(t, reloaded.CompletedAt)

	var records int64
	require.NoError(t, f.db.Model(&models.SendRecord{}).Where("enrollment_id = ?", enrollment.ID).Count(&records).Error)
	assert.EqualValues(t, 3, records)
}

func TestEngineStopsAtDailyLimit(t *testing.T) {
	f := newEngineFixture(t, 2, EngineOptions{})
	f.seedTemplates(t)

	for _, email := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		p := f.seedProspect(t, email)
		_, err := f.engine.Enroll(context.Background(), p.ID, "creator-outreach", nil)
		require.NoError(t, err)
	}

	result, err := f.engine.ProcessDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Sent)
	assert.True(t, result.LimitReached)
	assert.Equal(t, 2, f.delivery.sentCount())

	// The budget is spent; the next pass sends nothing.
	result, err = f.engine.ProcessDue(context.Background())
	require.NoError(t, err)
	assert.True(t, result.LimitReached)
	assert.Equal(t, 0, result.Sent)

	// A new day restores the full budget for the third prospect.
	f.advance(24 * time.Hour)
	result, err = f.engine.ProcessDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sent)
}

func TestEngineDeliveryFailureLeavesCursorAlone(t *testing.T) {
	f := newEngineFixture(t, 100, EngineOptions{})
	f.seedTemplates(t)
	p := f.seedProspect(t, "jane@example.com")
	enrollment, err := f.engine.Enroll(context.Background(), p.ID, "creator-outreach", nil)
	require.NoError(t, err)

	f.delivery.failWith = errProviderDown
	result, err := f.engine.ProcessDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Errors)
	assert.Equal(t, 0, result.Sent)

	var reloaded models.Enrollment
	require.NoError(t, f.db.First(&reloaded, enrollment.ID).Error)
	assert.Equal(t, 0, reloaded.CurrentStep, "a failed send must not advance the cursor")

	var records int64
	require.NoError(t, f.db.Model(&models.SendRecord{}).Count(&records).Error)
	assert.Zero(t, records)

	// Budget slot stays consumed: failed attempts count by default.
	remaining, err := f.budget.Remaining(context.Background(), f.clock)
	require.NoError(t, err)
	assert.Equal(t, 99, remaining)

	// The failure released the claim, so the next pass retries the
	// same step and succeeds.
	f.delivery.failWith = nil
	result, err = f.engine.ProcessDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sent)
	assert.Equal(t, 1, f.delivery.sentCount())

	require.NoError(t, f.db.First(&reloaded, enrollment.ID).Error)
	assert.Equal(t, 1, reloaded.CurrentStep)
}

func TestEngineRefundsOnSendFailureWhenConfigured(t *testing.T) {
	f := newEngineFixture(t, 100, EngineOptions{RefundOnSendFailure: true})
	f.seedTemplates(t)
	p := f.seedProspect(t, "jane@example.com")
	_, err := f.engine.Enroll(context.Background(), p.ID, "creator-outreach", nil)
	require.NoError(t, err)

	f.delivery.failWith = errProviderDown
	_, err = f.engine.ProcessDue(context.Background())
	require.NoError(t, err)

	remaining, err := f.budget.Remaining(context.Background(), f.clock)
	require.NoError(t, err)
	assert.Equal(t, 100, remaining)
}

func TestEngineRecoversFromPersistedSendWithStaleCursor(t *testing.T) {
	f := newEngineFixture(t, 100, EngineOptions{})
	f.seedTemplates(t)
	p := f.seedProspect(t, "jane@example.com")
	enrollment, err := f.engine.Enroll(context.Background(), p.ID, "creator-outreach", nil)
	require.NoError(t, err)

	// A previous worker crashed after inserting the record but before
	// advancing the cursor.
	now := f.clock
	require.NoError(t, f.db.Create(&models.SendRecord{
		EnrollmentID:      enrollment.ID,
		StepNumber:        1,
		ProspectID:        p.ID,
		TemplateName:      "intro",
		ToEmail:           p.Email,
		ProviderMessageID: "msg-crashed",
		Status:            models.SendStatusSent,
		SentAt:            &now,
	}).Error)

	result, err := f.engine.ProcessDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 0, f.delivery.sentCount(), "the step was already sent")

	var reloaded models.Enrollment
	require.NoError(t, f.db.First(&reloaded, enrollment.ID).Error)
	assert.Equal(t, 1, reloaded.CurrentStep, "recovery advances past the recorded step")
}

func TestEngineStopsOnReply(t *testing.T) {
	f := newEngineFixture(t, 100, EngineOptions{})
	f.seedTemplates(t)
	p := f.seedProspect(t, "jane@example.com")
	enrollment, err := f.engine.Enroll(context.Background(), p.ID, "creator-outreach", nil)
	require.NoError(t, err)

	repliedAt := f.clock.Add(-time.Hour)
	require.NoError(t, f.db.Model(&models.Prospect{}).Where("id = ?", p.ID).
		Update("replied_at", repliedAt).Error)

	result, err := f.engine.ProcessDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 0, f.delivery.sentCount())

	var reloaded models.Enrollment
	require.NoError(t, f.db.First(&reloaded, enrollment.ID).Error)
	assert.Equal(t, models.EnrollmentStopped, reloaded.Status)
	require.NotNil(t, reloaded.StoppedReason)
	assert.Equal(t, "replied", *reloaded.StoppedReason)
}

func TestEngineNeverSelectsTerminalProspects(t *testing.T) {
	f := newEngineFixture(t, 100, EngineOptions{})
	f.seedTemplates(t)
	p := f.seedProspect(t, "jane@example.com")
	_, err := f.engine.Enroll(context.Background(), p.ID, "creator-outreach", nil)
	require.NoError(t, err)

	require.NoError(t, f.db.Model(&models.Prospect{}).Where("id = ?", p.ID).
		Update("status", models.ProspectBounced).Error)

	result, err := f.engine.ProcessDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)
}

func TestEngineCatchAllPolicy(t *testing.T) {
	setup := func(t *testing.T, opts EngineOptions) *engineFixture {
		f := newEngineFixture(t, 100, opts)
		f.seedTemplates(t)
		p := f.seedProspect(t, "jane@example.com")
		require.NoError(t, f.db.Model(&models.Prospect{}).Where("id = ?", p.ID).
			Update("verification_status", models.VerificationCatchAll).Error)
		_, err := f.engine.Enroll(context.Background(), p.ID, "creator-outreach", nil)
		require.NoError(t, err)
		return f
	}

	t.Run("excluded by default", func(t *testing.T) {
		f := setup(t, EngineOptions{})
		result, err := f.engine.ProcessDue(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, result.Processed)
	})

	t.Run("included when opted in", func(t *testing.T) {
		f := setup(t, EngineOptions{SendToCatchAll: true})
		result, err := f.engine.ProcessDue(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, result.Sent)
	})
}

func TestEngineCompletesEnrollmentPastShrunkTemplate(t *testing.T) {
	f := newEngineFixture(t, 100, EngineOptions{})
	template := f.seedTemplates(t)
	p := f.seedProspect(t, "jane@example.com")
	enrollment, err := f.engine.Enroll(context.Background(), p.ID, "creator-outreach", nil)
	require.NoError(t, err)

	// The template lost steps after enrollment.
	require.NoError(t, f.db.Model(&models.SequenceTemplate{}).Where("id = ?", template.ID).
		Updates(map[string]interface{}{
			"steps":       []models.TemplateStep{{BodyTemplate: "intro"}},
			"total_steps": 1,
		}).Error)
	require.NoError(t, f.db.Model(&models.Enrollment{}).Where("id = ?", enrollment.ID).
		Update("current_step", 2).Error)

	result, err := f.engine.ProcessDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)

	var reloaded models.Enrollment
	require.NoError(t, f.db.First(&reloaded, enrollment.ID).Error)
	assert.Equal(t, models.EnrollmentCompleted, reloaded.Status)
}

func TestEngineSkipsStepOnMissingTemplateWithoutSpendingBudget(t *testing.T) {
	f := newEngineFixture(t, 100, EngineOptions{})
	f.seedTemplates(t)
	require.NoError(t, f.db.Model(&models.EmailTemplate{}).Where("name = ?", "intro").
		Update("is_active", false).Error)
	p := f.seedProspect(t, "jane@example.com")
	_, err := f.engine.Enroll(context.Background(), p.ID, "creator-outreach", nil)
	require.NoError(t, err)

	result, err := f.engine.ProcessDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 0, f.delivery.sentCount())

	remaining, err := f.budget.Remaining(context.Background(), f.clock)
	require.NoError(t, err)
	assert.Equal(t, 100, remaining, "render happens before the budget is touched")
}

func TestEnrollRejectsDuplicatesAndThreshold(t *testing.T) {
	f := newEngineFixture(t, 100, EngineOptions{})
	f.seedTemplates(t)
	require.NoError(t, f.db.Model(&models.SequenceTemplate{}).
		Where("name = ?", "creator-outreach").
		Update("min_relevance_score", 0.5).Error)

	p := f.seedProspect(t, "jane@example.com")
	_, err := f.engine.Enroll(context.Background(), p.ID, "creator-outreach", nil)
	require.NoError(t, err)

	_, err = f.engine.Enroll(context.Background(), p.ID, "creator-outreach", nil)
	assert.ErrorIs(t, err, ErrAlreadyEnrolled)

	low := f.seedProspect(t, "low@example.com")
	require.NoError(t, f.db.Model(&models.Prospect{}).Where("id = ?", low.ID).
		Update("relevance_score", 0.1).Error)
	_, err = f.engine.Enroll(context.Background(), low.ID, "creator-outreach", nil)
	assert.ErrorIs(t, err, ErrBelowThreshold)

	_, err = f.engine.Enroll(context.Background(), p.ID, "no-such-sequence", nil)
	assert.ErrorIs(t, err, ErrSequenceNotFound)

	_, err = f.engine.Enroll(context.Background(), 9999, "creator-outreach", nil)
	assert.ErrorIs(t, err, ErrProspectNotFound)
}

func TestAutoEnrollSweepsQualifiedProspects(t *testing.T) {
	f := newEngineFixture(t, 100, EngineOptions{})
	f.seedTemplates(t)
	require.NoError(t, f.db.Model(&models.SequenceTemplate{}).
		Where("name = ?", "creator-outreach").
		Update("min_relevance_score", 0.5).Error)

	f.seedProspect(t, "a@example.com")
	f.seedProspect(t, "b@example.com")
	low := f.seedProspect(t, "low@example.com")
	require.NoError(t, f.db.Model(&models.Prospect{}).Where("id = ?", low.ID).
		Update("relevance_score", 0.1).Error)
	unverified := f.seedProspect(t, "unverified@example.com")
	require.NoError(t, f.db.Model(&models.Prospect{}).Where("id = ?", unverified.ID).
		Update("email_verified", false).Error)

	result, err := f.engine.AutoEnroll(context.Background(), "creator-outreach", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Enrolled)
	assert.Equal(t, 0, result.Errors)

	var count int64
	require.NoError(t, f.db.Model(&models.Enrollment{}).Count(&count).Error)
	assert.EqualValues(t, 2, count)
}

func TestNextSendTime(t *testing.T) {
	monday := time.Date(2026, 3, 16, 10, 0, 0, 0, time.UTC)

	t.Run("plain delay", func(t *testing.T) {
		got := NextSendTime(monday, models.TemplateStep{DelayDays: 2, DelayHours: 3})
		assert.Equal(t, monday.Add(51*time.Hour), got)
	})

	t.Run("preferred send time pushes forward", func(t *testing.T) {
		got := NextSendTime(monday, models.TemplateStep{SendTimePreference: "09:30"})
		// 09:30 already passed today, so the preference lands tomorrow.
		assert.Equal(t, time.Date(2026, 3, 17, 9, 30, 0, 0, time.UTC), got)
	})

	t.Run("weekend skipped", func(t *testing.T) {
		friday := time.Date(2026, 3, 20, 10, 0, 0, 0, time.UTC)
		got := NextSendTime(friday, models.TemplateStep{DelayDays: 1, SkipWeekends: true})
		assert.Equal(t, time.Weekday(time.Monday), got.Weekday())
	})
}
