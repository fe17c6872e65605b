package outreach

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"reachflow/models"
)

var (
	ErrProspectNotFound = errors.New("prospect not found")
	ErrNoEmail          = errors.New("prospect has no email address")
	ErrNotContactable   = errors.New("prospect is not contactable")
	ErrAlreadyContacted = errors.New("prospect was already contacted")
	ErrAlreadyEnrolled  = errors.New("prospect already has a live enrollment")
	ErrSequenceNotFound = errors.New("sequence template not found")
	ErrBelowThreshold   = errors.New("prospect relevance below sequence threshold")
)

// Enroll places a prospect into a sequence. The first step's delay is
// applied from enrollment time, so a zero-delay first step is due
// immediately on the next pass.
func (en *Engine) Enroll(ctx context.Context, prospectID uint, sequenceName string, extra map[string]string) (*models.Enrollment, error) {
	var prospect models.Prospect
	if err := en.db.WithContext(ctx).First(&prospect, prospectID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProspectNotFound
		}
		return nil, fmt.Errorf("load prospect: %w", err)
	}
	if prospect.Email == "" {
		return nil, ErrNoEmail
	}
	if !prospect.Contactable() {
		return nil, ErrNotContactable
	}
	if prospect.FirstContactedAt != nil {
		return nil, ErrAlreadyContacted
	}

	var template models.SequenceTemplate
	err := en.db.WithContext(ctx).
		Where("name = ? AND is_active = ?", sequenceName, true).
		First(&template).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSequenceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load sequence: %w", err)
	}
	if len(template.Steps) == 0 {
		return nil, fmt.Errorf("sequence %s has no steps", sequenceName)
	}
	if prospect.RelevanceScore < template.MinRelevanceScore {
		return nil, ErrBelowThreshold
	}

	var live int64
	err = en.db.WithContext(ctx).Model(&models.Enrollment{}).
		Where("prospect_id = ? AND status IN ('pending', 'active')", prospectID).
		Count(&live).Error
	if err != nil {
		return nil, fmt.Errorf("enrollment lookup: %w", err)
	}
	if live > 0 {
		return nil, ErrAlreadyEnrolled
	}

	firstSend := NextSendTime(en.now().UTC(), template.Steps[0])
	enrollment := models.Enrollment{
		ProspectID:          prospectID,
		TemplateID:          template.ID,
		SequenceName:        template.Name,
		TotalSteps:          len(template.Steps),
		CurrentStep:         0,
		Status:              models.EnrollmentPending,
		NextSendAt:          &firstSend,
		PersonalizationData: buildPersonalization(&prospect, extra),
	}
	if err := en.db.WithContext(ctx).Create(&enrollment).Error; err != nil {
		return nil, fmt.Errorf("create enrollment: %w", err)
	}

	log.WithFields(log.Fields{
		"enrollment_id": enrollment.ID,
		"prospect_id":   prospectID,
		"sequence":      template.Name,
		"first_send_at": firstSend,
	}).Info("prospect enrolled")
	return &enrollment, nil
}

// AutoEnrollResult summarizes one auto-enrollment sweep.
type AutoEnrollResult struct {
	Enrolled int `json:"enrolled"`
	Skipped  int `json:"skipped"`
	Errors   int `json:"errors"`
}

// AutoEnroll sweeps qualified prospects into a sequence: verified
// address, still uncontacted, relevance at or above the sequence
// threshold, and no live enrollment.
func (en *Engine) AutoEnroll(ctx context.Context, sequenceName string, limit int) (AutoEnrollResult, error) {
	var result AutoEnrollResult

	var template models.SequenceTemplate
	err := en.db.WithContext(ctx).
		Where("name = ? AND is_active = ?", sequenceName, true).
		First(&template).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return result, ErrSequenceNotFound
	}
	if err != nil {
		return result, fmt.Errorf("load sequence: %w", err)
	}

	var prospects []models.Prospect
	err = en.db.WithContext(ctx).
		Where("email <> ''").
		Where("email_verified = ?", true).
		Where("is_do_not_contact = ?", false).
		Where("first_contacted_at IS NULL").
		Where("status IN ('discovered', 'enriched')").
		Where("relevance_score >= ?", template.MinRelevanceScore).
		Where("NOT EXISTS (SELECT 1 FROM enrollments WHERE enrollments.prospect_id = prospects.id AND enrollments.status IN ('pending', 'active') AND enrollments.deleted_at IS NULL)").
		Order("relevance_score DESC").
		Limit(limit).
		Find(&prospects).Error
	if err != nil {
		return result, fmt.Errorf("prospect query: %w", err)
	}

	for _, p := range prospects {
		if ctx.Err() != nil {
			break
		}
		_, err := en.Enroll(ctx, p.ID, sequenceName, nil)
		switch {
		case err == nil:
			result.Enrolled++
		case errors.Is(err, ErrAlreadyEnrolled),
			errors.Is(err, ErrAlreadyContacted),
			errors.Is(err, ErrBelowThreshold),
			errors.Is(err, ErrNotContactable):
			result.Skipped++
		default:
			result.Errors++
			log.WithError(err).WithField("prospect_id", p.ID).Error("auto-enroll failed")
		}
	}

	log.WithFields(log.Fields{
		"sequence": sequenceName,
		"enrolled": result.Enrolled,
		"skipped":  result.Skipped,
		"errors":   result.Errors,
	}).Info("auto-enroll sweep complete")
	return result, nil
}

func buildPersonalization(p *models.Prospect, extra map[string]string) map[string]string {
	firstName := ""
	if fields := strings.Fields(p.FullName); len(fields) > 0 {
		firstName = fields[0]
	}
	data := map[string]string{
		"first_name": firstName,
		"full_name":  p.FullName,
		"company":    p.Company,
		"platform":   p.Platform,
		"handle":     p.Handle,
	}
	for k, v := range extra {
		data[k] = v
	}
	return data
}
