package controller

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"reachflow/models"
	"reachflow/outreach"
	"reachflow/utils"
)

// SequenceController manages sequence templates, email templates, and
// enrollments.
type SequenceController struct {
	DB     *gorm.DB
	Engine *outreach.Engine
	Logger *log.Logger
}

func NewSequenceController(db *gorm.DB, engine *outreach.Engine, logger *log.Logger) *SequenceController {
	return &SequenceController{
		DB:     db,
		Engine: engine,
		Logger: logger,
	}
}

type stepInput struct {
	BodyTemplate       string   `json:"body_template" validate:"required"`
	DelayDays          int      `json:"delay_days" validate:"min=0"`
	DelayHours         int      `json:"delay_hours" validate:"min=0,max=23"`
	SendTimePreference string   `json:"send_time_preference"`
	SkipWeekends       bool     `json:"skip_weekends"`
	SkipIf             []string `json:"skip_if" validate:"dive,oneof=opened clicked replied"`
}

type createSequenceInput struct {
	Name              string      `json:"name" validate:"required,min=2,max=100"`
	Description       string      `json:"description"`
	StopOn            []string    `json:"stop_on" validate:"dive,oneof=replied bounced unsubscribed complained"`
	MinRelevanceScore float64     `json:"min_relevance_score" validate:"min=0,max=1"`
	Steps             []stepInput `json:"steps" validate:"required,min=1,dive"`
}

// CreateSequenceTemplate handles POST /api/sequences
func (sc *SequenceController) CreateSequenceTemplate(c *fiber.Ctx) error {
	var input createSequenceInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity, "Validation failed", err)
	}

	steps := make([]models.TemplateStep, 0, len(input.Steps))
	for _, s := range input.Steps {
		steps = append(steps, models.TemplateStep{
			BodyTemplate:       s.BodyTemplate,
			DelayDays:          s.DelayDays,
			DelayHours:         s.DelayHours,
			SendTimePreference: s.SendTimePreference,
			SkipWeekends:       s.SkipWeekends,
			SkipIf:             s.SkipIf,
		})
	}

	template := models.SequenceTemplate{
		Name:              input.Name,
		Description:       input.Description,
		IsActive:          true,
		TotalSteps:        len(steps),
		Steps:             steps,
		StopOn:            input.StopOn,
		MinRelevanceScore: input.MinRelevanceScore,
	}
	if err := sc.DB.Create(&template).Error; err != nil {
		sc.Logger.Printf("Failed to create sequence template: %v", err)
		return utils.ErrorResponse(c, fiber.StatusConflict, "Failed to create sequence template", err)
	}

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(template))
}

// ListSequenceTemplates handles GET /api/sequences
func (sc *SequenceController) ListSequenceTemplates(c *fiber.Ctx) error {
	var templates []models.SequenceTemplate
	if err := sc.DB.Order("created_at DESC").Find(&templates).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch sequence templates", err)
	}
	return c.JSON(utils.SuccessResponse(templates))
}

type createEmailTemplateInput struct {
	Name            string `json:"name" validate:"required,min=2,max=100"`
	SubjectTemplate string `json:"subject_template" validate:"required"`
	HTMLTemplate    string `json:"html_template"`
	TextTemplate    string `json:"text_template"`
}

// CreateEmailTemplate handles POST /api/templates
func (sc *SequenceController) CreateEmailTemplate(c *fiber.Ctx) error {
	var input createEmailTemplateInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity, "Validation failed", err)
	}
	if input.HTMLTemplate == "" && input.TextTemplate == "" {
		return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity, "Template needs an HTML or text body", nil)
	}

	template := models.EmailTemplate{
		Name:            input.Name,
		SubjectTemplate: input.SubjectTemplate,
		HTMLTemplate:    input.HTMLTemplate,
		TextTemplate:    input.TextTemplate,
		IsActive:        true,
	}
	if err := sc.DB.Create(&template).Error; err != nil {
		sc.Logger.Printf("Failed to create email template: %v", err)
		return utils.ErrorResponse(c, fiber.StatusConflict, "Failed to create email template", err)
	}

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(template))
}

// ListEmailTemplates handles GET /api/templates
func (sc *SequenceController) ListEmailTemplates(c *fiber.Ctx) error {
	var templates []models.EmailTemplate
	if err := sc.DB.Order("created_at DESC").Find(&templates).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch email templates", err)
	}
	return c.JSON(utils.SuccessResponse(templates))
}

type enrollInput struct {
	ProspectID   uint              `json:"prospect_id" validate:"required"`
	SequenceName string            `json:"sequence_name" validate:"required"`
	Extra        map[string]string `json:"extra"`
}

// EnrollProspect handles POST /api/enrollments
func (sc *SequenceController) EnrollProspect(c *fiber.Ctx) error {
	var input enrollInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity, "Validation failed", err)
	}

	enrollment, err := sc.Engine.Enroll(c.Context(), input.ProspectID, input.SequenceName, input.Extra)
	if err != nil {
		switch {
		case errors.Is(err, outreach.ErrProspectNotFound),
			errors.Is(err, outreach.ErrSequenceNotFound):
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Enrollment failed", err)
		case errors.Is(err, outreach.ErrAlreadyEnrolled),
			errors.Is(err, outreach.ErrAlreadyContacted):
			return utils.ErrorResponse(c, fiber.StatusConflict, "Enrollment failed", err)
		case errors.Is(err, outreach.ErrNoEmail),
			errors.Is(err, outreach.ErrNotContactable),
			errors.Is(err, outreach.ErrBelowThreshold):
			return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity, "Enrollment failed", err)
		}
		sc.Logger.Printf("Failed to enroll prospect %d: %v", input.ProspectID, err)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Enrollment failed", err)
	}

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(enrollment))
}

type autoEnrollInput struct {
	SequenceName string `json:"sequence_name" validate:"required"`
	Limit        int    `json:"limit" validate:"min=0,max=1000"`
}

// AutoEnroll handles POST /api/enrollments/auto
func (sc *SequenceController) AutoEnroll(c *fiber.Ctx) error {
	var input autoEnrollInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity, "Validation failed", err)
	}
	if input.Limit == 0 {
		input.Limit = 100
	}

	result, err := sc.Engine.AutoEnroll(c.Context(), input.SequenceName, input.Limit)
	if err != nil {
		if errors.Is(err, outreach.ErrSequenceNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Auto-enroll failed", err)
		}
		sc.Logger.Printf("Auto-enroll failed: %v", err)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Auto-enroll failed", err)
	}

	return c.JSON(utils.SuccessResponse(result))
}

// GetEnrollment handles GET /api/enrollments/:id
func (sc *SequenceController) GetEnrollment(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))

	var enrollment models.Enrollment
	err := sc.DB.
		Preload("SendRecords").
		First(&enrollment, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Enrollment not found", nil)
	}
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch enrollment", err)
	}

	return c.JSON(utils.SuccessResponse(enrollment))
}

// StopEnrollment handles POST /api/enrollments/:id/stop
func (sc *SequenceController) StopEnrollment(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))

	res := sc.DB.Model(&models.Enrollment{}).
		Where("id = ? AND status IN ('pending', 'active')", id).
		Updates(map[string]interface{}{
			"status":         models.EnrollmentStopped,
			"stopped_reason": "manual",
			"next_send_at":   nil,
		})
	if res.Error != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to stop enrollment", res.Error)
	}
	if res.RowsAffected == 0 {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "No live enrollment with that id", nil)
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{"stopped": true}))
}

// GetSequenceStats handles GET /api/sequences/:id/stats
func (sc *SequenceController) GetSequenceStats(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))

	var template models.SequenceTemplate
	if err := sc.DB.First(&template, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch sequence", err)
	}

	var stats struct {
		Enrollments  int64 `json:"enrollments"`
		Active       int64 `json:"active"`
		Completed    int64 `json:"completed"`
		Stopped      int64 `json:"stopped"`
		EmailsSent   int64 `json:"emails_sent"`
		UniqueOpens  int64 `json:"unique_opens"`
		UniqueClicks int64 `json:"unique_clicks"`
		Bounces      int64 `json:"bounces"`
	}

	err := sc.DB.Raw(`
		SELECT
			COUNT(DISTINCT e.id) AS enrollments,
			COUNT(DISTINCT CASE WHEN e.status IN ('pending', 'active') THEN e.id END) AS active,
			COUNT(DISTINCT CASE WHEN e.status = 'completed' THEN e.id END) AS completed,
			COUNT(DISTINCT CASE WHEN e.status = 'stopped' THEN e.id END) AS stopped,
			COUNT(sr.id) AS emails_sent,
			COUNT(CASE WHEN sr.first_opened_at IS NOT NULL THEN 1 END) AS unique_opens,
			COUNT(CASE WHEN sr.first_clicked_at IS NOT NULL THEN 1 END) AS unique_clicks,
			COUNT(CASE WHEN sr.status = 'bounced' THEN 1 END) AS bounces
		FROM enrollments e
		LEFT JOIN send_records sr ON sr.enrollment_id = e.id AND sr.deleted_at IS NULL
		WHERE e.template_id = ? AND e.deleted_at IS NULL`, id).Scan(&stats).Error
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to compute stats", err)
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"sequence": template.Name,
		"stats":    stats,
	}))
}
