package controller

import (
	"errors"
	"log"
	"strings"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"reachflow/models"
	"reachflow/utils"
)

// ProspectController manages the contact list feeding the sequences.
type ProspectController struct {
	DB     *gorm.DB
	Logger *log.Logger
}

func NewProspectController(db *gorm.DB, logger *log.Logger) *ProspectController {
	return &ProspectController{DB: db, Logger: logger}
}

type createProspectInput struct {
	Email          string  `json:"email" validate:"required,email"`
	FullName       string  `json:"full_name"`
	Company        string  `json:"company"`
	Platform       string  `json:"platform"`
	Handle         string  `json:"handle"`
	RelevanceScore float64 `json:"relevance_score" validate:"min=0,max=1"`
	Source         string  `json:"source"`
}

// CreateProspect handles POST /api/prospects
func (pc *ProspectController) CreateProspect(c *fiber.Ctx) error {
	var input createProspectInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity, "Validation failed", err)
	}

	email := strings.ToLower(strings.TrimSpace(input.Email))

	var existing models.Prospect
	err := pc.DB.Where("email = ?", email).First(&existing).Error
	if err == nil {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Prospect with this email already exists", nil)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to check existing prospect", err)
	}

	prospect := models.Prospect{
		Email:          email,
		FullName:       input.FullName,
		Company:        input.Company,
		Platform:       input.Platform,
		Handle:         input.Handle,
		RelevanceScore: input.RelevanceScore,
		Source:         input.Source,
		Status:         models.ProspectDiscovered,
	}
	if err := pc.DB.Create(&prospect).Error; err != nil {
		pc.Logger.Printf("Failed to create prospect: %v", err)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create prospect", err)
	}

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(prospect))
}

// ListProspects handles GET /api/prospects with optional status filter
// and pagination.
func (pc *ProspectController) ListProspects(c *fiber.Ctx) error {
	page := c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}

	query := pc.DB.Model(&models.Prospect{})
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	if platform := c.Query("platform"); platform != "" {
		query = query.Where("platform = ?", platform)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to count prospects", err)
	}

	var prospects []models.Prospect
	err := query.
		Order("relevance_score DESC, id ASC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&prospects).Error
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch prospects", err)
	}

	return c.JSON(utils.SuccessResponse(utils.PaginatedResponse{
		Data:  prospects,
		Total: total,
		Page:  page,
		Limit: limit,
	}))
}

// GetProspect handles GET /api/prospects/:id
func (pc *ProspectController) GetProspect(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))

	var prospect models.Prospect
	err := pc.DB.Preload("Enrollments").First(&prospect, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Prospect not found", nil)
	}
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch prospect", err)
	}

	return c.JSON(utils.SuccessResponse(prospect))
}

// VerifyProspect handles POST /api/prospects/:id/verify. The SMTP
// probe can take many seconds; callers should treat this as a slow
// endpoint.
func (pc *ProspectController) VerifyProspect(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))

	var prospect models.Prospect
	if err := pc.DB.First(&prospect, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Prospect not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch prospect", err)
	}

	result, err := utils.VerifyEmailAddress(prospect.Email)
	if err != nil {
		pc.Logger.Printf("Verification of prospect %d failed: %v", id, err)
		return utils.ErrorResponse(c, fiber.StatusBadGateway, "Verification failed", err)
	}

	err = pc.DB.Model(&prospect).Updates(map[string]interface{}{
		"verification_status": result.Status,
		"email_verified":      result.Status == models.VerificationValid || result.Status == models.VerificationCatchAll,
	}).Error
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to store verification result", err)
	}

	// WHOIS output is large and only useful for debugging
	result.WHOIS = ""
	return c.JSON(utils.SuccessResponse(result))
}

// MarkDoNotContact handles POST /api/prospects/:id/do-not-contact
func (pc *ProspectController) MarkDoNotContact(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))

	res := pc.DB.Model(&models.Prospect{}).
		Where("id = ?", id).
		Update("is_do_not_contact", true)
	if res.Error != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update prospect", res.Error)
	}
	if res.RowsAffected == 0 {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Prospect not found", nil)
	}

	res = pc.DB.Model(&models.Enrollment{}).
		Where("prospect_id = ? AND status IN ('pending', 'active')", id).
		Updates(map[string]interface{}{
			"status":         models.EnrollmentStopped,
			"stopped_reason": "do_not_contact",
			"next_send_at":   nil,
		})
	if res.Error != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to stop enrollments", res.Error)
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"do_not_contact":      true,
		"enrollments_stopped": res.RowsAffected,
	}))
}
