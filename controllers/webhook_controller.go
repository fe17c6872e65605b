package controller

import (
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"reachflow/outreach"
	"reachflow/utils"
)

// WebhookController ingests delivery-provider callbacks and the
// first-party tracking endpoints (open pixel, click redirect).
type WebhookController struct {
	DB      *gorm.DB
	Applier *outreach.EventApplier
	Secret  string
	Logger  *log.Logger
}

func NewWebhookController(db *gorm.DB, applier *outreach.EventApplier, secret string, logger *log.Logger) *WebhookController {
	return &WebhookController{
		DB:      db,
		Applier: applier,
		Secret:  secret,
		Logger:  logger,
	}
}

// providerEvent mirrors the Brevo webhook payload. Field names with
// dashes come straight from their docs.
type providerEvent struct {
	Event     string `json:"event"`
	MessageID string `json:"message-id"`
	Email     string `json:"email"`
	Timestamp int64  `json:"ts"`
	Date      string `json:"date"`
	Reason    string `json:"reason"`
}

// HandleProviderWebhook verifies the signature and folds the event in.
// Anything after a valid signature answers 200: providers retry non-2xx
// responses forever, and a malformed or unknown event will never get
// better on redelivery.
func (wc *WebhookController) HandleProviderWebhook(c *fiber.Ctx) error {
	body := c.Body()
	if !utils.VerifyWebhookSignature(body, c.Get("X-Webhook-Signature"), wc.Secret) {
		wc.Logger.Printf("webhook rejected: bad signature from %s", c.IP())
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "invalid signature",
		})
	}

	var input providerEvent
	if err := c.BodyParser(&input); err != nil {
		wc.Logger.Printf("webhook body unparseable: %v", err)
		return c.JSON(fiber.Map{"status": "discarded"})
	}

	kind, ok := outreach.ParseEventKind(input.Event)
	if !ok {
		return c.JSON(fiber.Map{"status": "discarded"})
	}

	var ts time.Time
	if input.Timestamp > 0 {
		ts = time.Unix(input.Timestamp, 0).UTC()
	}

	outcome, err := wc.Applier.Apply(c.Context(), outreach.Event{
		Kind:      kind,
		MessageID: input.MessageID,
		Email:     input.Email,
		Timestamp: ts,
		Reason:    input.Reason,
	})
	if err != nil {
		wc.Logger.Printf("webhook apply failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "event not applied",
		})
	}

	return c.JSON(fiber.Map{
		"status": outcome.Kind.String(),
		"reason": outcome.Reason,
	})
}

// HandleOpenTracking serves the open pixel. The response is always the
// pixel once the token checks out; a failed stat update must not break
// image rendering in the recipient's client.
func (wc *WebhookController) HandleOpenTracking(c *fiber.Ctx) error {
	trackingID := c.Params("trackingID")
	token := c.Params("token")

	if !utils.ValidTrackingToken(trackingID, token, wc.Secret) {
		return c.Status(fiber.StatusBadRequest).SendString("invalid token")
	}

	if _, err := wc.Applier.Apply(c.Context(), outreach.Event{
		Kind:       outreach.EventOpened,
		TrackingID: trackingID,
	}); err != nil {
		wc.Logger.Printf("open tracking apply failed: %v", err)
	}

	return c.Type("gif").Send(transparentPixel())
}

// HandleClickTracking records the click and redirects to the original URL.
func (wc *WebhookController) HandleClickTracking(c *fiber.Ctx) error {
	trackingID := c.Params("trackingID")
	token := c.Params("token")
	originalURL := c.Query("url")

	if !utils.ValidTrackingToken(trackingID, token, wc.Secret) {
		return c.Status(fiber.StatusBadRequest).SendString("invalid token")
	}
	if originalURL == "" {
		return c.Status(fiber.StatusBadRequest).SendString("missing url")
	}

	if _, err := wc.Applier.Apply(c.Context(), outreach.Event{
		Kind:       outreach.EventClicked,
		TrackingID: trackingID,
	}); err != nil {
		wc.Logger.Printf("click tracking apply failed: %v", err)
	}

	return c.Redirect(originalURL, fiber.StatusFound)
}

func transparentPixel() []byte {
	// 1x1 transparent GIF
	return []byte{
		0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
		0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x21,
		0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00,
		0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44,
		0x01, 0x00, 0x3b,
	}
}
