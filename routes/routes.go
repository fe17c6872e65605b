package routes

import (
	"log"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"gorm.io/gorm"

	"reachflow/config"
	controller "reachflow/controllers"
	"reachflow/middleware"
	"reachflow/outreach"
	"reachflow/worker"
)

// Deps carries the shared components the route handlers need.
type Deps struct {
	DB      *gorm.DB
	Redis   *redis.Client
	Engine  *outreach.Engine
	Applier *outreach.EventApplier
	Hub     *worker.ProgressHub
}

func SetupPublicRoutes(app *fiber.App, deps Deps) {
	webhookController := controller.NewWebhookController(
		deps.DB, deps.Applier, config.AppConfig.WebhookSecret,
		log.New(os.Stdout, "WEBHOOK: ", log.LstdFlags),
	)

	// Tracking and webhook endpoints authenticate with their own
	// signatures, not bearer tokens; rate limiting is their only
	// other guard.
	public := app.Group("", middleware.PublicRateLimiter(300, deps.Redis))
	public.Post("/webhooks/email", webhookController.HandleProviderWebhook)
	public.Get("/track/open/:trackingID/:token", webhookController.HandleOpenTracking)
	public.Get("/track/click/:trackingID/:token", webhookController.HandleClickTracking)
}

func SetupAPIRoutes(app *fiber.App, deps Deps) {
	sequenceController := controller.NewSequenceController(
		deps.DB, deps.Engine, log.New(os.Stdout, "SEQUENCE: ", log.LstdFlags))
	prospectController := controller.NewProspectController(
		deps.DB, log.New(os.Stdout, "PROSPECT: ", log.LstdFlags))

	// API group with versioning and protection
	api := app.Group("/api/v1", middleware.Protected(), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Prospect routes
	prospect := api.Group("/prospects")
	prospect.Post("/", prospectController.CreateProspect)
	prospect.Get("/", prospectController.ListProspects)
	prospect.Get("/:id", prospectController.GetProspect)
	prospect.Post("/:id/verify", prospectController.VerifyProspect)
	prospect.Post("/:id/do-not-contact", prospectController.MarkDoNotContact)

	// Sequence template routes
	sequence := api.Group("/sequences")
	sequence.Post("/", sequenceController.CreateSequenceTemplate)
	sequence.Get("/", sequenceController.ListSequenceTemplates)
	sequence.Get("/:id/stats", sequenceController.GetSequenceStats)

	// Email template routes
	template := api.Group("/templates")
	template.Post("/", sequenceController.CreateEmailTemplate)
	template.Get("/", sequenceController.ListEmailTemplates)

	// Enrollment routes
	enrollment := api.Group("/enrollments")
	enrollment.Post("/", sequenceController.EnrollProspect)
	enrollment.Post("/auto", sequenceController.AutoEnroll)
	enrollment.Get("/:id", sequenceController.GetEnrollment)
	enrollment.Post("/:id/stop", sequenceController.StopEnrollment)

	// WebSocket route for pass progress
	app.Get("/api/v1/engine/progress", websocket.New(controller.HandleEngineProgressWS(deps.Hub)))

	log.Println("API routes initialized successfully")
}

func SetupRoutes(app *fiber.App, deps Deps) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	SetupPublicRoutes(app, deps)
	SetupAPIRoutes(app, deps)

	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}
