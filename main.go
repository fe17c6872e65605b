package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"

	"reachflow/config"
	"reachflow/middleware"
	"reachflow/outreach"
	"reachflow/routes"
	"reachflow/utils"
	"reachflow/worker"
)

func main() {
	logger := log.New(os.Stdout, "ENGINE: ", log.Ldate|log.Ltime|log.Lshortfile)

	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	if config.AppConfig.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.AppConfig.SentryDSN,
			Environment: config.AppConfig.Environment,
		}); err != nil {
			logger.Printf("Sentry initialization failed: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	redisClient, err := config.ConnectRedis()
	if err != nil {
		logger.Fatalf("Failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	utils.VerifierIdentity.HeloDomain = utils.ExtractDomain(config.AppConfig.SenderEmail)
	utils.VerifierIdentity.FromEmail = config.AppConfig.SenderEmail

	// Core engine wiring
	guard := outreach.NewIdempotencyGuard(outreach.NewRedisLeaseStore(redisClient), config.DB)
	budget := outreach.NewRateBudget(outreach.NewRedisCounter(redisClient), config.AppConfig.DailyEmailLimit)
	renderer := outreach.NewTemplateRenderer(config.DB)

	var delivery outreach.Delivery
	if config.AppConfig.BrevoAPIKey != "" {
		delivery = outreach.NewBrevoClient(
			config.AppConfig.BrevoBaseURL,
			config.AppConfig.BrevoAPIKey,
			config.AppConfig.SenderEmail,
			config.AppConfig.SenderName,
			config.AppConfig.ReplyToEmail,
		)
	} else {
		delivery = outreach.NewSMTPMailer(
			config.AppConfig.SMTPHost,
			config.AppConfig.SMTPPort,
			config.AppConfig.SMTPUsername,
			config.AppConfig.SMTPPassword,
			config.AppConfig.SenderEmail,
			config.AppConfig.SenderName,
		)
	}

	engine := outreach.NewEngine(config.DB, guard, budget, delivery, renderer, outreach.EngineOptions{
		SendToCatchAll:      config.AppConfig.SendToCatchAll,
		RefundOnSendFailure: config.AppConfig.RefundOnSendFailure,
		SendDelay:           config.AppConfig.SendDelay,
		TrackingBaseURL:     config.AppConfig.TrackingBaseURL,
		TrackingSecret:      config.AppConfig.WebhookSecret,
	})
	applier := outreach.NewEventApplier(config.DB)
	hub := worker.NewProgressHub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sequenceWorker := worker.NewSequenceWorker(engine, guard, hub,
		log.New(os.Stdout, "SEQUENCE: ", log.LstdFlags),
		config.AppConfig.PollInterval)
	go sequenceWorker.Start(ctx)

	replyWorker := worker.NewReplyWorker(config.DB, applier, config.AppConfig.ReplyIMAP,
		log.New(os.Stdout, "REPLY: ", log.LstdFlags))
	go replyWorker.Start(ctx)

	app := fiber.New()
	app.Use(middleware.CORS())

	routes.SetupRoutes(app, routes.Deps{
		DB:      config.DB,
		Redis:   redisClient,
		Engine:  engine,
		Applier: applier,
		Hub:     hub,
	})

	// Stop workers and drain connections on SIGINT/SIGTERM
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logger.Println("Shutting down...")
		cancel()
		_ = app.ShutdownWithTimeout(10 * time.Second)
	}()

	logger.Printf("Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}
