package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/grantscope/creditmeter/internal/api"
	"github.com/grantscope/creditmeter/internal/config"
	"github.com/grantscope/creditmeter/internal/services/billing"
	"github.com/grantscope/creditmeter/internal/services/database"
	"github.com/grantscope/creditmeter/internal/services/ledger"
	"github.com/grantscope/creditmeter/internal/services/middleware"
	"github.com/grantscope/creditmeter/internal/services/reporting"
	"github.com/grantscope/creditmeter/internal/services/scheduler"
	"github.com/grantscope/creditmeter/internal/services/usage"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
)

// App is one CreditMeter server instance.
type App struct {
	config *config.Config
	app    *fiber.App
	db     *database.DB
	redis  *redis.Client
}

type services struct {
	ledger    *ledger.Service
	usage     *usage.Service
	catalog   *billing.Catalog
	gateway   *billing.Gateway
	stripe    *billing.StripeService
	retry     *billing.RetryWorker
	scheduler *scheduler.CreditResetScheduler
	reporting *reporting.Service
}

// New creates a new App instance with the given configuration.
// The cfg parameter is required and must not be nil.
func New(cfg *config.Config) *App {
	if cfg == nil {
		panic("config cannot be nil - use config.LoadFromFile() to create config")
	}
	return &App{config: cfg}
}

// Run starts the server and blocks until shutdown.
func (a *App) Run() error {
	if err := a.config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	setupLogLevel(a.config)

	listenAddr := ":" + a.config.Server.Port

	a.app = createFiberApp(a.config)

	db, err := database.New(a.config.Database)
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}
	a.db = db
	defer func() {
		if err := a.db.Close(); err != nil {
			fiberlog.Errorf("Failed to close database connection: %v", err)
		}
	}()

	a.redis, err = createRedisClient(a.config)
	if err != nil {
		return err
	}
	if a.redis != nil {
		defer func() {
			if err := a.redis.Close(); err != nil {
				fiberlog.Errorf("Failed to close Redis client: %v", err)
			}
		}()
	}

	svcs, err := a.initializeServices()
	if err != nil {
		return err
	}

	setupMiddleware(a.app, a.config)
	a.setupRoutes(svcs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go svcs.scheduler.Start(ctx)
	defer svcs.scheduler.Stop()
	go svcs.retry.Start(ctx)
	defer svcs.retry.Stop()
	if svcs.reporting != nil {
		go svcs.reporting.Start(ctx)
		defer svcs.reporting.Stop()
	}

	fiberlog.Infof("CreditMeter starting on %s (environment: %s)", listenAddr, a.config.Server.Environment)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)

	serverErrChan := make(chan error, 1)
	go func() {
		if err := a.app.Listen(listenAddr); err != nil {
			serverErrChan <- err
		}
	}()

	select {
	case sig := <-sigChan:
		fiberlog.Infof("Received signal: %v. Starting graceful shutdown...", sig)
	case err := <-serverErrChan:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		fiberlog.Info("Context cancelled, starting shutdown...")
	}

	if err := a.app.ShutdownWithTimeout(30 * time.Second); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	fiberlog.Info("Server shutdown completed successfully")

	return nil
}

func (a *App) initializeServices() (*services, error) {
	ledgerService := ledger.NewService(a.db.DB)
	if err := ledgerService.AutoMigrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate ledger tables: %w", err)
	}

	catalog := billing.NewCatalog(a.db.DB)
	if err := catalog.AutoMigrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate catalog tables: %w", err)
	}

	gateway := billing.NewGateway(a.db.DB, ledgerService, catalog, a.config.Billing.AllowRefundWriteOff)
	if err := gateway.AutoMigrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate gateway tables: %w", err)
	}

	seedCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := catalog.Seed(seedCtx, a.config.Billing.Plans, a.config.Billing.Packages); err != nil {
		return nil, fmt.Errorf("failed to seed catalog: %w", err)
	}

	svcs := &services{
		ledger:  ledgerService,
		usage:   usage.NewService(ledgerService, a.config.Billing.ConsumeRPM),
		catalog: catalog,
		gateway: gateway,
		stripe: billing.NewStripeService(
			a.config.Billing.Stripe,
			a.db.DB,
			gateway,
			a.config.Billing.SuccessURL,
			a.config.Billing.CancelURL,
		),
		retry: billing.NewRetryWorker(gateway, a.config.Billing.RetrySweepInterval.Std(), a.config.Billing.MaxWebhookAttempts),
		scheduler: scheduler.NewCreditResetScheduler(
			a.db.DB,
			ledgerService,
			catalog,
			a.redis,
			a.config.Billing.ResetInterval.Std(),
		),
	}

	if a.config.Reporting.Enabled {
		archive, err := database.New(a.config.Reporting.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect reporting database: %w", err)
		}
		svcs.reporting = reporting.NewService(a.db.DB, archive.DB, a.config.Reporting.BatchSize, a.config.Reporting.ExportInterval.Std())
		if err := svcs.reporting.AutoMigrate(); err != nil {
			return nil, fmt.Errorf("failed to migrate reporting tables: %w", err)
		}
	}

	return svcs, nil
}

func (a *App) setupRoutes(svcs *services) {
	healthHandler := api.NewHealthHandler(a.db)
	creditsHandler := api.NewCreditsHandler(svcs.usage, svcs.ledger, a.config.Billing.SignupGrantCredits)
	billingHandler := api.NewBillingHandler(svcs.catalog, svcs.stripe)
	stripeHandler := api.NewStripeHandler(svcs.stripe)

	a.app.Get("/health", healthHandler.HealthCheck)
	a.app.Post("/webhooks/stripe", stripeHandler.HandleWebhook)

	v1 := a.app.Group("/v1")
	v1.Post("/accounts", creditsHandler.ProvisionAccount)
	v1.Post("/credits/consume", creditsHandler.Consume)
	v1.Get("/accounts/:account_id/balance", creditsHandler.GetBalance)
	v1.Get("/accounts/:account_id/ledger", creditsHandler.GetLedger)
	v1.Get("/accounts/:account_id/reconcile", creditsHandler.Reconcile)
	v1.Get("/catalog/plans", billingHandler.GetPlans)
	v1.Get("/catalog/packages", billingHandler.GetPackages)
	v1.Post("/checkout/package", billingHandler.CreatePackageCheckout)
	v1.Post("/checkout/subscription", billingHandler.CreateSubscriptionCheckout)
}

func createFiberApp(cfg *config.Config) *fiber.App {
	isProd := cfg.IsProduction()

	return fiber.New(fiber.Config{
		AppName:           "CreditMeter v1.0",
		EnablePrintRoutes: !isProd,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
		CaseSensitive:     true,
		ServerHeader:      "CreditMeter",
	})
}

func setupMiddleware(app *fiber.App, cfg *config.Config) {
	isProd := cfg.IsProduction()

	// Recover middleware (must be first)
	app.Use(recover.New(recover.Config{
		EnableStackTrace: !isProd,
	}))

	app.Use(limiter.New(limiter.Config{
		Max:               1000,
		Expiration:        1 * time.Minute,
		LimiterMiddleware: limiter.SlidingWindow{},
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
	}))

	app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))

	if isProd {
		app.Use(logger.New(logger.Config{
			Format: "${time} ${status} ${method} ${path} ${latency} ${bytesSent}b\n",
			Output: os.Stdout,
		}))
	} else {
		app.Use(logger.New(logger.Config{
			Format: "[${time}] ${status} - ${latency} ${method} ${path} ${error}\n",
			Output: os.Stdout,
		}))
	}

	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.Server.AllowedOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, Stripe-Signature",
		AllowMethods: "GET, POST, OPTIONS",
	}))

	serviceAuth := middleware.NewServiceAuth(cfg.Server.ServiceTokenSecret)
	app.Use(serviceAuth.RequireServiceToken())
}

func setupLogLevel(cfg *config.Config) {
	logLevel := cfg.GetNormalizedLogLevel()

	switch logLevel {
	case "trace":
		fiberlog.SetLevel(fiberlog.LevelTrace)
	case "debug":
		fiberlog.SetLevel(fiberlog.LevelDebug)
	case "info":
		fiberlog.SetLevel(fiberlog.LevelInfo)
	case "warn", "warning":
		fiberlog.SetLevel(fiberlog.LevelWarn)
	case "error":
		fiberlog.SetLevel(fiberlog.LevelError)
	default:
		fiberlog.SetLevel(fiberlog.LevelInfo)
		fiberlog.Warnf("Unknown log level '%s', defaulting to 'info'", logLevel)
	}
}

func createRedisClient(cfg *config.Config) (*redis.Client, error) {
	if cfg.Billing.RedisURL == "" {
		fiberlog.Info("Redis not configured - scheduler lease disabled")
		return nil, nil
	}

	opt, err := redis.ParseURL(cfg.Billing.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		fiberlog.Warnf("Redis unreachable at startup: %v", err)
	}

	return client, nil
}
