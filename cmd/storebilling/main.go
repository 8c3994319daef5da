package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	flog "github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/StoreBilling/app/controllers"
	"github.com/ManuelReschke/StoreBilling/internal/pkg/billing"
	"github.com/ManuelReschke/StoreBilling/internal/pkg/cache"
	"github.com/ManuelReschke/StoreBilling/internal/pkg/database"
	"github.com/ManuelReschke/StoreBilling/internal/pkg/env"
	"github.com/ManuelReschke/StoreBilling/internal/pkg/jobqueue"
	"github.com/ManuelReschke/StoreBilling/internal/pkg/router"
)

func main() {
	app, scheduler := NewApplication()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		flog.Info("[App] Shutting down")
		scheduler.Stop()
		if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
			flog.Errorf("[App] Shutdown failed: %v", err)
		}
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	if err != nil {
		log.Fatal(err)
	}
}

func NewApplication() (*fiber.App, *jobqueue.Manager) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	// billing
	svc := billing.NewServiceFromDB(database.GetDB(), billing.NewStripeGatewayFromEnv(), billing.ConfigFromEnv())
	if !svc.WebhookConfigured() {
		flog.Warn("[Billing] STRIPE_WEBHOOK_SECRET is not set, webhook deliveries will be rejected")
	}

	// scheduled sweeper
	scheduler := jobqueue.NewManagerFromEnv(svc)
	if err := scheduler.Start(); err != nil {
		panic(err)
	}

	// init fiber app
	app := fiber.New(fiber.Config{
		BodyLimit: 1 * 1024 * 1024,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber runtime monitor, only with explicit credentials
	if password := env.GetEnv("MONITOR_PASSWORD", ""); password != "" {
		app.Get("/monitor", basicauth.New(basicauth.Config{
			Users: map[string]string{
				env.GetEnv("MONITOR_USER", "admin"): password,
			},
		}), monitor.New())
	} else {
		flog.Warn("[App] MONITOR_PASSWORD is not set, /monitor disabled")
	}

	// SWAGGER / OPENAPI
	if specPath := findOpenAPISpec(); specPath != "" {
		openAPICfg := swagger.Config{
			BasePath: "/docs/api/",
			FilePath: specPath,
			Path:     "v1",
		}
		app.Use(swagger.New(openAPICfg))
	} else {
		flog.Warn("[App] docs/openapi.yml not found, API docs disabled")
	}

	// ROUTER
	clientKey := env.GetEnv("BILLING_API_KEY", "")
	if clientKey == "" {
		flog.Warn("[Auth] BILLING_API_KEY is not set, store routes will answer 503")
	}
	router.InstallRouter(app, router.Dependencies{
		Billing:        controllers.NewBillingController(svc, scheduler),
		ClientAPIKey:   clientKey,
		SweepAPIKey:    env.GetEnv("SWEEP_API_KEY", ""),
		HealthCheck:    healthCheck,
		LimiterStorage: cache.NewLimiterStorage(),
	})

	return app, scheduler
}

// findOpenAPISpec looks for the OpenAPI document relative to the working directory.
func findOpenAPISpec() string {
	basePaths := []string{
		"./",     // Current directory
		"../../", // From cmd/storebilling to project root
	}
	for _, path := range basePaths {
		candidate := path + "docs/openapi.yml"
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

func healthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sqlDB, err := database.GetDB().DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := cache.GetClient().Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	return nil
}
