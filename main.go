package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/everkeep/everkeep/app/repository"
	"github.com/everkeep/everkeep/internal/pkg/billing"
	"github.com/everkeep/everkeep/internal/pkg/cache"
	"github.com/everkeep/everkeep/internal/pkg/database"
	"github.com/everkeep/everkeep/internal/pkg/env"
	"github.com/everkeep/everkeep/internal/pkg/metrics/counter"
	"github.com/everkeep/everkeep/internal/pkg/quota"
	"github.com/everkeep/everkeep/internal/pkg/router"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

func main() {
	app := NewApplication()
	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()
	billing.InitStripe()

	repository.InitializeFactory(database.GetDB())

	// Quota defaults are reseeded on every boot; admin edits do not survive
	// a restart unless they make it into the defaults.
	if err := quota.NewServiceFromDB(database.GetDB()).Seed(); err != nil {
		log.Printf("quota seed failed: %v", err)
	}

	// API key request counters accumulate in Redis and are flushed in batches.
	counter.StartFlusher(context.Background(), time.Minute)

	app := fiber.New(fiber.Config{})
	app.Use(recover.New(), logger.New())

	// fiber metrics
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: map[string]string{
			env.GetEnv("METRICS_USER", "admin"): env.GetEnv("METRICS_PASSWORD", "test"),
		},
	}), monitor.New())

	// ROUTER
	router.InstallRouter(app)

	return app
}
