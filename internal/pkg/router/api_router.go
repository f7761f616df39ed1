package router

import (
	"net"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/storage/redis"

	"github.com/everkeep/everkeep/app/controllers"
	"github.com/everkeep/everkeep/internal/pkg/cache"
	"github.com/everkeep/everkeep/internal/pkg/env"
	"github.com/everkeep/everkeep/internal/pkg/middleware"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	// The webhook route is registered outside the rate-limited group:
	// dropping provider deliveries only to have them redelivered later
	// buys nothing. The Stripe signature is its authentication.
	app.Post("/api/v1/subscription/webhook", controllers.HandleSubscriptionWebhook)

	api := app.Group("/api", limiter.New(limiter.Config{Storage: newLimiterStorage()}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Everkeep API",
		})
	})

	v1 := api.Group("/v1")
	v1.Get("/subscription/plans", controllers.HandleGetPlans)
	v1.Post("/auth/api-key", controllers.HandleIssueAPIKey)

	secured := v1.Group("", middleware.APIKeyAuthMiddleware())
	secured.Get("/account", controllers.HandleGetAccount)
	secured.Delete("/account/api-key", controllers.HandleRevokeAPIKey)

	sub := secured.Group("/subscription")
	sub.Get("/status", controllers.HandleGetSubscriptionStatus)
	sub.Post("/checkout", controllers.HandleCreateCheckout)
	sub.Post("/cancel", controllers.HandleCancelSubscription)
	sub.Post("/resume", controllers.HandleResumeSubscription)
	sub.Post("/change-plan", controllers.HandleChangePlan)
	sub.Post("/downgrade-check", controllers.HandleCheckDowngrade)
	sub.Get("/billing", controllers.HandleGetBilling)
	sub.Get("/usage", controllers.HandleGetUsage)

	admin := sub.Group("/admin", middleware.RequireAdmin)
	admin.Get("/limits", controllers.HandleAdminListLimits)
	admin.Put("/limits", controllers.HandleAdminUpsertLimit)
	admin.Put("/limits/bulk", controllers.HandleAdminBulkUpsertLimits)
	admin.Post("/limits/reset", controllers.HandleAdminResetLimits)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}

// newLimiterStorage backs the rate limiter with Redis so counters are shared
// across instances. Reuses the cache client's connection parameters but a
// separate database (cache uses DB 0).
func newLimiterStorage() *redis.Storage {
	host := "localhost"
	port := 6379
	password := env.GetEnv("CACHE_PASSWORD", "")
	if cacheClient := cache.GetClient(); cacheClient != nil {
		addr := cacheClient.Options().Addr
		if h, p, err := net.SplitHostPort(addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		if p := cacheClient.Options().Password; p != "" {
			password = p
		}
	}

	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: 1,
		Reset:    false,
	})
}
