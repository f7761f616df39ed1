package controllers

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/everkeep/everkeep/internal/pkg/billing"
	"github.com/everkeep/everkeep/internal/pkg/database"
	"github.com/everkeep/everkeep/internal/pkg/entitlements"
	"github.com/everkeep/everkeep/internal/pkg/quota"
	"github.com/everkeep/everkeep/internal/pkg/usage"
	"github.com/everkeep/everkeep/internal/pkg/usercontext"
)

var validate = validator.New()

// parseBody decodes and validates a JSON request body in one step.
func parseBody(c *fiber.Ctx, out any) error {
	if err := c.BodyParser(out); err != nil {
		return err
	}
	return validate.Struct(out)
}

func jsonError(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{"error": code, "message": message})
}

// mapServiceError translates domain sentinels into the stable HTTP contract.
func mapServiceError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, entitlements.ErrUnknownPlan), errors.Is(err, entitlements.ErrUnknownFeature), errors.Is(err, quota.ErrInvalidQuota):
		return jsonError(c, fiber.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, billing.ErrNoActiveSubscription):
		return jsonError(c, fiber.StatusNotFound, "no_active_subscription", "No active subscription")
	case errors.Is(err, billing.ErrProvider):
		return jsonError(c, fiber.StatusBadGateway, "provider_error", "Payment provider request failed")
	case errors.Is(err, gorm.ErrRecordNotFound):
		return jsonError(c, fiber.StatusNotFound, "not_found", "Not found")
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return jsonError(c, fiber.StatusConflict, "conflict", "Conflicting concurrent update")
	default:
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Internal error")
	}
}

func requireUser(c *fiber.Ctx) (usercontext.UserContext, bool) {
	userCtx := usercontext.GetUserContext(c)
	return userCtx, userCtx.IsLoggedIn
}

// Service wiring. Controllers assemble services per request from the global
// DB handle, matching the rest of the application; the structs are thin and
// the pool is shared.

func billingService() *billing.Service {
	return billing.NewServiceFromDB(database.GetDB(), billing.NewPriceTableFromEnv())
}

func billingGateway() billing.Gateway {
	db := database.GetDB()
	return billing.NewStripeGatewayFromEnv(billing.NewRepository(db), billing.NewPriceTableFromEnv())
}

func quotaService() *quota.Service {
	return quota.NewServiceFromDB(database.GetDB())
}

func usageLedger() *usage.Ledger {
	return usage.NewLedger(database.GetDB())
}

func planChanger() *billing.PlanChanger {
	svc := billingService()
	return billing.NewPlanChanger(svc, billingGateway(), quotaService(), usageLedger(), usageLedger())
}

func statsService() *usage.StatsService {
	return usage.NewStatsService(billingService(), quotaService(), usageLedger())
}
