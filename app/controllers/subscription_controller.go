package controllers

import (
	"errors"
	"log"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/everkeep/everkeep/app/models"
	"github.com/everkeep/everkeep/app/repository"
	"github.com/everkeep/everkeep/internal/pkg/billing"
	"github.com/everkeep/everkeep/internal/pkg/entitlements"
)

type planRequest struct {
	PlanType string `json:"planType" validate:"required"`
}

func parsePlanRequest(c *fiber.Ctx) (entitlements.Plan, error) {
	var req planRequest
	if err := parseBody(c, &req); err != nil {
		return "", err
	}
	plan, err := entitlements.ParsePlan(strings.TrimSpace(req.PlanType))
	if err != nil {
		return "", err
	}
	return plan, nil
}

// HandleGetPlans serves the public plan catalog. Informational only; the
// enforced limits live in the quota table.
func HandleGetPlans(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"plans": entitlements.Catalog()})
}

// HandleGetSubscriptionStatus returns the caller's subscription snapshot.
func HandleGetSubscriptionStatus(c *fiber.Ctx) error {
	userCtx, ok := requireUser(c)
	if !ok {
		return jsonError(c, fiber.StatusUnauthorized, "unauthorized", "Missing or invalid authentication")
	}

	svc := billingService()
	sub, err := svc.GetLatest(c.Context(), userCtx.UserID)
	if err != nil {
		log.Printf("subscription status lookup failed for user %d: %v", userCtx.UserID, err)
		return mapServiceError(c, err)
	}

	plan, err := svc.PlanFor(userCtx.UserID)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(subscriptionStatusPayload(plan, sub))
}

func subscriptionStatusPayload(plan entitlements.Plan, sub *models.Subscription) fiber.Map {
	payload := fiber.Map{
		"plan":                  plan,
		"status":                "none",
		"hasActiveSubscription": false,
		"cancelAtPeriodEnd":     false,
		"currentPeriodEnd":      nil,
	}
	if sub != nil {
		payload["status"] = sub.Status
		payload["hasActiveSubscription"] = sub.IsEntitling()
		payload["cancelAtPeriodEnd"] = sub.CancelAtPeriodEnd
		if sub.CurrentPeriodEnd != nil {
			payload["currentPeriodEnd"] = sub.CurrentPeriodEnd.UTC().Format(time.RFC3339)
		}
	}
	return payload
}

// HandleCreateCheckout opens a provider checkout session for a paid plan.
func HandleCreateCheckout(c *fiber.Ctx) error {
	userCtx, ok := requireUser(c)
	if !ok {
		return jsonError(c, fiber.StatusUnauthorized, "unauthorized", "Missing or invalid authentication")
	}

	plan, err := parsePlanRequest(c)
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "Invalid or missing planType")
	}
	if !entitlements.IsPaid(plan) {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "Checkout requires a paid plan")
	}

	svc := billingService()
	if active, err := svc.GetActive(c.Context(), userCtx.UserID); err == nil && active != nil {
		return jsonError(c, fiber.StatusConflict, "already_subscribed", "Use change-plan to switch an active subscription")
	}

	user, err := repository.GetGlobalFactory().GetUserRepository().GetByID(userCtx.UserID)
	if err != nil {
		return mapServiceError(c, err)
	}

	info, err := billingGateway().CreateCheckout(c.Context(), user, plan)
	if err != nil {
		log.Printf("checkout creation failed for user %d: %v", userCtx.UserID, err)
		return mapServiceError(c, err)
	}
	return c.JSON(fiber.Map{"session_id": info.SessionID, "redirect_url": info.RedirectURL})
}

// HandleCancelSubscription flags the active subscription to end at period
// close. Entitlement persists until the provider reports the period over.
func HandleCancelSubscription(c *fiber.Ctx) error {
	return toggleCancelAtPeriodEnd(c, true)
}

// HandleResumeSubscription clears a pending cancellation. Resuming a
// subscription with no pending cancellation is a no-op success.
func HandleResumeSubscription(c *fiber.Ctx) error {
	return toggleCancelAtPeriodEnd(c, false)
}

func toggleCancelAtPeriodEnd(c *fiber.Ctx, flag bool) error {
	userCtx, ok := requireUser(c)
	if !ok {
		return jsonError(c, fiber.StatusUnauthorized, "unauthorized", "Missing or invalid authentication")
	}

	sub, changed, err := planChanger().SetCancelAtPeriodEnd(c.Context(), userCtx.UserID, flag)
	if err != nil {
		log.Printf("cancel-at-period-end update failed for user %d: %v", userCtx.UserID, err)
		return mapServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"cancelAtPeriodEnd": sub.CancelAtPeriodEnd,
		"status":            sub.Status,
		"changed":           changed,
	})
}

// HandleChangePlan switches the active subscription to another paid plan.
// Downgrades blocked by current usage answer 403 with the overage list.
func HandleChangePlan(c *fiber.Ctx) error {
	userCtx, ok := requireUser(c)
	if !ok {
		return jsonError(c, fiber.StatusUnauthorized, "unauthorized", "Missing or invalid authentication")
	}

	target, err := parsePlanRequest(c)
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "Invalid or missing planType")
	}

	result, err := planChanger().ChangePlan(c.Context(), userCtx.UserID, target)
	if err != nil {
		if !errors.Is(err, billing.ErrNoActiveSubscription) && !errors.Is(err, billing.ErrProvider) {
			return jsonError(c, fiber.StatusBadRequest, "bad_request", "Invalid plan change")
		}
		log.Printf("plan change failed for user %d: %v", userCtx.UserID, err)
		return mapServiceError(c, err)
	}

	if result.Blocked != nil {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error":           "Downgrade not allowed",
			"reason":          "downgrade_blocked",
			"blockedFeatures": result.Blocked.Overages,
		})
	}

	return c.JSON(fiber.Map{
		"changed":   result.Changed,
		"from":      result.From,
		"to":        result.To,
		"direction": result.Direction,
	})
}

// HandleCheckDowngrade previews downgrade admission without applying it.
func HandleCheckDowngrade(c *fiber.Ctx) error {
	userCtx, ok := requireUser(c)
	if !ok {
		return jsonError(c, fiber.StatusUnauthorized, "unauthorized", "Missing or invalid authentication")
	}

	target, err := parsePlanRequest(c)
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "Invalid or missing planType")
	}

	changer := planChanger()
	check, err := changer.CheckDowngrade(c.Context(), userCtx.UserID, target)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(check)
}

// HandleGetBilling returns the composite billing dashboard: subscription
// snapshot, payment methods, invoices and the upcoming invoice.
func HandleGetBilling(c *fiber.Ctx) error {
	userCtx, ok := requireUser(c)
	if !ok {
		return jsonError(c, fiber.StatusUnauthorized, "unauthorized", "Missing or invalid authentication")
	}

	svc := billingService()
	sub, err := svc.GetLatest(c.Context(), userCtx.UserID)
	if err != nil {
		return mapServiceError(c, err)
	}

	response := fiber.Map{
		"subscription":     sub,
		"payment_methods":  []billing.PaymentMethodInfo{},
		"invoices":         []billing.InvoiceInfo{},
		"upcoming_invoice": nil,
	}
	if sub == nil || sub.ProviderCustomerID == "" {
		return c.JSON(response)
	}

	gateway := billingGateway()
	customerID := sub.ProviderCustomerID

	if methods, err := gateway.ListPaymentMethods(c.Context(), customerID); err == nil {
		response["payment_methods"] = methods
	} else {
		log.Printf("payment method list failed for user %d: %v", userCtx.UserID, err)
	}
	if invoices, err := gateway.ListInvoices(c.Context(), customerID); err == nil && invoices != nil {
		response["invoices"] = invoices
	} else if err != nil {
		log.Printf("invoice list failed for user %d: %v", userCtx.UserID, err)
	}
	if sub.IsEntitling() {
		if upcoming, err := gateway.RetrieveUpcomingInvoice(c.Context(), customerID); err == nil {
			response["upcoming_invoice"] = upcoming
		} else {
			log.Printf("upcoming invoice preview failed for user %d: %v", userCtx.UserID, err)
		}
	}
	return c.JSON(response)
}

// HandleGetUsage returns the per-feature usage snapshot for the caller.
func HandleGetUsage(c *fiber.Ctx) error {
	userCtx, ok := requireUser(c)
	if !ok {
		return jsonError(c, fiber.StatusUnauthorized, "unauthorized", "Missing or invalid authentication")
	}

	stats, err := statsService().StatsFor(userCtx.UserID)
	if err != nil {
		log.Printf("usage stats failed for user %d: %v", userCtx.UserID, err)
		return mapServiceError(c, err)
	}
	return c.JSON(stats)
}
