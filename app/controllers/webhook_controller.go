package controllers

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"

	"github.com/everkeep/everkeep/internal/pkg/billing"
)

// HandleSubscriptionWebhook ingests provider webhook deliveries. The route
// carries no bearer auth; the Stripe signature is the authentication. A
// handler failure answers 5xx so the provider redelivers.
func HandleSubscriptionWebhook(c *fiber.Ctx) error {
	svc := billingService()
	ingestor := billing.NewIngestorFromEnv(svc, billingGateway())

	err := ingestor.HandleWebhook(c.Context(), c.Body(), c.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, billing.ErrInvalidSignature) {
			return jsonError(c, fiber.StatusBadRequest, "invalid_signature", "Webhook signature verification failed")
		}
		log.Printf("webhook processing failed: %v", err)
		return jsonError(c, fiber.StatusInternalServerError, "webhook_failed", "Webhook processing failed")
	}
	return c.JSON(fiber.Map{"received": true})
}
