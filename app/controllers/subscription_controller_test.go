package controllers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/everkeep/everkeep/app/models"
	"github.com/everkeep/everkeep/internal/pkg/entitlements"
)

func TestSubscriptionStatusPayloadWithoutSubscription(t *testing.T) {
	payload := subscriptionStatusPayload(entitlements.PlanFree, nil)

	assert.Equal(t, entitlements.PlanFree, payload["plan"])
	assert.Equal(t, "none", payload["status"])
	assert.Equal(t, false, payload["hasActiveSubscription"])
	assert.Equal(t, false, payload["cancelAtPeriodEnd"])
	assert.Nil(t, payload["currentPeriodEnd"])
}

func TestSubscriptionStatusPayloadWithActiveSubscription(t *testing.T) {
	periodEnd := time.Date(2026, 9, 30, 12, 0, 0, 0, time.UTC)
	sub := &models.Subscription{
		Status:            models.SubscriptionStatusActive,
		CancelAtPeriodEnd: true,
		CurrentPeriodEnd:  &periodEnd,
	}

	payload := subscriptionStatusPayload(entitlements.PlanPremium, sub)

	assert.Equal(t, entitlements.PlanPremium, payload["plan"])
	assert.Equal(t, models.SubscriptionStatusActive, payload["status"])
	assert.Equal(t, true, payload["hasActiveSubscription"])
	assert.Equal(t, true, payload["cancelAtPeriodEnd"])
	assert.Equal(t, "2026-09-30T12:00:00Z", payload["currentPeriodEnd"])
}

func TestSubscriptionStatusPayloadCanceledSubscriptionDoesNotEntitle(t *testing.T) {
	sub := &models.Subscription{Status: models.SubscriptionStatusCanceled}

	payload := subscriptionStatusPayload(entitlements.PlanFree, sub)

	assert.Equal(t, models.SubscriptionStatusCanceled, payload["status"])
	assert.Equal(t, false, payload["hasActiveSubscription"])
	assert.Nil(t, payload["currentPeriodEnd"])
}
