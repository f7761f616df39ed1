package billing

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/everkeep/everkeep/app/models"
	"github.com/everkeep/everkeep/internal/pkg/entitlements"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
)

func stripeEvent(eventType string, payload string) stripe.Event {
	return stripe.Event{
		ID:   "evt_test",
		Type: stripe.EventType(eventType),
		Data: &stripe.EventData{Raw: json.RawMessage(payload)},
	}
}

func webhookFixture(t *testing.T) (*Ingestor, *fakeRepo, *fakeGateway) {
	t.Helper()
	repo := newFakeRepo()
	repo.addUser(7, "ada@example.com", "cus_7")
	svc := NewService(repo, testPrices())
	gateway := &fakeGateway{}
	return NewIngestor(svc, gateway, "whsec_test"), repo, gateway
}

func TestDispatchSubscriptionUpdated(t *testing.T) {
	ingestor, repo, _ := webhookFixture(t)

	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC).Unix()
	end := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC).Unix()
	payload := `{
		"id": "sub_1",
		"customer": "cus_7",
		"status": "active",
		"cancel_at_period_end": false,
		"metadata": {"user_id": "7", "plan": "premium"},
		"items": {"data": [{
			"current_period_start": ` + jsonInt(start) + `,
			"current_period_end": ` + jsonInt(end) + `,
			"price": {"id": "price_premium"}
		}]}
	}`

	err := ingestor.dispatch(context.Background(), stripeEvent("customer.subscription.updated", payload))
	require.NoError(t, err)

	sub := repo.subs["sub_1"]
	require.NotNil(t, sub)
	assert.Equal(t, uint(7), sub.UserID)
	assert.Equal(t, string(entitlements.PlanPremium), sub.Plan)
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
	require.NotNil(t, sub.CurrentPeriodStart)
	assert.Equal(t, start, sub.CurrentPeriodStart.Unix())
	assert.Equal(t, string(entitlements.PlanPremium), repo.settings[7].Plan)
}

func TestDispatchSubscriptionUpdatedResolvesUserByCustomer(t *testing.T) {
	ingestor, repo, _ := webhookFixture(t)

	payload := `{
		"id": "sub_1",
		"customer": "cus_7",
		"status": "active",
		"items": {"data": [{"price": {"id": "price_personal"}}]}
	}`

	err := ingestor.dispatch(context.Background(), stripeEvent("customer.subscription.created", payload))
	require.NoError(t, err)
	require.NotNil(t, repo.subs["sub_1"])
	assert.Equal(t, uint(7), repo.subs["sub_1"].UserID)
}

func TestDispatchSubscriptionForUnknownUserFails(t *testing.T) {
	ingestor, repo, _ := webhookFixture(t)

	payload := `{"id": "sub_x", "customer": "cus_stranger", "status": "active"}`
	err := ingestor.dispatch(context.Background(), stripeEvent("customer.subscription.updated", payload))
	assert.Error(t, err)
	assert.Nil(t, repo.subs["sub_x"])
}

func TestDispatchSubscriptionDeleted(t *testing.T) {
	ingestor, repo, _ := webhookFixture(t)
	seedActiveSubscription(t, ingestor.store, "sub_1", entitlements.PlanUltimate)

	canceledAt := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC).Unix()
	payload := `{"id": "sub_1", "customer": "cus_7", "status": "canceled", "canceled_at": ` + jsonInt(canceledAt) + `}`

	err := ingestor.dispatch(context.Background(), stripeEvent("customer.subscription.deleted", payload))
	require.NoError(t, err)

	sub := repo.subs["sub_1"]
	assert.Equal(t, models.SubscriptionStatusCanceled, sub.Status)
	require.NotNil(t, sub.CanceledAt)
	assert.Equal(t, canceledAt, sub.CanceledAt.Unix())
	assert.Equal(t, string(entitlements.PlanFree), repo.settings[7].Plan)
}

func TestDispatchInvoicePaymentFailed(t *testing.T) {
	ingestor, repo, _ := webhookFixture(t)
	seedActiveSubscription(t, ingestor.store, "sub_1", entitlements.PlanPremium)

	payload := `{"id": "in_1", "customer": "cus_7", "parent": {"subscription_details": {"subscription": "sub_1"}}}`
	err := ingestor.dispatch(context.Background(), stripeEvent("invoice.payment_failed", payload))
	require.NoError(t, err)

	assert.Equal(t, models.SubscriptionStatusPastDue, repo.subs["sub_1"].Status)
	assert.Equal(t, string(entitlements.PlanFree), repo.settings[7].Plan)
}

func TestDispatchInvoicePaymentSucceededRefetches(t *testing.T) {
	ingestor, repo, _ := webhookFixture(t)
	repo.subs["sub_1"] = &models.Subscription{
		ID:                     1,
		UserID:                 7,
		ProviderCustomerID:     "cus_7",
		ProviderSubscriptionID: "sub_1",
		Plan:                   string(entitlements.PlanPremium),
		Status:                 models.SubscriptionStatusPastDue,
	}

	payload := `{"id": "in_2", "customer": "cus_7", "subscription": "sub_1"}`
	err := ingestor.dispatch(context.Background(), stripeEvent("invoice.payment_succeeded", payload))
	require.NoError(t, err)

	// The fake gateway reports the subscription active again.
	assert.Equal(t, models.SubscriptionStatusActive, repo.subs["sub_1"].Status)
	assert.Equal(t, uint(7), repo.subs["sub_1"].UserID)
}

func TestDispatchIgnoresUnknownEventTypes(t *testing.T) {
	ingestor, repo, _ := webhookFixture(t)

	err := ingestor.dispatch(context.Background(), stripeEvent("customer.updated", `{"id": "cus_7"}`))
	require.NoError(t, err)
	assert.Empty(t, repo.subs)
}

func TestIngestRetriesEventUntilDispatchSucceeds(t *testing.T) {
	ingestor, repo, _ := webhookFixture(t)

	payload := `{
		"id": "sub_9",
		"customer": "cus_42",
		"status": "active",
		"items": {"data": [{"price": {"id": "price_personal"}}]}
	}`
	event := stripe.Event{
		ID:   "evt_out_of_order",
		Type: "customer.subscription.created",
		Data: &stripe.EventData{Raw: json.RawMessage(payload)},
	}

	// The customer link does not exist yet; the first delivery fails and the
	// event is recorded with its processing error.
	err := ingestor.ingest(context.Background(), event)
	require.Error(t, err)
	require.Nil(t, repo.subs["sub_9"])
	stored := repo.events["evt_out_of_order"]
	require.NotNil(t, stored)
	assert.False(t, stored.Succeeded())

	// checkout.session.completed lands in the meantime and links the customer.
	repo.addUser(42, "grace@example.com", "cus_42")

	// The provider redelivers the same event ID; it must dispatch again.
	err = ingestor.ingest(context.Background(), event)
	require.NoError(t, err)
	require.NotNil(t, repo.subs["sub_9"])
	assert.Equal(t, uint(42), repo.subs["sub_9"].UserID)
	assert.True(t, repo.events["evt_out_of_order"].Succeeded())
}

func TestIngestAcksSuccessfullyProcessedRedelivery(t *testing.T) {
	ingestor, repo, _ := webhookFixture(t)

	payload := `{
		"id": "sub_1",
		"customer": "cus_7",
		"status": "active",
		"items": {"data": [{"price": {"id": "price_premium"}}]}
	}`
	event := stripe.Event{
		ID:   "evt_dup",
		Type: "customer.subscription.updated",
		Data: &stripe.EventData{Raw: json.RawMessage(payload)},
	}

	require.NoError(t, ingestor.ingest(context.Background(), event))
	require.NotNil(t, repo.subs["sub_1"])

	// A redelivery after success is acked without dispatching: removing the
	// stored row and redelivering must not recreate it.
	delete(repo.subs, "sub_1")
	require.NoError(t, ingestor.ingest(context.Background(), event))
	assert.Nil(t, repo.subs["sub_1"])
}

func seedActiveSubscription(t *testing.T, svc *Service, providerSubID string, plan entitlements.Plan) {
	t.Helper()
	_, err := svc.SyncSubscription(context.Background(), 7, NormalizedSubscription{
		ProviderSubscriptionID: providerSubID,
		ProviderCustomerID:     "cus_7",
		Status:                 "active",
		Metadata:               map[string]string{"plan": string(plan)},
	})
	require.NoError(t, err)
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
