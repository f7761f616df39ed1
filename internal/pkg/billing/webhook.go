package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/everkeep/everkeep/app/models"
	"github.com/everkeep/everkeep/internal/pkg/env"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Ingestor consumes provider webhook deliveries. Every delivery is verified,
// persisted for dedup, then dispatched. A dispatch failure surfaces as an
// error so the HTTP layer answers 5xx and the provider redelivers.
type Ingestor struct {
	store   *Service
	gateway Gateway
	secret  string
}

func NewIngestor(store *Service, gateway Gateway, secret string) *Ingestor {
	return &Ingestor{store: store, gateway: gateway, secret: secret}
}

func NewIngestorFromEnv(store *Service, gateway Gateway) *Ingestor {
	return NewIngestor(store, gateway, env.GetEnv("STRIPE_WEBHOOK_SECRET", ""))
}

// ErrInvalidSignature marks deliveries that fail signature verification.
// The HTTP layer answers 400 so the provider does not retry them.
var ErrInvalidSignature = fmt.Errorf("billing: invalid webhook signature")

// Minimal payload shapes decoded from event.Data.Raw. Only the fields we
// consume are declared; everything else stays in the stored raw payload.
type checkoutSessionPayload struct {
	ID           string            `json:"id"`
	Customer     string            `json:"customer"`
	Subscription string            `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

type subscriptionPayload struct {
	ID                string            `json:"id"`
	Customer          string            `json:"customer"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CanceledAt        int64             `json:"canceled_at"`
	Metadata          map[string]string `json:"metadata"`
	Items             struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
			Price              struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type invoicePayload struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (p *invoicePayload) subscriptionID() string {
	if p.Subscription != "" {
		return p.Subscription
	}
	return p.Parent.SubscriptionDetails.Subscription
}

// HandleWebhook verifies, records and dispatches one delivery.
func (i *Ingestor) HandleWebhook(ctx context.Context, payload []byte, sigHeader string) error {
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, i.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return i.ingest(ctx, event)
}

// ingest records the event for dedup and dispatches it. Only an event whose
// dispatch succeeded is acked on redelivery; an event recorded but never
// successfully processed dispatches again, so a failed handler plus the
// provider's retry eventually lands the state.
func (i *Ingestor) ingest(ctx context.Context, event stripe.Event) error {
	fresh, record, err := i.store.RecordWebhookEvent(ctx, WebhookEventInput{
		ProviderEventID: event.ID,
		EventType:       string(event.Type),
		PayloadJSON:     string(event.Data.Raw),
	})
	if err != nil {
		return err
	}
	if !fresh {
		if record.Succeeded() {
			log.Printf("billing: webhook %s (%s) already processed, acking", event.ID, event.Type)
			return nil
		}
		log.Printf("billing: webhook %s (%s) redelivered before success, dispatching again", event.ID, event.Type)
	}

	procErr := i.dispatch(ctx, event)
	if markErr := i.store.MarkWebhookProcessed(ctx, record.ID, procErr); markErr != nil {
		log.Printf("billing: failed to mark webhook %s processed: %v", event.ID, markErr)
	}
	return procErr
}

func (i *Ingestor) dispatch(ctx context.Context, event stripe.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		return i.handleCheckoutCompleted(ctx, event)
	case "customer.subscription.created", "customer.subscription.updated":
		return i.handleSubscriptionChanged(ctx, event)
	case "customer.subscription.deleted":
		return i.handleSubscriptionDeleted(ctx, event)
	case "invoice.payment_succeeded":
		return i.handleInvoicePaymentSucceeded(ctx, event)
	case "invoice.payment_failed":
		return i.handleInvoicePaymentFailed(ctx, event)
	default:
		log.Printf("billing: ignoring webhook event type %s", event.Type)
		return nil
	}
}

// handleCheckoutCompleted links the provider customer to our user and pulls
// the authoritative subscription state from the provider.
func (i *Ingestor) handleCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	var cs checkoutSessionPayload
	if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
		return fmt.Errorf("billing: decode checkout session: %w", err)
	}
	if cs.Subscription == "" {
		// One-time payment sessions are not subscription traffic.
		return nil
	}

	userID, err := i.resolveUser(ctx, cs.Metadata, cs.Customer)
	if err != nil {
		return fmt.Errorf("billing: checkout session %s: %w", cs.ID, err)
	}

	norm, err := i.gateway.RetrieveSubscription(ctx, cs.Subscription)
	if err != nil {
		return err
	}
	if norm.ProviderCustomerID == "" {
		norm.ProviderCustomerID = cs.Customer
	}
	_, err = i.store.SyncSubscription(ctx, userID, *norm)
	return err
}

func (i *Ingestor) handleSubscriptionChanged(ctx context.Context, event stripe.Event) error {
	var sp subscriptionPayload
	if err := json.Unmarshal(event.Data.Raw, &sp); err != nil {
		return fmt.Errorf("billing: decode subscription: %w", err)
	}

	userID, err := i.resolveUser(ctx, sp.Metadata, sp.Customer)
	if err != nil {
		// The customer link is created by checkout.session.completed; out of
		// order deliveries retry until it lands.
		return fmt.Errorf("billing: subscription %s: %w", sp.ID, err)
	}

	_, err = i.store.SyncSubscription(ctx, userID, normalizedFromPayload(sp, event.Data.Raw))
	return err
}

func (i *Ingestor) handleSubscriptionDeleted(ctx context.Context, event stripe.Event) error {
	var sp subscriptionPayload
	if err := json.Unmarshal(event.Data.Raw, &sp); err != nil {
		return fmt.Errorf("billing: decode subscription: %w", err)
	}
	when := time.Now().UTC()
	if sp.CanceledAt > 0 {
		when = time.Unix(sp.CanceledAt, 0).UTC()
	}
	return i.store.MarkCanceled(ctx, sp.ID, when)
}

// handleInvoicePaymentSucceeded re-fetches the subscription so renewals pick
// up the fresh period window instead of trusting the invoice snapshot.
func (i *Ingestor) handleInvoicePaymentSucceeded(ctx context.Context, event stripe.Event) error {
	var inv invoicePayload
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return fmt.Errorf("billing: decode invoice: %w", err)
	}
	subID := inv.subscriptionID()
	if subID == "" {
		return nil
	}

	norm, err := i.gateway.RetrieveSubscription(ctx, subID)
	if err != nil {
		return err
	}

	var userID uint
	if existing, err := i.store.GetByProviderSubscriptionID(subID); err == nil && existing != nil {
		userID = existing.UserID
	} else if user, err := i.store.UserForCustomer(ctx, inv.Customer); err == nil && user != nil {
		userID = user.ID
	}

	_, err = i.store.SyncSubscription(ctx, userID, *norm)
	return err
}

func (i *Ingestor) handleInvoicePaymentFailed(ctx context.Context, event stripe.Event) error {
	var inv invoicePayload
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return fmt.Errorf("billing: decode invoice: %w", err)
	}
	subID := inv.subscriptionID()
	if subID == "" {
		return nil
	}
	return i.store.SetStatus(ctx, subID, models.SubscriptionStatusPastDue)
}

// resolveUser maps a delivery to our user, preferring the user_id metadata
// planted at checkout and falling back to the stored customer link.
func (i *Ingestor) resolveUser(ctx context.Context, metadata map[string]string, customerID string) (uint, error) {
	if raw, ok := metadata["user_id"]; ok && raw != "" {
		id, err := strconv.ParseUint(raw, 10, 32)
		if err == nil && id > 0 {
			return uint(id), nil
		}
	}
	if customerID != "" {
		user, err := i.store.UserForCustomer(ctx, customerID)
		if err == nil && user != nil {
			return user.ID, nil
		}
	}
	return 0, fmt.Errorf("no user for customer %q", customerID)
}

func normalizedFromPayload(sp subscriptionPayload, raw []byte) NormalizedSubscription {
	out := NormalizedSubscription{
		ProviderSubscriptionID: sp.ID,
		ProviderCustomerID:     sp.Customer,
		Status:                 sp.Status,
		CancelAtPeriodEnd:      sp.CancelAtPeriodEnd,
		Metadata:               sp.Metadata,
		RawPayloadJSON:         string(raw),
	}
	if sp.CanceledAt > 0 {
		t := time.Unix(sp.CanceledAt, 0).UTC()
		out.CanceledAt = &t
	}
	if len(sp.Items.Data) > 0 {
		item := sp.Items.Data[0]
		out.PriceID = item.Price.ID
		if item.CurrentPeriodStart > 0 {
			t := time.Unix(item.CurrentPeriodStart, 0).UTC()
			out.CurrentPeriodStart = &t
		}
		if item.CurrentPeriodEnd > 0 {
			t := time.Unix(item.CurrentPeriodEnd, 0).UTC()
			out.CurrentPeriodEnd = &t
		}
	}
	return out
}
