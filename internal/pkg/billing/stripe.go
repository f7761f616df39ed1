package billing

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/everkeep/everkeep/app/models"
	"github.com/everkeep/everkeep/internal/pkg/entitlements"
	"github.com/everkeep/everkeep/internal/pkg/env"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/invoice"
	"github.com/stripe/stripe-go/v82/paymentmethod"
	"github.com/stripe/stripe-go/v82/subscription"
)

// InitStripe wires the Stripe API key from the environment. Call once at
// startup before any gateway use.
func InitStripe() {
	stripe.Key = strings.TrimSpace(env.GetEnv("STRIPE_SECRET_KEY", ""))
	if stripe.Key == "" {
		log.Print("billing: STRIPE_SECRET_KEY is not configured")
	}
}

// CustomerInfo is the minimal customer projection used by the dashboard.
type CustomerInfo struct {
	ID                   string `json:"id"`
	Email                string `json:"email"`
	DefaultPaymentMethod string `json:"-"`
}

// Gateway is the facade over the payment provider. All calls are synchronous
// round-trips bounded by the caller's context deadline.
type Gateway interface {
	CreateCheckout(ctx context.Context, user *models.User, plan entitlements.Plan) (*CheckoutInfo, error)
	RetrieveSubscription(ctx context.Context, providerSubscriptionID string) (*NormalizedSubscription, error)
	RetrieveCustomer(ctx context.Context, customerID string) (*CustomerInfo, error)
	ChangeLineItem(ctx context.Context, providerSubscriptionID, newPriceID string) (*NormalizedSubscription, error)
	SetCancelAtPeriodEnd(ctx context.Context, providerSubscriptionID string, flag bool) (*NormalizedSubscription, error)
	ListInvoices(ctx context.Context, customerID string) ([]InvoiceInfo, error)
	ListPaymentMethods(ctx context.Context, customerID string) ([]PaymentMethodInfo, error)
	RetrieveUpcomingInvoice(ctx context.Context, customerID string) (*InvoiceInfo, error)
}

type stripeGateway struct {
	repo    Repository
	prices  *PriceTable
	baseURL string
}

// NewStripeGateway creates the production gateway. baseURL is the public
// domain used for checkout redirect targets.
func NewStripeGateway(repo Repository, prices *PriceTable, baseURL string) Gateway {
	return &stripeGateway{
		repo:    repo,
		prices:  prices,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// NewStripeGatewayFromEnv builds the gateway with env-derived configuration.
func NewStripeGatewayFromEnv(repo Repository, prices *PriceTable) Gateway {
	return NewStripeGateway(repo, prices, env.GetEnv("PUBLIC_DOMAIN", "http://localhost:4000"))
}

// CreateCheckout ensures a provider customer exists for the user, storing
// the immutable customer link on first use, then opens a subscription
// checkout session. user_id and plan ride along as metadata so webhooks can
// round-trip the association.
func (g *stripeGateway) CreateCheckout(ctx context.Context, user *models.User, plan entitlements.Plan) (*CheckoutInfo, error) {
	priceID, err := g.prices.PriceForPlan(plan)
	if err != nil {
		return nil, err
	}

	customerID, err := g.ensureCustomer(ctx, user)
	if err != nil {
		return nil, err
	}

	meta := map[string]string{
		"user_id": fmt.Sprintf("%d", user.ID),
		"plan":    string(plan),
	}
	params := &stripe.CheckoutSessionParams{
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer: stripe.String(customerID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(g.baseURL + "/billing/success?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:  stripe.String(g.baseURL + "/billing/cancel"),
		Metadata:   meta,
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: meta,
		},
	}
	params.Context = ctx

	sess, err := session.New(params)
	if err != nil {
		return nil, wrapProvider(err)
	}
	return &CheckoutInfo{SessionID: sess.ID, RedirectURL: sess.URL}, nil
}

func (g *stripeGateway) ensureCustomer(ctx context.Context, user *models.User) (string, error) {
	if user.HasStripeCustomer() {
		return user.StripeCustomerID, nil
	}

	params := &stripe.CustomerParams{
		Email: stripe.String(user.Email),
		Name:  stripe.String(user.Name),
		Metadata: map[string]string{
			"user_id": fmt.Sprintf("%d", user.ID),
		},
	}
	params.Context = ctx

	cust, err := customer.New(params)
	if err != nil {
		return "", wrapProvider(err)
	}
	if err := g.repo.SetStripeCustomerID(user.ID, cust.ID); err != nil {
		return "", err
	}
	user.StripeCustomerID = cust.ID
	return cust.ID, nil
}

func (g *stripeGateway) RetrieveSubscription(ctx context.Context, providerSubscriptionID string) (*NormalizedSubscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	sub, err := subscription.Get(providerSubscriptionID, params)
	if err != nil {
		return nil, wrapProvider(err)
	}
	return normalizeStripeSubscription(sub), nil
}

func (g *stripeGateway) RetrieveCustomer(ctx context.Context, customerID string) (*CustomerInfo, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx

	cust, err := customer.Get(customerID, params)
	if err != nil {
		return nil, wrapProvider(err)
	}
	info := &CustomerInfo{ID: cust.ID, Email: cust.Email}
	if cust.InvoiceSettings != nil && cust.InvoiceSettings.DefaultPaymentMethod != nil {
		info.DefaultPaymentMethod = cust.InvoiceSettings.DefaultPaymentMethod.ID
	}
	return info, nil
}

// ChangeLineItem swaps the subscription's single line item to the new price
// with proration, re-anchoring the billing cycle to now.
func (g *stripeGateway) ChangeLineItem(ctx context.Context, providerSubscriptionID, newPriceID string) (*NormalizedSubscription, error) {
	getParams := &stripe.SubscriptionParams{}
	getParams.Context = ctx

	current, err := subscription.Get(providerSubscriptionID, getParams)
	if err != nil {
		return nil, wrapProvider(err)
	}
	if current.Items == nil || len(current.Items.Data) == 0 {
		return nil, fmt.Errorf("%w: subscription %s has no line items", ErrProvider, providerSubscriptionID)
	}

	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID:    stripe.String(current.Items.Data[0].ID),
				Price: stripe.String(newPriceID),
			},
		},
		ProrationBehavior:     stripe.String("create_prorations"),
		BillingCycleAnchorNow: stripe.Bool(true),
	}
	params.Context = ctx

	updated, err := subscription.Update(providerSubscriptionID, params)
	if err != nil {
		return nil, wrapProvider(err)
	}
	return normalizeStripeSubscription(updated), nil
}

func (g *stripeGateway) SetCancelAtPeriodEnd(ctx context.Context, providerSubscriptionID string, flag bool) (*NormalizedSubscription, error) {
	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(flag),
	}
	params.Context = ctx

	updated, err := subscription.Update(providerSubscriptionID, params)
	if err != nil {
		return nil, wrapProvider(err)
	}
	return normalizeStripeSubscription(updated), nil
}

func (g *stripeGateway) ListInvoices(ctx context.Context, customerID string) ([]InvoiceInfo, error) {
	params := &stripe.InvoiceListParams{
		Customer: stripe.String(customerID),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(24)

	var out []InvoiceInfo
	iter := invoice.List(params)
	for iter.Next() {
		out = append(out, invoiceInfoFrom(iter.Invoice()))
	}
	if err := iter.Err(); err != nil {
		return nil, wrapProvider(err)
	}
	return out, nil
}

func (g *stripeGateway) ListPaymentMethods(ctx context.Context, customerID string) ([]PaymentMethodInfo, error) {
	defaultPM := ""
	if cust, err := g.RetrieveCustomer(ctx, customerID); err == nil {
		defaultPM = cust.DefaultPaymentMethod
	}

	params := &stripe.PaymentMethodListParams{
		Customer: stripe.String(customerID),
		Type:     stripe.String(string(stripe.PaymentMethodTypeCard)),
	}
	params.Context = ctx

	var out []PaymentMethodInfo
	iter := paymentmethod.List(params)
	for iter.Next() {
		pm := iter.PaymentMethod()
		info := PaymentMethodInfo{
			ID:      pm.ID,
			Default: pm.ID == defaultPM,
		}
		if pm.Card != nil {
			info.Brand = string(pm.Card.Brand)
			info.Last4 = pm.Card.Last4
			info.ExpMonth = pm.Card.ExpMonth
			info.ExpYear = pm.Card.ExpYear
		}
		out = append(out, info)
	}
	if err := iter.Err(); err != nil {
		return nil, wrapProvider(err)
	}
	return out, nil
}

func (g *stripeGateway) RetrieveUpcomingInvoice(ctx context.Context, customerID string) (*InvoiceInfo, error) {
	params := &stripe.InvoiceCreatePreviewParams{
		Customer: stripe.String(customerID),
	}
	params.Context = ctx

	inv, err := invoice.CreatePreview(params)
	if err != nil {
		return nil, wrapProvider(err)
	}
	info := invoiceInfoFrom(inv)
	return &info, nil
}

// normalizeStripeSubscription flattens the provider's subscription shape.
// Period timestamps live on the line items; absent values stay nil so the
// store's preserve-non-null rule decides.
func normalizeStripeSubscription(sub *stripe.Subscription) *NormalizedSubscription {
	out := &NormalizedSubscription{
		ProviderSubscriptionID: sub.ID,
		Status:                 string(sub.Status),
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
		Metadata:               sub.Metadata,
	}
	if sub.Customer != nil {
		out.ProviderCustomerID = sub.Customer.ID
	}
	if sub.CanceledAt > 0 {
		t := time.Unix(sub.CanceledAt, 0).UTC()
		out.CanceledAt = &t
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.Price != nil {
			out.PriceID = item.Price.ID
		}
		if item.CurrentPeriodStart > 0 {
			t := time.Unix(item.CurrentPeriodStart, 0).UTC()
			out.CurrentPeriodStart = &t
		}
		if item.CurrentPeriodEnd > 0 {
			t := time.Unix(item.CurrentPeriodEnd, 0).UTC()
			out.CurrentPeriodEnd = &t
		}
	}
	if raw := sub.LastResponse; raw != nil {
		out.RawPayloadJSON = string(raw.RawJSON)
	}
	return out
}

func invoiceInfoFrom(inv *stripe.Invoice) InvoiceInfo {
	return InvoiceInfo{
		ID:          inv.ID,
		Number:      inv.Number,
		AmountDue:   inv.AmountDue,
		AmountPaid:  inv.AmountPaid,
		Currency:    string(inv.Currency),
		Status:      string(inv.Status),
		HostedURL:   inv.HostedInvoiceURL,
		PDFURL:      inv.InvoicePDF,
		CreatedAt:   inv.Created,
		PeriodStart: inv.PeriodStart,
		PeriodEnd:   inv.PeriodEnd,
	}
}

func wrapProvider(err error) error {
	return fmt.Errorf("%w: %v", ErrProvider, err)
}
