package billing

import (
	"errors"
	"time"

	"github.com/everkeep/everkeep/internal/pkg/entitlements"
)

var (
	// ErrNoActiveSubscription signals a lifecycle operation on a user
	// without an active or trialing subscription.
	ErrNoActiveSubscription = errors.New("no active subscription")

	// ErrProvider wraps any failure returned by the payment provider. The
	// HTTP layer surfaces it as 502 with a redacted message.
	ErrProvider = errors.New("payment provider error")
)

// NormalizedSubscription is the provider-agnostic shape used when syncing
// external subscription state into the local store.
type NormalizedSubscription struct {
	ProviderSubscriptionID string
	ProviderCustomerID     string
	PriceID                string
	Status                 string
	CurrentPeriodStart     *time.Time
	CurrentPeriodEnd       *time.Time
	CancelAtPeriodEnd      bool
	CanceledAt             *time.Time
	Metadata               map[string]string
	RawPayloadJSON         string
}

// CheckoutInfo is the result of starting a provider checkout.
type CheckoutInfo struct {
	SessionID   string `json:"session_id"`
	RedirectURL string `json:"redirect_url"`
}

// InvoiceInfo is a read-only invoice projection for the billing dashboard.
type InvoiceInfo struct {
	ID           string `json:"id"`
	Number       string `json:"number"`
	AmountDue    int64  `json:"amount_due"`
	AmountPaid   int64  `json:"amount_paid"`
	Currency     string `json:"currency"`
	Status       string `json:"status"`
	HostedURL    string `json:"hosted_url"`
	PDFURL       string `json:"pdf_url"`
	CreatedAt    int64  `json:"created_at"`
	PeriodStart  int64  `json:"period_start"`
	PeriodEnd    int64  `json:"period_end"`
}

// PaymentMethodInfo describes a stored card for the billing dashboard.
type PaymentMethodInfo struct {
	ID       string `json:"id"`
	Brand    string `json:"brand"`
	Last4    string `json:"last4"`
	ExpMonth int64  `json:"exp_month"`
	ExpYear  int64  `json:"exp_year"`
	Default  bool   `json:"default"`
}

// Overage describes one feature blocking a downgrade.
type Overage struct {
	Feature      entitlements.Feature `json:"feature"`
	CurrentUsage int                  `json:"current_usage"`
	NewLimit     int                  `json:"new_limit"`
	Overage      int                  `json:"overage"`
	Message      string               `json:"message"`
}

// DowngradeCheck is the read-only downgrade admission result. It may be
// requested repeatedly as a preview before a plan change is applied.
type DowngradeCheck struct {
	Allowed  bool      `json:"allowed"`
	Overages []Overage `json:"overages"`
}

// ChangeResult reports the outcome of a plan change.
type ChangeResult struct {
	Changed   bool                         `json:"changed"`
	From      entitlements.Plan            `json:"from"`
	To        entitlements.Plan            `json:"to"`
	Direction entitlements.ChangeDirection `json:"direction"`
	Blocked   *DowngradeCheck              `json:"blocked,omitempty"`
}

// WebhookEventInput is the normalized input for webhook event persistence.
type WebhookEventInput struct {
	ProviderEventID string
	EventType       string
	PayloadJSON     string
}
