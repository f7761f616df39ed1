package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	SubscriptionStatusActive            = "active"
	SubscriptionStatusTrialing          = "trialing"
	SubscriptionStatusPastDue           = "past_due"
	SubscriptionStatusUnpaid            = "unpaid"
	SubscriptionStatusCanceled          = "canceled"
	SubscriptionStatusIncomplete        = "incomplete"
	SubscriptionStatusIncompleteExpired = "incomplete_expired"
	SubscriptionStatusInactive          = "inactive"
)

// Subscription mirrors the provider's view of a user subscription. Rows are
// created on first successful checkout, mutated by webhook handlers and plan
// changes, and kept after cancellation for audit.
type Subscription struct {
	ID                     uint       `gorm:"primaryKey" json:"id"`
	UUID                   string     `gorm:"type:varchar(36);uniqueIndex:ux_subscriptions_uuid" json:"uuid"`
	UserID                 uint       `gorm:"not null;index" json:"user_id"`
	ProviderCustomerID     string     `gorm:"type:varchar(191);not null;index" json:"provider_customer_id"`
	ProviderSubscriptionID string     `gorm:"type:varchar(191);not null;uniqueIndex:ux_subscriptions_provider_subid" json:"provider_subscription_id"`
	Plan                   string     `gorm:"type:varchar(50);not null;default:'personal';index" json:"plan"`
	Status                 string     `gorm:"type:varchar(32);not null;default:'incomplete';index" json:"status"`
	CurrentPeriodStart     *time.Time `gorm:"type:timestamp;default:null" json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool       `gorm:"default:false" json:"cancel_at_period_end"`
	CanceledAt             *time.Time `gorm:"type:timestamp;default:null" json:"canceled_at,omitempty"`
	RawPayloadJSON         string     `gorm:"type:longtext" json:"-"`
	CreatedAt              time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt              time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// BeforeCreate assigns the public identifier used in API responses and logs.
func (s *Subscription) BeforeCreate(tx *gorm.DB) error {
	if s.UUID == "" {
		s.UUID = uuid.New().String()
	}
	return nil
}

// IsEntitling reports whether the subscription status grants its paid plan.
// A subscription flagged cancel_at_period_end keeps entitling until the
// provider emits the deletion event at period close.
func (s *Subscription) IsEntitling() bool {
	return s.Status == SubscriptionStatusActive || s.Status == SubscriptionStatusTrialing
}

// CoerceSubscriptionStatus maps a provider status string into the closed
// status set. Unknown statuses collapse to inactive so they never entitle.
func CoerceSubscriptionStatus(status string) (string, bool) {
	switch status {
	case SubscriptionStatusActive,
		SubscriptionStatusTrialing,
		SubscriptionStatusPastDue,
		SubscriptionStatusUnpaid,
		SubscriptionStatusCanceled,
		SubscriptionStatusIncomplete,
		SubscriptionStatusIncompleteExpired,
		SubscriptionStatusInactive:
		return status, true
	default:
		return SubscriptionStatusInactive, false
	}
}
