package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/everkeep/everkeep/app/models"
	"github.com/everkeep/everkeep/internal/pkg/cache"
	"github.com/everkeep/everkeep/internal/pkg/entitlements"
	"gorm.io/gorm"
)

const planCacheTTL = 5 * time.Minute

// Service owns the subscription store: it mirrors provider subscription
// state into local tables and resolves the effective plan per user.
type Service struct {
	repo     Repository
	prices   *PriceTable
	useCache bool
}

// NewService creates a billing service from an injected repository. No plan
// cache is used; intended for tests and tooling.
func NewService(repo Repository, prices *PriceTable) *Service {
	return &Service{repo: repo, prices: prices}
}

// NewServiceFromDB creates a billing service from a GORM DB handle with the
// redis-backed plan cache enabled.
func NewServiceFromDB(db *gorm.DB, prices *PriceTable) *Service {
	return &Service{repo: NewRepository(db), prices: prices, useCache: true}
}

// Prices exposes the plan/price mapping.
func (s *Service) Prices() *PriceTable {
	return s.prices
}

// GetLatest returns the most recently created subscription for the user, or
// nil when the user never checked out.
func (s *Service) GetLatest(ctx context.Context, userID uint) (*models.Subscription, error) {
	_ = ctx
	sub, err := s.repo.GetLatestByUser(userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return sub, nil
}

// GetActive returns the user's active-or-trialing subscription, or nil.
func (s *Service) GetActive(ctx context.Context, userID uint) (*models.Subscription, error) {
	_ = ctx
	sub, err := s.repo.GetActiveByUser(userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return sub, nil
}

// PlanFor resolves the effective plan for a user. Absent subscriptions and
// any status outside active/trialing collapse to free. A subscription
// flagged cancel-at-period-end still entitles until the period closes.
func (s *Service) PlanFor(userID uint) (entitlements.Plan, error) {
	if s.useCache {
		if cached, err := cache.Get(planCacheKey(userID)); err == nil && cached != "" {
			return entitlements.NormalizePlan(cached), nil
		}
	}

	sub, err := s.repo.GetLatestByUser(userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.cachePlan(userID, entitlements.PlanFree)
			return entitlements.PlanFree, nil
		}
		return entitlements.PlanFree, err
	}

	plan := entitlements.PlanFree
	if sub.IsEntitling() {
		plan = entitlements.NormalizePlan(sub.Plan)
	}
	s.cachePlan(userID, plan)
	return plan, nil
}

// SyncSubscription upserts provider subscription state for a user and
// refreshes the plan mirror. userID may be 0 when the caller only knows the
// provider IDs; the upsert then keeps the stored owner.
func (s *Service) SyncSubscription(ctx context.Context, userID uint, in NormalizedSubscription) (*models.Subscription, error) {
	_ = ctx
	providerSubID := strings.TrimSpace(in.ProviderSubscriptionID)
	if providerSubID == "" {
		return nil, errors.New("provider_subscription_id is required")
	}

	status, known := models.CoerceSubscriptionStatus(strings.ToLower(strings.TrimSpace(in.Status)))
	if !known {
		log.Printf("billing: unknown provider status %q on %s, storing as inactive", in.Status, providerSubID)
	}

	plan := in.Metadata["plan"]
	if _, err := entitlements.ParsePlan(plan); err != nil || !entitlements.IsPaid(entitlements.NormalizePlan(plan)) {
		plan = string(s.prices.PlanForPrice(in.PriceID))
	}

	sub := &models.Subscription{
		UserID:                 userID,
		ProviderCustomerID:     strings.TrimSpace(in.ProviderCustomerID),
		ProviderSubscriptionID: providerSubID,
		Plan:                   plan,
		Status:                 status,
		CurrentPeriodStart:     in.CurrentPeriodStart,
		CurrentPeriodEnd:       in.CurrentPeriodEnd,
		CancelAtPeriodEnd:      in.CancelAtPeriodEnd,
		CanceledAt:             in.CanceledAt,
		RawPayloadJSON:         in.RawPayloadJSON,
	}
	if err := s.repo.UpsertByProviderID(sub); err != nil {
		return nil, err
	}

	if sub.UserID != 0 {
		if err := s.reconcilePlanMirror(sub.UserID); err != nil {
			log.Printf("billing: plan mirror refresh failed for user %d: %v", sub.UserID, err)
		}
	}
	return sub, nil
}

// MarkCanceled finalizes a subscription after the provider deleted it. The
// row is kept for audit; the cancel-at-period-end flag is cleared because it
// no longer means anything once the subscription ended.
func (s *Service) MarkCanceled(ctx context.Context, providerSubscriptionID string, when time.Time) error {
	_ = ctx
	if err := s.repo.MarkCanceled(providerSubscriptionID, when); err != nil {
		return err
	}
	return s.refreshMirrorBySubscription(providerSubscriptionID)
}

// SetStatus applies a status-only transition, e.g. past_due on payment
// failure.
func (s *Service) SetStatus(ctx context.Context, providerSubscriptionID, status string) error {
	_ = ctx
	coerced, known := models.CoerceSubscriptionStatus(status)
	if !known {
		log.Printf("billing: unknown status %q for %s, storing as inactive", status, providerSubscriptionID)
	}
	if err := s.repo.SetStatus(providerSubscriptionID, coerced); err != nil {
		return err
	}
	return s.refreshMirrorBySubscription(providerSubscriptionID)
}

// RecordWebhookEvent persists webhook payloads idempotently. Events without
// a provider ID are keyed by a payload digest so redeliveries still dedupe.
func (s *Service) RecordWebhookEvent(ctx context.Context, in WebhookEventInput) (bool, *models.WebhookEvent, error) {
	_ = ctx
	eventID := strings.TrimSpace(in.ProviderEventID)
	if eventID == "" {
		sum := sha256.Sum256([]byte(in.PayloadJSON))
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	event := &models.WebhookEvent{
		ProviderEventID: eventID,
		EventType:       strings.TrimSpace(in.EventType),
		PayloadJSON:     in.PayloadJSON,
	}
	return s.repo.CreateWebhookEventIfNotExists(event)
}

// MarkWebhookProcessed marks an event as processed and stores an optional error.
func (s *Service) MarkWebhookProcessed(ctx context.Context, webhookEventID uint, processingErr error) error {
	_ = ctx
	if webhookEventID == 0 {
		return errors.New("webhook_event_id is required")
	}
	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	return s.repo.MarkWebhookProcessed(webhookEventID, errMsg)
}

// UserForCustomer resolves a provider customer ID back to the local user.
func (s *Service) UserForCustomer(ctx context.Context, customerID string) (*models.User, error) {
	_ = ctx
	return s.repo.GetUserByStripeCustomerID(customerID)
}

// GetByProviderSubscriptionID exposes a direct store lookup.
func (s *Service) GetByProviderSubscriptionID(providerSubscriptionID string) (*models.Subscription, error) {
	return s.repo.GetByProviderSubscriptionID(providerSubscriptionID)
}

func (s *Service) refreshMirrorBySubscription(providerSubscriptionID string) error {
	sub, err := s.repo.GetByProviderSubscriptionID(providerSubscriptionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if sub.UserID == 0 {
		return nil
	}
	return s.reconcilePlanMirror(sub.UserID)
}

// reconcilePlanMirror recomputes the effective plan and writes it to the
// user settings mirror, dropping the cached value so the next admission
// check sees fresh state.
func (s *Service) reconcilePlanMirror(userID uint) error {
	s.invalidatePlanCache(userID)

	plan, err := s.PlanFor(userID)
	if err != nil {
		return err
	}

	us, err := s.repo.GetOrCreateUserSettings(userID)
	if err != nil {
		return err
	}
	if entitlements.NormalizePlan(us.Plan) == plan {
		return nil
	}
	us.Plan = string(plan)
	return s.repo.SaveUserSettings(us)
}

func (s *Service) cachePlan(userID uint, plan entitlements.Plan) {
	if !s.useCache {
		return
	}
	if err := cache.Set(planCacheKey(userID), string(plan), planCacheTTL); err != nil {
		log.Printf("billing: plan cache write failed for user %d: %v", userID, err)
	}
}

func (s *Service) invalidatePlanCache(userID uint) {
	if !s.useCache {
		return
	}
	if err := cache.Delete(planCacheKey(userID)); err != nil {
		log.Printf("billing: plan cache invalidation failed for user %d: %v", userID, err)
	}
}

func planCacheKey(userID uint) string {
	return fmt.Sprintf("user_plan:%d", userID)
}
