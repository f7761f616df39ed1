package billing

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/everkeep/everkeep/app/models"
	"github.com/everkeep/everkeep/internal/pkg/entitlements"
)

// LimitSource answers quota lookups for downgrade admission.
type LimitSource interface {
	GetLimit(plan entitlements.Plan, feature entitlements.Feature) (int, error)
}

// UsageSource answers current-period usage lookups.
type UsageSource interface {
	GetUsage(userID uint, feature entitlements.Feature) (int, error)
}

// ChangeAnnotator stamps plan transitions onto the current-period ledger.
type ChangeAnnotator interface {
	AnnotatePlanChange(userID uint, from, to entitlements.Plan, newLimits map[entitlements.Feature]int) error
}

// PlanChanger coordinates plan transitions between the provider, the
// subscription store and the usage ledger.
type PlanChanger struct {
	store   *Service
	gateway Gateway
	limits  LimitSource
	usage   UsageSource
	ledger  ChangeAnnotator
}

func NewPlanChanger(store *Service, gateway Gateway, limits LimitSource, usage UsageSource, ledger ChangeAnnotator) *PlanChanger {
	return &PlanChanger{
		store:   store,
		gateway: gateway,
		limits:  limits,
		usage:   usage,
		ledger:  ledger,
	}
}

// CheckDowngrade reports whether the user's current-period usage fits under
// the target plan's quotas. It is read-only and safe to call as a preview.
func (p *PlanChanger) CheckDowngrade(ctx context.Context, userID uint, target entitlements.Plan) (*DowngradeCheck, error) {
	check := &DowngradeCheck{Allowed: true}
	for _, feature := range entitlements.AllFeatures {
		newLimit, err := p.limits.GetLimit(target, feature)
		if err != nil {
			return nil, err
		}
		if newLimit == -1 {
			continue
		}
		current, err := p.usage.GetUsage(userID, feature)
		if err != nil {
			return nil, err
		}
		if current > newLimit {
			check.Overages = append(check.Overages, Overage{
				Feature:      feature,
				CurrentUsage: current,
				NewLimit:     newLimit,
				Overage:      current - newLimit,
				Message:      fmt.Sprintf("%s usage (%d) exceeds the %s plan limit of %d", feature, current, target, newLimit),
			})
		}
	}
	check.Allowed = len(check.Overages) == 0
	return check, nil
}

// ChangePlan moves the user's active subscription to the target plan.
// Downgrades are admitted only when current usage fits under the new quotas;
// the provider is the system of record, so its updated subscription state is
// written back before the ledger annotation.
func (p *PlanChanger) ChangePlan(ctx context.Context, userID uint, target entitlements.Plan) (*ChangeResult, error) {
	if !entitlements.IsPaid(target) {
		return nil, fmt.Errorf("billing: cannot change to plan %q, cancel instead", target)
	}

	sub, err := p.store.GetActive(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, ErrNoActiveSubscription
	}

	from := entitlements.NormalizePlan(sub.Plan)
	result := &ChangeResult{From: from, To: target, Direction: entitlements.Direction(from, target)}
	if from == target {
		return result, nil
	}

	if result.Direction == entitlements.DirectionDowngrade {
		check, err := p.CheckDowngrade(ctx, userID, target)
		if err != nil {
			return nil, err
		}
		if !check.Allowed {
			result.Blocked = check
			return result, nil
		}
	}

	priceID, err := p.store.Prices().PriceForPlan(target)
	if err != nil {
		return nil, err
	}

	norm, err := p.gateway.ChangeLineItem(ctx, sub.ProviderSubscriptionID, priceID)
	if err != nil {
		return nil, err
	}
	if norm.Metadata == nil {
		norm.Metadata = map[string]string{}
	}
	norm.Metadata["plan"] = string(target)

	if _, err := p.store.SyncSubscription(ctx, userID, *norm); err != nil {
		return nil, err
	}

	if err := p.annotate(userID, from, target); err != nil {
		// The change itself succeeded; the annotation is audit trail only.
		log.Printf("billing: plan change annotation failed for user %d: %v", userID, err)
	}

	result.Changed = true
	log.Printf("billing: user %d changed plan %s -> %s (%s) at %s", userID, from, target, result.Direction, time.Now().UTC().Format(time.RFC3339))
	return result, nil
}

// SetCancelAtPeriodEnd flags or unflags the active subscription to end at
// period close. Asking for the state the subscription is already in is a
// no-op success: resuming a non-cancelling subscription changes nothing.
func (p *PlanChanger) SetCancelAtPeriodEnd(ctx context.Context, userID uint, cancel bool) (*models.Subscription, bool, error) {
	sub, err := p.store.GetActive(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	if sub == nil {
		return nil, false, ErrNoActiveSubscription
	}
	if sub.CancelAtPeriodEnd == cancel {
		return sub, false, nil
	}

	norm, err := p.gateway.SetCancelAtPeriodEnd(ctx, sub.ProviderSubscriptionID, cancel)
	if err != nil {
		return nil, false, err
	}
	updated, err := p.store.SyncSubscription(ctx, userID, *norm)
	if err != nil {
		return nil, false, err
	}
	return updated, true, nil
}

func (p *PlanChanger) annotate(userID uint, from, to entitlements.Plan) error {
	newLimits := make(map[entitlements.Feature]int, len(entitlements.AllFeatures))
	for _, feature := range entitlements.AllFeatures {
		limit, err := p.limits.GetLimit(to, feature)
		if err != nil {
			return err
		}
		newLimits[feature] = limit
	}
	return p.ledger.AnnotatePlanChange(userID, from, to, newLimits)
}
