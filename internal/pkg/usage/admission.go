package usage

import (
	"fmt"
	"log"

	"github.com/everkeep/everkeep/internal/pkg/entitlements"
)

// Stable denial reasons surfaced to HTTP callers.
const (
	ReasonSubscriptionRequired = "subscription_required"
	ReasonLimitReached         = "limit_reached"
	ReasonInternalError        = "internal_error"
)

// UnlimitedRemaining is the sentinel for "no cap" in verdicts and stats.
const UnlimitedRemaining = -1

// Verdict is the structured admission result. It is returned by value, never
// raised: callers decide how to map a denial onto their transport.
type Verdict struct {
	Allowed      bool               `json:"allowed"`
	Reason       string             `json:"reason,omitempty"`
	Plan         entitlements.Plan  `json:"plan"`
	Limit        int                `json:"limit"`
	Unlimited    bool               `json:"unlimited"`
	CurrentUsage int                `json:"current_usage"`
	Remaining    int                `json:"remaining"`
	Message      string             `json:"message,omitempty"`
}

// PlanResolver yields the effective plan for a user, collapsing absent or
// non-entitling subscriptions to free.
type PlanResolver interface {
	PlanFor(userID uint) (entitlements.Plan, error)
}

// LimitSource answers quota lookups.
type LimitSource interface {
	GetLimit(plan entitlements.Plan, feature entitlements.Feature) (int, error)
}

// UsageSource answers current-period usage lookups.
type UsageSource interface {
	GetUsage(userID uint, feature entitlements.Feature) (int, error)
}

// AdmissionService decides whether a user may perform one more unit of a
// gated feature. Every gated endpoint must consult it before doing work and
// record afterwards; the check/record gap is deliberately non-atomic to keep
// the fast path lock-free.
type AdmissionService struct {
	resolver PlanResolver
	limits   LimitSource
	usage    UsageSource
}

// NewAdmissionService wires the admission check from its three sources.
func NewAdmissionService(resolver PlanResolver, limits LimitSource, usage UsageSource) *AdmissionService {
	return &AdmissionService{resolver: resolver, limits: limits, usage: usage}
}

// CheckLimit answers "may user perform one more unit of feature?". It fails
// closed: on any unexpected error the verdict denies, never allows.
func (s *AdmissionService) CheckLimit(userID uint, feature entitlements.Feature) Verdict {
	plan, err := s.resolver.PlanFor(userID)
	if err != nil {
		log.Printf("admission: plan resolution failed for user %d: %v", userID, err)
		return s.denyInternal(feature)
	}

	if !entitlements.IsPaid(plan) {
		return Verdict{
			Allowed: false,
			Reason:  ReasonSubscriptionRequired,
			Plan:    entitlements.PlanFree,
			Message: fmt.Sprintf("feature %s requires a paid plan", feature),
		}
	}

	limit, err := s.limits.GetLimit(plan, feature)
	if err != nil {
		log.Printf("admission: quota lookup failed for user %d feature %s: %v", userID, feature, err)
		return s.denyInternal(feature)
	}

	if limit == UnlimitedRemaining {
		return Verdict{
			Allowed:   true,
			Plan:      plan,
			Limit:     limit,
			Unlimited: true,
			Remaining: UnlimitedRemaining,
		}
	}

	current, err := s.usage.GetUsage(userID, feature)
	if err != nil {
		log.Printf("admission: usage lookup failed for user %d feature %s: %v", userID, feature, err)
		return s.denyInternal(feature)
	}

	if current < limit {
		return Verdict{
			Allowed:      true,
			Plan:         plan,
			Limit:        limit,
			CurrentUsage: current,
			Remaining:    limit - current,
		}
	}

	return Verdict{
		Allowed:      false,
		Reason:       ReasonLimitReached,
		Plan:         plan,
		Limit:        limit,
		CurrentUsage: current,
		Message:      fmt.Sprintf("monthly limit of %d reached for %s", limit, feature),
	}
}

func (s *AdmissionService) denyInternal(feature entitlements.Feature) Verdict {
	return Verdict{
		Allowed: false,
		Reason:  ReasonInternalError,
		Plan:    entitlements.PlanFree,
		Message: fmt.Sprintf("admission check unavailable for %s", feature),
	}
}
