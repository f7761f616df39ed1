package entitlements

import (
	"errors"
	"strings"
)

type Plan string

const (
	PlanFree     Plan = "free"
	PlanPersonal Plan = "personal"
	PlanPremium  Plan = "premium"
	PlanUltimate Plan = "ultimate"
)

type Feature string

const (
	FeatureVoiceClones      Feature = "voice_clones"
	FeatureAvatarGens       Feature = "avatar_generations"
	FeatureMemoryGraphOps   Feature = "memory_graph_operations"
	FeatureInterviews       Feature = "interview_sessions"
	FeatureMultimediaUpload Feature = "multimedia_uploads"
)

var (
	ErrUnknownPlan    = errors.New("unknown plan")
	ErrUnknownFeature = errors.New("unknown feature")
)

// PaidPlans lists the storable plans in ascending order. Free is implicit and
// never stored.
var PaidPlans = []Plan{PlanPersonal, PlanPremium, PlanUltimate}

// AllFeatures lists every gated capability. Adding a feature requires a quota
// row per paid plan.
var AllFeatures = []Feature{
	FeatureVoiceClones,
	FeatureAvatarGens,
	FeatureMemoryGraphOps,
	FeatureInterviews,
	FeatureMultimediaUpload,
}

// ParsePlan validates a plan string against the closed enumeration.
func ParsePlan(raw string) (Plan, error) {
	switch Plan(strings.ToLower(strings.TrimSpace(raw))) {
	case PlanFree:
		return PlanFree, nil
	case PlanPersonal:
		return PlanPersonal, nil
	case PlanPremium:
		return PlanPremium, nil
	case PlanUltimate:
		return PlanUltimate, nil
	default:
		return "", ErrUnknownPlan
	}
}

// ParseFeature validates a feature string against the closed enumeration.
func ParseFeature(raw string) (Feature, error) {
	switch Feature(strings.ToLower(strings.TrimSpace(raw))) {
	case FeatureVoiceClones:
		return FeatureVoiceClones, nil
	case FeatureAvatarGens:
		return FeatureAvatarGens, nil
	case FeatureMemoryGraphOps:
		return FeatureMemoryGraphOps, nil
	case FeatureInterviews:
		return FeatureInterviews, nil
	case FeatureMultimediaUpload:
		return FeatureMultimediaUpload, nil
	default:
		return "", ErrUnknownFeature
	}
}

// NormalizePlan collapses unknown plan strings to free.
func NormalizePlan(raw string) Plan {
	p, err := ParsePlan(raw)
	if err != nil {
		return PlanFree
	}
	return p
}

// PlanRank returns the position of a plan in the total order
// free < personal < premium < ultimate.
func PlanRank(plan Plan) int {
	switch plan {
	case PlanUltimate:
		return 3
	case PlanPremium:
		return 2
	case PlanPersonal:
		return 1
	default:
		return 0
	}
}

// IsPaid reports whether the plan is one of the storable paid plans.
func IsPaid(plan Plan) bool {
	return PlanRank(plan) > 0
}

// ChangeDirection classifies a plan transition using the plan total order.
type ChangeDirection string

const (
	DirectionUpgrade   ChangeDirection = "upgrade"
	DirectionLateral   ChangeDirection = "lateral"
	DirectionDowngrade ChangeDirection = "downgrade"
)

// Direction compares two plans and classifies the transition.
func Direction(from, to Plan) ChangeDirection {
	fromRank, toRank := PlanRank(from), PlanRank(to)
	switch {
	case toRank > fromRank:
		return DirectionUpgrade
	case toRank < fromRank:
		return DirectionDowngrade
	default:
		return DirectionLateral
	}
}

// RefundDisabled lists features whose usage counters are never refunded.
// Interview sessions stay consumed even when the recorded session is deleted.
var RefundDisabled = map[Feature]bool{
	FeatureInterviews: true,
}

// IsRefundable reports whether refunding a consumption of the feature is
// allowed by policy.
func IsRefundable(feature Feature) bool {
	return !RefundDisabled[feature]
}
