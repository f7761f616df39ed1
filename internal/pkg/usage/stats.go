package usage

import (
	"math"

	"github.com/everkeep/everkeep/internal/pkg/entitlements"
)

// FeatureStats is the dashboard snapshot for one feature.
type FeatureStats struct {
	Limit        int  `json:"limit"`
	CurrentUsage int  `json:"current_usage"`
	Remaining    int  `json:"remaining"`
	Unlimited    bool `json:"unlimited"`
	Percent      int  `json:"percent"`
}

// Stats is the per-user usage snapshot served by the usage endpoint.
type Stats struct {
	Plan     entitlements.Plan       `json:"plan"`
	Features map[string]FeatureStats `json:"features"`
}

// StatsService assembles usage dashboards from the same sources the
// admission check consults.
type StatsService struct {
	resolver PlanResolver
	limits   LimitSource
	usage    UsageSource
}

// NewStatsService wires the snapshot assembler.
func NewStatsService(resolver PlanResolver, limits LimitSource, usage UsageSource) *StatsService {
	return &StatsService{resolver: resolver, limits: limits, usage: usage}
}

// StatsFor returns the current-period snapshot for every feature. Unlimited
// features report remaining -1 and percent 0.
func (s *StatsService) StatsFor(userID uint) (*Stats, error) {
	plan, err := s.resolver.PlanFor(userID)
	if err != nil {
		return nil, err
	}

	out := &Stats{
		Plan:     plan,
		Features: make(map[string]FeatureStats, len(entitlements.AllFeatures)),
	}

	for _, feature := range entitlements.AllFeatures {
		limit, err := s.limits.GetLimit(plan, feature)
		if err != nil {
			return nil, err
		}
		current, err := s.usage.GetUsage(userID, feature)
		if err != nil {
			return nil, err
		}

		stats := FeatureStats{
			Limit:        limit,
			CurrentUsage: current,
		}
		if limit == UnlimitedRemaining {
			stats.Unlimited = true
			stats.Remaining = UnlimitedRemaining
		} else {
			stats.Remaining = maxInt(0, limit-current)
			if limit > 0 {
				pct := int(math.Round(float64(current) / float64(limit) * 100))
				stats.Percent = minInt(100, pct)
			} else if current > 0 {
				stats.Percent = 100
			}
		}
		out.Features[string(feature)] = stats
	}
	return out, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
