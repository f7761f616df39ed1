package usage

import (
	"errors"
	"testing"

	"github.com/everkeep/everkeep/internal/pkg/entitlements"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	plan entitlements.Plan
	err  error
}

func (f fakeResolver) PlanFor(userID uint) (entitlements.Plan, error) {
	return f.plan, f.err
}

type fakeLimits struct {
	limits map[entitlements.Feature]int
	err    error
}

func (f fakeLimits) GetLimit(plan entitlements.Plan, feature entitlements.Feature) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.limits[feature], nil
}

type fakeUsage struct {
	counts map[entitlements.Feature]int
	err    error
}

func (f fakeUsage) GetUsage(userID uint, feature entitlements.Feature) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.counts[feature], nil
}

func TestCheckLimitFreeUserNeedsSubscription(t *testing.T) {
	svc := NewAdmissionService(
		fakeResolver{plan: entitlements.PlanFree},
		fakeLimits{},
		fakeUsage{},
	)

	v := svc.CheckLimit(1, entitlements.FeatureInterviews)

	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonSubscriptionRequired, v.Reason)
	assert.Equal(t, entitlements.PlanFree, v.Plan)
}

func TestCheckLimitAllowedWithRemaining(t *testing.T) {
	svc := NewAdmissionService(
		fakeResolver{plan: entitlements.PlanPremium},
		fakeLimits{limits: map[entitlements.Feature]int{entitlements.FeatureInterviews: 50}},
		fakeUsage{counts: map[entitlements.Feature]int{entitlements.FeatureInterviews: 49}},
	)

	v := svc.CheckLimit(1, entitlements.FeatureInterviews)

	require.True(t, v.Allowed)
	assert.Equal(t, 1, v.Remaining)
	assert.Equal(t, 50, v.Limit)
	assert.Equal(t, 49, v.CurrentUsage)
}

func TestCheckLimitLimitReached(t *testing.T) {
	svc := NewAdmissionService(
		fakeResolver{plan: entitlements.PlanPremium},
		fakeLimits{limits: map[entitlements.Feature]int{entitlements.FeatureInterviews: 50}},
		fakeUsage{counts: map[entitlements.Feature]int{entitlements.FeatureInterviews: 50}},
	)

	v := svc.CheckLimit(1, entitlements.FeatureInterviews)

	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonLimitReached, v.Reason)
	assert.Equal(t, 50, v.Limit)
	assert.Equal(t, 50, v.CurrentUsage)
	assert.NotEmpty(t, v.Message)
}

func TestCheckLimitUnlimitedPlan(t *testing.T) {
	svc := NewAdmissionService(
		fakeResolver{plan: entitlements.PlanUltimate},
		fakeLimits{limits: map[entitlements.Feature]int{entitlements.FeatureVoiceClones: UnlimitedRemaining}},
		fakeUsage{err: errors.New("must not be consulted")},
	)

	v := svc.CheckLimit(1, entitlements.FeatureVoiceClones)

	require.True(t, v.Allowed)
	assert.True(t, v.Unlimited)
	assert.Equal(t, UnlimitedRemaining, v.Remaining)
}

func TestCheckLimitFailsClosed(t *testing.T) {
	boom := errors.New("db down")

	tests := []struct {
		name string
		svc  *AdmissionService
	}{
		{
			name: "resolver error",
			svc:  NewAdmissionService(fakeResolver{err: boom}, fakeLimits{}, fakeUsage{}),
		},
		{
			name: "limits error",
			svc:  NewAdmissionService(fakeResolver{plan: entitlements.PlanPremium}, fakeLimits{err: boom}, fakeUsage{}),
		},
		{
			name: "usage error",
			svc: NewAdmissionService(
				fakeResolver{plan: entitlements.PlanPremium},
				fakeLimits{limits: map[entitlements.Feature]int{entitlements.FeatureInterviews: 10}},
				fakeUsage{err: boom},
			),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := tt.svc.CheckLimit(1, entitlements.FeatureInterviews)
			assert.False(t, v.Allowed)
			assert.Equal(t, ReasonInternalError, v.Reason)
		})
	}
}

func TestStatsFor(t *testing.T) {
	svc := NewStatsService(
		fakeResolver{plan: entitlements.PlanPremium},
		fakeLimits{limits: map[entitlements.Feature]int{
			entitlements.FeatureInterviews:       50,
			entitlements.FeatureVoiceClones:      UnlimitedRemaining,
			entitlements.FeatureMemoryGraphOps:   500,
			entitlements.FeatureAvatarGens:       10,
			entitlements.FeatureMultimediaUpload: 500,
		}},
		fakeUsage{counts: map[entitlements.Feature]int{
			entitlements.FeatureInterviews:     25,
			entitlements.FeatureMemoryGraphOps: 750,
		}},
	)

	stats, err := svc.StatsFor(1)
	require.NoError(t, err)
	assert.Equal(t, entitlements.PlanPremium, stats.Plan)

	interviews := stats.Features["interview_sessions"]
	assert.Equal(t, 25, interviews.Remaining)
	assert.Equal(t, 50, interviews.Percent)

	voice := stats.Features["voice_clones"]
	assert.True(t, voice.Unlimited)
	assert.Equal(t, UnlimitedRemaining, voice.Remaining)
	assert.Equal(t, 0, voice.Percent)

	// Over-limit usage clamps remaining at 0 and percent at 100.
	graph := stats.Features["memory_graph_operations"]
	assert.Equal(t, 0, graph.Remaining)
	assert.Equal(t, 100, graph.Percent)
}
