package usage

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/everkeep/everkeep/app/models"
	"github.com/everkeep/everkeep/internal/pkg/entitlements"
)

// newTestLedger opens an in-memory database and pins the ledger clock so
// period boundaries are deterministic. Tests move the clock by reassigning
// the captured variable.
func newTestLedger(t *testing.T, at time.Time) (*Ledger, *time.Time) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.UsageRecord{}))

	clock := at
	l := NewLedger(db)
	l.now = func() time.Time { return clock }
	return l, &clock
}

func ledgerRowCount(t *testing.T, l *Ledger) int64 {
	t.Helper()
	var n int64
	require.NoError(t, l.db.Model(&models.UsageRecord{}).Count(&n).Error)
	return n
}

func TestRecordCountsWithinPeriod(t *testing.T) {
	l, _ := newTestLedger(t, time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC))

	for i := 0; i < 3; i++ {
		_, err := l.Record(7, entitlements.FeatureVoiceClones, nil)
		require.NoError(t, err)
	}
	_, err := l.Record(7, entitlements.FeatureAvatarGens, nil)
	require.NoError(t, err)
	_, err = l.Record(8, entitlements.FeatureVoiceClones, nil)
	require.NoError(t, err)

	got, err := l.GetUsage(7, entitlements.FeatureVoiceClones)
	require.NoError(t, err)
	assert.Equal(t, 3, got)

	got, err = l.GetUsage(7, entitlements.FeatureAvatarGens)
	require.NoError(t, err)
	assert.Equal(t, 1, got)

	got, err = l.GetUsage(8, entitlements.FeatureVoiceClones)
	require.NoError(t, err)
	assert.Equal(t, 1, got)

	assert.Equal(t, int64(3), ledgerRowCount(t, l))
}

func TestRecordAppendsMetadata(t *testing.T) {
	l, _ := newTestLedger(t, time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC))

	rec, err := l.Record(7, entitlements.FeatureVoiceClones, map[string]any{"voice_id": "v_1"})
	require.NoError(t, err)
	require.Equal(t, 1, rec.Count)

	var entries []MetadataEntry
	require.NoError(t, json.Unmarshal([]byte(rec.MetadataJSON), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "record", entries[0].Kind)
	assert.Equal(t, "v_1", entries[0].Data["voice_id"])
}

func TestRefundClampsAtZeroAndNeverCreatesRows(t *testing.T) {
	l, _ := newTestLedger(t, time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC))

	// Refund without any prior record is a no-op, not a row.
	require.NoError(t, l.Refund(7, entitlements.FeatureVoiceClones))
	assert.Equal(t, int64(0), ledgerRowCount(t, l))

	_, err := l.Record(7, entitlements.FeatureVoiceClones, nil)
	require.NoError(t, err)
	require.NoError(t, l.Refund(7, entitlements.FeatureVoiceClones))
	require.NoError(t, l.Refund(7, entitlements.FeatureVoiceClones))

	got, err := l.GetUsage(7, entitlements.FeatureVoiceClones)
	require.NoError(t, err)
	assert.Equal(t, 0, got)
	assert.Equal(t, int64(1), ledgerRowCount(t, l))
}

func TestRecordThenRefundRestoresCount(t *testing.T) {
	l, _ := newTestLedger(t, time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC))

	_, err := l.Record(7, entitlements.FeatureAvatarGens, nil)
	require.NoError(t, err)
	_, err = l.Record(7, entitlements.FeatureAvatarGens, nil)
	require.NoError(t, err)
	require.NoError(t, l.Refund(7, entitlements.FeatureAvatarGens))

	got, err := l.GetUsage(7, entitlements.FeatureAvatarGens)
	require.NoError(t, err)
	assert.Equal(t, 1, got)
}

func TestRefundSkipsNonRefundableFeature(t *testing.T) {
	l, _ := newTestLedger(t, time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC))

	_, err := l.Record(7, entitlements.FeatureInterviews, nil)
	require.NoError(t, err)
	_, err = l.Record(7, entitlements.FeatureInterviews, nil)
	require.NoError(t, err)

	require.NoError(t, l.Refund(7, entitlements.FeatureInterviews))

	got, err := l.GetUsage(7, entitlements.FeatureInterviews)
	require.NoError(t, err)
	assert.Equal(t, 2, got)
}

func TestUsageResetsWhenPeriodAdvances(t *testing.T) {
	l, clock := newTestLedger(t, time.Date(2026, 8, 30, 23, 0, 0, 0, time.UTC))

	_, err := l.Record(7, entitlements.FeatureMemoryGraphOps, nil)
	require.NoError(t, err)
	_, err = l.Record(7, entitlements.FeatureMemoryGraphOps, nil)
	require.NoError(t, err)

	*clock = time.Date(2026, 9, 1, 0, 0, 1, 0, time.UTC)

	got, err := l.GetUsage(7, entitlements.FeatureMemoryGraphOps)
	require.NoError(t, err)
	assert.Equal(t, 0, got)

	rec, err := l.Record(7, entitlements.FeatureMemoryGraphOps, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Count)

	// The prior period's row is retained untouched.
	assert.Equal(t, int64(2), ledgerRowCount(t, l))
}

func TestAnnotatePlanChangeStampsAllCurrentRecords(t *testing.T) {
	l, _ := newTestLedger(t, time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC))

	_, err := l.Record(7, entitlements.FeatureVoiceClones, nil)
	require.NoError(t, err)
	_, err = l.Record(7, entitlements.FeatureVoiceClones, nil)
	require.NoError(t, err)
	_, err = l.Record(7, entitlements.FeatureAvatarGens, nil)
	require.NoError(t, err)

	newLimits := map[entitlements.Feature]int{
		entitlements.FeatureVoiceClones: 3,
		entitlements.FeatureAvatarGens:  10,
	}
	require.NoError(t, l.AnnotatePlanChange(7, entitlements.PlanUltimate, entitlements.PlanPremium, newLimits))

	var records []models.UsageRecord
	require.NoError(t, l.db.Where("user_id = ?", 7).Order("feature").Find(&records).Error)
	require.Len(t, records, 2)

	changeIDs := map[string]bool{}
	for _, rec := range records {
		var entries []MetadataEntry
		require.NoError(t, json.Unmarshal([]byte(rec.MetadataJSON), &entries))
		last := entries[len(entries)-1]
		assert.Equal(t, "plan_change", last.Kind)
		assert.Equal(t, "ultimate", last.From)
		assert.Equal(t, "premium", last.To)
		assert.Equal(t, rec.Count, last.UsageAtChange)
		assert.Equal(t, newLimits[entitlements.Feature(rec.Feature)], last.NewLimit)
		require.NotEmpty(t, last.ChangeID)
		changeIDs[last.ChangeID] = true
	}
	// Counts are untouched and both entries share one change ID.
	assert.Len(t, changeIDs, 1)

	got, err := l.GetUsage(7, entitlements.FeatureVoiceClones)
	require.NoError(t, err)
	assert.Equal(t, 2, got)
}

func TestAppendMetadataStartsFresh(t *testing.T) {
	out, err := appendMetadata("", MetadataEntry{Kind: "record", At: time.Unix(0, 0).UTC()})
	require.NoError(t, err)

	var entries []MetadataEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "record", entries[0].Kind)
}

func TestAppendMetadataIsAppendOnly(t *testing.T) {
	first, err := appendMetadata("", MetadataEntry{Kind: "record"})
	require.NoError(t, err)

	second, err := appendMetadata(first, MetadataEntry{
		Kind:          "plan_change",
		From:          "personal",
		To:            "premium",
		UsageAtChange: 12,
		NewLimit:      50,
	})
	require.NoError(t, err)

	var entries []MetadataEntry
	require.NoError(t, json.Unmarshal([]byte(second), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "record", entries[0].Kind)
	assert.Equal(t, "plan_change", entries[1].Kind)
	assert.Equal(t, "personal", entries[1].From)
	assert.Equal(t, "premium", entries[1].To)
	assert.Equal(t, 12, entries[1].UsageAtChange)
	assert.Equal(t, 50, entries[1].NewLimit)
}

func TestAppendMetadataRecoversFromGarbage(t *testing.T) {
	out, err := appendMetadata("not json at all", MetadataEntry{Kind: "record"})
	require.NoError(t, err)

	var entries []MetadataEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 1)
}
