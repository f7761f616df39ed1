package usage

import (
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/everkeep/everkeep/app/models"
	"github.com/everkeep/everkeep/internal/pkg/entitlements"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MetadataEntry is one element of a usage record's append-only metadata log.
type MetadataEntry struct {
	Kind          string         `json:"kind"`
	ChangeID      string         `json:"change_id,omitempty"`
	At            time.Time      `json:"at"`
	From          string         `json:"from,omitempty"`
	To            string         `json:"to,omitempty"`
	UsageAtChange int            `json:"usage_at_change,omitempty"`
	NewLimit      int            `json:"new_limit,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}

const (
	metadataKindRecord     = "record"
	metadataKindPlanChange = "plan_change"
)

// Ledger is the per-user, per-feature, per-period usage counter store.
// Increment correctness relies on the atomic count expression plus the
// unique (user_id, feature, period_start) constraint; the increment's row
// lock serializes the metadata append for the rest of the transaction.
type Ledger struct {
	db  *gorm.DB
	now func() time.Time
}

// NewLedger creates a ledger backed by GORM.
func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// GetUsage returns the count for the current period, or 0 when no record
// exists. Rows from prior periods are ignored, never summed.
func (l *Ledger) GetUsage(userID uint, feature entitlements.Feature) (int, error) {
	start, _ := CurrentPeriod(l.now())

	var rec models.UsageRecord
	err := l.db.Where("user_id = ? AND feature = ? AND period_start = ?", userID, string(feature), start).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return rec.Count, nil
}

// Record increments the current-period counter, creating the row lazily on
// first consumption. Concurrent first-inserts race on the unique constraint;
// the loser retries the increment branch inside the same transaction.
func (l *Ledger) Record(userID uint, feature entitlements.Feature, meta map[string]any) (*models.UsageRecord, error) {
	start, end := CurrentPeriod(l.now())

	var rec models.UsageRecord
	err := l.db.Transaction(func(tx *gorm.DB) error {
		res := l.increment(tx, userID, feature, start)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			fresh := models.UsageRecord{
				UserID:      userID,
				Feature:     string(feature),
				PeriodStart: start,
				PeriodEnd:   end,
				Count:       1,
			}
			if err := tx.Create(&fresh).Error; err != nil {
				// A concurrent request created the row first; take the
				// increment branch after all.
				retry := l.increment(tx, userID, feature, start)
				if retry.Error != nil || retry.RowsAffected == 0 {
					return err
				}
			}
		}

		if err := tx.Where("user_id = ? AND feature = ? AND period_start = ?", userID, string(feature), start).
			First(&rec).Error; err != nil {
			return err
		}
		if meta != nil {
			metaJSON, err := appendMetadata(rec.MetadataJSON, MetadataEntry{Kind: metadataKindRecord, At: l.now(), Data: meta})
			if err != nil {
				return err
			}
			rec.MetadataJSON = metaJSON
			if err := tx.Model(&models.UsageRecord{}).
				Where("id = ?", rec.ID).
				UpdateColumn("metadata_json", metaJSON).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (l *Ledger) increment(tx *gorm.DB, userID uint, feature entitlements.Feature, start time.Time) *gorm.DB {
	return tx.Model(&models.UsageRecord{}).
		Where("user_id = ? AND feature = ? AND period_start = ?", userID, string(feature), start).
		UpdateColumn("count", gorm.Expr("count + 1"))
}

// Refund decrements the current-period counter, clamped at 0. It never
// creates a row. Features with refund disabled by policy are a logged no-op.
func (l *Ledger) Refund(userID uint, feature entitlements.Feature) error {
	if !entitlements.IsRefundable(feature) {
		log.Printf("usage: refund skipped for non-refundable feature %s (user %d)", feature, userID)
		return nil
	}

	start, _ := CurrentPeriod(l.now())
	return l.db.Model(&models.UsageRecord{}).
		Where("user_id = ? AND feature = ? AND period_start = ? AND count > 0", userID, string(feature), start).
		UpdateColumn("count", gorm.Expr("count - 1")).Error
}

// AnnotatePlanChange appends a plan transition entry to every current-period
// record of the user without touching counts. The counters keep what was
// already consumed; subsequent admission checks enforce the new ceilings.
func (l *Ledger) AnnotatePlanChange(userID uint, from, to entitlements.Plan, newLimits map[entitlements.Feature]int) error {
	start, _ := CurrentPeriod(l.now())

	var records []models.UsageRecord
	if err := l.db.Where("user_id = ? AND period_start = ?", userID, start).
		Find(&records).Error; err != nil {
		return err
	}

	// One change ID across all records of this transition ties the log
	// entries together for audit queries.
	changeID := uuid.New().String()

	for i := range records {
		rec := &records[i]
		entry := MetadataEntry{
			Kind:          metadataKindPlanChange,
			ChangeID:      changeID,
			At:            l.now(),
			From:          string(from),
			To:            string(to),
			UsageAtChange: rec.Count,
			NewLimit:      newLimits[entitlements.Feature(rec.Feature)],
		}
		metaJSON, err := appendMetadata(rec.MetadataJSON, entry)
		if err != nil {
			return err
		}
		if err := l.db.Model(&models.UsageRecord{}).
			Where("id = ?", rec.ID).
			UpdateColumn("metadata_json", metaJSON).Error; err != nil {
			return err
		}
	}
	return nil
}

// appendMetadata appends one entry to the serialized metadata log. A blank or
// unparsable log starts fresh rather than failing the write.
func appendMetadata(existing string, entry MetadataEntry) (string, error) {
	var entries []MetadataEntry
	if existing != "" {
		if err := json.Unmarshal([]byte(existing), &entries); err != nil {
			log.Printf("usage: resetting unparsable metadata log: %v", err)
			entries = nil
		}
	}
	entries = append(entries, entry)
	out, err := json.Marshal(entries)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
