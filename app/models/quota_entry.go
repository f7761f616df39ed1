package models

import "time"

// UnlimitedQuota is the sentinel limit value meaning "no cap".
const UnlimitedQuota = -1

const (
	QuotaCadenceMonthly = "monthly"
	QuotaCadenceTotal   = "total"
)

// QuotaEntry holds the per-feature limit for one paid plan. The free plan has
// no rows and is treated as limit 0 everywhere.
type QuotaEntry struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Plan         string    `gorm:"type:varchar(50);not null;uniqueIndex:ux_quota_entries_plan_feature,priority:1;index" json:"plan"`
	Feature      string    `gorm:"type:varchar(64);not null;uniqueIndex:ux_quota_entries_plan_feature,priority:2" json:"feature"`
	LimitValue   int       `gorm:"not null;default:0" json:"limit_value"`
	ResetCadence string    `gorm:"type:varchar(16);not null;default:'monthly'" json:"reset_cadence"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsUnlimited reports whether the entry carries the unlimited sentinel.
func (q *QuotaEntry) IsUnlimited() bool {
	return q.LimitValue == UnlimitedQuota
}
