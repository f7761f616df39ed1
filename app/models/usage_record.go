package models

import "time"

// UsageRecord counts consumptions of one feature by one user within one
// accounting period. Rows are created lazily on first record and are never
// deleted; they expire implicitly when the period advances. MetadataJSON is
// an append-only log of plan-change annotations.
type UsageRecord struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	UserID       uint      `gorm:"not null;uniqueIndex:ux_usage_records_user_feature_period,priority:1;index" json:"user_id"`
	Feature      string    `gorm:"type:varchar(64);not null;uniqueIndex:ux_usage_records_user_feature_period,priority:2" json:"feature"`
	PeriodStart  time.Time `gorm:"not null;uniqueIndex:ux_usage_records_user_feature_period,priority:3" json:"period_start"`
	PeriodEnd    time.Time `gorm:"not null" json:"period_end"`
	Count        int       `gorm:"not null;default:0" json:"count"`
	MetadataJSON string    `gorm:"type:longtext" json:"metadata_json"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
