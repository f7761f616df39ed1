package quota

import (
	"errors"
	"fmt"
	"log"

	"github.com/everkeep/everkeep/app/models"
	"github.com/everkeep/everkeep/internal/pkg/entitlements"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidQuota is returned for limit values outside [-1, 1_000_000].
var ErrInvalidQuota = errors.New("invalid quota limit")

const maxQuotaLimit = 1_000_000

// Repository provides DB operations for the quota table.
type Repository interface {
	Find(plan, feature string) (*models.QuotaEntry, error)
	List() ([]models.QuotaEntry, error)
	Upsert(entry *models.QuotaEntry) error
	DeleteAll() error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a quota repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Find(plan, feature string) (*models.QuotaEntry, error) {
	var entry models.QuotaEntry
	err := r.db.Where("plan = ? AND feature = ?", plan, feature).First(&entry).Error
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *gormRepository) List() ([]models.QuotaEntry, error) {
	var entries []models.QuotaEntry
	err := r.db.Order("plan, feature").Find(&entries).Error
	return entries, err
}

func (r *gormRepository) Upsert(entry *models.QuotaEntry) error {
	if err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "plan"},
			{Name: "feature"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"limit_value",
			"reset_cadence",
			"updated_at",
		}),
	}).Create(entry).Error; err != nil {
		return err
	}

	return r.db.Where("plan = ? AND feature = ?", entry.Plan, entry.Feature).
		First(entry).Error
}

func (r *gormRepository) DeleteAll() error {
	return r.db.Where("1 = 1").Delete(&models.QuotaEntry{}).Error
}

// Service answers limit lookups and handles administrative edits of the
// quota table.
type Service struct {
	repo Repository
}

// NewService creates a quota service from an injected repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// NewServiceFromDB creates a quota service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB) *Service {
	return NewService(NewRepository(db))
}

// GetLimit returns the limit for (plan, feature). The free plan
// short-circuits to 0 without a table read. A missing row for a paid plan is
// treated as 0 and logged, since seeding guarantees full coverage.
func (s *Service) GetLimit(plan entitlements.Plan, feature entitlements.Feature) (int, error) {
	if !entitlements.IsPaid(plan) {
		return 0, nil
	}

	entry, err := s.repo.Find(string(plan), string(feature))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("quota: no row for plan=%s feature=%s, treating as 0", plan, feature)
			return 0, nil
		}
		return 0, err
	}
	return entry.LimitValue, nil
}

// ListAll returns every quota row ordered by plan and feature.
func (s *Service) ListAll() ([]models.QuotaEntry, error) {
	return s.repo.List()
}

// Upsert validates and writes one quota row. Limit -1 encodes unlimited.
func (s *Service) Upsert(plan, feature string, limit int, cadence string) (*models.QuotaEntry, error) {
	p, err := entitlements.ParsePlan(plan)
	if err != nil {
		return nil, err
	}
	if !entitlements.IsPaid(p) {
		return nil, fmt.Errorf("%w: free plan has no quota rows", entitlements.ErrUnknownPlan)
	}
	f, err := entitlements.ParseFeature(feature)
	if err != nil {
		return nil, err
	}
	if limit < models.UnlimitedQuota || limit > maxQuotaLimit {
		return nil, fmt.Errorf("%w: %d", ErrInvalidQuota, limit)
	}
	if cadence != models.QuotaCadenceMonthly && cadence != models.QuotaCadenceTotal {
		cadence = models.QuotaCadenceMonthly
	}

	entry := &models.QuotaEntry{
		Plan:         string(p),
		Feature:      string(f),
		LimitValue:   limit,
		ResetCadence: cadence,
	}
	if err := s.repo.Upsert(entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// ResetToDefaults wipes the table and reseeds it from the defaults.
func (s *Service) ResetToDefaults() error {
	if err := s.repo.DeleteAll(); err != nil {
		return err
	}
	return s.Seed()
}

// Seed writes the default quota rows. Existing rows are overwritten with the
// seeded values so defaults re-assert after schema changes. Idempotent.
func (s *Service) Seed() error {
	for _, plan := range entitlements.PaidPlans {
		for _, row := range entitlements.DefaultQuotas[plan] {
			entry := &models.QuotaEntry{
				Plan:         string(plan),
				Feature:      string(row.Feature),
				LimitValue:   row.Limit,
				ResetCadence: row.ResetCadence,
			}
			if err := s.repo.Upsert(entry); err != nil {
				return fmt.Errorf("seed quota %s/%s: %w", plan, row.Feature, err)
			}
		}
	}
	return nil
}
