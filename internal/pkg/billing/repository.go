package billing

import (
	"errors"
	"time"

	"github.com/everkeep/everkeep/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides DB operations used by the billing service.
type Repository interface {
	GetLatestByUser(userID uint) (*models.Subscription, error)
	GetActiveByUser(userID uint) (*models.Subscription, error)
	GetByProviderSubscriptionID(providerSubscriptionID string) (*models.Subscription, error)
	UpsertByProviderID(sub *models.Subscription) error
	MarkCanceled(providerSubscriptionID string, when time.Time) error
	SetStatus(providerSubscriptionID, status string) error

	CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error)
	MarkWebhookProcessed(id uint, processingError string) error

	GetUser(userID uint) (*models.User, error)
	GetUserByStripeCustomerID(customerID string) (*models.User, error)
	SetStripeCustomerID(userID uint, customerID string) error

	GetOrCreateUserSettings(userID uint) (*models.UserSettings, error)
	SaveUserSettings(us *models.UserSettings) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) GetLatestByUser(userID uint) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.Where("user_id = ?", userID).
		Order("created_at DESC").
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) GetActiveByUser(userID uint) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.Where("user_id = ? AND status IN ?", userID,
		[]string{models.SubscriptionStatusActive, models.SubscriptionStatusTrialing}).
		Order("created_at DESC").
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) GetByProviderSubscriptionID(providerSubscriptionID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.Where("provider_subscription_id = ?", providerSubscriptionID).First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// UpsertByProviderID writes a subscription keyed by its provider ID. The
// write runs under a row lock so concurrent webhook deliveries for the same
// subscription serialize. Incoming null period timestamps never overwrite
// stored non-null ones; some provider event shapes omit the dates.
func (r *gormRepository) UpsertByProviderID(sub *models.Subscription) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var existing models.Subscription
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("provider_subscription_id = ?", sub.ProviderSubscriptionID).
			First(&existing).Error
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			if createErr := tx.Create(sub).Error; createErr != nil {
				// Insert race with a concurrent webhook; retry the update path.
				if retryErr := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
					Where("provider_subscription_id = ?", sub.ProviderSubscriptionID).
					First(&existing).Error; retryErr != nil {
					return createErr
				}
			} else {
				return nil
			}
		}

		if sub.CurrentPeriodStart == nil {
			sub.CurrentPeriodStart = existing.CurrentPeriodStart
		}
		if sub.CurrentPeriodEnd == nil {
			sub.CurrentPeriodEnd = existing.CurrentPeriodEnd
		}
		if sub.UserID == 0 {
			sub.UserID = existing.UserID
		}
		if sub.ProviderCustomerID == "" {
			sub.ProviderCustomerID = existing.ProviderCustomerID
		}

		sub.ID = existing.ID
		sub.CreatedAt = existing.CreatedAt
		return tx.Save(sub).Error
	})
}

func (r *gormRepository) MarkCanceled(providerSubscriptionID string, when time.Time) error {
	return r.db.Model(&models.Subscription{}).
		Where("provider_subscription_id = ?", providerSubscriptionID).
		Updates(map[string]interface{}{
			"status":               models.SubscriptionStatusCanceled,
			"canceled_at":          &when,
			"cancel_at_period_end": false,
		}).Error
}

func (r *gormRepository) SetStatus(providerSubscriptionID, status string) error {
	return r.db.Model(&models.Subscription{}).
		Where("provider_subscription_id = ?", providerSubscriptionID).
		Update("status", status).Error
}

func (r *gormRepository) CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider_event_id"}},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.WebhookEvent
	if err := r.db.Where("provider_event_id = ?", event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(id uint, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

func (r *gormRepository) GetUser(userID uint) (*models.User, error) {
	var user models.User
	if err := r.db.First(&user, userID).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *gormRepository) GetUserByStripeCustomerID(customerID string) (*models.User, error) {
	var user models.User
	if err := r.db.Where("stripe_customer_id = ?", customerID).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// SetStripeCustomerID assigns the customer link once; an already-linked user
// is left untouched.
func (r *gormRepository) SetStripeCustomerID(userID uint, customerID string) error {
	return r.db.Model(&models.User{}).
		Where("id = ? AND (stripe_customer_id IS NULL OR stripe_customer_id = '')", userID).
		Update("stripe_customer_id", customerID).Error
}

func (r *gormRepository) GetOrCreateUserSettings(userID uint) (*models.UserSettings, error) {
	return models.GetOrCreateUserSettings(r.db, userID)
}

func (r *gormRepository) SaveUserSettings(us *models.UserSettings) error {
	return r.db.Save(us).Error
}
