package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"assistant-billing/internal/model"
)

type SubscriptionRepository interface {
	Create(ctx context.Context, sub *model.Subscription) error
	FindByID(ctx context.Context, subscriptionID string) (*model.Subscription, error)
	FindByCustomer(ctx context.Context, customerID string) ([]*model.Subscription, error)
	Update(ctx context.Context, subscriptionID string, fields map[string]interface{}) error
	// UpdateIfNewer applies fields only when eventTS is strictly newer than
	// the stored last_applied_event_ts. Returns false when the guard rejected
	// the write (stale or duplicate event).
	UpdateIfNewer(ctx context.Context, subscriptionID string, eventTS int64, fields map[string]interface{}) (bool, error)
	// ListDueForPeriodEnd returns subscriptions whose period ended at or
	// before now and still need an automatic transition.
	ListDueForPeriodEnd(ctx context.Context, now time.Time) ([]*model.Subscription, error)
}

type subscriptionRepoImpl struct {
	db *gorm.DB
}

func NewSubscriptionRepository(db *gorm.DB) SubscriptionRepository {
	return &subscriptionRepoImpl{
		db: db,
	}
}

func (r *subscriptionRepoImpl) Create(ctx context.Context, sub *model.Subscription) error {
	return r.db.WithContext(ctx).Create(sub).Error
}

func (r *subscriptionRepoImpl) FindByID(ctx context.Context, subscriptionID string) (*model.Subscription, error) {
	var sub model.Subscription
	err := r.db.WithContext(ctx).
		Where("id = ?", subscriptionID).
		First(&sub).Error

	if err != nil {
		return nil, err
	}

	return &sub, nil
}

func (r *subscriptionRepoImpl) FindByCustomer(ctx context.Context, customerID string) ([]*model.Subscription, error) {
	var subs []*model.Subscription
	err := r.db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Order("created_at").
		Find(&subs).Error

	if err != nil {
		return nil, err
	}

	return subs, nil
}

func (r *subscriptionRepoImpl) Update(ctx context.Context, subscriptionID string, fields map[string]interface{}) error {
	fields["updated_at"] = time.Now()

	result := r.db.WithContext(ctx).Model(&model.Subscription{}).
		Where("id = ?", subscriptionID).
		Updates(fields)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *subscriptionRepoImpl) UpdateIfNewer(ctx context.Context, subscriptionID string, eventTS int64, fields map[string]interface{}) (bool, error) {
	fields["last_applied_event_ts"] = eventTS
	fields["updated_at"] = time.Now()

	result := r.db.WithContext(ctx).Model(&model.Subscription{}).
		Where("id = ? AND last_applied_event_ts < ?", subscriptionID, eventTS).
		Updates(fields)

	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *subscriptionRepoImpl) ListDueForPeriodEnd(ctx context.Context, now time.Time) ([]*model.Subscription, error) {
	var subs []*model.Subscription
	err := r.db.WithContext(ctx).
		Where("status IN ? AND current_period_end <= ?",
			[]string{model.SubscriptionActive, model.SubscriptionPastDue}, now).
		Find(&subs).Error

	if err != nil {
		return nil, err
	}

	return subs, nil
}
