package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"assistant-billing/internal/model"
)

type IntentRepository interface {
	Create(ctx context.Context, intent *model.PaymentIntent) error
	FindByID(ctx context.Context, intentID string) (*model.PaymentIntent, error)
	// UpdateStatus transitions intentID from one of fromStatuses to status.
	// Returns gorm.ErrRecordNotFound when no row matched, which callers use
	// to detect a lost state race.
	UpdateStatus(ctx context.Context, intentID string, fromStatuses []string, status string, fields map[string]interface{}) error
}

type intentRepoImpl struct {
	db *gorm.DB
}

func NewIntentRepository(db *gorm.DB) IntentRepository {
	return &intentRepoImpl{
		db: db,
	}
}

func (r *intentRepoImpl) Create(ctx context.Context, intent *model.PaymentIntent) error {
	return r.db.WithContext(ctx).Create(intent).Error
}

func (r *intentRepoImpl) FindByID(ctx context.Context, intentID string) (*model.PaymentIntent, error) {
	var intent model.PaymentIntent
	err := r.db.WithContext(ctx).
		Where("id = ?", intentID).
		First(&intent).Error

	if err != nil {
		return nil, err
	}

	return &intent, nil
}

func (r *intentRepoImpl) UpdateStatus(ctx context.Context, intentID string, fromStatuses []string, status string, fields map[string]interface{}) error {
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now(),
	}
	for k, v := range fields {
		updates[k] = v
	}

	result := r.db.WithContext(ctx).Model(&model.PaymentIntent{}).
		Where("id = ? AND status IN ?", intentID, fromStatuses).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// IsNotFound reports whether err is the repository's missing-row error.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
