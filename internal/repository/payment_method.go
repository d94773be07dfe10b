package repository

import (
	"context"

	"gorm.io/gorm"

	"assistant-billing/internal/model"
)

type PaymentMethodRepository interface {
	Create(ctx context.Context, method *model.PaymentMethod) error
	FindByID(ctx context.Context, methodID string) (*model.PaymentMethod, error)
	ListByCustomer(ctx context.Context, customerID string) ([]*model.PaymentMethod, error)
	Delete(ctx context.Context, methodID string) error
}

type paymentMethodRepoImpl struct {
	db *gorm.DB
}

func NewPaymentMethodRepository(db *gorm.DB) PaymentMethodRepository {
	return &paymentMethodRepoImpl{
		db: db,
	}
}

func (r *paymentMethodRepoImpl) Create(ctx context.Context, method *model.PaymentMethod) error {
	return r.db.WithContext(ctx).Create(method).Error
}

func (r *paymentMethodRepoImpl) FindByID(ctx context.Context, methodID string) (*model.PaymentMethod, error) {
	var method model.PaymentMethod
	err := r.db.WithContext(ctx).
		Where("id = ?", methodID).
		First(&method).Error

	if err != nil {
		return nil, err
	}

	return &method, nil
}

func (r *paymentMethodRepoImpl) ListByCustomer(ctx context.Context, customerID string) ([]*model.PaymentMethod, error) {
	var methods []*model.PaymentMethod
	err := r.db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Order("created_at").
		Find(&methods).Error

	if err != nil {
		return nil, err
	}

	return methods, nil
}

func (r *paymentMethodRepoImpl) Delete(ctx context.Context, methodID string) error {
	result := r.db.WithContext(ctx).
		Where("id = ?", methodID).
		Delete(&model.PaymentMethod{})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
