package repository

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"assistant-billing/internal/model"
)

type WebhookEventRepository interface {
	// CreateIfNotExists inserts the audit row for eventID and reports whether
	// the row was newly created.
	CreateIfNotExists(eventID, eventType string) (bool, error)
	MarkProcessed(eventID string, processingError string) error
	Exists(eventID string) (bool, error)
}

type webhookEventRepoImpl struct {
	db *gorm.DB
}

func NewWebhookEventRepository(db *gorm.DB) WebhookEventRepository {
	return &webhookEventRepoImpl{db: db}
}

func (r *webhookEventRepoImpl) CreateIfNotExists(eventID, eventType string) (bool, error) {
	event := &model.WebhookEvent{
		EventID:   eventID,
		EventType: eventType,
	}
	result := r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(event)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *webhookEventRepoImpl) MarkProcessed(eventID string, processingError string) error {
	return r.db.Model(&model.WebhookEvent{}).
		Where("event_id = ?", eventID).
		Updates(map[string]interface{}{
			"error":        processingError,
			"processed_at": time.Now(),
		}).Error
}

func (r *webhookEventRepoImpl) Exists(eventID string) (bool, error) {
	var count int64
	err := r.db.Model(&model.WebhookEvent{}).
		Where("event_id = ?", eventID).
		Count(&count).Error

	return count > 0, err
}
