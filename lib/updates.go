package lib

import (
	"context"
	"errors"

	"github.com/fiffu/subscribable/lib/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// UpdateStore persists notification records. Updates are created and
// bulk-deleted, never edited, except for flipping the Viewed flag.
type UpdateStore struct {
	log *zap.Logger
	db  *gorm.DB
}

func NewUpdateStore(log *zap.Logger, db *gorm.DB) *UpdateStore {
	return &UpdateStore{log, db}
}

func (s *UpdateStore) Create(ctx context.Context, update *models.Update) error {
	tx := s.db.WithContext(ctx).Create(update)
	return tx.Error
}

// HasUnviewed reports whether the subscriber already holds a pending
// Update from this exact notifier for this resource. This is the dedup
// that collapses rapid successive triggers into one notification; the
// read-then-write around it is not atomic and concurrent triggers may
// still race through it.
func (s *UpdateStore) HasUnviewed(ctx context.Context, subscriberID uint, resource, notifier models.Entity) (bool, error) {
	update := &models.Update{}
	tx := s.db.WithContext(ctx).
		Where("subscriber_id = ?", subscriberID).
		Where("resource_type = ?", resource.EntityKind()).
		Where("resource_id = ?", resource.EntityID()).
		Where("notifier_type = ?", notifier.EntityKind()).
		Where("notifier_id = ?", notifier.EntityID()).
		Where("viewed = ?", false).
		First(update)
	if err := tx.Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}

func (s *UpdateStore) MarkViewed(ctx context.Context, subscriberID, updateID uint) error {
	tx := s.db.WithContext(ctx).
		Model(&models.Update{}).
		Where("id = ?", updateID).
		Where("subscriber_id = ?", subscriberID).
		Update("viewed", true)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (s *UpdateStore) ListForSubscriber(ctx context.Context, subscriberID uint) (models.Updates, error) {
	var updates models.Updates
	tx := s.db.WithContext(ctx).
		Where("subscriber_id = ?", subscriberID).
		Order("created_at desc").
		Find(&updates)
	return updates, tx.Error
}

func (s *UpdateStore) DeleteForResource(ctx context.Context, resourceType string, resourceID uint) error {
	tx := s.db.WithContext(ctx).
		Where("resource_type = ?", resourceType).
		Where("resource_id = ?", resourceID).
		Delete(&models.Update{})
	if tx.RowsAffected > 0 {
		s.log.Sugar().Infof("Purged %d updates of resource %s:%d", tx.RowsAffected, resourceType, resourceID)
	}
	return tx.Error
}

func (s *UpdateStore) DeleteForNotifier(ctx context.Context, notifierType string, notifierID uint) error {
	tx := s.db.WithContext(ctx).
		Where("notifier_type = ?", notifierType).
		Where("notifier_id = ?", notifierID).
		Delete(&models.Update{})
	if tx.RowsAffected > 0 {
		s.log.Sugar().Infof("Purged %d updates of notifier %s:%d", tx.RowsAffected, notifierType, notifierID)
	}
	return tx.Error
}
