package lib

import (
	"context"
	"errors"

	"github.com/fiffu/subscribable/lib/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SubscriptionStore persists the subscriber↔resource relation. Reads that
// may span large subscriber sets are always paged, never bulk-loaded.
type SubscriptionStore struct {
	log *zap.Logger
	db  *gorm.DB
}

func NewSubscriptionStore(log *zap.Logger, db *gorm.DB) *SubscriptionStore {
	return &SubscriptionStore{log, db}
}

func (s *SubscriptionStore) Subscribe(ctx context.Context, subscriberID uint, resourceType string, resourceID uint) (*models.Subscription, error) {
	if existing, err := s.find(ctx, subscriberID, resourceType, resourceID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	sub := &models.Subscription{
		SubscriberID: subscriberID,
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
	tx := s.db.WithContext(ctx).Create(sub)
	if err := tx.Error; err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *SubscriptionStore) Unsubscribe(ctx context.Context, subscriberID uint, resourceType string, resourceID uint) error {
	tx := s.db.WithContext(ctx).
		Where("subscriber_id = ?", subscriberID).
		Where("resource_type = ?", resourceType).
		Where("resource_id = ?", resourceID).
		Delete(&models.Subscription{})
	return tx.Error
}

func (s *SubscriptionStore) Has(ctx context.Context, subscriberID uint, resourceType string, resourceID uint) (bool, error) {
	sub, err := s.find(ctx, subscriberID, resourceType, resourceID)
	return sub != nil, err
}

func (s *SubscriptionStore) find(ctx context.Context, subscriberID uint, resourceType string, resourceID uint) (*models.Subscription, error) {
	sub := &models.Subscription{}
	tx := s.db.WithContext(ctx).
		Where("subscriber_id = ?", subscriberID).
		Where("resource_type = ?", resourceType).
		Where("resource_id = ?", resourceID).
		First(sub)
	if err := tx.Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *SubscriptionStore) ListForSubscriber(ctx context.Context, subscriberID uint) (models.Subscriptions, error) {
	var subs models.Subscriptions
	tx := s.db.WithContext(ctx).
		Where("subscriber_id = ?", subscriberID).
		Order("created_at desc").
		Find(&subs)
	return subs, tx.Error
}

// EachForResource streams every subscription of a resource in batches and
// applies fn to each one. Returning an error from fn aborts the stream.
func (s *SubscriptionStore) EachForResource(ctx context.Context, resourceType string, resourceID uint, batchSize int, fn func(*models.Subscription) error) error {
	var subs models.Subscriptions
	tx := s.db.WithContext(ctx).
		Where("resource_type = ?", resourceType).
		Where("resource_id = ?", resourceID).
		FindInBatches(&subs, batchSize, func(tx *gorm.DB, batch int) error {
			for i := range subs {
				if err := fn(&subs[i]); err != nil {
					return err
				}
			}
			return nil
		})
	return tx.Error
}

func (s *SubscriptionStore) DeleteForResource(ctx context.Context, resourceType string, resourceID uint) error {
	tx := s.db.WithContext(ctx).
		Where("resource_type = ?", resourceType).
		Where("resource_id = ?", resourceID).
		Delete(&models.Subscription{})
	if tx.RowsAffected > 0 {
		s.log.Sugar().Infof("Purged %d subscriptions of %s:%d", tx.RowsAffected, resourceType, resourceID)
	}
	return tx.Error
}
