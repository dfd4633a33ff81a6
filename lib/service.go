package lib

import (
	"context"
	"fmt"

	"github.com/fiffu/subscribable/config"
	"github.com/fiffu/subscribable/lib/models"
	"github.com/fiffu/subscribable/lib/registry"
	"go.uber.org/zap"
)

// Service is the facade collaborators and the HTTP API talk to: explicit
// subscribe/unsubscribe, the update feed, and the per-instance trigger
// methods.
type Service struct {
	cfg      *config.Config
	log      *zap.Logger
	registry *registry.Registry
	engine   *Engine
}

func NewService(cfg *config.Config, log *zap.Logger, reg *registry.Registry, engine *Engine) *Service {
	return &Service{cfg, log, reg, engine}
}

func (svc *Service) Subscribe(ctx context.Context, subscriberID uint, resourceType string, resourceID uint) (*models.Subscription, error) {
	if !svc.registry.IsSubscribable(resourceType) {
		return nil, fmt.Errorf("%q is not a subscribable kind", resourceType)
	}
	sub, err := svc.engine.Subscriptions().Subscribe(ctx, subscriberID, resourceType, resourceID)
	if err != nil {
		return nil, err
	}
	svc.log.Sugar().Infof("Created subscription id:%v (%s:%d ← user:%d)", sub.ID, resourceType, resourceID, subscriberID)
	return sub, nil
}

func (svc *Service) Unsubscribe(ctx context.Context, subscriberID uint, resourceType string, resourceID uint) error {
	return svc.engine.Subscriptions().Unsubscribe(ctx, subscriberID, resourceType, resourceID)
}

func (svc *Service) ListSubscriptions(ctx context.Context, subscriberID uint) (models.Subscriptions, error) {
	return svc.engine.Subscriptions().ListForSubscriber(ctx, subscriberID)
}

func (svc *Service) ListUpdates(ctx context.Context, subscriberID uint) (models.Updates, error) {
	return svc.engine.Updates().ListForSubscriber(ctx, subscriberID)
}

func (svc *Service) MarkViewed(ctx context.Context, subscriberID, updateID uint) error {
	return svc.engine.Updates().MarkViewed(ctx, subscriberID, updateID)
}

// NotifySubscribersOf triggers the fan-out procedure for a notifier
// record, synchronously.
func (svc *Service) NotifySubscribersOf(ctx context.Context, notifier models.Notifier, association string) error {
	return svc.engine.NotifySubscribersOf(ctx, notifier, association)
}

// NotifyOwnerOf notifies only the owner of the association target.
func (svc *Service) NotifyOwnerOf(ctx context.Context, notifier models.Notifier, association string) error {
	return svc.engine.NotifyOwnerOf(ctx, notifier, association)
}

// NotifyingAssociations lists which (notifier kind, association) pairs can
// produce updates about a subscribable kind.
func (svc *Service) NotifyingAssociations(kind string) []registry.NotifyingAssociation {
	return svc.registry.NotifyingAssociations(kind)
}
