package app

import (
	"time"

	"github.com/fiffu/subscribable/lib/models"
)

type SubscriptionView struct {
	ID           uint   `json:"id"`
	SubscriberID uint   `json:"subscriber_id"`
	ResourceType string `json:"resource_type"`
	ResourceID   uint   `json:"resource_id"`
	CreatedAt    string `json:"created_at"`
}

type UpdateView struct {
	ID           uint   `json:"id"`
	SubscriberID uint   `json:"subscriber_id"`
	ResourceType string `json:"resource_type"`
	ResourceID   uint   `json:"resource_id"`
	NotifierType string `json:"notifier_type"`
	NotifierID   uint   `json:"notifier_id"`
	Notification string `json:"notification"`
	Viewed       bool   `json:"viewed"`
	CreatedAt    string `json:"created_at"`
}

func (view SubscriptionView) From(entity models.Subscription) SubscriptionView {
	return SubscriptionView{
		ID:           entity.ID,
		SubscriberID: entity.SubscriberID,
		ResourceType: entity.ResourceType,
		ResourceID:   entity.ResourceID,
		CreatedAt:    isoformat(entity.CreatedAt),
	}
}

func (view UpdateView) From(entity models.Update) UpdateView {
	return UpdateView{
		ID:           entity.ID,
		SubscriberID: entity.SubscriberID,
		ResourceType: entity.ResourceType,
		ResourceID:   entity.ResourceID,
		NotifierType: entity.NotifierType,
		NotifierID:   entity.NotifierID,
		Notification: entity.Notification,
		Viewed:       entity.Viewed,
		CreatedAt:    isoformat(entity.CreatedAt),
	}
}

type Fromable[Entity any, Repr any] interface {
	From(Entity) Repr
}

func FromMany[T any, U Fromable[T, U]](elems []T) []U {
	out := make([]U, len(elems))
	for i, t := range elems {
		var u U
		out[i] = u.From(t)
	}
	return out
}

func isoformat(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
