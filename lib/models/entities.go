package models

import (
	"errors"

	"gorm.io/gorm"
)

// Subscription records a subscriber's interest in a resource. The resource
// is referenced weakly by (type, id); it may be destroyed later, at which
// point the row is purged by the cleanup hooks.
type Subscription struct {
	gorm.Model
	SubscriberID uint   `gorm:"index:idx_subscriber_resource"`
	ResourceType string `gorm:"index:idx_resource;index:idx_subscriber_resource"`
	ResourceID   uint   `gorm:"index:idx_resource;index:idx_subscriber_resource"`
}

type Subscriptions []Subscription

// Update is one delivered notification event. Rows are immutable after
// creation except for the Viewed flag; duplicates for the same
// (subscriber, resource, notifier) triple are suppressed while the
// previous row remains unviewed.
type Update struct {
	gorm.Model
	SubscriberID uint   `gorm:"index:idx_update_subscriber"`
	ResourceType string `gorm:"index:idx_update_resource"`
	ResourceID   uint   `gorm:"index:idx_update_resource"`
	NotifierType string `gorm:"index:idx_update_notifier"`
	NotifierID   uint   `gorm:"index:idx_update_notifier"`
	Notification string
	Viewed       bool
}

type Updates []Update

var ErrIncompleteUpdate = errors.New("update requires a subscriber and a resource reference")

func (u *Update) BeforeCreate(tx *gorm.DB) error {
	if u.SubscriberID == 0 || u.ResourceType == "" || u.ResourceID == 0 {
		return ErrIncompleteUpdate
	}
	return nil
}
