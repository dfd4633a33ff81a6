package models

// Entity is the minimal identity every registered record type carries.
// EntityKind is a stable name shared by all records of the type (it is what
// Subscription.ResourceType and Update.NotifierType store).
type Entity interface {
	EntityKind() string
	EntityID() uint
}

// Subscribable is a record that can hold subscribers and accumulate
// Updates. OwnerID returns the owning user, 0 when unowned.
type Subscribable interface {
	Entity
	OwnerID() uint
}

// Notifier is a record whose lifecycle events trigger fan-out. ActorID is
// the user who performed the action; that user is excluded from their own
// notifications unless a rule opts in the owner.
type Notifier interface {
	Entity
	ActorID() uint
}

// SameEntity reports whether two records reference the same row.
func SameEntity(a, b Entity) bool {
	return a.EntityKind() == b.EntityKind() && a.EntityID() == b.EntityID()
}
