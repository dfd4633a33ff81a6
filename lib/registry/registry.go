package registry

import (
	"context"
	"fmt"
	"reflect"

	"github.com/fiffu/subscribable/lib/models"
	"gorm.io/gorm/schema"
)

type Event string

const (
	EventCreate Event = "create"
	EventUpdate Event = "update"
	// EventSave matches both create and update.
	EventSave Event = "save"
)

// NotifyFilter decides per subscription whether an Update should be
// written. Returning false skips that subscriber only.
type NotifyFilter func(notifier models.Notifier, subscribable models.Subscribable, sub *models.Subscription) bool

// QueuePredicate gates enqueueing of the fan-out job. A record that would
// produce no useful notification should never occupy a worker slot.
type QueuePredicate func(record any) bool

// SubscribeFilter gates auto-subscription, given the triggering record and
// the resolved resource.
type SubscribeFilter func(record any, resource models.Subscribable) bool

const (
	// MethodSubscribers runs the full fan-out procedure over subscriptions.
	MethodSubscribers = "notify_subscribers"
	// MethodOwner notifies only the resource owner.
	MethodOwner = "notify_owner"
)

type NotificationConfig struct {
	On           []Event // defaults to [EventSave]
	With         string  // trigger method, defaults to MethodSubscribers
	If           NotifyFilter
	QueueIf      QueuePredicate
	Priority     int
	IncludeOwner bool
	Notification string // label stored on created Updates
}

type NotificationRule struct {
	NotifierKind string
	Association  string
	Descriptor   AssociationDescriptor
	NotificationConfig
}

func (r *NotificationRule) TriggersOn(evt Event) bool {
	for _, on := range r.On {
		if on == evt || on == EventSave {
			return true
		}
	}
	return false
}

type AutoSubscribeConfig struct {
	To string // resource association; empty means the record itself
	If SubscribeFilter
	On Event // EventCreate (default) or EventUpdate
}

type AutoSubscriptionRule struct {
	NotifierKind    string
	SubscriberAssoc string
	Resource        AssociationDescriptor
	If              SubscribeFilter
	On              Event

	// subscriberFK is the foreign key field on the record holding the
	// subscriber's user id, readable without loading the association.
	subscriberFK *schema.Field
}

// SubscriberID reads the subscriber's user id off the record's own foreign
// key column. It needs no database access, so it still works while the
// record is mid-destruction.
func (r *AutoSubscriptionRule) SubscriberID(ctx context.Context, rec any) (uint, bool) {
	v, zero := r.subscriberFK.ValueOf(ctx, reflect.ValueOf(rec))
	if zero {
		return 0, false
	}
	return toUint(v), true
}

// NotifyingAssociation is a back-link on a subscribable kind: one
// (notifier kind, association) pair that can produce Updates about it.
type NotifyingAssociation struct {
	NotifierKind string
	Association  string
}

// Registry holds every rule for the process lifetime. It is populated at
// type-registration time and read-only afterwards; steady-state reads take
// no locks.
type Registry struct {
	kinds         map[string]reflect.Type
	subscribables map[string][]NotifyingAssociation
	notifications map[string][]*NotificationRule
	autoSubs      map[string][]*AutoSubscriptionRule
}

func New() *Registry {
	return &Registry{
		kinds:         map[string]reflect.Type{},
		subscribables: map[string][]NotifyingAssociation{},
		notifications: map[string][]*NotificationRule{},
		autoSubs:      map[string][]*AutoSubscriptionRule{},
	}
}

// Subscribable registers a type as eligible to hold subscribers.
// Registering the same kind twice is a no-op; membership is checked first
// so hooks are never installed twice for one kind.
func (r *Registry) Subscribable(proto models.Subscribable) error {
	kind := proto.EntityKind()
	if _, exists := r.subscribables[kind]; exists {
		return nil
	}
	if err := r.recordKind(kind, proto); err != nil {
		return err
	}
	r.subscribables[kind] = []NotifyingAssociation{}
	return nil
}

// Notify registers a notification rule binding proto's lifecycle events to
// the subscribers of the named association. Re-registering the same
// (kind, association) pair overwrites the previous rule.
func (r *Registry) Notify(proto models.Notifier, association string, cfg NotificationConfig) error {
	kind := proto.EntityKind()
	if err := r.recordKind(kind, proto); err != nil {
		return err
	}

	desc, err := ResolveAssociation(proto, association)
	if err != nil {
		return err
	}

	if len(cfg.On) == 0 {
		cfg.On = []Event{EventSave}
	}
	if cfg.With == "" {
		cfg.With = MethodSubscribers
	}

	rule := &NotificationRule{
		NotifierKind:       kind,
		Association:        desc.Name,
		Descriptor:         desc,
		NotificationConfig: cfg,
	}

	rules := r.notifications[kind]
	replaced := false
	for i, existing := range rules {
		if existing.Association == rule.Association {
			rules[i] = rule
			replaced = true
			break
		}
	}
	if !replaced {
		rules = append(rules, rule)
	}
	r.notifications[kind] = rules

	r.backLink(kind, rule)
	return nil
}

// backLink records the rule on the target subscribable's notifying
// associations. Skipped silently when the target kind is not resolvable
// yet: forward references are tolerated, introspection is best-effort.
func (r *Registry) backLink(notifierKind string, rule *NotificationRule) {
	targetKind := rule.Descriptor.TargetKind
	if targetKind == "" {
		return
	}
	links, exists := r.subscribables[targetKind]
	if !exists {
		return
	}
	for _, link := range links {
		if link.NotifierKind == notifierKind && link.Association == rule.Association {
			return
		}
	}
	r.subscribables[targetKind] = append(links, NotifyingAssociation{
		NotifierKind: notifierKind,
		Association:  rule.Association,
	})
}

// AutoSubscribe registers a rule that creates a Subscription for the user
// reached via subscriberAssoc whenever proto's configured lifecycle event
// fires, and removes it again when the record is destroyed.
func (r *Registry) AutoSubscribe(proto models.Entity, subscriberAssoc string, cfg AutoSubscribeConfig) error {
	kind := proto.EntityKind()
	if err := r.recordKind(kind, proto); err != nil {
		return err
	}

	fk, err := belongsToForeignKey(proto, subscriberAssoc)
	if err != nil {
		return err
	}

	resource, err := ResolveAssociation(proto, cfg.To)
	if err != nil {
		return err
	}
	switch resource.Tag {
	case TagCollection:
		return fmt.Errorf("auto-subscription target %q resolves to a collection", cfg.To)
	case TagSingular:
		if resource.Rel.Type != schema.BelongsTo {
			return fmt.Errorf("auto-subscription target %q must be held on the record itself", cfg.To)
		}
	}

	if cfg.On == "" {
		cfg.On = EventCreate
	}

	rule := &AutoSubscriptionRule{
		NotifierKind:    kind,
		SubscriberAssoc: subscriberAssoc,
		Resource:        resource,
		If:              cfg.If,
		On:              cfg.On,
		subscriberFK:    fk,
	}

	rules := r.autoSubs[kind]
	for i, existing := range rules {
		if existing.SubscriberAssoc == subscriberAssoc && existing.Resource.Name == resource.Name {
			rules[i] = rule
			r.autoSubs[kind] = rules
			return nil
		}
	}
	r.autoSubs[kind] = append(rules, rule)
	return nil
}

func belongsToForeignKey(proto any, assoc string) (*schema.Field, error) {
	sch, err := parseSchema(proto)
	if err != nil {
		return nil, err
	}
	rel, ok := sch.Relationships.Relations[assoc]
	if !ok {
		return nil, fmt.Errorf("%s has no association named %q", sch.ModelType.Name(), assoc)
	}
	if rel.Type != schema.BelongsTo {
		return nil, fmt.Errorf("subscriber association %q must be a belongs-to reference", assoc)
	}
	for _, ref := range rel.References {
		if ref.PrimaryValue == "" && !ref.OwnPrimaryKey {
			return ref.ForeignKey, nil
		}
	}
	return nil, fmt.Errorf("subscriber association %q has no usable foreign key", assoc)
}

func (r *Registry) recordKind(kind string, proto any) error {
	t := reflect.TypeOf(proto)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return fmt.Errorf("cannot register %T: not a struct type", proto)
	}
	if existing, ok := r.kinds[kind]; ok && existing != t {
		return fmt.Errorf("kind %q is already registered to %s", kind, existing.Name())
	}
	r.kinds[kind] = t
	return nil
}

func (r *Registry) IsSubscribable(kind string) bool {
	_, ok := r.subscribables[kind]
	return ok
}

func (r *Registry) IsNotifier(kind string) bool {
	return len(r.notifications[kind]) > 0
}

// RulesFor returns the notification rules of a kind in registration order.
func (r *Registry) RulesFor(kind string) []*NotificationRule {
	return r.notifications[kind]
}

// Rule finds the rule for a (kind, association) pair. The empty name is
// the same spelling of the self association that registration accepts.
func (r *Registry) Rule(kind, association string) (*NotificationRule, bool) {
	if association == "" {
		association = "self"
	}
	for _, rule := range r.notifications[kind] {
		if rule.Association == association {
			return rule, true
		}
	}
	return nil, false
}

func (r *Registry) AutoRulesFor(kind string) []*AutoSubscriptionRule {
	return r.autoSubs[kind]
}

// NotifyingAssociations lists the (notifier kind, association) pairs that
// can produce Updates about the given subscribable kind.
func (r *Registry) NotifyingAssociations(kind string) []NotifyingAssociation {
	return r.subscribables[kind]
}

// NewRecord returns a pointer to a zero record of the registered kind.
func (r *Registry) NewRecord(kind string) (any, bool) {
	t, ok := r.kinds[kind]
	if !ok {
		return nil, false
	}
	return reflect.New(t).Interface(), true
}
