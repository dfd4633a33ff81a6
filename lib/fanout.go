package lib

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/fiffu/subscribable/lib/models"
	"github.com/fiffu/subscribable/lib/queue"
	"github.com/fiffu/subscribable/lib/registry"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

const subscriberBatchSize = 100

// Engine executes fan-out jobs: it reloads the notifier, walks the rule's
// association to the subscribable target(s), and writes one Update per
// surviving subscriber.
type Engine struct {
	log      *zap.Logger
	db       *gorm.DB
	registry *registry.Registry
	subs     *SubscriptionStore
	updates  *UpdateStore
}

func NewEngine(log *zap.Logger, db *gorm.DB, reg *registry.Registry) *Engine {
	return &Engine{
		log:      log,
		db:       db,
		registry: reg,
		subs:     NewSubscriptionStore(log, db),
		updates:  NewUpdateStore(log, db),
	}
}

func (e *Engine) Subscriptions() *SubscriptionStore { return e.subs }
func (e *Engine) Updates() *UpdateStore             { return e.updates }

// withDB rebinds the engine to another gorm handle, typically the
// transaction a lifecycle callback is running in.
func (e *Engine) withDB(db *gorm.DB) *Engine {
	return &Engine{
		log:      e.log,
		db:       db,
		registry: e.registry,
		subs:     NewSubscriptionStore(e.log, db),
		updates:  NewUpdateStore(e.log, db),
	}
}

// Run executes one enqueued fan-out unit. A notifier that was destroyed
// before the job ran resolves to nothing and the job is a no-op.
func (e *Engine) Run(ctx context.Context, job queue.Job) error {
	rec, ok := e.registry.NewRecord(job.NotifierKind)
	if !ok {
		return fmt.Errorf("unknown notifier kind %q", job.NotifierKind)
	}

	tx := e.db.WithContext(ctx).First(rec, job.NotifierID)
	if err := tx.Error; errors.Is(err, gorm.ErrRecordNotFound) {
		e.log.Sugar().Infow("Notifier gone before fan-out, skipping", "job_id", job.ID, "kind", job.NotifierKind, "id", job.NotifierID)
		return nil
	} else if err != nil {
		return err
	}

	notifier, ok := rec.(models.Notifier)
	if !ok {
		return fmt.Errorf("kind %q does not implement Notifier", job.NotifierKind)
	}

	rule, ok := e.registry.Rule(job.NotifierKind, job.Association)
	if !ok {
		return fmt.Errorf("no rule for %s.%s", job.NotifierKind, job.Association)
	}

	method := job.Method
	if method == "" {
		method = rule.With
	}
	return e.runMethod(ctx, rule, notifier, method)
}

// NotifySubscribersOf triggers fan-out for one notifier synchronously,
// bypassing the queue.
func (e *Engine) NotifySubscribersOf(ctx context.Context, notifier models.Notifier, association string) error {
	rule, ok := e.registry.Rule(notifier.EntityKind(), association)
	if !ok {
		return fmt.Errorf("no rule for %s.%s", notifier.EntityKind(), association)
	}
	return e.runMethod(ctx, rule, notifier, registry.MethodSubscribers)
}

// NotifyOwnerOf notifies only the owner of the association target(s).
func (e *Engine) NotifyOwnerOf(ctx context.Context, notifier models.Notifier, association string) error {
	rule, ok := e.registry.Rule(notifier.EntityKind(), association)
	if !ok {
		return fmt.Errorf("no rule for %s.%s", notifier.EntityKind(), association)
	}
	return e.runMethod(ctx, rule, notifier, registry.MethodOwner)
}

func (e *Engine) runMethod(ctx context.Context, rule *registry.NotificationRule, notifier models.Notifier, method string) error {
	switch method {
	case registry.MethodSubscribers:
		return e.eachTarget(ctx, notifier, rule.Descriptor, func(target models.Subscribable) error {
			e.fanOut(ctx, rule, notifier, target)
			return nil
		})
	case registry.MethodOwner:
		return e.eachTarget(ctx, notifier, rule.Descriptor, func(target models.Subscribable) error {
			e.notifyOwner(ctx, rule, notifier, target)
			return nil
		})
	default:
		return fmt.Errorf("unknown notification method %q", method)
	}
}

// fanOut applies the fan-out procedure to one resolved subscribable.
func (e *Engine) fanOut(ctx context.Context, rule *registry.NotificationRule, notifier models.Notifier, target models.Subscribable) {
	if rule.IncludeOwner {
		e.notifyOwner(ctx, rule, notifier, target)
	}

	cutoff := lastUpdated(ctx, notifier)

	err := e.subs.EachForResource(ctx, target.EntityKind(), target.EntityID(), subscriberBatchSize, func(sub *models.Subscription) error {
		// An actor is not told about its own action unless the rule
		// opted the owner in.
		if sub.SubscriberID == notifier.ActorID() && !rule.IncludeOwner {
			return nil
		}
		// A subscription created after the event does not receive it
		// retroactively.
		if sub.CreatedAt.After(cutoff) {
			return nil
		}
		pending, err := e.updates.HasUnviewed(ctx, sub.SubscriberID, target, notifier)
		if err != nil {
			e.log.Sugar().Errorw("Dedup lookup failed", "err", err, "subscriber_id", sub.SubscriberID)
			return nil
		}
		if pending {
			return nil
		}
		if rule.If != nil && !rule.If(notifier, target, sub) {
			return nil
		}
		e.createUpdate(ctx, rule, notifier, target, sub.SubscriberID)
		return nil
	})
	if err != nil {
		e.log.Sugar().Errorw("Subscriber stream failed", "err", err, "resource", target.EntityKind(), "resource_id", target.EntityID())
	}
}

// notifyOwner writes at most one Update for the resource owner. The owner
// is skipped when they are the acting user (unless the notifier is the
// resource itself) or when their own subscription will already deliver the
// event through the subscriber loop.
func (e *Engine) notifyOwner(ctx context.Context, rule *registry.NotificationRule, notifier models.Notifier, target models.Subscribable) {
	owner := target.OwnerID()
	if owner == 0 {
		return
	}
	if owner == notifier.ActorID() && !models.SameEntity(target, notifier) {
		return
	}

	subscribed, err := e.subs.Has(ctx, owner, target.EntityKind(), target.EntityID())
	if err != nil {
		e.log.Sugar().Errorw("Owner subscription lookup failed", "err", err, "owner_id", owner)
		return
	}
	if subscribed {
		return
	}
	e.createUpdate(ctx, rule, notifier, target, owner)
}

// createUpdate writes one Update. Validation failures are swallowed:
// fan-out continues to the next subscriber.
func (e *Engine) createUpdate(ctx context.Context, rule *registry.NotificationRule, notifier models.Notifier, target models.Subscribable, subscriberID uint) {
	update := &models.Update{
		SubscriberID: subscriberID,
		ResourceType: target.EntityKind(),
		ResourceID:   target.EntityID(),
		NotifierType: notifier.EntityKind(),
		NotifierID:   notifier.EntityID(),
		Notification: rule.Notification,
	}
	if err := e.updates.Create(ctx, update); err != nil {
		e.log.Sugar().Errorw("Update not persisted", "err", err, "subscriber_id", subscriberID)
	}
}

// eachTarget resolves the subscribable target(s) named by the descriptor
// and applies fn to each. Collections are walked in chunks; the full
// member set is never materialized at once.
func (e *Engine) eachTarget(ctx context.Context, rec models.Entity, desc registry.AssociationDescriptor, fn func(models.Subscribable) error) error {
	switch desc.Tag {
	case registry.TagSelf:
		if target, ok := rec.(models.Subscribable); ok {
			return fn(target)
		}
		return nil

	case registry.TagPolymorphic:
		kind, id, ok := desc.StaticTargetRef(ctx, rec)
		if !ok {
			return nil
		}
		target, err := e.loadByRef(ctx, kind, id)
		if err != nil || target == nil {
			return err
		}
		return fn(target)

	case registry.TagSingular:
		target, err := e.loadSingular(ctx, rec, desc)
		if err != nil || target == nil {
			return err
		}
		return fn(target)

	case registry.TagCollection:
		return e.eachCollectionTarget(ctx, rec, desc, fn)
	}
	return fmt.Errorf("unhandled association tag %q", desc.Tag)
}

func (e *Engine) loadByRef(ctx context.Context, kind string, id uint) (models.Subscribable, error) {
	rec, ok := e.registry.NewRecord(kind)
	if !ok {
		// Kind never registered: an unresolvable dynamic reference is an
		// absent subscribable, not an error.
		return nil, nil
	}
	tx := e.db.WithContext(ctx).First(rec, id)
	if err := tx.Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	target, _ := rec.(models.Subscribable)
	return target, nil
}

func (e *Engine) loadSingular(ctx context.Context, rec models.Entity, desc registry.AssociationDescriptor) (models.Subscribable, error) {
	tx, ok := relationConditions(ctx, e.db.WithContext(ctx), rec, desc.Rel)
	if !ok {
		return nil, nil
	}
	target := reflect.New(desc.Target).Interface()
	if err := tx.First(target).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	s, _ := target.(models.Subscribable)
	return s, nil
}

func (e *Engine) eachCollectionTarget(ctx context.Context, rec models.Entity, desc registry.AssociationDescriptor, fn func(models.Subscribable) error) error {
	tx, ok := relationConditions(ctx, e.db.WithContext(ctx), rec, desc.Rel)
	if !ok {
		return nil
	}

	slicePtr := reflect.New(reflect.SliceOf(desc.Target))
	result := tx.FindInBatches(slicePtr.Interface(), subscriberBatchSize, func(tx *gorm.DB, batch int) error {
		slice := slicePtr.Elem()
		for i := 0; i < slice.Len(); i++ {
			target, ok := slice.Index(i).Addr().Interface().(models.Subscribable)
			if !ok {
				continue
			}
			if err := fn(target); err != nil {
				return err
			}
		}
		return nil
	})
	return result.Error
}

// relationConditions builds the WHERE clause selecting the relation's
// target rows from the notifier's own key values. Returns ok=false when a
// foreign key on the notifier is unset, meaning the target is absent.
func relationConditions(ctx context.Context, tx *gorm.DB, rec any, rel *schema.Relationship) (*gorm.DB, bool) {
	rv := reflect.ValueOf(rec)
	for _, ref := range rel.References {
		switch {
		case ref.OwnPrimaryKey:
			v, _ := ref.PrimaryKey.ValueOf(ctx, rv)
			tx = tx.Where(ref.ForeignKey.DBName+" = ?", v)
		case ref.PrimaryValue != "":
			tx = tx.Where(ref.ForeignKey.DBName+" = ?", ref.PrimaryValue)
		default:
			v, zero := ref.ForeignKey.ValueOf(ctx, rv)
			if zero {
				return tx, false
			}
			tx = tx.Where(ref.PrimaryKey.DBName+" = ?", v)
		}
	}
	return tx, true
}

// lastUpdated reads the record's UpdatedAt so that subscriptions created
// after the triggering event can be excluded. Records without the column
// fall back to now, which excludes nothing.
func lastUpdated(ctx context.Context, rec any) time.Time {
	sch, err := registry.ParseSchema(rec)
	if err != nil {
		return time.Now()
	}
	field := sch.LookUpField("UpdatedAt")
	if field == nil {
		return time.Now()
	}
	v, zero := field.ValueOf(ctx, reflect.ValueOf(rec))
	if zero {
		return time.Now()
	}
	if t, ok := v.(time.Time); ok {
		return t
	}
	return time.Now()
}
