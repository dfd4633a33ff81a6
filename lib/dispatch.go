package lib

import (
	"context"
	"reflect"

	"github.com/fiffu/subscribable/lib/models"
	"github.com/fiffu/subscribable/lib/queue"
	"github.com/fiffu/subscribable/lib/registry"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Plugin hooks the engine into gorm's lifecycle callbacks. Auto-subscribe
// bookkeeping and destruction cleanup run inside the triggering statement's
// transaction. Fan-out jobs are enqueued only after that transaction
// commits, so a worker claiming immediately never reloads a notifier row
// that is still invisible; a statement inside a caller-managed transaction
// enqueues at statement end, which narrows but does not close that window.
// Hook failures other than a panicking predicate are logged and never block
// the statement.
type Plugin struct {
	log      *zap.Logger
	registry *registry.Registry
	queue    queue.Queue
	engine   *Engine

	// db is the root handle, captured at Initialize. Side-effect sessions
	// must derive from it, not from the callback's statement-bound handle,
	// or they inherit the triggering statement's half-built SQL.
	db *gorm.DB
}

func NewPlugin(log *zap.Logger, reg *registry.Registry, q queue.Queue, engine *Engine) *Plugin {
	return &Plugin{log: log, registry: reg, queue: q, engine: engine}
}

func (p *Plugin) Name() string { return "subscribable" }

func (p *Plugin) Initialize(db *gorm.DB) error {
	p.db = db
	if err := db.Callback().Create().After("gorm:create").Register("subscribable:auto_subscribe_create", p.subscribeCreate); err != nil {
		return err
	}
	if err := db.Callback().Update().After("gorm:update").Register("subscribable:auto_subscribe_update", p.subscribeUpdate); err != nil {
		return err
	}
	if err := db.Callback().Create().After("gorm:commit_or_rollback_transaction").Register("subscribable:enqueue_create", p.enqueueCreate); err != nil {
		return err
	}
	if err := db.Callback().Update().After("gorm:commit_or_rollback_transaction").Register("subscribable:enqueue_update", p.enqueueUpdate); err != nil {
		return err
	}
	if err := db.Callback().Delete().Before("gorm:delete").Register("subscribable:before_delete", p.beforeDelete); err != nil {
		return err
	}
	return db.Callback().Delete().After("gorm:delete").Register("subscribable:after_delete", p.afterDelete)
}

// session builds a fresh handle that still executes on the triggering
// statement's connection, keeping side-effect writes inside the caller's
// transaction without carrying over its statement state.
func (p *Plugin) session(db *gorm.DB) *gorm.DB {
	tx := p.db.Session(&gorm.Session{NewDB: true, Context: db.Statement.Context})
	tx.Statement.ConnPool = db.Statement.ConnPool
	return tx
}

func (p *Plugin) subscribeCreate(db *gorm.DB) { p.applyAutoSubscribe(db, registry.EventCreate) }
func (p *Plugin) subscribeUpdate(db *gorm.DB) { p.applyAutoSubscribe(db, registry.EventUpdate) }
func (p *Plugin) enqueueCreate(db *gorm.DB)   { p.enqueueJobs(db, registry.EventCreate) }
func (p *Plugin) enqueueUpdate(db *gorm.DB)   { p.enqueueJobs(db, registry.EventUpdate) }

func (p *Plugin) applyAutoSubscribe(db *gorm.DB, evt registry.Event) {
	if db.Error != nil {
		return
	}
	ctx := db.Statement.Context
	tx := p.session(db)

	eachStatementRecord(db, func(rec any) {
		p.autoSubscribe(ctx, tx, rec, evt)
	})
}

func (p *Plugin) enqueueJobs(db *gorm.DB, evt registry.Event) {
	if db.Error != nil {
		return
	}
	ctx := db.Statement.Context

	eachStatementRecord(db, func(rec any) {
		p.dispatch(ctx, rec, evt)
	})
}

// dispatch evaluates queue admission per matching rule and enqueues one
// fan-out job per admitted rule. A predicate returning false means the
// record will produce no useful notification; it never reaches a worker.
func (p *Plugin) dispatch(ctx context.Context, rec any, evt registry.Event) {
	notifier, ok := rec.(models.Notifier)
	if !ok {
		return
	}

	for _, rule := range p.registry.RulesFor(notifier.EntityKind()) {
		if !rule.TriggersOn(evt) {
			continue
		}
		if rule.QueueIf != nil && !rule.QueueIf(rec) {
			continue
		}

		job := queue.NewJob(notifier.EntityKind(), notifier.EntityID(), rule.Association, rule.With, rule.Priority)
		if err := p.queue.Enqueue(ctx, job); err != nil {
			p.log.Sugar().Errorw("Failed to enqueue fan-out job",
				"err", err, "kind", notifier.EntityKind(), "id", notifier.EntityID(), "association", rule.Association)
		}
	}
}

func (p *Plugin) autoSubscribe(ctx context.Context, tx *gorm.DB, rec any, evt registry.Event) {
	ent, ok := rec.(models.Entity)
	if !ok {
		return
	}

	engine := p.engine.withDB(tx)
	for _, rule := range p.registry.AutoRulesFor(ent.EntityKind()) {
		if rule.On != evt {
			continue
		}
		subscriberID, ok := rule.SubscriberID(ctx, rec)
		if !ok {
			p.log.Sugar().Errorw("Auto-subscribe skipped: subscriber unresolvable",
				"kind", ent.EntityKind(), "id", ent.EntityID(), "association", rule.SubscriberAssoc)
			continue
		}

		err := engine.eachTarget(ctx, ent, rule.Resource, func(resource models.Subscribable) error {
			if rule.If != nil && !rule.If(rec, resource) {
				return nil
			}
			_, err := engine.subs.Subscribe(ctx, subscriberID, resource.EntityKind(), resource.EntityID())
			return err
		})
		if err != nil {
			p.log.Sugar().Errorw("Auto-subscribe failed", "err", err, "kind", ent.EntityKind(), "id", ent.EntityID())
		}
	}
}

// beforeDelete removes auto-subscriptions while the record's references
// are still readable. The subscriber and resource are resolved off the
// record's own columns, so no association load is needed mid-destroy.
// Failures are reported and never fail the destruction.
func (p *Plugin) beforeDelete(db *gorm.DB) {
	if db.Error != nil {
		return
	}
	ctx := db.Statement.Context
	subs := NewSubscriptionStore(p.log, p.session(db))

	eachStatementRecord(db, func(rec any) {
		ent, ok := rec.(models.Entity)
		if !ok {
			return
		}
		for _, rule := range p.registry.AutoRulesFor(ent.EntityKind()) {
			subscriberID, ok := rule.SubscriberID(ctx, rec)
			if !ok {
				p.log.Sugar().Errorw("Auto-unsubscribe skipped: subscriber unresolvable",
					"kind", ent.EntityKind(), "id", ent.EntityID(), "association", rule.SubscriberAssoc)
				continue
			}
			resourceType, resourceID, ok := rule.Resource.StaticTargetRef(ctx, rec)
			if !ok {
				p.log.Sugar().Errorw("Auto-unsubscribe skipped: resource unresolvable",
					"kind", ent.EntityKind(), "id", ent.EntityID(), "association", rule.Resource.Name)
				continue
			}
			if err := subs.Unsubscribe(ctx, subscriberID, resourceType, resourceID); err != nil {
				p.log.Sugar().Errorw("Auto-unsubscribe failed", "err", err, "subscriber_id", subscriberID)
			}
		}
	})
}

// afterDelete purges rows referencing the destroyed record: Updates and
// Subscriptions where it was the resource, Updates where it was the
// notifier. Best-effort: a failed purge is logged and the destroy
// completes anyway.
func (p *Plugin) afterDelete(db *gorm.DB) {
	if db.Error != nil {
		return
	}
	ctx := db.Statement.Context
	tx := p.session(db)
	subs := NewSubscriptionStore(p.log, tx)
	updates := NewUpdateStore(p.log, tx)

	eachStatementRecord(db, func(rec any) {
		ent, ok := rec.(models.Entity)
		if !ok || ent.EntityID() == 0 {
			return
		}
		kind, id := ent.EntityKind(), ent.EntityID()

		if p.registry.IsSubscribable(kind) {
			if err := updates.DeleteForResource(ctx, kind, id); err != nil {
				p.log.Sugar().Errorw("Resource update purge failed", "err", err, "kind", kind, "id", id)
			}
			if err := subs.DeleteForResource(ctx, kind, id); err != nil {
				p.log.Sugar().Errorw("Resource subscription purge failed", "err", err, "kind", kind, "id", id)
			}
		}
		if p.registry.IsNotifier(kind) {
			if err := updates.DeleteForNotifier(ctx, kind, id); err != nil {
				p.log.Sugar().Errorw("Notifier update purge failed", "err", err, "kind", kind, "id", id)
			}
		}
	})
}

// eachStatementRecord applies fn to every record the statement wrote,
// whether it carried a single struct or a batch slice.
func eachStatementRecord(db *gorm.DB, fn func(rec any)) {
	rv := db.Statement.ReflectValue
	switch rv.Kind() {
	case reflect.Struct:
		if rv.CanAddr() {
			fn(rv.Addr().Interface())
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			elem := rv.Index(i)
			for elem.Kind() == reflect.Ptr {
				elem = elem.Elem()
			}
			if elem.Kind() == reflect.Struct && elem.CanAddr() {
				fn(elem.Addr().Interface())
			}
		}
	}
}
