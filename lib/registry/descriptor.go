package registry

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/fiffu/subscribable/lib/models"
	"gorm.io/gorm/schema"
)

type Tag string

const (
	// TagSelf marks the notifier itself as the subscribable.
	TagSelf Tag = "self"
	// TagSingular resolves to zero or one subscribable (belongs-to / has-one).
	TagSingular Tag = "singular"
	// TagCollection resolves to many subscribables (has-many), iterated in chunks.
	TagCollection Tag = "collection"
	// TagPolymorphic resolves through a <Name>Type/<Name>ID column pair at
	// dispatch time, using the registry's kind table.
	TagPolymorphic Tag = "polymorphic"
)

// AssociationDescriptor describes how a notifier record reaches its
// subscribable target(s). It is resolved once per rule at registration and
// never re-derived during dispatch.
type AssociationDescriptor struct {
	Tag  Tag
	Name string

	// Target is the struct type of the related record; nil for self and
	// polymorphic associations.
	Target reflect.Type
	// TargetKind is the entity kind of Target when it is known at
	// registration time, "" otherwise (forward references, polymorphic).
	TargetKind string

	// Rel carries the parsed relationship for building target queries.
	Rel *schema.Relationship
	// TypeField/IDField name the columns of a polymorphic reference.
	TypeField *schema.Field
	IDField   *schema.Field
}

var schemaCache = &sync.Map{}

func parseSchema(proto any) (*schema.Schema, error) {
	return schema.Parse(proto, schemaCache, schema.NamingStrategy{})
}

// ParseSchema exposes the registry's shared schema cache to collaborators
// that need model metadata outside a gorm statement.
func ParseSchema(proto any) (*schema.Schema, error) {
	return parseSchema(proto)
}

// ResolveAssociation inspects proto's declared associations and returns a
// descriptor for the named one. An empty name (or "self") means proto is
// its own subscribable. Unknown association names are an error: they are
// explicit configuration, not something to tolerate.
func ResolveAssociation(proto any, name string) (AssociationDescriptor, error) {
	if name == "" || name == "self" {
		desc := AssociationDescriptor{Tag: TagSelf, Name: "self"}
		if s, ok := proto.(models.Subscribable); ok {
			desc.TargetKind = s.EntityKind()
		}
		return desc, nil
	}

	sch, err := parseSchema(proto)
	if err != nil {
		return AssociationDescriptor{}, err
	}

	if rel, ok := sch.Relationships.Relations[name]; ok {
		return describeRelation(name, rel)
	}

	typeField := sch.LookUpField(name + "Type")
	idField := sch.LookUpField(name + "ID")
	if typeField != nil && idField != nil {
		return AssociationDescriptor{
			Tag:       TagPolymorphic,
			Name:      name,
			TypeField: typeField,
			IDField:   idField,
		}, nil
	}

	return AssociationDescriptor{}, fmt.Errorf("%s has no association named %q", sch.ModelType.Name(), name)
}

func describeRelation(name string, rel *schema.Relationship) (AssociationDescriptor, error) {
	desc := AssociationDescriptor{
		Name:   name,
		Target: rel.FieldSchema.ModelType,
		Rel:    rel,
	}

	switch rel.Type {
	case schema.HasMany:
		desc.Tag = TagCollection
	case schema.HasOne, schema.BelongsTo:
		desc.Tag = TagSingular
	default:
		return desc, fmt.Errorf("association %q is %s, which cannot carry subscribers", name, rel.Type)
	}

	if proto, ok := reflect.New(desc.Target).Interface().(models.Subscribable); ok {
		desc.TargetKind = proto.EntityKind()
	}
	return desc, nil
}

// StaticTargetRef returns the (kind, id) pair of the association target
// without touching the database. This only works for references held on
// the record itself: self, belongs-to and polymorphic associations. It is
// what the auto-unsubscribe path uses while the record is being destroyed
// and its associations may no longer be loadable.
func (desc AssociationDescriptor) StaticTargetRef(ctx context.Context, rec any) (kind string, id uint, ok bool) {
	rv := reflect.ValueOf(rec)

	switch desc.Tag {
	case TagSelf:
		if e, isEntity := rec.(models.Entity); isEntity {
			return e.EntityKind(), e.EntityID(), true
		}

	case TagPolymorphic:
		t, _ := desc.TypeField.ValueOf(ctx, rv)
		i, zero := desc.IDField.ValueOf(ctx, rv)
		if s, isStr := t.(string); isStr && s != "" && !zero {
			return s, toUint(i), true
		}

	case TagSingular:
		if desc.Rel.Type != schema.BelongsTo || desc.TargetKind == "" {
			return "", 0, false
		}
		for _, ref := range desc.Rel.References {
			if ref.PrimaryValue != "" || ref.OwnPrimaryKey {
				continue
			}
			v, zero := ref.ForeignKey.ValueOf(ctx, rv)
			if zero {
				return "", 0, false
			}
			return desc.TargetKind, toUint(v), true
		}
	}
	return "", 0, false
}

func toUint(v any) uint {
	switch n := v.(type) {
	case uint:
		return n
	case uint64:
		return uint(n)
	case uint32:
		return uint(n)
	case int:
		return uint(n)
	case int64:
		return uint(n)
	case int32:
		return uint(n)
	}
	return 0
}
