package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type Author struct {
	gorm.Model
	Name    string
	Threads []Thread `gorm:"foreignKey:AuthorID"`
}

func (a *Author) EntityKind() string { return "authors" }
func (a *Author) EntityID() uint     { return a.ID }
func (a *Author) ActorID() uint      { return a.ID }

type Thread struct {
	gorm.Model
	AuthorID uint
}

func (t *Thread) EntityKind() string { return "threads" }
func (t *Thread) EntityID() uint     { return t.ID }
func (t *Thread) OwnerID() uint      { return t.AuthorID }
func (t *Thread) ActorID() uint      { return t.AuthorID }

type Reply struct {
	gorm.Model
	AuthorID uint
	ThreadID uint
	ParentID uint

	Author   Author
	Thread   Thread
	Children []Reply `gorm:"foreignKey:ParentID"`
}

func (r *Reply) EntityKind() string { return "replies" }
func (r *Reply) EntityID() uint     { return r.ID }
func (r *Reply) ActorID() uint      { return r.AuthorID }

type Vote struct {
	gorm.Model
	AuthorID    uint
	SubjectType string
	SubjectID   uint
}

func (v *Vote) EntityKind() string { return "votes" }
func (v *Vote) EntityID() uint     { return v.ID }
func (v *Vote) ActorID() uint      { return v.AuthorID }

func TestResolveAssociation_Tags(t *testing.T) {
	tests := []struct {
		name  string
		proto any
		assoc string
		want  Tag
	}{
		{"empty name means self", &Thread{}, "", TagSelf},
		{"explicit self", &Thread{}, "self", TagSelf},
		{"belongs-to is singular", &Reply{}, "Thread", TagSingular},
		{"has-many is a collection", &Author{}, "Threads", TagCollection},
		{"type/id pair is polymorphic", &Vote{}, "Subject", TagPolymorphic},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			desc, err := ResolveAssociation(tc.proto, tc.assoc)
			require.NoError(t, err)
			assert.Equal(t, tc.want, desc.Tag)
		})
	}
}

func TestResolveAssociation_UnknownNameErrors(t *testing.T) {
	_, err := ResolveAssociation(&Reply{}, "Nonexistent")
	assert.ErrorContains(t, err, "no association named")
}

func TestSubscribable_Idempotent(t *testing.T) {
	r := New()
	require.NoError(t, r.Subscribable(&Thread{}))
	require.NoError(t, r.Subscribable(&Thread{}))
	assert.True(t, r.IsSubscribable("threads"))
}

func TestNotify_OverwritesPerAssociation(t *testing.T) {
	r := New()
	require.NoError(t, r.Notify(&Reply{}, "Thread", NotificationConfig{Priority: 1}))
	require.NoError(t, r.Notify(&Reply{}, "Thread", NotificationConfig{Priority: 9}))

	rules := r.RulesFor("replies")
	require.Len(t, rules, 1)
	assert.Equal(t, 9, rules[0].Priority)
}

func TestNotify_Defaults(t *testing.T) {
	r := New()
	require.NoError(t, r.Notify(&Reply{}, "Thread", NotificationConfig{}))

	rule, ok := r.Rule("replies", "Thread")
	require.True(t, ok)
	assert.Equal(t, []Event{EventSave}, rule.On)
	assert.Equal(t, MethodSubscribers, rule.With)
	assert.True(t, rule.TriggersOn(EventCreate))
	assert.True(t, rule.TriggersOn(EventUpdate))
}

func TestRule_EmptyNameResolvesSelf(t *testing.T) {
	r := New()
	require.NoError(t, r.Notify(&Thread{}, "", NotificationConfig{}))

	rule, ok := r.Rule("threads", "")
	require.True(t, ok)
	assert.Equal(t, "self", rule.Association)

	_, ok = r.Rule("threads", "self")
	assert.True(t, ok)
}

func TestNotify_BackLinksIntoSubscribable(t *testing.T) {
	r := New()
	require.NoError(t, r.Subscribable(&Thread{}))
	require.NoError(t, r.Notify(&Reply{}, "Thread", NotificationConfig{}))

	links := r.NotifyingAssociations("threads")
	require.Len(t, links, 1)
	assert.Equal(t, "replies", links[0].NotifierKind)
	assert.Equal(t, "Thread", links[0].Association)
}

func TestNotify_BackLinkToleratesForwardReference(t *testing.T) {
	r := New()
	// Thread is not registered as subscribable yet: the back-link is
	// silently skipped, the rule itself still lands.
	require.NoError(t, r.Notify(&Reply{}, "Thread", NotificationConfig{}))
	assert.Empty(t, r.NotifyingAssociations("threads"))

	_, ok := r.Rule("replies", "Thread")
	assert.True(t, ok)
}

func TestAutoSubscribe_RejectsNonBelongsToSubscriber(t *testing.T) {
	r := New()
	err := r.AutoSubscribe(&Author{}, "Threads", AutoSubscribeConfig{})
	assert.ErrorContains(t, err, "belongs-to")
}

func TestAutoSubscribe_RejectsCollectionResource(t *testing.T) {
	r := New()
	err := r.AutoSubscribe(&Reply{}, "Author", AutoSubscribeConfig{To: "Children"})
	assert.ErrorContains(t, err, "collection")
}

func TestAutoSubscribe_SubscriberID(t *testing.T) {
	r := New()
	require.NoError(t, r.AutoSubscribe(&Reply{}, "Author", AutoSubscribeConfig{To: "Thread"}))

	rules := r.AutoRulesFor("replies")
	require.Len(t, rules, 1)
	assert.Equal(t, EventCreate, rules[0].On)

	id, ok := rules[0].SubscriberID(context.Background(), &Reply{AuthorID: 42})
	require.True(t, ok)
	assert.EqualValues(t, 42, id)

	_, ok = rules[0].SubscriberID(context.Background(), &Reply{})
	assert.False(t, ok)
}

func TestStaticTargetRef(t *testing.T) {
	polyDesc, err := ResolveAssociation(&Vote{}, "Subject")
	require.NoError(t, err)
	kind, id, ok := polyDesc.StaticTargetRef(context.Background(), &Vote{SubjectType: "threads", SubjectID: 7})
	require.True(t, ok)
	assert.Equal(t, "threads", kind)
	assert.EqualValues(t, 7, id)

	belongsDesc, err := ResolveAssociation(&Reply{}, "Thread")
	require.NoError(t, err)
	kind, id, ok = belongsDesc.StaticTargetRef(context.Background(), &Reply{ThreadID: 3})
	require.True(t, ok)
	assert.Equal(t, "threads", kind)
	assert.EqualValues(t, 3, id)

	_, _, ok = belongsDesc.StaticTargetRef(context.Background(), &Reply{})
	assert.False(t, ok, "unset foreign key means no target")
}

func TestRecordKind_ConflictErrors(t *testing.T) {
	r := New()
	require.NoError(t, r.Notify(&Reply{}, "Thread", NotificationConfig{}))

	type impostor struct{ gorm.Model }
	err := r.recordKind("replies", &impostor{})
	assert.ErrorContains(t, err, "already registered")
}
