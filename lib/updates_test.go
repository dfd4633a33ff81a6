package lib

import (
	"context"
	"testing"

	"github.com/fiffu/subscribable/lib/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

func TestUpdateStore_HasUnviewedMatchesExactPair(t *testing.T) {
	db := newTestDB(t)
	store := NewUpdateStore(zaptest.NewLogger(t), db)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &models.Update{
		SubscriberID: 2,
		ResourceType: "posts",
		ResourceID:   1,
		NotifierType: "comments",
		NotifierID:   9,
	}))

	post := &Post{Model: gorm.Model{ID: 1}}
	comment := &Comment{Model: gorm.Model{ID: 9}}

	pending, err := store.HasUnviewed(ctx, 2, post, comment)
	require.NoError(t, err)
	assert.True(t, pending)

	// Swapping the resource and notifier roles must not match the row.
	pending, err = store.HasUnviewed(ctx, 2, comment, post)
	require.NoError(t, err)
	assert.False(t, pending)

	pending, err = store.HasUnviewed(ctx, 3, post, comment)
	require.NoError(t, err)
	assert.False(t, pending, "dedup is scoped per subscriber")
}
