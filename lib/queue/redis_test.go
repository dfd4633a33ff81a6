package queue

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newRedisQueue(t *testing.T, handler Handler) *Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedis(zaptest.NewLogger(t), client, handler, 1)
}

func TestRedis_EnqueueScoresByPriority(t *testing.T) {
	q := newRedisQueue(t, func(ctx context.Context, job Job) error { return nil })
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, NewJob("posts", 1, "self", "", 7)))
	require.NoError(t, q.Enqueue(ctx, NewJob("posts", 2, "self", "", 2)))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, depth)

	scores, err := q.client.ZRangeByScoreWithScores(ctx, fanoutQueueKey, &redis.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
	require.NoError(t, err)
	require.Len(t, scores, 2)
	assert.Equal(t, float64(2), scores[0].Score, "lowest priority number sorts first")
	assert.Equal(t, float64(7), scores[1].Score)
}

func TestRedis_ClaimDeliversInPriorityOrder(t *testing.T) {
	q := newRedisQueue(t, func(ctx context.Context, job Job) error { return nil })
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, NewJob("posts", 1, "self", "", 9)))
	require.NoError(t, q.Enqueue(ctx, NewJob("posts", 2, "self", "", 1)))

	q.claimBatch(ctx)

	first := <-q.jobs
	second := <-q.jobs
	assert.EqualValues(t, 2, first.NotifierID)
	assert.EqualValues(t, 1, second.NotifierID)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, depth, "claimed jobs are removed from the queue")
}

func TestRedis_ClaimedJobRoundTrips(t *testing.T) {
	q := newRedisQueue(t, func(ctx context.Context, job Job) error { return nil })
	ctx := context.Background()

	sent := NewJob("comments", 42, "Post", "notify_subscribers", 3)
	require.NoError(t, q.Enqueue(ctx, sent))

	q.claimBatch(ctx)
	got := <-q.jobs
	assert.Equal(t, sent, got)
}

func TestRedis_UndecodableMemberDiscarded(t *testing.T) {
	q := newRedisQueue(t, func(ctx context.Context, job Job) error { return nil })
	ctx := context.Background()

	require.NoError(t, q.client.ZAdd(ctx, fanoutQueueKey, redis.Z{Score: 0, Member: "not-json"}).Err())
	q.claimBatch(ctx)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, depth)
	assert.Empty(t, q.jobs)
}
