package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const fanoutQueueKey = "subscribable:fanout_queue"

// Redis is a queue backed by a Redis sorted set, scored by priority so
// lower-priority-number jobs are claimed first. Claiming removes the
// member; under competing consumers a ZRem returning 0 means another
// consumer already took the job.
type Redis struct {
	log     *zap.Logger
	client  *redis.Client
	handler Handler
	workers int

	pollInterval time.Duration
	batchSize    int64

	jobs   chan Job
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRedis(log *zap.Logger, client *redis.Client, handler Handler, workers int) *Redis {
	return &Redis{
		log:          log,
		client:       client,
		handler:      handler,
		workers:      workers,
		pollInterval: 100 * time.Millisecond,
		batchSize:    10,
		jobs:         make(chan Job, workers*2),
	}
}

func (q *Redis) Enqueue(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.client.ZAdd(ctx, fanoutQueueKey, redis.Z{
		Score:  float64(job.Priority),
		Member: string(payload),
	}).Err()
}

func (q *Redis) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}

	q.wg.Add(1)
	go q.poll(ctx)

	q.log.Sugar().Infow("Redis queue started", "workers", q.workers)
}

func (q *Redis) Stop() {
	q.cancel()
	q.wg.Wait()
	q.log.Sugar().Info("Redis queue stopped")
}

func (q *Redis) poll(ctx context.Context) {
	defer q.wg.Done()
	defer close(q.jobs)

	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.claimBatch(ctx)
		}
	}
}

func (q *Redis) claimBatch(ctx context.Context) {
	members, err := q.client.ZRangeByScore(ctx, fanoutQueueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "+inf",
		Count: q.batchSize,
	}).Result()
	if err != nil {
		q.log.Sugar().Errorw("Failed to poll fan-out queue", "err", err)
		return
	}

	for _, member := range members {
		removed, err := q.client.ZRem(ctx, fanoutQueueKey, member).Result()
		if err != nil {
			q.log.Sugar().Errorw("Failed to claim fan-out job", "err", err)
			continue
		}
		if removed == 0 {
			// Another consumer claimed it first.
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			q.log.Sugar().Errorw("Discarding undecodable fan-out job", "err", err)
			continue
		}

		select {
		case q.jobs <- job:
		case <-ctx.Done():
			return
		}
	}
}

func (q *Redis) worker(ctx context.Context) {
	defer q.wg.Done()

	for job := range q.jobs {
		if err := q.handler(ctx, job); err != nil {
			q.log.Sugar().Errorw("Fan-out job failed", "job_id", job.ID, "err", err)
		}
	}
}

// Depth returns the number of jobs waiting in the queue.
func (q *Redis) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, fanoutQueueKey).Result()
}
