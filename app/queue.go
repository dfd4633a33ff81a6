package app

import (
	"context"

	"github.com/fiffu/subscribable/config"
	"github.com/fiffu/subscribable/lib"
	"github.com/fiffu/subscribable/lib/queue"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewQueue builds the configured queue backend and ties its worker pool
// to the application lifecycle. The workers execute the fan-out engine.
func NewQueue(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, engine *lib.Engine) queue.Queue {
	switch cfg.QueueBackend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		q := queue.NewRedis(log, client, engine.Run, cfg.QueueWorkers)
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				if err := client.Ping(ctx).Err(); err != nil {
					return err
				}
				q.Start(context.Background())
				return nil
			},
			OnStop: func(ctx context.Context) error {
				q.Stop()
				return client.Close()
			},
		})
		return q

	default:
		q := queue.NewMemory(log, engine.Run, cfg.QueueWorkers)
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				q.Start(context.Background())
				return nil
			},
			OnStop: func(ctx context.Context) error {
				q.Stop()
				return nil
			},
		})
		return q
	}
}
