package readmodel

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "plugin-runtime/internal/errors"
	"plugin-runtime/pkg/logger"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address    string        `yaml:"address"`
	Password   string        `yaml:"password"`
	DB         int           `yaml:"db"`
	Queue      string        `yaml:"queue"`
	BlockWait  time.Duration `yaml:"block_wait"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// RedisQueue 使用 Redis list 保存待写入的更新，进程重启后未消费的更新仍然保留。
// LPUSH 入队，BRPOP 出队。
type RedisQueue struct {
	client *redis.Client
	queue  string
	wait   time.Duration
	retry  time.Duration
	closed atomic.Bool
	logger *slog.Logger
}

// NewRedisQueue 创建 Redis 队列实例并检查连通性。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "plugind:readmodel"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	retry := cfg.RetryDelay
	if retry <= 0 {
		retry = time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	return &RedisQueue{
		client: client,
		queue:  queue,
		wait:   wait,
		retry:  retry,
		logger: logger.Named("readmodel"),
	}, nil
}

// Publish 将更新写入 Redis list。
func (q *RedisQueue) Publish(ctx context.Context, u Update) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	data, err := encodeUpdate(u)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.queue, data).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布更新失败")
	}
	return nil
}

// Consume 通过 BRPOP 取出更新。处理失败的更新放回队尾并在 RetryDelay 后重试。
func (q *RedisQueue) Consume(ctx context.Context, handler Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
		if err != nil {
			switch {
			case errors.Is(err, redis.Nil):
				continue
			case ctx.Err() != nil:
				return ctx.Err()
			case q.closed.Load() || errors.Is(err, redis.ErrClosed):
				return nil
			}
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取更新失败")
		}
		if len(values) != 2 {
			continue
		}
		u, err := decodeUpdate([]byte(values[1]))
		if err != nil {
			q.logger.Warn("丢弃无法解析的读模型更新", slog.Any("error", err))
			continue
		}
		if handlerErr := handler(ctx, u); handlerErr != nil {
			// 放回 BRPOP 一端，保持顺序。
			if err := q.client.RPush(ctx, q.queue, values[1]).Err(); err != nil {
				q.logger.Error("读模型更新重新投递失败", slog.String("plugin_id", u.PluginID), slog.Any("error", err))
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(q.retry):
			}
		}
	}
}

// Len 返回队列中尚未消费的更新数。
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.queue).Result()
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	if q.closed.Swap(true) {
		return nil
	}
	return q.client.Close()
}
