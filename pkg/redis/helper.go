package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"go-realtime/pkg/apperr"
	"go-realtime/pkg/retry"
)

// Nil 重新导出 go-redis 的 Nil，调用方不必再引入 go-redis
var Nil = redis.Nil

// Option 辅助类的可选配置
type Option func(*base)

// WithRetry 设置重试策略（默认 retry.Default()）
func WithRetry(p retry.Policy) Option {
	return func(b *base) { b.retry = p }
}

// WithTTL 设置写操作后刷新的过期时间
func WithTTL(ttl time.Duration) Option {
	return func(b *base) { b.ttl = ttl }
}

// base 所有辅助类共享的部分：客户端、重试策略、TTL
type base struct {
	client redis.UniversalClient
	retry  retry.Policy
	ttl    time.Duration
}

func newBase(client redis.UniversalClient, opts []Option) base {
	b := base{client: client, retry: retry.Default()}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

// do 执行一次 Redis 操作，按策略重试，错误统一包装为 Redis{op}
func (b *base) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := b.retry.Run(ctx, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && !errors.Is(err, redis.Nil) {
			return apperr.Redis(op, err)
		}
		return err
	})
	return err
}

// refresh 刷新 Key 的过期时间（未配置 TTL 时什么都不做）
func (b *base) refresh(ctx context.Context, pipe redis.Pipeliner, key string) {
	if b.ttl > 0 {
		pipe.Expire(ctx, key, b.ttl)
	}
}

// Client 返回底层客户端
func (b *base) Client() redis.UniversalClient { return b.client }
